// Package user implements C3: user identity, preferences, and BYOK API key
// storage. Grounded on src/utils/user_service.py's get_or_create/
// update_preferences/set_api_key/link_anonymous_to_authenticated shape,
// adapted to explicit dependency injection (*sql.DB passed in, no module
// singleton) per the Design Notes.
package user

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/axion66/A2rchi-sub000/internal/coreerrors"
)

// Provider is a supported BYOK API-key provider.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderOpenRouter Provider = "openrouter"
)

func (p Provider) column() (string, bool) {
	switch p {
	case ProviderOpenAI:
		return "api_key_openai", true
	case ProviderAnthropic:
		return "api_key_anthropic", true
	case ProviderOpenRouter:
		return "api_key_openrouter", true
	default:
		return "", false
	}
}

// Supported reports whether p is a BYOK-supported provider.
func (p Provider) Supported() bool {
	_, ok := p.column()
	return ok
}

// AuthProvider is how a user's identity was established.
type AuthProvider string

const (
	AuthAnonymous AuthProvider = "anonymous"
	AuthLocal     AuthProvider = "local"
	AuthGitHub    AuthProvider = "github"
)

// Preferences holds the per-user chat/retrieval preference fields.
type Preferences struct {
	Theme          sql.NullString
	Model          sql.NullString
	Temperature    sql.NullFloat64
	MaxTokens      sql.NullInt64
	NumDocuments   sql.NullInt64
	CondensePrompt sql.NullString
	ChatPrompt     sql.NullString
	SystemPrompt   sql.NullString
	TopP           sql.NullFloat64
	TopK           sql.NullInt64
}

// User is the row shape of the users table, excluding API key ciphertext.
type User struct {
	ID           string
	Email        sql.NullString
	DisplayName  sql.NullString
	AuthProvider AuthProvider
	IsAdmin      bool
	LoginCount   int
	Prefs        Preferences
}

// Sanitized returns a copy of u safe to serialize to an API client: it
// never carries API key ciphertext (User never holds it in the first
// place) and is the single place call sites reach for instead of hand-
// picking fields when building a response body.
func (u *User) Sanitized() User {
	return *u
}

// Service implements C3 against a *sql.DB. EncryptionKey is the deployment
// BYOK_ENCRYPTION_KEY; SetAPIKey/GetAPIKey return coreerrors.ConfigurationError
// when it is empty, per spec.md section 7.
type Service struct {
	db            *sql.DB
	encryptionKey string
	log           zerolog.Logger
}

func New(db *sql.DB, encryptionKey string, log zerolog.Logger) *Service {
	return &Service{db: db, encryptionKey: encryptionKey, log: log}
}

func newAnonID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "anon_" + hex.EncodeToString(buf)
}

// GetOrCreate returns the existing user by id, or creates one. When id is
// empty, a fresh anon_<random> id is synthesized.
func (s *Service) GetOrCreate(ctx context.Context, id string, authProvider AuthProvider, displayName, email *string) (*User, error) {
	if authProvider == "" {
		authProvider = AuthAnonymous
	}
	if id == "" {
		id = newAnonID()
	}

	if existing, err := s.Get(ctx, id); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, auth_provider)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			display_name = COALESCE(EXCLUDED.display_name, users.display_name),
			email = COALESCE(EXCLUDED.email, users.email),
			updated_at = now()
	`, id, displayName, email, string(authProvider))
	if err != nil {
		return nil, fmt.Errorf("user: get_or_create insert: %w", err)
	}
	s.log.Debug().Str("user_id", id).Str("auth_provider", string(authProvider)).Msg("user: created")

	return s.Get(ctx, id)
}

// Get returns the user by id, or nil if absent.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	var u User
	var authProvider string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, auth_provider, is_admin, login_count,
		       pref_theme, pref_model, pref_temperature, pref_max_tokens, pref_num_documents,
		       pref_condense_prompt, pref_chat_prompt, pref_system_prompt, pref_top_p, pref_top_k
		FROM users WHERE id = $1
	`, id).Scan(
		&u.ID, &u.Email, &u.DisplayName, &authProvider, &u.IsAdmin, &u.LoginCount,
		&u.Prefs.Theme, &u.Prefs.Model, &u.Prefs.Temperature, &u.Prefs.MaxTokens, &u.Prefs.NumDocuments,
		&u.Prefs.CondensePrompt, &u.Prefs.ChatPrompt, &u.Prefs.SystemPrompt, &u.Prefs.TopP, &u.Prefs.TopK,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("user: get: %w", err)
	}
	u.AuthProvider = AuthProvider(authProvider)
	return &u, nil
}

// UpdatePreferences applies a partial preference patch: only non-nil fields
// are written; fields passed as nil are left untouched.
func (s *Service) UpdatePreferences(ctx context.Context, userID string, p Preferences) (*User, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET
			pref_theme           = COALESCE($2, pref_theme),
			pref_model           = COALESCE($3, pref_model),
			pref_temperature     = COALESCE($4, pref_temperature),
			pref_max_tokens      = COALESCE($5, pref_max_tokens),
			pref_num_documents   = COALESCE($6, pref_num_documents),
			pref_condense_prompt = COALESCE($7, pref_condense_prompt),
			pref_chat_prompt     = COALESCE($8, pref_chat_prompt),
			pref_system_prompt   = COALESCE($9, pref_system_prompt),
			pref_top_p           = COALESCE($10, pref_top_p),
			pref_top_k           = COALESCE($11, pref_top_k),
			updated_at           = now()
		WHERE id = $1
	`, userID, p.Theme, p.Model, p.Temperature, p.MaxTokens, p.NumDocuments,
		p.CondensePrompt, p.ChatPrompt, p.SystemPrompt, p.TopP, p.TopK)
	if err != nil {
		return nil, fmt.Errorf("user: update_preferences: %w", err)
	}
	return s.Get(ctx, userID)
}

// SetAPIKey encrypts and stores a BYOK key for a provider, via pgcrypto's
// pgp_sym_encrypt. Returns coreerrors.ConfigurationError if no encryption
// key is configured for this deployment.
func (s *Service) SetAPIKey(ctx context.Context, userID string, provider Provider, apiKey string) error {
	column, ok := provider.column()
	if !ok {
		return fmt.Errorf("user: unknown provider %q", provider)
	}
	if s.encryptionKey == "" {
		return coreerrors.NewConfigurationError("BYOK_ENCRYPTION_KEY not configured, cannot store API keys")
	}

	query := fmt.Sprintf(`
		UPDATE users SET %s = pgp_sym_encrypt($1, $2), updated_at = now()
		WHERE id = $3
	`, column)
	res, err := s.db.ExecContext(ctx, query, apiKey, s.encryptionKey, userID)
	if err != nil {
		return fmt.Errorf("user: set_api_key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user: set_api_key: user %q not found", userID)
	}
	return nil
}

// GetAPIKey decrypts and returns the stored key for a provider, or "", false
// if unset. Returns coreerrors.ConfigurationError if no encryption key is
// configured.
func (s *Service) GetAPIKey(ctx context.Context, userID string, provider Provider) (string, bool, error) {
	column, ok := provider.column()
	if !ok {
		return "", false, fmt.Errorf("user: unknown provider %q", provider)
	}
	if s.encryptionKey == "" {
		return "", false, coreerrors.NewConfigurationError("BYOK_ENCRYPTION_KEY not configured, cannot retrieve API keys")
	}

	query := fmt.Sprintf(`
		SELECT pgp_sym_decrypt(%s, $1) FROM users WHERE id = $2 AND %s IS NOT NULL
	`, column, column)
	var key string
	err := s.db.QueryRowContext(ctx, query, s.encryptionKey, userID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("user: get_api_key: %w", err)
	}
	return key, true, nil
}

// LinkAnonymousToAuthenticated merges an anonymous user's preferences,
// API keys, document defaults, and conversation ownership into an
// authenticated user, then deletes the anonymous row, all within a single
// transaction. Authenticated-side non-null values win over the anonymous
// side on every merged column (COALESCE(authenticated, anonymous)).
func (s *Service) LinkAnonymousToAuthenticated(ctx context.Context, anonID, authID string, authProvider AuthProvider, displayName, email *string) (*User, error) {
	if authProvider == AuthAnonymous {
		return nil, fmt.Errorf("user: cannot link to anonymous auth provider")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var anonExists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE id = $1 AND auth_provider = 'anonymous')`, anonID,
	).Scan(&anonExists); err != nil {
		return nil, err
	}

	if anonExists {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO users (
				id, display_name, email, auth_provider,
				pref_theme, pref_model, pref_temperature, pref_max_tokens, pref_num_documents,
				pref_condense_prompt, pref_chat_prompt, pref_system_prompt, pref_top_p, pref_top_k,
				api_key_openrouter, api_key_openai, api_key_anthropic
			)
			SELECT $1, $2, $3, $4,
			       pref_theme, pref_model, pref_temperature, pref_max_tokens, pref_num_documents,
			       pref_condense_prompt, pref_chat_prompt, pref_system_prompt, pref_top_p, pref_top_k,
			       api_key_openrouter, api_key_openai, api_key_anthropic
			FROM users WHERE id = $5
			ON CONFLICT (id) DO UPDATE SET
				display_name         = COALESCE(users.display_name, EXCLUDED.display_name),
				email                = COALESCE(users.email, EXCLUDED.email),
				auth_provider        = EXCLUDED.auth_provider,
				pref_theme           = COALESCE(users.pref_theme, EXCLUDED.pref_theme),
				pref_model           = COALESCE(users.pref_model, EXCLUDED.pref_model),
				pref_temperature     = COALESCE(users.pref_temperature, EXCLUDED.pref_temperature),
				pref_max_tokens      = COALESCE(users.pref_max_tokens, EXCLUDED.pref_max_tokens),
				pref_num_documents   = COALESCE(users.pref_num_documents, EXCLUDED.pref_num_documents),
				pref_condense_prompt = COALESCE(users.pref_condense_prompt, EXCLUDED.pref_condense_prompt),
				pref_chat_prompt     = COALESCE(users.pref_chat_prompt, EXCLUDED.pref_chat_prompt),
				pref_system_prompt   = COALESCE(users.pref_system_prompt, EXCLUDED.pref_system_prompt),
				pref_top_p           = COALESCE(users.pref_top_p, EXCLUDED.pref_top_p),
				pref_top_k           = COALESCE(users.pref_top_k, EXCLUDED.pref_top_k),
				api_key_openrouter   = COALESCE(users.api_key_openrouter, EXCLUDED.api_key_openrouter),
				api_key_openai       = COALESCE(users.api_key_openai, EXCLUDED.api_key_openai),
				api_key_anthropic    = COALESCE(users.api_key_anthropic, EXCLUDED.api_key_anthropic),
				updated_at           = now()
		`, authID, displayName, email, string(authProvider), anonID)
		if err != nil {
			return nil, fmt.Errorf("user: link merge: %w", err)
		}
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO users (id, display_name, email, auth_provider)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				display_name = COALESCE(users.display_name, EXCLUDED.display_name),
				email        = COALESCE(users.email, EXCLUDED.email),
				updated_at   = now()
		`, authID, displayName, email, string(authProvider))
		if err != nil {
			return nil, fmt.Errorf("user: link create authenticated: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation_metadata SET user_id = $1 WHERE user_id = $2`, authID, anonID,
	); err != nil {
		return nil, fmt.Errorf("user: link rewrite conversation_metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE user_document_defaults AS udd
		SET user_id = $1
		WHERE udd.user_id = $2
		  AND NOT EXISTS (
			SELECT 1 FROM user_document_defaults existing
			WHERE existing.user_id = $1 AND existing.document_id = udd.document_id
		  )
	`, authID, anonID); err != nil {
		return nil, fmt.Errorf("user: link rewrite user_document_defaults: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM user_document_defaults WHERE user_id = $1`, anonID,
	); err != nil {
		return nil, fmt.Errorf("user: link drop stale anon document defaults: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, anonID); err != nil {
		return nil, fmt.Errorf("user: link delete anonymous user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.log.Info().Str("anon_id", anonID).Str("auth_id", authID).Msg("user: linked anonymous to authenticated")
	return s.Get(ctx, authID)
}

// DeleteUser permanently deletes targetUserID and, via ON DELETE CASCADE,
// its sessions and document defaults. Gated behind adminUserID resolving to
// an admin user. Carried over from src/auth/service.py's delete_user, with
// the admin check decorators.py enforced at the route layer moved into the
// service itself since this package has no route layer of its own.
func (s *Service) DeleteUser(ctx context.Context, adminUserID, targetUserID string) (bool, error) {
	admin, err := s.Get(ctx, adminUserID)
	if err != nil {
		return false, err
	}
	if admin == nil || !admin.IsAdmin {
		return false, coreerrors.NewAuthorizationError("delete_user requires admin privileges")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, targetUserID)
	if err != nil {
		return false, fmt.Errorf("user: delete_user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	deleted := n > 0
	if deleted {
		s.log.Info().Str("user_id", targetUserID).Str("admin_id", adminUserID).Msg("user: deleted")
	}
	return deleted, nil
}

// ListUsers returns users ordered by most-recently created, optionally
// filtered by auth provider.
func (s *Service) ListUsers(ctx context.Context, authProvider AuthProvider, limit, offset int) ([]User, error) {
	query := `
		SELECT id, email, display_name, auth_provider, is_admin, login_count,
		       pref_theme, pref_model, pref_temperature, pref_max_tokens, pref_num_documents,
		       pref_condense_prompt, pref_chat_prompt, pref_system_prompt, pref_top_p, pref_top_k
		FROM users
	`
	args := []any{}
	if authProvider != "" {
		query += ` WHERE auth_provider = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		args = append(args, string(authProvider), limit, offset)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("user: list_users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		var ap string
		if err := rows.Scan(
			&u.ID, &u.Email, &u.DisplayName, &ap, &u.IsAdmin, &u.LoginCount,
			&u.Prefs.Theme, &u.Prefs.Model, &u.Prefs.Temperature, &u.Prefs.MaxTokens, &u.Prefs.NumDocuments,
			&u.Prefs.CondensePrompt, &u.Prefs.ChatPrompt, &u.Prefs.SystemPrompt, &u.Prefs.TopP, &u.Prefs.TopK,
		); err != nil {
			return nil, err
		}
		u.AuthProvider = AuthProvider(ap)
		out = append(out, u)
	}
	return out, rows.Err()
}
