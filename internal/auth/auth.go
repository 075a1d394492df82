// Package auth implements C11: local email/password login, federated
// (github) callback linking, session issuance/validation, and admin
// bootstrap. Grounded on src/auth/service.py and models.py, with
// secrets.token_urlsafe replaced by uuid.NewRandom() and passlib replaced
// by golang.org/x/crypto/bcrypt — both idiomatic Go answers for concerns
// the teacher's go.mod does not itself cover, since beeper-ai-bridge has
// no local-password surface of its own.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/axion66/A2rchi-sub000/internal/coreerrors"
	"github.com/axion66/A2rchi-sub000/internal/user"
)

// bcryptCost matches common Go idiom for interactive password hashing;
// spec.md leaves the cost unspecified.
const bcryptCost = 12

// Session is a sessions table row.
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Service implements C11 against a *sql.DB, delegating user-row reads to
// user.Service so callers get the same User shape everywhere.
type Service struct {
	db              *sql.DB
	users           *user.Service
	sessionLifetime time.Duration
	log             zerolog.Logger
}

// New constructs a Service. sessionLifetime corresponds to
// StaticConfig.SessionLifetimeDays.
func New(db *sql.DB, users *user.Service, sessionLifetime time.Duration, log zerolog.Logger) *Service {
	return &Service{db: db, users: users, sessionLifetime: sessionLifetime, log: log}
}

// genericCredentialFailure is the textual reason returned for any local
// login failure, per spec.md section 7: "the textual reason MUST be
// generic for credential failures" so a caller cannot distinguish
// unknown-email from wrong-password.
const genericCredentialFailure = "invalid email or password"

// Login verifies email/password, bumps login_count/last_login_at, and
// issues a new session token.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, *user.User, error) {
	var id, hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE email = $1 AND auth_provider = 'local'`, email,
	).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, coreerrors.NewAuthenticationError(genericCredentialFailure)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("auth: login lookup: %w", err)
	}
	if hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		s.log.Warn().Str("email", email).Msg("auth: login failed")
		return nil, nil, coreerrors.NewAuthenticationError(genericCredentialFailure)
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE users SET login_count = login_count + 1, last_login_at = now(), updated_at = now()
		WHERE id = $1
	`, id); err != nil {
		return nil, nil, fmt.Errorf("auth: login bump counters: %w", err)
	}

	session, err := s.createSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	u, err := s.users.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return session, u, nil
}

// FederatedCallback resolves a federated (github) identity to a user: by
// github_id first, then by email auto-link, rejecting if neither matches
// per spec.md section 4.11 ("user must be pre-provisioned").
func (s *Service) FederatedCallback(ctx context.Context, providerID, email, username string) (*Session, *user.User, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE github_id = $1`, providerID).Scan(&id)
	switch {
	case err == nil:
		// matched by github_id
	case errors.Is(err, sql.ErrNoRows):
		if email == "" {
			return nil, nil, coreerrors.NewAuthenticationError("no account matches this federated identity")
		}
		lookupErr := s.db.QueryRowContext(ctx,
			`SELECT id FROM users WHERE email = $1 AND github_id IS NULL`, email,
		).Scan(&id)
		if errors.Is(lookupErr, sql.ErrNoRows) {
			return nil, nil, coreerrors.NewAuthenticationError("no account matches this federated identity")
		}
		if lookupErr != nil {
			return nil, nil, fmt.Errorf("auth: federated email lookup: %w", lookupErr)
		}
		if _, err := s.db.ExecContext(ctx, `
			UPDATE users SET github_id = $1, auth_provider = 'github', updated_at = now()
			WHERE id = $2
		`, providerID, id); err != nil {
			return nil, nil, fmt.Errorf("auth: federated auto-link: %w", err)
		}
	default:
		return nil, nil, fmt.Errorf("auth: federated github_id lookup: %w", err)
	}

	if username != "" {
		_, _ = s.db.ExecContext(ctx,
			`UPDATE users SET display_name = COALESCE(display_name, $1), updated_at = now() WHERE id = $2`,
			username, id)
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE users SET login_count = login_count + 1, last_login_at = now(), updated_at = now()
		WHERE id = $1
	`, id); err != nil {
		return nil, nil, fmt.Errorf("auth: federated bump counters: %w", err)
	}

	session, err := s.createSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	u, err := s.users.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return session, u, nil
}

func (s *Service) createSession(ctx context.Context, userID string) (*Session, error) {
	token, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("auth: generate session token: %w", err)
	}
	sess := &Session{
		ID:        token.String(),
		UserID:    userID,
		ExpiresAt: time.Now().Add(s.sessionLifetime),
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, user_id, expires_at)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, sess.ID, sess.UserID, sess.ExpiresAt).Scan(&sess.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("auth: create session: %w", err)
	}
	return sess, nil
}

// Validate looks up a non-expired session and its user, proactively
// deleting the row if it has already expired.
func (s *Service) Validate(ctx context.Context, token string) (*user.User, error) {
	var userID string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM sessions WHERE id = $1`, token,
	).Scan(&userID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coreerrors.NewAuthenticationError("invalid session")
	}
	if err != nil {
		return nil, fmt.Errorf("auth: validate lookup: %w", err)
	}
	if !expiresAt.After(time.Now()) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, token)
		return nil, coreerrors.NewAuthenticationError("session expired")
	}
	return s.users.Get(ctx, userID)
}

// Logout deletes a session by token.
func (s *Service) Logout(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, token)
	if err != nil {
		return fmt.Errorf("auth: logout: %w", err)
	}
	return nil
}

// CleanupExpiredSessions sweeps every expired session row, returning the
// count removed.
func (s *Service) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("auth: cleanup expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info().Int64("count", n).Msg("auth: swept expired sessions")
	}
	return n, nil
}

// EnsureAdmin idempotently creates or promotes the user identified by
// email to admin, setting password (hashed) only when the account does
// not yet exist or has no password set.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) (*user.User, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE email = $1`, email).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		if password == "" {
			return nil, coreerrors.NewConfigurationError("password required to bootstrap a new admin user")
		}
		hash, hashErr := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
		if hashErr != nil {
			return nil, fmt.Errorf("auth: hash admin password: %w", hashErr)
		}
		newID := uuid.NewString()
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO users (id, email, auth_provider, password_hash, is_admin)
			VALUES ($1, $2, 'local', $3, TRUE)
		`, newID, email, string(hash)); err != nil {
			return nil, fmt.Errorf("auth: create admin: %w", err)
		}
		return s.users.Get(ctx, newID)
	}
	if err != nil {
		return nil, fmt.Errorf("auth: ensure_admin lookup: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE users SET is_admin = TRUE, updated_at = now() WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("auth: promote admin: %w", err)
	}
	if password != "" {
		hash, hashErr := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
		if hashErr != nil {
			return nil, fmt.Errorf("auth: hash admin password: %w", hashErr)
		}
		if _, err := s.db.ExecContext(ctx, `
			UPDATE users SET password_hash = $1, updated_at = now()
			WHERE id = $2 AND (password_hash IS NULL OR password_hash = '')
		`, string(hash), id); err != nil {
			return nil, fmt.Errorf("auth: set admin password: %w", err)
		}
	}
	return s.users.Get(ctx, id)
}

// SetPassword hashes and stores a local password for an existing user,
// switching its auth_provider to local. Used by registration flows
// outside this core's scope; kept here since bcrypt hashing is this
// package's concern.
func (s *Service) SetPassword(ctx context.Context, userID, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $1, auth_provider = 'local', updated_at = now()
		WHERE id = $2
	`, string(hash), userID)
	if err != nil {
		return fmt.Errorf("auth: set password: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("auth: set_password: user %q not found", userID)
	}
	return nil
}
