// Package selection implements C7: per-user and per-conversation document
// enable/disable overrides. Grounded on
// src/data_manager/collectors/utils/catalog_postgres.py's
// is_document_enabled/set_document_enabled/bulk_set_enabled family, split
// out of the catalog service since the spec treats selection state as its
// own concern layered on top of the document catalog.
package selection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

// Service implements C7.
type Service struct {
	db  *sql.DB
	log zerolog.Logger
}

func New(db *sql.DB, log zerolog.Logger) *Service {
	return &Service{db: db, log: log}
}

// IsEnabled resolves the three-tier precedence: a conversation-level
// override wins if present, else a user-level default, else the document
// is enabled by default.
func (s *Service) IsEnabled(ctx context.Context, conversationID, userID string, documentID int64) (bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx, `
		SELECT enabled FROM conversation_document_overrides
		WHERE conversation_id = $1 AND document_id = $2
	`, conversationID, documentID).Scan(&enabled)
	if err == nil {
		return enabled, nil
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("selection: is_enabled conversation override: %w", err)
	}

	if userID != "" {
		err = s.db.QueryRowContext(ctx, `
			SELECT enabled FROM user_document_defaults
			WHERE user_id = $1 AND document_id = $2
		`, userID, documentID).Scan(&enabled)
		if err == nil {
			return enabled, nil
		}
		if err != sql.ErrNoRows {
			return false, fmt.Errorf("selection: is_enabled user default: %w", err)
		}
	}

	return true, nil
}

// SetConversationOverride upserts a conversation-scoped override.
func (s *Service) SetConversationOverride(ctx context.Context, conversationID string, documentID int64, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_document_overrides (conversation_id, document_id, enabled, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (conversation_id, document_id) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = now()
	`, conversationID, documentID, enabled)
	if err != nil {
		return fmt.Errorf("selection: set_conversation_override: %w", err)
	}
	return nil
}

// ClearConversationOverride removes a conversation-scoped override, letting
// the user default (or the TRUE fallback) take over again.
func (s *Service) ClearConversationOverride(ctx context.Context, conversationID string, documentID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_document_overrides WHERE conversation_id = $1 AND document_id = $2
	`, conversationID, documentID)
	if err != nil {
		return fmt.Errorf("selection: clear_conversation_override: %w", err)
	}
	return nil
}

// SetUserDefault upserts a user-scoped default, the second-tier fallback
// when no conversation override exists.
func (s *Service) SetUserDefault(ctx context.Context, userID string, documentID int64, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_document_defaults (user_id, document_id, enabled, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, document_id) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = now()
	`, userID, documentID, enabled)
	if err != nil {
		return fmt.Errorf("selection: set_user_default: %w", err)
	}
	return nil
}

// BulkSetConversationOverrides applies the same override to many documents
// in a single transaction, conflicts always keeping the newest value.
func (s *Service) BulkSetConversationOverrides(ctx context.Context, conversationID string, documentIDs []int64, enabled bool) error {
	if len(documentIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("selection: bulk_set begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conversation_document_overrides (conversation_id, document_id, enabled, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (conversation_id, document_id) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = now()
	`)
	if err != nil {
		return fmt.Errorf("selection: bulk_set prepare: %w", err)
	}
	defer stmt.Close()

	for _, id := range documentIDs {
		if _, err := stmt.ExecContext(ctx, conversationID, id, enabled); err != nil {
			return fmt.Errorf("selection: bulk_set exec: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Debug().Str("conversation_id", conversationID).Int("count", len(documentIDs)).Bool("enabled", enabled).
		Msg("selection: bulk-set conversation overrides")
	return nil
}

// DisabledDocumentIDs returns the documents disabled for a conversation,
// taking the conversation override where present and the user default
// otherwise.
func (s *Service) DisabledDocumentIDs(ctx context.Context, conversationID, userID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id FROM documents d
		LEFT JOIN conversation_document_overrides co
			ON co.conversation_id = $1 AND co.document_id = d.id
		LEFT JOIN user_document_defaults ud
			ON ud.user_id = $2 AND ud.document_id = d.id
		WHERE NOT d.is_deleted
		  AND COALESCE(co.enabled, ud.enabled, TRUE) = FALSE
	`, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("selection: disabled_document_ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EnabledDocumentIDs returns the complement of DisabledDocumentIDs.
func (s *Service) EnabledDocumentIDs(ctx context.Context, conversationID, userID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id FROM documents d
		LEFT JOIN conversation_document_overrides co
			ON co.conversation_id = $1 AND co.document_id = d.id
		LEFT JOIN user_document_defaults ud
			ON ud.user_id = $2 AND ud.document_id = d.id
		WHERE NOT d.is_deleted
		  AND COALESCE(co.enabled, ud.enabled, TRUE) = TRUE
	`, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("selection: enabled_document_ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// State describes the resolved selection state for one document.
type State struct {
	DocumentID int64
	Enabled    bool
	Source     string // "conversation", "user_default", or "default"
}

// GetSelectionState reports the resolved enabled flag and which tier it
// came from, for every non-deleted document.
func (s *Service) GetSelectionState(ctx context.Context, conversationID, userID string) ([]State, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, co.enabled, ud.enabled
		FROM documents d
		LEFT JOIN conversation_document_overrides co
			ON co.conversation_id = $1 AND co.document_id = d.id
		LEFT JOIN user_document_defaults ud
			ON ud.user_id = $2 AND ud.document_id = d.id
		WHERE NOT d.is_deleted
		ORDER BY d.id
	`, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("selection: get_selection_state: %w", err)
	}
	defer rows.Close()

	var out []State
	for rows.Next() {
		var st State
		var convOverride, userDefault sql.NullBool
		if err := rows.Scan(&st.DocumentID, &convOverride, &userDefault); err != nil {
			return nil, err
		}
		st.Enabled, st.Source = resolveEnabled(convOverride, userDefault)
		out = append(out, st)
	}
	return out, rows.Err()
}

// resolveEnabled applies the three-tier precedence outside of SQL so it can
// be exercised without a database.
func resolveEnabled(convOverride, userDefault sql.NullBool) (bool, string) {
	switch {
	case convOverride.Valid:
		return convOverride.Bool, "conversation"
	case userDefault.Valid:
		return userDefault.Bool, "user_default"
	default:
		return true, "default"
	}
}

// --- hash-keyed views ---
//
// Hash-keyed counterparts of the id-keyed accessors above, addressing
// documents by resource_hash. internal/vectorstore's Filter takes
// internal document ids (see DisabledDocumentIDs), not hashes. These
// resolve resourceHash to document_id through
// documents, the canonical join chosen for spec.md section 9's first Open
// Question, instead of carrying a second id column through this table.

// SetConversationOverrideByHash upserts a conversation-scoped override for
// the document identified by resourceHash.
func (s *Service) SetConversationOverrideByHash(ctx context.Context, conversationID, resourceHash string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_document_overrides (conversation_id, document_id, enabled, updated_at)
		SELECT $1, d.id, $3, now() FROM documents d WHERE d.resource_hash = $2
		ON CONFLICT (conversation_id, document_id) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = now()
	`, conversationID, resourceHash, enabled)
	if err != nil {
		return fmt.Errorf("selection: set_conversation_override_by_hash: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("selection: set_conversation_override_by_hash: no document with resource_hash %q", resourceHash)
	}
	return nil
}

// SetUserDefaultByHash upserts a user-scoped default for the document
// identified by resourceHash.
func (s *Service) SetUserDefaultByHash(ctx context.Context, userID, resourceHash string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO user_document_defaults (user_id, document_id, enabled, updated_at)
		SELECT $1, d.id, $3, now() FROM documents d WHERE d.resource_hash = $2
		ON CONFLICT (user_id, document_id) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = now()
	`, userID, resourceHash, enabled)
	if err != nil {
		return fmt.Errorf("selection: set_user_default_by_hash: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("selection: set_user_default_by_hash: no document with resource_hash %q", resourceHash)
	}
	return nil
}

// GetEnabledHashes returns the resource_hash of every document in the
// effective enabled set for (conversationID, userID).
func (s *Service) GetEnabledHashes(ctx context.Context, conversationID, userID string) ([]string, error) {
	return s.queryHashes(ctx, conversationID, userID, true)
}

// GetDisabledHashes returns the resource_hash of every document in the
// effective disabled set for (conversationID, userID).
func (s *Service) GetDisabledHashes(ctx context.Context, conversationID, userID string) ([]string, error) {
	return s.queryHashes(ctx, conversationID, userID, false)
}

func (s *Service) queryHashes(ctx context.Context, conversationID, userID string, enabled bool) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.resource_hash FROM documents d
		LEFT JOIN conversation_document_overrides co
			ON co.conversation_id = $1 AND co.document_id = d.id
		LEFT JOIN user_document_defaults ud
			ON ud.user_id = $2 AND ud.document_id = d.id
		WHERE NOT d.is_deleted
		  AND COALESCE(co.enabled, ud.enabled, TRUE) = $3
	`, conversationID, userID, enabled)
	if err != nil {
		return nil, fmt.Errorf("selection: query_hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}
