// Package conversation implements C8: message history, per-conversation
// bookkeeping, and A/B comparison analytics. Grounded on
// conversation_service.py, adapted to a single string conversation id
// end-to-end per spec.md section 9's third Open Question.
package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Message is a conversation_messages row.
type Message struct {
	MessageID      int64
	ConversationID string
	Sender         string
	Content        string
	Link           sql.NullString
	Context        sql.NullString
	Timestamp      time.Time
	ModelUsed      sql.NullString
	PipelineUsed   sql.NullString
	ArchiService   sql.NullString
}

// NewMessage is the input shape for a batch insert.
type NewMessage struct {
	ConversationID string
	Sender         string
	Content        string
	Link           string
	Context        string
	ModelUsed      string
	PipelineUsed   string
	ArchiService   string
}

// ConversationSummary is one row of ListUserConversations.
type ConversationSummary struct {
	ConversationID string
	LastMessageAt  time.Time
	MessageCount   int
}

// Service implements C8.
type Service struct {
	db  *sql.DB
	log zerolog.Logger
}

func New(db *sql.DB, log zerolog.Logger) *Service {
	return &Service{db: db, log: log}
}

// InsertMessages batch-inserts messages and returns their generated ids in
// input order.
func (s *Service) InsertMessages(ctx context.Context, messages []NewMessage) ([]int64, error) {
	if len(messages) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("conversation: insert_messages begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conversation_messages (
			conversation_id, sender, content, link, context, model_used, pipeline_used, archi_service
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING message_id
	`)
	if err != nil {
		return nil, fmt.Errorf("conversation: insert_messages prepare: %w", err)
	}
	defer stmt.Close()

	ids := make([]int64, len(messages))
	for i, m := range messages {
		var id int64
		err := stmt.QueryRowContext(ctx, m.ConversationID, m.Sender, m.Content,
			nullIfEmpty(m.Link), nullIfEmpty(m.Context), nullIfEmpty(m.ModelUsed),
			nullIfEmpty(m.PipelineUsed), nullIfEmpty(m.ArchiService)).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("conversation: insert_messages row %d: %w", i, err)
		}
		ids[i] = id
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("conversation: insert_messages commit: %w", err)
	}
	s.log.Debug().Int("count", len(ids)).Msg("conversation: inserted messages")
	return ids, nil
}

// GetHistory returns messages for a conversation in insertion order,
// ascending by the database-assigned message_id (ts is a display
// timestamp and must not be relied on for ordering by callers).
func (s *Service) GetHistory(ctx context.Context, conversationID string, limit, offset int) ([]Message, error) {
	query := `
		SELECT message_id, conversation_id, sender, content, link, context, ts, model_used, pipeline_used, archi_service
		FROM conversation_messages
		WHERE conversation_id = $1
		ORDER BY message_id ASC
	`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT $2 OFFSET $3"
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation: get_history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.Sender, &m.Content,
			&m.Link, &m.Context, &m.Timestamp, &m.ModelUsed, &m.PipelineUsed, &m.ArchiService); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListUserConversations returns the conversations owned by a user with
// last-message-timestamp and message-count aggregation, newest first.
func (s *Service) ListUserConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.conversation_id, MAX(m.ts), COUNT(*)
		FROM conversation_messages m
		JOIN conversation_metadata meta ON meta.conversation_id = m.conversation_id
		WHERE meta.user_id = $1
		GROUP BY m.conversation_id
		ORDER BY MAX(m.ts) DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("conversation: list_user_conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var cs ConversationSummary
		if err := rows.Scan(&cs.ConversationID, &cs.LastMessageAt, &cs.MessageCount); err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// EnsureConversation registers a conversation's ownership, idempotently.
func (s *Service) EnsureConversation(ctx context.Context, conversationID, userID, title string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_metadata (conversation_id, user_id, title)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id) DO NOTHING
	`, conversationID, userID, nullIfEmpty(title))
	if err != nil {
		return fmt.Errorf("conversation: ensure_conversation: %w", err)
	}
	return nil
}

// ABComparison is an ab_comparisons row.
type ABComparison struct {
	ComparisonID    int64
	ConversationID  string
	UserPromptMID   int64
	ResponseAMID    int64
	ResponseBMID    int64
	ModelA          string
	PipelineA       sql.NullString
	ModelB          string
	PipelineB       sql.NullString
	IsConfigAFirst  bool
	Preference      sql.NullString
	PreferenceTS    sql.NullTime
	CreatedAt       time.Time
}

// NewABComparison is the input shape for CreateABComparison. Both response
// messages must already be persisted (their message ids are foreign keys).
type NewABComparison struct {
	ConversationID string
	UserPromptMID  int64
	ResponseAMID   int64
	ResponseBMID   int64
	ModelA         string
	PipelineA      string
	ModelB         string
	PipelineB      string
	IsConfigAFirst bool
}

// CreateABComparison records a comparison between two already-persisted
// responses.
func (s *Service) CreateABComparison(ctx context.Context, c NewABComparison) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ab_comparisons (
			conversation_id, user_prompt_mid, response_a_mid, response_b_mid,
			model_a, pipeline_a, model_b, pipeline_b, is_config_a_first
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING comparison_id
	`, c.ConversationID, c.UserPromptMID, c.ResponseAMID, c.ResponseBMID,
		c.ModelA, nullIfEmpty(c.PipelineA), c.ModelB, nullIfEmpty(c.PipelineB), c.IsConfigAFirst).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("conversation: create_ab_comparison: %w", err)
	}
	return id, nil
}

// Preference values accepted by RecordPreference.
const (
	PreferenceA    = "a"
	PreferenceB    = "b"
	PreferenceTie  = "tie"
	PreferenceSkip = "skip"
)

// RecordPreference stamps a comparison's preference and preference_ts.
func (s *Service) RecordPreference(ctx context.Context, comparisonID int64, preference string) error {
	switch preference {
	case PreferenceA, PreferenceB, PreferenceTie, PreferenceSkip:
	default:
		return fmt.Errorf("conversation: record_preference: invalid preference %q", preference)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE ab_comparisons SET preference = $1, preference_ts = now() WHERE comparison_id = $2
	`, preference, comparisonID)
	if err != nil {
		return fmt.Errorf("conversation: record_preference: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation: record_preference: comparison %d not found", comparisonID)
	}
	s.log.Debug().Int64("comparison_id", comparisonID).Str("preference", preference).Msg("conversation: recorded preference")
	return nil
}

// DeleteABComparison deletes a comparison, reporting whether a row existed.
func (s *Service) DeleteABComparison(ctx context.Context, comparisonID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ab_comparisons WHERE comparison_id = $1`, comparisonID)
	if err != nil {
		return false, fmt.Errorf("conversation: delete_ab_comparison: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ModelComparisonStats aggregates win counts for a model pair, excluding
// skip and not-yet-decided comparisons from the rate calculations.
type ModelComparisonStats struct {
	ModelA    string
	ModelB    string
	WinsA     int
	WinsB     int
	Ties      int
	Skips     int
	Pending   int
	WinRateA  float64
	WinRateB  float64
	TieRate   float64
}

// GetModelComparisonStats aggregates all comparisons recorded for a
// (model_a, model_b) pair.
func (s *Service) GetModelComparisonStats(ctx context.Context, modelA, modelB string) (ModelComparisonStats, error) {
	stats := ModelComparisonStats{ModelA: modelA, ModelB: modelB}

	rows, err := s.db.QueryContext(ctx, `
		SELECT preference FROM ab_comparisons WHERE model_a = $1 AND model_b = $2
	`, modelA, modelB)
	if err != nil {
		return stats, fmt.Errorf("conversation: get_model_comparison_stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pref sql.NullString
		if err := rows.Scan(&pref); err != nil {
			return stats, err
		}
		tallyPreference(&stats, pref)
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	decided := stats.WinsA + stats.WinsB + stats.Ties
	if decided > 0 {
		stats.WinRateA = float64(stats.WinsA) / float64(decided)
		stats.WinRateB = float64(stats.WinsB) / float64(decided)
		stats.TieRate = float64(stats.Ties) / float64(decided)
	}
	return stats, nil
}

func tallyPreference(stats *ModelComparisonStats, pref sql.NullString) {
	if !pref.Valid {
		stats.Pending++
		return
	}
	switch pref.String {
	case PreferenceA:
		stats.WinsA++
	case PreferenceB:
		stats.WinsB++
	case PreferenceTie:
		stats.Ties++
	case PreferenceSkip:
		stats.Skips++
	default:
		stats.Pending++
	}
}

// ModelUsage is a per-model message-count rollup.
type ModelUsage struct {
	Model        string
	MessageCount int
}

// GetModelUsageStats rolls up message counts by model_used, folded back
// from the original's usage analytics alongside the required A/B surface.
func (s *Service) GetModelUsageStats(ctx context.Context) ([]ModelUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_used, COUNT(*) FROM conversation_messages
		WHERE model_used IS NOT NULL
		GROUP BY model_used
		ORDER BY COUNT(*) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("conversation: get_model_usage_stats: %w", err)
	}
	defer rows.Close()

	var out []ModelUsage
	for rows.Next() {
		var u ModelUsage
		if err := rows.Scan(&u.Model, &u.MessageCount); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
