// Package migrate moves data from two legacy stores (a content-addressed
// vector index and a SQLite document catalog) into the consolidated
// Postgres schema owned by internal/schema. Every migration is resumable:
// progress is checkpointed into migration_state in the same transaction as
// the batch write that produced it, so a restart picks up from last_id
// instead of reprocessing committed rows.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/axion66/A2rchi-sub000/internal/coreerrors"
)

const (
	// Default batch sizes per spec.
	BatchSizeVectors       = 100
	BatchSizeDocuments     = 500
	BatchSizeConversations = 1000
)

// Checkpoint is the resumable progress marker for one migration phase.
type Checkpoint struct {
	Phase  string `json:"phase"`
	LastID int64  `json:"last_id"`
	Count  int64  `json:"count"`
}

// Status mirrors a migration_state row.
type Status struct {
	Name       string
	Status     string // in_progress | completed | failed
	Checkpoint *Checkpoint
	Error      string
}

// LegacyVectorRecord is one row pulled from the content-addressed legacy
// vector index (source interface supplied by the caller — this package has
// no opinion on how that store is read, only on how it lands in Postgres).
type LegacyVectorRecord struct {
	DocumentID string
	ChunkIndex int
	ChunkText  string
	Embedding  []float64
	Metadata   map[string]any
}

// LegacyVectorSource yields legacy vector records in stable order, starting
// after the given offset, up to limit records. Implemented by the adapter
// talking to whichever content-addressed store is being retired.
type LegacyVectorSource interface {
	Count(ctx context.Context) (int, error)
	Fetch(ctx context.Context, offset, limit int) ([]LegacyVectorRecord, error)
}

// LegacyCatalogRecord is one row from the legacy SQLite catalog.
type LegacyCatalogRecord struct {
	RowID        int64
	ResourceHash string
	FilePath     string
	DisplayName  string
	SourceType   string
	URL          sql.NullString
	Suffix       sql.NullString
	SizeBytes    sql.NullInt64
}

// LegacyCatalogSource yields legacy catalog rows ordered by RowID ascending,
// starting strictly after afterRowID.
type LegacyCatalogSource interface {
	Fetch(ctx context.Context, afterRowID int64, limit int) ([]LegacyCatalogRecord, error)
	Count(ctx context.Context) (int, error)
}

// Manager drives resumable migrations against the consolidated schema.
type Manager struct {
	db  *sql.DB
	log zerolog.Logger
}

func New(db *sql.DB, log zerolog.Logger) *Manager {
	return &Manager{db: db, log: log}
}

// GetStatus returns the current migration_state row, or nil if the
// migration has never been started.
func (m *Manager) GetStatus(ctx context.Context, name string) (*Status, error) {
	var (
		status       string
		checkpointJS sql.NullString
		errMsg       sql.NullString
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT status, last_checkpoint::text, error_message
		FROM migration_state WHERE migration_name = $1
	`, name).Scan(&status, &checkpointJS, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s := &Status{Name: name, Status: status, Error: errMsg.String}
	if checkpointJS.Valid && checkpointJS.String != "" {
		var cp Checkpoint
		if jsonErr := json.Unmarshal([]byte(checkpointJS.String), &cp); jsonErr == nil {
			s.Checkpoint = &cp
		}
	}
	return s, nil
}

// start inserts or resets a migration_state row for a fresh or resumed run.
// A 'completed' migration is left untouched: callers check GetStatus first.
func (m *Manager) start(ctx context.Context, name string) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO migration_state (migration_name, status, error_message)
		VALUES ($1, 'in_progress', NULL)
		ON CONFLICT (migration_name) DO UPDATE SET
			status = 'in_progress',
			error_message = NULL
		WHERE migration_state.status != 'completed'
	`, name)
	return err
}

func (m *Manager) checkpointTx(ctx context.Context, tx *sql.Tx, name string, cp Checkpoint) error {
	body, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE migration_state SET last_checkpoint = $2 WHERE migration_name = $1
	`, name, body)
	return err
}

func (m *Manager) complete(ctx context.Context, name string) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE migration_state SET status = 'completed', completed_at = now()
		WHERE migration_name = $1
	`, name)
	return err
}

func (m *Manager) fail(ctx context.Context, name, reason string) {
	_, err := m.db.ExecContext(ctx, `
		UPDATE migration_state SET status = 'failed', error_message = $2
		WHERE migration_name = $1
	`, name, reason)
	if err != nil {
		m.log.Warn().Err(err).Str("migration", name).Msg("migrate: failed to record failure status")
	}
}

// AnalyzeResult is the report-only preview of what a migration would do.
type AnalyzeResult struct {
	VectorRecords       int
	CatalogRecords      int
	ConversationRecords int
}

// Analyze reports counts without writing anything (report-only phase).
// ConversationRecords is counted directly against this Postgres database
// (conversation_messages.conf_id backlog), unlike VectorRecords/
// CatalogRecords which come from the caller's external legacy-store
// adapters.
func (m *Manager) Analyze(ctx context.Context, vectors LegacyVectorSource, catalog LegacyCatalogSource) (AnalyzeResult, error) {
	var res AnalyzeResult
	if vectors != nil {
		n, err := vectors.Count(ctx)
		if err != nil {
			return res, fmt.Errorf("migrate: analyze vectors: %w", err)
		}
		res.VectorRecords = n
	}
	if catalog != nil {
		n, err := catalog.Count(ctx)
		if err != nil {
			return res, fmt.Errorf("migrate: analyze catalog: %w", err)
		}
		res.CatalogRecords = n
	}

	var hasConfID bool
	if err := m.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_name = 'conversation_messages' AND column_name = 'conf_id'
		)
	`).Scan(&hasConfID); err != nil {
		return res, fmt.Errorf("migrate: analyze conversations: %w", err)
	}
	if hasConfID {
		if err := m.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM conversation_messages WHERE conf_id IS NOT NULL AND model_used IS NULL
		`).Scan(&res.ConversationRecords); err != nil {
			return res, fmt.Errorf("migrate: analyze conversations: %w", err)
		}
	}
	return res, nil
}

// MigrateVectors moves the legacy content-addressed vector index into
// documents/document_chunks, resuming from checkpoint.last_id (an offset)
// if the prior run was in_progress.
func (m *Manager) MigrateVectors(ctx context.Context, src LegacyVectorSource, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = BatchSizeVectors
	}
	const name = "legacy_vector_index"

	prior, err := m.GetStatus(ctx, name)
	if err != nil {
		return 0, err
	}
	if prior != nil && prior.Status == "completed" {
		return 0, nil
	}
	if err := m.start(ctx, name); err != nil {
		return 0, err
	}

	total, err := src.Count(ctx)
	if err != nil {
		m.fail(ctx, name, err.Error())
		return 0, fmt.Errorf("migrate: count vectors: %w", err)
	}

	var offset, migrated int64
	if prior != nil && prior.Checkpoint != nil {
		offset = prior.Checkpoint.LastID
		migrated = prior.Checkpoint.Count
	}

	for int(offset) < total {
		records, err := src.Fetch(ctx, int(offset), batchSize)
		if err != nil {
			m.fail(ctx, name, err.Error())
			return migrated, fmt.Errorf("migrate: fetch vector batch: %w", err)
		}
		if len(records) == 0 {
			break
		}

		if err := m.insertVectorBatch(ctx, name, records, offset+int64(len(records)), migrated+int64(len(records))); err != nil {
			m.fail(ctx, name, err.Error())
			return migrated, fmt.Errorf("migrate: insert vector batch: %w", err)
		}

		offset += int64(len(records))
		migrated += int64(len(records))
		m.log.Info().Int64("migrated", migrated).Int("total", total).Str("migration", name).Msg("migrate: vector batch committed")
	}

	if err := m.complete(ctx, name); err != nil {
		return migrated, err
	}
	return migrated, nil
}

func (m *Manager) insertVectorBatch(ctx context.Context, migrationName string, records []LegacyVectorRecord, newOffset, newCount int64) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range records {
		resourceHash := rec.DocumentID
		if resourceHash == "" {
			resourceHash = contentHash(rec.ChunkText)
		}

		var docID int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO documents (resource_hash, file_path, display_name, source_type)
			VALUES ($1, $2, $3, 'legacy_vector_index')
			ON CONFLICT (resource_hash) DO UPDATE SET resource_hash = EXCLUDED.resource_hash
			RETURNING id
		`, resourceHash, "migrated_"+resourceHash, "Document "+resourceHash).Scan(&docID)
		if err != nil {
			return fmt.Errorf("upsert document %s: %w", resourceHash, err)
		}

		metaJSON, err := json.Marshal(rec.Metadata)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO document_chunks (document_id, chunk_index, chunk_text, embedding, metadata)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (document_id, chunk_index) DO UPDATE SET
				chunk_text = EXCLUDED.chunk_text,
				embedding = EXCLUDED.embedding,
				metadata = EXCLUDED.metadata
		`, docID, rec.ChunkIndex, rec.ChunkText, vectorLiteral(rec.Embedding), metaJSON)
		if err != nil {
			return fmt.Errorf("upsert chunk %s[%d]: %w", resourceHash, rec.ChunkIndex, err)
		}
	}

	if err := m.checkpointTx(ctx, tx, migrationName, Checkpoint{Phase: "vectors", LastID: newOffset, Count: newCount}); err != nil {
		return err
	}
	return tx.Commit()
}

// MigrateCatalog moves the legacy SQLite catalog into documents, resuming
// from checkpoint.last_id (a rowid) if the prior run was in_progress.
func (m *Manager) MigrateCatalog(ctx context.Context, src LegacyCatalogSource, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = BatchSizeDocuments
	}
	const name = "sqlite_catalog"

	prior, err := m.GetStatus(ctx, name)
	if err != nil {
		return 0, err
	}
	if prior != nil && prior.Status == "completed" {
		return 0, nil
	}
	if err := m.start(ctx, name); err != nil {
		return 0, err
	}

	total, err := src.Count(ctx)
	if err != nil {
		m.fail(ctx, name, err.Error())
		return 0, fmt.Errorf("migrate: count catalog: %w", err)
	}

	var lastRowID, migrated int64
	if prior != nil && prior.Checkpoint != nil {
		lastRowID = prior.Checkpoint.LastID
		migrated = prior.Checkpoint.Count
	}

	for {
		rows, err := src.Fetch(ctx, lastRowID, batchSize)
		if err != nil {
			m.fail(ctx, name, err.Error())
			return migrated, fmt.Errorf("migrate: fetch catalog batch: %w", err)
		}
		if len(rows) == 0 {
			break
		}

		newLastRowID := rows[len(rows)-1].RowID
		if err := m.insertCatalogBatch(ctx, name, rows, newLastRowID, migrated+int64(len(rows))); err != nil {
			m.fail(ctx, name, err.Error())
			return migrated, fmt.Errorf("migrate: insert catalog batch: %w", err)
		}

		lastRowID = newLastRowID
		migrated += int64(len(rows))
		m.log.Info().Int64("migrated", migrated).Int("total", total).Str("migration", name).Msg("migrate: catalog batch committed")
	}

	if err := m.complete(ctx, name); err != nil {
		return migrated, err
	}
	return migrated, nil
}

func (m *Manager) insertCatalogBatch(ctx context.Context, migrationName string, rows []LegacyCatalogRecord, newLastRowID, newCount int64) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range rows {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO documents (resource_hash, file_path, display_name, source_type, url, suffix, size_bytes)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (resource_hash) DO UPDATE SET
				display_name = COALESCE(EXCLUDED.display_name, documents.display_name),
				url = COALESCE(EXCLUDED.url, documents.url)
		`, r.ResourceHash, r.FilePath, r.DisplayName, r.SourceType, r.URL, r.Suffix, r.SizeBytes)
		if err != nil {
			return fmt.Errorf("upsert catalog row %s: %w", r.ResourceHash, err)
		}
	}

	if err := m.checkpointTx(ctx, tx, migrationName, Checkpoint{Phase: "documents", LastID: newLastRowID, Count: newCount}); err != nil {
		return err
	}
	return tx.Commit()
}

// LegacyConfigMapping maps a legacy numeric config id (the configs table's
// primary key) to the model/pipeline name it represents, used to backfill
// conversation_messages.model_used/pipeline_used from the column's
// conf_id. A nil mapping passed to MigrateConversationSchema is
// auto-detected from the configs table, mirroring
// migration_manager.py's _build_config_map.
type LegacyConfigMapping map[int64]struct {
	Model    string
	Pipeline string
}

type legacyConversationRow struct {
	MessageID int64
	ConfigID  int64
}

// MigrateConversationSchema backfills conversation_messages.model_used and
// pipeline_used from its legacy conf_id column, for a database carried over
// from before this schema split per-message config snapshots into those two
// columns directly. Resumes from checkpoint.last_id (a message_id) if the
// prior run was in_progress. A database with no conf_id column (a fresh
// install, or one already fully migrated) has nothing to do and completes
// immediately.
func (m *Manager) MigrateConversationSchema(ctx context.Context, mapping LegacyConfigMapping, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = BatchSizeConversations
	}
	const name = "conversation_schema"

	prior, err := m.GetStatus(ctx, name)
	if err != nil {
		return 0, err
	}
	if prior != nil && prior.Status == "completed" {
		return 0, nil
	}

	var hasConfID bool
	if err := m.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_name = 'conversation_messages' AND column_name = 'conf_id'
		)
	`).Scan(&hasConfID); err != nil {
		return 0, err
	}

	if err := m.start(ctx, name); err != nil {
		return 0, err
	}
	if !hasConfID {
		if err := m.complete(ctx, name); err != nil {
			return 0, err
		}
		return 0, nil
	}

	if mapping == nil {
		mapping, err = m.buildConfigMapping(ctx)
		if err != nil {
			m.fail(ctx, name, err.Error())
			return 0, fmt.Errorf("migrate: build config mapping: %w", err)
		}
	}

	var lastID, migrated int64
	if prior != nil && prior.Checkpoint != nil {
		lastID = prior.Checkpoint.LastID
		migrated = prior.Checkpoint.Count
	}

	for {
		rows, err := m.fetchUnmigratedConversations(ctx, lastID, batchSize)
		if err != nil {
			m.fail(ctx, name, err.Error())
			return migrated, fmt.Errorf("migrate: fetch conversation batch: %w", err)
		}
		if len(rows) == 0 {
			break
		}

		newLastID := rows[len(rows)-1].MessageID
		if err := m.updateConversationBatch(ctx, name, rows, mapping, newLastID, migrated+int64(len(rows))); err != nil {
			m.fail(ctx, name, err.Error())
			return migrated, fmt.Errorf("migrate: update conversation batch: %w", err)
		}

		lastID = newLastID
		migrated += int64(len(rows))
		m.log.Info().Int64("migrated", migrated).Str("migration", name).Msg("migrate: conversation batch committed")
	}

	if err := m.complete(ctx, name); err != nil {
		return migrated, err
	}
	return migrated, nil
}

func (m *Manager) fetchUnmigratedConversations(ctx context.Context, afterMessageID int64, limit int) ([]legacyConversationRow, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT message_id, conf_id FROM conversation_messages
		WHERE message_id > $1 AND conf_id IS NOT NULL AND model_used IS NULL
		ORDER BY message_id
		LIMIT $2
	`, afterMessageID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []legacyConversationRow
	for rows.Next() {
		var r legacyConversationRow
		if err := rows.Scan(&r.MessageID, &r.ConfigID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (m *Manager) updateConversationBatch(ctx context.Context, migrationName string, rows []legacyConversationRow, mapping LegacyConfigMapping, newLastID, newCount int64) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range rows {
		target, ok := mapping[r.ConfigID]
		if !ok {
			target.Model, target.Pipeline = "unknown", "unknown"
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversation_messages SET model_used = $1, pipeline_used = $2 WHERE message_id = $3
		`, target.Model, target.Pipeline, r.MessageID); err != nil {
			return fmt.Errorf("update conversation message %d: %w", r.MessageID, err)
		}
	}

	if err := m.checkpointTx(ctx, tx, migrationName, Checkpoint{Phase: "conversations", LastID: newLastID, Count: newCount}); err != nil {
		return err
	}
	return tx.Commit()
}

// buildConfigMapping auto-detects a LegacyConfigMapping from the configs
// table's (config_id, config JSON) rows, mirroring
// migration_manager.py's _build_config_map. Returns an empty mapping, not
// an error, if the configs table is already gone.
func (m *Manager) buildConfigMapping(ctx context.Context) (LegacyConfigMapping, error) {
	var exists bool
	if err := m.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = 'configs')
	`).Scan(&exists); err != nil {
		return nil, err
	}
	mapping := LegacyConfigMapping{}
	if !exists {
		return mapping, nil
	}

	rows, err := m.db.QueryContext(ctx, `SELECT config_id, config FROM configs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var configID int64
		var raw string
		if err := rows.Scan(&configID, &raw); err != nil {
			return nil, err
		}
		var parsed struct {
			Model    string `json:"model"`
			Pipeline string `json:"pipeline"`
		}
		if json.Unmarshal([]byte(raw), &parsed) != nil {
			continue
		}
		model, pipeline := parsed.Model, parsed.Pipeline
		if model == "" {
			model = "unknown"
		}
		if pipeline == "" {
			pipeline = "unknown"
		}
		mapping[configID] = struct {
			Model    string
			Pipeline string
		}{Model: model, Pipeline: pipeline}
	}
	return mapping, rows.Err()
}

// DropConfigsTableResult reports the outcome of the terminal cleanup step.
type DropConfigsTableResult struct {
	Skipped  bool
	Dropped  bool
	RowsLost int
}

// DropConfigsTable removes the legacy per-message config snapshot table
// once MigrateConversationSchema has completed. It refuses (returning
// coreerrors.MigrationBlocked) while that migration has not reached
// migration_state.status = 'completed', mirroring the precondition check
// of the original migration tool's drop_configs_table step.
func (m *Manager) DropConfigsTable(ctx context.Context) (DropConfigsTableResult, error) {
	var exists bool
	if err := m.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = 'configs')
	`).Scan(&exists); err != nil {
		return DropConfigsTableResult{}, err
	}
	if !exists {
		return DropConfigsTableResult{Skipped: true}, nil
	}

	status, err := m.GetStatus(ctx, "conversation_schema")
	if err != nil {
		return DropConfigsTableResult{}, err
	}
	if status == nil || status.Status != "completed" {
		return DropConfigsTableResult{}, coreerrors.NewMigrationBlocked(
			"drop_configs_table",
			"conversation_schema migration has not completed",
		)
	}

	var rowCount int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM configs`).Scan(&rowCount); err != nil {
		return DropConfigsTableResult{}, err
	}

	if _, err := m.db.ExecContext(ctx, `DROP TABLE configs`); err != nil {
		return DropConfigsTableResult{}, fmt.Errorf("migrate: drop configs table: %w", err)
	}
	return DropConfigsTableResult{Dropped: true, RowsLost: rowCount}, nil
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}

// vectorLiteral renders a float slice as a pgvector text literal, e.g.
// "[0.1,0.2,0.3]". Used for the manual INSERT path rather than a parameter
// binding since lib/pq has no native vector type.
func vectorLiteral(values []float64) string {
	if len(values) == 0 {
		return "[]"
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = fmt.Sprintf("%g", v)
	}
	return "[" + joinComma(out) + "]"
}

func joinComma(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	total := len(parts) - 1
	for _, p := range parts {
		total += len(p)
	}
	b := make([]byte, 0, total)
	for i, p := range parts {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, p...)
	}
	return string(b)
}
