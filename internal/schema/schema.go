// Package schema owns the physical schema: the embedded, ordered SQL files
// that create tables/indexes/extensions, and the capability probes for
// optional extensions (pgvector, and an optional BM25 full-text extension)
// that spec.md's Design Notes call for instead of catching a missing-object
// exception at query time. Grounded on the embed-SQL idiom of the teacher's
// pkg/memory/migrations/migrations.go, implemented directly against
// database/sql since that package's upgrade-table machinery is internal to
// its Matrix bridge framework.
package schema

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

//go:embed sql/*.sql
var migrationFiles embed.FS

// bm25ExtensionName is the optional Postgres extension providing a true
// BM25 scoring function (ParadeDB's pg_search). When unavailable, hybrid
// search falls back to tsvector/ts_rank-derived scoring (see
// internal/vectorstore).
const bm25ExtensionName = "pg_search"

// Apply runs every embedded SQL file in lexical order, each inside its own
// transaction, recording applied versions in schema_migrations so re-runs
// are no-ops. Returns the number of files newly applied.
func Apply(ctx context.Context, db *sql.DB, log zerolog.Logger) (int, error) {
	if err := ensureLedger(ctx, db); err != nil {
		return 0, fmt.Errorf("schema: ensure ledger: %w", err)
	}

	entries, err := fs.ReadDir(migrationFiles, "sql")
	if err != nil {
		return 0, fmt.Errorf("schema: read embedded sql dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	applied := 0
	for _, name := range names {
		already, err := isApplied(ctx, db, name)
		if err != nil {
			return applied, fmt.Errorf("schema: check %s: %w", name, err)
		}
		if already {
			continue
		}

		body, err := migrationFiles.ReadFile("sql/" + name)
		if err != nil {
			return applied, fmt.Errorf("schema: read %s: %w", name, err)
		}

		if err := applyOne(ctx, db, name, string(body)); err != nil {
			return applied, fmt.Errorf("schema: apply %s: %w", name, err)
		}
		log.Info().Str("migration", name).Msg("schema: applied")
		applied++
	}
	return applied, nil
}

func ensureLedger(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     TEXT PRIMARY KEY,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

func isApplied(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, version,
	).Scan(&exists)
	return exists, err
}

func applyOne(ctx context.Context, db *sql.DB, version, body string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1)`, version,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Capabilities records which optional extensions are usable, so consumers
// branch on a flag instead of catching a "function does not exist" error at
// query time (Design Notes section 9).
type Capabilities struct {
	HasVector bool
	HasBM25   bool
}

// ProbeCapabilities reports which optional capabilities are available and,
// for BM25, attempts to enable it in its own short-lived transaction so a
// failure never aborts the caller's larger unit of work.
func ProbeCapabilities(ctx context.Context, db *sql.DB, log zerolog.Logger) Capabilities {
	caps := Capabilities{}

	var vectorInstalled bool
	if err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'vector')`,
	).Scan(&vectorInstalled); err == nil {
		caps.HasVector = vectorInstalled
	}

	caps.HasBM25 = tryEnableBM25(ctx, db, log)
	return caps
}

func tryEnableBM25(ctx context.Context, db *sql.DB, log zerolog.Logger) bool {
	var alreadyInstalled bool
	if err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = $1)`, bm25ExtensionName,
	).Scan(&alreadyInstalled); err == nil && alreadyInstalled {
		return true
	}

	var available bool
	if err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM pg_available_extensions WHERE name = $1)`, bm25ExtensionName,
	).Scan(&available); err != nil || !available {
		log.Info().Msg("schema: bm25 extension not available, keyword search will fall back to tsvector ranking")
		return false
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		log.Warn().Err(err).Msg("schema: bm25 probe begin tx failed")
		return false
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE EXTENSION IF NOT EXISTS %s", bm25ExtensionName)); err != nil {
		log.Warn().Err(err).Msg("schema: bm25 extension failed to install, keyword search will fall back to tsvector ranking")
		return false
	}
	if err := tx.Commit(); err != nil {
		log.Warn().Err(err).Msg("schema: bm25 probe commit failed")
		return false
	}
	return true
}

// SetEmbeddingDimensions narrows document_chunks.embedding from an
// unconstrained vector column to vector(dims), idempotently. Called once
// the deployment's embedding_dimensions is known (the a2rchi-core
// `deploy apply` and `schema set-embedding-dimensions` commands), since a
// fresh schema apply doesn't know the configured embedding model's
// dimensionality yet.
func SetEmbeddingDimensions(ctx context.Context, db *sql.DB, dims int) error {
	if dims <= 0 {
		return fmt.Errorf("schema: embedding dimensions must be positive, got %d", dims)
	}
	var currentType string
	err := db.QueryRowContext(ctx, `
		SELECT format_type(a.atttypid, a.atttypmod)
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		WHERE c.relname = 'document_chunks' AND a.attname = 'embedding' AND NOT a.attisdropped
	`).Scan(&currentType)
	if err != nil {
		return fmt.Errorf("schema: inspect embedding column: %w", err)
	}
	want := fmt.Sprintf("vector(%d)", dims)
	if currentType == want {
		return nil
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf(
		`ALTER TABLE document_chunks ALTER COLUMN embedding TYPE %s USING embedding::%s`, want, want,
	))
	if err != nil {
		return fmt.Errorf("schema: set embedding dimensions: %w", err)
	}
	return nil
}
