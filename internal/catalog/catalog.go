// Package catalog implements C5: document metadata storage and search.
// Grounded on
// src/data_manager/collectors/utils/catalog_postgres.py's
// upsert_resource/search_metadata/get_stats shape, adapted to
// database/sql with explicit parameter binding instead of the original's
// ad hoc %s-interpolated WHERE clauses.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// knownColumns maps a metadata key to its structured documents column.
// Keys absent from this map are matched against extra_text instead.
var knownColumns = map[string]string{
	"path":          "file_path",
	"file_path":     "file_path",
	"display_name":  "display_name",
	"source_type":   "source_type",
	"url":           "url",
	"ticket_id":     "ticket_id",
	"suffix":        "suffix",
	"size_bytes":    "size_bytes",
	"original_path": "original_path",
	"base_path":     "base_path",
	"relative_path": "relative_path",
}

// Document is a documents table row.
type Document struct {
	ID             int64
	ResourceHash   string
	FilePath       sql.NullString
	DisplayName    sql.NullString
	SourceType     sql.NullString
	URL            sql.NullString
	TicketID       sql.NullString
	Suffix         sql.NullString
	SizeBytes      sql.NullInt64
	OriginalPath   sql.NullString
	BasePath       sql.NullString
	RelativePath   sql.NullString
	FileModifiedAt sql.NullTime
	IngestedAt     sql.NullTime
	ExtraJSON      map[string]any
	ExtraText      string
	IsDeleted      bool
}

// ResourceMetadata is a free-form metadata payload for upsert: recognized
// keys land in structured columns, everything else lands in extra_json and
// is folded into extra_text for substring search.
type ResourceMetadata map[string]string

// Service implements C5.
type Service struct {
	db  *sql.DB
	log zerolog.Logger
}

func New(db *sql.DB, log zerolog.Logger) *Service {
	return &Service{db: db, log: log}
}

// UpsertResource inserts or updates a document keyed by resource_hash.
// Returns the document id for linking document_chunks.
func (s *Service) UpsertResource(ctx context.Context, resourceHash, path string, metadata ResourceMetadata) (int64, error) {
	displayName := metadata["display_name"]
	if displayName == "" {
		displayName = resourceHash
	}
	sourceType := metadata["source_type"]
	if sourceType == "" {
		sourceType = "unknown"
	}

	extra := map[string]string{}
	for k, v := range metadata {
		if _, known := knownColumns[k]; !known {
			extra[k] = v
		}
	}
	var extraJSON []byte
	if len(extra) > 0 {
		var err error
		extraJSON, err = json.Marshal(extra)
		if err != nil {
			return 0, err
		}
	} else {
		extraJSON = []byte("{}")
	}
	extraText := buildExtraText(metadata)

	var sizeBytes sql.NullInt64
	if v, ok := metadata["size_bytes"]; ok {
		if n, err := parseInt64(v); err == nil {
			sizeBytes = sql.NullInt64{Int64: n, Valid: true}
		}
	}

	var docID int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (
			resource_hash, file_path, display_name, source_type, url, ticket_id,
			suffix, size_bytes, original_path, base_path, relative_path,
			extra_json, extra_text, is_deleted
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, FALSE)
		ON CONFLICT (resource_hash) DO UPDATE SET
			file_path     = EXCLUDED.file_path,
			display_name  = EXCLUDED.display_name,
			source_type   = EXCLUDED.source_type,
			url           = EXCLUDED.url,
			ticket_id     = EXCLUDED.ticket_id,
			suffix        = EXCLUDED.suffix,
			size_bytes    = EXCLUDED.size_bytes,
			original_path = EXCLUDED.original_path,
			base_path     = EXCLUDED.base_path,
			relative_path = EXCLUDED.relative_path,
			extra_json    = EXCLUDED.extra_json,
			extra_text    = EXCLUDED.extra_text,
			is_deleted    = FALSE,
			deleted_at    = NULL
		RETURNING id
	`, resourceHash, path, displayName, sourceType, nullIfEmpty(metadata["url"]), nullIfEmpty(metadata["ticket_id"]),
		nullIfEmpty(metadata["suffix"]), sizeBytes, nullIfEmpty(metadata["original_path"]), nullIfEmpty(metadata["base_path"]),
		nullIfEmpty(metadata["relative_path"]), extraJSON, extraText,
	).Scan(&docID)
	if err != nil {
		return 0, fmt.Errorf("catalog: upsert_resource: %w", err)
	}
	s.log.Debug().Str("resource_hash", resourceHash).Int64("document_id", docID).Msg("catalog: upserted resource")
	return docID, nil
}

// DeleteResource soft-deletes a document by resource hash.
func (s *Service) DeleteResource(ctx context.Context, resourceHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET is_deleted = TRUE, deleted_at = now() WHERE resource_hash = $1
	`, resourceHash)
	if err != nil {
		return fmt.Errorf("catalog: delete_resource: %w", err)
	}
	s.log.Info().Str("resource_hash", resourceHash).Msg("catalog: soft-deleted resource")
	return nil
}

// GetByHash returns the document for a resource hash, or nil if absent or
// soft-deleted.
func (s *Service) GetByHash(ctx context.Context, resourceHash string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, resource_hash, file_path, display_name, source_type, url, ticket_id,
		       suffix, size_bytes, original_path, base_path, relative_path,
		       file_modified_at, ingested_at, extra_json::text, extra_text, is_deleted
		FROM documents WHERE resource_hash = $1 AND NOT is_deleted
	`, resourceHash)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get_by_hash: %w", err)
	}
	return doc, nil
}

func scanDocument(row *sql.Row) (*Document, error) {
	var d Document
	var extraJSON string
	err := row.Scan(
		&d.ID, &d.ResourceHash, &d.FilePath, &d.DisplayName, &d.SourceType, &d.URL, &d.TicketID,
		&d.Suffix, &d.SizeBytes, &d.OriginalPath, &d.BasePath, &d.RelativePath,
		&d.FileModifiedAt, &d.IngestedAt, &extraJSON, &d.ExtraText, &d.IsDeleted,
	)
	if err != nil {
		return nil, err
	}
	if extraJSON != "" {
		_ = json.Unmarshal([]byte(extraJSON), &d.ExtraJSON)
	}
	return &d, nil
}

// Filter is one AND-ed group of conditions: known column equalities, or
// "key:value" substring matches against extra_text for unrecognized keys.
type Filter map[string]string

// SearchOptions controls SearchMetadata.
type SearchOptions struct {
	Query   string
	Filters []Filter // OR-ed across groups, AND-ed within a group
	Limit   int       // 0 means unlimited
}

// SearchMetadata matches case-insensitively against display_name,
// source_type, url, ticket_id, and path-like columns plus extra_text, AND
// against any filter groups (each group's conditions are AND-ed, groups are
// OR-ed), ordered by the latest of file_modified_at/created_at/ingested_at
// (NULLs last).
func (s *Service) SearchMetadata(ctx context.Context, opts SearchOptions) ([]Document, error) {
	where := []string{"NOT is_deleted"}
	var args []any
	argN := 1

	if len(opts.Filters) > 0 {
		var groupClauses []string
		for _, group := range opts.Filters {
			keys := make([]string, 0, len(group))
			for k := range group {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			var sub []string
			for _, k := range keys {
				v := group[k]
				if column, ok := knownColumns[k]; ok {
					sub = append(sub, fmt.Sprintf("%s = $%d", column, argN))
					args = append(args, v)
				} else {
					sub = append(sub, fmt.Sprintf("extra_text ILIKE $%d", argN))
					args = append(args, "%"+k+":"+v+"%")
				}
				argN++
			}
			if len(sub) > 0 {
				groupClauses = append(groupClauses, "("+strings.Join(sub, " AND ")+")")
			}
		}
		if len(groupClauses) > 0 {
			where = append(where, "("+strings.Join(groupClauses, " OR ")+")")
		}
	}

	if opts.Query != "" {
		like := "%" + opts.Query + "%"
		cols := []string{"display_name", "source_type", "url", "ticket_id", "file_path", "original_path", "relative_path", "extra_text"}
		var sub []string
		for _, c := range cols {
			sub = append(sub, fmt.Sprintf("%s ILIKE $%d", c, argN))
			args = append(args, like)
			argN++
		}
		where = append(where, "("+strings.Join(sub, " OR ")+")")
	}

	query := fmt.Sprintf(`
		SELECT id, resource_hash, file_path, display_name, source_type, url, ticket_id,
		       suffix, size_bytes, original_path, base_path, relative_path,
		       file_modified_at, ingested_at, extra_json::text, extra_text, is_deleted
		FROM documents
		WHERE %s
		ORDER BY GREATEST(file_modified_at, created_at, ingested_at) DESC NULLS LAST
	`, strings.Join(where, " AND "))
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argN)
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: search_metadata: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		var extraJSON string
		if err := rows.Scan(
			&d.ID, &d.ResourceHash, &d.FilePath, &d.DisplayName, &d.SourceType, &d.URL, &d.TicketID,
			&d.Suffix, &d.SizeBytes, &d.OriginalPath, &d.BasePath, &d.RelativePath,
			&d.FileModifiedAt, &d.IngestedAt, &extraJSON, &d.ExtraText, &d.IsDeleted,
		); err != nil {
			return nil, err
		}
		if extraJSON != "" {
			_ = json.Unmarshal([]byte(extraJSON), &d.ExtraJSON)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Stats summarizes the catalog, optionally scoped to a conversation's
// disabled-document count.
type Stats struct {
	TotalDocuments    int
	TotalSizeBytes    int64
	BySourceType      map[string]int
	DisabledForConvo  int
}

func (s *Service) GetStats(ctx context.Context, conversationID string) (Stats, error) {
	var stats Stats
	stats.BySourceType = map[string]int{}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM documents WHERE NOT is_deleted
	`).Scan(&stats.TotalDocuments, &stats.TotalSizeBytes); err != nil {
		return stats, fmt.Errorf("catalog: get_stats totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source_type, COUNT(*) FROM documents WHERE NOT is_deleted GROUP BY source_type
	`)
	if err != nil {
		return stats, fmt.Errorf("catalog: get_stats by_source_type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st sql.NullString
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return stats, err
		}
		key := st.String
		if !st.Valid {
			key = "unknown"
		}
		stats.BySourceType[key] = n
	}

	if conversationID != "" {
		if err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM conversation_document_overrides o
			JOIN documents d ON o.document_id = d.id
			WHERE o.conversation_id = $1 AND NOT o.enabled AND NOT d.is_deleted
		`, conversationID).Scan(&stats.DisabledForConvo); err != nil {
			return stats, fmt.Errorf("catalog: get_stats disabled: %w", err)
		}
	}

	return stats, nil
}

func buildExtraText(metadata ResourceMetadata) string {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		v := metadata[k]
		if v == "" {
			continue
		}
		parts = append(parts, k+":"+v, v)
	}
	return strings.Join(parts, " ")
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
