// Package vectorstore implements C6: chunk storage and similarity/hybrid
// search over document_chunks. The weighted-merge and BM25-rank
// normalization are adapted from the teacher's pkg/memory/hybrid.go
// (BM25RankToScore, MergeHybridResults); the capability-probe-and-cache
// fallback between pg_search and tsvector is adapted from the teacher's
// pkg/connector/memory_vector.go (vectorExtStatus / vectorAvailable).
package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/axion66/A2rchi-sub000/internal/schema"
)

// DistanceMetric selects the pgvector operator used for similarity ranking.
type DistanceMetric string

const (
	MetricCosine    DistanceMetric = "cosine"
	MetricL2        DistanceMetric = "l2"
	MetricInnerProd DistanceMetric = "inner_product"
)

func (m DistanceMetric) operator() string {
	switch m {
	case MetricL2:
		return "<->"
	case MetricInnerProd:
		return "<#>"
	default:
		return "<=>"
	}
}

// Chunk is a single embedded unit of a document.
type Chunk struct {
	ID         int64
	DocumentID int64
	ChunkIndex int
	ChunkText  string
	Embedding  []float64
	Metadata   map[string]any
}

// ScoredChunk is a Chunk with a retrieval score attached.
type ScoredChunk struct {
	Chunk
	Score float64
}

// Store implements C6.
type Store struct {
	db     *sql.DB
	metric DistanceMetric
	caps   schema.Capabilities
	log    zerolog.Logger
}

func New(db *sql.DB, metric DistanceMetric, caps schema.Capabilities, log zerolog.Logger) *Store {
	if metric == "" {
		metric = MetricCosine
	}
	return &Store{db: db, metric: metric, caps: caps, log: log}
}

// AddTexts inserts chunks for a document, replacing any existing chunk at
// the same index.
func (s *Store) AddTexts(ctx context.Context, documentID int64, chunks []Chunk) ([]int64, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: add_texts begin: %w", err)
	}
	defer tx.Rollback()

	ids := make([]int64, len(chunks))
	for i, c := range chunks {
		metadataJSON, err := json.Marshal(c.Metadata)
		if err != nil {
			return nil, fmt.Errorf("vectorstore: add_texts marshal metadata: %w", err)
		}
		var id int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO document_chunks (document_id, chunk_index, chunk_text, embedding, metadata)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (document_id, chunk_index) DO UPDATE SET
				chunk_text = EXCLUDED.chunk_text,
				embedding  = EXCLUDED.embedding,
				metadata   = EXCLUDED.metadata
			RETURNING id
		`, documentID, c.ChunkIndex, c.ChunkText, vectorLiteral(c.Embedding), metadataJSON).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("vectorstore: add_texts insert chunk %d: %w", c.ChunkIndex, err)
		}
		ids[i] = id
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("vectorstore: add_texts commit: %w", err)
	}
	return ids, nil
}

// DeleteByDocumentID removes all chunks belonging to a document.
func (s *Store) DeleteByDocumentID(ctx context.Context, documentID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("vectorstore: delete_by_document_id: %w", err)
	}
	return nil
}

// DeleteByIDs removes specific chunks.
func (s *Store) DeleteByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE id = ANY($1::bigint[])`, idsArray(ids))
	if err != nil {
		return fmt.Errorf("vectorstore: delete_by_ids: %w", err)
	}
	return nil
}

// joinDocuments filters out soft-deleted documents from every chunk query.
const joinDocuments = `JOIN documents d ON d.id = dc.document_id AND NOT d.is_deleted`

// tenantClause constrains rows to metadata.collection = collection or an
// absent collection field (back-compat), per spec.md section 4.6's tenant
// scoping requirement. An empty collection disables the constraint
// entirely — the explicit "collection=null" opt-out spec.md section 5
// reserves for callers that intend a cross-tenant read.
func tenantClause(collection string, argN int) (string, any) {
	if collection == "" {
		return "TRUE", nil
	}
	return fmt.Sprintf("(dc.metadata->>'collection' IS NULL OR dc.metadata->>'collection' = $%d)", argN), collection
}

// Filter scopes a retrieval query: ExcludeDocumentIDs removes
// soft-deleted-equivalent or selection-disabled documents (internal/selection
// supplies this set), and Collection enforces the soft tenant boundary of
// spec.md section 4.6/5. Leave Collection empty only for an intentional
// cross-tenant read.
type Filter struct {
	ExcludeDocumentIDs []int64
	Collection         string
}

// SimilaritySearchByVector ranks chunks by vector distance to queryVec,
// excluding chunks belonging to soft-deleted or explicitly disabled
// documents and scoping to filter.Collection.
func (s *Store) SimilaritySearchByVector(ctx context.Context, queryVec []float64, k int, filter Filter) ([]ScoredChunk, error) {
	op := s.metric.operator()
	tenant, tenantArg := tenantClause(filter.Collection, 4)
	query := fmt.Sprintf(`
		SELECT dc.id, dc.document_id, dc.chunk_index, dc.chunk_text, dc.metadata::text,
		       dc.embedding %s $1 AS distance
		FROM document_chunks dc
		%s
		WHERE ($3::bigint[] IS NULL OR NOT dc.document_id = ANY($3))
		  AND %s
		ORDER BY distance ASC
		LIMIT $2
	`, op, joinDocuments, tenant)

	args := []any{vectorLiteral(queryVec), k, excludeArray(filter.ExcludeDocumentIDs)}
	if tenantArg != nil {
		args = append(args, tenantArg)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: similarity_search: %w", err)
	}
	defer rows.Close()

	var out []ScoredChunk
	for rows.Next() {
		var sc ScoredChunk
		var metadataJSON string
		var distance float64
		if err := rows.Scan(&sc.ID, &sc.DocumentID, &sc.ChunkIndex, &sc.ChunkText, &metadataJSON, &distance); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(metadataJSON), &sc.Metadata)
		if s.metric == MetricCosine {
			sc.Score = 1 - distance
		} else {
			sc.Score = distance
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// HybridSearch blends vector similarity with a keyword score. The keyword
// leg prefers ParadeDB's pg_search (BM25) when available and falls back to
// tsvector/ts_rank, matching the spec's probe-and-degrade requirement.
func (s *Store) HybridSearch(ctx context.Context, queryVec []float64, queryText string, k int, bm25Weight, semanticWeight float64, filter Filter) ([]ScoredChunk, error) {
	vectorResults, err := s.SimilaritySearchByVector(ctx, queryVec, k*2, filter)
	if err != nil {
		return nil, err
	}

	keywordResults, err := s.keywordSearch(ctx, queryText, k*2, filter)
	if err != nil {
		return nil, err
	}

	merged := mergeWeighted(vectorResults, keywordResults, semanticWeight, bm25Weight)
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

func (s *Store) keywordSearch(ctx context.Context, queryText string, k int, filter Filter) ([]ScoredChunk, error) {
	if strings.TrimSpace(queryText) == "" {
		return nil, nil
	}
	if s.caps.HasBM25 {
		results, err := s.bm25Search(ctx, queryText, k, filter)
		if err == nil {
			return results, nil
		}
		// Falls through to tsvector on any pg_search query failure so a
		// transient extension error degrades search instead of failing it.
		s.log.Warn().Err(err).Msg("vectorstore: bm25 query failed, falling back to tsvector")
	}
	return s.tsvectorSearch(ctx, queryText, k, filter)
}

func (s *Store) bm25Search(ctx context.Context, queryText string, k int, filter Filter) ([]ScoredChunk, error) {
	tenant, tenantArg := tenantClause(filter.Collection, 4)
	query := fmt.Sprintf(`
		SELECT dc.id, dc.document_id, dc.chunk_index, dc.chunk_text, dc.metadata::text,
		       paradedb.score(dc.id) AS rank
		FROM document_chunks dc
		%s
		WHERE dc.chunk_text @@@ $1
		  AND ($3::bigint[] IS NULL OR NOT dc.document_id = ANY($3))
		  AND %s
		ORDER BY rank DESC
		LIMIT $2
	`, joinDocuments, tenant)

	args := []any{queryText, k, excludeArray(filter.ExcludeDocumentIDs)}
	if tenantArg != nil {
		args = append(args, tenantArg)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanKeywordRows(rows, BM25RankToScore)
}

func (s *Store) tsvectorSearch(ctx context.Context, queryText string, k int, filter Filter) ([]ScoredChunk, error) {
	tenant, tenantArg := tenantClause(filter.Collection, 4)
	query := fmt.Sprintf(`
		SELECT dc.id, dc.document_id, dc.chunk_index, dc.chunk_text, dc.metadata::text,
		       ts_rank(dc.chunk_tsv, plainto_tsquery('english', $1)) AS rank
		FROM document_chunks dc
		%s
		WHERE dc.chunk_tsv @@ plainto_tsquery('english', $1)
		  AND ($3::bigint[] IS NULL OR NOT dc.document_id = ANY($3))
		  AND %s
		ORDER BY rank DESC
		LIMIT $2
	`, joinDocuments, tenant)

	args := []any{queryText, k, excludeArray(filter.ExcludeDocumentIDs)}
	if tenantArg != nil {
		args = append(args, tenantArg)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: tsvector_search: %w", err)
	}
	defer rows.Close()
	return scanKeywordRows(rows, func(rank float64) float64 { return rank })
}

func scanKeywordRows(rows *sql.Rows, normalize func(float64) float64) ([]ScoredChunk, error) {
	var out []ScoredChunk
	for rows.Next() {
		var sc ScoredChunk
		var metadataJSON string
		var rank float64
		if err := rows.Scan(&sc.ID, &sc.DocumentID, &sc.ChunkIndex, &sc.ChunkText, &metadataJSON, &rank); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(metadataJSON), &sc.Metadata)
		sc.Score = normalize(rank)
		out = append(out, sc)
	}
	return out, rows.Err()
}

// BM25RankToScore normalizes a paradedb BM25 rank into a 0-1-ish score.
func BM25RankToScore(rank float64) float64 {
	if math.IsNaN(rank) || math.IsInf(rank, 0) {
		return 1 / float64(1000)
	}
	if rank < 0 {
		rank = 0
	}
	return 1 / (1 + rank)
}

// mergeWeighted blends vector and keyword legs by chunk id, breaking exact
// score ties by ascending id for deterministic ordering.
func mergeWeighted(vector, keyword []ScoredChunk, vectorWeight, keywordWeight float64) []ScoredChunk {
	byID := make(map[int64]*ScoredChunk, len(vector)+len(keyword))
	order := make([]int64, 0, len(vector)+len(keyword))

	for _, v := range vector {
		c := v
		c.Score = vectorWeight * v.Score
		byID[v.ID] = &c
		order = append(order, v.ID)
	}
	for _, kw := range keyword {
		if existing, ok := byID[kw.ID]; ok {
			existing.Score += keywordWeight * kw.Score
			continue
		}
		c := kw
		c.Score = keywordWeight * kw.Score
		byID[kw.ID] = &c
		order = append(order, kw.ID)
	}

	seen := make(map[int64]bool, len(order))
	results := make([]ScoredChunk, 0, len(byID))
	for _, id := range order {
		if seen[id] {
			continue
		}
		seen[id] = true
		results = append(results, *byID[id])
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	return results
}

func vectorLiteral(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = trimFloat(v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func trimFloat(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v), "0"), ".")
}

func idsArray(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func excludeArray(ids []int64) any {
	if len(ids) == 0 {
		return nil
	}
	return idsArray(ids)
}
