// Package config implements C4: static (deploy-time, cached) and dynamic
// (runtime, always read-through) configuration, with validation, audit
// logging, and three-tier effective-value resolution. Grounded on
// src/utils/config_service.py, adapted to an explicit RWMutex cache instead
// of an instance attribute (the teacher's services carry no in-process
// cache of their own, but the shape — invalidate-on-reload — is ordinary
// Go).
package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/axion66/A2rchi-sub000/internal/coreerrors"
)

// StaticConfig is the deploy-time configuration, immutable at runtime save
// for explicit Reload.
type StaticConfig struct {
	DeploymentName       string
	ConfigVersion        string
	DataPath             string
	EmbeddingModel       string
	EmbeddingDimensions  int
	ChunkSize            int
	ChunkOverlap         int
	DistanceMetric       string
	AvailablePipelines   []string
	AvailableModels      []string
	AvailableProviders   []string
	AuthEnabled          bool
	SessionLifetimeDays  int
}

// DynamicConfig is the runtime-modifiable configuration.
type DynamicConfig struct {
	ActivePipeline          string
	ActiveModel             string
	Temperature             float64
	MaxTokens               int
	SystemPrompt            sql.NullString
	TopP                    float64
	TopK                    int
	RepetitionPenalty       float64
	ActiveCondensePrompt    string
	ActiveChatPrompt        string
	ActiveSystemPrompt      string
	NumDocumentsToRetrieve  int
	UseHybridSearch         bool
	BM25Weight              float64
	SemanticWeight          float64
	BM25K1                  float64
	BM25B                   float64
	IngestionSchedule       string
	Verbosity               int
	UpdatedBy               sql.NullString
}

// DynamicConfigPatch is a partial update; nil fields are left unchanged.
type DynamicConfigPatch struct {
	ActivePipeline         *string
	ActiveModel            *string
	Temperature            *float64
	MaxTokens              *int
	SystemPrompt           *string
	TopP                   *float64
	TopK                   *int
	RepetitionPenalty      *float64
	ActiveCondensePrompt   *string
	ActiveChatPrompt       *string
	ActiveSystemPrompt     *string
	NumDocumentsToRetrieve *int
	UseHybridSearch        *bool
	BM25Weight             *float64
	SemanticWeight         *float64
	BM25K1                 *float64
	BM25B                  *float64
	IngestionSchedule      *string
	Verbosity              *int
	UpdatedBy              string
}

// Service implements C4.
type Service struct {
	db  *sql.DB
	log zerolog.Logger

	mu          sync.RWMutex
	staticCache *StaticConfig
}

func New(db *sql.DB, log zerolog.Logger) *Service {
	return &Service{db: db, log: log}
}

// GetStatic returns the cached static config, loading it on first call.
func (s *Service) GetStatic(ctx context.Context) (*StaticConfig, error) {
	s.mu.RLock()
	if s.staticCache != nil {
		cached := *s.staticCache
		s.mu.RUnlock()
		return &cached, nil
	}
	s.mu.RUnlock()
	return s.Reload(ctx)
}

// Reload bypasses the cache and reloads static config from the database,
// replacing the cached value.
func (s *Service) Reload(ctx context.Context) (*StaticConfig, error) {
	var c StaticConfig
	err := s.db.QueryRowContext(ctx, `
		SELECT deployment_name, config_version, data_path, embedding_model, embedding_dimensions,
		       chunk_size, chunk_overlap, distance_metric,
		       available_pipelines, available_models, available_providers,
		       auth_enabled, session_lifetime_days
		FROM static_config WHERE id = 1
	`).Scan(
		&c.DeploymentName, &c.ConfigVersion, &c.DataPath, &c.EmbeddingModel, &c.EmbeddingDimensions,
		&c.ChunkSize, &c.ChunkOverlap, &c.DistanceMetric,
		pq.Array(&c.AvailablePipelines), pq.Array(&c.AvailableModels), pq.Array(&c.AvailableProviders),
		&c.AuthEnabled, &c.SessionLifetimeDays,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: reload static: %w", err)
	}

	s.mu.Lock()
	s.staticCache = &c
	s.mu.Unlock()

	cached := c
	return &cached, nil
}

// InitializeStatic upserts the static config row (deploy-time seeding).
func (s *Service) InitializeStatic(ctx context.Context, c StaticConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO static_config (
			id, deployment_name, config_version, data_path, embedding_model, embedding_dimensions,
			chunk_size, chunk_overlap, distance_metric,
			available_pipelines, available_models, available_providers,
			auth_enabled, session_lifetime_days
		)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			deployment_name       = EXCLUDED.deployment_name,
			config_version        = EXCLUDED.config_version,
			data_path             = EXCLUDED.data_path,
			embedding_model       = EXCLUDED.embedding_model,
			embedding_dimensions  = EXCLUDED.embedding_dimensions,
			chunk_size            = EXCLUDED.chunk_size,
			chunk_overlap         = EXCLUDED.chunk_overlap,
			distance_metric       = EXCLUDED.distance_metric,
			available_pipelines   = EXCLUDED.available_pipelines,
			available_models      = EXCLUDED.available_models,
			available_providers   = EXCLUDED.available_providers,
			auth_enabled          = EXCLUDED.auth_enabled,
			session_lifetime_days = EXCLUDED.session_lifetime_days
	`, c.DeploymentName, c.ConfigVersion, c.DataPath, c.EmbeddingModel, c.EmbeddingDimensions,
		c.ChunkSize, c.ChunkOverlap, c.DistanceMetric,
		pq.Array(c.AvailablePipelines), pq.Array(c.AvailableModels), pq.Array(c.AvailableProviders),
		c.AuthEnabled, c.SessionLifetimeDays)
	if err != nil {
		return fmt.Errorf("config: initialize static: %w", err)
	}

	s.mu.Lock()
	s.staticCache = nil
	s.mu.Unlock()
	return nil
}

// GetDynamic is always read-through: no cache, so concurrent writers are
// immediately visible.
func (s *Service) GetDynamic(ctx context.Context) (DynamicConfig, error) {
	var c DynamicConfig
	err := s.db.QueryRowContext(ctx, `
		SELECT active_pipeline, active_model, temperature, max_tokens, system_prompt,
		       top_p, top_k, repetition_penalty,
		       active_condense_prompt, active_chat_prompt, active_system_prompt,
		       num_documents_to_retrieve, use_hybrid_search, bm25_weight, semantic_weight,
		       bm25_k1, bm25_b, ingestion_schedule, verbosity, updated_by
		FROM dynamic_config WHERE id = 1
	`).Scan(
		&c.ActivePipeline, &c.ActiveModel, &c.Temperature, &c.MaxTokens, &c.SystemPrompt,
		&c.TopP, &c.TopK, &c.RepetitionPenalty,
		&c.ActiveCondensePrompt, &c.ActiveChatPrompt, &c.ActiveSystemPrompt,
		&c.NumDocumentsToRetrieve, &c.UseHybridSearch, &c.BM25Weight, &c.SemanticWeight,
		&c.BM25K1, &c.BM25B, &c.IngestionSchedule, &c.Verbosity, &c.UpdatedBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return DynamicConfig{
			ActivePipeline: "QAPipeline", ActiveModel: "openai/gpt-4o", Temperature: 0.7, MaxTokens: 4096,
			TopP: 0.9, TopK: 50, RepetitionPenalty: 1.0,
			ActiveCondensePrompt: "default", ActiveChatPrompt: "default", ActiveSystemPrompt: "default",
			NumDocumentsToRetrieve: 10, UseHybridSearch: true, BM25Weight: 0.3, SemanticWeight: 0.7,
			BM25K1: 1.2, BM25B: 0.75, Verbosity: 3,
		}, nil
	}
	if err != nil {
		return DynamicConfig{}, fmt.Errorf("config: get dynamic: %w", err)
	}
	return c, nil
}

// validate checks every field present in the patch against spec.md's
// validation rules, consulting static config for the enum-membership
// checks (only enforced when the corresponding available_* list is
// non-empty).
func (s *Service) validate(ctx context.Context, patch DynamicConfigPatch) error {
	if patch.ActivePipeline != nil {
		static, err := s.GetStatic(ctx)
		if err == nil && static != nil && len(static.AvailablePipelines) > 0 {
			if !contains(static.AvailablePipelines, *patch.ActivePipeline) {
				return coreerrors.NewConfigValidationError("active_pipeline",
					fmt.Sprintf("must be one of %v", static.AvailablePipelines))
			}
		}
	}
	if patch.ActiveModel != nil {
		static, err := s.GetStatic(ctx)
		if err == nil && static != nil && len(static.AvailableModels) > 0 {
			if !contains(static.AvailableModels, *patch.ActiveModel) {
				return coreerrors.NewConfigValidationError("active_model",
					fmt.Sprintf("must be one of %v", static.AvailableModels))
			}
		}
	}
	if patch.Temperature != nil && (*patch.Temperature < 0 || *patch.Temperature > 2) {
		return coreerrors.NewConfigValidationError("temperature", "must be between 0.0 and 2.0")
	}
	if patch.MaxTokens != nil && *patch.MaxTokens < 1 {
		return coreerrors.NewConfigValidationError("max_tokens", "must be at least 1")
	}
	if patch.BM25Weight != nil && (*patch.BM25Weight < 0 || *patch.BM25Weight > 1) {
		return coreerrors.NewConfigValidationError("bm25_weight", "must be between 0.0 and 1.0")
	}
	if patch.SemanticWeight != nil && (*patch.SemanticWeight < 0 || *patch.SemanticWeight > 1) {
		return coreerrors.NewConfigValidationError("semantic_weight", "must be between 0.0 and 1.0")
	}
	if patch.TopP != nil && (*patch.TopP < 0 || *patch.TopP > 1) {
		return coreerrors.NewConfigValidationError("top_p", "must be between 0.0 and 1.0")
	}
	if patch.TopK != nil && *patch.TopK < 0 {
		return coreerrors.NewConfigValidationError("top_k", "must be at least 0")
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// UpdateDynamic validates the patch, applies only the non-nil fields, and
// appends one ConfigAudit row per accepted field. Validation failure
// aborts the whole update — nothing is written. Audit-write failure is
// logged and swallowed, never propagated to the caller.
func (s *Service) UpdateDynamic(ctx context.Context, patch DynamicConfigPatch) (DynamicConfig, error) {
	if err := s.validate(ctx, patch); err != nil {
		return DynamicConfig{}, err
	}

	before, err := s.GetDynamic(ctx)
	if err != nil {
		return DynamicConfig{}, err
	}

	type fieldChange struct {
		name     string
		oldValue any
		newValue any
	}
	var changes []fieldChange

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DynamicConfig{}, err
	}
	defer func() { _ = tx.Rollback() }()

	setClauses := []string{}
	args := []any{}
	argN := 1
	add := func(column string, old, new any) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, argN))
		args = append(args, new)
		argN++
		changes = append(changes, fieldChange{name: column, oldValue: old, newValue: new})
	}

	if patch.ActivePipeline != nil {
		add("active_pipeline", before.ActivePipeline, *patch.ActivePipeline)
	}
	if patch.ActiveModel != nil {
		add("active_model", before.ActiveModel, *patch.ActiveModel)
	}
	if patch.Temperature != nil {
		add("temperature", before.Temperature, *patch.Temperature)
	}
	if patch.MaxTokens != nil {
		add("max_tokens", before.MaxTokens, *patch.MaxTokens)
	}
	if patch.SystemPrompt != nil {
		add("system_prompt", before.SystemPrompt.String, *patch.SystemPrompt)
	}
	if patch.TopP != nil {
		add("top_p", before.TopP, *patch.TopP)
	}
	if patch.TopK != nil {
		add("top_k", before.TopK, *patch.TopK)
	}
	if patch.RepetitionPenalty != nil {
		add("repetition_penalty", before.RepetitionPenalty, *patch.RepetitionPenalty)
	}
	if patch.ActiveCondensePrompt != nil {
		add("active_condense_prompt", before.ActiveCondensePrompt, *patch.ActiveCondensePrompt)
	}
	if patch.ActiveChatPrompt != nil {
		add("active_chat_prompt", before.ActiveChatPrompt, *patch.ActiveChatPrompt)
	}
	if patch.ActiveSystemPrompt != nil {
		add("active_system_prompt", before.ActiveSystemPrompt, *patch.ActiveSystemPrompt)
	}
	if patch.IngestionSchedule != nil {
		add("ingestion_schedule", before.IngestionSchedule, *patch.IngestionSchedule)
	}
	if patch.NumDocumentsToRetrieve != nil {
		add("num_documents_to_retrieve", before.NumDocumentsToRetrieve, *patch.NumDocumentsToRetrieve)
	}
	if patch.UseHybridSearch != nil {
		add("use_hybrid_search", before.UseHybridSearch, *patch.UseHybridSearch)
	}
	if patch.BM25Weight != nil {
		add("bm25_weight", before.BM25Weight, *patch.BM25Weight)
	}
	if patch.SemanticWeight != nil {
		add("semantic_weight", before.SemanticWeight, *patch.SemanticWeight)
	}
	if patch.BM25K1 != nil {
		add("bm25_k1", before.BM25K1, *patch.BM25K1)
	}
	if patch.BM25B != nil {
		add("bm25_b", before.BM25B, *patch.BM25B)
	}
	if patch.Verbosity != nil {
		add("verbosity", before.Verbosity, *patch.Verbosity)
	}

	if len(setClauses) == 0 {
		return before, nil
	}

	setClauses = append(setClauses, fmt.Sprintf("updated_at = now(), updated_by = $%d", argN))
	args = append(args, patch.UpdatedBy)

	query := "UPDATE dynamic_config SET "
	for i, c := range setClauses {
		if i > 0 {
			query += ", "
		}
		query += c
	}
	query += " WHERE id = 1"

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return DynamicConfig{}, fmt.Errorf("config: update dynamic: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return DynamicConfig{}, err
	}

	for _, c := range changes {
		s.audit(ctx, patch.UpdatedBy, "dynamic", c.name, fmt.Sprint(c.oldValue), fmt.Sprint(c.newValue))
	}

	return s.GetDynamic(ctx)
}

// audit appends one row to config_audit. A failed write is logged at
// warning level and otherwise swallowed, per spec.md section 4.4: it must
// never fail the functional write it accompanies.
func (s *Service) audit(ctx context.Context, userID, configType, field, oldValue, newValue string) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config_audit (user_id, config_type, field_name, old_value, new_value)
		VALUES ($1, $2, $3, $4, $5)
	`, nullIfEmpty(userID), configType, field, nullIfEmpty(oldValue), nullIfEmpty(newValue))
	if err != nil {
		s.log.Warn().Err(err).Str("field", field).Str("config_type", configType).Msg("config: audit write failed")
	}
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" || s == "<nil>" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// effectiveFields maps an effective-field name to its (dynamic column,
// user preference column) pair, mirroring _EFFECTIVE_FIELDS.
var effectiveFields = map[string][2]string{
	"model":                     {"active_model", "pref_model"},
	"active_model":              {"active_model", "pref_model"},
	"temperature":               {"temperature", "pref_temperature"},
	"max_tokens":                {"max_tokens", "pref_max_tokens"},
	"num_documents":             {"num_documents_to_retrieve", "pref_num_documents"},
	"num_documents_to_retrieve": {"num_documents_to_retrieve", "pref_num_documents"},
	"condense_prompt":           {"active_condense_prompt", "pref_condense_prompt"},
	"chat_prompt":               {"active_chat_prompt", "pref_chat_prompt"},
	"system_prompt":             {"active_system_prompt", "pref_system_prompt"},
	"top_p":                     {"top_p", "pref_top_p"},
	"top_k":                     {"top_k", "pref_top_k"},
}

// GetEffective resolves a field as user_pref[field] ?? dynamic[field],
// returning the raw value as a string (callers that need a typed
// value parse it back; this mirrors the original's dynamically-typed
// dict-based get_effective). It has no built-in default tier: a NULL
// dynamic column yields "", a missing dynamic_config row is an error, and
// a field name absent from effectiveFields is an error.
func (s *Service) GetEffective(ctx context.Context, field string, userID string) (string, error) {
	mapping, ok := effectiveFields[field]
	if !ok {
		return "", fmt.Errorf("config: unknown effective field %q", field)
	}
	dynamicCol, prefCol := mapping[0], mapping[1]

	if userID != "" {
		var pref sql.NullString
		query := fmt.Sprintf(`SELECT %s::text FROM users WHERE id = $1`, prefCol)
		if err := s.db.QueryRowContext(ctx, query, userID).Scan(&pref); err == nil && pref.Valid {
			return pref.String, nil
		}
	}

	var value sql.NullString
	query := fmt.Sprintf(`SELECT %s::text FROM dynamic_config WHERE id = 1`, dynamicCol)
	if err := s.db.QueryRowContext(ctx, query).Scan(&value); err != nil {
		return "", fmt.Errorf("config: get_effective %q: %w", field, err)
	}
	return value.String, nil
}

// DynamicTouchedByHuman reports whether dynamic_config.updated_by has ever
// been set, i.e. whether an admin has changed runtime settings since the
// row was created. internal/deploy consults this before reseeding dynamic
// config on redeploy, per spec.md section 4.4's last paragraph.
func (s *Service) DynamicTouchedByHuman(ctx context.Context) (bool, error) {
	var updatedBy sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT updated_by FROM dynamic_config WHERE id = 1`).Scan(&updatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("config: dynamic_touched_by_human: %w", err)
	}
	return updatedBy.Valid, nil
}

// SeedDynamic writes the deployment-description defaults as the dynamic
// config row: it inserts the row when none exists yet, and overwrites an
// existing row only while its updated_by is NULL. A row a human has
// changed keeps all of its values.
func (s *Service) SeedDynamic(ctx context.Context, c DynamicConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dynamic_config (
			id, active_pipeline, active_model, temperature, max_tokens,
			top_p, top_k, repetition_penalty,
			active_condense_prompt, active_chat_prompt, active_system_prompt,
			num_documents_to_retrieve, use_hybrid_search, bm25_weight, semantic_weight,
			bm25_k1, bm25_b, ingestion_schedule, verbosity
		)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			active_pipeline           = CASE WHEN dynamic_config.updated_by IS NULL THEN EXCLUDED.active_pipeline ELSE dynamic_config.active_pipeline END,
			active_model              = CASE WHEN dynamic_config.updated_by IS NULL THEN EXCLUDED.active_model ELSE dynamic_config.active_model END,
			temperature               = CASE WHEN dynamic_config.updated_by IS NULL THEN EXCLUDED.temperature ELSE dynamic_config.temperature END,
			max_tokens                = CASE WHEN dynamic_config.updated_by IS NULL THEN EXCLUDED.max_tokens ELSE dynamic_config.max_tokens END,
			top_p                     = CASE WHEN dynamic_config.updated_by IS NULL THEN EXCLUDED.top_p ELSE dynamic_config.top_p END,
			top_k                     = CASE WHEN dynamic_config.updated_by IS NULL THEN EXCLUDED.top_k ELSE dynamic_config.top_k END,
			repetition_penalty        = CASE WHEN dynamic_config.updated_by IS NULL THEN EXCLUDED.repetition_penalty ELSE dynamic_config.repetition_penalty END,
			active_condense_prompt    = CASE WHEN dynamic_config.updated_by IS NULL THEN EXCLUDED.active_condense_prompt ELSE dynamic_config.active_condense_prompt END,
			active_chat_prompt        = CASE WHEN dynamic_config.updated_by IS NULL THEN EXCLUDED.active_chat_prompt ELSE dynamic_config.active_chat_prompt END,
			active_system_prompt      = CASE WHEN dynamic_config.updated_by IS NULL THEN EXCLUDED.active_system_prompt ELSE dynamic_config.active_system_prompt END,
			num_documents_to_retrieve = CASE WHEN dynamic_config.updated_by IS NULL THEN EXCLUDED.num_documents_to_retrieve ELSE dynamic_config.num_documents_to_retrieve END,
			use_hybrid_search         = CASE WHEN dynamic_config.updated_by IS NULL THEN EXCLUDED.use_hybrid_search ELSE dynamic_config.use_hybrid_search END,
			bm25_weight               = CASE WHEN dynamic_config.updated_by IS NULL THEN EXCLUDED.bm25_weight ELSE dynamic_config.bm25_weight END,
			semantic_weight           = CASE WHEN dynamic_config.updated_by IS NULL THEN EXCLUDED.semantic_weight ELSE dynamic_config.semantic_weight END,
			bm25_k1                   = CASE WHEN dynamic_config.updated_by IS NULL THEN EXCLUDED.bm25_k1 ELSE dynamic_config.bm25_k1 END,
			bm25_b                    = CASE WHEN dynamic_config.updated_by IS NULL THEN EXCLUDED.bm25_b ELSE dynamic_config.bm25_b END,
			ingestion_schedule        = CASE WHEN dynamic_config.updated_by IS NULL THEN EXCLUDED.ingestion_schedule ELSE dynamic_config.ingestion_schedule END,
			verbosity                 = CASE WHEN dynamic_config.updated_by IS NULL THEN EXCLUDED.verbosity ELSE dynamic_config.verbosity END
	`, c.ActivePipeline, c.ActiveModel, c.Temperature, c.MaxTokens,
		c.TopP, c.TopK, c.RepetitionPenalty,
		c.ActiveCondensePrompt, c.ActiveChatPrompt, c.ActiveSystemPrompt,
		c.NumDocumentsToRetrieve, c.UseHybridSearch, c.BM25Weight, c.SemanticWeight,
		c.BM25K1, c.BM25B, c.IngestionSchedule, c.Verbosity)
	if err != nil {
		return fmt.Errorf("config: seed dynamic: %w", err)
	}
	return nil
}
