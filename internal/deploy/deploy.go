// Package deploy loads the deployment description that seeds StaticConfig
// and DynamicConfig at stand-up time, per spec.md section 4.4's last
// paragraph and section 6's "Environment" wire. Grounded on
// src/utils/yaml_config.py (global/data_manager/services YAML sections)
// and config_service.py's initialize_from_yaml (UPSERT-style static
// overwrite, dynamic seeded only when untouched by a human), adapted to
// gopkg.in/yaml.v3 struct tags the way the teacher's
// pkg/connector/config.go embeds and tags its own deployment config.
package deploy

import (
	_ "embed"
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/axion66/A2rchi-sub000/internal/config"
	"github.com/axion66/A2rchi-sub000/internal/envsecret"
)

//go:embed example-config.yaml
var ExampleConfig string

// GlobalSection mirrors yaml_config.py's top-level "global" block.
type GlobalSection struct {
	DeploymentName      string   `yaml:"deployment_name"`
	ConfigVersion       string   `yaml:"config_version"`
	DataPath            string   `yaml:"data_path"`
	EmbeddingModel      string   `yaml:"embedding_model"`
	EmbeddingDimensions int      `yaml:"embedding_dimensions"`
	ChunkSize           int      `yaml:"chunk_size"`
	ChunkOverlap        int      `yaml:"chunk_overlap"`
	DistanceMetric      string   `yaml:"distance_metric"`
	AvailablePipelines  []string `yaml:"available_pipelines"`
	AvailableModels     []string `yaml:"available_models"`
	AvailableProviders  []string `yaml:"available_providers"`
	AuthEnabled         bool     `yaml:"auth_enabled"`
	SessionLifetimeDays int      `yaml:"session_lifetime_days"`
}

// DynamicDefaultsSection mirrors the document the original seeds
// dynamic_config from on first boot (never reapplied once a human has
// touched runtime settings).
type DynamicDefaultsSection struct {
	ActivePipeline         string  `yaml:"active_pipeline"`
	ActiveModel            string  `yaml:"active_model"`
	Temperature            float64 `yaml:"temperature"`
	MaxTokens              int     `yaml:"max_tokens"`
	SystemPrompt           string  `yaml:"system_prompt"`
	TopP                   float64 `yaml:"top_p"`
	TopK                   int     `yaml:"top_k"`
	RepetitionPenalty      float64 `yaml:"repetition_penalty"`
	CondensePrompt         string  `yaml:"condense_prompt"`
	ChatPrompt             string  `yaml:"chat_prompt"`
	NumDocumentsToRetrieve int     `yaml:"num_documents_to_retrieve"`
	UseHybridSearch        bool    `yaml:"use_hybrid_search"`
	BM25Weight             float64 `yaml:"bm25_weight"`
	SemanticWeight         float64 `yaml:"semantic_weight"`
	BM25K1                 float64 `yaml:"bm25_k1"`
	BM25B                  float64 `yaml:"bm25_b"`
	IngestionSchedule      string  `yaml:"ingestion_schedule"`
	Verbosity              int     `yaml:"verbosity"`
}

// ServicesSection carries the ingestion-schedule-per-source map consumed
// by internal/scheduler's ScheduleLoader when sourced from the deployment
// document rather than the database.
type ServicesSection struct {
	DataManager DataManagerSection `yaml:"data_manager"`
}

// DataManagerSection mirrors yaml_config.py's data_manager.sources block.
type DataManagerSection struct {
	Sources map[string]SourceSection `yaml:"sources"`
}

// SourceSection is one collector's schedule entry.
type SourceSection struct {
	Schedule string `yaml:"schedule"`
	Enabled  bool   `yaml:"enabled"`
}

// Document is the top-level deployment description shape.
type Document struct {
	Global         GlobalSection          `yaml:"global"`
	DynamicDefault DynamicDefaultsSection `yaml:"dynamic_defaults"`
	Services       ServicesSection        `yaml:"services"`
}

// Load parses a deployment description from path.
func Load(path string) (*Document, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("deploy: read %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("deploy: parse %s: %w", path, err)
	}
	return &doc, nil
}

// DBCredentials resolves database connection secrets using the
// <NAME>/<NAME>_FILE convention spec.md section 6 requires.
type DBCredentials struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

// ResolveDBCredentials reads DB_HOST/DB_PORT/DB_USER/DB_PASSWORD/DB_NAME
// (or their _FILE variants) from the environment.
func ResolveDBCredentials() DBCredentials {
	return DBCredentials{
		Host:     envsecret.Read("DB_HOST", "localhost"),
		Port:     envsecret.Read("DB_PORT", "5432"),
		User:     envsecret.Read("DB_USER", "a2rchi"),
		Password: envsecret.Read("DB_PASSWORD", ""),
		Database: envsecret.Read("DB_NAME", "a2rchi"),
	}
}

// DSN renders a lib/pq-compatible connection string.
func (c DBCredentials) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Database)
}

// Apply performs the UPSERT-style static/dynamic seeding spec.md section
// 4.4 describes: static config is always overwritten from doc.Global;
// dynamic config is seeded from doc.DynamicDefault only if the existing
// row has never been touched by a human (updated_by IS NULL), so
// admin-changed runtime settings survive redeploys.
func Apply(ctx context.Context, svc *config.Service, doc *Document) error {
	static := config.StaticConfig{
		DeploymentName:      doc.Global.DeploymentName,
		ConfigVersion:       doc.Global.ConfigVersion,
		DataPath:            doc.Global.DataPath,
		EmbeddingModel:      doc.Global.EmbeddingModel,
		EmbeddingDimensions: doc.Global.EmbeddingDimensions,
		ChunkSize:           doc.Global.ChunkSize,
		ChunkOverlap:        doc.Global.ChunkOverlap,
		DistanceMetric:      doc.Global.DistanceMetric,
		AvailablePipelines:  doc.Global.AvailablePipelines,
		AvailableModels:     doc.Global.AvailableModels,
		AvailableProviders:  doc.Global.AvailableProviders,
		AuthEnabled:         doc.Global.AuthEnabled,
		SessionLifetimeDays: doc.Global.SessionLifetimeDays,
	}
	if err := svc.InitializeStatic(ctx, static); err != nil {
		return fmt.Errorf("deploy: apply static config: %w", err)
	}

	touched, err := svc.DynamicTouchedByHuman(ctx)
	if err != nil {
		return fmt.Errorf("deploy: check dynamic config ownership: %w", err)
	}
	if touched {
		return nil
	}

	d := doc.DynamicDefault
	if err := svc.SeedDynamic(ctx, config.DynamicConfig{
		ActivePipeline:         d.ActivePipeline,
		ActiveModel:            d.ActiveModel,
		Temperature:            d.Temperature,
		MaxTokens:              d.MaxTokens,
		TopP:                   d.TopP,
		TopK:                   d.TopK,
		RepetitionPenalty:      d.RepetitionPenalty,
		ActiveCondensePrompt:   d.CondensePrompt,
		ActiveChatPrompt:       d.ChatPrompt,
		ActiveSystemPrompt:     d.SystemPrompt,
		NumDocumentsToRetrieve: d.NumDocumentsToRetrieve,
		UseHybridSearch:        d.UseHybridSearch,
		BM25Weight:             d.BM25Weight,
		SemanticWeight:         d.SemanticWeight,
		BM25K1:                 d.BM25K1,
		BM25B:                  d.BM25B,
		IngestionSchedule:      d.IngestionSchedule,
		Verbosity:              d.Verbosity,
	}); err != nil {
		return fmt.Errorf("deploy: seed dynamic config: %w", err)
	}
	return nil
}

// ScheduleMap flattens the deployment document's per-source schedules
// into the {name: cron expr} shape internal/scheduler.ScheduleLoader
// expects, omitting disabled sources.
func (doc *Document) ScheduleMap() map[string]string {
	out := make(map[string]string, len(doc.Services.DataManager.Sources))
	for name, src := range doc.Services.DataManager.Sources {
		if !src.Enabled {
			continue
		}
		out[name] = src.Schedule
	}
	return out
}
