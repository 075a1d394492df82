package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/axion66/A2rchi-sub000/internal/schema"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Schema and extension management (C2)",
}

var schemaApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply every embedded schema file and probe optional extensions",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		applied, err := schema.Apply(ctx, db, log)
		if err != nil {
			return err
		}
		caps := schema.ProbeCapabilities(ctx, db, log)
		log.Info().
			Int("files_applied", applied).
			Bool("vector", caps.HasVector).
			Bool("bm25", caps.HasBM25).
			Msg("schema: apply complete")
		return nil
	},
}

var schemaDimsCmd = &cobra.Command{
	Use:   "set-embedding-dimensions <dims>",
	Short: "Narrow document_chunks.embedding to vector(dims) once the embedding model is known",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dims, err := parsePositiveInt(args[0])
		if err != nil {
			return err
		}
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		return schema.SetEmbeddingDimensions(context.Background(), db, dims)
	},
}

func init() {
	schemaCmd.AddCommand(schemaApplyCmd)
	schemaCmd.AddCommand(schemaDimsCmd)
}
