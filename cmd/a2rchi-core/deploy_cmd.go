package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/axion66/A2rchi-sub000/internal/config"
	"github.com/axion66/A2rchi-sub000/internal/deploy"
	"github.com/axion66/A2rchi-sub000/internal/schema"
)

var flagDeployConfig string

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deployment-description-driven initialization",
}

var deployApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply schema, then UPSERT static config and seed dynamic config from a deployment description",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		doc, err := deploy.Load(flagDeployConfig)
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		if _, err := schema.Apply(ctx, db, log); err != nil {
			return err
		}
		if doc.Global.EmbeddingDimensions > 0 {
			if err := schema.SetEmbeddingDimensions(ctx, db, doc.Global.EmbeddingDimensions); err != nil {
				return err
			}
		}

		cfgSvc := config.New(db, log)
		if err := deploy.Apply(ctx, cfgSvc, doc); err != nil {
			return err
		}
		log.Info().Str("deployment_name", doc.Global.DeploymentName).Msg("deploy: apply complete")
		return nil
	},
}

func init() {
	deployApplyCmd.Flags().StringVar(&flagDeployConfig, "config", "config.yaml", "Deployment description path")
	deployCmd.AddCommand(deployApplyCmd)
}
