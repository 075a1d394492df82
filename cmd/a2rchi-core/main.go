// Command a2rchi-core is the thin operator entrypoint for the persistence
// and retrieval core: schema initialization, resumable legacy-store
// migration, and starting the ingestion scheduler. The full deployment-
// orchestration CLI is an explicit Non-goal of spec.md section 1; this
// binary exposes only the operations a deployer needs to stand the store
// up, grounded on the small-main-delegating-to-a-long-lived-object shape
// of the teacher's cmd/ai-bridge/main.go, restructured around cobra since
// the teacher's own main is mautrix-bridgev2-specific.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "a2rchi-core",
	Short:         "Persistence and retrieval core for A2rchi",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	flagDSN       string
	flagLogLevel  string
	flagJSONLog   bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDSN, "dsn", "", "Postgres connection string (overrides DB_* env vars)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLog, "json-log", true, "Emit JSON logs instead of console-formatted ones")

	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(deployCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "a2rchi-core: "+err.Error())
		os.Exit(1)
	}
}
