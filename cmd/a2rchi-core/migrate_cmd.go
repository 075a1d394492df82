package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/axion66/A2rchi-sub000/internal/migrate"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Resumable legacy-store migration (C2)",
}

// errNoLegacyAdapter is returned by analyze/run: this core defines the
// LegacyVectorSource/LegacyCatalogSource contracts (internal/migrate) but,
// per spec.md section 1, the legacy content-addressed vector index and
// SQLite catalog readers are external collaborators — a deployment wires
// its own adapter implementing those two interfaces and calls
// migrate.Manager directly (e.g. from a short-lived program of its own),
// rather than through this generic CLI.
var errNoLegacyAdapter = fmt.Errorf("migrate: no legacy-store adapter wired into this CLI; call internal/migrate.Manager from a deployment-specific adapter implementing LegacyVectorSource/LegacyCatalogSource")

var migrateAnalyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Report legacy-store counts without mutating anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		return errNoLegacyAdapter
	},
}

var migrateRunCmd = &cobra.Command{
	Use:   "run <vectors|documents|conversations>",
	Short: "Execute a batched, checkpointed migration phase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "vectors", "documents":
			return errNoLegacyAdapter
		case "conversations":
			log := newLogger()
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			mgr := migrate.New(db, log)
			n, err := mgr.MigrateConversationSchema(context.Background(), nil, migrate.BatchSizeConversations)
			if err != nil {
				return err
			}
			fmt.Printf("migrated %d conversation messages\n", n)
			return nil
		default:
			return fmt.Errorf("migrate run: unknown phase %q, want one of vectors|documents|conversations", args[0])
		}
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Show a migration's checkpoint and status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		mgr := migrate.New(db, log)
		status, err := mgr.GetStatus(context.Background(), args[0])
		if err != nil {
			return err
		}
		if status == nil {
			fmt.Printf("migration %q has never been started\n", args[0])
			return nil
		}
		fmt.Printf("migration %q: status=%s", status.Name, status.Status)
		if status.Checkpoint != nil {
			fmt.Printf(" phase=%s last_id=%d count=%d", status.Checkpoint.Phase, status.Checkpoint.LastID, status.Checkpoint.Count)
		}
		if status.Error != "" {
			fmt.Printf(" error=%q", status.Error)
		}
		fmt.Println()
		return nil
	},
}

var migrateDropConfigsCmd = &cobra.Command{
	Use:   "drop-configs-table",
	Short: "Drop the legacy per-message config snapshot table, once unreferenced",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		mgr := migrate.New(db, log)
		result, err := mgr.DropConfigsTable(context.Background())
		if err != nil {
			return err
		}
		switch {
		case result.Skipped:
			fmt.Println("configs table already absent, nothing to do")
		case result.Dropped:
			fmt.Printf("dropped configs table (%d legacy rows)\n", result.RowsLost)
		}
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateAnalyzeCmd)
	migrateCmd.AddCommand(migrateRunCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
	migrateCmd.AddCommand(migrateDropConfigsCmd)
}
