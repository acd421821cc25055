package main

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/store"
)

// buildMigrateCmd creates the "migrate" command group.
func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long: `Manage the SQLite schema migrations embedded in the binary.

"loom serve" applies pending migrations automatically on startup; these
commands exist for inspecting state and rolling back.`,
	}
	cmd.AddCommand(
		buildMigrateUpCmd(),
		buildMigrateDownCmd(),
		buildMigrateStatusCmd(),
	)
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Example: `  # Apply all pending migrations
  loom migrate up

  # Apply only the next migration
  loom migrate up --steps 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, cleanup, err := openMigrator(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			applied, err := migrator.Up(cmd.Context(), steps)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				fmt.Fprintln(out, "No pending migrations.")
				return nil
			}
			for _, id := range applied {
				fmt.Fprintf(out, "Applied: %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().IntVarP(&steps, "steps", "n", 0, "Number of migrations to apply (0 = all)")
	return cmd
}

func buildMigrateDownCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Rollback migrations",
		Long: `Rollback the last N applied migrations.

Use with caution: rolling back drops tables and their data.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, cleanup, err := openMigrator(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			rolled, err := migrator.Down(cmd.Context(), steps)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rolled) == 0 {
				fmt.Fprintln(out, "Nothing to rollback.")
				return nil
			}
			for _, id := range rolled {
				fmt.Fprintf(out, "Rolled back: %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "Number of migrations to rollback")
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, cleanup, err := openMigrator(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			applied, pending, err := migrator.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(applied) == 0 && len(pending) == 0 {
				fmt.Fprintln(out, "No migrations found.")
				return nil
			}
			if len(applied) > 0 {
				fmt.Fprintln(out, "Applied:")
				for _, entry := range applied {
					fmt.Fprintf(out, "  %s (%s)\n", entry.ID, entry.AppliedAt.Format("2006-01-02 15:04:05"))
				}
			}
			if len(pending) > 0 {
				fmt.Fprintln(out, "Pending:")
				for _, migration := range pending {
					fmt.Fprintf(out, "  %s\n", migration.ID)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

// openMigrator opens the configured database without running migrations, so
// status and down see the database as-is.
func openMigrator(configPath string) (*store.Migrator, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	path := strings.TrimSpace(cfg.Store.Path)
	if path == "" {
		return nil, nil, fmt.Errorf("store.path is required")
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	migrator, err := store.NewMigrator(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return migrator, func() { _ = db.Close() }, nil
}
