package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/careagent/pregnancy/internal/config"
	"github.com/careagent/pregnancy/internal/domain/catalog"
	"github.com/careagent/pregnancy/internal/platform/auth"
	"github.com/careagent/pregnancy/internal/platform/db"
	"github.com/careagent/pregnancy/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrations(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.UsesSQLite() {
		return fmt.Errorf("migrations apply to PostgreSQL only; the sqlite store creates its schema on start")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

func printMigrations(w io.Writer, statuses []db.MigrationStatus) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Version", "Name", "Status", "Applied At"})
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format(time.RFC3339)
			}
		}
		tw.AppendRow(table.Row{fmt.Sprintf("%03d", s.Version), s.Name, status, appliedAt})
	}
	tw.Render()
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect and manage the order catalog",
	}

	listCmd := &cobra.Command{
		Use:   "list [file]",
		Short: "List orders of a catalog file, or of the default catalog",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalogFromArgs(args)
			if err != nil {
				return err
			}
			printCatalog(cmd.OutOrStdout(), cat)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a catalog file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.LoadYAML(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d risk(s), %d order(s), valid\n", args[0], len(cat.Risks()), cat.Len())
			return nil
		},
	}

	seedCmd := &cobra.Command{
		Use:   "seed [file]",
		Short: "Store a catalog file, or the default catalog, in the database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalogFromArgs(args)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.UsesSQLite() {
				return fmt.Errorf("the sqlite store reads its catalog from CATALOG_FILE or the default")
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := catalog.NewRepoPG(pool).Upsert(ctx, cat); err != nil {
				return fmt.Errorf("seed catalog: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %d risk(s) and %d order(s).\n", len(cat.Risks()), cat.Len())
			return nil
		},
	}

	cmd.AddCommand(listCmd, validateCmd, seedCmd)
	return cmd
}

func catalogFromArgs(args []string) (*catalog.Catalog, error) {
	if len(args) == 1 {
		return catalog.LoadYAML(args[0])
	}
	return catalog.Default()
}

func printCatalog(w io.Writer, cat *catalog.Catalog) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Description", "Start", "Stop", "Weeks", "After Birth", "Risks"})
	for _, o := range cat.Orders() {
		weeks := strconv.Itoa(o.StartWeek) + "-"
		if o.EndWeek != nil {
			weeks += strconv.Itoa(*o.EndWeek)
		}
		tw.AppendRow(table.Row{
			o.ID, o.Description, o.StartCommand, o.StopCommand, weeks, o.AfterBirth,
			strings.Join(o.GatingRisks.Strings(), ","),
		})
	}
	tw.Render()
}

func evaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <contract-id>",
		Short: "Evaluate one contract now and print what changed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid contract id %q", args[0])
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(cfg.Env).Level(zerolog.WarnLevel)
			ctx := context.Background()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.engine.EvaluateContract(ctx, id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with APP_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AppKey == "" {
				return fmt.Errorf("APP_KEY is required")
			}
			token, err := auth.IssueToken(cfg.AppKey, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "monitoring-agent", "Token subject")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
