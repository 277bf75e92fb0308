package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/hashaudit/internal/config"
	"github.com/ehr/hashaudit/internal/domain/hashaudit"
	"github.com/ehr/hashaudit/internal/platform/db"
	"github.com/ehr/hashaudit/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hashaudit-server",
		Short: "Hash chain audit log server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(verifyChainCmd())
	rootCmd.AddCommand(verifyExportCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg != nil && cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level := zerolog.InfoLevel
	if cfg != nil {
		if l, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil && l != zerolog.NoLevel {
			level = l
		}
	}
	return logger.Level(level)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the audit API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			migrator, closeFn, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			migrator, closeFn, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.StoreBackend != config.BackendPostgres {
		return nil, nil, fmt.Errorf("migrations only apply to STORE_BACKEND=%s", config.BackendPostgres)
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrations.FS), pool.Close, nil
}

func cleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete audit records older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("retention-days")
			execute, _ := cmd.Flags().GetBool("execute")

			return withApp(cmd.Context(), func(a *app) error {
				if days == 0 {
					days = a.cfg.AuditRetentionDays
				}
				res, err := a.svc.CleanupOldAuditLogs(cmd.Context(), days, !execute)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().Int("retention-days", 0, "Retention period in days (defaults to AUDIT_RETENTION_DAYS)")
	cmd.Flags().Bool("execute", false, "Delete records instead of only counting them")
	return cmd
}

func verifyChainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-chain",
		Short: "Walk the hash chain and report broken links",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				res, err := a.verifier.VerifyChain(cmd.Context(), hashaudit.SystemActor)
				if err != nil {
					return err
				}
				if err := printJSON(res); err != nil {
					return err
				}
				if !res.Verified {
					return fmt.Errorf("chain verification failed: %d broken link(s)", res.BrokenLinkCount)
				}
				return nil
			})
		},
	}
}

func verifyExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-export <file>",
		Short: "Re-verify a chain export file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := readExport(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				res, err := a.verifier.VerifyExport(cmd.Context(), hashaudit.SystemActor, exp)
				if err != nil {
					return err
				}
				if err := printJSON(res); err != nil {
					return err
				}
				if !res.Verified {
					return fmt.Errorf("export %s does not verify", exp.ExportID)
				}
				return nil
			})
		},
	}
}

func readExport(path string) (*hashaudit.ChainExport, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	var exp hashaudit.ChainExport
	if err := json.Unmarshal(raw, &exp); err != nil {
		return nil, fmt.Errorf("parse export %s: %w", path, err)
	}
	return &exp, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
