package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/visitbilling/internal/config"
	"github.com/ehr/visitbilling/internal/domain/visit"
	"github.com/ehr/visitbilling/internal/platform/db"
	"github.com/ehr/visitbilling/internal/platform/hellonote"
	"github.com/ehr/visitbilling/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "billing-server",
		Short:        "Visit ingestion and billing API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(holdSyncCmd())
	rootCmd.AddCommand(uploadCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the billing API server",
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

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator, schema string) error) error {
		schema, _ := cmd.Flags().GetString("schema")
		dir, _ := cmd.Flags().GetString("dir")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if schema == "" {
			schema = cfg.DBSchema
		}

		ctx := cmd.Context()
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
		if err != nil {
			return err
		}
		defer pool.Close()

		migrator := db.NewMigrator(pool, migrations.Files)
		if dir != "" {
			migrator = db.NewDirMigrator(pool, dir)
		}
		return fn(ctx, migrator, schema)
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("Migration status for schema: %s\n", schema)
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format(time.DateTime)
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "", "Target schema (default DB_SCHEMA)")
		c.Flags().String("dir", "", "Read migrations from a directory instead of the embedded set")
		cmd.AddCommand(c)
	}
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import HelloNote billing transactions (default: yesterday)",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := importQueryFromFlags(cmd, time.Now())
			if err != nil {
				return err
			}

			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.requireImporter(); err != nil {
				return err
			}

			summary, err := a.importer.ImportRange(cmd.Context(), q, visit.SystemIdentity(a.cfg.ImportUserID))
			if err != nil {
				return err
			}
			fmt.Println(summary.String())
			return nil
		},
	}
	cmd.Flags().String("from", "", "First day, YYYY-MM-DD")
	cmd.Flags().String("to", "", "Last day, YYYY-MM-DD (default --from)")
	cmd.Flags().Bool("all-status", true, "Include every note status")
	cmd.Flags().Bool("with-hold", false, "Include notes on hold")
	cmd.Flags().Bool("note-date", false, "Filter by note date instead of finalized date")
	return cmd
}

// importQueryFromFlags builds the import window. Without --from it is the
// daily job: yesterday's finalized notes.
func importQueryFromFlags(cmd *cobra.Command, now time.Time) (hellonote.Query, error) {
	fromRaw, _ := cmd.Flags().GetString("from")
	toRaw, _ := cmd.Flags().GetString("to")
	allStatus, _ := cmd.Flags().GetBool("all-status")
	withHold, _ := cmd.Flags().GetBool("with-hold")
	noteDate, _ := cmd.Flags().GetBool("note-date")

	q := visit.DailyImportQuery(now)
	if fromRaw != "" {
		from, err := parseDay("from", fromRaw)
		if err != nil {
			return q, err
		}
		q.From, q.To = from, from
	}
	if toRaw != "" {
		to, err := parseDay("to", toRaw)
		if err != nil {
			return q, err
		}
		q.To = to
	}
	if q.To.Before(q.From) {
		return q, fmt.Errorf("--to %s is before --from %s", q.To.Format(time.DateOnly), q.From.Format(time.DateOnly))
	}
	q.AllStatus = allStatus
	q.AllStatusWithHold = withHold
	q.NoteDate = noteDate
	q.FinalizedDate = !noteDate
	return q, nil
}

func holdSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hold-sync",
		Short: "Mark stored visits that HelloNote has on hold",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.requireImporter(); err != nil {
				return err
			}

			from, to, err := holdWindowFromFlags(cmd, time.Now(), a.cfg.HoldLookbackDays)
			if err != nil {
				return err
			}
			res, err := a.importer.SyncHolds(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			fmt.Printf("on hold: %d, updated: %d, not stored: %d\n", res.Fetched, res.Updated, res.Missing)
			return nil
		},
	}
	cmd.Flags().String("from", "", "First day, YYYY-MM-DD (default today minus HOLD_LOOKBACK_DAYS)")
	cmd.Flags().String("to", "", "Last day, YYYY-MM-DD (default today)")
	return cmd
}

func holdWindowFromFlags(cmd *cobra.Command, now time.Time, lookbackDays int) (from, to time.Time, err error) {
	from, to = visit.HoldWindow(now, lookbackDays)
	if raw, _ := cmd.Flags().GetString("from"); raw != "" {
		if from, err = parseDay("from", raw); err != nil {
			return
		}
	}
	if raw, _ := cmd.Flags().GetString("to"); raw != "" {
		if to, err = parseDay("to", raw); err != nil {
			return
		}
	}
	return from, to, nil
}

func uploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Ingest a visit export spreadsheet",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			userID, _ := cmd.Flags().GetInt64("user")
			if path == "" {
				return errors.New("--file is required")
			}

			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			records, err := visit.ParseUpload(path, f, visit.UploadOptions{ExcludeSupervisors: a.cfg.UploadExcludeSupervisors})
			if err != nil {
				return err
			}
			summary, err := a.ingester.IngestFrom(cmd.Context(), visit.SourceUpload, records, visit.SystemIdentity(userID))
			if err != nil {
				return err
			}
			fmt.Println(summary.String())
			return nil
		},
	}
	cmd.Flags().String("file", "", "Path to a .csv export")
	cmd.Flags().Int64("user", 0, "Uploading user id recorded on each visit")
	return cmd
}

func parseDay(flag, raw string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be YYYY-MM-DD, got %q", flag, raw)
	}
	return t, nil
}

func runServer() error {
	ctx := context.Background()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger
	logger.Info().Msg("connected to database")

	e := a.newServer()

	// Graceful shutdown
	go func() {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
