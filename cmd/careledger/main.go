package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/careledger/careledger/internal/config"
	"github.com/careledger/careledger/internal/connector"
	"github.com/careledger/careledger/internal/connector/fhirapi"
	"github.com/careledger/careledger/internal/connector/ndjsonfile"
	"github.com/careledger/careledger/internal/domain/record"
	"github.com/careledger/careledger/internal/ledger"
	"github.com/careledger/careledger/internal/ledger/journal"
	"github.com/careledger/careledger/internal/pipeline"
	"github.com/careledger/careledger/internal/platform/db"
	"github.com/careledger/careledger/internal/platform/middleware"
	"github.com/careledger/careledger/internal/process"
	"github.com/careledger/careledger/internal/store"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "careledger",
		Short: "Clinical extraction, anonymization, and ledger-proof pipeline",
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(splitCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}

func newConnector(cfg *config.Config, logger zerolog.Logger) (connector.Connector, error) {
	switch strings.ToLower(cfg.ConnectorKind) {
	case "fhir":
		return fhirapi.New(fhirapi.Options{
			BaseURL:   cfg.FHIRBaseURL,
			AuthToken: cfg.FHIRAuthToken,
		}, logger), nil
	case "ndjson":
		return ndjsonfile.New(cfg.ExportDir), nil
	default:
		return nil, fmt.Errorf("unknown connector kind %q", cfg.ConnectorKind)
	}
}

// buildRunner wires the full pipeline from configuration. The returned
// cleanup closes the database pool when one was opened.
func buildRunner(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pipeline.Runner, func(), error) {
	conn, err := newConnector(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	sink := store.NewHTTPSink(store.HTTPSinkOptions{
		BaseURL: cfg.SinkBaseURL,
		Secret:  []byte(cfg.SinkSecret),
		Issuer:  cfg.SinkIssuer,
	})
	dispatcher := store.NewDispatcher(sink, logger)

	processor := process.New(process.NewRegistry(), logger)

	client := ledger.NewClient(ledger.ClientOptions{
		BaseURL:         cfg.LedgerURL,
		ExplorerBaseURL: cfg.ExplorerBaseURL,
		AuthToken:       cfg.LedgerAuthToken,
	})

	cleanup := func() {}
	var j journal.Journal = journal.NewMemory()
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, err
		}
		j = journal.NewPGJournal(pool)
		cleanup = pool.Close
	} else {
		logger.Warn().Msg("no DATABASE_URL set, proof journal is in-memory only")
	}

	engine, err := ledger.NewEngine(client, j, ledger.Rates{
		Patient:  cfg.RatePatient,
		Hospital: cfg.RateHospital,
		Platform: cfg.RatePlatform,
	}, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	runner := pipeline.NewRunner(conn, processor, dispatcher, engine, pipeline.Options{
		ConsentChannel:   cfg.ConsentChannel,
		DataChannel:      cfg.DataChannel,
		PricePerResource: cfg.PricePerResource,
	}, logger)
	return runner, cleanup, nil
}

func loadValidated() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one pipeline run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidated()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			kinds, _ := cmd.Flags().GetStringSlice("kinds")
			limit, _ := cmd.Flags().GetInt("limit")
			bundles, _ := cmd.Flags().GetBool("bundles")
			patientAcct, _ := cmd.Flags().GetString("patient-account")
			hospitalAcct, _ := cmd.Flags().GetString("hospital-account")
			rawFilters, _ := cmd.Flags().GetStringSlice("filter")

			filters := connector.Filters{}
			for _, f := range rawFilters {
				k, v, ok := strings.Cut(f, "=")
				if !ok {
					return fmt.Errorf("invalid --filter %q, want key=value", f)
				}
				filters[k] = v
			}

			req := pipeline.RunRequest{
				Limit:           limit,
				Bundles:         bundles,
				Filters:         filters,
				PatientAccount:  patientAcct,
				HospitalAccount: hospitalAcct,
			}
			for _, k := range kinds {
				req.Kinds = append(req.Kinds, record.KindFromString(k))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runner, cleanup, err := buildRunner(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := runner.Run(ctx, req)
			if err != nil {
				return err
			}
			printReport(report)
			return nil
		},
	}
	cmd.Flags().StringSlice("kinds", nil, "Resource kinds to extract (default: all available)")
	cmd.Flags().Int("limit", 0, "Per-kind (or per-patient-list) result limit, 0 = unbounded")
	cmd.Flags().Bool("bundles", false, "Extract per-patient bundles instead of collections")
	cmd.Flags().String("patient-account", "", "Ledger account for the patient share")
	cmd.Flags().String("hospital-account", "", "Ledger account for the hospital share")
	cmd.Flags().StringSlice("filter", nil, "Fetch filter as key=value (repeatable)")
	return cmd
}

func printReport(r *pipeline.RunReport) {
	fmt.Printf("run %s (context %s)\n", r.RunID, r.ContextID)
	fmt.Printf("  extracted: %d", r.Extraction.Total)
	for kind, n := range r.Extraction.ByKind {
		fmt.Printf(" %s=%d", kind, n)
	}
	fmt.Println()
	fmt.Printf("  processed: %d/%d (%d failed)\n", r.Processed, r.Attempted, len(r.Failures))
	fmt.Printf("  stored:    %d ok, %d failed\n", r.Storage.Successful, r.Storage.Failed)
	if r.ConsentProof != nil {
		fmt.Printf("  consent proof: %s (seq %d)\n", r.ConsentProof.ConfirmationID, r.ConsentProof.Sequence)
	}
	if r.DataProof != nil {
		fmt.Printf("  data proof:    %s (seq %d)\n", r.DataProof.ConfirmationID, r.DataProof.Sequence)
	}
	fmt.Printf("  revenue: %d (patient %d / hospital %d / platform %d)\n",
		r.RevenueTotal, r.Split.Patient, r.Split.Hospital, r.Split.Platform)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP trigger surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidated()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runner, cleanup, err := buildRunner(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			e := echo.New()
			e.HideBanner = true
			e.Use(middleware.RequestID())
			e.Use(middleware.Logger(logger))
			e.Use(middleware.Recovery(logger))

			e.GET("/health", func(c echo.Context) error {
				return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
			})
			e.POST("/runs", func(c echo.Context) error {
				var body struct {
					Kinds           []string          `json:"kinds"`
					Filters         map[string]string `json:"filters"`
					Limit           int               `json:"limit"`
					Bundles         bool              `json:"bundles"`
					PatientAccount  string            `json:"patientAccount"`
					HospitalAccount string            `json:"hospitalAccount"`
				}
				if err := c.Bind(&body); err != nil {
					return echo.NewHTTPError(http.StatusBadRequest, err.Error())
				}

				req := pipeline.RunRequest{
					Filters:         connector.Filters(body.Filters),
					Limit:           body.Limit,
					Bundles:         body.Bundles,
					PatientAccount:  body.PatientAccount,
					HospitalAccount: body.HospitalAccount,
				}
				for _, k := range body.Kinds {
					req.Kinds = append(req.Kinds, record.KindFromString(k))
				}

				report, err := runner.Run(c.Request().Context(), req)
				if err != nil {
					// The report still carries the accounting up to the
					// failure point.
					return c.JSON(http.StatusBadGateway, map[string]any{
						"error":  err.Error(),
						"report": report,
					})
				}
				return c.JSON(http.StatusOK, report)
			})

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = e.Shutdown(shutdownCtx)
			}()

			logger.Info().Str("port", cfg.Port).Msg("serving pipeline API")
			if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the journal schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for migrations")
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s).\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for migrations")
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool).Status(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%-10s %-30s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-30s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func splitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "split <amount>",
		Short: "Compute the revenue split for an amount (in ledger minor units)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			total, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q", args[0])
			}

			split, err := ledger.ComputeRevenueSplit(total, ledger.Rates{
				Patient:  cfg.RatePatient,
				Hospital: cfg.RateHospital,
				Platform: cfg.RatePlatform,
			})
			if err != nil {
				return err
			}
			fmt.Printf("total:    %d\npatient:  %d\nhospital: %d\nplatform: %d\n",
				total, split.Patient, split.Hospital, split.Platform)
			return nil
		},
	}
}
