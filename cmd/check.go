package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kmansel/gridrunner/api/schemas"
	"github.com/kmansel/gridrunner/internal/browserpool"
	"github.com/kmansel/gridrunner/internal/config"
	"github.com/kmansel/gridrunner/internal/matrix"
	"github.com/kmansel/gridrunner/internal/observability"
	"github.com/kmansel/gridrunner/internal/reporting"
	"github.com/kmansel/gridrunner/internal/runner"
	"github.com/kmansel/gridrunner/internal/statestore"
	"github.com/kmansel/gridrunner/pkg/pagedriver"
)

// newCheckCmd creates and configures the `check` command.
func newCheckCmd() *cobra.Command {
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Runs the configured checks against every engine target",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their viper keys so CLI overrides win over the
			// config file and environment.
			if err := viper.BindPFlag("runner.concurrency", cmd.Flags().Lookup("concurrency")); err != nil {
				return err
			}
			if err := viper.BindPFlag("report.json_path", cmd.Flags().Lookup("json-out")); err != nil {
				return err
			}
			return viper.BindPFlag("report.junit_path", cmd.Flags().Lookup("junit-out"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Re-unmarshal so the flag bindings from PreRunE take effect.
			loaded, err := config.NewFromViper(viper.GetViper())
			if err != nil {
				return err
			}
			cfg = loaded

			if len(cfg.Targets) == 0 {
				return fmt.Errorf("no engine targets configured")
			}
			if len(cfg.Checks) == 0 {
				return fmt.Errorf("no checks configured")
			}

			components, err := initializeCheckComponents(ctx, cfg, logger)
			if err != nil {
				if components != nil {
					components.Shutdown()
				}
				return fmt.Errorf("failed to initialize check components: %w", err)
			}
			defer components.Shutdown()

			suite := buildSuite(cfg)
			report := components.Runner.Run(ctx, suite)

			if err := writeReports(cfg.Report, report); err != nil {
				return err
			}

			fmt.Printf("\n%d runs: %d passed, %d failed, %d skipped, %d timed out\n",
				report.Summary.Total, report.Summary.Passed, report.Summary.Failed,
				report.Summary.Skipped, report.Summary.TimedOut)
			if report.Failed() {
				return fmt.Errorf("%d of %d runs did not pass",
					report.Summary.Failed+report.Summary.TimedOut, report.Summary.Total)
			}
			return nil
		},
	}

	checkCmd.Flags().IntP("concurrency", "j", 0, "Number of concurrent runner workers. (Overrides config/env)")
	checkCmd.Flags().String("json-out", "", "Path for the JSON report. (Overrides config/env)")
	checkCmd.Flags().String("junit-out", "", "Path for the JUnit XML report. (Overrides config/env)")

	return checkCmd
}

// checkComponents holds initialized services.
type checkComponents struct {
	Store  statestore.Store
	Pool   *browserpool.Pool
	Runner *runner.Runner
	DBPool *pgxpool.Pool
}

// Shutdown gracefully closes all components.
func (cc *checkComponents) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if cc.Pool != nil {
		if err := cc.Pool.Shutdown(shutdownCtx); err != nil {
			observability.GetLogger().Warn("Error during pool shutdown", zap.Error(err))
		}
	}
	if cc.DBPool != nil {
		cc.DBPool.Close()
	}
}

// initializeCheckComponents handles dependency injection.
func initializeCheckComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*checkComponents, error) {
	components := &checkComponents{}

	store, dbPool, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return components, err
	}
	components.Store = store
	components.DBPool = dbPool

	components.Pool = browserpool.NewDefault(cfg.Pool, logger)

	mat, err := matrix.New(cfg.Targets)
	if err != nil {
		return components, fmt.Errorf("failed to build engine matrix: %w", err)
	}

	loader := &staleAwareLoader{store: store, maxAge: cfg.Store.MaxAge, logger: logger}
	r, err := runner.New(cfg.Runner, mat, runner.WrapPool(components.Pool), loader, logger)
	if err != nil {
		return components, fmt.Errorf("failed to initialize runner: %w", err)
	}
	components.Runner = r

	return components, nil
}

// staleAwareLoader treats state older than store.max_age as absent, so runs
// fall back to an unauthenticated context instead of seeding expired sessions.
type staleAwareLoader struct {
	store  statestore.Store
	maxAge time.Duration
	logger *zap.Logger
}

func (l *staleAwareLoader) Load(ctx context.Context, id string) (*schemas.SessionState, error) {
	state, err := l.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if statestore.IsStale(state, l.maxAge) {
		l.logger.Warn("Stored session state is stale; starting unauthenticated. Re-run `gridrunner capture`.",
			zap.String("state_id", id),
			zap.Time("captured_at", state.CapturedAt),
			zap.Duration("max_age", l.maxAge))
		return nil, fmt.Errorf("%w: %s (stale)", statestore.ErrNotFound, id)
	}
	return state, nil
}

// openStore builds the configured state store backend. The returned pgx pool
// is non-nil only for the postgres backend and must be closed by the caller.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (statestore.Store, *pgxpool.Pool, error) {
	switch cfg.Backend {
	case "postgres":
		dbPool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		store := statestore.NewPGStore(dbPool, logger)
		if err := store.EnsureSchema(ctx); err != nil {
			dbPool.Close()
			return nil, nil, err
		}
		return store, dbPool, nil
	default:
		store, err := statestore.NewFileStore(cfg.Dir, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	}
}

// buildSuite turns the declarative check list into runnable tests.
func buildSuite(cfg *config.Config) runner.Suite {
	tests := make([]runner.Test, 0, len(cfg.Checks))
	for _, chk := range cfg.Checks {
		chk := chk
		tests = append(tests, runner.Test{
			ID:      chk.Name,
			StateID: chk.StateID,
			Body: func(ctx context.Context, rc *runner.RunContext) error {
				page := pagedriver.NewCheckPage(pagedriver.NewCDP(rc.Lease.Run))
				return page.Verify(ctx, chk.URL, chk.Selector, chk.Title)
			},
		})
	}
	return runner.Suite{Name: "checks", Tests: tests}
}

// writeReports emits the suite report in every configured format. With no
// paths configured, the JSON report goes to stdout.
func writeReports(cfg config.ReportConfig, report *schemas.SuiteReport) error {
	type output struct {
		format string
		path   string
	}
	outputs := []output{}
	if cfg.JSONPath != "" || cfg.JUnitPath == "" {
		outputs = append(outputs, output{"json", cfg.JSONPath})
	}
	if cfg.JUnitPath != "" {
		outputs = append(outputs, output{"junit", cfg.JUnitPath})
	}

	for _, out := range outputs {
		reporter, err := reporting.New(out.format, out.path)
		if err != nil {
			return fmt.Errorf("failed to initialize %s reporter: %w", out.format, err)
		}
		writeErr := reporter.Write(report)
		closeErr := reporter.Close()
		if writeErr != nil {
			return fmt.Errorf("failed to write %s report: %w", out.format, writeErr)
		}
		if closeErr != nil {
			return fmt.Errorf("failed to close %s reporter: %w", out.format, closeErr)
		}
	}
	return nil
}
