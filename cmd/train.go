package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/okian/maestro/internal/adapters/http/api"
	"github.com/okian/maestro/internal/adapters/http/swagger"
	app "github.com/okian/maestro/internal/app"
	"github.com/okian/maestro/internal/config"
	"github.com/okian/maestro/internal/domain/training"
	"github.com/okian/maestro/pkg/logger"
	"github.com/okian/maestro/pkg/metrics"
)

// HTTP server timeout constants.
const (
	readTimeout           = 10 * time.Second
	writeTimeout          = 10 * time.Second
	idleTimeout           = 60 * time.Second
	readHeaderTimeout     = 5 * time.Second
	shutdownTimeout       = 30 * time.Second
	systemMetricsInterval = 10 * time.Second
)

type trainFlags struct {
	simulate   bool
	statusAddr string
}

func newTrainCmd() *cobra.Command {
	var f trainFlags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run a fine-tuning job configured through MAESTRO_* variables or MAESTRO_CONFIG",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTrain(cmd, f)
		},
	}
	cmd.Flags().BoolVar(&f.simulate, "simulate", false, "use the built-in simulated framework")
	cmd.Flags().StringVar(&f.statusAddr, "status-addr", "", "serve the status API on this address (overrides status_addr)")
	return cmd
}

func runTrain(cmd *cobra.Command, f trainFlags) error {
	ctx := cmd.Context()
	log := logger.Get().Named("cli")

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.LogJSON {
		if err := logger.Init(logger.WithWriter(cmd.ErrOrStderr()), logger.WithJSON(true)); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		log = logger.Get().Named("cli")
	}

	// Apply configured log level (fallback to info on invalid input)
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}
	if f.statusAddr != "" {
		cfg.StatusAddr = f.statusAddr
	}
	metrics.Configure(metricsOptions(cfg)...)

	if !f.simulate {
		return fmt.Errorf("model %s: %w (use --simulate for a dry run)", cfg.ModelIDOrPath, training.ErrNoBackend)
	}
	framework := training.NewSimulatedFramework(training.WithSeed(cfg.Seed))

	svc := app.New(
		app.WithConfig(cfg),
		app.WithFramework(framework),
		app.WithLogger(logger.Get().Named("trainer")),
	)

	// Everything below stops when the run ends or any member fails.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		startSystemMetricsUpdater(gctx)
		return nil
	})

	if cfg.StatusAddr != "" {
		srv := newStatusServer(gctx, cfg.StatusAddr, svc)
		g.Go(func() error {
			log.Info(ctx, "starting status server", logger.String("addr", cfg.StatusAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%w: %w", api.ErrServe, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			// Graceful shutdown with timeout
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error(ctx, "status server shutdown failed", logger.Error(err))
			}
			return nil
		})
	}

	var res app.Result
	g.Go(func() error {
		defer cancel()
		r, err := svc.Run(gctx)
		if err != nil {
			return fmt.Errorf("training failed: %w", err)
		}
		res = r
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s\n", res.RunID)
	fmt.Fprintf(out, "run directory: %s\n", res.RunDir)
	if !res.HasBest {
		fmt.Fprintln(out, "no checkpoint retained")
		return nil
	}
	fmt.Fprintf(out, "best checkpoint: epoch %d, validation loss %.4f (%s)\n", res.Best.Epoch, res.Best.Score, res.Best.Path)
	if res.TestSplit != "" {
		fmt.Fprintf(out, "%s loss of best model: %.4f\n", res.TestSplit, res.TestLoss)
	}
	fmt.Fprintf(out, "best model saved to %s\n", res.BestModelPath)
	return nil
}

// metricsOptions maps the metrics settings of cfg onto collector options.
func metricsOptions(cfg *config.Config) []metrics.Option {
	return []metrics.Option{
		metrics.WithMetricsEnabled(cfg.MetricsEnabled),
		metrics.WithNamespace(cfg.MetricsNamespace),
		metrics.WithSubsystem(cfg.MetricsSubsystem),
		metrics.WithMetricPrefix(cfg.MetricsPrefix),
		metrics.WithCustomLabels(cfg.MetricsLabels),
		metrics.WithLatencyBuckets(cfg.MetricsLatencyBuckets),
		metrics.WithEpochBuckets(cfg.MetricsEpochBuckets),
	}
}

// newStatusServer builds the HTTP server exposing the run's status API.
func newStatusServer(ctx context.Context, addr string, svc *app.Service) *http.Server {
	mux := http.NewServeMux()
	swagger.Register(ctx, mux)
	api.NewServer(svc, svc).Register(ctx, mux)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// startSystemMetricsUpdater updates system metrics until ctx is done.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	updateSystemMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystem(m.Alloc, runtime.NumGoroutine())
}
