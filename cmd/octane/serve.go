package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/octane/internal/api"
	"github.com/terrpan/octane/internal/broker"
	"github.com/terrpan/octane/internal/config"
	"github.com/terrpan/octane/internal/dispatch"
	"github.com/terrpan/octane/internal/health"
	"github.com/terrpan/octane/internal/jitter"
	"github.com/terrpan/octane/internal/lifecycle"
	"github.com/terrpan/octane/internal/otel"
	"github.com/terrpan/octane/internal/pipeline"
)

var (
	serveStages []string
	serveAPI    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduling API and the stage consumers",
	Long: `serve runs the POST /api/jobs scheduling endpoint and one consumer per
pipeline stage.  Stages can be split across processes with --stages, e.g.
one deployment consuming only "benchmark".`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		return serve(ctx)
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&flagOverrides.HTTP.Addr, "addr", "", "HTTP listen address (e.g. :8080)")
	f.IntVar(&flagOverrides.Broker.Concurrency, "concurrency", 0, "Deliveries processed at once per stage")
	f.StringSliceVar(&serveStages, "stages",
		[]string{pipeline.StageCreate, pipeline.StageBenchmark, pipeline.StageDelete},
		"Stages to consume")
	f.BoolVar(&serveAPI, "api", true, "Serve the scheduling API")
}

func serve(ctx context.Context) (err error) {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	queues := stageQueues(cfg)
	for _, s := range serveStages {
		if _, ok := queues[s]; !ok {
			return fmt.Errorf("unknown stage %q (known: create, benchmark, delete)", s)
		}
	}

	// ---------------------------------------------------------------
	// 2. Telemetry
	// ---------------------------------------------------------------
	otelCfg, registry := cfg.NewOTel()
	shutdownOTel, err := otel.SetupOTelSDK(ctx, "octane", otelCfg)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		err = errors.Join(err, shutdownOTel(context.WithoutCancel(ctx)))
	}()

	// ---------------------------------------------------------------
	// 3. Engine, broker, ledger
	// ---------------------------------------------------------------
	eng, err := cfg.NewEngine(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	defer closeLogged(logger, "engine", eng.Close)

	br, err := cfg.NewBroker(ctx, logger)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer closeLogged(logger, "broker", br.Close)

	led, err := cfg.NewLedger()
	if err != nil {
		return err
	}
	if led != nil {
		defer closeLogged(logger, "ledger", led.Close)
	}

	benchmark, err := cfg.NewBenchmark()
	if err != nil {
		return err
	}

	// ---------------------------------------------------------------
	// 4. Pipeline
	// ---------------------------------------------------------------
	orch := lifecycle.New(lifecycle.Config{
		Engine:     eng,
		Subnet:     cfg.Subnet(),
		Benchmark:  benchmark,
		NamePrefix: cfg.Schedule.NamePrefix,
		Logger:     logger.WithGroup("lifecycle"),
	})

	benchmarks, err := newDispatcher(ctx, br, cfg.Broker.Queues.Benchmark, logger)
	if err != nil {
		return err
	}
	deletes, err := newDispatcher(ctx, br, cfg.Broker.Queues.Delete, logger)
	if err != nil {
		return err
	}

	p := pipeline.New(pipeline.Config{
		Orchestrator: orch,
		Benchmarks:   benchmarks,
		Deletes:      deletes,
		Deadline:     cfg.Stage.Deadline,
		Ledger:       led,
		Logger:       logger,
	})
	handlers := p.Handlers()

	// ---------------------------------------------------------------
	// 5. Run
	// ---------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)

	for _, stage := range serveStages {
		queue := queues[stage]
		rcv, err := br.Receiver(ctx, queue)
		if err != nil {
			return fmt.Errorf("creating receiver for %s: %w", queue, err)
		}
		h := handlers[stage]
		g.Go(func() error {
			logger.Info("consuming", slog.String("stage", stage), slog.String("queue", queue))
			if err := rcv.Receive(gctx, h); err != nil {
				return fmt.Errorf("stage %s: %w", stage, err)
			}
			return nil
		})
	}

	var metrics http.Handler
	if registry != nil {
		metrics = otel.MetricsHandler(registry)
	}

	if serveAPI {
		creates, err := newDispatcher(ctx, br, cfg.Broker.Queues.Create, logger)
		if err != nil {
			return err
		}
		sched := api.New(api.Config{
			Dispatcher: creates,
			Jitter:     jitter.New(),
			Window:     cfg.Schedule.Window,
			NamePrefix: cfg.Schedule.NamePrefix,
			Logger:     logger.WithGroup("api"),
		})

		mountMetrics := metrics
		if cfg.Prometheus.Port > 0 {
			mountMetrics = nil
		}
		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.NewMux(sched, health.Handler(cfg.Engine.Type, cfg.Broker.Type, serveStages...), mountMetrics),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("http server listening", slog.String("addr", srv.Addr))
			return api.ListenAndServe(gctx, srv, cfg.HTTP.ShutdownGrace)
		})
	}

	if metrics != nil && cfg.Prometheus.Port > 0 {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metrics)
		srv := &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.Prometheus.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics server listening", slog.String("addr", srv.Addr))
			return api.ListenAndServe(gctx, srv, cfg.HTTP.ShutdownGrace)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down gracefully")
	return nil
}

// stageQueues maps each stage name to the queue it consumes.
func stageQueues(cfg *config.Config) map[string]string {
	return map[string]string{
		pipeline.StageCreate:    cfg.Broker.Queues.Create,
		pipeline.StageBenchmark: cfg.Broker.Queues.Benchmark,
		pipeline.StageDelete:    cfg.Broker.Queues.Delete,
	}
}

func newDispatcher(ctx context.Context, br broker.Broker, queue string, logger *slog.Logger) (*dispatch.Dispatcher, error) {
	sender, err := br.Sender(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("creating sender for %s: %w", queue, err)
	}
	return dispatch.New(dispatch.Config{
		Sender: sender,
		Logger: logger.WithGroup("dispatch").With(slog.String("queue", queue)),
	}), nil
}

func closeLogged(logger *slog.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Error("failed to close "+what, slog.String("error", err.Error()))
	}
}

