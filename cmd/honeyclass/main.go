// Command honeyclass trains the attack classifier and anomaly detector and
// serves predictions over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cvalentine99/honeyclass/internal/api"
	"github.com/cvalentine99/honeyclass/internal/config"
	"github.com/cvalentine99/honeyclass/internal/events"
	"github.com/cvalentine99/honeyclass/internal/logging"
	"github.com/cvalentine99/honeyclass/internal/metrics"
	"github.com/cvalentine99/honeyclass/internal/ml"
	"github.com/cvalentine99/honeyclass/internal/privacy"
	"github.com/cvalentine99/honeyclass/internal/profiling"
	"github.com/cvalentine99/honeyclass/internal/store"
)

const usage = `usage: honeyclass <command> [flags]

commands:
  train   train and persist a model set
  serve   load a model set and serve predictions
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "train":
		err = runTrain(ctx, os.Args[2:])
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		logging.Error("honeyclass failed", logging.Err(err))
		os.Exit(1)
	}
}

// setup loads configuration and installs the process logger.
func setup(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logging.Init(&logging.Config{
		Level:  level,
		Output: os.Stderr,
		Format: cfg.Log.Format,
	})
	return cfg, nil
}

type trainFlags struct {
	configPath  string
	dataPath    string
	postgres    bool
	synthetic   int
	seed        uint64
	version     string
	tune        bool
	since       string
	limit       int
	table       string
	profileDir  string
	metricsFile string
}

func parseTrainFlags(args []string, out io.Writer) (*trainFlags, error) {
	f := &trainFlags{}
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&f.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&f.dataPath, "data", "", "CSV or JSON file of labeled attack records")
	fs.BoolVar(&f.postgres, "postgres", false, "read training records from postgres_dsn")
	fs.IntVar(&f.synthetic, "synthetic", 0, "generate this many synthetic records")
	fs.Uint64Var(&f.seed, "seed", 42, "seed for synthetic data")
	fs.StringVar(&f.version, "version", "", "version tag for saved artifacts")
	fs.BoolVar(&f.tune, "tune", false, "grid-search classifier hyperparameters")
	fs.StringVar(&f.since, "since", "", "postgres: only records at or after this RFC 3339 time")
	fs.IntVar(&f.limit, "limit", 0, "postgres: maximum number of records")
	fs.StringVar(&f.table, "table", "", "postgres: attack table name")
	fs.StringVar(&f.profileDir, "profile-dir", "", "write CPU and heap profiles of the run here")
	fs.StringVar(&f.metricsFile, "metrics-file", "", "write run metrics here for the node_exporter textfile collector")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	sources := 0
	for _, set := range []bool{f.dataPath != "", f.postgres, f.synthetic > 0} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return nil, errors.New("exactly one of -data, -postgres or -synthetic is required")
	}
	return f, nil
}

// dataSource resolves the training input. The returned closer is never nil.
func dataSource(ctx context.Context, f *trainFlags, cfg *config.Config) (ml.DataSource, func() error, error) {
	noop := func() error { return nil }
	switch {
	case f.dataPath != "":
		return ml.FileSource{Path: f.dataPath}, noop, nil
	case f.synthetic > 0:
		return ml.Records(ml.GenerateSyntheticData(f.synthetic, f.seed)), noop, nil
	}

	if cfg.PostgresDSN == "" {
		return nil, nil, errors.New("-postgres requires postgres_dsn")
	}
	sc := store.DefaultConfig()
	sc.Limit = f.limit
	if f.table != "" {
		sc.Table = f.table
	}
	if f.since != "" {
		since, err := time.Parse(time.RFC3339, f.since)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid -since: %w", err)
		}
		sc.Since = since
	}
	pg, err := store.NewPostgresStore(ctx, cfg.PostgresDSN, sc)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

func trainerConfig(cfg *config.Config) *ml.TrainerConfig {
	tc := ml.DefaultTrainerConfig()
	tc.ModelDir = cfg.ModelDir
	tc.TestSize = cfg.Training.TestSize
	tc.RandomState = cfg.Training.RandomState
	tc.Contamination = cfg.Training.Contamination
	return tc
}

func runTrain(ctx context.Context, args []string) error {
	f, err := parseTrainFlags(args, os.Stderr)
	if err != nil {
		return err
	}
	cfg, err := setup(f.configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	bus := events.NewEventBus(&events.EventBusConfig{EnableBatching: false})
	sinks := attachSinks(ctx, cfg, bus)
	defer closeSinks(sinks)

	src, closeSrc, err := dataSource(ctx, f, cfg)
	if err != nil {
		bus.EmitError(err, "data_source")
		return err
	}
	defer closeSrc()

	trainer, err := ml.NewTrainer(trainerConfig(cfg))
	if err != nil {
		bus.EmitError(err, "trainer")
		return err
	}
	trainer.OnRun(bus.EmitTrainingRun)

	if f.metricsFile != "" {
		m := metrics.New()
		m.InstrumentTrainer(trainer)
		defer func() {
			if err := m.WriteTextfile(f.metricsFile); err != nil {
				logging.Warn("failed to write metrics file", "path", f.metricsFile, logging.Err(err))
			}
		}()
	}

	if f.profileDir != "" {
		prof, err := profiling.New(profiling.Config{OutputDir: f.profileDir, Name: "train"})
		if err != nil {
			return err
		}
		if err := prof.Start(); err != nil {
			return err
		}
		defer func() {
			if err := prof.Stop(); err != nil {
				logging.Warn("failed to finish profiles", logging.Err(err))
			}
		}()
	}

	res, err := trainer.RunFullPipeline(ctx, src, ml.PipelineOptions{Tune: f.tune, Version: f.version})
	if err != nil {
		return err
	}

	logger := logging.TrainerLogger()
	logger.Info("model set saved",
		"version", res.Artifacts.Version,
		"samples", res.NumSamples,
		logging.Duration("duration", res.Duration),
	)
	if res.Metrics != nil && res.Metrics.Classifier != nil {
		fmt.Fprintln(os.Stdout, res.Metrics.Classifier.ClassificationReport)
	}
	return nil
}

// attachSinks connects the configured external sinks. A sink that cannot
// connect is logged, reported on the bus and skipped.
func attachSinks(ctx context.Context, cfg *config.Config, bus *events.EventBus) []*events.AttachedSink {
	logger := logging.EventsLogger()
	var out []*events.AttachedSink

	if cfg.NATS.URL != "" {
		sink, err := events.NewNATSSink(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			logger.Warn("nats sink disabled", "url", cfg.NATS.URL, logging.Err(err))
			bus.EmitError(err, "nats_sink")
		} else {
			out = append(out, bus.AttachSink(sink, 2*time.Second))
		}
	}
	if cfg.Redis.Addr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		sink, err := events.NewRedisSink(pingCtx, cfg.Redis.Addr, cfg.Redis.Channel)
		cancel()
		if err != nil {
			logger.Warn("redis sink disabled", "addr", cfg.Redis.Addr, logging.Err(err))
			bus.EmitError(err, "redis_sink")
		} else {
			out = append(out, bus.AttachSink(sink, 2*time.Second))
		}
	}
	return out
}

func closeSinks(sinks []*events.AttachedSink) {
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			logging.EventsLogger().Warn("sink close failed", logging.Err(err))
		}
	}
}

type serveFlags struct {
	configPath string
	version    string
	addr       string
	batching   bool
	pprofAddr  string
	profileDir string
}

func parseServeFlags(args []string, out io.Writer) (*serveFlags, error) {
	f := &serveFlags{}
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&f.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&f.version, "version", "", "model version to load (default: model_version)")
	fs.StringVar(&f.addr, "addr", "", "listen address (default: http_addr)")
	fs.BoolVar(&f.batching, "batch", true, "micro-batch single predictions")
	fs.StringVar(&f.pprofAddr, "pprof", "", "serve /debug/pprof/ on this address")
	fs.StringVar(&f.profileDir, "profile-dir", "", "write heap and goroutine profiles here on SIGUSR1")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

func runServe(ctx context.Context, args []string) error {
	f, err := parseServeFlags(args, os.Stderr)
	if err != nil {
		return err
	}
	cfg, err := setup(f.configPath)
	if err != nil {
		return err
	}
	if f.version != "" {
		cfg.ModelVersion = f.version
	}
	if f.addr != "" {
		cfg.HTTPAddr = f.addr
	}
	logging.LogRuntimeInfo()

	if f.pprofAddr != "" {
		prof, err := profiling.New(profiling.Config{HTTPAddr: f.pprofAddr})
		if err != nil {
			return err
		}
		if err := prof.Start(); err != nil {
			return err
		}
		defer prof.Stop()
	}
	if f.profileDir != "" {
		prof, err := profiling.New(profiling.Config{OutputDir: f.profileDir, Name: "serve"})
		if err != nil {
			return err
		}
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGUSR1)
		defer signal.Stop(sig)
		go snapshotOnSignal(ctx, sig, prof)
	}

	predictor, err := ml.NewPredictor(&ml.PredictorConfig{
		ModelDir:            cfg.ModelDir,
		ConfidenceThreshold: cfg.Predictor.ConfidenceThreshold,
		CacheTTL:            cfg.Predictor.CacheTTL,
		CacheSize:           cfg.Predictor.CacheSize,
	})
	if err != nil {
		return err
	}

	m := metrics.New()
	m.InstrumentPredictor(predictor)

	redactor, err := privacy.NewRedactor(&privacy.Config{Mode: privacy.ModeHash, HashKey: cfg.Privacy.HashKey})
	if err != nil {
		return err
	}
	ipProfiler, err := ml.NewIPProfiler(10000)
	if err != nil {
		return err
	}
	busConfig := events.DefaultEventBusConfig()
	busConfig.Redactor = redactor
	busConfig.Profiler = ipProfiler
	bus := events.NewEventBus(busConfig)
	bus.Attach(predictor)
	m.InstrumentBus(bus)
	sinks := attachSinks(ctx, cfg, bus)
	defer closeSinks(sinks)
	defer bus.Flush()

	hub := api.NewHub(250*time.Millisecond, 100)
	hub.Attach(bus)
	go hub.Run(ctx)

	// Serving starts even without models; /models/reload can load them later.
	if !predictor.LoadModels(ctx, cfg.ModelVersion) {
		logging.PredictorLogger().Warn("serving without models",
			"requested", cfg.ModelVersion,
			"state", predictor.State().String(),
		)
	}

	deps := api.Deps{Predictor: predictor, Profiler: ipProfiler, Hub: hub, Metrics: m}
	if f.batching {
		deps.Batch = ml.NewBatchPipeline(predictor, nil)
		defer deps.Batch.Stop()
	}

	gin.SetMode(gin.ReleaseMode)
	sc := api.DefaultConfig()
	sc.Addr = cfg.HTTPAddr
	server, err := api.NewServer(sc, deps)
	if err != nil {
		return err
	}
	if err := server.Run(ctx); err != nil {
		bus.EmitError(err, "http_server")
		return err
	}
	return nil
}

// snapshotOnSignal writes a heap and goroutine snapshot for every value
// received on sig until ctx is done.
func snapshotOnSignal(ctx context.Context, sig <-chan os.Signal, prof *profiling.Profiler) {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			n++
			if err := prof.Snapshot(fmt.Sprintf("signal%d", n)); err != nil {
				logging.Warn("failed to write profile snapshot", logging.Err(err))
			} else {
				logging.Info("profile snapshot written", "dir", prof.Dir())
			}
		}
	}
}
