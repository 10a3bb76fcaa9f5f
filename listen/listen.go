package listen

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pgbus/pgbus/admin"
	"github.com/pgbus/pgbus/cfg"
	"github.com/pgbus/pgbus/channel"
	"github.com/pgbus/pgbus/db"
	"github.com/pgbus/pgbus/dispatch"
	"github.com/pgbus/pgbus/telemetry"
	"github.com/pgbus/pgbus/worker"
)

// Options customize the runtime beyond configuration
type Options struct {
	// Decoder decodes trigger payload rows; defaults to the fixtures decoder
	Decoder channel.RowDecoder
	// Filter overrides the configured filter hook when non-nil
	Filter dispatch.Filter
}

// Run is the listen command: it subscribes a pool of workers to the
// registered channels and delivers notifications until terminated.
// Returns the process exit code: 0 on clean shutdown, non-zero on an
// unrecoverable startup error. A supervisor with restart enabled does
// not propagate individual worker failures into the exit code.
func Run(registry *channel.Registry, opts Options) int {
	if !flag.Parsed() {
		flag.Parse()
	}

	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return 1
	}
	setupLogging()
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return 1
	}

	registry.Seal()
	if registry.Len() == 0 {
		log.Error().Msg("No channels registered")
		return 1
	}

	// Resolve the subscription set up front so a bad channel name fails
	// before any worker runs
	channels := cfg.Config.Listener.Channels
	if len(channels) == 0 {
		channels = registry.Channels()
	}
	var durableWires []string
	anyDurable := false
	for _, name := range channels {
		desc, err := registry.Resolve(name)
		if err != nil {
			log.Error().Err(err).Str("channel", name).Msg("Unknown channel")
			return 1
		}
		if desc.Durable {
			anyDurable = true
			durableWires = append(durableWires, channel.ListenSafeName(desc.Name))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Database unavailable")
		return 1
	}
	defer pool.Close()

	if anyDurable {
		if err := db.EnsureSchema(ctx, pool); err != nil {
			log.Error().Err(err).Msg("Failed to ensure notification schema")
			return 1
		}
	}

	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	store := db.NewStore(pool)

	dispatcher, err := buildDispatcher(registry, opts)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build dispatcher")
		return 1
	}

	if cfg.Config.Metrics.Enabled && anyDurable {
		collector := telemetry.NewMetricsCollector(&telemetry.StoreStatsProvider{
			Stats: func(ctx context.Context, chs []string) (int64, *time.Time, error) {
				stats, err := store.QueueStats(ctx, chs)
				return stats.Length, stats.OldestCreatedAt, err
			},
			Channels: durableWires,
		}, time.Duration(cfg.Config.Metrics.IntervalSeconds)*time.Second)
		collector.Start()
		defer collector.Stop()
	}

	// The admin surface belongs to the supervising process; workers
	// spawned with --worker would otherwise fight over the port
	if cfg.Config.Admin.Enabled && !*cfg.WorkerFlag {
		adminServer, err := admin.NewServer(admin.Config{
			BindAddress: cfg.Config.Admin.BindAddress,
			Port:        cfg.Config.Admin.Port,
			Registry:    registry,
			QueueStats:  store.QueueStats,
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to create admin server")
			return 1
		}
		if err := adminServer.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start admin server")
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = adminServer.Stop(shutdownCtx)
			cancel()
		}()
	}

	pollTimeout := time.Duration(cfg.Config.Listener.PollTimeoutMS) * time.Millisecond
	dsn := cfg.Config.Database.DSN

	newSession := func(ctx context.Context) (worker.Session, error) {
		return db.NewSession(ctx, dsn)
	}

	if *cfg.WorkerFlag {
		return runSingleWorker(ctx, registry, dispatcher, store, newSession, channels, pollTimeout)
	}

	if cfg.Config.Listener.StartMethod == cfg.StartProcess {
		return runProcessPool(ctx)
	}

	supervisor, err := worker.NewSupervisor(worker.SupervisorConfig{
		Workers:          cfg.Config.Listener.Processes,
		Channels:         channels,
		Registry:         registry,
		Dispatcher:       dispatcher,
		Store:            worker.StoreAdapter{Store: store},
		NewSession:       newSession,
		Recover:          cfg.Config.Listener.Recover,
		RestartOnFailure: cfg.Config.Listener.RestartOnFailure,
		PollTimeout:      pollTimeout,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to create supervisor")
		return 1
	}

	if err := supervisor.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Worker pool failed")
		return 1
	}

	log.Info().Msg("Shutdown complete")
	return 0
}

func runSingleWorker(
	ctx context.Context,
	registry *channel.Registry,
	dispatcher *dispatch.Dispatcher,
	store *db.Store,
	newSession worker.SessionFactory,
	channels []string,
	pollTimeout time.Duration,
) int {
	session, err := newSession(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open session")
		return 1
	}

	w, err := worker.NewWorker(worker.Config{
		Registry:    registry,
		Dispatcher:  dispatcher,
		Session:     session,
		Store:       worker.StoreAdapter{Store: store},
		Channels:    channels,
		Recover:     cfg.Config.Listener.Recover,
		PollTimeout: pollTimeout,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to create worker")
		return 1
	}

	if err := w.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Worker failed")
		return 1
	}

	log.Info().Msg("Shutdown complete")
	return 0
}

// runProcessPool re-execs this binary once per worker, forwarding the
// shared listener flags
func runProcessPool(ctx context.Context) int {
	args := []string{
		"--config", *cfg.ConfigPathFlag,
		"--loglevel", cfg.Config.Logging.Level,
		"--logformat", cfg.Config.Logging.Format,
	}
	if len(cfg.Config.Listener.Channels) > 0 {
		args = append(args, "--channels", strings.Join(cfg.Config.Listener.Channels, ","))
	}
	if cfg.Config.Listener.Recover {
		args = append(args, "--recover")
	}

	supervisor, err := worker.NewProcessSupervisor(worker.ProcessSupervisorConfig{
		Workers:          cfg.Config.Listener.Processes,
		Args:             args,
		RestartOnFailure: cfg.Config.Listener.RestartOnFailure,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to create process supervisor")
		return 1
	}
	if err := supervisor.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Worker processes failed")
		return 1
	}

	log.Info().Msg("Shutdown complete")
	return 0
}

func buildDispatcher(registry *channel.Registry, opts Options) (*dispatch.Dispatcher, error) {
	filter := opts.Filter
	if filter == nil {
		var err error
		filter, err = dispatch.NewFilter(cfg.Config.Listener.Filter, dispatch.FilterConfig{
			Key:     cfg.Config.Listener.FilterKey,
			Pattern: cfg.Config.Listener.FilterPattern,
		})
		if err != nil {
			return nil, err
		}
	}

	return dispatch.NewDispatcher(dispatch.Config{
		Registry:    registry,
		Filter:      filter,
		Decoder:     opts.Decoder,
		Gate:        dispatch.MinVersionGate{Min: cfg.Config.Listener.MinDBVersion},
		PassContext: cfg.Config.Listener.PassContext,
		PassExtras:  cfg.Config.Listener.PassExtras,
	})
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Config.Database.DSN)
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConns = int32(cfg.Config.Database.PoolSize)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func setupLogging() {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("node_id", cfg.Config.NodeID).
		Logger()

	level, err := zerolog.ParseLevel(cfg.Config.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log.Logger = gLog.Level(level)
}
