// Package bootstrap wires all dependencies and starts the application.
// Configuration comes from an optional YAML file with TOKENLEDGER_*
// environment overrides.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/artpar/tokenledger/adapters/clock"
	apihttp "github.com/artpar/tokenledger/adapters/http"
	"github.com/artpar/tokenledger/adapters/idgen"
	"github.com/artpar/tokenledger/adapters/metrics"
	"github.com/artpar/tokenledger/adapters/mongo"
	"github.com/artpar/tokenledger/adapters/redis"
	"github.com/artpar/tokenledger/adapters/sqlite"
	"github.com/artpar/tokenledger/app"
	"github.com/artpar/tokenledger/config"
	"github.com/artpar/tokenledger/domain/pricing"
	"github.com/artpar/tokenledger/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects where configuration comes from.
type Options struct {
	// ConfigPath is the YAML file. When it does not exist, configuration
	// comes from the environment alone.
	ConfigPath string

	// Watch reloads the file on change and on SIGHUP.
	Watch bool
}

// Stores groups the three storage ports of one backend.
type Stores struct {
	Batches ports.BatchStore
	Rollups ports.RollupStore
	Quotas  ports.QuotaStore
	Tx      ports.Transactor

	health func(context.Context) error
	close  func(context.Context) error
}

// HealthCheck reports whether the backend is reachable.
func (s *Stores) HealthCheck(ctx context.Context) error {
	if s.health == nil {
		return nil
	}
	return s.health(ctx)
}

// Close releases the backend connection. It is safe to call twice.
func (s *Stores) Close(ctx context.Context) error {
	if s.close == nil {
		return nil
	}
	err := s.close(ctx)
	s.close = nil
	return err
}

// App represents the running application.
type App struct {
	Logger  zerolog.Logger
	Config  *config.Config
	Metrics *metrics.Collector

	Pricing    *pricing.Calculator
	Stores     *Stores
	Ledger     *app.QuotaLedger
	Aggregator *app.Aggregator
	Settler    *app.Settler
	Buffer     *EventBuffer
	Scheduler  *Scheduler
	HTTPServer *http.Server

	holder      *config.Holder
	registry    *prometheus.Registry
	logFile     io.Closer
	closeLocker func() error
}

// New loads configuration and wires the application. Nothing is started
// until Run or Start.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.LoadWithFallback(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, logFile, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &App{Logger: logger, Config: cfg, logFile: logFile}
	if err := a.init(ctx, opts); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, opts Options) error {
	cfg := a.Config
	a.Logger.Info().
		Str("driver", cfg.Database.Driver).
		Int("models", len(cfg.Pricing)).
		Msg("initializing tokenledger")

	if opts.Watch && opts.ConfigPath != "" {
		if _, err := os.Stat(opts.ConfigPath); err == nil {
			holder, err := config.NewHolder(opts.ConfigPath, a.Logger)
			if err != nil {
				return fmt.Errorf("config holder: %w", err)
			}
			a.holder = holder
			a.Config = holder.Get()
			cfg = a.Config
		}
	}

	var pipeline ports.PipelineMetrics = ports.NopMetrics{}
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.Metrics = metrics.NewWithRegistry(a.registry)
		pipeline = a.Metrics
		a.Logger.Info().Str("path", cfg.Metrics.Path).Msg("prometheus metrics enabled")
	}

	stores, err := OpenStores(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	a.Stores = stores
	a.Logger.Info().Str("driver", cfg.Database.Driver).Msg("database initialized")

	table, err := cfg.PricingTable()
	if err != nil {
		return err
	}
	defaults, err := cfg.QuotaDefaults()
	if err != nil {
		return err
	}
	a.Pricing = pricing.NewCalculator(table)

	clk := clock.Real{}
	a.Ledger = app.NewQuotaLedger(stores.Quotas, stores.Rollups, idgen.UUID{}, clk,
		a.Logger.With().Str("component", "ledger").Logger())
	a.Aggregator = app.NewAggregator(stores.Rollups, stores.Quotas, a.Ledger, a.Pricing, clk, pipeline,
		a.Logger.With().Str("component", "aggregator").Logger(),
		app.AggregatorConfig{Compression: cfg.Latency.DigestCompression, QuotaDefaults: defaults})
	a.Settler = app.NewSettler(stores.Batches, stores.Tx, a.Aggregator, a.Ledger, clk, pipeline,
		a.Logger.With().Str("component", "settler").Logger(),
		app.SettlerConfig{ClaimTimeout: cfg.Settlement.ClaimTimeout})
	a.Buffer = NewEventBuffer(stores.Batches, idgen.Batch{Clock: clk}, idgen.UUID{}, clk, pipeline,
		a.Logger.With().Str("component", "buffer").Logger(),
		BufferConfig{BatchSize: cfg.Buffer.BatchSize, FlushInterval: cfg.Buffer.FlushInterval})

	var locker ports.Locker
	if cfg.Settlement.Lock == "redis" {
		client, err := redis.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("init settlement lock: %w", err)
		}
		a.closeLocker = client.Close
		locker = redis.NewLocker(client)
		a.Logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis settlement lock enabled")
	}

	a.Scheduler, err = NewScheduler(a.Buffer, a.Settler, locker,
		a.Logger.With().Str("component", "scheduler").Logger(),
		SchedulerConfig{
			FlushSpec:  cfg.Buffer.FlushCron,
			SettleSpec: cfg.Settlement.Cron,
			LockTTL:    cfg.Settlement.LockTTL,
		})
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	a.initHTTPServer()

	if a.holder != nil {
		a.holder.OnChange(a.applyConfig)
	}
	return nil
}

func (a *App) initHTTPServer() {
	cfg := a.Config
	deps := apihttp.Deps{
		Sink:        a.Buffer,
		Flusher:     a.Buffer,
		Settler:     a.Scheduler,
		Ledger:      a.Ledger,
		Health:      a.Stores,
		Metrics:     a.Metrics,
		MetricsPath: cfg.Metrics.Path,
		MaxEvents:   cfg.Server.MaxBatchEvents,
		Logger:      a.Logger,
	}
	if a.registry != nil {
		deps.MetricsHandler = promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
	}

	a.HTTPServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      apihttp.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("http server configured")
}

// applyConfig swaps the hot-reloadable settings: the pricing table, the
// quota defaults for new rows and the log level.
func (a *App) applyConfig(cfg *config.Config) {
	table, err := cfg.PricingTable()
	if err != nil {
		a.Logger.Error().Err(err).Msg("reloaded pricing rejected")
		return
	}
	defaults, err := cfg.QuotaDefaults()
	if err != nil {
		a.Logger.Error().Err(err).Msg("reloaded quota defaults rejected")
		return
	}

	a.Pricing.SetTable(table)
	a.Aggregator.SetQuotaDefaults(defaults)
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if a.Metrics != nil {
		a.Metrics.ConfigReloaded(time.Now())
	}
	a.Logger.Info().Int("models", len(table)).Msg("configuration applied")
}

// OpenStores opens the configured backend and returns its stores.
func OpenStores(ctx context.Context, cfg config.DatabaseConfig) (*Stores, error) {
	switch cfg.Driver {
	case "mongo":
		db, err := mongo.Connect(ctx, cfg.DSN, cfg.Name)
		if err != nil {
			return nil, err
		}
		if err := db.EnsureIndexes(ctx); err != nil {
			db.Close(context.Background())
			return nil, err
		}
		batches, err := mongo.NewBatchStore(db)
		if err != nil {
			db.Close(context.Background())
			return nil, err
		}
		return &Stores{
			Batches: batches,
			Rollups: mongo.NewRollupStore(db),
			Quotas:  mongo.NewQuotaStore(db),
			Tx:      db,
			health:  db.HealthCheck,
			close:   db.Close,
		}, nil

	case "sqlite", "":
		db, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		batches, err := sqlite.NewBatchStore(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return &Stores{
			Batches: batches,
			Rollups: sqlite.NewRollupStore(db),
			Quotas:  sqlite.NewQuotaStore(db),
			Tx:      db,
			health:  db.PingContext,
			close:   func(context.Context) error { return db.Close() },
		}, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

// Start begins serving HTTP and running scheduled jobs. Serve errors are
// sent on the returned channel.
func (a *App) Start() <-chan error {
	if a.holder != nil {
		if err := a.holder.Watch(); err != nil {
			a.Logger.Warn().Err(err).Msg("config hot reload disabled")
		}
	}

	a.Buffer.Start()
	a.Scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// Run starts the application and blocks until SIGINT, SIGTERM or a server
// error, then shuts down.
func (a *App) Run() error {
	errCh := a.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("server error: %w", err)
		a.Logger.Error().Err(err).Msg("http server failed")
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	if err := a.Shutdown(); err != nil {
		return errors.Join(serveErr, err)
	}
	return serveErr
}

// Shutdown stops ingestion, waits for scheduled jobs, drains the buffer and
// closes the stores, in that order.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
			errs = append(errs, err)
		}
	}
	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("scheduler stop error")
			errs = append(errs, err)
		}
	}
	if a.Buffer != nil {
		if err := a.Buffer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	a.Logger.Info().Msg("shutdown complete")
	return errors.Join(errs...)
}

// Close releases the stores, the lock client, the config watcher and the
// log file. It does not drain the buffer; use Shutdown for that.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.holder != nil {
		a.holder.Stop()
		a.holder = nil
	}
	if a.closeLocker != nil {
		if err := a.closeLocker(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
		a.closeLocker = nil
	}
	if a.Stores != nil {
		if err := a.Stores.Close(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
		a.logFile = nil
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger. When cfg.File is set, output goes to
// a rotating file; the returned closer is nil otherwise.
func NewLogger(cfg config.LoggingConfig) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	var closer io.Closer
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out, closer = lj, lj
	}

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: cfg.File != ""}
	}
	return zerolog.New(out).With().Timestamp().Logger(), closer, nil
}
