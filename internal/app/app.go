package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"sweetwatch/internal/alerting"
	"sweetwatch/internal/config"
	"sweetwatch/internal/metrics"
	"sweetwatch/internal/scheduler"
	"sweetwatch/internal/service"
	"sweetwatch/internal/source"
	"sweetwatch/internal/storage"
)

var errNoDatabase = errors.New("database.dsn not configured")

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		Out:    os.Stdout,
	}
}

func (a *App) newSourceFactory() service.SourceFactory {
	return func() (source.Source, error) {
		return source.New(a.Config.Source, a.Logger)
	}
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}

	var next alerting.Notifier
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		next = alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	} else {
		next = alerting.NewLogNotifier(a.Logger)
	}
	return alerting.NewThrottled(next, a.Config.Alerting.Cooldown)
}

func (a *App) newScheduler() *scheduler.Scheduler {
	cfg := a.Config.Scheduler
	return scheduler.New(scheduler.Options{
		Policy:        cfg.Policy,
		StartupDelay:  cfg.StartupDelay,
		QuietInterval: cfg.QuietInterval,
		AlertInterval: cfg.AlertInterval,
		FixedInterval: cfg.FixedInterval,
	}, a.Logger)
}

// openDatabase connects to PostgreSQL and applies migrations when enabled.
func (a *App) openDatabase(ctx context.Context) (*storage.Store, error) {
	if a.Config.Database.DSN == "" {
		return nil, errNoDatabase
	}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, err
	}

	if a.Config.Database.AutoMigrate {
		if _, err := store.Migrate(ctx, a.Logger); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}

// openStore returns the PostgreSQL store, or an in-memory store when no DSN is configured.
func (a *App) openStore(ctx context.Context) (storage.ReadingStore, func(), error) {
	store, err := a.openDatabase(ctx)
	if errors.Is(err, errNoDatabase) {
		a.Logger.Warn().Msg("database.dsn not configured; readings kept in memory only")
		return storage.NewMemoryStore(), func() {}, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func (a *App) newService(store storage.ReadingStore, sched *scheduler.Scheduler) *service.Service {
	return service.New(a.newSourceFactory(), store, a.newNotifier(), service.Options{
		FetchCount:      a.Config.Scheduler.FetchCount,
		AdvisoryLockKey: a.Config.Scheduler.AdvisoryLockKey,
		Scheduler:       sched,
	}, a.Logger)
}

// Run executes the long-running sync service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := source.Validate(a.Config.Source); err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if addr := a.Config.Metrics.ListenAddr; addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr, a.Config.Metrics.Path, a.Logger); err != nil {
				a.Logger.Error().Err(err).Msg("metrics listener stopped")
			}
		}()
	}

	sched := a.newScheduler()
	svc := a.newService(store, sched)

	opts := sched.Options()
	a.Logger.Info().
		Str("provider", a.Config.Source.Provider).
		Str("policy", opts.Policy).
		Dur("quiet_interval", opts.QuietInterval).
		Dur("alert_interval", opts.AlertInterval).
		Dur("fixed_interval", opts.FixedInterval).
		Msg("starting sync service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("sync service stopped")
	return nil
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return errNoDatabase
	}
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	applied, err := store.Migrate(ctx, a.Logger)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(a.Out, "schema up to date")
		return nil
	}
	for _, version := range applied {
		fmt.Fprintf(a.Out, "applied %s\n", version)
	}
	return nil
}

// SyncOptions configure a manual sync.
type SyncOptions struct {
	Count int
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	Window time.Duration
	Limit  int
}

// ExportOptions hold parameters for exporting stored readings.
type ExportOptions struct {
	Window    time.Duration
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ProbeOptions configure a live fetch.
type ProbeOptions struct {
	Count int
}
