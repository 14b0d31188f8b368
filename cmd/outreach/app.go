package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/outreach/internal/alert"
	"github.com/shohag/outreach/internal/campaign"
	"github.com/shohag/outreach/internal/catalog"
	"github.com/shohag/outreach/internal/config"
	"github.com/shohag/outreach/internal/lock"
	"github.com/shohag/outreach/internal/personalize"
	"github.com/shohag/outreach/internal/policy"
	"github.com/shohag/outreach/internal/storage"
	"github.com/shohag/outreach/internal/transport"
)

// base is what every command needs: config, logger and a migrated store.
type base struct {
	cfg   *config.Config
	log   zerolog.Logger
	loc   *time.Location
	store storage.Storage
}

func newBase(configPath string) (*base, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := setupLogger(cfg.Logging)

	loc, err := cfg.Campaign.Location()
	if err != nil {
		return nil, err
	}

	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &base{cfg: cfg, log: log, loc: loc, store: store}, nil
}

func (b *base) Close() {
	b.store.Close()
}

// app adds the sending side: catalog, transport, alerting and the run lock.
type app struct {
	*base
	runner *campaign.Runner
	locker lock.Locker
}

func newApp(configPath string) (*app, error) {
	b, err := newBase(configPath)
	if err != nil {
		return nil, err
	}
	a, err := wireRunner(b)
	if err != nil {
		b.Close()
		return nil, err
	}
	return a, nil
}

func wireRunner(b *base) (*app, error) {
	cfg := b.cfg

	cat, err := catalog.Load(cfg.Campaign.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	if missing := cat.MissingTemplates(); len(missing) > 0 {
		b.log.Warn().Strs("templates", missing).Msg("catalog steps reference undefined templates, they will be skipped")
	}
	templates, err := cat.Registry()
	if err != nil {
		return nil, fmt.Errorf("failed to compile templates: %w", err)
	}

	tr, err := setupTransport(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to setup %s transport: %w", cfg.Campaign.Transport, err)
	}

	alerter, err := alert.New(cfg.Alerting, b.log)
	if err != nil {
		return nil, fmt.Errorf("failed to setup alerting: %w", err)
	}

	sendDays, err := cfg.Warmup.SendDays()
	if err != nil {
		return nil, err
	}

	runner := campaign.NewRunner(b.store, cat, templates, personalize.New(cfg.Sender), tr, alerter, campaign.Config{
		Schedule:                  cfg.Warmup.Schedule,
		SendDays:                  sendDays,
		Thresholds:                cfg.Safety.Thresholds,
		RestoreConsecutiveBounces: cfg.Safety.RestoreConsecutiveBounces,
		Distribution:              cfg.Queue.Distribution,
		OverFetchFactor:           cfg.Queue.OverFetchFactor,
		MinDelay:                  cfg.Delivery.MinDelay,
		MaxDelay:                  cfg.Delivery.MaxDelay,
		Location:                  b.loc,
		StartDate:                 cfg.Campaign.StartDate,
		Sender:                    cfg.Sender,
		Compliance:                cfg.Compliance,
	}, b.log.With().Str("transport", tr.Name()).Str("catalog", cat.Version).Logger())

	b.log.Info().
		Str("transport", tr.Name()).
		Str("catalog", cat.Version).
		Strs("tiers", cat.TierNames()).
		Msg("campaign runner ready")

	return &app{base: b, runner: runner, locker: lock.New(cfg.Lock)}, nil
}

func (a *app) Close() {
	a.locker.Close()
	a.base.Close()
}

// runLocked holds the lock for today's date while the run lasts.
func (a *app) runLocked(ctx context.Context, dryRun bool) (*campaign.RunResult, error) {
	var res *campaign.RunResult
	key := "run:" + policy.DateKey(time.Now(), a.loc)
	err := a.locker.WithLock(ctx, key, func(ctx context.Context) error {
		var err error
		res, err = a.runner.RunDay(ctx, dryRun)
		return err
	})
	return res, err
}

func setupTransport(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
	var (
		tr  transport.Transport
		err error
	)
	switch cfg.Campaign.Transport {
	case "smtp":
		tr, err = transport.NewSMTP(cfg.SMTP)
	case "gmail":
		tr, err = transport.NewGmail(ctx, cfg.Gmail)
	case "ses":
		tr, err = transport.NewSES(ctx, cfg.SES)
	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Campaign.Transport)
	}
	if err != nil {
		return nil, err
	}
	return tr, nil
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
			return nil, err
		}
		log.Debug().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}
