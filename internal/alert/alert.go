// Package alert surfaces campaign-wide halts to the operator.
package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
)

type Config struct {
	SentryDSN   string `mapstructure:"sentry_dsn"`
	Environment string `mapstructure:"environment"`
}

type Alerter interface {
	Critical(ctx context.Context, reason string, tags map[string]string)
}

// New returns a Sentry alerter, or a log-only one when no DSN is configured.
func New(cfg Config, log zerolog.Logger) (Alerter, error) {
	if cfg.SentryDSN == "" {
		return NewLog(log), nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	return NewSentry(sentry.NewHub(client, sentry.NewScope()), log), nil
}

type LogAlerter struct {
	log zerolog.Logger
}

func NewLog(log zerolog.Logger) *LogAlerter {
	return &LogAlerter{log: log}
}

func (a *LogAlerter) Critical(_ context.Context, reason string, tags map[string]string) {
	ev := a.log.Error()
	for k, v := range tags {
		ev = ev.Str(k, v)
	}
	ev.Msg("CAMPAIGN HALTED: " + reason)
}

type SentryAlerter struct {
	hub          *sentry.Hub
	log          zerolog.Logger
	flushTimeout time.Duration
}

func NewSentry(hub *sentry.Hub, log zerolog.Logger) *SentryAlerter {
	return &SentryAlerter{hub: hub, log: log, flushTimeout: 5 * time.Second}
}

// Critical logs the halt and reports it to Sentry, waiting for delivery since
// the process usually exits right after.
func (a *SentryAlerter) Critical(ctx context.Context, reason string, tags map[string]string) {
	NewLog(a.log).Critical(ctx, reason, tags)

	a.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		scope.SetTag("component", "governor")
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		a.hub.CaptureMessage("campaign halted: " + reason)
	})
	if !a.hub.Flush(a.flushTimeout) {
		a.log.Warn().Msg("sentry flush timed out")
	}
}
