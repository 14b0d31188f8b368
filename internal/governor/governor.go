// Package governor is the campaign's kill switch. It decides, before every
// single dispatch, whether another email may go out.
package governor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/outreach/internal/policy"
	"github.com/shohag/outreach/internal/storage"
)

type Thresholds struct {
	MaxConsecutiveBounces int     `mapstructure:"max_consecutive_bounces"`
	SampleWindow          int     `mapstructure:"sample_window"`
	MinSample             int     `mapstructure:"min_sample"`
	MaxBounceRate         float64 `mapstructure:"max_bounce_rate"`
	MaxSpamRate           float64 `mapstructure:"max_spam_rate"`
}

var DefaultThresholds = Thresholds{
	MaxConsecutiveBounces: 5,
	SampleWindow:          100,
	MinSample:             20,
	MaxBounceRate:         0.05,
	MaxSpamRate:           0.001,
}

// Store is the slice of storage the governor reads.
type Store interface {
	CountSendsBetween(ctx context.Context, from, to time.Time) (int, error)
	RecentOutcomes(ctx context.Context, window int) (*storage.OutcomeSample, error)
	TrailingBounces(ctx context.Context, since time.Time) (int, error)
}

const ReasonOK = "OK"

// Decision is the result of CanSend. Critical denials mean the campaign must
// stop entirely, not just for today. QuotaReached marks the expected end of
// a day: the warmup limit is used up.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason"`
	Critical     bool   `json:"critical"`
	QuotaReached bool   `json:"quota_reached,omitempty"`
}

type Governor struct {
	store       Store
	schedule    policy.Schedule
	thresholds  Thresholds
	start       time.Time
	loc         *time.Location
	now         func() time.Time
	consecutive int
	log         zerolog.Logger
}

func New(store Store, schedule policy.Schedule, thresholds Thresholds, start time.Time, loc *time.Location, now func() time.Time, log zerolog.Logger) *Governor {
	if thresholds.SampleWindow <= 0 {
		thresholds.SampleWindow = DefaultThresholds.SampleWindow
	}
	return &Governor{
		store:      store,
		schedule:   schedule,
		thresholds: thresholds,
		start:      start,
		loc:        loc,
		now:        now,
		log:        log,
	}
}

// CanSend evaluates the checks in order; the first failing one wins.
func (g *Governor) CanSend(ctx context.Context) (Decision, error) {
	now := g.now()
	limit := g.schedule.DailyLimit(policy.CampaignDay(g.start, now, g.loc))
	from, to := policy.DayBounds(now, g.loc)
	sentToday, err := g.store.CountSendsBetween(ctx, from, to)
	if err != nil {
		return Decision{}, fmt.Errorf("count today's sends: %w", err)
	}
	if sentToday >= limit {
		return Decision{
			Reason:       fmt.Sprintf("daily limit reached (%d/%d)", sentToday, limit),
			QuotaReached: true,
		}, nil
	}

	if g.consecutive >= g.thresholds.MaxConsecutiveBounces {
		return deny(fmt.Sprintf("%d consecutive bounces", g.consecutive)), nil
	}

	sample, err := g.store.RecentOutcomes(ctx, g.thresholds.SampleWindow)
	if err != nil {
		return Decision{}, fmt.Errorf("sample recent outcomes: %w", err)
	}
	if size := sample.Size(); size >= g.thresholds.MinSample && size > 0 {
		bounceRate := float64(sample.Bounces) / float64(size)
		if bounceRate > g.thresholds.MaxBounceRate {
			return deny(fmt.Sprintf("bounce rate %.1f%% exceeds %.1f%% over last %d sends",
				bounceRate*100, g.thresholds.MaxBounceRate*100, size)), nil
		}
		spamRate := float64(sample.SpamComplaints) / float64(size)
		if spamRate > g.thresholds.MaxSpamRate {
			return Decision{
				Reason: fmt.Sprintf("CRITICAL: spam complaint rate %.2f%% exceeds %.2f%% over last %d sends",
					spamRate*100, g.thresholds.MaxSpamRate*100, size),
				Critical: true,
			}, nil
		}
	}

	return Decision{Allowed: true, Reason: ReasonOK}, nil
}

func deny(reason string) Decision {
	return Decision{Reason: reason}
}

func (g *Governor) RecordSuccess() {
	g.consecutive = 0
}

func (g *Governor) RecordBounce() {
	g.consecutive++
}

func (g *Governor) ConsecutiveBounces() int {
	return g.consecutive
}

// Restore rebuilds the consecutive-bounce counter from today's bounces
// recorded after the most recent successful send, so a run restarted the
// same day keeps counting. Earlier days never carry over.
func (g *Governor) Restore(ctx context.Context) error {
	dayStart, _ := policy.DayBounds(g.now(), g.loc)
	n, err := g.store.TrailingBounces(ctx, dayStart)
	if err != nil {
		return fmt.Errorf("restore consecutive bounces: %w", err)
	}
	g.consecutive = n
	if n > 0 {
		g.log.Info().Int("consecutive_bounces", n).Msg("restored consecutive bounce counter")
	}
	return nil
}
