// Package queue assembles the day's batch of (contact, step) work items.
package queue

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/outreach/internal/models"
	"github.com/shohag/outreach/internal/policy"
)

type Item struct {
	Contact models.Contact
	Step    models.SequenceStep
	Tier    string
}

type Store interface {
	CountSendsBetween(ctx context.Context, from, to time.Time) (int, error)
	ListEligibleContacts(ctx context.Context, tier string, limit int) ([]models.Contact, error)
}

type Sequencer interface {
	NextStep(ctx context.Context, c *models.Contact) (*models.SequenceStep, error)
}

const DefaultOverFetchFactor = 3

type Config struct {
	Schedule        policy.Schedule
	Start           time.Time
	Location        *time.Location
	Distribution    map[string]float64
	OverFetchFactor int
	Now             func() time.Time
	Rand            *rand.Rand
}

type Builder struct {
	store Store
	seq   Sequencer
	cfg   Config
	log   zerolog.Logger
}

func New(store Store, seq Sequencer, cfg Config, log zerolog.Logger) *Builder {
	if cfg.OverFetchFactor <= 0 {
		cfg.OverFetchFactor = DefaultOverFetchFactor
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Builder{store: store, seq: seq, cfg: cfg, log: log}
}

// Remaining is today's limit minus what has already gone out, never negative.
func (b *Builder) Remaining(ctx context.Context) (int, error) {
	now := b.cfg.Now()
	limit := b.cfg.Schedule.DailyLimit(policy.CampaignDay(b.cfg.Start, now, b.cfg.Location))
	from, to := policy.DayBounds(now, b.cfg.Location)
	sent, err := b.store.CountSendsBetween(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("count today's sends: %w", err)
	}
	if remaining := limit - sent; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// TierQuota floors the tier's share of remaining but never below 1, so the
// quotas may add up to more than remaining. Build truncates afterwards.
func TierQuota(remaining int, fraction float64) int {
	q := int(math.Floor(float64(remaining) * fraction))
	if q < 1 {
		return 1
	}
	return q
}

// Build returns today's shuffled queue, at most Remaining items long.
func (b *Builder) Build(ctx context.Context) ([]Item, error) {
	remaining, err := b.Remaining(ctx)
	if err != nil {
		return nil, err
	}
	if remaining == 0 {
		b.log.Info().Msg("daily quota exhausted, nothing to queue")
		return nil, nil
	}

	tiers := make([]string, 0, len(b.cfg.Distribution))
	for tier, fraction := range b.cfg.Distribution {
		if fraction > 0 {
			tiers = append(tiers, tier)
		}
	}
	sort.Strings(tiers)

	var items []Item
	for _, tier := range tiers {
		quota := TierQuota(remaining, b.cfg.Distribution[tier])
		tierItems, err := b.fillTier(ctx, tier, quota)
		if err != nil {
			return nil, err
		}
		b.log.Debug().Str("tier", tier).Int("quota", quota).Int("queued", len(tierItems)).Msg("tier queue built")
		items = append(items, tierItems...)
	}

	b.cfg.Rand.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
	if len(items) > remaining {
		items = items[:remaining]
	}

	b.log.Info().Int("remaining", remaining).Int("queued", len(items)).Msg("queue built")
	return items, nil
}

func (b *Builder) fillTier(ctx context.Context, tier string, quota int) ([]Item, error) {
	candidates, err := b.store.ListEligibleContacts(ctx, tier, quota*b.cfg.OverFetchFactor)
	if err != nil {
		return nil, fmt.Errorf("list eligible %s contacts: %w", tier, err)
	}

	items := make([]Item, 0, quota)
	for i := range candidates {
		if len(items) >= quota {
			break
		}
		c := candidates[i]
		step, err := b.seq.NextStep(ctx, &c)
		if err != nil {
			return nil, err
		}
		if step == nil {
			continue
		}
		items = append(items, Item{Contact: c, Step: *step, Tier: tier})
	}
	return items, nil
}
