// Package report aggregates persisted campaign statistics into daily and
// overall summaries.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shohag/outreach/internal/models"
	"github.com/shohag/outreach/internal/policy"
	"github.com/shohag/outreach/internal/storage"
)

type Store interface {
	GetState(ctx context.Context, key string) (string, bool, error)
	GetDailyStat(ctx context.Context, date string) (*models.DailyStat, error)
	ListDailyStats(ctx context.Context, from, to string) ([]models.DailyStat, error)
	TotalStats(ctx context.Context) (*models.DailyStat, error)
	ContactCountsByTier(ctx context.Context) ([]storage.TierCount, error)
	SendCountsByStep(ctx context.Context) ([]storage.StepCount, error)
}

type Report struct {
	GeneratedAt     time.Time           `json:"generated_at"`
	StartDate       string              `json:"start_date,omitempty"`
	CampaignDay     int                 `json:"campaign_day"`
	DailyLimit      int                 `json:"daily_limit"`
	HaltReason      string              `json:"halt_reason,omitempty"`
	Today           models.DailyStat    `json:"today"`
	Daily           []models.DailyStat  `json:"daily"`
	Totals          models.DailyStat    `json:"totals"`
	BounceRate      float64             `json:"bounce_rate"`
	UnsubscribeRate float64             `json:"unsubscribe_rate"`
	SpamRate        float64             `json:"spam_rate"`
	Tiers           []storage.TierCount `json:"tiers"`
	Steps           []storage.StepCount `json:"steps"`
}

type Reporter struct {
	store    Store
	schedule policy.Schedule
	loc      *time.Location
	now      func() time.Time
}

func New(store Store, schedule policy.Schedule, loc *time.Location, now func() time.Time) *Reporter {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Reporter{store: store, schedule: schedule, loc: loc, now: now}
}

// Build summarizes the campaign with the last days daily rows, today included.
func (r *Reporter) Build(ctx context.Context, days int) (*Report, error) {
	if days < 1 {
		days = 1
	}
	now := r.now()
	today := policy.DateKey(now, r.loc)
	rep := &Report{GeneratedAt: now.UTC(), DailyLimit: r.schedule.DailyLimit(1)}

	start, ok, err := r.store.GetState(ctx, models.StateStartDate)
	if err != nil {
		return nil, fmt.Errorf("load start date: %w", err)
	}
	if ok {
		startDate, err := policy.ParseDate(start, r.loc)
		if err != nil {
			return nil, fmt.Errorf("parse start date %q: %w", start, err)
		}
		rep.StartDate = start
		rep.CampaignDay = policy.CampaignDay(startDate, now, r.loc)
		rep.DailyLimit = r.schedule.DailyLimit(rep.CampaignDay)
	}

	if rep.HaltReason, _, err = r.store.GetState(ctx, models.StateHaltReason); err != nil {
		return nil, fmt.Errorf("load halt reason: %w", err)
	}

	todayStat, err := r.store.GetDailyStat(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("load today's stats: %w", err)
	}
	rep.Today = *todayStat

	from := policy.DateKey(now.In(r.loc).AddDate(0, 0, -(days - 1)), r.loc)
	if rep.Daily, err = r.store.ListDailyStats(ctx, from, today); err != nil {
		return nil, fmt.Errorf("list daily stats: %w", err)
	}

	totals, err := r.store.TotalStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("load totals: %w", err)
	}
	rep.Totals = *totals
	rep.BounceRate = rate(totals.Bounces, totals.TotalSent)
	rep.UnsubscribeRate = rate(totals.Unsubscribes, totals.TotalSent)
	rep.SpamRate = rate(totals.SpamComplaints, totals.TotalSent)

	if rep.Tiers, err = r.store.ContactCountsByTier(ctx); err != nil {
		return nil, fmt.Errorf("count contacts by tier: %w", err)
	}
	if rep.Steps, err = r.store.SendCountsByStep(ctx); err != nil {
		return nil, fmt.Errorf("count sends by step: %w", err)
	}
	return rep, nil
}

func rate(n, of int64) float64 {
	if of == 0 {
		return 0
	}
	return float64(n) / float64(of)
}

// Summary renders the report for a terminal or a log line.
func (rep *Report) Summary() string {
	var b strings.Builder
	if rep.StartDate == "" {
		b.WriteString("Campaign not started\n")
	} else {
		fmt.Fprintf(&b, "Campaign day %d (started %s), daily limit %d\n", rep.CampaignDay, rep.StartDate, rep.DailyLimit)
	}
	if rep.HaltReason != "" {
		fmt.Fprintf(&b, "HALTED: %s\n", rep.HaltReason)
	}
	fmt.Fprintf(&b, "Today: %d sent, %d bounces, %d unsubscribes\n",
		rep.Today.TotalSent, rep.Today.Bounces, rep.Today.Unsubscribes)
	fmt.Fprintf(&b, "All time: %d sent, %d bounces (%.1f%%), %d unsubscribes (%.1f%%), %d spam complaints\n",
		rep.Totals.TotalSent, rep.Totals.Bounces, rep.BounceRate*100,
		rep.Totals.Unsubscribes, rep.UnsubscribeRate*100, rep.Totals.SpamComplaints)

	if len(rep.Tiers) > 0 {
		b.WriteString("Contacts:\n")
		for _, t := range rep.Tiers {
			fmt.Fprintf(&b, "  %-12s %5d total  %5d active  %5d excluded\n", t.Tier, t.Total, t.Active, t.Excluded)
		}
	}
	if len(rep.Steps) > 0 {
		b.WriteString("Sends by step:\n")
		for _, s := range rep.Steps {
			fmt.Fprintf(&b, "  %-12s step %d  %5d\n", s.Tier, s.Step, s.Sends)
		}
	}
	if len(rep.Daily) > 0 {
		b.WriteString("Daily:\n")
		for _, d := range rep.Daily {
			fmt.Fprintf(&b, "  %s  sent %4d  bounces %3d  opens %3d  clicks %3d  unsubs %3d  spam %2d\n",
				d.Date, d.TotalSent, d.Bounces, d.Opens, d.Clicks, d.Unsubscribes, d.SpamComplaints)
		}
	}
	return b.String()
}
