// Package policy holds the pure sending rules of a campaign: the warmup
// schedule, campaign-day arithmetic and the weekdays mail may go out.
package policy

import (
	"errors"
	"fmt"
	"time"
)

// WarmupStep caps daily volume for campaign days From..To inclusive.
// To == 0 marks the open-ended cruise entry.
type WarmupStep struct {
	From  int `mapstructure:"from" json:"from"`
	To    int `mapstructure:"to" json:"to"`
	Limit int `mapstructure:"limit" json:"limit"`
}

func (w WarmupStep) contains(day int) bool {
	return day >= w.From && (w.To == 0 || day <= w.To)
}

// Schedule is an ascending, non-overlapping warmup table.
type Schedule []WarmupStep

// DailyLimit returns the limit of the entry containing day, falling back to
// the last entry's limit.
func (s Schedule) DailyLimit(day int) int {
	if len(s) == 0 {
		return 0
	}
	for _, step := range s {
		if step.contains(day) {
			return step.Limit
		}
	}
	return s[len(s)-1].Limit
}

func (s Schedule) Validate() error {
	if len(s) == 0 {
		return errors.New("warmup schedule is empty")
	}
	if s[0].From != 1 {
		return fmt.Errorf("warmup schedule must start at day 1, starts at %d", s[0].From)
	}
	for i, step := range s {
		if step.Limit < 0 {
			return fmt.Errorf("warmup entry %d: negative limit", i)
		}
		last := i == len(s)-1
		if step.To == 0 && !last {
			return fmt.Errorf("warmup entry %d: only the last entry may be open-ended", i)
		}
		if step.To != 0 && step.To < step.From {
			return fmt.Errorf("warmup entry %d: range %d-%d is inverted", i, step.From, step.To)
		}
		if !last && s[i+1].From != step.To+1 {
			return fmt.Errorf("warmup entry %d: day %d does not follow %d", i+1, s[i+1].From, step.To)
		}
	}
	return nil
}

// CampaignDay is the 1-indexed count of calendar days since start, never
// below 1 even when the clock runs behind the start date.
func CampaignDay(start, now time.Time, loc *time.Location) int {
	day := daysBetween(start.In(loc), now.In(loc)) + 1
	if day < 1 {
		return 1
	}
	return day
}

// daysBetween counts calendar dates from a to b, ignoring DST shifts.
func daysBetween(a, b time.Time) int {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

// StartOfDay returns local midnight of t's calendar date in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// DayBounds returns [midnight, next midnight) of t's date in loc.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	start := StartOfDay(t, loc)
	return start, start.AddDate(0, 0, 1)
}

const dateLayout = "2006-01-02"

// DateKey formats t's calendar date in loc; it keys daily_stats rows.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dateLayout)
}

func ParseDate(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(dateLayout, s, loc)
}
