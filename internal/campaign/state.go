// Package campaign runs one day of the drip campaign and owns the campaign's
// persisted state.
package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/shohag/outreach/internal/models"
	"github.com/shohag/outreach/internal/policy"
)

type StateStore interface {
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
	DeleteState(ctx context.Context, key string) error
}

// LoadState reads the campaign state without writing. A campaign that has
// never run starts on configuredStart, or today when that is empty.
func LoadState(ctx context.Context, store StateStore, loc *time.Location, now time.Time, configuredStart string) (*models.CampaignState, bool, error) {
	raw, ok, err := store.GetState(ctx, models.StateStartDate)
	if err != nil {
		return nil, false, fmt.Errorf("load start date: %w", err)
	}
	if !ok {
		raw = configuredStart
		if raw == "" {
			raw = policy.DateKey(now, loc)
		}
	}
	start, err := policy.ParseDate(raw, loc)
	if err != nil {
		return nil, false, fmt.Errorf("parse start date %q: %w", raw, err)
	}

	halt, _, err := store.GetState(ctx, models.StateHaltReason)
	if err != nil {
		return nil, false, fmt.Errorf("load halt reason: %w", err)
	}
	return &models.CampaignState{StartDate: start, HaltReason: halt}, ok, nil
}

// EnsureState loads the campaign state, recording the start date on first run.
func EnsureState(ctx context.Context, store StateStore, loc *time.Location, now time.Time, configuredStart string) (*models.CampaignState, error) {
	st, existed, err := LoadState(ctx, store, loc, now, configuredStart)
	if err != nil {
		return nil, err
	}
	if !existed {
		if err := store.SetState(ctx, models.StateStartDate, policy.DateKey(st.StartDate, loc)); err != nil {
			return nil, fmt.Errorf("record start date: %w", err)
		}
	}
	return st, nil
}

// Halt stops the campaign until Resume is called.
func Halt(ctx context.Context, store StateStore, reason string) error {
	return store.SetState(ctx, models.StateHaltReason, reason)
}

func Resume(ctx context.Context, store StateStore) error {
	return store.DeleteState(ctx, models.StateHaltReason)
}
