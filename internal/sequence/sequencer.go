// Package sequence decides which step of its tier's cadence a contact is due
// for next.
package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/shohag/outreach/internal/models"
)

type History interface {
	ListSendsByContact(ctx context.Context, contactID string) ([]models.Send, error)
}

// Steps supplies a tier's configured steps ordered by number.
type Steps interface {
	Steps(tier string) []models.SequenceStep
}

type Sequencer struct {
	history History
	steps   Steps
	now     func() time.Time
}

func New(history History, steps Steps, now func() time.Time) *Sequencer {
	if now == nil {
		now = time.Now
	}
	return &Sequencer{history: history, steps: steps, now: now}
}

// NextStep returns the step the contact is due for now, or nil when the
// sequence is complete or the next step's delay has not yet elapsed.
// Step numbers must be contiguous from 1: after a gap nothing is ever due.
func (s *Sequencer) NextStep(ctx context.Context, c *models.Contact) (*models.SequenceStep, error) {
	steps := s.steps.Steps(c.Tier)
	if len(steps) == 0 {
		return nil, nil
	}

	sends, err := s.history.ListSendsByContact(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("load send history for %s: %w", c.ID, err)
	}
	if len(sends) == 0 {
		first := steps[0]
		return &first, nil
	}

	last := sends[len(sends)-1]
	for _, step := range steps {
		if step.Number != last.SequenceStep+1 {
			continue
		}
		delay := time.Duration(step.DelayDays) * 24 * time.Hour
		if s.now().Sub(last.SentAt) < delay {
			return nil, nil
		}
		next := step
		return &next, nil
	}
	return nil, nil
}
