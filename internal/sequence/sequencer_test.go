package sequence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shohag/outreach/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	sends map[string][]models.Send
	err   error
}

func (f *fakeHistory) ListSendsByContact(_ context.Context, contactID string) ([]models.Send, error) {
	return f.sends[contactID], f.err
}

type fakeSteps map[string][]models.SequenceStep

func (f fakeSteps) Steps(tier string) []models.SequenceStep { return f[tier] }

var (
	testSteps = fakeSteps{
		"consultant": {
			{Number: 1, DelayDays: 0, TemplateID: "intro"},
			{Number: 2, DelayDays: 3, TemplateID: "bump", IsReply: true},
			{Number: 3, DelayDays: 7, TemplateID: "case"},
		},
		"gappy": {
			{Number: 1, TemplateID: "one"},
			{Number: 3, TemplateID: "three"},
		},
	}
	sentAt = time.Date(2026, 4, 6, 15, 0, 0, 0, time.UTC)
)

func at(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestNextStep_NoHistoryReturnsFirstStep(t *testing.T) {
	s := New(&fakeHistory{}, testSteps, at(sentAt))

	step, err := s.NextStep(context.Background(), &models.Contact{ID: "ct_1", Tier: "consultant"})
	require.NoError(t, err)
	require.NotNil(t, step)
	assert.Equal(t, testSteps["consultant"][0], *step)
}

func TestNextStep_RespectsDelay(t *testing.T) {
	history := &fakeHistory{sends: map[string][]models.Send{
		"ct_1": {{ContactID: "ct_1", SequenceStep: 1, SentAt: sentAt}},
	}}

	tests := []struct {
		name string
		now  time.Time
		want int
	}{
		{"same day", sentAt.Add(time.Hour), 0},
		{"one minute early", sentAt.Add(72*time.Hour - time.Minute), 0},
		{"exactly due", sentAt.Add(72 * time.Hour), 2},
		{"overdue", sentAt.AddDate(0, 0, 10), 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(history, testSteps, at(tt.now))
			step, err := s.NextStep(context.Background(), &models.Contact{ID: "ct_1", Tier: "consultant"})
			require.NoError(t, err)
			if tt.want == 0 {
				assert.Nil(t, step)
				return
			}
			require.NotNil(t, step)
			assert.Equal(t, tt.want, step.Number)
			assert.True(t, step.IsReply)
		})
	}
}

func TestNextStep_UsesHighestStep(t *testing.T) {
	history := &fakeHistory{sends: map[string][]models.Send{
		"ct_1": {
			{SequenceStep: 1, SentAt: sentAt.AddDate(0, 0, -20)},
			{SequenceStep: 2, SentAt: sentAt.AddDate(0, 0, -8)},
		},
	}}
	s := New(history, testSteps, at(sentAt))

	step, err := s.NextStep(context.Background(), &models.Contact{ID: "ct_1", Tier: "consultant"})
	require.NoError(t, err)
	require.NotNil(t, step)
	assert.Equal(t, 3, step.Number)
}

func TestNextStep_CompletedSequence(t *testing.T) {
	history := &fakeHistory{sends: map[string][]models.Send{
		"ct_1": {
			{SequenceStep: 1, SentAt: sentAt.AddDate(0, 0, -30)},
			{SequenceStep: 2, SentAt: sentAt.AddDate(0, 0, -25)},
			{SequenceStep: 3, SentAt: sentAt.AddDate(0, 0, -15)},
		},
	}}
	s := New(history, testSteps, at(sentAt))

	step, err := s.NextStep(context.Background(), &models.Contact{ID: "ct_1", Tier: "consultant"})
	require.NoError(t, err)
	assert.Nil(t, step)
}

func TestNextStep_GapStopsProgress(t *testing.T) {
	history := &fakeHistory{sends: map[string][]models.Send{
		"ct_1": {{SequenceStep: 1, SentAt: sentAt.AddDate(0, 0, -90)}},
	}}
	s := New(history, testSteps, at(sentAt))

	step, err := s.NextStep(context.Background(), &models.Contact{ID: "ct_1", Tier: "gappy"})
	require.NoError(t, err)
	assert.Nil(t, step)
}

func TestNextStep_UnknownTierAndErrors(t *testing.T) {
	s := New(&fakeHistory{}, testSteps, at(sentAt))
	step, err := s.NextStep(context.Background(), &models.Contact{ID: "ct_1", Tier: "unknown"})
	require.NoError(t, err)
	assert.Nil(t, step)

	s = New(&fakeHistory{err: errors.New("database is locked")}, testSteps, at(sentAt))
	_, err = s.NextStep(context.Background(), &models.Contact{ID: "ct_1", Tier: "consultant"})
	assert.Error(t, err)
}
