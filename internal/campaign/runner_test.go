package campaign

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/outreach/internal/catalog"
	"github.com/shohag/outreach/internal/delivery"
	"github.com/shohag/outreach/internal/governor"
	"github.com/shohag/outreach/internal/models"
	"github.com/shohag/outreach/internal/personalize"
	"github.com/shohag/outreach/internal/policy"
	"github.com/shohag/outreach/internal/storage"
	"github.com/shohag/outreach/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Wednesday of the campaign's first week.
var runNow = time.Date(2026, 6, 3, 15, 0, 0, 0, time.UTC)

var weekdays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

type recordingTransport struct {
	sent   []*transport.Message
	errFn  func(msg *transport.Message) error
	onSend func(msg *transport.Message)
}

func (r *recordingTransport) Name() string { return "recording" }

func (r *recordingTransport) Send(_ context.Context, msg *transport.Message) (*transport.Result, error) {
	r.sent = append(r.sent, msg)
	if r.onSend != nil {
		r.onSend(msg)
	}
	if r.errFn != nil {
		if err := r.errFn(msg); err != nil {
			return nil, err
		}
	}
	id := fmt.Sprintf("<r%d@fundtrack.io>", len(r.sent))
	return &transport.Result{MessageID: id, ThreadID: id}, nil
}

type recordingAlerter struct {
	reasons []string
}

func (a *recordingAlerter) Critical(_ context.Context, reason string, _ map[string]string) {
	a.reasons = append(a.reasons, reason)
}

func setupStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "outreach.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func addContacts(t *testing.T, store storage.Storage, tier string, n int) []*models.Contact {
	t.Helper()
	var out []*models.Contact
	for i := 0; i < n; i++ {
		c := &models.Contact{
			ID:            models.NewID("ct"),
			Email:         fmt.Sprintf("%s%d@example.com", tier, i),
			FirstName:     fmt.Sprintf("Pat%d", i),
			Company:       "Acme " + tier,
			Tier:          tier,
			PriorityScore: 100 - i,
			CreatedAt:     runNow.Add(-48 * time.Hour),
		}
		created, err := store.CreateContact(context.Background(), c)
		require.NoError(t, err)
		require.True(t, created)
		out = append(out, c)
	}
	return out
}

func testConfig() Config {
	return Config{
		Schedule: policy.Schedule{{From: 1, To: 2, Limit: 3}, {From: 3, To: 999, Limit: 50}},
		SendDays: policy.SendDays{WarmupPhaseDays: 14, Warmup: weekdays, Cruise: weekdays},
		Thresholds: governor.Thresholds{
			MaxConsecutiveBounces: 5,
			SampleWindow:          100,
			MinSample:             100,
			MaxBounceRate:         0.05,
			MaxSpamRate:           0.001,
		},
		Distribution: map[string]float64{"consultant": 0.5, "vendor": 0.5},
		MinDelay:     45 * time.Second,
		MaxDelay:     120 * time.Second,
		Location:     time.UTC,
		StartDate:    "2026-06-03",
		Sender:       personalize.Sender{Name: "Sam Rivera", Title: "Founder", Company: "FundTrack", Email: "sam@fundtrack.io"},
		Compliance: delivery.Compliance{
			CompanyName:       "FundTrack LLC",
			MailingAddress:    "100 Congress Ave, Austin, TX",
			UnsubscribeURL:    "https://fundtrack.io/unsubscribe",
			UnsubscribeSecret: "s3cret",
		},
	}
}

type harness struct {
	store   *storage.SQLiteStorage
	tr      *recordingTransport
	alerter *recordingAlerter
	delays  []time.Duration
	runner  *Runner
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	cat, err := catalog.Load("")
	require.NoError(t, err)
	reg, err := cat.Registry()
	require.NoError(t, err)

	h := &harness{store: setupStore(t), tr: &recordingTransport{}, alerter: &recordingAlerter{}}
	h.runner = NewRunner(h.store, cat, reg, personalize.New(cfg.Sender), h.tr, h.alerter, cfg, zerolog.Nop(),
		WithClock(func() time.Time { return runNow }),
		WithRand(rand.New(rand.NewSource(7))),
		WithSleep(func(_ context.Context, d time.Duration) error {
			h.delays = append(h.delays, d)
			return nil
		}),
	)
	return h
}

func TestRun_WarmupLimitAcrossRuns(t *testing.T) {
	h := newHarness(t, testConfig())
	addContacts(t, h.store, "consultant", 5)
	addContacts(t, h.store, "vendor", 5)
	ctx := context.Background()

	res, err := h.runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, 1, res.CampaignDay)
	assert.Equal(t, 3, res.DailyLimit)
	assert.Equal(t, 2, res.Queued, "one contact per tier on day one")
	assert.Equal(t, 2, res.Dispatched)
	require.Len(t, h.delays, 1, "no pause after the last send")
	assert.GreaterOrEqual(t, h.delays[0], 45*time.Second)
	assert.Less(t, h.delays[0], 120*time.Second)

	res, err = h.runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched, "queue truncated to the remaining quota")

	res, err = h.runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Zero(t, res.Queued)

	from, to := policy.DayBounds(runNow, time.UTC)
	sent, err := h.store.CountSendsBetween(ctx, from, to)
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
	require.NotNil(t, res.Report)
	assert.Equal(t, int64(3), res.Report.Today.TotalSent)

	for _, msg := range h.tr.sent {
		assert.Contains(t, msg.Body, "Unsubscribe here: https://fundtrack.io/unsubscribe?email=")
		assert.Equal(t, "sam@fundtrack.io", msg.FromEmail)
	}
}

func TestRun_RecordsStartDateOnFirstRun(t *testing.T) {
	cfg := testConfig()
	cfg.StartDate = ""
	h := newHarness(t, cfg)

	res, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Zero(t, res.Queued)

	start, ok, err := h.store.GetState(context.Background(), models.StateStartDate)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2026-06-03", start)
}

func TestRun_NotASendDay(t *testing.T) {
	cfg := testConfig()
	cfg.SendDays.Warmup = []time.Weekday{time.Tuesday, time.Thursday}
	h := newHarness(t, cfg)
	addContacts(t, h.store, "consultant", 2)

	res, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Zero(t, res.Queued)
	assert.Empty(t, h.tr.sent)
}

func TestRun_UnsubscribeDuringRunIsSkipped(t *testing.T) {
	cfg := testConfig()
	cfg.Distribution = map[string]float64{"consultant": 1}
	h := newHarness(t, cfg)
	contacts := addContacts(t, h.store, "consultant", 2)

	h.tr.onSend = func(msg *transport.Message) {
		for _, c := range contacts {
			if c.Email != msg.To {
				_, err := h.store.AddUnsubscribe(context.Background(), &models.Unsubscribe{
					Email: c.Email, Source: "reply", CreatedAt: runNow,
				}, "2026-06-03")
				require.NoError(t, err)
			}
		}
	}

	res, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Queued)
	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, h.tr.sent, 1)
}

func TestRun_ConsecutiveBouncesStopTheDay(t *testing.T) {
	cfg := testConfig()
	cfg.Schedule = policy.Schedule{{From: 1, To: 0, Limit: 10}}
	cfg.Distribution = map[string]float64{"consultant": 1}
	cfg.Thresholds.MaxConsecutiveBounces = 2
	h := newHarness(t, cfg)
	addContacts(t, h.store, "consultant", 4)
	h.tr.errFn = func(*transport.Message) error {
		return errors.New("550 5.1.1 user unknown")
	}

	res, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateHalted, res.State)
	assert.Equal(t, 2, res.Bounced)
	assert.Equal(t, "2 consecutive bounces", res.HaltReason)
	assert.False(t, res.Critical)
	assert.Empty(t, h.alerter.reasons)

	_, halted, err := h.store.GetState(context.Background(), models.StateHaltReason)
	require.NoError(t, err)
	assert.False(t, halted, "a non-critical stop is not persisted")

	counts, err := h.store.ContactCountsByTier(context.Background())
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, int64(2), counts[0].Excluded)
}

func recordBounces(t *testing.T, store storage.Storage, contacts []*models.Contact, at time.Time) {
	t.Helper()
	for _, c := range contacts {
		require.NoError(t, store.RecordBounce(context.Background(), &models.Bounce{
			ID: models.NewID("bnc"), ContactID: c.ID, BounceType: models.BounceSoft,
			Reason: "452 4.2.2 mailbox full", CreatedAt: at,
		}, false, policy.DateKey(at, time.UTC)))
	}
}

func TestRun_EarlierDaysBouncesDoNotCarryOver(t *testing.T) {
	cfg := testConfig()
	cfg.Schedule = policy.Schedule{{From: 1, To: 0, Limit: 10}}
	cfg.Distribution = map[string]float64{"consultant": 1}
	cfg.RestoreConsecutiveBounces = true
	h := newHarness(t, cfg)
	contacts := addContacts(t, h.store, "consultant", 5)
	recordBounces(t, h.store, contacts, runNow.AddDate(0, 0, -7))

	res, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Empty(t, res.HaltReason)
	assert.Equal(t, 5, res.Dispatched)
}

func TestRun_SameDayBouncesAreRestored(t *testing.T) {
	cfg := testConfig()
	cfg.Schedule = policy.Schedule{{From: 1, To: 0, Limit: 10}}
	cfg.Distribution = map[string]float64{"consultant": 1}
	cfg.RestoreConsecutiveBounces = true
	h := newHarness(t, cfg)
	contacts := addContacts(t, h.store, "consultant", 6)
	recordBounces(t, h.store, contacts[2:], runNow.Add(-2*time.Hour))
	h.tr.errFn = func(*transport.Message) error {
		return errors.New("452 4.2.2 mailbox full")
	}

	res, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateHalted, res.State)
	assert.Equal(t, 1, res.Bounced)
	assert.Equal(t, "5 consecutive bounces", res.HaltReason)
	assert.False(t, res.Critical)
}

func TestRun_CriticalHaltPersistsAndAlerts(t *testing.T) {
	cfg := testConfig()
	cfg.Distribution = map[string]float64{"consultant": 1}
	cfg.Thresholds.MinSample = 1
	h := newHarness(t, cfg)
	ctx := context.Background()
	contacts := addContacts(t, h.store, "consultant", 3)

	snd := &models.Send{
		ID: models.NewID("snd"), ContactID: contacts[2].ID, Tier: "consultant", SequenceStep: 1,
		TemplateID: "consultant_intro", SentAt: runNow.Add(-72 * time.Hour),
	}
	require.NoError(t, h.store.RecordSend(ctx, snd, "2026-05-31"))
	require.NoError(t, h.store.UpdateSendStatus(ctx, snd.ID, models.SendComplained))

	res, err := h.runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateHalted, res.State)
	assert.True(t, res.Critical)
	assert.Contains(t, res.HaltReason, "CRITICAL: spam complaint rate")
	assert.Empty(t, h.tr.sent)
	require.Len(t, h.alerter.reasons, 1)

	reason, ok, err := h.store.GetState(ctx, models.StateHaltReason)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.HaltReason, reason)

	res, err = h.runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateHalted, res.State)
	assert.Zero(t, res.Queued, "a halted campaign never builds a queue")
	assert.Equal(t, reason, res.HaltReason)
}

func TestPreview_SendsAndPersistsNothing(t *testing.T) {
	cfg := testConfig()
	cfg.StartDate = ""
	h := newHarness(t, cfg)
	addContacts(t, h.store, "consultant", 3)
	addContacts(t, h.store, "vendor", 3)
	ctx := context.Background()

	res, err := h.runner.Preview(ctx)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, 2, res.Previewed)
	assert.Zero(t, res.Dispatched)
	assert.Empty(t, h.tr.sent)
	assert.Empty(t, h.delays, "dry runs never sleep")

	_, ok, err := h.store.GetState(ctx, models.StateStartDate)
	require.NoError(t, err)
	assert.False(t, ok)
	total, err := h.store.TotalStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, total.TotalSent)
}

func TestRun_TransportUnavailableAborts(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	addContacts(t, h.store, "consultant", 1)
	h.tr.errFn = func(*transport.Message) error {
		return fmt.Errorf("dial: %w", transport.ErrUnavailable)
	}

	_, err := h.runner.Run(context.Background())
	assert.ErrorIs(t, err, transport.ErrUnavailable)
}

func TestRun_CancelledSleepStopsRun(t *testing.T) {
	cfg := testConfig()
	cfg.Distribution = map[string]float64{"consultant": 1}
	h := newHarness(t, cfg)
	addContacts(t, h.store, "consultant", 3)

	ctx, cancel := context.WithCancel(context.Background())
	h.runner.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	res, err := h.runner.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Dispatched)
}

func TestHalt_LogLevels(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	tests := []struct {
		name     string
		decision governor.Decision
		level    string
		message  string
	}{
		{"quota used up", governor.Decision{Reason: "daily limit reached (3/3)", QuotaReached: true}, "info", "daily quota used up"},
		{"consecutive bounces", governor.Decision{Reason: "5 consecutive bounces"}, "warn", "governor stopped today's run"},
		{"bounce rate", governor.Decision{Reason: "bounce rate 9.0% exceeds 5.0% over last 100 sends"}, "warn", "governor stopped today's run"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			res := &RunResult{HaltReason: tt.decision.Reason}
			require.NoError(t, h.runner.halt(ctx, zerolog.New(&buf), res, tt.decision, false))
			assert.Contains(t, buf.String(), `"level":"`+tt.level+`"`)
			assert.Contains(t, buf.String(), tt.message)
		})
	}
	assert.Empty(t, h.alerter.reasons)
}
