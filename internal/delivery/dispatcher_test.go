package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/outreach/internal/catalog"
	"github.com/shohag/outreach/internal/governor"
	"github.com/shohag/outreach/internal/models"
	"github.com/shohag/outreach/internal/personalize"
	"github.com/shohag/outreach/internal/queue"
	"github.com/shohag/outreach/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	contacts     map[string]*models.Contact
	unsubscribed map[string]bool
	sends        []models.Send
	bounces      []models.Bounce
	excluded     map[string]bool
	statDates    []string
	recordErr    error
}

func newFakeStore(contacts ...*models.Contact) *fakeStore {
	s := &fakeStore{
		contacts:     map[string]*models.Contact{},
		unsubscribed: map[string]bool{},
		excluded:     map[string]bool{},
	}
	for _, c := range contacts {
		s.contacts[c.ID] = c
	}
	return s
}

func (f *fakeStore) GetContact(_ context.Context, id string) (*models.Contact, error) {
	c, ok := f.contacts[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	if f.excluded[id] {
		cp.PriorityScore = models.ExcludedPriority
	}
	return &cp, nil
}

func (f *fakeStore) IsUnsubscribed(_ context.Context, email string) (bool, error) {
	return f.unsubscribed[models.NormalizeEmail(email)], nil
}

func (f *fakeStore) HasSend(_ context.Context, contactID string, step int) (bool, error) {
	for _, s := range f.sends {
		if s.ContactID == contactID && s.SequenceStep == step {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) FirstSend(_ context.Context, contactID string) (*models.Send, error) {
	for _, s := range f.sends {
		if s.ContactID == contactID && s.SequenceStep == 1 {
			cp := s
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) RecordSend(_ context.Context, s *models.Send, statDate string) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.sends = append(f.sends, *s)
	f.statDates = append(f.statDates, statDate)
	return nil
}

func (f *fakeStore) RecordBounce(_ context.Context, b *models.Bounce, exclude bool, _ string) error {
	f.bounces = append(f.bounces, *b)
	if exclude {
		f.excluded[b.ContactID] = true
	}
	return nil
}

type fakeGate struct {
	decision    governor.Decision
	successes   int
	consecutive int
}

func (g *fakeGate) CanSend(context.Context) (governor.Decision, error) {
	if g.decision.Reason == "" {
		return governor.Decision{Allowed: true, Reason: governor.ReasonOK}, nil
	}
	return g.decision, nil
}

func (g *fakeGate) RecordSuccess() { g.successes++; g.consecutive = 0 }
func (g *fakeGate) RecordBounce()  { g.consecutive++ }

type fakeTransport struct {
	sent []*transport.Message
	errs []error
	n    int
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Send(_ context.Context, msg *transport.Message) (*transport.Result, error) {
	f.sent = append(f.sent, msg)
	f.n++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	id := fmt.Sprintf("<m%d@fundtrack.io>", f.n)
	thread := msg.ThreadID
	if thread == "" {
		thread = id
	}
	return &transport.Result{MessageID: id, ThreadID: thread}, nil
}

var (
	testNow     = time.Date(2026, 6, 3, 15, 30, 0, 0, time.UTC)
	testContact = &models.Contact{
		ID: "ct_1", Email: "dana@example.com", FirstName: "Dana", Company: "Ed Advisors",
		Tier: "consultant", PriorityScore: 10,
		Attributes: map[string]interface{}{"client_count": "42"},
	}
	stepOne = models.SequenceStep{Number: 1, TemplateID: "intro", Subject: "Data for your {client_count} clients, {first_name} {missing}"}
	stepTwo = models.SequenceStep{Number: 2, DelayDays: 3, TemplateID: "bump", IsReply: true, Subject: "Re: Data for your {client_count} clients"}
)

func testTemplates() *catalog.Registry {
	reg := catalog.NewRegistry()
	reg.Register("consultant", "intro", func(data map[string]string) (string, error) {
		return "Hi " + data["first_name"] + ", from " + data["sender_name"], nil
	})
	reg.Register("consultant", "bump", func(data map[string]string) (string, error) {
		return "Following up, " + data["first_name"], nil
	})
	reg.Register("consultant", "broken", func(map[string]string) (string, error) {
		return "", errors.New("boom")
	})
	return reg
}

func newTestDispatcher(store Store, gate Gate, tr transport.Transport, dryRun bool) *Dispatcher {
	sender := personalize.Sender{Name: "Sam Rivera", Email: "sam@fundtrack.io", Company: "FundTrack"}
	return NewDispatcher(store, gate, testTemplates(), personalize.New(sender), tr, Options{
		Sender: sender,
		Compliance: Compliance{
			CompanyName:       "FundTrack LLC",
			MailingAddress:    "100 Congress Ave, Austin, TX",
			UnsubscribeURL:    "https://fundtrack.io/unsubscribe",
			UnsubscribeSecret: "s3cret",
		},
		DryRun:   dryRun,
		Location: time.UTC,
		Now:      func() time.Time { return testNow },
	}, zerolog.Nop())
}

func item(c *models.Contact, step models.SequenceStep) queue.Item {
	return queue.Item{Contact: *c, Step: step, Tier: c.Tier}
}

func TestDispatch_Success(t *testing.T) {
	store := newFakeStore(testContact)
	gate := &fakeGate{}
	tr := &fakeTransport{}
	d := newTestDispatcher(store, gate, tr, false)

	res, err := d.Dispatch(context.Background(), item(testContact, stepOne))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Equal(t, "Data for your 42 clients, Dana {missing}", res.Subject)
	assert.Equal(t, 1, gate.successes)

	require.Len(t, store.sends, 1)
	snd := store.sends[0]
	assert.Equal(t, 1, snd.SequenceStep)
	assert.Equal(t, "intro", snd.TemplateID)
	assert.Equal(t, "<m1@fundtrack.io>", snd.ThreadID)
	assert.Equal(t, testNow, snd.SentAt)
	assert.Equal(t, []string{"2026-06-03"}, store.statDates)

	require.Len(t, tr.sent, 1)
	msg := tr.sent[0]
	assert.True(t, strings.HasPrefix(msg.Body, "Hi Dana, from Sam Rivera"))
	assert.Contains(t, msg.Body, "100 Congress Ave")
	assert.Contains(t, msg.Body, "https://fundtrack.io/unsubscribe?email=dana%40example.com&token=")
	assert.Contains(t, msg.Headers["List-Unsubscribe"], "https://fundtrack.io/unsubscribe?")
	assert.Equal(t, "bulk", msg.Headers["Precedence"])
	assert.Empty(t, msg.ThreadID)
}

func TestDispatch_ReplyThreadsOntoFirstSend(t *testing.T) {
	store := newFakeStore(testContact)
	store.sends = []models.Send{{
		ID: "snd_1", ContactID: "ct_1", SequenceStep: 1,
		MessageID: "<root@fundtrack.io>", ThreadID: "thread-root", SentAt: testNow.AddDate(0, 0, -4),
	}}
	tr := &fakeTransport{}
	d := newTestDispatcher(store, &fakeGate{}, tr, false)

	res, err := d.Dispatch(context.Background(), item(testContact, stepTwo))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)

	require.Len(t, tr.sent, 1)
	assert.Equal(t, "thread-root", tr.sent[0].ThreadID)
	assert.Equal(t, "<root@fundtrack.io>", tr.sent[0].InReplyTo)
	assert.Equal(t, "thread-root", res.Send.ThreadID)
}

func TestDispatch_GovernorDenialHalts(t *testing.T) {
	store := newFakeStore(testContact)
	gate := &fakeGate{decision: governor.Decision{Reason: "5 consecutive bounces"}}
	tr := &fakeTransport{}
	d := newTestDispatcher(store, gate, tr, false)

	res, err := d.Dispatch(context.Background(), item(testContact, stepOne))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHalted, res.Outcome)
	assert.Contains(t, res.Reason, "consecutive bounces")
	assert.Empty(t, tr.sent)
}

func TestDispatch_Skips(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(s *fakeStore)
		step   models.SequenceStep
		reason string
	}{
		{"unsubscribed", func(s *fakeStore) { s.unsubscribed["dana@example.com"] = true }, stepOne, "unsubscribed"},
		{"hard bounced", func(s *fakeStore) { s.excluded["ct_1"] = true }, stepOne, "excluded"},
		{"deleted contact", func(s *fakeStore) { delete(s.contacts, "ct_1") }, stepOne, "no longer exists"},
		{"duplicate step", func(s *fakeStore) {
			s.sends = append(s.sends, models.Send{ContactID: "ct_1", SequenceStep: 1})
		}, stepOne, "already sent"},
		{"missing template", func(*fakeStore) {}, models.SequenceStep{Number: 1, TemplateID: "ghost"}, "template not found"},
		{"render error", func(*fakeStore) {}, models.SequenceStep{Number: 1, TemplateID: "broken"}, "render failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore(testContact)
			tt.setup(store)
			tr := &fakeTransport{}
			d := newTestDispatcher(store, &fakeGate{}, tr, false)

			res, err := d.Dispatch(context.Background(), item(testContact, tt.step))
			require.NoError(t, err)
			assert.Equal(t, OutcomeSkipped, res.Outcome)
			assert.Contains(t, res.Reason, tt.reason)
			assert.Empty(t, tr.sent)
		})
	}
}

func TestDispatch_UnknownTierSkipped(t *testing.T) {
	c := *testContact
	c.Tier = "district"
	store := newFakeStore(&c)
	d := newTestDispatcher(store, &fakeGate{}, &fakeTransport{}, false)

	res, err := d.Dispatch(context.Background(), item(&c, stepOne))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
}

func TestDispatch_HardBounceExcludesContact(t *testing.T) {
	store := newFakeStore(testContact)
	gate := &fakeGate{}
	tr := &fakeTransport{errs: []error{errors.New("550 5.1.1 user unknown")}}
	d := newTestDispatcher(store, gate, tr, false)

	res, err := d.Dispatch(context.Background(), item(testContact, stepOne))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBounced, res.Outcome)
	assert.Equal(t, models.BounceHard, res.Bounce.BounceType)
	assert.Empty(t, res.Bounce.SendID)
	assert.True(t, store.excluded["ct_1"])
	assert.Equal(t, 1, gate.consecutive)
	assert.Empty(t, store.sends)

	res, err = d.Dispatch(context.Background(), item(testContact, stepOne))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome, "excluded contacts are never retried")
}

func TestDispatch_SoftBounceKeepsContact(t *testing.T) {
	store := newFakeStore(testContact)
	gate := &fakeGate{}
	d := newTestDispatcher(store, gate, &fakeTransport{errs: []error{errors.New("452 4.2.2 mailbox full")}}, false)

	res, err := d.Dispatch(context.Background(), item(testContact, stepOne))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBounced, res.Outcome)
	assert.Equal(t, models.BounceSoft, res.Bounce.BounceType)
	assert.False(t, store.excluded["ct_1"])
	assert.Equal(t, 1, gate.consecutive)
}

func TestDispatch_TransientFailureNotCounted(t *testing.T) {
	store := newFakeStore(testContact)
	gate := &fakeGate{}
	d := newTestDispatcher(store, gate, &fakeTransport{errs: []error{context.DeadlineExceeded}}, false)

	res, err := d.Dispatch(context.Background(), item(testContact, stepOne))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Empty(t, store.bounces)
	assert.Empty(t, store.sends)
	assert.Equal(t, 0, gate.consecutive)
}

func TestDispatch_TransportUnavailableIsFatal(t *testing.T) {
	store := newFakeStore(testContact)
	unavailable := fmt.Errorf("%w: 535 authentication failed", transport.ErrUnavailable)
	d := newTestDispatcher(store, &fakeGate{}, &fakeTransport{errs: []error{unavailable}}, false)

	_, err := d.Dispatch(context.Background(), item(testContact, stepOne))
	assert.ErrorIs(t, err, transport.ErrUnavailable)
}

func TestDispatch_StoreFailureIsFatal(t *testing.T) {
	store := newFakeStore(testContact)
	store.recordErr = errors.New("disk I/O error")
	d := newTestDispatcher(store, &fakeGate{}, &fakeTransport{}, false)

	_, err := d.Dispatch(context.Background(), item(testContact, stepOne))
	assert.Error(t, err)
}

func TestDispatch_DryRun(t *testing.T) {
	store := newFakeStore(testContact)
	gate := &fakeGate{}
	tr := &fakeTransport{}
	d := newTestDispatcher(store, gate, tr, true)

	res, err := d.Dispatch(context.Background(), item(testContact, stepOne))
	require.NoError(t, err)
	assert.Equal(t, OutcomePreviewed, res.Outcome)
	assert.NotEmpty(t, res.Subject)
	assert.Empty(t, tr.sent)
	assert.Empty(t, store.sends)
	assert.Equal(t, 0, gate.successes)
}
