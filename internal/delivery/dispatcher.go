package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/outreach/internal/catalog"
	"github.com/shohag/outreach/internal/governor"
	"github.com/shohag/outreach/internal/models"
	"github.com/shohag/outreach/internal/personalize"
	"github.com/shohag/outreach/internal/policy"
	"github.com/shohag/outreach/internal/queue"
	"github.com/shohag/outreach/internal/transport"
)

type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomePreviewed Outcome = "previewed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeBounced   Outcome = "bounced"
	OutcomeFailed    Outcome = "failed"
	OutcomeHalted    Outcome = "halted"
)

// Result describes what happened to one queue item. Per-item failures are
// reported here, never as errors.
type Result struct {
	Outcome  Outcome
	Reason   string
	Subject  string
	Send     *models.Send
	Bounce   *models.Bounce
	Decision governor.Decision
}

type Store interface {
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	IsUnsubscribed(ctx context.Context, email string) (bool, error)
	HasSend(ctx context.Context, contactID string, step int) (bool, error)
	FirstSend(ctx context.Context, contactID string) (*models.Send, error)
	RecordSend(ctx context.Context, s *models.Send, statDate string) error
	RecordBounce(ctx context.Context, b *models.Bounce, exclude bool, statDate string) error
}

// Gate is the governor as seen by the dispatcher.
type Gate interface {
	CanSend(ctx context.Context) (governor.Decision, error)
	RecordSuccess()
	RecordBounce()
}

type Templates interface {
	Lookup(tier, templateID string) (catalog.RenderFunc, bool)
}

type MergeSource interface {
	MergeData(c *models.Contact) (map[string]string, error)
}

type Options struct {
	Sender     personalize.Sender
	Compliance Compliance
	DryRun     bool
	Location   *time.Location
	Now        func() time.Time
}

type Dispatcher struct {
	store     Store
	gate      Gate
	templates Templates
	merge     MergeSource
	transport transport.Transport
	opts      Options
	log       zerolog.Logger
}

func NewDispatcher(store Store, gate Gate, templates Templates, merge MergeSource, tr transport.Transport, opts Options, log zerolog.Logger) *Dispatcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Dispatcher{
		store:     store,
		gate:      gate,
		templates: templates,
		merge:     merge,
		transport: tr,
		opts:      opts,
		log:       log,
	}
}

// Dispatch sends one queue item. The returned error is reserved for a store
// or transport that cannot serve any further item.
func (d *Dispatcher) Dispatch(ctx context.Context, item queue.Item) (*Result, error) {
	decision, err := d.gate.CanSend(ctx)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return &Result{Outcome: OutcomeHalted, Reason: decision.Reason, Decision: decision}, nil
	}

	log := d.log.With().
		Str("contact_id", item.Contact.ID).
		Str("tier", item.Tier).
		Int("step", item.Step.Number).
		Logger()

	contact, err := d.store.GetContact(ctx, item.Contact.ID)
	if err != nil {
		return nil, fmt.Errorf("load contact %s: %w", item.Contact.ID, err)
	}
	if contact == nil {
		return d.skip(log, "contact no longer exists"), nil
	}
	if contact.Excluded() {
		return d.skip(log, "contact excluded after hard bounce"), nil
	}

	unsubscribed, err := d.store.IsUnsubscribed(ctx, contact.Email)
	if err != nil {
		return nil, fmt.Errorf("check unsubscribe: %w", err)
	}
	if unsubscribed {
		return d.skip(log, "unsubscribed"), nil
	}

	dup, err := d.store.HasSend(ctx, contact.ID, item.Step.Number)
	if err != nil {
		return nil, fmt.Errorf("check prior send: %w", err)
	}
	if dup {
		return d.skip(log, "step already sent"), nil
	}

	data, err := d.merge.MergeData(contact)
	if err != nil {
		log.Warn().Err(err).Msg("no merge data, skipping")
		return d.skip(log, err.Error()), nil
	}
	subject := personalize.Subject(item.Step.Subject, data)

	render, ok := d.templates.Lookup(item.Tier, item.Step.TemplateID)
	if !ok {
		log.Error().Str("template", item.Step.TemplateID).Msg("template not registered, skipping")
		return d.skip(log, fmt.Sprintf("template %s/%s: %v", item.Tier, item.Step.TemplateID, catalog.ErrTemplateNotFound)), nil
	}
	body, err := render(data)
	if err != nil {
		log.Error().Err(err).Str("template", item.Step.TemplateID).Msg("template render failed, skipping")
		return d.skip(log, "render failed: "+err.Error()), nil
	}

	link := d.opts.Compliance.unsubscribeLink(contact.Email)
	msg := &transport.Message{
		FromName:  d.opts.Sender.Name,
		FromEmail: d.opts.Sender.Email,
		To:        contact.Email,
		Subject:   subject,
		Body:      body + d.opts.Compliance.Footer(link),
		Headers:   d.opts.Compliance.Headers(link),
	}

	if item.Step.IsReply {
		first, err := d.store.FirstSend(ctx, contact.ID)
		if err != nil {
			return nil, fmt.Errorf("load thread root: %w", err)
		}
		if first != nil {
			msg.ThreadID = first.ThreadID
			msg.InReplyTo = first.MessageID
		}
	}

	if d.opts.DryRun {
		log.Info().
			Str("subject", subject).
			Str("template", item.Step.TemplateID).
			Bool("reply", msg.ThreadID != "").
			Msg("dry run: would send")
		log.Debug().Str("to", contact.Email).Str("body", msg.Body).Msg("dry run message")
		return &Result{Outcome: OutcomePreviewed, Subject: subject}, nil
	}

	now := d.opts.Now()
	statDate := policy.DateKey(now, d.opts.Location)

	res, err := d.transport.Send(ctx, msg)
	if err != nil {
		if errors.Is(err, transport.ErrUnavailable) {
			return nil, err
		}
		return d.handleFailure(ctx, log, contact, subject, err, now, statDate)
	}

	snd := &models.Send{
		ID:           models.NewID("snd"),
		ContactID:    contact.ID,
		Tier:         item.Tier,
		SequenceStep: item.Step.Number,
		TemplateID:   item.Step.TemplateID,
		Subject:      subject,
		MessageID:    res.MessageID,
		ThreadID:     res.ThreadID,
		Status:       models.SendSent,
		SentAt:       now.UTC(),
	}
	if err := d.store.RecordSend(ctx, snd, statDate); err != nil {
		return nil, fmt.Errorf("record send %s: %w", snd.ID, err)
	}
	d.gate.RecordSuccess()

	log.Info().Str("send_id", snd.ID).Str("transport", d.transport.Name()).Msg("email sent")
	return &Result{Outcome: OutcomeSent, Subject: subject, Send: snd}, nil
}

func (d *Dispatcher) handleFailure(ctx context.Context, log zerolog.Logger, contact *models.Contact, subject string, sendErr error, now time.Time, statDate string) (*Result, error) {
	kind, bounced := ClassifyBounce(sendErr.Error())
	if !bounced {
		log.Warn().Err(sendErr).Msg("send failed")
		return &Result{Outcome: OutcomeFailed, Reason: sendErr.Error(), Subject: subject}, nil
	}

	b := &models.Bounce{
		ID:         models.NewID("bnc"),
		ContactID:  contact.ID,
		BounceType: kind,
		Reason:     sendErr.Error(),
		CreatedAt:  now.UTC(),
	}
	hard := kind == models.BounceHard
	if err := d.store.RecordBounce(ctx, b, hard, statDate); err != nil {
		return nil, fmt.Errorf("record bounce %s: %w", b.ID, err)
	}
	d.gate.RecordBounce()

	log.Warn().Err(sendErr).Str("bounce_type", string(kind)).Bool("excluded", hard).Msg("send bounced")
	return &Result{Outcome: OutcomeBounced, Reason: sendErr.Error(), Subject: subject, Bounce: b}, nil
}

func (d *Dispatcher) skip(log zerolog.Logger, reason string) *Result {
	log.Info().Str("reason", reason).Msg("skipping item")
	return &Result{Outcome: OutcomeSkipped, Reason: reason}
}
