package campaign

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/outreach/internal/alert"
	"github.com/shohag/outreach/internal/catalog"
	"github.com/shohag/outreach/internal/delivery"
	"github.com/shohag/outreach/internal/governor"
	"github.com/shohag/outreach/internal/models"
	"github.com/shohag/outreach/internal/personalize"
	"github.com/shohag/outreach/internal/policy"
	"github.com/shohag/outreach/internal/queue"
	"github.com/shohag/outreach/internal/report"
	"github.com/shohag/outreach/internal/sequence"
	"github.com/shohag/outreach/internal/storage"
	"github.com/shohag/outreach/internal/transport"
)

type State string

const (
	StateNotStarted      State = "not_started"
	StateCheckingSendDay State = "checking_send_day"
	StateBuildingQueue   State = "building_queue"
	StateSending         State = "sending"
	StateComplete        State = "complete"
	StateHalted          State = "halted"
)

type Config struct {
	Schedule                  policy.Schedule
	SendDays                  policy.SendDays
	Thresholds                governor.Thresholds
	RestoreConsecutiveBounces bool
	Distribution              map[string]float64
	OverFetchFactor           int
	MinDelay                  time.Duration
	MaxDelay                  time.Duration
	Location                  *time.Location
	StartDate                 string
	Sender                    personalize.Sender
	Compliance                delivery.Compliance
}

type RunResult struct {
	State       State          `json:"state"`
	DryRun      bool           `json:"dry_run"`
	CampaignDay int            `json:"campaign_day"`
	DailyLimit  int            `json:"daily_limit"`
	Queued      int            `json:"queued"`
	Dispatched  int            `json:"dispatched"`
	Previewed   int            `json:"previewed"`
	Skipped     int            `json:"skipped"`
	Bounced     int            `json:"bounced"`
	Failed      int            `json:"failed"`
	HaltReason  string         `json:"halt_reason,omitempty"`
	Critical    bool           `json:"critical"`
	Report      *report.Report `json:"report,omitempty"`
}

type Runner struct {
	store     storage.Storage
	catalog   *catalog.Catalog
	templates delivery.Templates
	merge     delivery.MergeSource
	transport transport.Transport
	alerter   alert.Alerter
	cfg       Config
	now       func() time.Time
	rng       *rand.Rand
	sleep     func(ctx context.Context, d time.Duration) error
	log       zerolog.Logger
}

type Option func(*Runner)

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func WithRand(rng *rand.Rand) Option {
	return func(r *Runner) { r.rng = rng }
}

// WithSleep replaces the inter-send pause.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) { r.sleep = sleep }
}

func NewRunner(store storage.Storage, cat *catalog.Catalog, templates delivery.Templates, merge delivery.MergeSource,
	tr transport.Transport, alerter alert.Alerter, cfg Config, log zerolog.Logger, opts ...Option) *Runner {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	r := &Runner{
		store:     store,
		catalog:   cat,
		templates: templates,
		merge:     merge,
		transport: tr,
		alerter:   alerter,
		cfg:       cfg,
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:     sleepContext,
		log:       log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes today's sends.
func (r *Runner) Run(ctx context.Context) (*RunResult, error) {
	return r.RunDay(ctx, false)
}

// Preview walks the same state machine without sending or persisting.
func (r *Runner) Preview(ctx context.Context) (*RunResult, error) {
	return r.RunDay(ctx, true)
}

// RunDay executes one campaign day. Only an unusable store or transport
// makes it return an error; individual items never do.
func (r *Runner) RunDay(ctx context.Context, dryRun bool) (*RunResult, error) {
	res := &RunResult{State: StateNotStarted, DryRun: dryRun}
	log := r.log.With().Bool("dry_run", dryRun).Logger()
	now := r.now()

	var (
		st  *models.CampaignState
		err error
	)
	if dryRun {
		st, _, err = LoadState(ctx, r.store, r.cfg.Location, now, r.cfg.StartDate)
	} else {
		st, err = EnsureState(ctx, r.store, r.cfg.Location, now, r.cfg.StartDate)
	}
	if err != nil {
		return nil, err
	}
	res.CampaignDay = policy.CampaignDay(st.StartDate, now, r.cfg.Location)
	res.DailyLimit = r.cfg.Schedule.DailyLimit(res.CampaignDay)
	log = log.With().Int("campaign_day", res.CampaignDay).Logger()

	if st.Halted() {
		res.HaltReason = st.HaltReason
		res.Critical = true
		log.Error().Str("reason", res.HaltReason).Msg("campaign is halted, run `outreach resume` after investigating")
		return r.finish(ctx, log, res, StateHalted)
	}

	r.transition(log, res, StateCheckingSendDay)
	weekday := now.In(r.cfg.Location).Weekday()
	if !r.cfg.SendDays.Allowed(res.CampaignDay, weekday) {
		log.Info().Str("weekday", weekday.String()).Msg("not a send day")
		return r.finish(ctx, log, res, StateComplete)
	}

	gov := governor.New(r.store, r.cfg.Schedule, r.cfg.Thresholds, st.StartDate, r.cfg.Location, r.now, log)
	if r.cfg.RestoreConsecutiveBounces {
		if err := gov.Restore(ctx); err != nil {
			return nil, err
		}
	}

	r.transition(log, res, StateBuildingQueue)
	seq := sequence.New(r.store, r.catalog, r.now)
	builder := queue.New(r.store, seq, queue.Config{
		Schedule:        r.cfg.Schedule,
		Start:           st.StartDate,
		Location:        r.cfg.Location,
		Distribution:    r.cfg.Distribution,
		OverFetchFactor: r.cfg.OverFetchFactor,
		Now:             r.now,
		Rand:            r.rng,
	}, log)
	items, err := builder.Build(ctx)
	if err != nil {
		return nil, err
	}
	res.Queued = len(items)
	if len(items) == 0 {
		return r.finish(ctx, log, res, StateComplete)
	}

	r.transition(log, res, StateSending)
	dispatcher := delivery.NewDispatcher(r.store, gov, r.templates, r.merge, r.transport, delivery.Options{
		Sender:     r.cfg.Sender,
		Compliance: r.cfg.Compliance,
		DryRun:     dryRun,
		Location:   r.cfg.Location,
		Now:        r.now,
	}, log)

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		out, err := dispatcher.Dispatch(ctx, item)
		if err != nil {
			return res, fmt.Errorf("dispatch %s step %d: %w", item.Contact.ID, item.Step.Number, err)
		}

		switch out.Outcome {
		case delivery.OutcomeHalted:
			res.HaltReason = out.Reason
			res.Critical = out.Decision.Critical
			if err := r.halt(ctx, log, res, out.Decision, dryRun); err != nil {
				return res, err
			}
			return r.finish(ctx, log, res, StateHalted)
		case delivery.OutcomeSkipped:
			res.Skipped++
		case delivery.OutcomeBounced:
			res.Bounced++
		case delivery.OutcomeFailed:
			res.Failed++
		case delivery.OutcomeSent, delivery.OutcomePreviewed:
			if out.Outcome == delivery.OutcomeSent {
				res.Dispatched++
			} else {
				res.Previewed++
			}
			if i == len(items)-1 {
				break
			}
			delay := r.jitter()
			if dryRun {
				log.Info().Dur("delay", delay).Msg("dry run: would wait before next send")
				continue
			}
			log.Debug().Dur("delay", delay).Msg("waiting before next send")
			if err := r.sleep(ctx, delay); err != nil {
				return res, err
			}
		}
	}

	return r.finish(ctx, log, res, StateComplete)
}

func (r *Runner) jitter() time.Duration {
	lo, hi := r.cfg.MinDelay, r.cfg.MaxDelay
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(r.rng.Int63n(int64(hi-lo)))
}

func (r *Runner) halt(ctx context.Context, log zerolog.Logger, res *RunResult, decision governor.Decision, dryRun bool) error {
	if decision.QuotaReached {
		log.Info().Str("reason", res.HaltReason).Msg("daily quota used up")
		return nil
	}
	if !res.Critical {
		log.Warn().Str("reason", res.HaltReason).Msg("governor stopped today's run")
		return nil
	}
	if dryRun {
		log.Error().Str("reason", res.HaltReason).Msg("dry run: campaign would be halted")
		return nil
	}
	if err := Halt(ctx, r.store, res.HaltReason); err != nil {
		return fmt.Errorf("persist halt: %w", err)
	}
	r.alerter.Critical(ctx, res.HaltReason, map[string]string{
		"campaign_day": strconv.Itoa(res.CampaignDay),
		"dispatched":   strconv.Itoa(res.Dispatched),
	})
	return nil
}

func (r *Runner) transition(log zerolog.Logger, res *RunResult, to State) {
	log.Debug().Str("from", string(res.State)).Str("to", string(to)).Msg("run state")
	res.State = to
}

func (r *Runner) finish(ctx context.Context, log zerolog.Logger, res *RunResult, terminal State) (*RunResult, error) {
	r.transition(log, res, terminal)

	rep, err := report.New(r.store, r.cfg.Schedule, r.cfg.Location, r.now).Build(ctx, 1)
	if err != nil {
		log.Error().Err(err).Msg("failed to build run summary")
	} else {
		res.Report = rep
	}

	ev := log.Info()
	if terminal == StateHalted {
		ev = log.Warn()
	}
	ev.Str("state", string(terminal)).
		Int("queued", res.Queued).
		Int("dispatched", res.Dispatched).
		Int("previewed", res.Previewed).
		Int("skipped", res.Skipped).
		Int("bounced", res.Bounced).
		Int("failed", res.Failed).
		Str("halt_reason", res.HaltReason).
		Msg("run finished")
	return res, nil
}
