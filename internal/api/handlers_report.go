package api

import (
	"net/http"
	"strconv"

	"github.com/shohag/outreach/internal/campaign"
	"github.com/shohag/outreach/internal/policy"
	"github.com/shohag/outreach/internal/report"
	"github.com/shohag/outreach/internal/storage"
)

const maxReportDays = 366

type ReportHandler struct {
	store    storage.Storage
	opts     Options
	reporter *report.Reporter
}

func NewReportHandler(store storage.Storage, opts Options) *ReportHandler {
	return &ReportHandler{
		store:    store,
		opts:     opts,
		reporter: report.New(store, opts.Schedule, opts.Location, opts.Now),
	}
}

func (h *ReportHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "outreach",
	})
}

// Report accepts ?days=N (default 7).
func (h *ReportHandler) Report(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxReportDays {
			writeError(w, http.StatusBadRequest, "days must be between 1 and 366")
			return
		}
		days = n
	}

	rep, err := h.reporter.Build(r.Context(), days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build report")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Daily lists daily_stats rows between ?from= and ?to= (YYYY-MM-DD, both
// inclusive); to defaults to today.
func (h *ReportHandler) Daily(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	to := q.Get("to")
	if to == "" {
		to = policy.DateKey(h.opts.Now(), h.opts.Location)
	}
	from := q.Get("from")
	if from == "" {
		writeError(w, http.StatusBadRequest, "from is required")
		return
	}
	for _, d := range []string{from, to} {
		if _, err := policy.ParseDate(d, h.opts.Location); err != nil {
			writeError(w, http.StatusBadRequest, "dates must be YYYY-MM-DD")
			return
		}
	}

	stats, err := h.store.ListDailyStats(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list daily stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type stateResponse struct {
	StartDate   string `json:"start_date"`
	Started     bool   `json:"started"`
	CampaignDay int    `json:"campaign_day"`
	DailyLimit  int    `json:"daily_limit"`
	Halted      bool   `json:"halted"`
	HaltReason  string `json:"halt_reason,omitempty"`
}

func (h *ReportHandler) State(w http.ResponseWriter, r *http.Request) {
	now := h.opts.Now()
	st, started, err := campaign.LoadState(r.Context(), h.store, h.opts.Location, now, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load campaign state")
		return
	}
	day := policy.CampaignDay(st.StartDate, now, h.opts.Location)
	writeJSON(w, http.StatusOK, stateResponse{
		StartDate:   policy.DateKey(st.StartDate, h.opts.Location),
		Started:     started,
		CampaignDay: day,
		DailyLimit:  h.opts.Schedule.DailyLimit(day),
		Halted:      st.Halted(),
		HaltReason:  st.HaltReason,
	})
}
