package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/shohag/outreach/internal/models"
	"github.com/shohag/outreach/internal/policy"
	"github.com/shohag/outreach/internal/storage"
)

const (
	EventOpen          = "open"
	EventClick         = "click"
	EventSpamComplaint = "spam_complaint"
)

var eventStatus = map[string]models.SendStatus{
	EventOpen:          models.SendOpened,
	EventClick:         models.SendClicked,
	EventSpamComplaint: models.SendComplained,
}

var eventStat = map[string]models.StatField{
	EventOpen:          models.StatOpens,
	EventClick:         models.StatClicks,
	EventSpamComplaint: models.StatSpamComplaints,
}

// statusRank orders send statuses so a late open never hides a click or a
// complaint.
var statusRank = map[models.SendStatus]int{
	models.SendSent:       0,
	models.SendOpened:     1,
	models.SendClicked:    2,
	models.SendBounced:    3,
	models.SendComplained: 4,
}

type EventHandler struct {
	store storage.Storage
	opts  Options
	log   zerolog.Logger
}

func NewEventHandler(store storage.Storage, opts Options, log zerolog.Logger) *EventHandler {
	return &EventHandler{store: store, opts: opts, log: log}
}

type eventRequest struct {
	Type  string `json:"type"`
	Email string `json:"email"`
}

type eventResponse struct {
	SendID string            `json:"send_id"`
	Status models.SendStatus `json:"status"`
}

func (h *EventHandler) Record(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status, ok := eventStatus[req.Type]
	if !ok {
		writeError(w, http.StatusBadRequest, "type must be one of open, click, spam_complaint")
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	ctx := r.Context()
	contact, err := h.store.GetContactByEmail(ctx, req.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load contact")
		return
	}
	if contact == nil {
		writeError(w, http.StatusNotFound, "unknown contact")
		return
	}
	snd, err := h.store.LatestSend(ctx, contact.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load send")
		return
	}
	if snd == nil {
		writeError(w, http.StatusNotFound, "contact has not been emailed")
		return
	}

	if statusRank[status] > statusRank[snd.Status] {
		if err := h.store.UpdateSendStatus(ctx, snd.ID, status); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to update send")
			return
		}
		snd.Status = status
	}

	now := h.opts.Now()
	date := policy.DateKey(now, h.opts.Location)
	if err := h.store.IncrementStat(ctx, date, eventStat[req.Type], 1); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update stats")
		return
	}

	if req.Type == EventSpamComplaint {
		// a complainant is never mailed again
		if _, err := h.store.AddUnsubscribe(ctx, &models.Unsubscribe{
			Email:     contact.Email,
			Reason:    "spam complaint",
			Source:    EventSpamComplaint,
			CreatedAt: now.UTC(),
		}, date); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to record unsubscribe")
			return
		}
		h.log.Warn().Str("contact_id", contact.ID).Str("send_id", snd.ID).Msg("spam complaint recorded")
	}

	writeJSON(w, http.StatusOK, eventResponse{SendID: snd.ID, Status: snd.Status})
}
