package api

import (
	"html/template"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/shohag/outreach/internal/models"
	"github.com/shohag/outreach/internal/policy"
	"github.com/shohag/outreach/internal/signing"
	"github.com/shohag/outreach/internal/storage"
)

var confirmPage = template.Must(template.New("confirm").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Unsubscribe</title></head>
<body>
<p>Stop emails from {{.Company}} to <strong>{{.Email}}</strong>?</p>
<form method="post" action="/unsubscribe">
<input type="hidden" name="email" value="{{.Email}}">
<input type="hidden" name="token" value="{{.Token}}">
<button type="submit">Unsubscribe</button>
</form>
</body></html>
`))

var donePage = template.Must(template.New("done").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Unsubscribed</title></head>
<body><p><strong>{{.Email}}</strong> will not receive further emails from {{.Company}}.</p></body></html>
`))

var invalidPage = template.Must(template.New("invalid").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Invalid link</title></head>
<body><p>This unsubscribe link is invalid. Reply to any of our emails and we will remove you by hand.</p></body></html>
`))

type pageData struct {
	Company string
	Email   string
	Token   string
}

type UnsubscribeHandler struct {
	store storage.Storage
	opts  Options
	log   zerolog.Logger
}

func NewUnsubscribeHandler(store storage.Storage, opts Options, log zerolog.Logger) *UnsubscribeHandler {
	return &UnsubscribeHandler{store: store, opts: opts, log: log}
}

// Confirm renders a page that posts back; link scanners following the GET
// never unsubscribe anyone.
func (h *UnsubscribeHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	email := models.NormalizeEmail(r.URL.Query().Get("email"))
	token := r.URL.Query().Get("token")
	if email == "" || !signing.Verify(h.opts.UnsubscribeSecret, email, token) {
		writeHTML(w, http.StatusBadRequest, invalidPage, nil)
		return
	}
	writeHTML(w, http.StatusOK, confirmPage, pageData{Company: h.opts.CompanyName, Email: email, Token: token})
}

// Unsubscribe serves both the confirmation form and RFC 8058 one-click
// posts, which carry email and token in the URL and
// "List-Unsubscribe=One-Click" in the body.
func (h *UnsubscribeHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeHTML(w, http.StatusBadRequest, invalidPage, nil)
		return
	}
	email := models.NormalizeEmail(r.Form.Get("email"))
	token := r.Form.Get("token")
	if email == "" || !signing.Verify(h.opts.UnsubscribeSecret, email, token) {
		writeHTML(w, http.StatusBadRequest, invalidPage, nil)
		return
	}

	source := "link"
	if r.PostForm.Get("List-Unsubscribe") == "One-Click" {
		source = "one_click"
	}

	now := h.opts.Now()
	added, err := h.store.AddUnsubscribe(r.Context(), &models.Unsubscribe{
		Email:     email,
		Source:    source,
		CreatedAt: now.UTC(),
	}, policy.DateKey(now, h.opts.Location))
	if err != nil {
		h.log.Error().Err(err).Msg("failed to record unsubscribe")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.log.Info().Str("source", source).Bool("new", added).Msg("unsubscribe received")

	writeHTML(w, http.StatusOK, donePage, pageData{Company: h.opts.CompanyName, Email: email})
}
