package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

type GmailConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token"`
}

// Gmail sends as the authorized mailbox. Replies reuse Gmail's thread id.
type Gmail struct {
	srv *gmail.Service
}

func NewGmail(ctx context.Context, cfg GmailConfig) (*Gmail, error) {
	if cfg.RefreshToken == "" {
		return nil, fmt.Errorf("%w: gmail refresh token not configured", ErrUnavailable)
	}
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{gmail.GmailSendScope},
		Endpoint:     google.Endpoint,
	}
	token := &oauth2.Token{RefreshToken: cfg.RefreshToken, TokenType: "Bearer"}

	srv, err := gmail.NewService(ctx, option.WithTokenSource(oauthCfg.TokenSource(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &Gmail{srv: srv}, nil
}

// NewGmailWithService wraps an existing client, e.g. one pointed at a test server.
func NewGmailWithService(srv *gmail.Service) *Gmail {
	return &Gmail{srv: srv}
}

func (g *Gmail) Name() string { return "gmail" }

func (g *Gmail) Send(ctx context.Context, msg *Message) (*Result, error) {
	raw, messageID, err := Raw(msg)
	if err != nil {
		return nil, err
	}

	out := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)}
	if msg.ThreadID != "" {
		out.ThreadId = msg.ThreadID
	}

	sent, err := g.srv.Users.Messages.Send("me", out).Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}

	threadID := sent.ThreadId
	if threadID == "" {
		threadID = threadOf(msg, messageID)
	}
	return &Result{MessageID: messageID, ThreadID: threadID}, nil
}
