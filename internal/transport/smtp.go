package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/textproto"

	"gopkg.in/gomail.v2"
)

type SMTPConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

type dialer interface {
	Dial() (gomail.SendCloser, error)
}

// SMTP sends through a relay, one connection per message. Threads are keyed
// by the root message's Message-ID.
type SMTP struct {
	dialer dialer
}

func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: smtp host not configured", ErrUnavailable)
	}
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	if cfg.InsecureSkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true, ServerName: cfg.Host}
	}
	return &SMTP{dialer: d}, nil
}

func (s *SMTP) Name() string { return "smtp" }

func (s *SMTP) Send(ctx context.Context, msg *Message) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m, messageID := Compose(msg)

	conn, err := s.dialer.Dial()
	if err != nil {
		return nil, classifyDialError(err)
	}
	defer conn.Close()

	if err := gomail.Send(conn, m); err != nil {
		return nil, err
	}
	return &Result{MessageID: messageID, ThreadID: threadOf(msg, messageID)}, nil
}

// classifyDialError treats refused connections and rejected logins as the
// relay being unavailable. Timeouts stay per-message failures.
func classifyDialError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("smtp dial: %w", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) && (protoErr.Code == 535 || protoErr.Code == 530) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return fmt.Errorf("smtp dial: %w", err)
}
