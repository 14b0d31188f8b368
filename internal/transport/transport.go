// Package transport hands composed mail to an outbound provider: an SMTP
// relay, the Gmail API or Amazon SES.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shohag/outreach/internal/models"
	"gopkg.in/gomail.v2"
)

// ErrUnavailable marks failures that will affect every further send, such as
// rejected credentials or an unreachable relay.
var ErrUnavailable = errors.New("mail transport unavailable")

type Message struct {
	FromName  string
	FromEmail string
	To        string
	Subject   string
	Body      string
	Headers   map[string]string
	// ThreadID continues an existing thread when set.
	ThreadID string
	// InReplyTo is the Message-ID of the message being replied to.
	InReplyTo string
}

type Result struct {
	MessageID string
	ThreadID  string
}

type Transport interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
	Name() string
}

func domainOf(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return email[i+1:]
	}
	return ""
}

// Compose builds the MIME message, generating a Message-ID under the
// sender's domain.
func Compose(msg *Message) (*gomail.Message, string) {
	messageID := models.NewMessageID(domainOf(msg.FromEmail))

	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.FromEmail, msg.FromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	if msg.InReplyTo != "" {
		m.SetHeader("In-Reply-To", msg.InReplyTo)
		m.SetHeader("References", msg.InReplyTo)
	}

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.SetHeader(k, msg.Headers[k])
	}

	m.SetBody("text/plain", msg.Body)
	return m, messageID
}

// Raw renders the composed message to RFC 5322 bytes.
func Raw(msg *Message) ([]byte, string, error) {
	m, messageID := Compose(msg)
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, "", fmt.Errorf("render message: %w", err)
	}
	return buf.Bytes(), messageID, nil
}

// threadOf returns the existing thread or starts one rooted at messageID.
func threadOf(msg *Message, messageID string) string {
	if msg.ThreadID != "" {
		return msg.ThreadID
	}
	return messageID
}
