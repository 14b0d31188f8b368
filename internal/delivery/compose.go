package delivery

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/shohag/outreach/internal/signing"
)

type Compliance struct {
	CompanyName       string `mapstructure:"company_name"`
	MailingAddress    string `mapstructure:"mailing_address"`
	UnsubscribeURL    string `mapstructure:"unsubscribe_url"`
	UnsubscribeSecret string `mapstructure:"unsubscribe_secret"`
}

// MinSecretLength is the shortest unsubscribe secret Validate accepts.
const MinSecretLength = 16

// Validate rejects settings that would put forgeable or host-less
// unsubscribe links into outgoing mail.
func (c Compliance) Validate() error {
	if len(c.UnsubscribeSecret) < MinSecretLength {
		return fmt.Errorf("unsubscribe_secret must be at least %d characters", MinSecretLength)
	}
	if c.UnsubscribeURL == "" {
		return errors.New("unsubscribe_url is required")
	}
	u, err := url.Parse(c.UnsubscribeURL)
	if err != nil {
		return fmt.Errorf("unsubscribe_url: %w", err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("unsubscribe_url %q must be an absolute http(s) URL", c.UnsubscribeURL)
	}
	return nil
}

func (c Compliance) unsubscribeLink(email string) string {
	return signing.UnsubscribeURL(c.UnsubscribeURL, c.UnsubscribeSecret, email)
}

// Footer is appended to every body: who we are, where we are, how to opt out.
func (c Compliance) Footer(unsubscribeURL string) string {
	var b strings.Builder
	b.WriteString("\n\n--\n")
	if c.CompanyName != "" {
		b.WriteString(c.CompanyName)
		b.WriteString("\n")
	}
	if c.MailingAddress != "" {
		b.WriteString(c.MailingAddress)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Not interested? Unsubscribe here: %s\n", unsubscribeURL)
	return b.String()
}

// Headers returns the bulk-sender headers mailbox providers look for.
func (c Compliance) Headers(unsubscribeURL string) map[string]string {
	return map[string]string{
		"List-Unsubscribe":      "<" + unsubscribeURL + ">",
		"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		"Precedence":            "bulk",
	}
}
