package delivery

import (
	"regexp"
	"strings"

	"github.com/shohag/outreach/internal/models"
)

// smtpStatus matches a reply code, optionally followed by an enhanced status
// code, as it starts an SMTP response ("550 5.1.1 ...", "552-5.2.2 ...").
var smtpStatus = regexp.MustCompile(`(?:^|[\s:])([245]\d{2})(?:[\s-]+([245]\.\d{1,3}\.\d{1,3}))?(?:[\s-]|$)`)

var hardBouncePhrases = []string{
	"user unknown",
	"no such user",
	"mailbox unavailable",
	"address not found",
	"does not exist",
	"undeliverable",
	"recipient address rejected",
	"invalid recipient",
}

var softBouncePhrases = []string{
	"mailbox full",
	"over quota",
	"quota exceeded",
	"insufficient storage",
}

// ClassifyBounce decides whether a transport error means the address bounced.
// The first SMTP status in the text decides; phrases are only consulted when
// it says nothing about the mailbox. Anything else, including timeouts and
// 421 deferrals, is transient.
func ClassifyBounce(errText string) (models.BounceType, bool) {
	s := strings.ToLower(errText)
	if m := smtpStatus.FindStringSubmatch(s); m != nil {
		if kind, ok := classifyStatus(m[1], m[2]); ok {
			return kind, true
		}
	}
	if containsAny(s, softBouncePhrases) {
		return models.BounceSoft, true
	}
	if containsAny(s, hardBouncePhrases) {
		return models.BounceHard, true
	}
	return "", false
}

func classifyStatus(reply, enhanced string) (models.BounceType, bool) {
	switch {
	case enhanced == "5.2.2" || enhanced == "4.2.2":
		return models.BounceSoft, true
	case strings.HasPrefix(enhanced, "5.1."):
		return models.BounceHard, true
	}
	switch reply {
	case "452", "552":
		return models.BounceSoft, true
	case "550", "551", "553", "554":
		return models.BounceHard, true
	}
	return "", false
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
