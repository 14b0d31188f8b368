package models

import (
	"strings"
	"time"
)

// ExcludedPriority marks a contact that must never be mailed again (hard bounce).
// History is kept; the row is never deleted.
const ExcludedPriority = -999

type Contact struct {
	ID            string                 `json:"id"`
	Email         string                 `json:"email"`
	FirstName     string                 `json:"first_name"`
	LastName      string                 `json:"last_name"`
	Company       string                 `json:"company"`
	Tier          string                 `json:"tier"`
	PriorityScore int                    `json:"priority_score"`
	State         string                 `json:"state"`
	Attributes    map[string]interface{} `json:"attributes,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

func (c *Contact) Excluded() bool {
	return c.PriorityScore <= ExcludedPriority
}

// Attr returns the attribute as a string, or "" when missing.
func (c *Contact) Attr(key string) string {
	v, ok := c.Attributes[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, toString(p))
		}
		return strings.Join(parts, ", ")
	default:
		return toString(t)
	}
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
