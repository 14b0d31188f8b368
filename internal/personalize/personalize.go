// Package personalize builds the flat merge dictionary used to fill subjects
// and bodies. Each tier contributes its own fields through a Provider.
package personalize

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shohag/outreach/internal/models"
)

var ErrNoProvider = errors.New("no personalization provider for tier")

// Sender is the identity mail goes out under.
type Sender struct {
	Name    string `mapstructure:"name"`
	Title   string `mapstructure:"title"`
	Company string `mapstructure:"company"`
	Email   string `mapstructure:"email"`
}

// Provider maps a contact's attribute bag to tier-specific merge fields.
type Provider interface {
	Fields(c *models.Contact) map[string]string
}

type ProviderFunc func(c *models.Contact) map[string]string

func (f ProviderFunc) Fields(c *models.Contact) map[string]string { return f(c) }

type Personalizer struct {
	sender    Sender
	providers map[string]Provider
}

// New returns a Personalizer with the built-in consultant, vendor and entity
// providers registered.
func New(sender Sender) *Personalizer {
	p := &Personalizer{sender: sender, providers: make(map[string]Provider)}
	p.Register("consultant", ProviderFunc(consultantFields))
	p.Register("vendor", ProviderFunc(vendorFields))
	p.Register("entity", ProviderFunc(entityFields))
	return p
}

func (p *Personalizer) Register(tier string, provider Provider) {
	p.providers[tier] = provider
}

// MergeData returns the sender and contact base fields overlaid with the
// tier provider's fields.
func (p *Personalizer) MergeData(c *models.Contact) (map[string]string, error) {
	provider, ok := p.providers[c.Tier]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoProvider, c.Tier)
	}

	firstName := strings.TrimSpace(c.FirstName)
	if firstName == "" {
		firstName = "there"
	}
	data := map[string]string{
		"sender_name":    p.sender.Name,
		"sender_title":   p.sender.Title,
		"sender_company": p.sender.Company,
		"first_name":     firstName,
		"last_name":      c.LastName,
		"full_name":      strings.TrimSpace(c.FirstName + " " + c.LastName),
		"company":        c.Company,
		"state":          c.State,
		"email":          c.Email,
	}
	for k, v := range provider.Fields(c) {
		data[k] = v
	}
	return data, nil
}

func consultantFields(c *models.Contact) map[string]string {
	return map[string]string{
		"crn":          c.Attr("crn"),
		"client_count": orDefault(c.Attr("client_count"), "multiple"),
	}
}

func vendorFields(c *models.Contact) map[string]string {
	return map[string]string{
		"spin":          c.Attr("spin"),
		"service_types": orDefault(c.Attr("service_types"), "your services"),
	}
}

func entityFields(c *models.Contact) map[string]string {
	return map[string]string{
		"ben":           c.Attr("ben"),
		"entity_type":   orDefault(c.Attr("entity_type"), "school or library"),
		"discount_rate": orDefault(c.Attr("discount_rate"), "significant"),
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

var placeholder = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// Subject fills {field} placeholders from data. Unknown fields stay verbatim.
func Subject(tmpl string, data map[string]string) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		if v, ok := data[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}
