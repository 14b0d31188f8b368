// Package catalog loads the versioned campaign content: each tier's email
// sequence and the body templates its steps reference.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/shohag/outreach/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

type Tier struct {
	Steps     []models.SequenceStep `yaml:"steps"`
	Templates map[string]string     `yaml:"templates"`
}

type Catalog struct {
	Version string           `yaml:"version"`
	Tiers   map[string]*Tier `yaml:"tiers"`
}

// Load reads a catalog file, or the built-in catalog when path is empty.
func Load(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog: %w", err)
		}
		data = b
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for _, t := range c.Tiers {
		sort.Slice(t.Steps, func(i, j int) bool { return t.Steps[i].Number < t.Steps[j].Number })
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate enforces that every tier's steps are numbered 1..n without gaps.
// A gap would leave contacts stuck before it forever.
func (c *Catalog) Validate() error {
	if len(c.Tiers) == 0 {
		return errors.New("catalog defines no tiers")
	}
	for name, t := range c.Tiers {
		if t == nil || len(t.Steps) == 0 {
			return fmt.Errorf("tier %q has no steps", name)
		}
		for i, s := range t.Steps {
			if s.Number != i+1 {
				return fmt.Errorf("tier %q: expected step %d, found %d", name, i+1, s.Number)
			}
			if s.DelayDays < 0 {
				return fmt.Errorf("tier %q step %d: negative delay", name, s.Number)
			}
			if s.TemplateID == "" {
				return fmt.Errorf("tier %q step %d: missing template", name, s.Number)
			}
		}
	}
	return nil
}

func (c *Catalog) TierNames() []string {
	names := make([]string, 0, len(c.Tiers))
	for name := range c.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) Steps(tier string) []models.SequenceStep {
	t, ok := c.Tiers[tier]
	if !ok {
		return nil
	}
	return t.Steps
}

func (c *Catalog) Step(tier string, number int) (models.SequenceStep, bool) {
	for _, s := range c.Steps(tier) {
		if s.Number == number {
			return s, true
		}
	}
	return models.SequenceStep{}, false
}

// MissingTemplates lists "tier/template" pairs referenced by a step but not
// defined. They are skipped at send time rather than rejected here.
func (c *Catalog) MissingTemplates() []string {
	var missing []string
	for _, name := range c.TierNames() {
		t := c.Tiers[name]
		for _, s := range t.Steps {
			if _, ok := t.Templates[s.TemplateID]; !ok {
				missing = append(missing, name+"/"+s.TemplateID)
			}
		}
	}
	return missing
}
