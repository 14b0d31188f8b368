package catalog

import (
	"errors"
	"fmt"

	"github.com/osteele/liquid"
)

var ErrTemplateNotFound = errors.New("template not found")

// RenderFunc turns a merge dictionary into a body.
type RenderFunc func(data map[string]string) (string, error)

type registryKey struct {
	tier     string
	template string
}

// Registry maps (tier, template id) to a body renderer.
type Registry struct {
	funcs map[registryKey]RenderFunc
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[registryKey]RenderFunc)}
}

func (r *Registry) Register(tier, templateID string, fn RenderFunc) {
	r.funcs[registryKey{tier, templateID}] = fn
}

func (r *Registry) Lookup(tier, templateID string) (RenderFunc, bool) {
	fn, ok := r.funcs[registryKey{tier, templateID}]
	return fn, ok
}

func (r *Registry) Render(tier, templateID string, data map[string]string) (string, error) {
	fn, ok := r.Lookup(tier, templateID)
	if !ok {
		return "", fmt.Errorf("%s/%s: %w", tier, templateID, ErrTemplateNotFound)
	}
	return fn(data)
}

// Registry compiles every catalog template with Liquid and registers it.
func (c *Catalog) Registry() (*Registry, error) {
	engine := liquid.NewEngine()
	reg := NewRegistry()
	for _, tier := range c.TierNames() {
		for id, src := range c.Tiers[tier].Templates {
			tpl, perr := engine.ParseString(src)
			if perr != nil {
				return nil, fmt.Errorf("compile template %s/%s: %w", tier, id, perr)
			}
			reg.Register(tier, id, liquidRenderer(tpl))
		}
	}
	return reg, nil
}

func liquidRenderer(tpl *liquid.Template) RenderFunc {
	return func(data map[string]string) (string, error) {
		bindings := make(liquid.Bindings, len(data))
		for k, v := range data {
			bindings[k] = v
		}
		out, err := tpl.RenderString(bindings)
		if err != nil {
			return "", err
		}
		return out, nil
	}
}
