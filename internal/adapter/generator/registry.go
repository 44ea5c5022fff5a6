// Package generator provides the audio generators used by the producer.
package generator

import (
	"fmt"

	"github.com/cwygoda/transcriptd/internal/config"
	"github.com/cwygoda/transcriptd/internal/domain"
)

// Registry holds registered audio generators.
type Registry struct {
	generators []domain.AudioGenerator
}

// NewRegistry creates a new generator registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// FromConfig builds a registry with one generator per config entry, in order.
func FromConfig(cfgs []config.GeneratorConfig) (*Registry, error) {
	r := NewRegistry()
	for _, gc := range cfgs {
		var (
			g   domain.AudioGenerator
			err error
		)
		switch gc.Kind {
		case config.GeneratorHTTP:
			g, err = NewHTTPGenerator(gc)
		case config.GeneratorCommand, "":
			g, err = NewCommandGenerator(gc)
		default:
			err = fmt.Errorf("unsupported kind %q", gc.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("generator %s: %w", gc.Name, err)
		}
		r.Register(g)
	}
	return r, nil
}

// Register adds a generator to the registry.
func (r *Registry) Register(g domain.AudioGenerator) {
	r.generators = append(r.generators, g)
}

// Match returns the first generator that matches the mentor slug, or nil.
func (r *Registry) Match(mentorSlug string) domain.AudioGenerator {
	for _, g := range r.generators {
		if g.Match(mentorSlug) {
			return g
		}
	}
	return nil
}

// Generators returns all registered generators.
func (r *Registry) Generators() []domain.AudioGenerator {
	return r.generators
}
