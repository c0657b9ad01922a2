// Package strategy selects the concrete action implementing one job
// stanza from an explicit registry of candidates.
package strategy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/internal/device"
)

const (
	SectionDeploy  = "deploy"
	SectionBoot    = "boot"
	SectionTest    = "test"
	SectionCommand = "command"
)

// Strategy describes one way to carry out a stanza.
type Strategy struct {
	Name          string
	Priority      int
	Compatibility int
	// Accepts reports whether the strategy can serve the stanza on the
	// device, with a reason when it cannot.
	Accepts func(dev *device.Device, params action.Parameters) (bool, string)
	New     func(params action.Parameters) action.Action
}

// Registry maps a section to its strategies in registration order.
type Registry struct {
	sections map[string][]*Strategy
}

func NewRegistry() *Registry {
	return &Registry{sections: make(map[string][]*Strategy)}
}

// Register adds s to section. Names must be unique and priorities must
// differ within a section so that selection stays deterministic.
func (r *Registry) Register(section string, s Strategy) error {
	if s.Name == "" {
		return fmt.Errorf("register %s strategy: name is missing", section)
	}
	if s.Accepts == nil || s.New == nil {
		return fmt.Errorf("register %s strategy %q: accepts and constructor are required", section, s.Name)
	}
	for _, existing := range r.sections[section] {
		if existing.Name == s.Name {
			return fmt.Errorf("register %s strategy %q: already registered", section, s.Name)
		}
		if existing.Priority == s.Priority {
			return fmt.Errorf(
				"register %s strategy %q: priority %d already used by %q",
				section, s.Name, s.Priority, existing.Name,
			)
		}
	}
	r.sections[section] = append(r.sections[section], &s)
	return nil
}

// MustRegister panics when Register fails. It is meant for the default
// registry built at startup.
func (r *Registry) MustRegister(section string, s Strategy) {
	if err := r.Register(section, s); err != nil {
		panic(err)
	}
}

func (r *Registry) Strategies(section string) []*Strategy {
	return r.sections[section]
}

// Select returns the accepting strategy with the highest priority.
func (r *Registry) Select(section string, dev *device.Device, params action.Parameters) (*Strategy, error) {
	candidates := r.sections[section]
	if len(candidates) == 0 {
		return nil, action.NewJobError("unknown section %q", section)
	}
	var accepted []*Strategy
	var reasons []string
	for _, s := range candidates {
		ok, reason := s.Accepts(dev, params)
		if ok {
			accepted = append(accepted, s)
			continue
		}
		reasons = append(reasons, fmt.Sprintf("%s: %s", s.Name, reason))
	}
	if len(accepted) == 0 {
		return nil, action.NewJobError(
			"no %s strategy available: %s",
			section,
			strings.Join(reasons, ", "),
		)
	}
	sort.SliceStable(accepted, func(i, j int) bool {
		return accepted[i].Priority > accepted[j].Priority
	})
	return accepted[0], nil
}
