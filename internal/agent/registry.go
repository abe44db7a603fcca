package agent

import (
	"fmt"
	"sort"

	"github.com/sindri-dev/sindri/pkg/types"
)

// Defaults are filled into agent definitions whose tunable fields were
// left at zero.
type Defaults struct {
	MaxIterations       int
	SimilarityThreshold float64
	MaxNudges           int
}

func sanitizeDefaults(d Defaults) Defaults {
	if d.MaxIterations <= 0 {
		d.MaxIterations = 20
	}
	if d.SimilarityThreshold <= 0 || d.SimilarityThreshold > 1 {
		d.SimilarityThreshold = 0.8
	}
	if d.MaxNudges <= 0 {
		d.MaxNudges = 3
	}
	return d
}

// Registry holds the agent definitions loaded at startup. It is
// read-only after construction; loops receive definitions by value.
type Registry struct {
	agents map[string]types.AgentDefinition
}

// NewRegistry validates the definitions, fills defaults, and indexes
// them by name. Names must be unique, every definition needs a model,
// and delegation targets must reference known agents.
func NewRegistry(defs []types.AgentDefinition, defaults Defaults) (*Registry, error) {
	const op = "agent.registry"
	defaults = sanitizeDefaults(defaults)

	agents := make(map[string]types.AgentDefinition, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, types.NewError(types.CategoryFatal, op, "agent definition has no name")
		}
		if def.Model == "" {
			return nil, types.NewError(types.CategoryFatal, op,
				fmt.Sprintf("agent %s has no model", def.Name))
		}
		if _, dup := agents[def.Name]; dup {
			return nil, types.NewError(types.CategoryFatal, op,
				fmt.Sprintf("duplicate agent %s", def.Name))
		}
		if def.MaxIterations <= 0 {
			def.MaxIterations = defaults.MaxIterations
		}
		if def.SimilarityThreshold <= 0 || def.SimilarityThreshold > 1 {
			def.SimilarityThreshold = defaults.SimilarityThreshold
		}
		if def.MaxNudges <= 0 {
			def.MaxNudges = defaults.MaxNudges
		}
		agents[def.Name] = def
	}

	// Delegation targets can only be checked once every name is known.
	for _, def := range agents {
		for _, target := range def.DelegateTo {
			if _, ok := agents[target]; !ok {
				return nil, types.NewError(types.CategoryFatal, op,
					fmt.Sprintf("agent %s delegates to unknown agent %s", def.Name, target))
			}
		}
	}

	return &Registry{agents: agents}, nil
}

// Get returns the named definition.
func (r *Registry) Get(name string) (types.AgentDefinition, error) {
	def, ok := r.agents[name]
	if !ok {
		return types.AgentDefinition{}, types.NewError(types.CategoryAgent, "agent.registry",
			fmt.Sprintf("unknown agent %s", name))
	}
	return def, nil
}

// Has reports whether an agent is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.agents[name]
	return ok
}

// Names lists the registered agent names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the definitions sorted by name.
func (r *Registry) All() []types.AgentDefinition {
	out := make([]types.AgentDefinition, 0, len(r.agents))
	for _, name := range r.Names() {
		out = append(out, r.agents[name])
	}
	return out
}
