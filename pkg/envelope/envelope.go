// Package envelope implements the per-agent constitutional contract and the
// runtime that enforces it. An envelope is data, not code: it is registered at
// startup and consulted on every action dispatch, so an agent can never do more
// than it declared.
package envelope

import (
	"fmt"
	"sort"
	"sync"

	"conductor/pkg/proto"
)

// Scope holds the structured constraints an envelope declares over its output
// and its LLM calls. Zero values mean "no constraint".
type Scope struct {
	// ClosedVocabularies maps a structured output field to its complete legal
	// value set. Any value outside the set aborts the agent; nothing is mapped
	// silently.
	ClosedVocabularies map[string][]string
	// DensityCaps maps a list-valued field to its maximum length.
	DensityCaps map[string]int
	// RequiredFields must be present and non-empty in structured output.
	RequiredFields []string
	// ForbiddenKeywords abort the agent when found anywhere in the canonical
	// output bytes.
	ForbiddenKeywords []string
	// AllowedFiles bounds file mutation to an exact relative-path set.
	AllowedFiles []string
	// Deterministic caps the LLM temperature and requires identical inputs to
	// reproduce identical content hashes.
	Deterministic bool
	// MaxTemperature overrides the deterministic cap when set (> 0).
	MaxTemperature float32
}

// Envelope is one agent's declared contract.
type Envelope struct {
	Scope            Scope
	Name             string
	Authority        proto.Authority
	Produces         proto.ArtifactType
	EntryPhase       proto.Phase
	AllowedActions   []proto.Action
	ForbiddenActions []proto.Action
	RequiredInputs   []proto.RequiredInput
	// ExitEffecting marks the envelope whose approved output lets the
	// Conductor advance past EntryPhase.
	ExitEffecting bool
}

// Allows reports whether the envelope permits an action.
func (e *Envelope) Allows(action proto.Action) bool {
	for _, a := range e.AllowedActions {
		if a == action {
			return true
		}
	}
	return false
}

// Forbids reports whether the envelope explicitly forbids an action.
func (e *Envelope) Forbids(action proto.Action) bool {
	for _, a := range e.ForbiddenActions {
		if a == action {
			return true
		}
	}
	return false
}

// Validate checks the envelope declaration itself.
func (e *Envelope) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("envelope has no name")
	}
	if !proto.IsValidAuthority(e.Authority) {
		return fmt.Errorf("envelope %s: unknown authority %q", e.Name, e.Authority)
	}
	if !proto.IsValidArtifactType(e.Produces) {
		return fmt.Errorf("envelope %s: unknown produced type %q", e.Name, e.Produces)
	}
	if !proto.IsValidPhase(e.EntryPhase) {
		return fmt.Errorf("envelope %s: unknown entry phase %q", e.Name, e.EntryPhase)
	}
	for _, a := range e.AllowedActions {
		if !proto.IsValidAction(a) {
			return fmt.Errorf("envelope %s: unknown allowed action %q", e.Name, a)
		}
		if e.Forbids(a) {
			return fmt.Errorf("envelope %s: action %q both allowed and forbidden", e.Name, a)
		}
	}
	for _, a := range e.ForbiddenActions {
		if !proto.IsValidAction(a) {
			return fmt.Errorf("envelope %s: unknown forbidden action %q", e.Name, a)
		}
	}
	for _, in := range e.RequiredInputs {
		if in.Role == "" {
			return fmt.Errorf("envelope %s: required input with empty role", e.Name)
		}
		if !proto.IsValidArtifactType(in.Type) {
			return fmt.Errorf("envelope %s: required input %s has unknown type %q", e.Name, in.Role, in.Type)
		}
	}
	return nil
}

// Registry is the startup-time lookup of envelopes by agent name.
type Registry struct {
	mu        sync.RWMutex
	envelopes map[string]*Envelope
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{envelopes: make(map[string]*Envelope)}
}

// Register validates and installs an envelope. Duplicate names are refused.
func (r *Registry) Register(e *Envelope) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.envelopes[e.Name]; exists {
		return fmt.Errorf("envelope %s already registered", e.Name)
	}
	r.envelopes[e.Name] = e
	return nil
}

// Get returns the envelope for an agent name.
func (r *Registry) Get(name string) (*Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.envelopes[name]
	if !ok {
		return nil, fmt.Errorf("no envelope registered for agent %q", name)
	}
	return e, nil
}

// ForPhase returns the agents registered with the given entry phase, in
// registration-independent deterministic order by name.
func (r *Registry) ForPhase(phase proto.Phase) []*Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Envelope
	for _, e := range r.envelopes {
		if e.EntryPhase == phase {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns all registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.envelopes))
	for name := range r.envelopes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
