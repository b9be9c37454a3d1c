// Package registry implements the process-wide workflow/tool/agent registry
// (C3): a map from workflow id to definition, written once at worker startup
// and read concurrently thereafter (spec §4.1, §5).
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/polos-dev/polos-sub001/internal/definition"
)

// Registry is a thread-safe map of workflow id to definition. The zero value
// is not usable; construct with New.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*definition.Workflow
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{defs: make(map[string]*definition.Workflow)}
}

// ErrDuplicateWorkflow is returned by Register when id is already registered
// and replace is false.
type ErrDuplicateWorkflow struct {
	ID string
}

func (e *ErrDuplicateWorkflow) Error() string {
	return fmt.Sprintf("registry: workflow %q already registered", e.ID)
}

// Register adds def to the registry. It fails with *ErrDuplicateWorkflow if
// def.ID is already present, unless replace is true.
func (r *Registry) Register(def *definition.Workflow, replace bool) error {
	if def == nil || def.ID == "" {
		return fmt.Errorf("registry: definition must have a non-empty ID")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.ID]; exists && !replace {
		return &ErrDuplicateWorkflow{ID: def.ID}
	}
	r.defs[def.ID] = def
	return nil
}

// Get looks up a definition by id.
func (r *Registry) Get(id string) (*definition.Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[id]
	return ok
}

// List returns every registered definition, ordered by id for determinism.
func (r *Registry) List() []*definition.Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*definition.Workflow, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// global is the process-wide singleton registry used by the convenience
// auto-registration layer (spec §9 "Registry as global state"). Explicit
// registries constructed via New remain the primary API; Global is the
// registry cmd/workerd registers into and agentloop.NewHandler resolves
// tools from.
var global = New()

// Global returns the process-wide singleton Registry.
func Global() *Registry { return global }
