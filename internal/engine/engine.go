// Package engine owns the registry of account state machines, one per
// (container, context, persona).
package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"trustmesh"
	"trustmesh/account"
)

// ErrCrossPersona is returned when a context key addresses a context that
// belongs to another persona.
var ErrCrossPersona = errors.New("context belongs to another persona")

type entry struct {
	machine *account.Machine
	phase   EntryPhase
}

type Registry struct {
	mu         sync.Mutex
	entries    map[trustmesh.ContextKey]*entry
	rootCtx    context.Context
	newMachine MachineFactory

	container string
	base      string
	primary   string
	log       *slog.Logger
}

type Option func(*Registry)

// WithContainer sets the container new keys are derived in.
func WithContainer(container string) Option {
	return func(r *Registry) { r.container = container }
}

// WithBaseContext sets the context identifier of the primary persona.
func WithBaseContext(base string) Option {
	return func(r *Registry) { r.base = base }
}

// WithPrimaryPersona sets the altDSID that owns the bare base context.
func WithPrimaryPersona(altDSID string) Option {
	return func(r *Registry) { r.primary = altDSID }
}

// New returns an empty registry. Machines run until ctx is cancelled or
// StopAll is called.
func New(ctx context.Context, newMachine MachineFactory, opts ...Option) *Registry {
	r := &Registry{
		entries:    make(map[trustmesh.ContextKey]*entry),
		rootCtx:    ctx,
		newMachine: newMachine,
		container:  trustmesh.DefaultContainer,
		base:       trustmesh.DefaultContext,
		log:        slog.With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// KeyFor derives the context key of a persona.
func (r *Registry) KeyFor(altDSID string) trustmesh.ContextKey {
	return trustmesh.ContextKey{
		Container: r.container,
		Context:   trustmesh.ContextIDFor(r.base, altDSID, altDSID == r.primary),
		Persona:   altDSID,
	}
}

// ForPersona returns the machine of a persona's context, creating it on
// first use.
func (r *Registry) ForPersona(altDSID string) (*account.Machine, error) {
	return r.Lookup(r.KeyFor(altDSID))
}

// Lookup returns the machine for key, creating and starting it on first
// use. A key whose context identifier was derived for a different persona
// is rejected.
func (r *Registry) Lookup(key trustmesh.ContextKey) (*account.Machine, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if want := trustmesh.ContextIDFor(r.base, key.Persona, key.Persona == r.primary); key.Context != want {
		return nil, fmt.Errorf("%w: %s addressed as %q", ErrCrossPersona, key.Persona, key.Context)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok && e.phase == EntryRunning {
		return e.machine, nil
	}

	m, err := r.newMachine(key)
	if err != nil {
		return nil, fmt.Errorf("create machine for %s: %w", key, err)
	}
	e := &entry{machine: m, phase: EntryAbsent}
	e.phase = e.phase.Transition(EntryRunning)
	r.entries[key] = e
	m.Start(r.rootCtx)
	r.log.Info("started machine", "context", key.String())
	return m, nil
}

// Get returns the machine for key without creating one.
func (r *Registry) Get(key trustmesh.ContextKey) (*account.Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || e.phase != EntryRunning {
		return nil, false
	}
	return e.machine, true
}

// Machines returns the running machines ordered by key.
func (r *Registry) Machines() []*account.Machine {
	r.mu.Lock()
	out := make([]*account.Machine, 0, len(r.entries))
	for _, e := range r.entries {
		if e.phase == EntryRunning {
			out = append(out, e.machine)
		}
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b *account.Machine) int {
		return cmp.Compare(a.Key().String(), b.Key().String())
	})
	return out
}

// Remove stops and forgets the machine for key. Removing an unknown key is
// a no-op.
func (r *Registry) Remove(key trustmesh.ContextKey) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.phase != EntryRunning {
		r.mu.Unlock()
		return
	}
	e.phase = e.phase.Transition(EntryStopping)
	r.mu.Unlock()

	e.machine.Close()

	r.mu.Lock()
	e.phase = e.phase.Transition(EntryAbsent)
	if r.entries[key] == e {
		delete(r.entries, key)
	}
	r.mu.Unlock()
	r.log.Info("stopped machine", "context", key.String())
}

// StopAll stops every machine.
func (r *Registry) StopAll() {
	r.mu.Lock()
	keys := make([]trustmesh.ContextKey, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	if len(keys) > 0 {
		r.log.Info("stopping all machines", "count", len(keys))
	}
	for _, k := range keys {
		r.Remove(k)
	}
}
