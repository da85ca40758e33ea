// Package registry holds the authoritative in-memory map from pipeline
// identifier to its descriptor and loaded state. It is the only shared
// mutable resource on the dispatch path: reads take snapshots under a read
// lock, writes replace entries atomically, and no pipeline code ever runs
// while a lock is held.
package registry

import (
	"sort"
	"sync"

	"github.com/pipehost/pipehost/internal/engine"
	"github.com/pipehost/pipehost/internal/pipeline"
)

// Entry pairs a descriptor with its loaded unit, if any. Unit is nil for
// entries known only from a scan (Discovered) or whose last load failed
// (Failed, with LoadErr holding the failure).
type Entry struct {
	Descriptor pipeline.Descriptor
	Unit       *engine.Unit
	LoadErr    error
}

// Loaded reports whether the entry is servable.
func (e Entry) Loaded() bool { return e.Unit != nil }

// Registry is safe for concurrent use by many readers and one writer.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Get returns the entry for an identifier.
func (r *Registry) Get(identifier string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[identifier]
	return e, ok
}

// Put replaces any existing entry for the identifier atomically.
func (r *Registry) Put(identifier string, entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[identifier] = entry
}

// Remove deletes the descriptor and loaded unit together. Removing an
// unknown identifier is a no-op; the caller decides whether that is a
// user-facing NotFound.
func (r *Registry) Remove(identifier string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, identifier)
}

// SetDiscovered replaces the whole registry with descriptor-only entries,
// one per scanned descriptor. Used on initialization; previous loaded units
// are dropped.
func (r *Registry) SetDiscovered(descriptors map[string]pipeline.Descriptor) {
	next := make(map[string]Entry, len(descriptors))
	for id, desc := range descriptors {
		next[id] = Entry{Descriptor: desc}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = next
}

// List returns a consistent snapshot of all entries, sorted by identifier.
func (r *Registry) List() []pipeline.Info {
	r.mu.RLock()
	out := make([]pipeline.Info, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, pipeline.Info{
			ID:          id,
			Name:        e.Descriptor.Name,
			Description: e.Descriptor.Description,
			Type:        e.Descriptor.Type,
			FilePath:    e.Descriptor.SourcePath,
			Loaded:      e.Unit != nil,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
