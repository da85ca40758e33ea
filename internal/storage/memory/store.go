// Package memory provides an in-memory Store for tests and for running the
// host without persistence.
package memory

import (
	"context"
	"sync"

	"github.com/pipehost/pipehost/internal/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu          sync.RWMutex
	valves      map[string]map[string]any
	invocations []*storage.Invocation
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{valves: make(map[string]map[string]any)}
}

// SaveValves stores a copy of the values for a pipeline.
func (s *Store) SaveValves(_ context.Context, pipelineID string, values map[string]any) error {
	cp := make(map[string]any, len(values))
	for k, v := range values {
		cp[k] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valves[pipelineID] = cp
	return nil
}

// GetValves returns the stored values for a pipeline.
func (s *Store) GetValves(_ context.Context, pipelineID string) (map[string]any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vals, ok := s.valves[pipelineID]
	if !ok {
		return nil, false, nil
	}
	cp := make(map[string]any, len(vals))
	for k, v := range vals {
		cp[k] = v
	}
	return cp, true, nil
}

// DeleteValves drops the stored values for a pipeline.
func (s *Store) DeleteValves(_ context.Context, pipelineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.valves, pipelineID)
	return nil
}

// RecordInvocation appends an invocation record.
func (s *Store) RecordInvocation(_ context.Context, inv *storage.Invocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inv
	s.invocations = append(s.invocations, &cp)
	return nil
}

// ListInvocations returns the most recent invocations for a pipeline, newest
// first.
func (s *Store) ListInvocations(_ context.Context, pipelineID string, limit int) ([]*storage.Invocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Invocation
	for i := len(s.invocations) - 1; i >= 0; i-- {
		inv := s.invocations[i]
		if pipelineID != "" && inv.PipelineID != pipelineID {
			continue
		}
		cp := *inv
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
