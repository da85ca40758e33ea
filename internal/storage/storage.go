// Package storage defines the persistence interfaces for the pipeline host:
// valve values that survive restarts, and an audit log of pipeline
// invocations. The registry itself is never persisted; it is rebuilt from the
// pipeline directory on startup.
package storage

import (
	"context"
	"time"
)

// Invocation is one recorded dispatch of pipeline code.
type Invocation struct {
	ID         string
	PipelineID string
	Phase      string
	Status     string
	Error      string
	Duration   time.Duration
	CreatedAt  time.Time
}

// Invocation status values. Degraded marks a dispatch that succeeded but
// returned the pre-outlet body because the outlet filter failed.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusDegraded = "degraded"
)

// ValveStore persists per-pipeline valve values.
type ValveStore interface {
	SaveValves(ctx context.Context, pipelineID string, values map[string]any) error
	GetValves(ctx context.Context, pipelineID string) (map[string]any, bool, error)
	DeleteValves(ctx context.Context, pipelineID string) error
}

// InvocationStore records dispatches for auditing.
type InvocationStore interface {
	RecordInvocation(ctx context.Context, inv *Invocation) error
	ListInvocations(ctx context.Context, pipelineID string, limit int) ([]*Invocation, error)
}

// Store is the full persistence surface.
type Store interface {
	ValveStore
	InvocationStore
	Close() error
}
