// Package dispatch resolves a request's target identifier and runs the
// pipeline's inlet -> pipe -> outlet chain with error containment. It only
// ever reads the registry through the lifecycle manager and calls into
// borrowed unit handles; it never mutates registry state. Execution is
// at-most-once: no retries, no self-imposed deadlines.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pipehost/pipehost/internal/lifecycle"
	"github.com/pipehost/pipehost/internal/pipeline"
	"github.com/pipehost/pipehost/internal/storage"
)

// Result is the outcome of a successful dispatch. Warning is set when the
// outlet filter failed: the pre-outlet body is returned rather than
// discarding the pipe stage's work.
type Result struct {
	Body    any
	Warning string
}

// Dispatcher executes pipelines.
type Dispatcher struct {
	manager *lifecycle.Manager
	store   storage.InvocationStore
	logger  *slog.Logger
}

// New creates a dispatcher. The store may be nil to disable invocation
// auditing.
func New(manager *lifecycle.Manager, store storage.InvocationStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{manager: manager, store: store, logger: logger}
}

// Execute resolves the identifier (with one implicit lazy load for
// discovered-but-unloaded pipelines), applies the inlet filter when present,
// invokes pipe, and applies the outlet filter when present. Every failure
// inside pipeline code becomes a typed ExecutionError; nothing propagates as
// a panic.
func (d *Dispatcher) Execute(ctx context.Context, identifier string, body any, user pipeline.User) (Result, error) {
	start := time.Now()

	entry, err := d.manager.EnsureLoaded(ctx, identifier)
	if err != nil {
		d.record(ctx, identifier, "load", storage.StatusError, err.Error(), start)
		return Result{}, err
	}
	unit := entry.Unit

	current := body
	if unit.HasInlet() {
		filtered, err := unit.Inlet(current, user, identifier)
		if err != nil {
			execErr := &pipeline.ExecutionError{Identifier: identifier, Phase: pipeline.PhaseInlet, Err: err}
			d.record(ctx, identifier, string(pipeline.PhaseInlet), storage.StatusError, execErr.Error(), start)
			return Result{}, execErr
		}
		current = filtered
	}

	out, err := unit.Pipe(current, user, identifier)
	if err != nil {
		execErr := &pipeline.ExecutionError{Identifier: identifier, Phase: pipeline.PhasePipe, Err: err}
		d.record(ctx, identifier, string(pipeline.PhasePipe), storage.StatusError, execErr.Error(), start)
		return Result{}, execErr
	}

	result := Result{Body: out}
	if unit.HasOutlet() {
		filtered, err := unit.Outlet(out, user, identifier)
		if err != nil {
			// Keep the pipe result; surface the outlet failure as a warning.
			result.Warning = (&pipeline.ExecutionError{
				Identifier: identifier,
				Phase:      pipeline.PhaseOutlet,
				Err:        err,
			}).Error()
			d.logger.Warn("outlet filter failed, returning pre-outlet result",
				slog.String("pipeline", identifier),
				slog.String("error", err.Error()))
		} else {
			result.Body = filtered
		}
	}

	if result.Warning != "" {
		d.record(ctx, identifier, string(pipeline.PhaseOutlet), storage.StatusDegraded, result.Warning, start)
	} else {
		d.record(ctx, identifier, string(pipeline.PhasePipe), storage.StatusOK, "", start)
	}
	return result, nil
}

// ApplyInlet invokes the inlet filter directly, outside the full pipe flow.
func (d *Dispatcher) ApplyInlet(ctx context.Context, identifier string, body any, user pipeline.User) (any, error) {
	entry, err := d.manager.EnsureLoaded(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if !entry.Unit.HasInlet() {
		return nil, &pipeline.UnsupportedOperationError{Identifier: identifier, Operation: "inlet"}
	}
	out, err := entry.Unit.Inlet(body, user, identifier)
	if err != nil {
		return nil, &pipeline.ExecutionError{Identifier: identifier, Phase: pipeline.PhaseInlet, Err: err}
	}
	return out, nil
}

// ApplyOutlet invokes the outlet filter directly, outside the full pipe flow.
func (d *Dispatcher) ApplyOutlet(ctx context.Context, identifier string, body any, user pipeline.User) (any, error) {
	entry, err := d.manager.EnsureLoaded(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if !entry.Unit.HasOutlet() {
		return nil, &pipeline.UnsupportedOperationError{Identifier: identifier, Operation: "outlet"}
	}
	out, err := entry.Unit.Outlet(body, user, identifier)
	if err != nil {
		return nil, &pipeline.ExecutionError{Identifier: identifier, Phase: pipeline.PhaseOutlet, Err: err}
	}
	return out, nil
}

// record writes one best-effort audit row; failures are logged, never
// surfaced to the caller.
func (d *Dispatcher) record(ctx context.Context, identifier, phase, status, message string, start time.Time) {
	if d.store == nil {
		return
	}
	inv := &storage.Invocation{
		ID:         uuid.New().String(),
		PipelineID: identifier,
		Phase:      phase,
		Status:     status,
		Error:      message,
		Duration:   time.Since(start),
		CreatedAt:  time.Now().UTC(),
	}
	if err := d.store.RecordInvocation(ctx, inv); err != nil {
		d.logger.Warn("invocation audit failed",
			slog.String("pipeline", identifier),
			slog.String("error", err.Error()))
	}
}
