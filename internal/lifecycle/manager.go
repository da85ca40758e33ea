// Package lifecycle orchestrates the load / reload / delete / add flows for
// pipelines, coordinating the scanner, engine, registry and valve store. It
// owns the invariant that the registry never exposes a partially-validated
// unit: compilation and validation happen before the single atomic registry
// swap, and all mutating flows serialize on one manager lock.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pipehost/pipehost/internal/engine"
	"github.com/pipehost/pipehost/internal/pipeline"
	"github.com/pipehost/pipehost/internal/registry"
	"github.com/pipehost/pipehost/internal/scanner"
	"github.com/pipehost/pipehost/internal/storage"
)

// Manager drives the per-identifier state machine:
// Discovered -> Loaded | Failed, Failed -> Loaded (retry), Loaded -> Loaded
// (reload) | Deleted.
type Manager struct {
	mu sync.Mutex // serializes every mutating flow

	scanner  *scanner.Scanner
	engine   *engine.Engine
	registry *registry.Registry
	store    storage.ValveStore
	logger   *slog.Logger
}

// New creates a manager. The store may be nil when valve persistence is
// disabled.
func New(sc *scanner.Scanner, eng *engine.Engine, reg *registry.Registry, store storage.ValveStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{scanner: sc, engine: eng, registry: reg, store: store, logger: logger}
}

// Registry exposes the registry for read-only consumers.
func (m *Manager) Registry() *registry.Registry { return m.registry }

// Dir returns the pipeline source directory.
func (m *Manager) Dir() string { return m.scanner.Dir() }

// Initialize scans the directory and publishes Discovered entries for every
// descriptor. No pipeline is loaded eagerly; loading happens on first
// execution or on an explicit load request.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	descriptors, err := m.scanner.Scan()
	if err != nil {
		return err
	}
	m.registry.SetDiscovered(descriptors)
	m.logger.Info("pipelines discovered",
		slog.Int("count", len(descriptors)),
		slog.String("dir", m.scanner.Dir()))
	return nil
}

// LoadPipeline loads, validates and publishes the pipeline for an
// identifier. On failure the registry keeps the descriptor with the error
// and no unit; repeated attempts return the same class of error.
func (m *Manager) LoadPipeline(ctx context.Context, identifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.loadLocked(ctx, identifier)
	return err
}

// EnsureLoaded returns a servable entry for the identifier, performing at
// most one implicit load when the pipeline is discovered but not loaded, or
// not yet known to the registry at all.
func (m *Manager) EnsureLoaded(ctx context.Context, identifier string) (registry.Entry, error) {
	if entry, ok := m.registry.Get(identifier); ok && entry.Loaded() {
		return entry, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check: a concurrent caller may have completed the load.
	if entry, ok := m.registry.Get(identifier); ok && entry.Loaded() {
		return entry, nil
	}
	return m.loadLocked(ctx, identifier)
}

// loadLocked performs the Loader -> Validator -> Registry flow. The caller
// holds m.mu; compilation happens here, outside the registry's own lock, so
// readers of other pipelines are never blocked.
func (m *Manager) loadLocked(ctx context.Context, identifier string) (registry.Entry, error) {
	desc, ok := m.descriptor(identifier)
	if !ok {
		return registry.Entry{}, &pipeline.NotFoundError{Identifier: identifier}
	}

	unit, err := m.engine.Load(identifier, desc.SourcePath)
	if err == nil {
		err = engine.Validate(unit)
	}
	if err != nil {
		m.registry.Put(identifier, registry.Entry{Descriptor: desc, LoadErr: err})
		m.logger.Warn("pipeline load failed",
			slog.String("pipeline", identifier),
			slog.String("error", err.Error()))
		return registry.Entry{}, err
	}

	m.restoreValves(ctx, identifier, unit)

	entry := registry.Entry{Descriptor: desc, Unit: unit}
	m.registry.Put(identifier, entry)
	m.logger.Info("pipeline loaded",
		slog.String("pipeline", identifier),
		slog.String("name", desc.Name),
		slog.String("type", desc.Type))
	return entry, nil
}

// descriptor looks the identifier up in the registry, falling back to a
// fresh single-file scan so files added after the last scan are loadable.
func (m *Manager) descriptor(identifier string) (pipeline.Descriptor, bool) {
	if entry, ok := m.registry.Get(identifier); ok {
		return entry.Descriptor, true
	}
	desc, err := m.scanner.ScanOne(identifier)
	if err != nil {
		return pipeline.Descriptor{}, false
	}
	return desc, true
}

// restoreValves replays persisted valve values through the pipeline's own
// update entry point. Failures are logged, never fatal to the load.
func (m *Manager) restoreValves(ctx context.Context, identifier string, unit *engine.Unit) {
	if m.store == nil || !unit.HasUpdateValves() {
		return
	}
	values, ok, err := m.store.GetValves(ctx, identifier)
	if err != nil {
		m.logger.Warn("valve restore failed",
			slog.String("pipeline", identifier),
			slog.String("error", err.Error()))
		return
	}
	if !ok || len(values) == 0 {
		return
	}
	if err := unit.UpdateValves(values); err != nil {
		m.logger.Warn("valve restore rejected by pipeline",
			slog.String("pipeline", identifier),
			slog.String("error", err.Error()))
	}
}

// ReloadPipeline refreshes the descriptor from disk and replaces the loaded
// unit. Reload is a full replace attempt: the previous unit is dropped even
// when the new load fails.
func (m *Manager) ReloadPipeline(ctx context.Context, identifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, known := m.registry.Get(identifier)
	desc, err := m.scanner.ScanOne(identifier)
	if err != nil {
		if !known {
			return &pipeline.NotFoundError{Identifier: identifier}
		}
		// Source file gone; drop the stale entry.
		m.registry.Remove(identifier)
		return &pipeline.NotFoundError{Identifier: identifier}
	}

	m.registry.Put(identifier, registry.Entry{Descriptor: desc})
	_, err = m.loadLocked(ctx, identifier)
	return err
}

// DeletePipeline removes the backing source file, then the registry entry.
// If file removal fails the registry is left untouched and the error is
// surfaced; a silently stale entry must not occur.
func (m *Manager) DeletePipeline(ctx context.Context, identifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.registry.Get(identifier)
	if !ok {
		return &pipeline.NotFoundError{Identifier: identifier}
	}

	if err := os.Remove(entry.Descriptor.SourcePath); err != nil && !os.IsNotExist(err) {
		return &pipeline.IoError{Op: "remove", Path: entry.Descriptor.SourcePath, Err: err}
	}

	m.registry.Remove(identifier)
	if m.store != nil {
		if err := m.store.DeleteValves(ctx, identifier); err != nil {
			m.logger.Warn("valve cleanup failed",
				slog.String("pipeline", identifier),
				slog.String("error", err.Error()))
		}
	}
	m.logger.Info("pipeline deleted", slog.String("pipeline", identifier))
	return nil
}

// Forget drops the registry entry for an identifier without touching the
// filesystem. Used when the source file disappears out from under the host.
func (m *Manager) Forget(identifier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry.Remove(identifier)
}

// AddPipelineFromSource loads a pipeline from a source file that an external
// fetch step has already materialized in the pipeline directory. Returns the
// derived identifier.
func (m *Manager) AddPipelineFromSource(ctx context.Context, sourcePath string) (string, error) {
	identifier := strings.TrimSuffix(filepath.Base(sourcePath), pipeline.SourceExt)

	m.mu.Lock()
	defer m.mu.Unlock()

	desc, err := m.scanner.ScanOne(identifier)
	if err != nil {
		return identifier, &pipeline.LoadError{Kind: pipeline.ReadFailure, SourcePath: sourcePath, Err: err}
	}
	m.registry.Put(identifier, registry.Entry{Descriptor: desc})
	_, err = m.loadLocked(ctx, identifier)
	return identifier, err
}

// GetValves returns the current valve values of a loaded pipeline, loading
// it first if needed. Pipelines without a valve accessor report an empty
// mapping.
func (m *Manager) GetValves(ctx context.Context, identifier string) (pipeline.Valves, error) {
	entry, err := m.EnsureLoaded(ctx, identifier)
	if err != nil {
		return nil, err
	}
	values, err := entry.Unit.Valves()
	if err != nil {
		return nil, &pipeline.ExecutionError{Identifier: identifier, Phase: "valves", Err: err}
	}
	return values, nil
}

// GetValvesSpec returns the pipeline's declared valve spec, or an empty
// mapping when it declares none.
func (m *Manager) GetValvesSpec(ctx context.Context, identifier string) (pipeline.ValveSpec, error) {
	entry, err := m.EnsureLoaded(ctx, identifier)
	if err != nil {
		return nil, err
	}
	spec, err := entry.Unit.ValvesSpec()
	if err != nil {
		return nil, &pipeline.ExecutionError{Identifier: identifier, Phase: "valvesSpec", Err: err}
	}
	if spec == nil {
		spec = pipeline.ValveSpec{}
	}
	return spec, nil
}

// UpdateValves hands the submitted values to the pipeline's own update entry
// point. When the pipeline declares a valve spec, submitted values are
// type-checked against it first. The host performs no merging of its own;
// after a successful update the pipeline's resulting values are read back
// and persisted.
func (m *Manager) UpdateValves(ctx context.Context, identifier string, values pipeline.Valves) (pipeline.Valves, error) {
	entry, err := m.EnsureLoaded(ctx, identifier)
	if err != nil {
		return nil, err
	}
	unit := entry.Unit

	if !unit.HasUpdateValves() {
		return nil, &pipeline.UnsupportedOperationError{Identifier: identifier, Operation: "updateValves"}
	}

	if unit.HasValvesSpec() {
		spec, err := unit.ValvesSpec()
		if err != nil {
			return nil, &pipeline.ExecutionError{Identifier: identifier, Phase: "valvesSpec", Err: err}
		}
		if err := spec.CheckValues(identifier, values); err != nil {
			return nil, err
		}
	}

	if err := unit.UpdateValves(values); err != nil {
		return nil, &pipeline.ExecutionError{Identifier: identifier, Phase: "updateValves", Err: err}
	}

	current, err := unit.Valves()
	if err != nil {
		return nil, &pipeline.ExecutionError{Identifier: identifier, Phase: "valves", Err: err}
	}
	if m.store != nil {
		persisted := current
		if !unit.HasValves() {
			persisted = values
		}
		if err := m.store.SaveValves(ctx, identifier, persisted); err != nil {
			m.logger.Warn("valve persistence failed",
				slog.String("pipeline", identifier),
				slog.String("error", err.Error()))
		}
	}
	return current, nil
}
