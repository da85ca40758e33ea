package lifecycle

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pipehost/pipehost/internal/engine"
	"github.com/pipehost/pipehost/internal/pipeline"
	"github.com/pipehost/pipehost/internal/registry"
	"github.com/pipehost/pipehost/internal/scanner"
	"github.com/pipehost/pipehost/internal/storage"
	"github.com/pipehost/pipehost/internal/storage/memory"
)

const echoSource = `// name: Echo
function pipe(body, user, model) { return body; }
`

const valvedSource = `
var state = {level: 1};
function pipe(body) { return state.level; }
function valves() { return state; }
function valvesSpec() { return {level: {type: "number", default: 1}}; }
function updateValves(v) {
	for (var k in v) { state[k] = v[k]; }
}
`

func newManager(t *testing.T, store storage.ValveStore) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m := New(scanner.New(dir, nil), engine.New(nil), registry.New(), store, nil)
	return m, dir
}

func writePipeline(t *testing.T, dir, identifier, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, identifier+".js"), []byte(src), 0o644); err != nil {
		t.Fatalf("write pipeline: %v", err)
	}
}

func TestInitializeIsLazy(t *testing.T) {
	m, dir := newManager(t, nil)
	writePipeline(t, dir, "echo", echoSource)

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	entry, ok := m.Registry().Get("echo")
	if !ok {
		t.Fatal("echo not discovered")
	}
	if entry.Loaded() {
		t.Error("Initialize() loaded a pipeline eagerly")
	}
	if entry.Descriptor.Name != "Echo" {
		t.Errorf("descriptor Name = %q, want Echo", entry.Descriptor.Name)
	}
}

func TestEnsureLoadedLoadsOnce(t *testing.T) {
	m, dir := newManager(t, nil)
	writePipeline(t, dir, "echo", echoSource)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	entry, err := m.EnsureLoaded(context.Background(), "echo")
	if err != nil {
		t.Fatalf("EnsureLoaded() error = %v", err)
	}
	if !entry.Loaded() {
		t.Fatal("EnsureLoaded() returned an unloaded entry")
	}

	again, err := m.EnsureLoaded(context.Background(), "echo")
	if err != nil {
		t.Fatalf("second EnsureLoaded() error = %v", err)
	}
	if again.Unit != entry.Unit {
		t.Error("EnsureLoaded() rebuilt an already-loaded unit")
	}
}

func TestEnsureLoadedPicksUpNewFile(t *testing.T) {
	m, dir := newManager(t, nil)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	// Dropped in after the startup scan.
	writePipeline(t, dir, "late", echoSource)

	entry, err := m.EnsureLoaded(context.Background(), "late")
	if err != nil {
		t.Fatalf("EnsureLoaded() error = %v", err)
	}
	if !entry.Loaded() {
		t.Error("late pipeline not loaded")
	}
}

func TestEnsureLoadedUnknown(t *testing.T) {
	m, _ := newManager(t, nil)
	_, err := m.EnsureLoaded(context.Background(), "ghost")
	if _, ok := err.(*pipeline.NotFoundError); !ok {
		t.Fatalf("EnsureLoaded() error = %T, want *pipeline.NotFoundError", err)
	}
}

func TestEnsureLoadedStaysInsidePipelineDir(t *testing.T) {
	m, dir := newManager(t, nil)

	// A servable-looking source one level above the pipeline directory.
	outside := filepath.Join(filepath.Dir(dir), "evil.js")
	if err := os.WriteFile(outside, []byte(`function pipe(b) { return "escaped"; }`), 0o644); err != nil {
		t.Fatalf("write outside source: %v", err)
	}

	for _, id := range []string{"../evil", "sub/../../evil", ".."} {
		_, err := m.EnsureLoaded(context.Background(), id)
		if _, ok := err.(*pipeline.NotFoundError); !ok {
			t.Errorf("EnsureLoaded(%q) error = %v, want *pipeline.NotFoundError", id, err)
		}
		if _, found := m.Registry().Get(id); found {
			t.Errorf("identifier %q entered the registry", id)
		}
	}

	if err := m.ReloadPipeline(context.Background(), "../evil"); err == nil {
		t.Error("ReloadPipeline(../evil) = nil error, want rejection")
	}
}

func TestLoadFailureKeepsDescriptor(t *testing.T) {
	m, dir := newManager(t, nil)
	writePipeline(t, dir, "broken", `function pipe( {`)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	_, err := m.EnsureLoaded(context.Background(), "broken")
	if err == nil {
		t.Fatal("EnsureLoaded() on a broken source = nil error")
	}

	// Repeated attempts fail the same way.
	_, again := m.EnsureLoaded(context.Background(), "broken")
	if _, ok := again.(*pipeline.LoadError); !ok {
		t.Fatalf("repeat EnsureLoaded() error = %T, want *pipeline.LoadError", again)
	}

	entry, ok := m.Registry().Get("broken")
	if !ok {
		t.Fatal("failed pipeline dropped from registry")
	}
	if entry.Loaded() {
		t.Error("failed pipeline reports loaded")
	}
	if entry.LoadErr == nil {
		t.Error("failed entry carries no load error")
	}
}

func TestFailedThenFixedLoads(t *testing.T) {
	m, dir := newManager(t, nil)
	writePipeline(t, dir, "flappy", `function pipe( {`)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := m.EnsureLoaded(context.Background(), "flappy"); err == nil {
		t.Fatal("expected load failure")
	}

	writePipeline(t, dir, "flappy", echoSource)
	if err := m.ReloadPipeline(context.Background(), "flappy"); err != nil {
		t.Fatalf("ReloadPipeline() after fix error = %v", err)
	}
	entry, _ := m.Registry().Get("flappy")
	if !entry.Loaded() {
		t.Error("fixed pipeline did not load")
	}
}

func TestReloadSwapsBehavior(t *testing.T) {
	m, dir := newManager(t, nil)
	writePipeline(t, dir, "mood", `function pipe(b) { return "old"; }`)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	entry, err := m.EnsureLoaded(context.Background(), "mood")
	if err != nil {
		t.Fatalf("EnsureLoaded() error = %v", err)
	}
	if out, _ := entry.Unit.Pipe(nil, nil, ""); out != "old" {
		t.Fatalf("Pipe() = %v, want old", out)
	}

	writePipeline(t, dir, "mood", `function pipe(b) { return "new"; }`)
	if err := m.ReloadPipeline(context.Background(), "mood"); err != nil {
		t.Fatalf("ReloadPipeline() error = %v", err)
	}

	entry, _ = m.Registry().Get("mood")
	if out, _ := entry.Unit.Pipe(nil, nil, ""); out != "new" {
		t.Errorf("Pipe() after reload = %v, want new", out)
	}
}

func TestReloadMissingFileDropsEntry(t *testing.T) {
	m, dir := newManager(t, nil)
	writePipeline(t, dir, "gone", echoSource)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := m.EnsureLoaded(context.Background(), "gone"); err != nil {
		t.Fatalf("EnsureLoaded() error = %v", err)
	}

	if err := os.Remove(filepath.Join(dir, "gone.js")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	err := m.ReloadPipeline(context.Background(), "gone")
	if _, ok := err.(*pipeline.NotFoundError); !ok {
		t.Fatalf("ReloadPipeline() error = %T, want *pipeline.NotFoundError", err)
	}
	if _, ok := m.Registry().Get("gone"); ok {
		t.Error("stale entry survived reload of a removed file")
	}
}

func TestDeletePipeline(t *testing.T) {
	store := memory.New()
	m, dir := newManager(t, store)
	writePipeline(t, dir, "victim", valvedSource)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := m.UpdateValves(context.Background(), "victim", pipeline.Valves{"level": 4}); err != nil {
		t.Fatalf("UpdateValves() error = %v", err)
	}

	if err := m.DeletePipeline(context.Background(), "victim"); err != nil {
		t.Fatalf("DeletePipeline() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "victim.js")); !os.IsNotExist(err) {
		t.Error("source file survived delete")
	}
	if _, ok := m.Registry().Get("victim"); ok {
		t.Error("registry entry survived delete")
	}
	if _, ok, _ := store.GetValves(context.Background(), "victim"); ok {
		t.Error("persisted valves survived delete")
	}

	err := m.DeletePipeline(context.Background(), "victim")
	if _, ok := err.(*pipeline.NotFoundError); !ok {
		t.Errorf("second DeletePipeline() error = %T, want *pipeline.NotFoundError", err)
	}
}

func TestAddPipelineFromSource(t *testing.T) {
	m, dir := newManager(t, nil)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	path := filepath.Join(dir, "added.js")
	if err := os.WriteFile(path, []byte(echoSource), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	id, err := m.AddPipelineFromSource(context.Background(), path)
	if err != nil {
		t.Fatalf("AddPipelineFromSource() error = %v", err)
	}
	if id != "added" {
		t.Errorf("identifier = %q, want added", id)
	}
	entry, _ := m.Registry().Get("added")
	if !entry.Loaded() {
		t.Error("added pipeline not loaded")
	}
}

func TestUpdateValvesAndReadBack(t *testing.T) {
	m, dir := newManager(t, nil)
	writePipeline(t, dir, "valved", valvedSource)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	current, err := m.UpdateValves(context.Background(), "valved", pipeline.Valves{"level": 8})
	if err != nil {
		t.Fatalf("UpdateValves() error = %v", err)
	}
	if got, _ := json.Marshal(current["level"]); string(got) != "8" {
		t.Errorf("level after update = %v, want 8", current["level"])
	}
}

func TestUpdateValvesRejectsSpecViolation(t *testing.T) {
	m, dir := newManager(t, nil)
	writePipeline(t, dir, "valved", valvedSource)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	_, err := m.UpdateValves(context.Background(), "valved", pipeline.Valves{"level": "loud"})
	if _, ok := err.(*pipeline.InvalidValveError); !ok {
		t.Fatalf("UpdateValves() error = %T, want *pipeline.InvalidValveError", err)
	}
}

func TestUpdateValvesUnsupported(t *testing.T) {
	m, dir := newManager(t, nil)
	writePipeline(t, dir, "plain", echoSource)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	_, err := m.UpdateValves(context.Background(), "plain", pipeline.Valves{"x": 1})
	if _, ok := err.(*pipeline.UnsupportedOperationError); !ok {
		t.Fatalf("UpdateValves() error = %T, want *pipeline.UnsupportedOperationError", err)
	}
}

func TestGetValvesWithoutAccessor(t *testing.T) {
	m, dir := newManager(t, nil)
	writePipeline(t, dir, "plain", echoSource)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	values, err := m.GetValves(context.Background(), "plain")
	if err != nil {
		t.Fatalf("GetValves() error = %v", err)
	}
	if len(values) != 0 {
		t.Errorf("GetValves() = %v, want empty mapping", values)
	}

	spec, err := m.GetValvesSpec(context.Background(), "plain")
	if err != nil {
		t.Fatalf("GetValvesSpec() error = %v", err)
	}
	if len(spec) != 0 {
		t.Errorf("GetValvesSpec() = %v, want empty mapping", spec)
	}
}

func TestValvesPersistAcrossRestart(t *testing.T) {
	store := memory.New()
	dir := t.TempDir()
	writePipeline(t, dir, "valved", valvedSource)

	first := New(scanner.New(dir, nil), engine.New(nil), registry.New(), store, nil)
	if err := first.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := first.UpdateValves(context.Background(), "valved", pipeline.Valves{"level": 9}); err != nil {
		t.Fatalf("UpdateValves() error = %v", err)
	}

	// Fresh manager over the same store plays the persisted values back in.
	second := New(scanner.New(dir, nil), engine.New(nil), registry.New(), store, nil)
	if err := second.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	values, err := second.GetValves(context.Background(), "valved")
	if err != nil {
		t.Fatalf("GetValves() error = %v", err)
	}
	if got, _ := json.Marshal(values["level"]); string(got) != "9" {
		t.Errorf("restored level = %v, want 9", values["level"])
	}
}
