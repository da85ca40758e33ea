// Package engine is the boundary to the embedded ECMAScript runtime. It
// compiles pipeline source files into executable units, probes the calling
// contract, and contains every failure inside pipeline-owned code.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dop251/goja"

	"github.com/pipehost/pipehost/internal/pipeline"
)

// Engine loads pipeline source files. Each load gets a fresh runtime, so
// re-loading an identifier rebinds its namespace wholesale.
type Engine struct {
	logger *slog.Logger
}

// New creates an engine.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// baselineGlobals are the binding names present in a fresh runtime before any
// script runs, computed once and used to tell script-created globals apart.
var (
	baselineOnce    sync.Once
	baselineGlobals map[string]struct{}
)

func baseline() map[string]struct{} {
	baselineOnce.Do(func() {
		vm := goja.New()
		baselineGlobals = make(map[string]struct{})
		for _, k := range vm.GlobalObject().Keys() {
			baselineGlobals[k] = struct{}{}
		}
	})
	return baselineGlobals
}

// Load reads and compiles a source file and selects its single loadable unit.
// Failure kinds: ReadFailure (file missing or unreadable), CompileFailure
// (syntax error or a throw during top-level evaluation), MultipleUnitsFailure
// (more than one candidate pipeline unit in one file).
func (e *Engine) Load(identifier, sourcePath string) (*Unit, error) {
	src, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, &pipeline.LoadError{Kind: pipeline.ReadFailure, SourcePath: sourcePath, Err: err}
	}

	program, err := goja.Compile(sourcePath, string(src), true)
	if err != nil {
		return nil, &pipeline.LoadError{Kind: pipeline.CompileFailure, SourcePath: sourcePath, Err: err}
	}

	vm := goja.New()
	e.installConsole(vm, identifier)

	if err := runContained(vm, program); err != nil {
		return nil, &pipeline.LoadError{Kind: pipeline.CompileFailure, SourcePath: sourcePath, Err: err}
	}

	self, err := selectUnit(vm, sourcePath)
	if err != nil {
		return nil, err
	}

	return &Unit{identifier: identifier, vm: vm, self: self}, nil
}

// runContained runs the program's top-level code, converting engine panics
// (stack overflow, interrupts) into plain errors.
func runContained(vm *goja.Runtime, program *goja.Program) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("top-level evaluation panicked: %v", r)
		}
	}()
	_, err = vm.RunProgram(program)
	return err
}

// selectUnit picks the single pipeline unit out of the script's global scope.
// A script either declares top-level functions (the global scope is the unit)
// or exactly one top-level object carrying the entry points. Two object
// candidates, or an object candidate alongside a global pipe function, is a
// MultipleUnitsFailure.
func selectUnit(vm *goja.Runtime, sourcePath string) (*goja.Object, error) {
	global := vm.GlobalObject()
	base := baseline()

	var candidates []*goja.Object
	globalHasPipe := false

	for _, key := range global.Keys() {
		if _, ok := base[key]; ok {
			continue
		}
		val := global.Get(key)
		if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
			continue
		}
		if _, isFn := goja.AssertFunction(val); isFn {
			if key == "pipe" {
				globalHasPipe = true
			}
			continue
		}
		obj, ok := val.(*goja.Object)
		if !ok {
			continue
		}
		if _, hasPipe := goja.AssertFunction(obj.Get("pipe")); hasPipe {
			candidates = append(candidates, obj)
		}
	}

	units := len(candidates)
	if globalHasPipe {
		units++
	}
	if units > 1 {
		return nil, &pipeline.LoadError{
			Kind:       pipeline.MultipleUnitsFailure,
			SourcePath: sourcePath,
			Err:        fmt.Errorf("source defines %d pipeline units, want exactly 1", units),
		}
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	// Flat function style, or no entry points at all; validation decides.
	return global, nil
}

// installConsole gives scripts a console.log/warn/error that feeds the host's
// structured logger.
func (e *Engine) installConsole(vm *goja.Runtime, identifier string) {
	logAt := func(level slog.Level) func(args ...goja.Value) {
		return func(args ...goja.Value) {
			msg := ""
			for i, a := range args {
				if i > 0 {
					msg += " "
				}
				msg += a.String()
			}
			e.logger.Log(context.Background(), level, msg, slog.String("pipeline", identifier))
		}
	}
	console := vm.NewObject()
	_ = console.Set("log", logAt(slog.LevelInfo))
	_ = console.Set("warn", logAt(slog.LevelWarn))
	_ = console.Set("error", logAt(slog.LevelError))
	_ = vm.Set("console", console)
}
