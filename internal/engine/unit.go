package engine

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/pipehost/pipehost/internal/pipeline"
)

// Unit is a loaded, validated pipeline: a runtime plus the object (or global
// scope) that carries the entry points. Callables are probed once at
// validation time and cached, so dispatch never reflects over the unit.
//
// The underlying runtime is not safe for concurrent use, so all invocations
// of one unit serialize on its mutex. Units for different identifiers share
// nothing and run fully in parallel.
type Unit struct {
	identifier string
	vm         *goja.Runtime
	self       *goja.Object

	mu sync.Mutex

	pipeFn         goja.Callable
	inletFn        goja.Callable
	outletFn       goja.Callable
	valvesFn       goja.Callable
	valvesSpecFn   goja.Callable
	updateValvesFn goja.Callable
}

// Validate probes the unit for the calling contract and caches the entry
// points. The mandatory pipe entry point must be callable; inlet, outlet,
// valves, valvesSpec and updateValves are each independently optional.
// Probing never invokes pipeline code; a crash raised by a hostile property
// accessor during the probe is caught and reported as a validation failure.
func Validate(u *Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &pipeline.ValidationError{Identifier: u.identifier, Missing: "pipe"}
		}
	}()

	u.pipeFn = probe(u.self, "pipe")
	if u.pipeFn == nil {
		return &pipeline.ValidationError{Identifier: u.identifier, Missing: "pipe"}
	}
	u.inletFn = probe(u.self, "inlet")
	u.outletFn = probe(u.self, "outlet")
	u.valvesFn = probe(u.self, "valves")
	u.valvesSpecFn = probe(u.self, "valvesSpec")
	u.updateValvesFn = probe(u.self, "updateValves")
	return nil
}

func probe(self *goja.Object, name string) goja.Callable {
	fn, ok := goja.AssertFunction(self.Get(name))
	if !ok {
		return nil
	}
	return fn
}

// Identifier returns the pipeline identifier this unit was loaded for.
func (u *Unit) Identifier() string { return u.identifier }

// HasInlet reports whether the unit exposes an inlet filter.
func (u *Unit) HasInlet() bool { return u.inletFn != nil }

// HasOutlet reports whether the unit exposes an outlet filter.
func (u *Unit) HasOutlet() bool { return u.outletFn != nil }

// HasValves reports whether the unit exposes a valve accessor.
func (u *Unit) HasValves() bool { return u.valvesFn != nil }

// HasValvesSpec reports whether the unit declares a valve spec.
func (u *Unit) HasValvesSpec() bool { return u.valvesSpecFn != nil }

// HasUpdateValves reports whether the unit accepts valve updates.
func (u *Unit) HasUpdateValves() bool { return u.updateValvesFn != nil }

// Pipe invokes the mandatory entry point.
func (u *Unit) Pipe(body any, user pipeline.User, model string) (any, error) {
	return u.invoke(u.pipeFn, body, map[string]any(user), model)
}

// Inlet invokes the optional inlet filter.
func (u *Unit) Inlet(body any, user pipeline.User, model string) (any, error) {
	return u.invoke(u.inletFn, body, map[string]any(user), model)
}

// Outlet invokes the optional outlet filter.
func (u *Unit) Outlet(body any, user pipeline.User, model string) (any, error) {
	return u.invoke(u.outletFn, body, map[string]any(user), model)
}

// Valves reads the unit's current valve values. Units without a valve
// accessor report an empty mapping.
func (u *Unit) Valves() (pipeline.Valves, error) {
	if u.valvesFn == nil {
		return pipeline.Valves{}, nil
	}
	out, err := u.invoke(u.valvesFn)
	if err != nil {
		return nil, err
	}
	return asMapping(out), nil
}

// ValvesSpec reads the unit's declared valve spec, or nil when absent.
func (u *Unit) ValvesSpec() (pipeline.ValveSpec, error) {
	if u.valvesSpecFn == nil {
		return nil, nil
	}
	out, err := u.invoke(u.valvesSpecFn)
	if err != nil {
		return nil, err
	}
	return pipeline.ValveSpec(asMapping(out)), nil
}

// UpdateValves hands the submitted mapping to the unit's own update entry
// point, which is the sole authority on merge semantics.
func (u *Unit) UpdateValves(values pipeline.Valves) error {
	_, err := u.invoke(u.updateValvesFn, map[string]any(values))
	return err
}

// invoke calls pipeline-owned code with the unit lock held, converting script
// exceptions and runtime panics into plain errors. Results are exported to
// JSON-shaped Go values.
func (u *Unit) invoke(fn goja.Callable, args ...any) (result any, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("pipeline code panicked: %v", r)
		}
	}()

	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = u.vm.ToValue(a)
	}

	val, err := fn(u.self, jsArgs...)
	if err != nil {
		return nil, err
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}

func asMapping(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
