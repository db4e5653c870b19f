package chunkrt

import (
	"encoding/json"
	"fmt"

	"modernc.org/quickjs"
)

// QuickJSEvaluator evaluates fetched chunk payloads whose module
// sources are CommonJS JavaScript. Each module source is wrapped in a
// function(require, module, exports) closure; the resulting exports
// are serialized through JSON into the module's Namespace, and
// require calls bridge back into Runtime.requireLocked so cross-chunk
// and circular imports behave the same for JS and Go modules.
//
// Exports cross the bridge as JSON values: a circular requirer sees a
// snapshot of whatever the other module had exported at that point,
// not live bindings.
//
// The evaluator is driven under the runtime lock, so it needs no
// locking of its own.
type QuickJSEvaluator struct {
	vm *quickjs.VM

	// memoryLimit caps the VM heap; zero means the quickjs default.
	memoryLimit uintptr

	// active is the stack of module contexts whose factories are
	// currently executing; require calls from JS resolve against the
	// top entry.
	active []*ModuleContext
}

// NewQuickJSEvaluator returns an evaluator backed by a lazily created
// QuickJS VM.
func NewQuickJSEvaluator() *QuickJSEvaluator {
	return &QuickJSEvaluator{}
}

// SetMemoryLimit caps the heap of the VM. It must be called before
// the first Evaluate.
func (e *QuickJSEvaluator) SetMemoryLimit(bytes uintptr) {
	e.memoryLimit = bytes
}

func (e *QuickJSEvaluator) init() error {
	if e.vm != nil {
		return nil
	}
	vm, err := quickjs.NewVM()
	if err != nil {
		return fmt.Errorf("creating quickjs vm: %w", err)
	}
	if e.memoryLimit > 0 {
		vm.SetMemoryLimit(e.memoryLimit)
	}
	if err := registerGoFunc(vm, "__chunkrt_require_json", e.requireJSON, false); err != nil {
		vm.Close()
		return fmt.Errorf("registering require bridge: %w", err)
	}
	// The raw bridge speaks JSON strings; give modules a require that
	// returns objects.
	js := `globalThis.__chunkrt_require = function(id) {
		var s = __chunkrt_require_json(String(id));
		return s === "" ? {} : JSON.parse(s);
	};`
	if err := evalDiscard(vm, js); err != nil {
		vm.Close()
		return fmt.Errorf("installing require wrapper: %w", err)
	}
	e.vm = vm
	return nil
}

// requireJSON is the Go side of the require bridge. It resolves the
// id against the module context whose factory is currently running.
func (e *QuickJSEvaluator) requireJSON(id string) (string, error) {
	if len(e.active) == 0 {
		return "", fmt.Errorf("require(%q) outside a module factory", id)
	}
	mc := e.active[len(e.active)-1]
	ns, err := mc.Require(ModuleID(id))
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(ns.Snapshot())
	if err != nil {
		return "", fmt.Errorf("serializing exports of %s: %w", id, err)
	}
	return string(data), nil
}

// Evaluate decodes a chunk payload and registers a factory for every
// module source it carries.
func (e *QuickJSEvaluator) Evaluate(rt *Runtime, path ChunkPath, data []byte) (ChunkDescriptor, error) {
	env, err := decodeEnvelope(path, data)
	if err != nil {
		return ChunkDescriptor{}, err
	}
	for id, src := range env.Modules {
		rt.registerFactoryLocked(id, e.factory(id, src))
	}
	return env.descriptor(), nil
}

// factory wraps a CommonJS module source as a ModuleFactory.
func (e *QuickJSEvaluator) factory(id ModuleID, src string) ModuleFactory {
	return func(mc *ModuleContext) error {
		if err := e.init(); err != nil {
			return err
		}
		e.active = append(e.active, mc)
		defer func() { e.active = e.active[:len(e.active)-1] }()

		js := fmt.Sprintf(`(function() {
			var module = { exports: {} };
			(function(require, module, exports) {
%s
			})(globalThis.__chunkrt_require, module, module.exports);
			return JSON.stringify(module.exports);
		})()`, src)
		out, err := evalString(e.vm, js)
		if err != nil {
			return fmt.Errorf("evaluating module %s: %w", id, err)
		}
		if out == "" || out == "undefined" || out == "null" {
			return nil
		}
		var values map[string]any
		if err := json.Unmarshal([]byte(out), &values); err != nil {
			return fmt.Errorf("module %s exported a non-object value: %w", id, err)
		}
		mc.ExportNamespace(values)
		return nil
	}
}

// Fork returns an evaluator for a new runtime with its own VM.
// Factories already registered in the parent runtime keep using the
// parent's VM.
func (e *QuickJSEvaluator) Fork() ChunkEvaluator {
	return &QuickJSEvaluator{memoryLimit: e.memoryLimit}
}

// Close releases the VM, if one was created.
func (e *QuickJSEvaluator) Close() error {
	if e.vm != nil {
		e.vm.Close()
		e.vm = nil
	}
	return nil
}

// evalDiscard evaluates JavaScript and discards the result (frees the Value).
func evalDiscard(vm *quickjs.VM, js string) error {
	v, err := vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

// evalString evaluates JavaScript and returns the result as a Go string.
// Uses vm.Eval which auto-converts to Go types (no manual Free needed).
func evalString(vm *quickjs.VM, js string) (string, error) {
	r, err := vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	if r == nil {
		return "", nil
	}
	return fmt.Sprint(r), nil
}

// registerGoFunc registers a Go function that returns (T, error) and wraps it
// in JS so that:
//   - On success (error == nil), returns T directly (not [T, null])
//   - On error (error != nil), throws a TypeError with the error message
//
// This is needed because modernc.org/quickjs's RegisterFunc returns multi-value
// Go results as JS arrays [value, error] instead of throwing on error.
func registerGoFunc(vm *quickjs.VM, name string, f any, wantThis bool) error {
	rawName := "__raw_" + name
	if err := vm.RegisterFunc(rawName, f, wantThis); err != nil {
		return err
	}
	wrapJS := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			var r = raw.apply(this, arguments);
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new TypeError("calling %s: " + r[1]);
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, name, name, rawName)
	return evalDiscard(vm, wrapJS)
}
