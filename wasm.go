package chunkrt

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
)

// CompiledWebAssembly is a compiled-but-not-instantiated WebAssembly
// asset, as returned by LoadWebAssemblyModule.
type CompiledWebAssembly = wazero.CompiledModule

// WasmFunction is an exported WebAssembly function bound to its
// instance, as stored in the namespace LoadWebAssembly returns.
type WasmFunction func(ctx context.Context, params ...uint64) ([]uint64, error)

// assetEntry deduplicates binary asset loads. Assets are keyed
// separately from JS chunks; the same terminal-failure discipline
// applies.
type assetEntry struct {
	fut      *loadFuture
	data     []byte
	compiled wazero.CompiledModule
}

// wasmHost owns the execution context's WebAssembly runtime, created
// on first use and torn down with the owning Runtime.
type wasmHost struct {
	ctx context.Context
	rt  wazero.Runtime
}

func newWasmHost() *wasmHost {
	ctx := context.Background()
	return &wasmHost{ctx: ctx, rt: wazero.NewRuntime(ctx)}
}

func (h *wasmHost) close() error {
	return h.rt.Close(h.ctx)
}

// loadAssetHeld fetches a binary asset with dedup, returning its entry
// once settled. The runtime lock is held on entry and exit.
func (r *Runtime) loadAssetHeld(ctx context.Context, path ChunkPath, from ModuleID) (*assetEntry, error) {
	url := r.ChunkURL(path)
	ent := r.assets[url]
	if ent == nil {
		ent = &assetEntry{fut: newFuture()}
		r.assets[url] = ent
		source := LoadSource{Kind: SourceParent, Module: from}
		go func() {
			fctx, cancel := r.fetchContext()
			defer cancel()
			data, err := r.fetchBytes(fctx, url, false)
			if err != nil {
				ent.fut.settle(&ChunkLoadError{URL: url, Source: source, Cause: err})
				return
			}
			ent.data = data
			ent.fut.settle(nil)
		}()
	}

	r.mu.Unlock()
	err := ent.fut.wait(ctx)
	r.mu.Lock()
	if err != nil {
		return nil, err
	}
	return ent, nil
}

// loadWebAssemblyModuleHeld fetches and compiles a wasm asset exactly
// once per URL.
func (r *Runtime) loadWebAssemblyModuleHeld(ctx context.Context, path ChunkPath, from ModuleID) (CompiledWebAssembly, error) {
	ent, err := r.loadAssetHeld(ctx, path, from)
	if err != nil {
		return nil, err
	}
	if ent.compiled != nil {
		return ent.compiled, nil
	}
	if r.wasm == nil {
		r.wasm = newWasmHost()
	}
	compiled, err := r.wasm.rt.CompileModule(r.wasm.ctx, ent.data)
	if err != nil {
		return nil, fmt.Errorf("compiling wasm asset %s: %w", path, err)
	}
	ent.compiled = compiled
	return compiled, nil
}

// loadWebAssemblyHeld instantiates a wasm asset and exposes its
// exported functions on a namespace.
func (r *Runtime) loadWebAssemblyHeld(ctx context.Context, path ChunkPath, from ModuleID) (*Namespace, error) {
	compiled, err := r.loadWebAssemblyModuleHeld(ctx, path, from)
	if err != nil {
		return nil, err
	}

	mod, err := r.wasm.rt.InstantiateModule(r.wasm.ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, fmt.Errorf("instantiating wasm asset %s: %w", path, err)
	}

	ns := NewNamespace()
	for name := range compiled.ExportedFunctions() {
		fn := mod.ExportedFunction(name)
		if fn == nil {
			continue
		}
		ns.Set(name, WasmFunction(func(callCtx context.Context, params ...uint64) ([]uint64, error) {
			return fn.Call(callCtx, params...)
		}))
	}
	return ns, nil
}
