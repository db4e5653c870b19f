// Package chunkrt implements the module loading and execution runtime
// behind a bundler's chunked output: it registers module factories as
// chunks arrive, instantiates each module exactly once, deduplicates
// concurrent chunk fetches, and in development tracks the dependency
// graph needed for targeted hot reloads.
package chunkrt

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Runtime owns one execution context's registry, cache and pending-load
// maps. Each browser tab, node process or worker gets its own instance;
// nothing is shared across contexts. The zero value is not usable, call
// NewRuntime.
//
// Internally a single mutex serializes every mutation; module factories
// run to completion under it, and the only suspension points are chunk
// fetch waits and async-module waits, which release the lock while
// blocked.
type Runtime struct {
	cfg       Config
	fetcher   ChunkFetcher
	evaluator ChunkEvaluator

	mu     sync.Mutex
	closed bool

	factories    map[ModuleID]ModuleFactory
	chunkModules map[ChunkPath][]ModuleID
	cache        map[ModuleID]*ModuleRecord

	// Pending-load maps. A settled entry is the terminal marker for its
	// key: a failed chunk load is never silently retried.
	availableModules map[ModuleID]*loadFuture
	availableChunks  map[ChunkPath]*loadFuture
	assets           map[ChunkURL]*assetEntry

	globals map[string]any
	graph   *DependencyGraph // non-nil iff cfg.Dev
	store   *ChunkStore      // optional persistent chunk byte cache
	wasm    *wasmHost        // created on first LoadWebAssembly
}

// NewRuntime constructs a runtime instance. fetcher and evaluator may
// be nil for a purely in-process runtime whose chunks are registered
// directly via RegisterChunk; any network load then fails.
func NewRuntime(cfg Config, fetcher ChunkFetcher, evaluator ChunkEvaluator) *Runtime {
	r := &Runtime{
		cfg:              cfg,
		fetcher:          fetcher,
		evaluator:        evaluator,
		factories:        make(map[ModuleID]ModuleFactory),
		chunkModules:     make(map[ChunkPath][]ModuleID),
		cache:            make(map[ModuleID]*ModuleRecord),
		availableModules: make(map[ModuleID]*loadFuture),
		availableChunks:  make(map[ChunkPath]*loadFuture),
		assets:           make(map[ChunkURL]*assetEntry),
		globals:          make(map[string]any),
	}
	if cfg.Dev {
		r.graph = NewDependencyGraph()
	}
	return r
}

// SetStore attaches a persistent chunk store consulted before the
// fetcher (except for hot updates, which always refetch).
func (r *Runtime) SetStore(store *ChunkStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store = store
}

// SetGlobal sets a runtime global binding. Globals named in
// Config.ForwardedGlobals are snapshotted into workers at creation.
func (r *Runtime) SetGlobal(name string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globals[name] = value
}

// Global returns a runtime global binding.
func (r *Runtime) Global(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.globals[name]
	return v, ok
}

// RequireModule synchronously resolves a module's exports, running its
// factory if this is the first request. The returned namespace is the
// live exports object: for an async module it may still be settling
// (use ImportModule to wait).
func (r *Runtime) RequireModule(id ModuleID) (*Namespace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRuntimeClosed
	}
	rec, err := r.requireLocked(id, nil)
	if err != nil {
		return nil, err
	}
	return rec.Exports, nil
}

// ImportModule resolves a module's exports, first waiting for any
// in-flight chunk that provides it and, for an async module, for its
// body to settle.
func (r *Runtime) ImportModule(ctx context.Context, id ModuleID) (*Namespace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRuntimeClosed
	}
	rec, err := r.importLocked(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	return rec.Exports, nil
}

// ModuleState reports the lifecycle state of a module id.
func (r *Runtime) ModuleState(id ModuleID) ModuleState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec := r.cache[id]; rec != nil {
		return rec.State
	}
	if _, ok := r.factories[id]; ok {
		return ModuleRegistered
	}
	return ModuleUnregistered
}

// Close shuts the runtime down. Pending loads settle normally; further
// operations fail with ErrRuntimeClosed.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	if r.evaluator != nil {
		err = r.evaluator.Close()
	}
	if r.wasm != nil {
		if werr := r.wasm.close(); err == nil {
			err = werr
		}
	}
	return err
}

// requireLocked is the synchronous resolution path. The caller holds
// r.mu. A record in state ModuleInstantiating is returned as-is so a
// circular require observes the live, partially populated exports
// instead of re-running the factory.
func (r *Runtime) requireLocked(id ModuleID, parent *ModuleRecord) (*ModuleRecord, error) {
	if r.graph != nil && parent != nil {
		// The edge must exist before the child's factory runs so a
		// cyclic import still invalidates correctly.
		r.graph.TrackImport(parent.ID, id)
	}

	if rec := r.cache[id]; rec != nil {
		if rec.State == ModuleErrored {
			return rec, rec.Error
		}
		return rec, nil
	}

	factory, ok := r.factories[id]
	if !ok {
		return nil, &LoadOrderingError{ID: id}
	}

	// Insert the record before the factory runs: re-entrant lookups
	// during a cycle find this live record.
	rec := &ModuleRecord{ID: id, Exports: NewNamespace(), State: ModuleInstantiating}
	r.cache[id] = rec

	mc := &ModuleContext{rt: r, record: rec}
	if err := runFactory(id, factory, mc); err != nil {
		rec.Error = err
		rec.State = ModuleErrored
		if rec.async != nil {
			rec.async.failLocked(err)
		}
		return rec, err
	}
	rec.State = ModuleReady
	if rec.async != nil {
		rec.async.start(r)
	}
	return rec, nil
}

// importLocked resolves a module for the asynchronous path: it waits
// for an in-flight chunk providing the id, instantiates, then waits for
// an async body to settle. r.mu is held on entry and exit; waits
// release it.
func (r *Runtime) importLocked(ctx context.Context, id ModuleID, parent *ModuleRecord) (*ModuleRecord, error) {
	for {
		if _, ok := r.factories[id]; ok {
			break
		}
		fut := r.availableModules[id]
		if fut == nil {
			break // requireLocked will surface the load-ordering error
		}
		r.mu.Unlock()
		err := fut.wait(ctx)
		r.mu.Lock()
		if err != nil {
			return nil, err
		}
		if _, ok := r.factories[id]; ok {
			break
		}
		// The chunk settled without providing the factory.
		break
	}

	rec, err := r.requireLocked(id, parent)
	if err != nil {
		return nil, err
	}
	if rec.async != nil {
		fut := rec.async.fut
		r.mu.Unlock()
		err := fut.wait(ctx)
		r.mu.Lock()
		if err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// runFactory executes a factory, converting a panic into a cacheable
// error like any other factory failure.
func runFactory(id ModuleID, f ModuleFactory, mc *ModuleContext) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &FactoryError{ID: id, Panic: p}
		}
	}()
	return f(mc)
}

// ChunkURL derives the fetchable address for a chunk path. It is a
// pure function of path, base path and suffix, so the dedup maps key
// consistently. A path that is already absolute is returned verbatim.
func (r *Runtime) ChunkURL(p ChunkPath) ChunkURL {
	s := string(p)
	if strings.Contains(s, "://") {
		return ChunkURL(s)
	}
	return ChunkURL(r.cfg.ChunkBasePath + s + r.cfg.AssetSuffix)
}

// pathForURL inverts ChunkURL for addresses under the configured base
// path; foreign URLs key by their full address.
func (r *Runtime) pathForURL(u ChunkURL) ChunkPath {
	s := string(u)
	if r.cfg.ChunkBasePath != "" && strings.HasPrefix(s, r.cfg.ChunkBasePath) {
		s = strings.TrimPrefix(s, r.cfg.ChunkBasePath)
		if r.cfg.AssetSuffix != "" {
			s = strings.TrimSuffix(s, r.cfg.AssetSuffix)
		}
	}
	return ChunkPath(s)
}

// fetchBytes retrieves a chunk's payload, consulting the persistent
// store first unless the load is a hot update.
func (r *Runtime) fetchBytes(ctx context.Context, url ChunkURL, bypassStore bool) ([]byte, error) {
	if r.store != nil && !bypassStore {
		if data, ok, err := r.store.Get(string(url)); err == nil && ok {
			return data, nil
		}
	}
	if r.fetcher == nil {
		return nil, fmt.Errorf("no chunk fetcher configured")
	}
	data, err := r.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if r.cfg.MaxChunkBytes > 0 && len(data) > r.cfg.MaxChunkBytes {
		return nil, fmt.Errorf("chunk payload is %d bytes, limit is %d", len(data), r.cfg.MaxChunkBytes)
	}
	if r.store != nil {
		_ = r.store.Put(string(url), data)
	}
	return data, nil
}

// fetchContext returns the context a chunk fetch runs under. Fetches
// are never cancelled by the caller that triggered them: once issued
// they run to completion or failure and the shared future settles
// exactly once.
func (r *Runtime) fetchContext() (context.Context, context.CancelFunc) {
	if r.cfg.FetchTimeout > 0 {
		return context.WithTimeout(context.Background(), r.cfg.FetchTimeout)
	}
	return context.Background(), func() {}
}
