package chunkrt

import "context"

// ModuleContext is the capability bundle a module factory receives. It
// is the only handle through which module code observes or affects the
// runtime. A context is valid inside the factory body and inside an
// async body declared with Async; it must not escape to other
// goroutines.
//
// All methods assume they are called from the owning factory or async
// body (the runtime lock is held); blocking operations release the
// lock while suspended, which is the runtime's only form of
// cooperative yield.
type ModuleContext struct {
	rt     *Runtime
	record *ModuleRecord
}

// ModuleID returns the id of the module this context belongs to.
func (mc *ModuleContext) ModuleID() ModuleID { return mc.record.ID }

// Exports returns this module's own live exports namespace.
func (mc *ModuleContext) Exports() *Namespace { return mc.record.Exports }

// Require synchronously resolves another module, applying circular
// require semantics: if the target is mid-instantiation its live,
// partially populated exports are returned.
func (mc *ModuleContext) Require(id ModuleID) (*Namespace, error) {
	rec, err := mc.rt.requireLocked(id, mc.record)
	if err != nil {
		return nil, err
	}
	return rec.Exports, nil
}

// Import resolves another module, first waiting for any in-flight
// chunk providing it and for its async body to settle.
func (mc *ModuleContext) Import(ctx context.Context, id ModuleID) (*Namespace, error) {
	rec, err := mc.rt.importLocked(ctx, id, mc.record)
	if err != nil {
		return nil, err
	}
	return rec.Exports, nil
}

// ExportValue exports a single value. Calling it again for the same
// name replaces the previous value (last write wins).
func (mc *ModuleContext) ExportValue(name string, value any) {
	mc.record.Exports.Set(name, value)
}

// ExportNamespace merges values into this module's exports.
func (mc *ModuleContext) ExportNamespace(values map[string]any) {
	mc.record.Exports.Merge(values)
}

// DynamicExport exports a binding whose value is computed on each
// read, for source patterns whose exports are not known until later.
func (mc *ModuleContext) DynamicExport(name string, get func() any) {
	mc.record.Exports.Set(name, Getter(get))
}

// LoadChunk loads a chunk as a lazy boundary of this module; errors
// name this module as the initiator.
func (mc *ModuleContext) LoadChunk(ctx context.Context, desc ChunkDescriptor) error {
	r := mc.rt
	futs := r.loadChunkLocked(desc, LoadSource{Kind: SourceParent, Module: mc.record.ID})
	r.mu.Unlock()
	err := waitAll(ctx, futs)
	r.mu.Lock()
	return err
}

// LoadChunkByURL is LoadChunk for a chunk addressed by URL.
func (mc *ModuleContext) LoadChunkByURL(ctx context.Context, url ChunkURL) error {
	r := mc.rt
	desc := ChunkDescriptor{Path: r.pathForURL(stripURLExtras(url))}
	futs := r.loadChunkLocked(desc, LoadSource{Kind: SourceParent, Module: mc.record.ID})
	r.mu.Unlock()
	err := waitAll(ctx, futs)
	r.mu.Lock()
	return err
}

// Async declares that this module's exports settle asynchronously.
// deps lists the modules whose settled values body will read; body
// runs once every declared dependency that is itself a still-pending
// async module has settled, except where waiting would close a cycle,
// in which case the dependency's live exports are used as-is. body
// runs at most once; its failure becomes this module's cached error.
func (mc *ModuleContext) Async(deps []ModuleID, body func() error) {
	mc.rt.declareAsyncLocked(mc, deps, body)
}

// CreateWorker builds an isolated execution context bootstrapped from
// this runtime's configuration. See Runtime.CreateWorker.
func (mc *ModuleContext) CreateWorker(ctx context.Context, kind WorkerKind, entry ChunkPath, moduleChunks []ChunkPath, opts WorkerOptions) (*WorkerHandle, error) {
	r := mc.rt
	r.mu.Unlock()
	h, err := r.CreateWorker(ctx, kind, entry, moduleChunks, opts)
	r.mu.Lock()
	return h, err
}

// LoadWebAssembly fetches, compiles and instantiates a WebAssembly
// asset, returning its exported functions as a namespace. Asset loads
// are deduplicated separately from JS chunks.
func (mc *ModuleContext) LoadWebAssembly(ctx context.Context, path ChunkPath) (*Namespace, error) {
	return mc.rt.loadWebAssemblyHeld(ctx, path, mc.record.ID)
}

// LoadWebAssemblyModule fetches and compiles a WebAssembly asset
// without instantiating it.
func (mc *ModuleContext) LoadWebAssemblyModule(ctx context.Context, path ChunkPath) (CompiledWebAssembly, error) {
	return mc.rt.loadWebAssemblyModuleHeld(ctx, path, mc.record.ID)
}
