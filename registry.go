package chunkrt

import "fmt"

// RegisterFactory inserts or replaces the factory for a module id. It
// never instantiates; an already-cached record keeps serving its
// current exports until a development-mode invalidation evicts it.
func (r *Runtime) RegisterFactory(id ModuleID, factory ModuleFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerFactoryLocked(id, factory)
}

func (r *Runtime) registerFactoryLocked(id ModuleID, factory ModuleFactory) {
	r.factories[id] = factory
	if _, ok := r.availableModules[id]; !ok {
		r.availableModules[id] = settledFuture(nil)
	}
}

// RegisterChunk registers a chunk's module factories. entries is a flat
// alternating sequence of module identifiers and factories; several
// consecutive identifiers may share the factory that follows them
// (scope-hoisted module groups):
//
//	rt.RegisterChunk("app-3f9c",
//		ModuleID("a"), factoryA,
//		ModuleID("b"), ModuleID("c"), factoryBC,
//	)
//
// Identifiers may be given as ModuleID or string.
func (r *Runtime) RegisterChunk(path ChunkPath, entries ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRuntimeClosed
	}
	return r.registerChunkLocked(path, entries...)
}

func (r *Runtime) registerChunkLocked(path ChunkPath, entries ...any) error {
	var ids []ModuleID
	var pending []ModuleID
	for i, entry := range entries {
		switch v := entry.(type) {
		case ModuleID:
			pending = append(pending, v)
		case string:
			pending = append(pending, ModuleID(v))
		case ModuleFactory:
			if len(pending) == 0 {
				return fmt.Errorf("chunk %s entry %d: factory without a preceding module id", path, i)
			}
			for _, id := range pending {
				r.registerFactoryLocked(id, v)
			}
			ids = append(ids, pending...)
			pending = pending[:0]
		case func(*ModuleContext) error:
			if len(pending) == 0 {
				return fmt.Errorf("chunk %s entry %d: factory without a preceding module id", path, i)
			}
			for _, id := range pending {
				r.registerFactoryLocked(id, ModuleFactory(v))
			}
			ids = append(ids, pending...)
			pending = pending[:0]
		default:
			return fmt.Errorf("chunk %s entry %d: unexpected %T, want module id or factory", path, i, entry)
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("chunk %s: trailing module ids %v without a factory", path, pending)
	}

	r.chunkModules[path] = append(r.chunkModules[path], ids...)
	if _, ok := r.availableChunks[path]; !ok {
		r.availableChunks[path] = settledFuture(nil)
	}
	return nil
}

// RegisterChunkDescriptor records a chunk whose factories were already
// registered individually, so descriptor-based loads recognize the
// chunk as present instead of fetching it. Every included id must have
// a factory.
func (r *Runtime) RegisterChunkDescriptor(desc ChunkDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRuntimeClosed
	}
	for _, id := range desc.Included {
		if _, ok := r.factories[id]; !ok {
			return fmt.Errorf("chunk %s: no factory registered for module %s", desc.Path, id)
		}
	}
	r.addChunkModulesLocked(desc.Path, desc.Included)
	if _, ok := r.availableChunks[desc.Path]; !ok {
		r.availableChunks[desc.Path] = settledFuture(nil)
	}
	return nil
}

// ChunkModules returns the module ids registered by a chunk, or nil if
// the chunk is unknown.
func (r *Runtime) ChunkModules(path ChunkPath) []ModuleID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.chunkModules[path]
	out := make([]ModuleID, len(ids))
	copy(out, ids)
	if len(out) == 0 {
		return nil
	}
	return out
}

// HasFactory reports whether a factory is registered for id.
func (r *Runtime) HasFactory(id ModuleID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.factories[id]
	return ok
}
