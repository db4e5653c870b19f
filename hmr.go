package chunkrt

import "context"

// InvalidateModules evicts the changed modules and the transitive
// closure of their importers from the module cache, so the next require
// of any of them re-runs its (possibly replaced) factory. Factories
// stay registered; only instantiation state is discarded. Returns the
// evicted set. Development mode only.
func (r *Runtime) InvalidateModules(changed ...ModuleID) ([]ModuleID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.graph == nil {
		return nil, ErrNotDevMode
	}
	return r.invalidateLocked(changed), nil
}

func (r *Runtime) invalidateLocked(changed []ModuleID) []ModuleID {
	closure := r.graph.Dependents(changed)
	evicted := closure[:0]
	for _, id := range closure {
		if _, ok := r.cache[id]; !ok {
			continue
		}
		delete(r.cache, id)
		r.graph.Remove(id)
		evicted = append(evicted, id)
	}
	return evicted
}

// ReloadChunk refetches a chunk, replaces the factories it provides and
// invalidates every module the chunk's previous generation had
// instantiated, plus their transitive importers. Called by the dev
// server transport when it detects a source change. Development mode
// only.
func (r *Runtime) ReloadChunk(ctx context.Context, path ChunkPath) error {
	r.mu.Lock()
	if r.graph == nil {
		r.mu.Unlock()
		return ErrNotDevMode
	}
	if r.closed {
		r.mu.Unlock()
		return ErrRuntimeClosed
	}
	// Drop the chunk's terminal marker so the pipeline issues a fresh
	// fetch; a previously failed load becomes retryable here and only
	// here.
	delete(r.availableChunks, path)
	futs := r.loadChunkLocked(ChunkDescriptor{Path: path}, LoadSource{Kind: SourceUpdate})
	r.mu.Unlock()

	if err := waitAll(ctx, futs); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidateLocked(r.chunkModules[path])
	return nil
}

// ApplyChunkPayload applies a pushed chunk payload without a fetch, as
// delivered over the dev server's hot-update channel, then invalidates
// the chunk's modules. Development mode only.
func (r *Runtime) ApplyChunkPayload(path ChunkPath, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.graph == nil {
		return ErrNotDevMode
	}
	if r.closed {
		return ErrRuntimeClosed
	}
	if r.evaluator == nil {
		return errNoEvaluator
	}
	desc, err := r.evaluator.Evaluate(r, path, payload)
	if err != nil {
		return &ChunkLoadError{URL: r.ChunkURL(path), Source: LoadSource{Kind: SourceUpdate}, Cause: err}
	}
	r.addChunkModulesLocked(path, desc.Included)
	if r.store != nil {
		_ = r.store.Put(string(r.ChunkURL(path)), payload)
	}
	r.availableChunks[path] = settledFuture(nil)
	r.invalidateLocked(r.chunkModules[path])
	return nil
}

// UnloadChunk removes a chunk and everything it provides: factories,
// availability markers and cached instantiations (including transitive
// importers of the chunk's modules). Development mode only.
func (r *Runtime) UnloadChunk(path ChunkPath) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.graph == nil {
		return ErrNotDevMode
	}
	ids := r.chunkModules[path]
	r.invalidateLocked(ids)
	for _, id := range ids {
		delete(r.factories, id)
		delete(r.availableModules, id)
	}
	delete(r.chunkModules, path)
	delete(r.availableChunks, path)
	if r.store != nil {
		_ = r.store.Delete(string(r.ChunkURL(path)))
	}
	return nil
}
