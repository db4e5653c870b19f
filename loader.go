package chunkrt

import (
	"context"
	"strings"
)

// LoadChunk resolves a chunk descriptor into at most one new fetch,
// collapsing concurrent overlapping requests onto in-flight loads.
// source only shapes error messages.
//
// Resolution order per descriptor: if every included module id is
// already available or pending, wait on those loads and fetch nothing.
// Failing that, if every listed sub-chunk is available or pending,
// wait on those. Otherwise issue exactly one fetch for the
// descriptor's own path and mark all its included ids and sub-chunks
// as pending on that fetch.
func (r *Runtime) LoadChunk(ctx context.Context, desc ChunkDescriptor, source LoadSource) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRuntimeClosed
	}
	futs := r.loadChunkLocked(desc, source)
	r.mu.Unlock()
	return waitAll(ctx, futs)
}

// LoadChunkByURL loads a chunk addressed by URL rather than path, as a
// worker bootstrap does. Any query or fragment carrying bootstrap
// parameters is stripped before keying the dedup maps.
func (r *Runtime) LoadChunkByURL(ctx context.Context, url ChunkURL, source LoadSource) error {
	return r.LoadChunk(ctx, ChunkDescriptor{Path: r.pathForURL(stripURLExtras(url))}, source)
}

// loadChunkLocked implements the dedup algorithm. It returns the set
// of futures the caller must wait on; an empty slice means everything
// requested is already available. r.mu is held.
func (r *Runtime) loadChunkLocked(desc ChunkDescriptor, source LoadSource) []*loadFuture {
	if len(desc.Included) > 0 {
		waits, missing := r.moduleWaitsLocked(desc.Included)
		if !missing {
			return waits
		}
	}
	if len(desc.ModuleChunks) > 0 {
		waits, missing := r.chunkWaitsLocked(desc.ModuleChunks)
		if !missing {
			return waits
		}
	}

	if fut := r.availableChunks[desc.Path]; fut != nil {
		r.markPendingLocked(desc, fut)
		return []*loadFuture{fut}
	}

	fut := newFuture()
	r.availableChunks[desc.Path] = fut
	r.markPendingLocked(desc, fut)
	go r.fetchChunk(desc.Path, fut, source)
	return []*loadFuture{fut}
}

// moduleWaitsLocked collects the in-flight loads covering the given
// ids. missing is true if any id is neither registered nor pending.
func (r *Runtime) moduleWaitsLocked(ids []ModuleID) (waits []*loadFuture, missing bool) {
	for _, id := range ids {
		if _, ok := r.factories[id]; ok {
			continue
		}
		fut := r.availableModules[id]
		if fut == nil {
			return nil, true
		}
		if done, err := fut.settled(); !done || err != nil {
			// Unsettled loads are waited on; a settled failure is the
			// terminal outcome for this key and propagates as-is.
			waits = append(waits, fut)
		}
	}
	return waits, false
}

// chunkWaitsLocked is moduleWaitsLocked over sub-chunk paths.
func (r *Runtime) chunkWaitsLocked(paths []ChunkPath) (waits []*loadFuture, missing bool) {
	for _, p := range paths {
		if _, ok := r.chunkModules[p]; ok {
			continue
		}
		fut := r.availableChunks[p]
		if fut == nil {
			return nil, true
		}
		if done, err := fut.settled(); !done || err != nil {
			waits = append(waits, fut)
		}
	}
	return waits, false
}

// markPendingLocked records that every id and sub-chunk the descriptor
// names is pending on fut, so concurrent overlapping requests collapse
// onto the same in-flight load.
func (r *Runtime) markPendingLocked(desc ChunkDescriptor, fut *loadFuture) {
	for _, id := range desc.Included {
		if _, ok := r.availableModules[id]; !ok {
			r.availableModules[id] = fut
		}
	}
	for _, p := range desc.ModuleChunks {
		if _, ok := r.availableChunks[p]; !ok {
			r.availableChunks[p] = fut
		}
	}
}

// fetchChunk is the load pipeline for one chunk: fetch, evaluate,
// then load the runtime dependencies the payload declared, and settle
// the shared future. It runs on its own goroutine, detached from any
// caller's context: an issued fetch is never cancelled mid-flight.
func (r *Runtime) fetchChunk(path ChunkPath, fut *loadFuture, source LoadSource) {
	url := r.ChunkURL(path)
	fail := func(cause error) {
		fut.settle(&ChunkLoadError{URL: url, Source: source, Cause: cause})
	}

	ctx, cancel := r.fetchContext()
	defer cancel()

	data, err := r.fetchBytes(ctx, url, source.Kind == SourceUpdate)
	if err != nil {
		fail(err)
		return
	}

	r.mu.Lock()
	if r.evaluator == nil {
		r.mu.Unlock()
		fail(errNoEvaluator)
		return
	}
	desc, err := r.evaluator.Evaluate(r, path, data)
	if err != nil {
		r.mu.Unlock()
		fail(err)
		return
	}
	r.addChunkModulesLocked(path, desc.Included)

	// Runtime dependencies: sub-chunks the payload declared that are
	// not yet registered get their own loads. Entries that were only
	// reserved against this fetch are handed off so the sub-load keys
	// its own future.
	var nested []*loadFuture
	for _, mc := range desc.ModuleChunks {
		if _, ok := r.chunkModules[mc]; ok {
			continue
		}
		if f := r.availableChunks[mc]; f != nil && f != fut {
			nested = append(nested, f)
			continue
		}
		delete(r.availableChunks, mc)
		sub := r.loadChunkLocked(ChunkDescriptor{Path: mc}, LoadSource{Kind: SourceRuntime, Chunk: path})
		nested = append(nested, sub...)
	}
	r.mu.Unlock()

	if err := waitAll(context.Background(), nested); err != nil {
		fail(err)
		return
	}
	fut.settle(nil)
}

// addChunkModulesLocked records ids as provided by path, skipping ids
// already recorded (a hot reload re-evaluates the same module set).
func (r *Runtime) addChunkModulesLocked(path ChunkPath, ids []ModuleID) {
	have := make(map[ModuleID]bool, len(r.chunkModules[path]))
	for _, id := range r.chunkModules[path] {
		have[id] = true
	}
	for _, id := range ids {
		if !have[id] {
			r.chunkModules[path] = append(r.chunkModules[path], id)
		}
	}
}

// stripURLExtras drops the query and fragment from a chunk URL.
func stripURLExtras(u ChunkURL) ChunkURL {
	s := string(u)
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	return ChunkURL(s)
}
