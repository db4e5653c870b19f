package chunkrt

// asyncModule coordinates a module whose body performs asynchronous
// work before its exports are final. The module's factory registers it
// via ModuleContext.Async; the body runs once every declared dependency
// that is itself a still-pending async module has settled. A pair of
// async modules depending on each other is legal: the cycle is detected
// and each side proceeds against the other's live exports namespace
// instead of deadlocking, mirroring live-binding module cycles under
// top-level-await semantics.
type asyncModule struct {
	rec  *ModuleRecord
	mc   *ModuleContext
	fut  *loadFuture
	deps []ModuleID
	body func() error

	pending    int
	started    bool
	dependents []*asyncModule
}

// declareAsyncLocked records the async registration made by a factory.
// Dependency wiring is deferred to start, which runs after the factory
// body returns. r.mu is held.
func (r *Runtime) declareAsyncLocked(mc *ModuleContext, deps []ModuleID, body func() error) {
	mc.record.async = &asyncModule{
		rec:  mc.record,
		mc:   mc,
		fut:  newFuture(),
		deps: deps,
		body: body,
	}
}

// start wires the declared dependencies and schedules the body once
// nothing remains to wait for. Called with r.mu held, immediately after
// the factory completed.
func (am *asyncModule) start(r *Runtime) {
	for _, dep := range am.deps {
		depRec, err := r.requireLocked(dep, am.rec)
		if err != nil {
			am.failLocked(err)
			return
		}
		da := depRec.async
		if da == nil {
			continue // synchronous dependency, already settled by definition
		}
		if done, derr := da.fut.settled(); done {
			if derr != nil {
				am.failLocked(derr)
				return
			}
			continue
		}
		if r.asyncWaitsOnLocked(dep, am.rec.ID, make(map[ModuleID]bool)) {
			// Waiting would close a cycle; proceed against the
			// dependency's live exports.
			continue
		}
		am.pending++
		da.dependents = append(da.dependents, am)
	}
	if am.pending == 0 {
		am.scheduleLocked(r)
	}
}

// asyncWaitsOnLocked reports whether the async module `from`
// transitively waits on `target` through declared async dependencies.
func (r *Runtime) asyncWaitsOnLocked(from, target ModuleID, seen map[ModuleID]bool) bool {
	if seen[from] {
		return false
	}
	seen[from] = true
	rec := r.cache[from]
	if rec == nil || rec.async == nil {
		return false
	}
	if done, _ := rec.async.fut.settled(); done {
		return false
	}
	for _, d := range rec.async.deps {
		if d == target {
			return true
		}
		if r.asyncWaitsOnLocked(d, target, seen) {
			return true
		}
	}
	return false
}

// scheduleLocked queues the body for execution on a fresh cooperative
// turn. r.mu is held by the caller; the body itself runs under the lock
// like a factory continuation.
func (am *asyncModule) scheduleLocked(r *Runtime) {
	if am.started {
		return
	}
	am.started = true
	go func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if done, _ := am.fut.settled(); done {
			return
		}
		if err := runAsyncBody(am); err != nil {
			am.failLocked(err)
			return
		}
		am.fut.settle(nil)
		am.completeLocked(r)
	}()
}

// completeLocked releases dependents that were waiting on this module.
func (am *asyncModule) completeLocked(r *Runtime) {
	for _, d := range am.dependents {
		d.pending--
		if d.pending == 0 && !d.started {
			d.scheduleLocked(r)
		}
	}
	am.dependents = nil
}

// failLocked settles this module with err exactly once and propagates
// the rejection to every dependent without running their bodies.
func (am *asyncModule) failLocked(err error) {
	if done, _ := am.fut.settled(); done {
		return
	}
	am.rec.Error = err
	am.rec.State = ModuleErrored
	am.fut.settle(err)
	for _, d := range am.dependents {
		d.failLocked(err)
	}
	am.dependents = nil
}

// runAsyncBody executes the body, converting a panic into a cacheable
// error the same way factory panics are handled.
func runAsyncBody(am *asyncModule) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &FactoryError{ID: am.rec.ID, Panic: p}
		}
	}()
	return am.body()
}
