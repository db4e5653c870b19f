package chunkrt

import (
	"context"
	"sync"
)

// loadFuture is a settle-exactly-once handle for an in-flight load.
// Entries in the pending-load maps point at one of these; concurrent
// overlapping requests collapse onto the same future. Once settled the
// outcome (including failure) is permanent for that key.
type loadFuture struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newFuture() *loadFuture {
	return &loadFuture{done: make(chan struct{})}
}

// settledFuture returns a future that is already settled with err.
func settledFuture(err error) *loadFuture {
	f := newFuture()
	f.settle(err)
	return f
}

// settle resolves the future. Only the first call has any effect; a
// caller that "gave up" never prevents the shared state from settling.
func (f *loadFuture) settle(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// wait blocks until the future settles or ctx is done.
func (f *loadFuture) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settled reports whether the future has resolved, and with what error.
func (f *loadFuture) settled() (bool, error) {
	select {
	case <-f.done:
		return true, f.err
	default:
		return false, nil
	}
}

// onSettle invokes fn with the outcome once the future settles. fn runs
// on its own goroutine and must acquire any locks it needs.
func (f *loadFuture) onSettle(fn func(error)) {
	go func() {
		<-f.done
		fn(f.err)
	}()
}

// waitAll waits for every future, returning the first error observed.
func waitAll(ctx context.Context, futs []*loadFuture) error {
	for _, f := range futs {
		if err := f.wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
