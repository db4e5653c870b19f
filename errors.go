package chunkrt

import (
	"errors"
	"fmt"
)

// ChunkLoadErrorName is the stable name carried by every ChunkLoadError.
// Upstream error-reporting surfaces match on it; do not change casually.
const ChunkLoadErrorName = "ChunkLoadError"

// ChunkLoadError wraps an underlying fetch or evaluation failure for a
// chunk. Every concurrent waiter on the same chunk key receives the
// same error, and the failure is terminal for that key for the life of
// the runtime instance.
type ChunkLoadError struct {
	URL    ChunkURL
	Source LoadSource
	Cause  error
}

// Name returns ChunkLoadErrorName.
func (e *ChunkLoadError) Name() string { return ChunkLoadErrorName }

func (e *ChunkLoadError) Error() string {
	return fmt.Sprintf("failed to load chunk %s %s: %v", e.URL, e.Source.reason(), e.Cause)
}

func (e *ChunkLoadError) Unwrap() error { return e.Cause }

// IsChunkLoadError reports whether err is or wraps a ChunkLoadError.
func IsChunkLoadError(err error) bool {
	var cle *ChunkLoadError
	return errors.As(err, &cle)
}

// LoadOrderingError is the fatal error returned when a module id is
// required but no factory is registered: the build graph and the
// runtime's chunk set are out of sync.
type LoadOrderingError struct {
	ID ModuleID
}

func (e *LoadOrderingError) Error() string {
	return fmt.Sprintf("module %s was required before the chunk providing it was loaded", e.ID)
}

// FactoryError wraps a panic raised by a module factory or async body
// so it can be cached on the module record like any other error.
type FactoryError struct {
	ID    ModuleID
	Panic any
}

func (e *FactoryError) Error() string {
	return fmt.Sprintf("module %s factory panicked: %v", e.ID, e.Panic)
}

// WorkerBootstrapError wraps a failure to construct or initialize a
// worker context.
type WorkerBootstrapError struct {
	URL   string
	Cause error
}

func (e *WorkerBootstrapError) Error() string {
	return fmt.Sprintf("bootstrapping worker from %s: %v", e.URL, e.Cause)
}

func (e *WorkerBootstrapError) Unwrap() error { return e.Cause }

// ErrNotDevMode is returned by hot-reload operations on a runtime that
// was not configured with Config.Dev.
var ErrNotDevMode = errors.New("hot reload requires a development-mode runtime")

// ErrRuntimeClosed is returned by operations on a closed runtime.
var ErrRuntimeClosed = errors.New("runtime is closed")

// errNoEvaluator surfaces when a fetched chunk cannot be evaluated
// because the runtime was built without a ChunkEvaluator.
var errNoEvaluator = errors.New("no chunk evaluator configured")
