package chunkrt

import "context"

// ChunkFetcher retrieves the raw bytes of a chunk. Implementations must
// be safe for concurrent use; the runtime deduplicates requests so a
// given URL is fetched at most once per runtime instance.
type ChunkFetcher interface {
	Fetch(ctx context.Context, url ChunkURL) ([]byte, error)
}

// ChunkEvaluator turns fetched chunk bytes into factory registrations.
// Evaluate is called with the runtime lock held and must register the
// chunk's factories via Runtime.registerChunkLocked, returning the
// descriptor the payload declared. Fork returns an evaluator with fresh
// isolated state for a new execution context (a worker); evaluation
// state is never shared across contexts.
type ChunkEvaluator interface {
	Evaluate(rt *Runtime, path ChunkPath, data []byte) (ChunkDescriptor, error)
	Fork() ChunkEvaluator
	Close() error
}

// FetcherFunc adapts a function to the ChunkFetcher interface.
type FetcherFunc func(ctx context.Context, url ChunkURL) ([]byte, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, url ChunkURL) ([]byte, error) {
	return f(ctx, url)
}
