package chunkrt

import "time"

// Config holds build-time runtime configuration. All fields are
// resolved by the build that produced the chunk manifest; the runtime
// never mutates them.
type Config struct {
	// ChunkBasePath is prepended to every ChunkPath when deriving a
	// ChunkURL, e.g. "https://cdn.example.com/_chunks/" or "./dist/".
	ChunkBasePath string

	// AssetSuffix is appended verbatim to every derived ChunkURL,
	// typically a cache-busting query like "?v=8f3a".
	AssetSuffix string

	// Dev enables the dependency tracker and the hot-reload hooks.
	// Production runtimes never evict cache entries.
	Dev bool

	// ForwardedGlobals lists the global binding names whose current
	// values are copied into a worker at creation time. There is no
	// live sync afterward.
	ForwardedGlobals []string

	// FetchTimeout bounds a single chunk fetch. Zero means no timeout.
	FetchTimeout time.Duration

	// MaxChunkBytes caps the size of a fetched chunk payload. Zero
	// means unlimited.
	MaxChunkBytes int
}
