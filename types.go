package chunkrt

import (
	"fmt"
	"sync"
)

// ModuleID identifies a module within a build. Development builds use
// readable path-like ids, production builds use short ids; the runtime
// treats both as opaque.
type ModuleID string

// ChunkPath is the internal identifier of a deliverable unit of code.
type ChunkPath string

// ChunkURL is the fully qualified fetchable address of a chunk, derived
// from a ChunkPath plus the configured base path and asset suffix.
type ChunkURL string

// ChunkDescriptor describes a chunk to load. A bare descriptor (only
// Path set) means "fetch this whole chunk". A structured descriptor
// enumerates the module ids the chunk transitively provides and the
// sub-chunks it depends on. Included and Excluded are disjoint.
type ChunkDescriptor struct {
	Path         ChunkPath   `json:"path"`
	Included     []ModuleID  `json:"included,omitempty"`
	Excluded     []ModuleID  `json:"excluded,omitempty"`
	ModuleChunks []ChunkPath `json:"moduleChunks,omitempty"`
}

// SourceKind records what triggered a chunk load. It only affects error
// messages, never load semantics.
type SourceKind int

const (
	// SourceRuntime marks loads issued by the runtime itself: entry
	// bootstrap and chunk-to-chunk runtime dependencies.
	SourceRuntime SourceKind = iota
	// SourceParent marks loads issued by a parent module's dynamic import.
	SourceParent
	// SourceUpdate marks loads issued by a hot update.
	SourceUpdate
)

// LoadSource identifies the initiator of a chunk load for error reporting.
type LoadSource struct {
	Kind   SourceKind
	Chunk  ChunkPath // set for SourceRuntime when a chunk pulled in a sub-chunk
	Module ModuleID  // set for SourceParent
}

// reason renders the human-readable cause embedded in chunk load errors.
func (s LoadSource) reason() string {
	switch s.Kind {
	case SourceParent:
		return fmt.Sprintf("from module %s", s.Module)
	case SourceUpdate:
		return "from a hot update"
	default:
		if s.Chunk != "" {
			return fmt.Sprintf("as a runtime dependency of chunk %s", s.Chunk)
		}
		return "as a runtime entry"
	}
}

// ModuleState tracks a module record through its lifecycle.
type ModuleState int

const (
	ModuleUnregistered ModuleState = iota
	ModuleRegistered
	ModuleInstantiating
	ModuleReady
	ModuleErrored
)

func (s ModuleState) String() string {
	switch s {
	case ModuleUnregistered:
		return "unregistered"
	case ModuleRegistered:
		return "factory-registered"
	case ModuleInstantiating:
		return "instantiating"
	case ModuleReady:
		return "ready"
	case ModuleErrored:
		return "errored"
	default:
		return fmt.Sprintf("ModuleState(%d)", int(s))
	}
}

// ModuleFactory populates a module's exports through the given context.
// A factory runs at most once per cache generation.
type ModuleFactory func(mc *ModuleContext) error

// ModuleRecord is the instantiated form of a module. At most one record
// exists per ModuleID per cache generation. Exports is live: during a
// circular require, and while an async body is still running, dependents
// observe the partially populated namespace by reference.
type ModuleRecord struct {
	ID      ModuleID
	Exports *Namespace
	Error   error
	State   ModuleState

	async *asyncModule // non-nil once the factory declared itself async
}

// Namespace is a module's exports object. Writes are last-write-wins so
// factories that re-export repeatedly stay idempotent. It is safe to
// read from other goroutines while an async module body is still
// populating it.
type Namespace struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewNamespace returns an empty exports namespace.
func NewNamespace() *Namespace {
	return &Namespace{values: make(map[string]any)}
}

// Getter is a dynamic export: the binding's value is computed on each
// read instead of at export time.
type Getter func() any

// Get returns the exported value for name, resolving dynamic exports.
func (n *Namespace) Get(name string) (any, bool) {
	n.mu.RLock()
	v, ok := n.values[name]
	n.mu.RUnlock()
	if g, isGetter := v.(Getter); isGetter {
		return g(), ok
	}
	return v, ok
}

// Set exports a single value under name, replacing any previous value.
func (n *Namespace) Set(name string, value any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.values[name] = value
}

// Merge exports every entry of values, replacing previous values.
func (n *Namespace) Merge(values map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for k, v := range values {
		n.values[k] = v
	}
}

// Keys returns the exported names in unspecified order.
func (n *Namespace) Keys() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	keys := make([]string, 0, len(n.values))
	for k := range n.values {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns a shallow copy of the current exports with dynamic
// exports resolved. Getters run outside the namespace lock so they may
// read other namespaces freely.
func (n *Namespace) Snapshot() map[string]any {
	n.mu.RLock()
	out := make(map[string]any, len(n.values))
	for k, v := range n.values {
		out[k] = v
	}
	n.mu.RUnlock()
	for k, v := range out {
		if g, ok := v.(Getter); ok {
			out[k] = g()
		}
	}
	return out
}

// Len returns the number of exported values.
func (n *Namespace) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.values)
}
