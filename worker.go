package chunkrt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// WorkerKind selects how a worker's bootstrap parameters are addressed.
type WorkerKind int

const (
	// WorkerShared is a worker that may be looked up by URL by several
	// callers; its bootstrap tuple rides in the query string, since a
	// fragment would not take part in shared-lookup addressing.
	WorkerShared WorkerKind = iota
	// WorkerDedicated is exclusive to its creator; the bootstrap tuple
	// rides in the URL fragment.
	WorkerDedicated
)

// WorkerOptions carries optional worker settings.
type WorkerOptions struct {
	// Name labels the worker for diagnostics.
	Name string
}

// WorkerHandle is a bootstrapped isolated execution context. The worker
// runtime owns independent copies of the registry, cache and pending
// maps; nothing is shared or synchronized with the creator after
// creation.
type WorkerHandle struct {
	URL  string
	Kind WorkerKind
	Name string

	rt *Runtime
}

// Runtime returns the worker's own runtime instance.
func (h *WorkerHandle) Runtime() *Runtime { return h.rt }

// Terminate shuts the worker's runtime down.
func (h *WorkerHandle) Terminate() error { return h.rt.Close() }

// bootstrapParam is the query key carrying a shared worker's tuple.
const bootstrapParam = "bootstrap"

// CreateWorker builds the bootstrap URL for an isolated execution
// context and brings the context up: a fresh runtime fetches and
// registers the listed module chunks, then the entry chunk. The chunk
// URL list is serialized reversed so the bootstrap pops it as a stack.
// forwarded globals are copied at creation time only; staleness
// afterward is expected.
//
// Bootstrap failures are returned to the caller, wrapped as a
// WorkerBootstrapError.
func (r *Runtime) CreateWorker(ctx context.Context, kind WorkerKind, entry ChunkPath, moduleChunks []ChunkPath, opts WorkerOptions) (*WorkerHandle, error) {
	urls := make([]ChunkURL, 0, len(moduleChunks))
	for i := len(moduleChunks) - 1; i >= 0; i-- {
		urls = append(urls, r.ChunkURL(moduleChunks[i]))
	}

	tuple := make([]any, 0, 2+len(r.cfg.ForwardedGlobals))
	tuple = append(tuple, urls, r.cfg.AssetSuffix)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRuntimeClosed
	}
	for _, name := range r.cfg.ForwardedGlobals {
		tuple = append(tuple, r.globals[name])
	}
	var forkedEval ChunkEvaluator
	if r.evaluator != nil {
		forkedEval = r.evaluator.Fork()
	}
	store := r.store
	r.mu.Unlock()

	blob, err := json.Marshal(tuple)
	if err != nil {
		return nil, fmt.Errorf("serializing worker bootstrap tuple: %w", err)
	}

	entryURL := string(r.ChunkURL(entry))
	var bootURL string
	switch kind {
	case WorkerShared:
		sep := "?"
		if strings.Contains(entryURL, "?") {
			sep = "&"
		}
		bootURL = entryURL + sep + bootstrapParam + "=" + url.QueryEscape(string(blob))
	case WorkerDedicated:
		bootURL = entryURL + "#" + url.QueryEscape(string(blob))
	default:
		return nil, fmt.Errorf("unknown worker kind %d", kind)
	}

	wrt := NewRuntime(r.cfg, r.fetcher, forkedEval)
	if store != nil {
		wrt.SetStore(store)
	}
	if err := wrt.BootstrapFromURL(ctx, bootURL); err != nil {
		_ = wrt.Close()
		return nil, err
	}
	return &WorkerHandle{URL: bootURL, Kind: kind, Name: opts.Name, rt: wrt}, nil
}

// BootstrapFromURL initializes this runtime from a worker bootstrap
// URL: it decodes the parameter tuple, adopts the asset suffix and
// forwarded global values, loads the serialized chunk URLs in stack
// order, and finally loads the entry chunk itself.
func (r *Runtime) BootstrapFromURL(ctx context.Context, raw string) error {
	fail := func(cause error) error {
		return &WorkerBootstrapError{URL: raw, Cause: cause}
	}

	payload, entryURL, err := splitBootstrapURL(raw)
	if err != nil {
		return fail(err)
	}

	var tuple []json.RawMessage
	if err := json.Unmarshal([]byte(payload), &tuple); err != nil {
		return fail(fmt.Errorf("decoding bootstrap tuple: %w", err))
	}
	if len(tuple) < 2 {
		return fail(fmt.Errorf("bootstrap tuple has %d elements, want at least 2", len(tuple)))
	}

	var chunkURLs []ChunkURL
	if err := json.Unmarshal(tuple[0], &chunkURLs); err != nil {
		return fail(fmt.Errorf("decoding bootstrap chunk URLs: %w", err))
	}
	var suffix string
	if err := json.Unmarshal(tuple[1], &suffix); err != nil {
		return fail(fmt.Errorf("decoding bootstrap asset suffix: %w", err))
	}
	r.cfg.AssetSuffix = suffix

	for i, name := range r.cfg.ForwardedGlobals {
		if 2+i >= len(tuple) {
			break
		}
		var v any
		if err := json.Unmarshal(tuple[2+i], &v); err != nil {
			return fail(fmt.Errorf("decoding forwarded global %s: %w", name, err))
		}
		r.SetGlobal(name, v)
	}

	// The list arrives reversed; pop from the end to load in original
	// order.
	for len(chunkURLs) > 0 {
		u := chunkURLs[len(chunkURLs)-1]
		chunkURLs = chunkURLs[:len(chunkURLs)-1]
		if err := r.LoadChunkByURL(ctx, u, LoadSource{Kind: SourceRuntime}); err != nil {
			return fail(err)
		}
	}

	if err := r.LoadChunkByURL(ctx, ChunkURL(entryURL), LoadSource{Kind: SourceRuntime}); err != nil {
		return fail(err)
	}
	return nil
}

// splitBootstrapURL extracts the encoded tuple from a bootstrap URL,
// checking the fragment first (dedicated workers), then the bootstrap
// query parameter (shared workers). It also returns the entry chunk
// URL with bootstrap addressing stripped.
func splitBootstrapURL(raw string) (payload, entryURL string, err error) {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		payload, err = url.QueryUnescape(raw[i+1:])
		return payload, raw[:i], err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parsing bootstrap URL: %w", err)
	}
	q := u.Query()
	enc := q.Get(bootstrapParam)
	if enc == "" {
		return "", "", fmt.Errorf("bootstrap URL carries no parameter tuple")
	}
	q.Del(bootstrapParam)
	u.RawQuery = q.Encode()
	return enc, u.String(), nil
}
