package chunkrt

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"testing"
)

func workerFixtureFetcher(t *testing.T) *mockFetcher {
	t.Helper()
	fetcher := newMockFetcher()
	fetcher.set("mem://lib1.js", chunkPayload(t, "lib1", map[ModuleID]string{"l1": "one"}))
	fetcher.set("mem://lib2.js", chunkPayload(t, "lib2", map[ModuleID]string{"l2": "two"}))
	fetcher.set("mem://entry.js", chunkPayload(t, "entry", map[ModuleID]string{"main": "go"}))
	return fetcher
}

func newWorkerParent(t *testing.T, fetcher ChunkFetcher) *Runtime {
	t.Helper()
	cfg := Config{
		ChunkBasePath:    "mem://",
		AssetSuffix:      ".js",
		ForwardedGlobals: []string{"env"},
	}
	rt := NewRuntime(cfg, fetcher, &manifestEvaluator{})
	rt.SetGlobal("env", "production")
	return rt
}

func TestCreateSharedWorker(t *testing.T) {
	rt := newWorkerParent(t, workerFixtureFetcher(t))
	defer rt.Close()

	h, err := rt.CreateWorker(context.Background(), WorkerShared, "entry", []ChunkPath{"lib1", "lib2"}, WorkerOptions{Name: "w1"})
	if err != nil {
		t.Fatalf("create worker: %v", err)
	}
	defer h.Terminate()

	u, err := url.Parse(h.URL)
	if err != nil {
		t.Fatalf("parsing worker url %q: %v", h.URL, err)
	}
	if u.Fragment != "" {
		t.Errorf("shared worker url has fragment: %s", h.URL)
	}
	enc := u.Query().Get("bootstrap")
	if enc == "" {
		t.Fatalf("worker url carries no bootstrap parameter: %s", h.URL)
	}

	var tuple []json.RawMessage
	if err := json.Unmarshal([]byte(enc), &tuple); err != nil {
		t.Fatalf("decoding tuple: %v", err)
	}
	if len(tuple) != 3 {
		t.Fatalf("tuple has %d elements, want urls+suffix+1 global", len(tuple))
	}
	var urls []string
	if err := json.Unmarshal(tuple[0], &urls); err != nil {
		t.Fatalf("decoding urls: %v", err)
	}
	// The list is serialized reversed so the bootstrap pops it like a
	// stack.
	if len(urls) != 2 || urls[0] != "mem://lib2.js" || urls[1] != "mem://lib1.js" {
		t.Errorf("serialized urls = %v, want reversed order", urls)
	}
	var suffix string
	json.Unmarshal(tuple[1], &suffix)
	if suffix != ".js" {
		t.Errorf("suffix = %q, want .js", suffix)
	}
	var env string
	json.Unmarshal(tuple[2], &env)
	if env != "production" {
		t.Errorf("forwarded global = %q, want production", env)
	}

	wrt := h.Runtime()
	for _, id := range []ModuleID{"l1", "l2", "main"} {
		if _, err := wrt.RequireModule(id); err != nil {
			t.Errorf("worker require %s: %v", id, err)
		}
	}
	if v, _ := wrt.Global("env"); v != "production" {
		t.Errorf("worker global env = %v", v)
	}
}

func TestCreateDedicatedWorkerUsesFragment(t *testing.T) {
	rt := newWorkerParent(t, workerFixtureFetcher(t))
	defer rt.Close()

	h, err := rt.CreateWorker(context.Background(), WorkerDedicated, "entry", nil, WorkerOptions{})
	if err != nil {
		t.Fatalf("create worker: %v", err)
	}
	defer h.Terminate()

	if !strings.Contains(h.URL, "#") {
		t.Errorf("dedicated worker url has no fragment: %s", h.URL)
	}
	if strings.Contains(h.URL, "bootstrap=") {
		t.Errorf("dedicated worker url leaked a query parameter: %s", h.URL)
	}
	if _, err := h.Runtime().RequireModule("main"); err != nil {
		t.Errorf("worker require main: %v", err)
	}
}

func TestWorkerIsolation(t *testing.T) {
	rt := newWorkerParent(t, workerFixtureFetcher(t))
	defer rt.Close()

	h, err := rt.CreateWorker(context.Background(), WorkerShared, "entry", nil, WorkerOptions{})
	if err != nil {
		t.Fatalf("create worker: %v", err)
	}

	// Globals are snapshotted, not synced.
	h.Runtime().SetGlobal("env", "staging")
	if v, _ := rt.Global("env"); v != "production" {
		t.Errorf("parent global mutated by worker: %v", v)
	}
	rt.SetGlobal("env", "canary")
	if v, _ := h.Runtime().Global("env"); v != "staging" {
		t.Errorf("worker global mutated by parent: %v", v)
	}

	// The worker's modules never entered the parent cache.
	if got := rt.ModuleState("main"); got != ModuleUnregistered {
		t.Errorf("parent knows worker module: %v", got)
	}

	if err := h.Terminate(); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if _, err := h.Runtime().RequireModule("main"); !errors.Is(err, ErrRuntimeClosed) {
		t.Errorf("terminated worker require = %v, want ErrRuntimeClosed", err)
	}
	// The parent is unaffected.
	if err := rt.LoadChunk(context.Background(), ChunkDescriptor{Path: "lib1"}, LoadSource{}); err != nil {
		t.Errorf("parent load after worker terminate: %v", err)
	}
}

func TestCreateWorkerBootstrapFailure(t *testing.T) {
	fetcher := newMockFetcher() // entry chunk missing
	rt := newWorkerParent(t, fetcher)
	defer rt.Close()

	_, err := rt.CreateWorker(context.Background(), WorkerShared, "entry", nil, WorkerOptions{})
	var wbe *WorkerBootstrapError
	if !errors.As(err, &wbe) {
		t.Fatalf("err %T, want WorkerBootstrapError", err)
	}
}

func TestBootstrapFromURLRejectsMalformedTuples(t *testing.T) {
	rt := NewRuntime(Config{}, newMockFetcher(), &manifestEvaluator{})
	defer rt.Close()

	var wbe *WorkerBootstrapError
	if err := rt.BootstrapFromURL(context.Background(), "mem://e.js"); !errors.As(err, &wbe) {
		t.Errorf("missing tuple err = %v, want WorkerBootstrapError", err)
	}
	if err := rt.BootstrapFromURL(context.Background(), "mem://e.js#not-json"); !errors.As(err, &wbe) {
		t.Errorf("bad json err = %v, want WorkerBootstrapError", err)
	}
	if err := rt.BootstrapFromURL(context.Background(), "mem://e.js#%5B%5D"); !errors.As(err, &wbe) {
		t.Errorf("short tuple err = %v, want WorkerBootstrapError", err)
	}
}

func TestSplitBootstrapURLPrefersFragment(t *testing.T) {
	payload, entry, err := splitBootstrapURL("mem://e.js?bootstrap=qqq#frag-payload")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if payload != "frag-payload" {
		t.Errorf("payload = %q", payload)
	}
	if entry != "mem://e.js?bootstrap=qqq" {
		t.Errorf("entry = %q", entry)
	}
}
