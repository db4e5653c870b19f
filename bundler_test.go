package chunkrt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSourceTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, src := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(src), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func builtByPath(chunks []BuiltChunk) map[ChunkPath][]byte {
	out := make(map[ChunkPath][]byte, len(chunks))
	for _, c := range chunks {
		out[c.Path] = c.Data
	}
	return out
}

func TestBundlerSingleEntry(t *testing.T) {
	root := writeSourceTree(t, map[string]string{
		"app.js":      `const {greet} = require("./lib/greet.js"); module.exports = {msg: greet("world")};`,
		"lib/greet.js": `exports.greet = function (who) { return "hi " + who; };`,
	})
	b := &Bundler{Root: root, Entries: []string{"app.js"}}

	chunks, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("built %d chunks, want 1", len(chunks))
	}
	if chunks[0].Path != "app" {
		t.Errorf("chunk path = %s, want app", chunks[0].Path)
	}

	env, err := decodeEnvelope(chunks[0].Path, chunks[0].Data)
	if err != nil {
		t.Fatalf("decode built chunk: %v", err)
	}
	if len(env.Modules) != 2 {
		t.Errorf("chunk carries %d modules, want 2", len(env.Modules))
	}
	if _, ok := env.Modules["lib/greet.js"]; !ok {
		t.Errorf("resolved module id missing: %v", env.Included)
	}
	if !strings.Contains(env.Modules["app.js"], `require("lib/greet.js")`) {
		t.Errorf("require not rewritten to canonical id:\n%s", env.Modules["app.js"])
	}
}

func TestBundlerHoistsSharedModules(t *testing.T) {
	root := writeSourceTree(t, map[string]string{
		"a.js":        `const u = require("./lib/util"); exports.a = u.n + 1;`,
		"b.js":        `const u = require("./lib/util"); exports.b = u.n + 2;`,
		"lib/util.js": `exports.n = 40;`,
	})
	b := &Bundler{Root: root, Entries: []string{"a.js", "b.js"}}

	chunks, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	byPath := builtByPath(chunks)
	if len(byPath) != 3 {
		t.Fatalf("built chunks = %v, want a, b and shared", byPath)
	}

	shared, err := decodeEnvelope("shared", byPath["shared"])
	if err != nil {
		t.Fatalf("decode shared: %v", err)
	}
	if len(shared.Included) != 1 || shared.Included[0] != "lib/util.js" {
		t.Errorf("shared includes %v, want lib/util.js", shared.Included)
	}

	for _, p := range []ChunkPath{"a", "b"} {
		env, err := decodeEnvelope(p, byPath[p])
		if err != nil {
			t.Fatalf("decode %s: %v", p, err)
		}
		if len(env.ModuleChunks) != 1 || env.ModuleChunks[0] != "shared" {
			t.Errorf("%s moduleChunks = %v, want [shared]", p, env.ModuleChunks)
		}
		if _, ok := env.Modules["lib/util.js"]; ok {
			t.Errorf("%s still carries the shared module", p)
		}
	}
}

func TestBundlerLoadsIntoRuntime(t *testing.T) {
	root := writeSourceTree(t, map[string]string{
		"a.js":        `const u = require("./lib/util"); exports.a = u.n + 1;`,
		"b.js":        `const u = require("./lib/util"); exports.b = u.n + 2;`,
		"lib/util.js": `exports.n = 40;`,
	})
	b := &Bundler{Root: root, Entries: []string{"a.js", "b.js"}}
	chunks, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	fetcher := newMockFetcher()
	for _, c := range chunks {
		fetcher.set(ChunkURL("mem://"+string(c.Path)), c.Data)
	}
	rt := newTestRuntime(fetcher)
	defer rt.Close()

	// Loading entry a pulls the shared chunk as a runtime dependency.
	if err := rt.LoadChunk(context.Background(), ChunkDescriptor{Path: b.EntryChunk("a.js")}, LoadSource{}); err != nil {
		t.Fatalf("load a: %v", err)
	}
	for _, id := range []ModuleID{"a.js", "lib/util.js"} {
		if _, err := rt.RequireModule(id); err != nil {
			t.Errorf("require %s: %v", id, err)
		}
	}
	if got := fetcher.count("mem://shared"); got != 1 {
		t.Errorf("shared fetched %d times, want 1", got)
	}
}

func TestBundlerRunsUnderQuickJS(t *testing.T) {
	root := writeSourceTree(t, map[string]string{
		"app.js":      `const {greet} = require("./lib/greet.js"); exports.msg = greet("world");`,
		"lib/greet.js": `exports.greet = function (who) { return "hi " + who; };`,
	})
	b := &Bundler{Root: root, Entries: []string{"app.js"}}
	chunks, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	eval := NewQuickJSEvaluator()
	rt := NewRuntime(Config{}, nil, eval)
	defer rt.Close()
	evaluateJS(t, rt, eval, chunks[0].Path, chunks[0].Data)

	ns, err := rt.RequireModule("app.js")
	if err != nil {
		t.Fatalf("require app.js: %v", err)
	}
	if v, _ := ns.Get("msg"); v != "hi world" {
		t.Errorf("msg = %v, want hi world", v)
	}
}

func TestBundlerResolveFailures(t *testing.T) {
	root := writeSourceTree(t, map[string]string{
		"app.js": `require("./missing");`,
	})
	b := &Bundler{Root: root, Entries: []string{"app.js"}}
	if _, err := b.Build(); err == nil {
		t.Fatal("unresolvable require accepted")
	}

	escape := &Bundler{Root: root, Entries: []string{"../outside.js"}}
	if _, err := escape.Build(); err == nil {
		t.Fatal("entry escaping the root accepted")
	}
}
