package chunkrt

import (
	"context"
	"testing"
)

// addWasm is a minimal wasm module exporting add(i32, i32) -> i32.
var addWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic + version
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f, // type (i32,i32)->i32
	0x03, 0x02, 0x01, 0x00, // function section
	0x07, 0x07, 0x01, 0x03, 0x61, 0x64, 0x64, 0x00, 0x00, // export "add"
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b, // code
}

func TestLoadWebAssembly(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.set("mem://add.wasm", addWasm)
	rt := newTestRuntime(fetcher)
	defer rt.Close()

	var sum uint64
	rt.RegisterFactory("calc", func(mc *ModuleContext) error {
		ns, err := mc.LoadWebAssembly(context.Background(), "add.wasm")
		if err != nil {
			return err
		}
		fn, ok := ns.Get("add")
		if !ok {
			t.Fatal("add not exported")
		}
		results, err := fn.(WasmFunction)(context.Background(), 2, 40)
		if err != nil {
			return err
		}
		sum = results[0]
		mc.ExportValue("sum", sum)
		return nil
	})

	ns, err := rt.RequireModule("calc")
	if err != nil {
		t.Fatalf("require: %v", err)
	}
	if sum != 42 {
		t.Errorf("add(2, 40) = %d, want 42", sum)
	}
	if v, _ := ns.Get("sum"); v != uint64(42) {
		t.Errorf("exported sum = %v", v)
	}
}

func TestLoadWebAssemblyModuleCompilesOnce(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.set("mem://add.wasm", addWasm)
	rt := newTestRuntime(fetcher)
	defer rt.Close()

	var first, second CompiledWebAssembly
	rt.RegisterFactory("m1", func(mc *ModuleContext) error {
		var err error
		first, err = mc.LoadWebAssemblyModule(context.Background(), "add.wasm")
		return err
	})
	rt.RegisterFactory("m2", func(mc *ModuleContext) error {
		var err error
		second, err = mc.LoadWebAssemblyModule(context.Background(), "add.wasm")
		return err
	})

	if _, err := rt.RequireModule("m1"); err != nil {
		t.Fatalf("require m1: %v", err)
	}
	if _, err := rt.RequireModule("m2"); err != nil {
		t.Fatalf("require m2: %v", err)
	}
	if first != second {
		t.Error("asset compiled more than once")
	}
	if got := fetcher.count("mem://add.wasm"); got != 1 {
		t.Errorf("asset fetched %d times, want 1", got)
	}
}

func TestLoadWebAssemblyFetchFailure(t *testing.T) {
	rt := newTestRuntime(newMockFetcher()) // no payloads
	defer rt.Close()

	rt.RegisterFactory("m", func(mc *ModuleContext) error {
		_, err := mc.LoadWebAssembly(context.Background(), "missing.wasm")
		return err
	})
	_, err := rt.RequireModule("m")
	if err == nil {
		t.Fatal("expected fetch failure")
	}
	if !IsChunkLoadError(err) {
		t.Errorf("err %T, want ChunkLoadError", err)
	}
}
