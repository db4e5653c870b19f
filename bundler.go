package chunkrt

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// BuiltChunk is one chunk produced by a Bundler build: its path and
// the serialized payload a runtime fetches.
type BuiltChunk struct {
	Path ChunkPath
	Data []byte
}

// Bundler compiles a tree of JavaScript/TypeScript sources into chunk
// payloads. Each entry point becomes a chunk carrying the modules only
// it reaches; modules reached from more than one entry are hoisted
// into a shared chunk that the entry chunks list as a runtime
// dependency.
//
// Module ids are root-relative slash paths ("lib/util.js"). Sources
// are lowered to CommonJS with esbuild, so TypeScript and ES module
// syntax are accepted.
type Bundler struct {
	// Root is the directory module ids resolve against.
	Root string

	// Entries are root-relative entry point paths.
	Entries []string

	// SharedChunk is the path of the chunk holding multiply-reached
	// modules. Defaults to "shared".
	SharedChunk ChunkPath

	// Minify strips whitespace and shortens identifiers.
	Minify bool
}

var requirePattern = regexp.MustCompile(`require\(\s*["']([^"']+)["']\s*\)`)

// sourceExtensions are tried, in order, when a specifier has no
// extension.
var sourceExtensions = []string{".js", ".ts", ".jsx", ".tsx", ".mjs"}

// Build compiles all entries and returns the resulting chunks. The
// first chunk for each entry has the same index as the entry; the
// shared chunk, when present, comes last.
func (b *Bundler) Build() ([]BuiltChunk, error) {
	shared := b.SharedChunk
	if shared == "" {
		shared = "shared"
	}

	// sources maps module id to lowered CommonJS code.
	sources := make(map[ModuleID]string)
	// owners maps module id to the set of entries that reach it.
	owners := make(map[ModuleID]map[int]bool)

	var walk func(entry int, id ModuleID) error
	walk = func(entry int, id ModuleID) error {
		if owners[id][entry] {
			return nil
		}
		if owners[id] == nil {
			owners[id] = make(map[int]bool)
		}
		owners[id][entry] = true

		src, ok := sources[id]
		if !ok {
			var err error
			src, err = b.lower(id)
			if err != nil {
				return err
			}
			sources[id] = src
		}
		for _, dep := range moduleRequires(src) {
			resolved, err := b.resolve(id, dep)
			if err != nil {
				return err
			}
			if err := walk(entry, resolved); err != nil {
				return err
			}
		}
		return nil
	}

	entryIDs := make([]ModuleID, len(b.Entries))
	for i, e := range b.Entries {
		id, err := b.resolve("", e)
		if err != nil {
			return nil, err
		}
		entryIDs[i] = id
		if err := walk(i, id); err != nil {
			return nil, err
		}
	}

	// Assign each module to its entry's chunk, or to the shared chunk
	// when several entries reach it.
	perEntry := make([][]ModuleID, len(b.Entries))
	var sharedIDs []ModuleID
	for id, set := range owners {
		if len(set) > 1 {
			sharedIDs = append(sharedIDs, id)
			continue
		}
		for entry := range set {
			perEntry[entry] = append(perEntry[entry], id)
		}
	}
	sort.Slice(sharedIDs, func(i, j int) bool { return sharedIDs[i] < sharedIDs[j] })

	var out []BuiltChunk
	for i, ids := range perEntry {
		sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
		env := chunkEnvelope{
			Path:     chunkPathForEntry(b.Entries[i]),
			Included: ids,
			Modules:  make(map[ModuleID]string, len(ids)),
		}
		for _, id := range ids {
			env.Modules[id] = sources[id]
		}
		if len(sharedIDs) > 0 && entryUsesShared(ids, sources, sharedIDs, b) {
			env.ModuleChunks = []ChunkPath{shared}
		}
		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("encoding chunk %s: %w", env.Path, err)
		}
		out = append(out, BuiltChunk{Path: env.Path, Data: data})
	}

	if len(sharedIDs) > 0 {
		env := chunkEnvelope{
			Path:     shared,
			Included: sharedIDs,
			Modules:  make(map[ModuleID]string, len(sharedIDs)),
		}
		for _, id := range sharedIDs {
			env.Modules[id] = sources[id]
		}
		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("encoding chunk %s: %w", shared, err)
		}
		out = append(out, BuiltChunk{Path: shared, Data: data})
	}
	return out, nil
}

// EntryChunk returns the chunk path an entry file maps to.
func (b *Bundler) EntryChunk(entry string) ChunkPath {
	return chunkPathForEntry(entry)
}

// lower reads a module source and compiles it to CommonJS, rewriting
// require specifiers to resolved module ids.
func (b *Bundler) lower(id ModuleID) (string, error) {
	raw, err := os.ReadFile(filepath.Join(b.Root, filepath.FromSlash(string(id))))
	if err != nil {
		return "", fmt.Errorf("reading module %s: %w", id, err)
	}

	opts := esbuild.TransformOptions{
		Sourcefile: string(id),
		Loader:     loaderForPath(string(id)),
		Format:     esbuild.FormatCommonJS,
		Target:     esbuild.ES2022,
	}
	if b.Minify {
		opts.MinifyWhitespace = true
		opts.MinifySyntax = true
	}
	result := esbuild.Transform(string(raw), opts)
	if len(result.Errors) > 0 {
		var msgs []string
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return "", fmt.Errorf("compiling module %s: %s", id, strings.Join(msgs, "; "))
	}

	// Rewrite specifiers so the runtime's require sees canonical ids.
	code := string(result.Code)
	var rewriteErr error
	code = requirePattern.ReplaceAllStringFunc(code, func(m string) string {
		spec := requirePattern.FindStringSubmatch(m)[1]
		resolved, err := b.resolve(id, spec)
		if err != nil {
			if rewriteErr == nil {
				rewriteErr = err
			}
			return m
		}
		return fmt.Sprintf("require(%q)", string(resolved))
	})
	if rewriteErr != nil {
		return "", rewriteErr
	}
	return code, nil
}

// resolve turns a specifier into a module id. Relative specifiers
// resolve against the importer; bare ones against the root. Extension
// and /index completion follow the usual CommonJS rules.
func (b *Bundler) resolve(importer ModuleID, spec string) (ModuleID, error) {
	var base string
	if strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") {
		base = path.Join(path.Dir(string(importer)), spec)
	} else {
		base = path.Clean(strings.TrimPrefix(spec, "/"))
	}
	if strings.HasPrefix(base, "..") {
		return "", fmt.Errorf("module %s: specifier %q escapes the source root", importer, spec)
	}

	candidates := []string{base}
	if path.Ext(base) == "" {
		for _, ext := range sourceExtensions {
			candidates = append(candidates, base+ext)
		}
		for _, ext := range sourceExtensions {
			candidates = append(candidates, path.Join(base, "index"+ext))
		}
	}
	for _, c := range candidates {
		if info, err := os.Stat(filepath.Join(b.Root, filepath.FromSlash(c))); err == nil && !info.IsDir() {
			return ModuleID(c), nil
		}
	}
	return "", fmt.Errorf("module %s: cannot resolve %q", importer, spec)
}

// moduleRequires extracts the specifiers of all require calls.
func moduleRequires(src string) []string {
	var specs []string
	for _, m := range requirePattern.FindAllStringSubmatch(src, -1) {
		specs = append(specs, m[1])
	}
	return specs
}

// entryUsesShared reports whether any module of an entry chunk
// requires a module assigned to the shared chunk.
func entryUsesShared(ids []ModuleID, sources map[ModuleID]string, sharedIDs []ModuleID, b *Bundler) bool {
	shared := make(map[ModuleID]bool, len(sharedIDs))
	for _, id := range sharedIDs {
		shared[id] = true
	}
	for _, id := range ids {
		for _, spec := range moduleRequires(sources[id]) {
			if dep, err := b.resolve(id, spec); err == nil && shared[dep] {
				return true
			}
		}
	}
	return false
}

func chunkPathForEntry(entry string) ChunkPath {
	base := path.Clean(strings.TrimPrefix(entry, "/"))
	if ext := path.Ext(base); ext != "" {
		base = base[:len(base)-len(ext)]
	}
	return ChunkPath(base)
}

func loaderForPath(p string) esbuild.Loader {
	switch path.Ext(p) {
	case ".ts":
		return esbuild.LoaderTS
	case ".tsx":
		return esbuild.LoaderTSX
	case ".jsx":
		return esbuild.LoaderJSX
	default:
		return esbuild.LoaderJS
	}
}
