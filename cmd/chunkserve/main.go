// Command chunkserve builds a source tree into chunks and serves them
// over HTTP for chunkrt runtimes, with a hot-update websocket for
// development clients.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/charmbracelet/log"
	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/packbit/chunkrt"
)

func main() {
	var (
		root    string
		entries []string
		listen  string
		prefix  string
		suffix  string
		minify  bool
		watch   time.Duration
	)

	rootCmd := &cobra.Command{
		Use:   "chunkserve",
		Short: "Build and serve chunked module payloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(entries) == 0 {
				return fmt.Errorf("at least one --entry is required")
			}
			logger := log.NewWithOptions(os.Stderr, log.Options{
				ReportTimestamp: true,
				Prefix:          "chunkserve",
			})
			srv := &server{
				log: logger,
				bundler: &chunkrt.Bundler{
					Root:    root,
					Entries: entries,
					Minify:  minify,
				},
				prefix:  prefix,
				suffix:  suffix,
				chunks:  make(map[chunkrt.ChunkPath][]byte),
				clients: make(map[*websocket.Conn]bool),
			}
			if err := srv.rebuild(); err != nil {
				return err
			}
			if watch > 0 {
				go srv.watch(cmd.Context(), watch)
			}

			mux := http.NewServeMux()
			mux.HandleFunc(prefix, srv.serveChunk)
			mux.HandleFunc("/hmr", srv.serveHMR)
			logger.Info("listening", "addr", listen, "entries", entries)
			return http.ListenAndServe(listen, mux)
		},
	}
	rootCmd.Flags().StringVar(&root, "root", ".", "source root directory")
	rootCmd.Flags().StringArrayVar(&entries, "entry", nil, "entry point, relative to root (repeatable)")
	rootCmd.Flags().StringVar(&listen, "listen", ":8791", "listen address")
	rootCmd.Flags().StringVar(&prefix, "prefix", "/chunks/", "URL prefix chunks are served under")
	rootCmd.Flags().StringVar(&suffix, "suffix", ".chunk.json", "URL suffix appended to chunk paths")
	rootCmd.Flags().BoolVar(&minify, "minify", false, "minify module sources")
	rootCmd.Flags().DurationVar(&watch, "watch", 2*time.Second, "source poll interval, 0 disables")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

type server struct {
	log     *log.Logger
	bundler *chunkrt.Bundler
	prefix  string
	suffix  string

	mu     sync.RWMutex
	chunks map[chunkrt.ChunkPath][]byte

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]bool
}

// rebuild runs the bundler and broadcasts hot updates for every chunk
// whose payload changed since the last build.
func (s *server) rebuild() error {
	built, err := s.bundler.Build()
	if err != nil {
		return err
	}
	next := make(map[chunkrt.ChunkPath][]byte, len(built))
	for _, c := range built {
		next[c.Path] = c.Data
	}

	s.mu.Lock()
	prev := s.chunks
	s.chunks = next
	s.mu.Unlock()

	var updates []chunkrt.HotUpdate
	for p, data := range next {
		if old, ok := prev[p]; !ok || string(old) != string(data) {
			if len(prev) == 0 {
				continue // initial build, nobody to notify
			}
			updates = append(updates, chunkrt.HotUpdate{Action: chunkrt.HotReload, Chunk: p})
		}
	}
	for p := range prev {
		if _, ok := next[p]; !ok {
			updates = append(updates, chunkrt.HotUpdate{Action: chunkrt.HotUnload, Chunk: p})
		}
	}
	for _, u := range updates {
		s.log.Info("chunk changed", "chunk", u.Chunk, "action", u.Action)
		s.broadcast(u)
	}
	return nil
}

// watch polls source file mtimes and rebuilds when anything changed.
func (s *server) watch(ctx context.Context, interval time.Duration) {
	last := s.snapshotMtimes()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := s.snapshotMtimes()
		if mtimesEqual(last, now) {
			continue
		}
		last = now
		if err := s.rebuild(); err != nil {
			s.log.Error("rebuild failed", "err", err)
		}
	}
}

func (s *server) snapshotMtimes() map[string]time.Time {
	out := make(map[string]time.Time)
	filepath.WalkDir(s.bundler.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		switch filepath.Ext(p) {
		case ".js", ".ts", ".jsx", ".tsx", ".mjs":
			if info, err := d.Info(); err == nil {
				out[p] = info.ModTime()
			}
		}
		return nil
	})
	return out
}

func mtimesEqual(a, b map[string]time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for p, t := range a {
		if !b[p].Equal(t) {
			return false
		}
	}
	return true
}

func (s *server) serveChunk(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, s.prefix)
	name = strings.TrimSuffix(name, s.suffix)

	s.mu.RLock()
	data, ok := s.chunks[chunkrt.ChunkPath(name)]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	if strings.Contains(r.Header.Get("Accept-Encoding"), "br") {
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		defer bw.Close()
		bw.Write(data)
		return
	}
	w.Write(data)
}

func (s *server) serveHMR(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Error("websocket accept failed", "err", err)
		return
	}
	s.clientsMu.Lock()
	s.clients[conn] = true
	s.clientsMu.Unlock()
	s.log.Info("hot-update client connected", "remote", r.RemoteAddr)

	// Hold the connection open; clients never send anything.
	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}
	s.clientsMu.Lock()
	delete(s.clients, conn)
	s.clientsMu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *server) broadcast(u chunkrt.HotUpdate) {
	data, err := json.Marshal(u)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for conn := range s.clients {
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			delete(s.clients, conn)
		}
	}
}
