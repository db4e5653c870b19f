package chunkrt

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/http2"
)

// HTTPChunkFetcher fetches chunk payloads over HTTP. It advertises
// brotli and gzip so chunk servers can compress on the wire, and
// enables HTTP/2 so many small chunk fetches multiplex over one
// connection.
type HTTPChunkFetcher struct {
	client   *http.Client
	maxBytes int
}

// NewHTTPChunkFetcher builds a fetcher honoring the config's fetch
// timeout and payload cap.
func NewHTTPChunkFetcher(cfg Config) (*HTTPChunkFetcher, error) {
	tr := &http.Transport{
		// The runtime decodes content encodings itself (brotli is not
		// handled by net/http).
		DisableCompression: true,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("configuring http2 transport: %w", err)
	}
	return &HTTPChunkFetcher{
		client:   &http.Client{Transport: tr, Timeout: cfg.FetchTimeout},
		maxBytes: cfg.MaxChunkBytes,
	}, nil
}

// NewHTTPChunkFetcherWithClient builds a fetcher around an existing
// client (useful in tests).
func NewHTTPChunkFetcherWithClient(client *http.Client, maxBytes int) *HTTPChunkFetcher {
	return &HTTPChunkFetcher{client: client, maxBytes: maxBytes}
}

// Fetch retrieves a chunk payload, transparently decoding brotli or
// gzip content encodings.
func (f *HTTPChunkFetcher) Fetch(ctx context.Context, url ChunkURL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, string(url), nil)
	if err != nil {
		return nil, fmt.Errorf("building chunk request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "br, gzip")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching chunk", resp.StatusCode)
	}

	var reader io.Reader = resp.Body
	switch resp.Header.Get("Content-Encoding") {
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("opening gzip chunk body: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	if f.maxBytes > 0 {
		reader = io.LimitReader(reader, int64(f.maxBytes)+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading chunk body: %w", err)
	}
	if f.maxBytes > 0 && len(data) > f.maxBytes {
		return nil, fmt.Errorf("chunk body exceeds %d bytes", f.maxBytes)
	}
	return data, nil
}

// FSChunkFetcher reads chunk payloads from a directory, for node-style
// hosts whose chunks ship on disk next to the binary.
type FSChunkFetcher struct {
	Root string
}

// Fetch reads the chunk file addressed by url relative to Root.
// Traversal outside Root is rejected.
func (f *FSChunkFetcher) Fetch(_ context.Context, url ChunkURL) ([]byte, error) {
	rel := string(url)
	if i := strings.Index(rel, "://"); i >= 0 {
		if j := strings.IndexByte(rel[i+3:], '/'); j >= 0 {
			rel = rel[i+3+j:]
		}
	}
	if i := strings.IndexByte(rel, '?'); i >= 0 {
		rel = rel[:i]
	}
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return nil, fmt.Errorf("empty chunk path")
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("chunk path %q escapes the chunk root", rel)
	}
	data, err := os.ReadFile(filepath.Join(f.Root, clean))
	if err != nil {
		return nil, fmt.Errorf("reading chunk file: %w", err)
	}
	return data, nil
}

// DefaultFetchTimeout is a reasonable FetchTimeout for configs that
// leave it unset.
const DefaultFetchTimeout = 30 * time.Second
