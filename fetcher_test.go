package chunkrt

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
)

func TestHTTPChunkFetcherBrotli(t *testing.T) {
	payload := []byte(`{"path":"app","modules":{}}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "br") {
			t.Errorf("request does not advertise brotli: %q", r.Header.Get("Accept-Encoding"))
		}
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		bw.Write(payload)
		bw.Close()
	}))
	defer srv.Close()

	f := NewHTTPChunkFetcherWithClient(srv.Client(), 0)
	data, err := f.Fetch(context.Background(), ChunkURL(srv.URL+"/app"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(data) != string(payload) {
		t.Errorf("decoded payload = %q", data)
	}
}

func TestHTTPChunkFetcherGzip(t *testing.T) {
	payload := []byte("gzip payload body")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write(payload)
		gz.Close()
	}))
	defer srv.Close()

	f := NewHTTPChunkFetcherWithClient(srv.Client(), 0)
	data, err := f.Fetch(context.Background(), ChunkURL(srv.URL+"/app"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(data) != string(payload) {
		t.Errorf("decoded payload = %q", data)
	}
}

func TestHTTPChunkFetcherStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewHTTPChunkFetcherWithClient(srv.Client(), 0)
	if _, err := f.Fetch(context.Background(), ChunkURL(srv.URL+"/missing")); err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestHTTPChunkFetcherMaxBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	f := NewHTTPChunkFetcherWithClient(srv.Client(), 1024)
	if _, err := f.Fetch(context.Background(), ChunkURL(srv.URL+"/big")); err == nil {
		t.Fatal("expected size cap error")
	}
}

func TestNewHTTPChunkFetcher(t *testing.T) {
	f, err := NewHTTPChunkFetcher(Config{FetchTimeout: DefaultFetchTimeout, MaxChunkBytes: 1 << 20})
	if err != nil {
		t.Fatalf("constructing fetcher: %v", err)
	}
	if f.client.Timeout != DefaultFetchTimeout {
		t.Errorf("client timeout = %v", f.client.Timeout)
	}
}

func TestFSChunkFetcher(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "app.chunk.json"), []byte("disk chunk"), 0644); err != nil {
		t.Fatal(err)
	}
	f := &FSChunkFetcher{Root: dir}

	cases := []ChunkURL{
		"sub/app.chunk.json",
		"/sub/app.chunk.json",
		"file://host/sub/app.chunk.json",
		"sub/app.chunk.json?v=1",
	}
	for _, u := range cases {
		data, err := f.Fetch(context.Background(), u)
		if err != nil {
			t.Errorf("fetch %s: %v", u, err)
			continue
		}
		if string(data) != "disk chunk" {
			t.Errorf("fetch %s = %q", u, data)
		}
	}
}

func TestFSChunkFetcherRejectsTraversal(t *testing.T) {
	f := &FSChunkFetcher{Root: t.TempDir()}
	if _, err := f.Fetch(context.Background(), "../../etc/passwd"); err == nil {
		t.Fatal("traversal accepted")
	}
	if _, err := f.Fetch(context.Background(), ""); err == nil {
		t.Fatal("empty path accepted")
	}
}
