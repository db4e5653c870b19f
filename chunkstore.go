package chunkrt

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

// chunkStoreMemEntries bounds the in-memory layer fronting the store.
const chunkStoreMemEntries = 256

// ChunkStore persists fetched chunk payloads keyed by URL so a host
// restart serves warm chunks without refetching. An LRU fronts the
// database for repeat lookups within a process. Hot updates bypass the
// store on read and overwrite it on completion, so it never pins stale
// dev chunks.
type ChunkStore struct {
	db  *sql.DB
	mem *lru.Cache[string, []byte]
}

const chunkStoreSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	url        TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	fetched_at INTEGER NOT NULL
);`

// OpenChunkStore opens (or creates) a chunk store at
// {dataDir}/chunks.sqlite3.
func OpenChunkStore(dataDir string) (*ChunkStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating chunk store directory: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dataDir, "chunks.sqlite3"))
	if err != nil {
		return nil, fmt.Errorf("opening chunk store: %w", err)
	}
	// WAL for concurrent readers while a fetch pipeline writes.
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	return newChunkStore(db)
}

// NewChunkStoreMemory creates an in-memory chunk store for testing.
func NewChunkStoreMemory() (*ChunkStore, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory chunk store: %w", err)
	}
	return newChunkStore(db)
}

func newChunkStore(db *sql.DB) (*ChunkStore, error) {
	if _, err := db.Exec(chunkStoreSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating chunk store schema: %w", err)
	}
	mem, err := lru.New[string, []byte](chunkStoreMemEntries)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating chunk store cache: %w", err)
	}
	return &ChunkStore{db: db, mem: mem}, nil
}

// Get returns the stored payload for url, if present.
func (s *ChunkStore) Get(url string) ([]byte, bool, error) {
	if data, ok := s.mem.Get(url); ok {
		return data, true, nil
	}
	var data []byte
	err := s.db.QueryRow("SELECT data FROM chunks WHERE url = ?", url).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading chunk %s from store: %w", url, err)
	}
	s.mem.Add(url, data)
	return data, true, nil
}

// Put stores (or replaces) the payload for url.
func (s *ChunkStore) Put(url string, data []byte) error {
	_, err := s.db.Exec(
		"INSERT INTO chunks (url, data, fetched_at) VALUES (?, ?, ?) ON CONFLICT(url) DO UPDATE SET data = excluded.data, fetched_at = excluded.fetched_at",
		url, data, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("writing chunk %s to store: %w", url, err)
	}
	s.mem.Add(url, data)
	return nil
}

// Delete removes the payload for url.
func (s *ChunkStore) Delete(url string) error {
	s.mem.Remove(url)
	if _, err := s.db.Exec("DELETE FROM chunks WHERE url = ?", url); err != nil {
		return fmt.Errorf("deleting chunk %s from store: %w", url, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *ChunkStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
