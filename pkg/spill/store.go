// Package spill persists evicted engram blocks to disk so they survive
// eviction and process restarts. Records are lz4-compressed and
// msgpack-framed, one file per engram.
package spill

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrNotFound = errors.New("engram not in spill store")
	ErrClosed   = errors.New("spill store closed")
)

const fileSuffix = ".engram"

// record is the on-disk format of one spilled engram.
type record struct {
	ID        string `msgpack:"id"`
	Payload   []byte `msgpack:"p"` // framed, see compress.go
	CreatedAt int64  `msgpack:"c"` // Unix nano
}

// Stats contains spill store counters.
type Stats struct {
	Entries    int64
	SizeBytes  int64 // on-disk compressed size
	HitCount   int64
	MissCount  int64
	WriteCount int64
}

// Store is a directory-backed engram spill store. Safe for concurrent
// use.
type Store struct {
	dir string

	mu     sync.RWMutex
	index  map[string]string // engram id -> file path
	closed bool

	sizeBytes  atomic.Int64
	hitCount   atomic.Int64
	missCount  atomic.Int64
	writeCount atomic.Int64
}

// Open creates (if needed) and scans dir, rebuilding the id index from
// the records already on disk.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spill dir: %w", err)
	}

	s := &Store{dir: dir, index: make(map[string]string)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan spill dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		rec, err := readRecord(path)
		if err != nil {
			// Skip unreadable records rather than failing the open.
			continue
		}
		s.index[rec.ID] = path
		if info, err := e.Info(); err == nil {
			s.sizeBytes.Add(info.Size())
		}
	}
	return s, nil
}

func readRecord(path string) (*record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec record
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &rec, nil
}

// fileFor derives a stable filename for an engram id.
func (s *Store) fileFor(id string) string {
	return filepath.Join(s.dir, fingerprint(id)+fileSuffix)
}

// Put spills an engram's bytes to disk, replacing any prior record for
// the same id.
func (s *Store) Put(id string, data []byte) error {
	framed, err := compress(data)
	if err != nil {
		return fmt.Errorf("compress engram %q: %w", id, err)
	}

	raw, err := msgpack.Marshal(&record{
		ID:        id,
		Payload:   framed,
		CreatedAt: time.Now().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("encode engram %q: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	path := s.fileFor(id)
	if prev, ok := s.index[id]; ok {
		if info, err := os.Stat(prev); err == nil {
			s.sizeBytes.Add(-info.Size())
		}
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write engram %q: %w", id, err)
	}

	s.index[id] = path
	s.sizeBytes.Add(int64(len(raw)))
	s.writeCount.Add(1)
	return nil
}

// Get reads back a spilled engram's original bytes.
func (s *Store) Get(id string) ([]byte, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	path, ok := s.index[id]
	s.mu.RUnlock()

	if !ok {
		s.missCount.Add(1)
		return nil, ErrNotFound
	}

	rec, err := readRecord(path)
	if err != nil {
		s.missCount.Add(1)
		return nil, err
	}
	data, err := decompress(rec.Payload)
	if err != nil {
		s.missCount.Add(1)
		return nil, err
	}

	s.hitCount.Add(1)
	return data, nil
}

// Contains reports whether id has a spilled record.
func (s *Store) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok && !s.closed
}

// Delete removes a spilled record. Deleting an absent id is a no-op.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	path, ok := s.index[id]
	if !ok {
		return nil
	}
	if info, err := os.Stat(path); err == nil {
		s.sizeBytes.Add(-info.Size())
	}
	delete(s.index, id)
	return os.Remove(path)
}

// List returns all spilled engram ids.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.index))
	for id := range s.index {
		ids = append(ids, id)
	}
	return ids
}

// Stats snapshots store counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	entries := int64(len(s.index))
	s.mu.RUnlock()

	return Stats{
		Entries:    entries,
		SizeBytes:  s.sizeBytes.Load(),
		HitCount:   s.hitCount.Load(),
		MissCount:  s.missCount.Load(),
		WriteCount: s.writeCount.Load(),
	}
}

// Close stops further access; records stay on disk for the next open.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.index = nil
	return nil
}
