package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileStore persists each collection as a single JSON object file keyed by
// record key. Writes are atomic per collection: the new content is written to
// a temp sibling and renamed over the collection file.
type FileStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}
}

// lock returns the per-collection mutex, creating it lazily on first use so
// different collections never contend with each other.
func (s *FileStore) lock(collection string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[collection]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[collection] = l
	return l
}

func (s *FileStore) path(collection string) string {
	return filepath.Join(s.dir, collection+".json")
}

func (s *FileStore) read(collection string) (map[string]map[string]any, error) {
	data, err := os.ReadFile(s.path(collection))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]map[string]any{}, nil
		}
		return nil, storageErr("read collection", err)
	}
	var records map[string]map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, storageErr("decode collection", err)
	}
	if records == nil {
		records = map[string]map[string]any{}
	}
	return records, nil
}

func (s *FileStore) write(collection string, records map[string]map[string]any) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return storageErr("create storage dir", err)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return storageErr("encode collection", err)
	}
	path := s.path(collection)
	tmp, err := os.CreateTemp(s.dir, collection+".*.tmp")
	if err != nil {
		return storageErr("create temp file", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return storageErr("write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return storageErr("close temp file", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return storageErr("rename temp file", err)
	}
	return nil
}

// Store writes value under key, stamping it with the storage timestamp.
func (s *FileStore) Store(_ context.Context, collection, key string, value map[string]any) error {
	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()

	records, err := s.read(collection)
	if err != nil {
		return err
	}
	record := make(map[string]any, len(value)+1)
	for k, v := range value {
		record[k] = v
	}
	record[StoredAtField] = time.Now().Format(storedAtLayout)
	records[key] = record
	return s.write(collection, records)
}

// Retrieve returns the record stored under key, or nil if absent.
func (s *FileStore) Retrieve(_ context.Context, collection, key string) (map[string]any, error) {
	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()

	records, err := s.read(collection)
	if err != nil {
		return nil, err
	}
	record, ok := records[key]
	if !ok {
		return nil, nil
	}
	return record, nil
}

// Query returns up to limit records, newest first, optionally filtered.
func (s *FileStore) Query(_ context.Context, collection string, filter Filter, limit int) ([]map[string]any, error) {
	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()

	records, err := s.read(collection)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(records))
	for _, record := range records {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, _ := parseStoredAt(out[i])
		tj, _ := parseStoredAt(out[j])
		return ti.After(tj)
	})

	if filter != nil {
		filtered := out[:0]
		for _, record := range out {
			if filter(record) {
				filtered = append(filtered, record)
			}
		}
		out = filtered
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes the record stored under key.
func (s *FileStore) Delete(_ context.Context, collection, key string) error {
	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()

	records, err := s.read(collection)
	if err != nil {
		return err
	}
	if _, ok := records[key]; !ok {
		return nil
	}
	delete(records, key)
	return s.write(collection, records)
}

// ClearOlderThan removes records stored more than days ago and returns the
// number removed.
func (s *FileStore) ClearOlderThan(_ context.Context, collection string, days int) (int, error) {
	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()

	records, err := s.read(collection)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	removed := 0
	for key, record := range records {
		ts, ok := parseStoredAt(record)
		if ok && ts.Before(cutoff) {
			delete(records, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.write(collection, records)
}
