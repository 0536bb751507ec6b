package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	logx "khatmbot/pkg/logx"
)

// fileStore is the dependency-free backend.
//
// The whole subscriber map is one JSON document. A write serializes the
// next map, replaces the file atomically and only then swaps the in-memory
// copy, so a failed write leaves both untouched.
type fileStore struct {
	log  logx.Logger
	path string

	mu   sync.Mutex
	data map[string]Record
	// writeFile is swapped in tests to simulate a failing disk.
	writeFile func(path string, b []byte) error
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	data, err := loadRecords(path, log)
	if err != nil {
		return nil, err
	}
	log.Info("subscriber store loaded", logx.String("path", path), logx.Int("records", len(data)))
	return &fileStore{log: log, path: path, data: data, writeFile: writeAtomic}, nil
}

// loadRecords reads the store file. A missing file is an empty store. A file
// whose top level is not a JSON object is moved aside and replaced by an
// empty store. A single entry that does not decode is kept as a zero record,
// which dispatch reports as malformed, so the other subscribers survive. Any
// other read error is returned.
func loadRecords(path string, log logx.Logger) (map[string]Record, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return map[string]Record{}, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if rerr := os.Rename(path, aside); rerr != nil {
			return nil, fmt.Errorf("store file %s is corrupt (%v) and could not be moved aside: %w", path, err, rerr)
		}
		log.Warn("store file corrupt; starting empty", logx.String("path", path), logx.String("moved_to", aside), logx.Err(err))
		return map[string]Record{}, nil
	}

	m := make(map[string]Record, len(raw))
	for id, entry := range raw {
		var rec Record
		if err := json.Unmarshal(entry, &rec); err != nil {
			log.Error("damaged subscriber record", logx.String("path", path), logx.String("subscriber", id), logx.Err(err))
			rec = Record{}
		}
		m[id] = rec
	}
	return m, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) Get(ctx context.Context, id string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data[id]
	return r, ok, nil
}

func (s *fileStore) Put(ctx context.Context, id string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := maps.Clone(s.data)
	next[id] = rec
	return s.commitLocked(next)
}

func (s *fileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[id]; !ok {
		return nil
	}
	next := maps.Clone(s.data)
	delete(next, id)
	return s.commitLocked(next)
}

// All returns a snapshot sorted by id.
func (s *fileStore) All(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := slices.Sorted(maps.Keys(s.data))
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, Entry{ID: id, Record: s.data[id]})
	}
	return out, nil
}

func (s *fileStore) commitLocked(next map[string]Record) error {
	b, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return err
	}
	if err := s.writeFile(s.path, append(b, '\n')); err != nil {
		s.log.Error("store write failed", logx.String("path", s.path), logx.Err(err))
		return fmt.Errorf("write store: %w", err)
	}
	s.data = next
	return nil
}

// writeAtomic replaces path with b: temp file in the same directory, fsync,
// rename, then fsync of the directory so the rename itself survives a crash.
func writeAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Some filesystems refuse fsync on directories; the rename already happened.
	_ = d.Sync()
	return nil
}
