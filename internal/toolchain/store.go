package toolchain

// Copyright (C) 2026  The sccache-dist Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrNotInCache is returned by Store.Get when the requested strong key has
// no entry.
var ErrNotInCache = errors.New("toolchain: not in cache")

// Role distinguishes the client-side and server-side stores on a node, the
// way spec.md §6 names "one directory per role (Client, Server)".
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// Store is the content-addressed blob store contract from spec.md §4.2.
// Implementations must be safe for concurrent InsertWith calls racing on
// the same key: the callback runs at most once per key, and readers always
// observe either a complete entry or ErrNotInCache, never a torn write.
type Store interface {
	// InsertWith creates the entry for key by invoking write with a sink
	// to write the content to. If key already exists, write is not
	// invoked.
	InsertWith(key string, write func(io.Writer) error) error
	// Contains reports whether key has a complete entry.
	Contains(key string) (bool, error)
	// Get returns a reader over key's content, or ErrNotInCache.
	Get(key string) (io.ReadCloser, error)
}

// StrongKey returns the content hash (lowercase hex sha256) of data — the
// "strong key" spec.md §3 defines for a packaged toolchain archive.
func StrongKey(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FSStore is the default Store: one file per strong key under root,
// modeled on Keyhole-Koro-InsightifyCore/internal/cache/disk/lru_ttl_store.go's
// directory-of-blobs-plus-atomic-rename shape, with an in-memory
// recently-used index bounded by golang-lru (spec.md §4.2: "a bounded
// eviction policy MAY be added"). Dropping a key from the index does not
// remove its file: entries on disk are never evicted.
type FSStore struct {
	root string

	mu      sync.Mutex
	writing map[string]chan struct{} // key -> close-when-done, coalesces concurrent InsertWith of the same key

	index *lru.Cache[string, struct{}]
}

// NewFSStore creates (if needed) root/<role> and returns a store rooted
// there, with an in-memory index bounded to maxIndexEntries recently-used
// keys (0 or less disables the index).
func NewFSStore(root string, role Role, maxIndexEntries int) (*FSStore, error) {
	dir := filepath.Join(root, string(role))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("toolchain: create store dir: %w", err)
	}
	s := &FSStore{root: dir, writing: make(map[string]chan struct{})}
	if maxIndexEntries > 0 {
		idx, err := lru.New[string, struct{}](maxIndexEntries)
		if err != nil {
			return nil, err
		}
		s.index = idx
	}
	return s, nil
}

func (s *FSStore) path(key string) string {
	return filepath.Join(s.root, key)
}

func (s *FSStore) InsertWith(key string, write func(io.Writer) error) error {
	s.mu.Lock()
	if done, inProgress := s.writing[key]; inProgress {
		s.mu.Unlock()
		<-done
		return nil
	}
	if _, err := os.Stat(s.path(key)); err == nil {
		s.mu.Unlock()
		s.touch(key)
		return nil
	}
	done := make(chan struct{})
	s.writing[key] = done
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.writing, key)
		s.mu.Unlock()
		close(done)
	}()

	// Write to a temp file and rename into place so concurrent readers
	// never observe a torn write (spec.md §4.2 invariant).
	tmp, err := os.CreateTemp(s.root, ".tmp-"+key+"-*")
	if err != nil {
		return fmt.Errorf("toolchain: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("toolchain: write entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("toolchain: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path(key)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("toolchain: finalize entry: %w", err)
	}
	s.touch(key)
	return nil
}

func (s *FSStore) touch(key string) {
	if s.index != nil {
		s.index.Add(key, struct{}{})
	}
}

func (s *FSStore) Contains(key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *FSStore) Get(key string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotInCache
		}
		return nil, err
	}
	s.touch(key)
	return f, nil
}

// GetBytes is a convenience wrapper reading an entry fully into memory, the
// shape a BuildWorker needs when copying a toolchain archive into a
// container.
func GetBytes(s Store, key string) ([]byte, error) {
	r, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// InsertBytes is a convenience wrapper around InsertWith for callers that
// already hold the full archive in memory.
func InsertBytes(s Store, key string, data []byte) error {
	return s.InsertWith(key, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}
