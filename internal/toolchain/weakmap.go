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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// WeakKey is "{executable path}-{executable digest}": cheap, local-only,
// never crosses the wire (spec.md §3).
func WeakKey(executablePath, executableDigest string) string {
	return executablePath + "-" + executableDigest
}

// WeakMap is the ClientDaemon's persistent weak→strong map: a function
// (each weak key maps to at most one strong key at a time), durable before
// any worker is told the strong key exists (spec.md §3 invariant). The
// whole struct is protected by one mutex, held across the disk write, per
// spec.md §5's "Shared resources" note.
type WeakMap struct {
	mu   sync.Mutex
	path string
	m    map[string]string
}

// LoadWeakMap reads (or creates) weak_map.json in dir, exactly as
// spec.md §6 specifies: a JSON object, initialized to {} if absent.
func LoadWeakMap(dir string) (*WeakMap, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("toolchain: create client config dir: %w", err)
	}
	path := filepath.Join(dir, "weak_map.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		data = []byte("{}")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("toolchain: init weak_map.json: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("toolchain: read weak_map.json: %w", err)
	}
	m := map[string]string{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("toolchain: parse weak_map.json: %w", err)
	}
	return &WeakMap{path: path, m: m}, nil
}

// Lookup returns the strong key for weakKey, if recorded.
func (w *WeakMap) Lookup(weakKey string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	strong, ok := w.m[weakKey]
	return strong, ok
}

// Record durably associates weakKey with strongKey, rewriting weak_map.json
// atomically (temp file + rename) before returning, so a concurrent reader
// never observes a partially written map.
func (w *WeakMap) Record(weakKey, strongKey string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.m[weakKey] = strongKey

	data, err := json.Marshal(w.m)
	if err != nil {
		return fmt.Errorf("toolchain: marshal weak_map.json: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(w.path), ".weak_map-*.json.tmp")
	if err != nil {
		return fmt.Errorf("toolchain: create temp weak_map.json: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("toolchain: write weak_map.json: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("toolchain: close weak_map.json: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("toolchain: finalize weak_map.json: %w", err)
	}
	return nil
}

// PutToolchain implements spec.md §4.2's caching contract: on a weak-key
// hit, reuse the strong key without invoking create; on a miss, call
// create to obtain the archive bytes, insert them into store under their
// content hash, record the mapping, and return the new strong key.
func PutToolchain(w *WeakMap, store Store, weakKey string, create func() ([]byte, error)) (string, error) {
	if strong, ok := w.Lookup(weakKey); ok {
		return strong, nil
	}
	data, err := create()
	if err != nil {
		return "", err
	}
	strong := StrongKey(data)
	if err := InsertBytes(store, strong, data); err != nil {
		return "", fmt.Errorf("toolchain: insert archive: %w", err)
	}
	if err := w.Record(weakKey, strong); err != nil {
		return "", fmt.Errorf("toolchain: record weak map: %w", err)
	}
	return strong, nil
}
