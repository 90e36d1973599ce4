// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package store implements PersistentStore (spec.md §4.1): a
// process-wide, hash-keyed map of *task.Task records, loaded from a JSON
// file at startup and atomically rewritten in full on every Save.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/uchouT/qb-downloader/internal/domain"
	"github.com/uchouT/qb-downloader/internal/task"
)

// Store is a thread-safe map from info-hash to *task.Task, grounded on
// the teacher's RWMutex-guarded map shape (internal/services/orphanscan's
// TorrentFileMap, internal/qbittorrent's Client session snapshot) adapted
// from an in-memory-only cache to a file-backed one.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task
	path  string
}

// New returns an empty Store that will persist to path.
func New(path string) *Store {
	return &Store{
		tasks: make(map[string]*task.Task),
		path:  path,
	}
}

// Load populates the store from its JSON file. A missing file is treated
// as an empty store, per spec.md §4.1; any other read or parse failure is
// returned.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", s.path).Msg("[STORE] no existing store file, starting empty")
			return nil
		}
		return fmt.Errorf("read store file: %w", err)
	}

	if len(data) == 0 {
		return nil
	}

	raw := make(map[string]*task.Task)
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse store file: %w", err)
	}

	s.mu.Lock()
	s.tasks = raw
	s.mu.Unlock()

	log.Info().Int("tasks", len(raw)).Str("path", s.path).Msg("[STORE] loaded")
	return nil
}

// Save rewrites the entire store to its JSON file, atomically: it writes
// to a temp file in the same directory then renames over the final path,
// so a crash mid-write never corrupts the on-disk store.
func (s *Store) Save() error {
	s.mu.RLock()
	snapshot := make(map[string]*task.Task, len(s.tasks))
	for k, v := range s.tasks {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp store file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename temp store file: %w", err)
	}
	return nil
}

// Get returns the task for hash, or nil if none exists. The returned
// pointer is the shared handle every caller holds (spec.md §5: "cheap
// reference to a task record... internally shareable").
func (s *Store) Get(hash string) *task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[hash]
}

// Insert adds t to the store, keyed by t.Hash. Returns an error if a task
// already exists for that hash (spec.md §3: "at most one task per hash").
func (s *Store) Insert(t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.Hash]; exists {
		return fmt.Errorf("insert %s: %w", t.Hash, domain.ErrTaskExists)
	}
	s.tasks[t.Hash] = t
	return nil
}

// Remove deletes the task for hash, if any.
func (s *Store) Remove(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, hash)
}

// Snapshot returns every task in the store, ordered by hash
// (spec.md §4.1: "ordering of iteration is by hash, lexicographic").
// Cloning the map of shared handles is cheap; the *task.Task values
// themselves are not copied.
func (s *Store) Snapshot() []*task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hashes := make([]string, 0, len(s.tasks))
	for h := range s.tasks {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	out := make([]*task.Task, len(hashes))
	for i, h := range hashes {
		out[i] = s.tasks[h]
	}
	return out
}
