// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package torrentcache manages the directory of cached <hash>.torrent
// files (spec.md §4.3/§6): the export from qBittorrent (or the raw
// upload) so a part's torrent can be re-added without re-fetching
// metadata.
package torrentcache

import (
	"fmt"
	"os"
	"path/filepath"
)

// Cache is a directory of files named "<hash>.torrent".
type Cache struct {
	dir string
}

// New returns a Cache rooted at dir, creating dir if it does not exist.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create torrent cache dir %s: %w", dir, err)
	}
	return &Cache{dir: dir}, nil
}

// Path returns the on-disk path for hash's cached .torrent file, whether
// or not it exists yet.
func (c *Cache) Path(hash string) string {
	return filepath.Join(c.dir, hash+".torrent")
}

// Store writes raw bencoded torrent bytes under hash, overwriting any
// existing entry.
func (c *Cache) Store(hash string, data []byte) (string, error) {
	path := c.Path(hash)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write cached torrent %s: %w", hash, err)
	}
	return path, nil
}

// Load reads the cached .torrent bytes for hash.
func (c *Cache) Load(hash string) ([]byte, error) {
	data, err := os.ReadFile(c.Path(hash))
	if err != nil {
		return nil, fmt.Errorf("read cached torrent %s: %w", hash, err)
	}
	return data, nil
}

// Has reports whether hash has a cached .torrent file.
func (c *Cache) Has(hash string) bool {
	_, err := os.Stat(c.Path(hash))
	return err == nil
}

// Remove deletes hash's cached .torrent file, if any. A missing file is
// not an error.
func (c *Cache) Remove(hash string) error {
	err := os.Remove(c.Path(hash))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cached torrent %s: %w", hash, err)
	}
	return nil
}
