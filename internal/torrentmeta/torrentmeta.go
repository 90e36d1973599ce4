// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package torrentmeta wraps anacrolix/torrent/metainfo to satisfy spec.md's
// bencode-parser non-goal: it turns raw .torrent bytes or a magnet URI into
// the (root_dir, file_lengths, file_paths, info-hash) tuple the rest of the
// module works with, without this module hand-rolling bencode decoding.
package torrentmeta

import (
	"bytes"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
)

// Info is the subset of a parsed .torrent file the task engine needs.
type Info struct {
	Hash    string
	RootDir string
	Lengths []int64
	Paths   []string
	FileNum int
}

// Parse decodes bencoded .torrent bytes into Info.
func Parse(raw []byte) (Info, error) {
	mi, err := metainfo.Load(bytes.NewReader(raw))
	if err != nil {
		return Info{}, err
	}

	info, err := mi.UnmarshalInfo()
	if err != nil {
		return Info{}, err
	}

	hash := mi.HashInfoBytes().HexString()

	if len(info.Files) == 0 {
		// Single-file torrent: root_dir is the file itself, one part.
		return Info{
			Hash:    hash,
			RootDir: info.Name,
			Lengths: []int64{info.Length},
			Paths:   []string{info.Name},
			FileNum: 1,
		}, nil
	}

	lengths := make([]int64, len(info.Files))
	paths := make([]string, len(info.Files))
	for i, f := range info.Files {
		lengths[i] = f.Length
		paths[i] = strings.Join(f.Path, "/")
	}

	return Info{
		Hash:    hash,
		RootDir: info.Name,
		Lengths: lengths,
		Paths:   paths,
		FileNum: len(info.Files),
	}, nil
}

// ParseMagnetHash extracts the 40-char lowercase hex info-hash from a magnet
// URI's xt=urn:btih parameter, normalizing the 32-char base32 form to hex.
// It returns ok=false for anything that is not a recognizable magnet link,
// matching spec.md §8 scenario 5's "non-magnet URL -> None".
func ParseMagnetHash(uri string) (hash string, ok bool) {
	m, err := metainfo.ParseMagnetURI(uri)
	if err != nil {
		return "", false
	}
	return strings.ToLower(m.InfoHash.HexString()), true
}
