// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package qbittorrent adapts the core engine to a running qBittorrent
// instance via github.com/autobrr/go-qbittorrent. Per spec.md §6 this is a
// capability interface: the wire protocol is the library's problem, not
// this module's.
package qbittorrent

import (
	"context"
	"errors"
)

// Adapter is the qBittorrent capability surface the task engine consumes.
// Every operation may fail with ErrNotLoggedIn, ErrUnsupportedVersion,
// ErrCancelled, or a wrapped request error.
type Adapter interface {
	Login(ctx context.Context) error
	IsLoggedIn() bool
	GetVersion() string

	AddByBytes(ctx context.Context, filename, savePath string, data []byte, tag string) error
	AddByURL(ctx context.Context, url, savePath, tag string) error
	AddByFile(ctx context.Context, cachePath, savePath string, ratioLimit float64, seedingTimeLimit int64) error

	HashOfRecentWithTag(ctx context.Context, tag string) (string, error)
	AddTag(ctx context.Context, hash, tag string) error
	RemoveTag(ctx context.Context, hash, tag string) error

	Start(ctx context.Context, hash string) error
	Stop(ctx context.Context, hash string) error
	Delete(ctx context.Context, hash string, deleteFiles bool) error

	SetFilePriority(ctx context.Context, hash string, priority int, indices []int) error
	SetShareLimit(ctx context.Context, hash string, ratio float64, seedingTime int64) error

	GetState(ctx context.Context, hash string) (string, error)
	GetTorrentInfo(ctx context.Context, category string) ([]TorrentStatus, error)
	GetTagTorrentList(ctx context.Context, tag string) ([]string, error)

	Export(ctx context.Context, hash string) ([]byte, error)
}

// TorrentStatus is the slice of qBittorrent-reported torrent state the
// poller needs per tick: hash, raw state string, and download progress.
type TorrentStatus struct {
	Hash     string
	State    string
	Progress float64
}

var (
	ErrNotLoggedIn        = errors.New("qbittorrent: not logged in")
	ErrUnsupportedVersion = errors.New("qbittorrent: unsupported webapi version")
	ErrCancelled          = errors.New("qbittorrent: hash no longer present in torrent list")
	ErrNoNewTorrents      = errors.New("qbittorrent: no torrent carries the requested tag")
)

// States a torrent may report that this module treats as "metadata
// fetched" (IngestionPipeline's wait loop) per spec.md §4.3.
var metadataFetchedStates = map[string]struct{}{
	"stoppedUP": {},
	"pausedUP":  {},
	"stoppedDL": {},
	"pausedDL":  {},
}

// IsMetadataFetched reports whether state indicates the torrent's metadata
// has been fully retrieved and qBittorrent has settled into a stopped or
// paused state awaiting the caller's next action.
func IsMetadataFetched(state string) bool {
	_, ok := metadataFetchedStates[state]
	return ok
}

// Error, seeding, and finished-seeding state classification for the
// poller's transition rules (spec.md §4.4).
var errorStates = map[string]struct{}{
	"error":        {},
	"missingFiles": {},
}

var seedingStates = map[string]struct{}{
	"uploading":  {},
	"stalledUP":  {},
	"queuedUP":   {},
	"checkingUP": {},
	"forcedUP":   {},
	"moving":     {},
}

var finishedSeedingStates = map[string]struct{}{
	"pausedUP":  {},
	"stoppedUP": {},
}

func IsErrorState(state string) bool {
	_, ok := errorStates[state]
	return ok
}

func IsSeedingState(state string) bool {
	_, ok := seedingStates[state]
	return ok
}

func IsFinishedSeedingState(state string) bool {
	_, ok := finishedSeedingStates[state]
	return ok
}
