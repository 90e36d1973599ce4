// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"
)

// v5Verbs is the lowest WebAPI version that renamed pause/resume to
// stop/start (spec.md §6: "Version selects the verb names start/stop (v5)
// vs resume/pause (v4)").
var v5Verbs = semver.MustParse("2.11.0")

// session is the atomic-swap-style snapshot spec.md §5 calls for: "qBittorrent
// session (host, cookie, version): one atomic-swap slot; login replaces the
// full struct, other calls load a snapshot."
type session struct {
	loggedIn bool
	version  string
	usesV5   bool
}

// Client implements Adapter against a live qBittorrent WebAPI instance.
// Grounded on the teacher's internal/qbittorrent.Client: embeds the
// official client, tracks WebAPI version via semver, and re-logs-in once
// when a call fails with a 403 rather than failing every call from a stale
// cookie.
type Client struct {
	qc  *qbt.Client
	tag string

	mu sync.RWMutex
	s  session
}

// NewClient dials host with user/pass but does not log in; call Login
// explicitly so callers control when the first network round-trip happens.
func NewClient(host, user, pass, waitedTag string) *Client {
	cfg := qbt.Config{
		Host:     host,
		Username: user,
		Password: pass,
		Timeout:  30,
	}
	return &Client{
		qc:  qbt.NewClient(cfg),
		tag: waitedTag,
	}
}

func (c *Client) Login(ctx context.Context) error {
	if err := c.qc.LoginCtx(ctx); err != nil {
		return fmt.Errorf("qbittorrent login: %w", err)
	}

	version, err := c.qc.GetWebAPIVersionCtx(ctx)
	if err != nil {
		version = ""
	}

	usesV5 := false
	if version != "" {
		if v, err := semver.NewVersion(version); err == nil {
			usesV5 = !v.LessThan(v5Verbs)
		}
	}

	c.mu.Lock()
	c.s = session{loggedIn: true, version: version, usesV5: usesV5}
	c.mu.Unlock()

	log.Info().Str("webAPIVersion", version).Bool("usesV5Verbs", usesV5).Msg("[QBITTORRENT] logged in")
	return nil
}

func (c *Client) IsLoggedIn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.s.loggedIn
}

func (c *Client) GetVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.s.version
}

func (c *Client) snapshot() session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.s
}

// retry403 re-logs-in once and retries fn, matching spec.md §6's "single
// retry on 403 (re-login then retry)".
func (c *Client) retry403(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "403") {
		return err
	}
	if loginErr := c.Login(ctx); loginErr != nil {
		return err
	}
	return fn()
}

func (c *Client) AddByBytes(ctx context.Context, filename, savePath string, data []byte, tag string) error {
	if !c.IsLoggedIn() {
		return ErrNotLoggedIn
	}
	opts := map[string]string{
		"savepath": savePath,
		"tags":     tag,
	}
	return c.retry403(ctx, func() error {
		if err := c.qc.AddTorrentFromMemoryCtx(ctx, data, opts); err != nil {
			return fmt.Errorf("add by bytes %s: %w", filename, err)
		}
		return nil
	})
}

func (c *Client) AddByURL(ctx context.Context, url, savePath, tag string) error {
	if !c.IsLoggedIn() {
		return ErrNotLoggedIn
	}
	opts := map[string]string{
		"savepath":      savePath,
		"tags":          tag,
		"stopCondition": "MetadataReceived",
	}
	return c.retry403(ctx, func() error {
		if err := c.qc.AddTorrentFromUrlsCtx(ctx, []string{url}, opts); err != nil {
			return fmt.Errorf("add by url: %w", err)
		}
		return nil
	})
}

func (c *Client) AddByFile(ctx context.Context, cachePath, savePath string, ratioLimit float64, seedingTimeLimit int64) error {
	if !c.IsLoggedIn() {
		return ErrNotLoggedIn
	}
	opts := map[string]string{
		"savepath":         savePath,
		"ratioLimit":       strconv.FormatFloat(ratioLimit, 'f', -1, 64),
		"seedingTimeLimit": strconv.FormatInt(seedingTimeLimit, 10),
	}
	return c.retry403(ctx, func() error {
		if err := c.qc.AddTorrentFromFileCtx(ctx, cachePath, opts); err != nil {
			return fmt.Errorf("add by file %s: %w", cachePath, err)
		}
		return nil
	})
}

func (c *Client) HashOfRecentWithTag(ctx context.Context, tag string) (string, error) {
	if !c.IsLoggedIn() {
		return "", ErrNotLoggedIn
	}
	var torrents []qbt.Torrent
	err := c.retry403(ctx, func() error {
		var innerErr error
		torrents, innerErr = c.qc.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Tag: tag})
		return innerErr
	})
	if err != nil {
		return "", fmt.Errorf("list tagged torrents: %w", err)
	}
	if len(torrents) == 0 {
		return "", ErrNoNewTorrents
	}

	recent := torrents[0]
	for _, t := range torrents[1:] {
		if t.AddedOn > recent.AddedOn {
			recent = t
		}
	}
	return strings.ToLower(recent.Hash), nil
}

func (c *Client) AddTag(ctx context.Context, hash, tag string) error {
	if !c.IsLoggedIn() {
		return ErrNotLoggedIn
	}
	return c.retry403(ctx, func() error {
		return c.qc.AddTagsCtx(ctx, []string{hash}, tag)
	})
}

func (c *Client) RemoveTag(ctx context.Context, hash, tag string) error {
	if !c.IsLoggedIn() {
		return ErrNotLoggedIn
	}
	return c.retry403(ctx, func() error {
		return c.qc.RemoveTagsCtx(ctx, []string{hash}, tag)
	})
}

// Start resumes download/seeding, using the v5 "start" verb or the v4
// "resume" verb depending on the session's detected WebAPI version.
func (c *Client) Start(ctx context.Context, hash string) error {
	if !c.IsLoggedIn() {
		return ErrNotLoggedIn
	}
	usesV5 := c.snapshot().usesV5
	return c.retry403(ctx, func() error {
		if usesV5 {
			return c.qc.StartCtx(ctx, []string{hash})
		}
		return c.qc.ResumeCtx(ctx, []string{hash})
	})
}

// Stop pauses download/seeding, using the v5 "stop" verb or the v4
// "pause" verb depending on the session's detected WebAPI version.
func (c *Client) Stop(ctx context.Context, hash string) error {
	if !c.IsLoggedIn() {
		return ErrNotLoggedIn
	}
	usesV5 := c.snapshot().usesV5
	return c.retry403(ctx, func() error {
		if usesV5 {
			return c.qc.StopCtx(ctx, []string{hash})
		}
		return c.qc.PauseCtx(ctx, []string{hash})
	})
}

func (c *Client) Delete(ctx context.Context, hash string, deleteFiles bool) error {
	if !c.IsLoggedIn() {
		return ErrNotLoggedIn
	}
	return c.retry403(ctx, func() error {
		return c.qc.DeleteTorrentsCtx(ctx, []string{hash}, deleteFiles)
	})
}

func (c *Client) SetFilePriority(ctx context.Context, hash string, priority int, indices []int) error {
	if !c.IsLoggedIn() {
		return ErrNotLoggedIn
	}
	ids := make([]string, len(indices))
	for i, idx := range indices {
		ids[i] = strconv.Itoa(idx)
	}
	return c.retry403(ctx, func() error {
		return c.qc.SetFilePriorityCtx(ctx, hash, strings.Join(ids, "|"), priority)
	})
}

func (c *Client) SetShareLimit(ctx context.Context, hash string, ratio float64, seedingTime int64) error {
	if !c.IsLoggedIn() {
		return ErrNotLoggedIn
	}
	return c.retry403(ctx, func() error {
		return c.qc.SetTorrentShareLimitCtx(ctx, []string{hash}, ratio, seedingTime, -2)
	})
}

// GetState returns the raw qBittorrent state string for hash, or
// ErrCancelled if the hash is no longer in qBittorrent's torrent list
// (spec.md §6: "may return Cancelled if hash not in list").
func (c *Client) GetState(ctx context.Context, hash string) (string, error) {
	if !c.IsLoggedIn() {
		return "", ErrNotLoggedIn
	}
	var torrents []qbt.Torrent
	err := c.retry403(ctx, func() error {
		var innerErr error
		torrents, innerErr = c.qc.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Hashes: []string{hash}})
		return innerErr
	})
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", hash, err)
	}
	for _, t := range torrents {
		if strings.EqualFold(t.Hash, hash) {
			return string(t.State), nil
		}
	}
	return "", ErrCancelled
}

func (c *Client) GetTorrentInfo(ctx context.Context, category string) ([]TorrentStatus, error) {
	if !c.IsLoggedIn() {
		return nil, ErrNotLoggedIn
	}
	var torrents []qbt.Torrent
	err := c.retry403(ctx, func() error {
		var innerErr error
		torrents, innerErr = c.qc.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Category: category})
		return innerErr
	})
	if err != nil {
		return nil, fmt.Errorf("list torrents in category %s: %w", category, err)
	}

	out := make([]TorrentStatus, len(torrents))
	for i, t := range torrents {
		out[i] = TorrentStatus{
			Hash:     strings.ToLower(t.Hash),
			State:    string(t.State),
			Progress: t.Progress,
		}
	}
	return out, nil
}

func (c *Client) GetTagTorrentList(ctx context.Context, tag string) ([]string, error) {
	if !c.IsLoggedIn() {
		return nil, ErrNotLoggedIn
	}
	var torrents []qbt.Torrent
	err := c.retry403(ctx, func() error {
		var innerErr error
		torrents, innerErr = c.qc.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Tag: tag})
		return innerErr
	})
	if err != nil {
		return nil, fmt.Errorf("list tagged torrents %s: %w", tag, err)
	}

	hashes := make([]string, len(torrents))
	for i, t := range torrents {
		hashes[i] = strings.ToLower(t.Hash)
	}
	return hashes, nil
}

func (c *Client) Export(ctx context.Context, hash string) ([]byte, error) {
	if !c.IsLoggedIn() {
		return nil, ErrNotLoggedIn
	}
	var data []byte
	err := c.retry403(ctx, func() error {
		var innerErr error
		data, innerErr = c.qc.TorrentsExportCtx(ctx, hash)
		return innerErr
	})
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", hash, err)
	}
	return data, nil
}

var _ Adapter = (*Client)(nil)
