// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ingestion implements IngestionPipeline (spec.md §4.3): taking
// either raw torrent bytes or a URL/magnet, adding it to qBittorrent under
// the transient "waited" tag, resolving its info-hash, and exporting the
// .torrent into TorrentCache so a Task can be created from it.
package ingestion

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/uchouT/qb-downloader/internal/domain"
	"github.com/uchouT/qb-downloader/internal/qbittorrent"
	"github.com/uchouT/qb-downloader/internal/torrentcache"
	"github.com/uchouT/qb-downloader/internal/torrentmeta"
)

// WaitedTag is the transient tag applied to a torrent while its owning
// task has not yet been created (spec.md §6: literal string "qbd_waited").
const WaitedTag = "qbd_waited"

// Pipeline implements §4.3. The single-flight group collapses concurrent
// adds of the same URL, and urlMu serializes unknown-hash URL ingestion
// (spec.md §5, §9): qBittorrent's "add by URL" call has no
// way to return the hash it assigned, so the pipeline must add, then query
// "most recently added with this tag" without a second concurrent add
// racing it for the same tag.
type Pipeline struct {
	qb    qbittorrent.Adapter
	cache *torrentcache.Cache

	group singleflight.Group
	urlMu sync.Mutex

	mu      sync.Mutex
	cancels map[string]chan struct{}

	waitLimiter *rate.Limiter
}

// New constructs a Pipeline. waitPollInterval is the sleep between
// get_state polls during the metadata-ready wait (spec.md §4.3: "every
// ~1s"); a rate.Limiter enforces that floor even if a caller loops faster
// than expected (spec.md §9's "no busy waiting" + SPEC_FULL's ambient
// guard against hammering a slow qBittorrent instance).
func New(qb qbittorrent.Adapter, cache *torrentcache.Cache, waitPollInterval time.Duration) *Pipeline {
	if waitPollInterval <= 0 {
		waitPollInterval = time.Second
	}
	return &Pipeline{
		qb:          qb,
		cache:       cache,
		cancels:     make(map[string]chan struct{}),
		waitLimiter: rate.NewLimiter(rate.Every(waitPollInterval), 1),
	}
}

// Result is what AddBytes/AddURL hand back to the caller: the resolved
// info-hash and the cached .torrent path.
type Result struct {
	Hash             string
	TorrentCachePath string
}

// AddBytes ingests a raw .torrent file. The hash is known up front
// (bencode-hashed locally), so no single-flight lock is needed.
func (p *Pipeline) AddBytes(ctx context.Context, filename, savePath string, data []byte) (Result, error) {
	info, err := torrentmeta.Parse(data)
	if err != nil {
		return Result{}, fmt.Errorf("parse torrent bytes: %w", err)
	}

	path, err := p.cache.Store(info.Hash, data)
	if err != nil {
		return Result{}, err
	}

	if err := p.qb.AddByBytes(ctx, filename, savePath, data, WaitedTag); err != nil {
		return Result{}, fmt.Errorf("add torrent to qbittorrent: %w", err)
	}

	return Result{Hash: info.Hash, TorrentCachePath: path}, nil
}

// AddURL ingests a magnet link or HTTP URL. If the hash can be parsed
// directly from the URL (magnet xt=urn:btih), no lock is required;
// otherwise the whole unknown-hash path runs under the single-flight
// group.
func (p *Pipeline) AddURL(ctx context.Context, source, savePath string) (Result, error) {
	if hash, ok := torrentmeta.ParseMagnetHash(source); ok {
		if err := p.qb.AddByURL(ctx, source, savePath, WaitedTag); err != nil {
			return Result{}, fmt.Errorf("add magnet to qbittorrent: %w", err)
		}
		return p.waitAndExport(ctx, hash)
	}

	if !isHTTPURL(source) {
		return Result{}, fmt.Errorf("source is neither a magnet link nor an http(s) url")
	}

	v, err, _ := p.group.Do(source, func() (any, error) {
		p.urlMu.Lock()
		defer p.urlMu.Unlock()
		return p.addHTTPURLLocked(ctx, source, savePath)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// addHTTPURLLocked runs under the pipeline's single-flight group: add by
// URL with stopCondition=MetadataReceived, then resolve the hash via the
// most-recently-tagged query.
func (p *Pipeline) addHTTPURLLocked(ctx context.Context, source, savePath string) (Result, error) {
	if err := p.qb.AddByURL(ctx, source, savePath, WaitedTag); err != nil {
		return Result{}, fmt.Errorf("add url to qbittorrent: %w", err)
	}

	hash, err := p.qb.HashOfRecentWithTag(ctx, WaitedTag)
	if err != nil {
		return Result{}, fmt.Errorf("resolve hash of added torrent: %w", err)
	}

	return p.waitAndExport(ctx, hash)
}

// waitAndExport polls get_state(hash) until metadata is fetched, then
// exports the .torrent into the cache. It is cancellable per-hash via
// Cancel (spec.md §5: "a per-hash channel rather than a global flag").
func (p *Pipeline) waitAndExport(ctx context.Context, hash string) (Result, error) {
	cancel := p.registerCancel(hash)
	defer p.clearCancel(hash)

	for {
		select {
		case <-cancel:
			return Result{}, domain.ErrAbort
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		if err := p.waitLimiter.Wait(ctx); err != nil {
			return Result{}, err
		}

		state, err := p.qb.GetState(ctx, hash)
		if err != nil {
			return Result{}, fmt.Errorf("poll torrent state: %w", err)
		}
		if qbittorrent.IsMetadataFetched(state) {
			break
		}
	}

	data, err := p.qb.Export(ctx, hash)
	if err != nil {
		return Result{}, fmt.Errorf("export torrent: %w", err)
	}
	path, err := p.cache.Store(hash, data)
	if err != nil {
		return Result{}, err
	}

	return Result{Hash: hash, TorrentCachePath: path}, nil
}

// Cancel aborts an in-flight metadata wait for hash, if one is running.
// It does not itself delete the partial torrent from qBittorrent — that
// is the caller's responsibility, or clean_waited at shutdown.
func (p *Pipeline) Cancel(hash string) {
	p.mu.Lock()
	ch, ok := p.cancels[hash]
	p.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (p *Pipeline) registerCancel(hash string) chan struct{} {
	ch := make(chan struct{})
	p.mu.Lock()
	p.cancels[hash] = ch
	p.mu.Unlock()
	return ch
}

func (p *Pipeline) clearCancel(hash string) {
	p.mu.Lock()
	delete(p.cancels, hash)
	p.mu.Unlock()
}

// CleanWaited purges ingestions whose owning task was never created: every
// torrent still carrying WaitedTag is deleted (with data) from qBittorrent
// and its cached .torrent file removed. Run at shutdown per spec.md §4.4.
func (p *Pipeline) CleanWaited(ctx context.Context) error {
	hashes, err := p.qb.GetTagTorrentList(ctx, WaitedTag)
	if err != nil {
		return fmt.Errorf("list waited torrents: %w", err)
	}

	var firstErr error
	for _, h := range hashes {
		if err := p.qb.Delete(ctx, h, true); err != nil {
			log.Warn().Err(err).Str("hash", h).Msg("[INGEST] failed to delete waited torrent")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := p.cache.Remove(h); err != nil {
			log.Warn().Err(err).Str("hash", h).Msg("[INGEST] failed to remove cached torrent for waited cleanup")
		}
	}
	return firstErr
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}
