// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package app wires every component into a running process: PersistentStore,
// TorrentCache, the qBittorrent and Rclone adapters, IngestionPipeline,
// Engine, Poller and RecoveryController. It owns the two-phase lifecycle
// the rest of the teacher's services follow (Start/Stop), matching
// internal/services/transfer.Service's own shape.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/uchouT/qb-downloader/internal/config"
	"github.com/uchouT/qb-downloader/internal/engine"
	"github.com/uchouT/qb-downloader/internal/ingestion"
	"github.com/uchouT/qb-downloader/internal/qbittorrent"
	"github.com/uchouT/qb-downloader/internal/rclone"
	"github.com/uchouT/qb-downloader/internal/store"
	"github.com/uchouT/qb-downloader/internal/torrentcache"
)

// App holds every long-lived collaborator for the lifetime of the process.
type App struct {
	Config *config.Config

	Store    *store.Store
	Cache    *torrentcache.Cache
	QB       qbittorrent.Adapter
	Rclone   rclone.Adapter
	Pipeline *ingestion.Pipeline
	Engine   *engine.Engine
	Poller   *engine.Poller
	Recovery *engine.RecoveryController
}

// New constructs every collaborator but does not yet start any background
// work; call Start for that.
func New(cfg *config.Config) (*App, error) {
	configureLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	cache, err := torrentcache.New(cfg.CachePath)
	if err != nil {
		return nil, fmt.Errorf("init torrent cache: %w", err)
	}

	st := store.New(cfg.StorePath)
	if err := st.Load(); err != nil {
		return nil, fmt.Errorf("load store: %w", err)
	}

	qb := qbittorrent.NewClient(cfg.QbittorrentHost, cfg.QbittorrentUsername, cfg.QbittorrentPassword, ingestion.WaitedTag)

	rc := rclone.NewClient(rclone.Config{
		Host: cfg.RcloneRCAddr,
		User: cfg.RcloneRCUser,
		Pass: cfg.RcloneRCPassword,
	})

	pipeline := ingestion.New(qb, cache, time.Second)
	eng := engine.New(st, qb, rc, pipeline)
	pollInterval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	poller := engine.NewPoller(eng, pollInterval)
	recovery := engine.NewRecoveryController(eng)

	return &App{
		Config:   cfg,
		Store:    st,
		Cache:    cache,
		QB:       qb,
		Rclone:   rc,
		Pipeline: pipeline,
		Engine:   eng,
		Poller:   poller,
		Recovery: recovery,
	}, nil
}

// Start logs into qBittorrent and begins the poller. It is not an error
// for the initial login to fail: the poller still starts, and its Tick
// skips all work while IsLoggedIn is false. Neither Start nor the poller
// attempts the login again, so ticks stay skipped until a Login call
// succeeds.
func (a *App) Start(ctx context.Context) {
	if err := a.QB.Login(ctx); err != nil {
		log.Warn().Err(err).Msg("[APP] initial qbittorrent login failed, poller ticks are skipped until a login succeeds")
	}

	a.Poller.Start(ctx)
	log.Info().Str("dataDir", a.Config.DataDir).Msg("[APP] started")
}

// Shutdown stops the poller, waits briefly for in-flight dispatches, purges
// abandoned "waited" ingestions, and persists the store one final time.
func (a *App) Shutdown(ctx context.Context) {
	a.Poller.Stop()
	a.Engine.Shutdown(10 * time.Second)

	if err := a.Pipeline.CleanWaited(ctx); err != nil {
		log.Warn().Err(err).Msg("[APP] failed to clean up waited torrents during shutdown")
	}
	if err := a.Store.Save(); err != nil {
		log.Error().Err(err).Msg("[APP] failed to persist store during shutdown")
	}
	log.Info().Msg("[APP] shutdown complete")
}

// configureLogging sets zerolog's global level and, if LogPath is set,
// duplicates output to that file alongside stderr — matching the
// teacher's own console+file logging setup.
func configureLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogPath == "" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		return
	}

	f, err := os.OpenFile(cfg.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.LogPath).Msg("[APP] failed to open log file, logging to stderr only")
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		return
	}

	multi := zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr}, f)
	log.Logger = zerolog.New(multi).With().Timestamp().Logger()
}
