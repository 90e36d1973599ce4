// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/uchouT/qb-downloader/internal/domain"
	"github.com/uchouT/qb-downloader/internal/task"
)

// RecoveryController implements the operator-facing actions on a task
// parked in StatusError (spec.md §4.5): resume from the failing step, skip
// the failing part entirely, or delete the task outright.
type RecoveryController struct {
	eng *Engine
}

// NewRecoveryController wraps eng.
func NewRecoveryController(eng *Engine) *RecoveryController {
	return &RecoveryController{eng: eng}
}

// Start begins or resumes a task, permitted only from Paused or Error
// (spec.md §4.5). From Paused it starts the torrent directly; from Error
// it dispatches to Resume or Skip depending on forced.
func (c *RecoveryController) Start(ctx context.Context, hash string, forced bool) error {
	t := c.eng.store.Get(hash)
	if t == nil {
		return domain.ErrTaskNotFound
	}

	switch t.Status() {
	case domain.StatusPaused:
		if err := c.eng.qb.Start(ctx, hash); err != nil {
			return fmt.Errorf("start %s: %w", hash, err)
		}
		t.SetStatus(domain.StatusDownloading)
		return c.eng.store.Save()

	case domain.StatusError:
		if forced {
			return c.Skip(ctx, hash)
		}
		return c.Resume(ctx, hash)

	default:
		return domain.ErrInvalidStart
	}
}

// Stop pauses a task's torrent and sets it to Paused. Idempotent: calling
// it on an already-paused task is not an error (spec.md §4.5).
func (c *RecoveryController) Stop(ctx context.Context, hash string) error {
	t := c.eng.store.Get(hash)
	if t == nil {
		return domain.ErrTaskNotFound
	}

	if err := c.eng.qb.Stop(ctx, hash); err != nil {
		log.Warn().Err(err).Str("hash", hash).Msg("[RECOVERY] failed to stop torrent")
	}
	t.SetStatus(domain.StatusPaused)
	return c.eng.store.Save()
}

// Resume retries the step that produced the recorded runtime error. It is
// legal for any error kind (spec.md §4.5's resume column has no
// restriction); the retried step differs by kind.
func (c *RecoveryController) Resume(ctx context.Context, hash string) error {
	t := c.eng.store.Get(hash)
	if t == nil {
		return domain.ErrTaskNotFound
	}
	errInfo := t.Error()
	if errInfo == nil {
		return fmt.Errorf("resume %s: task is not in an error state", hash)
	}

	t.ClearError()

	switch errInfo.Kind {
	case domain.RuntimeErrorDownload:
		if err := c.eng.qb.Delete(ctx, hash, false); err != nil {
			log.Warn().Err(err).Str("hash", hash).Msg("[RECOVERY] failed to delete torrent before resume")
		}
		return c.relaunchFromCache(ctx, t)

	case domain.RuntimeErrorLaunchUpload:
		t.SetStatus(domain.StatusDownloaded)
		return nil

	case domain.RuntimeErrorRuntimeUpload:
		t.SetStatus(domain.StatusDownloaded)
		return nil

	case domain.RuntimeErrorAddNextPart:
		t.SetStatus(domain.StatusFinished)
		return nil

	case domain.RuntimeErrorTorrentNotFound:
		return c.relaunchFromCache(ctx, t)

	default:
		return fmt.Errorf("resume %s: unrecognized runtime error kind %q", hash, errInfo.Kind)
	}
}

// Skip abandons the current part's download/upload and advances past it,
// legal only for kinds marked Skippable (spec.md §3: RuntimeUpload and
// TorrentNotFound).
func (c *RecoveryController) Skip(ctx context.Context, hash string) error {
	t := c.eng.store.Get(hash)
	if t == nil {
		return domain.ErrTaskNotFound
	}
	errInfo := t.Error()
	if errInfo == nil {
		return fmt.Errorf("skip %s: task is not in an error state", hash)
	}
	if !errInfo.Kind.Skippable() {
		return domain.ErrNotSkippable
	}

	t.ClearError()
	t.ClearUploaderJob()

	switch errInfo.Kind {
	case domain.RuntimeErrorTorrentNotFound:
		// The torrent is already gone from qBittorrent; nothing to tear down.
	default:
		if err := c.eng.qb.Delete(ctx, hash, true); err != nil {
			log.Warn().Err(err).Str("hash", hash).Msg("[RECOVERY] failed to delete torrent during skip")
		}
	}

	next := t.Advance()
	if next != domain.StatusDownloading {
		return nil
	}
	if err := c.eng.qb.AddByFile(ctx, t.TorrentCachePath, t.SavePath, t.RatioLimit, t.SeedingTimeLimit); err != nil {
		t.Fail(domain.RuntimeErrorAddNextPart, fmt.Errorf("re-add cached torrent after skip: %w", err))
		return nil
	}
	if err := c.eng.launch(ctx, t, t.CurrentPartNum()); err != nil {
		t.Fail(domain.RuntimeErrorAddNextPart, err)
	}
	return nil
}

// Delete removes a task outright: the underlying torrent is always removed
// from qBittorrent, its downloaded data with it only when deleteFiles is
// set, and the task is dropped from the store (spec.md §4.5: "delete
// always accepts an added-files flag").
func (c *RecoveryController) Delete(ctx context.Context, hash string, deleteFiles bool) error {
	t := c.eng.store.Get(hash)
	if t == nil {
		return domain.ErrTaskNotFound
	}

	if err := c.eng.qb.Delete(ctx, hash, deleteFiles); err != nil {
		log.Warn().Err(err).Str("hash", hash).Msg("[RECOVERY] failed to delete torrent from qbittorrent")
	}
	c.eng.store.Remove(hash)
	return c.eng.store.Save()
}

// relaunchFromCache re-adds a task's torrent from its cached .torrent file
// and restarts the current part. Used by the Download and TorrentNotFound
// resume paths, both of which need qBittorrent to forget and re-learn the
// torrent before the current part can restart.
func (c *RecoveryController) relaunchFromCache(ctx context.Context, t *task.Task) error {
	if err := c.eng.qb.AddByFile(ctx, t.TorrentCachePath, t.SavePath, t.RatioLimit, t.SeedingTimeLimit); err != nil {
		return fmt.Errorf("re-add cached torrent: %w", err)
	}
	return c.eng.launch(ctx, t, t.CurrentPartNum())
}
