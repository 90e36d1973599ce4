// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package engine implements TaskEngine (spec.md §4.4): the per-task state
// machine and the single global poller that synchronizes local task state
// with qBittorrent and Rclone every tick. It keeps no task state of its
// own — it operates on tasks stored in the PersistentStore.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/uchouT/qb-downloader/internal/domain"
	"github.com/uchouT/qb-downloader/internal/ingestion"
	"github.com/uchouT/qb-downloader/internal/qbittorrent"
	"github.com/uchouT/qb-downloader/internal/rclone"
	"github.com/uchouT/qb-downloader/internal/store"
	"github.com/uchouT/qb-downloader/internal/task"
)

// Category is the qBittorrent category every task-owned torrent carries
// (spec.md §6: literal string "QBD").
const Category = "QBD"

// PollInterval is the global poller tick period (spec.md §4.4: "every 5s").
const PollInterval = 5 * time.Second

// Engine drives every task's state machine. Apart from dispatch
// bookkeeping (the in-flight WaitGroup and the per-task busy flags), all
// mutable data lives on the *task.Task records it's handed by the Store.
type Engine struct {
	store    *store.Store
	qb       qbittorrent.Adapter
	rc       rclone.Adapter
	pipeline *ingestion.Pipeline

	wg sync.WaitGroup

	// busy enforces spec.md §5's at-most-once-in-flight invariant per
	// task: a run_check/run_interval/add_next_part dispatch is skipped if
	// the task's previous dispatch hasn't finished yet.
	busy sync.Map // map[string]*atomic.Bool keyed by hash
}

// New constructs an Engine over the given collaborators.
func New(st *store.Store, qb qbittorrent.Adapter, rc rclone.Adapter, pipeline *ingestion.Pipeline) *Engine {
	return &Engine{
		store:    st,
		qb:       qb,
		rc:       rc,
		pipeline: pipeline,
	}
}

// Add registers a newly-ingested task in the store and immediately
// launches part 0, moving it from Paused to Downloading (spec.md §4.4:
// "a new task enters Paused after creation; add immediately calls
// launch(part=0)"). Removes the ingestion-time waited tag on success.
func (e *Engine) Add(ctx context.Context, t *task.Task) error {
	if err := e.store.Insert(t); err != nil {
		return err
	}

	if err := e.qb.RemoveTag(ctx, t.Hash, ingestion.WaitedTag); err != nil {
		log.Warn().Err(err).Str("hash", t.Hash).Msg("[ENGINE] failed to clear waited tag")
	}

	if err := e.launch(ctx, t, 0); err != nil {
		return fmt.Errorf("launch part 0 for %s: %w", t.Hash, err)
	}

	return e.store.Save()
}

// launch selects partNum's files for download and starts the torrent.
func (e *Engine) launch(ctx context.Context, t *task.Task, partNum int) error {
	part := t.TaskOrder[partNum]

	all := make([]int, t.FileNum)
	for i := range all {
		all[i] = i
	}
	selected := make(map[int]struct{}, len(part))
	for _, i := range part {
		selected[i] = struct{}{}
	}
	var notSelected []int
	for _, i := range all {
		if _, ok := selected[i]; !ok {
			notSelected = append(notSelected, i)
		}
	}

	if len(notSelected) > 0 {
		if err := e.qb.SetFilePriority(ctx, t.Hash, 0, notSelected); err != nil {
			return fmt.Errorf("deselect non-part files: %w", err)
		}
	}
	if err := e.qb.SetFilePriority(ctx, t.Hash, 1, part); err != nil {
		return fmt.Errorf("select part files: %w", err)
	}
	if err := e.qb.Start(ctx, t.Hash); err != nil {
		return fmt.Errorf("start torrent: %w", err)
	}

	t.SetStatus(domain.StatusDownloading)
	return nil
}

// Tick runs one poller iteration (spec.md §4.4's numbered steps).
func (e *Engine) Tick(ctx context.Context) {
	if !e.qb.IsLoggedIn() {
		log.Warn().Msg("[ENGINE] qbittorrent session not logged in, skipping tick")
		return
	}

	infos, err := e.qb.GetTorrentInfo(ctx, Category)
	if err != nil {
		log.Error().Err(err).Msg("[ENGINE] failed to fetch torrent info")
		return
	}

	seen := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		seen[info.Hash] = struct{}{}
		t := e.store.Get(info.Hash)
		if t == nil {
			continue
		}
		e.reconcile(t, info)
	}

	for _, t := range e.store.Snapshot() {
		if _, ok := seen[t.Hash]; ok {
			continue
		}
		st := t.Status()
		if st == domain.StatusDone || st == domain.StatusError {
			continue
		}
		t.Fail(domain.RuntimeErrorTorrentNotFound, fmt.Errorf("hash not present in qbittorrent torrent list"))
		log.Warn().Str("hash", t.Hash).Msg("[ENGINE] torrent lost from qbittorrent, marking error")
	}

	for _, t := range e.store.Snapshot() {
		e.dispatch(ctx, t)
	}

	if err := e.store.Save(); err != nil {
		log.Error().Err(err).Msg("[ENGINE] failed to persist store after tick")
	}
}

// reconcile applies one torrent's qBittorrent-reported state to its task,
// per the Downloading/Downloaded/Finished transition rules in spec.md §4.4.
func (e *Engine) reconcile(t *task.Task, info qbittorrent.TorrentStatus) {
	switch t.Status() {
	case domain.StatusDownloading:
		switch {
		case qbittorrent.IsErrorState(info.State):
			t.Fail(domain.RuntimeErrorDownload, fmt.Errorf("qbittorrent reports state %s", info.State))
		case qbittorrent.IsSeedingState(info.State):
			t.UpdateProgress(info.Progress, true)
			t.SetStatus(domain.StatusDownloaded)
		case qbittorrent.IsFinishedSeedingState(info.State):
			t.UpdateProgress(info.Progress, false)
			t.SetStatus(domain.StatusDownloaded)
		default:
			t.UpdateProgress(info.Progress, false)
		}
	case domain.StatusDownloaded, domain.StatusOnTask, domain.StatusFinished:
		// Once past Downloading, only the seeding flag itself still matters
		// (addNextPart gates on it); progress no longer drives a transition.
		switch {
		case qbittorrent.IsFinishedSeedingState(info.State):
			t.UpdateProgress(info.Progress, false)
		case qbittorrent.IsSeedingState(info.State):
			t.UpdateProgress(info.Progress, true)
		}
	}
}

// dispatch fires the per-status side-effecting step for t as an
// independent goroutine ("fire and forget" per spec.md §4.4 step 4),
// skipping the dispatch entirely if a previous one is still in flight.
func (e *Engine) dispatch(ctx context.Context, t *task.Task) {
	flag := e.busyFlag(t.Hash)
	if !flag.CompareAndSwap(false, true) {
		return
	}

	status := t.Status()
	var work func(context.Context, *task.Task)
	switch status {
	case domain.StatusOnTask:
		work = e.runCheck
	case domain.StatusDownloaded:
		work = e.runInterval
	case domain.StatusFinished:
		if t.State().IsSeeding {
			flag.Store(false)
			return
		}
		work = e.addNextPart
	default:
		flag.Store(false)
		return
	}

	corrID := uuid.NewString()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer flag.Store(false)
		log.Debug().Str("hash", t.Hash).Str("corrID", corrID).Str("status", string(status)).Msg("[ENGINE] dispatch")
		// Detached from the poller's context, so stopping the poller does
		// not cancel work already in flight.
		work(context.WithoutCancel(ctx), t)
	}()
}

func (e *Engine) busyFlag(hash string) *atomic.Bool {
	v, _ := e.busy.LoadOrStore(hash, new(atomic.Bool))
	return v.(*atomic.Bool)
}

// runInterval submits the upload job for the current part
// (Downloaded -> OnTask), per spec.md §4.4.
func (e *Engine) runInterval(ctx context.Context, t *task.Task) {
	src := uploadSource(t)
	jobID, err := e.rc.StartCopy(ctx, src, t.UploadPath)
	if err != nil {
		t.Fail(domain.RuntimeErrorLaunchUpload, err)
		return
	}
	t.SetUploaderJob(jobID)
	t.SetStatus(domain.StatusOnTask)
}

// runCheck polls the in-flight upload job's status (OnTask -> Finished or
// Error), per spec.md §4.4.
func (e *Engine) runCheck(ctx context.Context, t *task.Task) {
	u := t.Uploader()
	if !u.HasJob() {
		t.Fail(domain.RuntimeErrorRuntimeUpload, fmt.Errorf("no upload job recorded while OnTask"))
		return
	}

	status, err := e.rc.JobStatus(ctx, *u.Job)
	if err != nil {
		t.Fail(domain.RuntimeErrorRuntimeUpload, err)
		return
	}
	if !status.Finished {
		return
	}
	if !status.Success {
		t.Fail(domain.RuntimeErrorRuntimeUpload, fmt.Errorf("rclone job failed: %s", status.Error))
		return
	}

	t.ClearUploaderJob()
	t.SetStatus(domain.StatusFinished)
}

// addNextPart advances a finished, non-seeding part to the next part
// (Finished -> Done | Downloading), per spec.md §4.4.
func (e *Engine) addNextPart(ctx context.Context, t *task.Task) {
	if t.CurrentPartNum() >= t.TotalPartNum-1 {
		t.Advance()
		return
	}

	if err := e.qb.Delete(ctx, t.Hash, true); err != nil {
		t.Fail(domain.RuntimeErrorAddNextPart, fmt.Errorf("delete current torrent entry: %w", err))
		return
	}
	if err := e.qb.AddByFile(ctx, t.TorrentCachePath, t.SavePath, t.RatioLimit, t.SeedingTimeLimit); err != nil {
		t.Fail(domain.RuntimeErrorAddNextPart, fmt.Errorf("re-add cached torrent: %w", err))
		return
	}

	next := t.Advance()
	if next != domain.StatusDownloading {
		return
	}

	if err := e.launch(ctx, t, t.CurrentPartNum()); err != nil {
		t.Fail(domain.RuntimeErrorAddNextPart, err)
	}
}

// uploadSource builds the Rclone source path for the current part: the
// task's save path joined with its root directory, matching what
// qBittorrent materializes on disk for the selected files.
func uploadSource(t *task.Task) string {
	return strings.TrimRight(t.SavePath, "/") + "/" + t.RootDir
}

// Shutdown waits up to budget for in-flight dispatches to settle. It does
// not itself stop new dispatches (stopping the Poller ends the ticks that
// make them), and it does not cancel subtasks already in flight (spec.md
// §5: "outstanding subtasks are not force-cancelled").
func (e *Engine) Shutdown(budget time.Duration) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(budget):
		log.Warn().Msg("[ENGINE] shutdown timed out waiting for in-flight dispatches, continuing")
	}
}
