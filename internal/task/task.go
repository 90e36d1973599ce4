// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package task defines the Task record owned by the persistent store: its
// immutable plan, its mutable state block, and the locking discipline that
// lets the poller dispatch per-task work without holding the store lock.
package task

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/uchouT/qb-downloader/internal/domain"
	"github.com/uchouT/qb-downloader/internal/partition"
)

// State is the mutable block of a Task, guarded by Task.mu.
type State struct {
	CurrentPartNum int           `json:"currentPartNum"`
	Status         domain.Status `json:"status"`
	IsSeeding      bool          `json:"isSeeding"`
	Progress       float64       `json:"progress"`
}

// Task is a single torrent's download/upload plan plus its live state. All
// fields below the State block are immutable after New: the part plan never
// changes once computed, per spec.md's "part plan is fixed at creation".
//
// A *Task is always handed out as a shared reference: PersistentStore.Get
// and Snapshot return the same pointer every caller holds, so state changes
// made by the poller are visible without re-fetching from the store.
type Task struct {
	Hash             string           `json:"hash"`
	Name             string           `json:"name"`
	RootDir          string           `json:"rootDir"`
	SavePath         string           `json:"savePath"`
	UploadPath       string           `json:"uploadPath"`
	TorrentCachePath string           `json:"torrentCachePath"`
	FileNum          int              `json:"fileNum"`
	TaskOrder        []partition.Part `json:"taskOrder"`
	TotalPartNum     int              `json:"totalPartNum"`
	MaxSize          int64            `json:"maxSize"`
	RatioLimit       float64          `json:"ratioLimit"`
	SeedingTimeLimit int64            `json:"seedingTimeLimit"`

	mu    sync.RWMutex
	state State

	uploader atomic.Pointer[domain.Uploader]
	errInfo  atomic.Pointer[domain.RuntimeError]
}

// New constructs a task in StatusPaused. The caller is responsible for
// immediately calling Engine.Add to launch part 0, per
// spec.md §4.4's "a new task enters Paused after creation".
func New(hash, name, rootDir, savePath, uploadPath, torrentCachePath string, fileNum int, order []partition.Part, maxSize int64, ratioLimit float64, seedingTimeLimit int64) *Task {
	t := &Task{
		Hash:             hash,
		Name:             name,
		RootDir:          rootDir,
		SavePath:         savePath,
		UploadPath:       uploadPath,
		TorrentCachePath: torrentCachePath,
		FileNum:          fileNum,
		TaskOrder:        order,
		TotalPartNum:     len(order),
		MaxSize:          maxSize,
		RatioLimit:       ratioLimit,
		SeedingTimeLimit: seedingTimeLimit,
		state:            State{Status: domain.StatusPaused},
	}
	uploader := domain.NewRcloneUploader()
	t.uploader.Store(&uploader)
	return t
}

// State returns a copy of the current mutable state block.
func (t *Task) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Status returns the current status without copying the whole state block.
func (t *Task) Status() domain.Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Status
}

// CurrentPartNum returns the index of the part currently in progress.
func (t *Task) CurrentPartNum() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.CurrentPartNum
}

// CurrentPart returns the file indices of the part currently in progress.
func (t *Task) CurrentPart() partition.Part {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.TaskOrder[t.state.CurrentPartNum]
}

// SetStatus transitions the status under lock.
func (t *Task) SetStatus(s domain.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Status = s
}

// UpdateProgress records qBittorrent-reported progress and seeding flag
// without altering status.
func (t *Task) UpdateProgress(progress float64, isSeeding bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Progress = progress
	t.state.IsSeeding = isSeeding
}

// Advance moves to the next part and returns the new status: StatusDone if
// the plan is exhausted, StatusDownloading otherwise. Caller must arrange
// the qBittorrent side effects (re-add, priorities, start) itself; Advance
// only updates bookkeeping.
func (t *Task) Advance() domain.Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.CurrentPartNum >= t.TotalPartNum-1 {
		t.state.Status = domain.StatusDone
		t.errInfo.Store(nil)
		return domain.StatusDone
	}

	t.state.CurrentPartNum++
	t.state.Status = domain.StatusDownloading
	t.state.IsSeeding = false
	t.state.Progress = 0
	return domain.StatusDownloading
}

// Fail records a runtime error and transitions to StatusError.
func (t *Task) Fail(kind domain.RuntimeErrorKind, cause error) {
	t.errInfo.Store(domain.NewRuntimeError(kind, cause))
	t.mu.Lock()
	t.state.Status = domain.StatusError
	t.mu.Unlock()
}

// ClearError drops the recorded runtime error without changing status; the
// caller must set the appropriate status separately.
func (t *Task) ClearError() {
	t.errInfo.Store(nil)
}

// Error returns the task's current runtime error, or nil.
func (t *Task) Error() *domain.RuntimeError {
	return t.errInfo.Load()
}

// Uploader returns a copy of the current uploader tagged value.
func (t *Task) Uploader() domain.Uploader {
	return *t.uploader.Load()
}

// SetUploaderJob records the in-flight upload job handle.
func (t *Task) SetUploaderJob(job int) {
	u := t.Uploader().WithJob(job)
	t.uploader.Store(&u)
}

// ClearUploaderJob drops the in-flight upload job handle.
func (t *Task) ClearUploaderJob() {
	u := t.Uploader().Cleared()
	t.uploader.Store(&u)
}

// record is the wire shape for MarshalJSON/UnmarshalJSON: the plan fields,
// the state block's fields and the error/uploader slots side by side, under
// the camelCase keys in the tags below. The state block is not nested under
// a key of its own, and the uploader's job id is always written as null.
type record struct {
	Hash             string           `json:"hash"`
	Name             string           `json:"name"`
	RootDir          string           `json:"rootDir"`
	SavePath         string           `json:"savePath"`
	UploadPath       string           `json:"uploadPath"`
	TorrentCachePath string           `json:"torrentCachePath"`
	FileNum          int              `json:"fileNum"`
	TaskOrder        []partition.Part `json:"taskOrder"`
	TotalPartNum     int              `json:"totalPartNum"`
	MaxSize          int64            `json:"maxSize"`
	RatioLimit       float64          `json:"ratioLimit"`
	SeedingTimeLimit int64            `json:"seedingTimeLimit"`

	CurrentPartNum int           `json:"currentPartNum"`
	Status         domain.Status `json:"status"`
	IsSeeding      bool          `json:"isSeeding"`
	Progress       float64       `json:"progress"`

	Uploader  domain.Uploader      `json:"uploader"`
	ErrorInfo *domain.RuntimeError `json:"errorInfo"`
}

func (t *Task) MarshalJSON() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	uploader := t.Uploader().Cleared()
	r := record{
		Hash:             t.Hash,
		Name:             t.Name,
		RootDir:          t.RootDir,
		SavePath:         t.SavePath,
		UploadPath:       t.UploadPath,
		TorrentCachePath: t.TorrentCachePath,
		FileNum:          t.FileNum,
		TaskOrder:        t.TaskOrder,
		TotalPartNum:     t.TotalPartNum,
		MaxSize:          t.MaxSize,
		RatioLimit:       t.RatioLimit,
		SeedingTimeLimit: t.SeedingTimeLimit,
		CurrentPartNum:   t.state.CurrentPartNum,
		Status:           t.state.Status,
		IsSeeding:        t.state.IsSeeding,
		Progress:         t.state.Progress,
		Uploader:         uploader,
		ErrorInfo:        t.errInfo.Load(),
	}
	return json.Marshal(r)
}

func (t *Task) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.Hash = r.Hash
	t.Name = r.Name
	t.RootDir = r.RootDir
	t.SavePath = r.SavePath
	t.UploadPath = r.UploadPath
	t.TorrentCachePath = r.TorrentCachePath
	t.FileNum = r.FileNum
	t.TaskOrder = r.TaskOrder
	t.TotalPartNum = r.TotalPartNum
	t.MaxSize = r.MaxSize
	t.RatioLimit = r.RatioLimit
	t.SeedingTimeLimit = r.SeedingTimeLimit
	t.state = State{
		CurrentPartNum: r.CurrentPartNum,
		Status:         r.Status,
		IsSeeding:      r.IsSeeding,
		Progress:       r.Progress,
	}

	uploader := r.Uploader.Cleared()
	t.uploader.Store(&uploader)
	t.errInfo.Store(r.ErrorInfo)

	return nil
}
