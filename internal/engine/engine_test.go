// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uchouT/qb-downloader/internal/domain"
	"github.com/uchouT/qb-downloader/internal/partition"
	"github.com/uchouT/qb-downloader/internal/qbittorrent"
	"github.com/uchouT/qb-downloader/internal/rclone"
	"github.com/uchouT/qb-downloader/internal/store"
	"github.com/uchouT/qb-downloader/internal/task"
)

// fakeQB is a minimal in-memory stand-in for qbittorrent.Adapter.
type fakeQB struct {
	mu       sync.Mutex
	torrents map[string]qbittorrent.TorrentStatus
	deleted  map[string]bool
	starts   int
}

func newFakeQB() *fakeQB {
	return &fakeQB{torrents: map[string]qbittorrent.TorrentStatus{}, deleted: map[string]bool{}}
}

func (f *fakeQB) Login(ctx context.Context) error { return nil }
func (f *fakeQB) IsLoggedIn() bool                { return true }
func (f *fakeQB) GetVersion() string              { return "5.0" }

func (f *fakeQB) AddByBytes(ctx context.Context, filename, savePath string, data []byte, tag string) error {
	return nil
}
func (f *fakeQB) AddByURL(ctx context.Context, url, savePath, tag string) error { return nil }
func (f *fakeQB) AddByFile(ctx context.Context, cachePath, savePath string, ratioLimit float64, seedingTimeLimit int64) error {
	return nil
}
func (f *fakeQB) HashOfRecentWithTag(ctx context.Context, tag string) (string, error) {
	return "", nil
}
func (f *fakeQB) AddTag(ctx context.Context, hash, tag string) error    { return nil }
func (f *fakeQB) RemoveTag(ctx context.Context, hash, tag string) error { return nil }
func (f *fakeQB) Start(ctx context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}
func (f *fakeQB) Stop(ctx context.Context, hash string) error { return nil }
func (f *fakeQB) Delete(ctx context.Context, hash string, deleteFiles bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[hash] = true
	delete(f.torrents, hash)
	return nil
}
func (f *fakeQB) SetFilePriority(ctx context.Context, hash string, priority int, indices []int) error {
	return nil
}
func (f *fakeQB) SetShareLimit(ctx context.Context, hash string, ratio float64, seedingTime int64) error {
	return nil
}
func (f *fakeQB) GetState(ctx context.Context, hash string) (string, error) { return "", nil }
func (f *fakeQB) GetTorrentInfo(ctx context.Context, category string) ([]qbittorrent.TorrentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]qbittorrent.TorrentStatus, 0, len(f.torrents))
	for _, v := range f.torrents {
		out = append(out, v)
	}
	return out, nil
}
func (f *fakeQB) GetTagTorrentList(ctx context.Context, tag string) ([]string, error) { return nil, nil }
func (f *fakeQB) Export(ctx context.Context, hash string) ([]byte, error)             { return nil, nil }

func (f *fakeQB) setState(hash, state string, progress float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.torrents[hash] = qbittorrent.TorrentStatus{Hash: hash, State: state, Progress: progress}
}

func (f *fakeQB) clearTorrent(hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.torrents, hash)
}

var _ qbittorrent.Adapter = (*fakeQB)(nil)

// fakeRclone is a minimal in-memory stand-in for rclone.Adapter.
type fakeRclone struct {
	nextJob   int32
	jobStatus map[int]rclone.JobStatus
	mu        sync.Mutex
}

func newFakeRclone() *fakeRclone {
	return &fakeRclone{jobStatus: map[int]rclone.JobStatus{}}
}

func (r *fakeRclone) StartCopy(ctx context.Context, src, dst string) (int, error) {
	id := int(atomic.AddInt32(&r.nextJob, 1))
	r.mu.Lock()
	r.jobStatus[id] = rclone.JobStatus{}
	r.mu.Unlock()
	return id, nil
}

func (r *fakeRclone) JobStatus(ctx context.Context, jobID int) (rclone.JobStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobStatus[jobID], nil
}

func (r *fakeRclone) ProbeVersion(ctx context.Context) (bool, error) { return true, nil }

func (r *fakeRclone) finish(jobID int, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobStatus[jobID] = rclone.JobStatus{Finished: true, Success: success}
}

var _ rclone.Adapter = (*fakeRclone)(nil)

func newTestTask(hash string) *task.Task {
	return task.New(hash, "name", "root", "/save", "remote:dst", "/cache/"+hash+".torrent",
		2, []partition.Part{{0}, {1}}, 1<<30, 1.0, 3600)
}

func TestTickMarksTorrentNotFound(t *testing.T) {
	st := store.New(filepath.Join(t.TempDir(), "store.json"))
	qb := newFakeQB()
	eng := New(st, qb, newFakeRclone(), nil)

	tk := newTestTask("aaaa000000000000000000000000000000000a")
	tk.SetStatus(domain.StatusDownloading)
	require.NoError(t, st.Insert(tk))

	eng.Tick(context.Background())

	assert.Equal(t, domain.StatusError, tk.Status())
	require.NotNil(t, tk.Error())
	assert.Equal(t, domain.RuntimeErrorTorrentNotFound, tk.Error().Kind)
}

func TestTickLeavesTerminalTasksAlone(t *testing.T) {
	st := store.New(filepath.Join(t.TempDir(), "store.json"))
	qb := newFakeQB()
	eng := New(st, qb, newFakeRclone(), nil)

	tk := newTestTask("bbbb000000000000000000000000000000000b")
	tk.SetStatus(domain.StatusDone)
	require.NoError(t, st.Insert(tk))

	eng.Tick(context.Background())

	assert.Equal(t, domain.StatusDone, tk.Status())
}

func TestDispatchSkipsWhileBusy(t *testing.T) {
	st := store.New(filepath.Join(t.TempDir(), "store.json"))
	qb := newFakeQB()
	rc := newFakeRclone()
	eng := New(st, qb, rc, nil)

	tk := newTestTask("cccc000000000000000000000000000000000c")
	tk.SetStatus(domain.StatusDownloaded)
	require.NoError(t, st.Insert(tk))

	flag := eng.busyFlag(tk.Hash)
	flag.Store(true)

	eng.dispatch(context.Background(), tk)
	eng.wg.Wait()

	assert.Equal(t, domain.StatusDownloaded, tk.Status(), "dispatch must not run a second concurrent step")
}

func TestRunIntervalThenRunCheckAdvancesToFinished(t *testing.T) {
	st := store.New(filepath.Join(t.TempDir(), "store.json"))
	qb := newFakeQB()
	rc := newFakeRclone()
	eng := New(st, qb, rc, nil)

	tk := newTestTask("dddd000000000000000000000000000000000d")
	tk.SetStatus(domain.StatusDownloaded)
	require.NoError(t, st.Insert(tk))

	eng.runInterval(context.Background(), tk)
	require.Equal(t, domain.StatusOnTask, tk.Status())
	require.True(t, tk.Uploader().HasJob())

	rc.finish(*tk.Uploader().Job, true)

	eng.runCheck(context.Background(), tk)
	assert.Equal(t, domain.StatusFinished, tk.Status())
	assert.False(t, tk.Uploader().HasJob())
}

func TestRunCheckFailsOnUploadError(t *testing.T) {
	st := store.New(filepath.Join(t.TempDir(), "store.json"))
	qb := newFakeQB()
	rc := newFakeRclone()
	eng := New(st, qb, rc, nil)

	tk := newTestTask("eeee000000000000000000000000000000000e")
	tk.SetStatus(domain.StatusDownloaded)
	require.NoError(t, st.Insert(tk))

	eng.runInterval(context.Background(), tk)
	rc.finish(*tk.Uploader().Job, false)

	eng.runCheck(context.Background(), tk)
	assert.Equal(t, domain.StatusError, tk.Status())
	require.NotNil(t, tk.Error())
	assert.Equal(t, domain.RuntimeErrorRuntimeUpload, tk.Error().Kind)
	assert.True(t, tk.Error().Kind.Skippable())
}

func TestRecoverySkipAfterRuntimeUploadAdvancesPart(t *testing.T) {
	st := store.New(filepath.Join(t.TempDir(), "store.json"))
	qb := newFakeQB()
	rc := newFakeRclone()
	eng := New(st, qb, rc, nil)
	rec := NewRecoveryController(eng)

	tk := newTestTask("ffff000000000000000000000000000000000f")
	tk.SetStatus(domain.StatusOnTask)
	require.NoError(t, st.Insert(tk))
	tk.Fail(domain.RuntimeErrorRuntimeUpload, assertErr("upload broke"))

	require.NoError(t, rec.Skip(context.Background(), tk.Hash))

	assert.Equal(t, domain.StatusDownloading, tk.Status())
	assert.Equal(t, 1, tk.CurrentPartNum())
	assert.Nil(t, tk.Error())
	assert.True(t, qb.deleted[tk.Hash])
}

func TestRecoveryResumeAfterLaunchUploadGoesBackToDownloaded(t *testing.T) {
	st := store.New(filepath.Join(t.TempDir(), "store.json"))
	qb := newFakeQB()
	rc := newFakeRclone()
	eng := New(st, qb, rc, nil)
	rec := NewRecoveryController(eng)

	tk := newTestTask("1111000000000000000000000000000000000a")
	tk.SetStatus(domain.StatusDownloaded)
	require.NoError(t, st.Insert(tk))
	tk.Fail(domain.RuntimeErrorLaunchUpload, assertErr("rclone unreachable"))

	require.NoError(t, rec.Resume(context.Background(), tk.Hash))

	assert.Equal(t, domain.StatusDownloaded, tk.Status())
	assert.Nil(t, tk.Error())
}

func TestRecoverySkipRejectsNonSkippableKind(t *testing.T) {
	st := store.New(filepath.Join(t.TempDir(), "store.json"))
	qb := newFakeQB()
	rc := newFakeRclone()
	eng := New(st, qb, rc, nil)
	rec := NewRecoveryController(eng)

	tk := newTestTask("2222000000000000000000000000000000000b")
	tk.SetStatus(domain.StatusDownloading)
	require.NoError(t, st.Insert(tk))
	tk.Fail(domain.RuntimeErrorDownload, assertErr("tracker unreachable"))

	err := rec.Skip(context.Background(), tk.Hash)
	assert.ErrorIs(t, err, domain.ErrNotSkippable)
}

func TestRecoveryResumeAfterDownloadErrorDeletesAndRelaunches(t *testing.T) {
	st := store.New(filepath.Join(t.TempDir(), "store.json"))
	qb := newFakeQB()
	rc := newFakeRclone()
	eng := New(st, qb, rc, nil)
	rec := NewRecoveryController(eng)

	tk := newTestTask("4444000000000000000000000000000000000d")
	tk.SetStatus(domain.StatusDownloading)
	require.NoError(t, st.Insert(tk))
	tk.Fail(domain.RuntimeErrorDownload, assertErr("peer dropped mid-piece"))

	require.NoError(t, rec.Resume(context.Background(), tk.Hash))

	assert.True(t, qb.deleted[tk.Hash], "resume must delete the stalled torrent before re-adding it")
	assert.Equal(t, domain.StatusDownloading, tk.Status())
	assert.Equal(t, 0, tk.CurrentPartNum())
	assert.Nil(t, tk.Error())
}

func TestRecoveryStartFromPausedStartsTorrent(t *testing.T) {
	st := store.New(filepath.Join(t.TempDir(), "store.json"))
	qb := newFakeQB()
	rc := newFakeRclone()
	eng := New(st, qb, rc, nil)
	rec := NewRecoveryController(eng)

	tk := newTestTask("5555000000000000000000000000000000000e")
	tk.SetStatus(domain.StatusPaused)
	require.NoError(t, st.Insert(tk))

	require.NoError(t, rec.Start(context.Background(), tk.Hash, false))

	assert.Equal(t, domain.StatusDownloading, tk.Status())
	assert.Equal(t, 1, qb.starts)
}

func TestRecoveryStartFromErrorDelegatesToResume(t *testing.T) {
	st := store.New(filepath.Join(t.TempDir(), "store.json"))
	qb := newFakeQB()
	rc := newFakeRclone()
	eng := New(st, qb, rc, nil)
	rec := NewRecoveryController(eng)

	tk := newTestTask("6666000000000000000000000000000000000f")
	tk.SetStatus(domain.StatusDownloaded)
	require.NoError(t, st.Insert(tk))
	tk.Fail(domain.RuntimeErrorLaunchUpload, assertErr("rclone unreachable"))

	require.NoError(t, rec.Start(context.Background(), tk.Hash, false))

	assert.Equal(t, domain.StatusDownloaded, tk.Status())
	assert.Nil(t, tk.Error())
}

func TestRecoveryStartFromErrorForcedDelegatesToSkip(t *testing.T) {
	st := store.New(filepath.Join(t.TempDir(), "store.json"))
	qb := newFakeQB()
	rc := newFakeRclone()
	eng := New(st, qb, rc, nil)
	rec := NewRecoveryController(eng)

	tk := newTestTask("7777000000000000000000000000000000000a")
	tk.SetStatus(domain.StatusOnTask)
	require.NoError(t, st.Insert(tk))
	tk.Fail(domain.RuntimeErrorRuntimeUpload, assertErr("upload broke"))

	require.NoError(t, rec.Start(context.Background(), tk.Hash, true))

	assert.Equal(t, domain.StatusDownloading, tk.Status())
	assert.Equal(t, 1, tk.CurrentPartNum())
	assert.Nil(t, tk.Error())
}

func TestRecoveryStartFromOtherStatusIsInvalid(t *testing.T) {
	st := store.New(filepath.Join(t.TempDir(), "store.json"))
	qb := newFakeQB()
	rc := newFakeRclone()
	eng := New(st, qb, rc, nil)
	rec := NewRecoveryController(eng)

	tk := newTestTask("8888000000000000000000000000000000000b")
	tk.SetStatus(domain.StatusDownloading)
	require.NoError(t, st.Insert(tk))

	err := rec.Start(context.Background(), tk.Hash, false)
	assert.ErrorIs(t, err, domain.ErrInvalidStart)
}

func TestRecoveryStopPausesTorrent(t *testing.T) {
	st := store.New(filepath.Join(t.TempDir(), "store.json"))
	qb := newFakeQB()
	rc := newFakeRclone()
	eng := New(st, qb, rc, nil)
	rec := NewRecoveryController(eng)

	tk := newTestTask("9999000000000000000000000000000000000c")
	tk.SetStatus(domain.StatusDownloading)
	require.NoError(t, st.Insert(tk))

	require.NoError(t, rec.Stop(context.Background(), tk.Hash))

	assert.Equal(t, domain.StatusPaused, tk.Status())
}

func TestPollerTicksAndStops(t *testing.T) {
	st := store.New(filepath.Join(t.TempDir(), "store.json"))
	qb := newFakeQB()
	eng := New(st, qb, newFakeRclone(), nil)

	tk := newTestTask("3333000000000000000000000000000000000c")
	tk.SetStatus(domain.StatusDownloading)
	require.NoError(t, st.Insert(tk))

	p := NewPoller(eng, 5*time.Millisecond)
	p.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	p.Stop()

	assert.Equal(t, domain.StatusError, tk.Status())
}

// assertErr avoids importing "errors" just to build a sentinel in tests.
type testErr string

func (e testErr) Error() string { return string(e) }

func assertErr(msg string) error { return testErr(msg) }
