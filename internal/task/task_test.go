// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package task

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uchouT/qb-downloader/internal/domain"
	"github.com/uchouT/qb-downloader/internal/partition"
)

func newTestTask() *Task {
	order := []partition.Part{{0, 1}, {2}}
	return New("c12fe1c06bba254a9dc9f519b335aa7c1367a88a", "Example", "Example", "/downloads", "remote:/backup", "/cache/c12f....torrent", 3, order, 1<<30, 2.0, 3600)
}

func TestNew_StartsPausedWithRcloneUploader(t *testing.T) {
	tk := newTestTask()
	assert.Equal(t, domain.StatusPaused, tk.Status())
	assert.Equal(t, 0, tk.CurrentPartNum())
	assert.Equal(t, domain.UploaderKindRclone, tk.Uploader().Type)
	assert.False(t, tk.Uploader().HasJob())
}

func TestAdvance_MovesToNextPart(t *testing.T) {
	tk := newTestTask()
	tk.SetStatus(domain.StatusFinished)

	got := tk.Advance()

	assert.Equal(t, domain.StatusDownloading, got)
	assert.Equal(t, 1, tk.CurrentPartNum())
}

func TestAdvance_LastPartReachesDone(t *testing.T) {
	tk := newTestTask()
	tk.Advance() // part 0 -> part 1 (last part, index 1)

	got := tk.Advance()

	assert.Equal(t, domain.StatusDone, got)
	assert.Equal(t, domain.StatusDone, tk.Status())
	assert.Nil(t, tk.Error())
}

func TestFailAndClearError(t *testing.T) {
	tk := newTestTask()

	tk.Fail(domain.RuntimeErrorDownload, assert.AnError)
	require.NotNil(t, tk.Error())
	assert.Equal(t, domain.RuntimeErrorDownload, tk.Error().Kind)
	assert.Equal(t, domain.StatusError, tk.Status())

	tk.ClearError()
	assert.Nil(t, tk.Error())
}

func TestUploaderJobRoundTrip(t *testing.T) {
	tk := newTestTask()

	tk.SetUploaderJob(42)
	require.True(t, tk.Uploader().HasJob())
	assert.Equal(t, 42, *tk.Uploader().Job)

	tk.ClearUploaderJob()
	assert.False(t, tk.Uploader().HasJob())
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	tk := newTestTask()
	tk.SetStatus(domain.StatusOnTask)
	tk.UpdateProgress(0.5, false)
	tk.SetUploaderJob(7)

	data, err := json.Marshal(tk)
	require.NoError(t, err)

	var got Task
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, tk.Hash, got.Hash)
	assert.Equal(t, tk.Name, got.Name)
	assert.Equal(t, tk.TaskOrder, got.TaskOrder)
	assert.Equal(t, domain.StatusOnTask, got.Status())
	assert.Equal(t, 0.5, got.State().Progress)

	// The volatile job handle is never round-tripped (spec.md §8: "modulo
	// the volatile Rclone job id, which may be null after round-trip").
	assert.False(t, got.Uploader().HasJob())
}

func TestCurrentPart(t *testing.T) {
	tk := newTestTask()
	assert.Equal(t, partition.Part{0, 1}, tk.CurrentPart())

	tk.Advance()
	assert.Equal(t, partition.Part{2}, tk.CurrentPart())
}
