// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rclone adapts the core engine to a running Rclone rc daemon.
// Per spec.md §6 this is a capability interface over Rclone's async
// sync/copy job API; wire details are this adapter's concern alone.
package rclone

import (
	"context"
	"errors"
)

// Adapter is the Rclone capability surface the task engine consumes.
type Adapter interface {
	StartCopy(ctx context.Context, src, dst string) (jobID int, err error)
	JobStatus(ctx context.Context, jobID int) (JobStatus, error)
	ProbeVersion(ctx context.Context) (bool, error)
}

// JobStatus mirrors the subset of Rclone's job/status response the engine
// needs: whether the job has finished and, if so, whether it succeeded.
type JobStatus struct {
	Finished bool
	Success  bool
	Error    string
}

var ErrRequestFailed = errors.New("rclone: request failed")
