// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// UploaderKind names the upload backend a task targets. Rclone is the only
// variant today; the tagged-struct shape anticipates others behind the same
// start/status operation pair without changing the Task wire format.
type UploaderKind string

const (
	UploaderKindRclone UploaderKind = "Rclone"
)

// Uploader is the tagged variant naming the upload adapter for a task and,
// while a job is in flight, the adapter-specific handle for it. Job is
// nullable and volatile: it is meaningless across a restart, since the
// remote daemon's own job ids are not guaranteed stable.
type Uploader struct {
	Type UploaderKind `json:"type"`
	Job  *int         `json:"job"`
}

func NewRcloneUploader() Uploader {
	return Uploader{Type: UploaderKindRclone}
}

// WithJob returns a copy of u carrying job as its in-flight handle.
func (u Uploader) WithJob(job int) Uploader {
	u.Job = &job
	return u
}

// Cleared returns a copy of u with no in-flight job handle.
func (u Uploader) Cleared() Uploader {
	u.Job = nil
	return u
}

// HasJob reports whether a job handle is currently recorded.
func (u Uploader) HasJob() bool {
	return u.Job != nil
}
