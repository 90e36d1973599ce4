// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rclone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds the options for constructing a Client, grounded on the
// teacher's pkg/prowlarr.Client shape: a small hand-rolled JSON HTTP
// client with a configurable timeout and user agent, since no Rclone-rc
// specific Go client exists anywhere in the retrieval pack.
type Config struct {
	Host       string
	User       string
	Pass       string
	Timeout    time.Duration
	HTTPClient *http.Client
	UserAgent  string
}

// Client is a minimal wrapper around Rclone's "rc" remote-control HTTP
// API: POST-only, JSON request and response bodies, basic auth.
type Client struct {
	host       string
	user       string
	pass       string
	httpClient *http.Client
	userAgent  string
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = "qbd"
	}

	return &Client{
		host:       strings.TrimRight(cfg.Host, "/"),
		user:       cfg.User,
		pass:       cfg.Pass,
		httpClient: client,
		userAgent:  ua,
	}
}

// call POSTs params as a JSON body to the rc endpoint and decodes the JSON
// response into out.
func (c *Client) call(ctx context.Context, endpoint string, params map[string]any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode rclone request: %w", err)
	}

	target, err := url.JoinPath(c.host, endpoint)
	if err != nil {
		return fmt.Errorf("build rclone endpoint: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rclone request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: rclone returned status %d", ErrRequestFailed, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode rclone response: %w", err)
	}
	return nil
}

// StartCopy submits an async sync/copy job, matching spec.md §6's
// "asynchronous copy with createEmptySrcDirs=true".
func (c *Client) StartCopy(ctx context.Context, src, dst string) (int, error) {
	var resp struct {
		JobID int `json:"jobid"`
	}
	params := map[string]any{
		"srcFs":              src,
		"dstFs":              dst,
		"createEmptySrcDirs": true,
		"_async":             true,
	}
	if err := c.call(ctx, "sync/copy", params, &resp); err != nil {
		return 0, err
	}
	return resp.JobID, nil
}

// JobStatus polls job/status for jobID.
func (c *Client) JobStatus(ctx context.Context, jobID int) (JobStatus, error) {
	var resp struct {
		Finished bool   `json:"finished"`
		Success  bool   `json:"success"`
		Error    string `json:"error"`
	}
	params := map[string]any{"jobid": jobID}
	if err := c.call(ctx, "job/status", params, &resp); err != nil {
		return JobStatus{}, err
	}
	return JobStatus{Finished: resp.Finished, Success: resp.Success, Error: resp.Error}, nil
}

// ProbeVersion confirms connectivity and credentials against core/version.
func (c *Client) ProbeVersion(ctx context.Context) (bool, error) {
	var resp struct {
		Version string `json:"version"`
	}
	if err := c.call(ctx, "core/version", map[string]any{}, &resp); err != nil {
		return false, err
	}
	return resp.Version != "", nil
}

var _ Adapter = (*Client)(nil)
