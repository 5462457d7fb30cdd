// Copyright 2025 The Dreambot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package imagegen talks to a self-hosted image generation server.
//
// The server exposes a small HTTP API plus a WebSocket channel streaming
// per-task progress events. Generation is asynchronous: a POST returns a
// task id, then the task is followed over the stream or by polling.
package imagegen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dreamlab/dreambot/internal"
	"github.com/maruel/httpjson"
)

// ErrSubmission means the server refused or failed to accept a new task.
// The job never existed so it is safe for the caller to try elsewhere.
var ErrSubmission = errors.New("failed to submit generation task")

// Per-call deadlines. Generation itself is long-lived but every individual
// HTTP exchange is short; a stalled connection must never hold a caller.
const (
	submitTimeout = 30 * time.Second
	statusTimeout = 10 * time.Second
	imageTimeout  = 2 * time.Minute
)

// Options for New.
type Options struct {
	// Remote is the host:port of the image generation server.
	Remote string

	_ struct{}
}

// Request is one generation to run. Immutable once submitted.
type Request struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Model          string  `json:"model,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	Steps          int     `json:"steps,omitempty"`
	CfgScale       float64 `json:"cfg_scale,omitempty"`
	Seed           int64   `json:"seed,omitempty"`
	Sampler        string  `json:"sampler,omitempty"`
	Eta            float64 `json:"eta,omitempty"`

	// Quality and performance toggles, passed through verbatim.
	AttentionSlicing  bool `json:"attention_slicing,omitempty"`
	VAESlicing        bool `json:"vae_slicing,omitempty"`
	CPUOffload        bool `json:"cpu_offload,omitempty"`
	EnhanceSharpness  bool `json:"enhance_sharpness,omitempty"`
	EnhanceContrast   bool `json:"enhance_contrast,omitempty"`
	EnhanceColor      bool `json:"enhance_color,omitempty"`
	EnhanceBrightness bool `json:"enhance_brightness,omitempty"`
	UnsharpMask       bool `json:"unsharp_mask,omitempty"`
}

// Model describes one checkpoint the server can load.
type Model struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Resolution  string  `json:"resolution"`
	MemoryGB    float64 `json:"memory_gb"`
	Device      string  `json:"device"`
	Error       string  `json:"error"`
}

// Available returns true when the server reports the model loadable.
func (m *Model) Available() bool {
	return m.Error == "" && m.Device != ""
}

// Client drives one image generation server.
//
// It owns the health cache and the pending wait table so concurrent
// generations from multiple users never share state through globals.
type Client struct {
	baseURL string
	wsURL   string
	health  healthCache

	submitTimeout time.Duration
	statusTimeout time.Duration
	imageTimeout  time.Duration

	mu      sync.Mutex
	waits   map[string]*pendingWait
	watches map[string]*watcher
	// done holds terminal results that arrived before anyone was waiting,
	// so a Watch that resolves instantly still hands its result to the
	// upcoming Await.
	done map[string]parkedResult
}

// New returns a client for the server at opts.Remote.
func New(ctx context.Context, opts *Options) (*Client, error) {
	if !internal.IsHostPort(opts.Remote) {
		return nil, fmt.Errorf("invalid remote %q; use form 'host:port'", opts.Remote)
	}
	c := &Client{
		baseURL:       "http://" + opts.Remote,
		wsURL:         "ws://" + opts.Remote,
		submitTimeout: submitTimeout,
		statusTimeout: statusTimeout,
		imageTimeout:  imageTimeout,
		waits:         map[string]*pendingWait{},
		watches:       map[string]*watcher{},
		done:          map[string]parkedResult{},
	}
	internal.Logger(ctx).Info("ig", "state", "configured", "url", c.baseURL)
	return c, nil
}

// Generate submits a new task and returns its id. The exchange is bounded
// by submitTimeout.
//
// No retry here. Whether to try again, or somewhere else, is the caller's
// call.
func (c *Client) Generate(ctx context.Context, req *Request) (string, error) {
	start := time.Now()
	slog.Info("ig", "prompt", req.Prompt, "model", req.Model, "steps", req.Steps)
	out := struct {
		TaskID  string `json:"task_id"`
		Status  string `json:"status"`
		Message string `json:"message"`
	}{}
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()
	if err := httpjson.DefaultClient.Post(ctx, c.baseURL+"/generate", nil, req, &out); err != nil {
		slog.Error("ig", "prompt", req.Prompt, "error", err, "duration", time.Since(start).Round(time.Millisecond))
		return "", fmt.Errorf("%w: %w", ErrSubmission, err)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("%w: response carried no task id", ErrSubmission)
	}
	slog.Info("ig", "task", out.TaskID, "status", out.Status, "duration", time.Since(start).Round(time.Millisecond))
	return out.TaskID, nil
}

// TaskStatus polls the current state of a task.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (*ProgressEvent, error) {
	p := &ProgressEvent{}
	if err := c.get(ctx, "/task/"+taskID, p); err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", taskID, err)
	}
	p.normalize()
	return p, nil
}

// Models lists the checkpoints known to the server.
func (c *Client) Models(ctx context.Context) (map[string]Model, error) {
	m := map[string]Model{}
	if err := c.get(ctx, "/models", &m); err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	return m, nil
}

// Cancel asks the server to stop a running task. Best effort: a false
// return does not mean the task is still running, only that the server
// never acknowledged. The caller must stop listening either way.
func (c *Client) Cancel(ctx context.Context, taskID string) bool {
	if c.cancelReq(ctx, "DELETE", c.baseURL+"/task/"+taskID) {
		return true
	}
	// Older server versions only had the POST form.
	return c.cancelReq(ctx, "POST", c.baseURL+"/task/"+taskID+"/cancel")
}

// Image fetches the raw bytes of output n of a completed task.
func (c *Client) Image(ctx context.Context, taskID string, n int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.imageTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/image/"+taskID+"/"+strconv.Itoa(n), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch image: status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image: %w", err)
	}
	return b, nil
}

// Close tears down every active watcher.
func (c *Client) Close() error {
	c.mu.Lock()
	ws := make([]*watcher, 0, len(c.watches))
	for _, w := range c.watches {
		ws = append(ws, w)
	}
	c.mu.Unlock()
	for _, w := range ws {
		w.stop()
	}
	return nil
}

//

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()
	return httpjson.DefaultClient.Get(ctx, c.baseURL+path, nil, out)
}

func (c *Client) cancelReq(ctx context.Context, method, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		slog.Warn("ig", "cancel", url, "error", err)
		return false
	}
	out := struct {
		Message string `json:"message"`
	}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("ig", "cancel", url, "status", resp.StatusCode, "message", out.Message)
		return false
	}
	slog.Info("ig", "cancel", url, "message", out.Message)
	return true
}
