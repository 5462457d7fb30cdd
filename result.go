// Copyright 2025 The Dreambot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package dreambot

import (
	"fmt"
	"strings"

	"github.com/dreamlab/dreambot/imagegen"
	"github.com/dreamlab/dreambot/webhook"
)

// Metadata describes how a result was produced, for the UI to render.
type Metadata struct {
	Model    string
	Provider string
	// ExecutionSec is nil when the backend did not report a duration.
	ExecutionSec *float64
	Width        int
	Height       int
	Steps        int
	CfgScale     float64
	Seed         int64
	Prompt       string
	RequestID    string
}

// Result is one finished generation. Exactly one of Image and ImageURL is
// set. Immutable once returned; the caller owns it.
type Result struct {
	Image    []byte
	ImageURL string
	Metadata Metadata
}

// resultFromTask maps a terminal local task event to a Result or an *Error.
// The image bytes are fetched separately by the orchestrator; this only
// judges the terminal state.
func resultFromTask(ev *imagegen.ProgressEvent, req *imagegen.Request, requestID string) (*Result, *Error) {
	switch ev.Status {
	case imagegen.Cancelled:
		return nil, &Error{Kind: KindCancelled, Reason: "generation cancelled"}
	case imagegen.Failed:
		if isOutOfMemory(ev.Message) {
			return nil, &Error{Kind: KindResourceExhausted, Reason: ev.Message}
		}
		reason := ev.Message
		if reason == "" {
			reason = "the image server reported a failure"
		}
		return nil, &Error{Kind: KindProcessingFailed, Reason: reason}
	case imagegen.Completed:
		if len(ev.OutputPaths) == 0 {
			// A completion with nothing to show is a failure, not an empty
			// success.
			return nil, &Error{Kind: KindProcessingFailed, Reason: "the image server completed without producing an image"}
		}
	default:
		return nil, &Error{Kind: KindProcessingFailed, Reason: fmt.Sprintf("unexpected terminal status %q", ev.Status)}
	}
	m := Metadata{
		Model:     req.Model,
		Provider:  "local",
		Width:     req.Width,
		Height:    req.Height,
		Steps:     req.Steps,
		CfgScale:  req.CfgScale,
		Seed:      req.Seed,
		Prompt:    req.Prompt,
		RequestID: requestID,
	}
	if ev.GenerationTime > 0 {
		t := ev.GenerationTime
		m.ExecutionSec = &t
	}
	return &Result{Metadata: m}, nil
}

// resultFromWebhook maps a webhook answer to a Result.
func resultFromWebhook(wr *webhook.Result, req *imagegen.Request, requestID string) *Result {
	if wr.RequestID != "" {
		requestID = wr.RequestID
	}
	w, h := parseSize(wr.Size)
	return &Result{
		Image:    wr.Image,
		ImageURL: wr.ImageURL,
		Metadata: Metadata{
			Model:     wr.Model,
			Provider:  providerLabel(wr.Provider),
			Width:     w,
			Height:    h,
			Steps:     wr.Steps,
			CfgScale:  wr.Cfg,
			Seed:      wr.Seed,
			Prompt:    req.Prompt,
			RequestID: requestID,
		},
	}
}

func providerLabel(p string) string {
	if p == "" {
		return "webhook"
	}
	return p
}

// parseSize splits a "WxH" string. Zeroes when it doesn't parse.
func parseSize(s string) (int, int) {
	var w, h int
	if n, err := fmt.Sscanf(strings.ToLower(s), "%dx%d", &w, &h); err != nil || n != 2 {
		return 0, 0
	}
	return w, h
}

// isOutOfMemory sniffs backend failure text for memory exhaustion so the UI
// can suggest lowering resolution or steps instead of a plain failure.
func isOutOfMemory(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "out of memory") ||
		strings.Contains(m, "cuda oom") ||
		strings.Contains(m, "oom killed") ||
		strings.Contains(m, "allocation failed")
}
