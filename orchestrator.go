// Copyright 2025 The Dreambot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package dreambot

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/dreamlab/dreambot/imagegen"
	"github.com/dreamlab/dreambot/webhook"
	"github.com/google/uuid"
)

// RequestMeta identifies who asked, for the webhook payload and logs.
type RequestMeta struct {
	UserID    string
	ChannelID string
	SuperUser bool
}

// Orchestrator routes a generation to the local server when it is up and
// falls back to the hosted webhook otherwise. Either backend may be absent.
type Orchestrator struct {
	IG *imagegen.Client
	WH *webhook.Client
}

// Generate runs one generation end to end and returns a Result or an
// *Error, never anything else.
//
// Routing: local when the health probe says online; webhook when it does
// not, or when the local submission is refused. Once a local job has been
// accepted there is no fallback anymore: the job may have had side effects
// and resubmitting it elsewhere would double them.
//
// events receives progress snapshots when non-nil. At most one terminal
// event is delivered on it; the channel is never closed by the
// orchestrator.
func (o *Orchestrator) Generate(ctx context.Context, req *imagegen.Request, meta RequestMeta, events chan<- imagegen.ProgressEvent) (res *Result, err error) {
	defer func() {
		// The UI layer renders errors, it must never see a panic.
		if v := recover(); v != nil {
			slog.Error("orch", "panic", v, "stack", string(debug.Stack()))
			res = nil
			err = &Error{Kind: KindProcessingFailed, Reason: "internal error"}
		}
		if err != nil {
			err = AsError(err)
		}
	}()
	if req == nil || req.Prompt == "" {
		return nil, &Error{Kind: KindValidation, Reason: "a prompt is required"}
	}
	requestID := uuid.NewString()
	start := time.Now()
	if o.IG != nil && o.IG.IsOnline(ctx) {
		taskID, serr := o.IG.Generate(ctx, req)
		if serr != nil {
			// The job never existed, trying the webhook is safe.
			slog.Warn("orch", "id", requestID, "message", "local submission refused, falling back", "error", serr)
			if o.WH == nil {
				return nil, serr
			}
			return o.generateWebhook(ctx, req, meta, requestID)
		}
		return o.awaitLocal(ctx, taskID, req, requestID, events, start)
	}
	if o.WH == nil {
		if o.IG == nil {
			return nil, &Error{Kind: KindValidation, Reason: "no backend configured"}
		}
		return nil, &Error{Kind: KindNetwork, Reason: "the image server is offline"}
	}
	return o.generateWebhook(ctx, req, meta, requestID)
}

// Cancel stops a local generation. It stops the watcher and rejects the
// in-flight wait before asking the server, so the user gets their answer
// immediately whether or not the server acknowledges. Best effort: false
// only means the server never said yes.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) bool {
	if o.IG == nil {
		return false
	}
	o.IG.StopWatch(taskID)
	o.IG.AbortWait(taskID)
	return o.IG.Cancel(ctx, taskID)
}

func (o *Orchestrator) awaitLocal(ctx context.Context, taskID string, req *imagegen.Request, requestID string, events chan<- imagegen.ProgressEvent, start time.Time) (*Result, error) {
	timeout, clamped := imagegen.EstimateTimeout(req.Steps, req.Width, req.Height, req.CfgScale)
	slog.Info("orch", "id", requestID, "task", taskID, "timeout", timeout, "clamped", clamped)
	if werr := o.IG.Watch(ctx, taskID, events); werr != nil {
		slog.Warn("orch", "id", requestID, "task", taskID, "error", werr)
	}
	defer o.IG.StopWatch(taskID)
	ev, err := o.IG.Await(ctx, taskID, timeout)
	if err != nil {
		return nil, err
	}
	res, terr := resultFromTask(ev, req, requestID)
	if terr != nil {
		return nil, terr
	}
	img, err := o.IG.Image(ctx, taskID, 0)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Reason: "the image was generated but could not be fetched", Err: err}
	}
	res.Image = img
	if res.Metadata.ExecutionSec == nil {
		t := time.Since(start).Seconds()
		res.Metadata.ExecutionSec = &t
	}
	slog.Info("orch", "id", requestID, "task", taskID, "provider", "local", "duration", time.Since(start).Round(time.Millisecond))
	return res, nil
}

func (o *Orchestrator) generateWebhook(ctx context.Context, req *imagegen.Request, meta RequestMeta, requestID string) (*Result, error) {
	start := time.Now()
	wr, err := o.WH.Generate(ctx, &webhook.Request{
		Prompt:      req.Prompt,
		UserID:      meta.UserID,
		ChannelID:   meta.ChannelID,
		IsSuperUser: meta.SuperUser,
	})
	if err != nil {
		slog.Error("orch", "id", requestID, "provider", "webhook", "error", err, "duration", time.Since(start).Round(time.Millisecond))
		return nil, err
	}
	slog.Info("orch", "id", requestID, "provider", "webhook", "duration", time.Since(start).Round(time.Millisecond))
	return resultFromWebhook(wr, req, requestID), nil
}
