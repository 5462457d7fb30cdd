// Copyright 2025 The Dreambot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package dreambot

import (
	"context"
	"errors"
	"net"
	"net/url"

	"github.com/dreamlab/dreambot/imagegen"
	"github.com/dreamlab/dreambot/webhook"
)

// Kind classifies a generation failure for the UI layer. The rendering text
// is the UI's job; the kind only decides which message family to use.
type Kind string

const (
	// KindValidation is a bad request shape. Not retryable.
	KindValidation Kind = "validation"
	// KindNetwork is a connection, timeout or HTTP level failure. The caller
	// may retry.
	KindNetwork Kind = "network"
	// KindSubmission means the local backend refused the job.
	KindSubmission Kind = "submission"
	// KindResourceExhausted is a backend reported out of memory condition.
	// Rendered with a hint to lower resolution or steps.
	KindResourceExhausted Kind = "resource_exhausted"
	// KindProcessingFailed is any other backend failure.
	KindProcessingFailed Kind = "processing_failed"
	// KindCancelled is a user or caller initiated stop.
	KindCancelled Kind = "cancelled"
	// KindContentPolicy is a content rejection from the hosted backend,
	// with its reason attached.
	KindContentPolicy Kind = "content_policy"
	// KindAPI is a malformed or unexpected remote response shape.
	KindAPI Kind = "api"
)

// Error is the one failure shape handed to the UI layer.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Reason + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError degrades any error to an *Error so nothing else ever escapes the
// orchestrator. Known failure modes keep their kind, the rest collapses to
// processing_failed.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var pe *webhook.PolicyError
	if errors.As(err, &pe) {
		return &Error{Kind: KindContentPolicy, Reason: pe.Reason, Err: err}
	}
	switch {
	case errors.Is(err, webhook.ErrBadResponse):
		return &Error{Kind: KindAPI, Reason: "the image service returned an unusable response", Err: err}
	case errors.Is(err, imagegen.ErrSubmission):
		return &Error{Kind: KindSubmission, Reason: "the image server did not accept the job", Err: err}
	case errors.Is(err, imagegen.ErrWaitTimeout):
		return &Error{Kind: KindNetwork, Reason: "timed out waiting for the image", Err: err}
	case errors.Is(err, imagegen.ErrAborted), errors.Is(err, context.Canceled):
		return &Error{Kind: KindCancelled, Reason: "generation cancelled", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindNetwork, Reason: "timed out talking to the backend", Err: err}
	}
	var ue *url.Error
	var ne net.Error
	if errors.As(err, &ue) || errors.As(err, &ne) {
		return &Error{Kind: KindNetwork, Reason: "could not reach the image service", Err: err}
	}
	return &Error{Kind: KindProcessingFailed, Reason: "image generation failed", Err: err}
}
