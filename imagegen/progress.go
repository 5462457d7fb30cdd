// Copyright 2025 The Dreambot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package imagegen

import (
	"math"
	"time"
)

// Status is the lifecycle state of a generation task as reported by the
// backend.
type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
	Cancelled  Status = "cancelled"
)

// Terminal returns true once no further events are expected for the task.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Performance is resource usage as sampled by the backend, not by us.
type Performance struct {
	Device        string  `json:"device"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	ModelLoaded   bool    `json:"model_loaded"`
}

// ImageStats describes the decoded output image.
type ImageStats struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Channels   int     `json:"channels"`
	Brightness float64 `json:"brightness"`
	Contrast   float64 `json:"contrast"`
	Color      struct {
		R float64 `json:"r"`
		G float64 `json:"g"`
		B float64 `json:"b"`
	} `json:"color"`
}

// ProgressEvent is one status snapshot for a task. Each event supersedes the
// previous one; only the terminal event may carry OutputPaths.
type ProgressEvent struct {
	TaskID         string       `json:"task_id"`
	Status         Status       `json:"status"`
	Message        string       `json:"message"`
	Progress       float64      `json:"progress"`
	CurrentStep    int          `json:"current_step"`
	TotalSteps     int          `json:"total_steps"`
	Performance    *Performance `json:"performance,omitempty"`
	ImageStats     *ImageStats  `json:"image_stats,omitempty"`
	OutputPaths    []string     `json:"output_paths,omitempty"`
	GenerationTime float64      `json:"generation_time,omitempty"`

	// Computed locally from recent step deltas, never sent by the backend.
	StepsPerSec float64       `json:"-"`
	ETA         time.Duration `json:"-"`
}

// normalize fixes up the progress value in place.
//
// Some backend versions report a 0-1 fraction, others a 0-100 percentage. A
// value in (0, 1] is assumed to be a fraction. This is ambiguous for a task
// reporting exactly 1% but there is no way to disambiguate on the wire.
func (p *ProgressEvent) normalize() {
	if math.IsNaN(p.Progress) || p.Progress < 0 {
		p.Progress = 0
	}
	if p.Progress > 0 && p.Progress <= 1 {
		p.Progress *= 100
	}
	if p.Progress > 100 {
		p.Progress = 100
	}
}

//

const rateSamples = 5

type rateSample struct {
	step int
	t    time.Time
}

// rateTracker estimates steps per second from the last few progress events.
type rateTracker struct {
	samples [rateSamples]rateSample
	n       int
}

func (r *rateTracker) add(step int, t time.Time) {
	if r.n > 0 && r.samples[(r.n-1)%rateSamples].step == step {
		// No forward movement, don't dilute the rate.
		return
	}
	r.samples[r.n%rateSamples] = rateSample{step: step, t: t}
	r.n++
}

// rate returns steps per second, or 0 when there's not enough data.
func (r *rateTracker) rate() float64 {
	if r.n < 2 {
		return 0
	}
	c := r.n
	if c > rateSamples {
		c = rateSamples
	}
	newest := r.samples[(r.n-1)%rateSamples]
	oldest := r.samples[(r.n-c)%rateSamples]
	d := newest.t.Sub(oldest.t)
	if d <= 0 {
		return 0
	}
	return float64(newest.step-oldest.step) / d.Seconds()
}

// eta returns the estimated time to finish the remaining steps, or 0 when
// unknown.
func (r *rateTracker) eta(current, total int) time.Duration {
	rate := r.rate()
	if rate <= 0 || total <= current {
		return 0
	}
	return time.Duration(float64(total-current) / rate * float64(time.Second))
}
