// Copyright 2025 The Dreambot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dreamlab/dreambot"
	"github.com/dreamlab/dreambot/imagegen"
	"github.com/google/go-cmp/cmp"
)

func TestOptionsToStruct(t *testing.T) {
	opts := []*discordgo.ApplicationCommandInteractionDataOption{
		{Name: "prompt", Type: discordgo.ApplicationCommandOptionString, Value: "a cat"},
		{Name: "steps", Type: discordgo.ApplicationCommandOptionInteger, Value: 25.},
		{Name: "cfg_scale", Type: discordgo.ApplicationCommandOptionNumber, Value: 4.5},
		{Name: "eta", Type: discordgo.ApplicationCommandOptionNumber, Value: 0.8},
		{Name: "vae_slicing", Type: discordgo.ApplicationCommandOptionBoolean, Value: true},
	}
	got := struct {
		Prompt     string  `json:"prompt"`
		Steps      int     `json:"steps"`
		CfgScale   float64 `json:"cfg_scale"`
		Eta        float64 `json:"eta"`
		VAESlicing bool    `json:"vae_slicing"`
		Width      int     `json:"width"`
	}{Width: 1024}
	if err := optionsToStruct(opts, &got); err != nil {
		t.Fatal(err)
	}
	if got.Prompt != "a cat" || got.Steps != 25 || got.CfgScale != 4.5 || got.Eta != 0.8 || !got.VAESlicing {
		t.Fatalf("got %+v", got)
	}
	// Absent options keep their preset.
	if got.Width != 1024 {
		t.Fatalf("width = %d; want 1024", got.Width)
	}
}

func TestRenderError(t *testing.T) {
	data := []struct {
		name string
		err  error
		want string
	}{
		{
			"cancelled",
			&dreambot.Error{Kind: dreambot.KindCancelled, Reason: "generation cancelled"},
			"Cancelled",
		},
		{
			"oom",
			&dreambot.Error{Kind: dreambot.KindResourceExhausted, Reason: "CUDA out of memory"},
			"smaller resolution",
		},
		{
			"policy",
			&dreambot.Error{Kind: dreambot.KindContentPolicy, Reason: "nudity"},
			"refused this prompt",
		},
		{
			"network",
			&dreambot.Error{Kind: dreambot.KindNetwork, Reason: "timed out"},
			"try again later",
		},
		{
			"validation",
			&dreambot.Error{Kind: dreambot.KindValidation, Reason: "a prompt is required"},
			"Invalid request",
		},
		{
			"other",
			&dreambot.Error{Kind: dreambot.KindProcessingFailed, Reason: "sampler blew up"},
			"Image generation failed",
		},
	}
	for _, line := range data {
		t.Run(line.name, func(t *testing.T) {
			if got := renderError(line.err); !strings.Contains(got, line.want) {
				t.Fatalf("renderError() = %q; want substring %q", got, line.want)
			}
		})
	}
}

func TestProgressEmbed(t *testing.T) {
	ev := &imagegen.ProgressEvent{
		TaskID:      "t1",
		Status:      imagegen.Processing,
		Message:     "denoising",
		Progress:    50,
		CurrentStep: 10,
		TotalSteps:  20,
		StepsPerSec: 2,
		ETA:         5 * time.Second,
		Performance: &imagegen.Performance{Device: "cuda", CPUPercent: 40, MemoryUsedGB: 6.2, MemoryTotalGB: 24},
	}
	e := progressEmbed(ev)
	got := map[string]string{}
	for _, f := range e.Fields {
		got[f.Name] = f.Value
	}
	want := map[string]string{
		"Progress": "50%",
		"Step":     "10/20",
		"Speed":    "2.0 steps/s, ~5s left",
		"Server":   "cuda; CPU 40%; memory 6.2/24.0GB",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal(diff)
	}
	// Bare event renders only the progress field.
	e = progressEmbed(&imagegen.ProgressEvent{Progress: 10})
	if len(e.Fields) != 1 {
		t.Fatalf("fields = %d; want 1", len(e.Fields))
	}
}

func TestEscapeMarkdown(t *testing.T) {
	data := []struct {
		in   string
		want string
	}{
		{"italic_text", `italic\_text`},
		{"*bold*", `\*bold\*`},
		{"plain", "plain"},
	}
	for _, line := range data {
		if got := escapeMarkdown(line.in); got != line.want {
			t.Errorf("escapeMarkdown(%q) = %q; want %q", line.in, got, line.want)
		}
	}
}
