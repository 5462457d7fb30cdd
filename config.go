// Copyright 2025 The Dreambot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package dreambot implements the common code used by the discord bot: the
// configuration, the backend orchestration and the result shapes.
package dreambot

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dreamlab/dreambot/imagegen"
	"github.com/dreamlab/dreambot/webhook"
	"gopkg.in/yaml.v3"
)

// Default configuration with sane presets.
//
//go:embed default_config.yml
var DefaultConfig []byte

// Settings are the bot level generation defaults.
type Settings struct {
	DefaultModel    string  `yaml:"default_model"`
	DefaultWidth    int     `yaml:"default_width"`
	DefaultHeight   int     `yaml:"default_height"`
	DefaultSteps    int     `yaml:"default_steps"`
	DefaultCfgScale float64 `yaml:"default_cfg_scale"`
	// SuperUsers bypass webhook rate limits; passed through as a flag, the
	// webhook decides what it means.
	SuperUsers []string `yaml:"super_users"`
}

// Config defines the configuration format.
type Config struct {
	Bot struct {
		ImageGen imagegen.Options `yaml:"image_gen"`
		Webhook  webhook.Options  `yaml:"webhook"`
		Settings Settings         `yaml:"settings"`
	} `yaml:"bot"`
}

// Validate checks for obvious errors in the fields.
func (c *Config) Validate() error {
	if c.Bot.ImageGen.Remote == "" && c.Bot.Webhook.URL == "" {
		return errors.New("at least one of bot.image_gen.remote and bot.webhook.url is required")
	}
	s := &c.Bot.Settings
	if s.DefaultSteps < 0 || s.DefaultSteps > 150 {
		return fmt.Errorf("invalid settings.default_steps %d", s.DefaultSteps)
	}
	if s.DefaultWidth < 0 || s.DefaultWidth > 4096 || s.DefaultHeight < 0 || s.DefaultHeight > 4096 {
		return fmt.Errorf("invalid settings default size %dx%d", s.DefaultWidth, s.DefaultHeight)
	}
	return nil
}

// LoadOrDefault loads a config or write the default to disk.
func (c *Config) LoadOrDefault(config string) error {
	b, err := os.ReadFile(config)
	if os.IsNotExist(err) {
		b = DefaultConfig
		if err = os.WriteFile(config, b, 0o644); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
	}
	d := yaml.NewDecoder(bytes.NewReader(b))
	d.KnownFields(true)
	if err = d.Decode(c); err != nil {
		return fmt.Errorf("failed to read %q: %w", config, err)
	}
	return c.Validate()
}

// LoadBackends wires up the configured backends and probes them once so
// startup logs tell the operator what is reachable.
func LoadBackends(ctx context.Context, cfg *Config) (*Orchestrator, error) {
	start := time.Now()
	o := &Orchestrator{}
	if cfg.Bot.ImageGen.Remote != "" {
		ig, err := imagegen.New(ctx, &cfg.Bot.ImageGen)
		if err != nil {
			return nil, err
		}
		o.IG = ig
	}
	if cfg.Bot.Webhook.URL != "" {
		wh, err := webhook.New(&cfg.Bot.Webhook)
		if err != nil {
			return nil, err
		}
		o.WH = wh
	}
	if o.IG != nil {
		slog.Info("backends", "image_gen", cfg.Bot.ImageGen.Remote, "online", o.IG.IsOnline(ctx))
	}
	if o.WH != nil {
		slog.Info("backends", "webhook", "configured")
	}
	slog.Info("backends", "state", "ready", "duration", time.Since(start).Round(time.Millisecond))
	return o, nil
}
