// Copyright 2025 The Dreambot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package dreambot

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigLoadOrDefault(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yml")
	c := Config{}
	if err := c.LoadOrDefault(p); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(p); err != nil {
		t.Fatal("expected the default config to be written", err)
	}
	if c.Bot.Settings.DefaultWidth != 1024 || c.Bot.Settings.DefaultSteps != 30 {
		t.Fatalf("settings = %+v", c.Bot.Settings)
	}
	// Loading the file it just wrote round-trips.
	c2 := Config{}
	if err := c2.LoadOrDefault(p); err != nil {
		t.Fatal(err)
	}
}

func TestConfigUnknownField(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(p, []byte("bot:\n  imagegen:\n    remote: localhost:8000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := Config{}
	if err := c.LoadOrDefault(p); err == nil {
		t.Fatal("expected a decode error for the misspelled key")
	}
}

func TestConfigValidate(t *testing.T) {
	data := []struct {
		name string
		mut  func(c *Config)
	}{
		{"no backend", func(c *Config) {}},
		{"bad steps", func(c *Config) {
			c.Bot.ImageGen.Remote = "localhost:8000"
			c.Bot.Settings.DefaultSteps = 500
		}},
		{"bad size", func(c *Config) {
			c.Bot.ImageGen.Remote = "localhost:8000"
			c.Bot.Settings.DefaultWidth = 9000
		}},
	}
	for _, line := range data {
		t.Run(line.name, func(t *testing.T) {
			c := Config{}
			line.mut(&c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	c := Config{}
	c.Bot.Webhook.URL = "https://example.com/hook"
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
}
