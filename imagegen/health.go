// Copyright 2025 The Dreambot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package imagegen

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	healthTimeout     = 3 * time.Second
	healthTTL         = 30 * time.Second
	healthMinInterval = 5 * time.Second
)

type healthEntry struct {
	online      bool
	updated     time.Time
	lastSuccess time.Time
}

// healthCache bounds how often the server is probed. An entry expires after
// ttl, but probe attempts themselves are floored at minInterval: an expired
// entry keeps being served within minInterval of the last attempt, so bursty
// callers never hammer an unreachable server.
type healthCache struct {
	mu          sync.Mutex
	entry       *healthEntry
	lastProbe   time.Time
	ttl         time.Duration
	minInterval time.Duration
}

// IsOnline reports whether the server answers its health endpoint.
//
// Never returns an error: unreachable, timed out and malformed all count as
// offline. A failed probe with a previous entry keeps the last known value
// instead of flapping to offline.
func (c *Client) IsOnline(ctx context.Context) bool {
	h := &c.health
	h.mu.Lock()
	defer h.mu.Unlock()
	ttl := h.ttl
	if ttl == 0 {
		ttl = healthTTL
	}
	minInterval := h.minInterval
	if minInterval == 0 {
		minInterval = healthMinInterval
	}
	now := time.Now()
	if e := h.entry; e != nil {
		if now.Sub(e.updated) < ttl {
			return e.online
		}
		// Expired, but the previous probe attempt is recent. Serve the
		// stale value rather than probing again.
		if now.Sub(h.lastProbe) < minInterval {
			return e.online
		}
	}
	h.lastProbe = now
	online, err := c.probeHealth(ctx)
	if err != nil && h.entry != nil {
		// Inconclusive probe, stick with what we knew. The entry stays
		// expired so the next attempt happens after minInterval.
		slog.Warn("ig", "health", "probe failed", "error", err, "last", h.entry.online)
		return h.entry.online
	}
	e := &healthEntry{online: online, updated: now}
	if online {
		e.lastSuccess = now
	} else if h.entry != nil {
		e.lastSuccess = h.entry.lastSuccess
	}
	h.entry = e
	slog.Debug("ig", "health", online)
	return online
}

// probeHealth does one GET /health with a short deadline. The error is only
// used to tell "server said no" apart from "could not ask".
func (c *Client) probeHealth(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	r := struct {
		Status string `json:"status"`
	}{}
	// An empty or unparseable body is still a 200; trust the status code.
	_ = json.NewDecoder(resp.Body).Decode(&r)
	return true, nil
}
