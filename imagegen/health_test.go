// Copyright 2025 The Dreambot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package imagegen

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dreamlab/dreambot/internal/internaltest"
)

func TestIsOnlineCached(t *testing.T) {
	ctx, _ := internaltest.Log(t)
	healthy := atomic.Bool{}
	healthy.Store(true)
	probes := atomic.Int32{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c, err := New(ctx, &Options{Remote: srv.Listener.Addr().String()})
	if err != nil {
		t.Fatal(err)
	}
	if !c.IsOnline(ctx) {
		t.Fatal("expected online")
	}
	// The service goes down but the entry is still fresh: the cached value
	// must be returned without a probe.
	healthy.Store(false)
	if !c.IsOnline(ctx) {
		t.Fatal("expected the cached value")
	}
	if got := probes.Load(); got != 1 {
		t.Fatalf("probes = %d; want 1", got)
	}
	// Expire the entry; the next call re-probes and sees the outage.
	c.health.entry.updated = time.Now().Add(-time.Minute)
	c.health.lastProbe = time.Now().Add(-time.Minute)
	if c.IsOnline(ctx) {
		t.Fatal("expected offline after re-probe")
	}
	if got := probes.Load(); got != 2 {
		t.Fatalf("probes = %d; want 2", got)
	}
}

func TestIsOnlineDegradesToLastKnown(t *testing.T) {
	ctx, _ := internaltest.Log(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	srv := httptest.NewServer(mux)
	c, err := New(ctx, &Options{Remote: srv.Listener.Addr().String()})
	if err != nil {
		t.Fatal(err)
	}
	if !c.IsOnline(ctx) {
		t.Fatal("expected online")
	}
	// The server vanishes entirely. An inconclusive probe keeps the last
	// known value instead of flapping to offline.
	srv.Close()
	c.health.entry.updated = time.Now().Add(-time.Minute)
	c.health.lastProbe = time.Now().Add(-time.Minute)
	if !c.IsOnline(ctx) {
		t.Fatal("expected the last known value on probe failure")
	}
}

func TestIsOnlineProbeFloor(t *testing.T) {
	ctx, _ := internaltest.Log(t)
	probes := atomic.Int32{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c, err := New(ctx, &Options{Remote: srv.Listener.Addr().String()})
	if err != nil {
		t.Fatal(err)
	}
	if !c.IsOnline(ctx) {
		t.Fatal("expected online")
	}
	// The entry expired but the last probe attempt is recent: the stale
	// value is served without another probe.
	c.health.entry.updated = time.Now().Add(-time.Minute)
	if !c.IsOnline(ctx) {
		t.Fatal("expected the stale value within the probe floor")
	}
	if got := probes.Load(); got != 1 {
		t.Fatalf("probes = %d; want 1", got)
	}
	// Once the floor elapses the probe happens.
	c.health.lastProbe = time.Now().Add(-time.Minute)
	if !c.IsOnline(ctx) {
		t.Fatal("expected online")
	}
	if got := probes.Load(); got != 2 {
		t.Fatalf("probes = %d; want 2", got)
	}
}

func TestIsOnlineNeverProbed(t *testing.T) {
	ctx, _ := internaltest.Log(t)
	// Nothing listens there; with no prior entry this is simply offline.
	c, err := New(ctx, &Options{Remote: "localhost:1"})
	if err != nil {
		t.Fatal(err)
	}
	if c.IsOnline(ctx) {
		t.Fatal("expected offline")
	}
}
