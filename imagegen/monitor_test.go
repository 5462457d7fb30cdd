// Copyright 2025 The Dreambot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package imagegen

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dreamlab/dreambot/internal/internaltest"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
)

func TestWatchStream(t *testing.T) {
	ctx, _ := internaltest.Log(t)
	srv := httptest.NewServer(streamHandler(t, "t1", []string{
		`{"task_id":"t1","status":"processing","progress":0.3,"current_step":6,"total_steps":20}`,
		`{"task_id":"t1","status":"processing","progress":0.7,"current_step":14,"total_steps":20}`,
		`{"task_id":"t1","status":"completed","progress":1,"current_step":20,"total_steps":20,"output_paths":["out/0.png"]}`,
	}))
	defer srv.Close()
	c := newTestClient(t, ctx, srv)
	events := make(chan ProgressEvent, 8)
	if err := c.Watch(ctx, "t1", events); err != nil {
		t.Fatal(err)
	}
	p, err := c.Await(ctx, "t1", 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != Completed {
		t.Fatalf("status = %q; want completed", p.Status)
	}
	got := [][2]float64{}
	for i := 0; i < 3; i++ {
		ev := <-events
		got = append(got, [2]float64{ev.Progress, float64(ev.CurrentStep)})
	}
	want := [][2]float64{{30, 6}, {70, 14}, {100, 20}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal(diff)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event: %+v", ev)
	default:
	}
}

func TestWatchMalformed(t *testing.T) {
	ctx, _ := internaltest.Log(t)
	srv := httptest.NewServer(streamHandler(t, "t1", []string{
		`{not json`,
		`{"task_id":"t1","status":"completed","progress":1}`,
	}))
	defer srv.Close()
	c := newTestClient(t, ctx, srv)
	events := make(chan ProgressEvent, 8)
	if err := c.Watch(ctx, "t1", events); err != nil {
		t.Fatal(err)
	}
	p, err := c.Await(ctx, "t1", 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != Completed {
		t.Fatalf("status = %q; want completed", p.Status)
	}
	// The bad payload was dropped, not forwarded.
	if ev := <-events; ev.Status != Completed {
		t.Fatalf("status = %q; want completed", ev.Status)
	}
}

func TestWatchPollFallback(t *testing.T) {
	ctx, _ := internaltest.Log(t)
	mux := http.NewServeMux()
	// No WebSocket endpoint at all; the upgrade handshake fails and the
	// watcher must fall back to polling.
	mux.HandleFunc("/task/t1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"task_id":"t1","status":"completed","progress":1,"output_paths":["out/0.png"]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := newTestClient(t, ctx, srv)
	if err := c.Watch(ctx, "t1", nil); err != nil {
		t.Fatal(err)
	}
	p, err := c.Await(ctx, "t1", 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != Completed {
		t.Fatalf("status = %q; want completed", p.Status)
	}
}

func TestAwaitTimeout(t *testing.T) {
	ctx, _ := internaltest.Log(t)
	c, err := New(ctx, &Options{Remote: "localhost:1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = c.Await(ctx, "t1", 50*time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("err = %v; want ErrWaitTimeout", err)
	}
}

func TestAwaitDuplicate(t *testing.T) {
	ctx, _ := internaltest.Log(t)
	c, err := New(ctx, &Options{Remote: "localhost:1"})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		_, _ = c.Await(ctx, "t1", 10*time.Second)
		close(done)
	}()
	for {
		c.mu.Lock()
		registered := c.waits["t1"] != nil
		c.mu.Unlock()
		if registered {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if _, err = c.Await(ctx, "t1", time.Second); err == nil {
		t.Fatal("expected error for a second wait on the same task")
	}
	c.AbortWait("t1")
	<-done
}

func TestAbortWait(t *testing.T) {
	ctx, _ := internaltest.Log(t)
	c, err := New(ctx, &Options{Remote: "localhost:1"})
	if err != nil {
		t.Fatal(err)
	}
	errs := make(chan error, 1)
	go func() {
		_, err2 := c.Await(ctx, "t1", 10*time.Second)
		errs <- err2
	}()
	for {
		c.mu.Lock()
		registered := c.waits["t1"] != nil
		c.mu.Unlock()
		if registered {
			break
		}
		time.Sleep(time.Millisecond)
	}
	c.AbortWait("t1")
	if err = <-errs; !errors.Is(err, ErrAborted) {
		t.Fatalf("err = %v; want ErrAborted", err)
	}
	// Aborting again is a no-op.
	c.AbortWait("t1")
}

func TestParkedResults(t *testing.T) {
	ctx, _ := internaltest.Log(t)
	c, err := New(ctx, &Options{Remote: "localhost:1"})
	if err != nil {
		t.Fatal(err)
	}
	// Without an active watcher a terminal result is not kept.
	c.resolveWait("t1", waitResult{event: &ProgressEvent{Status: Completed}})
	c.mu.Lock()
	n := len(c.done)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("done = %d; want 0", n)
	}
	// A watched task parks its result for the upcoming Await.
	w := &watcher{c: c, taskID: "t1", done: make(chan struct{})}
	c.mu.Lock()
	c.watches["t1"] = w
	c.mu.Unlock()
	c.resolveWait("t1", waitResult{event: &ProgressEvent{Status: Completed}})
	// Aborting drops the parked result so a lost cancel race leaves
	// nothing behind.
	c.AbortWait("t1")
	c.mu.Lock()
	n = len(c.done)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("done = %d; want 0", n)
	}
	// Unclaimed results are swept once they go stale.
	c.mu.Lock()
	c.done["t2"] = parkedResult{r: waitResult{event: &ProgressEvent{Status: Failed}}, at: time.Now().Add(-2 * parkTTL)}
	c.mu.Unlock()
	c.resolveWait("t1", waitResult{event: &ProgressEvent{Status: Completed}})
	c.mu.Lock()
	_, stale := c.done["t2"]
	_, kept := c.done["t1"]
	c.mu.Unlock()
	if stale || !kept {
		t.Fatalf("stale = %t, kept = %t; want false, true", stale, kept)
	}
	p, err := c.Await(ctx, "t1", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != Completed {
		t.Fatalf("status = %q; want completed", p.Status)
	}
}

func TestDeliverTerminalOnce(t *testing.T) {
	ctx, _ := internaltest.Log(t)
	c, err := New(ctx, &Options{Remote: "localhost:1"})
	if err != nil {
		t.Fatal(err)
	}
	events := make(chan ProgressEvent, 8)
	w := &watcher{c: c, taskID: "t1", events: events, done: make(chan struct{})}
	if !w.deliver(ctx, &ProgressEvent{Status: Completed, Progress: 1}) {
		t.Fatal("expected terminal")
	}
	// A straggler observed after the terminal event is swallowed.
	if !w.deliver(ctx, &ProgressEvent{Status: Processing, Progress: 0.5}) {
		t.Fatal("expected suppression to report terminal")
	}
	if n := len(events); n != 1 {
		t.Fatalf("events = %d; want 1", n)
	}
}

func TestStopWatch(t *testing.T) {
	ctx, _ := internaltest.Log(t)
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/task/t1", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Hold the stream open without sending anything.
		_, _, _ = conn.ReadMessage()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := newTestClient(t, ctx, srv)
	if err := c.Watch(ctx, "t1", nil); err != nil {
		t.Fatal(err)
	}
	c.StopWatch("t1")
	for {
		c.mu.Lock()
		n := len(c.watches)
		c.mu.Unlock()
		if n == 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	// Idempotent.
	c.StopWatch("t1")
}

//

// streamHandler upgrades /ws/task/<id> and plays back msgs, then waits for
// the client's close.
func streamHandler(t *testing.T, taskID string, msgs []string) http.Handler {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/task/"+taskID, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()
		for _, m := range msgs {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		// Drain until the peer closes.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	return mux
}
