// Copyright 2025 The Dreambot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package imagegen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxReconnects  = 3
	reconnectDelay = time.Second
	pollInterval   = 2 * time.Second
)

// ErrWaitTimeout means the task did not reach a terminal state in time.
var ErrWaitTimeout = errors.New("timed out waiting for task")

// ErrAborted means the wait was torn down locally, typically because the
// user asked for a cancellation.
var ErrAborted = errors.New("wait aborted")

type waitResult struct {
	event *ProgressEvent
	err   error
}

// parkTTL bounds how long an unclaimed terminal result is kept around.
const parkTTL = time.Minute

// parkedResult is a terminal result that arrived before anyone was waiting.
type parkedResult struct {
	r  waitResult
	at time.Time
}

// pendingWait lets the watcher goroutine hand a terminal event to the one
// caller blocked in Await. At most one exists per task id.
type pendingWait struct {
	ch chan waitResult
}

// Await blocks until the task reaches a terminal state, the timeout fires,
// the wait is aborted or ctx is cancelled, whichever comes first.
//
// The terminal event is returned for completed, failed and cancelled tasks
// alike; the caller tells them apart by Status. The entry and its timer are
// released exactly once no matter which path wins.
func (c *Client) Await(ctx context.Context, taskID string, timeout time.Duration) (*ProgressEvent, error) {
	w := &pendingWait{ch: make(chan waitResult, 1)}
	c.mu.Lock()
	if p, ok := c.done[taskID]; ok {
		// The task resolved before we got here.
		delete(c.done, taskID)
		c.mu.Unlock()
		return p.r.event, p.r.err
	}
	if _, ok := c.waits[taskID]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("task %s already has a pending wait", taskID)
	}
	c.waits[taskID] = w
	c.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-w.ch:
		return r.event, r.err
	case <-t.C:
		c.removeWait(taskID, w)
		return nil, fmt.Errorf("%w %s after %s", ErrWaitTimeout, taskID, timeout.Round(time.Second))
	case <-ctx.Done():
		c.removeWait(taskID, w)
		return nil, ctx.Err()
	}
}

// AbortWait rejects the pending wait for taskID, if any. Racing against a
// natural resolution is fine: whoever removes the entry first wins and the
// loser is a no-op.
func (c *Client) AbortWait(taskID string) {
	c.mu.Lock()
	w := c.waits[taskID]
	delete(c.waits, taskID)
	// A terminal event racing the abort may have parked already; it lost.
	delete(c.done, taskID)
	c.mu.Unlock()
	if w != nil {
		w.ch <- waitResult{err: fmt.Errorf("%w: task %s", ErrAborted, taskID)}
	}
}

func (c *Client) resolveWait(taskID string, r waitResult) {
	c.mu.Lock()
	if w := c.waits[taskID]; w != nil {
		delete(c.waits, taskID)
		c.mu.Unlock()
		// Buffered; never blocks and never double-sends since the entry is
		// removed under the lock.
		w.ch <- r
		return
	}
	// Nobody is waiting yet. Park the result so the upcoming Await still
	// gets it; first resolution wins. Only an actively watched task can
	// park, and stale leftovers are swept, so a cancel losing the race
	// never accumulates entries.
	now := time.Now()
	for id, p := range c.done {
		if now.Sub(p.at) > parkTTL {
			delete(c.done, id)
		}
	}
	if _, ok := c.done[taskID]; !ok && c.watches[taskID] != nil {
		c.done[taskID] = parkedResult{r: r, at: now}
	}
	c.mu.Unlock()
}

func (c *Client) removeWait(taskID string, w *pendingWait) {
	c.mu.Lock()
	if c.waits[taskID] == w {
		delete(c.waits, taskID)
	}
	c.mu.Unlock()
}

//

// Watch follows the task over the WebSocket channel, forwarding each event
// to events until a terminal event is seen. When the stream cannot be
// established it degrades to polling. The terminal event also resolves the
// task's pending wait, if one is registered.
//
// events is never closed by the watcher; at most one terminal event is sent
// on it. Returns an error only when a watcher already exists for the task.
func (c *Client) Watch(ctx context.Context, taskID string, events chan<- ProgressEvent) error {
	w := &watcher{c: c, taskID: taskID, events: events, done: make(chan struct{})}
	c.mu.Lock()
	if _, ok := c.watches[taskID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("task %s is already watched", taskID)
	}
	c.watches[taskID] = w
	c.mu.Unlock()
	go w.run(ctx)
	return nil
}

// StopWatch tears down the watcher for taskID, if any. Idempotent.
func (c *Client) StopWatch(taskID string) {
	c.mu.Lock()
	w := c.watches[taskID]
	// Drop any parked result; nobody will come for it now.
	delete(c.done, taskID)
	c.mu.Unlock()
	if w != nil {
		w.stop()
	}
}

// watcher follows a single task. States: connecting, open, reconnecting on
// unexpected closure up to maxReconnects, then closed. Dial failure on the
// very first connection means streaming is unavailable and polling takes
// over instead.
type watcher struct {
	c      *Client
	taskID string
	events chan<- ProgressEvent
	done   chan struct{}

	mu       sync.Mutex
	conn     *websocket.Conn
	stopped  bool
	terminal bool

	rt rateTracker
}

func (w *watcher) run(ctx context.Context) {
	defer w.unregister()
	attempts := 0
	for {
		if w.isDone(ctx) {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.c.wsURL+"/ws/task/"+w.taskID, nil)
		if err != nil {
			if attempts == 0 {
				slog.Info("ig", "task", w.taskID, "monitor", "stream unavailable, polling", "error", err)
				w.poll(ctx)
				return
			}
			attempts++
			if attempts > maxReconnects {
				slog.Warn("ig", "task", w.taskID, "monitor", "reconnect attempts exhausted")
				return
			}
			slog.Info("ig", "task", w.taskID, "monitor", "reconnecting", "attempt", attempts)
			if !w.sleep(ctx, time.Duration(attempts)*reconnectDelay) {
				return
			}
			continue
		}
		w.setConn(conn)
		intentional := w.read(ctx, conn)
		w.setConn(nil)
		_ = conn.Close()
		if intentional || w.isDone(ctx) {
			return
		}
		attempts++
		if attempts > maxReconnects {
			// Give up; the caller's own wait timeout guarantees Await is not
			// left hanging.
			slog.Warn("ig", "task", w.taskID, "monitor", "reconnect attempts exhausted")
			return
		}
		slog.Info("ig", "task", w.taskID, "monitor", "reconnecting", "attempt", attempts)
		if !w.sleep(ctx, time.Duration(attempts)*reconnectDelay) {
			return
		}
	}
}

// read consumes the stream until closure or a terminal event. Returns true
// when the closure was intentional and no reconnect should happen.
func (w *watcher) read(ctx context.Context, conn *websocket.Conn) bool {
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true
			}
			select {
			case <-w.done:
				return true
			default:
			}
			slog.Info("ig", "task", w.taskID, "monitor", "stream closed", "error", err)
			return false
		}
		p := ProgressEvent{}
		if err := json.Unmarshal(b, &p); err != nil {
			// Never take the monitor down over a bad payload.
			slog.Warn("ig", "task", w.taskID, "monitor", "dropping malformed event", "error", err)
			continue
		}
		if w.deliver(ctx, &p) {
			// Terminal; close our side on purpose.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return true
		}
	}
}

// poll is the fallback when no stream can be opened.
func (w *watcher) poll(ctx context.Context) {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case <-t.C:
		}
		p, err := w.c.TaskStatus(ctx, w.taskID)
		if err != nil {
			slog.Warn("ig", "task", w.taskID, "monitor", "poll failed", "error", err)
			continue
		}
		if w.deliver(ctx, p) {
			return
		}
	}
}

// deliver normalizes and forwards one event, resolving the pending wait on
// a terminal status. Returns true for terminal events. Events observed
// after the terminal one are suppressed.
func (w *watcher) deliver(ctx context.Context, p *ProgressEvent) bool {
	w.mu.Lock()
	if w.terminal {
		w.mu.Unlock()
		return true
	}
	if p.Status.Terminal() {
		w.terminal = true
	}
	w.mu.Unlock()
	if p.TaskID == "" {
		p.TaskID = w.taskID
	}
	p.normalize()
	w.rt.add(p.CurrentStep, time.Now())
	p.StepsPerSec = w.rt.rate()
	p.ETA = w.rt.eta(p.CurrentStep, p.TotalSteps)
	if w.events != nil {
		select {
		case w.events <- *p:
		case <-w.done:
			return true
		case <-ctx.Done():
			return true
		}
	}
	if p.Status.Terminal() {
		w.c.resolveWait(w.taskID, waitResult{event: p})
		return true
	}
	return false
}

func (w *watcher) stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	conn := w.conn
	w.mu.Unlock()
	close(w.done)
	if conn != nil {
		_ = conn.Close()
	}
}

func (w *watcher) setConn(conn *websocket.Conn) {
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
}

func (w *watcher) isDone(ctx context.Context) bool {
	select {
	case <-w.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (w *watcher) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-w.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *watcher) unregister() {
	w.c.mu.Lock()
	if w.c.watches[w.taskID] == w {
		delete(w.c.watches, w.taskID)
	}
	w.c.mu.Unlock()
}
