// Package pending implements the relay-side pending-request table:
// correlating response frames with the HTTP caller waiting on them,
// per-request timeouts, and agent-scoped rejection on disconnect.
package pending

import (
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout is the default per-request deadline (30s).
const DefaultTimeout = 30 * time.Second

// ErrRequestTimeout is the rejection reason when a deadline elapses with
// no response.
var ErrRequestTimeout = fmt.Errorf("Request timeout")

// Result is the outcome delivered to a waiter: exactly one of Response or
// Err is set.
type Result struct {
	Response ResponsePayload
	Err      error
}

// ResponsePayload is the subset of the response-frame payload the table
// annotates and hands back to the HTTP ingress.
type ResponsePayload struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Duration   time.Duration
}

type record struct {
	agentID   string
	createdAt time.Time
	done      chan Result
	timer     *time.Timer
	once      sync.Once
}

// Table holds all in-flight requests awaiting a response. Zero value is
// not usable; construct with New.
type Table struct {
	mu      sync.Mutex
	entries map[string]*record
}

// New constructs an empty Table.
func New() *Table {
	return &Table{entries: make(map[string]*record)}
}

// Add registers a new pending request bound to agentID with the given
// deadline (DefaultTimeout if zero), returning a channel that will
// receive exactly one Result.
func (t *Table) Add(requestID, agentID string, deadline time.Duration) <-chan Result {
	if deadline <= 0 {
		deadline = DefaultTimeout
	}

	rec := &record{
		agentID:   agentID,
		createdAt: time.Now(),
		done:      make(chan Result, 1),
	}

	t.mu.Lock()
	t.entries[requestID] = rec
	t.mu.Unlock()

	rec.timer = time.AfterFunc(deadline, func() {
		t.Reject(requestID, ErrRequestTimeout)
	})

	return rec.done
}

// Resolve completes requestID successfully with resp, annotating its
// Duration from the record's creation time. A no-op if the request is
// already terminal (response raced a timeout, or vice versa) or unknown.
func (t *Table) Resolve(requestID string, resp ResponsePayload) {
	rec := t.remove(requestID)
	if rec == nil {
		return
	}
	rec.once.Do(func() {
		rec.timer.Stop()
		resp.Duration = time.Since(rec.createdAt)
		rec.done <- Result{Response: resp}
	})
}

// Reject completes requestID with err. A no-op if already terminal or
// unknown.
func (t *Table) Reject(requestID string, err error) {
	rec := t.remove(requestID)
	if rec == nil {
		return
	}
	rec.once.Do(func() {
		rec.timer.Stop()
		rec.done <- Result{Err: err}
	})
}

// RejectForAgent rejects every pending entry bound to agentID with err.
// Entries bound to other agents are untouched — this fixes the
// over-broad rejection a naive "reject everything on disconnect" table
// would otherwise cause for unrelated agents.
func (t *Table) RejectForAgent(agentID string, err error) {
	t.mu.Lock()
	var matched []string
	for id, rec := range t.entries {
		if rec.agentID == agentID {
			matched = append(matched, id)
		}
	}
	t.mu.Unlock()

	for _, id := range matched {
		t.Reject(id, err)
	}
}

// remove deletes requestID from the index and returns the record, or nil
// if it was never present or already removed by a concurrent terminal
// transition.
func (t *Table) remove(requestID string) *record {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.entries[requestID]
	if rec == nil {
		return nil
	}
	delete(t.entries, requestID)
	return rec
}

// Len reports the number of currently pending requests (diagnostic use).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
