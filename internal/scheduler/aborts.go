package scheduler

import (
	"context"
	"sync"
	"time"
)

// abortedTTL is how long a run id stays in the aborted set so late
// stream events can be dropped silently.
const abortedTTL = 5 * time.Minute

// AbortRegistry tracks cancel functions for in-flight runs and a
// TTL'd set of aborted run ids.
type AbortRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	aborted map[string]time.Time
	now     func() time.Time
}

func NewAbortRegistry() *AbortRegistry {
	return &AbortRegistry{
		cancels: make(map[string]context.CancelFunc),
		aborted: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Track derives a cancellable context for a run and registers it. A run
// that was aborted while still pending in its queue starts with the
// context already cancelled, so the executor observes the abort before
// doing any work. The returned release must be called when the run
// finishes.
func (r *AbortRegistry) Track(ctx context.Context, runID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancels[runID] = cancel
	at, wasAborted := r.aborted[runID]
	if wasAborted && r.now().Sub(at) > abortedTTL {
		delete(r.aborted, runID)
		wasAborted = false
	}
	r.mu.Unlock()
	if wasAborted {
		cancel()
	}
	return ctx, func() {
		cancel()
		r.mu.Lock()
		delete(r.cancels, runID)
		r.mu.Unlock()
	}
}

// Abort cancels the run if it is in flight and records it in the
// aborted set either way. Returns whether a live run was cancelled.
func (r *AbortRegistry) Abort(runID string) bool {
	r.mu.Lock()
	cancel, live := r.cancels[runID]
	r.aborted[runID] = r.now()
	r.pruneLocked()
	r.mu.Unlock()
	if live {
		cancel()
	}
	return live
}

// IsAborted reports whether runID was aborted within the TTL window.
func (r *AbortRegistry) IsAborted(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.aborted[runID]
	if !ok {
		return false
	}
	if r.now().Sub(at) > abortedTTL {
		delete(r.aborted, runID)
		return false
	}
	return true
}

func (r *AbortRegistry) pruneLocked() {
	cutoff := r.now().Add(-abortedTTL)
	for id, at := range r.aborted {
		if at.Before(cutoff) {
			delete(r.aborted, id)
		}
	}
}
