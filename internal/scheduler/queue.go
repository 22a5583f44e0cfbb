// Package scheduler serializes chat runs per session and paces delta
// emission. Each session key owns a FIFO of runs; a worker goroutine
// drains it and exits when the queue empties.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RunState is the lifecycle of one queued run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// RunFunc executes one chat run. ctx is cancelled on abort.
type RunFunc func(ctx context.Context) error

// Run is one queue entry.
type Run struct {
	RunID      string
	SessionKey string
	EnqueuedAt time.Time

	fn   RunFunc
	done chan struct{}

	mu    sync.Mutex
	state RunState
	err   error
}

// State returns the run's current state.
func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the failure, if any, once the run finished.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done is closed when the run leaves the queue (completed, failed, or
// dropped by queue policy).
func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) setState(s RunState, err error) {
	r.mu.Lock()
	r.state = s
	r.err = err
	r.mu.Unlock()
}

// Drop policies applied when a session queue is at capacity.
const (
	DropOld = "old"
	DropNew = "new"
)

// EnqueueOptions tune one enqueue call from the session's entry.
type EnqueueOptions struct {
	// Cap bounds the pending list; 0 means unbounded.
	Cap int
	// Drop picks the victim at capacity: DropOld evicts the oldest
	// pending run, DropNew rejects the incoming one.
	Drop string
	// Interrupt aborts the currently running run before queueing.
	Interrupt bool
}

type sessionQueue struct {
	pending []*Run
	running *Run
	active  bool
}

// Queue schedules runs strictly serially per session key.
type Queue struct {
	aborts *AbortRegistry

	mu       sync.Mutex
	sessions map[string]*sessionQueue
	baseCtx  context.Context
}

func NewQueue(baseCtx context.Context, aborts *AbortRegistry) *Queue {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Queue{
		aborts:   aborts,
		sessions: make(map[string]*sessionQueue),
		baseCtx:  baseCtx,
	}
}

// Enqueue appends a run for sessionKey and starts a worker if none is
// draining that session. Returns the run; nil when rejected by the
// DropNew policy.
func (q *Queue) Enqueue(sessionKey, runID string, fn RunFunc, opts EnqueueOptions) *Run {
	run := &Run{
		RunID:      runID,
		SessionKey: sessionKey,
		EnqueuedAt: time.Now(),
		fn:         fn,
		done:       make(chan struct{}),
		state:      RunPending,
	}

	q.mu.Lock()
	sq := q.sessions[sessionKey]
	if sq == nil {
		sq = &sessionQueue{}
		q.sessions[sessionKey] = sq
	}

	var interruptID string
	if opts.Interrupt && sq.running != nil {
		interruptID = sq.running.RunID
	}

	var dropped *Run
	if opts.Cap > 0 && len(sq.pending) >= opts.Cap {
		switch opts.Drop {
		case DropOld:
			dropped = sq.pending[0]
			sq.pending = sq.pending[1:]
		default: // DropNew
			q.mu.Unlock()
			slog.Warn("scheduler.run_rejected", "session", sessionKey, "run", runID, "cap", opts.Cap)
			run.setState(RunFailed, context.Canceled)
			close(run.done)
			return nil
		}
	}

	sq.pending = append(sq.pending, run)
	startWorker := !sq.active
	if startWorker {
		sq.active = true
	}
	q.mu.Unlock()

	if dropped != nil {
		slog.Warn("scheduler.run_dropped", "session", sessionKey, "run", dropped.RunID)
		dropped.setState(RunFailed, context.Canceled)
		close(dropped.done)
	}
	if interruptID != "" && q.aborts != nil {
		q.aborts.Abort(interruptID)
	}
	if startWorker {
		go q.drain(sessionKey, sq)
	}
	return run
}

// drain runs the session's pending list serially and exits when empty.
func (q *Queue) drain(sessionKey string, sq *sessionQueue) {
	for {
		q.mu.Lock()
		if len(sq.pending) == 0 {
			sq.active = false
			sq.running = nil
			delete(q.sessions, sessionKey)
			q.mu.Unlock()
			return
		}
		run := sq.pending[0]
		sq.pending = sq.pending[1:]
		sq.running = run
		q.mu.Unlock()

		run.setState(RunRunning, nil)

		ctx := q.baseCtx
		release := func() {}
		if q.aborts != nil {
			ctx, release = q.aborts.Track(ctx, run.RunID)
		}
		err := run.fn(ctx)
		release()

		if err != nil {
			run.setState(RunFailed, err)
		} else {
			run.setState(RunCompleted, nil)
		}
		close(run.done)

		q.mu.Lock()
		sq.running = nil
		q.mu.Unlock()
	}
}

// PendingLen reports the pending count for a session (running run
// excluded).
func (q *Queue) PendingLen(sessionKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if sq := q.sessions[sessionKey]; sq != nil {
		return len(sq.pending)
	}
	return 0
}
