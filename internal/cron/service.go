package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opengate-ai/opengate/internal/bus"
	"github.com/opengate-ai/opengate/internal/sessions"
	"github.com/opengate-ai/opengate/pkg/protocol"
)

// Run modes for on-demand runs.
const (
	ModeDue   = "due"
	ModeForce = "force"
)

// TurnFunc executes an agent_turn job synchronously and returns a short
// summary of the result. The scheduler queue behind it provides the
// per-session serialization.
type TurnFunc func(ctx context.Context, job *Job, sessionKey, runID string) (string, error)

// Service owns the scheduler loop and job CRUD. Mutations wake the loop
// so next_fire_at is always recomputed against the current job set.
type Service struct {
	store        *Store
	events       bus.EventPublisher
	turn         TurnFunc
	defaultAgent string
	now          func() time.Time

	mu   sync.Mutex
	wake chan struct{}
}

func NewService(st *Store, events bus.EventPublisher, defaultAgent string, turn TurnFunc) *Service {
	return &Service{
		store:        st,
		events:       events,
		turn:         turn,
		defaultAgent: defaultAgent,
		now:          time.Now,
		wake:         make(chan struct{}, 1),
	}
}

func (s *Service) wakeLoop() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Add validates and persists a new job. A missing ID gets a UUID;
// Enabled defaults to true unless explicitly disabled.
func (s *Service) Add(job *Job) (string, error) {
	if err := job.Schedule.Validate(); err != nil {
		return "", err
	}
	if err := job.Payload.Validate(); err != nil {
		return "", err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := s.now().UnixMilli()
	job.CreatedAtMs = now
	job.UpdatedAtMs = now
	if err := s.store.Put(job); err != nil {
		return "", err
	}
	s.wakeLoop()
	return job.ID, nil
}

// Remove deletes a job.
func (s *Service) Remove(id string) (bool, error) {
	removed, err := s.store.Remove(id)
	if err == nil {
		s.wakeLoop()
	}
	return removed, err
}

// Update applies a mutator and re-validates the result.
func (s *Service) Update(id string, mutator func(*Job)) (*Job, error) {
	job, err := s.store.Mutate(id, func(j *Job) {
		mutator(j)
		j.UpdatedAtMs = s.now().UnixMilli()
	})
	if err != nil {
		return nil, err
	}
	if err := job.Schedule.Validate(); err != nil {
		return nil, err
	}
	if err := job.Payload.Validate(); err != nil {
		return nil, err
	}
	s.wakeLoop()
	return job, nil
}

// Toggle enables or disables a job.
func (s *Service) Toggle(id string, enabled bool) (*Job, error) {
	job, err := s.store.Mutate(id, func(j *Job) {
		j.Enabled = enabled
		j.UpdatedAtMs = s.now().UnixMilli()
	})
	if err == nil {
		s.wakeLoop()
	}
	return job, err
}

// List returns all jobs.
func (s *Service) List() ([]*Job, error) { return s.store.List() }

// Runs returns a job's run log.
func (s *Service) Runs(id string) ([]RunRecord, error) { return s.store.Runs(id) }

// Run fires a job on demand. ModeDue only fires when next_fire_at has
// passed; ModeForce fires unconditionally. Reports whether it ran.
func (s *Service) Run(ctx context.Context, id, mode string) (bool, error) {
	job, err := s.store.Get(id)
	if err != nil {
		return false, err
	}
	if mode == ModeDue {
		next, err := job.Schedule.NextFire(time.UnixMilli(job.LastFiredAtMs), job.CreatedAtMs)
		if err != nil {
			return false, err
		}
		if next.IsZero() || next.After(s.now()) {
			return false, nil
		}
	} else if mode != ModeForce {
		return false, fmt.Errorf("unknown run mode %q", mode)
	}
	s.fire(ctx, job)
	return true, nil
}

// Start runs the scheduler loop until ctx is done: sleep until the
// earliest next_fire_at, fire everything due, recompute.
func (s *Service) Start(ctx context.Context) error {
	slog.Info("cron.started")
	for {
		sleepFor := s.fireDue(ctx)

		var timer *time.Timer
		var fire <-chan time.Time
		if sleepFor > 0 {
			timer = time.NewTimer(sleepFor)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			slog.Info("cron.stopped")
			return ctx.Err()
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-fire:
		}
	}
}

// fireDue fires all jobs whose next fire time has passed and returns
// how long to sleep before the next one. Zero means no enabled job has
// a future fire time; the loop then waits for a wake.
func (s *Service) fireDue(ctx context.Context) time.Duration {
	jobs, err := s.store.List()
	if err != nil {
		slog.Error("cron.list_failed", "error", err)
		return time.Minute
	}

	now := s.now()
	var nearest time.Time
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		ref := time.UnixMilli(job.LastFiredAtMs)
		if job.LastFiredAtMs == 0 {
			ref = time.UnixMilli(job.CreatedAtMs)
		}
		next, err := job.Schedule.NextFire(ref, job.CreatedAtMs)
		if err != nil {
			slog.Warn("cron.next_fire_failed", "job", job.ID, "error", err)
			continue
		}
		if next.IsZero() {
			continue
		}
		if !next.After(now) {
			s.fire(ctx, job)
			// Recompute from the fire instant for the sleep below.
			if next, err = job.Schedule.NextFire(now, job.CreatedAtMs); err != nil || next.IsZero() {
				continue
			}
		}
		if nearest.IsZero() || next.Before(nearest) {
			nearest = next
		}
	}

	if nearest.IsZero() {
		return 0
	}
	return nearest.Sub(now)
}

// fire executes one job and records the outcome. at-jobs are disabled
// after their single shot.
func (s *Service) fire(ctx context.Context, job *Job) {
	start := s.now()
	runID := uuid.NewString()
	slog.Info("cron.fire", "job", job.ID, "name", job.Name, "kind", job.Payload.Kind)

	var summary string
	var err error
	switch job.Payload.Kind {
	case PayloadSystemEvent:
		s.events.Broadcast(bus.Event{
			Name:    protocol.EventSystemEvent,
			Payload: protocol.SystemEventPayload{Text: job.Payload.Text},
		})
		summary = "system event"
	case PayloadAgentTurn:
		agentID := job.AgentID
		if agentID == "" {
			agentID = s.defaultAgent
		}
		sessionKey := sessions.MainKey(agentID)
		if job.SessionTarget == TargetIsolated {
			sessionKey = sessions.CronKey(agentID, job.ID, runID)
		}
		summary, err = s.turn(ctx, job, sessionKey, runID)
	default:
		err = fmt.Errorf("unknown payload kind %q", job.Payload.Kind)
	}

	s.events.Broadcast(bus.Event{
		Name:    protocol.EventCronFired,
		Payload: protocol.CronFiredPayload{JobID: job.ID, RunID: runID},
	})

	rec := RunRecord{
		TS:         start.UnixMilli(),
		Status:     RunOK,
		DurationMs: s.now().Sub(start).Milliseconds(),
		Summary:    summary,
	}
	if err != nil {
		rec.Status = RunError
		rec.Error = err.Error()
		slog.Warn("cron.run_failed", "job", job.ID, "error", err)
	}
	// A failed run-log write never un-counts the run.
	if logErr := s.store.AppendRun(job.ID, rec); logErr != nil {
		slog.Warn("cron.run_log_failed", "job", job.ID, "error", logErr)
	}

	oneShot := job.Schedule.Kind == ScheduleAt
	if _, err := s.store.Mutate(job.ID, func(j *Job) {
		j.LastFiredAtMs = start.UnixMilli()
		if oneShot {
			j.Enabled = false
		}
	}); err != nil {
		slog.Warn("cron.mark_fired_failed", "job", job.ID, "error", err)
	}
	job.LastFiredAtMs = start.UnixMilli()
	if oneShot {
		job.Enabled = false
	}
}
