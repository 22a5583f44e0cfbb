// Package cron schedules background jobs: one-shot timers, fixed
// intervals, and 5-field cron expressions. Jobs either broadcast a
// system event or enqueue an agent turn, optionally delivering the
// result to a channel.
package cron

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// Schedule kinds.
const (
	ScheduleAt    = "at"
	ScheduleEvery = "every"
	ScheduleCron  = "cron"
)

// Schedule is a tagged variant over the three schedule kinds.
type Schedule struct {
	Kind string `json:"kind"`

	// at
	AtMs int64 `json:"atMs,omitempty"`

	// every
	EveryMs  int64 `json:"everyMs,omitempty"`
	AnchorMs int64 `json:"anchorMs,omitempty"` // default: job creation time

	// cron
	Expr     string `json:"expr,omitempty"`
	Timezone string `json:"timezone,omitempty"` // IANA name, default UTC
}

// Validate checks the schedule is well formed.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule requires atMs")
		}
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule requires a positive everyMs")
		}
	case ScheduleCron:
		if !gronx.New().IsValid(s.Expr) {
			return fmt.Errorf("invalid cron expression %q", s.Expr)
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// NextFire computes the next fire instant strictly after now. A zero
// time means the schedule will never fire again.
func (s Schedule) NextFire(now time.Time, createdAtMs int64) (time.Time, error) {
	switch s.Kind {
	case ScheduleAt:
		at := time.UnixMilli(s.AtMs)
		if at.After(now) {
			return at, nil
		}
		return time.Time{}, nil
	case ScheduleEvery:
		anchorMs := s.AnchorMs
		if anchorMs == 0 {
			anchorMs = createdAtMs
		}
		anchor := time.UnixMilli(anchorMs)
		every := time.Duration(s.EveryMs) * time.Millisecond
		if !anchor.After(now) {
			elapsed := now.Sub(anchor)
			periods := elapsed/every + 1
			return anchor.Add(periods * every), nil
		}
		return anchor, nil
	case ScheduleCron:
		loc := time.UTC
		if s.Timezone != "" {
			l, err := time.LoadLocation(s.Timezone)
			if err != nil {
				return time.Time{}, err
			}
			loc = l
		}
		next, err := gronx.NextTickAfter(s.Expr, now.In(loc), false)
		if err != nil {
			return time.Time{}, err
		}
		return next, nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

// Payload kinds.
const (
	PayloadSystemEvent = "system_event"
	PayloadAgentTurn   = "agent_turn"
)

// Payload is what firing the job does.
type Payload struct {
	Kind string `json:"kind"`

	// system_event
	Text string `json:"text,omitempty"`

	// agent_turn
	Prompt string `json:"prompt,omitempty"`
	Model  string `json:"model,omitempty"`
}

// Validate checks the payload is well formed.
func (p Payload) Validate() error {
	switch p.Kind {
	case PayloadSystemEvent:
		if p.Text == "" {
			return fmt.Errorf("system_event payload requires text")
		}
	case PayloadAgentTurn:
		if p.Prompt == "" {
			return fmt.Errorf("agent_turn payload requires prompt")
		}
	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	return nil
}

// Session targets for agent_turn jobs.
const (
	TargetMain     = "main"
	TargetIsolated = "isolated"
)

// Delivery forwards an agent_turn's final text to a channel. With
// BestEffort set, a delivery failure is logged but does not fail the
// run.
type Delivery struct {
	Channel    string `json:"channel"`
	Target     string `json:"target"`
	BestEffort bool   `json:"bestEffort,omitempty"`
}

// Job is one scheduled job.
type Job struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Enabled       bool      `json:"enabled"`
	AgentID       string    `json:"agentId,omitempty"`
	Schedule      Schedule  `json:"schedule"`
	SessionTarget string    `json:"sessionTarget,omitempty"` // main | isolated
	Payload       Payload   `json:"payload"`
	Delivery      *Delivery `json:"delivery,omitempty"`

	CreatedAtMs   int64 `json:"createdAtMs"`
	UpdatedAtMs   int64 `json:"updatedAtMs"`
	LastFiredAtMs int64 `json:"lastFiredAtMs,omitempty"`
}

type jobAlias Job

// UnmarshalJSON defaults Enabled to true when the field is absent, so a
// job added over the wire without an explicit "enabled" is active. A
// stored or patched `"enabled": false` still decodes as disabled.
func (j *Job) UnmarshalJSON(data []byte) error {
	alias := jobAlias{Enabled: true}
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*j = Job(alias)
	return nil
}

// Run statuses recorded in the per-job run log.
const (
	RunOK    = "ok"
	RunError = "error"
)

// RunRecord is one line of a job's run log.
type RunRecord struct {
	TS         int64  `json:"ts"` // unix ms
	Status     string `json:"status"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
	Summary    string `json:"summary,omitempty"`
}
