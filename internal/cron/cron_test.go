package cron

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/opengate-ai/opengate/internal/bus"
	"github.com/opengate-ai/opengate/pkg/protocol"
)

func TestScheduleNextFireAt(t *testing.T) {
	now := time.Now()
	s := Schedule{Kind: ScheduleAt, AtMs: now.Add(time.Hour).UnixMilli()}
	next, err := s.NextFire(now, now.UnixMilli())
	if err != nil {
		t.Fatal(err)
	}
	if next.UnixMilli() != s.AtMs {
		t.Fatalf("next = %v", next)
	}

	// Past one-shot never fires again.
	past := Schedule{Kind: ScheduleAt, AtMs: now.Add(-time.Hour).UnixMilli()}
	next, err = past.NextFire(now, 0)
	if err != nil || !next.IsZero() {
		t.Fatalf("past at-job: next=%v err=%v", next, err)
	}
}

func TestScheduleNextFireEvery(t *testing.T) {
	anchor := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s := Schedule{Kind: ScheduleEvery, EveryMs: 60_000, AnchorMs: anchor.UnixMilli()}

	now := anchor.Add(90 * time.Second)
	next, err := s.NextFire(now, 0)
	if err != nil {
		t.Fatal(err)
	}
	if want := anchor.Add(2 * time.Minute); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	// Before the anchor, the anchor itself is the first fire.
	next, err = s.NextFire(anchor.Add(-time.Second), 0)
	if err != nil || !next.Equal(anchor) {
		t.Fatalf("next = %v err=%v", next, err)
	}

	// Anchor defaults to creation time.
	noAnchor := Schedule{Kind: ScheduleEvery, EveryMs: 60_000}
	next, err = noAnchor.NextFire(anchor.Add(30*time.Second), anchor.UnixMilli())
	if err != nil || !next.Equal(anchor.Add(time.Minute)) {
		t.Fatalf("next = %v err=%v", next, err)
	}
}

func TestScheduleNextFireCron(t *testing.T) {
	s := Schedule{Kind: ScheduleCron, Expr: "0 9 * * *", Timezone: "America/New_York"}
	if err := s.Validate(); err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC) // 08:00 New York
	next, err := s.NextFire(now, 0)
	if err != nil {
		t.Fatal(err)
	}
	loc, _ := time.LoadLocation("America/New_York")
	got := next.In(loc)
	if got.Hour() != 9 || got.Minute() != 0 {
		t.Fatalf("next = %v, want 09:00 New York", got)
	}
}

func TestScheduleValidate(t *testing.T) {
	bad := []Schedule{
		{Kind: "nope"},
		{Kind: ScheduleAt},
		{Kind: ScheduleEvery},
		{Kind: ScheduleCron, Expr: "not a cron"},
		{Kind: ScheduleCron, Expr: "* * * * *", Timezone: "Mars/Olympus"},
	}
	for _, s := range bad {
		if err := s.Validate(); err == nil {
			t.Errorf("expected error for %+v", s)
		}
	}
}

func TestStoreJobCRUDAndRunLog(t *testing.T) {
	st := NewStore(t.TempDir())

	job := &Job{ID: "j1", Enabled: true, Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 1000}, Payload: Payload{Kind: PayloadSystemEvent, Text: "hi"}, CreatedAtMs: 1}
	if err := st.Put(job); err != nil {
		t.Fatal(err)
	}

	got, err := st.Get("j1")
	if err != nil || got.Payload.Text != "hi" {
		t.Fatalf("get: %+v err=%v", got, err)
	}

	if _, err := st.Mutate("j1", func(j *Job) { j.Name = "renamed" }); err != nil {
		t.Fatal(err)
	}
	got, _ = st.Get("j1")
	if got.Name != "renamed" {
		t.Fatalf("mutate lost: %+v", got)
	}

	for i := 0; i < runLogCap+20; i++ {
		if err := st.AppendRun("j1", RunRecord{TS: int64(i), Status: RunOK}); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := st.Runs("j1")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != runLogCap {
		t.Fatalf("run log len = %d, want %d", len(runs), runLogCap)
	}
	if runs[0].TS != 20 || runs[len(runs)-1].TS != int64(runLogCap+19) {
		t.Fatalf("cap kept wrong window: first=%d last=%d", runs[0].TS, runs[len(runs)-1].TS)
	}

	removed, err := st.Remove("j1")
	if err != nil || !removed {
		t.Fatalf("remove: %v %v", removed, err)
	}
	if runs, _ := st.Runs("j1"); len(runs) != 0 {
		t.Fatal("run log survived removal")
	}
}

type recordingBus struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recordingBus) Subscribe(id string, h bus.EventHandler) {}
func (r *recordingBus) Unsubscribe(id string)                   {}
func (r *recordingBus) Broadcast(ev bus.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingBus) byName(name string) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func TestServiceAtJobFiresAgentTurnOnce(t *testing.T) {
	st := NewStore(t.TempDir())
	rb := &recordingBus{}

	var mu sync.Mutex
	var turns []string
	svc := NewService(st, rb, "main", func(ctx context.Context, job *Job, sessionKey, runID string) (string, error) {
		mu.Lock()
		turns = append(turns, sessionKey)
		mu.Unlock()
		return "pong", nil
	})

	id, err := svc.Add(&Job{
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleAt, AtMs: time.Now().Add(100 * time.Millisecond).UnixMilli()},
		Payload:  Payload{Kind: PayloadAgentTurn, Prompt: "ping"},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { svc.Start(ctx); close(done) }()

	time.Sleep(300 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(turns))
	}
	if turns[0] != "agent:main:main" {
		t.Fatalf("session key = %q", turns[0])
	}

	job, err := st.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Enabled {
		t.Fatal("one-shot job still enabled after firing")
	}

	runs, _ := st.Runs(id)
	if len(runs) != 1 || runs[0].Status != RunOK {
		t.Fatalf("run log = %+v", runs)
	}
	if len(rb.byName(protocol.EventCronFired)) != 1 {
		t.Fatal("no cron.fired broadcast")
	}
}

func TestServiceSystemEventPayload(t *testing.T) {
	st := NewStore(t.TempDir())
	rb := &recordingBus{}
	svc := NewService(st, rb, "main", nil)

	id, err := svc.Add(&Job{
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 3_600_000},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "standup"},
	})
	if err != nil {
		t.Fatal(err)
	}

	ran, err := svc.Run(context.Background(), id, ModeForce)
	if err != nil || !ran {
		t.Fatalf("force run: ran=%v err=%v", ran, err)
	}

	evs := rb.byName(protocol.EventSystemEvent)
	if len(evs) != 1 {
		t.Fatalf("system.event broadcasts = %d", len(evs))
	}
	if evs[0].Payload.(protocol.SystemEventPayload).Text != "standup" {
		t.Fatalf("payload = %+v", evs[0].Payload)
	}
}

func TestServiceRunDueMode(t *testing.T) {
	st := NewStore(t.TempDir())
	rb := &recordingBus{}
	svc := NewService(st, rb, "main", func(ctx context.Context, job *Job, sessionKey, runID string) (string, error) {
		return "", nil
	})

	// Hourly cron job created just now: not due yet.
	id, err := svc.Add(&Job{
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 3_600_000},
		Payload:  Payload{Kind: PayloadAgentTurn, Prompt: "p"},
	})
	if err != nil {
		t.Fatal(err)
	}
	ran, err := svc.Run(context.Background(), id, ModeDue)
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Fatal("job ran although not due")
	}
}

func TestServiceIsolatedSessionTarget(t *testing.T) {
	st := NewStore(t.TempDir())
	rb := &recordingBus{}
	var gotKey string
	svc := NewService(st, rb, "main", func(ctx context.Context, job *Job, sessionKey, runID string) (string, error) {
		gotKey = sessionKey
		return "", nil
	})
	id, err := svc.Add(&Job{
		Enabled:       true,
		Schedule:      Schedule{Kind: ScheduleEvery, EveryMs: 3_600_000},
		SessionTarget: TargetIsolated,
		Payload:       Payload{Kind: PayloadAgentTurn, Prompt: "p"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Run(context.Background(), id, ModeForce); err != nil {
		t.Fatal(err)
	}
	want := "agent:main:cron:" + id + ":"
	if len(gotKey) <= len(want) || gotKey[:len(want)] != want {
		t.Fatalf("session key = %q, want prefix %q", gotKey, want)
	}
}

func TestServiceUpdateRejectsInvalid(t *testing.T) {
	st := NewStore(t.TempDir())
	svc := NewService(st, &recordingBus{}, "main", nil)
	id, err := svc.Add(&Job{
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 1000},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "x"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Update(id, func(j *Job) { j.Schedule.EveryMs = 0 }); err == nil {
		t.Fatal("invalid update accepted")
	}
	if _, err := svc.Update("missing", func(j *Job) {}); err == nil {
		t.Fatal("missing job update accepted")
	}
}

func TestJobFromWireJSONDefaultsEnabled(t *testing.T) {
	st := NewStore(t.TempDir())
	svc := NewService(st, &recordingBus{}, "main", nil)

	// cron.add params omit "enabled"; the job must come up active.
	var job Job
	raw := []byte(`{
		"schedule": {"kind": "every", "everyMs": 60000},
		"payload":  {"kind": "system_event", "text": "tick"}
	}`)
	if err := json.Unmarshal(raw, &job); err != nil {
		t.Fatal(err)
	}
	if !job.Enabled {
		t.Fatal("job without \"enabled\" decoded as disabled")
	}

	id, err := svc.Add(&job)
	if err != nil {
		t.Fatal(err)
	}
	stored, err := st.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Enabled {
		t.Fatal("job without \"enabled\" persisted as disabled")
	}

	// An explicit false is preserved on the wire and through reload.
	var off Job
	if err := json.Unmarshal([]byte(`{
		"enabled":  false,
		"schedule": {"kind": "every", "everyMs": 60000},
		"payload":  {"kind": "system_event", "text": "tick"}
	}`), &off); err != nil {
		t.Fatal(err)
	}
	if off.Enabled {
		t.Fatal("explicit enabled=false overridden")
	}
	offID, err := svc.Add(&off)
	if err != nil {
		t.Fatal(err)
	}
	if stored, err = st.Get(offID); err != nil || stored.Enabled {
		t.Fatalf("disabled job re-enabled by store round-trip (err=%v)", err)
	}
}
