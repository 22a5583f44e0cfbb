package cmd

import (
	"context"
	"errors"
	"testing"

	"github.com/opengate-ai/opengate/internal/bus"
	"github.com/opengate-ai/opengate/internal/channels"
	"github.com/opengate-ai/opengate/internal/cron"
)

type failingChannel struct {
	name string
	err  error
}

func (f *failingChannel) Name() string                    { return f.name }
func (f *failingChannel) Start(ctx context.Context) error { return nil }
func (f *failingChannel) Stop(ctx context.Context) error  { return nil }
func (f *failingChannel) IsRunning() bool                 { return true }

func (f *failingChannel) Send(ctx context.Context, m bus.OutboundMessage) error {
	return f.err
}

func TestDeliverCronResult(t *testing.T) {
	mgr := channels.NewManager(bus.NewMessageBus())
	mgr.Register(&failingChannel{name: "tg", err: errors.New("forbidden")})

	strict := &cron.Job{
		ID:       "j1",
		Delivery: &cron.Delivery{Channel: "tg", Target: "123"},
	}
	if err := deliverCronResult(context.Background(), mgr, strict, "hi"); err == nil {
		t.Fatal("strict delivery failure did not fail the run")
	}

	lax := &cron.Job{
		ID:       "j2",
		Delivery: &cron.Delivery{Channel: "tg", Target: "123", BestEffort: true},
	}
	if err := deliverCronResult(context.Background(), mgr, lax, "hi"); err != nil {
		t.Fatalf("best-effort delivery failure failed the run: %v", err)
	}

	// No delivery configured, or nothing to say: nothing to send.
	if err := deliverCronResult(context.Background(), mgr, &cron.Job{ID: "j3"}, "hi"); err != nil {
		t.Fatal(err)
	}
	if err := deliverCronResult(context.Background(), mgr, strict, ""); err != nil {
		t.Fatal(err)
	}
}
