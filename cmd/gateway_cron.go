package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opengate-ai/opengate/internal/agent"
	"github.com/opengate-ai/opengate/internal/channels"
	"github.com/opengate-ai/opengate/internal/cron"
	"github.com/opengate-ai/opengate/internal/scheduler"
	"github.com/opengate-ai/opengate/internal/sessions"
)

// cronSummaryChars caps the result text stored in the cron run log.
const cronSummaryChars = 200

// makeCronTurnFunc builds the agent_turn executor for the cron service.
// The turn goes through the same per-session queue as chat runs, so a
// cron job targeting the main session never races a user conversation.
// Delivery goes directly through the channel manager so a failure is
// observable; best-effort deliveries log it, strict ones fail the run.
func makeCronTurnFunc(d *chatDispatcher, store *sessions.Store, mgr *channels.Manager) cron.TurnFunc {
	return func(ctx context.Context, job *cron.Job, sessionKey, runID string) (string, error) {
		if _, err := store.Ensure(sessionKey, nil); err != nil {
			return "", err
		}

		var result *agent.TurnResult
		var runErr error
		req := agent.TurnRequest{
			RunID:      runID,
			SessionKey: sessionKey,
			Message:    job.Payload.Prompt,
			Model:      job.Payload.Model,
		}
		run := d.queue.Enqueue(sessionKey, runID, func(ctx context.Context) error {
			result, runErr = d.runner.RunTurn(ctx, req)
			return runErr
		}, scheduler.EnqueueOptions{})
		if run == nil {
			return "", errors.New("cron run rejected by session queue")
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-run.Done():
		}
		if runErr != nil {
			return "", runErr
		}
		if result == nil {
			return "aborted", nil
		}

		if err := deliverCronResult(ctx, mgr, job, result.Content); err != nil {
			return "", err
		}
		return channels.Truncate(result.Content, cronSummaryChars), nil
	}
}

// deliverCronResult sends an agent_turn's final text to the job's
// delivery target, if any. A best-effort delivery failure is logged and
// swallowed; a strict one fails the run so it lands in the run log.
func deliverCronResult(ctx context.Context, mgr *channels.Manager, job *cron.Job, content string) error {
	if job.Delivery == nil || content == "" {
		return nil
	}
	err := mgr.Send(ctx, job.Delivery.Channel, job.Delivery.Target, content)
	if err == nil {
		return nil
	}
	if !job.Delivery.BestEffort {
		return fmt.Errorf("deliver result: %w", err)
	}
	slog.Warn("cron.delivery_failed",
		"job", job.ID,
		"channel", job.Delivery.Channel,
		"error", err,
	)
	return nil
}
