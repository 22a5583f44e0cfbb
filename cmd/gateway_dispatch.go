package cmd

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/opengate-ai/opengate/internal/agent"
	"github.com/opengate-ai/opengate/internal/providers"
	"github.com/opengate-ai/opengate/internal/scheduler"
	"github.com/opengate-ai/opengate/internal/sessions"
	"github.com/opengate-ai/opengate/pkg/protocol"
)

// chatDispatcher implements gateway.Dispatcher over the run queue, the
// turn runner, and the session registry.
type chatDispatcher struct {
	queue     *scheduler.Queue
	aborts    *scheduler.AbortRegistry
	runner    *agent.Runner
	store     *sessions.Store
	pool      *agent.Pool
	providers *providerSet

	mu     sync.Mutex
	active map[string][]string // sessionKey -> in-flight run ids, oldest first
}

func newChatDispatcher(queue *scheduler.Queue, aborts *scheduler.AbortRegistry, runner *agent.Runner, store *sessions.Store, pool *agent.Pool, ps *providerSet) *chatDispatcher {
	return &chatDispatcher{
		queue:     queue,
		aborts:    aborts,
		runner:    runner,
		store:     store,
		pool:      pool,
		providers: ps,
		active:    make(map[string][]string),
	}
}

func (d *chatDispatcher) Send(ctx context.Context, sessionKey, message string, images []providers.Image) (string, error) {
	return d.send(sessionKey, message, images, "", "")
}

func (d *chatDispatcher) send(sessionKey, message string, images []providers.Image, model, promptOverride string) (string, error) {
	entry, err := d.store.Ensure(sessionKey, nil)
	if err != nil {
		return "", fmt.Errorf("ensure session %s: %w", sessionKey, err)
	}

	if model == "" {
		model = entry.ModelOverride
	}
	d.applyProviderOverride(entry, sessionKey, model)

	runID := uuid.NewString()
	req := agent.TurnRequest{
		RunID:          runID,
		SessionKey:     sessionKey,
		Message:        message,
		Images:         images,
		Model:          model,
		PromptOverride: promptOverride,
	}

	opts := scheduler.EnqueueOptions{
		Cap:       entry.QueueCap,
		Interrupt: entry.QueueMode == sessions.QueueModeInterrupt,
	}
	if entry.QueueDrop == sessions.QueueDropOld {
		opts.Drop = scheduler.DropOld
	}

	if opts.Interrupt {
		d.abortOldest(sessionKey)
	}

	d.trackRun(sessionKey, runID)
	run := d.queue.Enqueue(sessionKey, runID, func(ctx context.Context) error {
		_, err := d.runner.RunTurn(ctx, req)
		return err
	}, opts)
	if run == nil {
		d.untrackRun(sessionKey, runID)
		return "", &protocol.ErrorBody{Code: protocol.ErrUnavailable, Message: "session queue full"}
	}
	go func() {
		<-run.Done()
		d.untrackRun(sessionKey, runID)
	}()
	return runID, nil
}

// applyProviderOverride rebinds the session's LLM client when the
// registry entry names a different provider.
func (d *chatDispatcher) applyProviderOverride(entry *sessions.Entry, sessionKey, model string) {
	if entry.ProviderOverride == "" {
		return
	}
	client := d.providers.Get(entry.ProviderOverride)
	if client == nil {
		return
	}
	sess := d.pool.Acquire(entry.SessionID, sessionKey, client, model, d.runner.Tools)
	sess.SetClient(client, model)
}

func (d *chatDispatcher) trackRun(sessionKey, runID string) {
	d.mu.Lock()
	d.active[sessionKey] = append(d.active[sessionKey], runID)
	d.mu.Unlock()
}

func (d *chatDispatcher) untrackRun(sessionKey, runID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := d.active[sessionKey]
	for i, id := range ids {
		if id == runID {
			d.active[sessionKey] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(d.active[sessionKey]) == 0 {
		delete(d.active, sessionKey)
	}
}

func (d *chatDispatcher) abortOldest(sessionKey string) bool {
	d.mu.Lock()
	var runID string
	if ids := d.active[sessionKey]; len(ids) > 0 {
		runID = ids[0]
	}
	d.mu.Unlock()
	if runID == "" {
		return false
	}
	return d.aborts.Abort(runID)
}

func (d *chatDispatcher) Abort(sessionKey, runID string) bool {
	if runID != "" {
		return d.aborts.Abort(runID)
	}
	return d.abortOldest(sessionKey)
}

func (d *chatDispatcher) Spawn(ctx context.Context, parentKey, prompt, model string) (string, string, error) {
	parent, ok, err := d.store.Get(parentKey)
	if err != nil {
		return "", "", fmt.Errorf("load parent session %s: %w", parentKey, err)
	}
	if !ok {
		return "", "", &protocol.ErrorBody{Code: protocol.ErrInvalidRequest, Message: "parent session not found"}
	}
	if parent.SpawnDepth >= sessions.MaxSpawnDepth {
		return "", "", &protocol.ErrorBody{Code: protocol.ErrInvalidRequest, Message: "max spawn depth exceeded"}
	}

	agentID := sessions.AgentID(parentKey)
	key := sessions.SpawnKey(agentID, uuid.NewString()[:8])
	depth := parent.SpawnDepth + 1
	if _, err := d.store.Ensure(key, func(e *sessions.Entry) {
		e.SpawnedBy = parentKey
		e.SpawnDepth = depth
	}); err != nil {
		return "", "", fmt.Errorf("create spawned session: %w", err)
	}

	runID, err := d.send(key, prompt, nil, model, "")
	if err != nil {
		return "", "", err
	}
	return key, runID, nil
}

func (d *chatDispatcher) History(sessionKey string, limit int) ([]protocol.ChatMessage, error) {
	entry, ok, err := d.store.Get(sessionKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &protocol.ErrorBody{Code: protocol.ErrInvalidRequest, Message: "session not found"}
	}
	sess, live := d.pool.Get(entry.SessionID)
	if !live {
		return []protocol.ChatMessage{}, nil
	}
	msgs := sess.History(limit)
	out := make([]protocol.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "tool" {
			continue
		}
		out = append(out, protocol.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

func (d *chatDispatcher) Inject(sessionKey, role, content string) error {
	entry, err := d.store.Ensure(sessionKey, nil)
	if err != nil {
		return err
	}
	model := entry.ModelOverride
	sess := d.pool.Acquire(entry.SessionID, sessionKey, d.runner.Client, model, d.runner.Tools)
	sess.Inject(role, content)
	return nil
}

func (d *chatDispatcher) Reset(sessionKey string) error {
	if entry, ok, err := d.store.Get(sessionKey); err == nil && ok {
		d.pool.Drop(entry.SessionID)
	}
	return d.store.Reset(sessionKey)
}

func (d *chatDispatcher) Delete(sessionKey string) (bool, error) {
	if entry, ok, err := d.store.Get(sessionKey); err == nil && ok {
		d.pool.Drop(entry.SessionID)
	}
	return d.store.Delete(sessionKey)
}
