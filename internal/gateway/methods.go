package gateway

import (
	"context"
	"encoding/json"
	"runtime"
	"time"

	"github.com/opengate-ai/opengate/internal/cron"
	"github.com/opengate-ai/opengate/internal/providers"
	"github.com/opengate-ai/opengate/internal/sessions"
	"github.com/opengate-ai/opengate/pkg/protocol"
)

// ServerVersion is stamped by the build; reported in the hello response.
var ServerVersion = "dev"

func (r *MethodRouter) registerCore() {
	s := r.server

	r.handlers[protocol.MethodConnect] = s.handleConnect
	r.handlers[protocol.MethodPing] = func(ctx context.Context, c *Client, _ json.RawMessage) (any, error) {
		return map[string]any{"pong": true}, nil
	}
	r.handlers[protocol.MethodHealth] = func(ctx context.Context, c *Client, _ json.RawMessage) (any, error) {
		return map[string]any{"status": "ok", "protocol": protocol.ProtocolVersion}, nil
	}
	r.handlers[protocol.MethodStatus] = s.handleStatus

	r.handlers[protocol.MethodChatSend] = s.handleChatSend
	r.handlers[protocol.MethodChatAbort] = s.handleChatAbort
	r.handlers[protocol.MethodChatHistory] = s.handleChatHistory
	r.handlers[protocol.MethodChatInject] = s.handleChatInject

	r.handlers[protocol.MethodSessionsList] = s.handleSessionsList
	r.handlers[protocol.MethodSessionsSpawn] = s.handleSessionsSpawn
	r.handlers[protocol.MethodSessionsPatch] = s.handleSessionsPatch
	r.handlers[protocol.MethodSessionsReset] = s.handleSessionsReset
	r.handlers[protocol.MethodSessionsDelete] = s.handleSessionsDelete

	r.handlers[protocol.MethodCronAdd] = s.handleCronAdd
	r.handlers[protocol.MethodCronRemove] = s.handleCronRemove
	r.handlers[protocol.MethodCronList] = s.handleCronList
	r.handlers[protocol.MethodCronUpdate] = s.handleCronUpdate
	r.handlers[protocol.MethodCronToggle] = s.handleCronToggle
	r.handlers[protocol.MethodCronRun] = s.handleCronRun
	r.handlers[protocol.MethodCronRuns] = s.handleCronRuns

	r.handlers[protocol.MethodChannelsList] = s.handleChannelsList
	r.handlers[protocol.MethodChannelsStatus] = s.handleChannelsStatus

	r.handlers[protocol.MethodConfigGet] = s.handleConfigGet
	r.handlers[protocol.MethodEventReplay] = s.handleEventReplay
}

func (s *Server) handleConnect(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
	var p ConnectParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcErr(protocol.ErrHandshakeFailed, "bad connect params: "+err.Error())
	}

	method, reason := s.authorize(c.remoteAddr, c.Nonce(), &p)
	if method == "" {
		return nil, rpcErr(protocol.ErrAuthFailed, reason)
	}

	proto := p.MaxProtocol
	if proto <= 0 || proto > protocol.ProtocolVersion {
		proto = protocol.ProtocolVersion
	}

	role := p.Role
	if role == "" {
		role = "operator"
	}
	scopes := p.Scopes
	if len(scopes) == 0 && role == "operator" {
		scopes = protocol.OperatorScopes()
	}

	c.setAuthed(method, role, scopes, proto)

	return map[string]any{
		"protocol": proto,
		"server": map[string]any{
			"name":     "opengate",
			"version":  ServerVersion,
			"platform": runtime.GOOS,
		},
		"features": map[string]any{
			"replay":   true,
			"cron":     s.cron != nil,
			"channels": s.channels != nil,
		},
		"snapshot": s.snapshot(),
		"auth":     map[string]any{"method": method, "role": role, "scopes": scopes},
	}, nil
}

func (s *Server) handleStatus(ctx context.Context, c *Client, _ json.RawMessage) (any, error) {
	return map[string]any{
		"uptimeMs": time.Since(s.startedAt).Milliseconds(),
		"clients":  s.ClientCount(),
		"protocol": protocol.ProtocolVersion,
	}, nil
}

type chatSendParams struct {
	SessionKey     string            `json:"sessionKey"`
	Message        string            `json:"message"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	Images         []providers.Image `json:"images,omitempty"`
}

func (s *Server) handleChatSend(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
	var p chatSendParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcErr(protocol.ErrInvalidRequest, err.Error())
	}
	if p.SessionKey == "" || p.Message == "" {
		return nil, rpcErr(protocol.ErrInvalidRequest, "sessionKey and message are required")
	}
	if max := s.cfg.Gateway.MaxMessageChars; max > 0 && len(p.Message) > max {
		return nil, rpcErr(protocol.ErrInvalidRequest, "message too long")
	}

	runID, err := s.dispatch.Send(ctx, p.SessionKey, p.Message, p.Images)
	if err != nil {
		return nil, err
	}
	return map[string]any{"runId": runID}, nil
}

func (s *Server) handleChatAbort(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		RunID      string `json:"runId,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcErr(protocol.ErrInvalidRequest, err.Error())
	}
	return map[string]any{"aborted": s.dispatch.Abort(p.SessionKey, p.RunID)}, nil
}

func (s *Server) handleChatHistory(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Limit      int    `json:"limit,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcErr(protocol.ErrInvalidRequest, err.Error())
	}
	msgs, err := s.dispatch.History(p.SessionKey, p.Limit)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []protocol.ChatMessage{}
	}
	return map[string]any{"messages": msgs}, nil
}

func (s *Server) handleChatInject(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Role       string `json:"role"`
		Content    string `json:"content"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcErr(protocol.ErrInvalidRequest, err.Error())
	}
	if p.SessionKey == "" || p.Role == "" {
		return nil, rpcErr(protocol.ErrInvalidRequest, "sessionKey and role are required")
	}
	if err := s.dispatch.Inject(p.SessionKey, p.Role, p.Content); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleSessionsList(ctx context.Context, c *Client, _ json.RawMessage) (any, error) {
	items, err := s.sessions.List()
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessions": items}, nil
}

func (s *Server) handleSessionsSpawn(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
	var p struct {
		ParentKey string `json:"parent_key"`
		Prompt    string `json:"prompt"`
		Model     string `json:"model,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcErr(protocol.ErrInvalidRequest, err.Error())
	}
	if p.ParentKey == "" || p.Prompt == "" {
		return nil, rpcErr(protocol.ErrInvalidRequest, "parent_key and prompt are required")
	}
	key, runID, err := s.dispatch.Spawn(ctx, p.ParentKey, p.Prompt, p.Model)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessionKey": key, "runId": runID}, nil
}

type sessionsPatchParams struct {
	SessionKey      string `json:"sessionKey"`
	Model           string `json:"model,omitempty"`
	ModelProvider   string `json:"modelProvider,omitempty"`
	QueueMode       string `json:"queueMode,omitempty"`
	GroupActivation string `json:"groupActivation,omitempty"`
	SendPolicy      string `json:"sendPolicy,omitempty"`
}

func (s *Server) handleSessionsPatch(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
	var p sessionsPatchParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcErr(protocol.ErrInvalidRequest, err.Error())
	}
	if p.SessionKey == "" {
		return nil, rpcErr(protocol.ErrInvalidRequest, "sessionKey is required")
	}
	entry, err := s.sessions.Update(p.SessionKey, func(e *sessions.Entry) {
		if p.Model != "" {
			e.ModelOverride = p.Model
		}
		if p.ModelProvider != "" {
			e.ProviderOverride = p.ModelProvider
		}
		if p.QueueMode != "" {
			e.QueueMode = sessions.QueueMode(p.QueueMode)
		}
		if p.GroupActivation != "" {
			e.GroupActivation = sessions.GroupActivation(p.GroupActivation)
		}
		if p.SendPolicy != "" {
			e.SendPolicy = sessions.SendPolicy(p.SendPolicy)
		}
		e.Touch(time.Now().UnixMilli())
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"session": entry}, nil
}

func (s *Server) handleSessionsReset(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcErr(protocol.ErrInvalidRequest, err.Error())
	}
	if err := s.dispatch.Reset(p.SessionKey); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleSessionsDelete(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcErr(protocol.ErrInvalidRequest, err.Error())
	}
	deleted, err := s.dispatch.Delete(p.SessionKey)
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted": deleted}, nil
}

func (s *Server) requireCron() error {
	if s.cron == nil {
		return rpcErr(protocol.ErrUnavailable, "cron service not running")
	}
	return nil
}

func (s *Server) handleCronAdd(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
	if err := s.requireCron(); err != nil {
		return nil, err
	}
	var p struct {
		Job *cron.Job `json:"job"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Job == nil {
		return nil, rpcErr(protocol.ErrInvalidRequest, "job is required")
	}
	id, err := s.cron.Add(p.Job)
	if err != nil {
		return nil, rpcErr(protocol.ErrInvalidRequest, err.Error())
	}
	return map[string]any{"id": id}, nil
}

func (s *Server) handleCronRemove(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
	if err := s.requireCron(); err != nil {
		return nil, err
	}
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcErr(protocol.ErrInvalidRequest, err.Error())
	}
	removed, err := s.cron.Remove(p.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"removed": removed}, nil
}

func (s *Server) handleCronList(ctx context.Context, c *Client, _ json.RawMessage) (any, error) {
	if err := s.requireCron(); err != nil {
		return nil, err
	}
	jobs, err := s.cron.List()
	if err != nil {
		return nil, err
	}
	return map[string]any{"jobs": jobs}, nil
}

type cronUpdateParams struct {
	ID            string         `json:"id"`
	Name          *string        `json:"name,omitempty"`
	Schedule      *cron.Schedule `json:"schedule,omitempty"`
	Payload       *cron.Payload  `json:"payload,omitempty"`
	Delivery      *cron.Delivery `json:"delivery,omitempty"`
	SessionTarget *string        `json:"sessionTarget,omitempty"`
}

func (s *Server) handleCronUpdate(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
	if err := s.requireCron(); err != nil {
		return nil, err
	}
	var p cronUpdateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcErr(protocol.ErrInvalidRequest, err.Error())
	}
	job, err := s.cron.Update(p.ID, func(j *cron.Job) {
		if p.Name != nil {
			j.Name = *p.Name
		}
		if p.Schedule != nil {
			j.Schedule = *p.Schedule
		}
		if p.Payload != nil {
			j.Payload = *p.Payload
		}
		if p.Delivery != nil {
			j.Delivery = p.Delivery
		}
		if p.SessionTarget != nil {
			j.SessionTarget = *p.SessionTarget
		}
	})
	if err != nil {
		return nil, rpcErr(protocol.ErrInvalidRequest, err.Error())
	}
	return map[string]any{"job": job}, nil
}

func (s *Server) handleCronToggle(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
	if err := s.requireCron(); err != nil {
		return nil, err
	}
	var p struct {
		ID      string `json:"id"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcErr(protocol.ErrInvalidRequest, err.Error())
	}
	job, err := s.cron.Toggle(p.ID, p.Enabled)
	if err != nil {
		return nil, err
	}
	return map[string]any{"job": job}, nil
}

func (s *Server) handleCronRun(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
	if err := s.requireCron(); err != nil {
		return nil, err
	}
	var p struct {
		ID   string `json:"id"`
		Mode string `json:"mode,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcErr(protocol.ErrInvalidRequest, err.Error())
	}
	if p.Mode == "" {
		p.Mode = "due"
	}
	ran, err := s.cron.Run(ctx, p.ID, p.Mode)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ran": ran}, nil
}

func (s *Server) handleCronRuns(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
	if err := s.requireCron(); err != nil {
		return nil, err
	}
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcErr(protocol.ErrInvalidRequest, err.Error())
	}
	runs, err := s.cron.Runs(p.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": runs}, nil
}

func (s *Server) handleChannelsList(ctx context.Context, c *Client, _ json.RawMessage) (any, error) {
	if s.channels == nil {
		return map[string]any{"channels": []string{}}, nil
	}
	return map[string]any{"channels": s.channels.Names()}, nil
}

func (s *Server) handleChannelsStatus(ctx context.Context, c *Client, _ json.RawMessage) (any, error) {
	if s.channels == nil {
		return map[string]any{"status": map[string]bool{}}, nil
	}
	return map[string]any{"status": s.channels.Status()}, nil
}

func (s *Server) handleConfigGet(ctx context.Context, c *Client, _ json.RawMessage) (any, error) {
	return map[string]any{"config": s.cfg.MaskedCopy()}, nil
}

func (s *Server) handleEventReplay(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
	var p struct {
		Topic    string `json:"topic,omitempty"`
		RunID    string `json:"runId,omitempty"`
		AfterSeq uint64 `json:"afterSeq"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcErr(protocol.ErrInvalidRequest, err.Error())
	}
	topic := p.Topic
	if topic == "" {
		topic = p.RunID
	}
	if topic == "" {
		return nil, rpcErr(protocol.ErrInvalidRequest, "topic or runId is required")
	}
	frames := s.Replay(topic, p.AfterSeq)
	if frames == nil {
		frames = []*protocol.EventFrame{}
	}
	return map[string]any{"events": frames}, nil
}
