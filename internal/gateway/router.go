package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/opengate-ai/opengate/pkg/protocol"
)

// HandlerFunc executes one RPC method. A returned *protocol.ErrorBody
// (or an error wrapping one) maps to an error response with its code;
// any other error maps to INTERNAL_ERROR.
type HandlerFunc func(ctx context.Context, c *Client, params json.RawMessage) (any, error)

// MethodRouter dispatches request frames to registered handlers, with
// auth gating, per-connection rate limiting, and idempotency dedupe.
type MethodRouter struct {
	server *Server

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewMethodRouter creates the router with the core method table
// registered.
func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{
		server:   s,
		handlers: make(map[string]HandlerFunc),
	}
	r.registerCore()
	return r
}

// Register adds or replaces a method handler.
func (r *MethodRouter) Register(method string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// rpcErr builds a typed protocol error for handler returns.
func rpcErr(code, message string) *protocol.ErrorBody {
	return &protocol.ErrorBody{Code: code, Message: message}
}

// idemProbe pulls the idempotency key out of any method's params.
type idemProbe struct {
	IdempotencyKey string `json:"idempotencyKey"`
}

// Dispatch runs one request and returns the response frame to send.
func (r *MethodRouter) Dispatch(ctx context.Context, c *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	if !c.Authed() && !protocol.AllowedBeforeAuth(req.Method) {
		return protocol.NewError(req, protocol.ErrAuthRequired, "connect first")
	}

	if c.limiter != nil && req.Method != protocol.MethodConnect && !c.limiter.Allow() {
		return protocol.NewError(req, protocol.ErrUnavailable, "rate limit exceeded")
	}

	r.mu.RLock()
	handler, ok := r.handlers[req.Method]
	r.mu.RUnlock()
	if !ok {
		return protocol.NewError(req, protocol.ErrMethodNotFound, "unknown method: "+req.Method)
	}

	var idemKey string
	if protocol.Idempotent(req.Method) && len(req.Params) > 0 {
		var probe idemProbe
		if json.Unmarshal(req.Params, &probe) == nil {
			idemKey = probe.IdempotencyKey
		}
	}

	if idemKey != "" {
		if out, hit := r.server.dedupe.lookup(req.Method, idemKey); hit {
			slog.Debug("gateway.dedupe_hit", "method", req.Method)
			if out.errBody != nil {
				return protocol.NewError(req, out.errBody.Code, out.errBody.Message)
			}
			return r.respond(req, out.result)
		}
	}

	result, err := handler(ctx, c, req.Params)
	if err != nil {
		body := asErrorBody(err)
		if idemKey != "" {
			r.server.dedupe.record(req.Method, idemKey, nil, body)
		}
		return protocol.NewError(req, body.Code, body.Message)
	}

	if idemKey != "" {
		r.server.dedupe.record(req.Method, idemKey, result, nil)
	}
	return r.respond(req, result)
}

func (r *MethodRouter) respond(req *protocol.RequestFrame, result any) *protocol.ResponseFrame {
	resp, err := protocol.NewResult(req, result)
	if err != nil {
		slog.Error("gateway.marshal_result_failed", "method", req.Method, "error", err)
		return protocol.NewError(req, protocol.ErrInternal, "marshal result")
	}
	return resp
}

func asErrorBody(err error) *protocol.ErrorBody {
	var body *protocol.ErrorBody
	if errors.As(err, &body) {
		return body
	}
	return &protocol.ErrorBody{Code: protocol.ErrInternal, Message: err.Error()}
}
