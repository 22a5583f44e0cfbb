// Package protocol defines the wire protocol spoken over the gateway
// WebSocket: request/response/event frames, method and event names,
// error codes, and the scope guard table.
//
// Three frame kinds travel over a single duplex connection, JSON-encoded,
// one frame per WebSocket message:
//
//	Request:  {"type":"req","id":...,"method":"chat.send","params":{...}}
//	Response: {"id":...,"result":{...}} or {"id":...,"error":{...}}
//	Event:    {"event":"chat.delta","payload":{...},"seq":7}
//
// Clients may also speak the JSON-RPC 2.0 envelope ({"jsonrpc":"2.0",...});
// the decoder accepts both and the responder mirrors whichever envelope
// the request used.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the highest protocol revision this server speaks.
// Negotiated down to the client's maxProtocol during connect.
const ProtocolVersion = 3

// Frame type discriminators.
const (
	FrameTypeRequest = "req"
	JSONRPCVersion   = "2.0"
)

// RequestFrame is a client→server RPC call.
// ID is opaque: it is echoed back verbatim in the response, so it is kept
// as raw JSON (clients send strings or numbers).
type RequestFrame struct {
	Type    string          `json:"type,omitempty"`
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsJSONRPC reports whether the request used the JSON-RPC 2.0 envelope.
func (r *RequestFrame) IsJSONRPC() bool { return r.JSONRPC == JSONRPCVersion }

// Valid reports whether the frame carries enough to dispatch.
func (r *RequestFrame) Valid() bool {
	if r.Method == "" {
		return false
	}
	return r.Type == FrameTypeRequest || r.JSONRPC == JSONRPCVersion
}

// ResponseFrame is a server→client RPC reply. Exactly one of Result/Error
// is set.
type ResponseFrame struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the error half of a response frame.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// RPCCode carries the numeric JSON-RPC code when that envelope is used.
	RPCCode int `json:"rpcCode,omitempty"`
}

func (e *ErrorBody) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// EventFrame is a server→client push. Seq is monotone per run/topic
// starting at 0; gaps indicate lost events.
type EventFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     uint64          `json:"seq"`
}

// NewResult builds a success response mirroring the request envelope.
func NewResult(req *RequestFrame, result any) (*ResponseFrame, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	resp := &ResponseFrame{ID: req.ID, Result: raw}
	if req.IsJSONRPC() {
		resp.JSONRPC = JSONRPCVersion
	}
	return resp, nil
}

// NewError builds an error response mirroring the request envelope.
func NewError(req *RequestFrame, code, message string) *ResponseFrame {
	body := &ErrorBody{Code: code, Message: message}
	resp := &ResponseFrame{Error: body}
	if req != nil {
		resp.ID = req.ID
		if req.IsJSONRPC() {
			resp.JSONRPC = JSONRPCVersion
			body.RPCCode = RPCCodeFor(code)
		}
	}
	return resp
}

// NewEvent builds an event frame. Payload marshalling errors degrade to a
// null payload rather than dropping the event; sequence numbers must keep
// advancing even for malformed payloads.
func NewEvent(name string, payload any, seq uint64) *EventFrame {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("null")
	}
	return &EventFrame{Event: name, Payload: raw, Seq: seq}
}

// DecodeRequest parses one inbound frame. Returns ErrInvalidFrame for
// frames that are well-formed JSON but not a dispatchable request.
func DecodeRequest(data []byte) (*RequestFrame, error) {
	var req RequestFrame
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if !req.Valid() {
		return nil, ErrInvalidFrame
	}
	return &req, nil
}
