package protocol

import "errors"

// Namespaced error codes returned in error.code.
const (
	ErrAuthRequired     = "AUTH_REQUIRED"
	ErrAuthFailed       = "AUTH_FAILED"
	ErrPermissionDenied = "PERMISSION_DENIED"
	ErrMethodNotFound   = "METHOD_NOT_FOUND"
	ErrInvalidRequest   = "INVALID_REQUEST"
	ErrNotLinked        = "NOT_LINKED"
	ErrNotPaired        = "NOT_PAIRED"
	ErrAgentTimeout     = "AGENT_TIMEOUT"
	ErrUnavailable      = "UNAVAILABLE"
	ErrInternal         = "INTERNAL_ERROR"
	ErrHandshakeFailed  = "HANDSHAKE_FAILED"
)

// Auth failure reasons carried in AUTH_FAILED responses.
const (
	AuthReasonTokenMissing     = "token_missing"
	AuthReasonTokenMismatch    = "token_mismatch"
	AuthReasonPasswordMismatch = "password_mismatch"
	AuthReasonDeviceUnknown    = "device_unknown"
)

// ErrInvalidFrame marks an inbound message that is not a valid request frame.
var ErrInvalidFrame = errors.New("invalid request frame")

// RPCCodeFor maps a namespaced error code to its JSON-RPC numeric code.
// METHOD_NOT_FOUND and INTERNAL_ERROR use the reserved JSON-RPC values;
// everything else maps to the implementation-defined -32000 band.
func RPCCodeFor(code string) int {
	switch code {
	case ErrMethodNotFound:
		return -32601
	case ErrInternal:
		return -32603
	case ErrInvalidRequest:
		return -32600
	default:
		return -32000
	}
}
