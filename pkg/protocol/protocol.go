package protocol

import "encoding/json"

// JSONRPCVersion is the only wire version the daemon speaks.
const JSONRPCVersion = "2.0"

// Request is a single JSON-RPC 2.0 request, one per newline-terminated line.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a single JSON-RPC 2.0 response line.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject carries a wire error code plus optional structured detail.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Domain error codes.
const (
	CodeUnauthorized  = -32001
	CodeNotFound      = -32002
	CodeAlreadyExists = -32003
)

// AmbiguousPrefixData is the Data payload for an ambiguous short-id prefix.
// Candidates carry enough of each match for the caller to disambiguate.
type AmbiguousPrefixData struct {
	Kind       string   `json:"kind"` // always "ambiguous-id-prefix"
	Candidates []string `json:"candidates"`
}

// DeliveryErrorData is attached to adapter-send failures so callers can
// retry or inspect the envelope that was persisted anyway.
type DeliveryErrorData struct {
	EnvelopeID string `json:"envelopeId"`
}
