package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the payload is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates the supplied arguments failed validation.
	// The error data carries a field-by-field breakdown.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Server-defined codes (-32000..-32099 reserved range).
const (
	// ErrorCodeHandlerError wraps a capability handler failure. The session
	// stays open; only the one invocation fails.
	ErrorCodeHandlerError ErrorCode = -32000
	// ErrorCodeVersionMismatch terminates initialization when client and
	// server share no protocol version.
	ErrorCodeVersionMismatch ErrorCode = -32001
	// ErrorCodeResourceNotFound indicates a URI matched no registered
	// resource or template.
	ErrorCodeResourceNotFound ErrorCode = -32002
)
