package mcpservice

import (
	"errors"
	"fmt"
	"strings"

	"github.com/followdrabbit/mcp-protocol-lab/mcp"
)

var (
	// ErrDuplicateCapability is returned when registering a name or URI
	// template that already exists in a container.
	ErrDuplicateCapability = errors.New("capability already registered")
	// ErrNotFound is returned when a name or URI resolves to no registered
	// capability. It is recoverable: the session stays open.
	ErrNotFound = errors.New("capability not found")
)

// FieldError describes one invalid argument field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ArgumentErrors aggregates every failing field of an invocation, not just
// the first. Transports map it to an invalid-params error whose data carries
// the individual fields.
type ArgumentErrors struct {
	Fields []FieldError
}

func (e *ArgumentErrors) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "invalid arguments: " + strings.Join(parts, "; ")
}

// Errorf builds a CallToolResult conveying a handler-level failure as
// content. The session stays open; only this invocation fails.
func Errorf(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{mcp.NewTextContent(fmt.Sprintf(format, args...))},
		IsError: true,
	}
}

// TextResult builds a CallToolResult with a single text block.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.NewTextContent(text)}}
}
