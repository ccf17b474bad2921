package mcpservice

import (
	"context"

	"github.com/followdrabbit/mcp-protocol-lab/mcp"
	"github.com/followdrabbit/mcp-protocol-lab/sessions"
)

// ServerCapabilities is what a transport needs from a server implementation.
// The transport discovers capabilities per session and translates calls on
// these interfaces into protocol messages. Implementations MUST be safe for
// concurrent use and honor the provided context.
type ServerCapabilities interface {
	// GetServerInfo returns implementation information surfaced in
	// initialize results. It SHOULD be inexpensive.
	GetServerInfo(ctx context.Context, session sessions.Session) (mcp.ImplementationInfo, error)

	// GetInstructions returns optional human-readable instructions included
	// in the initialize result. ok=false omits the field.
	GetInstructions(ctx context.Context, session sessions.Session) (instructions string, ok bool, err error)

	// GetToolsCapability returns the tools surface for the session, or
	// ok=false when tools are not advertised.
	GetToolsCapability(ctx context.Context, session sessions.Session) (cap ToolsCapability, ok bool, err error)

	// GetResourcesCapability returns the resources surface for the session,
	// or ok=false when resources are not advertised.
	GetResourcesCapability(ctx context.Context, session sessions.Session) (cap ResourcesCapability, ok bool, err error)

	// GetPromptsCapability returns the prompts surface for the session, or
	// ok=false when prompts are not advertised.
	GetPromptsCapability(ctx context.Context, session sessions.Session) (cap PromptsCapability, ok bool, err error)

	// GetLoggingCapability returns logging/setLevel support for the session,
	// or ok=false when not advertised.
	GetLoggingCapability(ctx context.Context, session sessions.Session) (cap LoggingCapability, ok bool, err error)
}

// ToolsCapability is the server's invocable-action surface. All methods MUST
// be safe for concurrent use; calls are isolated per session.
type ToolsCapability interface {
	// ListTools returns a page of tools in registration order. A nil cursor
	// requests the first page.
	ListTools(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Tool], error)

	// CallTool validates and executes a named tool. Argument validation
	// failures surface as ArgumentErrors; unknown names as ErrNotFound.
	CallTool(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

	// GetListChangedCapability returns optional list-change notification
	// support; ok=false means listChanged is not advertised.
	GetListChangedCapability(ctx context.Context, session sessions.Session) (cap ToolListChangedCapability, ok bool, err error)
}

// NotifyToolsListChangedFunc is invoked when the tool set changes.
type NotifyToolsListChangedFunc func(ctx context.Context, session sessions.Session)

// ToolListChangedCapability registers list-change callbacks. Register must
// respect ctx cancellation to stop delivering callbacks.
type ToolListChangedCapability interface {
	Register(ctx context.Context, session sessions.Session, fn NotifyToolsListChangedFunc) (ok bool, err error)
}

// ResourcesCapability is the server's data-endpoint surface.
type ResourcesCapability interface {
	// ListResources returns a page of concrete resources in registration order.
	ListResources(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Resource], error)

	// ListResourceTemplates returns a page of URI templates in registration order.
	ListResourceTemplates(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.ResourceTemplate], error)

	// ReadResource resolves a URI against concrete resources first, then
	// against templates in registration order, binding named path segments
	// as handler arguments. Unknown URIs yield ErrNotFound.
	ReadResource(ctx context.Context, session sessions.Session, uri string) ([]mcp.ResourceContents, error)

	// GetSubscriptionCapability returns optional per-URI subscription
	// support; ok=false means subscribe is not advertised.
	GetSubscriptionCapability(ctx context.Context, session sessions.Session) (cap ResourceSubscriptionCapability, ok bool, err error)

	// GetListChangedCapability returns optional list-change notification
	// support; ok=false means listChanged is not advertised.
	GetListChangedCapability(ctx context.Context, session sessions.Session) (cap ResourceListChangedCapability, ok bool, err error)
}

// NotifyResourceChangeFunc signals that the resource set changed. uri names
// the changed resource when known; empty means a general list change.
type NotifyResourceChangeFunc func(ctx context.Context, session sessions.Session, uri string)

// ResourceSubscriptionCapability manages per-session URI subscriptions.
// Subscribe and Unsubscribe MUST be idempotent per (session, uri) pair.
type ResourceSubscriptionCapability interface {
	Subscribe(ctx context.Context, session sessions.Session, uri string) error
	Unsubscribe(ctx context.Context, session sessions.Session, uri string) error
}

// ResourceListChangedCapability registers list-change callbacks.
type ResourceListChangedCapability interface {
	Register(ctx context.Context, session sessions.Session, fn NotifyResourceChangeFunc) (ok bool, err error)
}

// PromptsCapability is the server's prompt-template surface.
type PromptsCapability interface {
	// ListPrompts returns a page of prompts in registration order.
	ListPrompts(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Prompt], error)

	// GetPrompt renders a prompt by exact name. Missing required arguments
	// surface as ArgumentErrors; unknown names as ErrNotFound.
	GetPrompt(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error)

	// GetListChangedCapability returns optional list-change notification
	// support; ok=false means listChanged is not advertised.
	GetListChangedCapability(ctx context.Context, session sessions.Session) (cap PromptListChangedCapability, ok bool, err error)
}

// NotifyPromptsListChangedFunc is invoked when the prompt set changes.
type NotifyPromptsListChangedFunc func(ctx context.Context, session sessions.Session)

// PromptListChangedCapability registers list-change callbacks.
type PromptListChangedCapability interface {
	Register(ctx context.Context, session sessions.Session, fn NotifyPromptsListChangedFunc) (ok bool, err error)
}

// LoggingCapability lets the client adjust the session's logging level.
type LoggingCapability interface {
	SetLevel(ctx context.Context, session sessions.Session, level mcp.LoggingLevel) error
}
