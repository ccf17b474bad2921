package mcpservice

import (
	"context"

	"github.com/followdrabbit/mcp-protocol-lab/mcp"
	"github.com/followdrabbit/mcp-protocol-lab/sessions"
)

// Provider interfaces and their function adapters. Each returns
// (value, ok, error); ok distinguishes absence from an empty-but-present
// capability.

// ServerInfoProvider yields implementation metadata. Typically static.
type ServerInfoProvider interface {
	ProvideServerInfo(ctx context.Context, session sessions.Session) (mcp.ImplementationInfo, bool, error)
}

type ServerInfoProviderFunc func(ctx context.Context, session sessions.Session) (mcp.ImplementationInfo, bool, error)

func (f ServerInfoProviderFunc) ProvideServerInfo(ctx context.Context, s sessions.Session) (mcp.ImplementationInfo, bool, error) {
	return f(ctx, s)
}

// InstructionsProvider supplies optional initialize instructions.
type InstructionsProvider interface {
	ProvideInstructions(ctx context.Context, session sessions.Session) (string, bool, error)
}

type InstructionsProviderFunc func(ctx context.Context, session sessions.Session) (string, bool, error)

func (f InstructionsProviderFunc) ProvideInstructions(ctx context.Context, s sessions.Session) (string, bool, error) {
	return f(ctx, s)
}

// ToolsCapabilityProvider yields the tools surface. Use a provider func for
// per-session scoping.
type ToolsCapabilityProvider interface {
	ProvideTools(ctx context.Context, session sessions.Session) (ToolsCapability, bool, error)
}

type ToolsCapabilityProviderFunc func(ctx context.Context, session sessions.Session) (ToolsCapability, bool, error)

func (f ToolsCapabilityProviderFunc) ProvideTools(ctx context.Context, s sessions.Session) (ToolsCapability, bool, error) {
	return f(ctx, s)
}

// ResourcesCapabilityProvider yields the resources surface.
type ResourcesCapabilityProvider interface {
	ProvideResources(ctx context.Context, session sessions.Session) (ResourcesCapability, bool, error)
}

type ResourcesCapabilityProviderFunc func(ctx context.Context, session sessions.Session) (ResourcesCapability, bool, error)

func (f ResourcesCapabilityProviderFunc) ProvideResources(ctx context.Context, s sessions.Session) (ResourcesCapability, bool, error) {
	return f(ctx, s)
}

// PromptsCapabilityProvider yields the prompts surface.
type PromptsCapabilityProvider interface {
	ProvidePrompts(ctx context.Context, session sessions.Session) (PromptsCapability, bool, error)
}

type PromptsCapabilityProviderFunc func(ctx context.Context, session sessions.Session) (PromptsCapability, bool, error)

func (f PromptsCapabilityProviderFunc) ProvidePrompts(ctx context.Context, s sessions.Session) (PromptsCapability, bool, error) {
	return f(ctx, s)
}

// LoggingCapabilityProvider yields logging/setLevel support.
type LoggingCapabilityProvider interface {
	ProvideLogging(ctx context.Context, session sessions.Session) (LoggingCapability, bool, error)
}

type LoggingCapabilityProviderFunc func(ctx context.Context, session sessions.Session) (LoggingCapability, bool, error)

func (f LoggingCapabilityProviderFunc) ProvideLogging(ctx context.Context, s sessions.Session) (LoggingCapability, bool, error) {
	return f(ctx, s)
}

// Static helper constructors.

// ServerInfoOption configures optional implementation-info fields.
type ServerInfoOption func(*mcp.ImplementationInfo)

// WithServerInfoTitle sets the optional human-friendly title.
func WithServerInfoTitle(title string) ServerInfoOption {
	return func(info *mcp.ImplementationInfo) { info.Title = title }
}

// StaticServerInfo returns a provider that always supplies the same info.
func StaticServerInfo(name, version string, opts ...ServerInfoOption) ServerInfoProvider {
	info := mcp.ImplementationInfo{Name: name, Version: version}
	for _, opt := range opts {
		if opt != nil {
			opt(&info)
		}
	}
	return ServerInfoProviderFunc(func(context.Context, sessions.Session) (mcp.ImplementationInfo, bool, error) {
		return info, true, nil
	})
}

// StaticInstructions returns a provider for fixed instructions; an empty
// string omits the field.
func StaticInstructions(s string) InstructionsProvider {
	return InstructionsProviderFunc(func(context.Context, sessions.Session) (string, bool, error) {
		return s, s != "", nil
	})
}

// StaticTools wraps a fixed tools capability; nil suppresses the capability.
func StaticTools(cap ToolsCapability) ToolsCapabilityProvider {
	return ToolsCapabilityProviderFunc(func(context.Context, sessions.Session) (ToolsCapability, bool, error) {
		return cap, cap != nil, nil
	})
}

// StaticResources wraps a fixed resources capability; nil suppresses it.
func StaticResources(cap ResourcesCapability) ResourcesCapabilityProvider {
	return ResourcesCapabilityProviderFunc(func(context.Context, sessions.Session) (ResourcesCapability, bool, error) {
		return cap, cap != nil, nil
	})
}

// StaticPrompts wraps a fixed prompts capability; nil suppresses it.
func StaticPrompts(cap PromptsCapability) PromptsCapabilityProvider {
	return PromptsCapabilityProviderFunc(func(context.Context, sessions.Session) (PromptsCapability, bool, error) {
		return cap, cap != nil, nil
	})
}

// StaticLogging wraps a fixed logging capability; nil suppresses it.
func StaticLogging(cap LoggingCapability) LoggingCapabilityProvider {
	return LoggingCapabilityProviderFunc(func(context.Context, sessions.Session) (LoggingCapability, bool, error) {
		return cap, cap != nil, nil
	})
}
