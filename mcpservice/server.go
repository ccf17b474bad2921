package mcpservice

import (
	"context"
	"time"

	"github.com/followdrabbit/mcp-protocol-lab/mcp"
	"github.com/followdrabbit/mcp-protocol-lab/sessions"
)

// ServerOption configures a ServerCapabilities built by NewServer.
type ServerOption func(*server)

type server struct {
	info         ServerInfoProvider
	instructions InstructionsProvider
	tools        ToolsCapabilityProvider
	resources    ResourcesCapabilityProvider
	prompts      PromptsCapabilityProvider
	logging      LoggingCapabilityProvider

	handlerTimeout time.Duration
}

// NewServer composes a ServerCapabilities from providers. Containers
// (*ToolsContainer, *ResourcesContainer, *PromptsContainer) are their own
// providers and can be passed directly via the With*Capability options.
func NewServer(opts ...ServerOption) ServerCapabilities {
	s := &server{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithServerInfo sets a static implementation name/version.
func WithServerInfo(name, version string, opts ...ServerInfoOption) ServerOption {
	return func(s *server) { s.info = StaticServerInfo(name, version, opts...) }
}

// WithServerInfoProvider sets a per-session info provider.
func WithServerInfoProvider(p ServerInfoProvider) ServerOption {
	return func(s *server) { s.info = p }
}

// WithInstructions sets static initialize instructions.
func WithInstructions(instr string) ServerOption {
	return func(s *server) { s.instructions = StaticInstructions(instr) }
}

// WithToolsCapability wires a tools provider (a container or a custom provider).
func WithToolsCapability(p ToolsCapabilityProvider) ServerOption {
	return func(s *server) { s.tools = p }
}

// WithResourcesCapability wires a resources provider.
func WithResourcesCapability(p ResourcesCapabilityProvider) ServerOption {
	return func(s *server) { s.resources = p }
}

// WithPromptsCapability wires a prompts provider.
func WithPromptsCapability(p PromptsCapabilityProvider) ServerOption {
	return func(s *server) { s.prompts = p }
}

// WithLoggingCapability wires a logging provider.
func WithLoggingCapability(p LoggingCapabilityProvider) ServerOption {
	return func(s *server) { s.logging = p }
}

// WithHandlerTimeout bounds each capability handler invocation. Zero (the
// default) means no timeout.
func WithHandlerTimeout(d time.Duration) ServerOption {
	return func(s *server) { s.handlerTimeout = d }
}

// HandlerTimeout reports the configured per-invocation timeout, if the
// capabilities value was built by NewServer. Transports consult this through
// the HandlerTimeouter interface.
func (s *server) HandlerTimeout() time.Duration { return s.handlerTimeout }

// HandlerTimeouter is implemented by capability values that carry a
// per-invocation timeout policy.
type HandlerTimeouter interface {
	HandlerTimeout() time.Duration
}

func (s *server) GetServerInfo(ctx context.Context, session sessions.Session) (mcp.ImplementationInfo, error) {
	if s.info == nil {
		return mcp.ImplementationInfo{}, nil
	}
	info, _, err := s.info.ProvideServerInfo(ctx, session)
	return info, err
}

func (s *server) GetInstructions(ctx context.Context, session sessions.Session) (string, bool, error) {
	if s.instructions == nil {
		return "", false, nil
	}
	return s.instructions.ProvideInstructions(ctx, session)
}

func (s *server) GetToolsCapability(ctx context.Context, session sessions.Session) (ToolsCapability, bool, error) {
	if s.tools == nil {
		return nil, false, nil
	}
	return s.tools.ProvideTools(ctx, session)
}

func (s *server) GetResourcesCapability(ctx context.Context, session sessions.Session) (ResourcesCapability, bool, error) {
	if s.resources == nil {
		return nil, false, nil
	}
	return s.resources.ProvideResources(ctx, session)
}

func (s *server) GetPromptsCapability(ctx context.Context, session sessions.Session) (PromptsCapability, bool, error) {
	if s.prompts == nil {
		return nil, false, nil
	}
	return s.prompts.ProvidePrompts(ctx, session)
}

func (s *server) GetLoggingCapability(ctx context.Context, session sessions.Session) (LoggingCapability, bool, error) {
	if s.logging == nil {
		return nil, false, nil
	}
	return s.logging.ProvideLogging(ctx, session)
}

// Forget propagates session teardown to providers holding per-session state.
func (s *server) Forget(sessionID string) {
	if f, ok := s.logging.(interface{ Forget(sessionID string) }); ok && f != nil {
		f.Forget(sessionID)
	}
}
