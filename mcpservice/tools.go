package mcpservice

import (
	"context"
	"fmt"
	"sync"

	"github.com/followdrabbit/mcp-protocol-lab/mcp"
	"github.com/followdrabbit/mcp-protocol-lab/sessions"
)

// ToolHandler executes one tool invocation. By the time a handler runs, the
// raw arguments have been validated against the tool's input schema and
// defaults have been filled.
type ToolHandler func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// StaticTool pairs a tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolsContainer owns a mutable, threadsafe set of tools. Listing order is
// registration order. The container is its own ToolsCapabilityProvider, so
// it can be passed directly to NewServer.
type ToolsContainer struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]ToolHandler

	notifier ChangeNotifier
	pageSize int
}

// NewToolsContainer builds a container from the given tools. Duplicate names
// panic here because registration happens at composition time, before any
// session is accepted; use Register for the error-returning form.
func NewToolsContainer(defs ...StaticTool) *ToolsContainer {
	tc := &ToolsContainer{handlers: make(map[string]ToolHandler), pageSize: 50}
	for _, def := range defs {
		if err := tc.Register(def); err != nil {
			panic(fmt.Sprintf("mcpservice: %v", err))
		}
	}
	return tc
}

// ProvideTools makes *ToolsContainer a ToolsCapabilityProvider. An empty
// container is a present-but-empty capability, not an absent one.
func (tc *ToolsContainer) ProvideTools(ctx context.Context, session sessions.Session) (ToolsCapability, bool, error) {
	return tc, true, nil
}

// SetPageSize sets the ListTools page size. Values < 1 are ignored.
func (tc *ToolsContainer) SetPageSize(n int) {
	if n < 1 {
		return
	}
	tc.mu.Lock()
	tc.pageSize = n
	tc.mu.Unlock()
}

// Register adds a tool. It fails with ErrDuplicateCapability when the name
// is taken; registered tools are immutable for the life of the container
// entry.
func (tc *ToolsContainer) Register(def StaticTool) error {
	if def.Descriptor.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %q: handler must not be nil", def.Descriptor.Name)
	}
	tc.mu.Lock()
	if _, exists := tc.handlers[def.Descriptor.Name]; exists {
		tc.mu.Unlock()
		return fmt.Errorf("tool %q: %w", def.Descriptor.Name, ErrDuplicateCapability)
	}
	tc.tools = append(tc.tools, def.Descriptor)
	tc.handlers[def.Descriptor.Name] = def.Handler
	tc.mu.Unlock()
	_ = tc.notifier.Notify(context.Background())
	return nil
}

// Remove deletes a tool by name and reports whether it existed.
func (tc *ToolsContainer) Remove(name string) bool {
	tc.mu.Lock()
	_, existed := tc.handlers[name]
	if existed {
		delete(tc.handlers, name)
		for i := range tc.tools {
			if tc.tools[i].Name == name {
				tc.tools = append(tc.tools[:i], tc.tools[i+1:]...)
				break
			}
		}
	}
	tc.mu.Unlock()
	if existed {
		_ = tc.notifier.Notify(context.Background())
	}
	return existed
}

// Snapshot returns a copy of the descriptors in registration order.
func (tc *ToolsContainer) Snapshot() []mcp.Tool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := make([]mcp.Tool, len(tc.tools))
	copy(out, tc.tools)
	return out
}

// ListTools implements ToolsCapability.
func (tc *ToolsContainer) ListTools(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Tool], error) {
	tc.mu.RLock()
	items := make([]mcp.Tool, len(tc.tools))
	copy(items, tc.tools)
	size := tc.pageSize
	tc.mu.RUnlock()
	return pageSlice(items, cursor, size)
}

// CallTool implements ToolsCapability: resolve by exact name, validate the
// raw arguments against the declared schema (reporting every failing field),
// then invoke the handler with the normalized arguments.
func (tc *ToolsContainer) CallTool(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("tool call: %w", ErrNotFound)
	}
	tc.mu.RLock()
	handler, ok := tc.handlers[req.Name]
	var descriptor mcp.Tool
	if ok {
		for i := range tc.tools {
			if tc.tools[i].Name == req.Name {
				descriptor = tc.tools[i]
				break
			}
		}
	}
	tc.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool %q: %w", req.Name, ErrNotFound)
	}

	normalized, err := ValidateArguments(descriptor.InputSchema, req.Arguments)
	if err != nil {
		return nil, err
	}
	raw, err := marshalArguments(normalized)
	if err != nil {
		return nil, err
	}
	return handler(ctx, session, &mcp.CallToolRequestReceived{Name: req.Name, Arguments: raw})
}

// GetListChangedCapability implements ToolsCapability; the container always
// supports listChanged through its embedded notifier.
func (tc *ToolsContainer) GetListChangedCapability(ctx context.Context, session sessions.Session) (ToolListChangedCapability, bool, error) {
	return toolsListChangedFromSubscriber{sub: &tc.notifier}, true, nil
}

type toolsListChangedFromSubscriber struct{ sub ChangeSubscriber }

func (t toolsListChangedFromSubscriber) Register(ctx context.Context, session sessions.Session, fn NotifyToolsListChangedFunc) (bool, error) {
	if t.sub == nil || fn == nil {
		return false, nil
	}
	ch := t.sub.Subscriber()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				fn(ctx, session)
			}
		}
	}()
	return true, nil
}
