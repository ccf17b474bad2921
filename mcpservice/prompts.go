package mcpservice

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/followdrabbit/mcp-protocol-lab/mcp"
	"github.com/followdrabbit/mcp-protocol-lab/sessions"
)

// PromptHandler renders a prompt template. args holds the string arguments
// after required-argument validation.
type PromptHandler func(ctx context.Context, session sessions.Session, args map[string]string) (*mcp.GetPromptResult, error)

// StaticPrompt pairs a prompt descriptor with its handler.
type StaticPrompt struct {
	Descriptor mcp.Prompt
	Handler    PromptHandler
}

// PromptsContainer owns a mutable, threadsafe set of prompt templates.
// Listing order is registration order.
type PromptsContainer struct {
	mu       sync.RWMutex
	prompts  []mcp.Prompt
	handlers map[string]PromptHandler

	notifier ChangeNotifier
	pageSize int
}

// NewPromptsContainer builds a container from the given prompts. Duplicate
// names panic; composition happens before sessions are accepted.
func NewPromptsContainer(defs ...StaticPrompt) *PromptsContainer {
	pc := &PromptsContainer{handlers: make(map[string]PromptHandler), pageSize: 50}
	for _, def := range defs {
		if err := pc.Register(def); err != nil {
			panic(fmt.Sprintf("mcpservice: %v", err))
		}
	}
	return pc
}

// ProvidePrompts makes *PromptsContainer a PromptsCapabilityProvider.
func (pc *PromptsContainer) ProvidePrompts(ctx context.Context, session sessions.Session) (PromptsCapability, bool, error) {
	return pc, true, nil
}

// Register adds a prompt; fails with ErrDuplicateCapability if the name is taken.
func (pc *PromptsContainer) Register(def StaticPrompt) error {
	if def.Descriptor.Name == "" {
		return fmt.Errorf("prompt name must not be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("prompt %q: handler must not be nil", def.Descriptor.Name)
	}
	pc.mu.Lock()
	if _, exists := pc.handlers[def.Descriptor.Name]; exists {
		pc.mu.Unlock()
		return fmt.Errorf("prompt %q: %w", def.Descriptor.Name, ErrDuplicateCapability)
	}
	pc.prompts = append(pc.prompts, def.Descriptor)
	pc.handlers[def.Descriptor.Name] = def.Handler
	pc.mu.Unlock()
	_ = pc.notifier.Notify(context.Background())
	return nil
}

// ListPrompts implements PromptsCapability.
func (pc *PromptsContainer) ListPrompts(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Prompt], error) {
	pc.mu.RLock()
	items := make([]mcp.Prompt, len(pc.prompts))
	copy(items, pc.prompts)
	size := pc.pageSize
	pc.mu.RUnlock()
	return pageSlice(items, cursor, size)
}

// GetPrompt implements PromptsCapability: exact-name resolution, then
// required-argument validation reporting every missing argument at once.
func (pc *PromptsContainer) GetPrompt(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("prompt get: %w", ErrNotFound)
	}
	pc.mu.RLock()
	handler, ok := pc.handlers[req.Name]
	var descriptor mcp.Prompt
	if ok {
		for i := range pc.prompts {
			if pc.prompts[i].Name == req.Name {
				descriptor = pc.prompts[i]
				break
			}
		}
	}
	pc.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("prompt %q: %w", req.Name, ErrNotFound)
	}

	args := make(map[string]string, len(req.Arguments))
	var fields []FieldError
	for name, raw := range req.Arguments {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			fields = append(fields, FieldError{Field: name, Message: "expected a string"})
			continue
		}
		args[name] = s
	}
	for _, decl := range descriptor.Arguments {
		if _, present := args[decl.Name]; decl.Required && !present {
			fields = append(fields, FieldError{Field: decl.Name, Message: "required argument missing"})
		}
	}
	if len(fields) > 0 {
		sort.Slice(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
		return nil, &ArgumentErrors{Fields: fields}
	}

	return handler(ctx, session, args)
}

// GetListChangedCapability implements PromptsCapability.
func (pc *PromptsContainer) GetListChangedCapability(ctx context.Context, session sessions.Session) (PromptListChangedCapability, bool, error) {
	return promptsListChangedFromSubscriber{sub: &pc.notifier}, true, nil
}

type promptsListChangedFromSubscriber struct{ sub ChangeSubscriber }

func (p promptsListChangedFromSubscriber) Register(ctx context.Context, session sessions.Session, fn NotifyPromptsListChangedFunc) (bool, error) {
	if p.sub == nil || fn == nil {
		return false, nil
	}
	ch := p.sub.Subscriber()
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
