package mcpservice

import (
	"context"
	"fmt"
	"sync"

	"github.com/yosida95/uritemplate/v3"

	"github.com/followdrabbit/mcp-protocol-lab/mcp"
	"github.com/followdrabbit/mcp-protocol-lab/sessions"
)

// TemplateHandler produces the contents for a URI that matched a registered
// template. vars holds the named path-segment values bound from the URI; the
// keys are exactly the variable names declared in the template.
type TemplateHandler func(ctx context.Context, session sessions.Session, uri string, vars map[string]string) ([]mcp.ResourceContents, error)

// ResourceHandler produces the contents for a concrete registered URI.
type ResourceHandler func(ctx context.Context, session sessions.Session, uri string) ([]mcp.ResourceContents, error)

type templateEntry struct {
	descriptor mcp.ResourceTemplate
	compiled   *uritemplate.Template
	varNames   []string
	handler    TemplateHandler
}

// ResourcesContainer owns a mutable, threadsafe set of concrete resources
// and URI templates, plus per-session subscriptions. Listing order is
// registration order; template resolution tries templates in registration
// order and picks the first match.
type ResourcesContainer struct {
	mu sync.RWMutex

	resources []mcp.Resource
	handlers  map[string]ResourceHandler // uri -> handler
	contents  map[string][]mcp.ResourceContents

	templates []templateEntry

	// Subscription registry.
	subsByURI     map[string]map[string]struct{} // uri -> set(sessionID)
	subsBySession map[string]map[string]struct{} // sessionID -> set(uri)

	notifier         ChangeNotifier
	updatedNotifiers map[string]*ChangeNotifier

	pageSize int
}

// NewResourcesContainer constructs an empty container.
func NewResourcesContainer() *ResourcesContainer {
	return &ResourcesContainer{
		handlers:         make(map[string]ResourceHandler),
		contents:         make(map[string][]mcp.ResourceContents),
		subsByURI:        make(map[string]map[string]struct{}),
		subsBySession:    make(map[string]map[string]struct{}),
		updatedNotifiers: make(map[string]*ChangeNotifier),
		pageSize:         50,
	}
}

// ProvideResources makes *ResourcesContainer a ResourcesCapabilityProvider.
func (rc *ResourcesContainer) ProvideResources(ctx context.Context, session sessions.Session) (ResourcesCapability, bool, error) {
	return rc, true, nil
}

// SetPageSize sets the listing page size. Values < 1 are ignored.
func (rc *ResourcesContainer) SetPageSize(n int) {
	if n < 1 {
		return
	}
	rc.mu.Lock()
	rc.pageSize = n
	rc.mu.Unlock()
}

// RegisterStatic adds a concrete resource with fixed contents.
func (rc *ResourcesContainer) RegisterStatic(res mcp.Resource, contents []mcp.ResourceContents) error {
	return rc.register(res, func(ctx context.Context, _ sessions.Session, uri string) ([]mcp.ResourceContents, error) {
		rc.mu.RLock()
		defer rc.mu.RUnlock()
		c := rc.contents[uri]
		out := make([]mcp.ResourceContents, len(c))
		copy(out, c)
		return out, nil
	}, contents)
}

// RegisterHandler adds a concrete resource whose contents are produced on
// each read.
func (rc *ResourcesContainer) RegisterHandler(res mcp.Resource, handler ResourceHandler) error {
	if handler == nil {
		return fmt.Errorf("resource %q: handler must not be nil", res.URI)
	}
	return rc.register(res, handler, nil)
}

func (rc *ResourcesContainer) register(res mcp.Resource, handler ResourceHandler, contents []mcp.ResourceContents) error {
	if res.URI == "" {
		return fmt.Errorf("resource URI must not be empty")
	}
	rc.mu.Lock()
	if _, exists := rc.handlers[res.URI]; exists {
		rc.mu.Unlock()
		return fmt.Errorf("resource %q: %w", res.URI, ErrDuplicateCapability)
	}
	rc.resources = append(rc.resources, res)
	rc.handlers[res.URI] = handler
	if contents != nil {
		rc.contents[res.URI] = append([]mcp.ResourceContents(nil), contents...)
	}
	rc.mu.Unlock()
	_ = rc.notifier.Notify(context.Background())
	return nil
}

// RegisterTemplate adds a URI template such as "inventory://{name}/id".
// Variable names declared in the template are bound from matching URIs and
// handed to the handler; they must line up with the parameter names the
// handler expects.
func (rc *ResourcesContainer) RegisterTemplate(tmpl mcp.ResourceTemplate, handler TemplateHandler) error {
	if handler == nil {
		return fmt.Errorf("template %q: handler must not be nil", tmpl.URITemplate)
	}
	compiled, err := uritemplate.New(tmpl.URITemplate)
	if err != nil {
		return fmt.Errorf("template %q: %w", tmpl.URITemplate, err)
	}
	rc.mu.Lock()
	for _, entry := range rc.templates {
		if entry.descriptor.URITemplate == tmpl.URITemplate {
			rc.mu.Unlock()
			return fmt.Errorf("template %q: %w", tmpl.URITemplate, ErrDuplicateCapability)
		}
	}
	rc.templates = append(rc.templates, templateEntry{
		descriptor: tmpl,
		compiled:   compiled,
		varNames:   compiled.Varnames(),
		handler:    handler,
	})
	rc.mu.Unlock()
	_ = rc.notifier.Notify(context.Background())
	return nil
}

// UpdateContents replaces a static resource's contents and ticks the per-URI
// update notifier so subscribed sessions get a resources/updated notification.
func (rc *ResourcesContainer) UpdateContents(ctx context.Context, uri string, contents []mcp.ResourceContents) error {
	rc.mu.Lock()
	if _, exists := rc.handlers[uri]; !exists {
		rc.mu.Unlock()
		return fmt.Errorf("resource %q: %w", uri, ErrNotFound)
	}
	rc.contents[uri] = append([]mcp.ResourceContents(nil), contents...)
	notifier := rc.updatedNotifiers[uri]
	rc.mu.Unlock()
	if notifier != nil {
		_ = notifier.Notify(ctx)
	}
	return nil
}

// SnapshotResources returns a copy of the concrete resources in registration order.
func (rc *ResourcesContainer) SnapshotResources() []mcp.Resource {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]mcp.Resource, len(rc.resources))
	copy(out, rc.resources)
	return out
}

// ListResources implements ResourcesCapability.
func (rc *ResourcesContainer) ListResources(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Resource], error) {
	rc.mu.RLock()
	items := make([]mcp.Resource, len(rc.resources))
	copy(items, rc.resources)
	size := rc.pageSize
	rc.mu.RUnlock()
	return pageSlice(items, cursor, size)
}

// ListResourceTemplates implements ResourcesCapability.
func (rc *ResourcesContainer) ListResourceTemplates(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.ResourceTemplate], error) {
	rc.mu.RLock()
	items := make([]mcp.ResourceTemplate, 0, len(rc.templates))
	for _, entry := range rc.templates {
		items = append(items, entry.descriptor)
	}
	size := rc.pageSize
	rc.mu.RUnlock()
	return pageSlice(items, cursor, size)
}

// ReadResource implements ResourcesCapability. Concrete URIs win over
// templates; templates are tried in registration order and the first whose
// static segments match binds its named variables as handler arguments. An
// unmatched URI yields ErrNotFound, never a crash.
func (rc *ResourcesContainer) ReadResource(ctx context.Context, session sessions.Session, uri string) ([]mcp.ResourceContents, error) {
	rc.mu.RLock()
	handler, exact := rc.handlers[uri]
	var matched *templateEntry
	var vars map[string]string
	if !exact {
		for i := range rc.templates {
			entry := &rc.templates[i]
			values := entry.compiled.Match(uri)
			if values == nil {
				continue
			}
			vars = make(map[string]string, len(entry.varNames))
			for _, name := range entry.varNames {
				vars[name] = values.Get(name).String()
			}
			matched = entry
			break
		}
	}
	rc.mu.RUnlock()

	switch {
	case exact:
		return handler(ctx, session, uri)
	case matched != nil:
		return matched.handler(ctx, session, uri, vars)
	default:
		return nil, fmt.Errorf("resource %q: %w", uri, ErrNotFound)
	}
}

// GetSubscriptionCapability implements ResourcesCapability.
func (rc *ResourcesContainer) GetSubscriptionCapability(ctx context.Context, session sessions.Session) (ResourceSubscriptionCapability, bool, error) {
	return rc, true, nil
}

// Subscribe implements ResourceSubscriptionCapability; duplicate calls for
// the same (session, uri) pair coalesce.
func (rc *ResourcesContainer) Subscribe(ctx context.Context, session sessions.Session, uri string) error {
	sid := session.SessionID()
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, exists := rc.handlers[uri]; !exists {
		return fmt.Errorf("resource %q: %w", uri, ErrNotFound)
	}
	if rc.subsByURI[uri] == nil {
		rc.subsByURI[uri] = make(map[string]struct{})
	}
	rc.subsByURI[uri][sid] = struct{}{}
	if rc.subsBySession[sid] == nil {
		rc.subsBySession[sid] = make(map[string]struct{})
	}
	rc.subsBySession[sid][uri] = struct{}{}
	if rc.updatedNotifiers[uri] == nil {
		rc.updatedNotifiers[uri] = &ChangeNotifier{}
	}
	return nil
}

// Unsubscribe implements ResourceSubscriptionCapability; idempotent.
func (rc *ResourcesContainer) Unsubscribe(ctx context.Context, session sessions.Session, uri string) error {
	sid := session.SessionID()
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if set := rc.subsByURI[uri]; set != nil {
		delete(set, sid)
		if len(set) == 0 {
			delete(rc.subsByURI, uri)
		}
	}
	if set := rc.subsBySession[sid]; set != nil {
		delete(set, uri)
		if len(set) == 0 {
			delete(rc.subsBySession, sid)
		}
	}
	return nil
}

// UpdatedSubscriber returns a channel ticking when the URI's contents change,
// for transports bridging resources/updated notifications.
func (rc *ResourcesContainer) UpdatedSubscriber(uri string) <-chan struct{} {
	rc.mu.Lock()
	notifier := rc.updatedNotifiers[uri]
	if notifier == nil {
		notifier = &ChangeNotifier{}
		rc.updatedNotifiers[uri] = notifier
	}
	rc.mu.Unlock()
	return notifier.Subscriber()
}

// IsSubscribed reports whether the session currently subscribes to uri.
func (rc *ResourcesContainer) IsSubscribed(sessionID, uri string) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	set := rc.subsByURI[uri]
	_, ok := set[sessionID]
	return ok
}

// GetListChangedCapability implements ResourcesCapability.
func (rc *ResourcesContainer) GetListChangedCapability(ctx context.Context, session sessions.Session) (ResourceListChangedCapability, bool, error) {
	return resourcesListChangedFromSubscriber{sub: &rc.notifier}, true, nil
}

type resourcesListChangedFromSubscriber struct{ sub ChangeSubscriber }

func (r resourcesListChangedFromSubscriber) Register(ctx context.Context, session sessions.Session, fn NotifyResourceChangeFunc) (bool, error) {
	if r.sub == nil || fn == nil {
		return false, nil
	}
	ch := r.sub.Subscriber()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				fn(ctx, session, "")
			}
		}
	}()
	return true, nil
}
