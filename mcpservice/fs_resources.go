package mcpservice

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/followdrabbit/mcp-protocol-lab/mcp"
	"github.com/followdrabbit/mcp-protocol-lab/sessions"
)

// FSResources exposes the regular files under a root directory as resources
// addressed by "file:///<relative path>". A filesystem watcher feeds the
// listChanged notifier and per-URI update notifiers, so clients that
// subscribed to a file see resources/updated when it is rewritten.
//
// Close releases the watcher; the container must not be used afterwards.
type FSResources struct {
	root    string
	watcher *fsnotify.Watcher

	mu               sync.RWMutex
	notifier         ChangeNotifier
	updatedNotifiers map[string]*ChangeNotifier
	subsByURI        map[string]map[string]struct{}

	closeOnce sync.Once
}

// NewFSResources builds a container over root and starts the watcher.
func NewFSResources(root string) (*FSResources, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", abs)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("start watcher: %w", err)
	}
	if err := watcher.Add(abs); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %q: %w", abs, err)
	}
	fr := &FSResources{
		root:             abs,
		watcher:          watcher,
		updatedNotifiers: make(map[string]*ChangeNotifier),
		subsByURI:        make(map[string]map[string]struct{}),
	}
	go fr.watchLoop()
	return fr, nil
}

// Close stops the watcher and closes all notifiers.
func (fr *FSResources) Close() error {
	var err error
	fr.closeOnce.Do(func() {
		err = fr.watcher.Close()
		fr.notifier.Close()
		fr.mu.Lock()
		for _, n := range fr.updatedNotifiers {
			n.Close()
		}
		fr.updatedNotifiers = make(map[string]*ChangeNotifier)
		fr.mu.Unlock()
	})
	return err
}

func (fr *FSResources) watchLoop() {
	for {
		select {
		case ev, ok := <-fr.watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
				_ = fr.notifier.Notify(context.Background())
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				fr.mu.RLock()
				n := fr.updatedNotifiers[fr.uriFor(ev.Name)]
				fr.mu.RUnlock()
				if n != nil {
					_ = n.Notify(context.Background())
				}
			}
		case _, ok := <-fr.watcher.Errors:
			if !ok {
				return
			}
			// Watcher errors are non-fatal; the next listing re-reads the dir.
		}
	}
}

func (fr *FSResources) uriFor(path string) string {
	rel, err := filepath.Rel(fr.root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	return "file:///" + filepath.ToSlash(rel)
}

func (fr *FSResources) pathFor(uri string) (string, error) {
	rel, ok := strings.CutPrefix(uri, "file:///")
	if !ok {
		return "", fmt.Errorf("resource %q: %w", uri, ErrNotFound)
	}
	path := filepath.Join(fr.root, filepath.FromSlash(rel))
	// Join cleans the path; anything escaping the root is a lookup miss,
	// not an I/O error.
	if path != fr.root && !strings.HasPrefix(path, fr.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("resource %q: %w", uri, ErrNotFound)
	}
	return path, nil
}

// ProvideResources makes *FSResources a ResourcesCapabilityProvider.
func (fr *FSResources) ProvideResources(ctx context.Context, session sessions.Session) (ResourcesCapability, bool, error) {
	return fr, true, nil
}

// ListResources implements ResourcesCapability over the current directory
// listing, sorted by name for a stable order between scans.
func (fr *FSResources) ListResources(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Resource], error) {
	entries, err := os.ReadDir(fr.root)
	if err != nil {
		return Page[mcp.Resource]{}, fmt.Errorf("read root: %w", err)
	}
	var items []mcp.Resource
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		items = append(items, mcp.Resource{
			URI:      "file:///" + entry.Name(),
			Name:     entry.Name(),
			MimeType: mime.TypeByExtension(filepath.Ext(entry.Name())),
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return pageSlice(items, cursor, 50)
}

// ListResourceTemplates implements ResourcesCapability; the filesystem
// container exposes no templates.
func (fr *FSResources) ListResourceTemplates(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.ResourceTemplate], error) {
	return NewPage[mcp.ResourceTemplate](nil), nil
}

// ReadResource implements ResourcesCapability.
func (fr *FSResources) ReadResource(ctx context.Context, session sessions.Session, uri string) ([]mcp.ResourceContents, error) {
	path, err := fr.pathFor(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("resource %q: %w", uri, ErrNotFound)
		}
		return nil, fmt.Errorf("read %q: %w", uri, err)
	}
	return []mcp.ResourceContents{{
		URI:      uri,
		MimeType: mime.TypeByExtension(filepath.Ext(path)),
		Text:     string(data),
	}}, nil
}

// GetSubscriptionCapability implements ResourcesCapability.
func (fr *FSResources) GetSubscriptionCapability(ctx context.Context, session sessions.Session) (ResourceSubscriptionCapability, bool, error) {
	return fr, true, nil
}

// Subscribe implements ResourceSubscriptionCapability.
func (fr *FSResources) Subscribe(ctx context.Context, session sessions.Session, uri string) error {
	if _, err := fr.pathFor(uri); err != nil {
		return err
	}
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.subsByURI[uri] == nil {
		fr.subsByURI[uri] = make(map[string]struct{})
	}
	fr.subsByURI[uri][session.SessionID()] = struct{}{}
	if fr.updatedNotifiers[uri] == nil {
		fr.updatedNotifiers[uri] = &ChangeNotifier{}
	}
	return nil
}

// Unsubscribe implements ResourceSubscriptionCapability; idempotent.
func (fr *FSResources) Unsubscribe(ctx context.Context, session sessions.Session, uri string) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if set := fr.subsByURI[uri]; set != nil {
		delete(set, session.SessionID())
		if len(set) == 0 {
			delete(fr.subsByURI, uri)
		}
	}
	return nil
}

// UpdatedSubscriber mirrors ResourcesContainer.UpdatedSubscriber.
func (fr *FSResources) UpdatedSubscriber(uri string) <-chan struct{} {
	fr.mu.Lock()
	n := fr.updatedNotifiers[uri]
	if n == nil {
		n = &ChangeNotifier{}
		fr.updatedNotifiers[uri] = n
	}
	fr.mu.Unlock()
	return n.Subscriber()
}

// GetListChangedCapability implements ResourcesCapability.
func (fr *FSResources) GetListChangedCapability(ctx context.Context, session sessions.Session) (ResourceListChangedCapability, bool, error) {
	return resourcesListChangedFromSubscriber{sub: &fr.notifier}, true, nil
}
