package mcpservice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/followdrabbit/mcp-protocol-lab/mcp"
	"github.com/followdrabbit/mcp-protocol-lab/sessions"
)

func inventoryContainer(t *testing.T) *ResourcesContainer {
	t.Helper()
	rc := NewResourcesContainer()
	if err := rc.RegisterStatic(
		mcp.Resource{URI: "inventory://catalog", Name: "catalog", MimeType: "application/json"},
		[]mcp.ResourceContents{{URI: "inventory://catalog", MimeType: "application/json", Text: `{"widget":3}`}},
	); err != nil {
		t.Fatal(err)
	}
	if err := rc.RegisterTemplate(
		mcp.ResourceTemplate{URITemplate: "inventory://{name}/id", Name: "item-id"},
		func(ctx context.Context, _ sessions.Session, uri string, vars map[string]string) ([]mcp.ResourceContents, error) {
			if vars["name"] != "widget" {
				return nil, errors.New("unexpected binding: " + vars["name"])
			}
			return []mcp.ResourceContents{{URI: uri, Text: "42"}}, nil
		},
	); err != nil {
		t.Fatal(err)
	}
	return rc
}

func TestTemplateBindsNamedSegment(t *testing.T) {
	rc := inventoryContainer(t)
	contents, err := rc.ReadResource(context.Background(), newTestSession(), "inventory://widget/id")
	if err != nil {
		t.Fatalf("read templated uri: %v", err)
	}
	if len(contents) != 1 || contents[0].Text != "42" {
		t.Fatalf("contents = %+v", contents)
	}
}

func TestExactURIWinsOverTemplate(t *testing.T) {
	rc := inventoryContainer(t)
	contents, err := rc.ReadResource(context.Background(), newTestSession(), "inventory://catalog")
	if err != nil {
		t.Fatalf("read exact uri: %v", err)
	}
	if contents[0].Text != `{"widget":3}` {
		t.Fatalf("exact resource did not win: %+v", contents)
	}
}

func TestUnmatchedURIIsNotFound(t *testing.T) {
	rc := inventoryContainer(t)
	for _, uri := range []string{
		"inventory://widget/quantity", // wrong static suffix
		"other://widget/id",           // wrong scheme
		"",
	} {
		_, err := rc.ReadResource(context.Background(), newTestSession(), uri)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("uri %q: want ErrNotFound, got %v", uri, err)
		}
	}
}

func TestTemplateRegistrationOrderResolution(t *testing.T) {
	rc := NewResourcesContainer()
	record := func(tag string) TemplateHandler {
		return func(ctx context.Context, _ sessions.Session, uri string, vars map[string]string) ([]mcp.ResourceContents, error) {
			return []mcp.ResourceContents{{URI: uri, Text: tag}}, nil
		}
	}
	if err := rc.RegisterTemplate(mcp.ResourceTemplate{URITemplate: "item://{a}/x", Name: "first"}, record("first")); err != nil {
		t.Fatal(err)
	}
	if err := rc.RegisterTemplate(mcp.ResourceTemplate{URITemplate: "item://{b}/x", Name: "second"}, record("second")); err != nil {
		t.Fatal(err)
	}

	contents, err := rc.ReadResource(context.Background(), newTestSession(), "item://thing/x")
	if err != nil {
		t.Fatal(err)
	}
	if contents[0].Text != "first" {
		t.Fatalf("resolution order broken: matched %q", contents[0].Text)
	}
}

func TestSubscribeIdempotentAndScoped(t *testing.T) {
	rc := inventoryContainer(t)
	sess := newTestSession()
	ctx := context.Background()

	if err := rc.Subscribe(ctx, sess, "inventory://catalog"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := rc.Subscribe(ctx, sess, "inventory://catalog"); err != nil {
		t.Fatalf("duplicate subscribe must coalesce: %v", err)
	}
	if !rc.IsSubscribed(sess.SessionID(), "inventory://catalog") {
		t.Fatal("subscription not recorded")
	}

	if err := rc.Subscribe(ctx, sess, "inventory://nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("subscribe to unknown uri: want ErrNotFound, got %v", err)
	}

	if err := rc.Unsubscribe(ctx, sess, "inventory://catalog"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if rc.IsSubscribed(sess.SessionID(), "inventory://catalog") {
		t.Fatal("subscription survived unsubscribe")
	}
	if err := rc.Unsubscribe(ctx, sess, "inventory://catalog"); err != nil {
		t.Fatalf("unsubscribe must be idempotent: %v", err)
	}
}

func TestUpdateContentsTicksSubscriber(t *testing.T) {
	rc := inventoryContainer(t)
	sess := newTestSession()
	ctx := context.Background()

	if err := rc.Subscribe(ctx, sess, "inventory://catalog"); err != nil {
		t.Fatal(err)
	}
	ch := rc.UpdatedSubscriber("inventory://catalog")

	if err := rc.UpdateContents(ctx, "inventory://catalog", []mcp.ResourceContents{
		{URI: "inventory://catalog", Text: `{"widget":4}`},
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no update signal after UpdateContents")
	}

	contents, err := rc.ReadResource(ctx, sess, "inventory://catalog")
	if err != nil {
		t.Fatal(err)
	}
	if contents[0].Text != `{"widget":4}` {
		t.Fatalf("stale contents after update: %+v", contents)
	}
}

func TestResourceListingsInRegistrationOrder(t *testing.T) {
	rc := inventoryContainer(t)
	page, err := rc.ListResources(context.Background(), newTestSession(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.Items[0].URI != "inventory://catalog" {
		t.Fatalf("resources = %+v", page.Items)
	}

	tpage, err := rc.ListResourceTemplates(context.Background(), newTestSession(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(tpage.Items) != 1 || tpage.Items[0].URITemplate != "inventory://{name}/id" {
		t.Fatalf("templates = %+v", tpage.Items)
	}

	snap := rc.SnapshotResources()
	if len(snap) != 1 || snap[0].URI != "inventory://catalog" {
		t.Fatalf("snapshot = %+v", snap)
	}
}
