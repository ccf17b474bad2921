package stdio_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/followdrabbit/mcp-protocol-lab/client"
	"github.com/followdrabbit/mcp-protocol-lab/mcp"
	"github.com/followdrabbit/mcp-protocol-lab/mcpservice"
	"github.com/followdrabbit/mcp-protocol-lab/sessions"
	"github.com/followdrabbit/mcp-protocol-lab/stdio"
)

type connectedClient struct {
	c     *client.Client
	serve chan error
}

// startPair wires a stdio handler and a client together over in-process pipes
// and runs the handshake.
func startPair(t *testing.T, srv mcpservice.ServerCapabilities, opts ...client.ClientOption) *connectedClient {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := stdio.NewHandler(srv,
		stdio.WithIO(serverReader, serverWriter),
		stdio.WithLogger(quiet),
		stdio.WithUserProvider(stdio.StaticUserProvider("tester")),
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- h.Serve(context.Background()) }()

	transport := client.NewIOTransport(clientReader, clientWriter, clientWriter.Close)
	c := client.New(transport, append([]client.ClientOption{
		client.WithClientInfo("stdio-test", "0.0.1"),
		client.WithClientLogger(quiet),
	}, opts...)...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
		select {
		case <-serveErr:
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after client close")
		}
	})
	return &connectedClient{c: c, serve: serveErr}
}

func notesServer(started chan<- struct{}) mcpservice.ServerCapabilities {
	tools := mcpservice.NewToolsContainer(
		mcpservice.NewTool("append_note", func(ctx context.Context, _ sessions.Session, r *mcpservice.ToolRequest[struct {
			Text string `json:"text"`
		}]) (*mcp.CallToolResult, error) {
			return mcpservice.TextResult("noted: " + r.Args().Text), nil
		}),
		mcpservice.StaticTool{
			Descriptor: mcp.Tool{Name: "hang", InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}}},
			Handler: func(ctx context.Context, _ sessions.Session, _ *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
				if started != nil {
					started <- struct{}{}
				}
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
	)

	resources := mcpservice.NewResourcesContainer()
	_ = resources.RegisterStatic(
		mcp.Resource{URI: "notes://motd", Name: "motd"},
		[]mcp.ResourceContents{{URI: "notes://motd", Text: "welcome"}},
	)

	prompts := mcpservice.NewPromptsContainer(mcpservice.StaticPrompt{
		Descriptor: mcp.Prompt{
			Name:      "summarize",
			Arguments: []mcp.PromptArgument{{Name: "topic", Required: true}},
		},
		Handler: func(ctx context.Context, _ sessions.Session, args map[string]string) (*mcp.GetPromptResult, error) {
			return &mcp.GetPromptResult{Messages: []mcp.PromptMessage{{
				Role:    mcp.RoleUser,
				Content: mcp.NewTextContent("summarize " + args["topic"]),
			}}}, nil
		},
	})

	return mcpservice.NewServer(
		mcpservice.WithServerInfo("notes", "1.0.0"),
		mcpservice.WithInstructions("keep notes short"),
		mcpservice.WithToolsCapability(tools),
		mcpservice.WithResourcesCapability(resources),
		mcpservice.WithPromptsCapability(prompts),
	)
}

func TestServeHandshakeAndCalls(t *testing.T) {
	p := startPair(t, notesServer(nil))
	ctx := context.Background()

	if p.c.State() != sessions.StateReady {
		t.Fatalf("state = %s", p.c.State())
	}
	if p.c.ServerInfo().Name != "notes" {
		t.Fatalf("server info = %+v", p.c.ServerInfo())
	}
	if p.c.Instructions() != "keep notes short" {
		t.Fatalf("instructions = %q", p.c.Instructions())
	}

	tools, err := p.c.ListTools(ctx, nil)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools.Tools) != 2 || tools.Tools[0].Name != "append_note" {
		t.Fatalf("tools = %+v", tools.Tools)
	}

	res, err := p.c.CallTool(ctx, "append_note", map[string]any{"text": "buy milk"})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if res.IsError || res.Content[0].Text != "noted: buy milk" {
		t.Fatalf("result = %+v", res)
	}

	read, err := p.c.ReadResource(ctx, "notes://motd")
	if err != nil {
		t.Fatalf("read resource: %v", err)
	}
	if read.Contents[0].Text != "welcome" {
		t.Fatalf("contents = %+v", read.Contents)
	}

	prompt, err := p.c.GetPrompt(ctx, "summarize", map[string]string{"topic": "milk"})
	if err != nil {
		t.Fatalf("get prompt: %v", err)
	}
	if prompt.Messages[0].Content.Text != "summarize milk" {
		t.Fatalf("prompt = %+v", prompt.Messages)
	}

	if err := p.c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestInvalidArgumentsNameTheParameter(t *testing.T) {
	p := startPair(t, notesServer(nil))

	_, err := p.c.CallTool(context.Background(), "append_note", map[string]any{"text": 42})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "text") {
		t.Fatalf("error does not name the failing parameter: %v", err)
	}
}

func TestCancellationUnblocksCall(t *testing.T) {
	started := make(chan struct{}, 1)
	p := startPair(t, notesServer(started))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.c.CallTool(ctx, "hang", map[string]any{})
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("hang tool never started")
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled call did not unblock")
	}

	// The session survives: a subsequent request succeeds.
	if err := p.c.Ping(context.Background()); err != nil {
		t.Fatalf("ping after cancel: %v", err)
	}
}

func TestMalformedLineDoesNotKillSession(t *testing.T) {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := stdio.NewHandler(notesServer(nil),
		stdio.WithIO(serverReader, serverWriter),
		stdio.WithLogger(quiet),
		stdio.WithUserProvider(stdio.StaticUserProvider("tester")),
	)
	serveErr := make(chan error, 1)
	go func() { serveErr <- h.Serve(context.Background()) }()

	// Feed garbage directly, then read back the parse-error response.
	if _, err := clientWriter.Write([]byte("this is not json\n")); err != nil {
		t.Fatal(err)
	}
	line := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := clientReader.Read(buf)
		line <- string(buf[:n])
	}()
	select {
	case got := <-line:
		var resp struct {
			Error *struct {
				Code int `json:"code"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(strings.TrimSpace(got)), &resp); err != nil {
			t.Fatalf("response not json: %q", got)
		}
		if resp.Error == nil || resp.Error.Code != -32700 {
			t.Fatalf("want parse error, got %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no parse-error response")
	}

	_ = clientWriter.Close()
	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return on EOF")
	}
}
