package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/followdrabbit/mcp-protocol-lab/mcp"
	"github.com/followdrabbit/mcp-protocol-lab/sessions"
)

func reviewPrompt() StaticPrompt {
	return StaticPrompt{
		Descriptor: mcp.Prompt{
			Name: "code_review",
			Arguments: []mcp.PromptArgument{
				{Name: "language", Required: true},
				{Name: "diff", Required: true},
				{Name: "tone", Required: false},
			},
		},
		Handler: func(ctx context.Context, _ sessions.Session, args map[string]string) (*mcp.GetPromptResult, error) {
			return &mcp.GetPromptResult{
				Messages: []mcp.PromptMessage{{
					Role:    mcp.RoleUser,
					Content: mcp.NewTextContent("review this " + args["language"] + " diff:\n" + args["diff"]),
				}},
			}, nil
		},
	}
}

func TestGetPromptRendersArguments(t *testing.T) {
	pc := NewPromptsContainer(reviewPrompt())
	res, err := pc.GetPrompt(context.Background(), newTestSession(), &mcp.GetPromptRequestReceived{
		Name: "code_review",
		Arguments: map[string]json.RawMessage{
			"language": json.RawMessage(`"go"`),
			"diff":     json.RawMessage(`"+1 -1"`),
		},
	})
	if err != nil {
		t.Fatalf("get prompt: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].Content.Text != "review this go diff:\n+1 -1" {
		t.Fatalf("messages = %+v", res.Messages)
	}
}

func TestGetPromptReportsEveryMissingArgument(t *testing.T) {
	pc := NewPromptsContainer(reviewPrompt())
	_, err := pc.GetPrompt(context.Background(), newTestSession(), &mcp.GetPromptRequestReceived{
		Name: "code_review",
	})
	var argErrs *ArgumentErrors
	if !errors.As(err, &argErrs) {
		t.Fatalf("want *ArgumentErrors, got %v", err)
	}
	if len(argErrs.Fields) != 2 {
		t.Fatalf("want both required arguments reported, got %+v", argErrs.Fields)
	}
	if argErrs.Fields[0].Field != "diff" || argErrs.Fields[1].Field != "language" {
		t.Fatalf("fields not sorted by name: %+v", argErrs.Fields)
	}
}

func TestGetPromptNonStringArgument(t *testing.T) {
	pc := NewPromptsContainer(reviewPrompt())
	_, err := pc.GetPrompt(context.Background(), newTestSession(), &mcp.GetPromptRequestReceived{
		Name: "code_review",
		Arguments: map[string]json.RawMessage{
			"language": json.RawMessage(`42`),
			"diff":     json.RawMessage(`"+1"`),
		},
	})
	var argErrs *ArgumentErrors
	if !errors.As(err, &argErrs) {
		t.Fatalf("want *ArgumentErrors, got %v", err)
	}
}

func TestGetPromptUnknownName(t *testing.T) {
	pc := NewPromptsContainer(reviewPrompt())
	_, err := pc.GetPrompt(context.Background(), newTestSession(), &mcp.GetPromptRequestReceived{Name: "nope"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestPromptsListRegistrationOrder(t *testing.T) {
	pc := NewPromptsContainer()
	for _, name := range []string{"z", "a", "m"} {
		p := reviewPrompt()
		p.Descriptor.Name = name
		if err := pc.Register(p); err != nil {
			t.Fatal(err)
		}
	}
	page, err := pc.ListPrompts(context.Background(), newTestSession(), nil)
	if err != nil {
		t.Fatal(err)
	}
	got := []string{page.Items[0].Name, page.Items[1].Name, page.Items[2].Name}
	if got[0] != "z" || got[1] != "a" || got[2] != "m" {
		t.Fatalf("prompts listed %v, want registration order", got)
	}
}
