package mcpservice

import (
	"context"
	"testing"

	"github.com/followdrabbit/mcp-protocol-lab/mcp"
	"github.com/followdrabbit/mcp-protocol-lab/sessions"
)

type greetArgs struct {
	Name    string `json:"name" jsonschema:"description=Who to greet"`
	Shout   bool   `json:"shout,omitempty"`
	Repeats int    `json:"repeats,omitempty"`
}

func TestNewToolReflectsSchema(t *testing.T) {
	def := NewTool("greet", func(ctx context.Context, _ sessions.Session, r *ToolRequest[greetArgs]) (*mcp.CallToolResult, error) {
		return TextResult("hi " + r.Args().Name), nil
	}, WithToolDescription("Greet someone"))

	schema := def.Descriptor.InputSchema
	if schema.Type != "object" {
		t.Fatalf("schema type = %q", schema.Type)
	}
	if prop, ok := schema.Properties["name"]; !ok || prop.Type != "string" {
		t.Fatalf("name property = %+v", schema.Properties)
	}
	if prop, ok := schema.Properties["shout"]; !ok || prop.Type != "boolean" {
		t.Fatalf("shout property = %+v", schema.Properties)
	}
	if prop, ok := schema.Properties["repeats"]; !ok || prop.Type != "integer" {
		t.Fatalf("repeats property = %+v", schema.Properties)
	}

	required := map[string]bool{}
	for _, r := range schema.Required {
		required[r] = true
	}
	if !required["name"] || required["shout"] || required["repeats"] {
		t.Fatalf("required = %v; omitempty fields must be optional", schema.Required)
	}
	if schema.AdditionalProperties {
		t.Fatal("schemas are strict by default")
	}
}

func TestNewToolDecodesTypedArguments(t *testing.T) {
	def := NewTool("greet", func(ctx context.Context, _ sessions.Session, r *ToolRequest[greetArgs]) (*mcp.CallToolResult, error) {
		if r.Name() != "greet" {
			t.Errorf("request name = %q", r.Name())
		}
		a := r.Args()
		if a.Name != "ada" || !a.Shout {
			t.Errorf("args = %+v", a)
		}
		return TextResult("HI ADA"), nil
	})

	tc := NewToolsContainer(def)
	res, err := tc.CallTool(context.Background(), newTestSession(), &mcp.CallToolRequestReceived{
		Name:      "greet",
		Arguments: []byte(`{"name":"ada","shout":true}`),
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Content[0].Text != "HI ADA" {
		t.Fatalf("result = %+v", res)
	}
}

func TestNewToolAllowAdditionalProperties(t *testing.T) {
	def := NewTool("lenient", func(ctx context.Context, _ sessions.Session, r *ToolRequest[greetArgs]) (*mcp.CallToolResult, error) {
		return TextResult("ok"), nil
	}, WithToolAllowAdditionalProperties(true))

	tc := NewToolsContainer(def)
	if _, err := tc.CallTool(context.Background(), newTestSession(), &mcp.CallToolRequestReceived{
		Name:      "lenient",
		Arguments: []byte(`{"name":"x","surprise":1}`),
	}); err != nil {
		t.Fatalf("lenient tool rejected extra argument: %v", err)
	}
}
