package mcpservice

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/followdrabbit/mcp-protocol-lab/mcp"
)

func strictSchema() mcp.ToolInputSchema {
	return mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]mcp.SchemaProperty{
			"name":  {Type: "string"},
			"count": {Type: "integer", Default: float64(1)},
			"tags":  {Type: "array", Items: &mcp.SchemaProperty{Type: "string"}},
		},
		Required: []string{"name"},
	}
}

func TestValidateArgumentsHappyPath(t *testing.T) {
	args, err := ValidateArguments(strictSchema(), json.RawMessage(`{"name":"widget","tags":["a","b"]}`))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if args["name"] != "widget" {
		t.Fatalf("name = %v", args["name"])
	}
	if args["count"] != float64(1) {
		t.Fatalf("default not filled: count = %v", args["count"])
	}
}

func TestValidateArgumentsNamesMissingField(t *testing.T) {
	_, err := ValidateArguments(strictSchema(), json.RawMessage(`{}`))
	var argErrs *ArgumentErrors
	if !errors.As(err, &argErrs) {
		t.Fatalf("want *ArgumentErrors, got %v", err)
	}
	if len(argErrs.Fields) != 1 || argErrs.Fields[0].Field != "name" {
		t.Fatalf("error must name the missing parameter, got %+v", argErrs.Fields)
	}
}

func TestValidateArgumentsAggregatesAllFailures(t *testing.T) {
	_, err := ValidateArguments(strictSchema(), json.RawMessage(`{"count":"three","tags":"nope","bogus":1}`))
	var argErrs *ArgumentErrors
	if !errors.As(err, &argErrs) {
		t.Fatalf("want *ArgumentErrors, got %v", err)
	}
	// Every failing field reports at once, sorted by name: bogus (unknown),
	// count (type), name (missing), tags (type).
	want := []string{"bogus", "count", "name", "tags"}
	if len(argErrs.Fields) != len(want) {
		t.Fatalf("got %d field errors %+v, want %d", len(argErrs.Fields), argErrs.Fields, len(want))
	}
	for i, name := range want {
		if argErrs.Fields[i].Field != name {
			t.Fatalf("field[%d] = %q, want %q", i, argErrs.Fields[i].Field, name)
		}
	}
}

func TestValidateArgumentsUnknownParameterAllowed(t *testing.T) {
	schema := strictSchema()
	schema.AdditionalProperties = true
	args, err := ValidateArguments(schema, json.RawMessage(`{"name":"x","extra":true}`))
	if err != nil {
		t.Fatalf("lenient schema rejected extra parameter: %v", err)
	}
	if args["extra"] != true {
		t.Fatal("extra parameter dropped")
	}
}

func TestValidateArgumentsTypeChecks(t *testing.T) {
	cases := []struct {
		name string
		prop mcp.SchemaProperty
		raw  string
		ok   bool
	}{
		{"integer accepts whole float", mcp.SchemaProperty{Type: "integer"}, `{"v":3}`, true},
		{"integer rejects fraction", mcp.SchemaProperty{Type: "integer"}, `{"v":3.5}`, false},
		{"number accepts fraction", mcp.SchemaProperty{Type: "number"}, `{"v":3.5}`, true},
		{"boolean rejects string", mcp.SchemaProperty{Type: "boolean"}, `{"v":"true"}`, false},
		{"enum accepts member", mcp.SchemaProperty{Type: "string", Enum: []any{"a", "b"}}, `{"v":"a"}`, true},
		{"enum rejects non-member", mcp.SchemaProperty{Type: "string", Enum: []any{"a", "b"}}, `{"v":"c"}`, false},
		{"array element type", mcp.SchemaProperty{Type: "array", Items: &mcp.SchemaProperty{Type: "integer"}}, `{"v":[1,"x"]}`, false},
		{"null rejected", mcp.SchemaProperty{Type: "string"}, `{"v":null}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			schema := mcp.ToolInputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{"v": tc.prop}}
			_, err := ValidateArguments(schema, json.RawMessage(tc.raw))
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation failure")
			}
		})
	}
}

func TestValidateArgumentsNonObject(t *testing.T) {
	if _, err := ValidateArguments(strictSchema(), json.RawMessage(`[1,2]`)); err == nil {
		t.Fatal("array arguments must be rejected")
	}
}
