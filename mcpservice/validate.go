package mcpservice

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/followdrabbit/mcp-protocol-lab/mcp"
)

// ValidateArguments checks raw invocation arguments against a declared input
// schema. It type-checks every supplied value, rejects unknown parameters
// when the schema is strict, fills declared defaults for omitted optional
// parameters, and reports every failing field at once via *ArgumentErrors.
// On success it returns the normalized argument map.
func ValidateArguments(schema mcp.ToolInputSchema, raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, &ArgumentErrors{Fields: []FieldError{{Field: ".", Message: "arguments must be a JSON object"}}}
		}
	}

	var fields []FieldError

	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	for name, prop := range schema.Properties {
		v, present := args[name]
		if !present {
			if required[name] {
				fields = append(fields, FieldError{Field: name, Message: "required parameter missing"})
			} else if prop.Default != nil {
				args[name] = prop.Default
			}
			continue
		}
		if msg, ok := checkType(prop, v); !ok {
			fields = append(fields, FieldError{Field: name, Message: msg})
		}
	}

	if !schema.AdditionalProperties {
		for name := range args {
			if _, declared := schema.Properties[name]; !declared {
				fields = append(fields, FieldError{Field: name, Message: "unknown parameter"})
			}
		}
	}

	if len(fields) > 0 {
		// Deterministic ordering for tests and for clients that render the list.
		sort.Slice(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
		return nil, &ArgumentErrors{Fields: fields}
	}
	return args, nil
}

// checkType validates one decoded JSON value against a schema node. The
// message is suitable for surfacing to the caller verbatim.
func checkType(prop mcp.SchemaProperty, v any) (msg string, ok bool) {
	if v == nil {
		return "must not be null", false
	}
	switch prop.Type {
	case "", "object":
		m, isMap := v.(map[string]any)
		if prop.Type == "object" && !isMap {
			return "expected an object", false
		}
		if isMap && len(prop.Properties) > 0 {
			req := make(map[string]bool, len(prop.Required))
			for _, n := range prop.Required {
				req[n] = true
			}
			for n, sub := range prop.Properties {
				sv, present := m[n]
				if !present {
					if req[n] {
						return fmt.Sprintf("missing required field %q", n), false
					}
					continue
				}
				if subMsg, subOK := checkType(sub, sv); !subOK {
					return fmt.Sprintf("field %q: %s", n, subMsg), false
				}
			}
		}
		return "", true
	case "string":
		if _, isStr := v.(string); !isStr {
			return "expected a string", false
		}
	case "number":
		if _, isNum := v.(float64); !isNum {
			return "expected a number", false
		}
	case "integer":
		f, isNum := v.(float64)
		if !isNum || f != math.Trunc(f) {
			return "expected an integer", false
		}
	case "boolean":
		if _, isBool := v.(bool); !isBool {
			return "expected a boolean", false
		}
	case "array":
		arr, isArr := v.([]any)
		if !isArr {
			return "expected an array", false
		}
		if prop.Items != nil {
			for i, item := range arr {
				if itemMsg, itemOK := checkType(*prop.Items, item); !itemOK {
					return fmt.Sprintf("element %d: %s", i, itemMsg), false
				}
			}
		}
	default:
		return fmt.Sprintf("unsupported schema type %q", prop.Type), false
	}

	if len(prop.Enum) > 0 {
		for _, allowed := range prop.Enum {
			if v == allowed {
				return "", true
			}
		}
		return "value not in enum", false
	}
	return "", true
}
