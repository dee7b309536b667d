package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// JSON Schema types handled by argument coercion.
const (
	typeString  = "string"
	typeInteger = "integer"
	typeNumber  = "number"
	typeBoolean = "boolean"
	typeObject  = "object"
	typeArray   = "array"
)

// ParameterSchema describes one tool parameter.
type ParameterSchema struct {
	Type        string        `json:"-"`
	Description string        `json:"description,omitempty"`
	Enum        []interface{} `json:"enum,omitempty"`
	Default     interface{}   `json:"default,omitempty"`

	// Required is filled from the enclosing schema's required list.
	Required bool `json:"-"`
}

// UnmarshalJSON accepts "type" both as a string and as a list such as ["string", "null"].
func (p *ParameterSchema) UnmarshalJSON(data []byte) error {
	type plain ParameterSchema
	var aux struct {
		plain
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*p = ParameterSchema(aux.plain)

	if len(aux.Type) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(aux.Type, &single); err == nil {
		p.Type = single
		return nil
	}
	var many []string
	if err := json.Unmarshal(aux.Type, &many); err != nil {
		return fmt.Errorf("invalid parameter type: %s", aux.Type)
	}
	for _, t := range many {
		if t != "null" {
			p.Type = t
			break
		}
	}
	return nil
}

// ToolDefinition is a tool advertised by tools/list with its parameters in
// declaration order.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  *orderedmap.OrderedMap[string, ParameterSchema]
	Required    []string

	// RawSchema is the inputSchema exactly as the server sent it.
	RawSchema json.RawMessage
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type wireSchema struct {
	Properties *orderedmap.OrderedMap[string, ParameterSchema] `json:"properties"`
	Required   []string                                        `json:"required"`
}

// parseToolDefinitions reads the tools array of a tools/list result.
func parseToolDefinitions(result json.RawMessage) ([]ToolDefinition, error) {
	var payload struct {
		Tools []wireTool `json:"tools"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode tools/list result: %w", err)
	}

	tools := make([]ToolDefinition, 0, len(payload.Tools))
	for _, wt := range payload.Tools {
		tool, err := newToolDefinition(wt)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", wt.Name, err)
		}
		tools = append(tools, tool)
	}
	return tools, nil
}

func newToolDefinition(wt wireTool) (ToolDefinition, error) {
	tool := ToolDefinition{
		Name:        wt.Name,
		Description: wt.Description,
		Parameters:  orderedmap.New[string, ParameterSchema](),
		RawSchema:   wt.InputSchema,
	}
	if len(tool.RawSchema) == 0 || string(tool.RawSchema) == "null" {
		tool.RawSchema = json.RawMessage(`{"type":"object","properties":{}}`)
		return tool, nil
	}

	var schema wireSchema
	if err := json.Unmarshal(wt.InputSchema, &schema); err != nil {
		return tool, fmt.Errorf("invalid input schema: %w", err)
	}
	tool.Required = schema.Required

	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	if schema.Properties != nil {
		for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
			param := pair.Value
			param.Required = required[pair.Key]
			tool.Parameters.Set(pair.Key, param)
		}
	}
	// Required names without a property entry are still enforced.
	for _, name := range schema.Required {
		if _, ok := tool.Parameters.Get(name); !ok {
			tool.Parameters.Set(name, ParameterSchema{Type: typeString, Required: true})
		}
	}
	return tool, nil
}

// ParameterNames returns parameter names in declaration order.
func (t ToolDefinition) ParameterNames() []string {
	names := make([]string, 0, t.Parameters.Len())
	for pair := t.Parameters.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// ArgumentSource supplies raw values for tool parameters.
type ArgumentSource interface {
	RequestValue(ctx context.Context, name string, schema ParameterSchema) (string, error)
}

// MapArgumentSource answers from a fixed map; absent names yield "".
type MapArgumentSource map[string]string

// RequestValue implements ArgumentSource
func (m MapArgumentSource) RequestValue(_ context.Context, name string, _ ParameterSchema) (string, error) {
	return m[name], nil
}

// CollectArguments asks source for every parameter of tool in declaration
// order and coerces the answers to their schema types. Empty optional values
// are left out.
func CollectArguments(ctx context.Context, tool ToolDefinition, source ArgumentSource) (map[string]interface{}, error) {
	args := make(map[string]interface{})
	for pair := tool.Parameters.Oldest(); pair != nil; pair = pair.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := source.RequestValue(ctx, pair.Key, pair.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to read argument %q: %w", pair.Key, err)
		}
		value, present, err := coerceArgument(tool.Name, pair.Key, pair.Value, raw)
		if err != nil {
			return nil, err
		}
		if present {
			args[pair.Key] = value
		}
	}
	return args, nil
}

// coerceArgument converts a raw string answer to the parameter's schema type.
// present is false for an empty optional value.
func coerceArgument(tool, name string, schema ParameterSchema, raw string) (value interface{}, present bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if schema.Required {
			return nil, false, &ArgumentError{Tool: tool, Parameter: name, Reason: "missing required argument"}
		}
		return nil, false, nil
	}

	fail := func(format string, args ...interface{}) (interface{}, bool, error) {
		return nil, false, &ArgumentError{Tool: tool, Parameter: name, Reason: fmt.Sprintf(format, args...)}
	}

	switch schema.Type {
	case typeInteger:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(raw, 64)
			if ferr != nil || f != float64(int64(f)) {
				return fail("%q is not an integer", raw)
			}
			n = int64(f)
		}
		value = n
	case typeNumber:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fail("%q is not a number", raw)
		}
		value = f
	case typeBoolean:
		switch strings.ToLower(raw) {
		case "true", "1", "yes", "y":
			value = true
		case "false", "0", "no", "n":
			value = false
		default:
			return fail("%q is not a boolean (use true/false, yes/no or 1/0)", raw)
		}
	case typeObject:
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
			return fail("expected a JSON object")
		}
		value = obj
	case typeArray:
		var arr []interface{}
		if err := json.Unmarshal([]byte(raw), &arr); err != nil || arr == nil {
			return fail("expected a JSON array")
		}
		value = arr
	default:
		value = raw
	}

	if len(schema.Enum) > 0 && !enumContains(schema.Enum, value) {
		return fail("%v is not one of %v", value, schema.Enum)
	}
	return value, true, nil
}

func enumContains(enum []interface{}, value interface{}) bool {
	want := fmt.Sprint(value)
	for _, e := range enum {
		if fmt.Sprint(e) == want {
			return true
		}
	}
	return false
}

// validateArguments enforces the tool's required list on a prepared argument map.
func validateArguments(tool ToolDefinition, args map[string]interface{}) error {
	var missing []string
	for _, name := range tool.Required {
		v, ok := args[name]
		if !ok || v == nil {
			missing = append(missing, name)
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &ArgumentError{Tool: tool.Name, Parameter: strings.Join(missing, ", "), Reason: "missing required argument"}
}
