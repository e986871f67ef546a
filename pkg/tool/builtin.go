// Copyright 2025 The Kestrel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
)

// Builtin is a tool that runs in-process, without a catalog entry.
type Builtin interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Call(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)
}

// Builtins returns the stock builtins registered on every executor.
func Builtins() []Builtin {
	return []Builtin{
		&calculatorTool{},
		&currentTimeTool{},
		&echoTool{},
	}
}

// schemaOf reflects a params struct into a plain JSON schema map.
func schemaOf(v interface{}) map[string]interface{} {
	reflector := &jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(v)

	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]interface{}{"type": "object"}
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{"type": "object"}
	}
	delete(out, "$schema")
	return out
}

func argString(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argFloat(args map[string]interface{}, key string) (float64, error) {
	switch v := args[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case nil:
		return 0, fmt.Errorf("missing numeric argument %q", key)
	default:
		return 0, fmt.Errorf("argument %q is not a number", key)
	}
}

type calculatorParams struct {
	Operation string  `json:"operation" jsonschema:"enum=add,enum=subtract,enum=multiply,enum=divide,description=Arithmetic operation to perform"`
	A         float64 `json:"a" jsonschema:"description=First operand"`
	B         float64 `json:"b" jsonschema:"description=Second operand"`
}

type calculatorTool struct{}

func (t *calculatorTool) Name() string { return "calculator" }

func (t *calculatorTool) Description() string {
	return "Perform basic arithmetic on two numbers"
}

func (t *calculatorTool) InputSchema() map[string]interface{} {
	return schemaOf(&calculatorParams{})
}

func (t *calculatorTool) Call(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	a, err := argFloat(args, "a")
	if err != nil {
		return nil, err
	}
	b, err := argFloat(args, "b")
	if err != nil {
		return nil, err
	}

	op := argString(args, "operation")
	if op == "" {
		op = "add"
	}

	var result float64
	switch op {
	case "add":
		result = a + b
	case "subtract":
		result = a - b
	case "multiply":
		result = a * b
	case "divide":
		if b == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		result = a / b
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}

	return map[string]interface{}{
		"operation": op,
		"a":         a,
		"b":         b,
		"result":    result,
	}, nil
}

type currentTimeParams struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name such as Asia/Shanghai"`
}

type currentTimeTool struct{}

func (t *currentTimeTool) Name() string { return "current_time" }

func (t *currentTimeTool) Description() string {
	return "Get the current date and time, optionally in a timezone"
}

func (t *currentTimeTool) InputSchema() map[string]interface{} {
	return schemaOf(&currentTimeParams{})
}

func (t *currentTimeTool) Call(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	loc := time.UTC
	zone := argString(args, "timezone")
	if zone != "" {
		parsed, err := time.LoadLocation(zone)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", zone)
		}
		loc = parsed
	}

	now := time.Now().In(loc)
	return map[string]interface{}{
		"time":     now.Format(time.RFC3339),
		"timezone": loc.String(),
	}, nil
}

type echoParams struct {
	Message string `json:"message" jsonschema:"description=Text to echo back"`
}

type echoTool struct{}

func (t *echoTool) Name() string { return "echo" }

func (t *echoTool) Description() string {
	return "Echo the given message back"
}

func (t *echoTool) InputSchema() map[string]interface{} {
	return schemaOf(&echoParams{})
}

func (t *echoTool) Call(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{
		"echo": argString(args, "message"),
	}, nil
}
