// Package toolapi exposes the bridge as one unified tool: a single dispatch
// entry point with named operations and JSON-Schema-validated arguments.
package toolapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Error codes returned in structured tool errors.
const (
	ErrCodeUnknownOperation = "unknown_operation"
	ErrCodeInvalidArgs      = "invalid_args"
)

// Error is the structured failure surface of the tool. An unknown operation
// enumerates the valid ones so a caller can self-correct.
type Error struct {
	Code            string   `json:"code"`
	Message         string   `json:"message"`
	ValidOperations []string `json:"valid_operations,omitempty"`
}

func (e *Error) Error() string {
	if len(e.ValidOperations) > 0 {
		return fmt.Sprintf("%s: %s (valid operations: %s)",
			e.Code, e.Message, strings.Join(e.ValidOperations, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Call is one tool invocation.
type Call struct {
	Operation string          `json:"operation"`
	Args      json.RawMessage `json:"args,omitempty"`
}

type handlerFunc func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error)

type operation struct {
	schema *jsonschema.Schema
	handle handlerFunc
}

// Config tunes the Dispatcher.
type Config struct {
	// ServerName forms derived mxids, e.g. "example.org".
	ServerName string
}

// Dispatcher validates and routes tool calls to the Backend.
type Dispatcher struct {
	cfg     Config
	backend Backend
	ops     map[string]*operation
	names   []string
}

// New compiles every operation schema and wires the dispatch table. A schema
// that fails to compile is a programming error surfaced at startup.
func New(cfg Config, backend Backend) (*Dispatcher, error) {
	d := &Dispatcher{
		cfg:     cfg,
		backend: backend,
		ops:     make(map[string]*operation, len(specs)),
	}
	for name, spec := range specs {
		compiler := jsonschema.NewCompiler()
		resource := name + ".schema.json"
		if err := compiler.AddResource(resource, bytes.NewReader([]byte(spec.schema))); err != nil {
			return nil, fmt.Errorf("failed to add schema for %q: %w", name, err)
		}
		compiled, err := compiler.Compile(resource)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for %q: %w", name, err)
		}
		d.ops[name] = &operation{schema: compiled, handle: spec.handle}
		d.names = append(d.names, name)
	}
	sort.Strings(d.names)
	return d, nil
}

// Operations returns the sorted operation names.
func (d *Dispatcher) Operations() []string {
	return d.names
}

// Dispatch validates the call and runs the operation. Validation failures and
// unknown operations come back as *Error; everything else is the backend's.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) (any, error) {
	op, ok := d.ops[call.Operation]
	if !ok {
		return nil, &Error{
			Code:            ErrCodeUnknownOperation,
			Message:         fmt.Sprintf("unknown operation %q", call.Operation),
			ValidOperations: d.names,
		}
	}

	raw := call.Args
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, &Error{
			Code:    ErrCodeInvalidArgs,
			Message: fmt.Sprintf("arguments are not valid JSON: %v", err),
		}
	}
	if err := op.schema.Validate(v); err != nil {
		return nil, &Error{Code: ErrCodeInvalidArgs, Message: err.Error()}
	}
	return op.handle(ctx, d, raw)
}
