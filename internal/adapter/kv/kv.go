// Package kv is the reference Adapter SPI implementation: a single tool
// ("kv") performing get/set/delete against an in-memory map. It stands in
// for the CSV/SQL/HTTP/shell adapters spec.md names as out-of-scope,
// existing only to exercise the Adapter SPI and step loop end-to-end.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/artemgetmann/cortex/internal/adapter"
)

// ErrKeyNotFound is a runtime/semantic failure: the schema was satisfied but
// the key does not exist.
var ErrKeyNotFound = errors.New("kv: key not found")

// ErrShapeInvalid marks a call whose input failed schema validation.
var ErrShapeInvalid = errors.New("kv: input shape invalid")

const toolName = "kv"

const schemaDoc = `{
  "type": "object",
  "properties": {
    "op": {"type": "string", "enum": ["get", "set", "delete"]},
    "key": {"type": "string", "minLength": 1},
    "value": {}
  },
  "required": ["op", "key"],
  "if": {"properties": {"op": {"const": "set"}}},
  "then": {"required": ["op", "key", "value"]}
}`

// Adapter implements adapter.SPI over a mutex-guarded in-memory map.
type Adapter struct {
	mu     sync.RWMutex
	data   map[string]any
	schema *jsonschema.Schema
	domain string
}

// New builds a kv Adapter. domain is the Lesson.DomainKey this adapter's
// sessions scope their lessons under.
func New(domain string) (*Adapter, error) {
	schema, err := jsonschema.CompileString("kv.schema.json", schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("kv: compile schema: %w", err)
	}
	return &Adapter{
		data:   make(map[string]any),
		schema: schema,
		domain: domain,
	}, nil
}

// ToolSpec implements adapter.SPI.
func (a *Adapter) ToolSpec() adapter.ToolSpec {
	var rawSchema map[string]any
	_ = json.Unmarshal([]byte(schemaDoc), &rawSchema)
	return adapter.ToolSpec{
		Name:        toolName,
		Description: "Get, set, or delete a key in the session's key-value store.",
		InputSchema: rawSchema,
	}
}

// Execute implements adapter.SPI.
func (a *Adapter) Execute(ctx context.Context, input map[string]any) (adapter.Result, error) {
	if err := ctx.Err(); err != nil {
		return adapter.Result{}, err
	}
	if err := a.schema.Validate(input); err != nil {
		return adapter.Result{ShapeInvalid: true, Err: fmt.Errorf("%w: %v", ErrShapeInvalid, err)}, nil
	}

	op, _ := input["op"].(string)
	key, _ := input["key"].(string)

	a.mu.Lock()
	defer a.mu.Unlock()

	switch op {
	case "get":
		v, ok := a.data[key]
		if !ok {
			return adapter.Result{Err: fmt.Errorf("%w: %q", ErrKeyNotFound, key)}, nil
		}
		return adapter.Result{Output: map[string]any{"key": key, "value": v}}, nil

	case "set":
		a.data[key] = input["value"]
		return adapter.Result{Output: map[string]any{"key": key, "ok": true}}, nil

	case "delete":
		if _, ok := a.data[key]; !ok {
			return adapter.Result{Err: fmt.Errorf("%w: %q", ErrKeyNotFound, key)}, nil
		}
		delete(a.data, key)
		return adapter.Result{Output: map[string]any{"key": key, "ok": true}}, nil

	default:
		// The enum constraint in schemaDoc should make this unreachable,
		// but Execute validates defensively per the Adapter SPI contract.
		return adapter.Result{ShapeInvalid: true, Err: fmt.Errorf("%w: unknown op %q", ErrShapeInvalid, op)}, nil
	}
}

// CaptureFinalState implements adapter.SPI.
func (a *Adapter) CaptureFinalState(ctx context.Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	snapshot := make(map[string]any, len(a.data))
	for k, v := range a.data {
		snapshot[k] = v
	}
	return snapshot, nil
}

// DomainKey implements adapter.SPI.
func (a *Adapter) DomainKey() string {
	return a.domain
}
