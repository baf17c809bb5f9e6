// Package adapter defines the Adapter SPI (spec 6): the narrow contract
// between the step loop and a domain tool. Concrete adapters live in
// subpackages (internal/adapter/kv is the reference implementation).
package adapter

import "context"

// ToolSpec describes the one tool this adapter exposes, including a JSON
// Schema for its input shape so the step loop (and the model transport) can
// validate calls before execution.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Result is the outcome of one Execute call.
type Result struct {
	Output map[string]any

	// ShapeInvalid marks a call whose input failed schema validation — the
	// step loop's validation-retry path (spec 4.7 step 3) is gated on this,
	// distinct from a runtime/semantic failure the adapter surfaces as Err.
	ShapeInvalid bool

	// Err is a runtime/semantic failure (e.g. key not found). The step loop
	// treats this as data fed back to the model, not an exception.
	Err error
}

// SPI is the Adapter Service Provider Interface the step loop drives.
type SPI interface {
	// ToolSpec returns the tool's schema, constant for the adapter's
	// lifetime.
	ToolSpec() ToolSpec

	// Execute runs one tool call. input has already been shape-checked by
	// the caller against ToolSpec().InputSchema when possible; Execute
	// still validates defensively and reports ShapeInvalid if the checked
	// input nonetheless fails at the semantic layer (e.g. a field that
	// passes schema but fails a domain-specific range check).
	Execute(ctx context.Context, input map[string]any) (Result, error)

	// CaptureFinalState returns a snapshot of adapter state at session end,
	// for fingerprinting "no visible error, but state diverged from goal"
	// cases (spec 4.1's no-progress channel).
	CaptureFinalState(ctx context.Context) (map[string]any, error)

	// DomainKey identifies the adapter's domain for lesson scoping (spec
	// 3's Lesson.DomainKey) — lessons retrieved for one domain never leak
	// into another.
	DomainKey() string
}
