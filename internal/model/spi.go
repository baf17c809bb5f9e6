// Package model defines the Model SPI (spec 6): the narrow contract the
// core requires of any LLM transport. Concrete transports live in
// subpackages (internal/model/anthropic for the real Anthropic-backed
// implementation, internal/model/tape for deterministic replay).
package model

import "context"

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of conversation history passed to the model.
type Message struct {
	Role    Role
	Text    string
	ToolUse *ToolUse // set when Role == RoleAssistant and a tool was called
}

// ToolUse is a tool-call intent made by the model in a prior turn, echoed
// back as history alongside its result.
type ToolUse struct {
	Name  string
	Input map[string]any
}

// ToolSpec describes one callable tool, translated from the Adapter SPI's
// tool_spec() for transports that need a provider-native schema shape.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// StopReason enumerates why a model turn ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopStopSeq   StopReason = "stop_sequence"
)

// TokenUsage reports token accounting for one turn. The spec explicitly
// excludes token-accounting *tooling* from the core, but the Model SPI
// contract itself still returns usage since it's part of the turn shape
// (spec 6); nothing downstream requires callers to consume it.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// ToolCallIntent is the model's request to invoke exactly one tool, or nil
// if the turn ended with narration only.
type ToolCallIntent struct {
	Name  string
	Input map[string]any
}

// ModelTurn is the result of one Model SPI call (spec 6).
type ModelTurn struct {
	TextBlocks []string
	ToolCall   *ToolCallIntent
	StopReason StopReason
	TokenUsage TokenUsage
}

// StopConditions bounds a single turn call (max tokens, explicit stop
// sequences). Transports translate this into their native request shape.
type StopConditions struct {
	MaxTokens     int
	StopSequences []string
}

// SPI is the Model Service Provider Interface the step loop consumes.
// Implementations must be safe under the retry policy described in spec 6:
// "idempotent-safe under retry at the transport layer; the core does not
// replay turns" — i.e. Turn itself may retry internally, but a single call
// to Turn must not have visible side effects beyond its own response.
type SPI interface {
	Turn(ctx context.Context, messages []Message, tools []ToolSpec, stop StopConditions) (ModelTurn, error)
}
