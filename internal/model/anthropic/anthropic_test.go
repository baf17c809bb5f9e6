package anthropic

import (
	"testing"

	"github.com/artemgetmann/cortex/internal/model"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error when APIKey is empty")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	p, err := New(Config{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.defaultModel != defaultModel {
		t.Fatalf("defaultModel = %q, want %q", p.defaultModel, defaultModel)
	}
	if p.retryConfig.MaxAttempts == 0 {
		t.Fatal("expected a non-zero default retry config")
	}
}

func TestBuildParamsSplitsSystemMessages(t *testing.T) {
	p, err := New(Config{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	messages := []model.Message{
		{Role: model.RoleSystem, Text: "you are a careful agent"},
		{Role: model.RoleUser, Text: "do the task"},
	}
	params := p.buildParams(messages, nil, model.StopConditions{MaxTokens: 512})

	if len(params.System) != 1 || params.System[0].Text != "you are a careful agent" {
		t.Fatalf("expected system message split into params.System, got %+v", params.System)
	}
	if len(params.Messages) != 1 {
		t.Fatalf("expected 1 non-system message, got %d", len(params.Messages))
	}
	if params.MaxTokens != 512 {
		t.Fatalf("MaxTokens = %d, want 512", params.MaxTokens)
	}
}

func TestBuildParamsDefaultsMaxTokensWhenUnset(t *testing.T) {
	p, err := New(Config{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	params := p.buildParams([]model.Message{{Role: model.RoleUser, Text: "hi"}}, nil, model.StopConditions{})
	if params.MaxTokens != 4096 {
		t.Fatalf("MaxTokens = %d, want default 4096", params.MaxTokens)
	}
}

func TestBuildParamsTranslatesToolSpecs(t *testing.T) {
	p, err := New(Config{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tools := []model.ToolSpec{
		{
			Name:        "kv_set",
			Description: "set a key",
			InputSchema: map[string]any{"properties": map[string]any{"key": map[string]any{"type": "string"}}},
		},
	}
	params := p.buildParams([]model.Message{{Role: model.RoleUser, Text: "set x"}}, tools, model.StopConditions{})
	if len(params.Tools) != 1 {
		t.Fatalf("expected 1 tool param, got %d", len(params.Tools))
	}
	if params.Tools[0].OfTool.Name != "kv_set" {
		t.Fatalf("tool name = %q, want kv_set", params.Tools[0].OfTool.Name)
	}
}

func TestConvertMessageUserVsAssistant(t *testing.T) {
	userParam := convertMessage(model.Message{Role: model.RoleUser, Text: "hello"})
	if string(userParam.Role) != "user" {
		t.Fatalf("expected user role, got %v", userParam.Role)
	}

	assistantParam := convertMessage(model.Message{
		Role: model.RoleAssistant,
		ToolUse: &model.ToolUse{
			Name:  "kv_get",
			Input: map[string]any{"key": "foo"},
		},
	})
	if string(assistantParam.Role) != "assistant" {
		t.Fatalf("expected assistant role, got %v", assistantParam.Role)
	}
}

func TestConvertStopReason(t *testing.T) {
	cases := map[string]model.StopReason{
		"tool_use":      model.StopToolUse,
		"max_tokens":    model.StopMaxTokens,
		"stop_sequence": model.StopStopSeq,
		"end_turn":      model.StopEndTurn,
		"unknown_value": model.StopEndTurn,
	}
	for raw, want := range cases {
		if got := convertStopReason(raw); got != want {
			t.Errorf("convertStopReason(%q) = %q, want %q", raw, got, want)
		}
	}
}
