// Package anthropic implements the Model SPI (internal/model.SPI) against
// Anthropic's Claude API via github.com/anthropics/anthropic-sdk-go. It is
// the repo's one reference Model SPI transport (spec 1 names the LLM
// transport as an external collaborator consumed via a uniform interface;
// this is that collaborator, not part of the core).
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/artemgetmann/cortex/internal/model"
	"github.com/artemgetmann/cortex/internal/retry"
)

// Provider implements model.SPI against the Anthropic Messages API.
type Provider struct {
	client       anthropic.Client
	defaultModel string
	retryConfig  retry.Config
}

// Config configures a Provider.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	RetryConfig  retry.Config
}

const defaultModel = "claude-sonnet-4-20250514"

// New builds a Provider. APIKey is required; all other fields fall back to
// sensible defaults.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: APIKey is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	dm := cfg.DefaultModel
	if dm == "" {
		dm = defaultModel
	}
	rc := cfg.RetryConfig
	if rc.MaxAttempts == 0 {
		rc = retry.DefaultConfig()
	}
	return &Provider{
		client:       anthropic.NewClient(opts...),
		defaultModel: dm,
		retryConfig:  rc,
	}, nil
}

// Turn implements model.SPI. Transport errors (network, rate limit) are
// retried with bounded backoff per spec 4.7/7; a persistent failure is
// returned to the caller, who ends the session as fail/reason=transport.
func (p *Provider) Turn(ctx context.Context, messages []model.Message, tools []model.ToolSpec, stop model.StopConditions) (model.ModelTurn, error) {
	params := p.buildParams(messages, tools, stop)

	msg, result := retry.DoWithValue(ctx, p.retryConfig, func() (*anthropic.Message, error) {
		resp, err := p.client.Messages.New(ctx, params)
		return resp, classifyTurnError(err)
	})
	if result.Err != nil {
		return model.ModelTurn{}, fmt.Errorf("anthropic: turn: %w", result.Err)
	}
	return convertResponse(msg), nil
}

// classifyTurnError wraps a transport error as permanent when the
// Anthropic API's own status code says retrying cannot help (bad API key,
// malformed request, unknown model). Rate limits and server faults pass
// through unwrapped so retry.Do keeps backing off.
func classifyTurnError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && !retry.ClassifyStatusCode(apiErr.StatusCode) {
		return retry.Permanent(err)
	}
	return err
}

func (p *Provider) buildParams(messages []model.Message, tools []model.ToolSpec, stop model.StopConditions) anthropic.MessageNewParams {
	maxTokens := int64(stop.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.defaultModel),
		MaxTokens: maxTokens,
	}
	if len(stop.StopSequences) > 0 {
		params.StopSequences = stop.StopSequences
	}

	var systemBlocks []anthropic.TextBlockParam
	var converted []anthropic.MessageParam
	for _, m := range messages {
		if m.Role == model.RoleSystem {
			systemBlocks = append(systemBlocks, anthropic.TextBlockParam{Text: m.Text})
			continue
		}
		converted = append(converted, convertMessage(m))
	}
	if len(systemBlocks) > 0 {
		params.System = systemBlocks
	}
	params.Messages = converted

	if len(tools) > 0 {
		var toolParams []anthropic.ToolUnionParam
		for _, t := range tools {
			toolParams = append(toolParams, anthropic.ToolUnionParam{
				OfTool: &anthropic.ToolParam{
					Name:        t.Name,
					Description: anthropic.String(t.Description),
					InputSchema: anthropic.ToolInputSchemaParam{
						Properties: t.InputSchema["properties"],
					},
				},
			})
		}
		params.Tools = toolParams
	}
	return params
}

func convertMessage(m model.Message) anthropic.MessageParam {
	var content []anthropic.ContentBlockParamUnion
	if m.Text != "" {
		content = append(content, anthropic.NewTextBlock(m.Text))
	}
	if m.ToolUse != nil {
		raw, _ := json.Marshal(m.ToolUse.Input)
		content = append(content, anthropic.NewToolUseBlock(m.ToolUse.Name, json.RawMessage(raw), m.ToolUse.Name))
	}
	if m.Role == model.RoleAssistant {
		return anthropic.NewAssistantMessage(content...)
	}
	return anthropic.NewUserMessage(content...)
}

func convertResponse(msg *anthropic.Message) model.ModelTurn {
	turn := model.ModelTurn{
		StopReason: convertStopReason(string(msg.StopReason)),
		TokenUsage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			turn.TextBlocks = append(turn.TextBlocks, variant.Text)
		case anthropic.ToolUseBlock:
			var input map[string]any
			_ = json.Unmarshal(variant.Input, &input)
			turn.ToolCall = &model.ToolCallIntent{Name: variant.Name, Input: input}
		}
	}
	return turn
}

func convertStopReason(reason string) model.StopReason {
	switch reason {
	case "tool_use":
		return model.StopToolUse
	case "max_tokens":
		return model.StopMaxTokens
	case "stop_sequence":
		return model.StopStopSeq
	default:
		return model.StopEndTurn
	}
}
