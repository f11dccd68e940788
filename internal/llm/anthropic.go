package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements Provider against the Claude Messages API.
// Unlike a chat UI, every caller in this repo (router, reuse evaluator,
// analysis worker) wants one complete structured turn rather than a token
// stream, so Complete blocks on a single Messages.New call and emits it as
// one chunk followed by Done — still behind the streaming-shaped interface
// so a future interactive surface can swap in NewStreaming without
// touching callers.
type AnthropicProvider struct {
	base
	client       anthropic.Client
	defaultModel string
	maxTokens    int
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
	MaxTokens    int
}

// NewAnthropicProvider constructs a provider backed by the real SDK client.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		base:         newBase("anthropic", cfg.MaxRetries, cfg.RetryDelay),
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) SupportsTools() bool { return true }

func (p *AnthropicProvider) Models() []Model {
	return []Model{
		{ID: "claude-sonnet-4-20250514", ContextWindow: 200000, MaxTokens: 8192, SupportsTools: true},
		{ID: "claude-opus-4-20250514", ContextWindow: 200000, MaxTokens: 8192, SupportsTools: true},
		{ID: "claude-haiku-4-20250514", ContextWindow: 200000, MaxTokens: 8192, SupportsTools: true},
	}
}

func (p *AnthropicProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  convertMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	ch := make(chan *CompletionChunk, 4)

	var message *anthropic.Message
	err := p.retry(ctx, func(err error) bool {
		var apiErr *anthropic.Error
		if asAnthropicError(err, &apiErr) {
			return errRetryable(apiErr.StatusCode)
		}
		return isTransportTransient(err)
	}, func() error {
		m, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return err
		}
		message = m
		return nil
	})
	if err != nil {
		var apiErr *anthropic.Error
		status := 0
		if asAnthropicError(err, &apiErr) {
			status = apiErr.StatusCode
		}
		close(ch)
		return ch, classify(status, err)
	}

	go func() {
		defer close(ch)
		for _, block := range message.Content {
			switch variant := block.AsAny().(type) {
			case anthropic.TextBlock:
				ch <- &CompletionChunk{Text: variant.Text}
			case anthropic.ToolUseBlock:
				ch <- &CompletionChunk{ToolCall: &ToolCall{
					ID:    variant.ID,
					Name:  variant.Name,
					Input: json.RawMessage(variant.Input),
				}}
			}
		}
		ch <- &CompletionChunk{Done: true}
	}()
	return ch, nil
}

func convertMessages(msgs []CompletionMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case m.ToolResult != nil:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolResult.ToolCallID, m.ToolResult.Content, m.ToolResult.IsError)))
		case m.ToolCall != nil:
			out = append(out, anthropic.NewAssistantMessage(
				anthropic.NewToolUseBlock(m.ToolCall.ID, json.RawMessage(m.ToolCall.Input), m.ToolCall.Name)))
		case m.Role == "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out
}

func convertTools(tools []Tool) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func asAnthropicError(err error, target **anthropic.Error) bool {
	return errors.As(err, target)
}

func errRetryable(status int) bool {
	return status == 429 || status >= 500
}
