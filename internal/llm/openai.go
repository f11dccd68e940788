package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements Provider against any OpenAI-compatible Chat
// Completions endpoint. A non-default BaseURL turns this into a client for
// one of the OpenAI-compatible proxies (Venice, OpenRouter, a local
// gateway) without a second code path — they differ only in base URL and
// model catalog, not wire format.
type OpenAIProvider struct {
	base
	client       *openai.Client
	name         string
	defaultModel string
	models       []Model
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string // empty uses api.openai.com
	Name         string // defaults to "openai"; set to "venice"/"openrouter" for a proxy
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
	Models       []Model
}

// NewOpenAIProvider constructs a provider backed by the real SDK client.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o-mini"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		base:         newBase(cfg.Name, cfg.MaxRetries, cfg.RetryDelay),
		client:       openai.NewClientWithConfig(clientCfg),
		name:         cfg.Name,
		defaultModel: cfg.DefaultModel,
		models:       cfg.Models,
	}, nil
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) SupportsTools() bool { return true }

func (p *OpenAIProvider) Models() []Model { return p.models }

func (p *OpenAIProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages, err := convertOpenAIMessages(req.Messages, req.System)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	ch := make(chan *CompletionChunk, 4)

	var resp openai.ChatCompletionResponse
	retryErr := p.retry(ctx, func(err error) bool {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return errRetryable(apiErr.HTTPStatusCode)
		}
		return isTransportTransient(err)
	}, func() error {
		r, err := p.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if retryErr != nil {
		var apiErr *openai.APIError
		status := 0
		if errors.As(retryErr, &apiErr) {
			status = apiErr.HTTPStatusCode
		}
		close(ch)
		return ch, classify(status, retryErr)
	}

	go func() {
		defer close(ch)
		if len(resp.Choices) == 0 {
			ch <- &CompletionChunk{Done: true}
			return
		}
		choice := resp.Choices[0].Message
		if choice.Content != "" {
			ch <- &CompletionChunk{Text: choice.Content}
		}
		for _, tc := range choice.ToolCalls {
			ch <- &CompletionChunk{ToolCall: &ToolCall{
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: json.RawMessage(tc.Function.Arguments),
			}}
		}
		ch <- &CompletionChunk{Done: true}
	}()
	return ch, nil
}

func convertOpenAIMessages(msgs []CompletionMessage, system string) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		switch {
		case m.ToolResult != nil:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.ToolResult.Content,
				ToolCallID: m.ToolResult.ToolCallID,
			})
		case m.ToolCall != nil:
			out = append(out, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:   m.ToolCall.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      m.ToolCall.Name,
						Arguments: string(m.ToolCall.Input),
					},
				}},
			})
		case m.Role == "assistant":
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content})
		default:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		}
	}
	return out, nil
}

func convertOpenAITools(tools []Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var params map[string]any
		_ = json.Unmarshal(t.Schema, &params)
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
