// Package llm is the language-model collaborator boundary. Everything in
// this repo that needs a completion — the router (C5), the reuse evaluator
// (C6), the analysis worker (C7) — talks to a Provider, never to a vendor
// SDK directly. The model itself is out of scope; this package only owns
// the wire conversion, retry policy, and tool-call plumbing around it.
package llm

import (
	"context"
	"encoding/json"
)

// Model describes one model a Provider can serve.
type Model struct {
	ID            string
	ContextWindow int
	MaxTokens     int
	SupportsTools bool
}

// CompletionMessage is one turn in a conversation handed to a Provider.
type CompletionMessage struct {
	Role       string // user | assistant
	Content    string
	ToolCallID string // set on a tool-result message
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

// Tool is a function the model may call. Schema is a JSON Schema object
// describing its parameters.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ToolCall is a model-issued request to invoke one Tool.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult is the caller's response to a ToolCall, fed back as the next
// message in the conversation.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// CompletionRequest is one request for a model turn.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []CompletionMessage
	Tools     []Tool
	MaxTokens int
	// Temperature of 0 asks the provider for its most deterministic
	// setting; classification/extraction callers in this repo always want
	// this, so providers default it low rather than to the vendor's own
	// creative-writing default.
	Temperature float64
}

// CompletionChunk is one piece of a streamed response. A terminal chunk has
// Done set; a chunk naming a ToolCall is itself terminal for the current
// turn (the caller must supply a ToolResult and call Complete again).
type CompletionChunk struct {
	Text     string
	ToolCall *ToolCall
	Done     bool
	Error    error
}

// Provider is the boundary every vendor-specific client implements.
type Provider interface {
	// Complete sends req and returns a channel of chunks. The channel is
	// closed after a chunk with Done set (or an error chunk) is sent.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
	Name() string
	Models() []Model
	SupportsTools() bool
}
