package llm

import (
	"context"
	"testing"
)

func TestCompleteSyncReturnsText(t *testing.T) {
	p := &FakeProvider{Responses: []Turn{{Text: "hello"}}}
	turn, err := CompleteSync(context.Background(), p, &CompletionRequest{Messages: []CompletionMessage{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if turn.Text != "hello" {
		t.Fatalf("expected 'hello', got %q", turn.Text)
	}
	if len(p.Requests) != 1 {
		t.Fatalf("expected 1 recorded request, got %d", len(p.Requests))
	}
}

func TestCompleteSyncReturnsToolCall(t *testing.T) {
	p := &FakeProvider{Responses: []Turn{{ToolCall: &ToolCall{ID: "t1", Name: "write_script"}}}}
	turn, err := CompleteSync(context.Background(), p, &CompletionRequest{})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if turn.ToolCall == nil || turn.ToolCall.Name != "write_script" {
		t.Fatalf("expected tool call write_script, got %+v", turn.ToolCall)
	}
}

func TestFakeProviderCyclesThroughMultipleTurns(t *testing.T) {
	p := &FakeProvider{Responses: []Turn{
		{ToolCall: &ToolCall{ID: "t1", Name: "lookup_docstring"}},
		{Text: "final answer"},
	}}
	ctx := context.Background()

	first, err := CompleteSync(ctx, p, &CompletionRequest{})
	if err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if first.ToolCall == nil {
		t.Fatalf("expected first turn to be a tool call")
	}

	second, err := CompleteSync(ctx, p, &CompletionRequest{})
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if second.Text != "final answer" {
		t.Fatalf("expected final answer, got %q", second.Text)
	}
}
