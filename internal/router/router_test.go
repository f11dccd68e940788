package router

import (
	"context"
	"testing"

	"github.com/quantloft/orcad/internal/llm"
	"github.com/quantloft/orcad/internal/models"
)

func TestClassifyFirstTurnIsComplete(t *testing.T) {
	p := &llm.FakeProvider{}
	got, err := Classify(context.Background(), p, &models.ConversationStore{}, "what is AAPL's revenue")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got.Kind != KindComplete {
		t.Fatalf("expected complete, got %s", got.Kind)
	}
	if got.ExpandedText != "what is AAPL's revenue" {
		t.Fatalf("unexpected expansion: %q", got.ExpandedText)
	}
	if len(p.Requests) != 0 {
		t.Fatalf("expected no LM call for a first turn, got %d", len(p.Requests))
	}
}

func TestClassifyEmptyStoreReferentialNeedsClarification(t *testing.T) {
	p := &llm.FakeProvider{}
	got, err := Classify(context.Background(), p, &models.ConversationStore{}, "what about TSLA")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got.Kind != KindNeedsClarification {
		t.Fatalf("expected needs_clarification, got %s", got.Kind)
	}
	if got.Message == "" {
		t.Fatal("expected a clarification message")
	}
}

func TestClassifyContextualExpandsFromLM(t *testing.T) {
	p := &llm.FakeProvider{Responses: []llm.Turn{{Text: `{"kind":"contextual","expanded_text":"what is TSLA's revenue","confidence":0.9}`}}}
	conv := &models.ConversationStore{}
	conv.AddTurn(models.Turn{UserQuery: "what is AAPL's revenue", AnalysisSummary: "AAPL revenue"})

	got, err := Classify(context.Background(), p, conv, "what about TSLA")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got.Kind != KindContextual {
		t.Fatalf("expected contextual, got %s", got.Kind)
	}
	if got.ExpandedText != "what is TSLA's revenue" {
		t.Fatalf("unexpected expansion: %q", got.ExpandedText)
	}
}

func TestClassifyLowConfidenceDowngradesToNeedsConfirmation(t *testing.T) {
	p := &llm.FakeProvider{Responses: []llm.Turn{{Text: `{"kind":"comparative","expanded_text":"compare AAPL and TSLA revenue","confidence":0.2}`}}}
	conv := &models.ConversationStore{}
	conv.AddTurn(models.Turn{UserQuery: "what is AAPL's revenue"})

	got, err := Classify(context.Background(), p, conv, "compare that with TSLA")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got.Kind != KindNeedsConfirmation {
		t.Fatalf("expected needs_confirmation after low-confidence downgrade, got %s", got.Kind)
	}
}

func TestClassifyUnparseableOutputFallsBackToNeedsConfirmation(t *testing.T) {
	p := &llm.FakeProvider{Responses: []llm.Turn{{Text: "not json at all"}}}
	conv := &models.ConversationStore{}
	conv.AddTurn(models.Turn{UserQuery: "what is AAPL's revenue"})

	got, err := Classify(context.Background(), p, conv, "and last quarter?")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got.Kind != KindNeedsConfirmation {
		t.Fatalf("expected needs_confirmation on unparseable output, got %s", got.Kind)
	}
}

func TestClassifySendsOnlyLastKTurns(t *testing.T) {
	p := &llm.FakeProvider{Responses: []llm.Turn{{Text: `{"kind":"contextual","expanded_text":"x","confidence":0.9}`}}}
	conv := &models.ConversationStore{}
	for i := 0; i < 10; i++ {
		conv.AddTurn(models.Turn{UserQuery: "q"})
	}

	if _, err := Classify(context.Background(), p, conv, "and that"); err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(p.Requests) != 1 {
		t.Fatalf("expected exactly 1 LM call, got %d", len(p.Requests))
	}
}
