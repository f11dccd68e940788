// Package router is the context-aware router (C5): given a conversation's
// recent turns and a new user utterance, it classifies the turn and, for
// anything but a self-contained query, expands it against the store's
// referents (§4.5). It never touches storage directly — only the
// ConversationStore handed to it — so it is safe to call from C10 or a
// worker without any locking beyond what the caller already holds.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quantloft/orcad/internal/llm"
	"github.com/quantloft/orcad/internal/models"
)

// Kind is the router's output variant tag (§4.5). Two of these —
// NeedsConfirmation and NeedsClarification — are not QueryTypes at all;
// they tell C10 to return directly to the client without enqueueing.
type Kind string

const (
	KindComplete           Kind = "complete"
	KindContextual         Kind = "contextual"
	KindComparative        Kind = "comparative"
	KindParameter          Kind = "parameter"
	KindNeedsConfirmation  Kind = "needs_confirmation"
	KindNeedsClarification Kind = "needs_clarification"
)

// LastKTurns bounds how much conversation history is sent to the LM (§4.5).
const LastKTurns = 5

// LowConfidenceThreshold is the default low_threshold (§6): a classification
// below this confidence is downgraded to NeedsConfirmation.
const LowConfidenceThreshold = 0.5

// Classification is the router's output for one turn.
type Classification struct {
	Kind         Kind
	ExpandedText string
	Confidence   float64
	Message      string // set for NeedsConfirmation/NeedsClarification
}

// referentialMarkers are tokens that make an utterance look like it refers
// to something earlier in the conversation ("what about TSLA", "and last
// quarter?"). Used only to short-circuit the empty-store edge case (§4.5)
// without spending an LM call on an utterance that cannot possibly resolve.
var referentialMarkers = []string{"what about", "and ", "that ", "it ", "those ", "compare", "instead", "also"}

// Classify runs the router's algorithm against conv (possibly empty) and
// userText (§4.5).
func Classify(ctx context.Context, provider llm.Provider, conv *models.ConversationStore, userText string) (*Classification, error) {
	if conv == nil || len(conv.Turns) == 0 {
		if looksReferential(userText) {
			return &Classification{
				Kind:    KindNeedsClarification,
				Message: "This looks like a follow-up question, but there's no prior context in this conversation. Could you restate it with the specifics (ticker, period, metric)?",
			}, nil
		}
		return &Classification{Kind: KindComplete, ExpandedText: userText, Confidence: 1}, nil
	}

	turns := conv.LastK(LastKTurns)
	req := buildRequest(turns, userText)

	turn, err := llm.CompleteSync(ctx, provider, req)
	if err != nil {
		return nil, err
	}

	out, err := parseVariant(turn.Text, userText)
	if err != nil {
		// Un-parseable LM output: conservative fallback per the design's
		// general "ambiguous -> ask" posture rather than guessing.
		return &Classification{Kind: KindNeedsConfirmation, Message: "I wasn't able to confidently classify that request — could you rephrase it?"}, nil
	}

	if out.Kind != KindComplete && out.Confidence < LowConfidenceThreshold {
		out.Kind = KindNeedsConfirmation
		if out.Message == "" {
			out.Message = fmt.Sprintf("I'm not confident I understood %q in context — could you confirm what you mean?", userText)
		}
	}
	return out, nil
}

func looksReferential(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range referentialMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func buildRequest(turns []models.Turn, userText string) *llm.CompletionRequest {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "Q: %s\n", t.UserQuery)
		if t.AnalysisSummary != "" {
			fmt.Fprintf(&b, "A: %s\n", t.AnalysisSummary)
		}
	}
	fmt.Fprintf(&b, "New question: %s\n", userText)
	b.WriteString(`Classify the new question as one of complete, contextual, comparative, parameter given the conversation above. Respond with JSON: {"kind":"...","expanded_text":"...","confidence":0.0}`)

	return &llm.CompletionRequest{
		System:   "You are a query classifier for a financial analysis assistant. Output only the requested JSON object.",
		Messages: []llm.CompletionMessage{{Role: "user", Content: b.String()}},
	}
}

type variantPayload struct {
	Kind         string  `json:"kind"`
	ExpandedText string  `json:"expanded_text"`
	Confidence   float64 `json:"confidence"`
}

func parseVariant(text, userText string) (*Classification, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("router: no JSON object in LM output")
	}

	raw := []byte(text[start : end+1])
	if err := validateVariantPayload(raw); err != nil {
		return nil, fmt.Errorf("router: output failed schema validation: %w", err)
	}

	var payload variantPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("router: invalid JSON: %w", err)
	}

	kind := Kind(payload.Kind)
	switch kind {
	case KindComplete, KindContextual, KindComparative, KindParameter:
	default:
		return nil, fmt.Errorf("router: unrecognized variant %q", payload.Kind)
	}

	expanded := payload.ExpandedText
	if expanded == "" {
		expanded = userText
	}
	confidence := payload.Confidence
	if kind == KindComplete {
		confidence = 1
	}
	return &Classification{Kind: kind, ExpandedText: expanded, Confidence: confidence}, nil
}
