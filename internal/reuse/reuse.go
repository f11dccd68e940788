// Package reuse is the reuse evaluator (C6): given an expanded query and a
// ranked list of neighbor analyses from the vector index, it decides
// whether an existing analysis can be reused verbatim (with new parameter
// bindings) or whether a new one must be generated (§4.6).
//
// The evaluator never returns an error from Evaluate. Every failure mode —
// a neighbor below the similarity floor, an LM transport error, or
// unparseable LM output — collapses to the same conservative
// {reuse: false, reason} decision, so callers never need a second error
// path on top of the decision itself.
package reuse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quantloft/orcad/internal/llm"
	"github.com/quantloft/orcad/internal/vectorindex"
)

// DefaultSimilarityThreshold is reuse_similarity_threshold (§6).
const DefaultSimilarityThreshold = 0.7

// Decision is the evaluator's output for one query.
type Decision struct {
	Reuse         bool
	AnalysisID    string
	NewParameters map[string]any
	Reason        string
}

// Input bundles the candidates the evaluator chooses among.
type Input struct {
	ExpandedQuery string
	Neighbors     []vectorindex.Neighbor
	Threshold     float64 // defaults to DefaultSimilarityThreshold if zero
}

// Evaluate runs the reuse decision (§4.6). provider is the LM collaborator;
// a nil or empty Neighbors list short-circuits to {reuse: false} without
// spending a call.
func Evaluate(ctx context.Context, provider llm.Provider, in Input) *Decision {
	threshold := in.Threshold
	if threshold == 0 {
		threshold = DefaultSimilarityThreshold
	}

	candidates := aboveThreshold(in.Neighbors, threshold)
	if len(candidates) == 0 {
		return &Decision{Reuse: false, Reason: "no neighbor met the similarity threshold"}
	}

	req := buildRequest(in.ExpandedQuery, candidates)
	turn, err := llm.CompleteSync(ctx, provider, req)
	if err != nil {
		return &Decision{Reuse: false, Reason: fmt.Sprintf("reuse evaluation request failed: %v", err)}
	}

	decision, err := parseDecision(turn.Text, candidates)
	if err != nil {
		return &Decision{Reuse: false, Reason: "failed to parse reuse evaluation response"}
	}
	return decision
}

func aboveThreshold(neighbors []vectorindex.Neighbor, threshold float64) []vectorindex.Neighbor {
	var out []vectorindex.Neighbor
	for _, n := range neighbors {
		if n.Similarity >= threshold {
			out = append(out, n)
		}
	}
	return out
}

func buildRequest(expandedQuery string, candidates []vectorindex.Neighbor) *llm.CompletionRequest {
	var b strings.Builder
	b.WriteString("Existing analyses:\n")
	for _, n := range candidates {
		fmt.Fprintf(&b, "- id=%s similarity=%.2f metadata=%v\n", n.ID, n.Similarity, n.Metadata)
	}
	fmt.Fprintf(&b, "\nNew question: %s\n", expandedQuery)
	b.WriteString("Decide whether one of the existing analyses can be reused for the new question by only rebinding its declared parameters, or whether a new analysis is required. Reuse is only valid when the category matches and every difference is a parameter value.\n")
	b.WriteString(`Respond with JSON: {"reuse": true|false, "analysis_id": "...", "new_parameters": {...}, "reason": "..."}`)

	return &llm.CompletionRequest{
		System:   "You are a reuse evaluator for a financial analysis assistant. Output only the requested JSON object.",
		Messages: []llm.CompletionMessage{{Role: "user", Content: b.String()}},
	}
}

type decisionPayload struct {
	Reuse         bool           `json:"reuse"`
	AnalysisID    string         `json:"analysis_id"`
	NewParameters map[string]any `json:"new_parameters"`
	Reason        string         `json:"reason"`
}

func parseDecision(text string, candidates []vectorindex.Neighbor) (*Decision, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("reuse: no JSON object in LM output")
	}

	raw := []byte(text[start : end+1])
	if err := validateDecisionPayload(raw); err != nil {
		return nil, fmt.Errorf("reuse: output failed schema validation: %w", err)
	}

	var payload decisionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("reuse: invalid JSON: %w", err)
	}

	if !payload.Reuse {
		reason := payload.Reason
		if reason == "" {
			reason = "LM determined no existing analysis applies"
		}
		return &Decision{Reuse: false, Reason: reason}, nil
	}

	if !isCandidate(payload.AnalysisID, candidates) {
		return &Decision{Reuse: false, Reason: fmt.Sprintf("LM named analysis %q, which was not among the offered candidates", payload.AnalysisID)}, nil
	}

	return &Decision{
		Reuse:         true,
		AnalysisID:    payload.AnalysisID,
		NewParameters: payload.NewParameters,
	}, nil
}

func isCandidate(id string, candidates []vectorindex.Neighbor) bool {
	for _, c := range candidates {
		if c.ID == id {
			return true
		}
	}
	return false
}
