// Package analysisworker is the analysis worker (C7): it consumes the
// "analysis" queue, drives the LM through a constrained tool-calling loop
// to produce a validated script and parameter binding, persists the
// resulting Analysis, and hands off to the execution queue (§4.7).
package analysisworker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quantloft/orcad/internal/errkind"
	"github.com/quantloft/orcad/internal/llm"
	"github.com/quantloft/orcad/internal/models"
	"github.com/quantloft/orcad/internal/observability"
	"github.com/quantloft/orcad/internal/progress"
	"github.com/quantloft/orcad/internal/queue"
	"github.com/quantloft/orcad/internal/scriptstore"
	"github.com/quantloft/orcad/internal/store"
)

// DefaultMaxValidationIterations is N from §4.7's failure taxonomy:
// "script validation failed after N iterations (default 3)".
const DefaultMaxValidationIterations = 3

// DefaultMaxParseRetries is the local retry budget before an unparseable
// terminal LM response fails the analysis outright (§4.7: "after 2 local
// retries").
const DefaultMaxParseRetries = 2

// DocLookup is the docstring-lookup collaborator against the analytics
// catalog (§4.7's one permitted non-script tool). The catalog's contents
// are out of scope; this interface only owns the shape the worker needs.
type DocLookup interface {
	Lookup(ctx context.Context, name string) (doc string, ok bool)
}

// MapDocLookup is a DocLookup backed by a fixed map, adequate for the
// catalog entries this worker actually needs to resolve at plan time.
type MapDocLookup map[string]string

func (m MapDocLookup) Lookup(ctx context.Context, name string) (string, bool) {
	doc, ok := m[name]
	return doc, ok
}

// permittedTools are the only tool names the LM may invoke while planning
// an analysis (§4.7): script write/read/validate and the docstring lookup.
// Anything else — data-fetch, compute — is forbidden and refused, not
// executed (those belong to the generated script, not the plan).
const (
	toolWriteScript     = "write_script"
	toolReadScript      = "read_script"
	toolValidateScript  = "validate_script"
	toolLookupDocstring = "lookup_docstring"
)

var permittedTools = map[string]bool{
	toolWriteScript:     true,
	toolReadScript:      true,
	toolValidateScript:  true,
	toolLookupDocstring: true,
}

// Config bundles the worker's collaborators and retry policy.
type Config struct {
	WorkerID                string
	Provider                llm.Provider
	Store                   store.Store
	Scripts                 *scriptstore.Store
	Docs                    DocLookup
	ExecutionQueue          *queue.Queue
	Bus                     *progress.Bus
	MaxValidationIterations int
	MaxParseRetries         int
	Logger                  *observability.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxValidationIterations <= 0 {
		c.MaxValidationIterations = DefaultMaxValidationIterations
	}
	if c.MaxParseRetries < 0 {
		c.MaxParseRetries = DefaultMaxParseRetries
	}
	if c.Docs == nil {
		c.Docs = MapDocLookup{}
	}
}

// Worker holds the dependencies needed to build a queue.Handler (exposed as
// Handle) for the "analysis" queue.
type Worker struct {
	cfg Config
}

// New builds a Worker. Wrap its Handle method with queue.NewWorker to run it.
func New(cfg Config) *Worker {
	cfg.applyDefaults()
	return &Worker{cfg: cfg}
}

// Handle implements queue.Handler for one claimed analysis job (§4.7).
func (w *Worker) Handle(ctx context.Context, job *queue.JobHandle) (map[string]any, queue.Outcome, error) {
	aj := job.AnalysisJob
	if aj == nil {
		return nil, queue.OutcomeTerminalFailure, fmt.Errorf("analysisworker: claimed job has no AnalysisJob payload")
	}

	w.emit(ctx, aj.SessionID, models.ProgressLevelInfo, "analysis started", nil)

	plan, outcome, err := w.plan(ctx, aj)
	if err != nil {
		w.handleFailure(ctx, aj, err)
		return nil, outcome, err
	}

	sc, err := w.cfg.Scripts.Read(ctx, plan.scriptName)
	if err != nil {
		err = fmt.Errorf("analysisworker: read validated script %q: %w", plan.scriptName, err)
		w.handleFailure(ctx, aj, err)
		return nil, queue.OutcomeRetriable, err
	}

	analysis := &models.Analysis{
		OwnerUserID:     aj.UserID,
		Title:           aj.ExpandedText,
		Category:        plan.category,
		Parameters:      plan.parameters,
		ScriptName:      plan.scriptName,
		GeneratedScript: sc.Content,
		MCPCalls:        plan.mcpCalls,
		Status:          models.AnalysisStatusPending,
	}
	if err := w.cfg.Store.CreateAnalysis(ctx, analysis); err != nil {
		return nil, queue.OutcomeRetriable, fmt.Errorf("analysisworker: persist analysis: %w", err)
	}
	if err := w.cfg.Store.AppendSessionAnalysis(ctx, aj.SessionID, analysis.ID); err != nil && w.cfg.Logger != nil {
		w.cfg.Logger.Error(ctx, "append session analysis failed", "session_id", aj.SessionID, "error", err)
	}

	analysisID := analysis.ID
	if err := w.cfg.Store.UpdateMessageStatus(ctx, aj.MessageID, store.MessageUpdate{
		Status:     models.MessageStatusAnalysisCompleted,
		AnalysisID: &analysisID,
	}); err != nil && w.cfg.Logger != nil {
		w.cfg.Logger.Error(ctx, "update message status failed", "message_id", aj.MessageID, "error", err)
	}

	execJobID, err := w.cfg.ExecutionQueue.Enqueue(ctx, &models.ExecutionJob{
		AnalysisID: analysis.ID,
		SessionID:  aj.SessionID,
		UserID:     aj.UserID,
		Parameters: plan.parameters,
	}, models.PriorityNormal)
	if err != nil {
		return nil, queue.OutcomeRetriable, fmt.Errorf("analysisworker: enqueue execution: %w", err)
	}
	w.emit(ctx, aj.SessionID, models.ProgressLevelInfo, "execution_queued", map[string]any{"execution_job_id": execJobID, "analysis_id": analysis.ID})

	return map[string]any{"analysis_id": analysis.ID}, queue.OutcomeSucceeded, nil
}

func (w *Worker) handleFailure(ctx context.Context, aj *models.AnalysisJob, err error) {
	if errkind.From(err) == errkind.Transient {
		return // retried by the queue; no terminal message update yet
	}
	if uerr := w.cfg.Store.UpdateMessageStatus(ctx, aj.MessageID, store.MessageUpdate{
		Status: models.MessageStatusAnalysisFailed,
	}); uerr != nil && w.cfg.Logger != nil {
		w.cfg.Logger.Error(ctx, "update message status failed", "message_id", aj.MessageID, "error", uerr)
	}
	w.emit(ctx, aj.SessionID, models.ProgressLevelError, "analysis_failed", map[string]any{"error": err.Error()})
}

func (w *Worker) emit(ctx context.Context, sessionID string, level models.ProgressLevel, message string, details map[string]any) {
	if w.cfg.Bus == nil {
		return
	}
	if err := w.cfg.Bus.Append(ctx, &models.ProgressEvent{
		SessionID: sessionID,
		Type:      models.ProgressEventGeneric,
		Level:     level,
		Message:   message,
		Details:   details,
	}); err != nil && w.cfg.Logger != nil {
		w.cfg.Logger.Error(ctx, "append progress event failed", "session_id", sessionID, "error", err)
	}
}

// planResult is what the tool-calling loop produces once it reaches a
// terminal state (§4.7 step 3).
type planResult struct {
	scriptName string
	category   string
	parameters map[string]any
	mcpCalls   []string
}

// plan drives the LM tool-calling loop until it names a saved, validated
// script and parameter binding, or fails per the taxonomy in §4.7.
func (w *Worker) plan(ctx context.Context, aj *models.AnalysisJob) (*planResult, queue.Outcome, error) {
	messages := []llm.CompletionMessage{{Role: "user", Content: buildPlanPrompt(aj.ExpandedText)}}
	tools := toolCatalog()

	parseFailures := 0
	validationFailures := 0
	var mcpCalls []string

	for {
		req := &llm.CompletionRequest{
			System:   "You are the analysis planner for a financial analysis assistant. Use the available tools to write and validate a script, then name it in a final JSON response.",
			Messages: messages,
			Tools:    tools,
		}
		turn, err := llm.CompleteSync(ctx, w.cfg.Provider, req)
		if err != nil {
			return nil, queue.OutcomeRetriable, errkind.Wrap(errkind.Transient, fmt.Errorf("analysisworker: LM call: %w", err))
		}

		if turn.ToolCall != nil {
			mcpCalls = append(mcpCalls, turn.ToolCall.Name)
			result, terminal, terr := w.runTool(ctx, turn.ToolCall, &validationFailures)
			if terr != nil {
				return nil, queue.OutcomeTerminalFailure, terr
			}
			if terminal != nil {
				terminal.mcpCalls = mcpCalls
				return terminal, queue.OutcomeSucceeded, nil
			}
			messages = append(messages,
				llm.CompletionMessage{Role: "assistant", ToolCall: turn.ToolCall},
				llm.CompletionMessage{Role: "tool", ToolCallID: turn.ToolCall.ID, ToolResult: result},
			)
			continue
		}

		plan, perr := parseTerminalPlan(turn.Text)
		if perr != nil {
			parseFailures++
			if parseFailures > w.cfg.MaxParseRetries {
				return nil, queue.OutcomeTerminalFailure, errkind.Wrap(errkind.Validation, fmt.Errorf("analysisworker: unparseable plan output after %d retries: %w", w.cfg.MaxParseRetries, perr))
			}
			messages = append(messages, llm.CompletionMessage{Role: "user", Content: "That response was not valid JSON. Respond with {\"script_name\":...,\"category\":...,\"parameters\":{...}} once the script is written and validated."})
			continue
		}
		plan.mcpCalls = mcpCalls
		return plan, queue.OutcomeSucceeded, nil
	}
}

func buildPlanPrompt(expandedQuery string) string {
	return fmt.Sprintf("Plan an analysis for: %s\nWrite a script with write_script, validate it with validate_script, and look up any docstrings you need with lookup_docstring. Once validated, respond with the final JSON plan.", expandedQuery)
}

func toolCatalog() []llm.Tool {
	return []llm.Tool{
		{Name: toolWriteScript, Description: "Save a script by name.", Schema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"content":{"type":"string"},"category":{"type":"string"}},"required":["name","content"]}`)},
		{Name: toolReadScript, Description: "Read a previously saved script.", Schema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`)},
		{Name: toolValidateScript, Description: "Validate a saved script against a parameter binding.", Schema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"parameters":{"type":"object"}},"required":["name","parameters"]}`)},
		{Name: toolLookupDocstring, Description: "Look up documentation for an analytics function.", Schema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`)},
	}
}

// runTool executes a permitted tool call, or refuses a forbidden one
// without aborting the loop (§4.7). It returns a non-nil planResult only
// when the tool call itself constitutes a terminal success (validate_script
// succeeding).
func (w *Worker) runTool(ctx context.Context, call *llm.ToolCall, validationFailures *int) (*llm.ToolResult, *planResult, error) {
	if !permittedTools[call.Name] {
		return &llm.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("tool %q is forbidden: data-fetch and compute tools belong to the generated script, not the plan", call.Name),
			IsError:    true,
		}, nil, nil
	}

	switch call.Name {
	case toolWriteScript:
		var args struct {
			Name, Content, Category string
		}
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return errResult(call.ID, fmt.Sprintf("invalid write_script arguments: %v", err)), nil, nil
		}
		if err := w.cfg.Scripts.Write(ctx, args.Name, args.Content, map[string]any{"category": args.Category}); err != nil {
			return errResult(call.ID, fmt.Sprintf("write_script failed: %v", err)), nil, nil
		}
		return &llm.ToolResult{ToolCallID: call.ID, Content: "ok"}, nil, nil

	case toolReadScript:
		var args struct{ Name string }
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return errResult(call.ID, fmt.Sprintf("invalid read_script arguments: %v", err)), nil, nil
		}
		sc, err := w.cfg.Scripts.Read(ctx, args.Name)
		if err != nil {
			return errResult(call.ID, fmt.Sprintf("read_script failed: %v", err)), nil, nil
		}
		return &llm.ToolResult{ToolCallID: call.ID, Content: sc.Content}, nil, nil

	case toolValidateScript:
		var args struct {
			Name       string
			Parameters map[string]any
		}
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return errResult(call.ID, fmt.Sprintf("invalid validate_script arguments: %v", err)), nil, nil
		}
		sc, err := w.cfg.Scripts.Read(ctx, args.Name)
		if err != nil {
			return errResult(call.ID, fmt.Sprintf("validate_script: script %q not found: %v", args.Name, err)), nil, nil
		}
		if verr := validateScript(sc.Content, args.Parameters); verr != nil {
			*validationFailures++
			if *validationFailures >= w.cfg.MaxValidationIterations {
				return nil, nil, errkind.Wrap(errkind.Validation, fmt.Errorf("analysisworker: script validation failed after %d iterations: %w", *validationFailures, verr))
			}
			return errResult(call.ID, fmt.Sprintf("validation failed: %v", verr)), nil, nil
		}
		category, _ := sc.Metadata["category"].(string)
		return &llm.ToolResult{ToolCallID: call.ID, Content: "ok"}, &planResult{
			scriptName: args.Name,
			category:   category,
			parameters: args.Parameters,
		}, nil

	case toolLookupDocstring:
		var args struct{ Name string }
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return errResult(call.ID, fmt.Sprintf("invalid lookup_docstring arguments: %v", err)), nil, nil
		}
		doc, ok := w.cfg.Docs.Lookup(ctx, args.Name)
		if !ok {
			return errResult(call.ID, fmt.Sprintf("no docstring found for %q", args.Name)), nil, nil
		}
		return &llm.ToolResult{ToolCallID: call.ID, Content: doc}, nil, nil
	}

	return errResult(call.ID, fmt.Sprintf("unhandled tool %q", call.Name)), nil, nil
}

func errResult(toolCallID, message string) *llm.ToolResult {
	return &llm.ToolResult{ToolCallID: toolCallID, Content: message, IsError: true}
}

// validateScript is a conservative structural check: a real implementation
// would hand the script to the sandbox's dry-run mode, but that sandbox is
// an out-of-scope collaborator here, so this worker only checks that the
// parameters the LM bound are non-empty and that the script references
// them, which is enough to catch the common LM failure of inventing a
// parameter name the script never reads.
func validateScript(content string, parameters map[string]any) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("script is empty")
	}
	for name := range parameters {
		if !strings.Contains(content, name) {
			return fmt.Errorf("parameter %q is not referenced by the script", name)
		}
	}
	return nil
}

type terminalPlanPayload struct {
	ScriptName string         `json:"script_name"`
	Category   string         `json:"category"`
	Parameters map[string]any `json:"parameters"`
}

func parseTerminalPlan(text string) (*planResult, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("analysisworker: no JSON object in plan output")
	}
	raw := []byte(text[start : end+1])
	if err := validateTerminalPlanPayload(raw); err != nil {
		return nil, fmt.Errorf("analysisworker: output failed schema validation: %w", err)
	}

	var payload terminalPlanPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("analysisworker: invalid JSON: %w", err)
	}
	if payload.ScriptName == "" {
		return nil, fmt.Errorf("analysisworker: plan output names no script")
	}
	return &planResult{scriptName: payload.ScriptName, category: payload.Category, parameters: payload.Parameters}, nil
}
