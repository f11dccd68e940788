package analysisworker

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	terminalPlanSchemaOnce sync.Once
	terminalPlanSchemaErr  error
	terminalPlanSchema     *jsonschema.Schema
)

// initTerminalPlanSchema compiles the worker's terminal-plan schema once,
// the way the teacher compiles its WS method schemas in
// gateway/ws_schema.go.
func initTerminalPlanSchema() error {
	terminalPlanSchemaOnce.Do(func() {
		terminalPlanSchema, terminalPlanSchemaErr = jsonschema.CompileString("analysis_terminal_plan", terminalPlanJSONSchema)
	})
	return terminalPlanSchemaErr
}

// validateTerminalPlanPayload checks raw against the terminal-plan schema
// before the typed json.Unmarshal result is trusted (§4.7 step 3's "fails
// after N local retries" gate folds schema failures in alongside plain
// invalid JSON).
func validateTerminalPlanPayload(raw []byte) error {
	if err := initTerminalPlanSchema(); err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return terminalPlanSchema.Validate(payload)
}

const terminalPlanJSONSchema = `{
  "type": "object",
  "required": ["script_name", "category", "parameters"],
  "properties": {
    "script_name": { "type": "string", "minLength": 1 },
    "category": { "type": "string" },
    "parameters": { "type": "object" }
  },
  "additionalProperties": true
}`
