package reuse

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	decisionSchemaOnce sync.Once
	decisionSchemaErr  error
	decisionSchema     *jsonschema.Schema
)

// initDecisionSchema compiles the evaluator's decision schema once, the way
// the teacher compiles its WS method schemas in gateway/ws_schema.go.
func initDecisionSchema() error {
	decisionSchemaOnce.Do(func() {
		decisionSchema, decisionSchemaErr = jsonschema.CompileString("reuse_decision", decisionJSONSchema)
	})
	return decisionSchemaErr
}

// validateDecisionPayload checks raw against the reuse schema before the
// typed json.Unmarshal result is trusted. Schema failures fold into the
// package's "any parse error collapses to reuse:false" contract (§4.6) —
// callers never see this error directly.
func validateDecisionPayload(raw []byte) error {
	if err := initDecisionSchema(); err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return decisionSchema.Validate(payload)
}

const decisionJSONSchema = `{
  "type": "object",
  "required": ["reuse"],
  "properties": {
    "reuse": { "type": "boolean" },
    "analysis_id": { "type": "string" },
    "new_parameters": { "type": "object" },
    "reason": { "type": "string" }
  },
  "if": {
    "properties": { "reuse": { "const": true } }
  },
  "then": {
    "required": ["reuse", "analysis_id"]
  },
  "additionalProperties": true
}`
