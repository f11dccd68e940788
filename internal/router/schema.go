package router

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	variantSchemaOnce sync.Once
	variantSchemaErr  error
	variantSchema     *jsonschema.Schema
)

// initVariantSchema compiles the router's variant-tag schema once, the way
// the teacher compiles its WS method schemas in gateway/ws_schema.go.
func initVariantSchema() error {
	variantSchemaOnce.Do(func() {
		variantSchema, variantSchemaErr = jsonschema.CompileString("router_variant", variantJSONSchema)
	})
	return variantSchemaErr
}

// validateVariantPayload checks raw against the router's variant schema
// before the typed json.Unmarshal result is trusted (§4.5 terminal-output
// gate), independent of whatever zero-valued fields Unmarshal would
// otherwise tolerate silently.
func validateVariantPayload(raw []byte) error {
	if err := initVariantSchema(); err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return variantSchema.Validate(payload)
}

const variantJSONSchema = `{
  "type": "object",
  "required": ["kind", "expanded_text", "confidence"],
  "properties": {
    "kind": { "enum": ["complete", "contextual", "comparative", "parameter"] },
    "expanded_text": { "type": "string" },
    "confidence": { "type": "number", "minimum": 0, "maximum": 1 }
  },
  "additionalProperties": true
}`
