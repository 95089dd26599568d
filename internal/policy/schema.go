package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// rulesSchema rejects malformed policy documents before they can silently
// widen what an agent may do. Unknown keys are errors, not ignored.
const rulesSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"max_auto_risk": {
			"type": "string",
			"enum": ["GREEN", "YELLOW", "RED"]
		},
		"max_auto_cost": {
			"type": "number",
			"minimum": 0
		},
		"deny_action_types": {
			"type": "array",
			"items": {"type": "string", "minLength": 1}
		},
		"require_approval_action_types": {
			"type": "array",
			"items": {"type": "string", "minLength": 1}
		}
	}
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(rulesSchema))
		if err != nil {
			compileErr = fmt.Errorf("parse rules schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("mctl://policy/rules.json", doc); err != nil {
			compileErr = fmt.Errorf("add rules schema: %w", err)
			return
		}
		compiledSchema, compileErr = compiler.Compile("mctl://policy/rules.json")
	})
	return compiledSchema, compileErr
}

// validateRulesDoc checks a decoded YAML document against the rules schema.
// The value is round-tripped through JSON so the validator sees canonical
// JSON types regardless of what the YAML decoder produced.
func validateRulesDoc(raw any) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("normalize rules document: %w", err)
	}
	normalized, err := jsonschema.UnmarshalJSON(strings.NewReader(string(encoded)))
	if err != nil {
		return fmt.Errorf("reparse rules document: %w", err)
	}
	if err := schema.Validate(normalized); err != nil {
		return fmt.Errorf("rules document invalid: %w", err)
	}
	return nil
}
