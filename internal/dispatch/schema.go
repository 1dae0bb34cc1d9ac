package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchema constrains the wire shape before any action logic runs:
// a non-empty action name and an optional object of parameters.
const envelopeSchema = `{
	"type": "object",
	"required": ["action"],
	"properties": {
		"action": {"type": "string", "minLength": 1},
		"params": {"type": "object"}
	},
	"additionalProperties": false
}`

var compiledEnvelopeSchema = mustCompileSchema(envelopeSchema)

func mustCompileSchema(schemaJSON string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("unmarshal envelope schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("envelope.json", doc); err != nil {
		panic(fmt.Sprintf("add envelope schema resource: %v", err))
	}
	schema, err := c.Compile("envelope.json")
	if err != nil {
		panic(fmt.Sprintf("compile envelope schema: %v", err))
	}
	return schema
}

// ValidateEnvelope checks raw JSON against the envelope schema and decodes it.
func ValidateEnvelope(raw []byte) (*Envelope, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := compiledEnvelopeSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Params == nil {
		env.Params = Params{}
	}
	return &env, nil
}
