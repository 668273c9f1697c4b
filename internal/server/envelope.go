package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"agent-relay/internal/common/errors"
	"agent-relay/internal/relay/wire"
)

// maxReportedEnvelopeErrors caps how many schema errors an envelope
// rejection lists.
const maxReportedEnvelopeErrors = 5

var envelopeSchemas = map[string]string{
	wire.TypeRequest: `{
		"type": "object",
		"required": ["type", "schema"],
		"additionalProperties": false,
		"properties": {
			"type": {"enum": ["request"]},
			"request_id": {"type": "string", "minLength": 1, "maxLength": 128, "pattern": "^[A-Za-z0-9._:-]+$"},
			"schema": {"type": "object", "minProperties": 1},
			"input": {"type": "object"},
			"timeout_ms": {"type": "integer", "minimum": 0},
			"visibility": {"type": "array", "uniqueItems": true, "items": {"type": "string", "minLength": 1}}
		}
	}`,
	wire.TypePoll: `{
		"type": "object",
		"required": ["type"],
		"additionalProperties": false,
		"properties": {
			"type": {"enum": ["poll"]}
		}
	}`,
	wire.TypeResponse: `{
		"type": "object",
		"required": ["type", "request_id"],
		"additionalProperties": false,
		"properties": {
			"type": {"enum": ["response"]},
			"request_id": {"type": "string", "minLength": 1},
			"output": {},
			"error": {
				"type": "object",
				"required": ["message"],
				"additionalProperties": false,
				"properties": {"message": {"type": "string"}}
			}
		},
		"oneOf": [
			{"required": ["output"]},
			{"required": ["error"]}
		]
	}`,
	wire.TypeResult: `{
		"type": "object",
		"required": ["type", "request_id"],
		"additionalProperties": false,
		"properties": {
			"type": {"enum": ["result"]},
			"request_id": {"type": "string", "minLength": 1}
		}
	}`,
}

// envelopeValidator checks raw envelopes against the compiled schema of
// their type.
type envelopeValidator struct {
	schemas map[string]*gojsonschema.Schema
}

func newEnvelopeValidator() (*envelopeValidator, error) {
	v := &envelopeValidator{schemas: make(map[string]*gojsonschema.Schema, len(envelopeSchemas))}
	for typ, src := range envelopeSchemas {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("compile %s envelope schema: %w", typ, err)
		}
		v.schemas[typ] = s
	}
	return v, nil
}

// decode parses raw into an Envelope after checking it against its type's
// schema.
func (v *envelopeValidator) decode(raw []byte) (*wire.Envelope, *errors.StandardError) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, errors.NewInvalidEnvelopeError("body is not a JSON object")
	}
	schema, ok := v.schemas[head.Type]
	if !ok {
		return nil, errors.NewInvalidEnvelopeError(fmt.Sprintf("unknown envelope type %q", head.Type))
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, errors.NewInvalidEnvelopeError("body is not valid JSON")
	}
	if !result.Valid() {
		var msgs []string
		for i, desc := range result.Errors() {
			if i == maxReportedEnvelopeErrors {
				break
			}
			msgs = append(msgs, desc.Field()+": "+desc.Description())
		}
		return nil, errors.NewInvalidEnvelopeError(strings.Join(msgs, "; "))
	}

	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.NewInvalidEnvelopeError(err.Error())
	}
	return &env, nil
}
