package domain

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://schemas.messaging.local/content/"

var contentSchemas = map[MessageType]string{
	MessageTypeText: `{
		"type": "object",
		"required": ["body"],
		"properties": {
			"body": {"type": "string", "minLength": 1, "maxLength": 4096},
			"preview_url": {"type": "boolean"}
		}
	}`,
	MessageTypeImage:    mediaSchema,
	MessageTypeDocument: mediaSchema,
	MessageTypeAudio:    mediaSchema,
	MessageTypeVideo:    mediaSchema,
	MessageTypeTemplate: `{
		"type": "object",
		"required": ["name", "language"],
		"properties": {
			"name": {"type": "string", "minLength": 1, "maxLength": 512},
			"language": {"type": "string", "minLength": 2},
			"components": {"type": "array"}
		}
	}`,
	MessageTypeLocation: `{
		"type": "object",
		"required": ["latitude", "longitude"],
		"properties": {
			"latitude": {"type": "number", "minimum": -90, "maximum": 90},
			"longitude": {"type": "number", "minimum": -180, "maximum": 180},
			"name": {"type": "string"},
			"address": {"type": "string"}
		}
	}`,
	MessageTypeInteractive: `{
		"type": "object",
		"required": ["type"],
		"properties": {
			"type": {"type": "string", "enum": ["button", "list", "product", "product_list"]}
		}
	}`,
}

const mediaSchema = `{
	"type": "object",
	"anyOf": [{"required": ["id"]}, {"required": ["link"]}],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"link": {"type": "string", "minLength": 1},
		"caption": {"type": "string", "maxLength": 1024}
	}
}`

// ContentValidator checks message content against per-type JSON schemas.
type ContentValidator struct {
	schemas map[MessageType]*jsonschema.Schema
}

// NewContentValidator compiles the built-in schemas.
func NewContentValidator() (*ContentValidator, error) {
	c := jsonschema.NewCompiler()
	for mt, text := range contentSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", mt, err)
		}
		if err := c.AddResource(schemaBaseURL+string(mt)+".json", doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", mt, err)
		}
	}

	cv := &ContentValidator{schemas: make(map[MessageType]*jsonschema.Schema, len(contentSchemas))}
	for mt := range contentSchemas {
		sch, err := c.Compile(schemaBaseURL + string(mt) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", mt, err)
		}
		cv.schemas[mt] = sch
	}
	return cv, nil
}

// Validate rejects unknown types and content that does not match the schema.
func (v *ContentValidator) Validate(mt MessageType, content map[string]any) error {
	sch, ok := v.schemas[mt]
	if !ok {
		return Validationf("unsupported message type %q", mt)
	}
	raw, err := CanonicalJSON(content)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Validationf("content is not valid JSON: %v", err)
	}
	if err := sch.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return Validationf("%s content: %v", mt, ve)
		}
		return Validationf("%s content: %v", mt, err)
	}
	return nil
}
