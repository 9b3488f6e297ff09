package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// bindingsSchema constrains the bindings section before it is decoded.
const bindingsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["name"],
    "additionalProperties": false,
    "properties": {
      "name": {"type": "string", "minLength": 1},
      "include": {"type": "array", "items": {"type": "string"}},
      "exclude": {"type": "array", "items": {"type": "string"}},
      "incognito": {"type": "boolean"},
      "frames": {"enum": ["", "top", "matching"]},
      "modules": {
        "oneOf": [
          {"type": "null"},
          {"type": "array", "items": {"type": "string"}},
          {"type": "object"}
        ]
      },
      "script": {"type": "string"},
      "args": {"type": "array"}
    }
  }
}`

var bindingsSchemaLoader = gojsonschema.NewStringLoader(bindingsSchema)

// ValidateBindings checks a decoded bindings section against the schema.
// A nil section is valid.
func ValidateBindings(section any) error {
	if section == nil {
		return nil
	}

	result, err := gojsonschema.Validate(bindingsSchemaLoader, gojsonschema.NewGoLoader(section))
	if err != nil {
		return fmt.Errorf("failed to validate bindings: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid bindings: %s", strings.Join(msgs, "; "))
}
