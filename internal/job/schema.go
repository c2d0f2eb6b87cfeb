package job

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const messageSchema = `{
  "type": "object",
  "required": ["job_id", "source_path", "origin", "attempt"],
  "properties": {
    "job_id":        {"type": "string", "minLength": 1},
    "source_path":   {"type": "string", "minLength": 1},
    "original_name": {"type": "string"},
    "source_url":    {"type": "string"},
    "origin":        {"enum": ["upload", "url"]},
    "attempt":       {"type": "integer", "minimum": 0},
    "callback_url":  {"type": "string"},
    "enqueued_at":   {"type": "string", "format": "date-time"}
  }
}`

const resultSchema = `{
  "type": "object",
  "required": ["job_id", "status", "pages", "text_length", "filename", "source", "processed_at"],
  "properties": {
    "job_id":       {"type": "string", "minLength": 1},
    "status":       {"enum": ["success", "failure"]},
    "summary":      {"type": "string"},
    "pages":        {"type": "integer", "minimum": 0},
    "text_length":  {"type": "integer", "minimum": 0},
    "image_count":  {"type": "integer", "minimum": 0},
    "language":     {"type": "string"},
    "error":        {"type": "string"},
    "filename":     {"type": "string"},
    "source":       {"enum": ["upload", "url"]},
    "source_url":   {"type": "string"},
    "attempts":     {"type": "integer", "minimum": 0},
    "processed_at": {"type": "string", "format": "date-time"}
  },
  "if":   {"properties": {"status": {"const": "success"}}},
  "then": {"required": ["summary"], "properties": {"summary": {"minLength": 1}}},
  "else": {"required": ["error"], "properties": {"error": {"minLength": 1}}}
}`

var (
	messageValidator = mustCompile("message.json", messageSchema)
	resultValidator  = mustCompile("result.json", resultSchema)
)

func mustCompile(name, schema string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource(name, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	return compiler.MustCompile(name)
}

// DecodeMessage parses a queue payload and checks it against the message schema.
func DecodeMessage(data []byte) (*Message, error) {
	if err := validateJSON(messageValidator, data); err != nil {
		return nil, fmt.Errorf("message: %w", err)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("message: %w", err)
	}
	return &m, nil
}

// EncodeMessage validates m and returns its wire form.
func EncodeMessage(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// DecodeResult parses a stored result and checks it against the result schema.
func DecodeResult(data []byte) (*Result, error) {
	if err := validateJSON(resultValidator, data); err != nil {
		return nil, fmt.Errorf("result: %w", err)
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("result: %w", err)
	}
	return &r, nil
}

// EncodeResult validates r and returns its indented JSON form.
func EncodeResult(r *Result) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := validateJSON(resultValidator, b); err != nil {
		return nil, fmt.Errorf("result: %w", err)
	}
	return b, nil
}

func validateJSON(schema *jsonschema.Schema, data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}
