// Package schema validates incoming task-creation bodies against a JSON
// Schema before they reach the task engine (SPEC_FULL.md §4.6), giving the
// spec's invalid_input (400) taxonomy entry a concrete field-level
// mechanism rather than ad-hoc struct-field checks.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// TaskCreateSchema is the JSON Schema for POST /api/tasks request bodies.
const TaskCreateSchema = `{
	"type": "object",
	"required": ["title", "instructions"],
	"properties": {
		"title": {"type": "string", "minLength": 1, "maxLength": 500},
		"instructions": {"type": "string", "minLength": 1},
		"model": {"type": "string"},
		"max_steps": {"type": "integer", "minimum": 1, "maximum": 1000},
		"leave_browser_open": {"type": "boolean"},
		"reasoning_effort": {"type": "string"},
		"scheduled_for": {"type": "string", "format": "date-time"},
		"recurrence": {"type": "string"},
		"node_id": {"type": "string"}
	},
	"additionalProperties": false
}`

// Validator compiles a schema once and validates raw JSON bodies against it.
type Validator struct {
	schema *jsonschema.Schema
}

// Compile compiles schemaJSON into a reusable Validator.
func Compile(name string, schemaJSON string) (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("schema: unmarshal %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("schema: add resource %s: %w", name, err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("schema: compile %s: %w", name, err)
	}
	return &Validator{schema: sch}, nil
}

// MustCompile panics on a schema compilation failure; used for the package's
// own built-in schemas at init time, where failure means a programming bug.
func MustCompile(name, schemaJSON string) *Validator {
	v, err := Compile(name, schemaJSON)
	if err != nil {
		panic(err)
	}
	return v
}

// ValidateBytes validates raw JSON body bytes, returning a field-level
// detail string on mismatch (suitable for an invalid_input error message).
func (v *Validator) ValidateBytes(body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(inst); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return fmt.Errorf("%s", summarize(ve))
		}
		return err
	}
	return nil
}

// summarize flattens a jsonschema.ValidationError tree into one line
// naming the first failing field, so handlers can surface a short,
// stable invalid_input detail instead of the full (multi-paragraph) tree.
func summarize(ve *jsonschema.ValidationError) string {
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := strings.Join(leaf.InstanceLocation, ".")
	if loc == "" {
		loc = "(root)"
	}
	return fmt.Sprintf("%s: %v", loc, leaf.ErrorKind)
}

// TaskCreate is the package-wide compiled validator for TaskCreateSchema.
var TaskCreate = MustCompile("task_create.json", TaskCreateSchema)

// DecodeAndValidate both validates body against v and unmarshals it into out.
func DecodeAndValidate(v *Validator, body []byte, out any) error {
	if err := v.ValidateBytes(body); err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
