package definition

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// jsonSchemaValidator adapts github.com/santhosh-tekuri/jsonschema/v6 to the
// Validator interface so WorkflowDefinition's input/state/output schemas and
// tool parameter schemas (spec §3) are opaque to callers but enforced by a
// real JSON Schema implementation rather than hand-rolled checks.
type jsonSchemaValidator struct {
	schema *jsonschema.Schema
}

// CompileSchema compiles a JSON Schema document (as a Go value, typically
// decoded from JSON or a map literal) into a Validator. url is an arbitrary
// identifier used only for error messages.
func CompileSchema(url string, schemaDoc any) (Validator, error) {
	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("definition: encode schema %q: %w", url, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("definition: decode schema %q: %w", url, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("definition: add schema resource %q: %w", url, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("definition: compile schema %q: %w", url, err)
	}
	return jsonSchemaValidator{schema: schema}, nil
}

// ValidationError wraps a jsonschema validation failure. Within this module
// Validate is called only by the agent loop's structured-output parsing; the
// executor and dispatch layers do not validate payloads.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("validation failed: %v", e.Err) }

func (e *ValidationError) Unwrap() error { return e.Err }

// Validate checks payload (a Go value produced by encoding/json.Unmarshal
// into any, i.e. maps/slices/scalars) against the compiled schema.
func (v jsonSchemaValidator) Validate(payload any) error {
	if err := v.schema.Validate(payload); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

// NoopValidator accepts every payload; used when a definition omits a schema.
type NoopValidator struct{}

func (NoopValidator) Validate(any) error { return nil }
