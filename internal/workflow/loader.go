// Package workflow loads YAML workflow definitions, validates them against
// an embedded JSON Schema plus semantic rules the schema cannot express, and
// stamps each definition with its content checksum.
package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

const schemaURL = "https://bmad.dev/schemas/workflow.json"

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func definitionSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.AssertFormat()
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
		if err != nil {
			compileErr = fmt.Errorf("unmarshal workflow schema: %w", err)
			return
		}
		if err := c.AddResource(schemaURL, doc); err != nil {
			compileErr = fmt.Errorf("add workflow schema resource: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Load reads, validates, and checksums a workflow definition file.
func Load(path string) (*schema.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "read workflow %q: %s", path, err.Error()).WithCause(err)
	}
	return Parse(data)
}

// Parse validates and decodes raw YAML definition bytes.
func Parse(data []byte) (*schema.Workflow, error) {
	// Schema validation runs against the generic document so unknown fields
	// and shape errors surface before decoding into typed structs.
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "workflow is not valid YAML: %s", err.Error()).WithCause(err)
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	var wf schema.Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "decode workflow: %s", err.Error()).WithCause(err)
	}
	if err := validateSemantics(&wf); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	wf.Checksum = hex.EncodeToString(sum[:])
	return &wf, nil
}

func validateSchema(doc any) error {
	s, err := definitionSchema()
	if err != nil {
		return schema.NewError(schema.ErrCodeConfig, "workflow schema unavailable").WithCause(err)
	}
	// Round-trip through JSON so numbers become json.Number, which the
	// validator requires, and YAML map keys become strings.
	b, err := json.Marshal(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is not JSON-representable").WithCause(err)
	}
	jdoc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is not JSON-representable").WithCause(err)
	}
	if err := s.Validate(jdoc); err != nil {
		return toValidationError(err)
	}
	return nil
}

func toValidationError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "workflow validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
