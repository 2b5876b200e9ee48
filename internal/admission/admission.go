package admission

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/evalbench/evalbench/api/batch"
)

// ErrValidation wraps every admission rejection. Rejected jobs are never
// enqueued; the error is reported synchronously to the submitter.
var ErrValidation = errors.New("job admission rejected")

const schemaResource = "evalbench://job.schema.json"

// jobSchema mirrors the typed Validate() rules for raw submission documents.
const jobSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tests", "configuration"],
  "properties": {
    "id": {"type": "string"},
    "priority": {"type": "integer"},
    "tests": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["test_id", "model"],
        "properties": {
          "test_id": {"type": "string", "minLength": 1},
          "model": {"type": "string", "minLength": 1},
          "input": {"type": "string"},
          "timeout": {"type": "integer", "minimum": 0}
        }
      }
    },
    "configuration": {
      "type": "object",
      "required": ["max_concurrent"],
      "properties": {
        "max_concurrent": {"type": "integer", "minimum": 1},
        "timeout_per_test": {"type": "integer", "minimum": 0},
        "retry_failed": {"type": "boolean"},
        "max_retries": {"type": "integer", "minimum": 0},
        "stop_on_first_failure": {"type": "boolean"},
        "resource_limits": {
          "type": "object",
          "properties": {
            "memory_mb": {"type": "integer", "minimum": 0},
            "cpu_percent": {"type": "integer", "minimum": 0, "maximum": 100}
          }
        }
      }
    }
  }
}`

// Evaluator validates submissions with both the typed rules and the JSON
// schema, so the wire contract and the in-process contract cannot drift.
type Evaluator struct {
	schema *jsonschema.Schema
}

// NewEvaluator compiles the embedded job submission schema.
func NewEvaluator() (Evaluator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaResource, strings.NewReader(jobSchema)); err != nil {
		return Evaluator{}, fmt.Errorf("add job schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaResource)
	if err != nil {
		return Evaluator{}, fmt.Errorf("compile job schema: %w", err)
	}
	return Evaluator{schema: schema}, nil
}

// AdmitJob validates a typed job for admission.
func (e Evaluator) AdmitJob(job batch.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// AdmitDocument validates a raw JSON submission against the schema, then
// decodes and applies the typed rules. It returns the decoded job.
func (e Evaluator) AdmitDocument(raw []byte) (batch.Job, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return batch.Job{}, fmt.Errorf("%w: malformed json: %v", ErrValidation, err)
	}
	if e.schema != nil {
		if err := e.schema.Validate(doc); err != nil {
			return batch.Job{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	var job batch.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return batch.Job{}, fmt.Errorf("%w: decode job: %v", ErrValidation, err)
	}
	if err := e.AdmitJob(job); err != nil {
		return batch.Job{}, err
	}
	return job, nil
}
