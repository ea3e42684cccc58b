// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"testpilotworker/src/model"
)

// ErrMalformedPayload marks bytes that do not decode as JSON at all. The
// consumer must acknowledge-and-discard: garbage will never become valid.
var ErrMalformedPayload = errors.New("MALFORMED_PAYLOAD")

// ErrInvalidTask marks a decoded payload that violates the descriptor schema.
// Also non-retryable.
var ErrInvalidTask = errors.New("INVALID_TASK")

const descriptorSchema = `{
	"type": "object",
	"required": ["taskId", "organizationId", "image", "command", "config"],
	"properties": {
		"taskId": {"type": "string", "minLength": 1},
		"organizationId": {"type": "string", "minLength": 1},
		"image": {"type": "string"},
		"command": {"type": "string"},
		"folder": {"type": "string"},
		"config": {
			"type": "object",
			"required": ["environment"],
			"properties": {
				"environment": {"type": "string", "enum": ["dev", "staging", "prod"]},
				"baseUrl": {"type": "string"},
				"envVars": {
					"type": "object",
					"additionalProperties": {"type": "string"}
				}
			}
		},
		"aiAnalysisEnabled": {"type": "boolean"},
		"retryOnFailure": {"type": "boolean"},
		"ci": {
			"type": "object",
			"properties": {
				"provider": {"type": "string"},
				"repository": {"type": "string"},
				"prNumber": {"type": "integer"}
			}
		}
	}
}`

// fieldOrder fixes which violation is reported when a payload breaks several
// rules at once, so error messages are deterministic for any given input.
// taskId is always first.
var fieldOrder = []string{
	"taskId",
	"organizationId",
	"image",
	"command",
	"config",
	"config.environment",
	"config.baseUrl",
	"config.envVars",
	"folder",
	"aiAnalysisEnabled",
	"retryOnFailure",
	"ci",
}

// Validator checks raw queue payloads against the task descriptor schema.
type Validator struct {
	schema *gojsonschema.Schema
}

func NewValidator() (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(descriptorSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile descriptor schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate runs structural decode followed by schema and sanity checks.
// Failures wrap ErrMalformedPayload or ErrInvalidTask; both are
// non-retryable by contract. A valid descriptor is returned with defaults
// applied and otherwise unchanged.
func (v *Validator) Validate(raw []byte) (*model.TaskDescriptor, error) {
	var syntaxCheck any
	if err := json.Unmarshal(raw, &syntaxCheck); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if !result.Valid() {
		field, desc := firstViolation(result.Errors())
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidTask, field, desc)
	}

	var task model.TaskDescriptor
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}

	if strings.TrimSpace(task.TaskID) == "" {
		return nil, fmt.Errorf("%w: taskId: must not be empty", ErrInvalidTask)
	}
	if strings.TrimSpace(task.OrganizationID) == "" {
		return nil, fmt.Errorf("%w: organizationId: must not be empty", ErrInvalidTask)
	}
	if strings.TrimSpace(task.Image) == "" {
		return nil, fmt.Errorf("%w: image: must not be blank", ErrInvalidTask)
	}

	if task.Folder == "" {
		task.Folder = "all"
	}
	return &task, nil
}

// firstViolation picks the violation on the earliest field in fieldOrder.
func firstViolation(violations []gojsonschema.ResultError) (string, string) {
	best := violations[0]
	bestRank := rankOf(violationField(best))
	for _, v := range violations[1:] {
		if r := rankOf(violationField(v)); r < bestRank {
			best, bestRank = v, r
		}
	}
	return violationField(best), best.Description()
}

func violationField(v gojsonschema.ResultError) string {
	field := v.Field()
	if field == "(root)" {
		// required-property violations attach to the root; the missing
		// property name lives in the details map
		if prop, ok := v.Details()["property"].(string); ok {
			return prop
		}
	}
	return field
}

func rankOf(field string) int {
	for i, f := range fieldOrder {
		if f == field || strings.HasPrefix(field, f+".") {
			return i
		}
	}
	return len(fieldOrder)
}
