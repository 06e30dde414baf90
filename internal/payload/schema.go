// Package payload compiles task payload schemas and validates work item
// payloads against them.
package payload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/tasquencer/model"
)

// Schema is a compiled OpenAPI 3 schema object. A nil *Schema accepts any
// payload.
type Schema struct {
	schema *openapi3.Schema
}

// Compile converts a schema declared in a definition file into an
// openapi3.Schema and checks that it is itself well formed.
func Compile(raw map[string]any) (*Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encoding schema: %w", err)
	}
	s := openapi3.NewSchema()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}
	if err := s.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &Schema{schema: s}, nil
}

// Validate checks payload against the schema and returns a VALIDATION_ERROR
// envelope naming every offending field.
func (s *Schema) Validate(payload map[string]any) error {
	if s == nil || s.schema == nil {
		return nil
	}
	value, err := normalize(payload)
	if err != nil {
		return model.NewBadRequestError(fmt.Sprintf("payload is not valid JSON: %v", err))
	}
	err = s.schema.VisitJSON(value, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	details := fieldErrors(err)
	sort.SliceStable(details, func(i, j int) bool { return details[i].Field < details[j].Field })
	return model.NewValidationError(details)
}

// normalize round-trips the payload through JSON so Go-typed values (ints,
// structs, typed slices) match what an HTTP client would send.
func normalize(payload map[string]any) (any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func fieldErrors(err error) []model.FieldError {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		var out []model.FieldError
		for _, e := range multi {
			out = append(out, fieldErrors(e)...)
		}
		return out
	}
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		field := "/" + strings.Join(se.JSONPointer(), "/")
		code := se.SchemaField
		if code == "" {
			code = "invalid"
		}
		msg := se.Reason
		if msg == "" {
			msg = se.Error()
		}
		return []model.FieldError{{Field: field, Code: code, Message: msg}}
	}
	return []model.FieldError{{Field: "/", Code: "invalid", Message: err.Error()}}
}

// Cache memoizes compiled schemas per definition task.
type Cache struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewCache creates an empty schema cache.
func NewCache() *Cache {
	return &Cache{schemas: make(map[string]*Schema)}
}

// For returns the compiled schema of a task, compiling it on first use.
func (c *Cache) For(def *model.WorkflowDefinition, task *model.TaskDefinition) (*Schema, error) {
	key := def.Key() + "/" + task.Name

	c.mu.RLock()
	s, ok := c.schemas[key]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	s, err := Compile(task.Schema)
	if err != nil {
		return nil, fmt.Errorf("task %s of %s: %w", task.Name, def.Key(), err)
	}

	c.mu.Lock()
	c.schemas[key] = s
	c.mu.Unlock()
	return s, nil
}
