// Package validate implements the schema-driven validator of spec.md
// §4.2, a Go port of
// original_source/microcontroller/src/SchemaValidator.cpp: load a
// declarative field schema, match the inbound topic against an
// MQTT-style wildcard pattern, then type- and range-check payload
// fields in declaration order.
package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
)

// Field types recognized by the schema (spec.md §3 "Field Descriptor").
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeFloat   = "float"
	TypeDouble  = "double"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

// MaxArenaBytes bounds the payload JSON document size the validator
// will parse, matching the firmware's StaticJsonDocument<2048> arena.
const MaxArenaBytes = 2048

// Reason enumerates why validation rejected a message, mirroring
// SchemaValidator.h's ValidationResult. ReasonUnknownField exists for
// parity with the original enum but, like the firmware, is never
// produced — the validator accepts fields not named in the schema.
type Reason int

const (
	ReasonOK Reason = iota
	ReasonMissingField
	ReasonTypeMismatch
	ReasonOutOfRange
	ReasonPatternMismatch
	ReasonUnknownField
	ReasonParseFailed
)

func (r Reason) String() string {
	switch r {
	case ReasonOK:
		return "ok"
	case ReasonMissingField:
		return "missing_field"
	case ReasonTypeMismatch:
		return "type_mismatch"
	case ReasonOutOfRange:
		return "out_of_range"
	case ReasonPatternMismatch:
		return "pattern_mismatch"
	case ReasonUnknownField:
		return "unknown_field"
	case ReasonParseFailed:
		return "parse_failed"
	default:
		return "unknown"
	}
}

// Error is returned by Validate on rejection.
type Error struct {
	Reason  Reason
	Field   string
	Message string
}

func (e *Error) Error() string { return e.Message }

// FieldValidation holds the optional bounds/pattern block of a field
// descriptor (spec.md §3 "validation": {min, max, pattern}).
type FieldValidation struct {
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
}

// FieldDescriptor is one row of the schema's field table.
type FieldDescriptor struct {
	Name       string           `json:"name"`
	Type       string           `json:"type"`
	Required   bool             `json:"required"`
	AutoFill   bool             `json:"auto_fill"`
	Validation *FieldValidation `json:"validation,omitempty"`
}

func (f *FieldDescriptor) min() float64 {
	if f.Validation == nil || f.Validation.Min == nil {
		return math.Inf(-1)
	}
	return *f.Validation.Min
}

func (f *FieldDescriptor) max() float64 {
	if f.Validation == nil || f.Validation.Max == nil {
		return math.Inf(1)
	}
	return *f.Validation.Max
}

func (f *FieldDescriptor) pattern() string {
	if f.Validation == nil {
		return ""
	}
	return f.Validation.Pattern
}

// document is the on-disk/blob schema format (spec.md §6).
type document struct {
	Name         string            `json:"name"`
	TopicPattern string            `json:"topic_pattern"`
	Fields       []FieldDescriptor `json:"fields"`
}

// Validator holds the active schema and decides message admissibility.
// Its field table is immutable after a successful load — reads never
// race writes because loads replace the table atomically (spec.md §4.2).
type Validator struct {
	mu           sync.RWMutex
	name         string
	topicPattern string
	fields       []FieldDescriptor
	enabled      bool
	loaded       bool
	lastError    string
}

// New returns a Validator with no schema loaded; Validate is then a
// no-op pass-through, matching spec.md §4.2 step 1.
func New() *Validator {
	return &Validator{enabled: true}
}

// LoadSchema reads a schema document from a file path.
func (v *Validator) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		v.setError(fmt.Sprintf("failed to open schema file: %s", path))
		return fmt.Errorf("validate: read schema %s: %w", path, err)
	}
	return v.LoadSchemaFromBlob(string(data))
}

// LoadSchemaFromBlob parses an in-memory schema document. On success
// the field table is replaced atomically; on failure prior schema
// state is left intact (spec.md §4.2 "Loading").
func (v *Validator) LoadSchemaFromBlob(text string) error {
	var doc document
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		v.setError(fmt.Sprintf("schema parse error: %v", err))
		return fmt.Errorf("validate: parse schema: %w", err)
	}
	if len(doc.Fields) == 0 {
		v.setError("schema has no fields")
		return fmt.Errorf("validate: schema %q has no fields", doc.Name)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.name = doc.Name
	v.topicPattern = doc.TopicPattern
	v.fields = doc.Fields
	v.loaded = true
	return nil
}

// Enabled reports whether validation is currently switched on.
func (v *Validator) Enabled() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.enabled
}

// SetEnabled toggles validation. Disabled validators accept everything,
// matching SchemaValidator::setEnabled.
func (v *Validator) SetEnabled(enabled bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.enabled = enabled
}

// Loaded reports whether a schema has been successfully parsed.
func (v *Validator) Loaded() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.loaded
}

// ErrorMessage returns the last failure description, matching
// SchemaValidator::getErrorMessage.
func (v *Validator) ErrorMessage() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastError
}

func (v *Validator) setError(msg string) {
	v.mu.Lock()
	v.lastError = msg
	v.mu.Unlock()
}

// Validate runs the algorithm of spec.md §4.2 against topic/payload. A
// nil return means the message is admissible.
func (v *Validator) Validate(topic string, payload []byte) error {
	v.mu.RLock()
	enabled := v.enabled
	loaded := v.loaded
	pattern := v.topicPattern
	fields := v.fields
	v.mu.RUnlock()

	if !enabled || !loaded {
		return nil
	}

	if pattern != "" && !TopicMatches(topic, pattern) {
		err := &Error{Reason: ReasonParseFailed, Message: "topic does not match pattern"}
		v.setError(err.Message)
		return err
	}

	if len(payload) > MaxArenaBytes {
		err := &Error{Reason: ReasonParseFailed, Message: "payload exceeds validation arena"}
		v.setError(err.Message)
		return err
	}

	var body map[string]any
	if jsonErr := json.Unmarshal(payload, &body); jsonErr != nil {
		err := &Error{Reason: ReasonParseFailed, Message: fmt.Sprintf("json parse error: %v", jsonErr)}
		v.setError(err.Message)
		return err
	}

	for i := range fields {
		field := &fields[i]
		value, present := body[field.Name]
		if !present {
			if field.Required && !field.AutoFill {
				err := &Error{Reason: ReasonMissingField, Field: field.Name,
					Message: fmt.Sprintf("missing required field: %s", field.Name)}
				v.setError(err.Message)
				return err
			}
			continue
		}

		if !validateType(value, field.Type) {
			err := &Error{Reason: ReasonTypeMismatch, Field: field.Name,
				Message: fmt.Sprintf("type mismatch for field: %s", field.Name)}
			v.setError(err.Message)
			return err
		}

		switch field.Type {
		case TypeInteger, TypeFloat, TypeDouble:
			num, _ := value.(float64)
			lo, hi := field.min(), field.max()
			if num < lo || num > hi {
				err := &Error{Reason: ReasonOutOfRange, Field: field.Name,
					Message: fmt.Sprintf("value out of range for field: %s (%v not in [%v, %v])", field.Name, num, lo, hi)}
				v.setError(err.Message)
				return err
			}
		case TypeString:
			if pat := field.pattern(); pat != "" {
				str, _ := value.(string)
				if !strings.Contains(str, pat) {
					err := &Error{Reason: ReasonPatternMismatch, Field: field.Name,
						Message: fmt.Sprintf("pattern mismatch for field: %s", field.Name)}
					v.setError(err.Message)
					return err
				}
			}
		}
	}

	return nil
}

func validateType(value any, typ string) bool {
	switch typ {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeInteger:
		num, ok := value.(float64)
		if !ok {
			return false
		}
		return num == float64(int64(num))
	case TypeFloat, TypeDouble:
		_, ok := value.(float64)
		return ok
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeArray:
		_, ok := value.([]any)
		return ok
	case TypeObject:
		_, ok := value.(map[string]any)
		return ok
	default:
		return true // unknown type strings accept any value (forward-compat)
	}
}

// TopicMatches implements the MQTT-style wildcard scan of spec.md
// §4.2.2, a direct port of SchemaValidator::topicMatches: '+' consumes
// exactly one topic level, '#' consumes the remainder and must be the
// final pattern token, literal bytes must match exactly. It is a total
// function over any (topic, pattern) pair.
func TopicMatches(topic, pattern string) bool {
	t, p := topic, pattern

	for len(t) > 0 && len(p) > 0 {
		if p[0] == '#' {
			return true
		}

		if p[0] == '+' {
			for len(t) > 0 && t[0] != '/' {
				t = t[1:]
			}
			p = p[1:]
			continue
		}

		if t[0] != p[0] {
			return false
		}
		t = t[1:]
		p = p[1:]
	}

	return len(t) == 0 && len(p) == 0
}
