// Package schema implements the event schema registry: one versioned,
// validated schema per topic, evolved under backward-compatibility rules.
package schema

import (
	"fmt"
	"strings"
)

// FieldType enumerates the payload field types a schema can require.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeUUID      FieldType = "uuid"      // string in canonical UUID form
	TypeTimestamp FieldType = "timestamp" // string in RFC 3339 form
	TypeNumber    FieldType = "number"
	TypeInteger   FieldType = "integer"
	TypeBoolean   FieldType = "boolean"
	TypeObject    FieldType = "object"
	TypeArray     FieldType = "array"
)

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case TypeString, TypeUUID, TypeTimestamp, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
		return true
	}
	return false
}

// Field declares one payload field. Unknown payload fields are tolerated;
// only declared fields are checked.
type Field struct {
	Name     string    `json:"name" yaml:"name"`
	Type     FieldType `json:"type" yaml:"type"`
	Required bool      `json:"required" yaml:"required"`
}

// Schema is one version of a topic's payload contract.
type Schema struct {
	Fields []Field `json:"fields" yaml:"fields"`
}

// field returns the declaration for name, or nil.
func (s Schema) field(name string) *Field {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i]
		}
	}
	return nil
}

// CompatibilityMode controls how a topic's schema may evolve.
type CompatibilityMode string

const (
	// CompatBackward (default) guarantees that any payload valid under
	// version k stays valid under version k+1.
	CompatBackward CompatibilityMode = "backward"
	// CompatNone allows arbitrary schema replacement.
	CompatNone CompatibilityMode = "none"
)

// Violation names one broken rule on one payload field.
type Violation struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ValidationError carries every violation found in a single validation
// pass, not just the first.
type ValidationError struct {
	Topic      string      `json:"topic"`
	Violations []Violation `json:"violations"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = fmt.Sprintf("%s: %s", v.Field, v.Rule)
	}
	return fmt.Sprintf("payload invalid for topic %s: %s", e.Topic, strings.Join(parts, "; "))
}
