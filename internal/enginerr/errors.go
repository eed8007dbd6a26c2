// Package enginerr defines the error kinds raised by the query and mutation resolvers.
package enginerr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSchema matches any SchemaError with errors.Is.
	ErrSchema = errors.New("schema error")
	// ErrValidation matches any ValidationError with errors.Is.
	ErrValidation = errors.New("validation error")
)

// SchemaError reports a request or schema that does not line up with the declared model:
// unknown entities or properties, missing primary keys, malformed join shapes.
type SchemaError struct {
	Entity   string
	Property string
	Message  string
}

func (e *SchemaError) Error() string {
	return format("schema", e.Entity, e.Property, e.Message)
}

func (e *SchemaError) Is(target error) bool {
	return target == ErrSchema
}

// ValidationError reports a request value that cannot be executed: null payloads,
// null filter values, a missing parent key before a dependent write.
type ValidationError struct {
	Entity   string
	Property string
	Message  string
}

func (e *ValidationError) Error() string {
	return format("validation", e.Entity, e.Property, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Schemaf builds a SchemaError with a formatted message.
func Schemaf(entity, property, msg string, args ...any) error {
	return &SchemaError{Entity: entity, Property: property, Message: fmt.Sprintf(msg, args...)}
}

// Validationf builds a ValidationError with a formatted message.
func Validationf(entity, property, msg string, args ...any) error {
	return &ValidationError{Entity: entity, Property: property, Message: fmt.Sprintf(msg, args...)}
}

// Kind returns "schema", "validation" or "" for any other error.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrSchema):
		return "schema"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return ""
	}
}

func format(kind, entity, property, msg string) string {
	var b strings.Builder
	b.WriteString(kind)
	b.WriteString(" error")
	if entity != "" {
		b.WriteString(" in ")
		b.WriteString(entity)
		if property != "" {
			b.WriteString(".")
			b.WriteString(property)
		}
	} else if property != "" {
		b.WriteString(" at ")
		b.WriteString(property)
	}
	b.WriteString(": ")
	b.WriteString(msg)
	return b.String()
}
