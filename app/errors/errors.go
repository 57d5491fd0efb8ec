// Package errors provides error types that carry structured metadata, so
// failures can be logged with the same key-value fields the rest of the
// application uses.
package errors

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
)

// StructuredError is an error with an optional cause and key-value metadata.
// The metadata is rendered as fields when the error is passed to Log.
type StructuredError struct {
	msg    string
	cause  error
	fields map[string]any
}

// NewWith returns a StructuredError with the given message and metadata,
// given as alternating keys and values.
func NewWith(msg string, fields ...any) *StructuredError {
	return &StructuredError{msg: msg, fields: fieldMap(fields)}
}

// NewWithCause returns a StructuredError with the given message, a cause, and
// metadata, given as alternating keys and values.
func NewWithCause(msg string, cause error, fields ...any) *StructuredError {
	return &StructuredError{msg: msg, cause: cause, fields: fieldMap(fields)}
}

// Error implements the error interface. The cause, if any, is appended to the
// message, so the rendered string reads as the full failure chain.
func (e *StructuredError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.cause)
	}
	return e.msg
}

// Unwrap returns the cause, allowing errors.Is and errors.As to inspect it.
func (e *StructuredError) Unwrap() error {
	return e.cause
}

// Fields returns a copy of the metadata fields.
func (e *StructuredError) Fields() map[string]any {
	if e.fields == nil {
		return nil
	}
	fields := make(map[string]any, len(e.fields))
	maps.Copy(fields, e.fields)
	return fields
}

func fieldMap(fields []any) map[string]any {
	if len(fields)%2 != 0 {
		panic("an even number of fields is required")
	}

	m := make(map[string]any, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			panic("field keys must be strings")
		}
		m[key] = fields[i+1]
	}

	return m
}

// Log logs an error using the default slog logger. The message and cause of a
// StructuredError are logged separately, with its metadata as fields sorted
// by key.
func Log(err error) {
	var serr *StructuredError
	if !errors.As(err, &serr) {
		slog.Error(err.Error())
		return
	}

	args := make([]any, 0, len(serr.fields)*2+2)
	if serr.cause != nil {
		args = append(args, "cause", serr.cause)
	}

	keys := make([]string, 0, len(serr.fields))
	for k := range serr.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, serr.fields[k])
	}

	slog.Error(serr.msg, args...)
}
