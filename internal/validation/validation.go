package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hyperengineering/relay/internal/types"
)

// Limits for record identity fields.
const (
	MaxTableLength = 128
	MaxKeyLength   = 512
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + " " + e.Message
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{Field: field, Message: "must be valid UTF-8"}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{Field: field, Message: "must not contain null bytes"}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateJSON returns an error if the payload is not a single well-formed
// JSON value. An empty payload is accepted only when optional is true.
func ValidateJSON(field string, payload []byte, optional bool) *ValidationError {
	if len(payload) == 0 {
		if optional {
			return nil
		}
		return &ValidationError{Field: field, Message: "is required"}
	}
	if !json.Valid(payload) {
		return &ValidationError{Field: field, Message: "must be valid JSON"}
	}
	return nil
}

// ValidateIdentifier applies the checks shared by table names and record
// keys: required, UTF-8, no null bytes, bounded length, and no slash so the
// value can appear as a single URL path segment.
func ValidateIdentifier(field, value string, max int) []ValidationError {
	var c Collector
	if err := ValidateRequired(field, value); err != nil {
		c.Add(err)
		return c.Errors()
	}
	c.Add(ValidateUTF8(field, value))
	c.Add(ValidateNoNullBytes(field, value))
	c.Add(ValidateMaxLength(field, value, max))
	if strings.Contains(value, "/") {
		c.Add(&ValidationError{Field: field, Message: "must not contain '/'"})
	}
	return c.Errors()
}

// ValidateRecordIdentity validates a table name and record key.
func ValidateRecordIdentity(table, key string) []ValidationError {
	errs := ValidateIdentifier("table", table, MaxTableLength)
	return append(errs, ValidateIdentifier("key", key, MaxKeyLength)...)
}

// ValidateOperation validates a mutation before it is enqueued. Insert and
// update require a JSON payload; a delete payload is optional.
func ValidateOperation(kind types.OperationKind, table, key string, payload []byte) []ValidationError {
	var c Collector
	c.Add(ValidateEnum("kind", string(kind), []string{
		string(types.KindInsert), string(types.KindUpdate), string(types.KindDelete),
	}))
	for _, e := range ValidateRecordIdentity(table, key) {
		c.Add(&e)
	}
	c.Add(ValidateJSON("payload", payload, kind == types.KindDelete))
	return c.Errors()
}
