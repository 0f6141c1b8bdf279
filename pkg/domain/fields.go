package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the persisted date format.
const DateLayout = "2006-01-02"

// CheckDate validates a YYYY-MM-DD date that is not after now.
func CheckDate(value string, now time.Time) error {
	s := strings.TrimSpace(value)
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return Errorf(CodeInvalidDate, "invalid date %q", value).WithHint("use YYYY-MM-DD")
	}
	today, _ := time.Parse(DateLayout, now.Format(DateLayout))
	if d.After(today) {
		return Errorf(CodeInvalidDate, "date %s is in the future", s)
	}
	return nil
}

// StructuralKeys are record attributes owned by the engine. They can never be
// set through free-form fields.
var StructuralKeys = map[string]bool{
	"id":          true,
	"box":         true,
	"position":    true,
	"positions":   true,
	"thaw_events": true,
}

// Field types accepted in meta.custom_fields.
const (
	FieldString = "str"
	FieldInt    = "int"
	FieldFloat  = "float"
	FieldDate   = "date"
)

// FieldSchema returns the custom field definitions keyed by field key.
// Definitions colliding with structural keys are ignored.
func (m Meta) FieldSchema() map[string]CustomField {
	out := make(map[string]CustomField, len(m.CustomFields))
	for _, cf := range m.CustomFields {
		key := strings.TrimSpace(cf.Key)
		if key == "" || StructuralKeys[key] || key == "frozen_at" {
			continue
		}
		if _, dup := out[key]; dup {
			continue
		}
		out[key] = cf
	}
	return out
}

// CoerceField converts value to the declared field type. Blank values
// coerce to nil.
func CoerceField(cf CustomField, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	s := strings.TrimSpace(fmt.Sprint(value))
	if s == "" {
		return nil, nil
	}
	switch strings.ToLower(cf.Type) {
	case FieldInt:
		switch n := value.(type) {
		case int:
			return n, nil
		case float64:
			if n == float64(int(n)) {
				return int(n), nil
			}
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("field %s expects an integer, got %q", cf.Key, s)
		}
		return n, nil
	case FieldFloat:
		if f, ok := value.(float64); ok {
			return f, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("field %s expects a number, got %q", cf.Key, s)
		}
		return f, nil
	case FieldDate:
		if _, err := time.Parse(DateLayout, s); err != nil {
			return nil, fmt.Errorf("field %s expects YYYY-MM-DD, got %q", cf.Key, s)
		}
		return s, nil
	}
	return s, nil
}

// NormalizeFields validates free-form fields against the meta schema.
// Structural keys are rejected with forbidden_field. When withDefaults is set,
// missing schema fields receive their declared defaults and required fields
// must be present.
func NormalizeFields(meta Meta, fields map[string]any, withDefaults bool) (map[string]any, error) {
	schema := meta.FieldSchema()
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		if StructuralKeys[key] {
			return nil, Errorf(CodeForbiddenField, "field %q cannot be set directly", key).
				WithHint("use a move or takeout operation to change slots")
		}
		if cf, ok := schema[key]; ok {
			v, err := CoerceField(cf, value)
			if err != nil {
				return nil, WrapError(err, CodeInvalidToolInput, "invalid field value")
			}
			out[key] = v
			continue
		}
		out[key] = value
	}
	if !withDefaults {
		return out, nil
	}
	for key, cf := range schema {
		if v, ok := out[key]; ok && v != nil {
			continue
		}
		if cf.Default != nil {
			v, err := CoerceField(cf, cf.Default)
			if err != nil {
				return nil, WrapError(err, CodeInvalidToolInput, "invalid field default")
			}
			out[key] = v
			continue
		}
		if cf.Required {
			return nil, Errorf(CodeInvalidToolInput, "field %q is required", key)
		}
	}
	return out, nil
}
