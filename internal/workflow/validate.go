package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateMetadata checks a candidate value map against a metadata schema.
// On success it returns a coerced copy containing only the schema's fields;
// on failure it returns a per-field error map keyed by the property title
// (falling back to the property key). It never mutates its inputs.
func ValidateMetadata(schema MetadataSchema, values map[string]any) (map[string]any, ValidationErrors) {
	required := map[string]bool{}
	for _, f := range schema.Required {
		required[f] = true
	}

	out := make(map[string]any, len(schema.Properties))
	errs := ValidationErrors{}

	for key, prop := range schema.Properties {
		label := prop.Title
		if label == "" {
			label = key
		}

		raw, present := values[key]
		if !present || isEmpty(raw) {
			if required[key] {
				errs[label] = label + " is required"
			}
			continue
		}

		if len(prop.Enum) > 0 {
			s, ok := raw.(string)
			if !ok || !containsString(prop.Enum, s) {
				errs[label] = label + " must be one of: " + strings.Join(prop.Enum, ", ")
				continue
			}
			out[key] = s
			continue
		}

		v, err := coerceValue(prop, raw)
		if err != "" {
			errs[label] = label + " " + err
			continue
		}
		out[key] = v
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

func coerceValue(prop PropertySchema, raw any) (any, string) {
	switch prop.Type {
	case "string":
		s, ok := raw.(string)
		if !ok {
			return nil, "must be text"
		}
		switch prop.Format {
		case "date":
			if _, err := time.Parse("2006-01-02", s); err != nil {
				return nil, "must be a date (YYYY-MM-DD)"
			}
		case "date-time":
			if _, err := time.Parse(time.RFC3339, s); err != nil {
				return nil, "must be a date-time (RFC 3339)"
			}
		}
		return s, ""
	case "number", "integer":
		f, ok := toFloat(raw)
		if !ok {
			return nil, "must be a number"
		}
		if prop.Type == "integer" {
			if f != float64(int64(f)) {
				return nil, "must be a whole number"
			}
			return int(f), ""
		}
		return f, ""
	case "boolean":
		switch b := raw.(type) {
		case bool:
			return b, ""
		case string:
			if parsed, err := strconv.ParseBool(b); err == nil {
				return parsed, ""
			}
		}
		return nil, "must be true or false"
	default:
		return nil, "has an unsupported type"
	}
}

func toFloat(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

var supportedPropertyTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
}

// vetSchema rejects malformed schema definitions at creation time, before
// any entity or record can reference them. The schema is rendered as a
// draft-7 document and compiled, so structural problems (bad enum values,
// conflicting keywords) surface as definition errors rather than runtime
// surprises.
func vetSchema(name string, schema MetadataSchema) error {
	for key, prop := range schema.Properties {
		if !supportedPropertyTypes[prop.Type] {
			return fmt.Errorf("property %q: unsupported type %q", key, prop.Type)
		}
	}
	for _, f := range schema.Required {
		if _, ok := schema.Properties[f]; !ok {
			return fmt.Errorf("required field %q is not declared", f)
		}
	}

	doc := map[string]any{"type": "object"}
	props := map[string]any{}
	for key, prop := range schema.Properties {
		p := map[string]any{"type": prop.Type}
		if len(prop.Enum) > 0 {
			p["enum"] = prop.Enum
		}
		if prop.Format != "" {
			p["format"] = prop.Format
		}
		props[key] = p
	}
	if len(props) > 0 {
		doc["properties"] = props
	}
	if len(schema.Required) > 0 {
		doc["required"] = schema.Required
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	if name == "" {
		name = "schema.json"
	}
	if err := c.AddResource(name, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("invalid schema %s: %w", name, err)
	}
	if _, err := c.Compile(name); err != nil {
		return fmt.Errorf("invalid schema %s: %w", name, err)
	}
	return nil
}
