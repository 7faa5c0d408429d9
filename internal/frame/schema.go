package frame

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Validate checks a config against the schema: every required field is
// present, every present field has the declared type, numbers respect
// minimum/maximum, text fields with options are one of them, and file
// fields carry an accepted extension. Unknown keys are rejected — a
// config written for a different schema version must fail here, not
// inside the detector.
func (s ConfigSchema) Validate(config Config) error {
	for name, field := range s.Fields {
		value, ok := config[name]
		if !ok {
			if field.Required {
				return fmt.Errorf("config field %q is required", name)
			}
			continue
		}
		if err := field.validate(name, value); err != nil {
			return err
		}
	}
	for name := range config {
		if _, ok := s.Fields[name]; !ok {
			return fmt.Errorf("config field %q is not in the schema", name)
		}
	}
	return nil
}

// ApplyDefaults returns a copy of config with every absent field that
// declares a default filled in.
func (s ConfigSchema) ApplyDefaults(config Config) Config {
	out := make(Config, len(s.Fields))
	for k, v := range config {
		out[k] = v
	}
	for name, field := range s.Fields {
		if _, ok := out[name]; !ok && field.Default != nil {
			out[name] = field.Default
		}
	}
	return out
}

func (f ConfigField) validate(name string, value any) error {
	switch f.FieldType {
	case FieldText:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("config field %q: expected text, got %T", name, value)
		}
		if len(f.Options) > 0 && !contains(f.Options, s) {
			return fmt.Errorf("config field %q: %q is not one of the allowed options", name, s)
		}
	case FieldNumber:
		n, ok := asFloat(value)
		if !ok {
			return fmt.Errorf("config field %q: expected number, got %T", name, value)
		}
		if f.Minimum != nil && n < *f.Minimum {
			return fmt.Errorf("config field %q: %v is below minimum %v", name, n, *f.Minimum)
		}
		if f.Maximum != nil && n > *f.Maximum {
			return fmt.Errorf("config field %q: %v is above maximum %v", name, n, *f.Maximum)
		}
	case FieldBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("config field %q: expected boolean, got %T", name, value)
		}
	case FieldFile:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("config field %q: expected file path, got %T", name, value)
		}
		if err := f.validateExtension(name, s); err != nil {
			return err
		}
	case FieldFileMultiple:
		paths, ok := asStringSlice(value)
		if !ok {
			return fmt.Errorf("config field %q: expected list of file paths, got %T", name, value)
		}
		for _, p := range paths {
			if err := f.validateExtension(name, p); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("config field %q: unrecognized field type %q", name, f.FieldType)
	}
	return nil
}

func (f ConfigField) validateExtension(name, path string) error {
	if len(f.AcceptExtensions) == 0 {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, accept := range f.AcceptExtensions {
		if ext == strings.ToLower(accept) {
			return nil
		}
	}
	return fmt.Errorf("config field %q: %q does not have an accepted extension", name, path)
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asStringSlice(v any) ([]string, bool) {
	switch xs := v.(type) {
	case []string:
		return xs, true
	case []any:
		out := make([]string, 0, len(xs))
		for _, x := range xs {
			s, ok := x.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
