package utils

import (
	"fmt"
	"math"
)

// GetMapField gets key from a decoded JSON object and asserts its type.
func GetMapField[T any](m map[string]any, key string) (T, error) {
	var zero T
	value, exists := m[key]
	if !exists {
		return zero, fmt.Errorf("field '%s' not found", key)
	}

	if typedValue, ok := value.(T); ok {
		return typedValue, nil
	}

	return zero, fmt.Errorf("field '%s' expected type %T, got %T", key, zero, value)
}

// GetMapFieldOr is GetMapField with a fallback for missing or mistyped fields.
func GetMapFieldOr[T any](m map[string]any, key string, defaultValue T) T {
	if value, err := GetMapField[T](m, key); err == nil {
		return value
	}
	return defaultValue
}

// GetInt reads an integer field. JSON numbers arrive as float64, so whole
// floats and json.Number-like ints are both accepted.
func GetInt(m map[string]any, key string) (int, error) {
	value, exists := m[key]
	if !exists {
		return 0, fmt.Errorf("field '%s' not found", key)
	}
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("field '%s' expected an integer, got %v", key, v)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("field '%s' expected an integer, got %T", key, value)
	}
}

// GetStringSlice reads an array of strings, accepting both []string and []any.
func GetStringSlice(m map[string]any, key string) ([]string, error) {
	value, exists := m[key]
	if !exists {
		return nil, nil
	}
	switch v := value.(type) {
	case []string:
		return append([]string(nil), v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("field '%s[%d]' expected string, got %T", key, i, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("field '%s' expected an array of strings, got %T", key, value)
	}
}
