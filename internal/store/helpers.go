package store

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/BTreeMap/meeka/internal/schema"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// sortedKeys returns the keys of m in lexical order so generated SQL is stable.
func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}

// encodeValue converts a coerced field value into a driver value.
// Lists are stored as JSON text.
func encodeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []string:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("encode list: %w", err)
		}
		return string(b), nil
	case string, int, int64, float64, bool:
		return x, nil
	default:
		return fmt.Sprint(x), nil
	}
}

// decodeValue converts a scanned driver value back into the field's Go type.
func decodeValue(kind schema.Kind, raw any) any {
	if raw == nil {
		return nil
	}
	if b, ok := raw.([]byte); ok {
		raw = string(b)
	}
	switch kind {
	case schema.KindRating:
		switch n := raw.(type) {
		case int64:
			return int(n)
		case int:
			return n
		case string:
			if v, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
				return v
			}
		}
		return raw
	case schema.KindList:
		switch l := raw.(type) {
		case []string:
			return slices.Clone(l)
		case string:
			var out []string
			if err := json.Unmarshal([]byte(l), &out); err == nil {
				return out
			}
			return []string{l}
		}
		return raw
	default:
		if s, ok := raw.(string); ok {
			return s
		}
		return fmt.Sprint(raw)
	}
}

// copyFields returns a shallow copy with list values cloned.
func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if l, ok := v.([]string); ok {
			v = slices.Clone(l)
		}
		out[k] = v
	}
	return out
}

func encodeMeta(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode event meta: %w", err)
	}
	return string(b), nil
}

func decodeMeta(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
