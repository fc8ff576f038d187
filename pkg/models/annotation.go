package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/datatypes"
)

// ErrImmutableHistory is returned when an existing history entry is updated.
var ErrImmutableHistory = errors.New("annotation history entries are immutable")

// Snapshot is the JSON text of an annotation value in a history entry. It
// is stored in a text column: a bare JSON scalar in a JSON column comes back
// from SQLite as a number, which datatypes.JSON cannot scan.
type Snapshot string

// MarshalJSON writes the snapshot as the JSON value it holds.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte("null"), nil
	}
	if !json.Valid([]byte(s)) {
		return json.Marshal(string(s))
	}
	return []byte(s), nil
}

// UnmarshalJSON keeps the raw JSON value.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid snapshot %q", data)
	}
	*s = Snapshot(data)
	return nil
}

// EncodeValue encodes an annotation value for a history column.
// A nil value encodes as JSON null.
func EncodeValue(v any) Snapshot {
	b, err := json.Marshal(PlainValue(v))
	if err != nil {
		return Snapshot("null")
	}
	return Snapshot(b)
}

// DecodeValue is the inverse of EncodeValue. Numbers decode as float64.
func DecodeValue(raw Snapshot) any {
	if raw == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil
	}
	return v
}

// PlainValue replaces json.Number, which datatypes.JSONMap.Scan produces,
// with int64 or float64 throughout v. Other encoders, CBOR among them, would
// otherwise write the number as a string.
func PlainValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		return plainMap(t)
	case datatypes.JSONMap:
		return plainMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = PlainValue(e)
		}
		return out
	}
	return v
}

func plainMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = PlainValue(v)
	}
	return out
}

// PlainMap applies PlainValue to every value of m, keeping nil as nil.
func PlainMap(m datatypes.JSONMap) datatypes.JSONMap {
	if m == nil {
		return nil
	}
	return datatypes.JSONMap(plainMap(m))
}

// ValuesEqual compares two annotation values by their JSON form, so 500 and
// 500.0 are equal, as are maps with the same entries.
func ValuesEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// IsEmptyValue reports whether an annotation value counts as unfilled.
func IsEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// CompletionPercentage is the share of required fields that have a non-empty
// final value. It is 100 when the schema has no required fields and 0 when
// nothing has been annotated yet.
func (a *Annotation) CompletionPercentage(required []string) float64 {
	if len(a.FinalAnnotations) == 0 {
		return 0
	}
	if len(required) == 0 {
		return 100
	}
	filled := 0
	for _, name := range required {
		if !IsEmptyValue(a.FinalAnnotations[name]) {
			filled++
		}
	}
	return float64(filled) / float64(len(required)) * 100
}

// ConfidenceScores extracts per-field confidence from pre-annotations shaped
// {"field": {"value": ..., "confidence": 0.9}} and returns them with their
// mean. Entries without a numeric confidence are skipped.
func ConfidenceScores(pre map[string]any) (map[string]float64, float64) {
	scores := make(map[string]float64)
	for name, raw := range pre {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if c, ok := toFloat(entry["confidence"]); ok {
			scores[name] = c
		}
	}
	if len(scores) == 0 {
		return scores, 0
	}
	var sum float64
	for _, c := range scores {
		sum += c
	}
	return scores, sum / float64(len(scores))
}

// ChangedKeys returns the keys of next whose value differs from current,
// sorted. A missing key in current compares as null.
func ChangedKeys(current, next map[string]any) []string {
	var keys []string
	for k, v := range next {
		if ValuesEqual(current[k], v) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// SortFields returns fields ordered by display order, then name.
func SortFields(fields []AnnotationField) []AnnotationField {
	out := make([]AnnotationField, len(fields))
	copy(out, fields)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// AnnotationStats summarizes the annotations of the primary store.
type AnnotationStats struct {
	Total             int     `json:"total"`
	Complete          int     `json:"complete"`
	Validated         int     `json:"validated"`
	AverageCompletion float64 `json:"average_completion"`
}
