package surrealdb

import (
	"fmt"
	"time"

	"github.com/surrealdb/annosync/pkg/models"
)

// now is replaced in tests.
var now = time.Now

// The CBOR decoder produces map[interface{}]interface{} for objects nested
// inside untyped values. normalize rewrites them to map[string]any so
// projections read back compare equal to the ones written.
func normalize(p models.Projection) {
	switch v := p.(type) {
	case *models.DocumentProjection:
		v.Metadata = normalizeMap(v.Metadata)
	case *models.SchemaProjection:
		v.AIGeneratedSchema = normalizeMap(v.AIGeneratedSchema)
		v.FinalSchema = normalizeMap(v.FinalSchema)
	case *models.AnnotationProjection:
		v.AIPreAnnotations = normalizeMap(v.AIPreAnnotations)
		v.FinalAnnotations = normalizeMap(v.FinalAnnotations)
	case *models.HistoryProjection:
		v.OldValue = normalizeValue(v.OldValue)
		v.NewValue = normalizeValue(v.NewValue)
	}
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = normalizeValue(e)
		}
		return out
	case map[string]any:
		return normalizeMap(t)
	case []any:
		for i, e := range t {
			t[i] = normalizeValue(e)
		}
		return t
	}
	return v
}
