package surrealdb

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/surrealdb/annosync/pkg/models"
)

func TestNormalizeNestedMaps(t *testing.T) {
	p := &models.AnnotationProjection{
		AIPreAnnotations: map[string]any{
			"amount": map[any]any{"value": uint64(500), "confidence": 0.9},
			"tags":   []any{map[any]any{"name": "a"}},
		},
	}
	normalize(p)

	assert.Equal(t, map[string]any{"value": uint64(500), "confidence": 0.9}, p.AIPreAnnotations["amount"])
	assert.Equal(t, []any{map[string]any{"name": "a"}}, p.AIPreAnnotations["tags"])

	h := &models.HistoryProjection{OldValue: map[any]any{1: "x"}, NewValue: "y"}
	normalize(h)
	assert.Equal(t, map[string]any{"1": "x"}, h.OldValue)
	assert.Equal(t, "y", h.NewValue)

	var nilMap map[string]any
	assert.Nil(t, normalizeMap(nilMap))
}
