package mongodb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/surrealdb/annosync/pkg/models"
)

func TestNormalizeDriverTypes(t *testing.T) {
	p := &models.SchemaProjection{
		FinalSchema: map[string]any{
			"fields": bson.A{bson.M{"name": "amount"}},
			"meta":   bson.D{{Key: "version", Value: int32(2)}},
		},
	}
	normalize(p)
	assert.Equal(t, []any{map[string]any{"name": "amount"}}, p.FinalSchema["fields"])
	assert.Equal(t, map[string]any{"version": int32(2)}, p.FinalSchema["meta"])

	h := &models.HistoryProjection{NewValue: bson.M{"value": "x"}}
	normalize(h)
	assert.Equal(t, map[string]any{"value": "x"}, h.NewValue)
}
