//go:build integration

package surrealdb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/annosync/pkg/models"
)

func getEnvOrDefault(key, def string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return def
}

func newIntegrationStore(t *testing.T) *SurrealStore {
	t.Helper()
	s := New(Config{
		URL:       getEnvOrDefault("SURREALDB_URL", "ws://localhost:8000/rpc"),
		Namespace: "annosync_test",
		Database:  t.Name(),
		Username:  getEnvOrDefault("SURREALDB_USER", "root"),
		Password:  getEnvOrDefault("SURREALDB_PASS", "root"),
		Lazy:      true,
	}, zerolog.Nop())
	ctx := context.Background()
	if !s.EnsureConnection(ctx) {
		t.Skip("SurrealDB is not reachable")
	}
	t.Cleanup(func() {
		_ = s.Reset(ctx)
		_ = s.Close(ctx)
	})
	require.NoError(t, s.Reset(ctx))
	require.NoError(t, s.Setup(ctx))
	return s
}

func TestSurrealCollections(t *testing.T) {
	ctx := context.Background()
	s := newIntegrationStore(t)

	docID := models.NewDocumentID().String()
	doc := &models.DocumentProjection{
		DocumentID: docID,
		Title:      "Invoice",
		Status:     string(models.StatusUploaded),
		Metadata:   map[string]any{"pages": 2, "source": map[string]any{"kind": "scan"}},
		CreatedAt:  models.NewTimestamp(time.Now()),
	}
	require.NoError(t, s.Documents().Upsert(ctx, doc))
	require.NoError(t, s.Documents().Upsert(ctx, doc))

	n, err := s.Documents().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Documents().Get(ctx, docID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Invoice", got.Title)
	assert.Equal(t, map[string]any{"kind": "scan"}, got.Metadata["source"])
	assert.False(t, got.UpdatedAt.IsZero())
	assert.True(t, got.AnnotatedAt.IsZero())

	annotationID := models.NewAnnotationID().String()
	for i := 0; i < 2; i++ {
		require.NoError(t, s.History().Upsert(ctx, &models.HistoryProjection{
			HistoryID:    models.NewHistoryID().String(),
			AnnotationID: annotationID,
			DocumentID:   docID,
			ActionType:   string(models.ActionUpdated),
			FieldName:    "amount",
			NewValue:     500,
		}))
	}
	history, err := s.History().ListByDocument(ctx, docID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	require.NoError(t, s.History().DeleteByDocument(ctx, docID))
	require.NoError(t, s.Documents().Delete(ctx, docID))

	missing, err := s.Documents().Get(ctx, docID)
	require.NoError(t, err)
	assert.Nil(t, missing)
	n, err = s.History().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
