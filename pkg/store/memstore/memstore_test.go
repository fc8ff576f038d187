package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
)

func TestUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New(zerolog.Nop())
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return clock })

	p := &models.DocumentProjection{DocumentID: "d1", Title: "Invoice", Status: "uploaded", Metadata: map[string]any{"pages": 2}}
	require.NoError(t, s.Documents().Upsert(ctx, p))
	first, err := s.Documents().Get(ctx, "d1")
	require.NoError(t, err)

	clock = clock.Add(time.Minute)
	require.NoError(t, s.Documents().Upsert(ctx, p))
	second, err := s.Documents().Get(ctx, "d1")
	require.NoError(t, err)

	n, err := s.Documents().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.True(t, second.UpdatedAt.After(first.UpdatedAt.Time))
	first.UpdatedAt, second.UpdatedAt = models.Timestamp{}, models.Timestamp{}
	assert.Equal(t, first, second)
	assert.Equal(t, 2.0, second.Metadata["pages"])
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := New(zerolog.Nop())
	p, err := s.Schemas().Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestDeleteByDocument(t *testing.T) {
	ctx := context.Background()
	s := New(zerolog.Nop())
	for _, h := range []*models.HistoryProjection{
		{HistoryID: "h1", DocumentID: "d1"},
		{HistoryID: "h2", DocumentID: "d1"},
		{HistoryID: "h3", DocumentID: "d2"},
	} {
		require.NoError(t, s.History().Upsert(ctx, h))
	}

	list, err := s.History().ListByDocument(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "h1", list[0].HistoryID)

	require.NoError(t, s.History().DeleteByDocument(ctx, "d1"))
	n, err := s.History().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.History().Delete(ctx, "h3"))
	n, err = s.History().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOfflineAndInjectedFailures(t *testing.T) {
	ctx := context.Background()
	s := New(zerolog.Nop())
	require.True(t, s.EnsureConnection(ctx))

	s.SetOffline(true)
	assert.False(t, s.EnsureConnection(ctx))
	err := s.Annotations().Upsert(ctx, &models.AnnotationProjection{AnnotationID: "a1", DocumentID: "d1"})
	require.ErrorIs(t, err, store.ErrUnavailable)
	_, err = s.Annotations().Count(ctx)
	require.ErrorIs(t, err, store.ErrUnavailable)

	s.SetOffline(false)
	s.FailWrites(1)
	err = s.Annotations().Upsert(ctx, &models.AnnotationProjection{AnnotationID: "a1", DocumentID: "d1"})
	require.ErrorIs(t, err, ErrInjected)
	require.NoError(t, s.Annotations().Upsert(ctx, &models.AnnotationProjection{AnnotationID: "a1", DocumentID: "d1"}))
	assert.Equal(t, 2, s.WriteCalls())

	require.NoError(t, s.Reset(ctx))
	n, err := s.Annotations().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
