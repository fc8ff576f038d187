package hooks

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"

	"github.com/surrealdb/annosync/pkg/events"
	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/retry"
	"github.com/surrealdb/annosync/pkg/store"
	"github.com/surrealdb/annosync/pkg/store/memstore"
	"github.com/surrealdb/annosync/pkg/store/postgres"
)

type fixture struct {
	primary   *postgres.PostgresStore
	secondary *memstore.MemStore
	hooks     *Propagator
}

func newFixture(t *testing.T, retries int) *fixture {
	t.Helper()
	dispatcher := events.NewDispatcher(zerolog.Nop())
	primary, err := postgres.Open(sqlite.Open("file::memory:?_foreign_keys=on"), dispatcher)
	require.NoError(t, err)
	t.Cleanup(func() { _ = primary.Close() })
	require.NoError(t, primary.Migrate(context.Background()))

	secondary := memstore.New(zerolog.Nop())
	p := New(primary, secondary, retry.NewFixedDelayRetryer(0, retries), zerolog.Nop())
	p.Attach(dispatcher)
	return &fixture{primary: primary, secondary: secondary, hooks: p}
}

func (f *fixture) seed(t *testing.T) (*models.Document, *models.AnnotationSchema, *models.Annotation) {
	t.Helper()
	ctx := context.Background()
	doc := &models.Document{Title: "Invoice", Description: "March"}
	require.NoError(t, f.primary.CreateDocument(ctx, doc))
	schema := &models.AnnotationSchema{
		DocumentID: doc.ID,
		Name:       "invoice",
		Fields: []models.AnnotationField{
			{Name: "amount", FieldType: models.FieldNumber, IsRequired: true, Order: 1},
			{Name: "vendor", FieldType: models.FieldText, Order: 2},
		},
	}
	require.NoError(t, f.primary.CreateSchema(ctx, schema))
	annotation := &models.Annotation{
		DocumentID:       doc.ID,
		SchemaID:         schema.ID,
		FinalAnnotations: datatypes.JSONMap{"vendor": "ACME"},
	}
	require.NoError(t, f.primary.CreateAnnotation(ctx, annotation, &models.AnnotationHistory{ActionType: models.ActionCreated}))
	return doc, schema, annotation
}

func counts(t *testing.T, s store.ProjectionStore) map[models.EntityKind]int {
	t.Helper()
	out := make(map[models.EntityKind]int)
	for _, kind := range models.EntityKinds {
		n, err := store.CountProjections(context.Background(), s, kind)
		require.NoError(t, err)
		out[kind] = n
	}
	return out
}

func TestCreatePropagates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	doc, schema, annotation := f.seed(t)

	p, err := f.secondary.Documents().Get(ctx, doc.ID.String())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Invoice", p.Title)
	assert.Equal(t, string(models.StatusUploaded), p.Status)
	assert.False(t, p.UpdatedAt.IsZero())

	sp, err := f.secondary.Schemas().Get(ctx, schema.ID.String())
	require.NoError(t, err)
	require.Len(t, sp.Fields, 2)

	ap, err := f.secondary.Annotations().Get(ctx, annotation.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "ACME", ap.FinalAnnotations["vendor"])
	assert.Zero(t, ap.CompletionPercentage)

	assert.Equal(t, map[models.EntityKind]int{
		models.KindDocument: 1, models.KindSchema: 1, models.KindAnnotation: 1, models.KindHistory: 1,
	}, counts(t, f.secondary))

	states, err := f.primary.ListSyncStates(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestUpdateRewritesFullProjection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	doc, _, _ := f.seed(t)

	doc.Status = models.StatusSchemaProposed
	doc.Title = "Invoice (renamed)"
	require.NoError(t, f.primary.UpdateDocument(ctx, doc))

	p, err := f.secondary.Documents().Get(ctx, doc.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "Invoice (renamed)", p.Title)
	assert.Equal(t, string(models.StatusSchemaProposed), p.Status)
	assert.Equal(t, "March", p.Description)
	assert.Equal(t, 1, counts(t, f.secondary)[models.KindDocument])
}

func TestSchemaUpdateRefreshesCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	_, schema, annotation := f.seed(t)

	schema.Fields = []models.AnnotationField{
		{Name: "vendor", FieldType: models.FieldText, IsRequired: true},
	}
	require.NoError(t, f.primary.UpdateSchema(ctx, schema))

	sp, err := f.secondary.Schemas().Get(ctx, schema.ID.String())
	require.NoError(t, err)
	require.Len(t, sp.Fields, 1)

	ap, err := f.secondary.Annotations().Get(ctx, annotation.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 100.0, ap.CompletionPercentage)
}

func TestUnreachableMarksPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.secondary.SetOffline(true)

	doc := &models.Document{Title: "offline"}
	require.NoError(t, f.primary.CreateDocument(ctx, doc))
	assert.Zero(t, f.secondary.WriteCalls())

	states, err := f.primary.ListSyncStates(ctx, models.SyncPending)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, doc.ID.String(), states[0].EntityID)
	assert.Equal(t, models.ChangeOperationCreate, states[0].Operation)
	assert.Zero(t, states[0].Attempts)

	f.secondary.SetOffline(false)
	err = f.hooks.SyncDocument(ctx, doc)
	require.NoError(t, err)

	states, err = f.primary.ListSyncStates(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestExhaustedRetriesMarkFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	doc := &models.Document{Title: "flaky"}
	require.NoError(t, f.primary.Unobserved().CreateDocument(ctx, doc))

	f.secondary.FailWrites(10)
	err := f.hooks.SyncDocument(ctx, doc)
	var perr *store.PartialWriteError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 3, perr.Attempts)
	assert.ErrorIs(t, err, memstore.ErrInjected)

	states, err := f.primary.ListSyncStates(ctx, models.SyncFailed)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, 3, states[0].Attempts)
}

func TestTransientFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	f.secondary.FailWrites(1)
	doc := &models.Document{Title: "blip"}
	require.NoError(t, f.primary.CreateDocument(ctx, doc))
	assert.Equal(t, 2, f.secondary.WriteCalls())

	p, err := f.secondary.Documents().Get(ctx, doc.ID.String())
	require.NoError(t, err)
	require.NotNil(t, p)

	states, err := f.primary.ListSyncStates(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestPrimaryWriteSurvivesSecondaryFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.secondary.FailWrites(1)

	doc := &models.Document{Title: "kept"}
	require.NoError(t, f.primary.CreateDocument(ctx, doc))

	got, err := f.primary.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Zero(t, counts(t, f.secondary)[models.KindDocument])
}

func TestDeleteDocumentCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	doc, _, _ := f.seed(t)
	other := &models.Document{Title: "other"}
	require.NoError(t, f.primary.CreateDocument(ctx, other))

	require.NoError(t, f.primary.DeleteDocument(ctx, doc.ID))

	assert.Equal(t, map[models.EntityKind]int{
		models.KindDocument: 1, models.KindSchema: 0, models.KindAnnotation: 0, models.KindHistory: 0,
	}, counts(t, f.secondary))
}

func TestDeleteAnnotationCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	doc, _, annotation := f.seed(t)

	require.NoError(t, f.primary.DeleteAnnotation(ctx, annotation.ID))

	history, err := f.secondary.History().ListByDocument(ctx, doc.ID.String())
	require.NoError(t, err)
	assert.Empty(t, history)
	ap, err := f.secondary.Annotations().Get(ctx, annotation.ID.String())
	require.NoError(t, err)
	assert.Nil(t, ap)
	assert.Equal(t, 1, counts(t, f.secondary)[models.KindSchema])
}

func TestRepeatedSyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f.secondary.SetClock(func() time.Time { return clock })

	doc, _, _ := f.seed(t)
	first, err := f.secondary.Documents().Get(ctx, doc.ID.String())
	require.NoError(t, err)

	require.NoError(t, f.hooks.SyncDocument(ctx, doc))
	second, err := f.secondary.Documents().Get(ctx, doc.ID.String())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, counts(t, f.secondary)[models.KindDocument])
}

func TestDetachStopsPropagation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.hooks.Detach()

	require.NoError(t, f.primary.CreateDocument(ctx, &models.Document{Title: "quiet"}))
	assert.Zero(t, f.secondary.WriteCalls())
}

func TestTimeoutBoundsCalls(t *testing.T) {
	f := newFixture(t, 0)

	ctx, cancel := f.hooks.bounded(context.Background())
	_, ok := ctx.Deadline()
	cancel()
	assert.False(t, ok)

	f.hooks.SetTimeout(time.Minute)
	ctx, cancel = f.hooks.bounded(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)

	doc := &models.Document{Title: "bounded"}
	require.NoError(t, f.primary.CreateDocument(context.Background(), doc))
	p, err := f.secondary.Documents().Get(context.Background(), doc.ID.String())
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestHandleLogsUnpropagatedChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	var buf bytes.Buffer
	p := New(f.primary, f.secondary, retry.Never, zerolog.New(&buf).Level(zerolog.WarnLevel))

	p.Handle(ctx, events.Event{Kind: "widget", Op: models.ChangeOperationCreate, EntityID: "w1"})
	assert.Contains(t, buf.String(), `"entity_id":"w1"`)
	assert.Contains(t, buf.String(), "change not propagated")

	buf.Reset()
	f.secondary.SetOffline(true)
	doc := &models.Document{ID: models.NewDocumentID(), Title: "offline"}
	p.Handle(ctx, events.Event{Kind: models.KindDocument, Op: models.ChangeOperationCreate, EntityID: doc.ID.String(), DocumentID: doc.ID.String(), After: doc})
	assert.Contains(t, buf.String(), "marking pending")
	assert.NotContains(t, buf.String(), "change not propagated")
}
