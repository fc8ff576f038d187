package audit

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"

	"github.com/surrealdb/annosync/pkg/events"
	"github.com/surrealdb/annosync/pkg/hooks"
	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/retry"
	"github.com/surrealdb/annosync/pkg/store"
	"github.com/surrealdb/annosync/pkg/store/memstore"
	"github.com/surrealdb/annosync/pkg/store/postgres"
)

type fixture struct {
	primary   *postgres.PostgresStore
	secondary *memstore.MemStore
	auditor   *Auditor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dispatcher := events.NewDispatcher(zerolog.Nop())
	primary, err := postgres.Open(sqlite.Open("file::memory:?_foreign_keys=on"), dispatcher)
	require.NoError(t, err)
	t.Cleanup(func() { _ = primary.Close() })
	require.NoError(t, primary.Migrate(ctx))

	secondary := memstore.New(zerolog.Nop())
	propagator := hooks.New(primary, secondary, retry.Never, zerolog.Nop())
	propagator.Attach(dispatcher)
	return &fixture{
		primary:   primary,
		secondary: secondary,
		auditor:   New(primary, secondary, propagator, zerolog.Nop()),
	}
}

// seed creates a document with schema, annotation and one history entry
// through the given store.
func seed(t *testing.T, s store.PrimaryStore, title string) *models.Document {
	t.Helper()
	ctx := context.Background()
	doc := &models.Document{Title: title, Description: "desc", Status: models.StatusSchemaProposed}
	require.NoError(t, s.CreateDocument(ctx, doc))
	schema := &models.AnnotationSchema{
		DocumentID: doc.ID,
		Name:       "schema",
		Fields:     []models.AnnotationField{{Name: "amount", FieldType: models.FieldNumber, IsRequired: true}},
	}
	require.NoError(t, s.CreateSchema(ctx, schema))
	annotation := &models.Annotation{
		DocumentID:       doc.ID,
		SchemaID:         schema.ID,
		FinalAnnotations: datatypes.JSONMap{"amount": 12},
	}
	require.NoError(t, s.CreateAnnotation(ctx, annotation, &models.AnnotationHistory{ActionType: models.ActionCreated}))
	return doc
}

// edit appends a numeric edit of amount to the history of doc.
func edit(t *testing.T, s store.PrimaryStore, doc *models.Document, from, to any) *models.AnnotationHistory {
	t.Helper()
	ctx := context.Background()
	annotation, err := s.GetAnnotationByDocument(ctx, doc.ID)
	require.NoError(t, err)
	entry := &models.AnnotationHistory{
		AnnotationID: annotation.ID,
		DocumentID:   doc.ID,
		ActionType:   models.ActionUpdated,
		FieldName:    "amount",
		OldValue:     models.EncodeValue(from),
		NewValue:     models.EncodeValue(to),
	}
	require.NoError(t, s.AppendHistory(ctx, entry))
	return entry
}

func TestCheckStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seed(t, f.primary, "synced")
	seed(t, f.primary.Unobserved(), "unsynced")

	status, err := f.auditor.CheckStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Reachable)
	assert.Equal(t, "memory", status.Backend)
	require.Len(t, status.Kinds, 4)
	for _, k := range status.Kinds {
		assert.Equal(t, 2, k.Primary, k.Kind)
		assert.Equal(t, 1, k.Secondary, k.Kind)
		assert.True(t, k.Mismatch, k.Kind)
	}
	assert.False(t, status.InSync())

	f.secondary.SetOffline(true)
	status, err = f.auditor.CheckStatus(ctx)
	require.NoError(t, err)
	assert.False(t, status.Reachable)
	assert.Zero(t, status.Kinds[0].Secondary)
}

func TestSyncAllRestoresMissingProjections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	doc := seed(t, f.primary, "invoice")

	require.NoError(t, f.secondary.Reset(ctx))

	report, err := f.auditor.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Drifts)
	assert.Equal(t, 1, report.Repaired)
	assert.Zero(t, report.Errors)

	p, err := f.secondary.Documents().Get(ctx, doc.ID.String())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, doc.Title, p.Title)
	assert.Equal(t, string(doc.Status), p.Status)
	assert.Equal(t, doc.Description, p.Description)

	status, err := f.auditor.CheckStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.InSync())

	report, err = f.auditor.SyncAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Drifts)
	assert.Zero(t, report.Repaired)
}

func TestSyncAllIgnoresFieldDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	doc := seed(t, f.primary, "invoice")

	doc.Title = "renamed"
	require.NoError(t, f.primary.Unobserved().UpdateDocument(ctx, doc))

	report, err := f.auditor.SyncAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Drifts)

	report, err = f.auditor.Repair(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Drifts)
	assert.Equal(t, 1, report.Repaired)

	p, err := f.secondary.Documents().Get(ctx, doc.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "renamed", p.Title)
}

func TestDeepRepairDetectsContentDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	doc := seed(t, f.primary, "invoice")

	annotation, err := f.primary.GetAnnotationByDocument(ctx, doc.ID)
	require.NoError(t, err)
	annotation.FinalAnnotations = datatypes.JSONMap{"amount": 99}
	require.NoError(t, f.primary.Unobserved().UpdateAnnotation(ctx, annotation))

	report, err := f.auditor.Repair(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, report.Drifts)

	report, err = f.auditor.Repair(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Drifts)
	assert.Equal(t, 1, report.Repaired)

	p, err := f.secondary.Annotations().Get(ctx, annotation.ID.String())
	require.NoError(t, err)
	assert.EqualValues(t, 99, p.FinalAnnotations["amount"])

	report, err = f.auditor.Repair(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, report.Drifts)
}

func TestRunReplaysSyncStates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	kept := seed(t, f.primary, "kept")
	gone := seed(t, f.primary, "gone")

	f.secondary.SetOffline(true)
	kept.Status = models.StatusAnnotated
	require.NoError(t, f.primary.UpdateDocument(ctx, kept))
	require.NoError(t, f.primary.DeleteDocument(ctx, gone.ID))
	f.secondary.SetOffline(false)

	states, err := f.primary.ListSyncStates(ctx, models.SyncPending)
	require.NoError(t, err)
	require.Len(t, states, 2)

	report, err := f.auditor.Repair(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Repaired)
	assert.Zero(t, report.Errors)

	for kind, want := range map[models.EntityKind]int{
		models.KindDocument: 1, models.KindSchema: 1, models.KindAnnotation: 1, models.KindHistory: 1,
	} {
		n, err := store.CountProjections(ctx, f.secondary, kind)
		require.NoError(t, err)
		assert.Equal(t, want, n, kind)
	}
	p, err := f.secondary.Documents().Get(ctx, kept.ID.String())
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusAnnotated), p.Status)

	states, err = f.primary.ListSyncStates(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestRunRequiresSecondary(t *testing.T) {
	f := newFixture(t)
	f.secondary.SetOffline(true)
	_, err := f.auditor.SyncAll(context.Background())
	require.ErrorIs(t, err, store.ErrUnavailable)
}

func TestForceSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	doc := seed(t, f.primary.Unobserved(), "quiet")

	require.NoError(t, f.auditor.ForceSync(ctx, doc.ID))
	for _, kind := range models.EntityKinds {
		n, err := store.CountProjections(ctx, f.secondary, kind)
		require.NoError(t, err)
		assert.Equal(t, 1, n, kind)
	}

	err := f.auditor.ForceSync(ctx, models.NewDocumentID())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMigrateBootstrapsSecondary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, title := range []string{"a", "b", "c"} {
		seed(t, f.primary.Unobserved(), title)
	}

	report, err := f.auditor.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 3, report.Repaired)

	status, err := f.auditor.CheckStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.InSync())
}

func TestFingerprintIgnoresUpdatedAtAndNumberTypes(t *testing.T) {
	a := &models.AnnotationProjection{AnnotationID: "x", FinalAnnotations: map[string]any{"amount": 12}}
	b := &models.AnnotationProjection{AnnotationID: "x", FinalAnnotations: map[string]any{"amount": 12.0}}
	b.Touch(b.CreatedAt.Time.AddDate(1, 0, 0))

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)

	b.FinalAnnotations["amount"] = 13
	fc, err := Fingerprint(b)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fc)
}

func TestSyncAllWithNumericHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	doc := seed(t, f.primary, "invoice")
	entry := edit(t, f.primary, doc, 12, 500)

	require.NoError(t, f.secondary.Reset(ctx))

	report, err := f.auditor.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	assert.Zero(t, report.Errors)
	assert.Empty(t, report.Failures)

	p, err := f.secondary.History().Get(ctx, entry.ID.String())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.EqualValues(t, 12, p.OldValue)
	assert.EqualValues(t, 500, p.NewValue)

	require.NoError(t, f.auditor.ForceSync(ctx, doc.ID))
	states, err := f.primary.ListSyncStates(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, states)

	report, err = f.auditor.Repair(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, report.Drifts)
	assert.Zero(t, report.Errors)
}

func TestDeepRepairRemovesOrphanHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	doc := seed(t, f.primary, "invoice")
	edit(t, f.primary, doc, nil, 7)

	annotation, err := f.primary.GetAnnotationByDocument(ctx, doc.ID)
	require.NoError(t, err)
	orphan := &models.HistoryProjection{
		HistoryID:    models.NewHistoryID().String(),
		AnnotationID: annotation.ID.String(),
		DocumentID:   doc.ID.String(),
		ActionType:   string(models.ActionUpdated),
		FieldName:    "amount",
		NewValue:     8,
	}
	require.NoError(t, f.secondary.History().Upsert(ctx, orphan))

	report, err := f.auditor.Repair(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Drifts)
	assert.Equal(t, 1, report.Repaired)

	projections, err := f.secondary.History().ListByDocument(ctx, doc.ID.String())
	require.NoError(t, err)
	assert.Len(t, projections, 2)
	for _, p := range projections {
		assert.NotEqual(t, orphan.HistoryID, p.HistoryID)
	}

	report, err = f.auditor.Repair(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, report.Drifts)
}

func TestDeepRepairDetectsReplacedHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	doc := seed(t, f.primary, "invoice")
	entry := edit(t, f.primary, doc, nil, 7)

	require.NoError(t, f.secondary.History().Delete(ctx, entry.ID.String()))
	stray := models.BuildHistoryProjection(entry)
	stray.HistoryID = models.NewHistoryID().String()
	require.NoError(t, f.secondary.History().Upsert(ctx, stray))

	report, err := f.auditor.Repair(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Drifts)

	p, err := f.secondary.History().Get(ctx, entry.ID.String())
	require.NoError(t, err)
	assert.NotNil(t, p)
	p, err = f.secondary.History().Get(ctx, stray.HistoryID)
	require.NoError(t, err)
	assert.Nil(t, p)
}
