// Package store defines the two persistence boundaries of annosync.
//
// # Primary store
//
// [PrimaryStore] is the authoritative relational store. Implementations are
// transactional, and every committed mutation is announced to an
// [github.com/surrealdb/annosync/pkg/events.Dispatcher] only after the
// transaction returns, so listeners never observe a change that is later
// rolled back. The GORM implementation lives in
// [github.com/surrealdb/annosync/pkg/store/postgres].
//
// # Projection store
//
// [ProjectionStore] is the document store holding one denormalized
// projection per primary record, grouped into four [Collection]s. It is
// never authoritative. Implementations:
//
//   - [github.com/surrealdb/annosync/pkg/store/surrealdb]: SurrealDB, the default
//   - [github.com/surrealdb/annosync/pkg/store/mongodb]: MongoDB
//   - [github.com/surrealdb/annosync/pkg/store/memstore]: in-process maps for tests and local runs
//
// All implementations obtain their client through a
// [github.com/surrealdb/annosync/pkg/store/conn.Manager] and report an
// unreachable backend as a [ConnectionError].
//
// # Keys
//
// Every projection is stored under the UUID string of its primary record.
// Upsert replaces the whole stored payload, so writing the same projection
// twice leaves one record with identical content apart from updated_at.
package store

import (
	"context"

	"github.com/surrealdb/annosync/pkg/models"
)

// PrimaryReader is the read side of the primary store.
//
// Getters return nil, nil when the record does not exist.
type PrimaryReader interface {
	GetUser(ctx context.Context, id models.UserID) (*models.User, error)
	GetDocument(ctx context.Context, id models.DocumentID) (*models.Document, error)
	ListDocumentIDs(ctx context.Context) ([]models.DocumentID, error)

	// GetSchema and GetSchemaByDocument always load the complete field list.
	GetSchema(ctx context.Context, id models.SchemaID) (*models.AnnotationSchema, error)
	GetSchemaByDocument(ctx context.Context, documentID models.DocumentID) (*models.AnnotationSchema, error)

	GetAnnotation(ctx context.Context, id models.AnnotationID) (*models.Annotation, error)
	GetAnnotationByDocument(ctx context.Context, documentID models.DocumentID) (*models.Annotation, error)

	// ListHistory returns the entries of a document, newest first.
	ListHistory(ctx context.Context, documentID models.DocumentID) ([]*models.AnnotationHistory, error)

	// Count returns the number of primary records of a kind.
	Count(ctx context.Context, kind models.EntityKind) (int, error)
	AnnotationStats(ctx context.Context) (*models.AnnotationStats, error)
}

// SyncStateStore tracks records whose projection may be stale.
type SyncStateStore interface {
	// MarkSyncState creates or updates the row for (Kind, EntityID).
	MarkSyncState(ctx context.Context, state *models.SyncState) error
	// MarkSynced moves the row of one record to in-sync if it exists.
	MarkSynced(ctx context.Context, kind models.EntityKind, entityID string) error
	// MarkDocumentSynced moves every row of a document to in-sync.
	MarkDocumentSynced(ctx context.Context, documentID string) error
	// ListSyncStates lists rows with the given status; an empty status lists
	// every row that is not in-sync.
	ListSyncStates(ctx context.Context, status models.SyncStatus) ([]*models.SyncState, error)
	CountSyncStates(ctx context.Context) (map[models.SyncStatus]int, error)
}

// PrimaryStore is the authoritative relational store.
type PrimaryStore interface {
	PrimaryReader
	SyncStateStore

	CreateUser(ctx context.Context, user *models.User) error

	CreateDocument(ctx context.Context, doc *models.Document) error
	UpdateDocument(ctx context.Context, doc *models.Document) error
	// DeleteDocument deletes the document with its schema, fields,
	// annotation and history in one transaction.
	DeleteDocument(ctx context.Context, id models.DocumentID) error

	// CreateSchema creates the schema and schema.Fields in one transaction.
	CreateSchema(ctx context.Context, schema *models.AnnotationSchema) error
	// UpdateSchema saves the schema and replaces its field list.
	UpdateSchema(ctx context.Context, schema *models.AnnotationSchema) error
	DeleteSchema(ctx context.Context, id models.SchemaID) error

	// CreateAnnotation and UpdateAnnotation write the annotation and append
	// the given history entries in one transaction.
	CreateAnnotation(ctx context.Context, annotation *models.Annotation, history ...*models.AnnotationHistory) error
	UpdateAnnotation(ctx context.Context, annotation *models.Annotation, history ...*models.AnnotationHistory) error
	// UpdateAnnotationValues writes only the final-annotations column, the
	// annotator and updated_at, leaving every other column untouched.
	UpdateAnnotationValues(ctx context.Context, annotation *models.Annotation, history ...*models.AnnotationHistory) error
	DeleteAnnotation(ctx context.Context, id models.AnnotationID) error

	AppendHistory(ctx context.Context, entries ...*models.AnnotationHistory) error

	// Unobserved returns a view of the store that publishes no events.
	// Callers that use it propagate their writes explicitly.
	Unobserved() PrimaryStore

	Migrate(ctx context.Context) error
	Close() error
}

// Collection is one projection collection of the document store.
//
// Get returns the zero P (a nil pointer) when no projection exists.
type Collection[P models.Projection] interface {
	Name() string
	// Upsert stores p under p.ProjectionKey(), replacing any previous
	// payload, and sets its updated_at to the current time.
	Upsert(ctx context.Context, p P) error
	Get(ctx context.Context, key string) (P, error)
	Delete(ctx context.Context, key string) error
	Count(ctx context.Context) (int, error)
	ListByDocument(ctx context.Context, documentID string) ([]P, error)
	DeleteByDocument(ctx context.Context, documentID string) error
}

// ProjectionStore is the document store.
type ProjectionStore interface {
	// Backend names the implementation, e.g. "surrealdb".
	Backend() string
	// EnsureConnection connects if needed and reports whether the store is
	// usable. It never returns an error.
	EnsureConnection(ctx context.Context) bool

	Documents() Collection[*models.DocumentProjection]
	Schemas() Collection[*models.SchemaProjection]
	Annotations() Collection[*models.AnnotationProjection]
	History() Collection[*models.HistoryProjection]

	// Setup creates the secondary indexes used for per-document and
	// per-annotation lookups.
	Setup(ctx context.Context) error
	// Reset removes every projection.
	Reset(ctx context.Context) error
	Close(ctx context.Context) error
}

// CountProjections returns the number of projections of a kind.
func CountProjections(ctx context.Context, s ProjectionStore, kind models.EntityKind) (int, error) {
	switch kind {
	case models.KindDocument:
		return s.Documents().Count(ctx)
	case models.KindSchema:
		return s.Schemas().Count(ctx)
	case models.KindAnnotation:
		return s.Annotations().Count(ctx)
	case models.KindHistory:
		return s.History().Count(ctx)
	}
	return 0, &NotFoundError{Kind: kind, ID: "collection"}
}

// Collection names shared by every document-store backend.
const (
	DocumentCollection   = "document_projections"
	SchemaCollection     = "schema_projections"
	AnnotationCollection = "annotation_projections"
	HistoryCollection    = "annotation_history"
)

// CollectionName returns the collection holding projections of kind.
func CollectionName(kind models.EntityKind) string {
	switch kind {
	case models.KindDocument:
		return DocumentCollection
	case models.KindSchema:
		return SchemaCollection
	case models.KindAnnotation:
		return AnnotationCollection
	case models.KindHistory:
		return HistoryCollection
	}
	return ""
}
