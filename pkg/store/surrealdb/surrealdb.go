// Package surrealdb implements [store.ProjectionStore] on SurrealDB.
//
// Each collection is a SurrealDB table. A projection is the record
// table:⟨uuid⟩, where uuid is the identifier of the primary record, so the
// record ID itself enforces one projection per primary record. Writes use
// the upsert RPC, which replaces the record content in full.
//
// Reads and bulk operations are parameterized SurrealQL:
//
//	SELECT * FROM $rid
//	SELECT count() AS count FROM type::table($tb) GROUP ALL
//	SELECT * FROM type::table($tb) WHERE document_id = $doc
//	DELETE type::table($tb) WHERE document_id = $doc
//
// The connection is owned by a [conn.Manager]; a transport failure drops it
// and the next call reconnects.
package surrealdb

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	surrealdb "github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
	"github.com/surrealdb/annosync/pkg/store/conn"
)

// Config holds the connection settings.
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	// Lazy defers connecting until the first operation.
	Lazy bool
}

// SurrealStore implements store.ProjectionStore.
type SurrealStore struct {
	conn *conn.Manager[*surrealdb.DB]
	log  zerolog.Logger

	documents   *collection[models.DocumentProjection, *models.DocumentProjection]
	schemas     *collection[models.SchemaProjection, *models.SchemaProjection]
	annotations *collection[models.AnnotationProjection, *models.AnnotationProjection]
	history     *collection[models.HistoryProjection, *models.HistoryProjection]
}

var _ store.ProjectionStore = (*SurrealStore)(nil)

// New creates the store. It does not fail when SurrealDB is unreachable;
// see EnsureConnection.
func New(cfg Config, log zerolog.Logger) *SurrealStore {
	s := &SurrealStore{log: log}
	s.conn = conn.New[*surrealdb.DB]("surrealdb", dialer(cfg), closeDB, cfg.Lazy, log)
	s.documents = newCollection[models.DocumentProjection](s, store.DocumentCollection)
	s.schemas = newCollection[models.SchemaProjection](s, store.SchemaCollection)
	s.annotations = newCollection[models.AnnotationProjection](s, store.AnnotationCollection)
	s.history = newCollection[models.HistoryProjection](s, store.HistoryCollection)
	return s
}

func dialer(cfg Config) conn.DialFunc[*surrealdb.DB] {
	return func(ctx context.Context) (*surrealdb.DB, error) {
		db, err := surrealdb.FromEndpointURLString(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
		}

		if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("failed to use namespace/database: %w", err)
		}

		if cfg.Username != "" && cfg.Password != "" {
			token, err := db.SignIn(ctx, &surrealdb.Auth{
				Username: cfg.Username,
				Password: cfg.Password,
			})
			if err != nil {
				_ = db.Close(ctx)
				return nil, fmt.Errorf("failed to authenticate: %w", err)
			}
			if err := db.Authenticate(ctx, token); err != nil {
				_ = db.Close(ctx)
				return nil, fmt.Errorf("failed to authenticate: %w", err)
			}
		}
		return db, nil
	}
}

func closeDB(ctx context.Context, db *surrealdb.DB) error {
	return db.Close(ctx)
}

func (s *SurrealStore) Backend() string { return "surrealdb" }

func (s *SurrealStore) EnsureConnection(ctx context.Context) bool {
	return s.conn.EnsureConnection(ctx)
}

func (s *SurrealStore) Documents() store.Collection[*models.DocumentProjection] {
	return s.documents
}

func (s *SurrealStore) Schemas() store.Collection[*models.SchemaProjection] {
	return s.schemas
}

func (s *SurrealStore) Annotations() store.Collection[*models.AnnotationProjection] {
	return s.annotations
}

func (s *SurrealStore) History() store.Collection[*models.HistoryProjection] {
	return s.history
}

// indexes lists the lookup indexes of each table.
var indexes = map[string][]string{
	store.DocumentCollection:   {"status"},
	store.SchemaCollection:     {"document_id"},
	store.AnnotationCollection: {"document_id", "schema_id"},
	store.HistoryCollection:    {"document_id", "annotation_id", "created_at"},
}

// Setup defines the lookup indexes. Table and column names are constants,
// not user input.
func (s *SurrealStore) Setup(ctx context.Context) error {
	for _, table := range []string{store.DocumentCollection, store.SchemaCollection, store.AnnotationCollection, store.HistoryCollection} {
		for _, column := range indexes[table] {
			q := fmt.Sprintf("DEFINE INDEX IF NOT EXISTS idx_%s_%s ON TABLE %s COLUMNS %s", table, column, table, column)
			if err := s.exec(ctx, q, nil); err != nil {
				return fmt.Errorf("failed to define index on %s.%s: %w", table, column, err)
			}
		}
	}
	return nil
}

// Reset deletes every projection in every table.
func (s *SurrealStore) Reset(ctx context.Context) error {
	for _, table := range []string{store.HistoryCollection, store.AnnotationCollection, store.SchemaCollection, store.DocumentCollection} {
		if err := s.exec(ctx, "DELETE type::table($tb)", map[string]any{"tb": table}); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

func (s *SurrealStore) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

// exec runs a statement whose result is not needed.
func (s *SurrealStore) exec(ctx context.Context, q string, params map[string]any) error {
	db, err := s.conn.Client(ctx)
	if err != nil {
		return err
	}
	if _, err := surrealdb.Query[any](ctx, db, q, params); err != nil {
		return s.conn.Check(ctx, err)
	}
	return nil
}

// recordID returns the record of a projection key.
func recordID(table, key string) surrealmodels.RecordID {
	return surrealmodels.NewRecordID(table, key)
}
