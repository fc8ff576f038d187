// Package postgres implements [github.com/surrealdb/annosync/pkg/store.PrimaryStore]
// with GORM.
//
// PostgreSQL is the production database. The same code runs on SQLite
// (gorm.io/driver/sqlite), which the tests and local development use.
//
// # Post-commit events
//
// Every write runs in a GORM transaction. When, and only when, the
// transaction function returns nil the store publishes one
// [github.com/surrealdb/annosync/pkg/events.Event] for the record that was
// written. Cascaded rows (the fields of a deleted schema, the history of a
// deleted document) are not announced individually; listeners receive the
// delete of the parent and cascade on their side.
//
// Snapshots: updates and deletes load the current row inside the
// transaction and publish it as Event.Before. Creates and updates publish
// the written record as Event.After. Schemas are always published with
// their complete field list.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/surrealdb/annosync/pkg/events"
	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
)

// PostgresStore implements store.PrimaryStore.
type PostgresStore struct {
	db     *gorm.DB
	events *events.Dispatcher
}

var _ store.PrimaryStore = (*PostgresStore)(nil)

// Dialector returns the GORM dialector for a driver name.
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "":
		return postgres.Open(dsn), nil
	case "sqlite", "sqlite3":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported primary driver %q", driver)
	}
}

// Open connects to the primary database. Events of committed writes go to
// dispatcher, which may be nil.
func Open(dialector gorm.Dialector, dispatcher *events.Dispatcher) (*PostgresStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if dialector.Name() == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite has a single writer, and each connection to ":memory:" is a
		// separate database.
		sqlDB.SetMaxOpenConns(1)
	}

	return &PostgresStore{db: db, events: dispatcher}, nil
}

// getDB returns the database connection
func (s *PostgresStore) getDB(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// Unobserved implements store.PrimaryStore.
func (s *PostgresStore) Unobserved() store.PrimaryStore {
	return &PostgresStore{db: s.db}
}

// Migrate creates or updates the tables of every record, including the
// sync state table. It is safe to run repeatedly.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return s.getDB(ctx).AutoMigrate(
		&models.User{},
		&models.Document{},
		&models.AnnotationSchema{},
		&models.AnnotationField{},
		&models.Annotation{},
		&models.AnnotationHistory{},
		&models.SyncState{},
	)
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// publish announces a committed write.
func (s *PostgresStore) publish(ctx context.Context, e events.Event) {
	s.events.Publish(ctx, e)
}

// first loads one row and maps a missing row to nil, nil.
func first[T any](db *gorm.DB, query string, args ...any) (*T, error) {
	var out T
	err := db.Where(query, args...).First(&out).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id models.UserID) (*models.User, error) {
	return first[models.User](s.getDB(ctx), "id = ?", id)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	return s.getDB(ctx).Create(user).Error
}

func (s *PostgresStore) GetDocument(ctx context.Context, id models.DocumentID) (*models.Document, error) {
	return first[models.Document](s.getDB(ctx), "id = ?", id)
}

func (s *PostgresStore) ListDocumentIDs(ctx context.Context) ([]models.DocumentID, error) {
	var ids []models.DocumentID
	err := s.getDB(ctx).Model(&models.Document{}).Order("created_at ASC, id ASC").Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) GetSchema(ctx context.Context, id models.SchemaID) (*models.AnnotationSchema, error) {
	return loadSchema(s.getDB(ctx), "id = ?", id)
}

func (s *PostgresStore) GetSchemaByDocument(ctx context.Context, documentID models.DocumentID) (*models.AnnotationSchema, error) {
	return loadSchema(s.getDB(ctx), "document_id = ?", documentID)
}

// loadSchema loads a schema with its complete, ordered field list.
func loadSchema(db *gorm.DB, query string, args ...any) (*models.AnnotationSchema, error) {
	var schema models.AnnotationSchema
	err := db.Preload("Fields", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("display_order ASC, name ASC")
	}).Where(query, args...).First(&schema).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &schema, nil
}

func (s *PostgresStore) GetAnnotation(ctx context.Context, id models.AnnotationID) (*models.Annotation, error) {
	return first[models.Annotation](s.getDB(ctx), "id = ?", id)
}

func (s *PostgresStore) GetAnnotationByDocument(ctx context.Context, documentID models.DocumentID) (*models.Annotation, error) {
	return first[models.Annotation](s.getDB(ctx), "document_id = ?", documentID)
}

func (s *PostgresStore) ListHistory(ctx context.Context, documentID models.DocumentID) ([]*models.AnnotationHistory, error) {
	var entries []*models.AnnotationHistory
	err := s.getDB(ctx).
		Where("document_id = ?", documentID).
		Order("created_at DESC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Count(ctx context.Context, kind models.EntityKind) (int, error) {
	var model any
	switch kind {
	case models.KindDocument:
		model = &models.Document{}
	case models.KindSchema:
		model = &models.AnnotationSchema{}
	case models.KindAnnotation:
		model = &models.Annotation{}
	case models.KindHistory:
		model = &models.AnnotationHistory{}
	default:
		return 0, fmt.Errorf("unknown entity kind %q", kind)
	}
	var n int64
	if err := s.getDB(ctx).Model(model).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count %s records: %w", kind, err)
	}
	return int(n), nil
}

// AnnotationStats aggregates the annotation table. Completion is computed
// against the required fields of each annotation's schema.
func (s *PostgresStore) AnnotationStats(ctx context.Context) (*models.AnnotationStats, error) {
	db := s.getDB(ctx)
	stats := &models.AnnotationStats{}

	var required []struct {
		SchemaID models.SchemaID
		Name     string
	}
	err := db.Model(&models.AnnotationField{}).
		Select("schema_id, name").
		Where("is_required = ?", true).
		Scan(&required).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load required fields: %w", err)
	}
	requiredBySchema := make(map[models.SchemaID][]string)
	for _, r := range required {
		requiredBySchema[r.SchemaID] = append(requiredBySchema[r.SchemaID], r.Name)
	}

	var annotations []*models.Annotation
	err = db.Select("id, schema_id, final_annotations, is_complete, is_validated").Find(&annotations).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load annotations: %w", err)
	}
	var total float64
	for _, a := range annotations {
		stats.Total++
		if a.IsComplete {
			stats.Complete++
		}
		if a.IsValidated {
			stats.Validated++
		}
		total += a.CompletionPercentage(requiredBySchema[a.SchemaID])
	}
	if stats.Total > 0 {
		stats.AverageCompletion = total / float64(stats.Total)
	}
	return stats, nil
}
