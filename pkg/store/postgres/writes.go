package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/surrealdb/annosync/pkg/events"
	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
)

func documentEvent(op models.ChangeOperation, id models.DocumentID, before, after *models.Document) events.Event {
	e := events.Event{Kind: models.KindDocument, Op: op, EntityID: id.String(), DocumentID: id.String()}
	if before != nil {
		e.Before = before
	}
	if after != nil {
		e.After = after
	}
	return e
}

func schemaEvent(op models.ChangeOperation, s, before *models.AnnotationSchema) events.Event {
	e := events.Event{Kind: models.KindSchema, Op: op, EntityID: s.ID.String(), DocumentID: s.DocumentID.String()}
	if before != nil {
		e.Before = before
	}
	if op != models.ChangeOperationDelete {
		e.After = s
	}
	return e
}

func annotationEvent(op models.ChangeOperation, a, before *models.Annotation) events.Event {
	e := events.Event{Kind: models.KindAnnotation, Op: op, EntityID: a.ID.String(), DocumentID: a.DocumentID.String()}
	if before != nil {
		e.Before = before
	}
	if op != models.ChangeOperationDelete {
		e.After = a
	}
	return e
}

func historyEvent(h *models.AnnotationHistory) events.Event {
	return events.Event{
		Kind:       models.KindHistory,
		Op:         models.ChangeOperationCreate,
		EntityID:   h.ID.String(),
		DocumentID: h.DocumentID.String(),
		After:      h,
	}
}

// Document operations

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Omit(clause.Associations).Create(doc).Error
	})
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	s.publish(ctx, documentEvent(models.ChangeOperationCreate, doc.ID, nil, doc))
	return nil
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, doc *models.Document) error {
	var before *models.Document
	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		before, err = first[models.Document](tx, "id = ?", doc.ID)
		if err != nil {
			return err
		}
		if before == nil {
			return &store.NotFoundError{Kind: models.KindDocument, ID: doc.ID.String()}
		}
		return tx.Omit(clause.Associations).Save(doc).Error
	})
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	s.publish(ctx, documentEvent(models.ChangeOperationUpdate, doc.ID, before, doc))
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, id models.DocumentID) error {
	var before *models.Document
	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		before, err = first[models.Document](tx, "id = ?", id)
		if err != nil {
			return err
		}
		if before == nil {
			return &store.NotFoundError{Kind: models.KindDocument, ID: id.String()}
		}
		if err := tx.Where("document_id = ?", id).Delete(&models.AnnotationHistory{}).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", id).Delete(&models.Annotation{}).Error; err != nil {
			return err
		}
		schemaIDs := tx.Model(&models.AnnotationSchema{}).Select("id").Where("document_id = ?", id)
		if err := tx.Where("schema_id IN (?)", schemaIDs).Delete(&models.AnnotationField{}).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", id).Delete(&models.AnnotationSchema{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Document{}, "id = ?", id).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	s.publish(ctx, documentEvent(models.ChangeOperationDelete, id, before, nil))
	return nil
}

// Schema operations

func (s *PostgresStore) CreateSchema(ctx context.Context, schema *models.AnnotationSchema) error {
	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(schema).Error; err != nil {
			return err
		}
		return createFields(tx, schema)
	})
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	s.publish(ctx, schemaEvent(models.ChangeOperationCreate, schema, nil))
	return nil
}

func (s *PostgresStore) UpdateSchema(ctx context.Context, schema *models.AnnotationSchema) error {
	var before *models.AnnotationSchema
	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		before, err = loadSchema(tx, "id = ?", schema.ID)
		if err != nil {
			return err
		}
		if before == nil {
			return &store.NotFoundError{Kind: models.KindSchema, ID: schema.ID.String()}
		}
		if err := tx.Omit(clause.Associations).Save(schema).Error; err != nil {
			return err
		}
		if err := tx.Where("schema_id = ?", schema.ID).Delete(&models.AnnotationField{}).Error; err != nil {
			return err
		}
		return createFields(tx, schema)
	})
	if err != nil {
		return fmt.Errorf("failed to update schema: %w", err)
	}
	s.publish(ctx, schemaEvent(models.ChangeOperationUpdate, schema, before))
	return nil
}

func createFields(tx *gorm.DB, schema *models.AnnotationSchema) error {
	if len(schema.Fields) == 0 {
		return nil
	}
	for i := range schema.Fields {
		schema.Fields[i].SchemaID = schema.ID
	}
	return tx.Create(&schema.Fields).Error
}

// DeleteSchema deletes the schema, its fields, and the annotation and
// history that were recorded against it.
func (s *PostgresStore) DeleteSchema(ctx context.Context, id models.SchemaID) error {
	var before *models.AnnotationSchema
	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		before, err = loadSchema(tx, "id = ?", id)
		if err != nil {
			return err
		}
		if before == nil {
			return &store.NotFoundError{Kind: models.KindSchema, ID: id.String()}
		}
		annotationIDs := tx.Model(&models.Annotation{}).Select("id").Where("schema_id = ?", id)
		if err := tx.Where("annotation_id IN (?)", annotationIDs).Delete(&models.AnnotationHistory{}).Error; err != nil {
			return err
		}
		if err := tx.Where("schema_id = ?", id).Delete(&models.Annotation{}).Error; err != nil {
			return err
		}
		if err := tx.Where("schema_id = ?", id).Delete(&models.AnnotationField{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.AnnotationSchema{}, "id = ?", id).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete schema: %w", err)
	}
	s.publish(ctx, schemaEvent(models.ChangeOperationDelete, before, before))
	return nil
}

// Annotation operations

func (s *PostgresStore) CreateAnnotation(ctx context.Context, annotation *models.Annotation, history ...*models.AnnotationHistory) error {
	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(annotation).Error; err != nil {
			return err
		}
		return createHistory(tx, annotation, history)
	})
	if err != nil {
		return fmt.Errorf("failed to create annotation: %w", err)
	}
	s.publish(ctx, annotationEvent(models.ChangeOperationCreate, annotation, nil))
	s.publishHistory(ctx, history)
	return nil
}

func (s *PostgresStore) UpdateAnnotation(ctx context.Context, annotation *models.Annotation, history ...*models.AnnotationHistory) error {
	var before *models.Annotation
	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		before, err = first[models.Annotation](tx, "id = ?", annotation.ID)
		if err != nil {
			return err
		}
		if before == nil {
			return &store.NotFoundError{Kind: models.KindAnnotation, ID: annotation.ID.String()}
		}
		if err := tx.Omit(clause.Associations).Save(annotation).Error; err != nil {
			return err
		}
		return createHistory(tx, annotation, history)
	})
	if err != nil {
		return fmt.Errorf("failed to update annotation: %w", err)
	}
	s.publish(ctx, annotationEvent(models.ChangeOperationUpdate, annotation, before))
	s.publishHistory(ctx, history)
	return nil
}

func (s *PostgresStore) UpdateAnnotationValues(ctx context.Context, annotation *models.Annotation, history ...*models.AnnotationHistory) error {
	var before *models.Annotation
	annotation.UpdatedAt = time.Now()
	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		before, err = first[models.Annotation](tx, "id = ?", annotation.ID)
		if err != nil {
			return err
		}
		if before == nil {
			return &store.NotFoundError{Kind: models.KindAnnotation, ID: annotation.ID.String()}
		}
		err = tx.Model(&models.Annotation{}).Where("id = ?", annotation.ID).Updates(map[string]any{
			"final_annotations": annotation.FinalAnnotations,
			"annotated_by":      annotation.AnnotatedBy,
			"updated_at":        annotation.UpdatedAt,
		}).Error
		if err != nil {
			return err
		}
		return createHistory(tx, annotation, history)
	})
	if err != nil {
		return fmt.Errorf("failed to update annotation values: %w", err)
	}
	s.publish(ctx, annotationEvent(models.ChangeOperationUpdate, annotation, before))
	s.publishHistory(ctx, history)
	return nil
}

func (s *PostgresStore) DeleteAnnotation(ctx context.Context, id models.AnnotationID) error {
	var before *models.Annotation
	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		before, err = first[models.Annotation](tx, "id = ?", id)
		if err != nil {
			return err
		}
		if before == nil {
			return &store.NotFoundError{Kind: models.KindAnnotation, ID: id.String()}
		}
		if err := tx.Where("annotation_id = ?", id).Delete(&models.AnnotationHistory{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Annotation{}, "id = ?", id).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete annotation: %w", err)
	}
	s.publish(ctx, annotationEvent(models.ChangeOperationDelete, before, before))
	return nil
}

// History operations

// AppendHistory inserts entries. Entries are never updated afterwards.
func (s *PostgresStore) AppendHistory(ctx context.Context, entries ...*models.AnnotationHistory) error {
	if len(entries) == 0 {
		return nil
	}
	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		for _, h := range entries {
			if h.AnnotationID.IsZero() || h.DocumentID.IsZero() {
				return fmt.Errorf("history entry without annotation or document")
			}
			if err := tx.Create(h).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	s.publishHistory(ctx, entries)
	return nil
}

func createHistory(tx *gorm.DB, annotation *models.Annotation, history []*models.AnnotationHistory) error {
	for _, h := range history {
		h.AnnotationID = annotation.ID
		h.DocumentID = annotation.DocumentID
		if err := tx.Create(h).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) publishHistory(ctx context.Context, history []*models.AnnotationHistory) {
	for _, h := range history {
		s.publish(ctx, historyEvent(h))
	}
}
