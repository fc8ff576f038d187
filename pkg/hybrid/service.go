package hybrid

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/surrealdb/annosync/pkg/hooks"
	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
)

// Service coordinates writes and reads across the primary and document
// stores.
type Service struct {
	primary   store.PrimaryStore
	quiet     store.PrimaryStore
	secondary store.ProjectionStore
	hooks     *hooks.Propagator
	log       zerolog.Logger

	locks keyedMutex
	now   func() time.Time
}

// New creates a Service. propagator must be attached to the dispatcher of
// primary for hook-driven propagation to happen.
func New(primary store.PrimaryStore, secondary store.ProjectionStore, propagator *hooks.Propagator, log zerolog.Logger) *Service {
	return &Service{
		primary:   primary,
		quiet:     primary.Unobserved(),
		secondary: secondary,
		hooks:     propagator,
		log:       log.With().Str("component", "hybrid").Logger(),
		now:       time.Now,
	}
}

// SchemaInput describes a schema to create.
type SchemaInput struct {
	Name              string         `json:"name"`
	Description       string         `json:"description"`
	AIGeneratedSchema map[string]any `json:"ai_generated_schema"`
	FinalSchema       map[string]any `json:"final_schema"`
	Fields            []FieldInput   `json:"fields"`
}

// FieldInput describes one schema field. An empty FieldType means text.
type FieldInput struct {
	Name        string           `json:"name"`
	Label       string           `json:"label"`
	FieldType   models.FieldType `json:"field_type"`
	Description string           `json:"description"`
	IsRequired  bool             `json:"is_required"`
	IsMultiple  bool             `json:"is_multiple"`
	Choices     []string         `json:"choices"`
	Order       int              `json:"order"`
}

func userRef(user models.UserID) *models.UserID {
	if user.IsZero() {
		return nil
	}
	return &user
}

func (s *Service) timestamp() *time.Time {
	t := s.now()
	return &t
}

func (s *Service) lock(documentID models.DocumentID) func() {
	return s.locks.Lock(documentID.String())
}

func (s *Service) document(ctx context.Context, id models.DocumentID) (*models.Document, error) {
	doc, err := s.primary.GetDocument(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	if doc == nil {
		return nil, &store.NotFoundError{Kind: models.KindDocument, ID: id.String()}
	}
	return doc, nil
}

func (s *Service) schema(ctx context.Context, documentID models.DocumentID) (*models.AnnotationSchema, error) {
	schema, err := s.primary.GetSchemaByDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	if schema == nil {
		return nil, &store.NotFoundError{Kind: models.KindSchema, ID: documentID.String()}
	}
	return schema, nil
}

func (s *Service) annotation(ctx context.Context, documentID models.DocumentID) (*models.Annotation, error) {
	annotation, err := s.primary.GetAnnotationByDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load annotation: %w", err)
	}
	if annotation == nil {
		return nil, &store.NotFoundError{Kind: models.KindAnnotation, ID: documentID.String()}
	}
	return annotation, nil
}

// synced logs a propagation error and reports whether there was none.
func (s *Service) synced(documentID models.DocumentID, op string, errs ...error) bool {
	ok := true
	for _, err := range errs {
		if err != nil {
			s.log.Warn().Err(err).Str("document", documentID.String()).Str("op", op).Msg("document store not updated")
			ok = false
		}
	}
	return ok
}

// Documents

// CreateDocument stores a new document.
func (s *Service) CreateDocument(ctx context.Context, doc *models.Document) error {
	return s.primary.CreateDocument(ctx, doc)
}

// UpdateDocumentStatus moves a document to status. Reaching annotated or
// validated records user and time.
func (s *Service) UpdateDocumentStatus(ctx context.Context, id models.DocumentID, status models.DocumentStatus, user models.UserID) (*models.Document, error) {
	defer s.lock(id)()
	doc, err := s.document(ctx, id)
	if err != nil {
		return nil, err
	}
	s.applyStatus(doc, status, user)
	if err := s.primary.UpdateDocument(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Service) applyStatus(doc *models.Document, status models.DocumentStatus, user models.UserID) {
	doc.Status = status
	switch status {
	case models.StatusAnnotated:
		doc.AnnotatedBy = userRef(user)
		doc.AnnotatedAt = s.timestamp()
	case models.StatusValidated:
		doc.ValidatedBy = userRef(user)
		doc.ValidatedAt = s.timestamp()
	}
}

// DeleteDocument deletes a document and everything recorded against it.
func (s *Service) DeleteDocument(ctx context.Context, id models.DocumentID) error {
	defer s.lock(id)()
	return s.primary.DeleteDocument(ctx, id)
}

// Schemas

// CreateSchema creates the schema of a document with its fields and writes
// the projection with the fields embedded.
func (s *Service) CreateSchema(ctx context.Context, documentID models.DocumentID, input SchemaInput, user models.UserID) (*models.AnnotationSchema, error) {
	defer s.lock(documentID)()
	doc, err := s.document(ctx, documentID)
	if err != nil {
		return nil, err
	}

	schema := &models.AnnotationSchema{
		DocumentID:        doc.ID,
		Name:              input.Name,
		Description:       input.Description,
		AIGeneratedSchema: datatypes.JSONMap(input.AIGeneratedSchema),
		FinalSchema:       datatypes.JSONMap(input.FinalSchema),
		CreatedBy:         userRef(user),
	}
	if schema.Name == "" {
		schema.Name = "Schema for " + doc.Title
	}
	for _, f := range input.Fields {
		fieldType := f.FieldType
		if fieldType == "" {
			fieldType = models.FieldText
		}
		schema.Fields = append(schema.Fields, models.AnnotationField{
			Name:        f.Name,
			Label:       f.Label,
			FieldType:   fieldType,
			Description: f.Description,
			IsRequired:  f.IsRequired,
			IsMultiple:  f.IsMultiple,
			Choices:     datatypes.JSONSlice[string](f.Choices),
			Order:       f.Order,
		})
	}

	if err := s.quiet.CreateSchema(ctx, schema); err != nil {
		return nil, err
	}
	s.synced(documentID, "create schema", s.hooks.SyncSchema(ctx, schema))
	return schema, nil
}

// ValidateSchema marks the schema of a document validated, optionally
// replacing its final schema, and moves the document to schema_validated.
func (s *Service) ValidateSchema(ctx context.Context, documentID models.DocumentID, user models.UserID, finalSchema map[string]any) (*models.AnnotationSchema, error) {
	defer s.lock(documentID)()
	doc, err := s.document(ctx, documentID)
	if err != nil {
		return nil, err
	}
	schema, err := s.schema(ctx, documentID)
	if err != nil {
		return nil, err
	}

	schema.IsValidated = true
	schema.ValidatedAt = s.timestamp()
	if finalSchema != nil {
		schema.FinalSchema = datatypes.JSONMap(finalSchema)
	}
	if err := s.primary.UpdateSchema(ctx, schema); err != nil {
		return nil, err
	}

	s.applyStatus(doc, models.StatusSchemaValidated, user)
	if err := s.primary.UpdateDocument(ctx, doc); err != nil {
		return nil, err
	}
	return schema, nil
}

// Annotations

// CreateAnnotation creates the annotation of a document from AI
// pre-annotations. The document must have a schema.
func (s *Service) CreateAnnotation(ctx context.Context, documentID models.DocumentID, user models.UserID, preAnnotations map[string]any) (*models.Annotation, error) {
	defer s.lock(documentID)()
	schema, err := s.schema(ctx, documentID)
	if err != nil {
		return nil, err
	}

	annotation := &models.Annotation{
		DocumentID:       documentID,
		SchemaID:         schema.ID,
		AIPreAnnotations: datatypes.JSONMap(preAnnotations),
		FinalAnnotations: datatypes.JSONMap{},
		AnnotatedBy:      userRef(user),
	}
	if annotation.AIPreAnnotations == nil {
		annotation.AIPreAnnotations = datatypes.JSONMap{}
	}
	if scores, avg := models.ConfidenceScores(preAnnotations); len(scores) > 0 {
		annotation.ConfidenceScore = &avg
	}
	entry := &models.AnnotationHistory{
		ActionType:  models.ActionCreated,
		PerformedBy: userRef(user),
	}
	if err := s.primary.CreateAnnotation(ctx, annotation, entry); err != nil {
		return nil, err
	}
	return annotation, nil
}

// UpdateAnnotationField sets one final-annotation value. A change appends
// one history entry with the old and new value; setting the current value
// again changes nothing. It returns false when the document store was not
// updated.
func (s *Service) UpdateAnnotationField(ctx context.Context, documentID models.DocumentID, field string, value any, user models.UserID) (bool, error) {
	return s.UpdateAnnotation(ctx, documentID, map[string]any{field: value}, user)
}

// UpdateAnnotation merges values into the final annotations. Keys not in
// values are left alone. One history entry is appended per changed key.
// It returns false when the document store was not updated.
func (s *Service) UpdateAnnotation(ctx context.Context, documentID models.DocumentID, values map[string]any, user models.UserID) (bool, error) {
	defer s.lock(documentID)()
	annotation, err := s.annotation(ctx, documentID)
	if err != nil {
		return false, err
	}

	changed := models.ChangedKeys(annotation.FinalAnnotations, values)
	if len(changed) == 0 {
		return true, nil
	}

	merged := make(datatypes.JSONMap, len(annotation.FinalAnnotations)+len(changed))
	for k, v := range annotation.FinalAnnotations {
		merged[k] = v
	}
	entries := make([]*models.AnnotationHistory, 0, len(changed))
	for _, key := range changed {
		entries = append(entries, &models.AnnotationHistory{
			ActionType:  models.ActionUpdated,
			FieldName:   key,
			OldValue:    models.EncodeValue(annotation.FinalAnnotations[key]),
			NewValue:    models.EncodeValue(values[key]),
			PerformedBy: userRef(user),
		})
		merged[key] = values[key]
	}
	annotation.FinalAnnotations = merged
	if ref := userRef(user); ref != nil {
		annotation.AnnotatedBy = ref
	}

	if err := s.quiet.UpdateAnnotationValues(ctx, annotation, entries...); err != nil {
		return false, err
	}
	return s.propagateAnnotation(ctx, annotation, entries, "update annotation"), nil
}

// ValidateAnnotation marks the annotation of a document validated with the
// validator's notes, appends a validated history entry and moves the
// document to validated. It returns false when the document store was not
// updated.
func (s *Service) ValidateAnnotation(ctx context.Context, documentID models.DocumentID, user models.UserID, notes string) (bool, error) {
	defer s.lock(documentID)()
	doc, err := s.document(ctx, documentID)
	if err != nil {
		return false, err
	}
	annotation, err := s.annotation(ctx, documentID)
	if err != nil {
		return false, err
	}

	annotation.IsValidated = true
	annotation.ValidatedBy = userRef(user)
	annotation.ValidatedAt = s.timestamp()
	annotation.ValidationNotes = notes
	entry := &models.AnnotationHistory{
		ActionType:  models.ActionValidated,
		Comment:     notes,
		PerformedBy: userRef(user),
	}
	if err := s.quiet.UpdateAnnotation(ctx, annotation, entry); err != nil {
		return false, err
	}
	ok := s.propagateAnnotation(ctx, annotation, []*models.AnnotationHistory{entry}, "validate annotation")

	s.applyStatus(doc, models.StatusValidated, user)
	if err := s.primary.UpdateDocument(ctx, doc); err != nil {
		return ok, err
	}
	return ok, nil
}

func (s *Service) propagateAnnotation(ctx context.Context, annotation *models.Annotation, entries []*models.AnnotationHistory, op string) bool {
	errs := []error{s.hooks.SyncAnnotation(ctx, annotation, nil)}
	for _, h := range entries {
		errs = append(errs, s.hooks.SyncHistory(ctx, h))
	}
	return s.synced(annotation.DocumentID, op, errs...)
}

// CompleteAnnotation marks the annotation of a document complete and moves
// the document to annotated.
func (s *Service) CompleteAnnotation(ctx context.Context, documentID models.DocumentID, user models.UserID) (*models.Annotation, error) {
	defer s.lock(documentID)()
	doc, err := s.document(ctx, documentID)
	if err != nil {
		return nil, err
	}
	annotation, err := s.annotation(ctx, documentID)
	if err != nil {
		return nil, err
	}

	annotation.IsComplete = true
	annotation.CompletedAt = s.timestamp()
	entry := &models.AnnotationHistory{
		ActionType:  models.ActionUpdated,
		Comment:     "annotation completed",
		PerformedBy: userRef(user),
	}
	if err := s.primary.UpdateAnnotation(ctx, annotation, entry); err != nil {
		return nil, err
	}

	s.applyStatus(doc, models.StatusAnnotated, user)
	if err := s.primary.UpdateDocument(ctx, doc); err != nil {
		return nil, err
	}
	return annotation, nil
}

// RejectAnnotation clears the validation of an annotation and records the
// reason.
func (s *Service) RejectAnnotation(ctx context.Context, documentID models.DocumentID, user models.UserID, notes string) (*models.Annotation, error) {
	defer s.lock(documentID)()
	annotation, err := s.annotation(ctx, documentID)
	if err != nil {
		return nil, err
	}

	annotation.IsValidated = false
	annotation.ValidatedBy = nil
	annotation.ValidatedAt = nil
	annotation.ValidationNotes = notes
	entry := &models.AnnotationHistory{
		ActionType:  models.ActionRejected,
		Comment:     notes,
		PerformedBy: userRef(user),
	}
	if err := s.primary.UpdateAnnotation(ctx, annotation, entry); err != nil {
		return nil, err
	}
	return annotation, nil
}
