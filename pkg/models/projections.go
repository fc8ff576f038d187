package models

import (
	"time"
)

// Projection is implemented by every document-store payload.
type Projection interface {
	// ProjectionKey is the identifier of the primary record.
	ProjectionKey() string
	// ProjectionDocument is the identifier of the owning document.
	ProjectionDocument() string
	// Touch sets the write timestamp.
	Touch(at time.Time)
}

// DocumentProjection mirrors a Document.
type DocumentProjection struct {
	DocumentID      string         `json:"document_id" bson:"document_id"`
	Title           string         `json:"title" bson:"title"`
	Description     string         `json:"description" bson:"description"`
	FilePath        string         `json:"file_path" bson:"file_path"`
	FileType        string         `json:"file_type" bson:"file_type"`
	FileSize        int64          `json:"file_size" bson:"file_size"`
	Status          string         `json:"status" bson:"status"`
	Metadata        map[string]any `json:"metadata" bson:"metadata"`
	UploadedBy      string         `json:"uploaded_by" bson:"uploaded_by"`
	AnnotatedBy     string         `json:"annotated_by" bson:"annotated_by"`
	ValidatedBy     string         `json:"validated_by" bson:"validated_by"`
	CreatedAt       Timestamp      `json:"created_at" bson:"created_at"`
	SourceUpdatedAt Timestamp      `json:"source_updated_at" bson:"source_updated_at"`
	AnnotatedAt     Timestamp      `json:"annotated_at" bson:"annotated_at"`
	ValidatedAt     Timestamp      `json:"validated_at" bson:"validated_at"`
	UpdatedAt       Timestamp      `json:"updated_at" bson:"updated_at"`
}

func (p *DocumentProjection) ProjectionKey() string      { return p.DocumentID }
func (p *DocumentProjection) ProjectionDocument() string { return p.DocumentID }
func (p *DocumentProjection) Touch(at time.Time)         { p.UpdatedAt = NewTimestamp(at) }

// FieldProjection is embedded in SchemaProjection.
type FieldProjection struct {
	FieldID     string   `json:"field_id" bson:"field_id"`
	Name        string   `json:"name" bson:"name"`
	Label       string   `json:"label" bson:"label"`
	FieldType   string   `json:"field_type" bson:"field_type"`
	Description string   `json:"description" bson:"description"`
	IsRequired  bool     `json:"is_required" bson:"is_required"`
	IsMultiple  bool     `json:"is_multiple" bson:"is_multiple"`
	Choices     []string `json:"choices" bson:"choices"`
	Order       int      `json:"order" bson:"order"`
}

// SchemaProjection mirrors an AnnotationSchema with its fields embedded.
type SchemaProjection struct {
	SchemaID          string            `json:"schema_id" bson:"schema_id"`
	DocumentID        string            `json:"document_id" bson:"document_id"`
	Name              string            `json:"name" bson:"name"`
	Description       string            `json:"description" bson:"description"`
	AIGeneratedSchema map[string]any    `json:"ai_generated_schema" bson:"ai_generated_schema"`
	FinalSchema       map[string]any    `json:"final_schema" bson:"final_schema"`
	IsValidated       bool              `json:"is_validated" bson:"is_validated"`
	CreatedBy         string            `json:"created_by" bson:"created_by"`
	Fields            []FieldProjection `json:"fields" bson:"fields"`
	ValidatedAt       Timestamp         `json:"validated_at" bson:"validated_at"`
	CreatedAt         Timestamp         `json:"created_at" bson:"created_at"`
	UpdatedAt         Timestamp         `json:"updated_at" bson:"updated_at"`
}

func (p *SchemaProjection) ProjectionKey() string      { return p.SchemaID }
func (p *SchemaProjection) ProjectionDocument() string { return p.DocumentID }
func (p *SchemaProjection) Touch(at time.Time)         { p.UpdatedAt = NewTimestamp(at) }

// AnnotationProjection mirrors an Annotation and adds derived values.
type AnnotationProjection struct {
	AnnotationID         string             `json:"annotation_id" bson:"annotation_id"`
	DocumentID           string             `json:"document_id" bson:"document_id"`
	SchemaID             string             `json:"schema_id" bson:"schema_id"`
	AIPreAnnotations     map[string]any     `json:"ai_pre_annotations" bson:"ai_pre_annotations"`
	FinalAnnotations     map[string]any     `json:"final_annotations" bson:"final_annotations"`
	ConfidenceScores     map[string]float64 `json:"confidence_scores" bson:"confidence_scores"`
	AverageConfidence    float64            `json:"average_confidence" bson:"average_confidence"`
	CompletionPercentage float64            `json:"completion_percentage" bson:"completion_percentage"`
	IsComplete           bool               `json:"is_complete" bson:"is_complete"`
	IsValidated          bool               `json:"is_validated" bson:"is_validated"`
	ValidationNotes      string             `json:"validation_notes" bson:"validation_notes"`
	AnnotatedBy          string             `json:"annotated_by" bson:"annotated_by"`
	ValidatedBy          string             `json:"validated_by" bson:"validated_by"`
	CompletedAt          Timestamp          `json:"completed_at" bson:"completed_at"`
	ValidatedAt          Timestamp          `json:"validated_at" bson:"validated_at"`
	CreatedAt            Timestamp          `json:"created_at" bson:"created_at"`
	UpdatedAt            Timestamp          `json:"updated_at" bson:"updated_at"`
}

func (p *AnnotationProjection) ProjectionKey() string      { return p.AnnotationID }
func (p *AnnotationProjection) ProjectionDocument() string { return p.DocumentID }
func (p *AnnotationProjection) Touch(at time.Time)         { p.UpdatedAt = NewTimestamp(at) }

// HistoryProjection mirrors an AnnotationHistory entry.
type HistoryProjection struct {
	HistoryID    string    `json:"history_id" bson:"history_id"`
	AnnotationID string    `json:"annotation_id" bson:"annotation_id"`
	DocumentID   string    `json:"document_id" bson:"document_id"`
	ActionType   string    `json:"action_type" bson:"action_type"`
	FieldName    string    `json:"field_name" bson:"field_name"`
	OldValue     any       `json:"old_value" bson:"old_value"`
	NewValue     any       `json:"new_value" bson:"new_value"`
	Comment      string    `json:"comment" bson:"comment"`
	PerformedBy  string    `json:"performed_by" bson:"performed_by"`
	CreatedAt    Timestamp `json:"created_at" bson:"created_at"`
	UpdatedAt    Timestamp `json:"updated_at" bson:"updated_at"`
}

func (p *HistoryProjection) ProjectionKey() string      { return p.HistoryID }
func (p *HistoryProjection) ProjectionDocument() string { return p.DocumentID }
func (p *HistoryProjection) Touch(at time.Time)         { p.UpdatedAt = NewTimestamp(at) }

// BuildDocumentProjection builds the full projection of d.
func BuildDocumentProjection(d *Document) *DocumentProjection {
	return &DocumentProjection{
		DocumentID:      d.ID.String(),
		Title:           d.Title,
		Description:     d.Description,
		FilePath:        d.FilePath,
		FileType:        string(d.FileType),
		FileSize:        d.FileSize,
		Status:          string(d.Status),
		Metadata:        copyMap(d.Metadata),
		UploadedBy:      idString(d.UploadedBy),
		AnnotatedBy:     idString(d.AnnotatedBy),
		ValidatedBy:     idString(d.ValidatedBy),
		CreatedAt:       NewTimestamp(d.CreatedAt),
		SourceUpdatedAt: NewTimestamp(d.UpdatedAt),
		AnnotatedAt:     timestampPtr(d.AnnotatedAt),
		ValidatedAt:     timestampPtr(d.ValidatedAt),
	}
}

// BuildSchemaProjection builds the projection of s. s.Fields must hold the
// complete field list.
func BuildSchemaProjection(s *AnnotationSchema) *SchemaProjection {
	fields := make([]FieldProjection, 0, len(s.Fields))
	for _, f := range SortFields(s.Fields) {
		var choices []string
		if f.FieldType.HasChoices() {
			choices = append([]string{}, f.Choices...)
		}
		fields = append(fields, FieldProjection{
			FieldID:     f.ID.String(),
			Name:        f.Name,
			Label:       f.Label,
			FieldType:   string(f.FieldType),
			Description: f.Description,
			IsRequired:  f.IsRequired,
			IsMultiple:  f.IsMultiple,
			Choices:     choices,
			Order:       f.Order,
		})
	}
	return &SchemaProjection{
		SchemaID:          s.ID.String(),
		DocumentID:        s.DocumentID.String(),
		Name:              s.Name,
		Description:       s.Description,
		AIGeneratedSchema: copyMap(s.AIGeneratedSchema),
		FinalSchema:       copyMap(s.FinalSchema),
		IsValidated:       s.IsValidated,
		CreatedBy:         idString(s.CreatedBy),
		Fields:            fields,
		ValidatedAt:       timestampPtr(s.ValidatedAt),
		CreatedAt:         NewTimestamp(s.CreatedAt),
	}
}

// BuildAnnotationProjection builds the projection of a. schema supplies the
// required fields used for completion; it may be nil.
func BuildAnnotationProjection(a *Annotation, schema *AnnotationSchema) *AnnotationProjection {
	var required []string
	if schema != nil {
		required = schema.RequiredFields()
	}
	scores, avg := ConfidenceScores(a.AIPreAnnotations)
	return &AnnotationProjection{
		AnnotationID:         a.ID.String(),
		DocumentID:           a.DocumentID.String(),
		SchemaID:             a.SchemaID.String(),
		AIPreAnnotations:     copyMap(a.AIPreAnnotations),
		FinalAnnotations:     copyMap(a.FinalAnnotations),
		ConfidenceScores:     scores,
		AverageConfidence:    avg,
		CompletionPercentage: a.CompletionPercentage(required),
		IsComplete:           a.IsComplete,
		IsValidated:          a.IsValidated,
		ValidationNotes:      a.ValidationNotes,
		AnnotatedBy:          idString(a.AnnotatedBy),
		ValidatedBy:          idString(a.ValidatedBy),
		CompletedAt:          timestampPtr(a.CompletedAt),
		ValidatedAt:          timestampPtr(a.ValidatedAt),
		CreatedAt:            NewTimestamp(a.CreatedAt),
	}
}

// BuildHistoryProjection builds the projection of h.
func BuildHistoryProjection(h *AnnotationHistory) *HistoryProjection {
	return &HistoryProjection{
		HistoryID:    h.ID.String(),
		AnnotationID: h.AnnotationID.String(),
		DocumentID:   h.DocumentID.String(),
		ActionType:   string(h.ActionType),
		FieldName:    h.FieldName,
		OldValue:     DecodeValue(h.OldValue),
		NewValue:     DecodeValue(h.NewValue),
		Comment:      h.Comment,
		PerformedBy:  idString(h.PerformedBy),
		CreatedAt:    NewTimestamp(h.CreatedAt),
	}
}

func copyMap(m map[string]any) map[string]any {
	out := plainMap(m)
	if out == nil {
		out = make(map[string]any)
	}
	return out
}
