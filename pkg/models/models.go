package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DocumentStatus is the lifecycle stage of a document.
type DocumentStatus string

const (
	StatusUploaded          DocumentStatus = "uploaded"
	StatusMetadataExtracted DocumentStatus = "metadata_extracted"
	StatusSchemaProposed    DocumentStatus = "schema_proposed"
	StatusSchemaValidated   DocumentStatus = "schema_validated"
	StatusPreAnnotated      DocumentStatus = "pre_annotated"
	StatusAnnotated         DocumentStatus = "annotated"
	StatusValidated         DocumentStatus = "validated"
)

// FileType is the format of the uploaded file.
type FileType string

const (
	FileTypePDF   FileType = "pdf"
	FileTypeDOCX  FileType = "docx"
	FileTypeDOC   FileType = "doc"
	FileTypeTXT   FileType = "txt"
	FileTypeXLSX  FileType = "xlsx"
	FileTypeXLS   FileType = "xls"
	FileTypeImage FileType = "image"
)

// FieldType is the value type of an annotation field.
type FieldType string

const (
	FieldText           FieldType = "text"
	FieldNumber         FieldType = "number"
	FieldDate           FieldType = "date"
	FieldBoolean        FieldType = "boolean"
	FieldChoice         FieldType = "choice"
	FieldMultipleChoice FieldType = "multiple_choice"
	FieldEntity         FieldType = "entity"
	FieldClassification FieldType = "classification"
)

// HasChoices reports whether the choice list of a field is meaningful.
func (t FieldType) HasChoices() bool {
	return t == FieldChoice || t == FieldMultipleChoice
}

// ActionType is the kind of an annotation history entry.
type ActionType string

const (
	ActionCreated   ActionType = "created"
	ActionUpdated   ActionType = "updated"
	ActionValidated ActionType = "validated"
	ActionRejected  ActionType = "rejected"
)

// User is referenced as uploader, annotator, validator or actor.
type User struct {
	ID        UserID    `gorm:"type:uuid;primaryKey" json:"id"`
	Username  string    `gorm:"uniqueIndex;not null" json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID.IsZero() {
		u.ID = NewUserID()
	}
	return nil
}

// Document is one uploaded file.
type Document struct {
	ID          DocumentID        `gorm:"type:uuid;primaryKey" json:"id"`
	Title       string            `gorm:"not null" json:"title"`
	Description string            `gorm:"type:text" json:"description"`
	FilePath    string            `json:"file_path"`
	FileType    FileType          `json:"file_type"`
	FileSize    int64             `json:"file_size"`
	Status      DocumentStatus    `gorm:"not null;default:uploaded;index" json:"status"`
	Metadata    datatypes.JSONMap `json:"metadata"`
	UploadedBy  *UserID           `gorm:"type:uuid" json:"uploaded_by,omitempty"`
	AnnotatedBy *UserID           `gorm:"type:uuid" json:"annotated_by,omitempty"`
	ValidatedBy *UserID           `gorm:"type:uuid" json:"validated_by,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	AnnotatedAt *time.Time        `json:"annotated_at,omitempty"`
	ValidatedAt *time.Time        `json:"validated_at,omitempty"`

	Schema     *AnnotationSchema `gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE" json:"-"`
	Annotation *Annotation       `gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE" json:"-"`
}

func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID.IsZero() {
		d.ID = NewDocumentID()
	}
	if d.Status == "" {
		d.Status = StatusUploaded
	}
	return nil
}

// AfterFind replaces the json.Number values left by JSONMap.Scan.
func (d *Document) AfterFind(tx *gorm.DB) error {
	d.Metadata = PlainMap(d.Metadata)
	return nil
}

// AnnotationSchema is the schema proposed for, and validated on, a document.
type AnnotationSchema struct {
	ID                SchemaID          `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID        DocumentID        `gorm:"type:uuid;uniqueIndex;not null" json:"document_id"`
	Name              string            `gorm:"not null" json:"name"`
	Description       string            `gorm:"type:text" json:"description"`
	AIGeneratedSchema datatypes.JSONMap `json:"ai_generated_schema"`
	FinalSchema       datatypes.JSONMap `json:"final_schema"`
	IsValidated       bool              `gorm:"not null;default:false" json:"is_validated"`
	CreatedBy         *UserID           `gorm:"type:uuid" json:"created_by,omitempty"`
	ValidatedAt       *time.Time        `json:"validated_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`

	Fields []AnnotationField `gorm:"foreignKey:SchemaID;constraint:OnDelete:CASCADE" json:"fields"`
}

func (s *AnnotationSchema) BeforeCreate(tx *gorm.DB) error {
	if s.ID.IsZero() {
		s.ID = NewSchemaID()
	}
	return nil
}

func (s *AnnotationSchema) AfterFind(tx *gorm.DB) error {
	s.AIGeneratedSchema = PlainMap(s.AIGeneratedSchema)
	s.FinalSchema = PlainMap(s.FinalSchema)
	return nil
}

// RequiredFields returns the names of required fields in display order.
func (s *AnnotationSchema) RequiredFields() []string {
	var names []string
	for _, f := range SortFields(s.Fields) {
		if f.IsRequired {
			names = append(names, f.Name)
		}
	}
	return names
}

// AnnotationField is one field of a schema. Name is unique within a schema.
type AnnotationField struct {
	ID          FieldID                     `gorm:"type:uuid;primaryKey" json:"id"`
	SchemaID    SchemaID                    `gorm:"type:uuid;not null;uniqueIndex:idx_field_schema_name" json:"schema_id"`
	Name        string                      `gorm:"not null;uniqueIndex:idx_field_schema_name" json:"name"`
	Label       string                      `json:"label"`
	FieldType   FieldType                   `gorm:"not null;default:text" json:"field_type"`
	Description string                      `gorm:"type:text" json:"description"`
	IsRequired  bool                        `gorm:"not null;default:false" json:"is_required"`
	IsMultiple  bool                        `gorm:"not null;default:false" json:"is_multiple"`
	Choices     datatypes.JSONSlice[string] `json:"choices"`
	Order       int                         `gorm:"column:display_order;not null;default:0" json:"order"`
}

func (f *AnnotationField) BeforeCreate(tx *gorm.DB) error {
	if f.ID.IsZero() {
		f.ID = NewFieldID()
	}
	return nil
}

// Annotation holds the annotations of one document.
type Annotation struct {
	ID               AnnotationID      `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID       DocumentID        `gorm:"type:uuid;uniqueIndex;not null" json:"document_id"`
	SchemaID         SchemaID          `gorm:"type:uuid;not null;index" json:"schema_id"`
	AIPreAnnotations datatypes.JSONMap `json:"ai_pre_annotations"`
	FinalAnnotations datatypes.JSONMap `json:"final_annotations"`
	IsComplete       bool              `gorm:"not null;default:false" json:"is_complete"`
	IsValidated      bool              `gorm:"not null;default:false" json:"is_validated"`
	ConfidenceScore  *float64          `json:"confidence_score,omitempty"`
	ValidationNotes  string            `gorm:"type:text" json:"validation_notes"`
	AnnotatedBy      *UserID           `gorm:"type:uuid" json:"annotated_by,omitempty"`
	ValidatedBy      *UserID           `gorm:"type:uuid" json:"validated_by,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	ValidatedAt      *time.Time        `json:"validated_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`

	History []AnnotationHistory `gorm:"foreignKey:AnnotationID;constraint:OnDelete:CASCADE" json:"-"`
}

func (a *Annotation) BeforeCreate(tx *gorm.DB) error {
	if a.ID.IsZero() {
		a.ID = NewAnnotationID()
	}
	return nil
}

func (a *Annotation) AfterFind(tx *gorm.DB) error {
	a.AIPreAnnotations = PlainMap(a.AIPreAnnotations)
	a.FinalAnnotations = PlainMap(a.FinalAnnotations)
	return nil
}

// AnnotationHistory is an immutable audit entry. DocumentID is denormalized
// from the annotation so that entries can be found per document.
type AnnotationHistory struct {
	ID           HistoryID    `gorm:"type:uuid;primaryKey" json:"id"`
	AnnotationID AnnotationID `gorm:"type:uuid;not null;index" json:"annotation_id"`
	DocumentID   DocumentID   `gorm:"type:uuid;not null;index" json:"document_id"`
	ActionType   ActionType   `gorm:"not null" json:"action_type"`
	FieldName    string       `json:"field_name,omitempty"`
	OldValue     Snapshot     `gorm:"type:text" json:"old_value,omitempty"`
	NewValue     Snapshot     `gorm:"type:text" json:"new_value,omitempty"`
	Comment      string       `gorm:"type:text" json:"comment,omitempty"`
	PerformedBy  *UserID      `gorm:"type:uuid" json:"performed_by,omitempty"`
	CreatedAt    time.Time    `gorm:"index" json:"created_at"`
}

func (h *AnnotationHistory) BeforeCreate(tx *gorm.DB) error {
	if h.ID.IsZero() {
		h.ID = NewHistoryID()
	}
	return nil
}

// BeforeUpdate rejects updates: history entries are append-only.
func (h *AnnotationHistory) BeforeUpdate(tx *gorm.DB) error {
	return ErrImmutableHistory
}
