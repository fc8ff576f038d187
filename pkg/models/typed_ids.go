package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// entityKind tags an ID with the kind of record it identifies.
// The tag types are zero-sized and never instantiated by callers.
type entityKind interface {
	kindName() string
}

type (
	userKind       struct{}
	documentKind   struct{}
	schemaKind     struct{}
	fieldKind      struct{}
	annotationKind struct{}
	historyKind    struct{}
)

func (userKind) kindName() string       { return "user" }
func (documentKind) kindName() string   { return "document" }
func (schemaKind) kindName() string     { return "schema" }
func (fieldKind) kindName() string      { return "field" }
func (annotationKind) kindName() string { return "annotation" }
func (historyKind) kindName() string    { return "history" }

// ID is a UUID bound to one entity kind. Use the aliases below rather than
// instantiating ID directly.
type ID[K entityKind] struct {
	uuid uuid.UUID
}

type (
	UserID       = ID[userKind]
	DocumentID   = ID[documentKind]
	SchemaID     = ID[schemaKind]
	FieldID      = ID[fieldKind]
	AnnotationID = ID[annotationKind]
	HistoryID    = ID[historyKind]
)

func newID[K entityKind]() ID[K] { return ID[K]{uuid: uuid.New()} }

func parseID[K entityKind](s string) (ID[K], error) {
	id, err := uuid.Parse(s)
	if err != nil {
		var k K
		return ID[K]{}, fmt.Errorf("invalid %s ID: %w", k.kindName(), err)
	}
	return ID[K]{uuid: id}, nil
}

func NewUserID() UserID             { return newID[userKind]() }
func NewDocumentID() DocumentID     { return newID[documentKind]() }
func NewSchemaID() SchemaID         { return newID[schemaKind]() }
func NewFieldID() FieldID           { return newID[fieldKind]() }
func NewAnnotationID() AnnotationID { return newID[annotationKind]() }
func NewHistoryID() HistoryID       { return newID[historyKind]() }

func ParseUserID(s string) (UserID, error)             { return parseID[userKind](s) }
func ParseDocumentID(s string) (DocumentID, error)     { return parseID[documentKind](s) }
func ParseSchemaID(s string) (SchemaID, error)         { return parseID[schemaKind](s) }
func ParseAnnotationID(s string) (AnnotationID, error) { return parseID[annotationKind](s) }

func (id ID[K]) UUID() uuid.UUID { return id.uuid }
func (id ID[K]) IsZero() bool    { return id.uuid == uuid.Nil }

// String returns the canonical UUID form, or "" for the zero ID so that
// unset references project as empty strings.
func (id ID[K]) String() string {
	if id.IsZero() {
		return ""
	}
	return id.uuid.String()
}

func (id ID[K]) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *ID[K]) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		id.uuid = uuid.Nil
		return nil
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	id.uuid = parsed
	return nil
}

func (id ID[K]) Value() (driver.Value, error) {
	if id.IsZero() {
		return nil, nil
	}
	return id.uuid.String(), nil
}

func (id *ID[K]) Scan(value any) error {
	return scanUUID(value, &id.uuid)
}

func (ID[K]) GormDataType() string { return "uuid" }

// idString renders an optional reference.
func idString[K entityKind](id *ID[K]) string {
	if id == nil {
		return ""
	}
	return id.String()
}

// scanUUID is a helper for scanning UUID values from the database
func scanUUID(value any, target *uuid.UUID) error {
	if value == nil {
		*target = uuid.Nil
		return nil
	}

	switch v := value.(type) {
	case string:
		id, err := uuid.Parse(v)
		if err != nil {
			return err
		}
		*target = id
	case []byte:
		id, err := uuid.ParseBytes(v)
		if err != nil {
			return err
		}
		*target = id
	default:
		return fmt.Errorf("cannot scan type %T into UUID", value)
	}
	return nil
}
