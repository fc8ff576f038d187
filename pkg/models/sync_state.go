package models

import (
	"time"
)

// ChangeOperation is the kind of a committed primary mutation.
type ChangeOperation string

const (
	ChangeOperationCreate ChangeOperation = "CREATE"
	ChangeOperationUpdate ChangeOperation = "UPDATE"
	ChangeOperationDelete ChangeOperation = "DELETE"
)

// EntityKind names a primary record kind and its projection collection.
type EntityKind string

const (
	KindDocument   EntityKind = "document"
	KindSchema     EntityKind = "schema"
	KindAnnotation EntityKind = "annotation"
	KindHistory    EntityKind = "history"
)

// EntityKinds lists all kinds in dependency order.
var EntityKinds = []EntityKind{KindDocument, KindSchema, KindAnnotation, KindHistory}

// SyncStatus is the propagation status of a primary record.
type SyncStatus string

const (
	// SyncInSync means the last propagation, or repair, succeeded.
	SyncInSync SyncStatus = "in_sync"
	// SyncPending means the document store was unreachable when the record
	// changed, so no write was attempted.
	SyncPending SyncStatus = "pending"
	// SyncFailed means writes were attempted and every retry failed.
	SyncFailed SyncStatus = "failed"
)

// SyncState tracks records whose projection may be stale.
//
// A row is written only when propagation does not succeed. Later successful
// propagation or an auditor repair moves it back to in-sync, so a record
// without a row, or with an in-sync row, is considered synchronized.
type SyncState struct {
	ID         uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Kind       EntityKind      `gorm:"not null;uniqueIndex:idx_sync_entity" json:"kind"`
	EntityID   string          `gorm:"not null;uniqueIndex:idx_sync_entity" json:"entity_id"`
	DocumentID string          `gorm:"not null;index" json:"document_id"`
	Operation  ChangeOperation `gorm:"not null" json:"operation"`
	Status     SyncStatus      `gorm:"not null;index" json:"status"`
	LastError  string          `gorm:"type:text" json:"last_error,omitempty"`
	Attempts   int             `gorm:"default:0" json:"attempts"`
	UpdatedAt  time.Time       `json:"updated_at"`
	SyncedAt   *time.Time      `json:"synced_at,omitempty"`
}

// TableName returns the table name for the sync state model
func (SyncState) TableName() string {
	return "sync_states"
}

// IsSynced returns true if the record needs no repair.
func (s *SyncState) IsSynced() bool {
	return s.Status == SyncInSync
}

// MarkSynced clears the error and records when the projection caught up.
func (s *SyncState) MarkSynced(at time.Time) {
	s.Status = SyncInSync
	s.LastError = ""
	s.SyncedAt = &at
}

// MarkError records a failed or skipped propagation.
func (s *SyncState) MarkError(status SyncStatus, errorMsg string, attempts int) {
	s.Status = status
	s.LastError = errorMsg
	s.Attempts += attempts
}
