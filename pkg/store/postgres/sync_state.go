package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/surrealdb/annosync/pkg/models"
)

// MarkSyncState records a failed or skipped propagation. Attempts are added
// to those of an existing row.
// This runs outside the transaction of the write it describes, which has
// already committed.
func (s *PostgresStore) MarkSyncState(ctx context.Context, state *models.SyncState) error {
	return s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.SyncState
		err := tx.Where("kind = ? AND entity_id = ?", state.Kind, state.EntityID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(state).Error
		}
		if err != nil {
			return err
		}
		existing.DocumentID = state.DocumentID
		existing.Operation = state.Operation
		existing.MarkError(state.Status, state.LastError, state.Attempts)
		if state.Status == models.SyncInSync {
			existing.MarkSynced(time.Now())
		}
		if err := tx.Save(&existing).Error; err != nil {
			return fmt.Errorf("failed to record sync state: %w", err)
		}
		*state = existing
		return nil
	})
}

func (s *PostgresStore) MarkSynced(ctx context.Context, kind models.EntityKind, entityID string) error {
	return s.markSynced(ctx, "kind = ? AND entity_id = ?", kind, entityID)
}

func (s *PostgresStore) MarkDocumentSynced(ctx context.Context, documentID string) error {
	return s.markSynced(ctx, "document_id = ?", documentID)
}

func (s *PostgresStore) markSynced(ctx context.Context, query string, args ...any) error {
	now := time.Now()
	return s.getDB(ctx).Model(&models.SyncState{}).
		Where(query, args...).
		Where("status <> ?", models.SyncInSync).
		Updates(map[string]any{
			"status":     models.SyncInSync,
			"last_error": "",
			"synced_at":  now,
			"updated_at": now,
		}).Error
}

// ListSyncStates returns rows with the given status, oldest first. An empty
// status returns every row that is not in-sync.
func (s *PostgresStore) ListSyncStates(ctx context.Context, status models.SyncStatus) ([]*models.SyncState, error) {
	var states []*models.SyncState
	query := s.getDB(ctx).Order("updated_at ASC, id ASC")
	if status == "" {
		query = query.Where("status <> ?", models.SyncInSync)
	} else {
		query = query.Where("status = ?", status)
	}
	if err := query.Find(&states).Error; err != nil {
		return nil, fmt.Errorf("failed to list sync states: %w", err)
	}
	return states, nil
}

func (s *PostgresStore) CountSyncStates(ctx context.Context) (map[models.SyncStatus]int, error) {
	var rows []struct {
		Status models.SyncStatus
		N      int
	}
	err := s.getDB(ctx).Model(&models.SyncState{}).
		Select("status, count(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count sync states: %w", err)
	}
	counts := map[models.SyncStatus]int{
		models.SyncInSync:  0,
		models.SyncPending: 0,
		models.SyncFailed:  0,
	}
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
