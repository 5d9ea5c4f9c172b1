package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"retailsync/internal/docstore"
	"retailsync/internal/domain"
)

const returnStatusPrefix = "return-status/"

type returnStatus struct {
	SyncStatus string `json:"syncStatus"`
}

// ReturnSyncStatus reads the local-only sync status of a return. Returns
// written before status tracking existed, or pulled from another device,
// report synced.
func (r *Repository) ReturnSyncStatus(ctx context.Context, returnID string) (string, error) {
	doc, err := r.stores[domain.StoreReturns].GetLocal(ctx, returnStatusPrefix+returnID)
	if errors.Is(err, docstore.ErrNotFound) {
		return domain.SyncStatusSynced, nil
	}
	if err != nil {
		return "", err
	}
	var status returnStatus
	if err := json.Unmarshal(doc.Body, &status); err != nil {
		return "", fmt.Errorf("decode return status %s: %w", returnID, err)
	}
	return status.SyncStatus, nil
}

// SetReturnSyncStatus records the sync status of a return. The status only
// moves forward: once synced it is never set back to pending.
func (r *Repository) SetReturnSyncStatus(ctx context.Context, returnID string, status string) error {
	if status != domain.SyncStatusPending && status != domain.SyncStatusSynced {
		return fmt.Errorf("%w: unknown sync status %q", ErrValidation, status)
	}
	db := r.stores[domain.StoreReturns]
	id := returnStatusPrefix + returnID
	body, err := json.Marshal(returnStatus{SyncStatus: status})
	if err != nil {
		return err
	}

	for attempt := 0; attempt < maxCounterAttempts; attempt++ {
		current, err := db.GetLocal(ctx, id)
		switch {
		case errors.Is(err, docstore.ErrNotFound):
		case err != nil:
			return err
		default:
			var existing returnStatus
			if err := json.Unmarshal(current.Body, &existing); err == nil && existing.SyncStatus == domain.SyncStatusSynced {
				return nil
			}
		}
		_, err = db.PutLocal(ctx, docstore.LocalDoc{ID: id, Rev: current.Rev, Body: body})
		if errors.Is(err, docstore.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("set sync status of return %s: %w", returnID, ErrConflict)
}
