package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"retailsync/internal/docstore"
	"retailsync/internal/domain"
)

const (
	salesCounterPrefix = "sales-counter/"
	maxCounterAttempts = 10
)

type salesCounter struct {
	Last int64 `json:"last"`
}

// NextSalesID allocates the next sales number of a branch. It takes the
// larger of the highest salesId already in the transactions store (which
// includes replicated sales from other devices) and the branch counter, adds
// one and advances the counter with a revision check. Concurrent callers in
// this process therefore never receive the same number; devices that
// allocate while disconnected from each other still can.
func (r *Repository) NextSalesID(ctx context.Context, branchID string) (string, error) {
	if branchID == "" {
		return "", fmt.Errorf("%w: branchId is required", ErrValidation)
	}
	db := r.stores[domain.StoreTransactions]
	counterID := salesCounterPrefix + branchID

	for attempt := 0; attempt < maxCounterAttempts; attempt++ {
		scanned, err := r.maxSalesID(ctx, branchID)
		if err != nil {
			return "", err
		}

		var counter salesCounter
		current, err := db.GetLocal(ctx, counterID)
		switch {
		case errors.Is(err, docstore.ErrNotFound):
		case err != nil:
			return "", err
		default:
			if err := json.Unmarshal(current.Body, &counter); err != nil {
				return "", fmt.Errorf("decode sales counter %s: %w", branchID, err)
			}
		}

		next := max(scanned, counter.Last) + 1
		body, err := json.Marshal(salesCounter{Last: next})
		if err != nil {
			return "", err
		}
		_, err = db.PutLocal(ctx, docstore.LocalDoc{ID: counterID, Rev: current.Rev, Body: body})
		if errors.Is(err, docstore.ErrConflict) {
			continue
		}
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(next, 10), nil
	}
	return "", fmt.Errorf("allocate sales id for branch %s: %w", branchID, ErrConflict)
}

func (r *Repository) maxSalesID(ctx context.Context, branchID string) (int64, error) {
	docs, err := r.List(ctx, domain.StoreTransactions, branchID, Filter{})
	if err != nil {
		return 0, err
	}
	var highest int64
	for _, doc := range docs {
		var tx struct {
			SalesID string `json:"salesId"`
		}
		if err := doc.Decode(&tx); err != nil {
			return 0, fmt.Errorf("decode transaction %s: %w", doc.ID, err)
		}
		n, err := strconv.ParseInt(tx.SalesID, 10, 64)
		if err != nil {
			continue
		}
		highest = max(highest, n)
	}
	return highest, nil
}
