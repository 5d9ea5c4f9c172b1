package store

import (
	"context"
	"fmt"

	"retailsync/internal/docstore"
	"retailsync/internal/domain"
)

// Filter narrows a branch-scoped listing. Empty fields do not filter.
type Filter struct {
	DepartmentID string
	CategoryID   string
	// ExcludeOrphans drops documents whose branchId no longer resolves to a
	// live branch. An explicitly requested branchId is never dropped.
	ExcludeOrphans bool
}

type scope struct {
	BranchID     string `json:"branchId"`
	DepartmentID string `json:"departmentId"`
	CategoryID   string `json:"categoryId"`
}

// List scans every live document of the named store and keeps those in
// branchID (all branches when empty) that match f. Results are ordered by
// document id. A missing branch is not an error; it yields an empty list.
func (r *Repository) List(ctx context.Context, storeName string, branchID string, f Filter) ([]docstore.Doc, error) {
	db, err := r.Store(storeName)
	if err != nil {
		return nil, err
	}
	docs, err := db.AllDocs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", storeName, err)
	}

	var live map[string]bool
	if f.ExcludeOrphans && branchID == "" && storeName != domain.StoreBranches {
		if live, err = r.liveBranches(ctx); err != nil {
			return nil, err
		}
	}

	out := make([]docstore.Doc, 0, len(docs))
	for _, doc := range docs {
		var s scope
		if err := doc.Decode(&s); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", storeName, doc.ID, err)
		}
		if !s.matches(branchID, f, live) {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

// Get returns one document of the named store, reporting ErrNotFound when it
// is missing or belongs to another branch. An empty branchID skips the
// branch check.
func (r *Repository) Get(ctx context.Context, storeName string, branchID string, id string) (docstore.Doc, error) {
	db, err := r.Store(storeName)
	if err != nil {
		return docstore.Doc{}, err
	}
	doc, err := db.Get(ctx, id)
	if err != nil {
		return docstore.Doc{}, fmt.Errorf("%s/%s: %w", storeName, id, err)
	}
	if branchID == "" {
		return doc, nil
	}
	var s scope
	if err := doc.Decode(&s); err != nil {
		return docstore.Doc{}, fmt.Errorf("decode %s/%s: %w", storeName, id, err)
	}
	if s.BranchID != branchID {
		return docstore.Doc{}, fmt.Errorf("%s/%s in branch %s: %w", storeName, id, branchID, ErrNotFound)
	}
	return doc, nil
}

func (s scope) matches(branchID string, f Filter, live map[string]bool) bool {
	if branchID != "" && s.BranchID != branchID {
		return false
	}
	if f.DepartmentID != "" && s.DepartmentID != f.DepartmentID {
		return false
	}
	if f.CategoryID != "" && s.CategoryID != f.CategoryID {
		return false
	}
	if live != nil && s.BranchID != "" && !live[s.BranchID] {
		return false
	}
	return true
}

func (r *Repository) liveBranches(ctx context.Context) (map[string]bool, error) {
	branches, err := r.stores[domain.StoreBranches].AllDocs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	live := make(map[string]bool, len(branches))
	for _, b := range branches {
		live[b.ID] = true
	}
	return live, nil
}
