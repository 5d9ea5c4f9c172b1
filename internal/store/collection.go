package store

import (
	"context"
	"encoding/json"
	"fmt"

	"retailsync/internal/docstore"
	"retailsync/internal/domain"
)

// Entity is satisfied by pointers to entity structs embedding domain.Meta.
type Entity[T any] interface {
	*T
	DocMeta() *domain.Meta
}

// Collection is the typed view of one entity store. Entities carry their key
// and revision in domain.Meta; the stored body holds everything else.
type Collection[T any, P Entity[T]] struct {
	name string
	repo *Repository
	db   *docstore.Engine
}

func newCollection[T any, P Entity[T]](repo *Repository, name string) *Collection[T, P] {
	return &Collection[T, P]{name: name, repo: repo, db: repo.stores[name]}
}

func (c *Collection[T, P]) Name() string {
	return c.name
}

func (c *Collection[T, P]) Engine() *docstore.Engine {
	return c.db
}

// List returns the branch's entities matching f, or every entity when
// branchID is empty.
func (c *Collection[T, P]) List(ctx context.Context, branchID string, f Filter) ([]T, error) {
	docs, err := c.repo.List(ctx, c.name, branchID, f)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, err := decode[T, P](doc)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Get returns the entity with id regardless of branch.
func (c *Collection[T, P]) Get(ctx context.Context, id string) (T, error) {
	doc, err := c.db.Get(ctx, id)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%s/%s: %w", c.name, id, err)
	}
	return decode[T, P](doc)
}

// GetInBranch returns the entity with id when it belongs to branchID.
func (c *Collection[T, P]) GetInBranch(ctx context.Context, branchID string, id string) (T, error) {
	doc, err := c.repo.Get(ctx, c.name, branchID, id)
	if err != nil {
		var zero T
		return zero, err
	}
	return decode[T, P](doc)
}

// Create stores a new entity. Its key must be set and its revision empty.
func (c *Collection[T, P]) Create(ctx context.Context, v T) (T, error) {
	if P(&v).DocMeta().Rev != "" {
		var zero T
		return zero, fmt.Errorf("%w: new %s must not carry a revision", ErrValidation, c.name)
	}
	return c.put(ctx, v)
}

// Update stores v over the revision it carries. A stale revision fails with
// ErrConflict.
func (c *Collection[T, P]) Update(ctx context.Context, v T) (T, error) {
	if P(&v).DocMeta().Rev == "" {
		var zero T
		return zero, fmt.Errorf("%w: rev is required to update %s", ErrConflict, c.name)
	}
	return c.put(ctx, v)
}

func (c *Collection[T, P]) Delete(ctx context.Context, id string, rev string) error {
	_, err := c.db.Remove(ctx, id, rev)
	return err
}

func (c *Collection[T, P]) put(ctx context.Context, v T) (T, error) {
	doc, err := encode[T, P](v)
	if err != nil {
		var zero T
		return zero, err
	}
	stored, err := c.db.Put(ctx, doc)
	if err != nil {
		var zero T
		return zero, err
	}
	meta := P(&v).DocMeta()
	meta.ID = stored.ID
	meta.Rev = stored.Rev
	return v, nil
}

func encode[T any, P Entity[T]](v T) (docstore.Doc, error) {
	meta := *P(&v).DocMeta()
	raw, err := json.Marshal(v)
	if err != nil {
		return docstore.Doc{}, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return docstore.Doc{}, err
	}
	delete(fields, "id")
	delete(fields, "rev")
	body, err := json.Marshal(fields)
	if err != nil {
		return docstore.Doc{}, err
	}
	return docstore.Doc{ID: meta.ID, Rev: meta.Rev, Body: body}, nil
}

func decode[T any, P Entity[T]](doc docstore.Doc) (T, error) {
	var v T
	if err := doc.Decode(&v); err != nil {
		return v, fmt.Errorf("decode %s: %w", doc.ID, err)
	}
	meta := P(&v).DocMeta()
	meta.ID = doc.ID
	meta.Rev = doc.Rev
	return v, nil
}
