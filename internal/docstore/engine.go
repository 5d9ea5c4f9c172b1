package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"retailsync/internal/logger"
)

// Engine is a revisioned document store for one entity kind. It enforces
// optimistic concurrency on local edits, merges replicated revisions
// deterministically and publishes every committed change to subscribers.
type Engine struct {
	name      string
	backend   Backend
	revsLimit int
	log       zerolog.Logger

	mu      sync.Mutex
	closed  bool
	subs    map[int]func(Change)
	nextSub int
}

func New(name string, backend Backend) *Engine {
	return &Engine{
		name:      name,
		backend:   backend,
		revsLimit: DefaultRevsLimit,
		log:       logger.WithStore("docstore", name),
		subs:      make(map[int]func(Change)),
	}
}

func (e *Engine) Name() string {
	return e.name
}

// Get returns the current revision of a live document. Tombstones are
// reported as ErrNotFound.
func (e *Engine) Get(ctx context.Context, id string) (Doc, error) {
	var out Doc
	err := e.view(ctx, func(tx ReadTx) error {
		doc, ok, err := tx.Get(id)
		if err != nil {
			return err
		}
		if !ok || doc.Deleted {
			return ErrNotFound
		}
		out = doc.Clone()
		return nil
	})
	return out, err
}

// Put writes a new revision. doc.Rev must name the current revision, or be
// empty when the document does not exist (or was deleted); otherwise
// ErrConflict is returned and nothing is written.
func (e *Engine) Put(ctx context.Context, doc Doc) (Doc, error) {
	if err := validateID(doc.ID); err != nil {
		return Doc{}, err
	}
	body, err := normalizeBody(doc.Body)
	if err != nil {
		return Doc{}, err
	}
	if doc.Deleted {
		body = json.RawMessage("{}")
	}

	var written Doc
	err = e.update(ctx, func(tx Tx) error {
		cur, exists, err := tx.Get(doc.ID)
		if err != nil {
			return err
		}
		switch {
		case !exists:
			if doc.Rev != "" {
				return fmt.Errorf("%w: %s does not exist at rev %s", ErrConflict, doc.ID, doc.Rev)
			}
		case cur.Deleted:
			if doc.Deleted {
				return ErrNotFound
			}
			if doc.Rev != "" && doc.Rev != cur.Rev {
				return fmt.Errorf("%w: %s is at rev %s", ErrConflict, doc.ID, cur.Rev)
			}
		default:
			if doc.Rev != cur.Rev {
				return fmt.Errorf("%w: %s is at rev %s", ErrConflict, doc.ID, cur.Rev)
			}
		}

		next := Doc{ID: doc.ID, Deleted: doc.Deleted, Body: body}
		next.Rev = nextRev(cur.Rev, next.Deleted, body)
		next.Revisions = prependRev(next.Rev, cur.Revisions, e.revsLimit)
		seq, err := tx.Put(next)
		if err != nil {
			return err
		}
		next.Seq = seq
		written = next
		return nil
	})
	if err != nil {
		return Doc{}, err
	}
	e.publish([]Change{changeOf(written, false)})
	return written.Clone(), nil
}

// Remove writes a tombstone revision for id.
func (e *Engine) Remove(ctx context.Context, id string, rev string) (Doc, error) {
	if rev == "" {
		return Doc{}, fmt.Errorf("%w: rev is required to delete %s", ErrConflict, id)
	}
	return e.Put(ctx, Doc{ID: id, Rev: rev, Deleted: true})
}

// AllDocs returns every live document ordered by id.
func (e *Engine) AllDocs(ctx context.Context) ([]Doc, error) {
	out := make([]Doc, 0)
	err := e.view(ctx, func(tx ReadTx) error {
		return tx.Scan(func(doc Doc) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !doc.Deleted {
				out = append(out, doc.Clone())
			}
			return nil
		})
	})
	return out, err
}

// Changes returns the changes after since, oldest first.
func (e *Engine) Changes(ctx context.Context, since int64, limit int) (ChangesPage, error) {
	page := ChangesPage{Results: []Change{}, LastSeq: since}
	err := e.view(ctx, func(tx ReadTx) error {
		docs, err := tx.Since(since, limit)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			page.Results = append(page.Results, changeOf(doc, false))
			page.LastSeq = doc.Seq
		}
		return nil
	})
	return page, err
}

// RevsDiff returns, per document id, the revisions this store does not hold.
// Ids with nothing missing are omitted.
func (e *Engine) RevsDiff(ctx context.Context, revs map[string][]string) (map[string][]string, error) {
	missing := make(map[string][]string)
	err := e.view(ctx, func(tx ReadTx) error {
		for id, candidates := range revs {
			doc, exists, err := tx.Get(id)
			if err != nil {
				return err
			}
			for _, rev := range candidates {
				if exists && knowsRev(doc, rev) {
					continue
				}
				missing[id] = append(missing[id], rev)
			}
		}
		return nil
	})
	return missing, err
}

// BulkGet returns the current revision (tombstones included) of each id that
// exists. Unknown ids are skipped.
func (e *Engine) BulkGet(ctx context.Context, ids []string) ([]Doc, error) {
	out := make([]Doc, 0, len(ids))
	err := e.view(ctx, func(tx ReadTx) error {
		for _, id := range ids {
			doc, ok, err := tx.Get(id)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, doc.Clone())
			}
		}
		return nil
	})
	return out, err
}

// BulkDocs stores revisions produced elsewhere, keeping their revision
// tokens. A revision that descends from the current one replaces it; a
// divergent revision replaces it only when it wins. Per-document problems
// are reported in the results and do not abort the batch.
func (e *Engine) BulkDocs(ctx context.Context, docs []Doc) ([]BulkResult, error) {
	results := make([]BulkResult, 0, len(docs))
	var written []Change
	err := e.update(ctx, func(tx Tx) error {
		results = results[:0]
		written = written[:0]
		for _, in := range docs {
			res := BulkResult{ID: in.ID, Rev: in.Rev}
			doc, err := e.prepareReplicated(in)
			if err != nil {
				res.Err = err
				results = append(results, res)
				continue
			}

			cur, exists, err := tx.Get(doc.ID)
			if err != nil {
				return err
			}
			switch {
			case !exists:
			case knowsRev(cur, doc.Rev):
				results = append(results, res)
				continue
			case knowsRev(doc, cur.Rev):
			default:
				res.Conflict = true
				if !Wins(doc.Rev, cur.Rev) {
					e.log.Debug().Str("id", doc.ID).Str("kept", cur.Rev).Str("dropped", doc.Rev).Msg("replicated revision lost conflict")
					results = append(results, res)
					continue
				}
				e.log.Debug().Str("id", doc.ID).Str("kept", doc.Rev).Str("dropped", cur.Rev).Msg("replicated revision won conflict")
			}

			seq, err := tx.Put(doc)
			if err != nil {
				return err
			}
			doc.Seq = seq
			res.Written = true
			results = append(results, res)
			written = append(written, changeOf(doc, true))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(written)
	return results, nil
}

func (e *Engine) prepareReplicated(in Doc) (Doc, error) {
	if err := validateID(in.ID); err != nil {
		return Doc{}, err
	}
	if _, _, err := ParseRev(in.Rev); err != nil {
		return Doc{}, err
	}
	body, err := normalizeBody(in.Body)
	if err != nil {
		return Doc{}, err
	}
	doc := Doc{ID: in.ID, Rev: in.Rev, Deleted: in.Deleted, Body: body}
	if len(in.Revisions) == 0 || in.Revisions[0] != in.Rev {
		doc.Revisions = prependRev(in.Rev, in.Revisions, e.revsLimit)
	} else {
		doc.Revisions = prependRev(in.Revisions[0], in.Revisions[1:], e.revsLimit)
	}
	return doc, nil
}

// GetLocal reads a non-replicated document.
func (e *Engine) GetLocal(ctx context.Context, id string) (LocalDoc, error) {
	var out LocalDoc
	err := e.view(ctx, func(tx ReadTx) error {
		doc, ok, err := tx.GetLocal(id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		out = doc
		return nil
	})
	return out, err
}

// PutLocal writes a non-replicated document with the same revision check as
// Put. Local revisions are "0-<n>".
func (e *Engine) PutLocal(ctx context.Context, doc LocalDoc) (LocalDoc, error) {
	if strings.TrimSpace(doc.ID) == "" {
		return LocalDoc{}, fmt.Errorf("%w: missing local id", ErrInvalidDoc)
	}
	body, err := normalizeBody(doc.Body)
	if err != nil {
		return LocalDoc{}, err
	}

	var written LocalDoc
	err = e.update(ctx, func(tx Tx) error {
		cur, exists, err := tx.GetLocal(doc.ID)
		if err != nil {
			return err
		}
		if (exists && doc.Rev != cur.Rev) || (!exists && doc.Rev != "") {
			return fmt.Errorf("%w: local %s", ErrConflict, doc.ID)
		}
		n := 0
		if exists {
			n, _ = strconv.Atoi(strings.TrimPrefix(cur.Rev, "0-"))
		}
		written = LocalDoc{ID: doc.ID, Rev: "0-" + strconv.Itoa(n+1), Body: body}
		return tx.PutLocal(written)
	})
	if err != nil {
		return LocalDoc{}, err
	}
	return written, nil
}

func (e *Engine) Info(ctx context.Context) (Info, error) {
	info := Info{Name: e.name}
	err := e.view(ctx, func(tx ReadTx) error {
		seq, err := tx.LastSeq()
		if err != nil {
			return err
		}
		info.UpdateSeq = seq
		return tx.Scan(func(doc Doc) error {
			if !doc.Deleted {
				info.DocCount++
			}
			return nil
		})
	})
	return info, err
}

// Subscribe registers fn for every committed change. fn runs synchronously
// on the writer's goroutine and must not block or write to this store.
func (e *Engine) Subscribe(fn func(Change)) func() {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.subs = make(map[int]func(Change))
	e.mu.Unlock()
	return e.backend.Close()
}

func (e *Engine) publish(changes []Change) {
	if len(changes) == 0 {
		return
	}
	e.mu.Lock()
	subs := make([]func(Change), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()

	for _, change := range changes {
		for _, fn := range subs {
			fn(change)
		}
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) view(ctx context.Context, fn func(ReadTx) error) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.backend.View(ctx, fn)
}

func (e *Engine) update(ctx context.Context, fn func(Tx) error) error {
	if e.isClosed() {
		return ErrClosed
	}
	err := e.backend.Update(ctx, fn)
	if err != nil && !errors.Is(err, ErrConflict) && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidDoc) {
		e.log.Error().Err(err).Msg("write failed")
	}
	return err
}

func changeOf(doc Doc, replicated bool) Change {
	return Change{Seq: doc.Seq, ID: doc.ID, Rev: doc.Rev, Deleted: doc.Deleted, Replicated: replicated}
}
