package memory

import (
	"context"
	"sort"
	"sync"

	"retailsync/internal/docstore"
)

// Backend keeps documents in process memory. It backs tests and the
// in-memory driver; nothing survives a restart.
type Backend struct {
	mu    sync.RWMutex
	docs  map[string]docstore.Doc
	local map[string]docstore.LocalDoc
	seq   int64
}

func New() *Backend {
	return &Backend{
		docs:  make(map[string]docstore.Doc),
		local: make(map[string]docstore.LocalDoc),
	}
}

// NewEngine is a shortcut for an engine over a fresh memory backend.
func NewEngine(name string) *docstore.Engine {
	return docstore.New(name, New())
}

func (b *Backend) Update(ctx context.Context, fn func(docstore.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tx := &tx{
		b:      b,
		seq:    b.seq,
		staged: make(map[string]docstore.Doc),
		local:  make(map[string]docstore.LocalDoc),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for id, doc := range tx.staged {
		b.docs[id] = doc
	}
	for id, doc := range tx.local {
		b.local[id] = doc
	}
	b.seq = tx.seq
	return nil
}

func (b *Backend) View(ctx context.Context, fn func(docstore.ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fn(&tx{b: b, seq: b.seq})
}

func (b *Backend) Close() error {
	return nil
}

type tx struct {
	b      *Backend
	seq    int64
	staged map[string]docstore.Doc
	local  map[string]docstore.LocalDoc
}

func (t *tx) Get(id string) (docstore.Doc, bool, error) {
	if doc, ok := t.staged[id]; ok {
		return doc.Clone(), true, nil
	}
	doc, ok := t.b.docs[id]
	if !ok {
		return docstore.Doc{}, false, nil
	}
	return doc.Clone(), true, nil
}

func (t *tx) all() map[string]docstore.Doc {
	if len(t.staged) == 0 {
		return t.b.docs
	}
	merged := make(map[string]docstore.Doc, len(t.b.docs)+len(t.staged))
	for id, doc := range t.b.docs {
		merged[id] = doc
	}
	for id, doc := range t.staged {
		merged[id] = doc
	}
	return merged
}

func (t *tx) Scan(fn func(docstore.Doc) error) error {
	docs := t.all()
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := fn(docs[id].Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) Since(seq int64, limit int) ([]docstore.Doc, error) {
	out := make([]docstore.Doc, 0)
	for _, doc := range t.all() {
		if doc.Seq > seq {
			out = append(out, doc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Seq < out[j].Seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) LastSeq() (int64, error) {
	return t.seq, nil
}

func (t *tx) GetLocal(id string) (docstore.LocalDoc, bool, error) {
	if doc, ok := t.local[id]; ok {
		return doc, true, nil
	}
	doc, ok := t.b.local[id]
	return doc, ok, nil
}

func (t *tx) Put(doc docstore.Doc) (int64, error) {
	t.seq++
	stored := doc.Clone()
	stored.Seq = t.seq
	t.staged[doc.ID] = stored
	return t.seq, nil
}

func (t *tx) PutLocal(doc docstore.LocalDoc) error {
	doc.Body = append([]byte(nil), doc.Body...)
	t.local[doc.ID] = doc
	return nil
}
