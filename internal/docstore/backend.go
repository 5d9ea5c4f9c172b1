package docstore

import "context"

// Backend persists documents for one Engine. Update runs fn inside a write
// transaction that is committed only when fn returns nil; writes to one
// backend are serialized.
type Backend interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(ReadTx) error) error
	Close() error
}

type ReadTx interface {
	// Get returns the current revision of id, including tombstones.
	Get(id string) (Doc, bool, error)
	// Scan visits every document, tombstones included, ordered by id.
	Scan(fn func(Doc) error) error
	// Since returns documents whose last update sequence is greater than
	// seq, ordered by sequence. limit <= 0 means no limit.
	Since(seq int64, limit int) ([]Doc, error)
	LastSeq() (int64, error)
	GetLocal(id string) (LocalDoc, bool, error)
}

type Tx interface {
	ReadTx
	// Put stores doc as the current revision of doc.ID under a freshly
	// assigned update sequence, which it returns.
	Put(doc Doc) (int64, error)
	PutLocal(doc LocalDoc) error
}
