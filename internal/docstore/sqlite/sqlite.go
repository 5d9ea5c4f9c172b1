package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"retailsync/internal/docstore"
)

type Config struct {
	Path        string
	JournalMode string
	Synchronous string
	BusyTimeout int // milliseconds
}

func DefaultConfig(path string) Config {
	return Config{
		Path:        path,
		JournalMode: "WAL",
		Synchronous: "NORMAL",
		BusyTimeout: 5000,
	}
}

// Backend stores one entity kind in one SQLite file.
type Backend struct {
	db *sql.DB
}

// OpenDir opens (or creates) <dir>/<name>.db.
func OpenDir(ctx context.Context, dir string, name string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return Open(ctx, DefaultConfig(filepath.Join(dir, name+".db")))
}

func Open(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.Synchronous == "" {
		cfg.Synchronous = "NORMAL"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5000
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(%s)&_pragma=synchronous(%s)&_txlock=immediate",
		cfg.Path, cfg.BusyTimeout, cfg.JournalMode, cfg.Synchronous)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One connection: the engine relies on writes being serialized.
	db.SetMaxOpenConns(1)

	b := &Backend{db: db}
	if err := b.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return b, nil
}

func (b *Backend) initSchema(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS docs (
			id TEXT PRIMARY KEY,
			rev TEXT NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			revisions TEXT NOT NULL,
			body BLOB NOT NULL,
			seq INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS docs_seq_idx ON docs (seq);
		CREATE TABLE IF NOT EXISTS local_docs (
			id TEXT PRIMARY KEY,
			rev TEXT NOT NULL,
			body BLOB NOT NULL
		);
	`)
	return err
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) Update(ctx context.Context, fn func(docstore.Tx) error) error {
	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&tx{ctx: ctx, q: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

func (b *Backend) View(ctx context.Context, fn func(docstore.ReadTx) error) error {
	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()
	return fn(&tx{ctx: ctx, q: sqlTx})
}

type tx struct {
	ctx context.Context
	q   *sql.Tx
}

const docColumns = `id, rev, deleted, revisions, body, seq`

func scanDoc(row interface{ Scan(...any) error }) (docstore.Doc, error) {
	var (
		doc       docstore.Doc
		deleted   int
		revisions string
		body      []byte
	)
	if err := row.Scan(&doc.ID, &doc.Rev, &deleted, &revisions, &body, &doc.Seq); err != nil {
		return docstore.Doc{}, err
	}
	doc.Deleted = deleted != 0
	doc.Body = body
	if err := json.Unmarshal([]byte(revisions), &doc.Revisions); err != nil {
		return docstore.Doc{}, fmt.Errorf("decode revisions of %s: %w", doc.ID, err)
	}
	return doc, nil
}

func (t *tx) Get(id string) (docstore.Doc, bool, error) {
	row := t.q.QueryRowContext(t.ctx, `SELECT `+docColumns+` FROM docs WHERE id = ?`, id)
	doc, err := scanDoc(row)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.Doc{}, false, nil
	}
	if err != nil {
		return docstore.Doc{}, false, err
	}
	return doc, true, nil
}

func (t *tx) query(query string, args ...any) ([]docstore.Doc, error) {
	rows, err := t.q.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]docstore.Doc, 0)
	for rows.Next() {
		doc, err := scanDoc(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (t *tx) Scan(fn func(docstore.Doc) error) error {
	docs, err := t.query(`SELECT ` + docColumns + ` FROM docs ORDER BY id`)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) Since(seq int64, limit int) ([]docstore.Doc, error) {
	if limit <= 0 {
		limit = -1
	}
	return t.query(`SELECT `+docColumns+` FROM docs WHERE seq > ? ORDER BY seq LIMIT ?`, seq, limit)
}

func (t *tx) LastSeq() (int64, error) {
	var seq int64
	err := t.q.QueryRowContext(t.ctx, `SELECT COALESCE(MAX(seq), 0) FROM docs`).Scan(&seq)
	return seq, err
}

func (t *tx) GetLocal(id string) (docstore.LocalDoc, bool, error) {
	doc := docstore.LocalDoc{ID: id}
	var body []byte
	err := t.q.QueryRowContext(t.ctx, `SELECT rev, body FROM local_docs WHERE id = ?`, id).Scan(&doc.Rev, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.LocalDoc{}, false, nil
	}
	if err != nil {
		return docstore.LocalDoc{}, false, err
	}
	doc.Body = body
	return doc, true, nil
}

func (t *tx) Put(doc docstore.Doc) (int64, error) {
	seq, err := t.LastSeq()
	if err != nil {
		return 0, err
	}
	seq++
	revisions, err := json.Marshal(doc.Revisions)
	if err != nil {
		return 0, err
	}
	deleted := 0
	if doc.Deleted {
		deleted = 1
	}
	_, err = t.q.ExecContext(t.ctx, `
		INSERT INTO docs (id, rev, deleted, revisions, body, seq)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			rev = excluded.rev,
			deleted = excluded.deleted,
			revisions = excluded.revisions,
			body = excluded.body,
			seq = excluded.seq
	`, doc.ID, doc.Rev, deleted, string(revisions), []byte(doc.Body), seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (t *tx) PutLocal(doc docstore.LocalDoc) error {
	_, err := t.q.ExecContext(t.ctx, `
		INSERT INTO local_docs (id, rev, body) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET rev = excluded.rev, body = excluded.body
	`, doc.ID, doc.Rev, []byte(doc.Body))
	return err
}
