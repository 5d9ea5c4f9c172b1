package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"retailsync/internal/docstore"
)

// DB is a postgres pool shared by every replica database it serves. Each
// named database is a docstore.Backend obtained from Backend.
type DB struct {
	db *sql.DB
}

func Open(ctx context.Context, databaseURL string) (*DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	out := &DB{db: db}
	if err := out.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate replica schema: %w", err)
	}
	return out, nil
}

func (d *DB) migrate(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS replica_docs (
			db TEXT NOT NULL,
			id TEXT NOT NULL,
			rev TEXT NOT NULL,
			deleted BOOLEAN NOT NULL DEFAULT false,
			revisions TEXT NOT NULL,
			body BYTEA NOT NULL,
			seq BIGINT NOT NULL,
			PRIMARY KEY (db, id)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS replica_docs_seq_idx ON replica_docs (db, seq);
		CREATE TABLE IF NOT EXISTS replica_local_docs (
			db TEXT NOT NULL,
			id TEXT NOT NULL,
			rev TEXT NOT NULL,
			body BYTEA NOT NULL,
			PRIMARY KEY (db, id)
		);
	`)
	if isDuplicateObject(err) {
		// Two replicas racing CREATE ... IF NOT EXISTS on first boot.
		return nil
	}
	return err
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Backend returns the backend of the named replica database.
func (d *DB) Backend(name string) *Backend {
	return &Backend{db: d.db, name: name}
}

type Backend struct {
	db   *sql.DB
	name string
}

// Update serializes writers of one database with a transaction-scoped
// advisory lock so update sequences become visible in order.
func (b *Backend) Update(ctx context.Context, fn func(docstore.Tx) error) error {
	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, b.name); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := fn(&tx{ctx: ctx, q: sqlTx, name: b.name}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

func (b *Backend) View(ctx context.Context, fn func(docstore.ReadTx) error) error {
	sqlTx, err := b.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()
	return fn(&tx{ctx: ctx, q: sqlTx, name: b.name})
}

// Close is a no-op; the pool belongs to DB.
func (b *Backend) Close() error {
	return nil
}

type tx struct {
	ctx  context.Context
	q    *sql.Tx
	name string
}

const docColumns = `id, rev, deleted, revisions, body, seq`

func scanDoc(row interface{ Scan(...any) error }) (docstore.Doc, error) {
	var (
		doc       docstore.Doc
		revisions string
		body      []byte
	)
	if err := row.Scan(&doc.ID, &doc.Rev, &doc.Deleted, &revisions, &body, &doc.Seq); err != nil {
		return docstore.Doc{}, err
	}
	doc.Body = body
	if err := json.Unmarshal([]byte(revisions), &doc.Revisions); err != nil {
		return docstore.Doc{}, fmt.Errorf("decode revisions of %s: %w", doc.ID, err)
	}
	return doc, nil
}

func (t *tx) Get(id string) (docstore.Doc, bool, error) {
	row := t.q.QueryRowContext(t.ctx, `SELECT `+docColumns+` FROM replica_docs WHERE db = $1 AND id = $2`, t.name, id)
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
	docs, err := t.query(`SELECT `+docColumns+` FROM replica_docs WHERE db = $1 ORDER BY id`, t.name)
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
		return t.query(`SELECT `+docColumns+` FROM replica_docs WHERE db = $1 AND seq > $2 ORDER BY seq`, t.name, seq)
	}
	return t.query(`SELECT `+docColumns+` FROM replica_docs WHERE db = $1 AND seq > $2 ORDER BY seq LIMIT $3`, t.name, seq, limit)
}

func (t *tx) LastSeq() (int64, error) {
	var seq int64
	err := t.q.QueryRowContext(t.ctx, `SELECT COALESCE(MAX(seq), 0) FROM replica_docs WHERE db = $1`, t.name).Scan(&seq)
	return seq, err
}

func (t *tx) GetLocal(id string) (docstore.LocalDoc, bool, error) {
	doc := docstore.LocalDoc{ID: id}
	var body []byte
	err := t.q.QueryRowContext(t.ctx, `SELECT rev, body FROM replica_local_docs WHERE db = $1 AND id = $2`, t.name, id).Scan(&doc.Rev, &body)
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
	_, err = t.q.ExecContext(t.ctx, `
		INSERT INTO replica_docs (db, id, rev, deleted, revisions, body, seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (db, id) DO UPDATE SET
			rev = EXCLUDED.rev,
			deleted = EXCLUDED.deleted,
			revisions = EXCLUDED.revisions,
			body = EXCLUDED.body,
			seq = EXCLUDED.seq
	`, t.name, doc.ID, doc.Rev, doc.Deleted, string(revisions), []byte(doc.Body), seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (t *tx) PutLocal(doc docstore.LocalDoc) error {
	_, err := t.q.ExecContext(t.ctx, `
		INSERT INTO replica_local_docs (db, id, rev, body) VALUES ($1, $2, $3, $4)
		ON CONFLICT (db, id) DO UPDATE SET rev = EXCLUDED.rev, body = EXCLUDED.body
	`, t.name, doc.ID, doc.Rev, []byte(doc.Body))
	return err
}

func isDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" || pgErr.Code == "42P07"
}
