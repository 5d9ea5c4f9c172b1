package sqlite

import (
	"context"
	"encoding/json"
	"testing"

	"retailsync/internal/docstore"
	"retailsync/internal/docstore/docstoretest"
)

func TestBackend(t *testing.T) {
	docstoretest.Run(t, func(t *testing.T) docstore.Backend {
		b, err := OpenDir(context.Background(), t.TempDir(), "items")
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestDocumentsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := OpenDir(ctx, dir, "branches")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	e := docstore.New("branches", b)
	put, err := e.Put(ctx, docstore.Doc{ID: "branch-1", Body: json.RawMessage(`{"name":"Downtown"}`)})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err = OpenDir(ctx, dir, "branches")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	e = docstore.New("branches", b)
	t.Cleanup(func() { _ = e.Close() })

	got, err := e.Get(ctx, "branch-1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Rev != put.Rev {
		t.Fatalf("expected rev %s after reopen, got %s", put.Rev, got.Rev)
	}
	info, err := e.Info(ctx)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.DocCount != 1 || info.UpdateSeq != 1 {
		t.Fatalf("unexpected info %+v", info)
	}
}
