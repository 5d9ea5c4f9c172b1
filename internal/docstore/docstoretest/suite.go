// Package docstoretest checks that a docstore.Backend behaves the way the
// engine expects. Backend packages call Run from their own tests.
package docstoretest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"retailsync/internal/docstore"
)

// Run exercises an engine over backends produced by open.
func Run(t *testing.T, open func(t *testing.T) docstore.Backend) {
	t.Helper()

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		e := docstore.New("items", open(t))
		ctx := context.Background()

		put, err := e.Put(ctx, docstore.Doc{ID: "item-1", Body: json.RawMessage(`{"name":"Rice 5kg","branchId":"b1"}`)})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		got, err := e.Get(ctx, "item-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Rev != put.Rev {
			t.Fatalf("expected rev %s, got %s", put.Rev, got.Rev)
		}
		var body map[string]string
		if err := got.Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["name"] != "Rice 5kg" || body["branchId"] != "b1" {
			t.Fatalf("unexpected body %v", body)
		}
	})

	t.Run("StaleRevisionConflicts", func(t *testing.T) {
		e := docstore.New("items", open(t))
		ctx := context.Background()

		first, err := e.Put(ctx, docstore.Doc{ID: "item-1", Body: json.RawMessage(`{"qty":"1"}`)})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		if _, err := e.Put(ctx, docstore.Doc{ID: "item-1", Rev: first.Rev, Body: json.RawMessage(`{"qty":"2"}`)}); err != nil {
			t.Fatalf("second put: %v", err)
		}
		_, err = e.Put(ctx, docstore.Doc{ID: "item-1", Rev: first.Rev, Body: json.RawMessage(`{"qty":"3"}`)})
		if !errors.Is(err, docstore.ErrConflict) {
			t.Fatalf("expected ErrConflict for stale rev, got %v", err)
		}
		if _, err := e.Put(ctx, docstore.Doc{ID: "item-1", Body: json.RawMessage(`{}`)}); !errors.Is(err, docstore.ErrConflict) {
			t.Fatalf("expected ErrConflict for missing rev, got %v", err)
		}
	})

	t.Run("RemoveLeavesTombstoneInChanges", func(t *testing.T) {
		e := docstore.New("items", open(t))
		ctx := context.Background()

		doc, err := e.Put(ctx, docstore.Doc{ID: "item-1", Body: json.RawMessage(`{}`)})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		if _, err := e.Remove(ctx, "item-1", doc.Rev); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if _, err := e.Get(ctx, "item-1"); !errors.Is(err, docstore.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after remove, got %v", err)
		}
		all, err := e.AllDocs(ctx)
		if err != nil {
			t.Fatalf("all docs: %v", err)
		}
		if len(all) != 0 {
			t.Fatalf("expected no live docs, got %d", len(all))
		}
		page, err := e.Changes(ctx, 0, 0)
		if err != nil {
			t.Fatalf("changes: %v", err)
		}
		if len(page.Results) != 1 || !page.Results[0].Deleted {
			t.Fatalf("expected one deleted change, got %+v", page.Results)
		}
	})

	t.Run("ChangesAreOrderedAndPaged", func(t *testing.T) {
		e := docstore.New("items", open(t))
		ctx := context.Background()

		for _, id := range []string{"c", "a", "b"} {
			if _, err := e.Put(ctx, docstore.Doc{ID: id, Body: json.RawMessage(`{}`)}); err != nil {
				t.Fatalf("put %s: %v", id, err)
			}
		}
		page, err := e.Changes(ctx, 0, 2)
		if err != nil {
			t.Fatalf("changes: %v", err)
		}
		if len(page.Results) != 2 || page.Results[0].ID != "c" || page.Results[1].ID != "a" {
			t.Fatalf("unexpected first page %+v", page.Results)
		}
		next, err := e.Changes(ctx, page.LastSeq, 2)
		if err != nil {
			t.Fatalf("changes: %v", err)
		}
		if len(next.Results) != 1 || next.Results[0].ID != "b" {
			t.Fatalf("unexpected second page %+v", next.Results)
		}
	})

	t.Run("BulkDocsKeepsRevisionsAndResolvesConflicts", func(t *testing.T) {
		src := docstore.New("items", open(t))
		dst := docstore.New("items", open(t))
		ctx := context.Background()

		base, err := src.Put(ctx, docstore.Doc{ID: "item-1", Body: json.RawMessage(`{"v":1}`)})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		results, err := dst.BulkDocs(ctx, []docstore.Doc{base})
		if err != nil || len(results) != 1 || !results[0].Written {
			t.Fatalf("expected replicated write, got %+v err=%v", results, err)
		}
		results, err = dst.BulkDocs(ctx, []docstore.Doc{base})
		if err != nil || results[0].Written {
			t.Fatalf("expected known revision to be skipped, got %+v err=%v", results, err)
		}

		a, err := src.Put(ctx, docstore.Doc{ID: "item-1", Rev: base.Rev, Body: json.RawMessage(`{"v":"a"}`)})
		if err != nil {
			t.Fatalf("put a: %v", err)
		}
		b, err := dst.Put(ctx, docstore.Doc{ID: "item-1", Rev: base.Rev, Body: json.RawMessage(`{"v":"b"}`)})
		if err != nil {
			t.Fatalf("put b: %v", err)
		}
		results, err = dst.BulkDocs(ctx, []docstore.Doc{a})
		if err != nil || !results[0].Conflict {
			t.Fatalf("expected conflict result, got %+v err=%v", results, err)
		}
		got, err := dst.Get(ctx, "item-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		want := b.Rev
		if docstore.Wins(a.Rev, b.Rev) {
			want = a.Rev
		}
		if got.Rev != want {
			t.Fatalf("expected winner %s, got %s", want, got.Rev)
		}
	})

	t.Run("RevsDiffReportsMissing", func(t *testing.T) {
		e := docstore.New("items", open(t))
		ctx := context.Background()

		doc, err := e.Put(ctx, docstore.Doc{ID: "item-1", Body: json.RawMessage(`{}`)})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		missing, err := e.RevsDiff(ctx, map[string][]string{
			"item-1": {doc.Rev, "9-abc"},
			"item-2": {"1-def"},
		})
		if err != nil {
			t.Fatalf("revs diff: %v", err)
		}
		if len(missing["item-1"]) != 1 || missing["item-1"][0] != "9-abc" {
			t.Fatalf("unexpected missing for item-1: %v", missing["item-1"])
		}
		if len(missing["item-2"]) != 1 {
			t.Fatalf("expected item-2 missing, got %v", missing)
		}
	})

	t.Run("LocalDocsUseRevisions", func(t *testing.T) {
		e := docstore.New("transactions", open(t))
		ctx := context.Background()

		first, err := e.PutLocal(ctx, docstore.LocalDoc{ID: "counter/b1", Body: json.RawMessage(`{"last":1}`)})
		if err != nil {
			t.Fatalf("put local: %v", err)
		}
		if _, err := e.PutLocal(ctx, docstore.LocalDoc{ID: "counter/b1", Body: json.RawMessage(`{"last":2}`)}); !errors.Is(err, docstore.ErrConflict) {
			t.Fatalf("expected ErrConflict without rev, got %v", err)
		}
		second, err := e.PutLocal(ctx, docstore.LocalDoc{ID: "counter/b1", Rev: first.Rev, Body: json.RawMessage(`{"last":2}`)})
		if err != nil {
			t.Fatalf("put local with rev: %v", err)
		}
		got, err := e.GetLocal(ctx, "counter/b1")
		if err != nil {
			t.Fatalf("get local: %v", err)
		}
		if got.Rev != second.Rev || string(got.Body) != `{"last":2}` {
			t.Fatalf("unexpected local doc %+v", got)
		}
		page, err := e.Changes(ctx, 0, 0)
		if err != nil {
			t.Fatalf("changes: %v", err)
		}
		if len(page.Results) != 0 {
			t.Fatalf("local docs must not appear in changes, got %+v", page.Results)
		}
	})
}
