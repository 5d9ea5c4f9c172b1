package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"retailsync/internal/docstore"
	"retailsync/internal/docstore/docstoretest"
)

func TestBackendAgainstPostgres(t *testing.T) {
	databaseURL := os.Getenv("RETAILSYNC_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set RETAILSYNC_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	db, err := Open(ctx, databaseURL)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	docstoretest.Run(t, func(t *testing.T) docstore.Backend {
		name := fmt.Sprintf("it_%d", time.Now().UnixNano())
		t.Cleanup(func() {
			_, _ = db.db.ExecContext(ctx, `DELETE FROM replica_docs WHERE db = $1`, name)
			_, _ = db.db.ExecContext(ctx, `DELETE FROM replica_local_docs WHERE db = $1`, name)
		})
		return db.Backend(name)
	})
}
