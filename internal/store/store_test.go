package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"retailsync/internal/domain"
)

func seedItem(t *testing.T, repo *Repository, id, branchID, departmentID, categoryID string) domain.Item {
	t.Helper()
	item, err := repo.Items.Create(context.Background(), domain.Item{
		Meta:         domain.Meta{ID: id},
		BranchID:     branchID,
		DepartmentID: departmentID,
		CategoryID:   categoryID,
		Name:         "Item " + id,
		SellingPrice: decimal.RequireFromString("12.50"),
		StockManagement: domain.StockManagement{
			Type:     domain.StockByQuantity,
			Quantity: decimal.NewFromInt(4),
		},
		InStock: true,
	})
	if err != nil {
		t.Fatalf("create item %s: %v", id, err)
	}
	return item
}

func TestCollectionRoundTripKeepsFields(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	created := seedItem(t, repo, "item-1", "b1", "d1", "c1")
	if created.Rev == "" {
		t.Fatalf("expected revision after create")
	}
	got, err := repo.Items.Get(ctx, "item-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Rev != created.Rev || got.Name != created.Name || !got.SellingPrice.Equal(created.SellingPrice) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, created)
	}
	if !got.StockManagement.Quantity.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("expected quantity 4, got %s", got.StockManagement.Quantity)
	}

	doc, err := repo.Items.Engine().Get(ctx, "item-1")
	if err != nil {
		t.Fatalf("engine get: %v", err)
	}
	var body map[string]any
	if err := doc.Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["id"]; ok {
		t.Fatalf("stored body must not repeat the key: %v", body)
	}
}

func TestUpdateWithStaleRevisionConflicts(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	item := seedItem(t, repo, "item-1", "b1", "", "")
	first := item
	first.Name = "first"
	if _, err := repo.Items.Update(ctx, first); err != nil {
		t.Fatalf("first update: %v", err)
	}
	second := item
	second.Name = "second"
	if _, err := repo.Items.Update(ctx, second); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestListFiltersByBranchDepartmentAndCategory(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	seedItem(t, repo, "item-1", "b1", "d1", "c1")
	seedItem(t, repo, "item-2", "b1", "d1", "c2")
	seedItem(t, repo, "item-3", "b1", "d2", "c3")
	seedItem(t, repo, "item-4", "b2", "d1", "c1")

	cases := []struct {
		name     string
		branchID string
		filter   Filter
		want     []string
	}{
		{"branch", "b1", Filter{}, []string{"item-1", "item-2", "item-3"}},
		{"department", "b1", Filter{DepartmentID: "d1"}, []string{"item-1", "item-2"}},
		{"category", "b1", Filter{DepartmentID: "d1", CategoryID: "c2"}, []string{"item-2"}},
		{"unknown branch", "b9", Filter{}, []string{}},
		{"all branches", "", Filter{CategoryID: "c1"}, []string{"item-1", "item-4"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			items, err := repo.Items.List(ctx, tc.branchID, tc.filter)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(items) != len(tc.want) {
				t.Fatalf("expected %v, got %d items", tc.want, len(items))
			}
			for i, id := range tc.want {
				if items[i].ID != id {
					t.Fatalf("expected %s at %d, got %s", id, i, items[i].ID)
				}
			}
		})
	}
}

func TestOrphansAreReturnedForExplicitBranchOnly(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	branch, err := repo.Branches.Create(ctx, domain.Branch{Meta: domain.Meta{ID: "b1"}, Name: "Main", CreatedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}
	seedItem(t, repo, "item-1", "b1", "", "")
	seedItem(t, repo, "item-2", "gone", "", "")
	if err := repo.Branches.Delete(ctx, branch.ID, branch.Rev); err != nil {
		t.Fatalf("delete branch: %v", err)
	}
	if _, err := repo.Branches.Create(ctx, domain.Branch{Meta: domain.Meta{ID: "b2"}, Name: "North"}); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	seedItem(t, repo, "item-3", "b2", "", "")

	explicit, err := repo.Items.List(ctx, "b1", Filter{ExcludeOrphans: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(explicit) != 1 {
		t.Fatalf("expected orphan of explicit branch to be listed, got %d", len(explicit))
	}

	all, err := repo.Items.List(ctx, "", Filter{ExcludeOrphans: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].ID != "item-3" {
		t.Fatalf("expected only item-3 across live branches, got %+v", all)
	}
}

func TestGetInBranchHidesOtherBranches(t *testing.T) {
	repo := NewMemory()
	seedItem(t, repo, "item-1", "b1", "", "")

	if _, err := repo.Items.GetInBranch(context.Background(), "b2", "item-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound across branches, got %v", err)
	}
	if _, err := repo.Items.GetInBranch(context.Background(), "b1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing item, got %v", err)
	}
}

func TestNextSalesIDIsStrictlyIncreasing(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	var prev int64
	for i := 0; i < 5; i++ {
		id, err := repo.NextSalesID(ctx, "b1")
		if err != nil {
			t.Fatalf("next sales id: %v", err)
		}
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			t.Fatalf("sales id %q is not an integer", id)
		}
		if n <= prev {
			t.Fatalf("expected %d > %d", n, prev)
		}
		prev = n
	}

	other, err := repo.NextSalesID(ctx, "b2")
	if err != nil {
		t.Fatalf("next sales id: %v", err)
	}
	if other != "1" {
		t.Fatalf("expected branches to count independently, got %s", other)
	}
}

func TestNextSalesIDAccountsForReplicatedTransactions(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	if _, err := repo.Transactions.Create(ctx, domain.Transaction{Meta: domain.Meta{ID: "tx-remote"}, BranchID: "b1", SalesID: "41"}); err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	id, err := repo.NextSalesID(ctx, "b1")
	if err != nil {
		t.Fatalf("next sales id: %v", err)
	}
	if id != "42" {
		t.Fatalf("expected 42 after existing 41, got %s", id)
	}
}

func TestNextSalesIDConcurrentCallersGetDistinctIDs(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	const callers = 8
	ids := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := repo.NextSalesID(ctx, "b1")
			if err != nil {
				t.Errorf("next sales id: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate sales id %s", id)
		}
		seen[id] = true
	}
	if len(seen) != callers {
		t.Fatalf("expected %d ids, got %d", callers, len(seen))
	}
}

func TestReturnSyncStatusOnlyMovesForward(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	if err := repo.SetReturnSyncStatus(ctx, "ret-1", domain.SyncStatusPending); err != nil {
		t.Fatalf("set pending: %v", err)
	}
	if status, _ := repo.ReturnSyncStatus(ctx, "ret-1"); status != domain.SyncStatusPending {
		t.Fatalf("expected pending, got %s", status)
	}
	if err := repo.SetReturnSyncStatus(ctx, "ret-1", domain.SyncStatusSynced); err != nil {
		t.Fatalf("set synced: %v", err)
	}
	if err := repo.SetReturnSyncStatus(ctx, "ret-1", domain.SyncStatusPending); err != nil {
		t.Fatalf("set pending again: %v", err)
	}
	if status, _ := repo.ReturnSyncStatus(ctx, "ret-1"); status != domain.SyncStatusSynced {
		t.Fatalf("expected synced to stick, got %s", status)
	}
	if status, _ := repo.ReturnSyncStatus(ctx, "ret-unknown"); status != domain.SyncStatusSynced {
		t.Fatalf("expected untracked return to report synced, got %s", status)
	}
}
