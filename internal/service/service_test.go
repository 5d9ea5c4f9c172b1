package service

import (
	"context"
	"errors"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"retailsync/internal/cache"
	"retailsync/internal/connectivity"
	"retailsync/internal/docstore"
	"retailsync/internal/docstore/memory"
	"retailsync/internal/domain"
	"retailsync/internal/remote"
	"retailsync/internal/replica"
	"retailsync/internal/replication"
	"retailsync/internal/store"
)

var adminCtx = WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})

func newTestService() *Service {
	return New(store.NewMemory(), cache.NewMemoryViewCache(), nil)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedBranch(t *testing.T, svc *Service, name string) domain.Branch {
	t.Helper()
	b, err := svc.CreateBranch(adminCtx, domain.Branch{Name: name})
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}
	return b
}

func seedItem(t *testing.T, svc *Service, branchID string, name string, price string, qty string) domain.Item {
	t.Helper()
	item, err := svc.CreateItem(adminCtx, domain.Item{
		BranchID:        branchID,
		Name:            name,
		CostPrice:       dec(price).Div(dec("2")),
		SellingPrice:    dec(price),
		StockManagement: domain.StockManagement{Type: domain.StockByQuantity, Quantity: dec(qty)},
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	return item
}

func sell(t *testing.T, svc *Service, branchID string, itemID string, qty string) domain.Transaction {
	t.Helper()
	tx, err := svc.RecordSale(adminCtx, domain.SaleRequest{
		BranchID: branchID,
		Lines:    []domain.SaleLineRequest{{ItemID: itemID, Quantity: dec(qty)}},
	})
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}
	return tx
}

func stockOf(t *testing.T, svc *Service, branchID string, itemID string) domain.Item {
	t.Helper()
	item, err := svc.GetItem(adminCtx, branchID, itemID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	return item
}

func TestRecordSaleDecrementsStockAndSnapshotsPrice(t *testing.T) {
	svc := newTestService()
	branch := seedBranch(t, svc, "Main")
	soap := seedItem(t, svc, branch.ID, "Soap", "2.50", "10")

	tx := sell(t, svc, branch.ID, soap.ID, "3")
	if !tx.Total.Equal(dec("7.5")) {
		t.Fatalf("expected total 7.5, got %s", tx.Total)
	}
	if tx.PaymentMethod != "cash" {
		t.Fatalf("expected default payment cash, got %s", tx.PaymentMethod)
	}
	if len(tx.Items) != 1 || !tx.Items[0].SellingPrice.Equal(dec("2.5")) {
		t.Fatalf("unexpected lines: %+v", tx.Items)
	}

	item := stockOf(t, svc, branch.ID, soap.ID)
	if !item.StockManagement.Quantity.Equal(dec("7")) || !item.InStock {
		t.Fatalf("expected 7 left and in stock, got %s inStock=%t", item.StockManagement.Quantity, item.InStock)
	}
}

func TestRecordSaleUsesDiscountPrice(t *testing.T) {
	svc := newTestService()
	branch := seedBranch(t, svc, "Main")
	item, err := svc.CreateItem(adminCtx, domain.Item{
		BranchID:        branch.ID,
		Name:            "Rice",
		SellingPrice:    dec("10"),
		DiscountPrice:   dec("8"),
		StockManagement: domain.StockManagement{Type: domain.StockByWeight, TotalWeight: dec("5")},
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	if item.StockManagement.WeightUnit != "kg" {
		t.Fatalf("expected default weight unit kg, got %q", item.StockManagement.WeightUnit)
	}

	tx := sell(t, svc, branch.ID, item.ID, "1.5")
	if !tx.Total.Equal(dec("12")) {
		t.Fatalf("expected total 12, got %s", tx.Total)
	}
	left := stockOf(t, svc, branch.ID, item.ID)
	if !left.StockManagement.TotalWeight.Equal(dec("3.5")) {
		t.Fatalf("expected 3.5 kg left, got %s", left.StockManagement.TotalWeight)
	}
}

func TestRecordSaleRejectsInsufficientStock(t *testing.T) {
	svc := newTestService()
	branch := seedBranch(t, svc, "Main")
	soap := seedItem(t, svc, branch.ID, "Soap", "2", "2")

	_, err := svc.RecordSale(adminCtx, domain.SaleRequest{
		BranchID: branch.ID,
		Lines:    []domain.SaleLineRequest{{ItemID: soap.ID, Quantity: dec("3")}},
	})
	if !errors.Is(err, store.ErrInsufficientStock) || !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	txs, err := svc.ListTransactions(adminCtx, branch.ID)
	if err != nil || len(txs) != 0 {
		t.Fatalf("expected no transaction written, got %d (%v)", len(txs), err)
	}
}

func TestRecordSaleOutOfStockGoesNegativeAndReturnRestores(t *testing.T) {
	svc := newTestService()
	branch := seedBranch(t, svc, "Main")
	soap := seedItem(t, svc, branch.ID, "Soap", "2", "2")

	tx, err := svc.RecordSale(adminCtx, domain.SaleRequest{
		BranchID:        branch.ID,
		AllowOutOfStock: true,
		Lines:           []domain.SaleLineRequest{{ItemID: soap.ID, Quantity: dec("5")}},
	})
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}
	item := stockOf(t, svc, branch.ID, soap.ID)
	if !item.StockManagement.Quantity.Equal(dec("-3")) || item.InStock {
		t.Fatalf("expected stock -3 and out of stock, got %s inStock=%t", item.StockManagement.Quantity, item.InStock)
	}

	if _, err := svc.RecordReturn(adminCtx, domain.ReturnRequest{
		BranchID:      branch.ID,
		TransactionID: tx.ID,
		Items:         []domain.ReturnLineRequest{{ItemID: soap.ID, Quantity: dec("5")}},
	}); err != nil {
		t.Fatalf("record return: %v", err)
	}
	item = stockOf(t, svc, branch.ID, soap.ID)
	if !item.StockManagement.Quantity.Equal(dec("2")) || !item.InStock {
		t.Fatalf("expected stock back to 2 and in stock, got %s inStock=%t", item.StockManagement.Quantity, item.InStock)
	}
}

func TestAdjustStockRejectsGoingNegativeWithoutOverride(t *testing.T) {
	svc := newTestService()
	branch := seedBranch(t, svc, "Main")
	soap := seedItem(t, svc, branch.ID, "Soap", "2", "2")

	if _, err := svc.adjustStock(adminCtx, branch.ID, soap.ID, dec("-3"), false, "sale", "tx-1"); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if item := stockOf(t, svc, branch.ID, soap.ID); !item.StockManagement.Quantity.Equal(dec("2")) {
		t.Fatalf("rejected adjustment must not touch stock, got %s", item.StockManagement.Quantity)
	}
}

func TestRecordSaleValidatesLines(t *testing.T) {
	svc := newTestService()
	branch := seedBranch(t, svc, "Main")
	other := seedBranch(t, svc, "Other")
	soap := seedItem(t, svc, branch.ID, "Soap", "2", "10")

	cases := map[string]domain.SaleRequest{
		"no lines":       {BranchID: branch.ID},
		"zero quantity":  {BranchID: branch.ID, Lines: []domain.SaleLineRequest{{ItemID: soap.ID, Quantity: decimal.Zero}}},
		"fractional":     {BranchID: branch.ID, Lines: []domain.SaleLineRequest{{ItemID: soap.ID, Quantity: dec("1.5")}}},
		"other branch":   {BranchID: other.ID, Lines: []domain.SaleLineRequest{{ItemID: soap.ID, Quantity: dec("1")}}},
		"unknown branch": {BranchID: "branch-missing", Lines: []domain.SaleLineRequest{{ItemID: soap.ID, Quantity: dec("1")}}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.RecordSale(adminCtx, req); !errors.Is(err, store.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestRecordSaleMergesDuplicateLines(t *testing.T) {
	svc := newTestService()
	branch := seedBranch(t, svc, "Main")
	soap := seedItem(t, svc, branch.ID, "Soap", "1", "10")

	tx, err := svc.RecordSale(adminCtx, domain.SaleRequest{
		BranchID: branch.ID,
		Lines: []domain.SaleLineRequest{
			{ItemID: soap.ID, Quantity: dec("1")},
			{ItemID: soap.ID, Quantity: dec("2")},
		},
	})
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}
	if len(tx.Items) != 1 || !tx.Items[0].QuantitySold.Equal(dec("3")) {
		t.Fatalf("expected one merged line of 3, got %+v", tx.Items)
	}
}

func TestSalesIDsIncreasePerBranch(t *testing.T) {
	svc := newTestService()
	main := seedBranch(t, svc, "Main")
	other := seedBranch(t, svc, "Other")
	a := seedItem(t, svc, main.ID, "Soap", "1", "100")
	b := seedItem(t, svc, other.ID, "Soap", "1", "100")

	var last int64
	for i := 0; i < 4; i++ {
		tx := sell(t, svc, main.ID, a.ID, "1")
		n, err := strconv.ParseInt(tx.SalesID, 10, 64)
		if err != nil {
			t.Fatalf("sales id %q is not numeric", tx.SalesID)
		}
		if n <= last {
			t.Fatalf("sales id %d did not increase past %d", n, last)
		}
		last = n
	}
	if tx := sell(t, svc, other.ID, b.ID, "1"); tx.SalesID != "1" {
		t.Fatalf("expected other branch to start at 1, got %s", tx.SalesID)
	}
}

func TestPartialReturnRestoresStockAndReducesTotal(t *testing.T) {
	svc := newTestService()
	branch := seedBranch(t, svc, "Main")
	soap := seedItem(t, svc, branch.ID, "Soap", "4", "10")
	tx := sell(t, svc, branch.ID, soap.ID, "3")

	ret, err := svc.RecordReturn(adminCtx, domain.ReturnRequest{
		BranchID:      branch.ID,
		TransactionID: tx.ID,
		Items:         []domain.ReturnLineRequest{{ItemID: soap.ID, Quantity: dec("1")}},
		Reason:        "damaged",
	})
	if err != nil {
		t.Fatalf("record return: %v", err)
	}
	if !ret.Total.Equal(dec("4")) || ret.Status != domain.ReturnStatusCompleted || ret.SyncStatus != domain.SyncStatusPending {
		t.Fatalf("unexpected return: total=%s status=%s sync=%s", ret.Total, ret.Status, ret.SyncStatus)
	}
	if ret.SalesID != tx.SalesID || ret.TransactionID != tx.ID {
		t.Fatalf("return does not reference the sale: %+v", ret)
	}

	updated, err := svc.GetTransaction(adminCtx, branch.ID, tx.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if !updated.Items[0].QuantitySold.Equal(dec("2")) {
		t.Fatalf("expected 2 left on the transaction, got %s", updated.Items[0].QuantitySold)
	}
	if !updated.Total.Equal(tx.Total.Sub(dec("4"))) || !updated.Total.Equal(updated.LinesTotal()) {
		t.Fatalf("expected total reduced by one unit, got %s", updated.Total)
	}
	if item := stockOf(t, svc, branch.ID, soap.ID); !item.StockManagement.Quantity.Equal(dec("8")) {
		t.Fatalf("expected stock 8 after return, got %s", item.StockManagement.Quantity)
	}
}

func TestFullReturnDeletesTransactionAndKeepsReturn(t *testing.T) {
	svc := newTestService()
	branch := seedBranch(t, svc, "Main")
	soap := seedItem(t, svc, branch.ID, "Soap", "4", "10")
	tx := sell(t, svc, branch.ID, soap.ID, "3")

	ret, err := svc.RecordReturn(adminCtx, domain.ReturnRequest{
		BranchID:      branch.ID,
		TransactionID: tx.ID,
		Items:         []domain.ReturnLineRequest{{ItemID: soap.ID, Quantity: dec("3")}},
	})
	if err != nil {
		t.Fatalf("record return: %v", err)
	}
	if _, err := svc.GetTransaction(adminCtx, branch.ID, tx.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected transaction deleted, got %v", err)
	}
	got, err := svc.GetReturn(adminCtx, branch.ID, ret.ID)
	if err != nil {
		t.Fatalf("get return: %v", err)
	}
	if !got.Total.Equal(dec("12")) || got.SyncStatus != domain.SyncStatusPending {
		t.Fatalf("unexpected stored return: total=%s sync=%s", got.Total, got.SyncStatus)
	}
	if item := stockOf(t, svc, branch.ID, soap.ID); !item.StockManagement.Quantity.Equal(dec("10")) {
		t.Fatalf("expected stock back to 10, got %s", item.StockManagement.Quantity)
	}
}

func TestReturnRejectsMoreThanOutstanding(t *testing.T) {
	svc := newTestService()
	branch := seedBranch(t, svc, "Main")
	soap := seedItem(t, svc, branch.ID, "Soap", "4", "10")
	bread := seedItem(t, svc, branch.ID, "Bread", "3", "10")
	tx := sell(t, svc, branch.ID, soap.ID, "2")

	for name, items := range map[string][]domain.ReturnLineRequest{
		"too many":    {{ItemID: soap.ID, Quantity: dec("3")}},
		"not on sale": {{ItemID: bread.ID, Quantity: dec("1")}},
		"fractional":  {{ItemID: soap.ID, Quantity: dec("0.5")}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.RecordReturn(adminCtx, domain.ReturnRequest{BranchID: branch.ID, TransactionID: tx.ID, Items: items})
			if !errors.Is(err, store.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if item := stockOf(t, svc, branch.ID, soap.ID); !item.StockManagement.Quantity.Equal(dec("8")) {
		t.Fatalf("rejected return must not touch stock, got %s", item.StockManagement.Quantity)
	}
}

func TestReturnByWeightAcceptsFractions(t *testing.T) {
	svc := newTestService()
	branch := seedBranch(t, svc, "Main")
	rice, err := svc.CreateItem(adminCtx, domain.Item{
		BranchID:        branch.ID,
		Name:            "Rice",
		SellingPrice:    dec("10"),
		StockManagement: domain.StockManagement{Type: domain.StockByWeight, TotalWeight: dec("5")},
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	tx := sell(t, svc, branch.ID, rice.ID, "2")

	if _, err := svc.RecordReturn(adminCtx, domain.ReturnRequest{
		BranchID:      branch.ID,
		TransactionID: tx.ID,
		Items:         []domain.ReturnLineRequest{{ItemID: rice.ID, Quantity: dec("0.5")}},
	}); err != nil {
		t.Fatalf("record return: %v", err)
	}
	if item := stockOf(t, svc, branch.ID, rice.ID); !item.StockManagement.TotalWeight.Equal(dec("3.5")) {
		t.Fatalf("expected 3.5 kg after return, got %s", item.StockManagement.TotalWeight)
	}
}

func TestReturnOfDeletedItemReportsPartialReconciliation(t *testing.T) {
	svc := newTestService()
	branch := seedBranch(t, svc, "Main")
	soap := seedItem(t, svc, branch.ID, "Soap", "4", "10")
	tx := sell(t, svc, branch.ID, soap.ID, "2")

	current := stockOf(t, svc, branch.ID, soap.ID)
	if err := svc.DeleteItem(adminCtx, branch.ID, soap.ID, current.Rev); err != nil {
		t.Fatalf("delete item: %v", err)
	}

	ret, err := svc.RecordReturn(adminCtx, domain.ReturnRequest{
		BranchID:      branch.ID,
		TransactionID: tx.ID,
		Items:         []domain.ReturnLineRequest{{ItemID: soap.ID, Quantity: dec("1")}},
	})
	var partial *PartialReconciliationError
	if !errors.As(err, &partial) {
		t.Fatalf("expected partial reconciliation error, got %v", err)
	}
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected the cause to be not found, got %v", err)
	}
	if !slices.Contains(partial.Failed, "stock "+soap.ID) {
		t.Fatalf("expected failed stock step, got %v", partial.Failed)
	}
	if !slices.Contains(partial.Applied, "return "+ret.ID) {
		t.Fatalf("expected the return to be applied, got %v", partial.Applied)
	}
	if _, err := svc.GetReturn(adminCtx, branch.ID, ret.ID); err != nil {
		t.Fatalf("return should be stored: %v", err)
	}
}

func TestStockMovementsAreJournaled(t *testing.T) {
	svc := newTestService()
	branch := seedBranch(t, svc, "Main")
	soap := seedItem(t, svc, branch.ID, "Soap", "4", "10")
	tx := sell(t, svc, branch.ID, soap.ID, "2")
	if _, err := svc.RecordReturn(adminCtx, domain.ReturnRequest{
		BranchID:      branch.ID,
		TransactionID: tx.ID,
		Items:         []domain.ReturnLineRequest{{ItemID: soap.ID, Quantity: dec("1")}},
	}); err != nil {
		t.Fatalf("record return: %v", err)
	}

	logs, err := svc.ListLogs(adminCtx, branch.ID, "stock_adjust", 0)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 stock movements, got %d", len(logs))
	}
	var sawSale, sawReturn bool
	for _, entry := range logs {
		sawSale = sawSale || strings.Contains(entry.Detail, "reason=sale,delta=-2")
		sawReturn = sawReturn || strings.Contains(entry.Detail, "reason=return,delta=1")
	}
	if !sawSale || !sawReturn {
		t.Fatalf("unexpected journal: %+v", logs)
	}
}

func TestMarkReturnsSyncedOnlyMovesPending(t *testing.T) {
	svc := newTestService()
	branch := seedBranch(t, svc, "Main")
	soap := seedItem(t, svc, branch.ID, "Soap", "4", "10")
	tx := sell(t, svc, branch.ID, soap.ID, "2")
	ret, err := svc.RecordReturn(adminCtx, domain.ReturnRequest{
		BranchID:      branch.ID,
		TransactionID: tx.ID,
		Items:         []domain.ReturnLineRequest{{ItemID: soap.ID, Quantity: dec("1")}},
	})
	if err != nil {
		t.Fatalf("record return: %v", err)
	}
	if n, _ := svc.PendingReturns(adminCtx); n != 1 {
		t.Fatalf("expected 1 pending return, got %d", n)
	}

	svc.HandleReplicationEvent(replication.Event{
		Store:  domain.StoreReturns,
		Type:   replication.EventChange,
		Result: replication.Result{Pushed: 1, Confirmed: []string{ret.ID, "_design/x", "ret-unknown"}},
	})

	if n, _ := svc.PendingReturns(adminCtx); n != 0 {
		t.Fatalf("expected no pending returns, got %d", n)
	}
	returns, err := svc.ListReturns(adminCtx, branch.ID)
	if err != nil || len(returns) != 1 || returns[0].SyncStatus != domain.SyncStatusSynced {
		t.Fatalf("expected one synced return, got %+v (%v)", returns, err)
	}
	if err := svc.repo.SetReturnSyncStatus(adminCtx, ret.ID, domain.SyncStatusPending); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if status, _ := svc.repo.ReturnSyncStatus(adminCtx, ret.ID); status != domain.SyncStatusSynced {
		t.Fatalf("synced status must not go back to pending, got %s", status)
	}
}

// remoteHolding confirms the ids it was told the remote holds.
type remoteHolding struct {
	fakeSyncer
	held  []string
	asked []string
}

func (r *remoteHolding) Confirmed(_ context.Context, _ string, ids []string) ([]string, error) {
	r.asked = append(r.asked, ids...)
	var out []string
	for _, id := range ids {
		if slices.Contains(r.held, id) {
			out = append(out, id)
		}
	}
	return out, nil
}

func TestIdleReturnsStoreConfirmsPendingReturns(t *testing.T) {
	syncer := &remoteHolding{}
	svc := New(store.NewMemory(), nil, syncer)
	branch := seedBranch(t, svc, "Main")
	soap := seedItem(t, svc, branch.ID, "Soap", "4", "10")
	tx := sell(t, svc, branch.ID, soap.ID, "3")

	var rets []domain.Return
	for i := 0; i < 2; i++ {
		ret, err := svc.RecordReturn(adminCtx, domain.ReturnRequest{
			BranchID:      branch.ID,
			TransactionID: tx.ID,
			Items:         []domain.ReturnLineRequest{{ItemID: soap.ID, Quantity: dec("1")}},
		})
		if err != nil {
			t.Fatalf("record return: %v", err)
		}
		rets = append(rets, ret)
	}
	// The first return reached the remote but its confirmation was never
	// handled, so nothing will push it again.
	syncer.held = []string{rets[0].ID}

	svc.HandleReplicationEvent(replication.Event{Store: domain.StoreItems, Type: replication.EventPaused})
	if len(syncer.asked) != 0 {
		t.Fatalf("only the returns store should trigger confirmation, asked %v", syncer.asked)
	}

	svc.HandleReplicationEvent(replication.Event{Store: domain.StoreReturns, Type: replication.EventPaused})
	if len(syncer.asked) != 2 {
		t.Fatalf("expected both pending returns checked, asked %v", syncer.asked)
	}
	if status, _ := svc.repo.ReturnSyncStatus(adminCtx, rets[0].ID); status != domain.SyncStatusSynced {
		t.Fatalf("expected confirmed return synced, got %s", status)
	}
	if n, _ := svc.PendingReturns(adminCtx); n != 1 {
		t.Fatalf("expected one return still pending, got %d", n)
	}
}

func TestConfirmPendingReturnsRequiresReplication(t *testing.T) {
	if _, err := newTestService().ConfirmPendingReturns(adminCtx); !errors.Is(err, ErrSyncDisabled) {
		t.Fatalf("expected sync disabled, got %v", err)
	}
}

func TestPulledChangesInvalidateCachedViews(t *testing.T) {
	svc := newTestService()
	branch := seedBranch(t, svc, "Main")
	seedItem(t, svc, branch.ID, "Soap", "4", "10")

	items, err := svc.ListItems(adminCtx, branch.ID, store.Filter{})
	if err != nil || len(items) != 1 {
		t.Fatalf("expected 1 item, got %d (%v)", len(items), err)
	}

	// A replicated write bypasses the service, so only the event drops the view.
	raw := `{"branchId":"` + branch.ID + `","name":"Bread","sellingPrice":"1","costPrice":"0","discountPrice":"0","inStock":true,"stockManagement":{"type":"quantity","quantity":"3","totalWeight":"0"}}`
	if _, err := svc.repo.Items.Engine().Put(adminCtx, docstore.Doc{ID: "item-remote", Body: []byte(raw)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if items, _ := svc.ListItems(adminCtx, branch.ID, store.Filter{}); len(items) != 1 {
		t.Fatalf("expected cached view to still hold 1 item, got %d", len(items))
	}

	svc.HandleReplicationEvent(replication.Event{Store: domain.StoreItems, Type: replication.EventChange, Result: replication.Result{Pulled: 1}})
	if items, _ := svc.ListItems(adminCtx, branch.ID, store.Filter{}); len(items) != 2 {
		t.Fatalf("expected refreshed view with 2 items, got %d", len(items))
	}
}

// racingViewCache runs beforeSet once, just ahead of the first Set, to land
// a write between a listing's load and its caching.
type racingViewCache struct {
	cache.ViewCache
	beforeSet func()
}

func (c *racingViewCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if fn := c.beforeSet; fn != nil {
		c.beforeSet = nil
		fn()
	}
	return c.ViewCache.Set(ctx, key, value, ttl)
}

func TestWriteDuringListingLoadIsNotCachedStale(t *testing.T) {
	views := &racingViewCache{ViewCache: cache.NewMemoryViewCache()}
	svc := New(store.NewMemory(), views, nil)
	branch := seedBranch(t, svc, "Main")
	seedItem(t, svc, branch.ID, "Soap", "4", "10")

	views.beforeSet = func() { seedItem(t, svc, branch.ID, "Bread", "3", "5") }
	items, err := svc.ListItems(adminCtx, branch.ID, store.Filter{})
	if err != nil || len(items) != 1 {
		t.Fatalf("expected the listing loaded before the write, got %d (%v)", len(items), err)
	}

	items, err = svc.ListItems(adminCtx, branch.ID, store.Filter{})
	if err != nil || len(items) != 2 {
		t.Fatalf("expected the concurrent write to be visible, got %d (%v)", len(items), err)
	}
}

func TestStaleRevisionIsAConflict(t *testing.T) {
	svc := newTestService()
	branch := seedBranch(t, svc, "Main")
	soap := seedItem(t, svc, branch.ID, "Soap", "4", "10")

	soap.Name = "Soap bar"
	if _, err := svc.UpdateItem(adminCtx, soap); err != nil {
		t.Fatalf("first update: %v", err)
	}
	soap.Name = "Liquid soap"
	if _, err := svc.UpdateItem(adminCtx, soap); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on stale rev, got %v", err)
	}
}

func TestAuthorization(t *testing.T) {
	svc := newTestService()
	main := seedBranch(t, svc, "Main")
	other := seedBranch(t, svc, "Other")
	soap := seedItem(t, svc, main.ID, "Soap", "4", "10")

	if _, err := svc.ListItems(context.Background(), main.ID, store.Filter{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden without an actor, got %v", err)
	}

	cashier := WithActor(context.Background(), domain.Actor{Username: "kasir", Role: domain.RoleCashier, BranchID: main.ID})
	if _, err := svc.CreateItem(cashier, domain.Item{BranchID: main.ID, Name: "Bread"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected cashier to be forbidden from item writes, got %v", err)
	}
	if _, err := svc.ListItems(cashier, other.ID, store.Filter{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected cashier to be confined to their branch, got %v", err)
	}
	if _, err := svc.RecordSale(cashier, domain.SaleRequest{
		BranchID: main.ID,
		Lines:    []domain.SaleLineRequest{{ItemID: soap.ID, Quantity: dec("1")}},
	}); err != nil {
		t.Fatalf("cashier sale: %v", err)
	}
	branches, err := svc.ListBranches(cashier)
	if err != nil || len(branches) != 1 || branches[0].ID != main.ID {
		t.Fatalf("expected cashier to see only their branch, got %+v (%v)", branches, err)
	}
}

func TestDeletedBranchLeavesOrphansOutOfFilteredLists(t *testing.T) {
	svc := newTestService()
	main := seedBranch(t, svc, "Main")
	other := seedBranch(t, svc, "Other")
	seedItem(t, svc, main.ID, "Soap", "4", "10")
	seedItem(t, svc, other.ID, "Bread", "1", "10")

	current, err := svc.GetBranch(adminCtx, other.ID)
	if err != nil {
		t.Fatalf("get branch: %v", err)
	}
	if err := svc.DeleteBranch(adminCtx, other.ID, current.Rev); err != nil {
		t.Fatalf("delete branch: %v", err)
	}

	all, err := svc.ListItems(adminCtx, "", store.Filter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("expected orphan kept in unfiltered list, got %d (%v)", len(all), err)
	}
	live, err := svc.ListItems(adminCtx, "", store.Filter{ExcludeOrphans: true})
	if err != nil || len(live) != 1 || live[0].BranchID != main.ID {
		t.Fatalf("expected only the live branch's item, got %+v (%v)", live, err)
	}
}

func TestCategoryRequiresDepartmentInBranch(t *testing.T) {
	svc := newTestService()
	main := seedBranch(t, svc, "Main")
	other := seedBranch(t, svc, "Other")
	dept, err := svc.CreateDepartment(adminCtx, domain.Department{BranchID: other.ID, Name: "Food"})
	if err != nil {
		t.Fatalf("create department: %v", err)
	}

	if _, err := svc.CreateCategory(adminCtx, domain.Category{BranchID: main.ID, DepartmentID: dept.ID, Name: "Snacks"}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for foreign department, got %v", err)
	}
	cat, err := svc.CreateCategory(adminCtx, domain.Category{BranchID: other.ID, DepartmentID: dept.ID, Name: "Snacks"})
	if err != nil {
		t.Fatalf("create category: %v", err)
	}
	cats, err := svc.ListCategories(adminCtx, other.ID, dept.ID)
	if err != nil || len(cats) != 1 || cats[0].ID != cat.ID {
		t.Fatalf("expected the category under its department, got %+v (%v)", cats, err)
	}
}

func TestGenerateReport(t *testing.T) {
	svc := newTestService()
	fixed := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	branch := seedBranch(t, svc, "Main")
	soap := seedItem(t, svc, branch.ID, "Soap", "4", "10")
	tx := sell(t, svc, branch.ID, soap.ID, "3")
	if _, err := svc.RecordSale(adminCtx, domain.SaleRequest{
		BranchID:      branch.ID,
		PaymentMethod: "QRIS",
		Lines:         []domain.SaleLineRequest{{ItemID: soap.ID, Quantity: dec("1")}},
	}); err != nil {
		t.Fatalf("record sale: %v", err)
	}
	if _, err := svc.RecordReturn(adminCtx, domain.ReturnRequest{
		BranchID:      branch.ID,
		TransactionID: tx.ID,
		Items:         []domain.ReturnLineRequest{{ItemID: soap.ID, Quantity: dec("1")}},
	}); err != nil {
		t.Fatalf("record return: %v", err)
	}
	if _, err := svc.CreateExpense(adminCtx, domain.Expense{BranchID: branch.ID, Title: "Electricity", Amount: dec("3")}); err != nil {
		t.Fatalf("create expense: %v", err)
	}
	if _, err := svc.CreateExpense(adminCtx, domain.Expense{BranchID: branch.ID, Title: "Rent", Amount: dec("100"), SpentAt: fixed.AddDate(0, -1, 0)}); err != nil {
		t.Fatalf("create expense: %v", err)
	}

	report, err := svc.GenerateReport(adminCtx, domain.ReportRequest{BranchID: branch.ID})
	if err != nil {
		t.Fatalf("generate report: %v", err)
	}
	// Sales of 3 and 1 at 4, one unit returned: 12 gross, cost 2 per unit.
	if report.TransactionCount != 2 || !report.GrossSales.Equal(dec("12")) {
		t.Fatalf("unexpected sales: count=%d gross=%s", report.TransactionCount, report.GrossSales)
	}
	if !report.CostOfGoods.Equal(dec("6")) || !report.GrossProfit.Equal(dec("6")) {
		t.Fatalf("unexpected profit: cost=%s profit=%s", report.CostOfGoods, report.GrossProfit)
	}
	if !report.ReturnsTotal.Equal(dec("4")) || !report.ExpensesTotal.Equal(dec("3")) || !report.NetIncome.Equal(dec("3")) {
		t.Fatalf("unexpected totals: returns=%s expenses=%s net=%s", report.ReturnsTotal, report.ExpensesTotal, report.NetIncome)
	}
	if len(report.ByPayment) != 2 || report.ByPayment[0].PaymentMethod != "cash" || report.ByPayment[1].PaymentMethod != "qris" {
		t.Fatalf("unexpected payment breakdown: %+v", report.ByPayment)
	}

	reports, err := svc.ListReports(adminCtx, branch.ID)
	if err != nil || len(reports) != 1 {
		t.Fatalf("expected the report to be stored, got %d (%v)", len(reports), err)
	}
}

func TestUsersAndAuthentication(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	if err := svc.EnsureAdmin(ctx, "admin", "admin123"); err != nil {
		t.Fatalf("ensure admin: %v", err)
	}
	if err := svc.EnsureAdmin(ctx, "other", "other123"); err != nil {
		t.Fatalf("ensure admin twice: %v", err)
	}

	admin, err := svc.Authenticate(ctx, "Admin", "admin123")
	if err != nil || admin.Role != domain.RoleAdmin || admin.Password != "" {
		t.Fatalf("expected admin login without hash, got %+v (%v)", admin, err)
	}
	if _, err := svc.Authenticate(ctx, "admin", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "other", "other123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("second bootstrap must not create a user, got %v", err)
	}

	branch := seedBranch(t, svc, "Main")
	cashier, err := svc.CreateUser(adminCtx, domain.UserCreateRequest{Username: "kasir1", Password: "secret1", Role: domain.RoleCashier, BranchID: branch.ID})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := svc.CreateUser(adminCtx, domain.UserCreateRequest{Username: "KASIR1", Password: "secret1", Role: domain.RoleCashier}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected duplicate username rejected, got %v", err)
	}

	inactive := false
	stored, _ := svc.repo.Users.Get(ctx, cashier.ID)
	if _, err := svc.UpdateUser(adminCtx, cashier.ID, domain.UserUpdateRequest{Rev: stored.Rev, Active: &inactive}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "kasir1", "secret1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected inactive user rejected, got %v", err)
	}
}

func TestPlainPasswordMatches(t *testing.T) {
	if !plainPasswordMatches("plain123", "plain123") {
		t.Fatalf("expected equal passwords to match")
	}
	for _, tc := range [][2]string{{"", ""}, {"plain123", "plain12"}, {"plain123", ""}} {
		if plainPasswordMatches(tc[0], tc[1]) {
			t.Fatalf("expected %q vs %q not to match", tc[0], tc[1])
		}
	}
}

func TestAuthenticateUpgradesPlainTextPassword(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	if _, err := svc.repo.Users.Create(ctx, domain.User{
		Meta:     domain.Meta{ID: "user-legacy"},
		Username: "legacy",
		Password: "plain123",
		Role:     domain.RoleManager,
		Active:   true,
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	for _, wrong := range []string{"", "plain12", "plain1234", "PLAIN123"} {
		if _, err := svc.Authenticate(ctx, "legacy", wrong); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected %q to be rejected, got %v", wrong, err)
		}
	}
	if _, err := svc.Authenticate(ctx, "legacy", "plain123"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	stored, err := svc.repo.Users.Get(ctx, "user-legacy")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if !isPasswordHash(stored.Password) {
		t.Fatalf("expected password to be hashed after login")
	}
	if _, err := svc.Authenticate(ctx, "legacy", "plain123"); err != nil {
		t.Fatalf("authenticate after upgrade: %v", err)
	}
}

type fakeSyncer struct {
	calls []string
	err   error
}

func (f *fakeSyncer) SyncOnce(_ context.Context, name string) (replication.Result, error) {
	f.calls = append(f.calls, name)
	return replication.Result{Pushed: 1}, f.err
}

func (f *fakeSyncer) SyncAll(context.Context) (map[string]replication.Result, error) {
	f.calls = append(f.calls, "*")
	return map[string]replication.Result{domain.StoreItems: {Pulled: 2}}, f.err
}

func TestTriggerSync(t *testing.T) {
	if _, err := newTestService().TriggerSync(adminCtx, ""); !errors.Is(err, ErrSyncDisabled) {
		t.Fatalf("expected sync disabled, got %v", err)
	}

	syncer := &fakeSyncer{}
	svc := New(store.NewMemory(), nil, syncer)
	if _, err := svc.TriggerSync(adminCtx, "carts"); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected unknown store rejected, got %v", err)
	}
	if _, err := svc.TriggerSync(adminCtx, domain.StoreItems); err != nil {
		t.Fatalf("sync items: %v", err)
	}
	results, err := svc.TriggerSync(adminCtx, "")
	if err != nil || results[domain.StoreItems].Pulled != 2 {
		t.Fatalf("unexpected sync all: %+v (%v)", results, err)
	}
	if !slices.Equal(syncer.calls, []string{domain.StoreItems, "*"}) {
		t.Fatalf("unexpected syncer calls: %v", syncer.calls)
	}

	syncer.err = replication.ErrOffline
	if _, err := svc.TriggerSync(adminCtx, domain.StoreItems); !errors.Is(err, replication.ErrOffline) {
		t.Fatalf("expected offline error passed through, got %v", err)
	}
	logs, _ := svc.ListLogs(adminCtx, "", "sync_now", 0)
	if len(logs) != 3 {
		t.Fatalf("expected every manual sync to be audited, got %d", len(logs))
	}
}

func TestOfflineWritesReachRemoteAfterSync(t *testing.T) {
	remoteItems := memory.NewEngine(domain.StoreItems)
	remoteReturns := memory.NewEngine(domain.StoreReturns)
	srv := httptest.NewServer(replica.New(map[string]*docstore.Engine{
		"shop_items":   remoteItems,
		"shop_returns": remoteReturns,
	}, "sync", "s3cret").Handler())
	t.Cleanup(srv.Close)

	repo := store.NewMemory()
	monitor := connectivity.New(false)
	manager := replication.NewManager(monitor, replication.DefaultOptions())
	t.Cleanup(manager.Close)
	for name, db := range map[string]string{domain.StoreItems: "shop_items", domain.StoreReturns: "shop_returns"} {
		client, err := remote.New(remote.Config{BaseURL: srv.URL, Database: db, Username: "sync", Password: "s3cret", Timeout: 2 * time.Second})
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		local, _ := repo.Store(name)
		if err := manager.Register(name, local, client, client.Database()); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	svc := New(repo, nil, manager)
	manager.Subscribe(svc.HandleReplicationEvent)

	branch := seedBranch(t, svc, "Main")
	soap := seedItem(t, svc, branch.ID, "Soap", "4", "10")
	tx := sell(t, svc, branch.ID, soap.ID, "2")
	ret, err := svc.RecordReturn(adminCtx, domain.ReturnRequest{
		BranchID:      branch.ID,
		TransactionID: tx.ID,
		Items:         []domain.ReturnLineRequest{{ItemID: soap.ID, Quantity: dec("1")}},
	})
	if err != nil {
		t.Fatalf("record return: %v", err)
	}

	if _, err := svc.GetItem(adminCtx, branch.ID, soap.ID); err != nil {
		t.Fatalf("offline write must be readable locally: %v", err)
	}
	if _, err := remoteItems.Get(adminCtx, soap.ID); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected item absent on remote while offline, got %v", err)
	}
	if _, err := svc.TriggerSync(adminCtx, ""); !errors.Is(err, replication.ErrOffline) {
		t.Fatalf("expected offline sync to fail fast, got %v", err)
	}

	monitor.SetOnline(true)
	if _, err := svc.TriggerSync(adminCtx, ""); err != nil {
		t.Fatalf("sync: %v", err)
	}
	local := stockOf(t, svc, branch.ID, soap.ID)
	mirrored, err := remoteItems.Get(adminCtx, soap.ID)
	if err != nil || mirrored.Rev != local.Rev {
		t.Fatalf("expected remote item at rev %s, got %+v (%v)", local.Rev, mirrored, err)
	}
	if _, err := remoteReturns.Get(adminCtx, ret.ID); err != nil {
		t.Fatalf("expected return on remote: %v", err)
	}
	if n, _ := svc.PendingReturns(adminCtx); n != 0 {
		t.Fatalf("expected the return to be marked synced, got %d pending", n)
	}
}
