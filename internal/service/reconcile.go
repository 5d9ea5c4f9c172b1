package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"retailsync/internal/domain"
	"retailsync/internal/store"
	"retailsync/internal/xid"
)

// PartialReconciliationError reports a sale or return whose first write
// succeeded while a later one failed. Nothing is rolled back; Applied and
// Failed describe what an operator has to reconcile by hand.
type PartialReconciliationError struct {
	Op         string
	DocumentID string
	Applied    []string
	Failed     []string
	Err        error
}

func (e *PartialReconciliationError) Error() string {
	return fmt.Sprintf("%s %s partially applied (applied: %s; failed: %s): %v",
		e.Op, e.DocumentID, strings.Join(e.Applied, ", "), strings.Join(e.Failed, ", "), e.Err)
}

func (e *PartialReconciliationError) Unwrap() error {
	return e.Err
}

type partial struct {
	op      string
	docID   string
	applied []string
	failed  []string
	errs    []error
}

func (p *partial) ok(step string) {
	p.applied = append(p.applied, step)
}

func (p *partial) fail(step string, err error) {
	p.failed = append(p.failed, step)
	p.errs = append(p.errs, fmt.Errorf("%s: %w", step, err))
}

func (p *partial) err() error {
	if len(p.failed) == 0 {
		return nil
	}
	return &PartialReconciliationError{
		Op:         p.op,
		DocumentID: p.docID,
		Applied:    p.applied,
		Failed:     p.failed,
		Err:        errors.Join(p.errs...),
	}
}

// RecordSale writes a transaction for the requested lines and then
// decrements stock of every sold item. The two kinds of writes are not
// atomic: a stock failure after the transaction is stored is reported as
// a *PartialReconciliationError.
func (s *Service) RecordSale(ctx context.Context, req domain.SaleRequest) (domain.Transaction, error) {
	actor, err := s.authorize(ctx, req.BranchID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if err := s.requireBranch(ctx, req.BranchID); err != nil {
		return domain.Transaction{}, err
	}
	paymentMethod := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if paymentMethod == "" {
		paymentMethod = "cash"
	}

	quantities, order, err := mergeLines(req.Lines, func(l domain.SaleLineRequest) (string, decimal.Decimal) {
		return l.ItemID, l.Quantity
	})
	if err != nil {
		return domain.Transaction{}, err
	}

	lines := make([]domain.TransactionLine, 0, len(order))
	for _, itemID := range order {
		item, err := s.repo.Items.GetInBranch(ctx, req.BranchID, itemID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Transaction{}, fmt.Errorf("%w: item %s is not in branch %s", store.ErrValidation, itemID, req.BranchID)
			}
			return domain.Transaction{}, err
		}
		qty := quantities[itemID]
		if item.StockManagement.Type != domain.StockByWeight && !qty.Equal(qty.Truncate(0)) {
			return domain.Transaction{}, fmt.Errorf("%w: item %s is sold by whole units", store.ErrValidation, itemID)
		}
		if !req.AllowOutOfStock && item.StockManagement.Remaining().LessThan(qty) {
			return domain.Transaction{}, fmt.Errorf("%w: item %s has %s left, %s requested",
				store.ErrInsufficientStock, item.Name, item.StockManagement.Remaining(), qty)
		}
		lines = append(lines, domain.TransactionLine{
			ItemID:              item.ID,
			Name:                item.Name,
			QuantitySold:        qty,
			SellingPrice:        item.EffectivePrice(),
			CostPrice:           item.CostPrice,
			StockManagementType: item.StockManagement.Type,
			WeightUnit:          item.StockManagement.WeightUnit,
		})
	}

	salesID, err := s.repo.NextSalesID(ctx, req.BranchID)
	if err != nil {
		return domain.Transaction{}, err
	}
	now := s.now()
	tx := domain.Transaction{
		Meta:          domain.Meta{ID: xid.New("tx")},
		BranchID:      req.BranchID,
		SalesID:       salesID,
		PaymentMethod: paymentMethod,
		Items:         lines,
		CreatedBy:     actor.Username,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx.Total = tx.LinesTotal()

	created, err := s.repo.Transactions.Create(ctx, tx)
	if err != nil {
		return domain.Transaction{}, err
	}
	s.invalidate(ctx, domain.StoreTransactions)

	p := &partial{op: "sale", docID: created.ID}
	p.ok("transaction " + created.ID)
	for _, line := range created.Items {
		step := "stock " + line.ItemID
		if _, err := s.adjustStock(ctx, req.BranchID, line.ItemID, line.QuantitySold.Neg(), req.AllowOutOfStock, "sale", created.ID); err != nil {
			p.fail(step, err)
			continue
		}
		p.ok(step)
	}
	s.invalidate(ctx, domain.StoreItems)

	s.logAudit(ctx, req.BranchID, "sale_record", "transaction", created.ID,
		fmt.Sprintf("sales_id=%s,total=%s,lines=%d,payment=%s", created.SalesID, created.Total, len(created.Items), paymentMethod))
	if err := p.err(); err != nil {
		s.log.Error().Err(err).Str("transaction", created.ID).Msg("sale partially applied")
		return created, err
	}
	return created, nil
}

// RecordReturn takes items back from a transaction. The transaction is
// rewritten with the reduced quantities, or deleted when nothing remains;
// then the return is stored as pending sync and stock is restored. Any
// failure after the transaction write is a *PartialReconciliationError.
func (s *Service) RecordReturn(ctx context.Context, req domain.ReturnRequest) (domain.Return, error) {
	actor, err := s.authorize(ctx, req.BranchID)
	if err != nil {
		return domain.Return{}, err
	}
	if req.TransactionID = strings.TrimSpace(req.TransactionID); req.TransactionID == "" {
		return domain.Return{}, fmt.Errorf("%w: transactionId is required", store.ErrValidation)
	}
	quantities, order, err := mergeLines(req.Items, func(l domain.ReturnLineRequest) (string, decimal.Decimal) {
		return l.ItemID, l.Quantity
	})
	if err != nil {
		return domain.Return{}, err
	}

	var (
		original domain.Transaction
		lines    []domain.ReturnLine
		deleted  bool
	)
	for attempt := 0; ; attempt++ {
		original, err = s.repo.Transactions.GetInBranch(ctx, req.BranchID, req.TransactionID)
		if err != nil {
			return domain.Return{}, err
		}
		var remaining domain.Transaction
		remaining, lines, err = applyReturn(original, quantities, order)
		if err != nil {
			return domain.Return{}, err
		}

		if len(remaining.Items) == 0 {
			err = s.repo.Transactions.Delete(ctx, original.ID, original.Rev)
			deleted = true
		} else {
			remaining.UpdatedAt = s.now()
			_, err = s.repo.Transactions.Update(ctx, remaining)
			deleted = false
		}
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrConflict) || attempt+1 >= s.maxRetry {
			return domain.Return{}, err
		}
		s.log.Debug().Str("transaction", original.ID).Int("attempt", attempt+1).Msg("transaction changed during return, retrying")
	}
	s.invalidate(ctx, domain.StoreTransactions)

	ret := domain.Return{
		Meta:          domain.Meta{ID: xid.New("ret")},
		BranchID:      req.BranchID,
		TransactionID: original.ID,
		SalesID:       original.SalesID,
		Items:         lines,
		Reason:        strings.TrimSpace(req.Reason),
		Status:        domain.ReturnStatusCompleted,
		CreatedBy:     actor.Username,
		CreatedAt:     s.now(),
	}
	for _, line := range lines {
		ret.Total = ret.Total.Add(line.Price.Mul(line.ReturnQuantity))
	}

	p := &partial{op: "return", docID: ret.ID}
	if deleted {
		p.ok("delete transaction " + original.ID)
	} else {
		p.ok("update transaction " + original.ID)
	}

	if err := s.repo.SetReturnSyncStatus(ctx, ret.ID, domain.SyncStatusPending); err != nil {
		p.fail("sync status "+ret.ID, err)
	}
	created, err := s.repo.Returns.Create(ctx, ret)
	if err != nil {
		p.fail("return "+ret.ID, err)
	} else {
		p.ok("return " + created.ID)
		ret = created
		ret.SyncStatus = domain.SyncStatusPending
	}
	s.invalidate(ctx, domain.StoreReturns)

	for _, line := range lines {
		step := "stock " + line.ItemID
		if _, err := s.adjustStock(ctx, req.BranchID, line.ItemID, line.ReturnQuantity, true, "return", ret.ID); err != nil {
			p.fail(step, err)
			continue
		}
		p.ok(step)
	}
	s.invalidate(ctx, domain.StoreItems)

	s.logAudit(ctx, req.BranchID, "return_record", "return", ret.ID,
		fmt.Sprintf("transaction=%s,total=%s,transaction_deleted=%t", original.ID, ret.Total, deleted))
	if err := p.err(); err != nil {
		s.log.Error().Err(err).Str("return", ret.ID).Msg("return partially applied")
		return ret, err
	}
	return ret, nil
}

// applyReturn computes the transaction left after returning quantities and
// the return lines priced at the original selling price.
func applyReturn(tx domain.Transaction, quantities map[string]decimal.Decimal, order []string) (domain.Transaction, []domain.ReturnLine, error) {
	remaining := tx
	remaining.Items = slices.Clone(tx.Items)
	lines := make([]domain.ReturnLine, 0, len(order))

	for _, itemID := range order {
		qty := quantities[itemID]
		idx := slices.IndexFunc(remaining.Items, func(l domain.TransactionLine) bool { return l.ItemID == itemID })
		if idx < 0 {
			return domain.Transaction{}, nil, fmt.Errorf("%w: item %s is not part of transaction %s", store.ErrValidation, itemID, tx.ID)
		}
		line := remaining.Items[idx]
		if line.StockManagementType != domain.StockByWeight && !qty.Equal(qty.Truncate(0)) {
			return domain.Transaction{}, nil, fmt.Errorf("%w: item %s is returned in whole units", store.ErrValidation, itemID)
		}
		if qty.GreaterThan(line.QuantitySold) {
			return domain.Transaction{}, nil, fmt.Errorf("%w: cannot return %s of %s, only %s outstanding",
				store.ErrValidation, qty, line.Name, line.QuantitySold)
		}
		line.QuantitySold = line.QuantitySold.Sub(qty)
		remaining.Items[idx] = line
		lines = append(lines, domain.ReturnLine{
			ItemID:         itemID,
			Name:           line.Name,
			ReturnQuantity: qty,
			Price:          line.SellingPrice,
		})
	}

	remaining.Items = slices.DeleteFunc(remaining.Items, func(l domain.TransactionLine) bool {
		return !l.QuantitySold.IsPositive()
	})
	remaining.Total = remaining.LinesTotal()
	return remaining, lines, nil
}

// adjustStock adds delta to an item's stock, re-reading and retrying when
// the item changed underneath. A decrement that would take stock below zero
// fails with store.ErrInsufficientStock unless allowNegative is set, in which
// case the item goes negative and out of stock. The full delta is always
// applied so a later return of the same line restores exactly what was taken.
func (s *Service) adjustStock(ctx context.Context, branchID string, itemID string, delta decimal.Decimal, allowNegative bool, reason string, ref string) (domain.Item, error) {
	for attempt := 0; attempt < s.maxRetry; attempt++ {
		item, err := s.repo.Items.GetInBranch(ctx, branchID, itemID)
		if err != nil {
			return domain.Item{}, err
		}
		before := item.StockManagement.Remaining()
		if delta.IsNegative() && before.Add(delta).IsNegative() {
			if !allowNegative {
				return domain.Item{}, fmt.Errorf("%w: item %s has %s left, %s requested",
					store.ErrInsufficientStock, item.Name, before, delta.Neg())
			}
			s.log.Warn().Str("item", itemID).Str("requested", delta.Neg().String()).Str("on_hand", before.String()).Msg("stock below zero")
		}
		item.StockManagement = item.StockManagement.Adjust(delta)
		item.SyncInStock()
		item.UpdatedAt = s.now()

		saved, err := s.repo.Items.Update(ctx, item)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return domain.Item{}, err
		}
		s.journalStock(ctx, saved, delta, reason, ref)
		return saved, nil
	}
	return domain.Item{}, fmt.Errorf("adjust stock of %s: %w", itemID, store.ErrConflict)
}

// journalStock records a stock movement in the logs store so a movement lost
// to a replication conflict can be found and re-applied.
func (s *Service) journalStock(ctx context.Context, item domain.Item, delta decimal.Decimal, reason string, ref string) {
	detail := fmt.Sprintf("reason=%s,delta=%s,remaining=%s,rev=%s", reason, delta, item.StockManagement.Remaining(), item.Rev)
	if ref != "" {
		detail += ",ref=" + ref
	}
	s.logAudit(ctx, item.BranchID, "stock_adjust", "item", item.ID, detail)
}

// mergeLines validates requested lines and sums quantities per item,
// keeping first-seen order.
func mergeLines[L any](lines []L, get func(L) (string, decimal.Decimal)) (map[string]decimal.Decimal, []string, error) {
	if len(lines) == 0 {
		return nil, nil, fmt.Errorf("%w: at least one line is required", store.ErrValidation)
	}
	quantities := make(map[string]decimal.Decimal, len(lines))
	order := make([]string, 0, len(lines))
	for _, line := range lines {
		itemID, qty := get(line)
		itemID = strings.TrimSpace(itemID)
		if itemID == "" {
			return nil, nil, fmt.Errorf("%w: itemId is required", store.ErrValidation)
		}
		if !qty.IsPositive() {
			return nil, nil, fmt.Errorf("%w: quantity of %s must be positive", store.ErrValidation, itemID)
		}
		if _, seen := quantities[itemID]; !seen {
			order = append(order, itemID)
		}
		quantities[itemID] = quantities[itemID].Add(qty)
	}
	return quantities, order, nil
}

// MarkReturnsSynced moves the given returns from pending to synced. Ids
// that are not pending are left alone.
func (s *Service) MarkReturnsSynced(ctx context.Context, ids []string) error {
	var errs []error
	marked := 0
	for _, id := range ids {
		if strings.HasPrefix(id, "_") {
			continue
		}
		status, err := s.repo.ReturnSyncStatus(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if status != domain.SyncStatusPending {
			continue
		}
		if err := s.repo.SetReturnSyncStatus(ctx, id, domain.SyncStatusSynced); err != nil {
			errs = append(errs, err)
			continue
		}
		marked++
	}
	if marked > 0 {
		s.log.Info().Int("returns", marked).Msg("returns confirmed on remote")
		s.invalidate(ctx, domain.StoreReturns)
	}
	return errors.Join(errs...)
}

func (s *Service) ListTransactions(ctx context.Context, branchID string) ([]domain.Transaction, error) {
	if _, err := s.authorize(ctx, branchID); err != nil {
		return nil, err
	}
	txs, err := cachedList(ctx, s, s.repo.Transactions, branchID, store.Filter{})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(txs, func(a, b domain.Transaction) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return txs, nil
}

func (s *Service) GetTransaction(ctx context.Context, branchID string, id string) (domain.Transaction, error) {
	if _, err := s.authorize(ctx, branchID); err != nil {
		return domain.Transaction{}, err
	}
	return s.repo.Transactions.GetInBranch(ctx, branchID, id)
}

// ListReturns returns the branch's returns with their sync status, newest
// first.
func (s *Service) ListReturns(ctx context.Context, branchID string) ([]domain.Return, error) {
	if _, err := s.authorize(ctx, branchID); err != nil {
		return nil, err
	}
	returns, err := cachedList(ctx, s, s.repo.Returns, branchID, store.Filter{})
	if err != nil {
		return nil, err
	}
	for i := range returns {
		if returns[i].SyncStatus, err = s.repo.ReturnSyncStatus(ctx, returns[i].ID); err != nil {
			return nil, err
		}
	}
	slices.SortFunc(returns, func(a, b domain.Return) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return returns, nil
}

func (s *Service) GetReturn(ctx context.Context, branchID string, id string) (domain.Return, error) {
	if _, err := s.authorize(ctx, branchID); err != nil {
		return domain.Return{}, err
	}
	ret, err := s.repo.Returns.GetInBranch(ctx, branchID, id)
	if err != nil {
		return domain.Return{}, err
	}
	ret.SyncStatus, err = s.repo.ReturnSyncStatus(ctx, id)
	return ret, err
}

// PendingReturns counts returns of every branch that have not been seen on
// the remote yet.
func (s *Service) PendingReturns(ctx context.Context) (int, error) {
	ids, err := s.pendingReturnIDs(ctx)
	return len(ids), err
}

// ConfirmPendingReturns asks the remote about every pending return and marks
// the ones it already holds as synced. It reports how many were marked.
func (s *Service) ConfirmPendingReturns(ctx context.Context) (int, error) {
	confirmer, ok := s.syncer.(Confirmer)
	if !ok {
		return 0, ErrSyncDisabled
	}
	pending, err := s.pendingReturnIDs(ctx)
	if err != nil || len(pending) == 0 {
		return 0, err
	}
	confirmed, err := confirmer.Confirmed(ctx, domain.StoreReturns, pending)
	if err != nil {
		return 0, err
	}
	if len(confirmed) == 0 {
		return 0, nil
	}
	return len(confirmed), s.MarkReturnsSynced(ctx, confirmed)
}

func (s *Service) pendingReturnIDs(ctx context.Context) ([]string, error) {
	returns, err := s.repo.Returns.List(ctx, "", store.Filter{})
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, ret := range returns {
		status, err := s.repo.ReturnSyncStatus(ctx, ret.ID)
		if err != nil {
			return nil, err
		}
		if status == domain.SyncStatusPending {
			pending = append(pending, ret.ID)
		}
	}
	return pending, nil
}
