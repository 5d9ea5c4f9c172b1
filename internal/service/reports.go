package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"retailsync/internal/domain"
	"retailsync/internal/store"
	"retailsync/internal/xid"
)

func (s *Service) ListExpenses(ctx context.Context, branchID string) ([]domain.Expense, error) {
	if _, err := s.authorize(ctx, branchID, domain.RoleAdmin, domain.RoleManager); err != nil {
		return nil, err
	}
	expenses, err := cachedList(ctx, s, s.repo.Expenses, branchID, store.Filter{})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(expenses, func(a, b domain.Expense) int {
		return b.SpentAt.Compare(a.SpentAt)
	})
	return expenses, nil
}

func (s *Service) GetExpense(ctx context.Context, branchID string, id string) (domain.Expense, error) {
	if _, err := s.authorize(ctx, branchID, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.Expense{}, err
	}
	return s.repo.Expenses.GetInBranch(ctx, branchID, id)
}

func (s *Service) CreateExpense(ctx context.Context, e domain.Expense) (domain.Expense, error) {
	actor, err := s.authorize(ctx, e.BranchID, domain.RoleAdmin, domain.RoleManager)
	if err != nil {
		return domain.Expense{}, err
	}
	if err := s.validateExpense(ctx, &e); err != nil {
		return domain.Expense{}, err
	}
	now := s.now()
	e.Meta = domain.Meta{ID: xid.New("exp")}
	e.CreatedBy = actor.Username
	e.CreatedAt = now
	e.UpdatedAt = now
	if e.SpentAt.IsZero() {
		e.SpentAt = now
	}

	created, err := s.repo.Expenses.Create(ctx, e)
	if err != nil {
		return domain.Expense{}, err
	}
	s.invalidate(ctx, domain.StoreExpenses)
	s.logAudit(ctx, created.BranchID, "expense_create", "expense", created.ID, fmt.Sprintf("title=%s,amount=%s", created.Title, created.Amount))
	return created, nil
}

func (s *Service) UpdateExpense(ctx context.Context, e domain.Expense) (domain.Expense, error) {
	if _, err := s.authorize(ctx, e.BranchID, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.Expense{}, err
	}
	existing, err := s.repo.Expenses.GetInBranch(ctx, e.BranchID, e.ID)
	if err != nil {
		return domain.Expense{}, err
	}
	if err := s.validateExpense(ctx, &e); err != nil {
		return domain.Expense{}, err
	}
	e.CreatedBy = existing.CreatedBy
	e.CreatedAt = existing.CreatedAt
	e.UpdatedAt = s.now()
	if e.SpentAt.IsZero() {
		e.SpentAt = existing.SpentAt
	}

	saved, err := s.repo.Expenses.Update(ctx, e)
	if err != nil {
		return domain.Expense{}, err
	}
	s.invalidate(ctx, domain.StoreExpenses)
	s.logAudit(ctx, saved.BranchID, "expense_update", "expense", saved.ID, fmt.Sprintf("amount=%s", saved.Amount))
	return saved, nil
}

func (s *Service) DeleteExpense(ctx context.Context, branchID string, id string, rev string) error {
	if _, err := s.authorize(ctx, branchID, domain.RoleAdmin, domain.RoleManager); err != nil {
		return err
	}
	if _, err := s.repo.Expenses.GetInBranch(ctx, branchID, id); err != nil {
		return err
	}
	if err := s.repo.Expenses.Delete(ctx, id, rev); err != nil {
		return err
	}
	s.invalidate(ctx, domain.StoreExpenses)
	s.logAudit(ctx, branchID, "expense_delete", "expense", id, "")
	return nil
}

func (s *Service) validateExpense(ctx context.Context, e *domain.Expense) error {
	var err error
	if e.Title, err = requireText("title", e.Title); err != nil {
		return err
	}
	if !e.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", store.ErrValidation)
	}
	e.Category = strings.TrimSpace(e.Category)
	return s.requireBranch(ctx, e.BranchID)
}

// GenerateReport totals the branch's sales, returns and expenses in
// [From, To) and stores the result. A zero range means the current UTC day.
// Transactions already carry their returned quantities, so ReturnsTotal is
// informational and not subtracted again.
func (s *Service) GenerateReport(ctx context.Context, req domain.ReportRequest) (domain.Report, error) {
	actor, err := s.authorize(ctx, req.BranchID, domain.RoleAdmin, domain.RoleManager)
	if err != nil {
		return domain.Report{}, err
	}
	if err := s.requireBranch(ctx, req.BranchID); err != nil {
		return domain.Report{}, err
	}
	from, to := req.From.UTC(), req.To.UTC()
	if req.From.IsZero() && req.To.IsZero() {
		now := s.now()
		from = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		to = from.Add(24 * time.Hour)
	}
	if !from.Before(to) {
		return domain.Report{}, fmt.Errorf("%w: report range is empty", store.ErrValidation)
	}
	inRange := func(t time.Time) bool {
		return !t.Before(from) && t.Before(to)
	}

	report := domain.Report{
		Meta:          domain.Meta{ID: xid.New("report")},
		BranchID:      req.BranchID,
		From:          from,
		To:            to,
		GrossSales:    decimal.Zero,
		CostOfGoods:   decimal.Zero,
		ReturnsTotal:  decimal.Zero,
		ExpensesTotal: decimal.Zero,
		CreatedBy:     actor.Username,
		CreatedAt:     s.now(),
	}

	txs, err := s.repo.Transactions.List(ctx, req.BranchID, store.Filter{})
	if err != nil {
		return domain.Report{}, err
	}
	byPayment := map[string]*domain.PaymentTotal{}
	for _, tx := range txs {
		if !inRange(tx.CreatedAt) {
			continue
		}
		report.TransactionCount++
		report.GrossSales = report.GrossSales.Add(tx.Total)
		for _, line := range tx.Items {
			report.CostOfGoods = report.CostOfGoods.Add(line.CostPrice.Mul(line.QuantitySold))
		}
		pt, ok := byPayment[tx.PaymentMethod]
		if !ok {
			pt = &domain.PaymentTotal{PaymentMethod: tx.PaymentMethod, Total: decimal.Zero}
			byPayment[tx.PaymentMethod] = pt
		}
		pt.Transactions++
		pt.Total = pt.Total.Add(tx.Total)
	}
	for _, pt := range byPayment {
		report.ByPayment = append(report.ByPayment, *pt)
	}
	slices.SortFunc(report.ByPayment, func(a, b domain.PaymentTotal) int {
		return strings.Compare(a.PaymentMethod, b.PaymentMethod)
	})

	returns, err := s.repo.Returns.List(ctx, req.BranchID, store.Filter{})
	if err != nil {
		return domain.Report{}, err
	}
	for _, ret := range returns {
		if inRange(ret.CreatedAt) {
			report.ReturnsTotal = report.ReturnsTotal.Add(ret.Total)
		}
	}

	expenses, err := s.repo.Expenses.List(ctx, req.BranchID, store.Filter{})
	if err != nil {
		return domain.Report{}, err
	}
	for _, e := range expenses {
		if inRange(e.SpentAt) {
			report.ExpensesTotal = report.ExpensesTotal.Add(e.Amount)
		}
	}

	report.GrossProfit = report.GrossSales.Sub(report.CostOfGoods)
	report.NetIncome = report.GrossProfit.Sub(report.ExpensesTotal)

	created, err := s.repo.Reports.Create(ctx, report)
	if err != nil {
		return domain.Report{}, err
	}
	s.invalidate(ctx, domain.StoreReports)
	s.logAudit(ctx, req.BranchID, "report_generate", "report", created.ID,
		fmt.Sprintf("from=%s,to=%s,net=%s", from.Format(time.RFC3339), to.Format(time.RFC3339), created.NetIncome))
	return created, nil
}

func (s *Service) ListReports(ctx context.Context, branchID string) ([]domain.Report, error) {
	if _, err := s.authorize(ctx, branchID, domain.RoleAdmin, domain.RoleManager); err != nil {
		return nil, err
	}
	reports, err := cachedList(ctx, s, s.repo.Reports, branchID, store.Filter{})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(reports, func(a, b domain.Report) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return reports, nil
}

func (s *Service) GetReport(ctx context.Context, branchID string, id string) (domain.Report, error) {
	if _, err := s.authorize(ctx, branchID, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.Report{}, err
	}
	return s.repo.Reports.GetInBranch(ctx, branchID, id)
}
