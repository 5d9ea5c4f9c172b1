package store

import (
	"context"
	"errors"
	"fmt"

	"retailsync/internal/docstore"
	"retailsync/internal/docstore/memory"
	"retailsync/internal/domain"
)

var (
	ErrNotFound          = docstore.ErrNotFound
	ErrConflict          = docstore.ErrConflict
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = fmt.Errorf("%w: insufficient stock", ErrValidation)
)

// Repository groups the per-entity document stores of one device.
type Repository struct {
	stores map[string]*docstore.Engine

	Branches     *Collection[domain.Branch, *domain.Branch]
	Departments  *Collection[domain.Department, *domain.Department]
	Categories   *Collection[domain.Category, *domain.Category]
	Items        *Collection[domain.Item, *domain.Item]
	Transactions *Collection[domain.Transaction, *domain.Transaction]
	Returns      *Collection[domain.Return, *domain.Return]
	Expenses     *Collection[domain.Expense, *domain.Expense]
	Reports      *Collection[domain.Report, *domain.Report]
	Users        *Collection[domain.User, *domain.User]
	Logs         *Collection[domain.LogEntry, *domain.LogEntry]
}

// New builds a repository over one engine per entity store. Every name in
// domain.AllStores must be present.
func New(stores map[string]*docstore.Engine) (*Repository, error) {
	for _, name := range domain.AllStores {
		if stores[name] == nil {
			return nil, fmt.Errorf("missing document store %q", name)
		}
	}

	r := &Repository{stores: stores}
	r.Branches = newCollection[domain.Branch](r, domain.StoreBranches)
	r.Departments = newCollection[domain.Department](r, domain.StoreDepartments)
	r.Categories = newCollection[domain.Category](r, domain.StoreCategories)
	r.Items = newCollection[domain.Item](r, domain.StoreItems)
	r.Transactions = newCollection[domain.Transaction](r, domain.StoreTransactions)
	r.Returns = newCollection[domain.Return](r, domain.StoreReturns)
	r.Expenses = newCollection[domain.Expense](r, domain.StoreExpenses)
	r.Reports = newCollection[domain.Report](r, domain.StoreReports)
	r.Users = newCollection[domain.User](r, domain.StoreUsers)
	r.Logs = newCollection[domain.LogEntry](r, domain.StoreLogs)
	return r, nil
}

// Open opens one backend per entity store and builds a repository over them.
// Stores opened before a failure are closed again.
func Open(ctx context.Context, open func(ctx context.Context, name string) (docstore.Backend, error)) (*Repository, error) {
	stores := make(map[string]*docstore.Engine, len(domain.AllStores))
	for _, name := range domain.AllStores {
		backend, err := open(ctx, name)
		if err != nil {
			for _, e := range stores {
				_ = e.Close()
			}
			return nil, fmt.Errorf("open %s store: %w", name, err)
		}
		stores[name] = docstore.New(name, backend)
	}
	return New(stores)
}

// NewMemory returns a repository whose stores live in process memory.
func NewMemory() *Repository {
	stores := make(map[string]*docstore.Engine, len(domain.AllStores))
	for _, name := range domain.AllStores {
		stores[name] = memory.NewEngine(name)
	}
	r, _ := New(stores)
	return r
}

func (r *Repository) Store(name string) (*docstore.Engine, error) {
	e, ok := r.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown store %q", ErrValidation, name)
	}
	return e, nil
}

// Stores returns the engines keyed by store name.
func (r *Repository) Stores() map[string]*docstore.Engine {
	out := make(map[string]*docstore.Engine, len(r.stores))
	for name, e := range r.stores {
		out[name] = e
	}
	return out
}

func (r *Repository) Close() error {
	var errs []error
	for _, e := range r.stores {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
