package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"retailsync/internal/domain"
	"retailsync/internal/store"
	"retailsync/internal/xid"
)

func (s *Service) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	if _, err := s.authorize(ctx, ""); err != nil {
		return nil, err
	}
	branches, err := cachedList(ctx, s, s.repo.Branches, "", store.Filter{})
	if err != nil {
		return nil, err
	}
	actor, _ := ActorFromContext(ctx)
	if actor.Role == domain.RoleAdmin || actor.BranchID == "" {
		return branches, nil
	}
	out := branches[:0]
	for _, b := range branches {
		if b.ID == actor.BranchID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *Service) GetBranch(ctx context.Context, id string) (domain.Branch, error) {
	if _, err := s.authorize(ctx, id); err != nil {
		return domain.Branch{}, err
	}
	return s.repo.Branches.Get(ctx, id)
}

func (s *Service) CreateBranch(ctx context.Context, b domain.Branch) (domain.Branch, error) {
	actor, err := s.authorize(ctx, "", domain.RoleAdmin)
	if err != nil {
		return domain.Branch{}, err
	}
	if b.Name, err = requireText("name", b.Name); err != nil {
		return domain.Branch{}, err
	}
	now := s.now()
	b.Meta = domain.Meta{ID: xid.New("branch")}
	b.CreatedBy = actor.Username
	b.CreatedAt = now
	b.UpdatedAt = now

	created, err := s.repo.Branches.Create(ctx, b)
	if err != nil {
		return domain.Branch{}, err
	}
	s.invalidate(ctx, domain.StoreBranches)
	s.logAudit(ctx, created.ID, "branch_create", "branch", created.ID, created.Name)
	return created, nil
}

func (s *Service) UpdateBranch(ctx context.Context, b domain.Branch) (domain.Branch, error) {
	if _, err := s.authorize(ctx, "", domain.RoleAdmin); err != nil {
		return domain.Branch{}, err
	}
	existing, err := s.repo.Branches.Get(ctx, b.ID)
	if err != nil {
		return domain.Branch{}, err
	}
	if b.Name, err = requireText("name", b.Name); err != nil {
		return domain.Branch{}, err
	}
	b.CreatedBy = existing.CreatedBy
	b.CreatedAt = existing.CreatedAt
	b.UpdatedAt = s.now()

	saved, err := s.repo.Branches.Update(ctx, b)
	if err != nil {
		return domain.Branch{}, err
	}
	s.invalidate(ctx, domain.StoreBranches)
	s.logAudit(ctx, saved.ID, "branch_update", "branch", saved.ID, saved.Name)
	return saved, nil
}

// DeleteBranch removes the branch only. Its departments, items and history
// stay and become orphans.
func (s *Service) DeleteBranch(ctx context.Context, id string, rev string) error {
	if _, err := s.authorize(ctx, "", domain.RoleAdmin); err != nil {
		return err
	}
	if err := s.repo.Branches.Delete(ctx, id, rev); err != nil {
		return err
	}
	for _, name := range domain.AllStores {
		s.invalidate(ctx, name)
	}
	s.logAudit(ctx, id, "branch_delete", "branch", id, "")
	return nil
}

func (s *Service) ListDepartments(ctx context.Context, branchID string) ([]domain.Department, error) {
	if _, err := s.authorize(ctx, branchID); err != nil {
		return nil, err
	}
	return cachedList(ctx, s, s.repo.Departments, branchID, store.Filter{})
}

func (s *Service) GetDepartment(ctx context.Context, branchID string, id string) (domain.Department, error) {
	if _, err := s.authorize(ctx, branchID); err != nil {
		return domain.Department{}, err
	}
	return s.repo.Departments.GetInBranch(ctx, branchID, id)
}

func (s *Service) CreateDepartment(ctx context.Context, d domain.Department) (domain.Department, error) {
	if _, err := s.authorize(ctx, d.BranchID, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.Department{}, err
	}
	if err := s.validateDepartment(ctx, &d); err != nil {
		return domain.Department{}, err
	}
	now := s.now()
	d.Meta = domain.Meta{ID: xid.New("dept")}
	d.CreatedAt = now
	d.UpdatedAt = now

	created, err := s.repo.Departments.Create(ctx, d)
	if err != nil {
		return domain.Department{}, err
	}
	s.invalidate(ctx, domain.StoreDepartments)
	s.logAudit(ctx, created.BranchID, "department_create", "department", created.ID, created.Name)
	return created, nil
}

func (s *Service) UpdateDepartment(ctx context.Context, d domain.Department) (domain.Department, error) {
	if _, err := s.authorize(ctx, d.BranchID, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.Department{}, err
	}
	existing, err := s.repo.Departments.GetInBranch(ctx, d.BranchID, d.ID)
	if err != nil {
		return domain.Department{}, err
	}
	if err := s.validateDepartment(ctx, &d); err != nil {
		return domain.Department{}, err
	}
	d.CreatedAt = existing.CreatedAt
	d.UpdatedAt = s.now()

	saved, err := s.repo.Departments.Update(ctx, d)
	if err != nil {
		return domain.Department{}, err
	}
	s.invalidate(ctx, domain.StoreDepartments)
	s.logAudit(ctx, saved.BranchID, "department_update", "department", saved.ID, saved.Name)
	return saved, nil
}

func (s *Service) DeleteDepartment(ctx context.Context, branchID string, id string, rev string) error {
	if _, err := s.authorize(ctx, branchID, domain.RoleAdmin, domain.RoleManager); err != nil {
		return err
	}
	if _, err := s.repo.Departments.GetInBranch(ctx, branchID, id); err != nil {
		return err
	}
	if err := s.repo.Departments.Delete(ctx, id, rev); err != nil {
		return err
	}
	s.invalidate(ctx, domain.StoreDepartments)
	s.logAudit(ctx, branchID, "department_delete", "department", id, "")
	return nil
}

func (s *Service) validateDepartment(ctx context.Context, d *domain.Department) error {
	var err error
	if d.Name, err = requireText("name", d.Name); err != nil {
		return err
	}
	return s.requireBranch(ctx, d.BranchID)
}

func (s *Service) ListCategories(ctx context.Context, branchID string, departmentID string) ([]domain.Category, error) {
	if _, err := s.authorize(ctx, branchID); err != nil {
		return nil, err
	}
	return cachedList(ctx, s, s.repo.Categories, branchID, store.Filter{DepartmentID: departmentID})
}

func (s *Service) GetCategory(ctx context.Context, branchID string, id string) (domain.Category, error) {
	if _, err := s.authorize(ctx, branchID); err != nil {
		return domain.Category{}, err
	}
	return s.repo.Categories.GetInBranch(ctx, branchID, id)
}

func (s *Service) CreateCategory(ctx context.Context, c domain.Category) (domain.Category, error) {
	if _, err := s.authorize(ctx, c.BranchID, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.Category{}, err
	}
	if err := s.validateCategory(ctx, &c); err != nil {
		return domain.Category{}, err
	}
	now := s.now()
	c.Meta = domain.Meta{ID: xid.New("cat")}
	c.CreatedAt = now
	c.UpdatedAt = now

	created, err := s.repo.Categories.Create(ctx, c)
	if err != nil {
		return domain.Category{}, err
	}
	s.invalidate(ctx, domain.StoreCategories)
	s.logAudit(ctx, created.BranchID, "category_create", "category", created.ID, created.Name)
	return created, nil
}

func (s *Service) UpdateCategory(ctx context.Context, c domain.Category) (domain.Category, error) {
	if _, err := s.authorize(ctx, c.BranchID, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.Category{}, err
	}
	existing, err := s.repo.Categories.GetInBranch(ctx, c.BranchID, c.ID)
	if err != nil {
		return domain.Category{}, err
	}
	if err := s.validateCategory(ctx, &c); err != nil {
		return domain.Category{}, err
	}
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = s.now()

	saved, err := s.repo.Categories.Update(ctx, c)
	if err != nil {
		return domain.Category{}, err
	}
	s.invalidate(ctx, domain.StoreCategories)
	s.logAudit(ctx, saved.BranchID, "category_update", "category", saved.ID, saved.Name)
	return saved, nil
}

func (s *Service) DeleteCategory(ctx context.Context, branchID string, id string, rev string) error {
	if _, err := s.authorize(ctx, branchID, domain.RoleAdmin, domain.RoleManager); err != nil {
		return err
	}
	if _, err := s.repo.Categories.GetInBranch(ctx, branchID, id); err != nil {
		return err
	}
	if err := s.repo.Categories.Delete(ctx, id, rev); err != nil {
		return err
	}
	s.invalidate(ctx, domain.StoreCategories)
	s.logAudit(ctx, branchID, "category_delete", "category", id, "")
	return nil
}

func (s *Service) validateCategory(ctx context.Context, c *domain.Category) error {
	var err error
	if c.Name, err = requireText("name", c.Name); err != nil {
		return err
	}
	if err := s.requireBranch(ctx, c.BranchID); err != nil {
		return err
	}
	if c.DepartmentID == "" {
		return fmt.Errorf("%w: departmentId is required", store.ErrValidation)
	}
	if _, err := s.repo.Departments.GetInBranch(ctx, c.BranchID, c.DepartmentID); err != nil {
		return fmt.Errorf("%w: department %s: %v", store.ErrValidation, c.DepartmentID, err)
	}
	return nil
}

func (s *Service) ListItems(ctx context.Context, branchID string, f store.Filter) ([]domain.Item, error) {
	if _, err := s.authorize(ctx, branchID); err != nil {
		return nil, err
	}
	return cachedList(ctx, s, s.repo.Items, branchID, f)
}

func (s *Service) GetItem(ctx context.Context, branchID string, id string) (domain.Item, error) {
	if _, err := s.authorize(ctx, branchID); err != nil {
		return domain.Item{}, err
	}
	return s.repo.Items.GetInBranch(ctx, branchID, id)
}

func (s *Service) CreateItem(ctx context.Context, item domain.Item) (domain.Item, error) {
	if _, err := s.authorize(ctx, item.BranchID, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.Item{}, err
	}
	if err := s.validateItem(ctx, &item); err != nil {
		return domain.Item{}, err
	}
	now := s.now()
	item.Meta = domain.Meta{ID: xid.New("item")}
	item.CreatedAt = now
	item.UpdatedAt = now
	item.SyncInStock()

	created, err := s.repo.Items.Create(ctx, item)
	if err != nil {
		return domain.Item{}, err
	}
	s.invalidate(ctx, domain.StoreItems)
	s.logAudit(ctx, created.BranchID, "item_create", "item", created.ID,
		fmt.Sprintf("name=%s,price=%s,stock=%s", created.Name, created.SellingPrice, created.StockManagement.Remaining()))
	return created, nil
}

func (s *Service) UpdateItem(ctx context.Context, item domain.Item) (domain.Item, error) {
	if _, err := s.authorize(ctx, item.BranchID, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.Item{}, err
	}
	existing, err := s.repo.Items.GetInBranch(ctx, item.BranchID, item.ID)
	if err != nil {
		return domain.Item{}, err
	}
	if err := s.validateItem(ctx, &item); err != nil {
		return domain.Item{}, err
	}
	item.CreatedAt = existing.CreatedAt
	item.UpdatedAt = s.now()
	item.SyncInStock()

	saved, err := s.repo.Items.Update(ctx, item)
	if err != nil {
		return domain.Item{}, err
	}
	s.invalidate(ctx, domain.StoreItems)
	if delta := saved.StockManagement.Remaining().Sub(existing.StockManagement.Remaining()); !delta.IsZero() {
		s.journalStock(ctx, saved, delta, "manual", "")
	}
	s.logAudit(ctx, saved.BranchID, "item_update", "item", saved.ID,
		fmt.Sprintf("price=%s,stock=%s", saved.SellingPrice, saved.StockManagement.Remaining()))
	return saved, nil
}

func (s *Service) DeleteItem(ctx context.Context, branchID string, id string, rev string) error {
	if _, err := s.authorize(ctx, branchID, domain.RoleAdmin, domain.RoleManager); err != nil {
		return err
	}
	if _, err := s.repo.Items.GetInBranch(ctx, branchID, id); err != nil {
		return err
	}
	if err := s.repo.Items.Delete(ctx, id, rev); err != nil {
		return err
	}
	s.invalidate(ctx, domain.StoreItems)
	s.logAudit(ctx, branchID, "item_delete", "item", id, "")
	return nil
}

func (s *Service) validateItem(ctx context.Context, item *domain.Item) error {
	var err error
	if item.Name, err = requireText("name", item.Name); err != nil {
		return err
	}
	if err := s.requireBranch(ctx, item.BranchID); err != nil {
		return err
	}
	if item.DepartmentID != "" {
		if _, err := s.repo.Departments.GetInBranch(ctx, item.BranchID, item.DepartmentID); err != nil {
			return fmt.Errorf("%w: department %s: %v", store.ErrValidation, item.DepartmentID, err)
		}
	}
	if item.CategoryID != "" {
		if _, err := s.repo.Categories.GetInBranch(ctx, item.BranchID, item.CategoryID); err != nil {
			return fmt.Errorf("%w: category %s: %v", store.ErrValidation, item.CategoryID, err)
		}
	}

	for field, v := range map[string]decimal.Decimal{
		"costPrice":     item.CostPrice,
		"sellingPrice":  item.SellingPrice,
		"discountPrice": item.DiscountPrice,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s must not be negative", store.ErrValidation, field)
		}
	}

	stock := &item.StockManagement
	switch stock.Type {
	case "":
		stock.Type = domain.StockByQuantity
	case domain.StockByQuantity, domain.StockByWeight:
	default:
		return fmt.Errorf("%w: unknown stock management type %q", store.ErrValidation, stock.Type)
	}
	if stock.Quantity.IsNegative() || stock.TotalWeight.IsNegative() {
		return fmt.Errorf("%w: stock must not be negative", store.ErrValidation)
	}
	if stock.Type == domain.StockByQuantity && !stock.Quantity.Equal(stock.Quantity.Truncate(0)) {
		return fmt.Errorf("%w: quantity-managed stock must be a whole number", store.ErrValidation)
	}
	if stock.Type == domain.StockByWeight && stock.WeightUnit == "" {
		stock.WeightUnit = "kg"
	}
	return nil
}

func (s *Service) requireBranch(ctx context.Context, branchID string) error {
	if branchID == "" {
		return fmt.Errorf("%w: branchId is required", store.ErrValidation)
	}
	if _, err := s.repo.Branches.Get(ctx, branchID); err != nil {
		return fmt.Errorf("%w: branch %s: %v", store.ErrValidation, branchID, err)
	}
	return nil
}
