package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entity store names. Each names one local document store and its remote
// counterpart.
const (
	StoreBranches     = "branches"
	StoreDepartments  = "departments"
	StoreCategories   = "categories"
	StoreItems        = "items"
	StoreTransactions = "transactions"
	StoreReturns      = "returns"
	StoreExpenses     = "expenses"
	StoreReports      = "reports"
	StoreUsers        = "users"
	StoreLogs         = "logs"
)

// AllStores lists every entity store in dependency order.
var AllStores = []string{
	StoreBranches,
	StoreDepartments,
	StoreCategories,
	StoreItems,
	StoreTransactions,
	StoreReturns,
	StoreExpenses,
	StoreReports,
	StoreUsers,
	StoreLogs,
}

const (
	StockByQuantity = "quantity"
	StockByWeight   = "weight"
)

const (
	ReturnStatusCompleted = "completed"

	SyncStatusPending = "pending"
	SyncStatusSynced  = "synced"
)

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleCashier = "cashier"
)

// Meta carries the document key and revision of a stored entity.
type Meta struct {
	ID  string `json:"id"`
	Rev string `json:"rev,omitempty"`
}

func (m *Meta) DocMeta() *Meta {
	return m
}

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	BranchID string `json:"branchId,omitempty"`
}

type Branch struct {
	Meta
	Name      string    `json:"name"`
	Location  string    `json:"location,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Department struct {
	Meta
	BranchID    string    `json:"branchId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Category struct {
	Meta
	BranchID     string    `json:"branchId"`
	DepartmentID string    `json:"departmentId"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type StockManagement struct {
	Type        string          `json:"type"`
	Quantity    decimal.Decimal `json:"quantity"`
	TotalWeight decimal.Decimal `json:"totalWeight"`
	WeightUnit  string          `json:"weightUnit,omitempty"`
}

// Remaining is the stock on hand in the unit the item is managed by.
func (s StockManagement) Remaining() decimal.Decimal {
	if s.Type == StockByWeight {
		return s.TotalWeight
	}
	return s.Quantity
}

// Adjust adds delta (negative to consume) to the managed stock.
func (s StockManagement) Adjust(delta decimal.Decimal) StockManagement {
	if s.Type == StockByWeight {
		s.TotalWeight = s.TotalWeight.Add(delta)
	} else {
		s.Quantity = s.Quantity.Add(delta)
	}
	return s
}

type Item struct {
	Meta
	BranchID        string          `json:"branchId"`
	DepartmentID    string          `json:"departmentId,omitempty"`
	CategoryID      string          `json:"categoryId,omitempty"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	CostPrice       decimal.Decimal `json:"costPrice"`
	SellingPrice    decimal.Decimal `json:"sellingPrice"`
	DiscountPrice   decimal.Decimal `json:"discountPrice"`
	InStock         bool            `json:"inStock"`
	StockManagement StockManagement `json:"stockManagement"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// EffectivePrice is the unit price charged at sale time.
func (i Item) EffectivePrice() decimal.Decimal {
	if i.DiscountPrice.IsPositive() && i.DiscountPrice.LessThan(i.SellingPrice) {
		return i.DiscountPrice
	}
	return i.SellingPrice
}

// SyncInStock recomputes InStock from the managed stock.
func (i *Item) SyncInStock() {
	i.InStock = i.StockManagement.Remaining().IsPositive()
}

type TransactionLine struct {
	ItemID              string          `json:"itemId"`
	Name                string          `json:"name"`
	QuantitySold        decimal.Decimal `json:"quantitySold"`
	SellingPrice        decimal.Decimal `json:"sellingPrice"`
	CostPrice           decimal.Decimal `json:"costPrice"`
	StockManagementType string          `json:"stockManagementType"`
	WeightUnit          string          `json:"weightUnit,omitempty"`
}

type Transaction struct {
	Meta
	BranchID      string            `json:"branchId"`
	SalesID       string            `json:"salesId"`
	PaymentMethod string            `json:"paymentMethod"`
	Total         decimal.Decimal   `json:"total"`
	Items         []TransactionLine `json:"items"`
	CreatedBy     string            `json:"createdBy,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// LinesTotal sums sellingPrice x quantitySold over the lines.
func (t Transaction) LinesTotal() decimal.Decimal {
	total := decimal.Zero
	for _, line := range t.Items {
		total = total.Add(line.SellingPrice.Mul(line.QuantitySold))
	}
	return total
}

type ReturnLine struct {
	ItemID         string          `json:"itemId"`
	Name           string          `json:"name"`
	ReturnQuantity decimal.Decimal `json:"returnQuantity"`
	Price          decimal.Decimal `json:"price"`
}

type Return struct {
	Meta
	BranchID      string          `json:"branchId"`
	TransactionID string          `json:"transactionId"`
	SalesID       string          `json:"salesId"`
	Items         []ReturnLine    `json:"items"`
	Total         decimal.Decimal `json:"total"`
	Reason        string          `json:"reason,omitempty"`
	Status        string          `json:"status"`
	// SyncStatus is kept in a local-only side document and filled in on read.
	SyncStatus string    `json:"syncStatus,omitempty"`
	CreatedBy  string    `json:"createdBy,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Expense struct {
	Meta
	BranchID  string          `json:"branchId"`
	Title     string          `json:"title"`
	Category  string          `json:"category,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Note      string          `json:"note,omitempty"`
	SpentAt   time.Time       `json:"spentAt"`
	CreatedBy string          `json:"createdBy,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type Report struct {
	Meta
	BranchID         string          `json:"branchId"`
	From             time.Time       `json:"from"`
	To               time.Time       `json:"to"`
	TransactionCount int             `json:"transactionCount"`
	GrossSales       decimal.Decimal `json:"grossSales"`
	CostOfGoods      decimal.Decimal `json:"costOfGoods"`
	GrossProfit      decimal.Decimal `json:"grossProfit"`
	ReturnsTotal     decimal.Decimal `json:"returnsTotal"`
	ExpensesTotal    decimal.Decimal `json:"expensesTotal"`
	NetIncome        decimal.Decimal `json:"netIncome"`
	ByPayment        []PaymentTotal  `json:"byPayment"`
	CreatedBy        string          `json:"createdBy,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

type PaymentTotal struct {
	PaymentMethod string          `json:"paymentMethod"`
	Transactions  int             `json:"transactions"`
	Total         decimal.Decimal `json:"total"`
}

type User struct {
	Meta
	Username  string    `json:"username"`
	Password  string    `json:"password,omitempty"`
	Role      string    `json:"role"`
	BranchID  string    `json:"branchId,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type LogEntry struct {
	Meta
	BranchID   string    `json:"branchId,omitempty"`
	Actor      string    `json:"actor"`
	Role       string    `json:"role,omitempty"`
	Action     string    `json:"action"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type SaleLineRequest struct {
	ItemID   string          `json:"itemId"`
	Quantity decimal.Decimal `json:"quantity"`
}

type SaleRequest struct {
	BranchID        string            `json:"branchId"`
	PaymentMethod   string            `json:"paymentMethod"`
	Lines           []SaleLineRequest `json:"lines"`
	AllowOutOfStock bool              `json:"allowOutOfStock,omitempty"`
}

type ReturnLineRequest struct {
	ItemID   string          `json:"itemId"`
	Quantity decimal.Decimal `json:"quantity"`
}

type ReturnRequest struct {
	BranchID      string              `json:"branchId"`
	TransactionID string              `json:"transactionId"`
	Items         []ReturnLineRequest `json:"items"`
	Reason        string              `json:"reason,omitempty"`
}

type ReportRequest struct {
	BranchID string    `json:"branchId"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	BranchID    string `json:"branchId,omitempty"`
	ExpiresAt   string `json:"expires_at"`
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
	BranchID string `json:"branchId,omitempty"`
}

type UserUpdateRequest struct {
	Rev      string  `json:"rev"`
	Password *string `json:"password,omitempty"`
	Role     *string `json:"role,omitempty"`
	BranchID *string `json:"branchId,omitempty"`
	Active   *bool   `json:"active,omitempty"`
}
