package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"retailsync/internal/domain"
	"retailsync/internal/service"
	"retailsync/internal/store"
)

func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

func queryBool(r *http.Request, name string, fallback bool) bool {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

// requireRev reads the revision a delete is based on.
func requireRev(w http.ResponseWriter, r *http.Request) (string, bool) {
	rev := strings.TrimSpace(r.URL.Query().Get("rev"))
	if rev == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "rev query parameter is required", "code": "validation_error"})
		return "", false
	}
	return rev, true
}

// Branches

func (a *API) handleListBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := a.service.ListBranches(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
}

func (a *API) handleGetBranch(w http.ResponseWriter, r *http.Request) {
	branch, err := a.service.GetBranch(r.Context(), pathVar(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branch": branch})
}

func (a *API) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	var req domain.Branch
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	branch, err := a.service.CreateBranch(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"branch": branch})
}

func (a *API) handleUpdateBranch(w http.ResponseWriter, r *http.Request) {
	var req domain.Branch
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.ID = pathVar(r, "id")
	branch, err := a.service.UpdateBranch(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branch": branch})
}

func (a *API) handleDeleteBranch(w http.ResponseWriter, r *http.Request) {
	rev, ok := requireRev(w, r)
	if !ok {
		return
	}
	if err := a.service.DeleteBranch(r.Context(), pathVar(r, "id"), rev); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Departments

func (a *API) handleListDepartments(w http.ResponseWriter, r *http.Request) {
	departments, err := a.service.ListDepartments(r.Context(), pathVar(r, "branchId"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"departments": departments})
}

func (a *API) handleGetDepartment(w http.ResponseWriter, r *http.Request) {
	department, err := a.service.GetDepartment(r.Context(), pathVar(r, "branchId"), pathVar(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"department": department})
}

func (a *API) handleCreateDepartment(w http.ResponseWriter, r *http.Request) {
	var req domain.Department
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.BranchID = pathVar(r, "branchId")
	department, err := a.service.CreateDepartment(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"department": department})
}

func (a *API) handleUpdateDepartment(w http.ResponseWriter, r *http.Request) {
	var req domain.Department
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.ID, req.BranchID = pathVar(r, "id"), pathVar(r, "branchId")
	department, err := a.service.UpdateDepartment(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"department": department})
}

func (a *API) handleDeleteDepartment(w http.ResponseWriter, r *http.Request) {
	rev, ok := requireRev(w, r)
	if !ok {
		return
	}
	if err := a.service.DeleteDepartment(r.Context(), pathVar(r, "branchId"), pathVar(r, "id"), rev); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Categories

func (a *API) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := a.service.ListCategories(r.Context(), pathVar(r, "branchId"), strings.TrimSpace(r.URL.Query().Get("departmentId")))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": categories})
}

func (a *API) handleGetCategory(w http.ResponseWriter, r *http.Request) {
	category, err := a.service.GetCategory(r.Context(), pathVar(r, "branchId"), pathVar(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"category": category})
}

func (a *API) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var req domain.Category
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.BranchID = pathVar(r, "branchId")
	category, err := a.service.CreateCategory(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"category": category})
}

func (a *API) handleUpdateCategory(w http.ResponseWriter, r *http.Request) {
	var req domain.Category
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.ID, req.BranchID = pathVar(r, "id"), pathVar(r, "branchId")
	category, err := a.service.UpdateCategory(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"category": category})
}

func (a *API) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	rev, ok := requireRev(w, r)
	if !ok {
		return
	}
	if err := a.service.DeleteCategory(r.Context(), pathVar(r, "branchId"), pathVar(r, "id"), rev); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Items

func itemFilter(r *http.Request) store.Filter {
	q := r.URL.Query()
	return store.Filter{
		DepartmentID: strings.TrimSpace(q.Get("departmentId")),
		CategoryID:   strings.TrimSpace(q.Get("categoryId")),
	}
}

func (a *API) handleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := a.service.ListItems(r.Context(), pathVar(r, "branchId"), itemFilter(r))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleListAllItems lists items across branches. Items of deleted branches
// are hidden unless includeOrphans=true.
func (a *API) handleListAllItems(w http.ResponseWriter, r *http.Request) {
	actor, _ := service.ActorFromContext(r.Context())
	if actor.Role != domain.RoleAdmin {
		a.writeServiceError(w, service.ErrForbidden)
		return
	}
	f := itemFilter(r)
	f.ExcludeOrphans = !queryBool(r, "includeOrphans", false)
	items, err := a.service.ListItems(r.Context(), "", f)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := a.service.GetItem(r.Context(), pathVar(r, "branchId"), pathVar(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (a *API) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req domain.Item
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.BranchID = pathVar(r, "branchId")
	item, err := a.service.CreateItem(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"item": item})
}

func (a *API) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	var req domain.Item
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.ID, req.BranchID = pathVar(r, "id"), pathVar(r, "branchId")
	item, err := a.service.UpdateItem(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (a *API) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	rev, ok := requireRev(w, r)
	if !ok {
		return
	}
	if err := a.service.DeleteItem(r.Context(), pathVar(r, "branchId"), pathVar(r, "id"), rev); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Sales and returns

func (a *API) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := a.service.ListTransactions(r.Context(), pathVar(r, "branchId"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (a *API) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := a.service.GetTransaction(r.Context(), pathVar(r, "branchId"), pathVar(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (a *API) handleRecordSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.BranchID = pathVar(r, "branchId")
	tx, err := a.service.RecordSale(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"transaction": tx})
}

func (a *API) handleListReturns(w http.ResponseWriter, r *http.Request) {
	returns, err := a.service.ListReturns(r.Context(), pathVar(r, "branchId"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"returns": returns})
}

func (a *API) handleGetReturn(w http.ResponseWriter, r *http.Request) {
	ret, err := a.service.GetReturn(r.Context(), pathVar(r, "branchId"), pathVar(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"return": ret})
}

func (a *API) handleRecordReturn(w http.ResponseWriter, r *http.Request) {
	var req domain.ReturnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.BranchID = pathVar(r, "branchId")
	ret, err := a.service.RecordReturn(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"return": ret})
}

// Expenses and reports

func (a *API) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	expenses, err := a.service.ListExpenses(r.Context(), pathVar(r, "branchId"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expenses": expenses})
}

func (a *API) handleGetExpense(w http.ResponseWriter, r *http.Request) {
	expense, err := a.service.GetExpense(r.Context(), pathVar(r, "branchId"), pathVar(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expense": expense})
}

func (a *API) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	var req domain.Expense
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.BranchID = pathVar(r, "branchId")
	expense, err := a.service.CreateExpense(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"expense": expense})
}

func (a *API) handleUpdateExpense(w http.ResponseWriter, r *http.Request) {
	var req domain.Expense
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.ID, req.BranchID = pathVar(r, "id"), pathVar(r, "branchId")
	expense, err := a.service.UpdateExpense(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expense": expense})
}

func (a *API) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	rev, ok := requireRev(w, r)
	if !ok {
		return
	}
	if err := a.service.DeleteExpense(r.Context(), pathVar(r, "branchId"), pathVar(r, "id"), rev); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListReports(w http.ResponseWriter, r *http.Request) {
	reports, err := a.service.ListReports(r.Context(), pathVar(r, "branchId"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (a *API) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report, err := a.service.GetReport(r.Context(), pathVar(r, "branchId"), pathVar(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

func (a *API) handleGenerateReport(w http.ResponseWriter, r *http.Request) {
	var req domain.ReportRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.BranchID = pathVar(r, "branchId")
	report, err := a.service.GenerateReport(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"report": report})
}

func (a *API) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 1000)
	logs, err := a.service.ListLogs(r.Context(), pathVar(r, "branchId"), r.URL.Query().Get("action"), limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// Users

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.service.ListUsers(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.service.GetUser(r.Context(), pathVar(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req domain.UserCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := a.service.CreateUser(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req domain.UserUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := a.service.UpdateUser(r.Context(), pathVar(r, "id"), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	rev, ok := requireRev(w, r)
	if !ok {
		return
	}
	if err := a.service.DeleteUser(r.Context(), pathVar(r, "id"), rev); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Sync

func (a *API) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := a.service.PendingReturns(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sync":           a.status.Snapshot(),
		"pendingReturns": pending,
	})
}

// handleSyncNow runs one replication cycle for ?store=, or for every store.
func (a *API) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	results, err := a.service.TriggerSync(r.Context(), strings.TrimSpace(r.URL.Query().Get("store")))
	if err != nil {
		status, body := a.serviceErrorBody(err)
		if len(results) > 0 {
			body["results"] = results
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (a *API) handleSyncWS(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		a.writeServiceError(w, service.ErrSyncDisabled)
		return
	}
	a.hub.ServeWS(w, r)
}
