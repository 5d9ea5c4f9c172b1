package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"retailsync/internal/domain"
	"retailsync/internal/notifier"
	"retailsync/internal/remote"
	"retailsync/internal/replication"
	"retailsync/internal/service"
	"retailsync/internal/store"
)

type testAPI struct {
	*API
	svc     *service.Service
	handler http.Handler
}

// newTestAPI builds a full API over in-memory stores with a bootstrap admin
// so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	svc := service.New(store.NewMemory(), nil, nil)
	if err := svc.EnsureAdmin(context.Background(), "admin", "admin123"); err != nil {
		t.Fatalf("ensure admin: %v", err)
	}
	auth := NewAuthManager("test-secret-key", time.Hour, svc)
	api := New(svc, auth, nil, nil, "*")
	return &testAPI{API: api, svc: svc, handler: api.Handler()}
}

// do sends a JSON request with token and a fresh CSRF token.
func (ta *testAPI) do(t *testing.T, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-CSRF-Token", ta.generateCSRFToken())
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder, key string) T {
	t.Helper()
	var envelope map[string]json.RawMessage
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	var out T
	if err := json.Unmarshal(envelope[key], &out); err != nil {
		t.Fatalf("decode %s: %v", key, err)
	}
	return out
}

func login(t *testing.T, ta *testAPI, username string, password string) string {
	t.Helper()
	rec := ta.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: username, Password: password})
	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s failed: %d %s", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if strings.TrimSpace(resp.AccessToken) == "" {
		t.Fatalf("expected access token in login response")
	}
	return resp.AccessToken
}

func TestHandleHealth(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin(t *testing.T) {
	ta := newTestAPI(t)
	if token := login(t, ta, "admin", "admin123"); token == "" {
		t.Fatalf("expected token")
	}
	rec := ta.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "wrongpassword"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ta := newTestAPI(t)
	for _, path := range []string{"/api/v1/branches", "/api/v1/users", "/api/v1/sync/status", "/api/v1/branches/b1/items"} {
		if rec := ta.do(t, http.MethodGet, path, "", nil); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}
	if rec := ta.do(t, http.MethodGet, "/api/v1/branches", "not-a-token", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", rec.Code)
	}
}

func TestSaleAndReturnOverHTTP(t *testing.T) {
	ta := newTestAPI(t)
	token := login(t, ta, "admin", "admin123")

	rec := ta.do(t, http.MethodPost, "/api/v1/branches", token, map[string]any{"name": "Main"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create branch: %d %s", rec.Code, rec.Body.String())
	}
	branch := decodeBody[domain.Branch](t, rec, "branch")
	base := "/api/v1/branches/" + branch.ID

	rec = ta.do(t, http.MethodPost, base+"/items", token, map[string]any{
		"name":            "Soap",
		"sellingPrice":    "4",
		"costPrice":       "2",
		"stockManagement": map[string]any{"type": "quantity", "quantity": "10"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create item: %d %s", rec.Code, rec.Body.String())
	}
	item := decodeBody[domain.Item](t, rec, "item")

	rec = ta.do(t, http.MethodPost, base+"/transactions", token, map[string]any{
		"lines": []map[string]any{{"itemId": item.ID, "quantity": "3"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("record sale: %d %s", rec.Code, rec.Body.String())
	}
	tx := decodeBody[domain.Transaction](t, rec, "transaction")
	if tx.Total.String() != "12" {
		t.Fatalf("expected total 12, got %s", tx.Total)
	}

	rec = ta.do(t, http.MethodPost, base+"/returns", token, map[string]any{
		"transactionId": tx.ID,
		"items":         []map[string]any{{"itemId": item.ID, "quantity": "1"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("record return: %d %s", rec.Code, rec.Body.String())
	}
	ret := decodeBody[domain.Return](t, rec, "return")
	if ret.SyncStatus != domain.SyncStatusPending {
		t.Fatalf("expected pending return, got %s", ret.SyncStatus)
	}

	rec = ta.do(t, http.MethodGet, base+"/items/"+item.ID, token, nil)
	if got := decodeBody[domain.Item](t, rec, "item"); got.StockManagement.Quantity.String() != "8" {
		t.Fatalf("expected stock 8, got %s", got.StockManagement.Quantity)
	}

	rec = ta.do(t, http.MethodGet, "/api/v1/sync/status", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync status: %d", rec.Code)
	}
	if pending := decodeBody[int](t, rec, "pendingReturns"); pending != 1 {
		t.Fatalf("expected 1 pending return, got %d", pending)
	}
}

func TestServiceErrorsMapToStatusCodes(t *testing.T) {
	ta := newTestAPI(t)
	token := login(t, ta, "admin", "admin123")
	ctx := service.WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})

	main, err := ta.svc.CreateBranch(ctx, domain.Branch{Name: "Main"})
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}
	other, err := ta.svc.CreateBranch(ctx, domain.Branch{Name: "Other"})
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if _, err := ta.svc.CreateUser(ctx, domain.UserCreateRequest{Username: "kasir", Password: "secret1", Role: domain.RoleCashier, BranchID: main.ID}); err != nil {
		t.Fatalf("create cashier: %v", err)
	}
	item, err := ta.svc.CreateItem(ctx, domain.Item{
		BranchID:        main.ID,
		Name:            "Soap",
		StockManagement: domain.StockManagement{Quantity: decimal.RequireFromString("1")},
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	cashier := login(t, ta, "kasir", "secret1")

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		code   string
	}{
		{"insufficient stock", http.MethodPost, "/api/v1/branches/" + main.ID + "/transactions", cashier,
			map[string]any{"lines": []map[string]any{{"itemId": item.ID, "quantity": "5"}}}, http.StatusBadRequest, "insufficient_stock"},
		{"other branch", http.MethodGet, "/api/v1/branches/" + other.ID + "/items", cashier, nil, http.StatusForbidden, "forbidden"},
		{"cashier user admin", http.MethodGet, "/api/v1/users", cashier, nil, http.StatusForbidden, "forbidden"},
		{"missing item", http.MethodGet, "/api/v1/branches/" + main.ID + "/items/item-missing", token, nil, http.StatusNotFound, "not_found"},
		{"stale rev", http.MethodPut, "/api/v1/branches/" + main.ID + "/items/" + item.ID, token,
			map[string]any{"rev": "1-stale", "name": "Soap bar"}, http.StatusConflict, "conflict"},
		{"sync disabled", http.MethodPost, "/api/v1/sync", token, nil, http.StatusServiceUnavailable, "sync_disabled"},
		{"websocket disabled", http.MethodGet, "/api/v1/sync/ws", token, nil, http.StatusServiceUnavailable, "sync_disabled"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ta.do(t, tc.method, tc.path, tc.token, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d (body: %s)", tc.status, rec.Code, rec.Body.String())
			}
			if got := decodeBody[string](t, rec, "code"); got != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, got)
			}
		})
	}

	rec := ta.do(t, http.MethodDelete, "/api/v1/branches/"+main.ID+"/items/"+item.ID, token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected delete without rev to be rejected, got %d", rec.Code)
	}
}

// failingSyncer finishes one store and fails another.
type failingSyncer struct{}

func (failingSyncer) SyncOnce(context.Context, string) (replication.Result, error) {
	return replication.Result{}, &replication.SyncError{Store: domain.StoreItems, Op: "pull", Err: errors.New("connection reset by peer")}
}

func (failingSyncer) SyncAll(context.Context) (map[string]replication.Result, error) {
	return map[string]replication.Result{
		domain.StoreItems:   {Pushed: 3},
		domain.StoreReturns: {},
	}, &replication.SyncError{Store: domain.StoreReturns, Op: "push", Err: fmt.Errorf("%w: bad credentials", remote.ErrUnauthorized)}
}

func TestSyncNowReportsReplicationFailureWithResults(t *testing.T) {
	svc := service.New(store.NewMemory(), nil, failingSyncer{})
	if err := svc.EnsureAdmin(context.Background(), "admin", "admin123"); err != nil {
		t.Fatalf("ensure admin: %v", err)
	}
	api := New(svc, NewAuthManager("test-secret-key", time.Hour, svc), nil, nil, "*")
	ta := &testAPI{API: api, svc: svc, handler: api.Handler()}
	token := login(t, ta, "admin", "admin123")

	rec := ta.do(t, http.MethodPost, "/api/v1/sync", token, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Error   string                        `json:"error"`
		Code    string                        `json:"code"`
		Results map[string]replication.Result `json:"results"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "remote_unauthorized" || !strings.Contains(body.Error, "bad credentials") {
		t.Fatalf("expected the remote failure to be reported, got %q (%s)", body.Error, body.Code)
	}
	if body.Results[domain.StoreItems].Pushed != 3 {
		t.Fatalf("expected partial results, got %+v", body.Results)
	}

	rec = ta.do(t, http.MethodPost, "/api/v1/sync?store="+domain.StoreItems, token, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if msg := decodeBody[string](t, rec, "error"); !strings.Contains(msg, "connection reset") {
		t.Fatalf("expected the sync error message, got %q", msg)
	}
}

func TestSyncWebSocketStreamsSnapshots(t *testing.T) {
	svc := service.New(store.NewMemory(), nil, nil)
	if err := svc.EnsureAdmin(context.Background(), "admin", "admin123"); err != nil {
		t.Fatalf("ensure admin: %v", err)
	}
	status := notifier.New(false, []string{domain.StoreItems})
	hub := notifier.NewHub(status, func(*http.Request) bool { return true })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	auth := NewAuthManager("test-secret-key", time.Hour, svc)
	api := New(svc, auth, status, hub, "*")
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	token, err := auth.sign(domain.Actor{Username: "admin", Role: domain.RoleAdmin}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + wsPath

	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected dial without token to be refused with 401, got %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url+"?access_token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var snap notifier.Snapshot
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}
	if snap.Online {
		t.Fatalf("expected the initial snapshot to be offline")
	}

	status.SetOnline(true)
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if st, ok := snap.State(domain.StoreItems); !snap.Online || !ok || st.State != notifier.StateIdle {
		t.Fatalf("expected online idle snapshot, got %+v", snap)
	}
}
