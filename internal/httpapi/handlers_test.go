package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store/memory"
)

// newTestAPI builds a full API over the seeded in-memory store so handler
// tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()
	t.Setenv("SEED_MANAGER_PASSWORD", "manager123")
	t.Setenv("SEED_CLERK_PASSWORD", "clerk123")

	repo := memory.NewSeeded()
	svc := service.New(repo)
	auth := NewAuthManager(context.Background(), "test-secret-key-that-is-long-enough", time.Hour, repo)
	return New(svc, auth, "http://localhost:5173", nil)
}

func tokenFor(t *testing.T, api *API, username string, role string) string {
	t.Helper()
	token, err := api.auth.sign(username, role, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, api *API, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	return res
}

func decodeBody[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	res := doJSON(t, api, http.MethodGet, "/healthz", "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	body := decodeBody[map[string]any](t, res)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestLoginIssuesUsableToken(t *testing.T) {
	api := newTestAPI(t)

	res := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "clerk", Password: "clerk123"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	login := decodeBody[domain.LoginResponse](t, res)
	if login.Role != domain.RoleClerk {
		t.Fatalf("expected clerk role, got %s", login.Role)
	}

	res = doJSON(t, api, http.MethodGet, "/api/v1/products", login.AccessToken, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 listing products, got %d", res.Code)
	}
	products := decodeBody[map[string][]domain.Product](t, res)
	if len(products["products"]) != 7 {
		t.Fatalf("expected 7 seeded products, got %d", len(products["products"]))
	}
}

func TestCheckoutEndpointAndReplay(t *testing.T) {
	api := newTestAPI(t)
	token := tokenFor(t, api, "clerk", domain.RoleClerk)
	memberID := int64(1)
	req := domain.CheckoutRequest{
		IdempotencyKey: "pos-1-0001",
		MemberID:       &memberID,
		Lines:          []domain.CartLine{{ProductID: 1, Quantity: 2}},
	}

	res := doJSON(t, api, http.MethodPost, "/api/v1/checkout", token, req)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.Code, res.Body.String())
	}
	first := decodeBody[domain.CheckoutResult](t, res)
	if first.ClerkID != "clerk" {
		t.Fatalf("expected clerk id from token, got %q", first.ClerkID)
	}
	if !first.Total.Equal(decimal.RequireFromString("7.00")) {
		t.Fatalf("expected total 7.00, got %s", first.Total)
	}
	if first.PointsAdded != 7 {
		t.Fatalf("expected 7 points, got %d", first.PointsAdded)
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/checkout", token, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", res.Code)
	}
	replay := decodeBody[domain.CheckoutResult](t, res)
	if !replay.Duplicate || replay.OrderID != first.OrderID {
		t.Fatalf("expected duplicate of %s, got %+v", first.OrderID, replay)
	}

	res = doJSON(t, api, http.MethodGet, "/api/v1/checkout/idempotency/pos-1-0001", token, nil)
	lookup := decodeBody[domain.CheckoutLookupResponse](t, res)
	if !lookup.Found || lookup.Checkout.OrderID != first.OrderID {
		t.Fatalf("expected lookup to find %s, got %+v", first.OrderID, lookup)
	}

	other := tokenFor(t, api, "amy", domain.RoleClerk)
	res = doJSON(t, api, http.MethodGet, "/api/v1/checkout/idempotency/pos-1-0001", other, nil)
	if hidden := decodeBody[domain.CheckoutLookupResponse](t, res); hidden.Found || hidden.Checkout != nil {
		t.Fatalf("expected another clerk's receipt to stay hidden, got %+v", hidden)
	}
	manager := tokenFor(t, api, "manager", domain.RoleManager)
	res = doJSON(t, api, http.MethodGet, "/api/v1/checkout/idempotency/pos-1-0001", manager, nil)
	if seen := decodeBody[domain.CheckoutLookupResponse](t, res); !seen.Found {
		t.Fatalf("expected manager to see the receipt, got %+v", seen)
	}

	req.Lines[0].Quantity = 3
	res = doJSON(t, api, http.MethodPost, "/api/v1/checkout", token, req)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 for reused key, got %d", res.Code)
	}
}

func TestCheckoutEndpointReportsShortfall(t *testing.T) {
	api := newTestAPI(t)
	token := tokenFor(t, api, "clerk", domain.RoleClerk)

	res := doJSON(t, api, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{
		IdempotencyKey: "pos-1-0002",
		Lines:          []domain.CartLine{{ProductID: 3, Quantity: 6}},
	})
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", res.Code)
	}
	body := decodeBody[map[string]any](t, res)
	if body["kind"] != "insufficient_stock" || body["retryable"] != false {
		t.Fatalf("unexpected error body %v", body)
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{IdempotencyKey: "pos-1-0003"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty cart, got %d", res.Code)
	}
	body = decodeBody[map[string]any](t, res)
	if body["kind"] != "validation" {
		t.Fatalf("expected validation kind, got %v", body["kind"])
	}
}

func TestCheckoutTakesKeyFromHeader(t *testing.T) {
	api := newTestAPI(t)
	token := tokenFor(t, api, "clerk", domain.RoleClerk)

	payload, _ := json.Marshal(domain.CheckoutRequest{Lines: []domain.CartLine{{ProductID: 2, Quantity: 1}}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", "hdr-1")
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.Code, res.Body.String())
	}
}

func TestAmendEndpoint(t *testing.T) {
	api := newTestAPI(t)
	clerk := tokenFor(t, api, "clerk", domain.RoleClerk)
	manager := tokenFor(t, api, "manager", domain.RoleManager)

	res := doJSON(t, api, http.MethodPost, "/api/v1/checkout", clerk, domain.CheckoutRequest{
		IdempotencyKey: "pos-1-0004",
		Lines:          []domain.CartLine{{ProductID: 2, Quantity: 2}},
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("checkout failed: %d", res.Code)
	}
	sale := decodeBody[domain.CheckoutResult](t, res).Lines[0]

	path := "/api/v1/sales/" + jsonInt(sale.SaleID) + "/amend"
	if res := doJSON(t, api, http.MethodPost, path, clerk, map[string]int{"new_quantity": 3}); res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for clerk amend, got %d", res.Code)
	}
	if res := doJSON(t, api, http.MethodPost, path, manager, map[string]any{}); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without new_quantity, got %d", res.Code)
	}

	res = doJSON(t, api, http.MethodPost, path, manager, map[string]int{"new_quantity": 3})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	result := decodeBody[domain.AmendResult](t, res)
	if result.StockAfter != 47 || !result.TotalPrice.Equal(decimal.RequireFromString("15.00")) {
		t.Fatalf("unexpected amend result %+v", result)
	}

	res = doJSON(t, api, http.MethodGet, "/api/v1/modification-logs", manager, nil)
	logs := decodeBody[map[string][]domain.ModificationLogView](t, res)
	if len(logs["logs"]) != 1 || logs["logs"][0].OperatorID != "manager" {
		t.Fatalf("expected one log by manager, got %+v", logs["logs"])
	}
}

func TestOrdersAreScopedToClerk(t *testing.T) {
	api := newTestAPI(t)
	amy := tokenFor(t, api, "amy", domain.RoleClerk)
	bob := tokenFor(t, api, "bob", domain.RoleClerk)
	manager := tokenFor(t, api, "manager", domain.RoleManager)

	for i, token := range []string{amy, bob} {
		res := doJSON(t, api, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{
			IdempotencyKey: "scope-" + jsonInt(int64(i)),
			Lines:          []domain.CartLine{{ProductID: 5, Quantity: 1}},
		})
		if res.Code != http.StatusCreated {
			t.Fatalf("checkout failed: %d", res.Code)
		}
	}

	own := decodeBody[map[string][]domain.OrderLine](t, doJSON(t, api, http.MethodGet, "/api/v1/orders", amy, nil))
	if len(own["orders"]) != 1 || own["orders"][0].ClerkID != "amy" {
		t.Fatalf("expected amy to see only her order, got %+v", own["orders"])
	}
	all := decodeBody[map[string][]domain.OrderLine](t, doJSON(t, api, http.MethodGet, "/api/v1/orders", manager, nil))
	if len(all["orders"]) != 2 {
		t.Fatalf("expected manager to see 2 orders, got %d", len(all["orders"]))
	}
}

func TestProductManagementRequiresManager(t *testing.T) {
	api := newTestAPI(t)
	clerk := tokenFor(t, api, "clerk", domain.RoleClerk)
	manager := tokenFor(t, api, "manager", domain.RoleManager)
	req := map[string]any{
		"name":            "Rice 5kg",
		"category":        "grocery",
		"buy_price":       "20.00",
		"sell_price":      "26.50",
		"initial_stock":   10,
		"min_stock_alert": 2,
	}

	if res := doJSON(t, api, http.MethodPost, "/api/v1/products", clerk, req); res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for clerk, got %d", res.Code)
	}
	res := doJSON(t, api, http.MethodPost, "/api/v1/products", manager, req)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.Code, res.Body.String())
	}
	created := decodeBody[map[string]domain.Product](t, res)["product"]

	res = doJSON(t, api, http.MethodPost, "/api/v1/products/"+jsonInt(created.ID)+"/restock", manager, domain.RestockRequest{Quantity: 5})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 on restock, got %d", res.Code)
	}
	if got := decodeBody[map[string]domain.Product](t, res)["product"].Stock; got != 15 {
		t.Fatalf("expected stock 15, got %d", got)
	}

	if res := doJSON(t, api, http.MethodGet, "/api/v1/products/999", clerk, nil); res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown product, got %d", res.Code)
	}
	if res := doJSON(t, api, http.MethodGet, "/api/v1/products/abc", clerk, nil); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", res.Code)
	}
}

func TestMemberEndpoints(t *testing.T) {
	api := newTestAPI(t)
	clerk := tokenFor(t, api, "clerk", domain.RoleClerk)
	manager := tokenFor(t, api, "manager", domain.RoleManager)

	res := doJSON(t, api, http.MethodPost, "/api/v1/members", clerk, domain.MemberRegisterRequest{Phone: "13800138000", Name: "Dup"})
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate phone, got %d", res.Code)
	}

	res = doJSON(t, api, http.MethodGet, "/api/v1/members/phone/13900139000", clerk, nil)
	member := decodeBody[map[string]domain.Member](t, res)["member"]
	if member.Points != 250 {
		t.Fatalf("expected 250 points, got %d", member.Points)
	}

	path := "/api/v1/members/" + jsonInt(member.ID) + "/points"
	if res := doJSON(t, api, http.MethodPost, path, clerk, map[string]any{"delta": -50}); res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for clerk adjustment, got %d", res.Code)
	}
	res = doJSON(t, api, http.MethodPost, path, manager, map[string]any{"delta": -50, "reason": "correction"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if got := decodeBody[map[string]domain.Member](t, res)["member"].Points; got != 200 {
		t.Fatalf("expected 200 points, got %d", got)
	}
	if res := doJSON(t, api, http.MethodPost, path, manager, map[string]any{"delta": -500}); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for overdraw, got %d", res.Code)
	}
}

func TestReportEndpoints(t *testing.T) {
	api := newTestAPI(t)
	manager := tokenFor(t, api, "manager", domain.RoleManager)
	clerk := tokenFor(t, api, "clerk", domain.RoleClerk)

	if res := doJSON(t, api, http.MethodGet, "/api/v1/reports/hourly", clerk, nil); res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for clerk reports, got %d", res.Code)
	}

	res := doJSON(t, api, http.MethodGet, "/api/v1/reports/hourly", manager, nil)
	points := decodeBody[map[string][]domain.RevenuePoint](t, res)["points"]
	if len(points) != 24 || points[0].Label != "00:00" {
		t.Fatalf("expected 24 hourly points, got %+v", points)
	}

	for _, path := range []string{"/sales-by-product", "/profit", "/categories", "/top-products?limit=3", "/minutes"} {
		if res := doJSON(t, api, http.MethodGet, "/api/v1/reports"+path, manager, nil); res.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, res.Code)
		}
	}
	if res := doJSON(t, api, http.MethodGet, "/api/v1/reports/minutes?day=bad", manager, nil); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad day, got %d", res.Code)
	}
}

func TestClerkUserEndpoints(t *testing.T) {
	api := newTestAPI(t)
	manager := tokenFor(t, api, "manager", domain.RoleManager)

	res := doJSON(t, api, http.MethodPost, "/api/v1/users/clerks", manager, domain.ClerkCreateRequest{Username: "night-shift", Password: "secret99"})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.Code, res.Body.String())
	}
	res = doJSON(t, api, http.MethodGet, "/api/v1/users/clerks", manager, nil)
	clerks := decodeBody[map[string][]domain.ClerkUser](t, res)["clerks"]
	if len(clerks) != 2 {
		t.Fatalf("expected seeded clerk plus new one, got %+v", clerks)
	}

	clerk := tokenFor(t, api, "night-shift", domain.RoleClerk)
	if res := doJSON(t, api, http.MethodGet, "/api/v1/products", clerk, nil); res.Code != http.StatusOK {
		t.Fatalf("expected active clerk token to work, got %d", res.Code)
	}
	if res := doJSON(t, api, http.MethodPatch, "/api/v1/users/clerks/night-shift", clerk, map[string]any{"active": false}); res.Code != http.StatusForbidden {
		t.Fatalf("expected clerk to be refused, got %d", res.Code)
	}
	if res := doJSON(t, api, http.MethodPatch, "/api/v1/users/clerks/night-shift", manager, map[string]any{}); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without active flag, got %d", res.Code)
	}
	if res := doJSON(t, api, http.MethodPatch, "/api/v1/users/clerks/manager", manager, map[string]any{"active": false}); res.Code != http.StatusNotFound {
		t.Fatalf("expected manager account to be out of reach, got %d", res.Code)
	}

	res = doJSON(t, api, http.MethodPatch, "/api/v1/users/clerks/night-shift", manager, map[string]any{"active": false})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if updated := decodeBody[map[string]domain.ClerkUser](t, res)["clerk"]; updated.Active {
		t.Fatalf("expected clerk to be inactive, got %+v", updated)
	}
	if res := doJSON(t, api, http.MethodGet, "/api/v1/products", clerk, nil); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected token of deactivated clerk to be refused, got %d", res.Code)
	}
	res = doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "night-shift", Password: "secret99"})
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected deactivated clerk login to fail, got %d", res.Code)
	}
}

func jsonInt(v int64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}
