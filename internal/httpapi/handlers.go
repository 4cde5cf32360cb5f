package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/service"
)

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleSearchProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.SearchProducts(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleExpiringProducts(w http.ResponseWriter, r *http.Request) {
	days := 30
	if raw := strings.TrimSpace(r.URL.Query().Get("days")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("days must be an integer"))
			return
		}
		days = parsed
	}
	products, err := a.service.ExpiringProducts(r.Context(), days)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products, "days": days})
}

func (a *API) handleLowStockProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.LowStockProducts(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	product, err := a.service.GetProduct(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, err)
		return
	}
	product, err := a.service.CreateProduct(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"product": product})
}

func (a *API) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	var req domain.ProductUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, err)
		return
	}
	product, err := a.service.UpdateProduct(r.Context(), id, req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if err := a.service.DeleteProduct(r.Context(), id); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRestockProduct(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	var req domain.RestockRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, err)
		return
	}
	product, err := a.service.RestockProduct(r.Context(), id, req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

// handleCheckout records the sale under the authenticated clerk. The
// idempotency key may come from the body or the Idempotency-Key header.
func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, err)
		return
	}
	actor, _ := service.ActorFromContext(r.Context())
	req.ClerkID = actor.Username
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	result, err := a.service.Checkout(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (a *API) handleCheckoutLookup(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.LookupCheckout(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := a.service.ListOrders(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	sale, err := a.service.GetSaleLine(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

type amendBody struct {
	NewQuantity *int `json:"new_quantity"`
}

func (a *API) handleAmendSale(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	var body amendBody
	if err := decodeJSON(r, &body); err != nil {
		a.writeServiceError(w, err)
		return
	}
	if body.NewQuantity == nil {
		writeError(w, http.StatusBadRequest, errors.New("new_quantity is required"))
		return
	}
	actor, _ := service.ActorFromContext(r.Context())

	result, err := a.service.AmendSale(r.Context(), domain.AmendRequest{
		SaleID:      id,
		NewQuantity: *body.NewQuantity,
		OperatorID:  actor.Username,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleRegisterMember(w http.ResponseWriter, r *http.Request) {
	var req domain.MemberRegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, err)
		return
	}
	member, err := a.service.RegisterMember(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"member": member})
}

func (a *API) handleGetMember(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	member, err := a.service.GetMember(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"member": member})
}

func (a *API) handleGetMemberByPhone(w http.ResponseWriter, r *http.Request) {
	member, err := a.service.GetMemberByPhone(r.Context(), chi.URLParam(r, "phone"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"member": member})
}

type pointsBody struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

func (a *API) handleAdjustPoints(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	var body pointsBody
	if err := decodeJSON(r, &body); err != nil {
		a.writeServiceError(w, err)
		return
	}
	actor, _ := service.ActorFromContext(r.Context())

	member, err := a.service.AdjustPoints(r.Context(), domain.MemberPointsAdjustment{
		MemberID:   id,
		Delta:      body.Delta,
		OperatorID: actor.Username,
		Reason:     body.Reason,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"member": member})
}

func (a *API) handleSalesByProduct(w http.ResponseWriter, r *http.Request) {
	rows, err := a.service.SalesByProduct(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": rows})
}

func (a *API) handleProfit(w http.ResponseWriter, r *http.Request) {
	totals, err := a.service.ProfitTotals(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (a *API) handleCategoryRevenue(w http.ResponseWriter, r *http.Request) {
	rows, err := a.service.CategoryRevenue(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": rows})
}

func (a *API) handleTopProducts(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 5, 50)
	rows, err := a.service.TopSellingProducts(r.Context(), limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": rows})
}

func (a *API) handleHourlyRevenue(w http.ResponseWriter, r *http.Request) {
	points, err := a.service.HourlyRevenue(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"points": points})
}

func (a *API) handleMinuteRevenue(w http.ResponseWriter, r *http.Request) {
	points, err := a.service.MinuteRevenue(r.Context(), strings.TrimSpace(r.URL.Query().Get("day")))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"points": points})
}

func (a *API) handleModificationLogs(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	logs, err := a.service.ListModificationLogs(r.Context(), limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleListClerks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"clerks": a.auth.ListClerks(r.Context())})
}

func (a *API) handleCreateClerk(w http.ResponseWriter, r *http.Request) {
	var req domain.ClerkCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, err)
		return
	}
	clerk, err := a.auth.CreateClerk(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"clerk": clerk})
}

func (a *API) handleSetClerkStatus(w http.ResponseWriter, r *http.Request) {
	var req domain.ClerkStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, err)
		return
	}
	if req.Active == nil {
		writeError(w, http.StatusBadRequest, errors.New("active is required"))
		return
	}
	clerk, err := a.auth.SetClerkActive(r.Context(), chi.URLParam(r, "username"), *req.Active)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clerk": clerk})
}
