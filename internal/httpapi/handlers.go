package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/service"
	"retailcore/backend/internal/store"
)

func actorOf(r *http.Request) domain.Actor {
	actor, _ := service.ActorFromContext(r.Context())
	return actor
}

func isStaff(actor domain.Actor) bool {
	return isRoleAllowed(actor.Role, staffRolesList)
}

// authorizeBasket lets customers reach only their own carts. Someone else's
// basket is reported as missing.
func (a *API) authorizeBasket(r *http.Request, basketID string) error {
	actor := actorOf(r)
	if isStaff(actor) {
		return nil
	}
	basket, err := a.service.Carts.Get(r.Context(), basketID)
	if err != nil {
		return err
	}
	if basket.Kind != domain.BasketKindCart || basket.CustomerID != actor.Username {
		return store.ErrNotFound
	}
	return nil
}

// checkManagerPIN writes the rejection itself and reports whether the
// request may continue.
func (a *API) checkManagerPIN(w http.ResponseWriter, r *http.Request, action string, pin string) bool {
	if !a.pinLimiter.Allow("pin:" + action + ":" + clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return false
	}
	if !a.auth.ValidateManagerPIN(pin) {
		writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
		return false
	}
	return true
}

func (a *API) handleBaskets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.BasketCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if actor := actorOf(r); actor.Role == domain.RoleCustomer {
		req.Kind = domain.BasketKindCart
		req.CustomerID = actor.Username
		req.CashierID = ""
	}

	basket, err := a.service.Carts.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"basket": basket})
}

func (a *API) handleBasketActions(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/api/v1/baskets/")
	if len(segments) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("basket id required"))
		return
	}
	basketID := segments[0]
	if err := a.authorizeBasket(r, basketID); err != nil {
		writeServiceError(w, err)
		return
	}

	switch {
	case len(segments) == 1:
		a.handleBasket(w, r, basketID)
	case len(segments) == 2 && segments[1] == "items":
		a.handleBasketAdd(w, r, basketID)
	case len(segments) == 2 && segments[1] == "convert":
		a.handleConvert(w, r, basketID)
	case len(segments) == 3 && segments[1] == "items":
		a.handleBasketLine(w, r, basketID, segments[2])
	case len(segments) == 4 && segments[1] == "items" && segments[3] == "scan":
		a.handleBasketScan(w, r, basketID, segments[2])
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown basket action"))
	}
}

func (a *API) handleBasket(w http.ResponseWriter, r *http.Request, basketID string) {
	switch r.Method {
	case http.MethodGet:
		basket, err := a.service.Carts.Get(r.Context(), basketID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"basket": basket})
	case http.MethodDelete:
		if err := a.service.Carts.Discard(r.Context(), basketID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleBasketAdd(w http.ResponseWriter, r *http.Request, basketID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.BasketAddRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	item, err := a.service.Carts.Add(r.Context(), basketID, req.ProductID, req.Quantity)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"item": item})
}

func (a *API) handleBasketLine(w http.ResponseWriter, r *http.Request, basketID string, itemID string) {
	switch r.Method {
	case http.MethodPatch:
		var req domain.BasketUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		item, err := a.service.Carts.Update(r.Context(), basketID, itemID, req.Quantity)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"item": item})
	case http.MethodDelete:
		if err := a.service.Carts.Remove(r.Context(), basketID, itemID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleBasketScan(w http.ResponseWriter, r *http.Request, basketID string, itemID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !isStaff(actorOf(r)) {
		writeError(w, http.StatusForbidden, errors.New("forbidden role"))
		return
	}

	var req domain.BasketScanRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}

	item, err := a.service.Carts.Scan(r.Context(), basketID, itemID, req.Count)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (a *API) handleConvert(w http.ResponseWriter, r *http.Request, basketID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.ConvertRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.BasketID = basketID
	if actorOf(r).Role == domain.RoleCustomer && hasStaffConvertFields(req) {
		writeError(w, http.StatusForbidden, errors.New("payment, fees, commission, exchange and walk-in details are set by staff"))
		return
	}

	order, err := a.service.Orders.Convert(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"order": order})
}

// hasStaffConvertFields reports whether a conversion carries anything beyond
// the payment method a customer may pick for their own cart.
func hasStaffConvertFields(req domain.ConvertRequest) bool {
	return req.Payment != nil ||
		!req.FeeAmount.IsZero() ||
		!req.CommissionPercentage.IsZero() ||
		strings.TrimSpace(req.ExchangeForOrderID) != "" ||
		strings.TrimSpace(req.NonAppCustomerName) != "" ||
		strings.TrimSpace(req.NonAppCustomerPhone) != ""
}

func (a *API) handleOrderActions(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/api/v1/orders/")
	if len(segments) == 0 || len(segments) > 2 {
		writeError(w, http.StatusBadRequest, errors.New("invalid order action path"))
		return
	}
	orderID := segments[0]
	actor := actorOf(r)

	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		order, err := a.service.Orders.Get(r.Context(), orderID)
		if err == nil && !isStaff(actor) && order.CustomerID != actor.Username {
			err = store.ErrNotFound
		}
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"order": order})
		return
	}

	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !isStaff(actor) {
		writeError(w, http.StatusForbidden, errors.New("forbidden role"))
		return
	}

	switch segments[1] {
	case "payments":
		a.handlePayment(w, r, orderID)
	case "complete":
		order, err := a.service.Orders.Complete(r.Context(), orderID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"order": order})
	case "cancel":
		a.handleCancel(w, r, orderID)
	case "returns":
		a.handleReturn(w, r, orderID)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown order action"))
	}
}

func (a *API) handlePayment(w http.ResponseWriter, r *http.Request, orderID string) {
	var req domain.PaymentInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.OrderID = orderID

	order, err := a.service.Payments.Record(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"order": order})
}

// handleCancel lets cashiers cancel unpaid orders on their own. Cancelling a
// paid order needs the manager PIN unless a manager is signed in; the order
// engine checks the status under the row lock.
func (a *API) handleCancel(w http.ResponseWriter, r *http.Request, orderID string) {
	var req domain.CancelRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	allowPaid := actorOf(r).Role != domain.RoleCashier
	if !allowPaid && strings.TrimSpace(req.ManagerPIN) != "" {
		if !a.checkManagerPIN(w, r, "cancel", req.ManagerPIN) {
			return
		}
		allowPaid = true
	}

	order, err := a.service.Orders.Cancel(r.Context(), orderID, req.Reason, allowPaid)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleReturn(w http.ResponseWriter, r *http.Request, orderID string) {
	var req domain.ReturnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if actorOf(r).Role == domain.RoleCashier && !a.checkManagerPIN(w, r, "return", req.ManagerPIN) {
		return
	}
	req.OrderID = orderID

	result, err := a.service.Returns.Process(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleQRVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.QRVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	payload, err := a.service.VerifyQR(r.Context(), req.QR)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.QRVerifyResponse{Valid: true, Payload: payload})
}

func (a *API) handleExitCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.QRVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.CheckExit(r.Context(), req.QR)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleInventory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	productID := strings.TrimSpace(r.URL.Query().Get("product_id"))
	branchID := strings.TrimSpace(r.URL.Query().Get("branch_id"))
	if productID == "" || branchID == "" {
		writeError(w, http.StatusBadRequest, errors.New("product_id and branch_id are required"))
		return
	}

	quantity, err := a.service.Ledger.Available(r.Context(), productID, branchID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.InventoryResponse{ProductID: productID, BranchID: branchID, Quantity: quantity})
}

func (a *API) handleRestock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.RestockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	quantity, err := a.service.Ledger.ReleaseStock(r.Context(), strings.TrimSpace(req.ProductID), strings.TrimSpace(req.BranchID), req.Quantity)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.InventoryResponse{
		ProductID: strings.TrimSpace(req.ProductID),
		BranchID:  strings.TrimSpace(req.BranchID),
		Quantity:  quantity,
	})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	entityID := strings.TrimSpace(r.URL.Query().Get("entity_id"))
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

	logs, err := a.service.AuditTrail(r.Context(), entityID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleStaff(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"staff": a.auth.ListStaff(r.Context())})
	case http.MethodPost:
		var req domain.StaffCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		user, err := a.auth.CreateStaff(r.Context(), req)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, store.ErrConflict) {
				status = http.StatusConflict
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"user": user})
	default:
		writeMethodNotAllowed(w)
	}
}
