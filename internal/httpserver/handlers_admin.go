package httpserver

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/tunglvm/store-server/internal/errors"
	"github.com/tunglvm/store-server/internal/fulfillment"
	"github.com/tunglvm/store-server/internal/storage"
	"github.com/tunglvm/store-server/pkg/responders"
)

type provisionRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	Extra    string `json:"extra"`
	Notes    string `json:"notes"`
}

// handleProvisionEntitlement records provisioned account credentials on an
// order. Username and password must arrive together; the rest is optional.
func (h *handlers) handleProvisionEntitlement(w http.ResponseWriter, r *http.Request) {
	ref := storage.OrderReference(chi.URLParam(r, "ref"))

	var req provisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "Invalid provisioning request")
		return
	}

	update := storage.EntitlementUpdate{
		Username: req.Username,
		Password: req.Password,
		Email:    req.Email,
		Extra:    req.Extra,
		Notes:    req.Notes,
	}
	if err := h.fulfillment.ProvisionCredentials(r.Context(), ref, update); err != nil {
		writeServiceError(w, err, apperrors.ErrCodeOrderNotFound)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]string{"status": "provisioned"})
}

type orderStatusRequest struct {
	Status string `json:"status"`
}

// handleUpdateOrderStatus lets operators move an order through its lifecycle,
// including cancelling it.
func (h *handlers) handleUpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	ref := storage.OrderReference(chi.URLParam(r, "ref"))

	var req orderStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "Invalid status request")
		return
	}

	status := storage.OrderStatus(req.Status)
	if !status.Valid() {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "Unknown order status")
		return
	}

	if err := h.store.UpdateOrderStatus(r.Context(), ref, status); err != nil {
		writeServiceError(w, err, apperrors.ErrCodeOrderNotFound)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// handleRefulfill re-runs fulfillment for a completed payment after a partial
// failure. Already-fulfilled items are untouched.
func (h *handlers) handleRefulfill(w http.ResponseWriter, r *http.Request) {
	ref := storage.PaymentReference(chi.URLParam(r, "ref"))

	err := h.reconcile.Refulfill(r.Context(), ref)
	if err != nil {
		var partial *fulfillment.PartialError
		if errors.As(err, &partial) {
			apperrors.WriteErrorWithDetail(w, apperrors.ErrCodeFulfillmentFailed,
				"Some items could not be fulfilled", "failedItems", partial.FailedItems)
			return
		}
		writeServiceError(w, err, apperrors.ErrCodePaymentNotFound)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]string{"status": "fulfilled"})
}
