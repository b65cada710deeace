package httpserver

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tunglvm/store-server/internal/auth"
	apperrors "github.com/tunglvm/store-server/internal/errors"
	"github.com/tunglvm/store-server/internal/fulfillment"
	"github.com/tunglvm/store-server/internal/storage"
	"github.com/tunglvm/store-server/pkg/responders"
)

// handleGetEntitlement returns the provisioned credentials of an account
// order. While provisioning is in progress the response is 202 so clients can
// poll.
func (h *handlers) handleGetEntitlement(w http.ResponseWriter, r *http.Request) {
	buyerID, _ := auth.BuyerFromContext(r.Context())
	ref := storage.OrderReference(chi.URLParam(r, "ref"))

	creds, err := h.fulfillment.GetCredentials(r.Context(), buyerID, ref)
	if err != nil {
		if errors.Is(err, fulfillment.ErrCredentialsNotReady) {
			responders.JSON(w, http.StatusAccepted, map[string]string{"status": "preparing"})
			return
		}
		writeServiceError(w, err, apperrors.ErrCodeOrderNotFound)
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"credentials": creds,
	})
}
