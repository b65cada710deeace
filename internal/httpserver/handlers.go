package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tunglvm/store-server/internal/blobstore"
	"github.com/tunglvm/store-server/internal/catalog"
	"github.com/tunglvm/store-server/internal/config"
	"github.com/tunglvm/store-server/internal/download"
	apperrors "github.com/tunglvm/store-server/internal/errors"
	"github.com/tunglvm/store-server/internal/fulfillment"
	"github.com/tunglvm/store-server/internal/payments"
	"github.com/tunglvm/store-server/internal/reconcile"
	"github.com/tunglvm/store-server/internal/storage"
	"github.com/tunglvm/store-server/pkg/responders"
)

// maxBodySize bounds request bodies. Carts and webhook payloads are small.
const maxBodySize = 1 << 20

type handlers struct {
	cfg         *config.Config
	payments    *payments.Service
	reconcile   *reconcile.Service
	fulfillment *fulfillment.Service
	download    *download.Service
	store       storage.Store
	catalog     catalog.Repository
	blobs       blobstore.Client
}

// handleHealth reports liveness plus blob store reachability.
func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.blobs.Ready(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	responders.JSON(w, code, map[string]string{"status": status})
}

// decodeJSON decodes a request body strictly: unknown fields are rejected and
// the body size is capped.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}

// writeServiceError maps service-layer sentinel errors to API error codes.
// notFoundCode names the resource the request addressed, since a bare
// storage.ErrNotFound does not.
func writeServiceError(w http.ResponseWriter, err error, notFoundCode apperrors.ErrorCode) {
	switch {
	case errors.Is(err, payments.ErrEmptyCart):
		apperrors.WriteSimpleError(w, apperrors.ErrCodeEmptyCart, "Cart must contain at least one item")
	case errors.Is(err, payments.ErrInvalidQuantity):
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "Item quantity must be positive")
	case errors.Is(err, payments.ErrNotPending):
		apperrors.WriteSimpleError(w, apperrors.ErrCodePaymentNotPending, "Payment is no longer pending")
	case errors.Is(err, payments.ErrNotOwner),
		errors.Is(err, fulfillment.ErrNotOwner),
		errors.Is(err, download.ErrNotOwner):
		apperrors.WriteSimpleError(w, apperrors.ErrCodeForbidden, "Resource belongs to another buyer")
	case errors.Is(err, catalog.ErrProductNotFound):
		apperrors.WriteSimpleError(w, apperrors.ErrCodeProductNotFound, "Product not found")
	case errors.Is(err, catalog.ErrKindUnresolved):
		apperrors.WriteSimpleError(w, apperrors.ErrCodeKindUnresolved, "Product kind could not be resolved")
	case errors.Is(err, storage.ErrQuotaExceeded):
		apperrors.WriteSimpleError(w, apperrors.ErrCodeQuotaExceeded, "Download quota exceeded")
	case errors.Is(err, download.ErrLinkExpired):
		apperrors.WriteSimpleError(w, apperrors.ErrCodeLinkExpired, "Download link expired")
	case errors.Is(err, download.ErrAmbiguousReference):
		apperrors.WriteSimpleError(w, apperrors.ErrCodeAmbiguousReference, "Payment has multiple downloadable orders; use the order reference")
	case errors.Is(err, download.ErrRevoked):
		apperrors.WriteSimpleError(w, apperrors.ErrCodeForbidden, "Order access withdrawn")
	case errors.Is(err, download.ErrNotDownloadable),
		errors.Is(err, fulfillment.ErrNotAccountOrder):
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "Operation does not apply to this order")
	case errors.Is(err, download.ErrFileMissing):
		apperrors.WriteSimpleError(w, apperrors.ErrCodeFileNotFound, "File is missing from storage")
	case errors.Is(err, fulfillment.ErrIncompleteCredentials):
		apperrors.WriteSimpleError(w, apperrors.ErrCodeIncompleteCredentials, "Both username and password are required")
	case errors.Is(err, storage.ErrNotFound):
		apperrors.WriteSimpleError(w, notFoundCode, "Not found")
	default:
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInternalError, "Internal error")
	}
}
