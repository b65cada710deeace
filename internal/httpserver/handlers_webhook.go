package httpserver

import (
	"errors"
	"io"
	"net/http"

	apperrors "github.com/tunglvm/store-server/internal/errors"
	"github.com/tunglvm/store-server/internal/logger"
	"github.com/tunglvm/store-server/internal/reconcile"
	"github.com/tunglvm/store-server/pkg/responders"
)

// bankWebhookResponse is the acknowledgement returned to the gateway. Status
// "success" is the literal the gateway checks for.
type bankWebhookResponse struct {
	Status     string `json:"status"`
	Outcome    string `json:"outcome"`
	PaymentRef string `json:"paymentRef,omitempty"`
}

// handleBankWebhook ingests one bank transfer notification. Error codes drive
// the gateway's retry behavior: unmatched deliveries are retryable because the
// transfer may land before the checkout write is visible, while malformed
// payloads and amount mismatches are terminal.
func (h *handlers) handleBankWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeMalformedWebhook, "Unreadable webhook body")
		return
	}

	log.Info().
		Str("event", "bank.webhook.received").
		Int("bytes", len(raw)).
		Msg("Bank webhook received")

	result, err := h.reconcile.Process(r.Context(), raw)
	if err != nil {
		switch {
		case errors.Is(err, reconcile.ErrMalformed),
			errors.Is(err, reconcile.ErrNoTransactionCode):
			apperrors.WriteSimpleError(w, apperrors.ErrCodeMalformedWebhook, "Notification could not be parsed")
		case errors.Is(err, reconcile.ErrUnmatched):
			apperrors.WriteSimpleError(w, apperrors.ErrCodeUnmatchedOrProcessed, "No pending payment matches this transfer")
		case errors.Is(err, reconcile.ErrAmountMismatch):
			apperrors.WriteErrorWithDetail(w, apperrors.ErrCodeAmountMismatch, "Transfer amount does not match", "paymentRef", string(result.PaymentRef))
		default:
			apperrors.WriteSimpleError(w, apperrors.ErrCodeInternalError, "Webhook processing failed")
		}
		return
	}

	responders.JSON(w, http.StatusOK, bankWebhookResponse{
		Status:     "success",
		Outcome:    result.Outcome,
		PaymentRef: string(result.PaymentRef),
	})
}
