package httpserver

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tunglvm/store-server/internal/auth"
	apperrors "github.com/tunglvm/store-server/internal/errors"
	"github.com/tunglvm/store-server/internal/logger"
	"github.com/tunglvm/store-server/pkg/responders"
)

// handleDownloadInfo reports availability without consuming quota. The ref
// may be an order reference or, when the payment has exactly one downloadable
// order, a payment reference.
func (h *handlers) handleDownloadInfo(w http.ResponseWriter, r *http.Request) {
	buyerID, _ := auth.BuyerFromContext(r.Context())
	ref := chi.URLParam(r, "ref")

	info, err := h.download.GetInfo(r.Context(), buyerID, ref)
	if err != nil {
		writeServiceError(w, err, apperrors.ErrCodeOrderNotFound)
		return
	}
	responders.JSON(w, http.StatusOK, info)
}

// handleDownloadFile streams the file and consumes one unit of quota.
func (h *handlers) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	buyerID, _ := auth.BuyerFromContext(r.Context())
	ref := chi.URLParam(r, "ref")

	file, err := h.download.Open(r.Context(), buyerID, ref)
	if err != nil {
		writeServiceError(w, err, apperrors.ErrCodeOrderNotFound)
		return
	}
	defer file.Reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Name))
	if file.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))
	}

	if _, err := io.Copy(w, file.Reader); err != nil {
		// Headers are gone; the client sees a truncated body.
		log.Error().
			Str("event", "download.stream.failed").
			Str("ref", ref).
			Err(err).
			Msg("Download stream interrupted")
	}
}
