package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tunglvm/store-server/internal/auth"
	apperrors "github.com/tunglvm/store-server/internal/errors"
	"github.com/tunglvm/store-server/internal/payments"
	"github.com/tunglvm/store-server/internal/storage"
	"github.com/tunglvm/store-server/pkg/responders"
)

// productView is the buyer-facing product listing entry.
type productView struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Title string `json:"title"`
	Price int64  `json:"price"`
}

func (h *handlers) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.catalog.ListProducts(r.Context())
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeDatabaseError, "Could not list products")
		return
	}

	views := make([]productView, 0, len(products))
	for _, p := range products {
		views = append(views, productView{
			ID:    p.ID,
			Kind:  string(p.Kind),
			Title: p.Title,
			Price: p.Price,
		})
	}
	responders.JSON(w, http.StatusOK, map[string]any{"products": views})
}

type checkoutRequest struct {
	Items    []checkoutItemRequest `json:"items"`
	Customer customerInfoRequest   `json:"customerInfo"`
}

// checkoutItemRequest tolerates the display fields clients echo back from the
// product listing. Pricing always comes from the catalog, never from these.
type checkoutItemRequest struct {
	ProductID   string `json:"productId"`
	Quantity    int    `json:"quantity"`
	ProductType string `json:"productType"`
	Title       string `json:"title"`
	Price       int64  `json:"price"`
}

type customerInfoRequest struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
}

type checkoutResponse struct {
	Payment      *storage.Payment      `json:"payment"`
	Instructions payments.Instructions `json:"instructions"`
}

func (h *handlers) handleCheckout(w http.ResponseWriter, r *http.Request) {
	buyerID, _ := auth.BuyerFromContext(r.Context())

	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "Invalid checkout request")
		return
	}

	items := make([]payments.CheckoutItem, 0, len(req.Items))
	for _, item := range req.Items {
		if item.ProductID == "" {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingField, "Item productId is required")
			return
		}
		quantity := item.Quantity
		if quantity == 0 {
			quantity = 1
		}
		items = append(items, payments.CheckoutItem{ProductID: item.ProductID, Quantity: quantity})
	}

	customer := storage.CustomerInfo{
		FullName: req.Customer.FullName,
		Email:    req.Customer.Email,
	}

	payment, instructions, err := h.payments.Checkout(r.Context(), buyerID, items, customer)
	if err != nil {
		writeServiceError(w, err, apperrors.ErrCodeProductNotFound)
		return
	}

	responders.JSON(w, http.StatusCreated, checkoutResponse{
		Payment:      payment,
		Instructions: instructions,
	})
}

func (h *handlers) handleListPayments(w http.ResponseWriter, r *http.Request) {
	buyerID, _ := auth.BuyerFromContext(r.Context())

	list, err := h.payments.ListPayments(r.Context(), buyerID)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeDatabaseError, "Could not list payments")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{"payments": list})
}

func (h *handlers) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	buyerID, _ := auth.BuyerFromContext(r.Context())
	ref := storage.PaymentReference(chi.URLParam(r, "ref"))

	payment, err := h.payments.GetPayment(r.Context(), buyerID, ref)
	if err != nil {
		writeServiceError(w, err, apperrors.ErrCodePaymentNotFound)
		return
	}

	resp := map[string]any{"payment": payment}
	if payment.Status == storage.PaymentStatusPending {
		resp["instructions"] = h.payments.Instructions(payment)
	}
	responders.JSON(w, http.StatusOK, resp)
}

func (h *handlers) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	buyerID, _ := auth.BuyerFromContext(r.Context())
	ref := storage.PaymentReference(chi.URLParam(r, "ref"))

	if err := h.payments.Cancel(r.Context(), buyerID, ref); err != nil {
		writeServiceError(w, err, apperrors.ErrCodePaymentNotFound)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *handlers) handleListOrders(w http.ResponseWriter, r *http.Request) {
	buyerID, _ := auth.BuyerFromContext(r.Context())

	orders, err := h.store.ListOrdersByBuyer(r.Context(), buyerID)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeDatabaseError, "Could not list orders")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (h *handlers) handleGetOwnership(w http.ResponseWriter, r *http.Request) {
	buyerID, _ := auth.BuyerFromContext(r.Context())

	owned, err := h.store.GetOwnership(r.Context(), buyerID)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeDatabaseError, "Could not load ownership")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{"productIds": owned})
}
