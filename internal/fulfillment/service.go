// Package fulfillment turns a completed payment into per-item orders together
// with their delivery artifacts: a frozen file snapshot for source-code
// products, an entitlement record for account products.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tunglvm/store-server/internal/catalog"
	"github.com/tunglvm/store-server/internal/config"
	"github.com/tunglvm/store-server/internal/logger"
	"github.com/tunglvm/store-server/internal/metrics"
	"github.com/tunglvm/store-server/internal/storage"
)

// Service errors surfaced to handlers.
var (
	// ErrNotOwner indicates the caller does not own the order.
	ErrNotOwner = errors.New("fulfillment: order belongs to another buyer")
	// ErrNotAccountOrder indicates an entitlement operation on a
	// source-code order.
	ErrNotAccountOrder = errors.New("fulfillment: order is not an account order")
	// ErrCredentialsNotReady indicates the entitlement has not been fully
	// provisioned yet.
	ErrCredentialsNotReady = errors.New("fulfillment: credentials not ready")
	// ErrIncompleteCredentials indicates a provisioning attempt missing the
	// username or the password. Half-provisioned records are never written.
	ErrIncompleteCredentials = errors.New("fulfillment: both username and password are required")
)

// PartialError reports the line items that could not be fulfilled. The
// payment stays completed; the failed items are retried by reprocessing.
type PartialError struct {
	PaymentRef  storage.PaymentReference
	FailedItems []int
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("fulfillment incomplete for payment %s: %d item(s) failed", e.PaymentRef, len(e.FailedItems))
}

// Service fulfills completed payments and serves entitlement credentials.
type Service struct {
	store     storage.Store
	catalog   catalog.Repository
	downloads config.DownloadsConfig
	metrics   *metrics.Metrics
}

// NewService constructs a fulfillment Service.
func NewService(store storage.Store, repo catalog.Repository, downloads config.DownloadsConfig, m *metrics.Metrics) *Service {
	return &Service{
		store:     store,
		catalog:   repo,
		downloads: downloads,
		metrics:   m,
	}
}

// FulfillPayment creates the order and delivery artifacts for every line item
// of a completed payment. Each item is fulfilled independently and
// idempotently, so reprocessing after a crash or partial failure fills in
// only what is missing. Returns the product ids of the fulfilled source-code
// items, the set ownership is granted over, plus a PartialError when any item
// failed. Account products never enter the ownership set.
func (s *Service) FulfillPayment(ctx context.Context, payment *storage.Payment) ([]string, error) {
	log := logger.FromContext(ctx)

	var fulfilled []string
	var failed []int
	for idx, item := range payment.Items {
		if err := s.fulfillItem(ctx, payment, idx, item); err != nil {
			s.metrics.ObserveFulfillmentItem(item.Kind, "failed")
			log.Error().
				Str("event", "fulfillment.item.failed").
				Str("payment_ref", string(payment.Reference)).
				Int("item_index", idx).
				Str("product_id", item.ProductID).
				Err(err).
				Msg("Line item fulfillment failed")
			failed = append(failed, idx)
			continue
		}
		s.metrics.ObserveFulfillmentItem(item.Kind, "ok")
		if item.Kind == string(catalog.KindSourceCode) {
			fulfilled = append(fulfilled, item.ProductID)
		}
	}

	if len(failed) > 0 {
		return fulfilled, &PartialError{PaymentRef: payment.Reference, FailedItems: failed}
	}

	log.Info().
		Str("event", "fulfillment.completed").
		Str("payment_ref", string(payment.Reference)).
		Int("items", len(payment.Items)).
		Msg("Payment fulfilled")
	return fulfilled, nil
}

// fulfillItem ensures the order and its kind-specific artifact exist for one
// line item. Existing records are kept as-is; only the missing pieces are
// created.
func (s *Service) fulfillItem(ctx context.Context, payment *storage.Payment, idx int, item storage.LineItem) error {
	order, err := s.store.GetOrderByPaymentItem(ctx, payment.Reference, idx)
	if errors.Is(err, storage.ErrNotFound) {
		order = &storage.Order{
			Reference:       newOrderReference(time.Now()),
			PaymentRef:      payment.Reference,
			TransactionCode: payment.TransactionCode,
			ItemIndex:       idx,
			BuyerID:         payment.BuyerID,
			ProductID:       item.ProductID,
			Kind:            item.Kind,
			Title:           item.Title,
			UnitPrice:       item.UnitPrice,
			Quantity:        item.Quantity,
			Amount:          item.UnitPrice * int64(item.Quantity),
			Status:          storage.OrderStatusPaid,
			PaidAt:          payment.PaidAt,
			CreatedAt:       time.Now(),
		}
		if createErr := s.store.CreateOrder(ctx, order); createErr != nil {
			// A concurrent fulfiller may have won the insert.
			if !errors.Is(createErr, storage.ErrAlreadyExists) {
				return fmt.Errorf("create order: %w", createErr)
			}
			order, err = s.store.GetOrderByPaymentItem(ctx, payment.Reference, idx)
			if err != nil {
				return fmt.Errorf("reload order: %w", err)
			}
		}
	} else if err != nil {
		return fmt.Errorf("look up order: %w", err)
	}

	switch item.Kind {
	case string(catalog.KindSourceCode):
		return s.ensureDelivery(ctx, payment, order, item)
	case string(catalog.KindAccount):
		return s.ensureEntitlement(ctx, payment, order, item)
	default:
		return fmt.Errorf("unknown product kind %q", item.Kind)
	}
}

// ensureDelivery snapshots the product's current file reference for the order.
// The snapshot is taken exactly once; later catalog edits never reach it.
func (s *Service) ensureDelivery(ctx context.Context, payment *storage.Payment, order *storage.Order, item storage.LineItem) error {
	_, err := s.store.GetDelivery(ctx, order.Reference)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("look up delivery: %w", err)
	}

	product, err := s.catalog.GetProduct(ctx, item.ProductID)
	if err != nil {
		return fmt.Errorf("load product for snapshot: %w", err)
	}
	if product.FileID == "" {
		return fmt.Errorf("product %s has no file to deliver", product.ID)
	}

	now := time.Now()
	delivery := &storage.DeliverySnapshot{
		OrderRef:      order.Reference,
		PaymentRef:    payment.Reference,
		BuyerID:       payment.BuyerID,
		ProductID:     item.ProductID,
		FileID:        product.FileID,
		FileName:      product.FileName,
		DownloadCount: 0,
		MaxDownloads:  s.downloads.MaxDownloads,
		ExpiresAt:     now.Add(s.downloads.LinkTTL.Duration),
		CreatedAt:     now,
	}
	if err := s.store.CreateDelivery(ctx, delivery); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return fmt.Errorf("create delivery: %w", err)
	}
	return nil
}

// ensureEntitlement creates the pending entitlement record for an account
// order. Credentials arrive later through ProvisionCredentials. The existence
// probe goes through the (payment, product) pair backing the unique index, so
// reprocessing can never produce a second record for the same position.
func (s *Service) ensureEntitlement(ctx context.Context, payment *storage.Payment, order *storage.Order, item storage.LineItem) error {
	_, err := s.store.GetEntitlementByPaymentProduct(ctx, payment.Reference, item.ProductID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("look up entitlement: %w", err)
	}

	now := time.Now()
	ent := &storage.EntitlementRecord{
		OrderRef:    order.Reference,
		PaymentRef:  payment.Reference,
		BuyerID:     payment.BuyerID,
		ProductID:   item.ProductID,
		ProductName: item.Title,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateEntitlement(ctx, ent); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return fmt.Errorf("create entitlement: %w", err)
	}
	return nil
}

// ProvisionCredentials records the provisioned account credentials on an
// order's entitlement and advances the order to completed. Username and
// password are required together; half-provisioned records are never written.
func (s *Service) ProvisionCredentials(ctx context.Context, orderRef storage.OrderReference, update storage.EntitlementUpdate) error {
	log := logger.FromContext(ctx)

	if update.Username == "" || update.Password == "" {
		return ErrIncompleteCredentials
	}

	order, err := s.store.GetOrder(ctx, orderRef)
	if err != nil {
		return err
	}
	if order.Kind != string(catalog.KindAccount) {
		return ErrNotAccountOrder
	}

	if err := s.store.UpdateEntitlementCredentials(ctx, orderRef, update); err != nil {
		return fmt.Errorf("update credentials: %w", err)
	}

	if err := s.store.UpdateOrderStatus(ctx, orderRef, storage.OrderStatusCompleted); err != nil {
		return fmt.Errorf("advance order status: %w", err)
	}

	log.Info().
		Str("event", "entitlement.provisioned").
		Str("order_ref", string(orderRef)).
		Msg("Account credentials provisioned")
	return nil
}

// Credentials is the buyer-facing view of a ready entitlement.
type Credentials struct {
	ProductName string     `json:"productName,omitempty"`
	Username    string     `json:"username"`
	Password    string     `json:"password"`
	Email       string     `json:"email,omitempty"`
	Extra       string     `json:"extra,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
}

// GetCredentials returns the provisioned credentials of the buyer's account
// order. The first successful fetch stamps the delivery time; credentials are
// withheld until both fields are present.
func (s *Service) GetCredentials(ctx context.Context, buyerID string, orderRef storage.OrderReference) (Credentials, error) {
	order, err := s.store.GetOrder(ctx, orderRef)
	if err != nil {
		return Credentials{}, err
	}
	if order.BuyerID != buyerID {
		return Credentials{}, ErrNotOwner
	}
	if order.Kind != string(catalog.KindAccount) {
		return Credentials{}, ErrNotAccountOrder
	}

	ent, err := s.store.GetEntitlement(ctx, orderRef)
	if err != nil {
		return Credentials{}, err
	}
	if !ent.Ready() {
		return Credentials{}, ErrCredentialsNotReady
	}

	if err := s.store.MarkEntitlementDelivered(ctx, orderRef, time.Now()); err != nil {
		return Credentials{}, fmt.Errorf("mark delivered: %w", err)
	}

	// Reload so the response carries the actual first-delivery time.
	ent, err = s.store.GetEntitlement(ctx, orderRef)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{
		ProductName: ent.ProductName,
		Username:    ent.Username,
		Password:    ent.Password,
		Email:       ent.Email,
		Extra:       ent.Extra,
		ExpiresAt:   ent.ExpiresAt,
		DeliveredAt: ent.DeliveredAt,
	}, nil
}

// newOrderReference builds a sortable order reference.
func newOrderReference(now time.Time) storage.OrderReference {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return storage.OrderReference(fmt.Sprintf("ord_%s_%s", now.UTC().Format("20060102"), suffix))
}
