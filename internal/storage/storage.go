// Package storage persists payments, orders, delivery snapshots, entitlements,
// and ownership sets. Two implementations are provided: an in-memory store for
// tests and single-instance deployments, and a MongoDB store for production.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tunglvm/store-server/internal/config"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound indicates the requested record does not exist, or a
	// conditional update matched nothing.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyExists indicates a create collided with an existing record.
	ErrAlreadyExists = errors.New("storage: already exists")

	// ErrQuotaExceeded indicates a download was refused because the
	// snapshot's allowance is used up.
	ErrQuotaExceeded = errors.New("storage: download quota exceeded")
)

// Store is the persistence interface for the payment and fulfillment ledger.
type Store interface {
	// SavePayment inserts a new pending payment.
	SavePayment(ctx context.Context, payment *Payment) error

	// GetPayment retrieves a payment by reference.
	GetPayment(ctx context.Context, ref PaymentReference) (*Payment, error)

	// GetPendingPaymentByTransactionCode finds the pending payment carrying
	// the given transaction code. Completed and cancelled payments never
	// match, so a replayed webhook resolves nothing.
	GetPendingPaymentByTransactionCode(ctx context.Context, code TransactionCode) (*Payment, error)

	// CompletePayment atomically transitions a payment from pending to
	// completed, recording the paid time, the gateway transaction id, and
	// the raw webhook payload. Returns ErrNotFound if the payment is not
	// pending, which makes concurrent completion attempts lose cleanly.
	CompletePayment(ctx context.Context, ref PaymentReference, paidAt time.Time, gatewayTxID string, rawPayload string) error

	// CancelPayment transitions a pending payment to cancelled. Returns
	// ErrNotFound if the payment is not pending.
	CancelPayment(ctx context.Context, ref PaymentReference) error

	// ExpirePendingPayments cancels every pending payment whose expiry is
	// before now and returns how many were cancelled.
	ExpirePendingPayments(ctx context.Context, now time.Time) (int64, error)

	// ListPaymentsByBuyer returns a buyer's payments, newest first.
	ListPaymentsByBuyer(ctx context.Context, buyerID string) ([]*Payment, error)

	// CreateOrder inserts a new order.
	CreateOrder(ctx context.Context, order *Order) error

	// GetOrder retrieves an order by reference.
	GetOrder(ctx context.Context, ref OrderReference) (*Order, error)

	// GetOrderByPaymentItem finds the order fulfilling a specific line item
	// of a payment. Used to keep fulfillment idempotent per item.
	GetOrderByPaymentItem(ctx context.Context, paymentRef PaymentReference, itemIndex int) (*Order, error)

	// ListOrdersByPayment returns all orders created from a payment.
	ListOrdersByPayment(ctx context.Context, paymentRef PaymentReference) ([]*Order, error)

	// ListOrdersByBuyer returns a buyer's orders, newest first.
	ListOrdersByBuyer(ctx context.Context, buyerID string) ([]*Order, error)

	// UpdateOrderStatus sets an order's status.
	UpdateOrderStatus(ctx context.Context, ref OrderReference, status OrderStatus) error

	// CreateDelivery inserts a delivery snapshot for an order.
	CreateDelivery(ctx context.Context, delivery *DeliverySnapshot) error

	// GetDelivery retrieves the delivery snapshot for an order.
	GetDelivery(ctx context.Context, orderRef OrderReference) (*DeliverySnapshot, error)

	// RecordDownload atomically increments the snapshot's download count,
	// but only while the count is below the allowance. Returns
	// ErrQuotaExceeded once the allowance is used up.
	RecordDownload(ctx context.Context, orderRef OrderReference) error

	// RepairDeliveryFile rewrites the snapshot's file reference after the
	// original blob went missing.
	RepairDeliveryFile(ctx context.Context, orderRef OrderReference, fileID, fileName string) error

	// CreateEntitlement inserts an entitlement record for an order.
	CreateEntitlement(ctx context.Context, ent *EntitlementRecord) error

	// GetEntitlement retrieves the entitlement record for an order.
	GetEntitlement(ctx context.Context, orderRef OrderReference) (*EntitlementRecord, error)

	// GetEntitlementByPaymentProduct finds an entitlement by the payment and
	// product that produced it. Used to keep account fulfillment idempotent.
	GetEntitlementByPaymentProduct(ctx context.Context, paymentRef PaymentReference, productID string) (*EntitlementRecord, error)

	// UpdateEntitlementCredentials sets the provisioned credential fields.
	UpdateEntitlementCredentials(ctx context.Context, orderRef OrderReference, update EntitlementUpdate) error

	// MarkEntitlementDelivered records the first time the buyer fetched the
	// credentials. Later fetches leave the original timestamp in place.
	MarkEntitlementDelivered(ctx context.Context, orderRef OrderReference, at time.Time) error

	// GrantOwnership adds product ids to a buyer's owned set. Granting an
	// already-owned product is a no-op.
	GrantOwnership(ctx context.Context, buyerID string, productIDs ...string) error

	// GetOwnership returns the buyer's owned product ids. A buyer with no
	// grants owns the empty set, not an error.
	GetOwnership(ctx context.Context, buyerID string) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}

// NewStore creates a Store based on config.
func NewStore(cfg config.StorageConfig) (Store, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "memory"
	}

	switch backend {
	case "memory":
		return NewMemoryStore(), nil
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, errors.New("mongodb_url required when storage backend is 'mongodb'")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, errors.New("mongodb_database required when storage backend is 'mongodb'")
		}
		return NewMongoDBStore(cfg.MongoDBURL, cfg.MongoDBDatabase, WithCollectionNames(cfg.SchemaMapping))
	default:
		return nil, errors.New("invalid storage backend: must be 'memory' or 'mongodb'")
	}
}
