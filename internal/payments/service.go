// Package payments owns the intent ledger: checkout creates pending payments,
// buyers may cancel them, and a background sweep expires the stale ones.
package payments

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
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
	// ErrEmptyCart indicates a checkout with no line items.
	ErrEmptyCart = errors.New("payments: cart is empty")
	// ErrInvalidQuantity indicates a line item with a non-positive quantity.
	ErrInvalidQuantity = errors.New("payments: quantity must be positive")
	// ErrNotOwner indicates the caller does not own the payment.
	ErrNotOwner = errors.New("payments: payment belongs to another buyer")
	// ErrNotPending indicates a state change on a settled payment.
	ErrNotPending = errors.New("payments: payment is not pending")
)

// Transaction codes avoid ambiguous characters so buyers can copy them into a
// banking app without confusion.
const (
	codeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength  = 8
)

// CheckoutItem is one requested cart position.
type CheckoutItem struct {
	ProductID string
	Quantity  int
}

// Instructions tells the buyer how to pay by bank transfer. Memo carries the
// transaction code the webhook is later matched on.
type Instructions struct {
	AccountNumber string `json:"accountNumber"`
	AccountHolder string `json:"accountHolder"`
	BankName      string `json:"bankName"`
	Memo          string `json:"memo"`
	Amount        int64  `json:"amount"`
}

// Service implements checkout and payment lifecycle operations.
type Service struct {
	store    storage.Store
	catalog  catalog.Repository
	resolver *catalog.KindResolver
	bank     config.BankConfig
	ttl      time.Duration
	metrics  *metrics.Metrics
}

// NewService constructs a payments Service.
func NewService(store storage.Store, repo catalog.Repository, bank config.BankConfig, checkoutTTL time.Duration, m *metrics.Metrics) *Service {
	return &Service{
		store:    store,
		catalog:  repo,
		resolver: catalog.NewKindResolver(repo),
		bank:     bank,
		ttl:      checkoutTTL,
		metrics:  m,
	}
}

// Checkout prices the cart from the catalog, creates a pending payment, and
// returns transfer instructions. Client-supplied prices are ignored; the total
// is recomputed server-side. The customer block is optional contact info.
func (s *Service) Checkout(ctx context.Context, buyerID string, items []CheckoutItem, customer storage.CustomerInfo) (*storage.Payment, Instructions, error) {
	log := logger.FromContext(ctx)

	if len(items) == 0 {
		return nil, Instructions{}, ErrEmptyCart
	}

	lineItems := make([]storage.LineItem, 0, len(items))
	var total int64
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, Instructions{}, fmt.Errorf("%w: product %s", ErrInvalidQuantity, item.ProductID)
		}

		kind, err := s.resolver.Resolve(ctx, item.ProductID)
		if err != nil {
			return nil, Instructions{}, err
		}
		product, err := s.catalog.GetProduct(ctx, item.ProductID)
		if err != nil {
			return nil, Instructions{}, err
		}

		lineItems = append(lineItems, storage.LineItem{
			ProductID: product.ID,
			Kind:      string(kind),
			Title:     product.Title,
			UnitPrice: product.Price,
			Quantity:  item.Quantity,
		})
		total += product.Price * int64(item.Quantity)
	}

	now := time.Now()
	payment := &storage.Payment{
		Reference: newPaymentReference(now),
		BuyerID:   buyerID,
		Items:     lineItems,
		Amount:    total,
		Status:    storage.PaymentStatusPending,
		Customer:  customer,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	// The pending-only unique index on transaction codes can reject a
	// collision; regenerate and retry a few times before giving up.
	var saveErr error
	for attempt := 0; attempt < 3; attempt++ {
		code, err := newTransactionCode()
		if err != nil {
			return nil, Instructions{}, fmt.Errorf("generate transaction code: %w", err)
		}
		payment.TransactionCode = code

		saveErr = s.store.SavePayment(ctx, payment)
		if saveErr == nil {
			break
		}
		if !errors.Is(saveErr, storage.ErrAlreadyExists) {
			return nil, Instructions{}, fmt.Errorf("save payment: %w", saveErr)
		}
	}
	if saveErr != nil {
		return nil, Instructions{}, fmt.Errorf("save payment: %w", saveErr)
	}

	log.Info().
		Str("event", "payment.checkout.created").
		Str("payment_ref", string(payment.Reference)).
		Str("tx_code", string(payment.TransactionCode)).
		Int("items", len(payment.Items)).
		Int64("amount", payment.Amount).
		Msg("Pending payment created")

	return payment, s.instructions(payment), nil
}

// GetPayment returns a buyer's payment.
func (s *Service) GetPayment(ctx context.Context, buyerID string, ref storage.PaymentReference) (*storage.Payment, error) {
	payment, err := s.store.GetPayment(ctx, ref)
	if err != nil {
		return nil, err
	}
	if payment.BuyerID != buyerID {
		return nil, ErrNotOwner
	}
	return payment, nil
}

// ListPayments returns a buyer's payments, newest first.
func (s *Service) ListPayments(ctx context.Context, buyerID string) ([]*storage.Payment, error) {
	return s.store.ListPaymentsByBuyer(ctx, buyerID)
}

// Cancel cancels a buyer's own pending payment.
func (s *Service) Cancel(ctx context.Context, buyerID string, ref storage.PaymentReference) error {
	log := logger.FromContext(ctx)

	payment, err := s.store.GetPayment(ctx, ref)
	if err != nil {
		return err
	}
	if payment.BuyerID != buyerID {
		return ErrNotOwner
	}
	if payment.Status != storage.PaymentStatusPending {
		return ErrNotPending
	}

	if err := s.store.CancelPayment(ctx, ref); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Settled between the read and the update.
			return ErrNotPending
		}
		return fmt.Errorf("cancel payment: %w", err)
	}

	log.Info().
		Str("event", "payment.cancelled").
		Str("payment_ref", string(ref)).
		Msg("Payment cancelled by buyer")
	return nil
}

// Instructions rebuilds transfer instructions for a pending payment.
func (s *Service) Instructions(payment *storage.Payment) Instructions {
	return s.instructions(payment)
}

func (s *Service) instructions(payment *storage.Payment) Instructions {
	return Instructions{
		AccountNumber: s.bank.AccountNumber,
		AccountHolder: s.bank.AccountHolder,
		BankName:      s.bank.BankName,
		Memo:          s.bank.MemoPrefix + string(payment.TransactionCode),
		Amount:        payment.Amount,
	}
}

// SweepExpired cancels pending payments past their expiry and returns the
// number cancelled.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	log := logger.FromContext(ctx)

	expired, err := s.store.ExpirePendingPayments(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("expire pending payments: %w", err)
	}
	if expired > 0 {
		s.metrics.ObservePaymentsExpired(expired)
		log.Info().
			Str("event", "payment.sweep.expired").
			Int64("count", expired).
			Msg("Expired pending payments")
	}
	return expired, nil
}

// RunSweeper runs the expiry sweep on a ticker until the context is cancelled.
// Intended to run in its own goroutine.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	log := logger.FromContext(ctx)
	if interval <= 0 {
		log.Info().Str("event", "payment.sweep.disabled").Msg("Expiry sweep disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				log.Error().
					Str("event", "payment.sweep.failed").
					Err(err).
					Msg("Expiry sweep failed")
			}
		}
	}
}

// newPaymentReference builds a sortable, buyer-visible payment reference.
func newPaymentReference(now time.Time) storage.PaymentReference {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return storage.PaymentReference(fmt.Sprintf("pay_%s_%s", now.UTC().Format("20060102"), suffix))
}

// newTransactionCode draws a short memo-friendly code from the unambiguous
// charset.
func newTransactionCode() (storage.TransactionCode, error) {
	var b strings.Builder
	b.Grow(codeLength)
	max := big.NewInt(int64(len(codeCharset)))
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeCharset[n.Int64()])
	}
	return storage.TransactionCode(b.String()), nil
}
