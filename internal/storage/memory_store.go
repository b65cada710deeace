package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation. Safe for concurrent use.
type MemoryStore struct {
	mu sync.RWMutex

	payments     map[PaymentReference]*Payment
	orders       map[OrderReference]*Order
	deliveries   map[OrderReference]*DeliverySnapshot
	entitlements map[OrderReference]*EntitlementRecord
	ownership    map[string]map[string]struct{}
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:     make(map[PaymentReference]*Payment),
		orders:       make(map[OrderReference]*Order),
		deliveries:   make(map[OrderReference]*DeliverySnapshot),
		entitlements: make(map[OrderReference]*EntitlementRecord),
		ownership:    make(map[string]map[string]struct{}),
	}
}

// SavePayment inserts a new pending payment.
func (s *MemoryStore) SavePayment(_ context.Context, payment *Payment) error {
	if err := validatePayment(payment); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.payments[payment.Reference]; exists {
		return ErrAlreadyExists
	}
	cp := clonePayment(payment)
	s.payments[payment.Reference] = cp
	return nil
}

// GetPayment retrieves a payment by reference.
func (s *MemoryStore) GetPayment(_ context.Context, ref PaymentReference) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePayment(p), nil
}

// GetPendingPaymentByTransactionCode finds the pending payment for a code.
func (s *MemoryStore) GetPendingPaymentByTransactionCode(_ context.Context, code TransactionCode) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.payments {
		if p.TransactionCode == code && p.Status == PaymentStatusPending {
			return clonePayment(p), nil
		}
	}
	return nil, ErrNotFound
}

// CompletePayment transitions pending to completed under the write lock, so
// concurrent attempts for the same payment serialize and exactly one wins.
func (s *MemoryStore) CompletePayment(_ context.Context, ref PaymentReference, paidAt time.Time, gatewayTxID string, rawPayload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[ref]
	if !ok || p.Status != PaymentStatusPending {
		return ErrNotFound
	}
	at := paidAt
	p.Status = PaymentStatusCompleted
	p.PaidAt = &at
	p.GatewayTxID = gatewayTxID
	p.RawWebhook = rawPayload
	return nil
}

// CancelPayment transitions a pending payment to cancelled.
func (s *MemoryStore) CancelPayment(_ context.Context, ref PaymentReference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[ref]
	if !ok || p.Status != PaymentStatusPending {
		return ErrNotFound
	}
	p.Status = PaymentStatusCancelled
	return nil
}

// ExpirePendingPayments cancels pending payments past their expiry.
func (s *MemoryStore) ExpirePendingPayments(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired int64
	for _, p := range s.payments {
		if p.Status == PaymentStatusPending && now.After(p.ExpiresAt) {
			p.Status = PaymentStatusCancelled
			expired++
		}
	}
	return expired, nil
}

// ListPaymentsByBuyer returns a buyer's payments, newest first.
func (s *MemoryStore) ListPaymentsByBuyer(_ context.Context, buyerID string) ([]*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Payment
	for _, p := range s.payments {
		if p.BuyerID == buyerID {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// CreateOrder inserts a new order.
func (s *MemoryStore) CreateOrder(_ context.Context, order *Order) error {
	if err := validateOrder(order); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[order.Reference]; exists {
		return ErrAlreadyExists
	}
	cp := *order
	s.orders[order.Reference] = &cp
	return nil
}

// GetOrder retrieves an order by reference.
func (s *MemoryStore) GetOrder(_ context.Context, ref OrderReference) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[ref]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

// GetOrderByPaymentItem finds the order for one line item of a payment.
func (s *MemoryStore) GetOrderByPaymentItem(_ context.Context, paymentRef PaymentReference, itemIndex int) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.orders {
		if o.PaymentRef == paymentRef && o.ItemIndex == itemIndex {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListOrdersByPayment returns all orders created from a payment.
func (s *MemoryStore) ListOrdersByPayment(_ context.Context, paymentRef PaymentReference) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Order
	for _, o := range s.orders {
		if o.PaymentRef == paymentRef {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemIndex < out[j].ItemIndex })
	return out, nil
}

// ListOrdersByBuyer returns a buyer's orders, newest first.
func (s *MemoryStore) ListOrdersByBuyer(_ context.Context, buyerID string) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Order
	for _, o := range s.orders {
		if o.BuyerID == buyerID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateOrderStatus sets an order's status.
func (s *MemoryStore) UpdateOrderStatus(_ context.Context, ref OrderReference, status OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[ref]
	if !ok {
		return ErrNotFound
	}
	o.Status = status
	return nil
}

// CreateDelivery inserts a delivery snapshot for an order.
func (s *MemoryStore) CreateDelivery(_ context.Context, delivery *DeliverySnapshot) error {
	if err := validateDelivery(delivery); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deliveries[delivery.OrderRef]; exists {
		return ErrAlreadyExists
	}
	cp := *delivery
	s.deliveries[delivery.OrderRef] = &cp
	return nil
}

// GetDelivery retrieves the delivery snapshot for an order.
func (s *MemoryStore) GetDelivery(_ context.Context, orderRef OrderReference) (*DeliverySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deliveries[orderRef]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// RecordDownload increments the download count while under the allowance.
func (s *MemoryStore) RecordDownload(_ context.Context, orderRef OrderReference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[orderRef]
	if !ok {
		return ErrNotFound
	}
	if d.DownloadCount >= d.MaxDownloads {
		return ErrQuotaExceeded
	}
	d.DownloadCount++
	now := time.Now()
	d.LastDownloadAt = &now
	return nil
}

// RepairDeliveryFile rewrites the snapshot's file reference.
func (s *MemoryStore) RepairDeliveryFile(_ context.Context, orderRef OrderReference, fileID, fileName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[orderRef]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	d.FileID = fileID
	d.FileName = fileName
	d.RepairedAt = &now
	return nil
}

// CreateEntitlement inserts an entitlement record for an order.
func (s *MemoryStore) CreateEntitlement(_ context.Context, ent *EntitlementRecord) error {
	if err := validateEntitlement(ent); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entitlements[ent.OrderRef]; exists {
		return ErrAlreadyExists
	}
	cp := *ent
	s.entitlements[ent.OrderRef] = &cp
	return nil
}

// GetEntitlement retrieves the entitlement record for an order.
func (s *MemoryStore) GetEntitlement(_ context.Context, orderRef OrderReference) (*EntitlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entitlements[orderRef]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// GetEntitlementByPaymentProduct finds an entitlement by payment and product.
func (s *MemoryStore) GetEntitlementByPaymentProduct(_ context.Context, paymentRef PaymentReference, productID string) (*EntitlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entitlements {
		if e.PaymentRef == paymentRef && e.ProductID == productID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// UpdateEntitlementCredentials sets the provisioned credential fields.
func (s *MemoryStore) UpdateEntitlementCredentials(_ context.Context, orderRef OrderReference, update EntitlementUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entitlements[orderRef]
	if !ok {
		return ErrNotFound
	}
	e.Username = update.Username
	e.Password = update.Password
	e.Email = update.Email
	e.Extra = update.Extra
	e.Notes = update.Notes
	e.ExpiresAt = update.ExpiresAt
	e.UpdatedAt = time.Now()
	return nil
}

// MarkEntitlementDelivered records the first credential fetch.
func (s *MemoryStore) MarkEntitlementDelivered(_ context.Context, orderRef OrderReference, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entitlements[orderRef]
	if !ok {
		return ErrNotFound
	}
	if e.DeliveredAt != nil {
		return nil
	}
	t := at
	e.DeliveredAt = &t
	e.UpdatedAt = time.Now()
	return nil
}

// GrantOwnership adds product ids to a buyer's owned set.
func (s *MemoryStore) GrantOwnership(_ context.Context, buyerID string, productIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owned, ok := s.ownership[buyerID]
	if !ok {
		owned = make(map[string]struct{})
		s.ownership[buyerID] = owned
	}
	for _, id := range productIDs {
		owned[id] = struct{}{}
	}
	return nil
}

// GetOwnership returns the buyer's owned product ids sorted for stable output.
func (s *MemoryStore) GetOwnership(_ context.Context, buyerID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owned := s.ownership[buyerID]
	out := make([]string, 0, len(owned))
	for id := range owned {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Close implements the Store interface.
func (s *MemoryStore) Close() error {
	return nil
}

func clonePayment(p *Payment) *Payment {
	cp := *p
	cp.Items = append([]LineItem(nil), p.Items...)
	if p.PaidAt != nil {
		at := *p.PaidAt
		cp.PaidAt = &at
	}
	return &cp
}
