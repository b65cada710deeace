package storage

import "time"

// PaymentReference identifies a payment. Buyer-visible; embedded in download
// URLs and admin tooling.
type PaymentReference string

// OrderReference identifies an order created from one fulfilled line item.
type OrderReference string

// TransactionCode is the short code a buyer copies into their bank transfer
// memo so the webhook can be matched back to the pending payment.
type TransactionCode string

// PaymentStatus is the lifecycle state of a payment.
type PaymentStatus string

const (
	// PaymentStatusPending means the payment awaits a matching bank transfer.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusCompleted means a transfer was matched and fulfillment ran.
	PaymentStatusCompleted PaymentStatus = "completed"
	// PaymentStatusCancelled means the payment expired or was cancelled.
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	// OrderStatusPending is reserved for orders created outside the paid
	// flow; fulfillment never produces it.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid is the initial state of a fulfilled order.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusProcessing marks an account order whose credentials are
	// being provisioned.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusCompleted marks a fully delivered order.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled marks an order an operator withdrew.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Valid reports whether s is a known order state.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusProcessing,
		OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// Downloadable reports whether an order in this state may serve its file.
func (s OrderStatus) Downloadable() bool {
	return s == OrderStatusPaid || s == OrderStatusCompleted
}

// CustomerInfo is the contact block a buyer supplies at checkout. Optional;
// delivery never depends on it, but operators use it when provisioning.
type CustomerInfo struct {
	FullName string `json:"fullName,omitempty"`
	Email    string `json:"email,omitempty"`
}

// LineItem is one product position inside a payment's cart.
type LineItem struct {
	ProductID string `json:"productId"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	UnitPrice int64  `json:"unitPrice"`
	Quantity  int    `json:"quantity"`
}

// Payment is one entry in the intent ledger. Amount is recomputed server-side
// from catalog prices at checkout; client-supplied totals are never trusted.
type Payment struct {
	Reference       PaymentReference `json:"reference"`
	TransactionCode TransactionCode  `json:"transactionCode"`
	BuyerID         string           `json:"buyerId"`
	Items           []LineItem       `json:"items"`
	Amount          int64            `json:"amount"`
	Status          PaymentStatus    `json:"status"`
	Customer        CustomerInfo     `json:"customer,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	PaidAt    *time.Time `json:"paidAt,omitempty"`

	// GatewayTxID is the payment gateway's transaction id, recorded at
	// completion for audit.
	GatewayTxID string `json:"gatewayTxId,omitempty"`

	// RawWebhook retains the exact webhook payload that completed this
	// payment, for dispute handling.
	RawWebhook string `json:"-"`
}

// Order records the fulfillment of one line item. Quantity greater than one
// still yields a single order covering the whole position. TransactionCode and
// PaidAt are copied from the payment so an order is auditable on its own.
type Order struct {
	Reference       OrderReference   `json:"reference"`
	PaymentRef      PaymentReference `json:"paymentRef"`
	TransactionCode TransactionCode  `json:"transactionCode"`
	ItemIndex       int              `json:"itemIndex"`
	BuyerID         string           `json:"buyerId"`
	ProductID       string           `json:"productId"`
	Kind            string           `json:"kind"`
	Title           string           `json:"title"`
	UnitPrice       int64            `json:"unitPrice"`
	Quantity        int              `json:"quantity"`
	Amount          int64            `json:"amount"`
	Status          OrderStatus      `json:"status"`
	PaidAt          *time.Time       `json:"paidAt,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
}

// DeliverySnapshot freezes the downloadable file of a source-code order at
// purchase time. Catalog edits after the purchase never change what the buyer
// receives; only an explicit repair rewrites FileID.
type DeliverySnapshot struct {
	OrderRef   OrderReference   `json:"orderRef"`
	PaymentRef PaymentReference `json:"paymentRef"`
	BuyerID    string           `json:"buyerId"`
	ProductID  string           `json:"productId"`

	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`

	DownloadCount  int        `json:"downloadCount"`
	MaxDownloads   int        `json:"maxDownloads"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	LastDownloadAt *time.Time `json:"lastDownloadAt,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	RepairedAt *time.Time `json:"repairedAt,omitempty"`
}

// Expired reports whether the download window has closed at the given time.
func (d *DeliverySnapshot) Expired(now time.Time) bool {
	return now.After(d.ExpiresAt)
}

// Remaining returns how many downloads the buyer has left.
func (d *DeliverySnapshot) Remaining() int {
	left := d.MaxDownloads - d.DownloadCount
	if left < 0 {
		return 0
	}
	return left
}

// EntitlementRecord holds the provisioned credentials of an account order.
// The record exists as soon as the order does; credentials arrive later when
// an operator provisions the account.
type EntitlementRecord struct {
	OrderRef   OrderReference   `json:"orderRef"`
	PaymentRef PaymentReference `json:"paymentRef"`
	BuyerID    string           `json:"buyerId"`
	ProductID  string           `json:"productId"`

	// ProductName snapshots the catalog title at purchase time.
	ProductName string `json:"productName,omitempty"`

	Username string `json:"username,omitempty"`
	Password string `json:"-"`
	Email    string `json:"email,omitempty"`
	Extra    string `json:"extra,omitempty"`

	// Notes is operator free text, never shown to the buyer.
	Notes string `json:"-"`

	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// EntitlementUpdate carries the credential fields an operator provisions.
// Username and password are required; the rest are optional.
type EntitlementUpdate struct {
	Username  string
	Password  string
	Email     string
	Extra     string
	Notes     string
	ExpiresAt *time.Time
}

// Ready reports whether the credentials are complete enough to hand to the
// buyer. Both fields must be present; a half-provisioned record is withheld.
func (e *EntitlementRecord) Ready() bool {
	return e.Username != "" && e.Password != ""
}
