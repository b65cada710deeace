package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tunglvm/store-server/internal/callbacks"
	"github.com/tunglvm/store-server/internal/catalog"
	"github.com/tunglvm/store-server/internal/config"
	"github.com/tunglvm/store-server/internal/fulfillment"
	"github.com/tunglvm/store-server/internal/storage"
)

type fixture struct {
	store   *storage.MemoryStore
	catalog *catalog.MemoryRepository
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	repo := catalog.NewMemoryRepository()

	products := []catalog.Product{
		{ID: "kit-a", Kind: catalog.KindSourceCode, Title: "Widget Kit A", Price: 150000, FileID: "file-a", FileName: "kit-a.zip", Active: true},
		{ID: "kit-b", Kind: catalog.KindSourceCode, Title: "Widget Kit B", Price: 200000, FileID: "file-b", FileName: "kit-b.zip", Active: true},
		{ID: "acct-pro", Kind: catalog.KindAccount, Title: "Pro Account", Price: 90000, Active: true},
	}
	for _, p := range products {
		if err := repo.CreateProduct(context.Background(), p); err != nil {
			t.Fatalf("seed product %s: %v", p.ID, err)
		}
	}

	downloads := config.DownloadsConfig{
		MaxDownloads: 5,
		LinkTTL:      config.Duration{Duration: 30 * 24 * time.Hour},
	}
	fulfiller := fulfillment.NewService(store, repo, downloads, nil)
	service := NewService(store, fulfiller, callbacks.NoopNotifier{}, NewMemoParser("DH"), nil)

	return &fixture{store: store, catalog: repo, service: service}
}

func (f *fixture) seedPayment(t *testing.T, ref storage.PaymentReference, code storage.TransactionCode) *storage.Payment {
	t.Helper()
	now := time.Now()
	p := &storage.Payment{
		Reference:       ref,
		TransactionCode: code,
		BuyerID:         "buyer-1",
		Items: []storage.LineItem{
			{ProductID: "kit-a", Kind: "source-code", Title: "Widget Kit A", UnitPrice: 150000, Quantity: 1},
			{ProductID: "acct-pro", Kind: "account", Title: "Pro Account", UnitPrice: 90000, Quantity: 1},
			{ProductID: "kit-b", Kind: "source-code", Title: "Widget Kit B", UnitPrice: 200000, Quantity: 1},
		},
		Amount:    440000,
		Status:    storage.PaymentStatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(15 * time.Minute),
	}
	if err := f.store.SavePayment(context.Background(), p); err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	return p
}

func webhookPayload(amount int64, memo string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":12345,"gateway":"TestBank","transferType":"in","transferAmount":%d,"content":%q,"accountNumber":"0123456789"}`,
		amount, memo,
	))
}

func TestProcessCompletesAndFansOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPayment(t, "pay-1", "ABCD2345")

	raw := webhookPayload(440000, "thanh toan DHABCD2345")
	result, err := f.service.Process(ctx, raw)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", result.Outcome)
	}

	payment, err := f.store.GetPayment(ctx, "pay-1")
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if payment.Status != storage.PaymentStatusCompleted {
		t.Fatalf("payment status = %s, want completed", payment.Status)
	}
	if payment.RawWebhook != string(raw) {
		t.Fatal("raw webhook payload not retained")
	}
	if payment.GatewayTxID != "12345" {
		t.Fatalf("gatewayTxID = %s, want 12345", payment.GatewayTxID)
	}

	// One order per line item.
	orders, err := f.store.ListOrdersByPayment(ctx, "pay-1")
	if err != nil {
		t.Fatalf("ListOrdersByPayment: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("orders = %d, want 3", len(orders))
	}

	var deliveries, entitlements int
	for _, o := range orders {
		if _, err := f.store.GetDelivery(ctx, o.Reference); err == nil {
			deliveries++
		}
		if _, err := f.store.GetEntitlement(ctx, o.Reference); err == nil {
			entitlements++
		}
	}
	if deliveries != 2 {
		t.Fatalf("deliveries = %d, want 2", deliveries)
	}
	if entitlements != 1 {
		t.Fatalf("entitlements = %d, want 1", entitlements)
	}

	// Ownership covers the source-code items only; the account product is
	// delivered through its entitlement, never the owned set.
	owned, err := f.store.GetOwnership(ctx, "buyer-1")
	if err != nil {
		t.Fatalf("GetOwnership: %v", err)
	}
	want := []string{"kit-a", "kit-b"}
	if len(owned) != len(want) {
		t.Fatalf("owned = %v, want %v", owned, want)
	}
	for i := range want {
		if owned[i] != want[i] {
			t.Fatalf("owned = %v, want %v", owned, want)
		}
	}
}

func TestProcessReplayHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPayment(t, "pay-1", "ABCD2345")

	raw := webhookPayload(440000, "DHABCD2345")
	if _, err := f.service.Process(ctx, raw); err != nil {
		t.Fatalf("first Process: %v", err)
	}

	// The settled payment no longer matches, so the replay is unmatched.
	result, err := f.service.Process(ctx, raw)
	if !errors.Is(err, ErrUnmatched) {
		t.Fatalf("replay: got %v, want ErrUnmatched", err)
	}
	if result.Outcome != OutcomeUnmatched {
		t.Fatalf("replay outcome = %s, want unmatched", result.Outcome)
	}

	orders, _ := f.store.ListOrdersByPayment(ctx, "pay-1")
	if len(orders) != 3 {
		t.Fatalf("orders after replay = %d, want 3", len(orders))
	}
}

func TestProcessAmountMismatchLeavesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPayment(t, "pay-1", "ABCD2345")

	result, err := f.service.Process(ctx, webhookPayload(440001, "DHABCD2345"))
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("got %v, want ErrAmountMismatch", err)
	}
	if result.PaymentRef != "pay-1" {
		t.Fatalf("paymentRef = %s, want pay-1", result.PaymentRef)
	}

	payment, _ := f.store.GetPayment(ctx, "pay-1")
	if payment.Status != storage.PaymentStatusPending {
		t.Fatalf("payment status = %s, want pending", payment.Status)
	}
	orders, _ := f.store.ListOrdersByPayment(ctx, "pay-1")
	if len(orders) != 0 {
		t.Fatalf("orders after mismatch = %d, want 0", len(orders))
	}
}

func TestProcessIgnoresOutgoingTransfers(t *testing.T) {
	f := newFixture(t)
	f.seedPayment(t, "pay-1", "ABCD2345")

	raw := []byte(`{"id":1,"transferType":"out","transferAmount":440000,"content":"DHABCD2345"}`)
	result, err := f.service.Process(context.Background(), raw)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Outcome != OutcomeIgnored {
		t.Fatalf("outcome = %s, want ignored", result.Outcome)
	}

	payment, _ := f.store.GetPayment(context.Background(), "pay-1")
	if payment.Status != storage.PaymentStatusPending {
		t.Fatalf("payment status = %s, want pending", payment.Status)
	}
}

func TestProcessMalformedPayload(t *testing.T) {
	f := newFixture(t)

	if _, err := f.service.Process(context.Background(), []byte(`{not json`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v, want ErrMalformed", err)
	}
}

func TestProcessMemoWithoutCode(t *testing.T) {
	f := newFixture(t)
	f.seedPayment(t, "pay-1", "ABCD2345")

	result, err := f.service.Process(context.Background(), webhookPayload(440000, "chuyen tien"))
	if !errors.Is(err, ErrNoTransactionCode) {
		t.Fatalf("got %v, want ErrNoTransactionCode", err)
	}
	if result.Outcome != OutcomeNoCode {
		t.Fatalf("outcome = %s, want no_code", result.Outcome)
	}
}

func TestProcessUnknownCodeUnmatched(t *testing.T) {
	f := newFixture(t)
	f.seedPayment(t, "pay-1", "ABCD2345")

	if _, err := f.service.Process(context.Background(), webhookPayload(440000, "DHZZZZ9999")); !errors.Is(err, ErrUnmatched) {
		t.Fatalf("got %v, want ErrUnmatched", err)
	}
}

func TestRefulfillFillsMissingArtifacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPayment(t, "pay-1", "ABCD2345")

	if _, err := f.service.Process(ctx, webhookPayload(440000, "DHABCD2345")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	// Idempotent: a second run creates nothing new.
	if err := f.service.Refulfill(ctx, "pay-1"); err != nil {
		t.Fatalf("Refulfill: %v", err)
	}
	orders, _ := f.store.ListOrdersByPayment(ctx, "pay-1")
	if len(orders) != 3 {
		t.Fatalf("orders after refulfill = %d, want 3", len(orders))
	}
}

func TestRefulfillRejectsPendingPayment(t *testing.T) {
	f := newFixture(t)
	f.seedPayment(t, "pay-1", "ABCD2345")

	if err := f.service.Refulfill(context.Background(), "pay-1"); err == nil {
		t.Fatal("Refulfill on pending payment succeeded, want error")
	}
}
