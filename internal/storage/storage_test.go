package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func testPayment(ref PaymentReference, code TransactionCode) *Payment {
	now := time.Now()
	return &Payment{
		Reference:       ref,
		TransactionCode: code,
		BuyerID:         "buyer-1",
		Items: []LineItem{
			{ProductID: "prod-a", Kind: "source-code", Title: "Widget Kit", UnitPrice: 150000, Quantity: 1},
		},
		Amount:    150000,
		Status:    PaymentStatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(15 * time.Minute),
	}
}

func TestMemoryStorePaymentLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	p := testPayment("pay-1", "ABCD2345")
	if err := store.SavePayment(ctx, p); err != nil {
		t.Fatalf("SavePayment: %v", err)
	}
	if err := store.SavePayment(ctx, p); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate SavePayment: got %v, want ErrAlreadyExists", err)
	}

	got, err := store.GetPendingPaymentByTransactionCode(ctx, "ABCD2345")
	if err != nil {
		t.Fatalf("GetPendingPaymentByTransactionCode: %v", err)
	}
	if got.Reference != "pay-1" {
		t.Fatalf("got payment %s, want pay-1", got.Reference)
	}

	paidAt := time.Now()
	if err := store.CompletePayment(ctx, "pay-1", paidAt, "tx-99", `{"id":99}`); err != nil {
		t.Fatalf("CompletePayment: %v", err)
	}

	// Settled payments never match the pending lookup again.
	if _, err := store.GetPendingPaymentByTransactionCode(ctx, "ABCD2345"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pending lookup after completion: got %v, want ErrNotFound", err)
	}

	completed, err := store.GetPayment(ctx, "pay-1")
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if completed.Status != PaymentStatusCompleted {
		t.Fatalf("status = %s, want completed", completed.Status)
	}
	if completed.PaidAt == nil || !completed.PaidAt.Equal(paidAt) {
		t.Fatalf("paidAt = %v, want %v", completed.PaidAt, paidAt)
	}
	if completed.GatewayTxID != "tx-99" {
		t.Fatalf("gatewayTxID = %s, want tx-99", completed.GatewayTxID)
	}
	if completed.RawWebhook != `{"id":99}` {
		t.Fatalf("rawWebhook = %q", completed.RawWebhook)
	}
}

func TestMemoryStoreCompletePaymentExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.SavePayment(ctx, testPayment("pay-race", "RACE2345")); err != nil {
		t.Fatalf("SavePayment: %v", err)
	}

	const writers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.CompletePayment(ctx, "pay-race", time.Now(), "tx", "{}"); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("completion wins = %d, want exactly 1", count)
	}
}

func TestMemoryStoreCancelPayment(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.SavePayment(ctx, testPayment("pay-c", "CNCL2345")); err != nil {
		t.Fatalf("SavePayment: %v", err)
	}
	if err := store.CancelPayment(ctx, "pay-c"); err != nil {
		t.Fatalf("CancelPayment: %v", err)
	}
	// A cancelled payment cannot complete.
	if err := store.CompletePayment(ctx, "pay-c", time.Now(), "tx", "{}"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("CompletePayment on cancelled: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreExpirePendingPayments(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	stale := testPayment("pay-old", "OLDP2345")
	stale.ExpiresAt = time.Now().Add(-time.Minute)
	fresh := testPayment("pay-new", "NEWP2345")

	if err := store.SavePayment(ctx, stale); err != nil {
		t.Fatalf("SavePayment stale: %v", err)
	}
	if err := store.SavePayment(ctx, fresh); err != nil {
		t.Fatalf("SavePayment fresh: %v", err)
	}

	expired, err := store.ExpirePendingPayments(ctx, time.Now())
	if err != nil {
		t.Fatalf("ExpirePendingPayments: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}

	got, _ := store.GetPayment(ctx, "pay-old")
	if got.Status != PaymentStatusCancelled {
		t.Fatalf("stale payment status = %s, want cancelled", got.Status)
	}
	got, _ = store.GetPayment(ctx, "pay-new")
	if got.Status != PaymentStatusPending {
		t.Fatalf("fresh payment status = %s, want pending", got.Status)
	}
}

func TestMemoryStoreDownloadQuota(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	delivery := &DeliverySnapshot{
		OrderRef:     "ord-1",
		PaymentRef:   "pay-1",
		BuyerID:      "buyer-1",
		ProductID:    "prod-a",
		FileID:       "file-1",
		FileName:     "widget-kit.zip",
		MaxDownloads: 2,
		ExpiresAt:    time.Now().Add(time.Hour),
		CreatedAt:    time.Now(),
	}
	if err := store.CreateDelivery(ctx, delivery); err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := store.RecordDownload(ctx, "ord-1"); err != nil {
			t.Fatalf("RecordDownload #%d: %v", i+1, err)
		}
	}
	if err := store.RecordDownload(ctx, "ord-1"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("RecordDownload over quota: got %v, want ErrQuotaExceeded", err)
	}

	got, _ := store.GetDelivery(ctx, "ord-1")
	if got.DownloadCount != 2 {
		t.Fatalf("downloadCount = %d, want 2", got.DownloadCount)
	}
}

func TestMemoryStoreDownloadQuotaConcurrent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.CreateDelivery(ctx, &DeliverySnapshot{
		OrderRef:     "ord-r",
		PaymentRef:   "pay-r",
		BuyerID:      "buyer-1",
		ProductID:    "prod-a",
		FileID:       "file-1",
		MaxDownloads: 5,
		ExpiresAt:    time.Now().Add(time.Hour),
		CreatedAt:    time.Now(),
	}); err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.RecordDownload(ctx, "ord-r")
		}()
	}
	wg.Wait()

	got, _ := store.GetDelivery(ctx, "ord-r")
	if got.DownloadCount != 5 {
		t.Fatalf("downloadCount = %d, want capped at 5", got.DownloadCount)
	}
}

func TestMemoryStoreRepairDeliveryFile(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.CreateDelivery(ctx, &DeliverySnapshot{
		OrderRef:     "ord-f",
		PaymentRef:   "pay-f",
		BuyerID:      "buyer-1",
		ProductID:    "prod-a",
		FileID:       "file-old",
		FileName:     "v1.zip",
		MaxDownloads: 5,
		ExpiresAt:    time.Now().Add(time.Hour),
		CreatedAt:    time.Now(),
	}); err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}

	if err := store.RepairDeliveryFile(ctx, "ord-f", "file-new", "v2.zip"); err != nil {
		t.Fatalf("RepairDeliveryFile: %v", err)
	}

	got, _ := store.GetDelivery(ctx, "ord-f")
	if got.FileID != "file-new" || got.FileName != "v2.zip" {
		t.Fatalf("repaired snapshot = %s/%s, want file-new/v2.zip", got.FileID, got.FileName)
	}
	if got.RepairedAt == nil {
		t.Fatal("repairedAt not set")
	}
}

func TestMemoryStoreEntitlementDeliveredOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	now := time.Now()
	if err := store.CreateEntitlement(ctx, &EntitlementRecord{
		OrderRef:   "ord-e",
		PaymentRef: "pay-e",
		BuyerID:    "buyer-1",
		ProductID:  "prod-b",
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		t.Fatalf("CreateEntitlement: %v", err)
	}

	first := time.Now()
	if err := store.MarkEntitlementDelivered(ctx, "ord-e", first); err != nil {
		t.Fatalf("MarkEntitlementDelivered: %v", err)
	}
	// A later fetch must not move the timestamp.
	if err := store.MarkEntitlementDelivered(ctx, "ord-e", first.Add(time.Hour)); err != nil {
		t.Fatalf("second MarkEntitlementDelivered: %v", err)
	}

	got, _ := store.GetEntitlement(ctx, "ord-e")
	if got.DeliveredAt == nil || !got.DeliveredAt.Equal(first) {
		t.Fatalf("deliveredAt = %v, want %v", got.DeliveredAt, first)
	}
}

func TestMemoryStoreEntitlementReadiness(t *testing.T) {
	e := &EntitlementRecord{}
	if e.Ready() {
		t.Fatal("empty entitlement reported ready")
	}
	e.Username = "user"
	if e.Ready() {
		t.Fatal("username-only entitlement reported ready")
	}
	e.Password = "secret"
	if !e.Ready() {
		t.Fatal("complete entitlement reported not ready")
	}
}

func TestMemoryStoreOwnershipUnion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.GrantOwnership(ctx, "buyer-1", "prod-a", "prod-b"); err != nil {
		t.Fatalf("GrantOwnership: %v", err)
	}
	// Regranting an owned product changes nothing.
	if err := store.GrantOwnership(ctx, "buyer-1", "prod-b", "prod-c"); err != nil {
		t.Fatalf("GrantOwnership again: %v", err)
	}

	owned, err := store.GetOwnership(ctx, "buyer-1")
	if err != nil {
		t.Fatalf("GetOwnership: %v", err)
	}
	want := []string{"prod-a", "prod-b", "prod-c"}
	if len(owned) != len(want) {
		t.Fatalf("owned = %v, want %v", owned, want)
	}
	for i := range want {
		if owned[i] != want[i] {
			t.Fatalf("owned = %v, want %v", owned, want)
		}
	}

	// Unknown buyers own the empty set.
	none, err := store.GetOwnership(ctx, "stranger")
	if err != nil {
		t.Fatalf("GetOwnership stranger: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("stranger owns %v, want empty", none)
	}
}

func TestMemoryStoreOrderByPaymentItem(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	order := &Order{
		Reference:  "ord-1",
		PaymentRef: "pay-1",
		ItemIndex:  2,
		BuyerID:    "buyer-1",
		ProductID:  "prod-a",
		Kind:       "source-code",
		Status:     OrderStatusCompleted,
		CreatedAt:  time.Now(),
	}
	if err := store.CreateOrder(ctx, order); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	got, err := store.GetOrderByPaymentItem(ctx, "pay-1", 2)
	if err != nil {
		t.Fatalf("GetOrderByPaymentItem: %v", err)
	}
	if got.Reference != "ord-1" {
		t.Fatalf("got order %s, want ord-1", got.Reference)
	}
	if _, err := store.GetOrderByPaymentItem(ctx, "pay-1", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing item lookup: got %v, want ErrNotFound", err)
	}
}
