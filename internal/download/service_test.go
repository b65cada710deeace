package download

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/tunglvm/store-server/internal/blobstore"
	"github.com/tunglvm/store-server/internal/catalog"
	"github.com/tunglvm/store-server/internal/storage"
)

type fixture struct {
	store   *storage.MemoryStore
	catalog *catalog.MemoryRepository
	blobs   *blobstore.MemoryClient
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	repo := catalog.NewMemoryRepository()
	blobs := blobstore.NewMemoryClient()

	if err := repo.CreateProduct(context.Background(), catalog.Product{
		ID: "kit-a", Kind: catalog.KindSourceCode, Title: "Widget Kit A",
		Price: 150000, FileID: "file-a", FileName: "kit-a.zip", Active: true,
	}); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	if err := blobs.Put(context.Background(), "file-a", "kit-a.zip", strings.NewReader("zip-bytes")); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	return &fixture{
		store:   store,
		catalog: repo,
		blobs:   blobs,
		service: NewService(store, repo, blobs, nil),
	}
}

// seedOrder creates a completed source-code order with its snapshot.
func (f *fixture) seedOrder(t *testing.T, orderRef storage.OrderReference, paymentRef storage.PaymentReference) {
	t.Helper()
	ctx := context.Background()

	if err := f.store.CreateOrder(ctx, &storage.Order{
		Reference:  orderRef,
		PaymentRef: paymentRef,
		ItemIndex:  0,
		BuyerID:    "buyer-1",
		ProductID:  "kit-a",
		Kind:       "source-code",
		Title:      "Widget Kit A",
		UnitPrice:  150000,
		Quantity:   1,
		Status:     storage.OrderStatusCompleted,
		CreatedAt:  time.Now(),
	}); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	if err := f.store.CreateDelivery(ctx, &storage.DeliverySnapshot{
		OrderRef:     orderRef,
		PaymentRef:   paymentRef,
		BuyerID:      "buyer-1",
		ProductID:    "kit-a",
		FileID:       "file-a",
		FileName:     "kit-a.zip",
		MaxDownloads: 2,
		ExpiresAt:    time.Now().Add(time.Hour),
		CreatedAt:    time.Now(),
	}); err != nil {
		t.Fatalf("seed delivery: %v", err)
	}
}

func TestOpenByOrderReference(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "ord-1", "pay-1")

	file, err := f.service.Open(context.Background(), "buyer-1", "ord-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer file.Reader.Close()

	if file.Name != "kit-a.zip" {
		t.Fatalf("name = %s, want kit-a.zip", file.Name)
	}
	data, _ := io.ReadAll(file.Reader)
	if string(data) != "zip-bytes" {
		t.Fatalf("content = %q", data)
	}

	delivery, _ := f.store.GetDelivery(context.Background(), "ord-1")
	if delivery.DownloadCount != 1 {
		t.Fatalf("downloadCount = %d, want 1", delivery.DownloadCount)
	}
}

func TestOpenByPaymentReferenceSingleOrder(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "ord-1", "pay-1")

	// One downloadable order under the payment resolves unambiguously.
	file, err := f.service.Open(context.Background(), "buyer-1", "pay-1")
	if err != nil {
		t.Fatalf("Open by payment ref: %v", err)
	}
	file.Reader.Close()
}

func TestResolveAmbiguousPaymentReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedOrder(t, "ord-1", "pay-1")

	// A second downloadable order under the same payment.
	if err := f.store.CreateOrder(ctx, &storage.Order{
		Reference:  "ord-2",
		PaymentRef: "pay-1",
		ItemIndex:  1,
		BuyerID:    "buyer-1",
		ProductID:  "kit-a",
		Kind:       "source-code",
		Status:     storage.OrderStatusCompleted,
		CreatedAt:  time.Now(),
	}); err != nil {
		t.Fatalf("second order: %v", err)
	}

	if _, err := f.service.Open(ctx, "buyer-1", "pay-1"); !errors.Is(err, ErrAmbiguousReference) {
		t.Fatalf("got %v, want ErrAmbiguousReference", err)
	}
	// The direct order reference still works.
	file, err := f.service.Open(ctx, "buyer-1", "ord-1")
	if err != nil {
		t.Fatalf("Open ord-1: %v", err)
	}
	file.Reader.Close()
}

func TestOpenEnforcesOwnership(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "ord-1", "pay-1")

	if _, err := f.service.Open(context.Background(), "buyer-2", "ord-1"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("got %v, want ErrNotOwner", err)
	}
}

func TestOpenEnforcesQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedOrder(t, "ord-1", "pay-1")

	for i := 0; i < 2; i++ {
		file, err := f.service.Open(ctx, "buyer-1", "ord-1")
		if err != nil {
			t.Fatalf("Open #%d: %v", i+1, err)
		}
		file.Reader.Close()
	}

	if _, err := f.service.Open(ctx, "buyer-1", "ord-1"); !errors.Is(err, storage.ErrQuotaExceeded) {
		t.Fatalf("got %v, want ErrQuotaExceeded", err)
	}
}

func TestOpenEnforcesExpiry(t *testing.T) {
	ctx := context.Background()

	// A snapshot whose download window already closed.
	f2 := newFixture(t)
	if err := f2.store.CreateOrder(ctx, &storage.Order{
		Reference: "ord-x", PaymentRef: "pay-x", BuyerID: "buyer-1",
		ProductID: "kit-a", Kind: "source-code",
		Status: storage.OrderStatusCompleted, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("order: %v", err)
	}
	if err := f2.store.CreateDelivery(ctx, &storage.DeliverySnapshot{
		OrderRef: "ord-x", PaymentRef: "pay-x", BuyerID: "buyer-1",
		ProductID: "kit-a", FileID: "file-a", FileName: "kit-a.zip",
		MaxDownloads: 5, ExpiresAt: time.Now().Add(-time.Minute), CreatedAt: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("delivery: %v", err)
	}

	if _, err := f2.service.Open(ctx, "buyer-1", "ord-x"); !errors.Is(err, ErrLinkExpired) {
		t.Fatalf("got %v, want ErrLinkExpired", err)
	}
	// Info still reports the expired state without error.
	info, err := f2.service.GetInfo(ctx, "buyer-1", "ord-x")
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if !info.Expired {
		t.Fatal("info.Expired = false, want true")
	}
}

func TestOpenDeniesCancelledOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedOrder(t, "ord-1", "pay-1")

	if err := f.store.UpdateOrderStatus(ctx, "ord-1", storage.OrderStatusCancelled); err != nil {
		t.Fatalf("UpdateOrderStatus: %v", err)
	}
	if _, err := f.service.Open(ctx, "buyer-1", "ord-1"); !errors.Is(err, ErrRevoked) {
		t.Fatalf("got %v, want ErrRevoked", err)
	}
}

func TestOpenHealsMissingBlobFromCatalog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedOrder(t, "ord-1", "pay-1")

	// The operator re-uploaded the product file under a new id; the old
	// blob is gone.
	product, _ := f.catalog.GetProduct(ctx, "kit-a")
	product.FileID = "file-a-v2"
	product.FileName = "kit-a-v2.zip"
	if err := f.catalog.UpdateProduct(ctx, product); err != nil {
		t.Fatalf("UpdateProduct: %v", err)
	}
	if err := f.blobs.Put(ctx, "file-a-v2", "kit-a-v2.zip", strings.NewReader("v2-bytes")); err != nil {
		t.Fatalf("Put v2: %v", err)
	}
	// Simulate the missing original by pointing the snapshot at a dead id.
	if err := f.store.RepairDeliveryFile(ctx, "ord-1", "file-dead", "kit-a.zip"); err != nil {
		t.Fatalf("break snapshot: %v", err)
	}

	file, err := f.service.Open(ctx, "buyer-1", "ord-1")
	if err != nil {
		t.Fatalf("Open after heal: %v", err)
	}
	defer file.Reader.Close()

	data, _ := io.ReadAll(file.Reader)
	if string(data) != "v2-bytes" {
		t.Fatalf("content = %q, want v2 bytes", data)
	}

	healed, _ := f.store.GetDelivery(ctx, "ord-1")
	if healed.FileID != "file-a-v2" {
		t.Fatalf("snapshot fileID = %s, want file-a-v2", healed.FileID)
	}
	// Quota was still consumed exactly once.
	if healed.DownloadCount != 1 {
		t.Fatalf("downloadCount = %d, want 1", healed.DownloadCount)
	}
}

func TestHealKeepsSnapshotWhenReplacementMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedOrder(t, "ord-1", "pay-1")

	// Snapshot points at a dead id and the catalog's replacement is dead
	// too. The snapshot must not be rewritten to a reference that was never
	// seen to open.
	if err := f.store.RepairDeliveryFile(ctx, "ord-1", "file-dead", "kit-a.zip"); err != nil {
		t.Fatalf("break snapshot: %v", err)
	}
	product, _ := f.catalog.GetProduct(ctx, "kit-a")
	product.FileID = "file-also-dead"
	if err := f.catalog.UpdateProduct(ctx, product); err != nil {
		t.Fatalf("UpdateProduct: %v", err)
	}

	if _, err := f.service.Open(ctx, "buyer-1", "ord-1"); !errors.Is(err, ErrFileMissing) {
		t.Fatalf("got %v, want ErrFileMissing", err)
	}
	delivery, _ := f.store.GetDelivery(ctx, "ord-1")
	if delivery.FileID != "file-dead" {
		t.Fatalf("snapshot fileID = %s, want file-dead untouched", delivery.FileID)
	}

	// Restoring the original blob makes the order downloadable again.
	if err := f.blobs.Put(ctx, "file-dead", "kit-a.zip", strings.NewReader("restored-bytes")); err != nil {
		t.Fatalf("restore blob: %v", err)
	}
	file, err := f.service.Open(ctx, "buyer-1", "ord-1")
	if err != nil {
		t.Fatalf("Open after restore: %v", err)
	}
	defer file.Reader.Close()
	data, _ := io.ReadAll(file.Reader)
	if string(data) != "restored-bytes" {
		t.Fatalf("content = %q, want restored bytes", data)
	}
}

func TestOpenFailsWhenBlobTrulyGone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedOrder(t, "ord-1", "pay-1")

	// Snapshot points at a dead id and the catalog offers no replacement.
	if err := f.store.RepairDeliveryFile(ctx, "ord-1", "file-dead", "kit-a.zip"); err != nil {
		t.Fatalf("break snapshot: %v", err)
	}
	product, _ := f.catalog.GetProduct(ctx, "kit-a")
	product.FileID = "file-dead"
	if err := f.catalog.UpdateProduct(ctx, product); err != nil {
		t.Fatalf("UpdateProduct: %v", err)
	}

	if _, err := f.service.Open(ctx, "buyer-1", "ord-1"); !errors.Is(err, ErrFileMissing) {
		t.Fatalf("got %v, want ErrFileMissing", err)
	}
	// No quota burned on a failed download.
	delivery, _ := f.store.GetDelivery(ctx, "ord-1")
	if delivery.DownloadCount != 0 {
		t.Fatalf("downloadCount = %d, want 0", delivery.DownloadCount)
	}
}

func TestFileNamePreference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	delivery := &storage.DeliverySnapshot{OrderRef: "ord-n", ProductID: "kit-a"}

	// Snapshot name wins.
	delivery.FileName = "snapshot.zip"
	if got := f.service.fileName(ctx, delivery, "blob.zip"); got != "snapshot.zip" {
		t.Fatalf("got %s, want snapshot.zip", got)
	}
	// Then the blob's stored name.
	delivery.FileName = ""
	if got := f.service.fileName(ctx, delivery, "blob.zip"); got != "blob.zip" {
		t.Fatalf("got %s, want blob.zip", got)
	}
	// Then the catalog title.
	if got := f.service.fileName(ctx, delivery, ""); got != "Widget Kit A.zip" {
		t.Fatalf("got %s, want Widget Kit A.zip", got)
	}
}

func TestGetInfoDoesNotConsumeQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedOrder(t, "ord-1", "pay-1")

	for i := 0; i < 3; i++ {
		if _, err := f.service.GetInfo(ctx, "buyer-1", "ord-1"); err != nil {
			t.Fatalf("GetInfo #%d: %v", i+1, err)
		}
	}
	delivery, _ := f.store.GetDelivery(ctx, "ord-1")
	if delivery.DownloadCount != 0 {
		t.Fatalf("downloadCount = %d, want 0", delivery.DownloadCount)
	}
}
