package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunglvm/store-server/internal/blobstore"
	"github.com/tunglvm/store-server/internal/callbacks"
	"github.com/tunglvm/store-server/internal/catalog"
	"github.com/tunglvm/store-server/internal/config"
	"github.com/tunglvm/store-server/internal/download"
	"github.com/tunglvm/store-server/internal/fulfillment"
	"github.com/tunglvm/store-server/internal/payments"
	"github.com/tunglvm/store-server/internal/reconcile"
	"github.com/tunglvm/store-server/internal/storage"
)

const (
	testBuyerHeader = "X-Buyer-Id"
	testAdminKey    = "test-admin-key"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{Address: ":0"},
		Bank: config.BankConfig{
			AccountNumber: "0123456789",
			AccountHolder: "STORE JSC",
			BankName:      "TestBank",
			MemoPrefix:    "DH",
		},
		Payments: config.PaymentsConfig{
			CheckoutTTL: config.Duration{Duration: 15 * time.Minute},
		},
		Downloads: config.DownloadsConfig{
			MaxDownloads: 5,
			LinkTTL:      config.Duration{Duration: 30 * 24 * time.Hour},
		},
		Auth: config.AuthConfig{
			BuyerHeader: testBuyerHeader,
			AdminAPIKey: testAdminKey,
		},
	}

	store := storage.NewMemoryStore()
	repo := catalog.NewMemoryRepository()
	blobs := blobstore.NewMemoryClient()

	products := []catalog.Product{
		{ID: "kit-a", Kind: catalog.KindSourceCode, Title: "Widget Kit A", Price: 150000, FileID: "file-a", FileName: "kit-a.zip", Active: true},
		{ID: "acct-pro", Kind: catalog.KindAccount, Title: "Pro Account", Price: 90000, Active: true},
	}
	for _, p := range products {
		if err := repo.CreateProduct(context.Background(), p); err != nil {
			t.Fatalf("seed product %s: %v", p.ID, err)
		}
	}
	if err := blobs.Put(context.Background(), "file-a", "kit-a.zip", strings.NewReader("zip-bytes")); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	paymentsSvc := payments.NewService(store, repo, cfg.Bank, cfg.Payments.CheckoutTTL.Duration, nil)
	fulfillmentSvc := fulfillment.NewService(store, repo, cfg.Downloads, nil)
	reconcileSvc := reconcile.NewService(store, fulfillmentSvc, callbacks.NoopNotifier{}, reconcile.NewMemoParser("DH"), nil)
	downloadSvc := download.NewService(store, repo, blobs, nil)

	server := New(Deps{
		Config:      cfg,
		Log:         zerolog.Nop(),
		Payments:    paymentsSvc,
		Reconcile:   reconcileSvc,
		Fulfillment: fulfillmentSvc,
		Download:    downloadSvc,
		Store:       store,
		Catalog:     repo,
		Blobs:       blobs,
	})
	return server.Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func buyerHeaders() map[string]string {
	return map[string]string{testBuyerHeader: "buyer-1"}
}

func adminHeaders() map[string]string {
	return map[string]string{"X-Api-Key": testAdminKey}
}

// checkout runs a checkout and returns the payment reference, the transaction
// code, and the amount.
func checkout(t *testing.T, h http.Handler) (string, string, int64) {
	t.Helper()

	// Clients echo back display fields and a bogus price; the server must
	// tolerate them and price from the catalog.
	rec := doJSON(t, h, http.MethodPost, "/store/v1/checkout", map[string]any{
		"items": []map[string]any{
			{"productId": "kit-a", "quantity": 1, "productType": "source-code", "title": "Widget Kit A", "price": 1},
			{"productId": "acct-pro", "quantity": 1},
		},
		"customerInfo": map[string]any{"fullName": "Buyer One", "email": "buyer1@example.com"},
	}, buyerHeaders())
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout status = %d, body %s", rec.Code, rec.Body)
	}

	var resp struct {
		Payment struct {
			Reference       string `json:"reference"`
			TransactionCode string `json:"transactionCode"`
			Amount          int64  `json:"amount"`
		} `json:"payment"`
		Instructions struct {
			Memo string `json:"memo"`
		} `json:"instructions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode checkout: %v", err)
	}
	if !strings.HasPrefix(resp.Instructions.Memo, "DH") {
		t.Fatalf("memo = %q, want DH prefix", resp.Instructions.Memo)
	}
	return resp.Payment.Reference, resp.Payment.TransactionCode, resp.Payment.Amount
}

// settle delivers a matching bank webhook for the given code and amount.
func settle(t *testing.T, h http.Handler, code string, amount int64) {
	t.Helper()

	payload := fmt.Sprintf(`{"id":555,"transferType":"in","transferAmount":%d,"content":"CK DH%s"}`, amount, code)
	req := httptest.NewRequest(http.MethodPost, "/webhook/bank", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d, body %s", rec.Code, rec.Body)
	}
	var ack struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Status != "success" {
		t.Fatalf("ack status = %q, want success", ack.Status)
	}
}

func TestCheckoutToDownloadFlow(t *testing.T) {
	h := newTestServer(t)

	ref, code, amount := checkout(t, h)
	settle(t, h, code, amount)

	// Payment reads back completed.
	rec := doJSON(t, h, http.MethodGet, "/store/v1/payments/"+ref, nil, buyerHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("get payment = %d, body %s", rec.Code, rec.Body)
	}
	var payResp struct {
		Payment struct {
			Status string `json:"status"`
		} `json:"payment"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payResp); err != nil {
		t.Fatalf("decode payment: %v", err)
	}
	if payResp.Payment.Status != "completed" {
		t.Fatalf("payment status = %s, want completed", payResp.Payment.Status)
	}

	// Orders exist for both items.
	rec = doJSON(t, h, http.MethodGet, "/store/v1/orders", nil, buyerHeaders())
	var ordersResp struct {
		Orders []struct {
			Reference string `json:"reference"`
			Kind      string `json:"kind"`
		} `json:"orders"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ordersResp); err != nil {
		t.Fatalf("decode orders: %v", err)
	}
	if len(ordersResp.Orders) != 2 {
		t.Fatalf("orders = %d, want 2", len(ordersResp.Orders))
	}

	var scRef, acctRef string
	for _, o := range ordersResp.Orders {
		switch o.Kind {
		case "source-code":
			scRef = o.Reference
		case "account":
			acctRef = o.Reference
		}
	}

	// Download info, then the file itself.
	rec = doJSON(t, h, http.MethodGet, "/store/v1/orders/"+scRef+"/download", nil, buyerHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("download info = %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodGet, "/store/v1/orders/"+scRef+"/download/file", nil, buyerHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("download file = %d, body %s", rec.Code, rec.Body)
	}
	if got := rec.Body.String(); got != "zip-bytes" {
		t.Fatalf("file body = %q", got)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "kit-a.zip") {
		t.Fatalf("content-disposition = %q", cd)
	}

	// Entitlement polls 202 until provisioned, then serves credentials.
	rec = doJSON(t, h, http.MethodGet, "/store/v1/orders/"+acctRef+"/entitlement", nil, buyerHeaders())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("entitlement before provisioning = %d, want 202", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPut, "/store/v1/admin/orders/"+acctRef+"/entitlement", map[string]string{
		"username": "pro-user", "password": "pro-pass",
	}, adminHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("provision = %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodGet, "/store/v1/orders/"+acctRef+"/entitlement", nil, buyerHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("entitlement after provisioning = %d, body %s", rec.Code, rec.Body)
	}
	var entResp struct {
		Credentials struct {
			Username string `json:"username"`
		} `json:"credentials"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &entResp); err != nil {
		t.Fatalf("decode entitlement: %v", err)
	}
	if entResp.Credentials.Username != "pro-user" {
		t.Fatalf("username = %s", entResp.Credentials.Username)
	}

	// Ownership covers the source-code product only.
	rec = doJSON(t, h, http.MethodGet, "/store/v1/ownership", nil, buyerHeaders())
	var ownResp struct {
		ProductIDs []string `json:"productIds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ownResp); err != nil {
		t.Fatalf("decode ownership: %v", err)
	}
	if len(ownResp.ProductIDs) != 1 || ownResp.ProductIDs[0] != "kit-a" {
		t.Fatalf("owned = %v, want [kit-a]", ownResp.ProductIDs)
	}
}

func TestWebhookReplayReturnsRetryableNotFound(t *testing.T) {
	h := newTestServer(t)

	_, code, amount := checkout(t, h)
	settle(t, h, code, amount)

	payload := fmt.Sprintf(`{"id":555,"transferType":"in","transferAmount":%d,"content":"CK DH%s"}`, amount, code)
	req := httptest.NewRequest(http.MethodPost, "/webhook/bank", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("replay status = %d, want 404", rec.Code)
	}
	var resp struct {
		Error struct {
			Code      string `json:"code"`
			Retryable bool   `json:"retryable"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != "unmatched_or_already_processed" {
		t.Fatalf("code = %s", resp.Error.Code)
	}
	if !resp.Error.Retryable {
		t.Fatal("unmatched must be retryable")
	}
}

func TestWebhookAmountMismatchConflict(t *testing.T) {
	h := newTestServer(t)
	_, code, amount := checkout(t, h)

	payload := fmt.Sprintf(`{"id":555,"transferType":"in","transferAmount":%d,"content":"DH%s"}`, amount+1, code)
	req := httptest.NewRequest(http.MethodPost, "/webhook/bank", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("mismatch status = %d, want 409", rec.Code)
	}
}

func TestWebhookMalformedBadRequest(t *testing.T) {
	h := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook/bank", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed status = %d, want 400", rec.Code)
	}
}

func TestBuyerRoutesRequireIdentity(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/store/v1/orders", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAdminRoutesRequireKey(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPut, "/store/v1/admin/orders/ord-1/status", map[string]string{"status": "cancelled"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no key status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPut, "/store/v1/admin/orders/ord-1/status", map[string]string{"status": "cancelled"},
		map[string]string{"X-Api-Key": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d, want 401", rec.Code)
	}
}

func TestCheckoutRejectsForeignPaymentAccess(t *testing.T) {
	h := newTestServer(t)
	ref, _, _ := checkout(t, h)

	rec := doJSON(t, h, http.MethodGet, "/store/v1/payments/"+ref, nil, map[string]string{testBuyerHeader: "buyer-2"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign access = %d, want 403", rec.Code)
	}
}

func TestCancelPaymentEndpoint(t *testing.T) {
	h := newTestServer(t)
	ref, code, amount := checkout(t, h)

	rec := doJSON(t, h, http.MethodPost, "/store/v1/payments/"+ref+"/cancel", nil, buyerHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d, body %s", rec.Code, rec.Body)
	}

	// A transfer arriving after cancellation no longer matches.
	payload := fmt.Sprintf(`{"id":1,"transferType":"in","transferAmount":%d,"content":"DH%s"}`, amount, code)
	req := httptest.NewRequest(http.MethodPost, "/webhook/bank", strings.NewReader(payload))
	whRec := httptest.NewRecorder()
	h.ServeHTTP(whRec, req)
	if whRec.Code != http.StatusNotFound {
		t.Fatalf("post-cancel webhook = %d, want 404", whRec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
}
