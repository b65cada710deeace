// Package reconcile matches incoming bank transfer notifications against the
// intent ledger and drives completion, fulfillment, and ownership grants.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tunglvm/store-server/internal/callbacks"
	"github.com/tunglvm/store-server/internal/fulfillment"
	"github.com/tunglvm/store-server/internal/logger"
	"github.com/tunglvm/store-server/internal/metrics"
	"github.com/tunglvm/store-server/internal/storage"
)

// Processing errors surfaced to the webhook handler.
var (
	// ErrMalformed indicates a payload that does not decode.
	ErrMalformed = errors.New("reconcile: malformed notification")
	// ErrNoTransactionCode indicates a memo without a recognizable code.
	ErrNoTransactionCode = errors.New("reconcile: no transaction code in memo")
	// ErrUnmatched indicates no pending payment carries the code. Either
	// the code is wrong or the payment was already settled.
	ErrUnmatched = errors.New("reconcile: no pending payment matches")
	// ErrAmountMismatch indicates the transfer does not equal the expected
	// amount. The payment is left pending for an operator to resolve.
	ErrAmountMismatch = errors.New("reconcile: transfer amount mismatch")
)

// Outcome labels used in logs and metrics.
const (
	OutcomeCompleted      = "completed"
	OutcomeMalformed      = "malformed"
	OutcomeIgnored        = "ignored"
	OutcomeNoCode         = "no_code"
	OutcomeUnmatched      = "unmatched"
	OutcomeAmountMismatch = "amount_mismatch"
	OutcomeReplay         = "replay"
)

// Result describes what a notification did.
type Result struct {
	Outcome    string
	PaymentRef storage.PaymentReference
}

// Service processes bank webhook notifications.
type Service struct {
	store     storage.Store
	fulfiller *fulfillment.Service
	notifier  callbacks.Notifier
	parser    *MemoParser
	metrics   *metrics.Metrics
}

// NewService constructs a reconcile Service.
func NewService(store storage.Store, fulfiller *fulfillment.Service, notifier callbacks.Notifier, parser *MemoParser, m *metrics.Metrics) *Service {
	return &Service{
		store:     store,
		fulfiller: fulfiller,
		notifier:  notifier,
		parser:    parser,
		metrics:   m,
	}
}

// Process handles one raw webhook payload. The raw bytes are retained on the
// completed payment for dispute handling. Fulfillment failures do not fail the
// webhook: once the payment is completed the notification is consumed, and
// missing artifacts are filled in by reprocessing.
func (s *Service) Process(ctx context.Context, raw []byte) (Result, error) {
	log := logger.FromContext(ctx)
	start := time.Now()

	outcome, ref, err := s.process(ctx, raw)
	s.metrics.ObserveWebhook(outcome, time.Since(start))

	evt := log.Info()
	if err != nil {
		evt = log.Warn().Err(err)
	}
	evt.
		Str("event", "bank.webhook.processed").
		Str("outcome", outcome).
		Str("payment_ref", string(ref)).
		Dur("elapsed", time.Since(start)).
		Msg("Webhook processed")

	return Result{Outcome: outcome, PaymentRef: ref}, err
}

func (s *Service) process(ctx context.Context, raw []byte) (string, storage.PaymentReference, error) {
	log := logger.FromContext(ctx)

	var notif Notification
	if err := json.Unmarshal(raw, &notif); err != nil {
		return OutcomeMalformed, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	// Outgoing transfers and other non-credit events are acknowledged and
	// dropped; only money arriving can settle a payment.
	if notif.TransferType != TransferTypeIn {
		return OutcomeIgnored, "", nil
	}

	code, ok := s.parser.Parse(notif.Content)
	if !ok {
		return OutcomeNoCode, "", ErrNoTransactionCode
	}

	payment, err := s.store.GetPendingPaymentByTransactionCode(ctx, storage.TransactionCode(code))
	if errors.Is(err, storage.ErrNotFound) {
		return OutcomeUnmatched, "", fmt.Errorf("%w: code %s", ErrUnmatched, code)
	}
	if err != nil {
		return OutcomeUnmatched, "", fmt.Errorf("look up pending payment: %w", err)
	}

	if notif.TransferAmount != payment.Amount {
		log.Error().
			Str("event", "bank.webhook.amount_mismatch").
			Str("payment_ref", string(payment.Reference)).
			Int64("expected", payment.Amount).
			Int64("received", notif.TransferAmount).
			Msg("Transfer amount does not match pending payment")
		return OutcomeAmountMismatch, payment.Reference, ErrAmountMismatch
	}

	err = s.store.CompletePayment(ctx, payment.Reference, time.Now(), string(notif.ID), string(raw))
	if errors.Is(err, storage.ErrNotFound) {
		// Another writer settled the payment between lookup and update.
		// The transfer is consumed either way.
		return OutcomeReplay, payment.Reference, nil
	}
	if err != nil {
		return OutcomeUnmatched, payment.Reference, fmt.Errorf("complete payment: %w", err)
	}
	s.metrics.ObservePaymentCompleted()

	// Reload so fulfillment sees the settled state.
	completed, err := s.store.GetPayment(ctx, payment.Reference)
	if err != nil {
		completed = payment
	}

	s.fulfillAndGrant(ctx, completed)
	s.notifyAsync(ctx, completed)

	return OutcomeCompleted, payment.Reference, nil
}

// Refulfill re-runs fulfillment for a completed payment. Used by operators
// after a partial failure; already-fulfilled items are untouched.
func (s *Service) Refulfill(ctx context.Context, ref storage.PaymentReference) error {
	payment, err := s.store.GetPayment(ctx, ref)
	if err != nil {
		return err
	}
	if payment.Status != storage.PaymentStatusCompleted {
		return fmt.Errorf("payment %s is %s, not completed", ref, payment.Status)
	}

	fulfilled, err := s.fulfiller.FulfillPayment(ctx, payment)
	if grantErr := s.grant(ctx, payment.BuyerID, fulfilled); grantErr != nil && err == nil {
		err = grantErr
	}
	return err
}

func (s *Service) fulfillAndGrant(ctx context.Context, payment *storage.Payment) {
	log := logger.FromContext(ctx)

	fulfilled, err := s.fulfiller.FulfillPayment(ctx, payment)
	if err != nil {
		log.Error().
			Str("event", "bank.webhook.fulfillment_incomplete").
			Str("payment_ref", string(payment.Reference)).
			Err(err).
			Msg("Fulfillment incomplete after payment completion")
	}
	if err := s.grant(ctx, payment.BuyerID, fulfilled); err != nil {
		log.Error().
			Str("event", "bank.webhook.ownership_grant_failed").
			Str("payment_ref", string(payment.Reference)).
			Err(err).
			Msg("Ownership grant failed")
	}
}

func (s *Service) grant(ctx context.Context, buyerID string, productIDs []string) error {
	if len(productIDs) == 0 {
		return nil
	}
	return s.store.GrantOwnership(ctx, buyerID, productIDs...)
}

// notifyAsync fires the merchant callback without holding the webhook
// response open. The detached context keeps the request's logger but not its
// cancellation.
func (s *Service) notifyAsync(ctx context.Context, payment *storage.Payment) {
	var paidAt time.Time
	if payment.PaidAt != nil {
		paidAt = *payment.PaidAt
	}
	productIDs := make([]string, 0, len(payment.Items))
	for _, item := range payment.Items {
		productIDs = append(productIDs, item.ProductID)
	}

	event := callbacks.PaymentEvent{
		PaymentRef:      string(payment.Reference),
		BuyerID:         payment.BuyerID,
		TransactionCode: string(payment.TransactionCode),
		Amount:          payment.Amount,
		PaidAt:          paidAt,
		ProductIDs:      productIDs,
	}

	detached := context.WithoutCancel(ctx)
	go func() {
		log := logger.FromContext(detached)
		if err := s.notifier.PaymentCompleted(detached, event); err != nil {
			log.Error().
				Str("event", "callback.delivery_failed").
				Str("payment_ref", event.PaymentRef).
				Err(err).
				Msg("Payment callback delivery failed")
		}
	}()
}
