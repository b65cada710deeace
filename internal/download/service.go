// Package download authorizes and serves source-code downloads from delivery
// snapshots, healing snapshots whose blob disappeared.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tunglvm/store-server/internal/blobstore"
	"github.com/tunglvm/store-server/internal/catalog"
	"github.com/tunglvm/store-server/internal/logger"
	"github.com/tunglvm/store-server/internal/metrics"
	"github.com/tunglvm/store-server/internal/storage"
)

// Service errors surfaced to handlers.
var (
	// ErrNotOwner indicates the caller does not own the order.
	ErrNotOwner = errors.New("download: order belongs to another buyer")
	// ErrNotDownloadable indicates the order is not a source-code order.
	ErrNotDownloadable = errors.New("download: order has no downloadable file")
	// ErrRevoked indicates the order is not in a downloadable state.
	ErrRevoked = errors.New("download: order access withdrawn")
	// ErrAmbiguousReference indicates a payment reference that maps to more
	// than one downloadable order. The caller must name the order directly.
	ErrAmbiguousReference = errors.New("download: payment has multiple downloadable orders")
	// ErrLinkExpired indicates the download window has closed.
	ErrLinkExpired = errors.New("download: link expired")
	// ErrFileMissing indicates the blob is gone and could not be healed.
	ErrFileMissing = errors.New("download: file missing from storage")
)

// Info describes a download's availability without consuming quota.
type Info struct {
	OrderRef       storage.OrderReference `json:"orderRef"`
	FileName       string                 `json:"fileName"`
	Remaining      int                    `json:"remaining"`
	ExpiresAt      time.Time              `json:"expiresAt"`
	Expired        bool                   `json:"expired"`
	LastDownloadAt *time.Time             `json:"lastDownloadAt,omitempty"`
}

// File is an open download stream plus the metadata needed to serve it.
type File struct {
	Reader io.ReadCloser
	Name   string
	Size   int64
}

// Service resolves and serves downloads.
type Service struct {
	store   storage.Store
	catalog catalog.Repository
	blobs   blobstore.Client
	metrics *metrics.Metrics
}

// NewService constructs a download Service.
func NewService(store storage.Store, repo catalog.Repository, blobs blobstore.Client, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		catalog: repo,
		blobs:   blobs,
		metrics: m,
	}
}

// Resolve maps a buyer-supplied reference to the order it names. Order
// references resolve directly. A payment reference resolves only when the
// payment produced exactly one source-code order; anything else must be
// addressed by order reference.
func (s *Service) Resolve(ctx context.Context, buyerID, ref string) (*storage.Order, error) {
	order, err := s.store.GetOrder(ctx, storage.OrderReference(ref))
	if err == nil {
		if order.BuyerID != buyerID {
			return nil, ErrNotOwner
		}
		return order, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("look up order: %w", err)
	}

	orders, err := s.store.ListOrdersByPayment(ctx, storage.PaymentReference(ref))
	if err != nil {
		return nil, fmt.Errorf("look up payment orders: %w", err)
	}

	var downloadable []*storage.Order
	for _, o := range orders {
		if o.Kind == string(catalog.KindSourceCode) {
			downloadable = append(downloadable, o)
		}
	}
	switch len(downloadable) {
	case 0:
		return nil, storage.ErrNotFound
	case 1:
		if downloadable[0].BuyerID != buyerID {
			return nil, ErrNotOwner
		}
		return downloadable[0], nil
	default:
		return nil, ErrAmbiguousReference
	}
}

// GetInfo reports a download's availability. Never consumes quota.
func (s *Service) GetInfo(ctx context.Context, buyerID, ref string) (Info, error) {
	order, delivery, err := s.authorize(ctx, buyerID, ref)
	if err != nil {
		return Info{}, err
	}

	return Info{
		OrderRef:       order.Reference,
		FileName:       s.fileName(ctx, delivery, ""),
		Remaining:      delivery.Remaining(),
		ExpiresAt:      delivery.ExpiresAt,
		Expired:        delivery.Expired(time.Now()),
		LastDownloadAt: delivery.LastDownloadAt,
	}, nil
}

// Open authorizes the download, opens the snapshot's blob (healing the
// snapshot if the blob vanished), and consumes one unit of quota. The quota
// is taken with a guarded increment after the blob is known to be readable,
// so a missing file never burns a download.
func (s *Service) Open(ctx context.Context, buyerID, ref string) (File, error) {
	log := logger.FromContext(ctx)

	order, delivery, err := s.authorize(ctx, buyerID, ref)
	if err != nil {
		s.metrics.ObserveDownload(outcomeFor(err))
		return File{}, err
	}

	if delivery.Expired(time.Now()) {
		s.metrics.ObserveDownload("expired")
		return File{}, ErrLinkExpired
	}
	if delivery.Remaining() == 0 {
		s.metrics.ObserveDownload("quota_exceeded")
		return File{}, storage.ErrQuotaExceeded
	}

	reader, info, err := s.openBlob(ctx, delivery)
	if err != nil {
		s.metrics.ObserveDownload("file_missing")
		return File{}, err
	}

	if err := s.store.RecordDownload(ctx, order.Reference); err != nil {
		_ = reader.Close()
		if errors.Is(err, storage.ErrQuotaExceeded) {
			s.metrics.ObserveDownload("quota_exceeded")
			return File{}, err
		}
		s.metrics.ObserveDownload("error")
		return File{}, fmt.Errorf("record download: %w", err)
	}

	s.metrics.ObserveDownload("ok")
	log.Info().
		Str("event", "download.served").
		Str("order_ref", string(order.Reference)).
		Str("file_id", delivery.FileID).
		Int("remaining", delivery.Remaining()-1).
		Msg("Download served")

	return File{
		Reader: reader,
		Name:   s.fileName(ctx, delivery, info.Name),
		Size:   info.Size,
	}, nil
}

// authorize resolves the reference and loads the snapshot, enforcing
// ownership and order state.
func (s *Service) authorize(ctx context.Context, buyerID, ref string) (*storage.Order, *storage.DeliverySnapshot, error) {
	order, err := s.Resolve(ctx, buyerID, ref)
	if err != nil {
		return nil, nil, err
	}
	if order.Kind != string(catalog.KindSourceCode) {
		return nil, nil, ErrNotDownloadable
	}
	if !order.Status.Downloadable() {
		return nil, nil, ErrRevoked
	}

	delivery, err := s.store.GetDelivery(ctx, order.Reference)
	if err != nil {
		return nil, nil, fmt.Errorf("load delivery: %w", err)
	}
	return order, delivery, nil
}

// openBlob opens the snapshot's file. When the blob is gone it tries to heal
// the snapshot from the catalog's current file reference.
func (s *Service) openBlob(ctx context.Context, delivery *storage.DeliverySnapshot) (io.ReadCloser, blobstore.FileInfo, error) {
	reader, info, err := s.blobs.Open(ctx, delivery.FileID)
	if err == nil {
		return reader, info, nil
	}
	if !errors.Is(err, blobstore.ErrNotFound) {
		return nil, blobstore.FileInfo{}, fmt.Errorf("open blob: %w", err)
	}
	return s.heal(ctx, delivery)
}

// heal rewrites the snapshot from the catalog's current file, which covers
// the common case of an operator re-uploading a product file under a new id.
// The replacement blob must open before the repair is persisted; a dead
// catalog reference leaves the snapshot untouched.
func (s *Service) heal(ctx context.Context, delivery *storage.DeliverySnapshot) (io.ReadCloser, blobstore.FileInfo, error) {
	log := logger.FromContext(ctx)

	product, err := s.catalog.GetProduct(ctx, delivery.ProductID)
	if err != nil {
		return nil, blobstore.FileInfo{}, ErrFileMissing
	}
	if product.FileID == "" || product.FileID == delivery.FileID {
		return nil, blobstore.FileInfo{}, ErrFileMissing
	}

	reader, info, err := s.blobs.Open(ctx, product.FileID)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, blobstore.FileInfo{}, ErrFileMissing
	}
	if err != nil {
		return nil, blobstore.FileInfo{}, fmt.Errorf("open replacement blob: %w", err)
	}

	if err := s.store.RepairDeliveryFile(ctx, delivery.OrderRef, product.FileID, product.FileName); err != nil {
		_ = reader.Close()
		return nil, blobstore.FileInfo{}, fmt.Errorf("repair delivery: %w", err)
	}
	s.metrics.ObserveSnapshotRepair()

	log.Warn().
		Str("event", "download.snapshot.repaired").
		Str("order_ref", string(delivery.OrderRef)).
		Str("old_file_id", delivery.FileID).
		Str("new_file_id", product.FileID).
		Msg("Delivery snapshot healed from catalog")

	delivery.FileID = product.FileID
	delivery.FileName = product.FileName
	return reader, info, nil
}

// fileName picks the name to serve: the snapshot's own name, then the blob's
// stored name, then the catalog title with a zip suffix.
func (s *Service) fileName(ctx context.Context, delivery *storage.DeliverySnapshot, blobName string) string {
	if delivery.FileName != "" {
		return delivery.FileName
	}
	if blobName != "" {
		return blobName
	}
	if product, err := s.catalog.GetProduct(ctx, delivery.ProductID); err == nil && product.Title != "" {
		return product.Title + ".zip"
	}
	return string(delivery.OrderRef) + ".zip"
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrNotOwner):
		return "forbidden"
	case errors.Is(err, ErrAmbiguousReference):
		return "ambiguous"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
