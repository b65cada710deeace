package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/tunglvm/store-server/internal/config"
)

// ErrProductNotFound is returned when a product doesn't exist.
var ErrProductNotFound = errors.New("catalog: product not found")

// Kind distinguishes the two product families the store sells.
type Kind string

const (
	// KindAccount is a licensed account delivered as provisioned credentials.
	KindAccount Kind = "account"
	// KindSourceCode is a purchasable source-code package delivered as a file download.
	KindSourceCode Kind = "source-code"
)

// Valid reports whether k is a known product kind.
func (k Kind) Valid() bool {
	return k == KindAccount || k == KindSourceCode
}

// Product represents a sellable item. For source-code products FileID points at
// the current blob in storage; delivery snapshots copy it at purchase time, so
// editing it here never touches already-sold orders.
type Product struct {
	ID       string
	Kind     Kind
	Title    string
	Price    int64 // VND, whole units
	FileID   string
	FileName string
	Active   bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Repository defines the interface for product storage.
type Repository interface {
	// GetProduct retrieves an active product by ID.
	GetProduct(ctx context.Context, id string) (Product, error)

	// ListProducts returns all active products.
	ListProducts(ctx context.Context) ([]Product, error)

	// CreateProduct creates a new product.
	CreateProduct(ctx context.Context, product Product) error

	// UpdateProduct updates an existing product.
	UpdateProduct(ctx context.Context, product Product) error

	// DeleteProduct soft-deletes a product (sets active = false).
	DeleteProduct(ctx context.Context, id string) error

	// Close closes any open connections.
	Close() error
}

// NewRepository creates a product repository based on config.
func NewRepository(cfg config.CatalogConfig) (Repository, error) {
	source := cfg.Source
	if source == "" {
		source = "memory"
	}

	switch source {
	case "memory":
		repo := NewMemoryRepository()
		for _, p := range cfg.Products {
			_ = repo.CreateProduct(context.Background(), Product{
				ID:       p.ID,
				Kind:     Kind(p.Kind),
				Title:    p.Title,
				Price:    p.Price,
				FileID:   p.FileID,
				FileName: p.FileName,
				Active:   true,
			})
		}
		return repo, nil
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, errors.New("mongodb_url required when catalog source is 'mongodb'")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, errors.New("mongodb_database required when catalog source is 'mongodb'")
		}
		collection := cfg.MongoDBCollection
		if collection == "" {
			collection = "products"
		}
		return NewMongoDBRepository(cfg.MongoDBURL, cfg.MongoDBDatabase, collection)
	default:
		return nil, errors.New("invalid catalog source: must be 'memory' or 'mongodb'")
	}
}
