package catalog

import (
	"context"
	"errors"
)

// ErrKindUnresolved is returned when a line item's product kind cannot be
// determined from the catalog. Earlier revisions silently classified unknown
// products as source-code; unresolved items now surface to operators instead
// and stay retriable once the catalog is fixed.
var ErrKindUnresolved = errors.New("catalog: product kind unresolved")

// KindResolver resolves a product's kind from the catalog. The probe order
// mirrors the catalog layout: source-code packages are checked before licensed
// accounts, so a product listed under both (a data error) resolves source-code.
type KindResolver struct {
	repo Repository
}

// NewKindResolver constructs a resolver backed by the given catalog.
func NewKindResolver(repo Repository) *KindResolver {
	return &KindResolver{repo: repo}
}

// Resolve returns the kind recorded for the product, or ErrKindUnresolved when
// the product is missing or carries an unknown kind.
func (r *KindResolver) Resolve(ctx context.Context, productID string) (Kind, error) {
	p, err := r.repo.GetProduct(ctx, productID)
	if errors.Is(err, ErrProductNotFound) {
		return "", ErrKindUnresolved
	}
	if err != nil {
		return "", err
	}

	for _, kind := range []Kind{KindSourceCode, KindAccount} {
		if p.Kind == kind {
			return kind, nil
		}
	}
	return "", ErrKindUnresolved
}
