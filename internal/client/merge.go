package client

import (
	"sync"

	"github.com/lorrc/marketplace-realtime/internal/core/domain"
)

// ProductList is a catalog view kept current by catalog broadcasts. Entries
// are merged by product id, so a duplicate delivery never adds a second row.
type ProductList struct {
	mu    sync.RWMutex
	items []domain.ProductData
}

// NewProductList seeds the list with products fetched from the data layer.
func NewProductList(initial []domain.ProductData) *ProductList {
	return &ProductList{items: append([]domain.ProductData(nil), initial...)}
}

// Upsert replaces the product with the same id, or prepends it when new.
func (l *ProductList) Upsert(product domain.ProductData) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.items {
		if l.items[i].ID == product.ID {
			l.items[i] = product
			return
		}
	}
	l.items = append([]domain.ProductData{product}, l.items...)
}

// Remove drops the product with the given id, if present.
func (l *ProductList) Remove(productID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.items {
		if l.items[i].ID == productID {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return
		}
	}
}

// Products returns a copy of the current list.
func (l *ProductList) Products() []domain.ProductData {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.ProductData(nil), l.items...)
}

// Bind keeps the list current from catalog broadcasts. The caller should
// also join the products room, usually through the same scope.
func (l *ProductList) Bind(s *Scope) {
	upsert := func(e domain.ProductChanged) { l.Upsert(e.Product) }
	s.Track(s.f.OnProductAdded(upsert))
	s.Track(s.f.OnProductUpdated(upsert))
	s.Track(s.f.OnProductDeleted(func(e domain.ProductDeleted) { l.Remove(e.ProductID) }))
}

// ReviewList holds the reviews of one product, newest first.
type ReviewList struct {
	productID int64

	mu    sync.RWMutex
	items []domain.ReviewData
}

// NewReviewList seeds the list for a product.
func NewReviewList(productID int64, initial []domain.ReviewData) *ReviewList {
	return &ReviewList{productID: productID, items: append([]domain.ReviewData(nil), initial...)}
}

// Apply merges a review-added event. Events for other products are ignored.
func (l *ReviewList) Apply(e domain.ReviewAdded) {
	if e.ProductID != l.productID {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.items {
		if l.items[i].ID == e.Review.ID {
			l.items[i] = e.Review
			return
		}
	}
	l.items = append([]domain.ReviewData{e.Review}, l.items...)
}

// Reviews returns a copy of the current list.
func (l *ReviewList) Reviews() []domain.ReviewData {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.ReviewData(nil), l.items...)
}

// Bind keeps the list current from the product's room.
func (l *ReviewList) Bind(s *Scope) {
	s.Track(s.f.OnReviewAdded(l.Apply))
}
