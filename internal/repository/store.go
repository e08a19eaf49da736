package repository

import (
	"context"

	"printfarm/internal/domain"
)

// OrderStore is the key-based order store the dispatch core consumes. The
// core never queries it beyond these lookups; document-store semantics.
type OrderStore interface {
	Get(ctx context.Context, orderID string) (*domain.Order, error)
	Save(ctx context.Context, order *domain.Order) error
	// FindPendingUnassigned lists orders still awaiting a farmer
	// (PENDING or DISPATCHING), used for startup recovery.
	FindPendingUnassigned(ctx context.Context) ([]*domain.Order, error)

	AppendAttempt(ctx context.Context, attempt *domain.OfferAttempt) error
	FinalizeAttempt(ctx context.Context, attempt *domain.OfferAttempt) error
	AttemptsForOrder(ctx context.Context, orderID string) ([]domain.OfferAttempt, error)

	AppendStatusLog(ctx context.Context, change domain.StateChange) error
}

// FarmerDirectory lists registered printer owners for candidate selection.
type FarmerDirectory interface {
	ListFarmers(ctx context.Context) ([]domain.Farmer, error)
	GetFarmer(ctx context.Context, farmerID string) (domain.Farmer, error)
}
