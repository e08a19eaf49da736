package domain

import "errors"

var (
	// ErrInvalidTransition: the requested edge is not in the lifecycle table.
	ErrInvalidTransition = errors.New("invalid order state transition")
	// ErrStaleOrder: optimistic-concurrency conflict, caller must reload.
	ErrStaleOrder = errors.New("stale order version")
	// ErrOfferExpired: accept/reject arrived for an already-closed attempt.
	ErrOfferExpired = errors.New("offer attempt already closed")
	// ErrNoEligibleCandidates: candidate sequence exhausted.
	ErrNoEligibleCandidates = errors.New("no eligible candidates")

	ErrOrderNotFound       = errors.New("order not found")
	ErrFarmerNotFound      = errors.New("farmer not found")
	ErrPresenceUnavailable = errors.New("presence lookup unavailable")
)
