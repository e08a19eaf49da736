package domain

import "time"

type OrderState string

const (
	StatePending      OrderState = "PENDING"
	StateDispatching  OrderState = "DISPATCHING"
	StateAssigned     OrderState = "ASSIGNED"
	StateInProgress   OrderState = "IN_PROGRESS"
	StateCompleted    OrderState = "COMPLETED"
	StateCancelled    OrderState = "CANCELLED"
	StateUnassignable OrderState = "UNASSIGNABLE"
)

// Terminal states keep the order for audit but accept no further transitions.
func (s OrderState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateUnassignable
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type PrintSpec struct {
	Material      string        `json:"material"` // pla | abs | petg | resin
	Mode          string        `json:"mode"`     // draft | standard | fine
	Files         []string      `json:"files"`
	EstimatedTime time.Duration `json:"estimated_time"`
	EstimatedCost float64       `json:"estimated_cost"`
}

type Order struct {
	ID             string
	CreatorID      string
	City           string
	Location       GeoPoint
	Spec           PrintSpec
	State          OrderState
	AssignedFarmer string // empty until ASSIGNED
	CancelReason   string // empty unless CANCELLED
	// Version guards concurrent transitions; bumped on every successful
	// transition and on every dispatch attempt advance.
	Version          int
	DispatchAttempts int
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      time.Time // zero until a terminal state
}

type AttemptOutcome string

const (
	AttemptPending  AttemptOutcome = "pending"
	AttemptAccepted AttemptOutcome = "accepted"
	AttemptRejected AttemptOutcome = "rejected"
	AttemptExpired  AttemptOutcome = "expired"
)

// OfferAttempt is one time-bounded proposal of an order to one farmer.
// At most one attempt per order may be pending at any instant; an attempt is
// finalized exactly once and immutable afterwards.
type OfferAttempt struct {
	ID        string
	OrderID   string
	Seq       int
	FarmerID  string
	CreatedAt time.Time
	ExpiresAt time.Time
	Outcome   AttemptOutcome
	ClosedAt  time.Time // zero while pending
}

func (a *OfferAttempt) Closed() bool { return a.Outcome != AttemptPending }

// Farmer is the directory record of a registered printer owner.
type Farmer struct {
	ID          string
	Name        string
	City        string
	Location    GeoPoint
	Materials   []string
	Modes       []string
	Reliability float64 // 0..1, rolling completion rate
	Capacity    int     // concurrent jobs the farm takes
}

func (f *Farmer) Supports(spec PrintSpec) bool {
	return contains(f.Materials, spec.Material) && contains(f.Modes, spec.Mode)
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

// FarmerCandidate is derived per dispatch cycle and never cached across orders.
type FarmerCandidate struct {
	FarmerID    string
	City        string
	CityMatch   bool
	DistanceKm  float64
	Reliability float64
	Score       float64
}

// PresenceEntry is owned exclusively by the presence registry.
type PresenceEntry struct {
	FarmerID  string
	Online    bool
	Busy      bool
	LastEvent time.Time
}
