package dispatch

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"printfarm/internal/common/logger"
	"printfarm/internal/config"
	"printfarm/internal/domain"
	"printfarm/internal/metrics"
	"printfarm/internal/repository"
)

// PresenceChecker is the selector's view of the presence registry. The
// in-memory registry never fails; a remote presence source may, which is why
// the lookup carries an error and the selector retries it.
type PresenceChecker interface {
	IsOnline(ctx context.Context, farmerID string) (bool, error)
}

// Selector ranks eligible farmers for an order. Eligibility: online, prints
// the order's material and mode, no pending offer for this order, has not
// already rejected it. Ranking: exact city match first, then distance, then
// any-city fallback; reliability breaks ties, farmer id makes the order
// deterministic.
type Selector struct {
	farmers  repository.FarmerDirectory
	presence PresenceChecker
	cfg      config.DispatchConfig
	lg       *logger.Logger
}

func NewSelector(farmers repository.FarmerDirectory, presence PresenceChecker, cfg config.DispatchConfig) *Selector {
	return &Selector{
		farmers:  farmers,
		presence: presence,
		cfg:      cfg,
		lg:       logger.New("candidate-selector"),
	}
}

// Select builds the lazy candidate sequence for an order. Prior attempts
// exclude farmers that already rejected it or still hold a pending offer.
// Ranking happens here; presence is only a filter and is re-checked per
// candidate at consumption time, because farmers come and go between offers.
func (s *Selector) Select(ctx context.Context, order *domain.Order, prior []domain.OfferAttempt) (*Sequence, error) {
	all, err := s.farmers.ListFarmers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list farmers: %w", err)
	}

	excluded := make(map[string]bool)
	for _, a := range prior {
		if a.Outcome == domain.AttemptRejected || a.Outcome == domain.AttemptPending {
			excluded[a.FarmerID] = true
		}
	}

	ranked := make([]domain.FarmerCandidate, 0, len(all))
	for _, f := range all {
		if excluded[f.ID] || !f.Supports(order.Spec) || f.Capacity <= 0 {
			continue
		}
		ranked = append(ranked, s.score(order, f))
	}
	sort.Slice(ranked, func(i, j int) bool { return less(ranked[i], ranked[j]) })

	return &Sequence{sel: s, order: order, ranked: ranked, skipped: excluded}, nil
}

func (s *Selector) score(order *domain.Order, f domain.Farmer) domain.FarmerCandidate {
	c := domain.FarmerCandidate{
		FarmerID:    f.ID,
		City:        f.City,
		CityMatch:   f.City != "" && f.City == order.City,
		Reliability: f.Reliability,
		DistanceKm:  haversineKm(order.Location, f.Location),
	}
	c.Score = s.cfg.ReliabilityWeight * f.Reliability
	if c.CityMatch {
		c.Score += s.cfg.CityMatchBonus
	} else if s.cfg.DistanceDecayKm > 0 {
		c.Score -= c.DistanceKm / s.cfg.DistanceDecayKm
	}
	return c
}

// less orders candidates: city tier, then distance for the non-city tier,
// then reliability descending, then farmer id ascending.
func less(a, b domain.FarmerCandidate) bool {
	if a.CityMatch != b.CityMatch {
		return a.CityMatch
	}
	if !a.CityMatch && a.DistanceKm != b.DistanceKm {
		return a.DistanceKm < b.DistanceKm
	}
	if a.Reliability != b.Reliability {
		return a.Reliability > b.Reliability
	}
	return a.FarmerID < b.FarmerID
}

// Sequence is a finite lazy sequence of candidates. Next re-validates each
// candidate's presence at consumption time; the ranked list is never offered
// from a stale snapshot.
type Sequence struct {
	sel     *Selector
	order   *domain.Order
	ranked  []domain.FarmerCandidate
	pos     int
	skipped map[string]bool // farmers ruled out since Select (in-run rejects)
}

// MarkRejected rules a farmer out for the remainder of this sequence.
func (q *Sequence) MarkRejected(farmerID string) {
	q.skipped[farmerID] = true
}

// Next returns the next eligible candidate or ErrNoEligibleCandidates when
// the sequence is exhausted.
func (q *Sequence) Next(ctx context.Context) (domain.FarmerCandidate, error) {
	for q.pos < len(q.ranked) {
		cand := q.ranked[q.pos]
		q.pos++
		if q.skipped[cand.FarmerID] {
			continue
		}
		online, err := q.sel.checkPresence(ctx, cand.FarmerID)
		if err != nil {
			// Degraded to ineligible after bounded retries; not fatal.
			q.sel.lg.Warn("candidate_presence_unreachable", err, map[string]any{
				"order_id": q.order.ID, "farmer_id": cand.FarmerID,
			})
			continue
		}
		if !online {
			continue
		}
		return cand, nil
	}
	return domain.FarmerCandidate{}, domain.ErrNoEligibleCandidates
}

// checkPresence retries transient lookup failures with linear backoff before
// giving up on the candidate.
func (s *Selector) checkPresence(ctx context.Context, farmerID string) (bool, error) {
	var lastErr error
	for i := 0; i <= s.cfg.PresenceRetries; i++ {
		if i > 0 {
			metrics.PresenceLookupFailuresTotal.Inc()
			select {
			case <-time.After(time.Duration(i) * s.cfg.PresenceBackoff):
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
		online, err := s.presence.IsOnline(ctx, farmerID)
		if err == nil {
			return online, nil
		}
		lastErr = err
	}
	return false, fmt.Errorf("%w: %v", domain.ErrPresenceUnavailable, lastErr)
}

// haversineKm is the great-circle distance between two points.
func haversineKm(a, b domain.GeoPoint) float64 {
	const earthRadiusKm = 6371
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
