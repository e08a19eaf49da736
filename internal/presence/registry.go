package presence

import (
	"context"
	"sort"
	"sync"

	"printfarm/internal/domain"
	"printfarm/internal/metrics"
)

// Registry is the authoritative in-memory view of farmer reachability. It is
// constructed at service start and injected where needed; it is not a
// singleton. Entries are owned exclusively by the registry and read only
// through its query methods.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*domain.PresenceEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*domain.PresenceEntry)}
}

// Apply upserts the farmer's entry from a presence event. Last event wins by
// event timestamp: an event older than the stored one is dropped, which keeps
// the registry correct when deliveries arrive out of order across queues.
func (r *Registry) Apply(env *domain.Envelope) {
	online, busy, ok := classify(env.Type)
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[env.SubjectID]
	if exists && env.Timestamp.Before(e.LastEvent) {
		return
	}
	if !exists {
		e = &domain.PresenceEntry{FarmerID: env.SubjectID}
		r.entries[env.SubjectID] = e
	}
	e.Online = online
	e.LastEvent = env.Timestamp
	if busy != nil {
		e.Busy = *busy
	} else if !online {
		e.Busy = false
	}

	metrics.PresenceEventsTotal.WithLabelValues(string(env.Type)).Inc()
	metrics.OnlineFarmers.Set(float64(r.onlineCountLocked()))
}

// classify maps an event type to (online, busy-override). Busy/free events
// imply the farmer is online.
func classify(t domain.EventType) (bool, *bool, bool) {
	b := func(v bool) *bool { return &v }
	switch t {
	case domain.EventUserLogin, domain.EventUserHeartbeat:
		return true, nil, true
	case domain.EventFarmerBusy:
		return true, b(true), true
	case domain.EventFarmerFree:
		return true, b(false), true
	case domain.EventUserLogout, domain.EventSessionExpired:
		return false, nil, true
	default:
		return false, nil, false
	}
}

func (r *Registry) IsOnline(farmerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[farmerID]
	return ok && e.Online
}

func (r *Registry) Entry(farmerID string) (domain.PresenceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[farmerID]
	if !ok {
		return domain.PresenceEntry{}, false
	}
	return *e, true
}

// Snapshot returns the sorted set of online farmer ids.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		if e.Online {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Checker adapts the registry to the selector's fallible lookup interface.
// The in-memory registry itself cannot fail; remote presence sources can.
type Checker struct{ Registry *Registry }

func (c Checker) IsOnline(_ context.Context, farmerID string) (bool, error) {
	return c.Registry.IsOnline(farmerID), nil
}

func (r *Registry) onlineCountLocked() int {
	n := 0
	for _, e := range r.entries {
		if e.Online {
			n++
		}
	}
	return n
}
