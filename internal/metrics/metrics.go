package metrics

import "sync"

// Event counter names.
//
// Everything observable about the hub is counted here: registrations, match
// outcomes, relay traffic, and the reasons sessions and messages get dropped.
const (
	EventJoins          = "joins"
	EventSuperseded     = "superseded"
	EventMatchRequests  = "match_requests"
	EventMatches        = "matches"
	EventRelays         = "relays"
	EventRelayNotFound  = "relay_not_found"
	EventRelayDropped   = "relay_delivery_failed"
	EventDisconnects    = "disconnects"
	EventRemovals       = "removals"
	EventEvictionsDead  = "evictions_dead"
	EventEvictionsStale = "evictions_stale"
	EventBadMessages    = "bad_messages"
	EventRateLimited    = "rate_limited"
	EventTooManyClients = "too_many_clients"
	EventBroadcastDrops = "broadcast_drops"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A production deployment is expected to scrape these through the Prometheus
// handler; the registry itself stays dependency-free so core packages can
// count events without caring about the exposition format.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
