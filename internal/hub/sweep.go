package hub

import (
	"context"
	"time"

	"github.com/warmlink/rendezvous/internal/metrics"
)

type verdict int

const (
	verdictProbe verdict = iota
	verdictEvictDead
	verdictEvictStale
)

// evaluate decides what one sweep pass does with a session: evict it because
// its transport is already gone, evict it because it has been silent past
// the idle timeout, or probe it so the next pass has fresh liveness.
func evaluate(alive bool, lastSeen, now time.Time, idleTimeout time.Duration) verdict {
	if !alive {
		return verdictEvictDead
	}
	if now.Sub(lastSeen) >= idleTimeout {
		return verdictEvictStale
	}
	return verdictProbe
}

// Run drives the liveness sweep until ctx is cancelled. Evicted sessions go
// through the same teardown as an explicit disconnect, so a matched partner
// is always notified.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Hub) sweep() {
	type eviction struct {
		id     string
		conn   Conn
		reason string
	}
	var evictions []eviction
	var probes []Conn

	now := h.now()
	h.mu.Lock()
	for id, s := range h.sessions {
		switch evaluate(s.conn.Alive(), s.lastSeen, now, h.cfg.ClientIdleTimeout) {
		case verdictEvictDead:
			evictions = append(evictions, eviction{id: id, conn: s.conn, reason: "dead"})
		case verdictEvictStale:
			evictions = append(evictions, eviction{id: id, conn: s.conn, reason: "stale"})
		case verdictProbe:
			probes = append(probes, s.conn)
		}
	}
	for _, ev := range evictions {
		s := h.sessions[ev.id]
		h.breakMatchLocked(s)
		h.pool.remove(ev.id)
		delete(h.sessions, ev.id)
	}
	if len(evictions) > 0 {
		h.broadcastUserCountLocked()
	}
	h.mu.Unlock()

	for _, ev := range evictions {
		if ev.reason == "dead" {
			h.metrics.Inc(metrics.EventEvictionsDead)
		} else {
			h.metrics.Inc(metrics.EventEvictionsStale)
		}
		h.log.Info("client evicted", "user_id", ev.id, "reason", ev.reason)
		ev.conn.Close(ev.reason)
	}
	for _, c := range probes {
		// Probing after release: a pong lands via Touch before the next
		// pass.
		_ = c.Ping()
	}
}
