// Package hub owns the client registry, waiting pool, and matchmaking state
// machine.
//
// All state lives behind one mutex. Public operations lock, mutate, and
// unlock; anything that can block on a transport (closing a socket, pinging
// it) is collected under the lock and performed after release. Conn.Send is
// the one transport call made while locked and is required to be a
// non-blocking enqueue.
package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warmlink/rendezvous/internal/metrics"
	"github.com/warmlink/rendezvous/internal/protocol"
)

// Conn is the transport attachment of a registered client. Implementations
// must make Send a non-blocking enqueue and must tolerate Close and Ping
// being called concurrently with each other and with Send.
type Conn interface {
	// Send enqueues an outbound frame. It fails when the connection is
	// closed or its send queue is full; it never blocks.
	Send(data []byte) error
	// Ping probes the transport. Liveness is observed out-of-band: a pong
	// refreshes the session via Touch.
	Ping() error
	// Alive reports whether the transport is still open.
	Alive() bool
	// Close tears the transport down, surfacing reason to the client.
	Close(reason string)
}

var (
	// ErrClosed is returned by Register after Close.
	ErrClosed = errors.New("hub closed")
	// ErrTooManyClients is returned by Register at the client limit.
	ErrTooManyClients = errors.New("client limit reached")
	// ErrNotRegistered is returned when the acting session does not exist.
	ErrNotRegistered = errors.New("not registered")
	// ErrTargetNotFound is returned by Relay for an unknown target id.
	ErrTargetNotFound = errors.New("target not found")
	// ErrDeliveryFailed is returned by Relay when the target cannot accept
	// the frame.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Config carries the hub's tunables.
type Config struct {
	// MaxClients caps concurrent registrations. Zero means unlimited.
	MaxClients int
	// SweepInterval is the liveness sweep period.
	SweepInterval time.Duration
	// ClientIdleTimeout evicts sessions with no transport activity for
	// this long.
	ClientIdleTimeout time.Duration
}

// MatchOutcome is the result of a match request, reported to the requester.
type MatchOutcome struct {
	Matched     bool
	MatchID     string
	PartnerID   string
	IsInitiator bool
}

// Hub pairs registered clients and relays signaling frames between them.
type Hub struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*session
	pool     *waitPool
	closed   bool

	// Seams for tests.
	now        func() time.Time
	coin       func() bool
	newMatchID func() string
}

// New builds a Hub. Run starts the liveness sweeper; Close shuts the hub
// down.
func New(cfg Config, log *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		cfg:        cfg,
		log:        log,
		metrics:    m,
		sessions:   make(map[string]*session),
		pool:       newWaitPool(),
		now:        time.Now,
		coin:       func() bool { return rand.IntN(2) == 0 },
		newMatchID: uuid.NewString,
	}
}

// Register binds id to conn and broadcasts the new user count.
//
// An id that is already registered on a different connection is superseded:
// the old connection closes, any partner is notified, and the id restarts
// idle on the new connection. Registering again on the same connection only
// refreshes the session.
func (h *Hub) Register(id string, conn Conn) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}

	if existing, ok := h.sessions[id]; ok {
		if existing.conn == conn {
			existing.lastSeen = h.now()
			h.mu.Unlock()
			return nil
		}
		h.breakMatchLocked(existing)
		h.pool.remove(id)
		old := existing.conn
		now := h.now()
		h.sessions[id] = &session{id: id, conn: conn, joinedAt: now, lastSeen: now}
		h.broadcastUserCountLocked()
		h.mu.Unlock()

		h.metrics.Inc(metrics.EventSuperseded)
		h.metrics.Inc(metrics.EventJoins)
		h.log.Info("client superseded", "user_id", id)
		old.Close("superseded")
		return nil
	}

	if h.cfg.MaxClients > 0 && len(h.sessions) >= h.cfg.MaxClients {
		h.mu.Unlock()
		h.metrics.Inc(metrics.EventTooManyClients)
		return ErrTooManyClients
	}

	now := h.now()
	h.sessions[id] = &session{id: id, conn: conn, joinedAt: now, lastSeen: now}
	h.broadcastUserCountLocked()
	h.mu.Unlock()

	h.metrics.Inc(metrics.EventJoins)
	return nil
}

// RequestMatch pairs id with the first live waiting client, or parks id in
// the waiting pool when none is available.
//
// The requester's outcome is returned; a found partner is notified directly
// with its own matched message. A requester that is already matched gives up
// that match first, exactly as if it had disconnected from it.
func (h *Hub) RequestMatch(id string) (MatchOutcome, error) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if !ok {
		h.mu.Unlock()
		return MatchOutcome{}, ErrNotRegistered
	}
	h.metrics.Inc(metrics.EventMatchRequests)
	s.lastSeen = h.now()

	if s.status == StatusMatched {
		h.breakMatchLocked(s)
	}

	candidate := h.findCandidateLocked(id)
	if candidate == nil {
		h.pool.add(id)
		s.status = StatusWaiting
		h.mu.Unlock()
		return MatchOutcome{}, nil
	}

	h.pool.remove(candidate.id)
	h.pool.remove(id)
	s.status = StatusMatched
	candidate.status = StatusMatched
	s.partnerID = candidate.id
	candidate.partnerID = id

	matchID := h.newMatchID()
	initiator := h.coin()
	if err := candidate.conn.Send(protocol.Matched(matchID, id, !initiator)); err != nil {
		h.log.Warn("matched notification dropped", "user_id", candidate.id, "error", err)
	}
	h.mu.Unlock()

	h.metrics.Inc(metrics.EventMatches)
	h.log.Info("match formed", "match_id", matchID, "user_id", id, "partner_id", candidate.id)
	return MatchOutcome{
		Matched:     true,
		MatchID:     matchID,
		PartnerID:   candidate.id,
		IsInitiator: initiator,
	}, nil
}

// findCandidateLocked scans the waiting pool in arrival order for the first
// live member other than the requester. Entries whose sessions are gone or
// no longer waiting are pruned; members with a dead transport are skipped
// and left for the sweeper.
func (h *Hub) findCandidateLocked(requester string) *session {
	var prune []string
	var candidate *session

	n := h.pool.scanLen()
	for i := 0; i < n; i++ {
		cid, ok := h.pool.at(i)
		if !ok || cid == requester {
			continue
		}
		cs, ok := h.sessions[cid]
		if !ok || cs.status != StatusWaiting {
			prune = append(prune, cid)
			continue
		}
		if !cs.conn.Alive() {
			continue
		}
		candidate = cs
		break
	}

	for _, cid := range prune {
		h.pool.remove(cid)
	}
	return candidate
}

// Relay forwards a signaling message to the session named to. Match state is
// never consulted or changed; the relay is a pure forwarder.
func (h *Hub) Relay(from, to string, msg *protocol.Message) error {
	data, err := msg.Forward(from)
	if err != nil {
		return fmt.Errorf("encode relay frame: %w", err)
	}

	h.mu.Lock()
	if s, ok := h.sessions[from]; ok {
		s.lastSeen = h.now()
	}
	target, ok := h.sessions[to]
	if !ok {
		h.mu.Unlock()
		h.metrics.Inc(metrics.EventRelayNotFound)
		return ErrTargetNotFound
	}
	sendErr := target.conn.Send(data)
	h.mu.Unlock()

	if sendErr != nil {
		h.metrics.Inc(metrics.EventRelayDropped)
		return fmt.Errorf("%w: %s: %v", ErrDeliveryFailed, to, sendErr)
	}
	h.metrics.Inc(metrics.EventRelays)
	return nil
}

// Leave resets id to idle: any match is broken with partner notification and
// the id leaves the waiting pool. The session stays registered and may
// request a new match.
func (h *Hub) Leave(id string) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	s.lastSeen = h.now()
	h.breakMatchLocked(s)
	h.pool.remove(id)
	s.status = StatusIdle
	h.mu.Unlock()

	h.metrics.Inc(metrics.EventDisconnects)
}

// Remove unregisters id entirely: Leave semantics plus removal from the
// registry and a user-count broadcast.
//
// When conn is non-nil it must match the session's current connection; a
// mismatch means the id was superseded and the stale transport's teardown
// must not touch the successor. Remove never closes the connection.
func (h *Hub) Remove(id string, conn Conn) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if !ok || (conn != nil && s.conn != conn) {
		h.mu.Unlock()
		return
	}
	h.breakMatchLocked(s)
	h.pool.remove(id)
	delete(h.sessions, id)
	h.broadcastUserCountLocked()
	h.mu.Unlock()

	h.metrics.Inc(metrics.EventRemovals)
}

// Touch refreshes id's liveness timestamp. Called on transport pongs.
func (h *Hub) Touch(id string) {
	h.mu.Lock()
	if s, ok := h.sessions[id]; ok {
		s.lastSeen = h.now()
	}
	h.mu.Unlock()
}

// Stats is a point-in-time registry snapshot.
type Stats struct {
	Clients int `json:"clients"`
	Waiting int `json:"waiting"`
}

// Snapshot reports current registry and waiting-pool sizes.
func (h *Hub) Snapshot() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{Clients: len(h.sessions), Waiting: h.pool.len()}
}

// Close rejects further registrations and closes every client connection.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]Conn, 0, len(h.sessions))
	for _, s := range h.sessions {
		conns = append(conns, s.conn)
	}
	h.sessions = make(map[string]*session)
	h.pool = newWaitPool()
	h.mu.Unlock()

	for _, c := range conns {
		c.Close("shutting down")
	}
}

// breakMatchLocked unwinds s's half of a match and notifies the partner,
// leaving both sides idle. It is a no-op on unmatched sessions and tolerates
// a partner that is already gone or already unwound.
func (h *Hub) breakMatchLocked(s *session) {
	if s.partnerID == "" {
		return
	}
	partnerID := s.partnerID
	s.partnerID = ""
	s.status = StatusIdle

	p, ok := h.sessions[partnerID]
	if !ok || p.partnerID != s.id {
		return
	}
	p.partnerID = ""
	p.status = StatusIdle
	if err := p.conn.Send(protocol.PartnerDisconnected()); err != nil {
		h.log.Debug("partner notification dropped", "user_id", partnerID, "error", err)
	}
}

// broadcastUserCountLocked pushes the presence counters to every registered
// session. Best effort: frames to full or closed connections are dropped.
func (h *Hub) broadcastUserCountLocked() {
	data := protocol.UserCount(len(h.sessions), h.pool.len())
	for _, s := range h.sessions {
		if err := s.conn.Send(data); err != nil {
			h.metrics.Inc(metrics.EventBroadcastDrops)
		}
	}
}
