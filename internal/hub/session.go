package hub

import "time"

// Status is a client session's matchmaking state.
type Status int

const (
	// StatusIdle means registered, neither waiting nor matched.
	StatusIdle Status = iota
	// StatusWaiting means parked in the waiting pool.
	StatusWaiting
	// StatusMatched means paired; partnerID is set.
	StatusMatched
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusWaiting:
		return "waiting"
	case StatusMatched:
		return "matched"
	default:
		return "unknown"
	}
}

// session is one registered client. All fields are guarded by Hub.mu.
type session struct {
	id        string
	conn      Conn
	status    Status
	partnerID string
	joinedAt  time.Time
	lastSeen  time.Time
}
