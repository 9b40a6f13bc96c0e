// Package protocol defines the JSON messages exchanged with rendezvous
// clients.
//
// Inbound messages share one envelope: {type, userId?, to?, ...}. Everything
// beyond the envelope is payload the server never interprets; Parse keeps
// those fields as raw bytes so a relayed offer or candidate reaches the
// partner exactly as the sender encoded it.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Client-originated message types.
const (
	TypeJoin         = "join"
	TypeFindMatch    = "find-match"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeDisconnect   = "disconnect"
)

// Server-originated message types.
const (
	TypeJoined              = "joined"
	TypeWaiting             = "waiting"
	TypeMatched             = "matched"
	TypePartnerDisconnected = "partner-disconnected"
	TypeUserCount           = "user-count"
	TypeError               = "error"
)

// Error codes carried in error replies.
const (
	CodeBadMessage     = "bad_message"
	CodeUnknownType    = "unknown_type"
	CodeMissingField   = "missing_field"
	CodeNotJoined      = "not_joined"
	CodeTargetNotFound = "target_not_found"
	CodeDeliveryFailed = "delivery_failed"
	CodeRateLimited    = "rate_limited"
	CodeTooManyClients = "too_many_clients"
)

var (
	// ErrUnknownType reports a type string outside the client catalog.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMissingField reports an absent or non-string required field.
	ErrMissingField = errors.New("missing required field")
)

// Message is a parsed inbound envelope. The routing fields are decoded;
// every member of the original object, payload included, is retained as raw
// bytes for forwarding.
type Message struct {
	Type   string
	UserID string
	To     string

	fields map[string]json.RawMessage
}

// Parse decodes one inbound client message.
//
// Unknown payload fields are not an error, but trailing data after the
// object is: a frame carries exactly one message.
func Parse(data []byte) (*Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var fields map[string]json.RawMessage
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if dec.Decode(&struct{}{}) != io.EOF {
		return nil, errors.New("parse message: trailing data after object")
	}

	msg := &Message{fields: fields}
	if err := decodeStringField(fields, "type", &msg.Type); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}
	if err := decodeStringField(fields, "userId", &msg.UserID); err != nil {
		return nil, err
	}
	if err := decodeStringField(fields, "to", &msg.To); err != nil {
		return nil, err
	}

	switch msg.Type {
	case TypeJoin, TypeFindMatch, TypeOffer, TypeAnswer, TypeICECandidate, TypeDisconnect:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return msg, nil
}

func decodeStringField(fields map[string]json.RawMessage, name string, dst *string) error {
	raw, ok := fields[name]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s must be a string", ErrMissingField, name)
	}
	return nil
}

// IsSignal reports whether the message is negotiation traffic for the relay.
func (m *Message) IsSignal() bool {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

// Forward encodes the message for delivery to its relay target. Routing
// fields (to, userId) are dropped, from names the sender, and all payload
// fields are carried over byte-for-byte. A from field supplied by the client
// is overwritten; senders do not pick their own identity.
func (m *Message) Forward(from string) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.fields)+1)
	for name, raw := range m.fields {
		if name == "to" || name == "userId" {
			continue
		}
		out[name] = raw
	}
	fromRaw, err := json.Marshal(from)
	if err != nil {
		return nil, fmt.Errorf("encode forward: %w", err)
	}
	out["from"] = fromRaw

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode forward: %w", err)
	}
	return data, nil
}

type joinedPayload struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type waitingPayload struct {
	Type string `json:"type"`
}

type matchedPayload struct {
	Type        string `json:"type"`
	MatchID     string `json:"matchId"`
	PartnerID   string `json:"partnerId"`
	IsInitiator bool   `json:"isInitiator"`
}

type partnerDisconnectedPayload struct {
	Type string `json:"type"`
}

type userCountPayload struct {
	Type    string `json:"type"`
	Count   int    `json:"count"`
	Waiting int    `json:"waiting"`
}

type errorPayload struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Joined acknowledges a registration.
func Joined(userID string) []byte {
	return marshal(joinedPayload{Type: TypeJoined, UserID: userID})
}

// Waiting tells a client its match request is parked in the waiting pool.
func Waiting() []byte {
	return marshal(waitingPayload{Type: TypeWaiting})
}

// Matched tells a client who its partner is and whether it initiates the
// offer.
func Matched(matchID, partnerID string, isInitiator bool) []byte {
	return marshal(matchedPayload{
		Type:        TypeMatched,
		MatchID:     matchID,
		PartnerID:   partnerID,
		IsInitiator: isInitiator,
	})
}

// PartnerDisconnected tells a client its match ended on the other side.
func PartnerDisconnected() []byte {
	return marshal(partnerDisconnectedPayload{Type: TypePartnerDisconnected})
}

// UserCount is the presence broadcast sent on registration and removal.
func UserCount(count, waiting int) []byte {
	return marshal(userCountPayload{Type: TypeUserCount, Count: count, Waiting: waiting})
}

// Error builds an error reply.
func Error(code, message string) []byte {
	return marshal(errorPayload{Type: TypeError, Code: code, Message: message})
}

func marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Fixed struct shapes above cannot fail to encode.
		panic(err)
	}
	return data
}
