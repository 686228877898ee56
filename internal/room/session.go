package room

import (
	"time"

	"github.com/google/uuid"

	"github.com/nirmalarya/autograph-sub002/internal/op"
)

type EventType string

const (
	EventOperation     EventType = "operation_applied"
	EventPresence      EventType = "presence_changed"
	EventSessionJoined EventType = "session_joined"
	EventSessionLeft   EventType = "session_left"
)

// Event is what a room fans out to its members. Events are delivered to
// each session in the order they were produced.
type Event struct {
	Type      EventType     `json:"type"`
	Operation *op.Operation `json:"operation,omitempty"`
	ClientID  string        `json:"client_id,omitempty"`
	// Presence is set on presence_changed; nil means the entry was removed.
	Presence *Presence `json:"presence,omitempty"`
}

// sessionBuffer is how many undelivered events a member may fall behind
// before the room drops it. A dropped member reconnects and resnapshots,
// which is cheaper than letting one slow consumer stall the room.
const sessionBuffer = 256

// Session is one connected member of a room. Never persisted.
type Session struct {
	ID          string
	ClientID    string
	DiagramID   string
	ConnectedAt time.Time

	// lastAcked is the highest client_seq this room has accepted from the
	// session's client. Guarded by the room mutex.
	lastAcked     int64
	lastHeartbeat time.Time

	events chan Event
	closed bool
}

func newSession(clientID, diagramID string) *Session {
	now := time.Now()
	return &Session{
		ID:            uuid.NewString(),
		ClientID:      clientID,
		DiagramID:     diagramID,
		ConnectedAt:   now,
		lastHeartbeat: now,
		events:        make(chan Event, sessionBuffer),
	}
}

// Events is the ordered stream of room events for this member. It is closed
// when the session leaves, is expired, or falls too far behind.
func (s *Session) Events() <-chan Event {
	return s.events
}
