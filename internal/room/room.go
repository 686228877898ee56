// Package room implements the session coordinator: one in-memory room per
// open diagram, the single authority for ordering that diagram's edits.
package room

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nirmalarya/autograph-sub002/internal/op"
	"github.com/nirmalarya/autograph-sub002/internal/resolve"
	"github.com/nirmalarya/autograph-sub002/internal/store"
)

// Accepted is what Submit hands back to the author: the operation as it
// entered the log, plus how resolution treated it.
type Accepted struct {
	Op      op.Operation
	Outcome resolve.Outcome
	// RemappedID is set when a create collision forced a new element id.
	RemappedID string
}

// errRoomClosed reports a Join that raced eviction: the room was removed
// from the hub's map between lookup and registration. The hub retries onto
// a fresh room.
var errRoomClosed = errors.New("room closed")

// logRef remembers, per op_id, where an operation landed and how resolution
// reported it, so a resubmission returns the original acceptance verbatim.
type logRef struct {
	idx        int
	outcome    resolve.Outcome
	remappedID string
}

// Room serializes all submits for one diagram. The mutex is the room's
// single-writer point: the resolver never races against itself, and
// server_seq assignment order equals log order equals broadcast order.
type Room struct {
	DiagramID string

	mu         sync.Mutex
	closed     bool
	log        []op.Operation
	byOpID     map[string]logRef
	tombstones map[string]bool // element ids deleted anywhere in the log
	nextSeq    int64
	sessions   map[string]*Session // client_id -> session
	presence   map[string]Presence // client_id -> latest state

	persist *persister
}

func newRoom(diagramID string, history []op.Operation, logStore store.Log) *Room {
	r := &Room{
		DiagramID:  diagramID,
		log:        history,
		byOpID:     make(map[string]logRef, len(history)),
		tombstones: make(map[string]bool),
		nextSeq:    1,
		sessions:   make(map[string]*Session),
		presence:   make(map[string]Presence),
		persist:    newPersister(diagramID, logStore),
	}
	for i, o := range history {
		ref := logRef{idx: i, outcome: resolve.OutcomeApplied}
		switch o.Kind {
		case op.KindDelete:
			r.tombstones[o.TargetID] = true
		case op.KindUpdateFields, op.KindMove, op.KindTextEdit:
			// Reconstruct discards so resubmission after an eviction still
			// reports them honestly: an edit logged after its target's
			// delete had no visible effect when it was first accepted.
			if r.tombstones[o.TargetID] {
				ref.outcome = resolve.OutcomeDiscarded
			}
		}
		r.byOpID[o.OpID] = ref
		if o.ServerSeq >= r.nextSeq {
			r.nextSeq = o.ServerSeq + 1
		}
	}
	return r
}

// Join registers a client and returns the session together with consistent
// snapshots of the log and presence as of the join point. A client joining
// twice replaces its previous session. Fails with errRoomClosed once the
// hub has evicted the room.
func (r *Room) Join(clientID string) (*Session, []op.Operation, []Presence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil, nil, errRoomClosed
	}

	if prev, ok := r.sessions[clientID]; ok {
		r.closeSessionLocked(prev)
	}

	s := newSession(clientID, r.DiagramID)
	r.sessions[clientID] = s
	r.presence[clientID] = Presence{ClientID: clientID, LastHeartbeat: s.lastHeartbeat}

	logSnapshot := make([]op.Operation, len(r.log))
	copy(logSnapshot, r.log)
	presenceSnapshot := r.presenceSnapshotLocked()

	r.broadcastLocked(Event{Type: EventSessionJoined, ClientID: clientID}, s)
	pres := r.presence[clientID].clone()
	r.broadcastLocked(Event{Type: EventPresence, ClientID: clientID, Presence: &pres}, s)
	return s, logSnapshot, presenceSnapshot, nil
}

// Submit runs one operation through resolution and appends it to the log.
// Staleness is never a rejection: concurrent history is what the resolver
// exists for. Only structurally malformed input fails.
func (r *Room) Submit(operation op.Operation) (Accepted, error) {
	if err := operation.Validate(); err != nil {
		return Accepted{}, err
	}
	if operation.DiagramID != r.DiagramID {
		return Accepted{}, fmt.Errorf("%w: operation for diagram %q submitted to room %q",
			op.ErrMalformed, operation.DiagramID, r.DiagramID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// A closed room's persister is already flushed; accepting here would
	// strand the operation in memory. The caller retries through the hub,
	// which rehydrates a live room.
	if r.closed {
		return Accepted{}, fmt.Errorf("%w: room closed", ErrRoomUnavailable)
	}

	// Resubmission of an already-accepted operation (retried reconnect)
	// returns the original acceptance instead of appending again.
	if ref, ok := r.byOpID[operation.OpID]; ok {
		return Accepted{Op: r.log[ref.idx].Clone(), Outcome: ref.outcome, RemappedID: ref.remappedID}, nil
	}

	// A client cannot have observed operations that do not exist yet.
	if operation.ObservedSeq >= r.nextSeq {
		operation.ObservedSeq = r.nextSeq - 1
	}
	if operation.ObservedSeq < 0 {
		operation.ObservedSeq = 0
	}

	siblings := resolve.Siblings(r.log, operation.ObservedSeq)
	res := resolve.Transform(operation, siblings)

	// The resolver only sees concurrent siblings; deletes the author had
	// already observed are invisible to it. The room owns the full log, so
	// it settles tombstoned targets here: a create reusing a dead id is
	// remapped like a collision (it would otherwise replay as a silent
	// no-op), and an edit of a dead element is an informational discard.
	if r.tombstones[res.Op.TargetID] {
		switch res.Op.Kind {
		case op.KindCreate:
			newID := resolve.RemapElementID(res.Op.TargetID, res.Op.OpID)
			res.Op.TargetID = newID
			res.Op.Payload.Element.ID = newID
			res.Outcome = resolve.OutcomeRemapped
			res.RemappedID = newID
		case op.KindUpdateFields, op.KindMove, op.KindTextEdit:
			res.Outcome = resolve.OutcomeDiscarded
		}
	}

	accepted := res.Op
	accepted.ServerSeq = r.nextSeq
	r.nextSeq++
	r.byOpID[accepted.OpID] = logRef{idx: len(r.log), outcome: res.Outcome, remappedID: res.RemappedID}
	r.log = append(r.log, accepted)
	if accepted.Kind == op.KindDelete {
		r.tombstones[accepted.TargetID] = true
	}

	if s, ok := r.sessions[accepted.ClientID]; ok && accepted.ClientSeq > s.lastAcked {
		s.lastAcked = accepted.ClientSeq
	}

	// Durable append happens off the submit path; persistence lag must
	// never delay the broadcast below.
	r.persist.enqueue(accepted)

	broadcast := accepted.Clone()
	author := r.sessions[accepted.ClientID]
	r.broadcastLocked(Event{Type: EventOperation, Operation: &broadcast}, author)

	return Accepted{Op: accepted.Clone(), Outcome: res.Outcome, RemappedID: res.RemappedID}, nil
}

// Heartbeat refreshes a client's liveness and presence. Fire-and-forget:
// unknown clients are ignored rather than failed.
func (r *Room) Heartbeat(clientID string, cursor *op.Position, selectedIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[clientID]
	if !ok {
		return
	}
	now := time.Now()
	s.lastHeartbeat = now
	p := Presence{ClientID: clientID, Cursor: cursor, SelectedIDs: selectedIDs, LastHeartbeat: now}
	r.presence[clientID] = p

	out := p.clone()
	r.broadcastLocked(Event{Type: EventPresence, ClientID: clientID, Presence: &out}, s)
}

// Leave removes the client's session and presence. Returns true when the
// room is empty afterwards and eligible for eviction.
func (r *Room) Leave(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[clientID]
	if !ok {
		return len(r.sessions) == 0
	}
	r.closeSessionLocked(s)
	r.broadcastLocked(Event{Type: EventPresence, ClientID: clientID, Presence: nil}, nil)
	r.broadcastLocked(Event{Type: EventSessionLeft, ClientID: clientID}, nil)
	return len(r.sessions) == 0
}

// expireStale drops every session whose last heartbeat is older than the
// timeout. A partitioned client just stops heartbeating; its accepted
// operations stay valid.
func (r *Room) expireStale(timeout time.Duration) (expired []string, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	for clientID, s := range r.sessions {
		if s.lastHeartbeat.Before(cutoff) {
			expired = append(expired, clientID)
		}
	}
	for _, clientID := range expired {
		r.closeSessionLocked(r.sessions[clientID])
		r.broadcastLocked(Event{Type: EventPresence, ClientID: clientID, Presence: nil}, nil)
		r.broadcastLocked(Event{Type: EventSessionLeft, ClientID: clientID}, nil)
	}
	return expired, len(r.sessions) == 0
}

// Log returns a copy of the accepted operations with server_seq > after.
func (r *Room) Log(after int64) []op.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]op.Operation, 0)
	for _, o := range r.log {
		if o.ServerSeq > after {
			out = append(out, o.Clone())
		}
	}
	return out
}

// State materializes the diagram by replaying the log.
func (r *Room) State() *op.State {
	r.mu.Lock()
	snapshot := make([]op.Operation, len(r.log))
	copy(snapshot, r.log)
	r.mu.Unlock()
	return op.Replay(snapshot)
}

// Stats reports operational counters for the room.
func (r *Room) Stats() (sessions int, logLen int, nextSeq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions), len(r.log), r.nextSeq
}

func (r *Room) presenceSnapshotLocked() []Presence {
	out := make([]Presence, 0, len(r.presence))
	for _, p := range r.presence {
		out = append(out, p.clone())
	}
	return out
}

func (r *Room) closeSessionLocked(s *Session) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
	if r.sessions[s.ClientID] == s {
		delete(r.sessions, s.ClientID)
		delete(r.presence, s.ClientID)
	}
}

// broadcastLocked fans an event out to every session except skip. Delivery
// is non-blocking: a member that cannot keep up is dropped so it can never
// reorder or stall the stream for everyone else.
func (r *Room) broadcastLocked(event Event, skip *Session) {
	var dropped []*Session
	for _, s := range r.sessions {
		if s == skip || s.closed {
			continue
		}
		select {
		case s.events <- event:
		default:
			dropped = append(dropped, s)
		}
	}
	for _, s := range dropped {
		log.Printf("room %s: dropping slow session for client %s", r.DiagramID, s.ClientID)
		r.closeSessionLocked(s)
	}
}

// closeIfEmpty marks the room closed when it has no sessions, so a join
// holding a stale pointer cannot register into a room the hub is about to
// forget. Returns false, leaving the room open, if a session slipped in.
func (r *Room) closeIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) > 0 {
		return false
	}
	r.closed = true
	return true
}

// shutdown flushes pending durable appends. Called by the hub on eviction.
func (r *Room) shutdown(ctx context.Context) {
	r.persist.flush(ctx)
}
