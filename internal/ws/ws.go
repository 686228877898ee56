// Package ws carries the sync protocol over a WebSocket per connected
// client. Framing is a single JSON envelope; per-connection write order is
// the room's event order, which is what the ordering guarantee rides on.
package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nirmalarya/autograph-sub002/internal/op"
	"github.com/nirmalarya/autograph-sub002/internal/room"
)

const (
	// Client to server.
	MsgSubmit    = "submit"
	MsgHeartbeat = "heartbeat"
	MsgLeave     = "leave"

	// Server to client.
	MsgJoined        = "joined"
	MsgAccepted      = "accepted"
	MsgOperation     = "operation"
	MsgPresence      = "presence"
	MsgSessionJoined = "session_joined"
	MsgSessionLeft   = "session_left"
	MsgError         = "error"
)

// Message is the wire envelope for every frame in both directions.
type Message struct {
	Type string `json:"type"`

	Operation   *op.Operation `json:"operation,omitempty"`
	Cursor      *op.Position  `json:"cursor,omitempty"`
	SelectedIDs []string      `json:"selected_element_ids,omitempty"`

	SessionID string          `json:"session_id,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	Log       []op.Operation  `json:"log,omitempty"`
	Presence  []room.Presence `json:"presence,omitempty"`
	// PresenceOf is set on presence frames; nil Presence entry with a
	// client_id means the entry was removed.
	PresenceOf *room.Presence `json:"presence_of,omitempty"`

	Outcome    string `json:"outcome,omitempty"`
	RemappedID string `json:"remapped_element_id,omitempty"`

	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the fronting proxy; the core only ever
	// listens on the internal network.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// Serve upgrades the request and runs the connection until the client
// leaves or the session is closed by the room. clientID comes from the
// already-verified token; diagram access was checked before the upgrade.
func Serve(w http.ResponseWriter, r *http.Request, hub *room.Hub, clientID, diagramID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed for %s: %v", clientID, err)
		return
	}
	defer conn.Close()

	session, logSnapshot, presenceSnapshot, err := hub.Join(r.Context(), clientID, diagramID)
	if err != nil {
		code := "ROOM_UNAVAILABLE"
		if errors.Is(err, room.ErrDiagramLocked) {
			code = "DIAGRAM_LOCKED"
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(Message{Type: MsgError, Code: code, Reason: err.Error()})
		return
	}
	// Replies to this client's own frames share the writer with room
	// events; both funnel through the write pump so frames never interleave.
	replies := make(chan Message, 64)
	replies <- Message{
		Type:      MsgJoined,
		SessionID: session.ID,
		ClientID:  clientID,
		Log:       logSnapshot,
		Presence:  presenceSnapshot,
	}

	done := make(chan struct{})
	go writePump(conn, session, replies, done)
	readPump(conn, hub, clientID, diagramID, replies)
	// Leaving closes the session's event stream, which lets the write pump
	// finish; the order matters or it would wait on events forever.
	hub.Leave(diagramID, clientID)
	close(replies)
	<-done
}

func readPump(conn *websocket.Conn, hub *room.Hub, clientID, diagramID string, replies chan<- Message) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws read for %s: %v", clientID, err)
			}
			return
		}

		switch msg.Type {
		case MsgSubmit:
			if msg.Operation == nil {
				replies <- Message{Type: MsgError, Code: "MALFORMED", Reason: "submit without operation"}
				continue
			}
			operation := *msg.Operation
			operation.ClientID = clientID
			operation.DiagramID = diagramID
			accepted, err := hub.Submit(operation)
			if err != nil {
				code := "MALFORMED"
				if errors.Is(err, room.ErrRoomUnavailable) {
					code = "ROOM_UNAVAILABLE"
				}
				replies <- Message{Type: MsgError, Code: code, Reason: err.Error()}
				continue
			}
			acceptedOp := accepted.Op
			replies <- Message{
				Type:       MsgAccepted,
				Operation:  &acceptedOp,
				Outcome:    string(accepted.Outcome),
				RemappedID: accepted.RemappedID,
			}
		case MsgHeartbeat:
			hub.Heartbeat(diagramID, clientID, msg.Cursor, msg.SelectedIDs)
		case MsgLeave:
			return
		default:
			replies <- Message{Type: MsgError, Code: "MALFORMED", Reason: "unknown message type " + msg.Type}
		}
	}
}

func writePump(conn *websocket.Conn, session *room.Session, replies <-chan Message, done chan<- struct{}) {
	defer close(done)
	events := session.Events()
	failed := false
	for events != nil || replies != nil {
		var msg Message
		select {
		case event, open := <-events:
			if !open {
				// Room closed the session (leave, expiry, or slow
				// consumer); tear the connection down so the client
				// reconnects and resnapshots.
				events = nil
				if !failed {
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				}
				conn.Close()
				continue
			}
			msg = eventMessage(event)
		case reply, open := <-replies:
			if !open {
				replies = nil
				continue
			}
			msg = reply
		}
		if failed {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			// Keep draining so the read side never blocks on a full
			// reply channel; closing the conn ends the read loop.
			failed = true
			conn.Close()
		}
	}
}

func eventMessage(event room.Event) Message {
	switch event.Type {
	case room.EventOperation:
		return Message{Type: MsgOperation, Operation: event.Operation}
	case room.EventPresence:
		return Message{Type: MsgPresence, ClientID: event.ClientID, PresenceOf: event.Presence}
	case room.EventSessionJoined:
		return Message{Type: MsgSessionJoined, ClientID: event.ClientID}
	case room.EventSessionLeft:
		return Message{Type: MsgSessionLeft, ClientID: event.ClientID}
	}
	return Message{Type: MsgError, Code: "INTERNAL", Reason: "unknown event"}
}

// Dial is a small client-side helper for tests and tooling: it connects,
// waits for the joined frame, and returns the connection with the snapshot.
func Dial(ctx context.Context, url string) (*websocket.Conn, Message, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, Message{}, err
	}
	var joined Message
	if err := conn.ReadJSON(&joined); err != nil {
		conn.Close()
		return nil, Message{}, err
	}
	if joined.Type != MsgJoined {
		conn.Close()
		return nil, joined, errors.New("expected joined frame, got " + joined.Type)
	}
	return conn, joined, nil
}
