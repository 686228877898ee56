package client

import (
	"encoding/json"
	"sync"

	"github.com/nirmalarya/autograph-sub002/internal/op"
)

// Editor is the local authoring surface for one client on one diagram. It
// stamps operations with the client's own sequence and the replica's
// observed position, applies them optimistically, and keeps them in the
// pending queue until acknowledged.
type Editor struct {
	ClientID  string
	DiagramID string

	mu      sync.Mutex
	nextSeq int64
	pending []op.Operation
	replica *Replica
}

func NewEditor(clientID, diagramID string) *Editor {
	return &Editor{
		ClientID:  clientID,
		DiagramID: diagramID,
		nextSeq:   1,
		replica:   NewReplica(),
	}
}

func (e *Editor) Replica() *Replica {
	return e.replica
}

// Pending returns a copy of the unacknowledged queue in client_seq order.
func (e *Editor) Pending() []op.Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]op.Operation, len(e.pending))
	for i, o := range e.pending {
		out[i] = o.Clone()
	}
	return out
}

// View is the optimistic local state: confirmed history with the pending
// queue replayed on top.
func (e *Editor) View() *op.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replica.replayWith(e.pending)
}

// Ack removes an acknowledged operation from the pending queue and folds
// the server's (possibly transformed) version into the replica.
func (e *Editor) Ack(accepted op.Operation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, o := range e.pending {
		if o.OpID == accepted.OpID {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			break
		}
	}
	e.replica.Ingest(accepted)
}

// Observe folds a broadcast operation from another client into the replica.
func (e *Editor) Observe(accepted op.Operation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.replica.Ingest(accepted)
}

// CreateElement authors a create for a new element.
func (e *Editor) CreateElement(snapshot op.ElementSnapshot) op.Operation {
	return e.author(op.KindCreate, snapshot.ID, op.Payload{Element: &snapshot})
}

// UpdateFields authors a field-level update.
func (e *Editor) UpdateFields(elementID string, fields map[string]json.RawMessage) op.Operation {
	return e.author(op.KindUpdateFields, elementID, op.Payload{Fields: fields})
}

// Move authors a position change.
func (e *Editor) Move(elementID string, pos op.Position) op.Operation {
	return e.author(op.KindMove, elementID, op.Payload{Position: &pos})
}

// Delete authors a tombstone for an element.
func (e *Editor) Delete(elementID string) op.Operation {
	return e.author(op.KindDelete, elementID, op.Payload{})
}

// EditText authors a text-range edit.
func (e *Editor) EditText(elementID string, edit op.TextEdit) op.Operation {
	return e.author(op.KindTextEdit, elementID, op.Payload{Text: &edit})
}

func (e *Editor) author(kind op.Kind, targetID string, payload op.Payload) op.Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	o := op.Operation{
		OpID:        op.MakeOpID(e.ClientID, e.nextSeq),
		DiagramID:   e.DiagramID,
		ClientID:    e.ClientID,
		ClientSeq:   e.nextSeq,
		ObservedSeq: e.replica.Seq(),
		Kind:        kind,
		TargetID:    targetID,
		Payload:     payload,
	}
	e.nextSeq++
	e.pending = append(e.pending, o.Clone())
	return o
}
