// Package op defines the operation model shared by the coordinator and
// clients: one immutable record per edit, stamped with enough ordering
// information to detect concurrency.
package op

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Kind string

const (
	KindCreate       Kind = "create"
	KindUpdateFields Kind = "update_fields"
	KindMove         Kind = "move"
	KindDelete       Kind = "delete"
	KindTextEdit     Kind = "text_edit"
)

var ErrMalformed = errors.New("malformed operation")

// Position is an element's location on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// TextEdit replaces the range [Start, End) of an element's text with Insert.
// A pure insertion has Start == End; a pure deletion has empty Insert.
type TextEdit struct {
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Insert string `json:"insert"`
}

// ElementSnapshot is the full element carried by a create operation.
type ElementSnapshot struct {
	ID     string                     `json:"id"`
	Shape  string                     `json:"shape"`
	Pos    Position                   `json:"pos"`
	Text   string                     `json:"text,omitempty"`
	Fields map[string]json.RawMessage `json:"fields,omitempty"`
}

// Payload carries the kind-specific data. Exactly one branch is set,
// selected by the operation's Kind; delete carries nothing (the tombstone
// is the operation itself).
type Payload struct {
	Element  *ElementSnapshot           `json:"element,omitempty"`
	Fields   map[string]json.RawMessage `json:"fields,omitempty"`
	Position *Position                  `json:"position,omitempty"`
	Text     *TextEdit                  `json:"text,omitempty"`
}

// Operation is one edit record. ServerSeq is zero until the coordinator
// accepts the operation; once accepted, the record is never mutated again.
type Operation struct {
	OpID        string  `json:"op_id"`
	DiagramID   string  `json:"diagram_id"`
	ClientID    string  `json:"client_id"`
	ClientSeq   int64   `json:"client_seq"`
	ServerSeq   int64   `json:"server_seq,omitempty"`
	ObservedSeq int64   `json:"observed_seq"`
	Kind        Kind    `json:"kind"`
	TargetID    string  `json:"target_element_id,omitempty"`
	Payload     Payload `json:"payload"`
}

// MakeOpID builds the globally unique id for a client's nth operation.
func MakeOpID(clientID string, clientSeq int64) string {
	return clientID + ":" + strconv.FormatInt(clientSeq, 10)
}

// SplitOpID is the inverse of MakeOpID.
func SplitOpID(opID string) (clientID string, clientSeq int64, err error) {
	idx := strings.LastIndex(opID, ":")
	if idx <= 0 {
		return "", 0, fmt.Errorf("%w: bad op_id %q", ErrMalformed, opID)
	}
	seq, err := strconv.ParseInt(opID[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: bad op_id %q", ErrMalformed, opID)
	}
	return opID[:idx], seq, nil
}

// Accepted reports whether the coordinator has stamped this operation.
func (o Operation) Accepted() bool {
	return o.ServerSeq > 0
}

// ConcurrentWith reports whether two accepted operations are causally
// concurrent: neither author had observed the other when authoring.
func (o Operation) ConcurrentWith(other Operation) bool {
	if !o.Accepted() || !other.Accepted() {
		return false
	}
	return o.ObservedSeq < other.ServerSeq && other.ObservedSeq < o.ServerSeq
}

// Validate checks the structural shape of an operation before it is allowed
// anywhere near a log. It does not consult diagram state; staleness is the
// resolver's job, not validation's.
func (o Operation) Validate() error {
	if o.OpID == "" || o.OpID != MakeOpID(o.ClientID, o.ClientSeq) {
		return fmt.Errorf("%w: op_id does not match client_id/client_seq", ErrMalformed)
	}
	if o.DiagramID == "" {
		return fmt.Errorf("%w: missing diagram_id", ErrMalformed)
	}
	if o.ClientSeq <= 0 {
		return fmt.Errorf("%w: client_seq must be positive", ErrMalformed)
	}
	switch o.Kind {
	case KindCreate:
		if o.Payload.Element == nil {
			return fmt.Errorf("%w: create without element snapshot", ErrMalformed)
		}
		if o.TargetID == "" || o.TargetID != o.Payload.Element.ID {
			return fmt.Errorf("%w: create target/element id mismatch", ErrMalformed)
		}
	case KindUpdateFields:
		if o.TargetID == "" {
			return fmt.Errorf("%w: %s without target_element_id", ErrMalformed, o.Kind)
		}
		if len(o.Payload.Fields) == 0 {
			return fmt.Errorf("%w: update_fields without fields", ErrMalformed)
		}
	case KindMove:
		if o.TargetID == "" {
			return fmt.Errorf("%w: %s without target_element_id", ErrMalformed, o.Kind)
		}
		if o.Payload.Position == nil {
			return fmt.Errorf("%w: move without position", ErrMalformed)
		}
	case KindDelete:
		if o.TargetID == "" {
			return fmt.Errorf("%w: %s without target_element_id", ErrMalformed, o.Kind)
		}
	case KindTextEdit:
		if o.TargetID == "" {
			return fmt.Errorf("%w: %s without target_element_id", ErrMalformed, o.Kind)
		}
		t := o.Payload.Text
		if t == nil {
			return fmt.Errorf("%w: text_edit without range", ErrMalformed)
		}
		if t.Start < 0 || t.End < t.Start {
			return fmt.Errorf("%w: text_edit range [%d,%d)", ErrMalformed, t.Start, t.End)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, o.Kind)
	}
	return nil
}

// Clone returns a deep copy. Operations in a log are shared across
// goroutines, so anything that wants to modify one works on a clone.
func (o Operation) Clone() Operation {
	c := o
	c.Payload = o.Payload.clone()
	return c
}

func (p Payload) clone() Payload {
	c := p
	if p.Element != nil {
		e := *p.Element
		if p.Element.Fields != nil {
			e.Fields = make(map[string]json.RawMessage, len(p.Element.Fields))
			for k, v := range p.Element.Fields {
				e.Fields[k] = append(json.RawMessage(nil), v...)
			}
		}
		c.Element = &e
	}
	if p.Fields != nil {
		c.Fields = make(map[string]json.RawMessage, len(p.Fields))
		for k, v := range p.Fields {
			c.Fields[k] = append(json.RawMessage(nil), v...)
		}
	}
	if p.Position != nil {
		pos := *p.Position
		c.Position = &pos
	}
	if p.Text != nil {
		t := *p.Text
		c.Text = &t
	}
	return c
}
