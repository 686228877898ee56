package op

import "encoding/json"

// Element is the materialized state of one diagram element.
type Element struct {
	ID     string                     `json:"id"`
	Shape  string                     `json:"shape"`
	Pos    Position                   `json:"pos"`
	Text   string                     `json:"text,omitempty"`
	Fields map[string]json.RawMessage `json:"fields,omitempty"`
}

// State is a diagram materialized from its log. Tombstones are kept so that
// edits arriving after a delete stay no-ops instead of resurrecting the
// element.
type State struct {
	Elements   map[string]*Element `json:"elements"`
	Tombstones map[string]bool     `json:"tombstones,omitempty"`
}

func NewState() *State {
	return &State{
		Elements:   make(map[string]*Element),
		Tombstones: make(map[string]bool),
	}
}

// Apply folds one accepted operation into the state. Operations against
// tombstoned or unknown elements are no-ops; Apply never fails, because by
// the time an operation is in a log it has already been validated and
// resolved.
func (s *State) Apply(o Operation) {
	switch o.Kind {
	case KindCreate:
		if s.Tombstones[o.TargetID] {
			return
		}
		snap := o.Payload.Element
		el := &Element{
			ID:    snap.ID,
			Shape: snap.Shape,
			Pos:   snap.Pos,
			Text:  snap.Text,
		}
		if len(snap.Fields) > 0 {
			el.Fields = make(map[string]json.RawMessage, len(snap.Fields))
			for k, v := range snap.Fields {
				el.Fields[k] = append(json.RawMessage(nil), v...)
			}
		}
		s.Elements[el.ID] = el
	case KindUpdateFields:
		el := s.live(o.TargetID)
		if el == nil {
			return
		}
		if el.Fields == nil {
			el.Fields = make(map[string]json.RawMessage, len(o.Payload.Fields))
		}
		for k, v := range o.Payload.Fields {
			el.Fields[k] = append(json.RawMessage(nil), v...)
		}
	case KindMove:
		el := s.live(o.TargetID)
		if el == nil {
			return
		}
		el.Pos = *o.Payload.Position
	case KindDelete:
		delete(s.Elements, o.TargetID)
		s.Tombstones[o.TargetID] = true
	case KindTextEdit:
		el := s.live(o.TargetID)
		if el == nil {
			return
		}
		el.Text = spliceText(el.Text, *o.Payload.Text)
	}
}

func (s *State) live(id string) *Element {
	if s.Tombstones[id] {
		return nil
	}
	return s.Elements[id]
}

// Replay builds the state reached by applying ops in log order.
func Replay(ops []Operation) *State {
	s := NewState()
	for _, o := range ops {
		s.Apply(o)
	}
	return s
}

// spliceText applies a range edit, clamping the range to the current text so
// a transformed edit can never panic on a shorter string than it expected.
func spliceText(text string, e TextEdit) string {
	runes := []rune(text)
	start, end := e.Start, e.End
	if start > len(runes) {
		start = len(runes)
	}
	if end > len(runes) {
		end = len(runes)
	}
	if end < start {
		end = start
	}
	return string(runes[:start]) + e.Insert + string(runes[end:])
}
