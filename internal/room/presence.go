package room

import (
	"time"

	"github.com/nirmalarya/autograph-sub002/internal/op"
)

// Presence is the ephemeral cursor/selection state of one client. It lives
// only in room memory and rides a separate event stream from operations, so
// cursor churn never touches the durable log.
type Presence struct {
	ClientID      string       `json:"client_id"`
	Cursor        *op.Position `json:"cursor,omitempty"`
	SelectedIDs   []string     `json:"selected_element_ids,omitempty"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

func (p Presence) clone() Presence {
	c := p
	if p.Cursor != nil {
		cur := *p.Cursor
		c.Cursor = &cur
	}
	if p.SelectedIDs != nil {
		c.SelectedIDs = append([]string(nil), p.SelectedIDs...)
	}
	return c
}
