// Package client holds the client-runtime half of the sync protocol: a
// replica that replays the authoritative log, a pending queue for edits made
// while disconnected, and the reconciliation pass that drains it.
package client

import (
	"github.com/nirmalarya/autograph-sub002/internal/op"
)

// Replica tracks the server-confirmed view of one diagram. Accepted
// operations may arrive out of order across transports; Ingest buffers any
// gap and only ever applies operations in server_seq order, so two replicas
// fed the same set of operations in any order converge on the same state.
type Replica struct {
	applied []op.Operation
	buffer  map[int64]op.Operation
	state   *op.State
	seq     int64
}

func NewReplica() *Replica {
	return &Replica{
		buffer: make(map[int64]op.Operation),
		state:  op.NewState(),
	}
}

// Ingest accepts one operation from the coordinator's log. Duplicates and
// already-applied sequence numbers are ignored.
func (r *Replica) Ingest(o op.Operation) {
	if !o.Accepted() || o.ServerSeq <= r.seq {
		return
	}
	if _, ok := r.buffer[o.ServerSeq]; ok {
		return
	}
	r.buffer[o.ServerSeq] = o.Clone()
	for {
		next, ok := r.buffer[r.seq+1]
		if !ok {
			return
		}
		delete(r.buffer, r.seq+1)
		r.state.Apply(next)
		r.applied = append(r.applied, next)
		r.seq++
	}
}

// IngestAll ingests a batch, typically a join snapshot.
func (r *Replica) IngestAll(ops []op.Operation) {
	for _, o := range ops {
		r.Ingest(o)
	}
}

// Seq is the highest contiguously applied server_seq: the observed_seq a
// newly authored operation should carry.
func (r *Replica) Seq() int64 {
	return r.seq
}

// State returns the confirmed state. Callers must not mutate it.
func (r *Replica) State() *op.State {
	return r.state
}

// Reset discards everything and rebuilds from an authoritative snapshot.
// Used on reconnection, when the join snapshot supersedes local history.
func (r *Replica) Reset(snapshot []op.Operation) {
	r.applied = nil
	r.buffer = make(map[int64]op.Operation)
	r.state = op.NewState()
	r.seq = 0
	r.IngestAll(snapshot)
}

// replayWith returns the confirmed state with extra unacknowledged
// operations applied on top, without disturbing the replica.
func (r *Replica) replayWith(pending []op.Operation) *op.State {
	s := op.Replay(r.applied)
	for _, o := range pending {
		s.Apply(o)
	}
	return s
}
