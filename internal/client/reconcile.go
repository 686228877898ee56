package client

import (
	"context"
	"fmt"

	"github.com/nirmalarya/autograph-sub002/internal/op"
	"github.com/nirmalarya/autograph-sub002/internal/resolve"
)

// SubmitFunc submits one operation to the coordinator and returns the
// accepted operation together with the resolution outcome. Live edits and
// offline replay go through the same function; reconciliation is just
// concurrent submission with a stale observed_seq.
type SubmitFunc func(ctx context.Context, operation op.Operation) (op.Operation, resolve.Outcome, error)

// Discard describes a queued change that resolution turned into a no-op,
// reported to the UI layer as informational, never as a failure.
type Discard struct {
	OpID     string  `json:"op_id"`
	Kind     op.Kind `json:"kind"`
	TargetID string  `json:"target_element_id"`
}

// Report summarizes one reconciliation pass.
type Report struct {
	Replayed  int       `json:"replayed"`
	Discarded []Discard `json:"discarded,omitempty"`
	// Remapped maps a locally chosen element id to the id the coordinator
	// assigned after a create collision.
	Remapped map[string]string `json:"remapped,omitempty"`
}

// Reconcile brings an editor back in sync after a disconnect. The caller
// has already rejoined and holds the authoritative log snapshot; Reconcile
// resets the replica to it, replays the pending queue in original
// client_seq order, and reconciles the local view to the server's
// transformed results. Safe to retry: the coordinator deduplicates by
// op_id, so a second pass over the same queue has no further effect.
func (e *Editor) Reconcile(ctx context.Context, snapshot []op.Operation, submit SubmitFunc) (Report, error) {
	e.mu.Lock()
	queue := make([]op.Operation, len(e.pending))
	for i, o := range e.pending {
		queue[i] = o.Clone()
	}
	e.replica.Reset(snapshot)
	e.mu.Unlock()

	var report Report
	for _, queued := range queue {
		accepted, outcome, err := submit(ctx, queued)
		if err != nil {
			// Structural failure; the queue keeps its unacknowledged tail
			// for the next attempt.
			return report, fmt.Errorf("replay %s: %w", queued.OpID, err)
		}
		switch outcome {
		case resolve.OutcomeDiscarded:
			report.Discarded = append(report.Discarded, Discard{
				OpID:     accepted.OpID,
				Kind:     accepted.Kind,
				TargetID: accepted.TargetID,
			})
		case resolve.OutcomeRemapped:
			if report.Remapped == nil {
				report.Remapped = make(map[string]string)
			}
			report.Remapped[queued.TargetID] = accepted.TargetID
		}
		e.Ack(accepted)
		report.Replayed++
	}
	return report, nil
}
