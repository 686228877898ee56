// Package resolve implements deterministic conflict resolution between an
// incoming operation and the operations accepted after the point its author
// had observed. It is a pure function of (siblings, incoming): no clocks, no
// randomness, no state — every replica transforming the same inputs produces
// byte-identical output.
package resolve

import (
	"crypto/sha1"
	"encoding/hex"

	"github.com/nirmalarya/autograph-sub002/internal/op"
)

// Outcome classifies what resolution did to the incoming operation.
type Outcome string

const (
	// OutcomeApplied means the operation takes effect, possibly transformed.
	OutcomeApplied Outcome = "applied"
	// OutcomeDiscarded means the operation is logged but has no visible
	// effect, because a concurrent delete of its target dominates.
	OutcomeDiscarded Outcome = "discarded"
	// OutcomeRemapped means a create collided with a concurrent create of
	// the same element id and lost; its element was given a new id.
	OutcomeRemapped Outcome = "remapped"
)

// Result is the resolver's output: the operation as it should enter the log,
// plus how the caller should report it.
type Result struct {
	Op      op.Operation
	Outcome Outcome
	// RemappedID is the new element id when Outcome is OutcomeRemapped.
	RemappedID string
}

// Siblings returns the suffix of log accepted after observedSeq. The log
// must be ordered by server_seq, which is how the coordinator keeps it.
func Siblings(log []op.Operation, observedSeq int64) []op.Operation {
	// Binary search would do, but logs are replayed far more often than
	// they are scanned here and the suffix is usually short.
	for i, o := range log {
		if o.ServerSeq > observedSeq {
			return log[i:]
		}
	}
	return nil
}

// Transform resolves incoming against its concurrent siblings and returns
// the operation to append. The caller assigns server_seq afterwards;
// Transform never touches it.
func Transform(incoming op.Operation, siblings []op.Operation) Result {
	out := incoming.Clone()

	switch incoming.Kind {
	case op.KindCreate:
		for _, sib := range siblings {
			if sib.Kind == op.KindCreate && sib.TargetID == incoming.TargetID {
				// Same element id chosen independently. The create already
				// in the log keeps the id; the incoming one is remapped.
				// Acceptance order decides the winner.
				newID := RemapElementID(incoming.TargetID, incoming.OpID)
				out.TargetID = newID
				out.Payload.Element.ID = newID
				return Result{Op: out, Outcome: OutcomeRemapped, RemappedID: newID}
			}
		}
		return Result{Op: out, Outcome: OutcomeApplied}

	case op.KindDelete:
		// Tombstones dominate everything; nothing to transform against.
		return Result{Op: out, Outcome: OutcomeApplied}

	case op.KindUpdateFields, op.KindMove:
		if deletedBy(siblings, incoming.TargetID) {
			return Result{Op: out, Outcome: OutcomeDiscarded}
		}
		// Field-level last-writer-wins falls out of log order: this
		// operation lands after its siblings, so replay applies it last.
		return Result{Op: out, Outcome: OutcomeApplied}

	case op.KindTextEdit:
		if deletedBy(siblings, incoming.TargetID) {
			return Result{Op: out, Outcome: OutcomeDiscarded}
		}
		edit := *out.Payload.Text
		for _, sib := range siblings {
			if sib.Kind != op.KindTextEdit || sib.TargetID != incoming.TargetID {
				continue
			}
			edit = transformEdit(edit, *sib.Payload.Text)
		}
		out.Payload.Text = &edit
		return Result{Op: out, Outcome: OutcomeApplied}
	}

	// Validate rejects unknown kinds before resolution; reaching here with
	// one would be a coordinator bug, not a client error.
	return Result{Op: out, Outcome: OutcomeApplied}
}

func deletedBy(siblings []op.Operation, targetID string) bool {
	for _, sib := range siblings {
		if sib.Kind == op.KindDelete && sib.TargetID == targetID {
			return true
		}
	}
	return false
}

// transformEdit shifts e's range past the effect of an already-accepted
// edit on the same text. For inserts at the same offset the accepted edit
// keeps its position and e moves right, so concurrent insertions at one
// point both survive, ordered by acceptance.
func transformEdit(e, accepted op.TextEdit) op.TextEdit {
	removed := accepted.End - accepted.Start
	added := len([]rune(accepted.Insert))
	delta := added - removed

	switch {
	case accepted.End <= e.Start:
		// Accepted edit entirely before ours: shift both bounds.
		e.Start += delta
		e.End += delta
	case accepted.Start >= e.End:
		// Entirely after: nothing moves. When both are insertions at the
		// same offset (Start==End for both), the case above applies and
		// ours shifts right past the accepted insert.
	default:
		// Overlapping ranges. Clamp our range out of the region the
		// accepted edit rewrote; anything we meant to replace there is
		// gone already.
		if e.Start > accepted.Start {
			if e.Start < accepted.End {
				e.Start = accepted.Start + added
			} else {
				e.Start += delta
			}
		}
		if e.End > accepted.Start {
			if e.End < accepted.End {
				e.End = accepted.Start + added
			} else {
				e.End += delta
			}
		}
		if e.End < e.Start {
			e.End = e.Start
		}
	}
	return e
}

// RemapElementID derives the replacement id for the loser of a create
// collision. It depends only on the colliding id and op_id, so every
// replica computes the same replacement. The coordinator also uses it for
// creates that reuse a tombstoned element id.
func RemapElementID(elementID, opID string) string {
	sum := sha1.Sum([]byte(elementID + "/" + opID))
	return elementID + "." + hex.EncodeToString(sum[:4])
}
