// Package chainplan decides which snapshots a removable target is
// missing and orders them into an incremental send chain.
//
// The planner only trusts what the target actually holds: the held set
// must be a chronological prefix of the source catalog, and every
// missing snapshot is chained to the one before it. It never plans a
// destructive recovery; a broken chain is reported and left to the
// operator.
package chainplan

import (
	"fmt"
	"sort"

	"github.com/bmillwood/backups/pkg/catalog"
)

// SendOp is one snapshot transfer. Child is sent incrementally against
// Parent; an empty Parent means a full send.
type SendOp struct {
	Parent catalog.Name
	Child  catalog.Name
}

// FullSend reports whether the op transfers the complete snapshot
// instead of a delta against a parent.
func (op SendOp) FullSend() bool { return op.Parent == "" }

func (op SendOp) String() string {
	if op.FullSend() {
		return fmt.Sprintf("full send of %s", op.Child)
	}
	return fmt.Sprintf("incremental send of %s (parent %s)", op.Child, op.Parent)
}

// BrokenChainError means the target's held set is not a chronological
// prefix of the source catalog, so no safe incremental chain exists.
// The planner emits no operations in this case; recovery (wiping the
// target for a full resend) is an operator decision, never automatic.
type BrokenChainError struct {
	Position int          // index of the first disagreement
	Held     catalog.Name // what the target holds there
	Want     catalog.Name // what the source has there, "" if the catalog is shorter
}

func (e *BrokenChainError) Error() string {
	if e.Want == "" {
		return fmt.Sprintf("broken snapshot chain: target holds %q at position %d but the source catalog has only %d snapshots", e.Held, e.Position, e.Position)
	}
	return fmt.Sprintf("broken snapshot chain: target holds %q at position %d where the source has %q", e.Held, e.Position, e.Want)
}

// Plan compares the names held by a removable target against the source
// catalog and returns the ordered sends that bring the target up to
// date: the first missing snapshot chained to the newest held one (or a
// full send when the target is empty), and every later missing snapshot
// chained to the missing one before it.
//
// Replanning after the returned sends complete yields an empty plan.
func Plan(catalogNames, held []catalog.Name) ([]SendOp, error) {
	src := sortedCopy(catalogNames)
	tgt := sortedCopy(held)

	for i, h := range tgt {
		if i >= len(src) {
			return nil, &BrokenChainError{Position: i, Held: h}
		}
		if src[i] != h {
			return nil, &BrokenChainError{Position: i, Held: h, Want: src[i]}
		}
	}

	missing := src[len(tgt):]
	if len(missing) == 0 {
		return nil, nil
	}

	var parent catalog.Name
	if len(tgt) > 0 {
		parent = tgt[len(tgt)-1]
	}

	ops := make([]SendOp, 0, len(missing))
	for _, child := range missing {
		ops = append(ops, SendOp{Parent: parent, Child: child})
		parent = child
	}
	return ops, nil
}

func sortedCopy(names []catalog.Name) []catalog.Name {
	cp := append([]catalog.Name(nil), names...)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	return cp
}
