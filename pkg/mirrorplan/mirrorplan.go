// Package mirrorplan decides which calendar months still need to be
// mirrored onto an always-attached pool.
//
// A pool receives one snapshot per month: the month's anchor content is
// rsynced onto the pool's live dataset and the dataset is snapshotted
// under the month's label before the next month is touched. Months at
// or before the pool's latest mirrored month are never revisited, even
// when the source history behind them has changed.
package mirrorplan

import (
	"fmt"
	"sort"

	"github.com/bmillwood/backups/pkg/catalog"
)

// MirrorOp mirrors one month onto a pool: sync the anchor's content onto
// the dataset, then snapshot the dataset under Month.
type MirrorOp struct {
	Month  string
	Anchor catalog.Name
	Path   string // anchor content location on the source
}

func (op MirrorOp) String() string {
	return fmt.Sprintf("mirror of month %s (anchor %s)", op.Month, op.Anchor)
}

// Plan returns one op per cataloged month strictly newer than
// latestMirrored, in ascending month order. An empty latestMirrored
// means the pool holds no mirrored months yet, so the plan starts from
// the oldest cataloged month.
func Plan(anchors []catalog.Anchor, latestMirrored string) []MirrorOp {
	sorted := append([]catalog.Anchor(nil), anchors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Month < sorted[j].Month })

	var ops []MirrorOp
	for _, a := range sorted {
		if latestMirrored != "" && a.Month <= latestMirrored {
			continue
		}
		ops = append(ops, MirrorOp{Month: a.Month, Anchor: a.Name, Path: a.Path})
	}
	return ops
}
