package state

import (
	"context"
	"fmt"

	"github.com/example/twin-collab/internal/types"
)

const replayBatch = 500

// ResolvedReader reads terminal log entries in apply order.
type ResolvedReader interface {
	Resolved(ctx context.Context, twin types.TwinID, afterApplySeq int64, limit int) ([]types.Operation, error)
}

// Replay rebuilds a document from base by committing every resolution
// recorded after base.AppliedThrough. When stop reports true for an entry,
// replay ends before it. Entries that break the watermark chain fail with
// types.ErrCorruption.
func Replay(ctx context.Context, reader ResolvedReader, twin types.TwinID, base Snapshot, stop func(types.Operation) bool) (*Document, int, error) {
	doc, err := FromSnapshot(base)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: base snapshot: %v", types.ErrCorruption, err)
	}

	replayed := 0
	for {
		ops, err := reader.Resolved(ctx, twin, doc.AppliedThrough(), replayBatch)
		if err != nil {
			return nil, replayed, fmt.Errorf("read resolved operations: %w", err)
		}
		for _, op := range ops {
			if stop != nil && stop(op) {
				return doc, replayed, nil
			}
			if op.Status != types.StatusFailed && op.ClientSeq() != doc.Watermark(op.Session)+1 {
				return nil, replayed, fmt.Errorf("%w: operation %s has clock %d for %s after watermark %d",
					types.ErrCorruption, op.ID, op.ClientSeq(), op.Session, doc.Watermark(op.Session))
			}
			if err := doc.Commit(op, op.Status, op.ApplySeq); err != nil {
				return nil, replayed, fmt.Errorf("%w: replay operation %s: %v", types.ErrCorruption, op.ID, err)
			}
			replayed++
		}
		if len(ops) < replayBatch {
			return doc, replayed, nil
		}
	}
}
