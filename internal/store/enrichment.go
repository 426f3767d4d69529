package store

import (
	"context"
	"time"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// ApplyEnrichment writes an AI job's results onto the gap, guarded by
// the updated_at snapshot taken when the job read the gap. A content
// edit after the snapshot bumps updated_at, making the write a no-op so
// the superseding job's results win. Status advances to needs_review
// only from pending_ai; a gap that moved on keeps its status. Returns
// false when the write was discarded as stale.
func (s *DB) ApplyEnrichment(ctx context.Context, gapID int64, seenUpdatedAt time.Time, suggestions core.SopSuggestions) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE gaps SET
			sop_suggestions = $1,
			ai_processed = TRUE,
			status = CASE WHEN status = $2 THEN $3 ELSE status END,
			updated_at = now()
		WHERE id = $4 AND updated_at = $5`,
		suggestions, core.StatusPendingAI, core.StatusNeedsReview, gapID, seenUpdatedAt)
	if err != nil {
		return false, core.Wrap(core.KindInternal, "apply enrichment", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
