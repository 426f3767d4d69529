package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// SimilarEdge is one scored neighbor pair produced by enrichment.
type SimilarEdge struct {
	OtherGapID int64
	Score      int
}

// ReplaceSimilarEdges deletes every edge touching gapID and writes the
// given edges in both directions, all in one transaction. Writing pairs
// keeps neighbor lookup a single index probe.
func (s *DB) ReplaceSimilarEdges(ctx context.Context, gapID int64, edges []SimilarEdge) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM similar_gaps WHERE gap_id = $1 OR similar_gap_id = $1`, gapID); err != nil {
			return core.Wrap(core.KindInternal, "clear similar edges", err)
		}
		for _, e := range edges {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO similar_gaps (gap_id, similar_gap_id, score)
				VALUES ($1, $2, $3), ($2, $1, $3)
				ON CONFLICT (gap_id, similar_gap_id) DO UPDATE SET score = EXCLUDED.score`,
				gapID, e.OtherGapID, e.Score); err != nil {
				return core.Wrap(core.KindInternal, "insert similar edge", err)
			}
		}
		return nil
	})
}

// DeleteSimilarEdges removes all edges where the gap appears as either
// endpoint; called on content edit before re-enqueueing enrichment.
func (s *DB) DeleteSimilarEdges(ctx context.Context, gapID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM similar_gaps WHERE gap_id = $1 OR similar_gap_id = $1`, gapID)
	if err != nil {
		return core.Wrap(core.KindInternal, "delete similar edges", err)
	}
	return nil
}

// ListSimilarGaps returns a gap's neighbors ordered by score descending.
func (s *DB) ListSimilarGaps(ctx context.Context, gapID int64) ([]core.SimilarGap, error) {
	var edges []core.SimilarGap
	err := s.db.SelectContext(ctx, &edges,
		`SELECT * FROM similar_gaps WHERE gap_id = $1 ORDER BY score DESC, similar_gap_id`, gapID)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "list similar gaps", err)
	}
	if edges == nil {
		edges = []core.SimilarGap{}
	}
	return edges, nil
}
