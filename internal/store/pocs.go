package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// AddGapPoc adds a user to a gap's POC roster. When isPrimary is true,
// any existing primary row for the gap is cleared in the same
// transaction as the insert, preserving at-most-one-primary.
func (s *DB) AddGapPoc(ctx context.Context, gapID, userID int64, isPrimary bool) (*core.GapPoc, error) {
	var poc core.GapPoc
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if isPrimary {
			if _, err := tx.ExecContext(ctx,
				`UPDATE gap_pocs SET is_primary = FALSE WHERE gap_id = $1 AND is_primary`,
				gapID); err != nil {
				return core.Wrap(core.KindInternal, "clear primary poc", err)
			}
		}
		err := tx.QueryRowContext(ctx, `
			INSERT INTO gap_pocs (gap_id, user_id, is_primary)
			VALUES ($1, $2, $3)
			ON CONFLICT (gap_id, user_id)
			DO UPDATE SET is_primary = EXCLUDED.is_primary
			RETURNING id, gap_id, user_id, is_primary, created_at`,
			gapID, userID, isPrimary,
		).Scan(&poc.ID, &poc.GapID, &poc.UserID, &poc.IsPrimary, &poc.CreatedAt)
		if err != nil {
			return core.Wrap(core.KindInternal, "add gap poc", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &poc, nil
}

// RemoveGapPoc removes a user from a gap's roster.
func (s *DB) RemoveGapPoc(ctx context.Context, gapID, userID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM gap_pocs WHERE gap_id = $1 AND user_id = $2`, gapID, userID)
	if err != nil {
		return core.Wrap(core.KindInternal, "remove gap poc", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindNotFound, "poc not on roster")
	}
	return nil
}

// ListGapPocs returns the roster for a gap, primary first.
func (s *DB) ListGapPocs(ctx context.Context, gapID int64) ([]core.GapPoc, error) {
	var pocs []core.GapPoc
	err := s.db.SelectContext(ctx, &pocs,
		`SELECT * FROM gap_pocs WHERE gap_id = $1 ORDER BY is_primary DESC, created_at`,
		gapID)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "list gap pocs", err)
	}
	if pocs == nil {
		pocs = []core.GapPoc{}
	}
	return pocs, nil
}

// IsGapPoc reports whether the user appears on the gap's roster.
func (s *DB) IsGapPoc(ctx context.Context, gapID, userID int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM gap_pocs WHERE gap_id = $1 AND user_id = $2)`,
		gapID, userID)
	if err != nil {
		return false, core.Wrap(core.KindInternal, "check gap poc", err)
	}
	return exists, nil
}
