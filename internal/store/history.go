package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// ReopenWithHistory atomically appends a resolution-history row (when
// hist is non-nil) and persists the reopened gap. History must commit
// with the cleared gap fields or not at all.
func (s *DB) ReopenWithHistory(ctx context.Context, g *core.Gap, hist *core.ResolutionHistory) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if hist != nil {
			err := tx.QueryRowContext(ctx, `
				INSERT INTO resolution_history
					(gap_id, summary, attachments, resolved_by_id, resolved_at, reopened_by_id, reopened_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				RETURNING id`,
				hist.GapID, hist.Summary, hist.Attachments, hist.ResolvedByID,
				hist.ResolvedAt, hist.ReopenedByID, hist.ReopenedAt,
			).Scan(&hist.ID)
			if err != nil {
				return core.Wrap(core.KindInternal, "append resolution history", err)
			}
		}
		err := tx.QueryRowContext(ctx, `
			UPDATE gaps SET
				status = $1, resolution_summary = NULL,
				resolution_attachments = '[]'::jsonb, resolved_at = NULL,
				resolved_by_id = NULL, reopened_at = $2, reopened_by_id = $3,
				updated_at = now(), updated_by_id = $3
			WHERE id = $4
			RETURNING updated_at`,
			g.Status, g.ReopenedAt, g.ReopenedByID, g.ID,
		).Scan(&g.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return core.Ef(core.KindNotFound, "gap %d not found", g.ID)
		}
		if err != nil {
			return core.Wrap(core.KindInternal, "reopen gap", err)
		}
		return nil
	})
}

// ListResolutionHistory returns a gap's resolution cycles, oldest first.
func (s *DB) ListResolutionHistory(ctx context.Context, gapID int64) ([]core.ResolutionHistory, error) {
	var hist []core.ResolutionHistory
	err := s.db.SelectContext(ctx, &hist,
		`SELECT * FROM resolution_history WHERE gap_id = $1 ORDER BY resolved_at, id`, gapID)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "list resolution history", err)
	}
	if hist == nil {
		hist = []core.ResolutionHistory{}
	}
	return hist, nil
}

// CreateAssignment appends an assignment audit row.
func (s *DB) CreateAssignment(ctx context.Context, a *core.Assignment) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO assignments (gap_id, assignee_id, actor_id, note)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		a.GapID, a.AssigneeID, a.ActorID, a.Note,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return core.Wrap(core.KindInternal, "create assignment", err)
	}
	return nil
}

// ListAssignments returns a gap's assignment rows, oldest first.
func (s *DB) ListAssignments(ctx context.Context, gapID int64) ([]core.Assignment, error) {
	var rows []core.Assignment
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM assignments WHERE gap_id = $1 ORDER BY created_at, id`, gapID)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "list assignments", err)
	}
	return rows, nil
}

// CreateExtension inserts a pending TAT extension request.
func (s *DB) CreateExtension(ctx context.Context, e *core.TatExtension) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tat_extensions (gap_id, requester_id, reason, proposed_deadline, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		e.GapID, e.RequesterID, e.Reason, e.ProposedDeadline, e.Status,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return core.Wrap(core.KindInternal, "create tat extension", err)
	}
	return nil
}

// GetExtension fetches an extension by id.
func (s *DB) GetExtension(ctx context.Context, id int64) (*core.TatExtension, error) {
	var e core.TatExtension
	err := s.db.GetContext(ctx, &e, `SELECT * FROM tat_extensions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Ef(core.KindNotFound, "extension %d not found", id)
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "get tat extension", err)
	}
	return &e, nil
}

// ReviewExtension records the decision and, on approval, moves the
// gap's deadline to the proposed value in the same transaction. Only a
// pending extension can be decided; a second decision reports Conflict.
func (s *DB) ReviewExtension(ctx context.Context, e *core.TatExtension) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tat_extensions
			SET status = $1, reviewer_id = $2, reviewed_at = $3
			WHERE id = $4 AND status = $5`,
			e.Status, e.ReviewerID, e.ReviewedAt, e.ID, core.ExtensionPending)
		if err != nil {
			return core.Wrap(core.KindInternal, "review tat extension", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return core.E(core.KindConflict, "extension already decided")
		}
		if e.Status == core.ExtensionApproved {
			if _, err := tx.ExecContext(ctx, `
				UPDATE gaps SET tat_deadline = $1, updated_at = now(), updated_by_id = $2
				WHERE id = $3`,
				e.ProposedDeadline, e.ReviewerID, e.GapID); err != nil {
				return core.Wrap(core.KindInternal, "apply extended deadline", err)
			}
		}
		return nil
	})
}

// ListExtensions returns a gap's extension requests, newest first.
func (s *DB) ListExtensions(ctx context.Context, gapID int64) ([]core.TatExtension, error) {
	var rows []core.TatExtension
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM tat_extensions WHERE gap_id = $1 ORDER BY created_at DESC, id DESC`, gapID)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "list tat extensions", err)
	}
	return rows, nil
}
