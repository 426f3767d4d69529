package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// CreateGap persists a new gap, minting its monotonic GAP-NNNN id inside
// the same transaction. The single-row counter is locked with
// SELECT ... FOR UPDATE so concurrent inserts cannot mint duplicates.
func (s *DB) CreateGap(ctx context.Context, g *core.Gap) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var lastNo int64
		if err := tx.QueryRowContext(ctx,
			`SELECT last_no FROM gap_counter WHERE id = 1 FOR UPDATE`).Scan(&lastNo); err != nil {
			return core.Wrap(core.KindInternal, "lock gap counter", err)
		}
		next := lastNo + 1
		if _, err := tx.ExecContext(ctx,
			`UPDATE gap_counter SET last_no = $1 WHERE id = 1`, next); err != nil {
			return core.Wrap(core.KindInternal, "advance gap counter", err)
		}
		g.GapID = fmt.Sprintf("GAP-%04d", next)

		const q = `
			INSERT INTO gaps (
				gap_id, title, description, status, priority, severity, department,
				reporter_id, form_template_id, template_version, form_responses,
				tat_deadline, ai_processed, sop_suggestions, attachments,
				resolution_attachments
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
			) RETURNING id, created_at, updated_at`
		err := tx.QueryRowContext(ctx, q,
			g.GapID, g.Title, g.Description, g.Status, g.Priority, g.Severity, g.Department,
			g.ReporterID, g.FormTemplateID, g.TemplateVersion, g.FormResponses,
			g.TatDeadline, g.AIProcessed, g.SopSuggestions, g.Attachments,
			g.ResolutionAttachments,
		).Scan(&g.ID, &g.CreatedAt, &g.UpdatedAt)
		if isUniqueViolation(err) {
			return core.E(core.KindConflict, "gap id collision")
		}
		if err != nil {
			return core.Wrap(core.KindInternal, "insert gap", err)
		}
		return nil
	})
}

// GetGap fetches a gap by numeric id.
func (s *DB) GetGap(ctx context.Context, id int64) (*core.Gap, error) {
	var g core.Gap
	err := s.db.GetContext(ctx, &g, `SELECT * FROM gaps WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Ef(core.KindNotFound, "gap %d not found", id)
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "get gap", err)
	}
	return &g, nil
}

// UpdateGap persists the full mutable row. Callers hold the per-gap
// lock, so last-write-wins within a lock scope is safe.
func (s *DB) UpdateGap(ctx context.Context, g *core.Gap) error {
	const q = `
		UPDATE gaps SET
			title = $1, description = $2, status = $3, priority = $4,
			severity = $5, department = $6, assigned_to_id = $7,
			form_template_id = $8, template_version = $9, form_responses = $10,
			tat_deadline = $11, assigned_at = $12, assigned_by_id = $13,
			in_progress_at = $14, resolved_at = $15, resolved_by_id = $16,
			closed_at = $17, closed_by_id = $18, reopened_at = $19,
			reopened_by_id = $20, ai_processed = $21, sop_suggestions = $22,
			attachments = $23, resolution_summary = $24,
			resolution_attachments = $25, duplicate_of_id = $26,
			updated_at = now(), updated_by_id = $27
		WHERE id = $28
		RETURNING updated_at`
	err := s.db.QueryRowContext(ctx, q,
		g.Title, g.Description, g.Status, g.Priority,
		g.Severity, g.Department, g.AssignedToID,
		g.FormTemplateID, g.TemplateVersion, g.FormResponses,
		g.TatDeadline, g.AssignedAt, g.AssignedByID,
		g.InProgressAt, g.ResolvedAt, g.ResolvedByID,
		g.ClosedAt, g.ClosedByID, g.ReopenedAt,
		g.ReopenedByID, g.AIProcessed, g.SopSuggestions,
		g.Attachments, g.ResolutionSummary,
		g.ResolutionAttachments, g.DuplicateOfID,
		g.UpdatedByID, g.ID,
	).Scan(&g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Ef(core.KindNotFound, "gap %d not found", g.ID)
	}
	if err != nil {
		return core.Wrap(core.KindInternal, "update gap", err)
	}
	return nil
}

// GapFilter narrows GetFilteredGaps. Zero values mean "no filter".
type GapFilter struct {
	Status     core.GapStatus
	Priority   core.Priority
	ReporterID int64 // restrict to gaps reported by this user (QA/Ops scope)
	PocUserID  int64 // restrict to gaps assigned or rostered to this user (POC scope)
}

// GetFilteredGaps returns gaps matching the filter, newest first. Empty
// filters are handled without generating degenerate SQL: every clause is
// added only when its input is set, so an empty set never produces IN ().
func (s *DB) GetFilteredGaps(ctx context.Context, f GapFilter) ([]core.Gap, error) {
	q := `SELECT g.* FROM gaps g`
	var args []interface{}
	where := ""

	and := func(clause string, arg interface{}) {
		args = append(args, arg)
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += fmt.Sprintf(clause, len(args))
	}

	if f.PocUserID != 0 {
		// Union of primary-assignee and roster membership, de-duplicated
		// via EXISTS rather than a DISTINCT join.
		args = append(args, f.PocUserID)
		where = fmt.Sprintf(
			" WHERE (g.assigned_to_id = $%d OR EXISTS (SELECT 1 FROM gap_pocs p WHERE p.gap_id = g.id AND p.user_id = $%d))",
			len(args), len(args))
	}
	if f.ReporterID != 0 {
		and("g.reporter_id = $%d", f.ReporterID)
	}
	if f.Status != "" {
		and("g.status = $%d", f.Status)
	}
	if f.Priority != "" {
		and("g.priority = $%d", f.Priority)
	}

	q += where + ` ORDER BY g.created_at DESC, g.id DESC`

	var gaps []core.Gap
	if err := s.db.SelectContext(ctx, &gaps, q, args...); err != nil {
		return nil, core.Wrap(core.KindInternal, "filtered gaps", err)
	}
	if gaps == nil {
		gaps = []core.Gap{}
	}
	return gaps, nil
}

// GetGapsByPoc returns the union of gaps where the user is primary
// assignee and gaps where they appear on the POC roster, de-duplicated.
func (s *DB) GetGapsByPoc(ctx context.Context, userID int64) ([]core.Gap, error) {
	return s.GetFilteredGaps(ctx, GapFilter{PocUserID: userID})
}

// ListLiveGaps returns all non-closed gaps except the given one; used by
// the enricher for pairwise comparison.
func (s *DB) ListLiveGaps(ctx context.Context, excludeID int64) ([]core.Gap, error) {
	var gaps []core.Gap
	err := s.db.SelectContext(ctx, &gaps,
		`SELECT * FROM gaps WHERE status <> $1 AND id <> $2 ORDER BY id`,
		core.StatusClosed, excludeID)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "list live gaps", err)
	}
	return gaps, nil
}

// ListGapsWithDeadline returns gaps that carry a TAT deadline and are
// still open (neither resolved nor closed); used by the sweeper.
func (s *DB) ListGapsWithDeadline(ctx context.Context) ([]core.Gap, error) {
	var gaps []core.Gap
	err := s.db.SelectContext(ctx, &gaps,
		`SELECT * FROM gaps
		 WHERE tat_deadline IS NOT NULL AND status NOT IN ($1, $2)
		 ORDER BY tat_deadline`,
		core.StatusResolved, core.StatusClosed)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "list deadline gaps", err)
	}
	return gaps, nil
}

// CountGapsByStatus returns per-status counts for the stats report.
func (s *DB) CountGapsByStatus(ctx context.Context) (map[core.GapStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, count(*) FROM gaps GROUP BY status`)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "count gaps", err)
	}
	defer rows.Close()

	counts := make(map[core.GapStatus]int)
	for rows.Next() {
		var st core.GapStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, core.Wrap(core.KindInternal, "scan gap count", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// DeleteGap removes a gap; owned children cascade.
func (s *DB) DeleteGap(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM gaps WHERE id = $1`, id)
	if err != nil {
		return core.Wrap(core.KindInternal, "delete gap", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Ef(core.KindNotFound, "gap %d not found", id)
	}
	return nil
}
