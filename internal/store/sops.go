package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// sopMintAttempts bounds the retry loop when two concurrent inserts
// race for the same hierarchical id; the unique index on sop_id is the
// final arbiter.
const sopMintAttempts = 3

// CreateSop persists a new SOP, minting its hierarchical id. Root docs
// get SOP-NNN; children get <parentSopId>-#NN where NN counts existing
// children of the parent at creation time.
func (s *DB) CreateSop(ctx context.Context, sop *core.Sop) error {
	var lastErr error
	for attempt := 0; attempt < sopMintAttempts; attempt++ {
		err := s.withTx(ctx, func(tx *sqlx.Tx) error {
			sopID, err := s.mintSopID(ctx, tx, sop.ParentSopID)
			if err != nil {
				return err
			}
			sop.SopID = sopID
			return tx.QueryRowContext(ctx, `
				INSERT INTO sops (sop_id, title, description, body, category, department, parent_sop_id, version, is_active)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				RETURNING id, created_at, updated_at`,
				sop.SopID, sop.Title, sop.Description, sop.Body, sop.Category,
				sop.Department, sop.ParentSopID, sop.Version, sop.IsActive,
			).Scan(&sop.ID, &sop.CreatedAt, &sop.UpdatedAt)
		})
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return core.Wrap(core.KindInternal, "create sop", err)
		}
		lastErr = err
	}
	return core.Wrap(core.KindConflict, "sop id contention", lastErr)
}

func (s *DB) mintSopID(ctx context.Context, tx *sqlx.Tx, parentID *int64) (string, error) {
	if parentID == nil {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM sops WHERE parent_sop_id IS NULL`).Scan(&count); err != nil {
			return "", fmt.Errorf("count root sops: %w", err)
		}
		return fmt.Sprintf("SOP-%03d", count+1), nil
	}

	var parentSopID string
	err := tx.QueryRowContext(ctx,
		`SELECT sop_id FROM sops WHERE id = $1 FOR UPDATE`, *parentID).Scan(&parentSopID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", core.Ef(core.KindNotFound, "parent sop %d not found", *parentID)
	}
	if err != nil {
		return "", fmt.Errorf("lock parent sop: %w", err)
	}

	var children int
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM sops WHERE parent_sop_id = $1`, *parentID).Scan(&children); err != nil {
		return "", fmt.Errorf("count child sops: %w", err)
	}
	return fmt.Sprintf("%s-#%02d", parentSopID, children+1), nil
}

// GetSop fetches a SOP by numeric id.
func (s *DB) GetSop(ctx context.Context, id int64) (*core.Sop, error) {
	var sop core.Sop
	err := s.db.GetContext(ctx, &sop, `SELECT * FROM sops WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Ef(core.KindNotFound, "sop %d not found", id)
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "get sop", err)
	}
	return &sop, nil
}

// SopFilter narrows ListSops. Zero values mean "no filter".
type SopFilter struct {
	Category   string
	Department string
	ActiveOnly bool
}

// ListSops returns SOPs matching the filter ordered by sop_id.
func (s *DB) ListSops(ctx context.Context, f SopFilter) ([]core.Sop, error) {
	q := `SELECT * FROM sops`
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
	if f.Category != "" {
		and("category = $%d", f.Category)
	}
	if f.Department != "" {
		and("department = $%d", f.Department)
	}
	if f.ActiveOnly {
		if where == "" {
			where = " WHERE is_active"
		} else {
			where += " AND is_active"
		}
	}
	var sops []core.Sop
	if err := s.db.SelectContext(ctx, &sops, q+where+` ORDER BY sop_id`, args...); err != nil {
		return nil, core.Wrap(core.KindInternal, "list sops", err)
	}
	if sops == nil {
		sops = []core.Sop{}
	}
	return sops, nil
}

// UpdateSop persists SOP edits. The sop_id is only re-minted when the
// parent changed; otherwise the allocated id is permanent.
func (s *DB) UpdateSop(ctx context.Context, sop *core.Sop, parentChanged bool) error {
	if !parentChanged {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sops SET title = $1, description = $2, body = $3, category = $4,
				department = $5, version = $6, is_active = $7, updated_at = now()
			WHERE id = $8`,
			sop.Title, sop.Description, sop.Body, sop.Category,
			sop.Department, sop.Version, sop.IsActive, sop.ID)
		if err != nil {
			return core.Wrap(core.KindInternal, "update sop", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return core.Ef(core.KindNotFound, "sop %d not found", sop.ID)
		}
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < sopMintAttempts; attempt++ {
		err := s.withTx(ctx, func(tx *sqlx.Tx) error {
			sopID, err := s.mintSopID(ctx, tx, sop.ParentSopID)
			if err != nil {
				return err
			}
			sop.SopID = sopID
			res, err := tx.ExecContext(ctx, `
				UPDATE sops SET sop_id = $1, title = $2, description = $3, body = $4,
					category = $5, department = $6, parent_sop_id = $7, version = $8,
					is_active = $9, updated_at = now()
				WHERE id = $10`,
				sop.SopID, sop.Title, sop.Description, sop.Body,
				sop.Category, sop.Department, sop.ParentSopID, sop.Version,
				sop.IsActive, sop.ID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return core.Ef(core.KindNotFound, "sop %d not found", sop.ID)
			}
			return nil
		})
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			if core.IsKind(err, core.KindNotFound) {
				return err
			}
			return core.Wrap(core.KindInternal, "update sop", err)
		}
		lastErr = err
	}
	return core.Wrap(core.KindConflict, "sop id contention", lastErr)
}

// ListActiveSops returns all active SOPs; used by the enricher's
// ranking pass.
func (s *DB) ListActiveSops(ctx context.Context) ([]core.Sop, error) {
	return s.ListSops(ctx, SopFilter{ActiveOnly: true})
}
