package store

import (
	"context"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// CreateComment appends a comment to a gap's thread.
func (s *DB) CreateComment(ctx context.Context, c *core.Comment) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO comments (gap_id, author_id, body, attachments)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		c.GapID, c.AuthorID, c.Body, c.Attachments,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return core.Wrap(core.KindInternal, "create comment", err)
	}
	return nil
}

// ListComments returns a gap's comments oldest first.
func (s *DB) ListComments(ctx context.Context, gapID int64) ([]core.Comment, error) {
	var comments []core.Comment
	err := s.db.SelectContext(ctx, &comments,
		`SELECT * FROM comments WHERE gap_id = $1 ORDER BY created_at, id`, gapID)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "list comments", err)
	}
	if comments == nil {
		comments = []core.Comment{}
	}
	return comments, nil
}

// DeleteComment removes a comment (administrative deletion only).
func (s *DB) DeleteComment(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id = $1`, id)
	if err != nil {
		return core.Wrap(core.KindInternal, "delete comment", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Ef(core.KindNotFound, "comment %d not found", id)
	}
	return nil
}
