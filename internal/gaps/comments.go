package gaps

import (
	"context"
	"strings"

	"github.com/protfolio666/GapOpsHub-sub000/internal/auth"
	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// AddComment appends a comment to the gap's thread. Anyone who can read
// the gap may comment on it.
func (s *Service) AddComment(ctx context.Context, actor *core.User, gapID int64, body string, attachments core.Attachments) (*core.Comment, error) {
	if strings.TrimSpace(body) == "" && len(attachments) == 0 {
		return nil, core.E(core.KindInvalid, "comment body is required")
	}
	if _, err := s.Get(ctx, actor, gapID); err != nil {
		return nil, err
	}
	c := &core.Comment{
		GapID:       gapID,
		AuthorID:    actor.ID,
		Body:        body,
		Attachments: attachments,
	}
	if err := s.store.CreateComment(ctx, c); err != nil {
		return nil, err
	}
	s.bus.Emit(core.EventCommentCreated, gapID, actor.ID, map[string]interface{}{
		"commentId": c.ID, "body": c.Body,
	})
	return c, nil
}

// ListComments returns the gap's thread, oldest first, after a scope
// check.
func (s *Service) ListComments(ctx context.Context, actor *core.User, gapID int64) ([]core.Comment, error) {
	if _, err := s.Get(ctx, actor, gapID); err != nil {
		return nil, err
	}
	return s.store.ListComments(ctx, gapID)
}

// DeleteComment removes a comment. Authors may delete their own;
// admins may delete any.
func (s *Service) DeleteComment(ctx context.Context, actor *core.User, gapID, commentID int64) error {
	comments, err := s.ListComments(ctx, actor, gapID)
	if err != nil {
		return err
	}
	for i := range comments {
		if comments[i].ID != commentID {
			continue
		}
		if comments[i].AuthorID != actor.ID && !auth.HasRole(actor, core.RoleAdmin) {
			return core.E(core.KindForbidden, "not permitted to delete this comment")
		}
		return s.store.DeleteComment(ctx, commentID)
	}
	return core.Ef(core.KindNotFound, "comment %d not found", commentID)
}
