package auth

import (
	"context"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// RosterChecker answers roster-membership questions; *store.DB
// satisfies it.
type RosterChecker interface {
	IsGapPoc(ctx context.Context, gapID, userID int64) (bool, error)
}

// Scope applies the per-role read predicate over gaps. Every gap-scoped
// surface (read, comment, download, timeline, socket join) goes through
// CanReadGap so the predicate cannot drift between endpoints.
type Scope struct {
	roster RosterChecker
}

// NewScope builds the read-scope evaluator.
func NewScope(roster RosterChecker) *Scope {
	return &Scope{roster: roster}
}

// CanReadGap reports whether the user may see the gap:
// Admin/Management see everything; QA/Ops only their own reports; POC
// the union of primary assignment and roster membership.
func (s *Scope) CanReadGap(ctx context.Context, user *core.User, gap *core.Gap) (bool, error) {
	switch user.Role {
	case core.RoleAdmin, core.RoleManagement:
		return true, nil
	case core.RoleQAOps:
		return gap.ReporterID == user.ID, nil
	case core.RolePOC:
		if gap.AssignedToID != nil && *gap.AssignedToID == user.ID {
			return true, nil
		}
		return s.roster.IsGapPoc(ctx, gap.ID, user.ID)
	}
	return false, nil
}

// RequireReadGap returns Forbidden unless the predicate passes.
func (s *Scope) RequireReadGap(ctx context.Context, user *core.User, gap *core.Gap) error {
	ok, err := s.CanReadGap(ctx, user, gap)
	if err != nil {
		return err
	}
	if !ok {
		return core.E(core.KindForbidden, "not permitted to access this gap")
	}
	return nil
}

// HasRole reports whether the user's role is one of the given roles.
func HasRole(user *core.User, roles ...core.Role) bool {
	for _, r := range roles {
		if user.Role == r {
			return true
		}
	}
	return false
}

// RequireRole returns Forbidden unless the user holds one of the roles.
func RequireRole(user *core.User, roles ...core.Role) error {
	if !HasRole(user, roles...) {
		return core.E(core.KindForbidden, "insufficient role")
	}
	return nil
}
