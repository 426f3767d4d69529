// Package gaps owns the gap lifecycle: creation, assignment, the
// bounded status state machine, POC roster, resolution history, and the
// TAT extension workflow. Every transition runs under a per-gap lock
// and emits its domain event only after the row has committed.
package gaps

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/protfolio666/GapOpsHub-sub000/internal/auth"
	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
	"github.com/protfolio666/GapOpsHub-sub000/internal/store"
)

// Store is the persistence surface the service needs; *store.DB
// satisfies it. Narrowed to an interface so tests run against an
// in-memory fake.
type Store interface {
	CreateGap(ctx context.Context, g *core.Gap) error
	GetGap(ctx context.Context, id int64) (*core.Gap, error)
	UpdateGap(ctx context.Context, g *core.Gap) error
	GetFilteredGaps(ctx context.Context, f store.GapFilter) ([]core.Gap, error)
	ReopenWithHistory(ctx context.Context, g *core.Gap, hist *core.ResolutionHistory) error
	ListResolutionHistory(ctx context.Context, gapID int64) ([]core.ResolutionHistory, error)

	GetUser(ctx context.Context, id int64) (*core.User, error)
	GetFormTemplate(ctx context.Context, id int64) (*core.FormTemplate, error)

	CreateAssignment(ctx context.Context, a *core.Assignment) error
	ListAssignments(ctx context.Context, gapID int64) ([]core.Assignment, error)

	AddGapPoc(ctx context.Context, gapID, userID int64, isPrimary bool) (*core.GapPoc, error)
	RemoveGapPoc(ctx context.Context, gapID, userID int64) error
	ListGapPocs(ctx context.Context, gapID int64) ([]core.GapPoc, error)
	IsGapPoc(ctx context.Context, gapID, userID int64) (bool, error)

	CreateExtension(ctx context.Context, e *core.TatExtension) error
	GetExtension(ctx context.Context, id int64) (*core.TatExtension, error)
	ReviewExtension(ctx context.Context, e *core.TatExtension) error
	ListExtensions(ctx context.Context, gapID int64) ([]core.TatExtension, error)

	DeleteSimilarEdges(ctx context.Context, gapID int64) error

	CreateComment(ctx context.Context, c *core.Comment) error
	ListComments(ctx context.Context, gapID int64) ([]core.Comment, error)
	DeleteComment(ctx context.Context, id int64) error

	ListAuditLogsForEntity(ctx context.Context, entityType, entityID string) ([]core.AuditLog, error)
}

// Emitter publishes domain events after commit.
type Emitter interface {
	Emit(eventType string, gapID, actorID int64, data map[string]interface{})
}

// Enricher accepts gap ids for asynchronous AI processing. Re-enqueuing
// a gap supersedes any in-flight job for it.
type Enricher interface {
	Enqueue(gapID int64)
}

// Service implements the gap operations.
type Service struct {
	store  Store
	scope  *auth.Scope
	bus    Emitter
	enrich Enricher
	locks  *gapLocks
	logger *slog.Logger
}

// NewService wires the gap service.
func NewService(st Store, scope *auth.Scope, bus Emitter, enrich Enricher) *Service {
	return &Service{
		store:  st,
		scope:  scope,
		bus:    bus,
		enrich: enrich,
		locks:  newGapLocks(),
		logger: slog.Default().With("component", "gaps"),
	}
}

// gapLocks serializes state-machine transitions per gap id. The lock
// scope covers the read-check-write sequence so two concurrent resolves
// cannot both observe a resolvable status.
type gapLocks struct {
	mu sync.Mutex
	m  map[int64]*sync.Mutex
}

func newGapLocks() *gapLocks {
	return &gapLocks{m: make(map[int64]*sync.Mutex)}
}

func (l *gapLocks) lock(id int64) func() {
	l.mu.Lock()
	gl, ok := l.m[id]
	if !ok {
		gl = &sync.Mutex{}
		l.m[id] = gl
	}
	l.mu.Unlock()
	gl.Lock()
	return gl.Unlock
}

// validTransitions is the canonical status graph. Reopen and
// mark-duplicate have dedicated operations with their own guards and
// are excluded from patch-driven transitions.
var validTransitions = map[core.GapStatus]map[core.GapStatus]bool{
	core.StatusPendingAI:   {core.StatusNeedsReview: true, core.StatusAssigned: true},
	core.StatusNeedsReview: {core.StatusAssigned: true},
	core.StatusAssigned:    {core.StatusInProgress: true, core.StatusResolved: true},
	core.StatusInProgress:  {core.StatusResolved: true},
	core.StatusResolved:    {core.StatusClosed: true},
	core.StatusReopened:    {core.StatusAssigned: true, core.StatusInProgress: true, core.StatusResolved: true},
	core.StatusClosed:      {},
}

func canTransition(from, to core.GapStatus) bool {
	if from == to {
		return true
	}
	return validTransitions[from][to]
}

// ============================================================================
// CREATE / READ / UPDATE
// ============================================================================

// CreateInput is the draft for a new gap.
type CreateInput struct {
	Title          string
	Description    string
	Priority       core.Priority
	Severity       *string
	Department     *string
	FormTemplateID *int64
	FormResponses  core.JSONMap
	TatDeadline    *time.Time
	Attachments    core.Attachments
}

// Create persists a new gap in PendingAI and enqueues enrichment. Any
// authenticated user may report a gap.
func (s *Service) Create(ctx context.Context, actor *core.User, in CreateInput) (*core.Gap, error) {
	if strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.Description) == "" {
		return nil, core.E(core.KindInvalid, "title and description are required")
	}
	if in.Priority == "" {
		in.Priority = core.PriorityMedium
	}

	g := &core.Gap{
		Title:          strings.TrimSpace(in.Title),
		Description:    in.Description,
		Status:         core.StatusPendingAI,
		Priority:       in.Priority,
		Severity:       in.Severity,
		Department:     in.Department,
		ReporterID:     actor.ID,
		FormTemplateID: in.FormTemplateID,
		FormResponses:  in.FormResponses,
		TatDeadline:    in.TatDeadline,
		Attachments:    in.Attachments,
	}
	// Snapshot the template version so historical form structure
	// survives later template edits.
	if in.FormTemplateID != nil {
		tmpl, err := s.store.GetFormTemplate(ctx, *in.FormTemplateID)
		if err != nil {
			return nil, err
		}
		g.TemplateVersion = &tmpl.Version
	}

	if err := s.store.CreateGap(ctx, g); err != nil {
		return nil, err
	}
	s.enrich.Enqueue(g.ID)
	s.bus.Emit(core.EventGapCreated, g.ID, actor.ID, map[string]interface{}{
		"gapId": g.GapID, "title": g.Title, "priority": string(g.Priority),
	})
	return g, nil
}

// Get returns the gap after applying the caller's read scope.
func (s *Service) Get(ctx context.Context, actor *core.User, id int64) (*core.Gap, error) {
	g, err := s.store.GetGap(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.scope.RequireReadGap(ctx, actor, g); err != nil {
		return nil, err
	}
	return g, nil
}

// List returns the gaps visible to the caller, optionally narrowed by
// status and priority. The role scope is folded into the query itself.
func (s *Service) List(ctx context.Context, actor *core.User, status core.GapStatus, priority core.Priority) ([]core.Gap, error) {
	f := store.GapFilter{Status: status, Priority: priority}
	switch actor.Role {
	case core.RoleAdmin, core.RoleManagement:
	case core.RoleQAOps:
		f.ReporterID = actor.ID
	case core.RolePOC:
		f.PocUserID = actor.ID
	default:
		return []core.Gap{}, nil
	}
	return s.store.GetFilteredGaps(ctx, f)
}

// UpdatePatch carries the mutable fields; nil means "leave unchanged".
type UpdatePatch struct {
	Title         *string
	Description   *string
	Status        *core.GapStatus
	Priority      *core.Priority
	Severity      *string
	Department    *string
	FormResponses core.JSONMap
	Attachments   core.Attachments
	TatDeadline   *time.Time
}

// Update merges permitted fields. A title or description change
// invalidates similarity edges and re-enqueues enrichment; the newest
// enqueue supersedes any in-flight job.
func (s *Service) Update(ctx context.Context, actor *core.User, id int64, patch UpdatePatch) (*core.Gap, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	g, err := s.store.GetGap(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.scope.RequireReadGap(ctx, actor, g); err != nil {
		return nil, err
	}
	if g.Terminal() && patch.Status == nil {
		return nil, core.E(core.KindConflict, "gap is closed")
	}

	contentChanged := false
	if patch.Title != nil && *patch.Title != g.Title {
		if strings.TrimSpace(*patch.Title) == "" {
			return nil, core.E(core.KindInvalid, "title cannot be empty")
		}
		g.Title = strings.TrimSpace(*patch.Title)
		contentChanged = true
	}
	if patch.Description != nil && *patch.Description != g.Description {
		if strings.TrimSpace(*patch.Description) == "" {
			return nil, core.E(core.KindInvalid, "description cannot be empty")
		}
		g.Description = *patch.Description
		contentChanged = true
	}
	if patch.Priority != nil {
		g.Priority = *patch.Priority
	}
	if patch.Severity != nil {
		g.Severity = patch.Severity
	}
	if patch.Department != nil {
		g.Department = patch.Department
	}
	if patch.FormResponses != nil {
		g.FormResponses = patch.FormResponses
	}
	if patch.Attachments != nil {
		g.Attachments = patch.Attachments
	}
	if patch.TatDeadline != nil {
		g.TatDeadline = patch.TatDeadline
	}

	if patch.Status != nil && *patch.Status != g.Status {
		if !canTransition(g.Status, *patch.Status) {
			return nil, core.Ef(core.KindConflict, "cannot transition %s to %s", g.Status, *patch.Status)
		}
		now := time.Now().UTC()
		switch *patch.Status {
		case core.StatusInProgress:
			g.InProgressAt = &now
		case core.StatusResolved:
			return nil, core.E(core.KindInvalid, "use the resolve operation to resolve a gap")
		case core.StatusClosed:
			g.ClosedAt = &now
			g.ClosedByID = &actor.ID
		}
		g.Status = *patch.Status
	}

	g.UpdatedByID = &actor.ID
	if err := s.store.UpdateGap(ctx, g); err != nil {
		return nil, err
	}

	if contentChanged {
		if err := s.store.DeleteSimilarEdges(ctx, g.ID); err != nil {
			s.logger.Error("invalidate similarity edges failed", "gap", g.ID, "error", err)
		}
		s.enrich.Enqueue(g.ID)
	}
	s.bus.Emit(core.EventGapUpdated, g.ID, actor.ID, map[string]interface{}{
		"status": string(g.Status),
	})
	return g, nil
}

// ============================================================================
// TRANSITIONS
// ============================================================================

// AssignInput carries the assignment parameters.
type AssignInput struct {
	AssigneeID int64
	Deadline   *time.Time
	Note       *string
	Priority   *core.Priority
}

// Assign sets the primary assignee and moves the gap to Assigned.
// Admin and Management only.
func (s *Service) Assign(ctx context.Context, actor *core.User, id int64, in AssignInput) (*core.Gap, error) {
	if err := auth.RequireRole(actor, core.RoleAdmin, core.RoleManagement); err != nil {
		return nil, err
	}
	assignee, err := s.store.GetUser(ctx, in.AssigneeID)
	if err != nil {
		return nil, core.Ef(core.KindInvalid, "assignee %d not found", in.AssigneeID)
	}

	unlock := s.locks.lock(id)
	defer unlock()

	g, err := s.store.GetGap(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canTransition(g.Status, core.StatusAssigned) {
		return nil, core.Ef(core.KindConflict, "cannot assign gap in state %s", g.Status)
	}

	now := time.Now().UTC()
	g.AssignedToID = &assignee.ID
	g.Status = core.StatusAssigned
	g.AssignedAt = &now
	g.AssignedByID = &actor.ID
	if in.Deadline != nil {
		g.TatDeadline = in.Deadline
	}
	if in.Priority != nil {
		g.Priority = *in.Priority
	}
	g.UpdatedByID = &actor.ID

	if err := s.store.UpdateGap(ctx, g); err != nil {
		return nil, err
	}
	if err := s.store.CreateAssignment(ctx, &core.Assignment{
		GapID: g.ID, AssigneeID: assignee.ID, ActorID: actor.ID, Note: in.Note,
	}); err != nil {
		s.logger.Error("append assignment row failed", "gap", g.ID, "error", err)
	}
	s.bus.Emit(core.EventGapAssigned, g.ID, actor.ID, map[string]interface{}{
		"assigneeId": assignee.ID, "gapId": g.GapID, "title": g.Title,
	})
	return g, nil
}

// ResolveInput carries the resolution payload.
type ResolveInput struct {
	Summary     string
	Attachments core.Attachments
}

// Resolve moves the gap to Resolved with a summary. POCs may only
// resolve gaps they are assigned or rostered to. Concurrent resolves
// are serialized by the per-gap lock; the loser gets Conflict.
func (s *Service) Resolve(ctx context.Context, actor *core.User, id int64, in ResolveInput) (*core.Gap, error) {
	if err := auth.RequireRole(actor, core.RoleAdmin, core.RoleManagement, core.RolePOC); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Summary) == "" {
		return nil, core.E(core.KindInvalid, "resolution summary is required")
	}

	unlock := s.locks.lock(id)
	defer unlock()

	g, err := s.store.GetGap(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role == core.RolePOC {
		allowed := g.AssignedToID != nil && *g.AssignedToID == actor.ID
		if !allowed {
			allowed, err = s.store.IsGapPoc(ctx, g.ID, actor.ID)
			if err != nil {
				return nil, err
			}
		}
		if !allowed {
			return nil, core.E(core.KindForbidden, "not a POC for this gap")
		}
	}
	if !canTransition(g.Status, core.StatusResolved) || g.Status == core.StatusResolved {
		return nil, core.Ef(core.KindConflict, "cannot resolve gap in state %s", g.Status)
	}

	now := time.Now().UTC()
	g.Status = core.StatusResolved
	g.ResolvedAt = &now
	g.ResolvedByID = &actor.ID
	g.ResolutionSummary = &in.Summary
	g.ResolutionAttachments = in.Attachments
	g.UpdatedByID = &actor.ID

	if err := s.store.UpdateGap(ctx, g); err != nil {
		return nil, err
	}
	s.bus.Emit(core.EventGapResolved, g.ID, actor.ID, map[string]interface{}{
		"gapId": g.GapID, "title": g.Title, "summary": in.Summary,
	})
	return g, nil
}

// Reopen starts a new resolution cycle. The completed cycle is archived
// to resolution history in the same transaction that clears the live
// fields, so history and the cleared gap commit atomically.
func (s *Service) Reopen(ctx context.Context, actor *core.User, id int64) (*core.Gap, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	g, err := s.store.GetGap(ctx, id)
	if err != nil {
		return nil, err
	}
	isReporter := g.ReporterID == actor.ID
	isAssignee := g.AssignedToID != nil && *g.AssignedToID == actor.ID
	if !isReporter && !isAssignee &&
		!auth.HasRole(actor, core.RoleQAOps, core.RoleManagement, core.RoleAdmin) {
		return nil, core.E(core.KindForbidden, "not permitted to reopen this gap")
	}
	if g.Status != core.StatusResolved && g.Status != core.StatusClosed {
		return nil, core.Ef(core.KindConflict, "cannot reopen gap in state %s", g.Status)
	}

	now := time.Now().UTC()
	var hist *core.ResolutionHistory
	if g.ResolutionSummary != nil && g.ResolvedAt != nil && g.ResolvedByID != nil {
		hist = &core.ResolutionHistory{
			GapID:        g.ID,
			Summary:      *g.ResolutionSummary,
			Attachments:  g.ResolutionAttachments,
			ResolvedByID: *g.ResolvedByID,
			ResolvedAt:   *g.ResolvedAt,
			ReopenedByID: &actor.ID,
			ReopenedAt:   &now,
		}
	}

	g.Status = core.StatusReopened
	g.ReopenedAt = &now
	g.ReopenedByID = &actor.ID
	if err := s.store.ReopenWithHistory(ctx, g, hist); err != nil {
		return nil, err
	}
	g.ResolutionSummary = nil
	g.ResolutionAttachments = core.Attachments{}
	g.ResolvedAt = nil
	g.ResolvedByID = nil

	s.bus.Emit(core.EventGapReopened, g.ID, actor.ID, map[string]interface{}{
		"gapId": g.GapID,
	})
	return g, nil
}

// MarkDuplicate closes the gap as a duplicate of an earlier original.
// Chains are rejected: the original must not itself be a duplicate.
// Re-marking with the same original is idempotent.
func (s *Service) MarkDuplicate(ctx context.Context, actor *core.User, id, originalID int64) (*core.Gap, error) {
	if err := auth.RequireRole(actor, core.RoleAdmin, core.RoleManagement); err != nil {
		return nil, err
	}
	if id == originalID {
		return nil, core.E(core.KindInvalid, "a gap cannot be a duplicate of itself")
	}
	original, err := s.store.GetGap(ctx, originalID)
	if err != nil {
		return nil, core.Ef(core.KindInvalid, "original gap %d not found", originalID)
	}
	if original.DuplicateOfID != nil {
		return nil, core.E(core.KindInvalid, "original is itself a duplicate")
	}

	unlock := s.locks.lock(id)
	defer unlock()

	g, err := s.store.GetGap(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.DuplicateOfID != nil && *g.DuplicateOfID == originalID && g.Status == core.StatusClosed {
		return g, nil
	}
	if g.Terminal() {
		return nil, core.E(core.KindConflict, "gap is already closed")
	}

	now := time.Now().UTC()
	g.DuplicateOfID = &originalID
	g.Status = core.StatusClosed
	g.ClosedAt = &now
	g.ClosedByID = &actor.ID
	g.UpdatedByID = &actor.ID
	if err := s.store.UpdateGap(ctx, g); err != nil {
		return nil, err
	}
	s.bus.Emit(core.EventGapClosedDuplicate, g.ID, actor.ID, map[string]interface{}{
		"gapId": g.GapID, "duplicateOfId": originalID, "originalGapId": original.GapID,
	})
	return g, nil
}

// ============================================================================
// TAT EXTENSIONS
// ============================================================================

// RequestExtension files a pending deadline-extension request. Only the
// primary assignee or a rostered POC may request one.
func (s *Service) RequestExtension(ctx context.Context, actor *core.User, gapID int64, reason string, proposed time.Time) (*core.TatExtension, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, core.E(core.KindInvalid, "reason is required")
	}
	g, err := s.store.GetGap(ctx, gapID)
	if err != nil {
		return nil, err
	}
	allowed := g.AssignedToID != nil && *g.AssignedToID == actor.ID
	if !allowed {
		allowed, err = s.store.IsGapPoc(ctx, g.ID, actor.ID)
		if err != nil {
			return nil, err
		}
	}
	if !allowed {
		return nil, core.E(core.KindForbidden, "only the assignee or a POC may request an extension")
	}

	e := &core.TatExtension{
		GapID:            g.ID,
		RequesterID:      actor.ID,
		Reason:           reason,
		ProposedDeadline: proposed,
		Status:           core.ExtensionPending,
	}
	if err := s.store.CreateExtension(ctx, e); err != nil {
		return nil, err
	}
	s.bus.Emit(core.EventExtensionRequested, g.ID, actor.ID, map[string]interface{}{
		"extensionId": e.ID, "gapId": g.GapID, "reason": reason,
		"proposedDeadline": proposed.Format(time.RFC3339),
	})
	return e, nil
}

// ReviewExtension decides a pending extension. Approval moves the gap's
// deadline to the proposed value atomically with the decision. A second
// decision on the same extension reports Conflict.
func (s *Service) ReviewExtension(ctx context.Context, actor *core.User, extensionID int64, approve bool) (*core.TatExtension, error) {
	if err := auth.RequireRole(actor, core.RoleAdmin, core.RoleManagement); err != nil {
		return nil, err
	}
	e, err := s.store.GetExtension(ctx, extensionID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(e.GapID)
	defer unlock()

	now := time.Now().UTC()
	if approve {
		e.Status = core.ExtensionApproved
	} else {
		e.Status = core.ExtensionRejected
	}
	e.ReviewerID = &actor.ID
	e.ReviewedAt = &now
	if err := s.store.ReviewExtension(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// ListExtensions returns a gap's extension requests after a scope check.
func (s *Service) ListExtensions(ctx context.Context, actor *core.User, gapID int64) ([]core.TatExtension, error) {
	if _, err := s.Get(ctx, actor, gapID); err != nil {
		return nil, err
	}
	return s.store.ListExtensions(ctx, gapID)
}

// ============================================================================
// POC ROSTER
// ============================================================================

// AddPoc adds a POC to the gap's roster. Admin, Management, or the
// gap's primary POC may add; only users holding the POC role may be
// added.
func (s *Service) AddPoc(ctx context.Context, actor *core.User, gapID, userID int64, isPrimary bool) (*core.GapPoc, error) {
	if _, err := s.store.GetGap(ctx, gapID); err != nil {
		return nil, err
	}
	if !auth.HasRole(actor, core.RoleAdmin, core.RoleManagement) {
		primary, err := s.isPrimaryPoc(ctx, gapID, actor.ID)
		if err != nil {
			return nil, err
		}
		if !primary {
			return nil, core.E(core.KindForbidden, "only admins, management, or the primary POC may edit the roster")
		}
	}
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, core.Ef(core.KindInvalid, "user %d not found", userID)
	}
	if u.Role != core.RolePOC {
		return nil, core.Ef(core.KindInvalid, "user %d does not hold the POC role", userID)
	}
	return s.store.AddGapPoc(ctx, gapID, userID, isPrimary)
}

// RemovePoc removes a POC from the roster. A POC may remove themselves;
// removing anyone else needs Admin or Management.
func (s *Service) RemovePoc(ctx context.Context, actor *core.User, gapID, userID int64) error {
	if actor.ID != userID {
		if err := auth.RequireRole(actor, core.RoleAdmin, core.RoleManagement); err != nil {
			return err
		}
	}
	return s.store.RemoveGapPoc(ctx, gapID, userID)
}

func (s *Service) isPrimaryPoc(ctx context.Context, gapID, userID int64) (bool, error) {
	pocs, err := s.store.ListGapPocs(ctx, gapID)
	if err != nil {
		return false, err
	}
	for _, p := range pocs {
		if p.IsPrimary && p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// ListPocs returns the roster after a scope check.
func (s *Service) ListPocs(ctx context.Context, actor *core.User, gapID int64) ([]core.GapPoc, error) {
	if _, err := s.Get(ctx, actor, gapID); err != nil {
		return nil, err
	}
	return s.store.ListGapPocs(ctx, gapID)
}

// ListResolutionHistory returns the archived resolution cycles after a
// scope check.
func (s *Service) ListResolutionHistory(ctx context.Context, actor *core.User, gapID int64) ([]core.ResolutionHistory, error) {
	if _, err := s.Get(ctx, actor, gapID); err != nil {
		return nil, err
	}
	return s.store.ListResolutionHistory(ctx, gapID)
}
