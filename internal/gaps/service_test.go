package gaps

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protfolio666/GapOpsHub-sub000/internal/auth"
	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
	"github.com/protfolio666/GapOpsHub-sub000/internal/store"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeStore struct {
	mu         sync.Mutex
	nextID     int64
	gaps       map[int64]*core.Gap
	users      map[int64]*core.User
	templates  map[int64]*core.FormTemplate
	pocs       map[int64]map[int64]bool // gapID -> userID -> isPrimary
	comments   map[int64]*core.Comment
	history    []core.ResolutionHistory
	assigns    []core.Assignment
	extensions map[int64]*core.TatExtension
	audit      []core.AuditLog

	edgesDeleted []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextID:     100,
		gaps:       make(map[int64]*core.Gap),
		users:      make(map[int64]*core.User),
		templates:  make(map[int64]*core.FormTemplate),
		pocs:       make(map[int64]map[int64]bool),
		comments:   make(map[int64]*core.Comment),
		extensions: make(map[int64]*core.TatExtension),
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStore) CreateGap(_ context.Context, g *core.Gap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g.ID = f.id()
	g.GapID = "GAP-" + time.Now().Format("0405") // stable enough for tests
	g.CreatedAt = time.Now().UTC()
	g.UpdatedAt = g.CreatedAt
	cp := *g
	f.gaps[g.ID] = &cp
	return nil
}

func (f *fakeStore) GetGap(_ context.Context, id int64) (*core.Gap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gaps[id]
	if !ok {
		return nil, core.Ef(core.KindNotFound, "gap %d not found", id)
	}
	cp := *g
	return &cp, nil
}

func (f *fakeStore) UpdateGap(_ context.Context, g *core.Gap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.gaps[g.ID]; !ok {
		return core.Ef(core.KindNotFound, "gap %d not found", g.ID)
	}
	g.UpdatedAt = time.Now().UTC()
	cp := *g
	f.gaps[g.ID] = &cp
	return nil
}

func (f *fakeStore) GetFilteredGaps(_ context.Context, filter store.GapFilter) ([]core.Gap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []core.Gap{}
	for _, g := range f.gaps {
		if filter.Status != "" && g.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && g.Priority != filter.Priority {
			continue
		}
		if filter.ReporterID != 0 && g.ReporterID != filter.ReporterID {
			continue
		}
		if filter.PocUserID != 0 {
			assigned := g.AssignedToID != nil && *g.AssignedToID == filter.PocUserID
			_, rostered := f.pocs[g.ID][filter.PocUserID]
			if !assigned && !rostered {
				continue
			}
		}
		out = append(out, *g)
	}
	return out, nil
}

func (f *fakeStore) ReopenWithHistory(_ context.Context, g *core.Gap, hist *core.ResolutionHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.gaps[g.ID]
	if !ok {
		return core.Ef(core.KindNotFound, "gap %d not found", g.ID)
	}
	if hist != nil {
		hist.ID = f.id()
		f.history = append(f.history, *hist)
	}
	stored.Status = g.Status
	stored.ReopenedAt = g.ReopenedAt
	stored.ReopenedByID = g.ReopenedByID
	stored.ResolutionSummary = nil
	stored.ResolutionAttachments = core.Attachments{}
	stored.ResolvedAt = nil
	stored.ResolvedByID = nil
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeStore) ListResolutionHistory(_ context.Context, gapID int64) ([]core.ResolutionHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []core.ResolutionHistory{}
	for _, h := range f.history {
		if h.GapID == gapID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeStore) GetUser(_ context.Context, id int64) (*core.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, core.Ef(core.KindNotFound, "user %d not found", id)
	}
	return u, nil
}

func (f *fakeStore) GetFormTemplate(_ context.Context, id int64) (*core.FormTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.templates[id]
	if !ok {
		return nil, core.Ef(core.KindNotFound, "template %d not found", id)
	}
	return t, nil
}

func (f *fakeStore) CreateAssignment(_ context.Context, a *core.Assignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.ID = f.id()
	a.CreatedAt = time.Now().UTC()
	f.assigns = append(f.assigns, *a)
	return nil
}

func (f *fakeStore) ListAssignments(_ context.Context, gapID int64) ([]core.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []core.Assignment{}
	for _, a := range f.assigns {
		if a.GapID == gapID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) AddGapPoc(_ context.Context, gapID, userID int64, isPrimary bool) (*core.GapPoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pocs[gapID] == nil {
		f.pocs[gapID] = make(map[int64]bool)
	}
	f.pocs[gapID][userID] = isPrimary
	return &core.GapPoc{ID: f.id(), GapID: gapID, UserID: userID, IsPrimary: isPrimary}, nil
}

func (f *fakeStore) RemoveGapPoc(_ context.Context, gapID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pocs[gapID][userID]; !ok {
		return core.E(core.KindNotFound, "poc not on roster")
	}
	delete(f.pocs[gapID], userID)
	return nil
}

func (f *fakeStore) ListGapPocs(_ context.Context, gapID int64) ([]core.GapPoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []core.GapPoc{}
	for uid, primary := range f.pocs[gapID] {
		out = append(out, core.GapPoc{GapID: gapID, UserID: uid, IsPrimary: primary})
	}
	return out, nil
}

func (f *fakeStore) IsGapPoc(_ context.Context, gapID, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pocs[gapID][userID]
	return ok, nil
}

func (f *fakeStore) CreateExtension(_ context.Context, e *core.TatExtension) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.ID = f.id()
	e.CreatedAt = time.Now().UTC()
	cp := *e
	f.extensions[e.ID] = &cp
	return nil
}

func (f *fakeStore) GetExtension(_ context.Context, id int64) (*core.TatExtension, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.extensions[id]
	if !ok {
		return nil, core.Ef(core.KindNotFound, "extension %d not found", id)
	}
	cp := *e
	return &cp, nil
}

func (f *fakeStore) ReviewExtension(_ context.Context, e *core.TatExtension) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.extensions[e.ID]
	if !ok {
		return core.Ef(core.KindNotFound, "extension %d not found", e.ID)
	}
	if stored.Status != core.ExtensionPending {
		return core.E(core.KindConflict, "extension already decided")
	}
	stored.Status = e.Status
	stored.ReviewerID = e.ReviewerID
	stored.ReviewedAt = e.ReviewedAt
	if e.Status == core.ExtensionApproved {
		if g, ok := f.gaps[e.GapID]; ok {
			d := e.ProposedDeadline
			g.TatDeadline = &d
		}
	}
	return nil
}

func (f *fakeStore) ListExtensions(_ context.Context, gapID int64) ([]core.TatExtension, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []core.TatExtension{}
	for _, e := range f.extensions {
		if e.GapID == gapID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteSimilarEdges(_ context.Context, gapID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edgesDeleted = append(f.edgesDeleted, gapID)
	return nil
}

func (f *fakeStore) CreateComment(_ context.Context, c *core.Comment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.ID = f.id()
	c.CreatedAt = time.Now().UTC()
	cp := *c
	f.comments[c.ID] = &cp
	return nil
}

func (f *fakeStore) ListComments(_ context.Context, gapID int64) ([]core.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []core.Comment{}
	for _, c := range f.comments {
		if c.GapID == gapID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteComment(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.comments, id)
	return nil
}

func (f *fakeStore) ListAuditLogsForEntity(_ context.Context, entityType, entityID string) ([]core.AuditLog, error) {
	return f.audit, nil
}

type fakeBus struct {
	mu     sync.Mutex
	events []string
}

func (b *fakeBus) Emit(eventType string, gapID, actorID int64, data map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, eventType)
}

func (b *fakeBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

type fakeEnricher struct {
	mu    sync.Mutex
	queue []int64
}

func (e *fakeEnricher) Enqueue(gapID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append(e.queue, gapID)
}

// ============================================================================
// FIXTURE
// ============================================================================

type fixture struct {
	svc    *Service
	store  *fakeStore
	bus    *fakeBus
	enrich *fakeEnricher

	admin    *core.User
	manager  *core.User
	reporter *core.User
	poc      *core.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := newFakeStore()
	bus := &fakeBus{}
	enr := &fakeEnricher{}
	fx := &fixture{
		svc:      NewService(fs, auth.NewScope(fs), bus, enr),
		store:    fs,
		bus:      bus,
		enrich:   enr,
		admin:    &core.User{ID: 1, Role: core.RoleAdmin, Name: "Admin"},
		manager:  &core.User{ID: 2, Role: core.RoleManagement, Name: "Manager"},
		reporter: &core.User{ID: 3, Role: core.RoleQAOps, Name: "Reporter"},
		poc:      &core.User{ID: 4, Role: core.RolePOC, Name: "Handler"},
	}
	for _, u := range []*core.User{fx.admin, fx.manager, fx.reporter, fx.poc} {
		fs.users[u.ID] = u
	}
	return fx
}

func (fx *fixture) createGap(t *testing.T) *core.Gap {
	t.Helper()
	g, err := fx.svc.Create(context.Background(), fx.reporter, CreateInput{
		Title:       "Refund email missing",
		Description: "Customers do not receive a refund confirmation email.",
	})
	require.NoError(t, err)
	return g
}

// ============================================================================
// TESTS
// ============================================================================

func TestCreateGapStartsPendingAI(t *testing.T) {
	fx := newFixture(t)
	g := fx.createGap(t)

	assert.Equal(t, core.StatusPendingAI, g.Status)
	assert.False(t, g.AIProcessed)
	assert.Equal(t, core.PriorityMedium, g.Priority)
	assert.Equal(t, []int64{g.ID}, fx.enrich.queue)
	assert.Equal(t, []string{core.EventGapCreated}, fx.bus.types())
}

func TestCreateGapRequiresContent(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.svc.Create(context.Background(), fx.reporter, CreateInput{Title: "  "})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalid))
}

func TestAssignRequiresManagement(t *testing.T) {
	fx := newFixture(t)
	g := fx.createGap(t)

	_, err := fx.svc.Assign(context.Background(), fx.reporter, g.ID, AssignInput{AssigneeID: fx.poc.ID})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindForbidden))

	got, err := fx.svc.Assign(context.Background(), fx.manager, g.ID, AssignInput{AssigneeID: fx.poc.ID})
	require.NoError(t, err)
	assert.Equal(t, core.StatusAssigned, got.Status)
	require.NotNil(t, got.AssignedToID)
	assert.Equal(t, fx.poc.ID, *got.AssignedToID)
	assert.Len(t, fx.store.assigns, 1)
	assert.Contains(t, fx.bus.types(), core.EventGapAssigned)
}

func TestAssignUnknownAssigneeIsInvalid(t *testing.T) {
	fx := newFixture(t)
	g := fx.createGap(t)
	_, err := fx.svc.Assign(context.Background(), fx.admin, g.ID, AssignInput{AssigneeID: 999})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalid))
}

func TestAssignResolvedGapConflicts(t *testing.T) {
	fx := newFixture(t)
	g := fx.createGap(t)
	_, err := fx.svc.Assign(context.Background(), fx.manager, g.ID, AssignInput{AssigneeID: fx.poc.ID})
	require.NoError(t, err)
	_, err = fx.svc.Resolve(context.Background(), fx.poc, g.ID, ResolveInput{Summary: "fixed"})
	require.NoError(t, err)

	_, err = fx.svc.Assign(context.Background(), fx.manager, g.ID, AssignInput{AssigneeID: fx.manager.ID})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindConflict))

	// The resolution record survives untouched.
	got, err := fx.store.GetGap(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusResolved, got.Status)
	require.NotNil(t, got.ResolutionSummary)
	assert.Equal(t, "fixed", *got.ResolutionSummary)
	assert.NotNil(t, got.ResolvedAt)
}

func TestResolveByAssignedPoc(t *testing.T) {
	fx := newFixture(t)
	g := fx.createGap(t)
	_, err := fx.svc.Assign(context.Background(), fx.manager, g.ID, AssignInput{AssigneeID: fx.poc.ID})
	require.NoError(t, err)

	got, err := fx.svc.Resolve(context.Background(), fx.poc, g.ID, ResolveInput{Summary: "fixed notification handler"})
	require.NoError(t, err)
	assert.Equal(t, core.StatusResolved, got.Status)
	require.NotNil(t, got.ResolutionSummary)
	assert.Equal(t, "fixed notification handler", *got.ResolutionSummary)
	assert.NotNil(t, got.ResolvedAt)
}

func TestResolveByUnrelatedPocForbidden(t *testing.T) {
	fx := newFixture(t)
	g := fx.createGap(t)
	_, err := fx.svc.Assign(context.Background(), fx.manager, g.ID, AssignInput{AssigneeID: fx.manager.ID})
	require.NoError(t, err)

	_, err = fx.svc.Resolve(context.Background(), fx.poc, g.ID, ResolveInput{Summary: "done"})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindForbidden))
}

func TestSecondResolveConflicts(t *testing.T) {
	fx := newFixture(t)
	g := fx.createGap(t)
	_, err := fx.svc.Assign(context.Background(), fx.manager, g.ID, AssignInput{AssigneeID: fx.poc.ID})
	require.NoError(t, err)
	_, err = fx.svc.Resolve(context.Background(), fx.admin, g.ID, ResolveInput{Summary: "first"})
	require.NoError(t, err)

	_, err = fx.svc.Resolve(context.Background(), fx.admin, g.ID, ResolveInput{Summary: "second"})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindConflict))
}

func TestReopenArchivesResolutionCycle(t *testing.T) {
	fx := newFixture(t)
	g := fx.createGap(t)
	_, err := fx.svc.Assign(context.Background(), fx.manager, g.ID, AssignInput{AssigneeID: fx.poc.ID})
	require.NoError(t, err)
	_, err = fx.svc.Resolve(context.Background(), fx.poc, g.ID, ResolveInput{
		Summary:     "fixed notification handler",
		Attachments: core.Attachments{{OriginalName: "a.pdf", Filename: "x.pdf", Size: 10}},
	})
	require.NoError(t, err)

	got, err := fx.svc.Reopen(context.Background(), fx.reporter, g.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusReopened, got.Status)
	assert.Nil(t, got.ResolutionSummary)
	assert.Nil(t, got.ResolvedAt)

	hist, err := fx.svc.ListResolutionHistory(context.Background(), fx.admin, g.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "fixed notification handler", hist[0].Summary)
	require.Len(t, hist[0].Attachments, 1)
	assert.Equal(t, "a.pdf", hist[0].Attachments[0].OriginalName)
}

func TestResolveReopenResolveProducesTwoCycles(t *testing.T) {
	fx := newFixture(t)
	g := fx.createGap(t)
	_, err := fx.svc.Assign(context.Background(), fx.manager, g.ID, AssignInput{AssigneeID: fx.poc.ID})
	require.NoError(t, err)

	_, err = fx.svc.Resolve(context.Background(), fx.poc, g.ID, ResolveInput{Summary: "first pass"})
	require.NoError(t, err)
	_, err = fx.svc.Reopen(context.Background(), fx.reporter, g.ID)
	require.NoError(t, err)
	got, err := fx.svc.Resolve(context.Background(), fx.poc, g.ID, ResolveInput{Summary: "second pass"})
	require.NoError(t, err)
	assert.Equal(t, core.StatusResolved, got.Status)
	_, err = fx.svc.Reopen(context.Background(), fx.reporter, g.ID)
	require.NoError(t, err)

	hist, err := fx.svc.ListResolutionHistory(context.Background(), fx.admin, g.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestReopenRequiresResolvedOrClosed(t *testing.T) {
	fx := newFixture(t)
	g := fx.createGap(t)
	_, err := fx.svc.Reopen(context.Background(), fx.reporter, g.ID)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindConflict))
}

func TestMarkDuplicateClosesWithPointer(t *testing.T) {
	fx := newFixture(t)
	original := fx.createGap(t)
	dup := fx.createGap(t)

	got, err := fx.svc.MarkDuplicate(context.Background(), fx.manager, dup.ID, original.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusClosed, got.Status)
	require.NotNil(t, got.DuplicateOfID)
	assert.Equal(t, original.ID, *got.DuplicateOfID)
	assert.Contains(t, fx.bus.types(), core.EventGapClosedDuplicate)

	// Idempotent with the same original.
	again, err := fx.svc.MarkDuplicate(context.Background(), fx.manager, dup.ID, original.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusClosed, again.Status)
}

func TestMarkDuplicateRejectsChains(t *testing.T) {
	fx := newFixture(t)
	a := fx.createGap(t)
	b := fx.createGap(t)
	c := fx.createGap(t)

	_, err := fx.svc.MarkDuplicate(context.Background(), fx.admin, b.ID, a.ID)
	require.NoError(t, err)

	// b is itself a duplicate; it cannot be an original.
	_, err = fx.svc.MarkDuplicate(context.Background(), fx.admin, c.ID, b.ID)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalid))
}

func TestContentEditInvalidatesSimilarity(t *testing.T) {
	fx := newFixture(t)
	g := fx.createGap(t)
	fx.enrich.queue = nil

	title := "Refund email missing for EU customers"
	_, err := fx.svc.Update(context.Background(), fx.reporter, g.ID, UpdatePatch{Title: &title})
	require.NoError(t, err)

	assert.Equal(t, []int64{g.ID}, fx.store.edgesDeleted)
	assert.Equal(t, []int64{g.ID}, fx.enrich.queue)
}

func TestPriorityEditDoesNotReenqueue(t *testing.T) {
	fx := newFixture(t)
	g := fx.createGap(t)
	fx.enrich.queue = nil

	p := core.PriorityHigh
	_, err := fx.svc.Update(context.Background(), fx.reporter, g.ID, UpdatePatch{Priority: &p})
	require.NoError(t, err)

	assert.Empty(t, fx.store.edgesDeleted)
	assert.Empty(t, fx.enrich.queue)
}

func TestInvalidTransitionRejected(t *testing.T) {
	fx := newFixture(t)
	g := fx.createGap(t)

	st := core.StatusInProgress
	_, err := fx.svc.Update(context.Background(), fx.admin, g.ID, UpdatePatch{Status: &st})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindConflict))
}

func TestExtensionApprovalMovesDeadline(t *testing.T) {
	fx := newFixture(t)
	g := fx.createGap(t)
	deadline := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	_, err := fx.svc.Assign(context.Background(), fx.manager, g.ID, AssignInput{
		AssigneeID: fx.poc.ID, Deadline: &deadline,
	})
	require.NoError(t, err)

	proposed := time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC)
	ext, err := fx.svc.RequestExtension(context.Background(), fx.poc, g.ID, "vendor dependency slipped", proposed)
	require.NoError(t, err)
	assert.Equal(t, core.ExtensionPending, ext.Status)

	decided, err := fx.svc.ReviewExtension(context.Background(), fx.manager, ext.ID, true)
	require.NoError(t, err)
	assert.Equal(t, core.ExtensionApproved, decided.Status)

	got, err := fx.svc.Get(context.Background(), fx.admin, g.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TatDeadline)
	assert.True(t, got.TatDeadline.Equal(proposed))

	// Second decision on the same extension conflicts.
	_, err = fx.svc.ReviewExtension(context.Background(), fx.manager, ext.ID, false)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindConflict))
}

func TestExtensionRequestRequiresPoc(t *testing.T) {
	fx := newFixture(t)
	g := fx.createGap(t)
	_, err := fx.svc.RequestExtension(context.Background(), fx.reporter, g.ID, "need more time", time.Now().Add(48*time.Hour))
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindForbidden))
}

func TestListScopesByRole(t *testing.T) {
	fx := newFixture(t)
	mine := fx.createGap(t)
	other, err := fx.svc.Create(context.Background(), fx.admin, CreateInput{
		Title: "Escalation queue stuck", Description: "Tickets sit unrouted overnight.",
	})
	require.NoError(t, err)

	all, err := fx.svc.List(context.Background(), fx.manager, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	own, err := fx.svc.List(context.Background(), fx.reporter, "", "")
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, mine.ID, own[0].ID)

	none, err := fx.svc.List(context.Background(), fx.poc, "", "")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = fx.svc.AddPoc(context.Background(), fx.admin, other.ID, fx.poc.ID, true)
	require.NoError(t, err)
	visible, err := fx.svc.List(context.Background(), fx.poc, "", "")
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, other.ID, visible[0].ID)
}

func TestReadScopeOnGet(t *testing.T) {
	fx := newFixture(t)
	g, err := fx.svc.Create(context.Background(), fx.admin, CreateInput{
		Title: "Internal audit gap", Description: "Sampling misses weekend batches.",
	})
	require.NoError(t, err)

	_, err = fx.svc.Get(context.Background(), fx.reporter, g.ID)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindForbidden))

	_, err = fx.svc.Get(context.Background(), fx.manager, g.ID)
	assert.NoError(t, err)
}

func TestCommentsRequireReadScope(t *testing.T) {
	fx := newFixture(t)
	g, err := fx.svc.Create(context.Background(), fx.admin, CreateInput{
		Title: "Internal audit gap", Description: "Sampling misses weekend batches.",
	})
	require.NoError(t, err)

	_, err = fx.svc.AddComment(context.Background(), fx.reporter, g.ID, "any update?", nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindForbidden))

	c, err := fx.svc.AddComment(context.Background(), fx.manager, g.ID, "looking into it", nil)
	require.NoError(t, err)
	assert.Contains(t, fx.bus.types(), core.EventCommentCreated)

	err = fx.svc.DeleteComment(context.Background(), fx.manager, g.ID, c.ID)
	assert.NoError(t, err)
}

func TestConcurrentResolvesSerialize(t *testing.T) {
	fx := newFixture(t)
	g := fx.createGap(t)
	_, err := fx.svc.Assign(context.Background(), fx.manager, g.ID, AssignInput{AssigneeID: fx.poc.ID})
	require.NoError(t, err)

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.svc.Resolve(context.Background(), fx.admin, g.ID, ResolveInput{Summary: "race"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, conflicts int
	for err := range errs {
		if err == nil {
			ok++
		} else if core.IsKind(err, core.KindConflict) {
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflicts)
}

func TestTimelineMergesAndOrders(t *testing.T) {
	fx := newFixture(t)
	g := fx.createGap(t)
	_, err := fx.svc.Assign(context.Background(), fx.manager, g.ID, AssignInput{AssigneeID: fx.poc.ID})
	require.NoError(t, err)
	_, err = fx.svc.Resolve(context.Background(), fx.poc, g.ID, ResolveInput{Summary: "done"})
	require.NoError(t, err)

	entries, err := fx.svc.Timeline(context.Background(), fx.admin, g.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 3)
	assert.Equal(t, "created", entries[0].Type)
	for i := 1; i < len(entries); i++ {
		assert.False(t, entries[i].At.Before(entries[i-1].At), "timeline out of order at %d", i)
	}
}

func TestTimelineDedupesSameTypeWithinWindow(t *testing.T) {
	now := time.Now().UTC()
	entries := []TimelineEntry{
		{Type: "resolved", At: now},
		{Type: "resolved", At: now.Add(time.Second)},
		{Type: "resolved", At: now.Add(10 * time.Second)},
		{Type: "audit", At: now.Add(time.Second)},
	}
	out := dedupe(entries)
	var resolved int
	for _, e := range out {
		if e.Type == "resolved" {
			resolved++
		}
	}
	assert.Equal(t, 2, resolved)
	assert.Len(t, out, 3)
}

func TestAddPocRequiresPocRole(t *testing.T) {
	fx := newFixture(t)
	g := fx.createGap(t)

	_, err := fx.svc.AddPoc(context.Background(), fx.admin, g.ID, fx.reporter.ID, false)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalid))
}

func TestPrimaryPocMayEditRoster(t *testing.T) {
	fx := newFixture(t)
	g := fx.createGap(t)
	second := &core.User{ID: 8, Role: core.RolePOC, Name: "Second"}
	fx.store.users[second.ID] = second

	_, err := fx.svc.AddPoc(context.Background(), fx.admin, g.ID, fx.poc.ID, true)
	require.NoError(t, err)

	// The primary POC can roster others; a non-primary POC cannot.
	_, err = fx.svc.AddPoc(context.Background(), fx.poc, g.ID, second.ID, false)
	require.NoError(t, err)
	_, err = fx.svc.AddPoc(context.Background(), second, g.ID, second.ID, false)
	assert.True(t, core.IsKind(err, core.KindForbidden))
}

func TestPocMayRemoveSelfOnly(t *testing.T) {
	fx := newFixture(t)
	g := fx.createGap(t)
	second := &core.User{ID: 8, Role: core.RolePOC, Name: "Second"}
	fx.store.users[second.ID] = second
	_, err := fx.svc.AddPoc(context.Background(), fx.admin, g.ID, fx.poc.ID, true)
	require.NoError(t, err)
	_, err = fx.svc.AddPoc(context.Background(), fx.admin, g.ID, second.ID, false)
	require.NoError(t, err)

	err = fx.svc.RemovePoc(context.Background(), second, g.ID, fx.poc.ID)
	assert.True(t, core.IsKind(err, core.KindForbidden))
	assert.NoError(t, fx.svc.RemovePoc(context.Background(), second, g.ID, second.ID))
	assert.NoError(t, fx.svc.RemovePoc(context.Background(), fx.manager, g.ID, fx.poc.ID))
}
