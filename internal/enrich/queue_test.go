package enrich

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
	"github.com/protfolio666/GapOpsHub-sub000/internal/store"
)

type fakeStore struct {
	mu   sync.Mutex
	gaps map[int64]*core.Gap
	sops []core.Sop

	edges       map[int64][]store.SimilarEdge
	applied     map[int64]core.SopSuggestions
	staleWrites int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		gaps:    make(map[int64]*core.Gap),
		edges:   make(map[int64][]store.SimilarEdge),
		applied: make(map[int64]core.SopSuggestions),
	}
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

func (f *fakeStore) ListLiveGaps(_ context.Context, excludeID int64) ([]core.Gap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Gap
	for _, g := range f.gaps {
		if g.ID != excludeID && g.Status != core.StatusClosed {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (f *fakeStore) ListActiveSops(_ context.Context) ([]core.Sop, error) {
	return f.sops, nil
}

func (f *fakeStore) ReplaceSimilarEdges(_ context.Context, gapID int64, edges []store.SimilarEdge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edges[gapID] = edges
	return nil
}

func (f *fakeStore) ApplyEnrichment(_ context.Context, gapID int64, seen time.Time, suggestions core.SopSuggestions) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gaps[gapID]
	if !ok {
		return false, core.Ef(core.KindNotFound, "gap %d not found", gapID)
	}
	if !g.UpdatedAt.Equal(seen) {
		f.staleWrites++
		return false, nil
	}
	g.AIProcessed = true
	g.SopSuggestions = suggestions
	if g.Status == core.StatusPendingAI {
		g.Status = core.StatusNeedsReview
	}
	f.applied[gapID] = suggestions
	return true, nil
}

type scriptedProvider struct {
	scores      map[int64]int // other gap id -> score
	compareErr  error
	suggestions []core.SopSuggestion
	suggestErr  error
}

func (p *scriptedProvider) CompareGaps(_ context.Context, _, other *core.Gap) (int, error) {
	if p.compareErr != nil {
		return 0, p.compareErr
	}
	return p.scores[other.ID], nil
}

func (p *scriptedProvider) SuggestSops(_ context.Context, _ *core.Gap, _ []core.Sop) ([]core.SopSuggestion, error) {
	if p.suggestErr != nil {
		return nil, p.suggestErr
	}
	return p.suggestions, nil
}

type nopBus struct {
	mu     sync.Mutex
	events []string
}

func (b *nopBus) Emit(eventType string, _, _ int64, _ map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, eventType)
}

func seedGap(f *fakeStore, id int64, title string, status core.GapStatus) *core.Gap {
	g := &core.Gap{
		ID: id, GapID: "GAP-0001", Title: title, Description: title,
		Status: status, UpdatedAt: time.Now().UTC(),
	}
	f.gaps[id] = g
	return g
}

func TestProcessWritesEdgesAboveThreshold(t *testing.T) {
	fs := newFakeStore()
	seedGap(fs, 1, "Refund email missing", core.StatusPendingAI)
	seedGap(fs, 2, "Refund confirmation not sent", core.StatusNeedsReview)
	seedGap(fs, 3, "Printer out of toner", core.StatusNeedsReview)
	seedGap(fs, 4, "Closed refund issue", core.StatusClosed)

	provider := &scriptedProvider{scores: map[int64]int{2: 85, 3: 10}}
	q := NewQueue(fs, provider, &nopBus{}, Options{Threshold: 60, TopK: 5})

	q.Enqueue(1)
	require.NoError(t, q.process(context.Background(), job{gapID: 1, gen: q.current(1)}))

	edges := fs.edges[1]
	require.Len(t, edges, 1)
	assert.Equal(t, int64(2), edges[0].OtherGapID)
	assert.Equal(t, 85, edges[0].Score)

	g := fs.gaps[1]
	assert.True(t, g.AIProcessed)
	assert.Equal(t, core.StatusNeedsReview, g.Status)
}

func TestProcessSwallowsComparisonFailures(t *testing.T) {
	fs := newFakeStore()
	seedGap(fs, 1, "Refund email missing", core.StatusPendingAI)
	seedGap(fs, 2, "Refund confirmation not sent", core.StatusNeedsReview)

	provider := &scriptedProvider{compareErr: errors.New("rate limited")}
	q := NewQueue(fs, provider, &nopBus{}, Options{Threshold: 60})

	q.Enqueue(1)
	require.NoError(t, q.process(context.Background(), job{gapID: 1, gen: q.current(1)}))

	assert.Empty(t, fs.edges[1])
	assert.True(t, fs.gaps[1].AIProcessed)
	assert.Equal(t, core.StatusNeedsReview, fs.gaps[1].Status)
}

func TestProcessWithoutProviderStillAdvances(t *testing.T) {
	fs := newFakeStore()
	seedGap(fs, 1, "Refund email missing", core.StatusPendingAI)

	bus := &nopBus{}
	q := NewQueue(fs, nil, bus, Options{})
	q.Enqueue(1)
	require.NoError(t, q.process(context.Background(), job{gapID: 1, gen: q.current(1)}))

	assert.True(t, fs.gaps[1].AIProcessed)
	assert.Equal(t, core.StatusNeedsReview, fs.gaps[1].Status)
	assert.Contains(t, bus.events, core.EventGapUpdated)
}

func TestProcessDoesNotDemoteAdvancedGap(t *testing.T) {
	fs := newFakeStore()
	seedGap(fs, 1, "Refund email missing", core.StatusAssigned)

	q := NewQueue(fs, &scriptedProvider{}, &nopBus{}, Options{Threshold: 60})
	q.Enqueue(1)
	require.NoError(t, q.process(context.Background(), job{gapID: 1, gen: q.current(1)}))

	assert.Equal(t, core.StatusAssigned, fs.gaps[1].Status)
	assert.True(t, fs.gaps[1].AIProcessed)
}

func TestStaleJobSkipped(t *testing.T) {
	fs := newFakeStore()
	seedGap(fs, 1, "Refund email missing", core.StatusPendingAI)

	q := NewQueue(fs, &scriptedProvider{}, &nopBus{}, Options{})
	q.Enqueue(1)
	old := q.current(1)
	q.Enqueue(1) // supersedes

	require.NoError(t, q.process(context.Background(), job{gapID: 1, gen: old}))
	assert.False(t, fs.gaps[1].AIProcessed)
	assert.Empty(t, fs.applied)
}

func TestContentEditDiscardsResults(t *testing.T) {
	fs := newFakeStore()
	g := seedGap(fs, 1, "Refund email missing", core.StatusPendingAI)

	// The row moves on between the job's read and its write-back.
	read, err := fs.GetGap(context.Background(), 1)
	require.NoError(t, err)
	g.UpdatedAt = read.UpdatedAt.Add(time.Second)

	applied, err := fs.ApplyEnrichment(context.Background(), 1, read.UpdatedAt, nil)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, fs.staleWrites)
	assert.False(t, fs.gaps[1].AIProcessed)
}

func TestTopKTruncation(t *testing.T) {
	fs := newFakeStore()
	seedGap(fs, 1, "Refund email missing", core.StatusPendingAI)
	fs.sops = []core.Sop{{SopID: "SOP-001", Title: "Refund flow"}}

	provider := &scriptedProvider{suggestions: []core.SopSuggestion{
		{SopID: "SOP-001", Score: 90},
		{SopID: "SOP-002", Score: 80},
		{SopID: "SOP-003", Score: 70},
	}}
	q := NewQueue(fs, provider, &nopBus{}, Options{Threshold: 60, TopK: 2})
	q.Enqueue(1)
	require.NoError(t, q.process(context.Background(), job{gapID: 1, gen: q.current(1)}))

	require.Len(t, fs.applied[1], 2)
	assert.Equal(t, "SOP-001", fs.applied[1][0].SopID)
}

type fakeObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *fakeObserver) ObserveEnrichmentJob(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *fakeObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.outcomes...)
}

func TestJobOutcomesCounted(t *testing.T) {
	fs := newFakeStore()
	seedGap(fs, 1, "Refund email missing", core.StatusPendingAI)

	obs := &fakeObserver{}
	q := NewQueue(fs, nil, &nopBus{}, Options{})
	q.SetObserver(obs)

	q.Enqueue(1)
	q.run(job{gapID: 1, gen: q.current(1)})

	q.Enqueue(1)
	stale := q.current(1)
	q.Enqueue(1) // supersedes the job above
	q.run(job{gapID: 1, gen: stale})

	q.Enqueue(2) // no such gap
	q.run(job{gapID: 2, gen: q.current(2)})

	assert.Equal(t, []string{"applied", "superseded", "failed"}, obs.snapshot())
}

func TestEnqueueNeverBlocks(t *testing.T) {
	fs := newFakeStore()
	q := NewQueue(fs, nil, &nopBus{}, Options{QueueSize: 1})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			q.Enqueue(int64(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
}

func TestWorkerDrainsOnClose(t *testing.T) {
	fs := newFakeStore()
	seedGap(fs, 1, "Refund email missing", core.StatusPendingAI)

	q := NewQueue(fs, nil, &nopBus{}, Options{Workers: 1})
	q.Start()
	q.Enqueue(1)
	q.Close()

	assert.True(t, fs.gaps[1].AIProcessed)
}
