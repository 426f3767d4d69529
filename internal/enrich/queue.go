package enrich

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
	"github.com/protfolio666/GapOpsHub-sub000/internal/store"
)

// Store is the persistence surface the pipeline needs; *store.DB
// satisfies it.
type Store interface {
	GetGap(ctx context.Context, id int64) (*core.Gap, error)
	ListLiveGaps(ctx context.Context, excludeID int64) ([]core.Gap, error)
	ListActiveSops(ctx context.Context) ([]core.Sop, error)
	ReplaceSimilarEdges(ctx context.Context, gapID int64, edges []store.SimilarEdge) error
	ApplyEnrichment(ctx context.Context, gapID int64, seenUpdatedAt time.Time, suggestions core.SopSuggestions) (bool, error)
}

// Emitter publishes domain events after write-back.
type Emitter interface {
	Emit(eventType string, gapID, actorID int64, data map[string]interface{})
}

// JobObserver counts finished jobs by outcome; *metrics.Metrics
// satisfies it.
type JobObserver interface {
	ObserveEnrichmentJob(outcome string)
}

// Job outcomes reported to the observer.
const (
	outcomeApplied    = "applied"
	outcomeSuperseded = "superseded"
	outcomeFailed     = "failed"
)

// Options tune the pipeline.
type Options struct {
	Threshold   int // minimum similarity score that produces an edge
	TopK        int // maximum SOP suggestions kept
	Concurrency int // pairwise comparison fan-out bound
	Workers     int // parallel jobs
	QueueSize   int
}

// Queue runs enrichment jobs outside the requests that produce them.
// Re-enqueueing a gap bumps its generation; a job that discovers it is
// no longer the newest for its gap abandons itself, and the updated_at
// guard at write-back catches the remaining race.
type Queue struct {
	store    Store
	provider Provider    // nil when no API key is configured
	bus      Emitter
	observer JobObserver // nil disables outcome counting
	opts     Options
	logger   *slog.Logger

	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup

	mu  sync.Mutex
	gen map[int64]uint64
}

type job struct {
	gapID int64
	gen   uint64
}

// NewQueue builds the pipeline. provider may be nil; gaps are then
// marked processed without suggestions so they stay routable.
func NewQueue(st Store, provider Provider, bus Emitter, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Queue{
		store:    st,
		provider: provider,
		bus:      bus,
		opts:     opts,
		logger:   slog.Default().With("component", "enrich"),
		jobs:     make(chan job, opts.QueueSize),
		quit:     make(chan struct{}),
		gen:      make(map[int64]uint64),
	}
}

// SetObserver attaches the job outcome counter. Call before Start.
func (q *Queue) SetObserver(o JobObserver) {
	q.observer = o
}

func (q *Queue) observe(outcome string) {
	if q.observer != nil {
		q.observer.ObserveEnrichmentJob(outcome)
	}
}

// Start launches the worker pool.
func (q *Queue) Start() {
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.logger.Info("enrichment pipeline started", "workers", q.opts.Workers)
}

// Close stops accepting jobs and waits for in-flight work to finish.
func (q *Queue) Close() {
	close(q.quit)
	q.wg.Wait()
}

// Enqueue schedules enrichment for the gap. The newest enqueue wins:
// older queued jobs for the same gap become stale and are skipped. A
// full queue drops the job rather than blocking the caller.
func (q *Queue) Enqueue(gapID int64) {
	q.mu.Lock()
	q.gen[gapID]++
	j := job{gapID: gapID, gen: q.gen[gapID]}
	q.mu.Unlock()

	select {
	case q.jobs <- j:
	default:
		q.logger.Warn("enrichment queue full, dropping job", "gap", gapID)
	}
}

func (q *Queue) current(gapID int64) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gen[gapID]
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.quit:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case j := <-q.jobs:
					q.run(j)
				default:
					return
				}
			}
		case j := <-q.jobs:
			q.run(j)
		}
	}
}

func (q *Queue) run(j job) {
	if q.current(j.gapID) != j.gen {
		q.observe(outcomeSuperseded)
		return // superseded by a newer enqueue
	}
	ctx := context.Background()
	if err := q.process(ctx, j); err != nil {
		q.observe(outcomeFailed)
		q.logger.Error("enrichment job failed", "gap", j.gapID, "error", err)
	}
}

// process performs one enrichment job. Individual comparison failures
// score 0 so a provider hiccup never drops the whole job; a wholesale
// failure still marks the gap processed so it remains routable.
func (q *Queue) process(ctx context.Context, j job) error {
	g, err := q.store.GetGap(ctx, j.gapID)
	if err != nil {
		return err
	}
	seen := g.UpdatedAt

	var (
		edges       []store.SimilarEdge
		suggestions core.SopSuggestions
	)
	if q.provider != nil {
		edges = q.compareAll(ctx, g)
		suggestions = q.rankSops(ctx, g)
	}

	if q.current(j.gapID) != j.gen {
		q.observe(outcomeSuperseded)
		return nil // a newer job owns this gap now
	}

	if len(edges) > 0 || q.provider != nil {
		if err := q.store.ReplaceSimilarEdges(ctx, g.ID, edges); err != nil {
			q.logger.Error("write similar edges failed", "gap", g.ID, "error", err)
		}
	}
	applied, err := q.store.ApplyEnrichment(ctx, g.ID, seen, suggestions)
	if err != nil {
		return err
	}
	if !applied {
		q.observe(outcomeSuperseded)
		q.logger.Info("enrichment superseded by content edit", "gap", g.ID)
		return nil
	}
	q.observe(outcomeApplied)
	q.bus.Emit(core.EventGapUpdated, g.ID, 0, map[string]interface{}{
		"aiProcessed": true, "similarCount": len(edges), "suggestionCount": len(suggestions),
	})
	q.logger.Info("gap enriched", "gap", g.ID, "edges", len(edges), "suggestions", len(suggestions))
	return nil
}

// compareAll scores the gap against every live gap with a bounded
// fan-out and keeps edges at or above the threshold.
func (q *Queue) compareAll(ctx context.Context, g *core.Gap) []store.SimilarEdge {
	others, err := q.store.ListLiveGaps(ctx, g.ID)
	if err != nil {
		q.logger.Error("list live gaps failed", "gap", g.ID, "error", err)
		return nil
	}
	if len(others) == 0 {
		return nil
	}

	scores := make([]int, len(others))
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(q.opts.Concurrency)
	for i := range others {
		grp.Go(func() error {
			score, err := q.provider.CompareGaps(grpCtx, g, &others[i])
			if err != nil {
				// Swallowed: one failed comparison scores 0.
				q.logger.Warn("comparison failed", "gap", g.ID, "other", others[i].ID, "error", err)
				return nil
			}
			scores[i] = score
			return nil
		})
	}
	_ = grp.Wait()

	var edges []store.SimilarEdge
	for i, score := range scores {
		if score >= q.opts.Threshold {
			edges = append(edges, store.SimilarEdge{OtherGapID: others[i].ID, Score: score})
		}
	}
	return edges
}

// rankSops asks the provider for ranked suggestions and keeps the top K.
func (q *Queue) rankSops(ctx context.Context, g *core.Gap) core.SopSuggestions {
	sops, err := q.store.ListActiveSops(ctx)
	if err != nil {
		q.logger.Error("list active sops failed", "gap", g.ID, "error", err)
		return nil
	}
	if len(sops) == 0 {
		return nil
	}
	suggestions, err := q.provider.SuggestSops(ctx, g, sops)
	if err != nil {
		q.logger.Warn("sop ranking failed", "gap", g.ID, "error", err)
		return nil
	}
	if q.opts.TopK > 0 && len(suggestions) > q.opts.TopK {
		suggestions = suggestions[:q.opts.TopK]
	}
	return suggestions
}
