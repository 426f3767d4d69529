package gaps

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// TimelineEntry is one synthesized lifecycle event.
type TimelineEntry struct {
	Type    string                 `json:"type"`
	At      time.Time              `json:"at"`
	ActorID *int64                 `json:"actorId,omitempty"`
	Detail  map[string]interface{} `json:"detail,omitempty"`
}

// Tie-break order for entries sharing a timestamp.
var timelineOrder = map[string]int{
	"created":     0,
	"assigned":    1,
	"in_progress": 2,
	"resolved":    3,
	"reopened":    4,
	"closed":      5,
	"audit":       6,
}

// timelineDedupWindow collapses near-duplicate entries of the same
// type; audit rows and gap columns often record the same transition a
// moment apart.
const timelineDedupWindow = 2 * time.Second

// Timeline synthesizes a merged, chronologically sorted event list from
// the gap's transition columns, its resolution history, and the audit
// log for its entity.
func (s *Service) Timeline(ctx context.Context, actor *core.User, gapID int64) ([]TimelineEntry, error) {
	g, err := s.Get(ctx, actor, gapID)
	if err != nil {
		return nil, err
	}

	var entries []TimelineEntry
	add := func(typ string, at *time.Time, actorID *int64, detail map[string]interface{}) {
		if at == nil {
			return
		}
		entries = append(entries, TimelineEntry{Type: typ, At: *at, ActorID: actorID, Detail: detail})
	}

	created := g.CreatedAt
	add("created", &created, &g.ReporterID, map[string]interface{}{"gapId": g.GapID})
	add("assigned", g.AssignedAt, g.AssignedByID, assigneeDetail(g))
	add("in_progress", g.InProgressAt, g.AssignedToID, nil)
	add("resolved", g.ResolvedAt, g.ResolvedByID, summaryDetail(g.ResolutionSummary))
	add("reopened", g.ReopenedAt, g.ReopenedByID, nil)
	add("closed", g.ClosedAt, g.ClosedByID, duplicateDetail(g))

	// Archived cycles contribute their own resolve/reopen pairs.
	hist, err := s.store.ListResolutionHistory(ctx, gapID)
	if err != nil {
		return nil, err
	}
	for i := range hist {
		h := &hist[i]
		resolvedAt := h.ResolvedAt
		add("resolved", &resolvedAt, &h.ResolvedByID, summaryDetail(&h.Summary))
		add("reopened", h.ReopenedAt, h.ReopenedByID, nil)
	}

	logs, err := s.store.ListAuditLogsForEntity(ctx, "gap", strconv.FormatInt(gapID, 10))
	if err != nil {
		return nil, err
	}
	for i := range logs {
		l := &logs[i]
		at := l.CreatedAt
		add("audit", &at, l.ActorID, map[string]interface{}{"action": l.Action})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].At.Equal(entries[j].At) {
			return entries[i].At.Before(entries[j].At)
		}
		return timelineOrder[entries[i].Type] < timelineOrder[entries[j].Type]
	})
	return dedupe(entries), nil
}

// dedupe drops entries whose type matches an already-kept entry within
// the collapse window. Input must be sorted ascending.
func dedupe(entries []TimelineEntry) []TimelineEntry {
	out := make([]TimelineEntry, 0, len(entries))
	lastAt := make(map[string]time.Time)
	for _, e := range entries {
		if prev, ok := lastAt[e.Type]; ok && e.At.Sub(prev) <= timelineDedupWindow {
			continue
		}
		lastAt[e.Type] = e.At
		out = append(out, e)
	}
	return out
}

func assigneeDetail(g *core.Gap) map[string]interface{} {
	if g.AssignedToID == nil {
		return nil
	}
	return map[string]interface{}{"assigneeId": *g.AssignedToID}
}

func summaryDetail(summary *string) map[string]interface{} {
	if summary == nil {
		return nil
	}
	return map[string]interface{}{"summary": *summary}
}

func duplicateDetail(g *core.Gap) map[string]interface{} {
	if g.DuplicateOfID == nil {
		return nil
	}
	return map[string]interface{}{"duplicateOfId": *g.DuplicateOfID}
}
