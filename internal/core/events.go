package core

import "time"

// Domain event types emitted by GapCore after commit and consumed by the
// notifier, the realtime hub, and the metrics collector.
const (
	EventGapCreated         = "gap.created"
	EventGapUpdated         = "gap.updated"
	EventGapAssigned        = "gap.assigned"
	EventGapResolved        = "gap.resolved"
	EventGapReopened        = "gap.reopened"
	EventGapClosedDuplicate = "gap.closed.duplicate"
	EventExtensionRequested = "tat.extension.requested"
	EventTatBreachWarning   = "tat.breach.approaching"
	EventCommentCreated     = "comment.created"
)

// Event is the envelope published on the in-process bus. Data carries
// event-specific payload; GapID is set for all gap-scoped events.
type Event struct {
	Type    string                 `json:"type"`
	GapID   int64                  `json:"gapId,omitempty"`
	ActorID int64                  `json:"actorId,omitempty"`
	Time    time.Time              `json:"time"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
