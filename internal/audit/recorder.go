// Package audit records authenticated mutations to the append-only
// audit log. Recording is best-effort: a failed append is logged and
// counted but never aborts the originating operation.
package audit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// Canonical audit action verbs.
const (
	ActionCreateGap          = "CREATE_GAP"
	ActionUpdateGap          = "UPDATE_GAP"
	ActionAssignGap          = "ASSIGN_GAP"
	ActionUpdateGapStatus    = "UPDATE_GAP_STATUS"
	ActionGapReopened        = "gap_reopened"
	ActionGapMarkedDuplicate = "gap_marked_duplicate"
	ActionCreateExtension    = "CREATE_TAT_EXTENSION"
	ActionReviewExtension    = "REVIEW_TAT_EXTENSION"
	ActionCreateComment      = "CREATE_COMMENT"
	ActionDeleteComment      = "DELETE_COMMENT"
	ActionCreateSop          = "CREATE_SOP"
	ActionUpdateSop          = "UPDATE_SOP"
	ActionCreateTemplate     = "CREATE_FORM_TEMPLATE"
	ActionUpdateTemplate     = "UPDATE_FORM_TEMPLATE"
	ActionAddPoc             = "ADD_GAP_POC"
	ActionRemovePoc          = "REMOVE_GAP_POC"
	ActionRegisterUser       = "REGISTER_USER"
	ActionCreateUser         = "CREATE_USER"
	ActionUpdateUser         = "UPDATE_USER"
	ActionLogin              = "LOGIN"
)

// Appender persists one audit row; *store.DB satisfies it.
type Appender interface {
	AppendAuditLog(ctx context.Context, e *core.AuditLog) error
}

// Recorder writes audit entries with sensitive fields redacted.
type Recorder struct {
	store  Appender
	logger *slog.Logger
}

// NewRecorder builds an audit recorder over the store.
func NewRecorder(store Appender) *Recorder {
	return &Recorder{store: store, logger: slog.Default().With("component", "audit")}
}

// Entry is the caller-facing shape of one audit record.
type Entry struct {
	ActorID    *int64
	Action     string
	EntityType string
	EntityID   string
	Changes    core.JSONMap
	SourceIP   string
	UserAgent  string
}

// Record appends the entry, redacting sensitive change fields first.
// Failure is swallowed after logging.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	row := &core.AuditLog{
		ActorID:    e.ActorID,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Changes:    Redact(e.Changes),
		SourceIP:   e.SourceIP,
		UserAgent:  e.UserAgent,
	}
	if err := r.store.AppendAuditLog(ctx, row); err != nil {
		r.logger.Error("audit append failed", "action", e.Action, "entity", e.EntityID, "error", err)
	}
}

// FromRequest fills source metadata from the HTTP request.
func FromRequest(r *http.Request, actorID *int64, action, entityType, entityID string, changes core.JSONMap) Entry {
	return Entry{
		ActorID:    actorID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Changes:    changes,
		SourceIP:   ClientIP(r),
		UserAgent:  r.UserAgent(),
	}
}

// ClientIP extracts the originating address, honoring X-Forwarded-For.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// redactedFields are never persisted in change diffs.
var redactedFields = map[string]bool{
	"password":      true,
	"password_hash": true,
	"passwordHash":  true,
	"token":         true,
	"secret":        true,
	"apiKey":        true,
	"api_key":       true,
}

// Redact returns a copy of the change map with sensitive fields masked.
// Nested objects are redacted recursively.
func Redact(changes core.JSONMap) core.JSONMap {
	if changes == nil {
		return nil
	}
	out := make(core.JSONMap, len(changes))
	for k, v := range changes {
		if redactedFields[k] {
			out[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = map[string]interface{}(Redact(core.JSONMap(nested)))
			continue
		}
		out[k] = v
	}
	return out
}
