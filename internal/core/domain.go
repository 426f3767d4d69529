// Package core holds the shared domain model for the gap intelligence
// backend: users, gaps, SOPs and their owned records, plus the typed
// error kinds every component returns.
package core

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Role is the access role assigned to a user.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleManagement Role = "management"
	RoleQAOps      Role = "qa_ops"
	RolePOC        Role = "poc"
)

// Valid reports whether r is one of the recognized roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManagement, RoleQAOps, RolePOC:
		return true
	}
	return false
}

// GapStatus is the lifecycle state of a gap.
type GapStatus string

const (
	StatusPendingAI   GapStatus = "pending_ai"
	StatusNeedsReview GapStatus = "needs_review"
	StatusAssigned    GapStatus = "assigned"
	StatusInProgress  GapStatus = "in_progress"
	StatusResolved    GapStatus = "resolved"
	StatusClosed      GapStatus = "closed"
	StatusReopened    GapStatus = "reopened"
)

// Priority of a gap.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// TAT extension review states.
type ExtensionStatus string

const (
	ExtensionPending  ExtensionStatus = "pending"
	ExtensionApproved ExtensionStatus = "approved"
	ExtensionRejected ExtensionStatus = "rejected"
)

// User is an identity subject. The credential verifier is a bcrypt hash
// and never leaves the auth package.
type User struct {
	ID           int64     `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	EmployeeID   *string   `db:"employee_id" json:"employeeId,omitempty"`
	Name         string    `db:"name" json:"name"`
	Role         Role      `db:"role" json:"role"`
	Department   *string   `db:"department" json:"department,omitempty"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// Attachment describes one stored upload. Path is the signed download
// URL handed back to clients; Filename is the randomized on-disk name.
type Attachment struct {
	OriginalName string `json:"originalName"`
	Filename     string `json:"filename"`
	Size         int64  `json:"size"`
	Mimetype     string `json:"mimetype"`
	Path         string `json:"path"`
}

// Attachments is a JSONB-backed list of attachment descriptors.
type Attachments []Attachment

func (a Attachments) Value() (driver.Value, error) {
	if a == nil {
		a = Attachments{}
	}
	return json.Marshal(a)
}

func (a *Attachments) Scan(src interface{}) error {
	return scanJSON(src, a)
}

// SopSuggestion is one ranked SOP produced by enrichment.
type SopSuggestion struct {
	SopID     string `json:"sopId"`
	Score     int    `json:"score"`
	Reasoning string `json:"reasoning,omitempty"`
}

// SopSuggestions is a JSONB-backed ranked list.
type SopSuggestions []SopSuggestion

func (s SopSuggestions) Value() (driver.Value, error) {
	if s == nil {
		s = SopSuggestions{}
	}
	return json.Marshal(s)
}

func (s *SopSuggestions) Scan(src interface{}) error {
	return scanJSON(src, s)
}

// JSONMap is an opaque JSON object (form schema, form responses, audit
// diffs). Stored as JSONB and decoded only where semantics are needed.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		m = JSONMap{}
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

func scanJSON(src, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into JSON value", src)
	}
}

// Gap is the central record: one reported process defect.
type Gap struct {
	ID          int64     `db:"id" json:"id"`
	GapID       string    `db:"gap_id" json:"gapId"` // GAP-NNNN, monotonic
	Title       string    `db:"title" json:"title"`
	Description string    `db:"description" json:"description"`
	Status      GapStatus `db:"status" json:"status"`
	Priority    Priority  `db:"priority" json:"priority"`
	Severity    *string   `db:"severity" json:"severity,omitempty"`
	Department  *string   `db:"department" json:"department,omitempty"`

	ReporterID   int64  `db:"reporter_id" json:"reporterId"`
	AssignedToID *int64 `db:"assigned_to_id" json:"assignedToId,omitempty"`

	FormTemplateID  *int64  `db:"form_template_id" json:"formTemplateId,omitempty"`
	TemplateVersion *string `db:"template_version" json:"templateVersion,omitempty"`
	FormResponses   JSONMap `db:"form_responses" json:"formResponses,omitempty"`

	TatDeadline *time.Time `db:"tat_deadline" json:"tatDeadline,omitempty"`

	AssignedAt   *time.Time `db:"assigned_at" json:"assignedAt,omitempty"`
	AssignedByID *int64     `db:"assigned_by_id" json:"assignedById,omitempty"`
	InProgressAt *time.Time `db:"in_progress_at" json:"inProgressAt,omitempty"`
	ResolvedAt   *time.Time `db:"resolved_at" json:"resolvedAt,omitempty"`
	ResolvedByID *int64     `db:"resolved_by_id" json:"resolvedById,omitempty"`
	ClosedAt     *time.Time `db:"closed_at" json:"closedAt,omitempty"`
	ClosedByID   *int64     `db:"closed_by_id" json:"closedById,omitempty"`
	ReopenedAt   *time.Time `db:"reopened_at" json:"reopenedAt,omitempty"`
	ReopenedByID *int64     `db:"reopened_by_id" json:"reopenedById,omitempty"`

	AIProcessed    bool           `db:"ai_processed" json:"aiProcessed"`
	SopSuggestions SopSuggestions `db:"sop_suggestions" json:"sopSuggestions,omitempty"`

	Attachments           Attachments `db:"attachments" json:"attachments,omitempty"`
	ResolutionSummary     *string     `db:"resolution_summary" json:"resolutionSummary,omitempty"`
	ResolutionAttachments Attachments `db:"resolution_attachments" json:"resolutionAttachments,omitempty"`

	DuplicateOfID *int64 `db:"duplicate_of_id" json:"duplicateOfId,omitempty"`

	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
	UpdatedByID *int64    `db:"updated_by_id" json:"updatedById,omitempty"`
}

// Terminal reports whether the gap can no longer transition.
func (g *Gap) Terminal() bool { return g.Status == StatusClosed }

// GapPoc is the many-to-many roster row between gaps and POC users.
type GapPoc struct {
	ID        int64     `db:"id" json:"id"`
	GapID     int64     `db:"gap_id" json:"gapId"`
	UserID    int64     `db:"user_id" json:"userId"`
	IsPrimary bool      `db:"is_primary" json:"isPrimary"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Comment is one thread entry on a gap. Immutable after creation except
// for administrative deletion.
type Comment struct {
	ID          int64       `db:"id" json:"id"`
	GapID       int64       `db:"gap_id" json:"gapId"`
	AuthorID    int64       `db:"author_id" json:"authorId"`
	Body        string      `db:"body" json:"body"`
	Attachments Attachments `db:"attachments" json:"attachments,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"createdAt"`
}

// ResolutionHistory is the append-only record of one completed
// resolution cycle. Written before the gap's live fields are cleared.
type ResolutionHistory struct {
	ID           int64       `db:"id" json:"id"`
	GapID        int64       `db:"gap_id" json:"gapId"`
	Summary      string      `db:"summary" json:"summary"`
	Attachments  Attachments `db:"attachments" json:"attachments,omitempty"`
	ResolvedByID int64       `db:"resolved_by_id" json:"resolvedById"`
	ResolvedAt   time.Time   `db:"resolved_at" json:"resolvedAt"`
	ReopenedByID *int64      `db:"reopened_by_id" json:"reopenedById,omitempty"`
	ReopenedAt   *time.Time  `db:"reopened_at" json:"reopenedAt,omitempty"`
}

// Assignment is the audit row of each (re)assignment.
type Assignment struct {
	ID         int64     `db:"id" json:"id"`
	GapID      int64     `db:"gap_id" json:"gapId"`
	AssigneeID int64     `db:"assignee_id" json:"assigneeId"`
	ActorID    int64     `db:"actor_id" json:"actorId"`
	Note       *string   `db:"note" json:"note,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// TatExtension is a request for a later deadline on a gap.
type TatExtension struct {
	ID               int64           `db:"id" json:"id"`
	GapID            int64           `db:"gap_id" json:"gapId"`
	RequesterID      int64           `db:"requester_id" json:"requesterId"`
	Reason           string          `db:"reason" json:"reason"`
	ProposedDeadline time.Time       `db:"proposed_deadline" json:"proposedDeadline"`
	Status           ExtensionStatus `db:"status" json:"status"`
	ReviewerID       *int64          `db:"reviewer_id" json:"reviewerId,omitempty"`
	ReviewedAt       *time.Time      `db:"reviewed_at" json:"reviewedAt,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"createdAt"`
}

// SimilarGap is a directed similarity edge. Edges are always written in
// pairs so neighbor lookup is a single index probe.
type SimilarGap struct {
	ID           int64     `db:"id" json:"id"`
	GapID        int64     `db:"gap_id" json:"gapId"`
	SimilarGapID int64     `db:"similar_gap_id" json:"similarGapId"`
	Score        int       `db:"score" json:"score"` // 0..100
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// Sop is a Standard Operating Procedure document. Root docs carry ids
// like SOP-001; children append "-#NN" per level.
type Sop struct {
	ID          int64     `db:"id" json:"id"`
	SopID       string    `db:"sop_id" json:"sopId"`
	Title       string    `db:"title" json:"title"`
	Description *string   `db:"description" json:"description,omitempty"`
	Body        string    `db:"body" json:"body"`
	Category    *string   `db:"category" json:"category,omitempty"`
	Department  *string   `db:"department" json:"department,omitempty"`
	ParentSopID *int64    `db:"parent_sop_id" json:"parentSopId,omitempty"`
	Version     string    `db:"version" json:"version"`
	IsActive    bool      `db:"is_active" json:"isActive"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// AuditLog is one append-only record of an authenticated mutation.
type AuditLog struct {
	ID         int64     `db:"id" json:"id"`
	ActorID    *int64    `db:"actor_id" json:"actorId,omitempty"`
	Action     string    `db:"action" json:"action"`
	EntityType string    `db:"entity_type" json:"entityType"`
	EntityID   string    `db:"entity_id" json:"entityId"`
	Changes    JSONMap   `db:"changes" json:"changes,omitempty"`
	SourceIP   string    `db:"source_ip" json:"sourceIp"`
	UserAgent  string    `db:"user_agent" json:"userAgent"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// FormTemplate is a named JSON schema blob. Gaps capture the version at
// creation time so historical form structure survives template edits.
type FormTemplate struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Version   string    `db:"version" json:"version"`
	Schema    JSONMap   `db:"schema" json:"schema"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}
