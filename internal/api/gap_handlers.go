package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/protfolio666/GapOpsHub-sub000/internal/audit"
	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
	"github.com/protfolio666/GapOpsHub-sub000/internal/gaps"
)

func pathID(r *http.Request, key string) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)[key], 10, 64)
	return id
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, core.Wrap(core.KindInvalid, "timestamps must be RFC 3339", err)
	}
	return &t, nil
}

type createGapRequest struct {
	Title          string           `json:"title" validate:"required"`
	Description    string           `json:"description" validate:"required"`
	Priority       string           `json:"priority"`
	Severity       *string          `json:"severity"`
	Department     *string          `json:"department"`
	FormTemplateID *int64           `json:"formTemplateId"`
	FormResponses  core.JSONMap     `json:"formResponses"`
	TatDeadline    string           `json:"tatDeadline"`
	Attachments    core.Attachments `json:"attachments"`
}

// handleCreateGap creates a gap and returns it immediately; the AI
// fields populate asynchronously.
func (s *Server) handleCreateGap(w http.ResponseWriter, r *http.Request) {
	var req createGapRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	deadline, err := parseTime(req.TatDeadline)
	if err != nil {
		writeError(w, err)
		return
	}
	g, err := s.gaps.Create(r.Context(), mustUser(r), gaps.CreateInput{
		Title:          req.Title,
		Description:    req.Description,
		Priority:       core.Priority(req.Priority),
		Severity:       req.Severity,
		Department:     req.Department,
		FormTemplateID: req.FormTemplateID,
		FormResponses:  req.FormResponses,
		TatDeadline:    deadline,
		Attachments:    req.Attachments,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// handleListGaps returns the caller's visible gaps, optionally filtered
// by ?status= and ?priority=.
func (s *Server) handleListGaps(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.gaps.List(r.Context(), mustUser(r),
		core.GapStatus(q.Get("status")), core.Priority(q.Get("priority")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// gapDetail is the enriched single-gap response.
type gapDetail struct {
	*core.Gap
	Reporter *core.User    `json:"reporter,omitempty"`
	Assignee *core.User    `json:"assignee,omitempty"`
	Pocs     []core.GapPoc `json:"pocs"`
}

// handleGetGap returns gap + reporter + assignee + roster.
func (s *Server) handleGetGap(w http.ResponseWriter, r *http.Request) {
	actor := mustUser(r)
	g, err := s.gaps.Get(r.Context(), actor, pathID(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	detail := gapDetail{Gap: g}
	if reporter, err := s.db.GetUser(r.Context(), g.ReporterID); err == nil {
		detail.Reporter = reporter
	}
	if g.AssignedToID != nil {
		if assignee, err := s.db.GetUser(r.Context(), *g.AssignedToID); err == nil {
			detail.Assignee = assignee
		}
	}
	pocs, err := s.gaps.ListPocs(r.Context(), actor, g.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	detail.Pocs = pocs
	writeJSON(w, http.StatusOK, detail)
}

type updateGapRequest struct {
	Title         *string          `json:"title"`
	Description   *string          `json:"description"`
	Status        *string          `json:"status"`
	Priority      *string          `json:"priority"`
	Severity      *string          `json:"severity"`
	Department    *string          `json:"department"`
	FormResponses core.JSONMap     `json:"formResponses"`
	Attachments   core.Attachments `json:"attachments"`
	TatDeadline   *string          `json:"tatDeadline"`
}

func (s *Server) handleUpdateGap(w http.ResponseWriter, r *http.Request) {
	var req updateGapRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	patch := gaps.UpdatePatch{
		Title:         req.Title,
		Description:   req.Description,
		Severity:      req.Severity,
		Department:    req.Department,
		FormResponses: req.FormResponses,
		Attachments:   req.Attachments,
	}
	if req.Status != nil {
		st := core.GapStatus(*req.Status)
		patch.Status = &st
	}
	if req.Priority != nil {
		p := core.Priority(*req.Priority)
		patch.Priority = &p
	}
	if req.TatDeadline != nil {
		deadline, err := parseTime(*req.TatDeadline)
		if err != nil {
			writeError(w, err)
			return
		}
		patch.TatDeadline = deadline
	}
	g, err := s.gaps.Update(r.Context(), mustUser(r), pathID(r, "id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type assignGapRequest struct {
	AssigneeID int64   `json:"assigneeId" validate:"required"`
	Deadline   string  `json:"deadline"`
	Note       *string `json:"note"`
	Priority   *string `json:"priority"`
}

func (s *Server) handleAssignGap(w http.ResponseWriter, r *http.Request) {
	var req assignGapRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	deadline, err := parseTime(req.Deadline)
	if err != nil {
		writeError(w, err)
		return
	}
	in := gaps.AssignInput{AssigneeID: req.AssigneeID, Deadline: deadline, Note: req.Note}
	if req.Priority != nil {
		p := core.Priority(*req.Priority)
		in.Priority = &p
	}
	g, err := s.gaps.Assign(r.Context(), mustUser(r), pathID(r, "id"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type resolveGapRequest struct {
	Summary     string           `json:"summary" validate:"required"`
	Attachments core.Attachments `json:"attachments"`
}

func (s *Server) handleResolveGap(w http.ResponseWriter, r *http.Request) {
	var req resolveGapRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	g, err := s.gaps.Resolve(r.Context(), mustUser(r), pathID(r, "id"), gaps.ResolveInput{
		Summary:     req.Summary,
		Attachments: req.Attachments,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleReopenGap(w http.ResponseWriter, r *http.Request) {
	g, err := s.gaps.Reopen(r.Context(), mustUser(r), pathID(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type markDuplicateRequest struct {
	OriginalID int64 `json:"originalId" validate:"required"`
}

func (s *Server) handleMarkDuplicate(w http.ResponseWriter, r *http.Request) {
	var req markDuplicateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	g, err := s.gaps.MarkDuplicate(r.Context(), mustUser(r), pathID(r, "id"), req.OriginalID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	entries, err := s.gaps.Timeline(r.Context(), mustUser(r), pathID(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleSimilar returns the gap's similarity neighbors, score
// descending.
func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	actor := mustUser(r)
	id := pathID(r, "id")
	if _, err := s.gaps.Get(r.Context(), actor, id); err != nil {
		writeError(w, err)
		return
	}
	edges, err := s.db.ListSimilarGaps(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, edges)
}

func (s *Server) handleResolutionHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.gaps.ListResolutionHistory(r.Context(), mustUser(r), pathID(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	actor := mustUser(r)
	id := pathID(r, "id")
	if _, err := s.gaps.Get(r.Context(), actor, id); err != nil {
		writeError(w, err)
		return
	}
	rows, err := s.db.ListAssignments(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// ============================================================================
// COMMENTS
// ============================================================================

type createCommentRequest struct {
	Body        string           `json:"body"`
	Attachments core.Attachments `json:"attachments"`
}

func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	var req createCommentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	actor := mustUser(r)
	c, err := s.gaps.AddComment(r.Context(), actor, pathID(r, "id"), req.Body, req.Attachments)
	if err != nil {
		writeError(w, err)
		return
	}
	s.recorder.Record(r.Context(), audit.FromRequest(r, &actor.ID, audit.ActionCreateComment, "comment",
		strconv.FormatInt(c.ID, 10), core.JSONMap{"gapId": c.GapID}))
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	comments, err := s.gaps.ListComments(r.Context(), mustUser(r), pathID(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, comments)
}

func (s *Server) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	actor := mustUser(r)
	commentID := pathID(r, "commentId")
	err := s.gaps.DeleteComment(r.Context(), actor, pathID(r, "id"), commentID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.recorder.Record(r.Context(), audit.FromRequest(r, &actor.ID, audit.ActionDeleteComment, "comment",
		strconv.FormatInt(commentID, 10), nil))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ============================================================================
// POC ROSTER
// ============================================================================

type addPocRequest struct {
	UserID    int64 `json:"userId" validate:"required"`
	IsPrimary bool  `json:"isPrimary"`
}

func (s *Server) handleAddPoc(w http.ResponseWriter, r *http.Request) {
	var req addPocRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	actor := mustUser(r)
	gapID := pathID(r, "id")
	poc, err := s.gaps.AddPoc(r.Context(), actor, gapID, req.UserID, req.IsPrimary)
	if err != nil {
		writeError(w, err)
		return
	}
	s.recorder.Record(r.Context(), audit.FromRequest(r, &actor.ID, audit.ActionAddPoc, "gap",
		strconv.FormatInt(gapID, 10), core.JSONMap{"userId": req.UserID, "isPrimary": req.IsPrimary}))
	writeJSON(w, http.StatusCreated, poc)
}

func (s *Server) handleListPocs(w http.ResponseWriter, r *http.Request) {
	pocs, err := s.gaps.ListPocs(r.Context(), mustUser(r), pathID(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pocs)
}

func (s *Server) handleRemovePoc(w http.ResponseWriter, r *http.Request) {
	actor := mustUser(r)
	gapID := pathID(r, "id")
	userID := pathID(r, "userId")
	if err := s.gaps.RemovePoc(r.Context(), actor, gapID, userID); err != nil {
		writeError(w, err)
		return
	}
	s.recorder.Record(r.Context(), audit.FromRequest(r, &actor.ID, audit.ActionRemovePoc, "gap",
		strconv.FormatInt(gapID, 10), core.JSONMap{"userId": userID}))
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// ============================================================================
// TAT EXTENSIONS
// ============================================================================

type requestExtensionRequest struct {
	Reason           string `json:"reason" validate:"required"`
	ProposedDeadline string `json:"proposedDeadline" validate:"required"`
}

func (s *Server) handleRequestExtension(w http.ResponseWriter, r *http.Request) {
	var req requestExtensionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	proposed, err := parseTime(req.ProposedDeadline)
	if err != nil {
		writeError(w, err)
		return
	}
	ext, err := s.gaps.RequestExtension(r.Context(), mustUser(r), pathID(r, "id"), req.Reason, *proposed)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ext)
}

func (s *Server) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	rows, err := s.gaps.ListExtensions(r.Context(), mustUser(r), pathID(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type reviewExtensionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approved rejected"`
}

func (s *Server) handleReviewExtension(w http.ResponseWriter, r *http.Request) {
	var req reviewExtensionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	actor := mustUser(r)
	ext, err := s.gaps.ReviewExtension(r.Context(), actor, pathID(r, "id"), req.Decision == "approved")
	if err != nil {
		writeError(w, err)
		return
	}
	s.recorder.Record(r.Context(), audit.FromRequest(r, &actor.ID, audit.ActionReviewExtension, "tat_extension",
		strconv.FormatInt(ext.ID, 10), core.JSONMap{"gapId": ext.GapID, "decision": req.Decision}))
	writeJSON(w, http.StatusOK, ext)
}
