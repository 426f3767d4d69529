package api

import (
	"net/http"
	"strconv"

	"github.com/protfolio666/GapOpsHub-sub000/internal/audit"
	"github.com/protfolio666/GapOpsHub-sub000/internal/auth"
	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
	"github.com/protfolio666/GapOpsHub-sub000/internal/store"
)

type createSopRequest struct {
	Title       string  `json:"title" validate:"required"`
	Description *string `json:"description"`
	Body        string  `json:"body" validate:"required"`
	Category    *string `json:"category"`
	Department  *string `json:"department"`
	ParentSopID *int64  `json:"parentSopId"`
	Version     string  `json:"version"`
}

// handleCreateSop creates an SOP document. The hierarchical sop_id is
// minted server-side. Admin and Management only.
func (s *Server) handleCreateSop(w http.ResponseWriter, r *http.Request) {
	actor := mustUser(r)
	if err := auth.RequireRole(actor, core.RoleAdmin, core.RoleManagement); err != nil {
		writeError(w, err)
		return
	}
	var req createSopRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Version == "" {
		req.Version = "1.0"
	}
	sop := &core.Sop{
		Title:       req.Title,
		Description: req.Description,
		Body:        req.Body,
		Category:    req.Category,
		Department:  req.Department,
		ParentSopID: req.ParentSopID,
		Version:     req.Version,
		IsActive:    true,
	}
	if err := s.db.CreateSop(r.Context(), sop); err != nil {
		writeError(w, err)
		return
	}
	s.recorder.Record(r.Context(), audit.FromRequest(r, &actor.ID, audit.ActionCreateSop, "sop",
		strconv.FormatInt(sop.ID, 10), core.JSONMap{"sopId": sop.SopID, "title": sop.Title}))
	writeJSON(w, http.StatusCreated, sop)
}

// handleListSops returns SOPs filtered by ?category=, ?department= and
// ?active=true.
func (s *Server) handleListSops(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sops, err := s.db.ListSops(r.Context(), store.SopFilter{
		Category:   q.Get("category"),
		Department: q.Get("department"),
		ActiveOnly: q.Get("active") == "true",
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sops)
}

func (s *Server) handleGetSop(w http.ResponseWriter, r *http.Request) {
	sop, err := s.db.GetSop(r.Context(), pathID(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sop)
}

type updateSopRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Body        *string `json:"body"`
	Category    *string `json:"category"`
	Department  *string `json:"department"`
	ParentSopID *int64  `json:"parentSopId"`
	Version     *string `json:"version"`
	IsActive    *bool   `json:"isActive"`
}

// handleUpdateSop edits an SOP. Moving it under a different parent
// re-mints its hierarchical id. Admin and Management only.
func (s *Server) handleUpdateSop(w http.ResponseWriter, r *http.Request) {
	actor := mustUser(r)
	if err := auth.RequireRole(actor, core.RoleAdmin, core.RoleManagement); err != nil {
		writeError(w, err)
		return
	}
	sop, err := s.db.GetSop(r.Context(), pathID(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req updateSopRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Title != nil {
		sop.Title = *req.Title
	}
	if req.Description != nil {
		sop.Description = req.Description
	}
	if req.Body != nil {
		sop.Body = *req.Body
	}
	if req.Category != nil {
		sop.Category = req.Category
	}
	if req.Department != nil {
		sop.Department = req.Department
	}
	if req.Version != nil {
		sop.Version = *req.Version
	}
	if req.IsActive != nil {
		sop.IsActive = *req.IsActive
	}
	parentChanged := false
	if req.ParentSopID != nil {
		if *req.ParentSopID == sop.ID {
			writeError(w, core.E(core.KindInvalid, "sop cannot be its own parent"))
			return
		}
		if sop.ParentSopID == nil || *sop.ParentSopID != *req.ParentSopID {
			parentChanged = true
			sop.ParentSopID = req.ParentSopID
		}
	}
	if err := s.db.UpdateSop(r.Context(), sop, parentChanged); err != nil {
		writeError(w, err)
		return
	}
	s.recorder.Record(r.Context(), audit.FromRequest(r, &actor.ID, audit.ActionUpdateSop, "sop",
		strconv.FormatInt(sop.ID, 10), core.JSONMap{"sopId": sop.SopID}))
	writeJSON(w, http.StatusOK, sop)
}

// ============================================================================
// FORM TEMPLATES
// ============================================================================

type createTemplateRequest struct {
	Name    string       `json:"name" validate:"required"`
	Version string       `json:"version"`
	Schema  core.JSONMap `json:"schema" validate:"required"`
}

// handleCreateTemplate registers a gap intake form. Admin and
// Management only.
func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	actor := mustUser(r)
	if err := auth.RequireRole(actor, core.RoleAdmin, core.RoleManagement); err != nil {
		writeError(w, err)
		return
	}
	var req createTemplateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Version == "" {
		req.Version = "1.0"
	}
	t := &core.FormTemplate{Name: req.Name, Version: req.Version, Schema: req.Schema}
	if err := s.db.CreateFormTemplate(r.Context(), t); err != nil {
		writeError(w, err)
		return
	}
	s.recorder.Record(r.Context(), audit.FromRequest(r, &actor.ID, audit.ActionCreateTemplate, "form_template",
		strconv.FormatInt(t.ID, 10), core.JSONMap{"name": t.Name}))
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.db.ListFormTemplates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, templates)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.db.GetFormTemplate(r.Context(), pathID(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type updateTemplateRequest struct {
	Name    *string      `json:"name"`
	Version *string      `json:"version"`
	Schema  core.JSONMap `json:"schema"`
}

// handleUpdateTemplate edits a form template. Gaps keep the version
// string they snapshotted at creation. Admin and Management only.
func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	actor := mustUser(r)
	if err := auth.RequireRole(actor, core.RoleAdmin, core.RoleManagement); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.db.GetFormTemplate(r.Context(), pathID(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req updateTemplateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name != nil {
		t.Name = *req.Name
	}
	if req.Version != nil {
		t.Version = *req.Version
	}
	if req.Schema != nil {
		t.Schema = req.Schema
	}
	if err := s.db.UpdateFormTemplate(r.Context(), t); err != nil {
		writeError(w, err)
		return
	}
	s.recorder.Record(r.Context(), audit.FromRequest(r, &actor.ID, audit.ActionUpdateTemplate, "form_template",
		strconv.FormatInt(t.ID, 10), core.JSONMap{"version": t.Version}))
	writeJSON(w, http.StatusOK, t)
}
