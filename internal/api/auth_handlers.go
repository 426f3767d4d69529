package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/protfolio666/GapOpsHub-sub000/internal/audit"
	"github.com/protfolio666/GapOpsHub-sub000/internal/auth"
	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

type registerRequest struct {
	Email      string  `json:"email" validate:"required,email"`
	Name       string  `json:"name" validate:"required"`
	Password   string  `json:"password" validate:"required,min=8"`
	EmployeeID *string `json:"employeeId"`
	Department *string `json:"department"`
}

// handleRegister creates a user account. Self-registration always lands
// in the QA/Ops role; elevated roles are granted by an admin afterward.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	u := &core.User{
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		Name:         req.Name,
		Role:         core.RoleQAOps,
		EmployeeID:   req.EmployeeID,
		Department:   req.Department,
		PasswordHash: hash,
	}
	if err := s.db.CreateUser(r.Context(), u); err != nil {
		writeError(w, err)
		return
	}
	if err := s.sessions.Issue(r.Context(), w, u.ID); err != nil {
		writeError(w, err)
		return
	}
	s.recorder.Record(r.Context(), audit.FromRequest(r, &u.ID, audit.ActionRegisterUser, "user",
		strconv.FormatInt(u.ID, 10), core.JSONMap{"email": u.Email}))
	writeJSON(w, http.StatusCreated, u)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// handleLogin verifies credentials and issues a session cookie. Unknown
// email and wrong password are indistinguishable to the caller.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	u, err := s.db.GetUserByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil || !auth.CheckPassword(u.PasswordHash, req.Password) {
		writeError(w, core.E(core.KindUnauthenticated, "invalid email or password"))
		return
	}
	if err := s.sessions.Issue(r.Context(), w, u.ID); err != nil {
		writeError(w, err)
		return
	}
	s.recorder.Record(r.Context(), audit.FromRequest(r, &u.ID, audit.ActionLogin, "user",
		strconv.FormatInt(u.ID, 10), nil))
	writeJSON(w, http.StatusOK, u)
}

// handleLogout revokes the session and clears the cookie.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Revoke(r.Context(), w, r)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// handleMe returns the authenticated user.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, mustUser(r))
}

// ============================================================================
// USERS
// ============================================================================

// handleListUsers returns users, optionally filtered by ?role=. Any
// authenticated user may list; assignment pickers need the roster.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	role := core.Role(r.URL.Query().Get("role"))
	if role != "" && !role.Valid() {
		writeError(w, core.E(core.KindInvalid, "unknown role"))
		return
	}
	users, err := s.db.ListUsers(r.Context(), role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

type createUserRequest struct {
	Email      string  `json:"email" validate:"required,email"`
	Name       string  `json:"name" validate:"required"`
	Password   string  `json:"password" validate:"required,min=8"`
	Role       string  `json:"role" validate:"required"`
	EmployeeID *string `json:"employeeId"`
	Department *string `json:"department"`
}

// handleCreateUser provisions an account with an explicit role. Admin
// only.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	actor := mustUser(r)
	if err := auth.RequireRole(actor, core.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	var req createUserRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	role := core.Role(req.Role)
	if !role.Valid() {
		writeError(w, core.E(core.KindInvalid, "unknown role"))
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	u := &core.User{
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		Name:         req.Name,
		Role:         role,
		EmployeeID:   req.EmployeeID,
		Department:   req.Department,
		PasswordHash: hash,
	}
	if err := s.db.CreateUser(r.Context(), u); err != nil {
		writeError(w, err)
		return
	}
	s.recorder.Record(r.Context(), audit.FromRequest(r, &actor.ID, audit.ActionCreateUser, "user",
		strconv.FormatInt(u.ID, 10), core.JSONMap{"email": u.Email, "role": string(u.Role)}))
	writeJSON(w, http.StatusCreated, u)
}

type updateUserRequest struct {
	Name       *string `json:"name"`
	Role       *string `json:"role"`
	Department *string `json:"department"`
}

// handleUpdateUser edits a user's profile or role. Admin only.
func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	actor := mustUser(r)
	if err := auth.RequireRole(actor, core.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	u, err := s.db.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	var req updateUserRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name != nil {
		u.Name = *req.Name
	}
	if req.Role != nil {
		role := core.Role(*req.Role)
		if !role.Valid() {
			writeError(w, core.E(core.KindInvalid, "unknown role"))
			return
		}
		u.Role = role
	}
	if req.Department != nil {
		u.Department = req.Department
	}
	if err := s.db.UpdateUser(r.Context(), u); err != nil {
		writeError(w, err)
		return
	}
	s.recorder.Record(r.Context(), audit.FromRequest(r, &actor.ID, audit.ActionUpdateUser, "user",
		strconv.FormatInt(u.ID, 10), core.JSONMap{"role": string(u.Role)}))
	writeJSON(w, http.StatusOK, u)
}
