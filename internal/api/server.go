package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/protfolio666/GapOpsHub-sub000/internal/audit"
	"github.com/protfolio666/GapOpsHub-sub000/internal/auth"
	"github.com/protfolio666/GapOpsHub-sub000/internal/config"
	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
	"github.com/protfolio666/GapOpsHub-sub000/internal/gaps"
	"github.com/protfolio666/GapOpsHub-sub000/internal/metrics"
	"github.com/protfolio666/GapOpsHub-sub000/internal/realtime"
	"github.com/protfolio666/GapOpsHub-sub000/internal/store"
)

// Server owns the HTTP routing table and its handler dependencies.
type Server struct {
	cfg      *config.Config
	db       *store.DB
	gaps     *gaps.Service
	sessions *auth.Sessions
	scope    *auth.Scope
	hub      *realtime.Hub
	recorder *audit.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewServer wires the HTTP layer.
func NewServer(
	cfg *config.Config,
	db *store.DB,
	gapSvc *gaps.Service,
	sessions *auth.Sessions,
	scope *auth.Scope,
	hub *realtime.Hub,
	recorder *audit.Recorder,
	m *metrics.Metrics,
) *Server {
	return &Server{
		cfg:      cfg,
		db:       db,
		gaps:     gapSvc,
		sessions: sessions,
		scope:    scope,
		hub:      hub,
		recorder: recorder,
		metrics:  m,
		logger:   slog.Default().With("component", "api"),
	}
}

// Routes builds the router.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(recoverPanic)
	r.Use(requestLogger(s.metrics))

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	// Public auth surface.
	api.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)

	// Everything below requires a session.
	priv := api.NewRoute().Subrouter()
	priv.Use(auth.Middleware(s.sessions, s.db))

	priv.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	priv.HandleFunc("/auth/me", s.handleMe).Methods(http.MethodGet)

	priv.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)
	priv.HandleFunc("/users", s.handleCreateUser).Methods(http.MethodPost)
	priv.HandleFunc("/users/{id:[0-9]+}", s.handleUpdateUser).Methods(http.MethodPatch)

	priv.HandleFunc("/gaps", s.handleCreateGap).Methods(http.MethodPost)
	priv.HandleFunc("/gaps", s.handleListGaps).Methods(http.MethodGet)
	priv.HandleFunc("/gaps/{id:[0-9]+}", s.handleGetGap).Methods(http.MethodGet)
	priv.HandleFunc("/gaps/{id:[0-9]+}", s.handleUpdateGap).Methods(http.MethodPatch)
	priv.HandleFunc("/gaps/{id:[0-9]+}/assign", s.handleAssignGap).Methods(http.MethodPost)
	priv.HandleFunc("/gaps/{id:[0-9]+}/resolve", s.handleResolveGap).Methods(http.MethodPost)
	priv.HandleFunc("/gaps/{id:[0-9]+}/reopen", s.handleReopenGap).Methods(http.MethodPost)
	priv.HandleFunc("/gaps/{id:[0-9]+}/mark-duplicate", s.handleMarkDuplicate).Methods(http.MethodPost)
	priv.HandleFunc("/gaps/{id:[0-9]+}/timeline", s.handleTimeline).Methods(http.MethodGet)
	priv.HandleFunc("/gaps/{id:[0-9]+}/similar", s.handleSimilar).Methods(http.MethodGet)
	priv.HandleFunc("/gaps/{id:[0-9]+}/resolution-history", s.handleResolutionHistory).Methods(http.MethodGet)
	priv.HandleFunc("/gaps/{id:[0-9]+}/assignments", s.handleAssignments).Methods(http.MethodGet)

	priv.HandleFunc("/gaps/{id:[0-9]+}/comments", s.handleListComments).Methods(http.MethodGet)
	priv.HandleFunc("/gaps/{id:[0-9]+}/comments", s.handleCreateComment).Methods(http.MethodPost)
	priv.HandleFunc("/gaps/{id:[0-9]+}/comments/{commentId:[0-9]+}", s.handleDeleteComment).Methods(http.MethodDelete)

	priv.HandleFunc("/gaps/{id:[0-9]+}/pocs", s.handleListPocs).Methods(http.MethodGet)
	priv.HandleFunc("/gaps/{id:[0-9]+}/pocs", s.handleAddPoc).Methods(http.MethodPost)
	priv.HandleFunc("/gaps/{id:[0-9]+}/pocs/{userId:[0-9]+}", s.handleRemovePoc).Methods(http.MethodDelete)

	priv.HandleFunc("/gaps/{id:[0-9]+}/extensions", s.handleListExtensions).Methods(http.MethodGet)
	priv.HandleFunc("/gaps/{id:[0-9]+}/extensions", s.handleRequestExtension).Methods(http.MethodPost)
	priv.HandleFunc("/extensions/{id:[0-9]+}", s.handleReviewExtension).Methods(http.MethodPatch)

	priv.HandleFunc("/gaps/{id:[0-9]+}/attachments/download", s.handleDownloadZip).Methods(http.MethodGet)
	priv.HandleFunc("/uploads", s.handleUpload).Methods(http.MethodPost)
	priv.HandleFunc("/files/{name}", s.handleDownloadFile).Methods(http.MethodGet)

	priv.HandleFunc("/reports/export", s.handleExportExcel).Methods(http.MethodGet)
	priv.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	priv.HandleFunc("/sops", s.handleListSops).Methods(http.MethodGet)
	priv.HandleFunc("/sops", s.handleCreateSop).Methods(http.MethodPost)
	priv.HandleFunc("/sops/{id:[0-9]+}", s.handleGetSop).Methods(http.MethodGet)
	priv.HandleFunc("/sops/{id:[0-9]+}", s.handleUpdateSop).Methods(http.MethodPatch)

	priv.HandleFunc("/form-templates", s.handleListTemplates).Methods(http.MethodGet)
	priv.HandleFunc("/form-templates", s.handleCreateTemplate).Methods(http.MethodPost)
	priv.HandleFunc("/form-templates/{id:[0-9]+}", s.handleGetTemplate).Methods(http.MethodGet)
	priv.HandleFunc("/form-templates/{id:[0-9]+}", s.handleUpdateTemplate).Methods(http.MethodPatch)

	// The socket handshake reuses the session cookie.
	r.HandleFunc("/ws", realtime.Handler(s.hub, s.sessions, s.db)).Methods(http.MethodGet)

	return r
}

// handleHealth reports liveness and DB reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := "ok"
	code := http.StatusOK
	if err := s.db.Ping(ctx); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":  status,
		"clients": s.hub.ClientCount(),
	})
}

// handleStats returns per-status gap counts and refreshes the gauge.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.db.CountGapsByStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.SetGapCounts(counts)
	}
	total := 0
	byStatus := make(map[string]int, len(counts))
	for st, n := range counts {
		byStatus[string(st)] = n
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":    total,
		"byStatus": byStatus,
	})
}

// mustUser returns the authenticated user; the auth middleware
// guarantees presence on private routes.
func mustUser(r *http.Request) *core.User {
	u, _ := auth.UserFrom(r.Context())
	return u
}
