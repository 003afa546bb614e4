// Package api implements the thin HTTP adapter over the Change manager and
// lock registry (spec §6). It is a pure transport layer: every status code
// it returns is derived from an apperrors taxon, never computed here.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"github.com/voidsync/voidsync/internal/apperrors"
	"github.com/voidsync/voidsync/internal/changes"
	"github.com/voidsync/voidsync/internal/locks"
	"github.com/voidsync/voidsync/internal/store"
)

// Server wires the Change manager and lock registry onto a mux.Router.
type Server struct {
	changes *changes.Manager
	locks   *locks.Registry
	logger  *log.Logger
}

// New constructs the API server.
func New(changeManager *changes.Manager, lockRegistry *locks.Registry, logger *log.Logger) *Server {
	return &Server{changes: changeManager, locks: lockRegistry, logger: logger}
}

// Router builds the /api/v1 route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/changes", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/changes", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/changes/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	api.HandleFunc("/changes/{id}/reject", s.handleReject).Methods(http.MethodPost)

	api.HandleFunc("/locks", s.handleListLocks).Methods(http.MethodGet)
	api.HandleFunc("/locks", s.handleCreateLock).Methods(http.MethodPost)
	api.HandleFunc("/locks/{id}", s.handleDeleteLock).Methods(http.MethodDelete)

	return router
}

type submitRequest struct {
	AgentID string `json:"agentId"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

type submitResponse struct {
	ChangeID int64              `json:"changeId"`
	Status   store.ChangeStatus `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.New(apperrors.ErrInvalidInput, "malformed request body"))
		return
	}

	id, err := s.changes.Submit(r.Context(), req.AgentID, req.Path, req.Content)
	if err != nil {
		s.logError("submit", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{ChangeID: id, Status: store.ChangePending})
}

type approveRequest struct {
	ApprovedBy string `json:"approvedBy"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req approveRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // body is optional

	change, err := s.changes.Approve(r.Context(), id, req.ApprovedBy)
	if err != nil {
		s.logError("approve", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, change)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req rejectRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	change, err := s.changes.Reject(r.Context(), id, req.Reason)
	if err != nil {
		s.logError("reject", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, change)
}

type listResponse struct {
	Changes []*store.Change `json:"changes"`
	Offset  int             `json:"offset"`
	Limit   int             `json:"limit"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ChangeFilter{
		Status:        store.ChangeStatus(q.Get("status")),
		AgentIdentity: q.Get("agentId"),
		Offset:        atoiOr(q.Get("offset"), 0),
		Limit:         atoiOr(q.Get("limit"), 0),
	}
	if after := q.Get("after"); after != "" {
		if t, err := time.Parse(time.RFC3339, after); err == nil {
			filter.After = t
		}
	}
	if before := q.Get("before"); before != "" {
		if t, err := time.Parse(time.RFC3339, before); err == nil {
			filter.Before = t
		}
	}

	result, err := s.changes.List(r.Context(), filter)
	if err != nil {
		s.logError("list", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listResponse{Changes: result, Offset: filter.Offset, Limit: filter.Limit})
}

type lockRequest struct {
	Path           string `json:"path"`
	PathPattern    string `json:"pathPattern"`
	ContentPattern string `json:"contentPattern"`
}

func (s *Server) handleCreateLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.New(apperrors.ErrInvalidInput, "malformed request body"))
		return
	}

	lock, err := s.locks.CreateLock(r.Context(), req.Path, req.PathPattern, req.ContentPattern)
	if err != nil {
		s.logError("create lock", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, lock)
}

func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	list, err := s.locks.List(r.Context())
	if err != nil {
		s.logError("list locks", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleDeleteLock(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	removed, err := s.locks.ReleaseLock(r.Context(), id)
	if err != nil {
		s.logError("delete lock", err)
		writeError(w, err)
		return
	}
	if !removed {
		writeError(w, apperrors.New(apperrors.ErrNotFound, "lock not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperrors.New(apperrors.ErrInvalidInput, "invalid change id")
	}
	return id, nil
}

func atoiOr(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func (s *Server) logError(op string, err error) {
	if s.logger == nil {
		return
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("api: request failed", "op", op, "error", err)
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	if taxon, ok := err.(*apperrors.TaxonError); ok {
		resp.Details = taxon.Details()
	}
	writeJSON(w, status, resp)
}

// statusFor maps an apperrors taxon to the HTTP status spec §6 documents.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrAgentInactive),
		errors.Is(err, apperrors.ErrForbidden),
		errors.Is(err, apperrors.ErrLocked):
		return http.StatusForbidden
	case errors.Is(err, apperrors.ErrAgentUnknown),
		errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, apperrors.ErrPluginRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperrors.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, apperrors.ErrInvalidTransition),
		errors.Is(err, apperrors.ErrDrifted),
		errors.Is(err, apperrors.ErrConflict),
		errors.Is(err, apperrors.ErrAlreadyLocked):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
