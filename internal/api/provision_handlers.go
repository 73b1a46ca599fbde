package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowpbx/provisioner/internal/api/middleware"
	"github.com/flowpbx/provisioner/internal/database/models"
	"github.com/flowpbx/provisioner/internal/provision"
	"github.com/flowpbx/provisioner/internal/validate"
)

// signupRequest is the self-service body. Role, extension and DID are
// not caller-controlled here.
type signupRequest struct {
	Username     string `json:"username"`
	Email        string `json:"email"`
	FullName     string `json:"full_name"`
	Password     string `json:"password"`
	VoicemailPIN string `json:"voicemail_pin"`
	Department   string `json:"department"`
	SendWelcome  bool   `json:"send_welcome"`
}

type bulkRequest struct {
	Requests []provision.Request `json:"requests"`
}

type bulkResponse struct {
	Results   []*provision.Result `json:"results"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
}

type fulfillRequest struct {
	DIDNumber string `json:"did_number"`
}

type didAssignmentResponse struct {
	ID             int64  `json:"id"`
	Extension      string `json:"extension"`
	DIDNumber      string `json:"did_number"`
	Primary        bool   `json:"primary"`
	Shared         bool   `json:"shared"`
	AssignmentType string `json:"assignment_type"`
	CreatedAt      string `json:"created_at"`
}

type didRequestResponse struct {
	ID              int64  `json:"id"`
	UserID          int64  `json:"user_id"`
	Extension       string `json:"extension"`
	Status          string `json:"status"`
	FulfilledNumber string `json:"fulfilled_number,omitempty"`
	RequestedAt     string `json:"requested_at"`
	FulfilledAt     string `json:"fulfilled_at,omitempty"`
}

type auditEntryResponse struct {
	ID        int64  `json:"id"`
	RunID     string `json:"run_id"`
	Extension string `json:"extension"`
	Action    string `json:"action"`
	Detail    string `json:"detail"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// handleSignup provisions a regular user account for an unauthenticated
// caller. The route is rate limited per client IP.
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var body signupRequest
	if errMsg := readJSON(r, &body); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	req := provision.Request{
		Username:     body.Username,
		Email:        body.Email,
		FullName:     body.FullName,
		Role:         validate.RoleUser,
		Password:     body.Password,
		VoicemailPIN: body.VoicemailPIN,
		Department:   body.Department,
		SendWelcome:  body.SendWelcome,
	}
	s.provision(w, r, req)
}

// handleProvision provisions one account on behalf of an administrator.
func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provision.Request
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	s.provision(w, r, req)
}

func (s *Server) provision(w http.ResponseWriter, r *http.Request, req provision.Request) {
	if errMsg := checkLengths(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	res, err := s.provisioner.Provision(r.Context(), req)
	if err == nil {
		writeJSON(w, http.StatusCreated, res)
		return
	}
	writeResult(w, provisionStatus(err), res, err.Error())
}

// provisionStatus maps a pipeline error to an HTTP status.
func provisionStatus(err error) int {
	var verr *provision.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, provision.ErrRangeExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleProvisionBulk provisions each item in order and reports per-item
// results. The call itself succeeds even when items fail.
func (s *Server) handleProvisionBulk(w http.ResponseWriter, r *http.Request) {
	var body bulkRequest
	if errMsg := readJSON(r, &body); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := checkBulkSize(len(body.Requests)); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	for i, req := range body.Requests {
		if errMsg := checkLengths(req); errMsg != "" {
			writeError(w, http.StatusBadRequest, "requests["+strconv.Itoa(i)+"]: "+errMsg)
			return
		}
	}

	results := s.provisioner.ProvisionBulk(r.Context(), body.Requests)
	resp := bulkResponse{Results: results}
	for _, res := range results {
		if res != nil && res.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}

	if admin, ok := middleware.AdminFromContext(r.Context()); ok {
		s.logger.Info("bulk provisioning finished", "admin", admin.Subject,
			"succeeded", resp.Succeeded, "failed", resp.Failed)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListAudit returns an extension's audit trail, oldest first.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	ext := chi.URLParam(r, "ext")
	if ext == "" || len(ext) > maxShortStringLen {
		writeError(w, http.StatusBadRequest, "invalid extension")
		return
	}
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	entries, total, err := s.audit.List(r.Context(), ext, pg.Limit, pg.Offset)
	if err != nil {
		s.logger.Error("list audit: failed to query", "extension", ext, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  toAuditEntryResponses(entries),
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleRunAudit returns every entry of one provisioning run. A run that
// lost its first extension to a concurrent request spans two extensions.
func (s *Server) handleRunAudit(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(runID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	entries, err := s.audit.ListRun(r.Context(), runID)
	if err != nil {
		s.logger.Error("run audit: failed to query", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, toAuditEntryResponses(entries))
}

func toAuditEntryResponses(entries []models.AuditEntry) []auditEntryResponse {
	items := make([]auditEntryResponse, len(entries))
	for i, e := range entries {
		items[i] = auditEntryResponse{
			ID:        e.ID,
			RunID:     e.RunID,
			Extension: e.Extension,
			Action:    e.Action,
			Detail:    e.Detail,
			Status:    e.Status,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	return items
}

// handleListDIDRequests lists queued DID requests, optionally filtered by
// ?status=pending or ?status=fulfilled.
func (s *Server) handleListDIDRequests(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", models.DIDRequestPending, models.DIDRequestFulfilled:
	default:
		writeError(w, http.StatusBadRequest, "status must be pending or fulfilled")
		return
	}

	reqs, err := s.didRequests.ListRequests(r.Context(), status)
	if err != nil {
		s.logger.Error("list did requests: failed to query", "status", status, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]didRequestResponse, len(reqs))
	for i, q := range reqs {
		items[i] = didRequestResponse{
			ID:              q.ID,
			UserID:          q.UserID,
			Extension:       q.Extension,
			Status:          q.Status,
			FulfilledNumber: q.FulfilledNumber,
			RequestedAt:     q.RequestedAt.UTC().Format(time.RFC3339),
		}
		if q.FulfilledAt != nil {
			items[i].FulfilledAt = q.FulfilledAt.UTC().Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, items)
}

// handleFulfillDIDRequest assigns a dedicated DID to a queued request.
func (s *Server) handleFulfillDIDRequest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid did request id")
		return
	}
	var body fulfillRequest
	if errMsg := readJSON(r, &body); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	a, err := s.provisioner.FulfillDIDRequest(r.Context(), id, body.DIDNumber)
	if err != nil {
		var verr *provision.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, provision.ErrDIDRequestNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, provision.ErrDIDRequestClosed):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("fulfill did request failed", "request_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, toDIDAssignmentResponse(a))
}

func toDIDAssignmentResponse(a *models.DIDAssignment) didAssignmentResponse {
	return didAssignmentResponse{
		ID:             a.ID,
		Extension:      a.Extension,
		DIDNumber:      a.DIDNumber,
		Primary:        a.Primary,
		Shared:         a.Shared,
		AssignmentType: a.AssignmentType,
		CreatedAt:      a.CreatedAt.UTC().Format(time.RFC3339),
	}
}
