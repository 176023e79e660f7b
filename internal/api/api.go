// Package api is the REST surface over the Job Orchestrator (spec §6
// Public API): submitJob/cancelJob/getJob/getJobs plus health and stats
// endpoints (/metrics is served by promhttp in cmd/server). Grounded on the teacher's internal/api/api.go, which plays the
// same "validate the body, limit its size, delegate to the owning
// component, write a JSON response" role in front of job.Store/registry —
// the guard ordering (method check, content-type check, size limit, empty
// check, JSON decode, field validation) is carried over verbatim, only the
// job shape changes.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/iyulab/orbitmesh/internal/coreerr"
	"github.com/iyulab/orbitmesh/internal/dispatcher"
	"github.com/iyulab/orbitmesh/internal/job"
	"github.com/iyulab/orbitmesh/internal/orchestrator"
)

// MaxRequestBodySize bounds a submitJob body (spec jobs carry a command and
// small metadata, never file payloads).
const MaxRequestBodySize = 1 * 1024 * 1024 // 1MB

// Handler wires HTTP handlers to the Orchestrator.
type Handler struct {
	orch *orchestrator.Orchestrator
	disp *dispatcher.Dispatcher
}

// New creates a Handler.
func New(orch *orchestrator.Orchestrator, disp *dispatcher.Dispatcher) *Handler {
	return &Handler{orch: orch, disp: disp}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// statusForError maps a coreerr.Code to the HTTP status spec §7 calls for.
func statusForError(err error) int {
	code, _ := coreerr.CodeOf(err)
	switch code {
	case coreerr.CodeNotFound:
		return http.StatusNotFound
	case coreerr.CodeIllegalTransition, coreerr.CodeValidationFailed:
		return http.StatusBadRequest
	case coreerr.CodeNoEligibleAgent:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// CreateJobRequest is the wire shape for POST /jobs (spec §3 JobRequest).
type CreateJobRequest struct {
	ID                   string            `json:"id,omitempty"`
	IdempotencyKey       string            `json:"idempotency_key"`
	Command              string            `json:"command"`
	Priority             int               `json:"priority,omitempty"`
	TargetAgentID        string            `json:"target_agent_id,omitempty"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	RequiredTags         []string          `json:"required_tags,omitempty"`
	TimeoutSeconds       int               `json:"timeout_seconds,omitempty"`
	MaxRetries           int               `json:"max_retries,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// JobResponse is the wire shape returned for a single job.
type JobResponse struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	AssignedAgentID string     `json:"assigned_agent_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	AssignedAt      *time.Time `json:"assigned_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Error           string     `json:"error,omitempty"`
	ErrorCode       string     `json:"error_code,omitempty"`
	RetryCount      int        `json:"retry_count"`
	TimeoutCount    int        `json:"timeout_count"`
}

func toJobResponse(j *job.Job) JobResponse {
	return JobResponse{
		ID:              j.ID,
		Status:          string(j.Status),
		AssignedAgentID: j.AssignedAgentID,
		CreatedAt:       j.CreatedAt,
		AssignedAt:      j.AssignedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		Error:           j.Error,
		ErrorCode:       j.ErrorCode,
		RetryCount:      j.RetryCount,
		TimeoutCount:    j.TimeoutCount,
	}
}

// HandleCreateJob handles POST /jobs (spec §4.9 submitJob).
//
// Security guards, in the teacher's order:
//   - Rejects multipart/form-data (this endpoint accepts commands, not files)
//   - Enforces application/json when a Content-Type is sent (a request
//     without one is accepted)
//   - Limits body size to MaxRequestBodySize
//   - Rejects an empty body
func (h *Handler) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(strings.ToLower(contentType), "multipart/form-data") {
		writeError(w, http.StatusUnsupportedMediaType, "multipart/form-data is not allowed")
		return
	}
	if contentType != "" && !strings.HasPrefix(strings.ToLower(contentType), "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if strings.Contains(err.Error(), "request body too large") {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds maximum size of %d bytes", MaxRequestBodySize))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read request body: %v", err))
		return
	}
	defer r.Body.Close()

	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "request body is required")
		return
	}

	var req CreateJobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	jreq := job.Request{
		ID:                   req.ID,
		IdempotencyKey:       req.IdempotencyKey,
		Command:              req.Command,
		Priority:             req.Priority,
		TargetAgentID:        req.TargetAgentID,
		RequiredCapabilities: req.RequiredCapabilities,
		RequiredTags:         req.RequiredTags,
		MaxRetries:           req.MaxRetries,
		Metadata:             req.Metadata,
	}
	if req.TimeoutSeconds > 0 {
		jreq.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	j, err := h.orch.SubmitJob(jreq)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, toJobResponse(j))
}

// HandleGetJob handles GET /jobs/{id} (spec §4.9 getJob). id is extracted
// by the caller-supplied path (cmd/server trims the route prefix before
// invoking this handler, matching the teacher's own mux wiring).
func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}

	j, err := h.orch.GetJob(id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(j))
}

// HandleListJobs handles GET /jobs?status=&agent_id= (spec §4.9 getJobs).
func (h *Handler) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var statusFilter *job.Status
	if s := r.URL.Query().Get("status"); s != "" {
		st := job.Status(strings.ToUpper(s))
		if !st.IsValid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", s))
			return
		}
		statusFilter = &st
	}
	agentID := r.URL.Query().Get("agent_id")

	jobs, err := h.orch.GetJobs(statusFilter, agentID)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	resp := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelJobRequest is the optional body for POST /jobs/{id}/cancel.
type CancelJobRequest struct {
	Reason string `json:"reason,omitempty"`
}

// HandleCancelJob handles POST /jobs/{id}/cancel (spec §4.9 cancelJob).
func (h *Handler) HandleCancelJob(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}

	var req CancelJobRequest
	if r.ContentLength != 0 {
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize))
		if err == nil && len(body) > 0 {
			_ = json.Unmarshal(body, &req)
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by caller"
	}

	ok, err := h.orch.CancelJob(id, req.Reason)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

// HandleHealth handles GET /healthz.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStats handles GET /stats, exposing the Dispatcher's point-in-time
// counters as a convenience alongside the Prometheus /metrics endpoint.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := h.disp.GetStatistics()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
