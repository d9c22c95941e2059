package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/decisio/decisio/pkg/kernel"
	"github.com/decisio/decisio/pkg/ledger"
)

// submitRequest is the body of POST /runs.
type submitRequest struct {
	TenantID    string          `json:"tenant_id"`
	Text        string          `json:"text"`
	Constraints json.RawMessage `json:"constraints,omitempty"`
}

// submitResponse is the body of a successful submission.
type submitResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kernel.ErrCodeInvalidGoal, "malformed request body")
		return
	}
	if s.opts.EnforceTenantHeader && r.Header.Get(TenantHeader) != req.TenantID {
		writeError(w, http.StatusForbidden, "TENANT_MISMATCH", "tenant header does not match goal tenant")
		return
	}

	goal := kernel.Goal{
		TenantID:    req.TenantID,
		Text:        req.Text,
		Constraints: req.Constraints,
	}
	runID, err := s.scheduler.Submit(r.Context(), goal)
	if err != nil {
		if kernel.IsThrottled(err) && s.opts.Metrics != nil {
			s.opts.Metrics.RecordThrottled(req.TenantID)
		}
		s.writeKernelError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{RunID: runID, Status: string(kernel.RunStatusPending)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.scheduler.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeKernelError(w, err)
		return
	}
	if !s.checkTenant(w, r, run.TenantID) {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if s.opts.EnforceTenantHeader {
		tenant = r.Header.Get(TenantHeader)
	}
	if tenant == "" {
		writeError(w, http.StatusBadRequest, kernel.ErrCodeInvalidGoal, "tenant query parameter is required")
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	offset := queryInt(r, "offset", 0)

	runs, err := s.store.ListRuns(r.Context(), tenant, limit, offset)
	if err != nil {
		s.writeKernelError(w, err)
		return
	}
	snapshots := make([]*kernel.Run, 0, len(runs))
	for _, run := range runs {
		snapshots = append(snapshots, run.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": snapshots})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	run, err := s.scheduler.Status(r.Context(), runID)
	if err != nil {
		s.writeKernelError(w, err)
		return
	}
	if !s.checkTenant(w, r, run.TenantID) {
		return
	}

	if err := s.scheduler.Cancel(r.Context(), runID); err != nil {
		s.writeKernelError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancellation requested"})
}

// chainResponse is the body of GET /ledger/{tenant}/chain.
type chainResponse struct {
	TenantID string          `json:"tenant_id"`
	Entries  []*ledger.Entry `json:"entries"`
	// Next is the id to pass as ?since= for the following page, empty when
	// the chain tail was reached.
	Next string `json:"next,omitempty"`
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	if !s.checkTenant(w, r, tenant) {
		return
	}

	since := r.URL.Query().Get("since")
	limit := queryInt(r, "limit", 256)
	if limit > 1024 {
		limit = 1024
	}

	resp := chainResponse{TenantID: tenant, Entries: []*ledger.Entry{}}
	for entry, err := range s.ledger.Chain(r.Context(), tenant, since) {
		if err != nil {
			writeError(w, http.StatusInternalServerError, kernel.ErrCodeInternal, err.Error())
			return
		}
		if len(resp.Entries) == limit {
			resp.Next = resp.Entries[len(resp.Entries)-1].ID
			break
		}
		resp.Entries = append(resp.Entries, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	if !s.checkTenant(w, r, tenant) {
		return
	}

	counts, err := s.ledger.Integrity(r.Context(), tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, kernel.ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tenant, "actions": counts})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.Verify(r.Context(), r.PathValue("tenant"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, kernel.ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// overrideRequest is the body of POST /ledger/{tenant}/override. Overrides
// never rewrite history; they append a signed manual_override entry that
// documents the intervention.
type overrideRequest struct {
	Actor  string          `json:"actor"`
	Reason string          `json:"reason"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kernel.ErrCodeInvalidGoal, "malformed request body")
		return
	}
	if req.Actor == "" || req.Reason == "" {
		writeError(w, http.StatusBadRequest, kernel.ErrCodeInvalidGoal, "actor and reason are required")
		return
	}

	entry, err := s.ledger.Commit(r.Context(), r.PathValue("tenant"), ledger.ActionManualOverride, req)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, kernel.ErrCodeLedgerCommit, err.Error())
		return
	}
	s.logger.Warn().
		Str("tenant_id", r.PathValue("tenant")).
		Str("actor", req.Actor).
		Str("entry_id", entry.ID).
		Msg("manual override recorded")
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.HealthCheck != nil {
		if err := s.opts.HealthCheck(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "UNHEALTHY", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
