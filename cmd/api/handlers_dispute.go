package main

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"escrowflow/dispute"
	"escrowflow/fee"
)

type openDisputeRequest struct {
	JobID     int64  `json:"jobId"`
	Reason    string `json:"reason"`
	Amount    string `json:"amount"`
	EscrowRef string `json:"escrowRef"`
}

type addEvidenceRequest struct {
	Description    string `json:"description"`
	AttachmentHash string `json:"attachmentHash"`
}

type assignMediatorRequest struct {
	Mediator string `json:"mediator"`
}

type escalateRequest struct {
	Arbitrator string `json:"arbitrator"`
}

type resolveDisputeRequest struct {
	Outcome string `json:"outcome"`
}

type timeoutResponse struct {
	JobID    int64 `json:"jobId"`
	TimedOut bool  `json:"timedOut"`
}

func jobIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "job"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing caller")
		return
	}
	var req openDisputeRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	amount, err := fee.Parse(req.Amount)
	if err != nil {
		s.fail(w, r, "open_dispute", err)
		return
	}
	c, err := s.disputeService.Open(r.Context(), caller, dispute.OpenParams{
		JobID:     req.JobID,
		Reason:    req.Reason,
		Amount:    amount,
		EscrowRef: req.EscrowRef,
	})
	if err != nil {
		s.fail(w, r, "open_dispute", err)
		return
	}
	writeJSON(w, http.StatusCreated, newCaseResponse(c))
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "job id must be a positive integer")
		return
	}
	c, err := s.disputeService.Get(r.Context(), jobID)
	if err != nil {
		s.fail(w, r, "get_dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, newCaseResponse(c))
}

func (s *Server) handleAddEvidence(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing caller")
		return
	}
	jobID, ok := jobIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "job id must be a positive integer")
		return
	}
	var req addEvidenceRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	e, err := s.disputeService.AddEvidence(r.Context(), caller, jobID, req.Description, req.AttachmentHash)
	if err != nil {
		s.fail(w, r, "add_evidence", err)
		return
	}
	writeJSON(w, http.StatusCreated, newEvidenceResponse(e))
}

func (s *Server) handleAssignMediator(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing caller")
		return
	}
	jobID, ok := jobIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "job id must be a positive integer")
		return
	}
	var req assignMediatorRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	c, err := s.disputeService.AssignMediator(r.Context(), caller, jobID, req.Mediator)
	if err != nil {
		s.fail(w, r, "assign_mediator", err)
		return
	}
	writeJSON(w, http.StatusOK, newCaseResponse(c))
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing caller")
		return
	}
	jobID, ok := jobIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "job id must be a positive integer")
		return
	}
	var req escalateRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	c, err := s.disputeService.Escalate(r.Context(), caller, jobID, req.Arbitrator)
	if err != nil {
		s.fail(w, r, "escalate", err)
		return
	}
	writeJSON(w, http.StatusOK, newCaseResponse(c))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing caller")
		return
	}
	jobID, ok := jobIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "job id must be a positive integer")
		return
	}
	var req resolveDisputeRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	c, err := s.disputeService.Resolve(r.Context(), caller, jobID, dispute.Outcome(req.Outcome))
	if err != nil {
		s.fail(w, r, "resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, newCaseResponse(c))
}

func (s *Server) handleCheckTimeout(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "job id must be a positive integer")
		return
	}
	timedOut, err := s.disputeService.CheckTimeout(r.Context(), jobID)
	if err != nil {
		s.fail(w, r, "check_timeout", err)
		return
	}
	writeJSON(w, http.StatusOK, timeoutResponse{JobID: jobID, TimedOut: timedOut})
}

// handleReconcile answers 502 when the retried settlement fails again; the
// attempt itself is already recorded on the case.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing caller")
		return
	}
	jobID, ok := jobIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "job id must be a positive integer")
		return
	}
	c, err := s.disputeService.Reconcile(r.Context(), caller, jobID)
	if err != nil {
		if c.JobID != 0 && c.Settlement == dispute.SettlementFailed {
			writeError(w, http.StatusBadGateway, "SETTLEMENT_FAILED", err.Error())
			return
		}
		s.fail(w, r, "reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, newCaseResponse(c))
}

func (s *Server) handleUnsettledDisputes(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing caller")
		return
	}
	cases, err := s.disputeService.ListUnsettled(r.Context(), caller, parseLimit(r, 50, 200))
	if err != nil {
		s.fail(w, r, "list_unsettled", err)
		return
	}
	items := make([]caseResponse, 0, len(cases))
	for _, c := range cases {
		items = append(items, newCaseResponse(c))
	}
	writeJSON(w, http.StatusOK, newList(items))
}
