package main

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"escrowflow/auth"
	"escrowflow/escrow"
	"escrowflow/fee"
)

type createEscrowRequest struct {
	Freelancer  string `json:"freelancer"`
	Arbitrator  string `json:"arbitrator"`
	Amount      string `json:"amount"`
	TimeoutSecs *int64 `json:"timeoutSecs"`
}

type addMilestoneRequest struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
}

type resolveEscrowRequest struct {
	Resolution string `json:"resolution"`
}

type addMilestoneResponse struct {
	Milestone milestoneResponse `json:"milestone"`
	Agreement agreementResponse `json:"agreement"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing caller")
		return
	}
	var req createEscrowRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	amount, err := fee.Parse(req.Amount)
	if err != nil {
		s.fail(w, r, "create_escrow", err)
		return
	}
	a, err := s.escrowService.Create(r.Context(), caller, escrow.CreateParams{
		Freelancer:  req.Freelancer,
		Arbitrator:  req.Arbitrator,
		Amount:      amount,
		TimeoutSecs: req.TimeoutSecs,
	})
	if err != nil {
		s.fail(w, r, "create_escrow", err)
		return
	}
	writeJSON(w, http.StatusCreated, newAgreementResponse(a))
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing caller")
		return
	}
	agreements, err := s.escrowService.List(r.Context(), caller)
	if err != nil {
		s.fail(w, r, "list_escrows", err)
		return
	}
	items := make([]agreementResponse, 0, len(agreements))
	for _, a := range agreements {
		items = append(items, newAgreementResponse(a))
	}
	writeJSON(w, http.StatusOK, newList(items))
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	a, err := s.escrowService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, "get_escrow", err)
		return
	}
	writeJSON(w, http.StatusOK, newAgreementResponse(a))
}

func (s *Server) handleEscrowTransfers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.escrowService.Get(r.Context(), id); err != nil {
		s.fail(w, r, "list_transfers", err)
		return
	}
	transfers, err := s.escrowService.Transfers(r.Context(), id)
	if err != nil {
		s.fail(w, r, "list_transfers", err)
		return
	}
	items := make([]transferResponse, 0, len(transfers))
	for _, t := range transfers {
		items = append(items, transferResponse{
			Seq:       t.Seq,
			Recipient: t.Recipient,
			Amount:    amountString(t.Amount),
			Reason:    string(t.Reason),
			CreatedAt: timeString(t.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, newList(items))
}

func (s *Server) handleFundEscrow(w http.ResponseWriter, r *http.Request) {
	s.escrowTransition(w, r, "fund", s.escrowService.Fund)
}

func (s *Server) handleReleaseFunds(w http.ResponseWriter, r *http.Request) {
	s.escrowTransition(w, r, "release_funds", s.escrowService.ReleaseFunds)
}

func (s *Server) handleDisputeEscrow(w http.ResponseWriter, r *http.Request) {
	s.escrowTransition(w, r, "dispute", s.escrowService.Dispute)
}

func (s *Server) handleEmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	s.escrowTransition(w, r, "emergency_withdraw", s.escrowService.EmergencyWithdraw)
}

// handleAutoRelease still requires a token; the elapsed deadline decides.
func (s *Server) handleAutoRelease(w http.ResponseWriter, r *http.Request) {
	s.escrowTransition(w, r, "auto_release", func(ctx context.Context, _ auth.Principal, id string) (escrow.Agreement, error) {
		return s.escrowService.AutoRelease(ctx, id)
	})
}

func (s *Server) handleAddMilestone(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing caller")
		return
	}
	var req addMilestoneRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	amount, err := fee.Parse(req.Amount)
	if err != nil {
		s.fail(w, r, "add_milestone", err)
		return
	}
	m, a, err := s.escrowService.AddMilestone(r.Context(), caller, chi.URLParam(r, "id"), req.Description, amount)
	if err != nil {
		s.fail(w, r, "add_milestone", err)
		return
	}
	writeJSON(w, http.StatusCreated, addMilestoneResponse{
		Milestone: newMilestoneResponse(m),
		Agreement: newAgreementResponse(a),
	})
}

func (s *Server) handleApproveMilestone(w http.ResponseWriter, r *http.Request) {
	s.milestoneTransition(w, r, "approve_milestone", s.escrowService.ApproveMilestone)
}

func (s *Server) handleReleaseMilestone(w http.ResponseWriter, r *http.Request) {
	s.milestoneTransition(w, r, "release_milestone", s.escrowService.ReleaseMilestone)
}

func (s *Server) handleResolveEscrow(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing caller")
		return
	}
	var req resolveEscrowRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	a, err := s.escrowService.ResolveDispute(r.Context(), caller, chi.URLParam(r, "id"), escrow.Resolution(req.Resolution))
	if err != nil {
		s.fail(w, r, "resolve_dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, newAgreementResponse(a))
}

func (s *Server) escrowTransition(w http.ResponseWriter, r *http.Request, operation string, fn func(context.Context, auth.Principal, string) (escrow.Agreement, error)) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing caller")
		return
	}
	a, err := fn(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, operation, err)
		return
	}
	writeJSON(w, http.StatusOK, newAgreementResponse(a))
}

func (s *Server) milestoneTransition(w http.ResponseWriter, r *http.Request, operation string, fn func(context.Context, auth.Principal, string, int) (escrow.Agreement, error)) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing caller")
		return
	}
	milestoneID, err := strconv.Atoi(chi.URLParam(r, "mid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "milestone id must be an integer")
		return
	}
	a, err := fn(r.Context(), caller, chi.URLParam(r, "id"), milestoneID)
	if err != nil {
		s.fail(w, r, operation, err)
		return
	}
	writeJSON(w, http.StatusOK, newAgreementResponse(a))
}
