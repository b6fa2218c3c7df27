package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"escrowflow/auth"
	"escrowflow/fee"
	"escrowflow/registry"
)

type registerParticipantRequest struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

type updateParticipantRequest struct {
	Role   string `json:"role"`
	Active *bool  `json:"active"`
}

type pauseRequest struct {
	Paused *bool `json:"paused"`
}

type feeRatesRequest struct {
	EscrowFeeBps  *uint32 `json:"escrowFeeBps"`
	DisputeFeeBps *uint32 `json:"disputeFeeBps"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.fail(w, r, "register", err)
		return
	}
	writeJSON(w, http.StatusCreated, newUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.fail(w, r, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: result.Token, User: newUserResponse(result.User)})
}

func (s *Server) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing caller")
		return
	}
	if !caller.IsAdmin() {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "admin only")
		return
	}
	role := registry.Role(r.URL.Query().Get("role"))
	if !role.Valid() {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "role must be mediator or arbitrator")
		return
	}
	participants, err := s.registryService.List(r.Context(), role, parseLimit(r, 100, 500))
	if err != nil {
		s.fail(w, r, "list_participants", err)
		return
	}
	items := make([]participantResponse, 0, len(participants))
	for _, p := range participants {
		items = append(items, newParticipantResponse(p))
	}
	writeJSON(w, http.StatusOK, newList(items))
}

func (s *Server) handleRegisterParticipant(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing caller")
		return
	}
	var req registerParticipantRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	p, err := s.registryService.Register(r.Context(), caller, req.ID, registry.Role(req.Role))
	if err != nil {
		s.fail(w, r, "register_participant", err)
		return
	}
	writeJSON(w, http.StatusCreated, newParticipantResponse(p))
}

func (s *Server) handleUpdateParticipant(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing caller")
		return
	}
	var req updateParticipantRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	if req.Active == nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "active is required")
		return
	}
	p, err := s.registryService.SetActive(r.Context(), caller, chi.URLParam(r, "id"), registry.Role(req.Role), *req.Active)
	if err != nil {
		s.fail(w, r, "update_participant", err)
		return
	}
	writeJSON(w, http.StatusOK, newParticipantResponse(p))
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	s.writeSettings(w, r, "settings")
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing caller")
		return
	}
	var req pauseRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	if req.Paused == nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "paused is required")
		return
	}
	if _, err := s.registryService.SetPaused(r.Context(), caller, *req.Paused); err != nil {
		s.fail(w, r, "set_paused", err)
		return
	}
	s.writeSettings(w, r, "set_paused")
}

func (s *Server) handleFeeRates(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing caller")
		return
	}
	var req feeRatesRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	if _, err := s.registryService.SetFeeRates(r.Context(), caller, req.EscrowFeeBps, req.DisputeFeeBps); err != nil {
		s.fail(w, r, "set_fee_rates", err)
		return
	}
	s.writeSettings(w, r, "set_fee_rates")
}

// writeSettings reports the effective rates, defaults included.
func (s *Server) writeSettings(w http.ResponseWriter, r *http.Request, operation string) {
	settings, err := s.registryService.Settings(r.Context())
	if err != nil {
		s.fail(w, r, operation, err)
		return
	}
	escrowBps, err := s.registryService.EscrowFeeBps(r.Context())
	if err != nil {
		s.fail(w, r, operation, err)
		return
	}
	disputeBps, err := s.registryService.DisputeFeeBps(r.Context())
	if err != nil {
		s.fail(w, r, operation, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsResponse{
		Paused:            settings.Paused,
		EscrowFeeBps:      escrowBps,
		EscrowFeePercent:  fee.Percent(escrowBps),
		DisputeFeeBps:     disputeBps,
		DisputeFeePercent: fee.Percent(disputeBps),
	})
}
