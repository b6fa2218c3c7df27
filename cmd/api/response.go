package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/fee"
	"escrowflow/ratelimit"
	"escrowflow/registry"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// readJSON decodes a single JSON object and rejects unknown fields.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}

// mapError translates domain errors into an HTTP status and error code.
func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "UNAUTHENTICATED", err.Error()
	case errors.Is(err, escrow.ErrUnauthorized),
		errors.Is(err, dispute.ErrUnauthorized),
		errors.Is(err, registry.ErrUnauthorized),
		errors.Is(err, auth.ErrRoleNotAllowed):
		return http.StatusForbidden, "FORBIDDEN", err.Error()
	case errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		return http.StatusNotFound, "NOT_FOUND", err.Error()
	case errors.Is(err, escrow.ErrRateLimited), errors.Is(err, ratelimit.ErrLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED", err.Error()
	case errors.Is(err, escrow.ErrInvalidInput),
		errors.Is(err, dispute.ErrInvalidInput),
		errors.Is(err, registry.ErrInvalidInput),
		errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, fee.ErrMalformedAmount),
		errors.Is(err, fee.ErrOutOfRange):
		return http.StatusBadRequest, "INVALID_INPUT", err.Error()
	case errors.Is(err, escrow.ErrAlreadyExists),
		errors.Is(err, dispute.ErrAlreadyExists),
		errors.Is(err, auth.ErrDuplicateEmail):
		return http.StatusConflict, "ALREADY_EXISTS", err.Error()
	case errors.Is(err, dispute.ErrAlreadyResolved):
		return http.StatusConflict, "ALREADY_RESOLVED", err.Error()
	case errors.Is(err, dispute.ErrMediationRequired):
		return http.StatusConflict, "MEDIATION_REQUIRED", err.Error()
	case errors.Is(err, dispute.ErrArbitrationRequired):
		return http.StatusConflict, "ARBITRATION_REQUIRED", err.Error()
	case errors.Is(err, escrow.ErrTimeoutExceeded):
		return http.StatusConflict, "TIMEOUT_EXCEEDED", err.Error()
	case errors.Is(err, escrow.ErrTimeoutNotReached):
		return http.StatusConflict, "TIMEOUT_NOT_REACHED", err.Error()
	case errors.Is(err, escrow.ErrInvalidState), errors.Is(err, dispute.ErrInvalidState):
		return http.StatusConflict, "INVALID_STATE", err.Error()
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, operation string, err error) {
	status, code, message := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log().ErrorContext(r.Context(), "request failed",
			"module", "http",
			"operation", operation,
			"outcome", "failure",
			"request_id", requestID(r.Context()),
			"error", err,
		)
	}
	writeError(w, status, code, message)
}

func parseLimit(r *http.Request, fallback, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	if v > max {
		return max
	}
	return v
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func timeString(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func optionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := timeString(*t)
	return &s
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
}

func newUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		CreatedAt: timeString(u.CreatedAt),
	}
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type milestoneResponse struct {
	ID          int     `json:"id"`
	Description string  `json:"description"`
	Amount      string  `json:"amount"`
	Approved    bool    `json:"approved"`
	Released    bool    `json:"released"`
	ApprovedAt  *string `json:"approvedAt,omitempty"`
	ReleasedAt  *string `json:"releasedAt,omitempty"`
}

type agreementResponse struct {
	ID             string              `json:"id"`
	Client         string              `json:"client"`
	Freelancer     string              `json:"freelancer"`
	Arbitrator     string              `json:"arbitrator,omitempty"`
	Amount         string              `json:"amount"`
	State          string              `json:"state"`
	Milestones     []milestoneResponse `json:"milestones"`
	ReleasedAmount string              `json:"releasedAmount"`
	FeeBps         uint32              `json:"feeBps"`
	FeePercent     string              `json:"feePercent"`
	FeeCollected   string              `json:"feeCollected"`
	NetAmount      string              `json:"netAmount"`
	Resolution     string              `json:"resolution,omitempty"`
	TimeoutSecs    *int64              `json:"timeoutSecs,omitempty"`
	CreatedAt      string              `json:"createdAt"`
	FundedAt       *string             `json:"fundedAt,omitempty"`
	ReleasedAt     *string             `json:"releasedAt,omitempty"`
	DisputedAt     *string             `json:"disputedAt,omitempty"`
	ResolvedAt     *string             `json:"resolvedAt,omitempty"`
	UpdatedAt      string              `json:"updatedAt"`
}

func newAgreementResponse(a escrow.Agreement) agreementResponse {
	milestones := make([]milestoneResponse, 0, len(a.Milestones))
	for _, m := range a.Milestones {
		milestones = append(milestones, newMilestoneResponse(m))
	}
	return agreementResponse{
		ID:             a.ID,
		Client:         a.Client,
		Freelancer:     a.Freelancer,
		Arbitrator:     a.Arbitrator,
		Amount:         amountString(a.Amount),
		State:          string(a.State),
		Milestones:     milestones,
		ReleasedAmount: amountString(a.ReleasedAmount),
		FeeBps:         a.FeeBps,
		FeePercent:     fee.Percent(a.FeeBps),
		FeeCollected:   amountString(a.FeeCollected),
		NetAmount:      amountString(a.NetAmount),
		Resolution:     string(a.Resolution),
		TimeoutSecs:    a.TimeoutSecs,
		CreatedAt:      timeString(a.CreatedAt),
		FundedAt:       optionalTime(a.FundedAt),
		ReleasedAt:     optionalTime(a.ReleasedAt),
		DisputedAt:     optionalTime(a.DisputedAt),
		ResolvedAt:     optionalTime(a.ResolvedAt),
		UpdatedAt:      timeString(a.UpdatedAt),
	}
}

func newMilestoneResponse(m escrow.Milestone) milestoneResponse {
	return milestoneResponse{
		ID:          m.ID,
		Description: m.Description,
		Amount:      amountString(m.Amount),
		Approved:    m.Approved,
		Released:    m.Released,
		ApprovedAt:  optionalTime(m.ApprovedAt),
		ReleasedAt:  optionalTime(m.ReleasedAt),
	}
}

type transferResponse struct {
	Seq       int    `json:"seq"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"createdAt"`
}

type evidenceResponse struct {
	Seq            int    `json:"seq"`
	Submitter      string `json:"submitter"`
	Description    string `json:"description"`
	AttachmentHash string `json:"attachmentHash,omitempty"`
	SubmittedAt    string `json:"submittedAt"`
}

func newEvidenceResponse(e dispute.Evidence) evidenceResponse {
	return evidenceResponse{
		Seq:            e.Seq,
		Submitter:      e.Submitter,
		Description:    e.Description,
		AttachmentHash: e.AttachmentHash,
		SubmittedAt:    timeString(e.SubmittedAt),
	}
}

type caseResponse struct {
	JobID              int64              `json:"jobId"`
	Initiator          string             `json:"initiator"`
	Reason             string             `json:"reason"`
	Amount             string             `json:"amount"`
	EscrowRef          string             `json:"escrowRef,omitempty"`
	Status             string             `json:"status"`
	Level              string             `json:"level"`
	Mediator           string             `json:"mediator,omitempty"`
	Arbitrator         string             `json:"arbitrator,omitempty"`
	Outcome            string             `json:"outcome"`
	Evidence           []evidenceResponse `json:"evidence"`
	FeeCollected       string             `json:"feeCollected"`
	TimeoutAt          string             `json:"timeoutAt"`
	CreatedAt          string             `json:"createdAt"`
	UpdatedAt          string             `json:"updatedAt"`
	ResolvedAt         *string            `json:"resolvedAt,omitempty"`
	ResolvedBy         string             `json:"resolvedBy,omitempty"`
	Settlement         string             `json:"settlement"`
	SettlementError    string             `json:"settlementError,omitempty"`
	SettlementAttempts int                `json:"settlementAttempts"`
}

func newCaseResponse(c dispute.Case) caseResponse {
	evidence := make([]evidenceResponse, 0, len(c.Evidence))
	for _, e := range c.Evidence {
		evidence = append(evidence, newEvidenceResponse(e))
	}
	return caseResponse{
		JobID:              c.JobID,
		Initiator:          c.Initiator,
		Reason:             c.Reason,
		Amount:             amountString(c.Amount),
		EscrowRef:          c.EscrowRef,
		Status:             string(c.Status),
		Level:              string(c.Level),
		Mediator:           c.Mediator,
		Arbitrator:         c.Arbitrator,
		Outcome:            string(c.Outcome),
		Evidence:           evidence,
		FeeCollected:       amountString(c.FeeCollected),
		TimeoutAt:          timeString(c.TimeoutAt),
		CreatedAt:          timeString(c.CreatedAt),
		UpdatedAt:          timeString(c.UpdatedAt),
		ResolvedAt:         optionalTime(c.ResolvedAt),
		ResolvedBy:         c.ResolvedBy,
		Settlement:         string(c.Settlement),
		SettlementError:    c.SettlementError,
		SettlementAttempts: c.SettlementAttempts,
	}
}

type participantResponse struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

func newParticipantResponse(p registry.Participant) participantResponse {
	return participantResponse{
		ID:        p.ID,
		Role:      string(p.Role),
		Active:    p.Active,
		CreatedAt: timeString(p.CreatedAt),
		UpdatedAt: timeString(p.UpdatedAt),
	}
}

type settingsResponse struct {
	Paused            bool   `json:"paused"`
	EscrowFeeBps      uint32 `json:"escrowFeeBps"`
	EscrowFeePercent  string `json:"escrowFeePercent"`
	DisputeFeeBps     uint32 `json:"disputeFeeBps"`
	DisputeFeePercent string `json:"disputeFeePercent"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func newList[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Total: len(items)}
}
