package main

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/registry"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Principal, error)
}

type escrowService interface {
	Create(ctx context.Context, caller auth.Principal, params escrow.CreateParams) (escrow.Agreement, error)
	Fund(ctx context.Context, caller auth.Principal, id string) (escrow.Agreement, error)
	AddMilestone(ctx context.Context, caller auth.Principal, id, description string, amount *big.Int) (escrow.Milestone, escrow.Agreement, error)
	ApproveMilestone(ctx context.Context, caller auth.Principal, id string, milestoneID int) (escrow.Agreement, error)
	ReleaseMilestone(ctx context.Context, caller auth.Principal, id string, milestoneID int) (escrow.Agreement, error)
	ReleaseFunds(ctx context.Context, caller auth.Principal, id string) (escrow.Agreement, error)
	AutoRelease(ctx context.Context, id string) (escrow.Agreement, error)
	Dispute(ctx context.Context, caller auth.Principal, id string) (escrow.Agreement, error)
	ResolveDispute(ctx context.Context, caller auth.Principal, id string, resolution escrow.Resolution) (escrow.Agreement, error)
	EmergencyWithdraw(ctx context.Context, caller auth.Principal, id string) (escrow.Agreement, error)
	Get(ctx context.Context, id string) (escrow.Agreement, error)
	List(ctx context.Context, caller auth.Principal) ([]escrow.Agreement, error)
	Transfers(ctx context.Context, id string) ([]escrow.Transfer, error)
}

type disputeService interface {
	Open(ctx context.Context, caller auth.Principal, p dispute.OpenParams) (dispute.Case, error)
	AddEvidence(ctx context.Context, caller auth.Principal, jobID int64, description, attachmentHash string) (dispute.Evidence, error)
	AssignMediator(ctx context.Context, caller auth.Principal, jobID int64, mediator string) (dispute.Case, error)
	Escalate(ctx context.Context, caller auth.Principal, jobID int64, arbitrator string) (dispute.Case, error)
	Resolve(ctx context.Context, caller auth.Principal, jobID int64, outcome dispute.Outcome) (dispute.Case, error)
	Reconcile(ctx context.Context, caller auth.Principal, jobID int64) (dispute.Case, error)
	CheckTimeout(ctx context.Context, jobID int64) (bool, error)
	Get(ctx context.Context, jobID int64) (dispute.Case, error)
	ListUnsettled(ctx context.Context, caller auth.Principal, limit int) ([]dispute.Case, error)
}

type registryService interface {
	Register(ctx context.Context, caller auth.Principal, id string, role registry.Role) (registry.Participant, error)
	SetActive(ctx context.Context, caller auth.Principal, id string, role registry.Role, active bool) (registry.Participant, error)
	List(ctx context.Context, role registry.Role, limit int) ([]registry.Participant, error)
	SetPaused(ctx context.Context, caller auth.Principal, paused bool) (registry.Settings, error)
	SetFeeRates(ctx context.Context, caller auth.Principal, escrowBps, disputeBps *uint32) (registry.Settings, error)
	Settings(ctx context.Context) (registry.Settings, error)
	EscrowFeeBps(ctx context.Context) (uint32, error)
	DisputeFeeBps(ctx context.Context) (uint32, error)
}

// Server is the HTTP adapter over the domain services.
type Server struct {
	logger          *slog.Logger
	authService     authService
	escrowService   escrowService
	disputeService  disputeService
	registryService registryService
}

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeyUserID    ctxKey = "user_id"
	ctxKeyRole      ctxKey = "role"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/escrows", func(r chi.Router) {
				r.Post("/", s.handleCreateEscrow)
				r.Get("/", s.handleListEscrows)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetEscrow)
					r.Get("/transfers", s.handleEscrowTransfers)
					r.Post("/fund", s.handleFundEscrow)
					r.Post("/milestones", s.handleAddMilestone)
					r.Post("/milestones/{mid}/approve", s.handleApproveMilestone)
					r.Post("/milestones/{mid}/release", s.handleReleaseMilestone)
					r.Post("/release", s.handleReleaseFunds)
					r.Post("/auto-release", s.handleAutoRelease)
					r.Post("/dispute", s.handleDisputeEscrow)
					r.Post("/resolve", s.handleResolveEscrow)
					r.Post("/emergency-withdraw", s.handleEmergencyWithdraw)
				})
			})

			r.Route("/disputes", func(r chi.Router) {
				r.Post("/", s.handleOpenDispute)
				r.Get("/unsettled", s.handleUnsettledDisputes)
				r.Route("/{job}", func(r chi.Router) {
					r.Get("/", s.handleGetDispute)
					r.Post("/evidence", s.handleAddEvidence)
					r.Post("/mediator", s.handleAssignMediator)
					r.Post("/escalate", s.handleEscalate)
					r.Post("/resolve", s.handleResolveDispute)
					r.Get("/timeout", s.handleCheckTimeout)
					r.Post("/reconcile", s.handleReconcile)
				})
			})

			r.Route("/admin", func(r chi.Router) {
				r.Get("/participants", s.handleListParticipants)
				r.Post("/participants", s.handleRegisterParticipant)
				r.Patch("/participants/{id}", s.handleUpdateParticipant)
				r.Get("/settings", s.handleSettings)
				r.Post("/pause", s.handlePause)
				r.Put("/fees", s.handleFeeRates)
			})
		})
	})

	return r
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log().ErrorContext(r.Context(), "panic recovered",
					"module", "http",
					"operation", "http_panic_recovery",
					"outcome", "failure",
					"request_id", requestID(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
				)
				writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		outcome := "success"
		if recorder.statusCode >= 400 {
			outcome = "failure"
		}
		level := slog.LevelInfo
		if recorder.statusCode >= 500 {
			level = slog.LevelError
		}
		s.log().Log(r.Context(), level, "http request",
			"module", "http",
			"operation", "http_request",
			"outcome", outcome,
			"method", r.Method,
			"path", r.URL.Path,
			"status_code", recorder.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestID(r.Context()),
		)
	})
}

// authMiddleware verifies the bearer token and stores the caller in the
// request context. Handlers read identity from nowhere else.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token")
			return
		}
		principal, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, principal.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, principal.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// callerFrom returns the principal stored by authMiddleware.
func callerFrom(ctx context.Context) (auth.Principal, bool) {
	userID, _ := ctx.Value(ctxKeyUserID).(string)
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	if userID == "" || role == "" {
		return auth.Principal{}, false
	}
	return auth.Principal{UserID: userID, Role: role}, true
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}
