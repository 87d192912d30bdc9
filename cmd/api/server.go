package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"escrowbot/auth"
	"escrowbot/deal"
	"escrowbot/engine"
	"escrowbot/gateway"
	"escrowbot/money"
	"escrowbot/party"
	"escrowbot/reconcile"
)

type contextKey string

const ctxKeyHandle contextKey = "operatorHandle"

const maxWebhookBytes = 1 << 16

// adminEngine is the slice of the engine the admin surface drives.
type adminEngine interface {
	AdminActor(handle int64) (engine.Actor, error)
	Split(ctx context.Context, actor engine.Actor, dealID int64, sellerAmount money.Amount) (deal.Deal, error)
	RefundDeal(ctx context.Context, actor engine.Actor, dealID int64, reason string) (deal.Deal, error)
	RefundMilestone(ctx context.Context, actor engine.Actor, milestoneID int64, reason string) (deal.Milestone, error)
	Resolve(ctx context.Context, actor engine.Actor, dealID int64) (deal.Deal, error)
	Verify(ctx context.Context, actor engine.Actor, handle int64) (party.Party, error)
	Unverify(ctx context.Context, actor engine.Actor, handle int64) (party.Party, error)
	Dashboard(ctx context.Context, actor engine.Actor, dealID int64) (engine.Projection, error)
}

type webhookParser interface {
	ParseWebhook(payload []byte, signature string) (gateway.Event, error)
}

type reconciler interface {
	Reconcile(ctx context.Context, ev gateway.Event) (reconcile.Outcome, error)
}

type authenticator interface {
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (int64, error)
}

type Server struct {
	engine     adminEngine
	webhooks   webhookParser
	reconciler reconciler
	auth       authenticator
	logger     *slog.Logger
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/webhooks/stripe", s.handleStripeWebhook)
	r.Post("/admin/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireOperator)

		r.Get("/api/deals/{id}", s.handleDashboard)

		r.Post("/admin/deals/{id}/split", s.handleSplit)
		r.Post("/admin/deals/{id}/refund", s.handleRefundDeal)
		r.Post("/admin/deals/{id}/resolve", s.handleResolve)
		r.Post("/admin/milestones/{id}/refund", s.handleRefundMilestone)
		r.Post("/admin/parties/{handle}/verify", s.handleVerify(true))
		r.Post("/admin/parties/{handle}/unverify", s.handleVerify(false))
	})
	return r
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	ev, err := s.webhooks.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, gateway.ErrBadSignature) {
			writeError(w, http.StatusBadRequest, "invalid signature")
			return
		}
		s.logger.Warn("webhook decode failed", "error", err)
		writeError(w, http.StatusBadRequest, "invalid event")
		return
	}

	outcome, err := s.reconciler.Reconcile(r.Context(), ev)
	if err != nil {
		// A non-2xx makes the processor redeliver.
		s.logger.Error("webhook reconcile failed", "event_id", ev.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "reconcile failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if user, pass, ok := r.BasicAuth(); ok {
		req = auth.LoginRequest{Username: user, Password: pass}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "credentials required")
		return
	}

	res, err := s.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":    res.Token,
		"username": res.Operator.Username,
		"handle":   res.Operator.Handle,
	})
}

func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		handle, err := s.auth.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyHandle, handle)))
	})
}

// admin resolves the request's operator to an engine admin actor.
func (s *Server) admin(w http.ResponseWriter, r *http.Request) (engine.Actor, bool) {
	handle, _ := r.Context().Value(ctxKeyHandle).(int64)
	actor, err := s.engine.AdminActor(handle)
	if err != nil {
		s.writeEngineError(w, err)
		return engine.Actor{}, false
	}
	return actor, true
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := s.admin(w, r)
	if !ok {
		return
	}
	proj, err := s.engine.Dashboard(r.Context(), actor, id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProjectionResponse(proj))
}

type splitRequest struct {
	SellerAmount string `json:"sellerAmount"`
}

func (s *Server) handleSplit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req splitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	amount, err := money.Parse(req.SellerAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "sellerAmount must be a decimal amount such as 40.00")
		return
	}
	actor, ok := s.admin(w, r)
	if !ok {
		return
	}
	d, err := s.engine.Split(r.Context(), actor, id, amount)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDealResponse(d))
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// decodeReason accepts an empty body.
func decodeReason(r *http.Request) (string, error) {
	var req reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(req.Reason), nil
}

func (s *Server) handleRefundDeal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	reason, err := decodeReason(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	actor, ok := s.admin(w, r)
	if !ok {
		return
	}
	d, err := s.engine.RefundDeal(r.Context(), actor, id, reason)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDealResponse(d))
}

func (s *Server) handleRefundMilestone(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	reason, err := decodeReason(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	actor, ok := s.admin(w, r)
	if !ok {
		return
	}
	m, err := s.engine.RefundMilestone(r.Context(), actor, id, reason)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMilestoneResponse(m))
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := s.admin(w, r)
	if !ok {
		return
	}
	d, err := s.engine.Resolve(r.Context(), actor, id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDealResponse(d))
}

func (s *Server) handleVerify(verified bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handle, ok := pathID(w, r, "handle")
		if !ok {
			return
		}
		actor, ok := s.admin(w, r)
		if !ok {
			return
		}
		set := s.engine.Unverify
		if verified {
			set = s.engine.Verify
		}
		p, err := set(r.Context(), actor, handle)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toPartyResponse(p))
	}
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrDuplicateEvent):
		status = http.StatusOK
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrValidation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrGateway):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("admin request failed", "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, engine.Reason(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
