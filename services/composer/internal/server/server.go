// Package server exposes the composer's HTTP API to the dashboard.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"postpilot/internal/ratelimit"
	"postpilot/internal/usertoken"
	"postpilot/internal/util"
	"postpilot/pkg/domain"
	"postpilot/services/composer/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier *usertoken.Verifier
	CORSOrigin    string

	RedisAddr     string
	RedisPassword string

	GenerateRateLimitPerMinute int
	PublishRateLimitPerMinute  int
	TrustedProxyCIDRs          []string
}

// Server exposes HTTP endpoints for the composer service.
type Server struct {
	app             *app.App
	tokenVerifier   *usertoken.Verifier
	mux             *http.ServeMux
	corsOrigin      string
	trustedProxies  *util.TrustedProxies
	generateLimiter *ratelimit.FixedWindowLimiter
	publishLimiter  *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	generateLimit := cfg.GenerateRateLimitPerMinute
	if generateLimit <= 0 {
		generateLimit = 30
	}
	publishLimit := cfg.PublishRateLimitPerMinute
	if publishLimit <= 0 {
		publishLimit = 10
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "postpilot:composer:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	generateLimiter, err := newLimiter("generate", generateLimit)
	if err != nil {
		return nil, err
	}
	publishLimiter, err := newLimiter("publish", publishLimit)
	if err != nil {
		return nil, err
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	s := &Server{
		app:             cfg.App,
		tokenVerifier:   cfg.TokenVerifier,
		mux:             http.NewServeMux(),
		corsOrigin:      cfg.CORSOrigin,
		trustedProxies:  trusted,
		generateLimiter: generateLimiter,
		publishLimiter:  publishLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("composer", util.WithSecurityHeaders(util.WithCORS(s.corsOrigin, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/api/session", s.authenticated(s.handleSession))
	s.mux.Handle("/api/session/start", s.authenticated(s.handleStart))
	s.mux.Handle("/api/session/resume", s.authenticated(s.handleResume))
	s.mux.Handle("/api/session/dismiss-recovery", s.authenticated(s.handleDismissRecovery))
	s.mux.Handle("/api/session/generate", s.authenticated(s.handleGenerate))
	s.mux.Handle("/api/session/refine", s.authenticated(s.handleRefine))
	s.mux.Handle("/api/session/regenerate-image", s.authenticated(s.handleRegenerateImage))
	s.mux.Handle("/api/session/publish", s.authenticated(s.handlePublish))
	s.mux.Handle("/api/session/discard", s.authenticated(s.handleDiscard))

	s.mux.Handle("/api/usage", s.authenticated(s.handleUsage))
	s.mux.Handle("/api/posts", s.authenticated(s.handlePosts))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type identityHandler func(http.ResponseWriter, *http.Request, app.Identity)

func (s *Server) authenticated(next identityHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenVerifier == nil {
			writeError(w, http.StatusInternalServerError, "token verifier not configured")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "composer.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := s.tokenVerifier.Verify(token)
		if err != nil {
			s.audit(r, "composer.authorize", "fail", "reason", "invalid_signature_or_claims")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		id := app.Identity{
			UserID:             claims.UserID(),
			Role:               claims.UserRole(),
			PlanID:             claims.PlanID,
			Cycle:              claims.Cycle(),
			DailyLimitOverride: claims.DailyLimitOverride,
		}
		next(w, r, id)
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, id app.Identity) {
	switch r.Method {
	case http.MethodGet:
		ct, ok := contentTypeParam(w, r.URL.Query().Get("type"))
		if !ok {
			return
		}
		view, err := s.app.CurrentSession(id, ct)
		if err != nil {
			s.writeAppError(w, r, "composer.session.get", err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodPatch:
		var req struct {
			Type  string           `json:"type"`
			Patch app.SessionPatch `json:"patch"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		ct, ok := contentTypeParam(w, req.Type)
		if !ok {
			return
		}
		session, err := s.app.UpdateSession(r.Context(), id, ct, req.Patch)
		if err != nil {
			s.writeAppError(w, r, "composer.session.update", err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	default:
		methodNotAllowed(w)
	}
}

type slotRequest struct {
	Type string `json:"type"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, id app.Identity) {
	var req slotRequest
	if !requirePost(w, r) || !decodeBody(w, r, &req) {
		return
	}
	ct, ok := contentTypeParam(w, req.Type)
	if !ok {
		return
	}
	view, err := s.app.StartSession(r.Context(), id, ct)
	if err != nil {
		s.writeAppError(w, r, "composer.session.start", err)
		return
	}
	s.audit(r, "composer.session.start", "success", "user_id", id.UserID, "session_id", view.Session.ID)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, id app.Identity) {
	var req slotRequest
	if !requirePost(w, r) || !decodeBody(w, r, &req) {
		return
	}
	ct, ok := contentTypeParam(w, req.Type)
	if !ok {
		return
	}
	view, err := s.app.Resume(r.Context(), id, ct)
	if err != nil {
		s.writeAppError(w, r, "composer.session.resume", err)
		return
	}
	s.audit(r, "composer.session.resume", "success", "user_id", id.UserID, "session_id", view.Session.ID)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDismissRecovery(w http.ResponseWriter, r *http.Request, id app.Identity) {
	var req slotRequest
	if !requirePost(w, r) || !decodeBody(w, r, &req) {
		return
	}
	ct, ok := contentTypeParam(w, req.Type)
	if !ok {
		return
	}
	s.app.DismissRecovery(id, ct)
	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request, id app.Identity) {
	var req struct {
		Type      string                `json:"type"`
		Mode      domain.GenerationMode `json:"mode"`
		Confirmed bool                  `json:"confirmed"`
	}
	if !requirePost(w, r) || !decodeBody(w, r, &req) {
		return
	}
	ct, ok := contentTypeParam(w, req.Type)
	if !ok {
		return
	}
	if !s.allowRate(w, r, s.generateLimiter, id.UserID, "generation rate limit exceeded") {
		return
	}
	res, err := s.app.Generate(r.Context(), id, ct, req.Mode, req.Confirmed)
	if err != nil {
		s.writeSpendError(w, r, "composer.generate", res, err)
		return
	}
	s.audit(r, "composer.generate", "success", "user_id", id.UserID, "mode", string(req.Mode), "cost", res.Quote.Cost)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRefine(w http.ResponseWriter, r *http.Request, id app.Identity) {
	var req struct {
		Type        string `json:"type"`
		Instruction string `json:"instruction"`
		Confirmed   bool   `json:"confirmed"`
	}
	if !requirePost(w, r) || !decodeBody(w, r, &req) {
		return
	}
	ct, ok := contentTypeParam(w, req.Type)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Instruction) == "" {
		writeError(w, http.StatusBadRequest, "instruction is required")
		return
	}
	if !s.allowRate(w, r, s.generateLimiter, id.UserID, "generation rate limit exceeded") {
		return
	}
	res, err := s.app.Refine(r.Context(), id, ct, req.Instruction, req.Confirmed)
	if err != nil {
		s.writeSpendError(w, r, "composer.refine", res, err)
		return
	}
	s.audit(r, "composer.refine", "success", "user_id", id.UserID, "cost", res.Quote.Cost)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRegenerateImage(w http.ResponseWriter, r *http.Request, id app.Identity) {
	var req struct {
		Type      string `json:"type"`
		Confirmed bool   `json:"confirmed"`
	}
	if !requirePost(w, r) || !decodeBody(w, r, &req) {
		return
	}
	ct, ok := contentTypeParam(w, req.Type)
	if !ok {
		return
	}
	if !s.allowRate(w, r, s.generateLimiter, id.UserID, "generation rate limit exceeded") {
		return
	}
	res, err := s.app.RegenerateImage(r.Context(), id, ct, req.Confirmed)
	if err != nil {
		s.writeSpendError(w, r, "composer.regenerate_image", res, err)
		return
	}
	s.audit(r, "composer.regenerate_image", "success", "user_id", id.UserID, "cost", res.Quote.Cost)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, id app.Identity) {
	var req slotRequest
	if !requirePost(w, r) || !decodeBody(w, r, &req) {
		return
	}
	ct, ok := contentTypeParam(w, req.Type)
	if !ok {
		return
	}
	if !s.allowRate(w, r, s.publishLimiter, id.UserID, "publish rate limit exceeded") {
		return
	}
	post, err := s.app.Publish(r.Context(), id, ct)
	if err != nil {
		s.writeAppError(w, r, "composer.publish", err)
		return
	}
	s.audit(r, "composer.publish", "success", "user_id", id.UserID, "post_id", post.ID)
	writeJSON(w, http.StatusOK, post)
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request, id app.Identity) {
	var req slotRequest
	if !requirePost(w, r) || !decodeBody(w, r, &req) {
		return
	}
	ct, ok := contentTypeParam(w, req.Type)
	if !ok {
		return
	}
	if err := s.app.Discard(r.Context(), id, ct); err != nil {
		s.writeAppError(w, r, "composer.discard", err)
		return
	}
	s.audit(r, "composer.discard", "success", "user_id", id.UserID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, id app.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	state, err := s.app.Usage(r.Context(), id)
	if err != nil {
		// the cached snapshot is still served; resync failure is advisory
		slog.Warn("usage resync failed", "user_id", id.UserID, "error", err)
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handlePosts(w http.ResponseWriter, r *http.Request, id app.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	posts, err := s.app.ListPosts(id, limit)
	if err != nil {
		s.writeAppError(w, r, "composer.posts.list", err)
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

// writeSpendError maps spend failures; the priced quote rides along so
// the dashboard can show the blocking modal without a second round trip.
func (s *Server) writeSpendError(w http.ResponseWriter, r *http.Request, event string, res app.GenerateResult, err error) {
	switch {
	case errors.Is(err, app.ErrConfirmationRequired):
		s.audit(r, event, "confirmation_required", "cost", res.Quote.Cost)
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "confirmation required",
			"quote": res.Quote,
		})
	case errors.Is(err, domain.ErrInsufficientCredits):
		s.audit(r, event, "blocked", "reason", "insufficient_credits")
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error": "insufficient credits",
			"quote": res.Quote,
			"usage": res.Usage,
		})
	case errors.Is(err, domain.ErrDailyLimitReached):
		s.audit(r, event, "blocked", "reason", "daily_limit_reached")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": "daily limit reached",
			"quote": res.Quote,
			"usage": res.Usage,
		})
	default:
		s.writeAppError(w, r, event, err)
	}
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, event string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, app.ErrSessionNotFound), errors.Is(err, app.ErrNoRecoveryOffer):
		status = http.StatusNotFound
	case errors.Is(err, app.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, app.ErrInvalidMode),
		errors.Is(err, app.ErrNoSubject),
		errors.Is(err, app.ErrImagesNotAllowed),
		errors.Is(err, app.ErrNoImagePrompt),
		errors.Is(err, app.ErrNoContent):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrGenerationFailed):
		status = http.StatusBadGateway
	case errors.Is(err, domain.ErrPublishFailed):
		status = http.StatusBadGateway
	}
	s.audit(r, event, "fail", "reason", err.Error())
	writeError(w, status, err.Error())
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, userID, msg string) bool {
	key := r.URL.Path + "|" + userID
	if limiter.Allow(key) {
		return true
	}
	s.audit(r, "composer.rate_limit", "rate_limited", "user_id", userID)
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
		"request_id", util.RequestIDFromRequest(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func contentTypeParam(w http.ResponseWriter, raw string) (domain.ContentType, bool) {
	ct := domain.ContentType(strings.TrimSpace(raw))
	if !ct.Valid() {
		writeError(w, http.StatusBadRequest, "type must be comment or post")
		return "", false
	}
	return ct, true
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
