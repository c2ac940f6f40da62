package tokenkeeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/tokenkeeper/instrumentation"
	"github.com/giantswarm/tokenkeeper/internal/util"
	"github.com/giantswarm/tokenkeeper/security"
	"github.com/giantswarm/tokenkeeper/server"
	"github.com/giantswarm/tokenkeeper/storage"
)

const (
	// maxDownstreamBodySize caps the downstream response relayed to the browser (1MB)
	maxDownstreamBodySize = 1 << 20

	// rateLimitRetryAfter is the Retry-After value sent with 429 responses
	rateLimitRetryAfter = "60"
)

// Handler is a thin HTTP adapter for the token lifecycle Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server     *server.Server
	config     *Config
	logger     *slog.Logger
	tracer     trace.Tracer // OpenTelemetry tracer for HTTP layer
	httpClient *http.Client

	// shutdown hooks registered by NewServer, run in reverse order
	closers []func(context.Context) error
}

// NewHandler creates a new HTTP handler. config may be nil; its Server section
// is ignored since srv is already configured.
func NewHandler(srv *server.Server, config *Config) *Handler {
	if config == nil {
		config = &Config{}
	}
	applyConfigDefaults(config)

	h := &Handler{
		server:     srv,
		config:     config,
		logger:     config.Logger,
		httpClient: config.HTTPClient,
	}

	// Initialize tracer if instrumentation is enabled
	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	return h
}

// Server returns the underlying token lifecycle server
func (h *Handler) Server() *server.Server {
	return h.server
}

// ============================================================
// Sign-in
// ============================================================

// ServeLogin starts an authorization code flow and redirects to the identity
// provider. Optional query parameters: scope (space separated), return_to
// (local path), prompt and login_hint.
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	h.observe(w, r, "login", h.serveLogin)
}

func (h *Handler) serveLogin(w http.ResponseWriter, r *http.Request, span trace.Span) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	h.addClientIP(span, clientIP)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	query := r.URL.Query()
	req, err := h.server.StartSignIn(r.Context(), util.SplitScopes(query.Get("scope")), server.SignInOptions{
		ReturnTo:  query.Get("return_to"),
		Prompt:    query.Get("prompt"),
		LoginHint: query.Get("login_hint"),
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		if !errors.Is(err, server.ErrInvalidRequest) {
			h.logger.Error("Failed to start sign-in", "ip", clientIP, "error", err)
		}
		h.writeDomainError(w, err)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrScope, util.ScopeString(req.Scopes)))
	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Config.BaseURL)
	http.Redirect(w, r, req.URL, http.StatusFound)
}

// ServeCallback completes the authorization code flow, sets the session cookie
// and redirects to the path the sign-in started from.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	h.observe(w, r, "callback", h.serveCallback)
}

func (h *Handler) serveCallback(w http.ResponseWriter, r *http.Request, span trace.Span) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	h.addClientIP(span, clientIP)

	query := r.URL.Query()

	// Check for provider errors
	if errorParam := query.Get("error"); errorParam != "" {
		errorDesc := query.Get("error_description")
		h.logger.Warn("Provider returned error",
			"error", util.SafeTruncate(errorParam, 64),
			"description", util.SafeTruncate(errorDesc, 256))
		h.server.Auditor.LogSignInFailed(clientIP, ErrorCodeAccessDenied)
		instrumentation.SetSpanError(span, "provider returned error")
		h.writeError(w, ErrorCodeAccessDenied, "The identity provider did not complete the sign-in", http.StatusBadRequest)
		return
	}

	result, err := h.server.CompleteSignIn(r.Context(), query.Get("code"), query.Get("state"), clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.logger.Warn("Sign-in callback rejected", "ip", clientIP, "error", err)
		h.writeDomainError(w, err)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrAccountID, result.Account.ID))
	instrumentation.SetSpanSuccess(span)

	h.setSessionCookie(w, result.Reference, result.Session.ExpiresAt)
	security.SetSecurityHeaders(w, h.server.Config.BaseURL)

	returnTo := result.ReturnTo
	if returnTo == "" {
		returnTo = h.config.DefaultReturnTo
	}
	http.Redirect(w, r, returnTo, http.StatusFound)
}

// ServeLogout destroys the session server-side, clears the cookie and
// redirects to PostLogoutRedirect. Cached tokens are kept.
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	h.observe(w, r, "logout", h.serveLogout)
}

func (h *Handler) serveLogout(w http.ResponseWriter, r *http.Request, span trace.Span) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if ref := h.sessionReference(r); ref != "" {
		if err := h.server.Sessions.Destroy(r.Context(), ref); err != nil {
			// The cookie is cleared regardless; a stale record expires on its own.
			instrumentation.RecordError(span, err)
			h.logger.Warn("Failed to destroy session", "error", err)
		}
	}

	h.clearSessionCookie(w)
	security.SetSecurityHeaders(w, h.server.Config.BaseURL)
	http.Redirect(w, r, h.config.PostLogoutRedirect, http.StatusFound)
}

// ============================================================
// Sessions
// ============================================================

type contextKey string

const sessionKey contextKey = "session"

// ContextWithSession returns a copy of ctx carrying session
func ContextWithSession(ctx context.Context, session *storage.Session) context.Context {
	return context.WithValue(ctx, sessionKey, session)
}

// SessionFromContext returns the session stored by RequireSession
func SessionFromContext(ctx context.Context) (*storage.Session, bool) {
	session, ok := ctx.Value(sessionKey).(*storage.Session)
	return session, ok && session != nil
}

// lookupSession resolves the session cookie. Any failure means no session.
func (h *Handler) lookupSession(r *http.Request) *storage.Session {
	ref := h.sessionReference(r)
	if ref == "" {
		return nil
	}
	session, err := h.server.Sessions.Lookup(r.Context(), ref)
	if err != nil {
		return nil
	}
	return session
}

// RequireSession is middleware that resolves the session cookie and stores the
// session in the request context. Requests without a valid session are sent
// to the login path (GET) or answered with 401.
func (h *Handler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := h.lookupSession(r)
		if session == nil {
			if r.Method == http.MethodGet {
				h.redirectToLogin(w, r)
				return
			}
			h.writeError(w, ErrorCodeUnauthenticated, "No valid session", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), session)))
	})
}

// ServeSession describes the caller's session as JSON. Callers without a
// valid session get {"authenticated": false}.
func (h *Handler) ServeSession(w http.ResponseWriter, r *http.Request) {
	h.observe(w, r, "session", h.serveSession)
}

func (h *Handler) serveSession(w http.ResponseWriter, r *http.Request, span trace.Span) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session := h.lookupSession(r)
	if session == nil {
		h.writeJSON(w, http.StatusOK, SessionInfo{Authenticated: false})
		return
	}

	info := SessionInfo{
		Authenticated: true,
		Account: &AccountInfo{
			ID:       session.Account.ID,
			Username: session.Account.Username,
			TenantID: session.Account.TenantID,
		},
		Claims: session.IDTokenClaims,
	}
	if !session.ExpiresAt.IsZero() {
		info.ExpiresAt = session.ExpiresAt.Unix()
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrAccountID, session.Account.ID))
	h.writeJSON(w, http.StatusOK, info)
}

// ============================================================
// Downstream API
// ============================================================

// ServeDownstream returns a handler that calls apiURL on behalf of the
// signed-in account with a token for scopes and relays the JSON response.
// Tokens come from the cache or a silent refresh; the identity provider is
// never contacted interactively. When the account must sign in again the
// browser is redirected to the login path.
func (h *Handler) ServeDownstream(apiURL string, scopes []string) http.Handler {
	scopes = util.NormalizeScopes(scopes)
	return h.RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.observe(w, r, "downstream", func(w http.ResponseWriter, r *http.Request, span trace.Span) {
			h.serveDownstream(w, r, span, apiURL, scopes)
		})
	}))
}

func (h *Handler) serveDownstream(w http.ResponseWriter, r *http.Request, span trace.Span, apiURL string, scopes []string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, _ := SessionFromContext(r.Context())
	accountID := session.Account.ID
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrAccountID, accountID),
		attribute.String(instrumentation.AttrScope, util.ScopeString(scopes)))

	ctx := context.WithValue(r.Context(), oauth2.HTTPClient, h.httpClient)
	client := oauth2.NewClient(ctx, h.server.Acquirer.TokenSource(ctx, accountID, scopes))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorCodeServerError, "Invalid downstream URL", http.StatusInternalServerError)
		return
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		instrumentation.RecordError(span, err)
		switch {
		case errors.Is(err, server.ErrNeedsInteraction):
			h.logger.Info("Interactive sign-in required for downstream call", "scope", util.ScopeString(scopes))
			h.redirectToLogin(w, r)
		case errors.Is(err, server.ErrTransientRefresh):
			h.writeDomainError(w, err)
		default:
			h.logger.Warn("Downstream call failed", "url", apiURL, "error", err)
			h.writeError(w, ErrorCodeDownstreamError, "Downstream API unreachable", http.StatusBadGateway)
		}
		return
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDownstreamBodySize+1))
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorCodeDownstreamError, "Failed to read downstream response", http.StatusBadGateway)
		return
	}
	if len(body) > maxDownstreamBodySize {
		instrumentation.SetSpanError(span, "downstream response too large")
		h.writeError(w, ErrorCodeDownstreamError, "Downstream response too large", http.StatusBadGateway)
		return
	}
	if resp.StatusCode >= http.StatusBadRequest {
		h.logger.Warn("Downstream API returned error", "url", apiURL, "status", resp.StatusCode)
		instrumentation.SetSpanError(span, "downstream error status")
		h.writeError(w, ErrorCodeDownstreamError,
			fmt.Sprintf("Downstream API returned status %d", resp.StatusCode), http.StatusBadGateway)
		return
	}
	if !json.Valid(body) {
		instrumentation.SetSpanError(span, "downstream response is not JSON")
		h.writeError(w, ErrorCodeDownstreamError, "Downstream response is not JSON", http.StatusBadGateway)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Config.BaseURL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// ============================================================
// Health
// ============================================================

// ServeHealth reports whether the identity provider is reachable.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	h.observe(w, r, "health", h.serveHealth)
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request, span trace.Span) {
	resp := HealthResponse{
		Status:   "ok",
		Provider: h.server.Provider().Name(),
	}
	status := http.StatusOK
	if err := h.server.HealthCheck(r.Context()); err != nil {
		instrumentation.RecordError(span, err)
		h.logger.Warn("Health check failed", "error", err)
		resp.Status = "unavailable"
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

// ============================================================
// Helpers
// ============================================================

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

func (h *Handler) addClientIP(span trace.Span, clientIP string) {
	if h.server.Instrumentation != nil && h.server.Instrumentation.ShouldLogClientIPs() {
		instrumentation.AddSecurityAttributes(span, clientIP)
	}
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	h.server.Auditor.LogRateLimitExceeded(clientIP, "ip")
	w.Header().Set("Retry-After", rateLimitRetryAfter)
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

func (h *Handler) sessionReference(r *http.Request) string {
	cookie, err := r.Cookie(h.config.Cookie.Name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// setSessionCookie stores ref in an HttpOnly cookie. A zero expiresAt yields
// a browser-session cookie.
func (h *Handler) setSessionCookie(w http.ResponseWriter, ref string, expiresAt time.Time) {
	cookie := &http.Cookie{
		Name:     h.config.Cookie.Name,
		Value:    ref,
		Path:     h.config.Cookie.Path,
		Domain:   h.config.Cookie.Domain,
		HttpOnly: true,
		Secure:   !h.config.Cookie.Insecure,
		SameSite: http.SameSiteLaxMode,
	}
	if !expiresAt.IsZero() {
		cookie.Expires = expiresAt
		cookie.MaxAge = max(int(time.Until(expiresAt).Seconds()), 1)
	}
	http.SetCookie(w, cookie)
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.config.Cookie.Name,
		Value:    "",
		Path:     h.config.Cookie.Path,
		Domain:   h.config.Cookie.Domain,
		HttpOnly: true,
		Secure:   !h.config.Cookie.Insecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// redirectToLogin sends the browser to the login path, returning to the
// current request afterwards.
func (h *Handler) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	target := h.config.LoginPath + "?" + url.Values{"return_to": {r.URL.RequestURI()}}.Encode()
	security.SetSecurityHeaders(w, h.server.Config.BaseURL)
	http.Redirect(w, r, target, http.StatusFound)
}

// writeDomainError writes err as mapped by ErrorFromDomain.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	oe := ErrorFromDomain(err)
	if oe.Status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	h.writeError(w, oe.Code, oe.Description, oe.Status)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	h.writeJSON(w, status, ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.server.Config.BaseURL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	if s.status == 0 {
		s.status = status
	}
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// observe runs fn inside an HTTP span and records request metrics.
func (h *Handler) observe(w http.ResponseWriter, r *http.Request, endpoint string,
	fn func(http.ResponseWriter, *http.Request, trace.Span)) {
	startTime := time.Now()

	var span trace.Span
	if h.tracer != nil {
		var ctx context.Context
		ctx, span = h.tracer.Start(r.Context(), "http."+endpoint)
		defer span.End()
		r = r.WithContext(ctx)
	}

	rec := &statusRecorder{ResponseWriter: w}
	fn(rec, r, span)

	status := rec.status
	if status == 0 {
		status = http.StatusOK
	}
	instrumentation.AddHTTPAttributes(span, r.Method, endpoint, status)
	h.recordHTTPMetrics(r.Context(), endpoint, r.Method, status, startTime)
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}

	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)
}
