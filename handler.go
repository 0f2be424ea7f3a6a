package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/brightsales/oauth/directory"
	"github.com/brightsales/oauth/instrumentation"
	"github.com/brightsales/oauth/security"
	"github.com/brightsales/oauth/server"
)

const tokenTypeBearer = "Bearer"

// Handler is a thin HTTP adapter for the OAuth server. It parses requests,
// delegates to the protocol core, and shapes responses; all grant logic lives
// in the server package.
type Handler struct {
	server          *server.Server
	users           directory.Directory
	rateLimiter     *security.RateLimiter
	logger          *slog.Logger
	tracer          trace.Tracer
	instrumentation *instrumentation.Instrumentation
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithRateLimiter guards the OAuth endpoints with a per-IP rate limiter.
func WithRateLimiter(rl *security.RateLimiter) HandlerOption {
	return func(h *Handler) { h.rateLimiter = rl }
}

// WithInstrumentation enables HTTP-layer tracing and metrics.
func WithInstrumentation(inst *instrumentation.Instrumentation) HandlerOption {
	return func(h *Handler) {
		h.server.SetInstrumentation(inst)
		h.tracer = inst.Tracer("http")
		h.instrumentation = inst
	}
}

// NewHandler creates an HTTP handler over the OAuth server. The directory
// resolves user IDs at the authorization and userinfo endpoints.
func NewHandler(srv *server.Server, users directory.Directory, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		users:  users,
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Routes returns a ServeMux with every OAuth endpoint registered.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/challenge", h.ServeChallenge)
	mux.HandleFunc("/authorize", h.ServeAuthorization)
	mux.HandleFunc("/token", h.ServeToken)
	mux.HandleFunc("/revoke", h.ServeTokenRevocation)
	mux.HandleFunc("/userinfo", h.ServeUserInfo)
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.ServeAuthorizationServerMetadata)
	return mux
}

// ServeChallenge generates a PKCE verifier/challenge pair. The verifier is
// returned to the caller and is required again at the token endpoint.
func (h *Handler) ServeChallenge(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.http.challenge")
	if span != nil {
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.checkRateLimit(w, r, "challenge") {
		return
	}

	result, err := h.server.GenerateChallenge(r.Context())
	if err != nil {
		h.logger.Error("Failed to generate challenge", "error", err)
		h.recordHTTPMetrics(r.Context(), "challenge", http.MethodPost, http.StatusInternalServerError, startTime)
		h.writeError(w, ErrorCodeServerError, "Failed to generate challenge", http.StatusInternalServerError)
		return
	}

	h.recordHTTPMetrics(r.Context(), "challenge", http.MethodPost, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, ChallengeResponse{
		ChallengeID:         result.ChallengeID,
		CodeVerifier:        result.CodeVerifier,
		CodeChallenge:       result.CodeChallenge,
		CodeChallengeMethod: result.Method,
		State:               result.State,
		ExpiresIn:           int64(time.Until(result.ExpiresAt).Seconds()),
	})
}

// ServeAuthorization handles the authorization endpoint. Login and consent UI
// are out of scope; the authenticated user arrives as the user_id parameter,
// resolved against the directory before a code is issued.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.http.authorization")
	if span != nil {
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.checkRateLimit(w, r, "authorize") {
		return
	}

	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	scope := q.Get("scope")
	state := q.Get("state")
	challengeID := q.Get("challenge_id")
	userID := q.Get("user_id")
	responseType := q.Get("response_type")

	if responseType != "code" {
		h.recordHTTPMetrics(r.Context(), "authorize", http.MethodGet, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "response_type must be 'code'", http.StatusBadRequest)
		return
	}
	for name, value := range map[string]string{
		"client_id": clientID, "redirect_uri": redirectURI,
		"challenge_id": challengeID, "user_id": userID, "state": state,
	} {
		if value == "" {
			h.recordHTTPMetrics(r.Context(), "authorize", http.MethodGet, http.StatusBadRequest, startTime)
			h.writeError(w, ErrorCodeInvalidRequest, fmt.Sprintf("%s is required", name), http.StatusBadRequest)
			return
		}
	}

	user, err := h.users.LookupUser(r.Context(), userID)
	if err != nil {
		h.logger.Warn("Authorization for unknown user", "user_id", userID)
		h.recordHTTPMetrics(r.Context(), "authorize", http.MethodGet, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Unknown user", http.StatusBadRequest)
		return
	}

	code, err := h.server.IssueAuthorizationCode(r.Context(), clientID, user.ID, scope, redirectURI, challengeID)
	if err != nil {
		h.logger.Warn("Authorization request rejected", "client_id", clientID, "error", err)
		oauthErr := mapAuthorizationError(err)
		h.recordHTTPMetrics(r.Context(), "authorize", http.MethodGet, oauthErr.Status, startTime)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	// The client's state rides back so it can tie the redirect to its request
	redirect := fmt.Sprintf("%s?code=%s&state=%s", redirectURI, url.QueryEscape(code), url.QueryEscape(state))
	h.recordHTTPMetrics(r.Context(), "authorize", http.MethodGet, http.StatusFound, startTime)
	http.Redirect(w, r, redirect, http.StatusFound)
}

// ServeToken handles the token endpoint for the authorization_code and
// refresh_token grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.checkRateLimit(w, r, "token") {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	switch grantType := r.FormValue("grant_type"); grantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, r)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType, fmt.Sprintf("Grant type %q not supported", grantType), http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.http.token_exchange")
	if span != nil {
		defer span.End()
		r = r.WithContext(ctx)
	}

	code := r.FormValue("code")
	redirectURI := r.FormValue("redirect_uri")
	codeVerifier := r.FormValue("code_verifier")

	if code == "" || codeVerifier == "" {
		h.recordHTTPMetrics(r.Context(), "token", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "code and code_verifier are required", http.StatusBadRequest)
		return
	}

	clientID, ok := h.authenticateClient(w, r)
	if !ok {
		return
	}

	pair, err := h.server.ExchangeAuthorizationCode(r.Context(), code, clientID, codeVerifier, redirectURI)
	if err != nil {
		h.logger.Warn("Token exchange failed", "client_id", clientID, "ip", clientIP(r), "error", err)
		oauthErr := mapGrantError(err)
		h.recordHTTPMetrics(r.Context(), "token", http.MethodPost, oauthErr.Status, startTime)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	h.logger.Info("Token exchange successful", "client_id", clientID)
	h.recordHTTPMetrics(r.Context(), "token", http.MethodPost, http.StatusOK, startTime)
	h.writeTokenResponse(w, pair)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.http.token_refresh")
	if span != nil {
		defer span.End()
		r = r.WithContext(ctx)
	}

	refreshToken := r.FormValue("refresh_token")
	scope := r.FormValue("scope")

	if refreshToken == "" {
		h.recordHTTPMetrics(r.Context(), "token", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest)
		return
	}

	clientID, ok := h.authenticateClient(w, r)
	if !ok {
		return
	}

	pair, err := h.server.RefreshAccessToken(r.Context(), refreshToken, clientID, scope)
	if err != nil {
		h.logger.Warn("Token refresh failed", "client_id", clientID, "ip", clientIP(r), "error", err)
		oauthErr := mapGrantError(err)
		h.recordHTTPMetrics(r.Context(), "token", http.MethodPost, oauthErr.Status, startTime)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	h.recordHTTPMetrics(r.Context(), "token", http.MethodPost, http.StatusOK, startTime)
	h.writeTokenResponse(w, pair)
}

// ServeTokenRevocation handles the RFC 7009 revocation endpoint. The response
// is 200 for known and unknown tokens alike.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.http.token_revocation")
	if span != nil {
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.checkRateLimit(w, r, "revoke") {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	token := r.FormValue("token")
	tokenTypeHint := r.FormValue("token_type_hint")
	if token == "" {
		h.recordHTTPMetrics(r.Context(), "revoke", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}

	clientID, ok := h.authenticateClient(w, r)
	if !ok {
		return
	}

	if err := h.server.RevokeToken(r.Context(), token, tokenTypeHint, clientID); err != nil {
		// RFC 7009: the client still gets 200; the failure is ours to chase
		h.logger.Error("Revocation failed", "client_id", clientID, "error", err)
	}

	h.recordHTTPMetrics(r.Context(), "revoke", http.MethodPost, http.StatusOK, startTime)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeUserInfo resolves the bearer token's subject against the directory.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.http.userinfo")
	if span != nil {
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.checkRateLimit(w, r, "userinfo") {
		return
	}

	accessToken, ok := h.extractBearerToken(w, r)
	if !ok {
		return
	}

	claims, err := h.server.ValidateAccessToken(r.Context(), accessToken)
	if err != nil {
		h.recordHTTPMetrics(r.Context(), "userinfo", http.MethodGet, http.StatusUnauthorized, startTime)
		h.writeUnauthorizedError(w, "Token is invalid or expired")
		return
	}

	user, err := h.users.LookupUser(r.Context(), claims.UserID)
	if err != nil {
		h.logger.Error("Token subject missing from directory", "user_id", claims.UserID)
		h.recordHTTPMetrics(r.Context(), "userinfo", http.MethodGet, http.StatusInternalServerError, startTime)
		h.writeError(w, ErrorCodeServerError, "Failed to resolve user", http.StatusInternalServerError)
		return
	}

	h.recordHTTPMetrics(r.Context(), "userinfo", http.MethodGet, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, UserInfoResponse{
		Subject:       user.ID,
		Email:         user.Email,
		Name:          user.Name,
		EmailVerified: user.EmailVerified,
		Scope:         claims.Scope,
	})
}

// ServeAuthorizationServerMetadata serves the RFC 8414 discovery document.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := h.server.Config.Issuer
	h.writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                        issuer,
		AuthorizationEndpoint:         issuer + "/authorize",
		TokenEndpoint:                 issuer + "/token",
		RevocationEndpoint:            issuer + "/revoke",
		UserInfoEndpoint:              issuer + "/userinfo",
		ResponseTypesSupported:        []string{"code"},
		GrantTypesSupported:           []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported: []string{server.PKCEMethodS256},
		ScopesSupported:               h.server.Config.SupportedScopes,
	})
}

// authenticateClient resolves the calling client from Basic auth or form
// parameters and, for confidential clients, verifies the secret. Returns the
// client ID and true, or writes the error response and returns false.
func (h *Handler) authenticateClient(w http.ResponseWriter, r *http.Request) (string, bool) {
	clientID := r.FormValue("client_id")
	clientSecret := r.FormValue("client_secret")
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		clientID, clientSecret = basicID, basicSecret
	}

	if clientID == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "client_id is required", http.StatusBadRequest)
		return "", false
	}

	client, err := h.server.GetClient(r.Context(), clientID)
	if err != nil {
		h.logger.Warn("Unknown client at token endpoint", "client_id", clientID, "ip", clientIP(r))
		h.writeError(w, ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
		return "", false
	}

	if client.Confidential {
		if err := h.server.ValidateClientCredentials(r.Context(), clientID, clientSecret); err != nil {
			h.logger.Warn("Client authentication failed", "client_id", clientID, "ip", clientIP(r))
			h.writeError(w, ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
			return "", false
		}
	}

	return clientID, true
}

// checkRateLimit enforces the per-IP limiter. Returns true when the request
// was rejected.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if h.rateLimiter == nil {
		return false
	}

	ip := clientIP(r)
	if h.rateLimiter.Allow(ip) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", ip, "endpoint", endpoint)
	if m := h.metrics(); m != nil {
		m.RecordRateLimitExceeded(r.Context(), "ip")
	}
	h.server.Auditor.LogRateLimitExceeded(ip)

	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// extractBearerToken pulls the Bearer token from the Authorization header.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeUnauthorizedError(w, "Missing Authorization header")
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		h.writeUnauthorizedError(w, "Invalid Authorization header format")
		return "", false
	}

	return parts[1], true
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, pair *server.TokenPair) {
	// SetSecurityHeaders already disables caching, which RFC 6749 section
	// 5.1 requires for token responses
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
		Scope:        pair.Scope,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", tokenTypeBearer)
	}
	h.writeJSON(w, status, ErrorResponse{Error: code, ErrorDescription: description})
}

func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, description string) {
	h.writeError(w, ErrorCodeInvalidToken, description, http.StatusUnauthorized)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return r.Context(), nil
	}
	return h.tracer.Start(r.Context(), name)
}

func (h *Handler) metrics() *instrumentation.Metrics {
	if h.instrumentation == nil {
		return nil
	}
	return h.instrumentation.Metrics()
}

func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if m := h.metrics(); m != nil {
		m.RecordHTTPRequest(ctx, method, endpoint, status, float64(time.Since(startTime).Milliseconds()))
	}
}

// clientIP extracts the remote IP, ignoring the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
