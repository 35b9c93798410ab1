package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"unitrack/auth-gate/internal/auth"
	"unitrack/auth-gate/internal/config"
	"unitrack/auth-gate/internal/directory"
	"unitrack/auth-gate/internal/model"
	"unitrack/auth-gate/internal/repository"
	"unitrack/auth-gate/internal/service"
)

// Verifier checks a raw bearer token and returns its claims.
type Verifier interface {
	Verify(rawToken string) (*auth.Claims, error)
}

// Ledger is the session allow-list as seen from the HTTP layer.
type Ledger interface {
	SessionValid(ctx context.Context, sessionID string) (bool, error)
	RevokeSession(ctx context.Context, sessionID string) error
	RevokeSessionsByUser(ctx context.Context, username string) error
	ListSessionsByUser(ctx context.Context, username string) ([]model.SessionRecord, error)
	ListSessions(ctx context.Context) ([]model.SessionRecord, error)
}

type IdentityReader interface {
	GetIdentityByUsername(ctx context.Context, username string) (model.Identity, error)
}

type Server struct {
	cfg        config.Config
	log        zerolog.Logger
	auth       *service.Auth
	verifier   Verifier
	ledger     Ledger
	identities IdentityReader
	jwks       auth.JWKSet
}

func NewServer(cfg config.Config, log zerolog.Logger, svc *service.Auth, verifier Verifier, ledger Ledger, identities IdentityReader, jwks auth.JWKSet) *Server {
	return &Server{
		cfg:        cfg,
		log:        log.With().Str("component", "http").Logger(),
		auth:       svc,
		verifier:   verifier,
		ledger:     ledger,
		identities: identities,
		jwks:       jwks,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/.well-known/jwks.json", s.handleJWKS)

	r.Post("/auth/login", s.handleLogin)
	r.With(s.authMiddleware).Post("/auth/logout", s.handleLogout)
	r.With(s.authMiddleware).Get("/auth/me", s.handleGetMe)

	r.With(s.authMiddleware, s.requireAdmin).Post("/auth/preauth", s.handleIssuePreAuth)

	r.Route("/auth/2fa", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/", s.handleListSecondFactors)
		r.Post("/", s.handleRegisterSecondFactor)
		r.Post("/{secretId}/verify", s.handleVerifySecondFactor)
		r.Delete("/{secretId}", s.handleRemoveSecondFactor)
	})

	r.With(s.authMiddleware, s.requireAdmin).Get("/auth/sessions", s.handleListSessions)
	r.With(s.authMiddleware, s.requireAdmin).Get("/auth/sessions/{username}", s.handleListUserSessions)
	r.With(s.authMiddleware, s.requireAdmin).Delete("/auth/sessions/{username}", s.handleRevokeUserSessions)
	r.With(s.authMiddleware, s.requireAdmin).Delete("/auth/session/{sessionId}", s.handleRevokeSession)

	return r
}

type loginRequest struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	SecondFactor string `json:"secondFactor,omitempty"`
	Token        string `json:"token,omitempty"`
}

type loginResponse struct {
	Token    string `json:"token"`
	UserType string `json:"userType"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Token == "" && (req.Username == "" || req.Password == "") {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}

	result, err := s.auth.Login(r.Context(), service.LoginInput{
		Username:     req.Username,
		Password:     req.Password,
		SecondFactor: req.SecondFactor,
		PreAuthToken: req.Token,
	})
	if err != nil {
		s.writeLoginError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: result.Token, UserType: result.UserType})
}

// writeLoginError maps the flow's rejection reasons onto the wire. A needed
// second factor is a resubmit signal, not a failure, so it goes out as 200
// with a status discriminator.
func (s *Server) writeLoginError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrSecondFactorRequired):
		writeJSON(w, http.StatusOK, map[string]string{"status": "second_factor_required"})
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, directory.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
	case errors.Is(err, service.ErrSecondFactorInvalid):
		writeError(w, http.StatusUnauthorized, "second_factor_invalid")
	case errors.Is(err, service.ErrInvalidPreAuth):
		writeError(w, http.StatusUnauthorized, "invalid_preauth")
	case errors.Is(err, service.ErrAccountInactive):
		writeError(w, http.StatusForbidden, "account_inactive")
	case errors.Is(err, directory.ErrPasswordEqualsBirthdate):
		writeError(w, http.StatusConflict, "password_equals_birthdate")
	case errors.Is(err, directory.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "directory_unavailable")
	case errors.Is(err, auth.ErrSessionPersist):
		writeError(w, http.StatusInternalServerError, "session_persist_failed")
	default:
		s.log.Error().Err(err).Msg("login failed")
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.ledger.RevokeSession(r.Context(), claims.SessionID); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	s.log.Info().Str("user", claims.Username).Str("session_id", claims.SessionID).Msg("logout")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type identitySummary struct {
	ID                  string `json:"id"`
	Username            string `json:"username"`
	UserType            string `json:"userType"`
	Admin               bool   `json:"admin"`
	Active              bool   `json:"active"`
	SecondFactorEnabled bool   `json:"secondFactorEnabled"`
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	identity, err := s.identities.GetIdentityByUsername(r.Context(), claims.Username)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "identity_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusOK, identitySummary{
		ID:                  identity.ID,
		Username:            identity.Username,
		UserType:            identity.UserType,
		Admin:               identity.Admin || claims.Admin,
		Active:              identity.Active,
		SecondFactorEnabled: identity.SecondFactorEnabled,
	})
}

type preAuthRequest struct {
	Subject string `json:"subject"`
}

func (s *Server) handleIssuePreAuth(w http.ResponseWriter, r *http.Request) {
	var req preAuthRequest
	if err := decodeJSON(r, &req); err != nil || req.Subject == "" {
		writeError(w, http.StatusBadRequest, "missing_subject")
		return
	}

	token, err := s.auth.IssuePreAuth(r.Context(), req.Subject)
	if err != nil {
		if errors.Is(err, service.ErrPreAuthDisabled) {
			writeError(w, http.StatusServiceUnavailable, "preauth_disabled")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

type registerSecondFactorRequest struct {
	Alias  string `json:"alias"`
	Secret string `json:"secret,omitempty"`
}

type secondFactorResponse struct {
	ID     string `json:"id"`
	Secret string `json:"secret,omitempty"`
	URL    string `json:"url,omitempty"`
}

func (s *Server) handleRegisterSecondFactor(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.ownIdentity(w, r)
	if !ok {
		return
	}

	var req registerSecondFactorRequest
	if err := decodeJSON(r, &req); err != nil || req.Alias == "" {
		writeError(w, http.StatusBadRequest, "missing_alias")
		return
	}

	reg, err := s.auth.RegisterSecondFactor(r.Context(), identity.ID, identity.Username, req.Secret, req.Alias)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusCreated, secondFactorResponse{ID: reg.ID, Secret: reg.Secret, URL: reg.URL})
}

type verifySecondFactorRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleVerifySecondFactor(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.ownIdentity(w, r)
	if !ok {
		return
	}

	var req verifySecondFactorRequest
	if err := decodeJSON(r, &req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "missing_code")
		return
	}

	err := s.auth.VerifySecondFactorRegistration(r.Context(), chi.URLParam(r, "secretId"), identity.ID, req.Code)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
	case errors.Is(err, repository.ErrSecretNotFound):
		writeError(w, http.StatusNotFound, "secret_not_found")
	case errors.Is(err, service.ErrSecondFactorInvalid):
		writeError(w, http.StatusBadRequest, "second_factor_invalid")
	default:
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}

func (s *Server) handleRemoveSecondFactor(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.ownIdentity(w, r)
	if !ok {
		return
	}

	err := s.auth.RemoveSecondFactor(r.Context(), chi.URLParam(r, "secretId"), identity.ID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case errors.Is(err, repository.ErrSecretNotFound):
		writeError(w, http.StatusNotFound, "secret_not_found")
	default:
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}

type secondFactorSummary struct {
	ID        string `json:"id"`
	Alias     string `json:"alias"`
	Verified  bool   `json:"verified"`
	CreatedAt string `json:"createdAt"`
}

func (s *Server) handleListSecondFactors(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.ownIdentity(w, r)
	if !ok {
		return
	}

	secrets, err := s.auth.ListSecondFactors(r.Context(), identity.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	summaries := make([]secondFactorSummary, 0, len(secrets))
	for _, secret := range secrets {
		summaries = append(summaries, secondFactorSummary{
			ID:        secret.ID,
			Alias:     secret.Alias,
			Verified:  secret.Verified,
			CreatedAt: secret.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

type sessionSummary struct {
	SessionID string `json:"sessionId"`
	Username  string `json:"username"`
	IssuedAt  string `json:"issuedAt"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	records, err := s.ledger.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapSessions(records))
}

func (s *Server) handleListUserSessions(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	records, err := s.ledger.ListSessionsByUser(r.Context(), username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapSessions(records))
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if err := s.ledger.RevokeSession(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	s.log.Info().Str("session_id", sessionID).Msg("session revoked")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if err := s.ledger.RevokeSessionsByUser(r.Context(), username); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	s.log.Info().Str("user", username).Msg("all sessions revoked")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.jwks)
}

func mapSessions(records []model.SessionRecord) []sessionSummary {
	summaries := make([]sessionSummary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, sessionSummary{
			SessionID: rec.SessionID,
			Username:  rec.Username,
			IssuedAt:  rec.IssuedAt.UTC().Format(time.RFC3339),
		})
	}
	return summaries
}

// authMiddleware is the per-request gate: signature check, then ledger
// membership. Both failure kinds collapse to the same 401 on the wire but
// keep distinct log labels.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := requestToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		claims, err := s.verifier.Verify(token)
		if err != nil {
			label := "signature_invalid"
			if errors.Is(err, auth.ErrTokenMalformed) {
				label = "token_malformed"
			}
			s.log.Info().Str("reason", label).Msg("request rejected")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		valid, err := s.ledger.SessionValid(r.Context(), claims.SessionID)
		if err != nil {
			s.log.Error().Str("op", "session_check").Err(err).Msg("ledger lookup failed")
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		if !valid {
			s.log.Info().Str("reason", "session_revoked").Str("user", claims.Username).Msg("request rejected")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil || !claims.Admin {
			writeError(w, http.StatusForbidden, "admin_only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ownIdentity resolves the caller's identity row; the second-factor
// endpoints operate on the caller only.
func (s *Server) ownIdentity(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return model.Identity{}, false
	}
	identity, err := s.identities.GetIdentityByUsername(r.Context(), claims.Username)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "identity_not_found")
			return model.Identity{}, false
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return model.Identity{}, false
	}
	return identity, true
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// requestToken reads the bearer token from the Authorization header or the
// legacy x-access-token header.
func requestToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return auth.StripBearer(header)
	}
	return auth.StripBearer(r.Header.Get("x-access-token"))
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
