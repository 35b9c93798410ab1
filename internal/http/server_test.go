package http

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	"unitrack/auth-gate/internal/auth"
	"unitrack/auth-gate/internal/config"
	"unitrack/auth-gate/internal/crypto"
	"unitrack/auth-gate/internal/directory"
	"unitrack/auth-gate/internal/model"
	"unitrack/auth-gate/internal/repository"
	"unitrack/auth-gate/internal/service"
)

type memLedger struct {
	mu       sync.Mutex
	sessions map[string]model.SessionRecord
}

func newMemLedger() *memLedger {
	return &memLedger{sessions: map[string]model.SessionRecord{}}
}

func (l *memLedger) RecordSession(_ context.Context, rec model.SessionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[rec.SessionID] = rec
	return nil
}

func (l *memLedger) SessionValid(_ context.Context, sessionID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.sessions[sessionID]
	return ok, nil
}

func (l *memLedger) RevokeSession(_ context.Context, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
	return nil
}

func (l *memLedger) RevokeSessionsByUser(_ context.Context, username string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, rec := range l.sessions {
		if rec.Username == username {
			delete(l.sessions, id)
		}
	}
	return nil
}

func (l *memLedger) ListSessionsByUser(_ context.Context, username string) ([]model.SessionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.SessionRecord
	for _, rec := range l.sessions {
		if rec.Username == username {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (l *memLedger) ListSessions(_ context.Context) ([]model.SessionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.SessionRecord, 0, len(l.sessions))
	for _, rec := range l.sessions {
		out = append(out, rec)
	}
	return out, nil
}

type memStore struct {
	mu         sync.Mutex
	identities map[string]model.Identity
	secrets    map[string]model.SecondFactorSecret
}

func newMemStore() *memStore {
	return &memStore{
		identities: map[string]model.Identity{},
		secrets:    map[string]model.SecondFactorSecret{},
	}
}

func (s *memStore) addIdentity(identity model.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[identity.Username] = identity
}

func (s *memStore) GetIdentityByUsername(_ context.Context, username string) (model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[username]
	if !ok {
		return model.Identity{}, pgx.ErrNoRows
	}
	return identity, nil
}

func (s *memStore) CreateSecondFactorSecret(_ context.Context, secret model.SecondFactorSecret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[secret.ID] = secret
	for username, identity := range s.identities {
		if identity.ID == secret.OwnerID {
			identity.SecondFactorEnabled = true
			s.identities[username] = identity
		}
	}
	return nil
}

func (s *memStore) GetSecondFactorSecret(_ context.Context, id string) (model.SecondFactorSecret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, ok := s.secrets[id]
	if !ok {
		return model.SecondFactorSecret{}, repository.ErrSecretNotFound
	}
	return secret, nil
}

func (s *memStore) ListSecondFactorSecrets(_ context.Context, ownerID string) ([]model.SecondFactorSecret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SecondFactorSecret
	for _, secret := range s.secrets {
		if secret.OwnerID == ownerID {
			out = append(out, secret)
		}
	}
	return out, nil
}

func (s *memStore) MarkSecondFactorVerified(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, ok := s.secrets[id]
	if !ok {
		return repository.ErrSecretNotFound
	}
	secret.Verified = true
	s.secrets[id] = secret
	return nil
}

func (s *memStore) DeleteSecondFactorSecret(_ context.Context, id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, ok := s.secrets[id]
	if !ok || secret.OwnerID != ownerID {
		return repository.ErrSecretNotFound
	}
	delete(s.secrets, id)
	remaining := 0
	for _, rest := range s.secrets {
		if rest.OwnerID == ownerID {
			remaining++
		}
	}
	if remaining == 0 {
		for username, identity := range s.identities {
			if identity.ID == ownerID {
				identity.SecondFactorEnabled = false
				s.identities[username] = identity
			}
		}
	}
	return nil
}

type memDirectory struct {
	passwords map[string]string
	staff     map[string]bool
}

func (d *memDirectory) Authenticate(_ context.Context, username, password string) (directory.Hint, error) {
	want, ok := d.passwords[username]
	if !ok || password != want {
		return directory.Standard, directory.ErrInvalidCredentials
	}
	if d.staff[username] {
		return directory.Elevated, nil
	}
	return directory.Standard, nil
}

type memBroker struct {
	mu        sync.Mutex
	tokens    map[string]string
	bySubject map[string]string
}

func newMemBroker() *memBroker {
	return &memBroker{tokens: map[string]string{}, bySubject: map[string]string{}}
}

func (b *memBroker) Issue(_ context.Context, subject string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if prior, ok := b.bySubject[subject]; ok {
		delete(b.tokens, prior)
	}
	token := uuid.NewString()
	b.tokens[token] = subject
	b.bySubject[subject] = token
	return token, nil
}

func (b *memBroker) Redeem(_ context.Context, token string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subject, ok := b.tokens[token]
	if !ok {
		return "", service.ErrInvalidPreAuth
	}
	delete(b.tokens, token)
	delete(b.bySubject, subject)
	return subject, nil
}

func (b *memBroker) Revoke(_ context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subject, ok := b.tokens[token]; ok {
		delete(b.tokens, token)
		delete(b.bySubject, subject)
	}
	return nil
}

type fixture struct {
	handler http.Handler
	store   *memStore
	ledger  *memLedger
	broker  *memBroker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwks, err := auth.NewJWKSet(&key.PublicKey)
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}

	ledger := newMemLedger()
	store := newMemStore()
	broker := newMemBroker()
	dir := &memDirectory{
		passwords: map[string]string{"t.durand": "Secret123!", "s.martin": "Secret456!"},
		staff:     map[string]bool{"t.durand": true},
	}

	issuer := auth.NewIssuerFromKeys(key, "unitrack", 15*time.Minute, ledger)
	logger := zerolog.Nop()
	svc := service.NewAuth(store, dir, broker, issuer, map[string]struct{}{"root": {}}, "UniTrack", logger)

	server := NewServer(config.Config{HTTPAddr: ":0"}, logger, svc, issuer, ledger, store, jwks)

	hash, err := crypto.HashPassword("local-pass")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	rootHash, err := crypto.HashPassword("Secret-root")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	store.addIdentity(model.Identity{
		ID:           uuid.NewString(),
		Username:     "root",
		PasswordHash: &rootHash,
		UserType:     model.UserTypeTeacher,
		Admin:        true,
		Active:       true,
	})
	store.addIdentity(model.Identity{
		ID:       uuid.NewString(),
		Username: "t.durand",
		UserType: model.UserTypeTeacher,
		Active:   true,
	})
	store.addIdentity(model.Identity{
		ID:       uuid.NewString(),
		Username: "s.martin",
		UserType: model.UserTypeStudent,
		Active:   true,
	})
	store.addIdentity(model.Identity{
		ID:           uuid.NewString(),
		Username:     "local.user",
		PasswordHash: &hash,
		UserType:     model.UserTypeStudent,
		Active:       true,
	})

	return &fixture{handler: server.Router(), store: store, ledger: ledger, broker: broker}
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) login(t *testing.T, username, password string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", username, rec.Code, rec.Body.String())
	}
	var resp loginResponse
	decode(t, rec, &resp)
	if resp.Token == "" {
		t.Fatalf("login %s: empty token", username)
	}
	return resp.Token
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestLoginDirectoryRoles(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "t.durand",
		"password": "Secret123!",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var resp loginResponse
	decode(t, rec, &resp)
	if resp.UserType != model.UserTypeTeacher {
		t.Fatalf("userType = %q, want %q", resp.UserType, model.UserTypeTeacher)
	}

	rec = f.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "s.martin",
		"password": "Secret456!",
	})
	decode(t, rec, &resp)
	if resp.UserType != model.UserTypeStudent {
		t.Fatalf("userType = %q, want %q", resp.UserType, model.UserTypeStudent)
	}
}

func TestLoginRejections(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		body map[string]string
		want int
	}{
		{"wrong password", map[string]string{"username": "t.durand", "password": "nope"}, http.StatusUnauthorized},
		{"unknown user", map[string]string{"username": "ghost", "password": "nope"}, http.StatusUnauthorized},
		{"wrong local password", map[string]string{"username": "local.user", "password": "nope"}, http.StatusUnauthorized},
		{"missing password", map[string]string{"username": "t.durand"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/auth/login", "", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("status %d, want %d (%s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestLoginLocalPassword(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "local.user", "local-pass")

	rec := f.do(t, http.MethodGet, "/auth/me", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me: status %d body %s", rec.Code, rec.Body.String())
	}
	var me identitySummary
	decode(t, rec, &me)
	if me.Username != "local.user" || me.Admin {
		t.Fatalf("me = %+v", me)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "s.martin", "Secret456!")

	if rec := f.do(t, http.MethodGet, "/auth/me", token, nil); rec.Code != http.StatusOK {
		t.Fatalf("me before logout: status %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/auth/logout", token, nil); rec.Code != http.StatusOK {
		t.Fatalf("logout: status %d", rec.Code)
	}
	// Signature is still valid; only the ledger row is gone.
	if rec := f.do(t, http.MethodGet, "/auth/me", token, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("me after logout: status %d, want 401", rec.Code)
	}
}

func TestMissingAndGarbledTokens(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, http.MethodGet, "/auth/me", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/auth/me", "not-a-jwt", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbled token: status %d", rec.Code)
	}
}

func TestLegacyAccessTokenHeader(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "s.martin", "Secret456!")

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("x-access-token", token)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestAdminSessionEndpoints(t *testing.T) {
	f := newFixture(t)
	adminToken := f.login(t, "root", "Secret-root")
	studentToken := f.login(t, "s.martin", "Secret456!")

	// Non-admin is refused.
	if rec := f.do(t, http.MethodGet, "/auth/sessions", studentToken, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("student listing sessions: status %d", rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/auth/sessions", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list sessions: status %d", rec.Code)
	}
	var all []sessionSummary
	decode(t, rec, &all)
	if len(all) != 2 {
		t.Fatalf("got %d sessions, want 2", len(all))
	}

	rec = f.do(t, http.MethodGet, "/auth/sessions/s.martin", adminToken, nil)
	var userSessions []sessionSummary
	decode(t, rec, &userSessions)
	if len(userSessions) != 1 {
		t.Fatalf("got %d sessions for s.martin, want 1", len(userSessions))
	}

	if rec := f.do(t, http.MethodDelete, "/auth/session/"+userSessions[0].SessionID, adminToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("revoke session: status %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/auth/me", studentToken, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked session still accepted: status %d", rec.Code)
	}
}

func TestAdminRevokeAllUserSessions(t *testing.T) {
	f := newFixture(t)
	adminToken := f.login(t, "root", "Secret-root")
	first := f.login(t, "s.martin", "Secret456!")
	second := f.login(t, "s.martin", "Secret456!")

	if rec := f.do(t, http.MethodDelete, "/auth/sessions/s.martin", adminToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("revoke all: status %d", rec.Code)
	}
	for _, token := range []string{first, second} {
		if rec := f.do(t, http.MethodGet, "/auth/me", token, nil); rec.Code != http.StatusUnauthorized {
			t.Fatalf("session survived bulk revocation: status %d", rec.Code)
		}
	}
	// The admin's own session is untouched.
	if rec := f.do(t, http.MethodGet, "/auth/me", adminToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("admin session lost: status %d", rec.Code)
	}
}

func TestSecondFactorLifecycle(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "s.martin", "Secret456!")

	rec := f.do(t, http.MethodPost, "/auth/2fa", token, map[string]string{"alias": "phone"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: status %d body %s", rec.Code, rec.Body.String())
	}
	var reg secondFactorResponse
	decode(t, rec, &reg)
	if reg.Secret == "" || reg.URL == "" {
		t.Fatalf("register = %+v, want generated secret and url", reg)
	}

	code, err := totp.GenerateCode(reg.Secret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	rec = f.do(t, http.MethodPost, "/auth/2fa/"+reg.ID+"/verify", token, map[string]string{"code": code})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/auth/2fa", token, nil)
	var list []secondFactorSummary
	decode(t, rec, &list)
	if len(list) != 1 || !list[0].Verified || list[0].Alias != "phone" {
		t.Fatalf("list = %+v", list)
	}

	// The next password-only login is gated on the second factor.
	rec = f.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "s.martin",
		"password": "Secret456!",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("gated login: status %d", rec.Code)
	}
	var gated map[string]string
	decode(t, rec, &gated)
	if gated["status"] != "second_factor_required" {
		t.Fatalf("gated login body = %v", gated)
	}

	code, err = totp.GenerateCode(reg.Secret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	rec = f.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username":     "s.martin",
		"password":     "Secret456!",
		"secondFactor": code,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login with code: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp loginResponse
	decode(t, rec, &resp)
	if resp.Token == "" {
		t.Fatal("login with code: empty token")
	}

	// Removing the last secret drops the gate again.
	if rec := f.do(t, http.MethodDelete, "/auth/2fa/"+reg.ID, token, nil); rec.Code != http.StatusOK {
		t.Fatalf("delete secret: status %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/auth/me", token, nil)
	var me identitySummary
	decode(t, rec, &me)
	if me.SecondFactorEnabled {
		t.Fatal("secondFactorEnabled still set after removing last secret")
	}
}

func TestSecondFactorWrongCode(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "s.martin", "Secret456!")

	rec := f.do(t, http.MethodPost, "/auth/2fa", token, map[string]string{"alias": "phone"})
	var reg secondFactorResponse
	decode(t, rec, &reg)

	rec = f.do(t, http.MethodPost, "/auth/2fa/"+reg.ID+"/verify", token, map[string]string{"code": "000000"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("wrong code: status %d, want 400", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/auth/2fa/unknown-id/verify", token, map[string]string{"code": "000000"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown secret: status %d, want 404", rec.Code)
	}
}

func TestPreAuthFlow(t *testing.T) {
	f := newFixture(t)
	adminToken := f.login(t, "root", "Secret-root")
	studentToken := f.login(t, "s.martin", "Secret456!")

	// Only admins may mint bootstrap tokens.
	if rec := f.do(t, http.MethodPost, "/auth/preauth", studentToken, map[string]string{"subject": "s.martin"}); rec.Code != http.StatusForbidden {
		t.Fatalf("student minting preauth: status %d", rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/auth/preauth", adminToken, map[string]string{"subject": "s.martin"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("mint: status %d body %s", rec.Code, rec.Body.String())
	}
	var minted map[string]string
	decode(t, rec, &minted)
	if minted["token"] == "" {
		t.Fatal("mint: empty token")
	}

	rec = f.do(t, http.MethodPost, "/auth/login", "", map[string]string{"token": minted["token"]})
	if rec.Code != http.StatusOK {
		t.Fatalf("preauth login: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp loginResponse
	decode(t, rec, &resp)
	if resp.UserType != model.UserTypeStudent {
		t.Fatalf("userType = %q", resp.UserType)
	}

	// Redemption is one-shot.
	rec = f.do(t, http.MethodPost, "/auth/login", "", map[string]string{"token": minted["token"]})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay: status %d, want 401", rec.Code)
	}
}

func TestJWKSAndHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/.well-known/jwks.json", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("jwks: status %d", rec.Code)
	}
	var set auth.JWKSet
	decode(t, rec, &set)
	if len(set.Keys) != 1 || set.Keys[0].Kty != "RSA" {
		t.Fatalf("jwks = %+v", set)
	}

	if rec := f.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health: status %d", rec.Code)
	}
}
