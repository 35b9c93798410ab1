package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"unitrack/auth-gate/internal/crypto"
	"unitrack/auth-gate/internal/directory"
	"unitrack/auth-gate/internal/mfa"
	"unitrack/auth-gate/internal/model"
	"unitrack/auth-gate/internal/repository"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountInactive    = errors.New("account inactive")
	// ErrSecondFactorRequired is not a rejection: the client must resubmit
	// the same credentials together with a code.
	ErrSecondFactorRequired = errors.New("second factor required")
	ErrSecondFactorInvalid  = errors.New("second factor invalid")
	ErrInvalidPreAuth       = errors.New("invalid pre-auth token")
	ErrPreAuthDisabled      = errors.New("pre-auth broker not configured")
)

// Store is the slice of the repository the login flow needs.
type Store interface {
	GetIdentityByUsername(ctx context.Context, username string) (model.Identity, error)
	CreateSecondFactorSecret(ctx context.Context, secret model.SecondFactorSecret) error
	GetSecondFactorSecret(ctx context.Context, id string) (model.SecondFactorSecret, error)
	ListSecondFactorSecrets(ctx context.Context, ownerID string) ([]model.SecondFactorSecret, error)
	MarkSecondFactorVerified(ctx context.Context, id string) error
	DeleteSecondFactorSecret(ctx context.Context, id, ownerID string) error
}

type Directory interface {
	Authenticate(ctx context.Context, username, password string) (directory.Hint, error)
}

type Broker interface {
	Issue(ctx context.Context, subject string) (string, error)
	Redeem(ctx context.Context, token string) (string, error)
	Revoke(ctx context.Context, token string) error
}

type TokenIssuer interface {
	Issue(ctx context.Context, username, userType string, admin bool, sessionID string) (string, error)
}

// Auth drives the login flow: credential or pre-auth verification, the
// optional second factor, then token issuance. All state lives in the
// injected collaborators.
type Auth struct {
	store      Store
	dir        Directory
	broker     Broker
	issuer     TokenIssuer
	admins     map[string]struct{}
	totpIssuer string
	log        zerolog.Logger
	now        func() time.Time
}

func NewAuth(store Store, dir Directory, broker Broker, issuer TokenIssuer, admins map[string]struct{}, totpIssuer string, log zerolog.Logger) *Auth {
	return &Auth{
		store:      store,
		dir:        dir,
		broker:     broker,
		issuer:     issuer,
		admins:     admins,
		totpIssuer: totpIssuer,
		log:        log.With().Str("component", "auth").Logger(),
		now:        time.Now,
	}
}

type LoginInput struct {
	Username     string
	Password     string
	SecondFactor string
	PreAuthToken string
}

type LoginResult struct {
	Token    string
	UserType string
}

func (a *Auth) Login(ctx context.Context, in LoginInput) (LoginResult, error) {
	if in.PreAuthToken != "" {
		return a.loginPreAuth(ctx, in.PreAuthToken)
	}

	identity, err := a.store.GetIdentityByUsername(ctx, in.Username)
	if errors.Is(err, pgx.ErrNoRows) {
		a.log.Info().Str("reason", "unknown_user").Str("user", in.Username).Msg("login rejected")
		return LoginResult{}, ErrInvalidCredentials
	}
	if err != nil {
		return LoginResult{}, err
	}
	if !identity.Active {
		a.log.Info().Str("reason", "account_inactive").Str("user", in.Username).Msg("login rejected")
		return LoginResult{}, ErrAccountInactive
	}

	userType := identity.UserType
	if identity.LocalAccount() {
		if in.Password == "" || crypto.CheckPassword(*identity.PasswordHash, in.Password) != nil {
			a.log.Info().Str("reason", "invalid_credentials").Str("user", in.Username).Msg("login rejected")
			return LoginResult{}, ErrInvalidCredentials
		}
	} else {
		hint, err := a.dir.Authenticate(ctx, identity.Username, in.Password)
		if err != nil {
			return LoginResult{}, err
		}
		if hint == directory.Elevated {
			userType = model.UserTypeTeacher
		} else {
			userType = model.UserTypeStudent
		}
	}

	if identity.SecondFactorEnabled {
		if in.SecondFactor == "" {
			return LoginResult{}, ErrSecondFactorRequired
		}
		ok, err := a.verifySecondFactor(ctx, identity.ID, in.SecondFactor)
		if err != nil {
			return LoginResult{}, err
		}
		if !ok {
			a.log.Info().Str("reason", "second_factor_invalid").Str("user", in.Username).Msg("login rejected")
			return LoginResult{}, ErrSecondFactorInvalid
		}
	}

	return a.issueFor(ctx, identity, userType)
}

// loginPreAuth substitutes credential verification with one-shot redemption
// of a bootstrap token; password and second factor are skipped.
func (a *Auth) loginPreAuth(ctx context.Context, token string) (LoginResult, error) {
	if a.broker == nil {
		return LoginResult{}, ErrInvalidPreAuth
	}
	subject, err := a.broker.Redeem(ctx, token)
	if err != nil {
		a.log.Info().Str("reason", "invalid_preauth").Msg("login rejected")
		return LoginResult{}, ErrInvalidPreAuth
	}

	identity, err := a.store.GetIdentityByUsername(ctx, subject)
	if errors.Is(err, pgx.ErrNoRows) {
		a.log.Warn().Str("reason", "preauth_unknown_subject").Str("user", subject).Msg("login rejected")
		return LoginResult{}, ErrInvalidPreAuth
	}
	if err != nil {
		return LoginResult{}, err
	}
	if !identity.Active {
		return LoginResult{}, ErrAccountInactive
	}
	return a.issueFor(ctx, identity, identity.UserType)
}

func (a *Auth) issueFor(ctx context.Context, identity model.Identity, userType string) (LoginResult, error) {
	admin := identity.Admin
	if _, ok := a.admins[identity.Username]; ok {
		admin = true
	}

	sessionID := uuid.NewString()
	token, err := a.issuer.Issue(ctx, identity.Username, userType, admin, sessionID)
	if err != nil {
		a.log.Error().Str("user", identity.Username).Err(err).Msg("token issuance failed")
		return LoginResult{}, err
	}
	a.log.Info().Str("user", identity.Username).Str("user_type", userType).Str("session_id", sessionID).Msg("login succeeded")
	return LoginResult{Token: token, UserType: userType}, nil
}

// verifySecondFactor tries every secret the identity owns and accepts the
// first match, so a user with multiple registered devices can log in with
// any of them.
func (a *Auth) verifySecondFactor(ctx context.Context, ownerID, code string) (bool, error) {
	secrets, err := a.store.ListSecondFactorSecrets(ctx, ownerID)
	if err != nil {
		return false, err
	}
	now := a.now()
	for _, secret := range secrets {
		if mfa.Validate(code, secret.Secret, now) {
			return true, nil
		}
	}
	return false, nil
}

type SecondFactorRegistration struct {
	ID     string
	Secret string
	URL    string
}

// RegisterSecondFactor stores a new unverified secret for the owner. When
// the caller does not bring a secret, one is generated along with an
// otpauth provisioning URL. Registering raises secondFactorEnabled.
func (a *Auth) RegisterSecondFactor(ctx context.Context, ownerID, username, secret, alias string) (SecondFactorRegistration, error) {
	url := ""
	if secret == "" {
		var err error
		secret, url, err = mfa.GenerateSecret(a.totpIssuer, username)
		if err != nil {
			return SecondFactorRegistration{}, err
		}
	}
	rec := model.SecondFactorSecret{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Secret:    secret,
		Alias:     alias,
		CreatedAt: a.now().UTC(),
	}
	if err := a.store.CreateSecondFactorSecret(ctx, rec); err != nil {
		return SecondFactorRegistration{}, err
	}
	a.log.Info().Str("owner", ownerID).Str("alias", alias).Msg("second factor registered")
	return SecondFactorRegistration{ID: rec.ID, Secret: secret, URL: url}, nil
}

// VerifySecondFactorRegistration marks a secret verified after one
// successful code challenge.
func (a *Auth) VerifySecondFactorRegistration(ctx context.Context, secretID, ownerID, code string) error {
	secret, err := a.store.GetSecondFactorSecret(ctx, secretID)
	if err != nil {
		return err
	}
	if secret.OwnerID != ownerID {
		return repository.ErrSecretNotFound
	}
	if !mfa.Validate(code, secret.Secret, a.now()) {
		return ErrSecondFactorInvalid
	}
	return a.store.MarkSecondFactorVerified(ctx, secretID)
}

func (a *Auth) RemoveSecondFactor(ctx context.Context, secretID, ownerID string) error {
	return a.store.DeleteSecondFactorSecret(ctx, secretID, ownerID)
}

func (a *Auth) ListSecondFactors(ctx context.Context, ownerID string) ([]model.SecondFactorSecret, error) {
	return a.store.ListSecondFactorSecrets(ctx, ownerID)
}

// IssuePreAuth mints a bootstrap token binding the subject to a later
// credential-free login.
func (a *Auth) IssuePreAuth(ctx context.Context, subject string) (string, error) {
	if a.broker == nil {
		return "", ErrPreAuthDisabled
	}
	token, err := a.broker.Issue(ctx, subject)
	if err != nil {
		return "", err
	}
	a.log.Info().Str("subject", subject).Msg("pre-auth token issued")
	return token, nil
}
