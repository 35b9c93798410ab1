package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"unitrack/auth-gate/internal/model"
)

// ErrSessionPersist means the ledger row could not be written; no token is
// produced in that case.
var ErrSessionPersist = errors.New("session persist failed")

// SessionRecorder is the ledger write the issuer depends on.
type SessionRecorder interface {
	RecordSession(ctx context.Context, rec model.SessionRecord) error
}

// Issuer signs session tokens with the private key and guarantees that the
// session is ledgered before the token exists. Verification needs only the
// public key.
type Issuer struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string
	ttl        time.Duration
	ledger     SessionRecorder
}

func NewIssuer(privateKeyPEM, publicKeyPEM, issuer string, ttl time.Duration, ledger SessionRecorder) (*Issuer, error) {
	privateKey, err := ParseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	publicKey, err := ParseRSAPublicKey(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	return &Issuer{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		ttl:        ttl,
		ledger:     ledger,
	}, nil
}

// NewIssuerFromKeys is the test-friendly constructor for already-parsed keys.
func NewIssuerFromKeys(privateKey *rsa.PrivateKey, issuer string, ttl time.Duration, ledger SessionRecorder) *Issuer {
	return &Issuer{
		privateKey: privateKey,
		publicKey:  &privateKey.PublicKey,
		issuer:     issuer,
		ttl:        ttl,
		ledger:     ledger,
	}
}

func (i *Issuer) PublicKey() *rsa.PublicKey {
	return i.publicKey
}

// Issue ledgers the session and signs a token carrying it. The ledger write
// happens first so a returned token is never valid-by-signature but unknown
// to the ledger.
func (i *Issuer) Issue(ctx context.Context, username, userType string, admin bool, sessionID string) (string, error) {
	rec := model.SessionRecord{
		SessionID: sessionID,
		Username:  username,
		IssuedAt:  time.Now().UTC(),
	}
	if err := i.ledger.RecordSession(ctx, rec); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionPersist, err)
	}
	return NewAccessToken(i.privateKey, i.issuer, i.ttl, Claims{
		Username:  username,
		SessionID: sessionID,
		UserType:  userType,
		Admin:     admin,
	})
}

// Verify checks the signature and decodes the claims. It never touches the
// ledger; the middleware combines both checks.
func (i *Issuer) Verify(rawToken string) (*Claims, error) {
	return ParseToken(i.publicKey, i.issuer, StripBearer(rawToken))
}
