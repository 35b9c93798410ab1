package auth

import (
	"crypto/rsa"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenMalformed covers input that is not a well-formed token at all.
	ErrTokenMalformed = errors.New("token malformed")
	// ErrSignatureInvalid covers well-formed tokens that fail verification:
	// wrong key, tampering, expiry, wrong issuer.
	ErrSignatureInvalid = errors.New("token signature invalid")
)

type Claims struct {
	Username  string `json:"username"`
	SessionID string `json:"session_id"`
	UserType  string `json:"user_type"`
	Admin     bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

func NewAccessToken(key *rsa.PrivateKey, issuer string, ttl time.Duration, claims Claims) (string, error) {
	now := time.Now().UTC()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   claims.Username,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(key)
}

func ParseToken(key *rsa.PublicKey, issuer, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, ErrTokenMalformed
		}
		return nil, ErrSignatureInvalid
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrSignatureInvalid
	}
	return claims, nil
}

// StripBearer removes an optional "Bearer " scheme prefix from a raw header
// value.
func StripBearer(value string) string {
	value = strings.TrimSpace(value)
	if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
		return strings.TrimSpace(value[7:])
	}
	return value
}
