package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"math/big"
)

type JWKSet struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// NewJWKSet publishes the verify key so a separate service can validate
// tokens without the signing key.
func NewJWKSet(publicKey *rsa.PublicKey) (JWKSet, error) {
	if publicKey == nil {
		return JWKSet{}, errors.New("missing public key")
	}
	kid, err := KeyID(publicKey)
	if err != nil {
		return JWKSet{}, err
	}
	exponent := big.NewInt(int64(publicKey.E)).Bytes()
	if len(exponent) == 0 {
		exponent = []byte{0}
	}
	jwk := JWK{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(publicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(exponent),
	}
	return JWKSet{Keys: []JWK{jwk}}, nil
}
