package mfa

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// Period is the TOTP time step in seconds.
const Period = 30

// GenerateSecret creates a fresh TOTP secret for a device registration and
// returns the base32 secret plus the otpauth:// provisioning URL.
func GenerateSecret(issuer, account string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// Validate checks a 6-digit SHA-1 code against a secret at the given time,
// tolerating one time step of clock skew in either direction. Codes are
// compared as fixed-length decimal strings, so leading zeros matter.
func Validate(code, secret string, at time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    Period,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
