package crypto

import (
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// RFC 6238 parameters. Thirty-second steps with one step of tolerance
// either side; enrollment secrets are 160 bits.
const (
	totpPeriod     = 30
	totpSkew       = 1
	totpSecretSize = 20
)

// GenerateTOTP creates a fresh enrollment. It returns the base32 shared
// secret and the otpauth:// provisioning URI for one-time display.
func GenerateTOTP(issuer, account string) (secret, uri string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      totpPeriod,
		SecretSize:  totpSecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", fmt.Errorf("generating totp enrollment: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

// VerifyTOTP checks a six-digit code against the shared secret at the given
// instant. Comparison inside the library is constant-time. A code of the
// wrong length is a plain mismatch, not an error.
func VerifyTOTP(code, secret string, at time.Time) (bool, error) {
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if errors.Is(err, otp.ErrValidateInputInvalidLength) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: verifying code: %w", ErrCrypto, err)
	}
	return ok, nil
}

// TOTPCodeAt computes the code for an instant. Test helper and enrollment
// self-check; never exposed through the broker surface.
func TOTPCodeAt(secret string, at time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("%w: computing code: %w", ErrCrypto, err)
	}
	return code, nil
}
