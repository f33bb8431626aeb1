package crypto

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateTOTP(t *testing.T) {
	secret, uri, err := GenerateTOTP("credbroker", "local")
	if err != nil {
		t.Fatalf("GenerateTOTP failed: %v", err)
	}
	// 20 random bytes base32-encode to 32 characters
	if len(secret) != 32 {
		t.Errorf("expected 32-char base32 secret, got %d chars", len(secret))
	}
	if !strings.HasPrefix(uri, "otpauth://totp/") {
		t.Errorf("unexpected provisioning URI: %s", uri)
	}
	if !strings.Contains(uri, "issuer=credbroker") {
		t.Errorf("URI missing issuer parameter: %s", uri)
	}

	// Enrollments must not repeat
	secret2, _, _ := GenerateTOTP("credbroker", "local")
	if secret == secret2 {
		t.Error("two enrollments should not share a secret")
	}
}

func TestVerifyTOTPAcceptsCurrentStep(t *testing.T) {
	secret, _, err := GenerateTOTP("credbroker", "local")
	if err != nil {
		t.Fatalf("GenerateTOTP failed: %v", err)
	}
	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	code, err := TOTPCodeAt(secret, at)
	if err != nil {
		t.Fatalf("TOTPCodeAt failed: %v", err)
	}
	ok, err := VerifyTOTP(code, secret, at)
	if err != nil {
		t.Fatalf("VerifyTOTP failed: %v", err)
	}
	if !ok {
		t.Error("code for the current step should verify")
	}
}

func TestVerifyTOTPSkewWindow(t *testing.T) {
	secret, _, err := GenerateTOTP("credbroker", "local")
	if err != nil {
		t.Fatalf("GenerateTOTP failed: %v", err)
	}
	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	window := acceptedCodes(t, secret, at)

	cases := []struct {
		name   string
		offset time.Duration
		want   bool
	}{
		{"one step behind", -30 * time.Second, true},
		{"one step ahead", 30 * time.Second, true},
		{"two steps behind", -60 * time.Second, false},
		{"two steps ahead", 60 * time.Second, false},
	}
	for _, tc := range cases {
		code, err := TOTPCodeAt(secret, at.Add(tc.offset))
		if err != nil {
			t.Fatalf("%s: TOTPCodeAt failed: %v", tc.name, err)
		}
		if !tc.want && window[code] {
			// Out-of-window code coincides with an in-window one; the
			// rejection assertion would be meaningless for this secret.
			continue
		}
		ok, err := VerifyTOTP(code, secret, at)
		if err != nil {
			t.Fatalf("%s: VerifyTOTP failed: %v", tc.name, err)
		}
		if ok != tc.want {
			t.Errorf("%s: verify = %v, want %v", tc.name, ok, tc.want)
		}
	}
}

func TestVerifyTOTPRejectsWrongCode(t *testing.T) {
	secret, _, _ := GenerateTOTP("credbroker", "local")
	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	window := acceptedCodes(t, secret, at)

	// Pick a code guaranteed to be outside the accept window.
	var wrong string
	for _, candidate := range []string{"000000", "111111", "222222", "333333"} {
		if !window[candidate] {
			wrong = candidate
			break
		}
	}
	ok, err := VerifyTOTP(wrong, secret, at)
	if err != nil {
		t.Fatalf("VerifyTOTP failed: %v", err)
	}
	if ok {
		t.Errorf("code %s should not verify", wrong)
	}
}

// acceptedCodes returns the codes the ±1 step window accepts at the instant.
func acceptedCodes(t *testing.T, secret string, at time.Time) map[string]bool {
	t.Helper()
	window := make(map[string]bool)
	for _, off := range []time.Duration{-30 * time.Second, 0, 30 * time.Second} {
		code, err := TOTPCodeAt(secret, at.Add(off))
		if err != nil {
			t.Fatalf("TOTPCodeAt failed: %v", err)
		}
		window[code] = true
	}
	return window
}
