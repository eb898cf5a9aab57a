package signature

import (
	"strings"
	"testing"
)

func TestSign(t *testing.T) {
	// echo -n "payload" | openssl dgst -sha256 -hmac "secret"
	expected := "sha256=b82fcb791acec57859b989b430a826488ce2e479fdf92326bd0a2e8375a42ba4"

	got := Sign([]byte("payload"), "secret")

	if got != expected {
		t.Errorf("Sign() = %v, want %v", got, expected)
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	payload := []byte(`{"event":"contact.created","data":{"id":"c_1"}}`)
	secret := "0f1e2d3c4b5a69788796a5b4c3d2e1f0"

	header := Sign(payload, secret)
	if !Verify(payload, header, secret) {
		t.Fatal("Verify() = false for a freshly signed payload")
	}
}

func TestVerifyRejects(t *testing.T) {
	payload := []byte(`{"event":"contact.created"}`)
	secret := "s3cr3t-s3cr3t-s3cr3t-s3cr3t"
	valid := Sign(payload, secret)

	tests := []struct {
		name    string
		payload []byte
		header  string
		secret  string
	}{
		{"tampered payload", []byte(`{"event":"contact.deleted"}`), valid, secret},
		{"wrong secret", payload, valid, "another-secret-another-secret"},
		{"missing prefix", payload, strings.TrimPrefix(valid, Prefix), secret},
		{"other algorithm", payload, "sha1=" + strings.TrimPrefix(valid, Prefix), secret},
		{"not hex", payload, Prefix + strings.Repeat("zz", 32), secret},
		{"short digest", payload, valid[:len(valid)-2], secret},
		{"empty", payload, "", secret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Verify(tt.payload, tt.header, tt.secret) {
				t.Errorf("Verify() = true, want false")
			}
		})
	}
}

func TestVerifyAny(t *testing.T) {
	payload := []byte(`{"event":"property.updated"}`)
	candidates := []Candidate{
		{ID: "whsec_new", Secret: "new-secret-new-secret-new"},
		{ID: "whsec_old", Secret: "old-secret-old-secret-old", InGracePeriod: true},
	}

	match, ok := VerifyAny(payload, Sign(payload, "old-secret-old-secret-old"), candidates)
	if !ok {
		t.Fatal("VerifyAny() did not match the grace-period secret")
	}
	if match.SecretID != "whsec_old" || !match.InGracePeriod {
		t.Errorf("VerifyAny() = %+v, want whsec_old in grace period", match)
	}

	match, ok = VerifyAny(payload, Sign(payload, "new-secret-new-secret-new"), candidates)
	if !ok || match.SecretID != "whsec_new" || match.InGracePeriod {
		t.Errorf("VerifyAny() = %+v, %v, want whsec_new", match, ok)
	}

	if _, ok := VerifyAny(payload, Sign(payload, "unknown-unknown-unknown"), candidates); ok {
		t.Error("VerifyAny() matched an unknown secret")
	}
	if _, ok := VerifyAny(payload, "garbage", candidates); ok {
		t.Error("VerifyAny() matched a malformed header")
	}
	if _, ok := VerifyAny(payload, Sign(payload, "x"), nil); ok {
		t.Error("VerifyAny() matched with no candidates")
	}
}
