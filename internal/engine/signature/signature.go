// Package signature signs webhook payloads and verifies signature headers of
// the form "sha256=<hex HMAC-SHA256>".
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const Prefix = "sha256="

// Candidate is one secret a signature may have been produced with.
type Candidate struct {
	ID            string
	Secret        string
	InGracePeriod bool
}

// Match identifies the candidate that produced a verified signature.
type Match struct {
	SecretID      string `json:"secret_id"`
	InGracePeriod bool   `json:"in_grace_period"`
}

func Sign(payload []byte, secret string) string {
	return Prefix + hex.EncodeToString(digest(payload, secret))
}

// Verify reports whether header carries the signature of payload under secret.
// Comparison is constant time, and malformed headers still pay for one compare.
func Verify(payload []byte, header, secret string) bool {
	want := digest(payload, secret)
	got, ok := decode(header)
	return compare(want, got, ok)
}

// VerifyAny checks header against every candidate without returning early, so the
// time taken does not reveal which secret matched.
func VerifyAny(payload []byte, header string, candidates []Candidate) (Match, bool) {
	got, ok := decode(header)

	var match Match
	found := 0
	for _, c := range candidates {
		hit := compareInt(digest(payload, c.Secret), got, ok)
		if hit == 1 && found == 0 {
			match = Match{SecretID: c.ID, InGracePeriod: c.InGracePeriod}
		}
		found |= hit
	}
	return match, found == 1
}

func digest(payload []byte, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return h.Sum(nil)
}

// decode parses "sha256=<hex>". On any malformation it returns a zero digest of
// the right size and false.
func decode(header string) ([]byte, bool) {
	if !strings.HasPrefix(header, Prefix) {
		return make([]byte, sha256.Size), false
	}
	raw, err := hex.DecodeString(header[len(Prefix):])
	if err != nil || len(raw) != sha256.Size {
		return make([]byte, sha256.Size), false
	}
	return raw, true
}

func compare(want, got []byte, ok bool) bool {
	return compareInt(want, got, ok) == 1
}

func compareInt(want, got []byte, ok bool) int {
	eq := subtle.ConstantTimeCompare(want, got)
	if !ok {
		return 0
	}
	return eq
}
