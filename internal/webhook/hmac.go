package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"hash"
	"strings"
)

// Signature headers set by the hosting service.
const (
	SignatureHeader       = "X-Hub-Signature"
	SignatureHeaderSHA256 = "X-Hub-Signature-256"

	sha1Prefix   = "sha1="
	sha256Prefix = "sha256="
)

// ErrSignatureRejected marks a delivery whose signature did not verify.
var ErrSignatureRejected = errors.New("webhook signature rejected")

// Reason classifies why a signature failed. It never carries digest material.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonNoSecret       Reason = "no_secret"
	ReasonMissing        Reason = "missing"
	ReasonMalformed      Reason = "malformed"
	ReasonLengthMismatch Reason = "length_mismatch"
	ReasonDigestMismatch Reason = "digest_mismatch"
)

// Sign returns the X-Hub-Signature value for body: "sha1=" + hex(HMAC-SHA1).
func Sign(secret string, body []byte) string {
	return sign(sha1.New, sha1Prefix, secret, body)
}

// SignSHA256 returns the X-Hub-Signature-256 value for body.
func SignSHA256(secret string, body []byte) string {
	return sign(sha256.New, sha256Prefix, secret, body)
}

// Verify reports whether header is the sha1 signature of body under secret.
// The comparison is constant-time. An empty secret or any malformed input
// yields false.
func Verify(secret string, body []byte, header string) bool {
	return verify(sha1.New, sha1Prefix, secret, body, header)
}

// VerifySHA256 is Verify for the "sha256=" form.
func VerifySHA256(secret string, body []byte, header string) bool {
	return verify(sha256.New, sha256Prefix, secret, body, header)
}

// Diagnose explains a failed verification for logging. It picks the algorithm
// from the header prefix and returns ReasonNone when the signature is valid.
func Diagnose(secret string, body []byte, header string) Reason {
	if secret == "" {
		return ReasonNoSecret
	}
	if header == "" {
		return ReasonMissing
	}

	var expected string
	switch {
	case strings.HasPrefix(header, sha256Prefix):
		expected = SignSHA256(secret, body)
	case strings.HasPrefix(header, sha1Prefix):
		expected = Sign(secret, body)
	default:
		return ReasonMalformed
	}

	prefixLen := strings.Index(header, "=") + 1
	if _, err := hex.DecodeString(header[prefixLen:]); err != nil {
		if len(header) != len(expected) {
			return ReasonLengthMismatch
		}
		return ReasonMalformed
	}
	if len(header) != len(expected) {
		return ReasonLengthMismatch
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(header)) != 1 {
		return ReasonDigestMismatch
	}
	return ReasonNone
}

func sign(h func() hash.Hash, prefix, secret string, body []byte) string {
	mac := hmac.New(h, []byte(secret))
	mac.Write(body)
	return prefix + hex.EncodeToString(mac.Sum(nil))
}

func verify(h func() hash.Hash, prefix, secret string, body []byte, header string) bool {
	if secret == "" || header == "" || !strings.HasPrefix(header, prefix) {
		return false
	}
	expected := sign(h, prefix, secret, body)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(header)) == 1
}
