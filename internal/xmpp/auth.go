package xmpp

import (
	"crypto/sha1" //nolint:gosec // fingerprint format expected by stored accounts
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// SaslCondition is a SASL failure condition reported by the server.
type SaslCondition string

const (
	SaslAborted              SaslCondition = "aborted"
	SaslAccountDisabled      SaslCondition = "account-disabled"
	SaslCredentialsExpired   SaslCondition = "credentials-expired"
	SaslEncryptionRequired   SaslCondition = "encryption-required"
	SaslIncorrectEncoding    SaslCondition = "incorrect-encoding"
	SaslInvalidAuthzid       SaslCondition = "invalid-authzid"
	SaslInvalidMechanism     SaslCondition = "invalid-mechanism"
	SaslMalformedRequest     SaslCondition = "malformed-request"
	SaslMechanismTooWeak     SaslCondition = "mechanism-too-weak"
	SaslNotAuthorized        SaslCondition = "not-authorized"
	SaslTemporaryAuthFailure SaslCondition = "temporary-auth-failure"
)

// Transient reports whether the condition is worth retrying silently.
func (c SaslCondition) Transient() bool {
	return c == SaslAborted || c == SaslTemporaryAuthFailure
}

// AuthError is the error carried by an AuthFailed event.
type AuthError struct {
	Condition SaslCondition
	Text      string
}

func (e *AuthError) Error() string {
	if e.Text == "" {
		return "authentication failed: " + string(e.Condition)
	}
	return "authentication failed: " + string(e.Condition) + ": " + e.Text
}

// IsTransientAuth reports whether err is an AuthError with a transient
// condition. Any other error, including nil, is treated as fatal.
func IsTransientAuth(err error) bool {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Condition.Transient()
	}
	return false
}

// CertificateInfo is the trust material captured from a rejected server
// certificate. Accepted is set once the user trusts it.
type CertificateInfo struct {
	Subject           string    `json:"subject"`
	Issuer            string    `json:"issuer"`
	FingerprintSHA1   string    `json:"fingerprint_sha1"`
	FingerprintSHA256 string    `json:"fingerprint_sha256"`
	NotBefore         time.Time `json:"not_before"`
	NotAfter          time.Time `json:"not_after"`
	Accepted          bool      `json:"accepted"`
}

// NewCertificateInfo captures the identifying fields of cert.
func NewCertificateInfo(cert *x509.Certificate) CertificateInfo {
	s1 := sha1.Sum(cert.Raw) //nolint:gosec
	s256 := sha256.Sum256(cert.Raw)
	return CertificateInfo{
		Subject:           cert.Subject.String(),
		Issuer:            cert.Issuer.String(),
		FingerprintSHA1:   hex.EncodeToString(s1[:]),
		FingerprintSHA256: hex.EncodeToString(s256[:]),
		NotBefore:         cert.NotBefore,
		NotAfter:          cert.NotAfter,
	}
}

// MatchesSHA1 compares a fingerprint in any common spelling (colons,
// upper case) against the stored SHA-1 fingerprint.
func (c CertificateInfo) MatchesSHA1(fp string) bool {
	norm := strings.ToLower(strings.ReplaceAll(fp, ":", ""))
	return norm != "" && norm == c.FingerprintSHA1
}
