package connector

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/gezibash/arc-session/internal/xmpp"
)

// CertificateError reports a server certificate rejected by policy. Info
// describes the presented leaf so the user can decide to accept it.
type CertificateError struct {
	Info xmpp.CertificateInfo
	Err  error
}

func (e *CertificateError) Error() string {
	return fmt.Sprintf("server certificate rejected (%s): %v", e.Info.Subject, e.Err)
}

func (e *CertificateError) Unwrap() error { return e.Err }

var errFingerprintMismatch = errors.New("certificate does not match accepted fingerprint")

// tlsConfig builds a client TLS configuration for domain. With a pinned
// fingerprint only that exact leaf is accepted; otherwise the chain is
// verified against roots (nil means the system pool).
func tlsConfig(domain, pinnedSHA1 string, roots *x509.CertPool) *tls.Config {
	return &tls.Config{
		ServerName: domain,
		MinVersion: tls.VersionTLS12,
		// Verification happens in VerifyConnection so the rejected leaf
		// can be reported.
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errors.New("server presented no certificate")
			}
			leaf := cs.PeerCertificates[0]
			info := xmpp.NewCertificateInfo(leaf)

			if pinnedSHA1 != "" {
				if info.MatchesSHA1(pinnedSHA1) {
					return nil
				}
				return &CertificateError{Info: info, Err: errFingerprintMismatch}
			}

			intermediates := x509.NewCertPool()
			for _, c := range cs.PeerCertificates[1:] {
				intermediates.AddCert(c)
			}
			_, err := leaf.Verify(x509.VerifyOptions{
				DNSName:       domain,
				Roots:         roots,
				Intermediates: intermediates,
			})
			if err != nil {
				return &CertificateError{Info: info, Err: err}
			}
			return nil
		},
	}
}
