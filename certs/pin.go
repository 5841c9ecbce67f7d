package certs

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrFingerprintMismatch is returned when the origin presents a certificate
// whose SHA-256 hash does not match the pinned fingerprint.
var ErrFingerprintMismatch = errors.New("certs: certificate fingerprint mismatch")

// ParseFingerprint decodes a base64 SHA-256 certificate fingerprint, the
// form printed by origins at startup.
func ParseFingerprint(b64 string) ([32]byte, error) {
	var fp [32]byte
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fp, fmt.Errorf("certs: decode fingerprint: %w", err)
	}
	if len(raw) != len(fp) {
		return fp, fmt.Errorf("certs: fingerprint is %d bytes, want %d", len(raw), len(fp))
	}
	copy(fp[:], raw)
	return fp, nil
}

// Pin returns a client TLS configuration that accepts exactly the
// certificate with the given SHA-256 fingerprint, regardless of chain or
// hostname. This mirrors how browser clients trust short-lived self-signed
// WebTransport certificates by hash.
func Pin(fingerprint [32]byte) *tls.Config {
	return &tls.Config{
		// Chain and hostname verification are replaced wholesale by the
		// fingerprint check below.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrFingerprintMismatch
			}
			got := sha256.Sum256(rawCerts[0])
			if got != fingerprint {
				return fmt.Errorf("%w: got %s", ErrFingerprintMismatch,
					base64.StdEncoding.EncodeToString(got[:]))
			}
			return nil
		},
	}
}
