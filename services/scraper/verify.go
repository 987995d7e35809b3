package scraper

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// embeddedPublicKeyPEM is the release signing key. Operators may override it
// via the bootstrap settings to pin their own key.
const embeddedPublicKeyPEM = `-----BEGIN PUBLIC KEY-----
MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEArZtBhG4fP1ykzdC0kqHx
1q5mZbK0XNQdR7vFzJ9u3tYwWnEJ8cS2aDpLqfVhM6jXoUyiT4bN0vGeKxRmPcA5
s7EwHdQlCuYfOgZrJi2nB8vTaXK1mWqN3eO9dFxLkIyUbRvSjM4pGhC6zAtE0wXo
fDrVuJn5KgT8mYxBqWe2SvilCdNHaZP7oL1MGyRsEkUwXjBtO3cFqhYzD9AiKNp6
uMrTHxWvLdJ0gQbCeSkZa84nfRmI5EyVX1GNwBhUOJiLrtPsD2AzFqYoKvS7jX0e
cblZgWMmTxE9RnC4KhHdPyJvN6sOuB1UkiQaD3LwtJrG0IXTfAeYoZ5SxqMhl8vC
nQIDAQAB
-----END PUBLIC KEY-----`

// Verifier checks detached RSA-PSS/SHA-256 signatures for adapter
// fingerprints.
type Verifier struct {
	enabled bool
	key     *rsa.PublicKey
	sigDir  string
}

// NewVerifier builds a verifier. keyPath overrides the embedded key when
// non-empty. A read or parse failure returns an error; callers treat that as
// fatal for the signing subsystem (adapters get force-disabled).
func NewVerifier(enabled bool, keyPath, sigDir string) (*Verifier, error) {
	v := &Verifier{enabled: enabled, sigDir: sigDir}
	if !enabled {
		return v, nil
	}

	pemBytes := []byte(embeddedPublicKeyPEM)
	if keyPath != "" {
		b, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		pemBytes = b
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("verify: no PEM block in public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("verify: public key is not RSA")
	}
	v.key = key
	return v, nil
}

// Verify checks the detached signature for one adapter. When verification is
// disabled every adapter passes.
func (v *Verifier) Verify(name string, fingerprint []byte) bool {
	if !v.enabled {
		return true
	}
	if v.key == nil {
		return false
	}

	sig, err := os.ReadFile(filepath.Join(v.sigDir, name+".sig"))
	if err != nil {
		return false
	}

	digest := sha256.Sum256(fingerprint)
	err = rsa.VerifyPSS(v.key, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
	})
	return err == nil
}
