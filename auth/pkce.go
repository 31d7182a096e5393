package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/malvik/azurepim/apperrors"
)

// PkceChallenge is a PKCE code verifier/challenge pair (RFC 7636, S256).
// A pair is generated fresh for every sign-in attempt and must never be
// reused or persisted.
type PkceChallenge struct {
	// Verifier is kept locally and sent in the token exchange.
	Verifier string
	// Challenge is the base64url-encoded SHA-256 of the verifier, sent in
	// the authorization request.
	Challenge string
}

// NewPkceChallenge generates a PKCE pair from 32 bytes of CSPRNG output.
// A failing RNG is fatal for the auth subsystem; callers should abort the
// sign-in attempt on error.
func NewPkceChallenge() (*PkceChallenge, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPkceGenerationFailed, err.Error())
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)

	// challenge = BASE64URL(SHA256(verifier))
	sum := sha256.Sum256([]byte(verifier))
	return &PkceChallenge{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}

// newState produces a random CSRF state token (16 bytes, base64url).
func newState() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", apperrors.Wrap(apperrors.ErrPkceGenerationFailed, err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
