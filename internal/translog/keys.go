package translog

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/sumdb/note"
)

// algEd25519 is the note key algorithm byte.
const algEd25519 = 1

// GenerateKey creates a fresh signing key for origin and returns the signer
// with its verifier key.
func GenerateKey(origin string) (note.Signer, string, string, error) {
	skey, vkey, err := note.GenerateKey(rand.Reader, origin)
	if err != nil {
		return nil, "", "", fmt.Errorf("generate key: %w", err)
	}
	signer, err := note.NewSigner(skey)
	if err != nil {
		return nil, "", "", err
	}
	return signer, skey, vkey, nil
}

// ParseSigningKey parses a note private key and derives the matching
// verifier key, so only the private key needs to be configured.
func ParseSigningKey(skey string) (note.Signer, string, error) {
	signer, err := note.NewSigner(skey)
	if err != nil {
		return nil, "", fmt.Errorf("parse signing key: %w", err)
	}

	// PRIVATE+KEY+<name>+<hash>+<base64(alg || seed)>
	parts := strings.SplitN(skey, "+", 5)
	if len(parts) != 5 {
		return nil, "", errors.New("malformed signing key")
	}
	raw, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil || len(raw) != 1+ed25519.SeedSize || raw[0] != algEd25519 {
		return nil, "", errors.New("unsupported signing key algorithm")
	}
	pub := ed25519.NewKeyFromSeed(raw[1:]).Public().(ed25519.PublicKey)
	vkey := fmt.Sprintf("%s+%s+%s", parts[2], parts[3], base64.StdEncoding.EncodeToString(append([]byte{algEd25519}, pub...)))

	v, err := note.NewVerifier(vkey)
	if err != nil {
		return nil, "", fmt.Errorf("derive verifier key: %w", err)
	}
	if v.KeyHash() != signer.KeyHash() {
		return nil, "", errors.New("derived verifier key does not match the signing key")
	}
	return signer, vkey, nil
}
