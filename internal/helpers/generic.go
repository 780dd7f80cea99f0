package helpers

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// base64url without padding, rejecting non-canonical trailing bits so that
// decode followed by encode always reproduces the input.
var b64 = base64.RawURLEncoding.Strict()

// RandomURLToken returns n random bytes encoded as base64url.
func RandomURLToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return ToBase64URL(b), nil
}

func GenerateCodeChallenge(pkceVerifier string) string {
	h := sha256.Sum256([]byte(pkceVerifier))
	return ToBase64URL(h[:])
}

type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

func GeneratePKCE() (*PKCE, error) {
	verifier, err := RandomURLToken(32)
	if err != nil {
		return nil, fmt.Errorf("could not generate pkce verifier: %w", err)
	}

	return &PKCE{
		Verifier:  verifier,
		Challenge: GenerateCodeChallenge(verifier),
		Method:    "S256",
	}, nil
}

func ToBase64URL(b []byte) string {
	return b64.EncodeToString(b)
}

func FromBase64URL(s string) ([]byte, error) {
	return b64.DecodeString(s)
}
