// Package dpop implements DPoP (RFC 9449) proof-of-possession for OAuth
// requests: per-session ES256 keys, proof JWTs and an http.RoundTripper that
// signs requests and tracks server nonces.
package dpop

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/streamplace/atproto-oauth-agent/internal/helpers"
)

// Key is an ES256 DPoP keypair. The private half is kept in an encrypted
// memguard enclave and only decrypted while signing or serializing.
type Key struct {
	priv       *memguard.Enclave
	pub        jwk.Key
	pubMap     map[string]any
	thumbprint string
}

func GenerateKey() (*Key, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	key, err := jwk.FromRaw(privKey)
	if err != nil {
		return nil, err
	}

	return fromJWK(key)
}

// ParseKey reads a private key in JWK form, as produced by MarshalJSON.
func ParseKey(b []byte) (*Key, error) {
	key, err := jwk.ParseKey(b)
	if err != nil {
		return nil, fmt.Errorf("could not parse dpop jwk: %w", err)
	}
	return fromJWK(key)
}

func fromJWK(key jwk.Key) (*Key, error) {
	if key.KeyType() != jwa.EC {
		return nil, fmt.Errorf("dpop key must be EC, got %s", key.KeyType())
	}

	var raw ecdsa.PrivateKey
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("dpop key is not a private key: %w", err)
	}
	if raw.Curve != elliptic.P256() {
		return nil, fmt.Errorf("dpop key must use P-256")
	}

	pub, err := key.PublicKey()
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(pub)
	if err != nil {
		return nil, err
	}

	var pubMap map[string]any
	if err := json.Unmarshal(b, &pubMap); err != nil {
		return nil, err
	}

	tp, err := pub.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, err
	}

	privJSON, err := json.Marshal(key)
	if err != nil {
		return nil, err
	}

	return &Key{
		priv:       memguard.NewEnclave(privJSON),
		pub:        pub,
		pubMap:     pubMap,
		thumbprint: helpers.ToBase64URL(tp),
	}, nil
}

func (k *Key) PublicJWK() jwk.Key {
	return k.pub
}

// Thumbprint is the RFC 7638 SHA-256 thumbprint, base64url encoded.
func (k *Key) Thumbprint() string {
	return k.thumbprint
}

func (k *Key) MarshalJSON() ([]byte, error) {
	buf, err := k.priv.Open()
	if err != nil {
		return nil, fmt.Errorf("could not open dpop key: %w", err)
	}
	defer buf.Destroy()

	return append([]byte(nil), buf.Bytes()...), nil
}

func (k *Key) UnmarshalJSON(b []byte) error {
	parsed, err := ParseKey(b)
	if err != nil {
		return err
	}
	*k = *parsed
	return nil
}

func (k *Key) privateKey() (*ecdsa.PrivateKey, error) {
	buf, err := k.priv.Open()
	if err != nil {
		return nil, fmt.Errorf("could not open dpop key: %w", err)
	}
	defer buf.Destroy()

	key, err := jwk.ParseKey(buf.Bytes())
	if err != nil {
		return nil, err
	}

	var raw ecdsa.PrivateKey
	if err := key.Raw(&raw); err != nil {
		return nil, err
	}
	return &raw, nil
}

type ProofArgs struct {
	Method string
	URL    string
	// Nonce is the last nonce the server handed out, if any.
	Nonce string
	// AccessToken binds the proof to a token through the ath claim.
	AccessToken string
	Now         time.Time
}

// Proof builds a signed DPoP proof JWT for one request.
func (k *Key) Proof(args ProofArgs) (string, error) {
	htu, err := url.Parse(args.URL)
	if err != nil {
		return "", fmt.Errorf("invalid htu: %w", err)
	}
	htu.RawQuery = ""
	htu.ForceQuery = false
	htu.Fragment = ""
	htu.RawFragment = ""

	now := args.Now
	if now.IsZero() {
		now = time.Now()
	}

	claims := jwt.MapClaims{
		"jti": uuid.NewString(),
		"htm": args.Method,
		"htu": htu.String(),
		"iat": now.Unix(),
	}

	if args.Nonce != "" {
		claims["nonce"] = args.Nonce
	}

	if args.AccessToken != "" {
		h := sha256.Sum256([]byte(args.AccessToken))
		claims["ath"] = helpers.ToBase64URL(h[:])
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = k.pubMap

	priv, err := k.privateKey()
	if err != nil {
		return "", err
	}

	tokenString, err := token.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("failed to sign dpop proof: %w", err)
	}

	return tokenString, nil
}
