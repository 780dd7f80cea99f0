package authserver

import (
	"encoding/json"
	"time"

	"github.com/streamplace/atproto-oauth-agent/identity"
)

// ServerInfo is the part of an authorization server's metadata that is kept
// with a session.
type ServerInfo struct {
	Issuer                             string `json:"issuer"`
	AuthorizationEndpoint              string `json:"authorization_endpoint"`
	TokenEndpoint                      string `json:"token_endpoint"`
	PushedAuthorizationRequestEndpoint string `json:"pushed_authorization_request_endpoint,omitempty"`
	RevocationEndpoint                 string `json:"revocation_endpoint,omitempty"`
	IntrospectionEndpoint              string `json:"introspection_endpoint,omitempty"`
}

func ServerInfoFrom(md *identity.AuthorizationServerMetadata) ServerInfo {
	return ServerInfo{
		Issuer:                             md.Issuer,
		AuthorizationEndpoint:              md.AuthorizationEndpoint,
		TokenEndpoint:                      md.TokenEndpoint,
		PushedAuthorizationRequestEndpoint: md.PushedAuthorizationRequestEndpoint,
		RevocationEndpoint:                 md.RevocationEndpoint,
		IntrospectionEndpoint:              md.IntrospectionEndpoint,
	}
}

// ExchangeInfo says who a session belongs to and where it is used. It is
// fixed at login.
type ExchangeInfo struct {
	Sub    string     `json:"sub"`
	Aud    string     `json:"aud"`
	Server ServerInfo `json:"server"`
}

type TokenInfo struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
	Type    string `json:"type"`
	Scope   string `json:"scope"`
	// ExpiresAt is in unix milliseconds. Zero means the token does not
	// expire.
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// Expiry returns nil for non-expiring tokens.
func (t TokenInfo) Expiry() *time.Time {
	if t.ExpiresAt == 0 {
		return nil
	}
	e := time.UnixMilli(t.ExpiresAt)
	return &e
}

type TokenSet struct {
	Info  ExchangeInfo
	Token TokenInfo
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	Sub          string `json:"sub,omitempty"`
	// ExpiresIn is kept raw; only a JSON number is honoured.
	ExpiresIn json.RawMessage `json:"expires_in,omitempty"`
}

type PARResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int64  `json:"expires_in"`
}

type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Sub       string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Iss       string `json:"iss,omitempty"`
	Aud       any    `json:"aud,omitempty"`
}
