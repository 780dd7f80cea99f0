package oauth

import (
	"github.com/streamplace/atproto-oauth-agent/authserver"
	"github.com/streamplace/atproto-oauth-agent/dpop"
)

// SessionData is what gets persisted per account. Info.Sub never changes
// after login; Token is replaced on every refresh.
type SessionData struct {
	DPoPKey *dpop.Key               `json:"dpopKey"`
	Info    authserver.ExchangeInfo `json:"info"`
	Token   authserver.TokenInfo    `json:"token"`
}

// StoredState lives between the redirect to the authorization server and
// the callback.
type StoredState struct {
	DPoPKey  *dpop.Key `json:"dpopKey"`
	Issuer   string    `json:"iss"`
	Verifier string    `json:"verifier,omitempty"`
	AppState string    `json:"appState,omitempty"`
}

type ClientMetadata struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scope                   string   `json:"scope"`
	ApplicationType         string   `json:"application_type"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	DPoPBoundAccessTokens   bool     `json:"dpop_bound_access_tokens"`
}

type AuthorizeArgs struct {
	// Identifier is a handle or DID. When empty, Service is used instead.
	Identifier string
	// Service is a PDS or entryway URL, for users who do not want to type
	// their handle.
	Service string

	Scope    string
	Prompt   string
	AppState string
}
