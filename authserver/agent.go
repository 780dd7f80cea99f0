// Package authserver talks to one OAuth authorization server on behalf of one
// DPoP key: pushed authorization requests, code exchange, refresh,
// revocation and introspection.
package authserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/streamplace/atproto-oauth-agent/dpop"
	"github.com/streamplace/atproto-oauth-agent/identity"
)

const maxResponseSize = 1 << 20

// IdentityResolver re-resolves the account behind a token so its issuer can
// be checked.
type IdentityResolver interface {
	ResolveFromIdentity(ctx context.Context, input string) (*identity.ResolvedIdentity, *identity.AuthorizationServerMetadata, error)
}

type Args struct {
	Server      ServerInfo
	Key         *dpop.Key
	ClientID    string
	RedirectURI string
	H           *http.Client
	Nonces      dpop.NonceStore
	Resolver    IdentityResolver
	Now         func() time.Time
	Logger      *slog.Logger
}

type Agent struct {
	server      ServerInfo
	key         *dpop.Key
	clientID    string
	redirectURI string
	h           *http.Client
	resolver    IdentityResolver
	now         func() time.Time
	logger      *slog.Logger
}

func New(args Args) (*Agent, error) {
	if args.Key == nil {
		return nil, fmt.Errorf("no dpop key provided")
	}

	if args.ClientID == "" {
		return nil, fmt.Errorf("no client id provided")
	}

	if args.Nonces == nil {
		return nil, fmt.Errorf("no nonce store provided")
	}

	if args.Resolver == nil {
		return nil, fmt.Errorf("no identity resolver provided")
	}

	if args.H == nil {
		args.H = &http.Client{
			Timeout: 10 * time.Second,
		}
	}

	if args.Now == nil {
		args.Now = time.Now
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	logger := args.Logger.With("component", "authserver", "issuer", args.Server.Issuer)

	h := *args.H
	h.Transport = &dpop.Transport{
		Base:       args.H.Transport,
		Key:        args.Key,
		Nonces:     args.Nonces,
		AuthServer: true,
		Now:        args.Now,
		Logger:     logger,
	}

	return &Agent{
		server:      args.Server,
		key:         args.Key,
		clientID:    args.ClientID,
		redirectURI: args.RedirectURI,
		h:           &h,
		resolver:    args.Resolver,
		now:         args.Now,
		logger:      logger,
	}, nil
}

func (a *Agent) Server() ServerInfo {
	return a.server
}

func (a *Agent) request(ctx context.Context, name, endpoint string, payload map[string]any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("no %s endpoint available", name)
	}

	body := map[string]any{"client_id": a.clientID}
	for k, v := range payload {
		body[k] = v
	}

	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("error creating %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.h.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", name, err)
	}
	defer resp.Body.Close()

	rb, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("could not read %s response: %w", name, err)
	}

	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mt != "application/json" {
		return &FetchResponseError{Status: resp.StatusCode, Message: fmt.Sprintf("%s endpoint returned %q instead of json", name, mt)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var oerr struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if err := json.Unmarshal(rb, &oerr); err != nil || oerr.Error == "" {
			return &FetchResponseError{Status: resp.StatusCode, Message: fmt.Sprintf("%s endpoint returned an error without an error code", name)}
		}
		return &OAuthResponseError{Status: resp.StatusCode, Code: oerr.Error, Description: oerr.ErrorDescription}
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(rb, out); err != nil {
		return &FetchResponseError{Status: resp.StatusCode, Message: fmt.Sprintf("could not decode %s response: %v", name, err)}
	}

	return nil
}

func (a *Agent) PushedAuthorizationRequest(ctx context.Context, params map[string]any) (*PARResponse, error) {
	var out PARResponse
	if err := a.request(ctx, "pushed_authorization_request", a.server.PushedAuthorizationRequestEndpoint, params, &out); err != nil {
		return nil, err
	}

	if out.RequestURI == "" {
		return nil, &FetchResponseError{Status: http.StatusOK, Message: "pushed authorization response has no request_uri"}
	}

	return &out, nil
}

func (a *Agent) Token(ctx context.Context, params map[string]any) (*TokenResponse, error) {
	var out TokenResponse
	if err := a.request(ctx, "token", a.server.TokenEndpoint, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *Agent) Revocation(ctx context.Context, token string) error {
	return a.request(ctx, "revocation", a.server.RevocationEndpoint, map[string]any{"token": token}, nil)
}

func (a *Agent) Introspect(ctx context.Context, token string) (*IntrospectionResponse, error) {
	var out IntrospectionResponse
	if err := a.request(ctx, "introspection", a.server.IntrospectionEndpoint, map[string]any{"token": token}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Revoke is best effort. Failures are logged and never returned so that
// cleanup cannot hide the error that triggered it.
func (a *Agent) Revoke(ctx context.Context, token string) {
	if token == "" {
		return
	}

	if err := a.Revocation(ctx, token); err != nil {
		a.logger.Warn("could not revoke token", "err", err)
	}
}

// ExchangeCode trades an authorization code for tokens. If anything fails
// after the server has issued them, the access token is revoked first.
func (a *Agent) ExchangeCode(ctx context.Context, code, verifier string) (*TokenSet, error) {
	params := map[string]any{
		"grant_type":   "authorization_code",
		"redirect_uri": a.redirectURI,
		"code":         code,
	}
	if verifier != "" {
		params["code_verifier"] = verifier
	}

	resp, err := a.Token(ctx, params)
	if err != nil {
		return nil, err
	}

	ts, err := a.processTokenResponse(ctx, resp)
	if err != nil {
		a.Revoke(context.WithoutCancel(ctx), resp.AccessToken)
		return nil, err
	}

	return ts, nil
}

// Refresh exchanges the refresh token of sub for a new token set.
func (a *Agent) Refresh(ctx context.Context, sub string, token TokenInfo) (*TokenSet, error) {
	if token.Refresh == "" {
		return nil, &TokenRefreshError{Sub: sub, Message: "no refresh token available"}
	}

	resp, err := a.Token(ctx, map[string]any{
		"grant_type":    "refresh_token",
		"refresh_token": token.Refresh,
	})
	if err != nil {
		return nil, err
	}

	if resp.Sub != sub {
		a.Revoke(context.WithoutCancel(ctx), resp.AccessToken)
		return nil, &TokenRefreshError{Sub: sub, Message: fmt.Sprintf("unexpected sub %q in token response", resp.Sub)}
	}

	ts, err := a.processTokenResponse(ctx, resp)
	if err != nil {
		a.Revoke(context.WithoutCancel(ctx), resp.AccessToken)
		return nil, err
	}

	return ts, nil
}

func (a *Agent) processTokenResponse(ctx context.Context, resp *TokenResponse) (*TokenSet, error) {
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access_token", ErrMalformedTokenResponse)
	}

	if resp.Sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrMalformedTokenResponse)
	}

	if resp.Scope == "" {
		return nil, fmt.Errorf("%w: missing scope", ErrMalformedTokenResponse)
	}

	ident, md, err := a.resolver.ResolveFromIdentity(ctx, resp.Sub)
	if err != nil {
		return nil, fmt.Errorf("could not verify issuer for %s: %w", resp.Sub, err)
	}

	if md.Issuer != a.server.Issuer {
		return nil, fmt.Errorf("issuer mismatch for %s: token from %s, account uses %s", resp.Sub, a.server.Issuer, md.Issuer)
	}

	token := TokenInfo{
		Access:  resp.AccessToken,
		Refresh: resp.RefreshToken,
		Type:    resp.TokenType,
		Scope:   resp.Scope,
	}

	var expiresIn any
	if len(resp.ExpiresIn) > 0 && json.Unmarshal(resp.ExpiresIn, &expiresIn) == nil {
		if secs, ok := expiresIn.(float64); ok {
			token.ExpiresAt = a.now().UnixMilli() + int64(secs*1000)
		}
	}

	return &TokenSet{
		Info: ExchangeInfo{
			Sub:    resp.Sub,
			Aud:    ident.PDS,
			Server: a.server,
		},
		Token: token,
	}, nil
}
