// Package oauth signs users in to their atproto PDS with OAuth and keeps
// their DPoP-bound sessions alive across processes.
package oauth

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/streamplace/atproto-oauth-agent/authserver"
	"github.com/streamplace/atproto-oauth-agent/dpop"
	"github.com/streamplace/atproto-oauth-agent/identity"
	"github.com/streamplace/atproto-oauth-agent/internal/cached"
	"github.com/streamplace/atproto-oauth-agent/internal/helpers"
	"github.com/streamplace/atproto-oauth-agent/store"
)

const DefaultScope = "atproto"

// Resolver finds the authorization server for a user or a service.
// *identity.Resolver satisfies it.
type Resolver interface {
	ResolveFromIdentity(ctx context.Context, input string) (*identity.ResolvedIdentity, *identity.AuthorizationServerMetadata, error)
	ResolveFromService(ctx context.Context, input string) (*identity.AuthorizationServerMetadata, error)
	ResolveAuthorizationServerMetadata(ctx context.Context, host string) (*identity.AuthorizationServerMetadata, error)
}

type Client struct {
	h           *http.Client
	clientID    string
	clientName  string
	clientURI   string
	redirectURI string
	scope       string
	resolver    Resolver
	db          *db
	sessions    *cached.Getter[SessionData]
	now         func() time.Time
	logger      *slog.Logger
}

type ClientArgs struct {
	H           *http.Client
	ClientID    string
	ClientName  string
	ClientURI   string
	RedirectURI string
	Scope       string

	// Store holds sessions, login states and DPoP nonces. Defaults to an
	// in-memory store.
	Store *store.Store
	// Resolver defaults to an identity.Resolver using H.
	Resolver Resolver

	UserAgent string
	Now       func() time.Time
	Logger    *slog.Logger
}

func NewClient(args ClientArgs) (*Client, error) {
	if args.ClientID == "" {
		return nil, fmt.Errorf("no client id provided")
	}

	if args.RedirectURI == "" {
		return nil, fmt.Errorf("no redirect uri provided")
	}

	if args.H == nil {
		args.H = &http.Client{
			Timeout: 10 * time.Second,
		}
	}

	if args.Scope == "" {
		args.Scope = DefaultScope
	}

	if args.UserAgent == "" {
		args.UserAgent = "atproto-oauth-agent/" + versioninfo.Short()
	}

	if args.Now == nil {
		args.Now = time.Now
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	if args.Store == nil {
		args.Store = store.New(store.Options{Now: args.Now, Logger: args.Logger})
	}

	h := *args.H
	h.Transport = &userAgentTransport{base: args.H.Transport, ua: args.UserAgent}

	if args.Resolver == nil {
		args.Resolver = identity.NewResolver(identity.Args{
			H:      &h,
			Logger: args.Logger,
		})
	}

	tables, err := openTables(args.Store, args.Now)
	if err != nil {
		return nil, fmt.Errorf("could not open session tables: %w", err)
	}

	c := &Client{
		h:           &h,
		clientID:    args.ClientID,
		clientName:  args.ClientName,
		clientURI:   args.ClientURI,
		redirectURI: args.RedirectURI,
		scope:       args.Scope,
		resolver:    args.Resolver,
		db:          tables,
		now:         args.Now,
		logger:      args.Logger.With("component", "oauth"),
	}
	c.sessions = c.newSessionGetter()

	return c, nil
}

func (c *Client) ClientMetadata() ClientMetadata {
	return ClientMetadata{
		ClientID:                c.clientID,
		ClientName:              c.clientName,
		ClientURI:               c.clientURI,
		RedirectURIs:            []string{c.redirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		Scope:                   c.scope,
		ApplicationType:         "web",
		TokenEndpointAuthMethod: "none",
		DPoPBoundAccessTokens:   true,
	}
}

func (c *Client) agent(server authserver.ServerInfo, key *dpop.Key) (*authserver.Agent, error) {
	return authserver.New(authserver.Args{
		Server:      server,
		Key:         key,
		ClientID:    c.clientID,
		RedirectURI: c.redirectURI,
		H:           c.h,
		Nonces:      c.db.nonces,
		Resolver:    c.resolver,
		Now:         c.now,
		Logger:      c.logger,
	})
}

// Authorize starts a login and returns the URL to send the user to.
func (c *Client) Authorize(ctx context.Context, args AuthorizeArgs) (*url.URL, error) {
	var md *identity.AuthorizationServerMetadata
	var loginHint string

	switch {
	case args.Identifier != "":
		_, m, err := c.resolver.ResolveFromIdentity(ctx, args.Identifier)
		if err != nil {
			return nil, err
		}
		md = m
		loginHint = args.Identifier
	case args.Service != "":
		m, err := c.resolver.ResolveFromService(ctx, args.Service)
		if err != nil {
			return nil, err
		}
		md = m
	default:
		return nil, fmt.Errorf("no identifier or service provided")
	}

	key, err := dpop.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("could not generate dpop key: %w", err)
	}

	pkce, err := helpers.GeneratePKCE()
	if err != nil {
		return nil, err
	}

	state, err := helpers.RandomURLToken(16)
	if err != nil {
		return nil, fmt.Errorf("could not generate state token: %w", err)
	}

	if err := c.db.states.Set(ctx, state, StoredState{
		DPoPKey:  key,
		Issuer:   md.Issuer,
		Verifier: pkce.Verifier,
		AppState: args.AppState,
	}); err != nil {
		return nil, err
	}

	params := map[string]any{
		"response_type":         "code",
		"redirect_uri":          c.redirectURI,
		"code_challenge":        pkce.Challenge,
		"code_challenge_method": pkce.Method,
		"state":                 state,
		"scope":                 cmp.Or(args.Scope, c.scope),
	}

	if loginHint != "" {
		params["login_hint"] = loginHint
	}

	if args.Prompt != "" {
		params["prompt"] = args.Prompt
	}

	u, err := url.Parse(md.AuthorizationEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid authorization endpoint: %w", err)
	}

	if md.PushedAuthorizationRequestEndpoint == "" {
		if md.RequirePushedAuthorizationRequests {
			return nil, fmt.Errorf("server requires pushed authorization requests but offers no endpoint")
		}

		q := url.Values{"client_id": {c.clientID}}
		for k, v := range params {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
		return u, nil
	}

	agent, err := c.agent(authserver.ServerInfoFrom(md), key)
	if err != nil {
		return nil, err
	}

	par, err := agent.PushedAuthorizationRequest(ctx, params)
	if err != nil {
		if derr := c.db.states.Delete(context.WithoutCancel(ctx), state); derr != nil {
			c.logger.Warn("could not remove unused state", "err", derr)
		}
		return nil, err
	}

	u.RawQuery = url.Values{
		"client_id":   {c.clientID},
		"request_uri": {par.RequestURI},
	}.Encode()

	c.logger.Info("started login", "issuer", md.Issuer, "login_hint", loginHint)

	return u, nil
}

// Callback finishes a login with the query parameters the authorization
// server redirected back with. It returns the new session and the app state
// passed to Authorize.
func (c *Client) Callback(ctx context.Context, params url.Values) (*Session, string, error) {
	state := params.Get("state")
	if state == "" {
		return nil, "", &LoginError{Message: "missing state parameter"}
	}

	stored, ok, err := c.db.states.Get(ctx, state)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", &LoginError{Message: "unknown authorization state"}
	}

	// a state is only good for one callback, whatever the outcome
	if err := c.db.states.Delete(ctx, state); err != nil {
		return nil, stored.AppState, err
	}

	if code := params.Get("error"); code != "" {
		return nil, stored.AppState, &AuthorizationError{
			Code:        code,
			Description: params.Get("error_description"),
			AppState:    stored.AppState,
		}
	}

	code := params.Get("code")
	if code == "" {
		return nil, stored.AppState, &LoginError{Message: "missing code parameter"}
	}

	md, err := c.resolver.ResolveAuthorizationServerMetadata(ctx, stored.Issuer)
	if err != nil {
		return nil, stored.AppState, &LoginError{Message: "could not load authorization server metadata", Err: err}
	}

	iss := params.Get("iss")
	if iss == "" && md.AuthorizationResponseISSParameterSupported {
		return nil, stored.AppState, &LoginError{Message: "missing iss parameter"}
	}
	if iss != "" && iss != stored.Issuer {
		return nil, stored.AppState, &LoginError{Message: fmt.Sprintf("issuer mismatch: expected %s, got %s", stored.Issuer, iss)}
	}

	agent, err := c.agent(authserver.ServerInfoFrom(md), stored.DPoPKey)
	if err != nil {
		return nil, stored.AppState, err
	}

	ts, err := agent.ExchangeCode(ctx, code, stored.Verifier)
	if err != nil {
		return nil, stored.AppState, err
	}

	data := SessionData{
		DPoPKey: stored.DPoPKey,
		Info:    ts.Info,
		Token:   ts.Token,
	}

	if err := c.db.sessions.Set(ctx, ts.Info.Sub, data); err != nil {
		agent.Revoke(context.WithoutCancel(ctx), cmp.Or(ts.Token.Refresh, ts.Token.Access))
		return nil, stored.AppState, err
	}

	c.logger.Info("login complete", "sub", ts.Info.Sub, "aud", ts.Info.Aud)

	return c.newSession(data), stored.AppState, nil
}

// ResumeSession loads the stored session for did, refreshing it first if its
// access token is about to expire.
func (c *Client) ResumeSession(ctx context.Context, did string) (*Session, error) {
	data, err := c.sessions.Get(ctx, did, cached.Options{})
	if err != nil {
		return nil, err
	}
	return c.newSession(data), nil
}

// DeleteSession revokes the session's tokens on a best effort basis and
// removes it from the store.
func (c *Client) DeleteSession(ctx context.Context, did string) error {
	data, err := c.sessions.Get(ctx, did, cached.Options{AllowStale: true})
	if err == nil {
		if agent, err := c.agent(data.Info.Server, data.DPoPKey); err == nil {
			agent.Revoke(ctx, cmp.Or(data.Token.Refresh, data.Token.Access))
		}
	} else {
		var rerr *authserver.TokenRefreshError
		if !errors.As(err, &rerr) {
			c.logger.Warn("could not load session before deleting it", "sub", did, "err", err)
		}
	}

	return c.sessions.Delete(ctx, did)
}

// Sweep purges expired entries from every table right away, instead of
// waiting for the background sweep.
func (c *Client) Sweep(ctx context.Context) (int, error) {
	var total int
	for _, sweep := range []func(context.Context) (int, error){
		c.db.sessions.Sweep,
		c.db.states.Sweep,
		c.db.nonces.Sweep,
	} {
		n, err := sweep(ctx)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Sessions lists the DIDs with a stored session.
func (c *Client) Sessions(ctx context.Context) ([]string, error) {
	return c.db.sessions.Keys(ctx)
}

type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	if req.Header.Get("User-Agent") != "" {
		return base.RoundTrip(req)
	}
	out := req.Clone(req.Context())
	out.Header.Set("User-Agent", t.ua)
	return base.RoundTrip(out)
}
