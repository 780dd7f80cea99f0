package oauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/streamplace/atproto-oauth-agent/authserver"
	"github.com/streamplace/atproto-oauth-agent/dpop"
	"github.com/streamplace/atproto-oauth-agent/internal/cached"
)

// Session sends requests to the account's PDS with its DPoP-bound access
// token. It implements http.RoundTripper, so it can be used as the transport
// of an http.Client handed to xrpc.
type Session struct {
	c         *Client
	sub       string
	transport *dpop.Transport

	mu         sync.Mutex
	data       SessionData
	refreshing chan struct{}
}

func (c *Client) newSession(data SessionData) *Session {
	return &Session{
		c:    c,
		sub:  data.Info.Sub,
		data: data,
		transport: &dpop.Transport{
			Base:   c.h.Transport,
			Key:    data.DPoPKey,
			Nonces: c.db.nonces,
			Now:    c.now,
			Logger: c.logger.With("sub", data.Info.Sub),
		},
	}
}

func (s *Session) DID() string {
	return s.sub
}

// Data returns the session as last seen by this handle.
func (s *Session) Data() SessionData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// ServiceURL is the PDS the session's tokens are meant for.
func (s *Session) ServiceURL() string {
	return s.Data().Info.Aud
}

func (s *Session) RoundTrip(req *http.Request) (*http.Response, error) {
	return s.Handle(req)
}

// Handle sends req to the session's PDS. Only the path and query of req.URL
// are used. If the PDS rejects the access token, the session is refreshed
// and the request is sent once more; if that is not possible the original
// response is returned.
func (s *Session) Handle(req *http.Request) (*http.Response, error) {
	data := s.Data()

	target, err := resolveAgainst(data.Info.Aud, req.URL)
	if err != nil {
		return nil, err
	}

	resp, err := s.send(req, target, data.Token, req.Body)
	if err != nil {
		return nil, err
	}

	if !isInvalidToken(resp) {
		return resp, nil
	}

	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, nil
	}

	fresh, err := s.refresh(req.Context(), data.Token)
	if err != nil {
		s.transport.Logger.Warn("could not refresh session after invalid_token", "err", err)
		return resp, nil
	}

	body := req.Body
	if req.GetBody != nil {
		if body, err = req.GetBody(); err != nil {
			return resp, nil
		}
	}

	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return s.send(req, target, fresh.Token, body)
}

// SignOut revokes the session's credentials when possible and removes it
// from the store in any case.
func (s *Session) SignOut(ctx context.Context) error {
	return s.c.DeleteSession(ctx, s.sub)
}

func (s *Session) send(req *http.Request, target *url.URL, token authserver.TokenInfo, body io.ReadCloser) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL = target
	out.Host = ""
	out.Body = body
	out.Header.Set("Authorization", token.Type+" "+token.Access)
	return s.transport.RoundTrip(out)
}

// beginRefresh blocks until no other refresh runs on this handle and then
// marks one as running. The returned func ends it.
func (s *Session) beginRefresh(ctx context.Context) (func(), error) {
	s.mu.Lock()
	for s.refreshing != nil {
		ch := s.refreshing
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s.mu.Lock()
	}
	done := make(chan struct{})
	s.refreshing = done
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		s.refreshing = nil
		s.mu.Unlock()
		close(done)
	}, nil
}

// refresh waits for any refresh already running on this handle and then asks
// the session getter for a fresh token. If the getter hands back the token
// that was just rejected, it is forced past its cache.
func (s *Session) refresh(ctx context.Context, failed authserver.TokenInfo) (SessionData, error) {
	end, err := s.beginRefresh(ctx)
	if err != nil {
		return SessionData{}, err
	}
	defer end()

	data, err := s.c.sessions.Get(ctx, s.sub, cached.Options{})
	if err == nil && data.Token.ExpiresAt == failed.ExpiresAt {
		data, err = s.c.sessions.Get(ctx, s.sub, cached.Options{NoCache: true})
	}
	if err != nil {
		return SessionData{}, err
	}

	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return data, nil
}

func isInvalidToken(resp *http.Response) bool {
	if resp.StatusCode != http.StatusUnauthorized {
		return false
	}
	return dpop.HasChallengeError(resp.Header, "invalid_token", "DPoP", "Bearer")
}

func resolveAgainst(service string, u *url.URL) (*url.URL, error) {
	base, err := url.Parse(service)
	if err != nil {
		return nil, fmt.Errorf("invalid service url %q: %w", service, err)
	}
	return base.ResolveReference(&url.URL{Path: u.Path, RawPath: u.RawPath, RawQuery: u.RawQuery}), nil
}
