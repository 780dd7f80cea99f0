package main

import (
	"errors"
	"html"
	"net/http"

	"github.com/bluesky-social/indigo/xrpc"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	oauth "github.com/streamplace/atproto-oauth-agent"
	"github.com/streamplace/atproto-oauth-agent/authserver"
)

var htmlEscape = html.EscapeString

func currentDID(e echo.Context) (string, bool, error) {
	sess, err := session.Get(cookieName, e)
	if err != nil {
		return "", false, err
	}

	did, ok := sess.Values["did"].(string)
	return did, ok && did != "", nil
}

// xrpcClient returns a client for the signed in user's PDS. ok is false when
// nobody is signed in or the session can no longer be used.
func (s *Server) xrpcClient(e echo.Context) (*xrpc.Client, *oauth.Session, bool, error) {
	did, ok, err := currentDID(e)
	if err != nil || !ok {
		return nil, nil, false, err
	}

	oauthSession, err := s.oauth.ResumeSession(e.Request().Context(), did)
	if err != nil {
		var rerr *authserver.TokenRefreshError
		if errors.As(err, &rerr) {
			return nil, nil, false, nil
		}
		return nil, nil, false, err
	}

	return &xrpc.Client{
		Client: &http.Client{Transport: oauthSession},
		Host:   oauthSession.ServiceURL(),
	}, oauthSession, true, nil
}
