package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	oauth "github.com/streamplace/atproto-oauth-agent"
)

const cookieName = "session"

func (s *Server) handleLoginSubmit(e echo.Context) error {
	authInput := strings.TrimSpace(strings.ToLower(e.FormValue("auth-input")))
	if authInput == "" {
		return e.Redirect(http.StatusFound, "/?e=auth-input-empty")
	}

	var args oauth.AuthorizeArgs
	if strings.HasPrefix(authInput, "https://") {
		args.Service = authInput
	} else {
		_, herr := syntax.ParseHandle(authInput)
		_, derr := syntax.ParseDID(authInput)
		if herr != nil && derr != nil {
			return e.Redirect(http.StatusFound, "/?e=handle-invalid")
		}
		args.Identifier = authInput
	}
	args.AppState = e.QueryParam("next")

	u, err := s.oauth.Authorize(e.Request().Context(), args)
	if err != nil {
		s.logger.Warn("could not start login", "input", authInput, "err", err)
		return echo.NewHTTPError(http.StatusBadRequest, "could not start login")
	}

	return e.Redirect(http.StatusFound, u.String())
}

func (s *Server) handleCallback(e echo.Context) error {
	oauthSession, appState, err := s.oauth.Callback(e.Request().Context(), e.QueryParams())
	if err != nil {
		var aerr *oauth.AuthorizationError
		if errors.As(err, &aerr) {
			return e.Redirect(http.StatusFound, "/?e="+aerr.Code)
		}
		s.logger.Warn("login callback failed", "err", err)
		return echo.NewHTTPError(http.StatusBadRequest, "login failed")
	}

	sess, err := session.Get(cookieName, e)
	if err != nil {
		return err
	}

	sess.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
	}

	// make sure the session is empty
	sess.Values = map[interface{}]interface{}{}
	sess.Values["did"] = oauthSession.DID()

	if err := sess.Save(e.Request(), e.Response()); err != nil {
		return err
	}

	if !strings.HasPrefix(appState, "/") || strings.HasPrefix(appState, "//") {
		appState = "/"
	}

	return e.Redirect(http.StatusFound, appState)
}

func (s *Server) handleLogout(e echo.Context) error {
	sess, err := session.Get(cookieName, e)
	if err != nil {
		return err
	}

	if did, ok := sess.Values["did"].(string); ok {
		if err := s.oauth.DeleteSession(e.Request().Context(), did); err != nil {
			s.logger.Warn("could not delete oauth session", "did", did, "err", err)
		}
	}

	sess.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	}

	if err := sess.Save(e.Request(), e.Response()); err != nil {
		return err
	}

	return e.Redirect(http.StatusFound, "/")
}
