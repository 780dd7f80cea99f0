package main

import (
	"fmt"
	"net/http"

	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/labstack/echo/v4"
)

func (s *Server) handleProfile(e echo.Context) error {
	cli, oauthSession, authed, err := s.xrpcClient(e)
	if err != nil {
		return err
	}

	if !authed {
		return e.Redirect(http.StatusFound, "/")
	}

	out, err := bsky.ActorGetProfile(e.Request().Context(), cli, oauthSession.DID())
	if err != nil {
		return err
	}

	var dn string
	if out.DisplayName != nil {
		dn = *out.DisplayName
	}

	var desc string
	if out.Description != nil {
		desc = *out.Description
	}

	return e.HTML(http.StatusOK, fmt.Sprintf("<h1>%s</h1><p>@%s</p><p>%s</p>",
		htmlEscape(dn), htmlEscape(out.Handle), htmlEscape(desc)))
}
