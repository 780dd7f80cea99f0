package main

import (
	"fmt"
	"net/http"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/lex/util"
	"github.com/labstack/echo/v4"
)

func (s *Server) handleMakePost(e echo.Context) error {
	cli, oauthSession, authed, err := s.xrpcClient(e)
	if err != nil {
		return err
	}

	if !authed {
		return e.Redirect(http.StatusFound, "/")
	}

	post := bsky.FeedPost{
		Text:      "hello from the atproto oauth agent",
		CreatedAt: syntax.DatetimeNow().String(),
	}

	input := atproto.RepoCreateRecord_Input{
		Collection: "app.bsky.feed.post",
		Repo:       oauthSession.DID(),
		Record:     &util.LexiconTypeDecoder{Val: &post},
	}

	out, err := atproto.RepoCreateRecord(e.Request().Context(), cli, &input)
	if err != nil {
		return err
	}

	return e.HTML(http.StatusOK, fmt.Sprintf(`<p>posted <code>%s</code></p><a href="/">back</a>`, htmlEscape(out.Uri)))
}
