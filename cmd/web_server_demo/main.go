package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/gorilla/sessions"
	"github.com/joho/godotenv"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	slogecho "github.com/samber/slog-echo"
	oauth "github.com/streamplace/atproto-oauth-agent"
	"github.com/streamplace/atproto-oauth-agent/internal/storeconfig"
	"github.com/urfave/cli/v2"
)

func main() {
	godotenv.Load()

	app := &cli.App{
		Name:  "atproto-oauth-web-demo",
		Usage: "sign in with atproto oauth and call the pds",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   ":7070",
				EnvVars: []string{"DEMO_ADDR"},
			},
			&cli.StringFlag{
				Name:    "base-url",
				Usage:   "public url of this server",
				Value:   "http://localhost:7070",
				EnvVars: []string{"DEMO_BASE_URL"},
			},
			&cli.StringFlag{
				Name:    "cookie-secret",
				Usage:   "key for the session cookie",
				EnvVars: []string{"DEMO_COOKIE_SECRET"},
				Value:   "insecure-development-cookie-key",
			},
			&cli.StringFlag{
				Name:    "scope",
				Value:   "atproto transition:generic",
				EnvVars: []string{"OAUTH_SCOPE"},
			},
		}, storeconfig.Flags()...),
		Action: run,
	}

	app.RunAndExitOnError()
}

func run(cmd *cli.Context) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	st, closeStore, err := storeconfig.Open(storeconfig.FromCLI(cmd, logger))
	if err != nil {
		return err
	}
	defer closeStore()

	baseURL := cmd.String("base-url")
	client, err := oauth.NewClient(oauth.ClientArgs{
		ClientID:    baseURL + "/oauth/client-metadata.json",
		ClientName:  "atproto oauth agent demo",
		ClientURI:   baseURL,
		RedirectURI: baseURL + "/callback",
		Scope:       cmd.String("scope"),
		Store:       st,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	s := NewServer(client, []byte(cmd.String("cookie-secret")), logger)

	httpd := http.Server{
		Addr:    cmd.String("addr"),
		Handler: s.e,
	}

	logger.Info("starting http server", "addr", httpd.Addr, "base_url", baseURL)

	if err := httpd.ListenAndServe(); err != nil {
		return fmt.Errorf("http server failed: %w", err)
	}

	return nil
}

type Server struct {
	e      *echo.Echo
	oauth  *oauth.Client
	logger *slog.Logger
}

func NewServer(client *oauth.Client, cookieSecret []byte, logger *slog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(slogecho.New(logger))
	e.Use(session.Middleware(sessions.NewCookieStore(cookieSecret)))

	s := &Server{
		e:      e,
		oauth:  client,
		logger: logger,
	}

	e.GET("/", s.handleHome)
	e.GET("/oauth/client-metadata.json", s.handleClientMetadata)
	e.POST("/login", s.handleLoginSubmit)
	e.GET("/callback", s.handleCallback)
	e.GET("/logout", s.handleLogout)
	e.GET("/profile", s.handleProfile)
	e.POST("/post", s.handleMakePost)

	return s
}

func (s *Server) handleClientMetadata(e echo.Context) error {
	return e.JSON(http.StatusOK, s.oauth.ClientMetadata())
}

func (s *Server) handleHome(e echo.Context) error {
	did, ok, err := currentDID(e)
	if err != nil {
		return err
	}

	if !ok {
		return e.HTML(http.StatusOK, `<form method="post" action="/login">
<input name="auth-input" placeholder="handle, did or pds url">
<button type="submit">sign in</button>
</form>`)
	}

	return e.HTML(http.StatusOK, fmt.Sprintf(`<p>signed in as %s</p>
<a href="/profile">profile</a>
<form method="post" action="/post"><button type="submit">post hello</button></form>
<a href="/logout">sign out</a>`, htmlEscape(did)))
}
