package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	oauth "github.com/streamplace/atproto-oauth-agent"
	"github.com/streamplace/atproto-oauth-agent/dpop"
	"github.com/streamplace/atproto-oauth-agent/identity"
	"github.com/streamplace/atproto-oauth-agent/internal/storeconfig"
	"github.com/urfave/cli/v2"
)

func main() {
	godotenv.Load()

	app := &cli.App{
		Name:  "atproto-oauth-helper",
		Usage: "inspect and maintain atproto oauth sessions",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "client-id",
				Usage:   "client metadata url the sessions were issued to",
				Value:   "http://localhost:7070/oauth/client-metadata.json",
				EnvVars: []string{"OAUTH_CLIENT_ID"},
			},
			&cli.StringFlag{
				Name:    "redirect-uri",
				Value:   "http://localhost:7070/callback",
				EnvVars: []string{"OAUTH_REDIRECT_URI"},
			},
			&cli.StringFlag{
				Name:    "plc-url",
				Value:   identity.DefaultPLCURL,
				EnvVars: []string{"ATPROTO_PLC_URL"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				EnvVars: []string{"OAUTH_DEBUG"},
			},
		}, storeconfig.Flags()...),
		Commands: []*cli.Command{
			runGenerateJwks,
			runResolve,
			runSessions,
			runRevoke,
			runSweep,
		},
	}

	app.RunAndExitOnError()
}

func logger(cmd *cli.Context) *slog.Logger {
	level := slog.LevelInfo
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func resolver(cmd *cli.Context) *identity.Resolver {
	return identity.NewResolver(identity.Args{
		PLCURL: cmd.String("plc-url"),
		Logger: logger(cmd),
	})
}

// withClient opens the configured store and hands a client on it to fn.
func withClient(cmd *cli.Context, fn func(*oauth.Client) error) error {
	log := logger(cmd)

	cfg := storeconfig.FromCLI(cmd, log)
	// one-shot commands sweep explicitly
	cfg.SweepDelay = -1

	s, closeStore, err := storeconfig.Open(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	client, err := oauth.NewClient(oauth.ClientArgs{
		ClientID:    cmd.String("client-id"),
		RedirectURI: cmd.String("redirect-uri"),
		Store:       s,
		Resolver:    resolver(cmd),
		Logger:      log,
	})
	if err != nil {
		return err
	}

	return fn(client)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var runGenerateJwks = &cli.Command{
	Name:  "generate-jwks",
	Usage: "generate a P-256 private jwk",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "out",
			Value: "./jwks.json",
		},
	},
	Action: func(cmd *cli.Context) error {
		key, err := dpop.GenerateKey()
		if err != nil {
			return err
		}

		b, err := json.Marshal(key)
		if err != nil {
			return err
		}

		if err := os.WriteFile(cmd.String("out"), b, 0600); err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "wrote key %s to %s\n", key.Thumbprint(), cmd.String("out"))
		return nil
	},
}

var runResolve = &cli.Command{
	Name:      "resolve",
	Usage:     "resolve a handle or did to its pds and authorization server",
	ArgsUsage: "<handle-or-did>",
	Action: func(cmd *cli.Context) error {
		if cmd.Args().Len() != 1 {
			return cli.ShowSubcommandHelp(cmd)
		}

		ident, md, err := resolver(cmd).ResolveFromIdentity(cmd.Context, cmd.Args().First())
		if err != nil {
			return err
		}

		return printJSON(map[string]any{
			"did":    ident.DID,
			"pds":    ident.PDS,
			"issuer": md.Issuer,
			"par":    md.PushedAuthorizationRequestEndpoint,
			"token":  md.TokenEndpoint,
		})
	},
}

var runSessions = &cli.Command{
	Name:  "sessions",
	Usage: "list stored sessions",
	Action: func(cmd *cli.Context) error {
		return withClient(cmd, func(client *oauth.Client) error {
			dids, err := client.Sessions(cmd.Context)
			if err != nil {
				return err
			}
			for _, did := range dids {
				fmt.Println(did)
			}
			return nil
		})
	},
}

var runRevoke = &cli.Command{
	Name:      "revoke",
	Usage:     "revoke and delete the stored session of a did",
	ArgsUsage: "<did>",
	Action: func(cmd *cli.Context) error {
		if cmd.Args().Len() != 1 {
			return cli.ShowSubcommandHelp(cmd)
		}
		return withClient(cmd, func(client *oauth.Client) error {
			return client.DeleteSession(cmd.Context, cmd.Args().First())
		})
	},
}

var runSweep = &cli.Command{
	Name:  "sweep",
	Usage: "purge expired sessions, login states and nonces",
	Action: func(cmd *cli.Context) error {
		return withClient(cmd, func(client *oauth.Client) error {
			n, err := client.Sweep(cmd.Context)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "removed %d expired entries\n", n)
			return nil
		})
	},
}
