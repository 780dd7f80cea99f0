// Package storeconfig builds a store.Store from command line configuration,
// so every binary picks backends the same way.
package storeconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/streamplace/atproto-oauth-agent/store"
	"github.com/streamplace/atproto-oauth-agent/store/boltstore"
	"github.com/streamplace/atproto-oauth-agent/store/sqlstore"
	"github.com/streamplace/atproto-oauth-agent/store/valkeysync"
	"github.com/urfave/cli/v2"
	"github.com/valkey-io/valkey-go"
)

type Config struct {
	// Driver is one of "sqlite", "bolt" or "memory".
	Driver string
	Path   string
	// Secret, when set, seals every stored value.
	Secret string
	// ValkeyAddr, when set, coordinates locks and change notifications
	// across hosts. Otherwise locks are file locks next to Path.
	ValkeyAddr string
	SweepDelay time.Duration
	Logger     *slog.Logger
}

func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "store-driver",
			Usage:   "session store backend: sqlite, bolt or memory",
			Value:   "sqlite",
			EnvVars: []string{"OAUTH_STORE_DRIVER"},
		},
		&cli.StringFlag{
			Name:    "store-path",
			Usage:   "database file for the session store",
			Value:   "./oauth.db",
			EnvVars: []string{"OAUTH_STORE_PATH"},
		},
		&cli.StringFlag{
			Name:    "store-secret",
			Usage:   "secret used to seal stored sessions (at least 16 bytes)",
			EnvVars: []string{"OAUTH_STORE_SECRET"},
		},
		&cli.StringFlag{
			Name:    "valkey-addr",
			Usage:   "valkey address for cross-host locks and notifications",
			EnvVars: []string{"OAUTH_VALKEY_ADDR"},
		},
		&cli.DurationFlag{
			Name:    "sweep-delay",
			Usage:   "delay before purging expired entries, negative to disable",
			Value:   store.DefaultSweepDelay,
			EnvVars: []string{"OAUTH_SWEEP_DELAY"},
		},
	}
}

func FromCLI(cctx *cli.Context, logger *slog.Logger) Config {
	return Config{
		Driver:     cctx.String("store-driver"),
		Path:       cctx.String("store-path"),
		Secret:     cctx.String("store-secret"),
		ValkeyAddr: cctx.String("valkey-addr"),
		SweepDelay: cctx.Duration("sweep-delay"),
		Logger:     logger,
	}
}

type closer interface {
	Close() error
}

// Open returns the store and a function that closes it together with
// everything it opened.
func Open(cfg Config) (*store.Store, func() error, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var closers []closer
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i].Close())
		}
		return errors.Join(errs...)
	}

	var backend store.Backend
	switch cfg.Driver {
	case "", "sqlite":
		b, err := sqlstore.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, b)
		backend = b
	case "bolt":
		b, err := boltstore.Open(cfg.Path, nil)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, b)
		backend = b
	case "memory":
		backend = store.NewMemBackend()
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	if cfg.Secret != "" {
		sealed, err := store.NewSealedBackend(backend, []byte(cfg.Secret))
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		backend = sealed
	}

	opts := store.Options{
		Backend:    backend,
		SweepDelay: cfg.SweepDelay,
		Logger:     cfg.Logger,
	}

	switch {
	case cfg.ValkeyAddr != "":
		client, err := valkey.NewClient(valkey.ClientOption{
			InitAddress: []string{cfg.ValkeyAddr},
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("could not connect to valkey: %w", err)
		}
		closers = append(closers, closeFunc(func() error { client.Close(); return nil }))
		coord := valkeysync.New(client, valkeysync.Options{Logger: cfg.Logger})
		opts.Locker = coord
		opts.Notifier = coord
	case cfg.Driver != "memory":
		opts.Locker = &store.FileLocker{Dir: filepath.Join(filepath.Dir(cfg.Path), ".oauth-locks")}
	}

	s := store.New(opts)
	closers = append(closers, s)

	return s, closeAll, nil
}

type closeFunc func() error

func (f closeFunc) Close() error {
	return f()
}
