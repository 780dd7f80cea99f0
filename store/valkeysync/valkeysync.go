// Package valkeysync coordinates Stores running on different hosts through
// valkey: SET NX locks for sweeps and pub/sub for change notifications.
package valkeysync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/streamplace/atproto-oauth-agent/store"
	"github.com/valkey-io/valkey-go"
)

const defaultPrefix = "atproto-oauth:"

var releaseScript = valkey.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Options struct {
	// Prefix namespaces every key and channel.
	Prefix string
	// LockTTL bounds how long a crashed holder keeps a lock.
	LockTTL time.Duration
	// MaxBackoff caps the wait between attempts to resubscribe after the
	// pub/sub connection drops.
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

type Sync struct {
	client     valkey.Client
	prefix     string
	lockTTL    time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

var (
	_ store.Locker   = (*Sync)(nil)
	_ store.Notifier = (*Sync)(nil)
)

func New(client valkey.Client, opts Options) *Sync {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.LockTTL == 0 {
		opts.LockTTL = time.Minute
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Sync{
		client:     client,
		prefix:     opts.Prefix,
		lockTTL:    opts.LockTTL,
		maxBackoff: opts.MaxBackoff,
		logger:     opts.Logger.With("component", "valkeysync"),
	}
}

func (s *Sync) TryLock(ctx context.Context, name string) (func(), bool, error) {
	key := s.prefix + "lock:" + name
	token := uuid.NewString()

	cmd := s.client.B().Set().Key(key).Value(token).Nx().PxMilliseconds(s.lockTTL.Milliseconds()).Build()
	err := s.client.Do(ctx, cmd).Error()
	if valkey.IsValkeyNil(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("acquiring lock %s: %w", name, err)
	}

	return func() {
		// the caller's context may already be done by the time it unlocks
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Exec(ctx, s.client, []string{key}, []string{token}).Error(); err != nil {
			s.logger.Warn("could not release lock", "name", name, "err", err)
		}
	}, true, nil
}

func (s *Sync) channel(table string) string {
	return s.prefix + "changes:" + table
}

func (s *Sync) Publish(ctx context.Context, table, source string) error {
	cmd := s.client.B().Publish().Channel(s.channel(table)).Message(source).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("publishing change for %s: %w", table, err)
	}
	return nil
}

// Subscribe delivers notifications on a background goroutine until cancel is
// called. When the connection drops it resubscribes with backoff and calls
// fn with an empty source, since changes may have been missed meanwhile.
func (s *Sync) Subscribe(table string, fn func(source string)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	cmd := s.client.B().Subscribe().Channel(s.channel(table)).Build()
	receive := func(ctx context.Context) error {
		return s.client.Receive(ctx, cmd, func(msg valkey.PubSubMessage) {
			fn(msg.Message)
		})
	}

	go func() {
		defer close(done)
		s.receiveLoop(ctx, table, receive, fn)
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

func (s *Sync) receiveLoop(ctx context.Context, table string, receive func(context.Context) error, fn func(string)) {
	const minBackoff = 50 * time.Millisecond
	backoff := minBackoff

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			fn("")
		}

		start := time.Now()
		err := receive(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil || errors.Is(err, context.Canceled) {
			err = errors.New("subscription closed")
		}

		if time.Since(start) > s.maxBackoff {
			backoff = minBackoff
		}
		s.logger.Warn("subscription dropped, resubscribing", "table", table, "err", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}
