package oauth

import (
	"cmp"
	"context"
	"errors"
	"time"

	"github.com/streamplace/atproto-oauth-agent/authserver"
	"github.com/streamplace/atproto-oauth-agent/internal/cached"
)

// staleMargin is how long before expiry a token is already treated as
// expired, to absorb clock skew and request latency.
const staleMargin = 60 * time.Second

func isStale(token authserver.TokenInfo, now time.Time) bool {
	return token.ExpiresAt != 0 && token.ExpiresAt-now.UnixMilli() < staleMargin.Milliseconds()
}

func isTerminal(err error) bool {
	var rerr *authserver.TokenRefreshError
	if errors.As(err, &rerr) {
		return true
	}
	var oerr *authserver.OAuthResponseError
	return errors.As(err, &oerr) && oerr.IsInvalidGrant()
}

func (c *Client) newSessionGetter() *cached.Getter[SessionData] {
	return cached.New(cached.Args[SessionData]{
		Store: c.db.sessions,

		Lock: func(ctx context.Context, sub string) (func(), error) {
			unlock, err := c.db.sessions.Lock(ctx, sub)
			if err != nil {
				return nil, err
			}
			// the change notification from the last holder may still be in flight
			c.db.sessions.Invalidate(sub)
			return unlock, nil
		},

		IsStale: func(_ string, s SessionData) bool {
			return isStale(s.Token, c.now())
		},

		Getter: func(ctx context.Context, sub string, stored *SessionData, _ cached.Options) (SessionData, error) {
			if stored == nil {
				return SessionData{}, &authserver.TokenRefreshError{Sub: sub, Message: "session was deleted by another process"}
			}

			agent, err := c.agent(stored.Info.Server, stored.DPoPKey)
			if err != nil {
				return SessionData{}, err
			}

			ts, err := agent.Refresh(ctx, sub, stored.Token)
			if err != nil {
				var oerr *authserver.OAuthResponseError
				if errors.As(err, &oerr) && oerr.IsInvalidGrant() {
					return SessionData{}, &authserver.TokenRefreshError{Sub: sub, Message: "session was revoked", Err: err}
				}
				return SessionData{}, err
			}

			c.logger.Debug("refreshed session", "sub", sub, "expires_at", ts.Token.ExpiresAt)

			return SessionData{
				DPoPKey: stored.DPoPKey,
				Info:    ts.Info,
				Token:   ts.Token,
			}, nil
		},

		OnStoreError: func(ctx context.Context, err error, sub string, s SessionData) error {
			c.logger.Error("could not persist refreshed session, revoking it", "sub", sub, "err", err)
			if agent, aerr := c.agent(s.Info.Server, s.DPoPKey); aerr == nil {
				agent.Revoke(context.WithoutCancel(ctx), cmp.Or(s.Token.Refresh, s.Token.Access))
			}
			return err
		},

		DeleteOnError: func(ctx context.Context, err error, sub string, stored SessionData) bool {
			if !isTerminal(err) {
				return false
			}

			c.db.sessions.Invalidate(sub)
			current, ok, rerr := c.db.sessions.Get(ctx, sub)
			if rerr != nil || !ok {
				return false
			}
			if current.Token.Refresh != stored.Token.Refresh {
				c.logger.Info("session was replaced while refreshing, keeping it", "sub", sub, "err", err)
				return false
			}

			c.logger.Info("removing unusable session", "sub", sub, "err", err)
			return true
		},
	})
}
