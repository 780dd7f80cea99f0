package oauth

import (
	"time"

	"github.com/streamplace/atproto-oauth-agent/store"
)

const (
	stateTTL = 10 * time.Minute
	nonceTTL = 10 * time.Minute
)

type db struct {
	sessions *store.Table[SessionData]
	states   *store.Table[StoredState]
	nonces   *store.Table[string]
}

func openTables(s *store.Store, now func() time.Time) (*db, error) {
	sessions, err := store.NewTable(s, "sessions", func(v SessionData) *time.Time {
		// refreshable sessions outlive their access token
		if v.Token.Refresh != "" {
			return nil
		}
		return v.Token.Expiry()
	})
	if err != nil {
		return nil, err
	}

	states, err := store.NewTable(s, "states", func(StoredState) *time.Time {
		exp := now().Add(stateTTL)
		return &exp
	})
	if err != nil {
		return nil, err
	}

	nonces, err := store.NewTable(s, "dpopNonces", func(string) *time.Time {
		exp := now().Add(nonceTTL)
		return &exp
	})
	if err != nil {
		return nil, err
	}

	return &db{
		sessions: sessions,
		states:   states,
		nonces:   nonces,
	}, nil
}
