package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	oauth "github.com/streamplace/atproto-oauth-agent"
	"github.com/streamplace/atproto-oauth-agent/identity"
	"github.com/streamplace/atproto-oauth-agent/internal/testpds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, pds *testpds.Server) *Server {
	t.Helper()

	client, err := oauth.NewClient(oauth.ClientArgs{
		H:           pds.Client(),
		ClientID:    "http://localhost:7070/oauth/client-metadata.json",
		RedirectURI: "http://localhost:7070/callback",
		Scope:       testpds.Scope,
		Resolver: identity.NewResolver(identity.Args{
			H:                 pds.Client(),
			PLCURL:            pds.URL,
			HandleResolverURL: pds.URL,
		}),
	})
	require.NoError(t, err)

	return NewServer(client, []byte("test-cookie-secret-test-cookie-s"), slog.Default())
}

func serve(s *Server, req *http.Request, cookies []*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func TestClientMetadataRoute(t *testing.T) {
	s := newTestServer(t, testpds.New(t))

	rec := serve(s, httptest.NewRequest("GET", "/oauth/client-metadata.json", nil), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var md map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &md))
	assert.Equal(t, "http://localhost:7070/oauth/client-metadata.json", md["client_id"])
	assert.Equal(t, true, md["dpop_bound_access_tokens"])
}

func TestLoginFlow(t *testing.T) {
	assert := assert.New(t)

	pds := testpds.New(t)
	s := newTestServer(t, pds)

	rec := serve(s, httptest.NewRequest("GET", "/", nil), nil)
	assert.Contains(rec.Body.String(), "auth-input")

	req := httptest.NewRequest("POST", "/login", strings.NewReader(url.Values{"auth-input": {testpds.Handle}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = serve(s, req, nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.True(strings.HasPrefix(rec.Header().Get("Location"), pds.URL+"/oauth/authorize?"))

	state := pds.PARs()[0]["state"].(string)
	q := url.Values{"state": {state}, "code": {"code-1"}, "iss": {pds.URL}}
	rec = serve(s, httptest.NewRequest("GET", "/callback?"+q.Encode(), nil), nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal("/", rec.Header().Get("Location"))

	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)

	rec = serve(s, httptest.NewRequest("GET", "/", nil), cookies)
	assert.Contains(rec.Body.String(), testpds.DID)

	rec = serve(s, httptest.NewRequest("GET", "/profile", nil), cookies)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), "@"+testpds.Handle)

	rec = serve(s, httptest.NewRequest("GET", "/logout", nil), cookies)
	assert.Equal(http.StatusFound, rec.Code)
	assert.Len(pds.Revoked(), 1)
}

func TestLoginRejectsGarbage(t *testing.T) {
	s := newTestServer(t, testpds.New(t))

	req := httptest.NewRequest("POST", "/login", strings.NewReader("auth-input=not%20a%20handle"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := serve(s, req, nil)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/?e=handle-invalid", rec.Header().Get("Location"))
}
