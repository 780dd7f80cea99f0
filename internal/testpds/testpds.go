// Package testpds runs an in-process PDS that is also its own authorization
// server, PLC directory and handle resolver. It verifies DPoP proofs, issues
// and rotates tokens, and counts every call so tests can assert on them.
package testpds

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	DID    = "did:plc:ewvi7nxzyoun6zhxrhs64oiz"
	Handle = "alice.test"
	Scope  = "atproto transition:generic"
)

// TokenHook may answer a token request itself by returning a non-zero status.
// It runs under the server lock and must not call Server methods.
type TokenHook func(params map[string]any) (status int, body any)

type Server struct {
	*httptest.Server
	t testing.TB

	mu           sync.Mutex
	nonce        string
	requireNonce bool
	expiresIn    any
	sub          string
	next         int
	access       map[string]bool
	refresh      map[string]bool
	revoked      []string
	counts       map[string]int
	pars         []map[string]any
	tokenHook    TokenHook
}

func New(t testing.TB) *Server {
	s := &Server{
		t:         t,
		nonce:     "nonce-0",
		expiresIn: 3600,
		sub:       DID,
		access:    map[string]bool{},
		refresh:   map[string]bool{},
		counts:    map[string]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", s.handleProtectedResource)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", s.handleAuthServer)
	mux.HandleFunc("GET /xrpc/com.atproto.identity.resolveHandle", s.handleResolveHandle)
	mux.HandleFunc("GET /"+DID, s.handleDIDDoc)
	mux.HandleFunc("POST /oauth/par", s.handlePAR)
	mux.HandleFunc("POST /oauth/token", s.handleToken)
	mux.HandleFunc("POST /oauth/revoke", s.handleRevoke)
	mux.HandleFunc("POST /oauth/introspect", s.handleIntrospect)
	mux.HandleFunc("/xrpc/", s.handleResource)

	s.Server = httptest.NewTLSServer(mux)
	t.Cleanup(s.Server.Close)
	return s
}

func (s *Server) RequireNonce(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireNonce = v
}

func (s *Server) RotateNonce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.nonce = fmt.Sprintf("nonce-%d", s.next)
}

// SetExpiresIn controls the expires_in value of issued tokens. nil omits it.
func (s *Server) SetExpiresIn(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiresIn = v
}

// SetSub changes the subject reported in token responses.
func (s *Server) SetSub(sub string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sub = sub
}

func (s *Server) SetTokenHook(h TokenHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenHook = h
}

// Issue mints a token pair without going through the token endpoint.
func (s *Server) Issue() (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked()
}

func (s *Server) issueLocked() (string, string) {
	s.next++
	access := fmt.Sprintf("access-%d", s.next)
	refresh := fmt.Sprintf("refresh-%d", s.next)
	s.access[access] = true
	s.refresh[refresh] = true
	return access, refresh
}

// ExpireAccess makes the resource server reject every outstanding access
// token.
func (s *Server) ExpireAccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.access)
}

func (s *Server) RevokeRefresh(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refresh, token)
}

func (s *Server) Count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}

func (s *Server) Revoked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.revoked...)
}

func (s *Server) PARs() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.pars...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]any{
		"resource":              s.URL,
		"authorization_servers": []string{s.URL},
	})
}

func (s *Server) handleAuthServer(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]any{
		"issuer":                                s.URL,
		"authorization_endpoint":                s.URL + "/oauth/authorize",
		"token_endpoint":                        s.URL + "/oauth/token",
		"pushed_authorization_request_endpoint": s.URL + "/oauth/par",
		"revocation_endpoint":                   s.URL + "/oauth/revoke",
		"introspection_endpoint":                s.URL + "/oauth/introspect",
		"require_pushed_authorization_requests": true,
		"response_types_supported":              []string{"code"},
		"dpop_signing_alg_values_supported":     []string{"ES256"},
		"scopes_supported":                      []string{"atproto", "transition:generic"},
		"client_id_metadata_document_supported": true,
		"protected_resources":                   []string{s.URL},
	})
}

func (s *Server) handleResolveHandle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("handle") != Handle {
		writeJSON(w, 400, map[string]string{"error": "InvalidRequest", "message": "Unable to resolve handle"})
		return
	}
	writeJSON(w, 200, map[string]string{"did": DID})
}

func (s *Server) handleDIDDoc(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]any{
		"id":          DID,
		"alsoKnownAs": []string{"at://" + Handle},
		"service": []map[string]any{{
			"id":              "#atproto_pds",
			"type":            "AtprotoPersonalDataServer",
			"serviceEndpoint": s.URL,
		}},
	})
}

// checkProof verifies the DPoP header and enforces the server nonce. It
// writes the rejection itself and returns false when the request must stop.
func (s *Server) checkProof(w http.ResponseWriter, r *http.Request, authServer bool, accessToken string) bool {
	s.mu.Lock()
	nonce, requireNonce := s.nonce, s.requireNonce
	s.mu.Unlock()

	w.Header().Set("DPoP-Nonce", nonce)

	token, err := jwt.Parse(r.Header.Get("DPoP"), func(token *jwt.Token) (any, error) {
		if token.Header["typ"] != "dpop+jwt" {
			return nil, fmt.Errorf("bad typ")
		}
		b, err := json.Marshal(token.Header["jwk"])
		if err != nil {
			return nil, err
		}
		key, err := jwk.ParseKey(b)
		if err != nil {
			return nil, err
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			return nil, err
		}
		return raw, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		writeJSON(w, 400, map[string]string{"error": "invalid_dpop_proof", "error_description": err.Error()})
		return false
	}

	claims := token.Claims.(jwt.MapClaims)
	htu := "https://" + r.Host + r.URL.Path
	if claims["htm"] != r.Method || claims["htu"] != htu {
		writeJSON(w, 400, map[string]string{"error": "invalid_dpop_proof", "error_description": "htm/htu mismatch"})
		return false
	}

	if accessToken != "" && claims["ath"] == nil {
		writeJSON(w, 400, map[string]string{"error": "invalid_dpop_proof", "error_description": "missing ath"})
		return false
	}

	if requireNonce && claims["nonce"] != nonce {
		if authServer {
			writeJSON(w, 400, map[string]string{"error": "use_dpop_nonce", "error_description": "Authorization server requires nonce in DPoP proof"})
		} else {
			w.Header().Set("WWW-Authenticate", `DPoP error="use_dpop_nonce", error_description="Resource server requires nonce in DPoP proof"`)
			writeJSON(w, 401, map[string]string{"error": "use_dpop_nonce"})
		}
		return false
	}

	return true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var params map[string]any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, 400, map[string]string{"error": "invalid_request", "error_description": err.Error()})
		return nil, false
	}
	if params["client_id"] == nil || params["client_id"] == "" {
		writeJSON(w, 400, map[string]string{"error": "invalid_client", "error_description": "missing client_id"})
		return nil, false
	}
	return params, true
}

func (s *Server) handlePAR(w http.ResponseWriter, r *http.Request) {
	if !s.checkProof(w, r, true, "") {
		return
	}
	params, ok := s.decode(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	s.counts["par"]++
	s.pars = append(s.pars, params)
	n := len(s.pars)
	s.mu.Unlock()

	writeJSON(w, 201, map[string]any{
		"request_uri": fmt.Sprintf("urn:ietf:params:oauth:request_uri:req-%d", n),
		"expires_in":  299,
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.checkProof(w, r, true, "") {
		return
	}
	params, ok := s.decode(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.counts["token"]++
	if params["grant_type"] == "refresh_token" {
		s.counts["refresh"]++
	}

	if s.tokenHook != nil {
		if status, body := s.tokenHook(params); status != 0 {
			writeJSON(w, status, body)
			return
		}
	}

	switch params["grant_type"] {
	case "authorization_code":
		if params["code"] == nil || params["code"] == "" {
			writeJSON(w, 400, map[string]string{"error": "invalid_grant", "error_description": "missing code"})
			return
		}
	case "refresh_token":
		rt, _ := params["refresh_token"].(string)
		if !s.refresh[rt] {
			writeJSON(w, 400, map[string]string{"error": "invalid_grant", "error_description": "refresh token revoked"})
			return
		}
		delete(s.refresh, rt)
	default:
		writeJSON(w, 400, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	access, refresh := s.issueLocked()
	body := map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "DPoP",
		"scope":         Scope,
		"sub":           s.sub,
	}
	if s.expiresIn != nil {
		body["expires_in"] = s.expiresIn
	}
	writeJSON(w, 200, body)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if !s.checkProof(w, r, true, "") {
		return
	}
	params, ok := s.decode(w, r)
	if !ok {
		return
	}

	tok, _ := params["token"].(string)

	s.mu.Lock()
	s.counts["revoke"]++
	s.revoked = append(s.revoked, tok)
	delete(s.access, tok)
	delete(s.refresh, tok)
	s.mu.Unlock()

	writeJSON(w, 200, map[string]any{})
}

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if !s.checkProof(w, r, true, "") {
		return
	}
	params, ok := s.decode(w, r)
	if !ok {
		return
	}

	tok, _ := params["token"].(string)

	s.mu.Lock()
	s.counts["introspect"]++
	active := s.access[tok] || s.refresh[tok]
	s.mu.Unlock()

	if !active {
		writeJSON(w, 200, map[string]any{"active": false})
		return
	}
	writeJSON(w, 200, map[string]any{"active": true, "sub": DID, "scope": Scope, "iss": s.URL})
}

func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	scheme, tok, _ := strings.Cut(r.Header.Get("Authorization"), " ")
	if !s.checkProof(w, r, false, tok) {
		return
	}

	s.mu.Lock()
	s.counts["resource"]++
	valid := scheme == "DPoP" && s.access[tok]
	s.mu.Unlock()

	if !valid {
		w.Header().Set("WWW-Authenticate", `DPoP error="invalid_token", error_description="Token is expired"`)
		writeJSON(w, 401, map[string]string{"error": "InvalidToken", "message": "Token is expired"})
		return
	}

	body, _ := io.ReadAll(r.Body)
	writeJSON(w, 200, map[string]any{
		"did":    DID,
		"handle": Handle,
		"path":   r.URL.Path,
		"query":  r.URL.RawQuery,
		"token":  tok,
		"body":   string(body),
	})
}
