package dpop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// NonceStore remembers the latest DPoP nonce per origin.
type NonceStore interface {
	Get(ctx context.Context, origin string) (string, bool, error)
	Set(ctx context.Context, origin, nonce string) error
}

// Transport attaches a DPoP proof to every request. When the server hands
// out a new nonce and rejects the proof for lacking it, the request is sent
// once more with the new nonce.
type Transport struct {
	Base   http.RoundTripper
	Key    *Key
	Nonces NonceStore

	// AuthServer selects how a nonce rejection is recognised: a 400 JSON
	// error for authorization servers, a 401 challenge for resource servers.
	AuthServer bool

	Now    func() time.Time
	Logger *slog.Logger
}

func Origin(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

func (t *Transport) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	origin := Origin(req.URL)

	var ath string
	if scheme, token, ok := strings.Cut(req.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "DPoP") {
		ath = token
	}

	nonce, _, err := t.Nonces.Get(ctx, origin)
	if err != nil {
		t.logger().Warn("could not load dpop nonce", "origin", origin, "err", err)
	}

	first, err := t.sign(req, nonce, ath)
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}

	resp, err := t.base().RoundTrip(first)
	if err != nil {
		return nil, err
	}

	next := resp.Header.Get("DPoP-Nonce")
	if next == "" || next == nonce {
		return resp, nil
	}

	if err := t.Nonces.Set(ctx, origin, next); err != nil {
		t.logger().Warn("could not store dpop nonce", "origin", origin, "err", err)
	}

	retry, err := t.isNonceRejection(resp)
	if err != nil || !retry {
		return resp, err
	}

	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, nil
	}

	second, err := t.sign(req, next, ath)
	if err != nil {
		return resp, nil
	}
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return resp, nil
		}
		second.Body = body
	}

	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	resp, err = t.base().RoundTrip(second)
	if err != nil {
		return nil, err
	}

	if again := resp.Header.Get("DPoP-Nonce"); again != "" && again != next {
		if err := t.Nonces.Set(ctx, origin, again); err != nil {
			t.logger().Warn("could not store dpop nonce", "origin", origin, "err", err)
		}
	}

	return resp, nil
}

func (t *Transport) sign(req *http.Request, nonce, ath string) (*http.Request, error) {
	proof, err := t.Key.Proof(ProofArgs{
		Method:      req.Method,
		URL:         req.URL.String(),
		Nonce:       nonce,
		AccessToken: ath,
		Now:         t.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("could not create dpop proof: %w", err)
	}

	out := req.Clone(req.Context())
	out.Header.Set("DPoP", proof)
	return out, nil
}

func (t *Transport) isNonceRejection(resp *http.Response) (bool, error) {
	if !t.AuthServer {
		if resp.StatusCode != http.StatusUnauthorized {
			return false, nil
		}
		return HasChallengeError(resp.Header, "use_dpop_nonce", "DPoP"), nil
	}

	if resp.StatusCode != http.StatusBadRequest {
		return false, nil
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(b))
	if err != nil {
		return false, fmt.Errorf("could not read response body: %w", err)
	}

	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &body) != nil {
		return false, nil
	}
	return body.Error == "use_dpop_nonce", nil
}

type Challenge struct {
	Scheme string
	Params map[string]string
}

// ParseChallenges reads every challenge out of one or more WWW-Authenticate
// values. Parameter names are lowercased; token68 credentials are not
// supported.
func ParseChallenges(values ...string) []Challenge {
	var out []Challenge
	for _, v := range values {
		out = parseChallenges(v, out)
	}
	return out
}

// HasChallengeError reports whether any challenge with one of the given
// schemes carries error=code.
func HasChallengeError(h http.Header, code string, schemes ...string) bool {
	for _, c := range ParseChallenges(h.Values("WWW-Authenticate")...) {
		if c.Params["error"] != code {
			continue
		}
		for _, scheme := range schemes {
			if strings.EqualFold(c.Scheme, scheme) {
				return true
			}
		}
	}
	return false
}

func parseChallenges(h string, out []Challenge) []Challenge {
	var cur *Challenge

	rest := h
	for {
		rest = strings.TrimLeft(rest, " \t,")
		if rest == "" {
			return out
		}

		end := strings.IndexAny(rest, " \t=,")
		if end < 0 {
			end = len(rest)
		}
		tok, after := rest[:end], rest[end:]
		if tok == "" {
			// stray '='
			rest = rest[1:]
			continue
		}

		if eq := strings.TrimLeft(after, " \t"); cur != nil && strings.HasPrefix(eq, "=") {
			var value string
			value, rest = readParamValue(strings.TrimLeft(eq[1:], " \t"))
			cur.Params[strings.ToLower(tok)] = value
			continue
		}

		out = append(out, Challenge{Scheme: tok, Params: map[string]string{}})
		cur = &out[len(out)-1]
		rest = after
	}
}

func readParamValue(s string) (string, string) {
	if !strings.HasPrefix(s, `"`) {
		end := strings.IndexByte(s, ',')
		if end < 0 {
			end = len(s)
		}
		return strings.TrimSpace(s[:end]), s[end:]
	}

	var sb strings.Builder
	i := 1
	for ; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			i++
			sb.WriteByte(s[i])
			continue
		}
		if c == '"' {
			break
		}
		sb.WriteByte(c)
	}
	return sb.String(), s[min(i+1, len(s)):]
}
