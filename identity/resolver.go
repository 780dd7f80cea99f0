// Package identity discovers where an atproto account lives and which OAuth
// authorization server protects it. Nothing is cached: every call goes to
// the network.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	indigoid "github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/xrpc"
)

const (
	DefaultPLCURL            = "https://plc.directory"
	DefaultHandleResolverURL = "https://public.api.bsky.app"

	maxDocumentSize = 1 << 20
)

type Args struct {
	H                 *http.Client
	PLCURL            string
	HandleResolverURL string
	Logger            *slog.Logger
}

type Resolver struct {
	h                 *http.Client
	noRedirect        *http.Client
	plcURL            string
	handleResolverURL string
	logger            *slog.Logger
}

type ResolvedIdentity struct {
	DID syntax.DID
	PDS string
}

func NewResolver(args Args) *Resolver {
	if args.H == nil {
		args.H = &http.Client{
			Timeout: 10 * time.Second,
		}
	}
	if args.PLCURL == "" {
		args.PLCURL = DefaultPLCURL
	}
	if args.HandleResolverURL == "" {
		args.HandleResolverURL = DefaultHandleResolverURL
	}
	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	noRedirect := *args.H
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Resolver{
		h:                 args.H,
		noRedirect:        &noRedirect,
		plcURL:            strings.TrimSuffix(args.PLCURL, "/"),
		handleResolverURL: args.HandleResolverURL,
		logger:            args.Logger.With("component", "identity"),
	}
}

func (r *Resolver) ResolveHandle(ctx context.Context, handle string) (syntax.DID, error) {
	h, err := syntax.ParseHandle(strings.TrimPrefix(handle, "@"))
	if err != nil {
		return "", resolverErr("invalid_handle", err, "invalid handle %q", handle)
	}

	xrpcc := &xrpc.Client{
		Client: r.h,
		Host:   r.handleResolverURL,
	}

	out, err := atproto.IdentityResolveHandle(ctx, xrpcc, h.Normalize().String())
	if err != nil {
		return "", resolverErr("handle_unresolvable", err, "could not resolve handle %s", h)
	}

	did, err := syntax.ParseDID(out.Did)
	if err != nil {
		return "", resolverErr("handle_unresolvable", err, "handle %s resolved to an invalid did", h)
	}

	return did, nil
}

var didWebRegex = regexp.MustCompile(`^did:web:([a-zA-Z0-9](?:[a-zA-Z0-9.-]*[a-zA-Z0-9])?(?:%3[aA][0-9]{1,5})?)((?::[a-zA-Z0-9._~-]+)*)$`)

// DidWebURL maps a did:web identifier to the location of its document.
// Colon separated path segments become a URL path, defaulting to
// /.well-known when there are none.
func DidWebURL(did string) (*url.URL, error) {
	m := didWebRegex.FindStringSubmatch(did)
	if m == nil {
		return nil, resolverErr("web_invalid", nil, "invalid did:web identifier %q", did)
	}

	host := m[1]
	if i := strings.Index(strings.ToLower(host), "%3a"); i >= 0 {
		host = host[:i] + ":" + host[i+3:]
	}

	path := "/.well-known"
	if m[2] != "" {
		path = strings.ReplaceAll(m[2], ":", "/")
	}

	return &url.URL{
		Scheme: "https",
		Host:   host,
		Path:   path + "/did.json",
	}, nil
}

// ResolveDIDDocument fetches the DID document for a did:plc or did:web.
func (r *Resolver) ResolveDIDDocument(ctx context.Context, did string) (*indigoid.DIDDocument, error) {
	var (
		u                       string
		notFound, unreachable string
	)

	switch {
	case strings.HasPrefix(did, "did:plc:"):
		if _, err := syntax.ParseDID(did); err != nil {
			return nil, resolverErr("plc_invalid", err, "invalid did:plc %q", did)
		}
		u = r.plcURL + "/" + did
		notFound, unreachable = "plc_not_found", "plc_unreachable"
	case strings.HasPrefix(did, "did:web:"):
		wu, err := DidWebURL(did)
		if err != nil {
			return nil, err
		}
		u = wu.String()
		notFound, unreachable = "web_not_found", "web_unreachable"
	default:
		return nil, resolverErr("did_unsupported", nil, "unsupported did method in %q", did)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, resolverErr(unreachable, err, "could not build request for %s", did)
	}
	req.Header.Set("Accept", "application/did+ld+json, application/json")

	resp, err := r.h.Do(req)
	if err != nil {
		return nil, resolverErr(unreachable, err, "could not fetch did document for %s", did)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, resolverErr(notFound, nil, "did document for %s not found", did)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, resolverErr(unreachable, nil, "received %d fetching did document for %s", resp.StatusCode, did)
	}

	var doc indigoid.DIDDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&doc); err != nil {
		return nil, resolverErr(unreachable, err, "could not decode did document for %s", did)
	}

	if doc.DID.String() != did {
		return nil, resolverErr("did_mismatch", nil, "did document id %q does not match %q", doc.DID, did)
	}

	return &doc, nil
}

// checkOrigin parses an https origin. Ports are allowed; user info, path,
// query and fragment are not.
func checkOrigin(input string) (string, error) {
	u, err := url.Parse(input)
	if err != nil {
		return "", resolverErr("invalid_url", err, "invalid url %q", input)
	}

	if u.Scheme != "https" {
		return "", resolverErr("invalid_url", nil, "url %q is not https", input)
	}

	if u.Hostname() == "" {
		return "", resolverErr("invalid_url", nil, "url %q has no hostname", input)
	}

	if u.User != nil {
		return "", resolverErr("invalid_url", nil, "url %q contains user info", input)
	}

	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return "", resolverErr("invalid_url", nil, "url %q is not an origin", input)
	}

	return "https://" + strings.ToLower(u.Host), nil
}

func (r *Resolver) fetchMetadata(ctx context.Context, origin, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", origin+path, nil)
	if err != nil {
		return fmt.Errorf("error creating request for %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.noRedirect.Do(req)
	if err != nil {
		return fmt.Errorf("could not get response from %s: %w", origin, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return resolverErr("metadata_unavailable", nil, "received %d fetching %s%s", resp.StatusCode, origin, path)
	}

	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mt != "application/json" {
		io.Copy(io.Discard, resp.Body)
		return resolverErr("metadata_invalid", err, "unexpected content type %q from %s%s", resp.Header.Get("Content-Type"), origin, path)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(out); err != nil {
		return resolverErr("metadata_invalid", err, "could not decode %s%s", origin, path)
	}

	return nil
}

func (r *Resolver) ResolveProtectedResourceMetadata(ctx context.Context, host string) (*ProtectedResourceMetadata, error) {
	origin, err := checkOrigin(host)
	if err != nil {
		return nil, err
	}

	var md ProtectedResourceMetadata
	if err := r.fetchMetadata(ctx, origin, "/.well-known/oauth-protected-resource", &md); err != nil {
		return nil, err
	}

	if md.Resource != origin {
		return nil, resolverErr("metadata_invalid", nil, "protected resource %q does not match %q", md.Resource, origin)
	}

	return &md, nil
}

func (r *Resolver) ResolveAuthorizationServerMetadata(ctx context.Context, host string) (*AuthorizationServerMetadata, error) {
	origin, err := checkOrigin(host)
	if err != nil {
		return nil, err
	}

	var md AuthorizationServerMetadata
	if err := r.fetchMetadata(ctx, origin, "/.well-known/oauth-authorization-server", &md); err != nil {
		return nil, err
	}

	if err := md.Validate(origin); err != nil {
		return nil, resolverErr("metadata_invalid", err, "invalid authorization server metadata from %s", origin)
	}

	return &md, nil
}

// resolveFromResource finds the single authorization server protecting a
// resource server.
func (r *Resolver) resolveFromResource(ctx context.Context, host string) (*AuthorizationServerMetadata, error) {
	rs, err := r.ResolveProtectedResourceMetadata(ctx, host)
	if err != nil {
		return nil, err
	}

	if len(rs.AuthorizationServers) != 1 {
		return nil, resolverErr("metadata_invalid", nil, "%s declares %d authorization servers, expected exactly one", rs.Resource, len(rs.AuthorizationServers))
	}

	as, err := r.ResolveAuthorizationServerMetadata(ctx, rs.AuthorizationServers[0])
	if err != nil {
		return nil, err
	}

	if as.ProtectedResources != nil && !slices.Contains(as.ProtectedResources, rs.Resource) {
		return nil, resolverErr("metadata_invalid", nil, "%s does not protect %s", as.Issuer, rs.Resource)
	}

	return as, nil
}

// ResolveIdentity turns a handle or DID into the account's DID and PDS.
func (r *Resolver) ResolveIdentity(ctx context.Context, input string) (*ResolvedIdentity, error) {
	var did syntax.DID
	if strings.HasPrefix(input, "did:") {
		d, err := syntax.ParseDID(input)
		if err != nil {
			return nil, resolverErr("invalid_identifier", err, "invalid did %q", input)
		}
		did = d
	} else {
		d, err := r.ResolveHandle(ctx, input)
		if err != nil {
			return nil, err
		}
		did = d
	}

	doc, err := r.ResolveDIDDocument(ctx, did.String())
	if err != nil {
		return nil, err
	}

	parsed := indigoid.ParseIdentity(doc)
	pds := parsed.PDSEndpoint()
	if pds == "" {
		return nil, resolverErr("missing_pds", nil, "missing pds endpoint for %s", did)
	}

	return &ResolvedIdentity{DID: did, PDS: pds}, nil
}

// ResolveFromIdentity walks handle or DID, DID document, PDS, protected
// resource metadata and finally authorization server metadata.
func (r *Resolver) ResolveFromIdentity(ctx context.Context, input string) (*ResolvedIdentity, *AuthorizationServerMetadata, error) {
	ident, err := r.ResolveIdentity(ctx, input)
	if err != nil {
		return nil, nil, err
	}

	md, err := r.resolveFromResource(ctx, ident.PDS)
	if err != nil {
		return nil, nil, err
	}

	r.logger.Debug("resolved identity", "did", ident.DID, "pds", ident.PDS, "issuer", md.Issuer)
	return ident, md, nil
}

// ResolveFromService accepts either a resource server (PDS or entryway) or an
// authorization server URL. Only a ResolverError from the resource server
// lookup triggers the authorization server fallback.
func (r *Resolver) ResolveFromService(ctx context.Context, input string) (*AuthorizationServerMetadata, error) {
	md, err := r.resolveFromResource(ctx, input)
	if err == nil {
		return md, nil
	}

	var rerr *ResolverError
	if !errors.As(err, &rerr) {
		return nil, err
	}

	r.logger.Debug("not a resource server, trying as authorization server", "input", input, "err", err)
	return r.ResolveAuthorizationServerMetadata(ctx, input)
}
