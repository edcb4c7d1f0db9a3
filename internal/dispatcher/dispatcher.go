// Package dispatcher is the single request-classification entry point
// (spec.md §4.5, C5): it decides, in a fixed order, whether a request is
// the admin/API surface, the raw /ipfs or /ipns surface, the node's
// webui, or a mapped domain's gateway content — and applies that
// surface's auth and rate-limit policy before handing off to
// internal/reverseproxy.
package dispatcher

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	cid "github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"

	"github.com/truthgate/gateway/internal/apierr"
	"github.com/truthgate/gateway/internal/auth"
	"github.com/truthgate/gateway/internal/domain"
	"github.com/truthgate/gateway/internal/hostresolver"
	"github.com/truthgate/gateway/internal/nodeclient"
	"github.com/truthgate/gateway/internal/ratelimit"
	"github.com/truthgate/gateway/internal/rescache"
	"github.com/truthgate/gateway/internal/reverseproxy"
)

var log = logging.Logger("truthgate/dispatcher")

var tracer = otel.Tracer("truthgate/dispatcher")

// clientIP extracts the request's remote IP, preferring the first
// X-Forwarded-For hop when present (the gateway terminates TLS itself, so
// RemoteAddr is authoritative unless a trusted upstream forwarder is
// configured — spec.md §1 Out of scope for proxy-chain trust).
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}

// ChallengeStore answers an ACME HTTP-01 validation request, writing
// directly to w and reporting whether it recognized the token. Defined
// locally so the dispatcher has no build-time dependency on
// internal/certs; satisfied by (*certs.Manager).HandleHTTPChallenge.
type ChallengeStore interface {
	HandleHTTPChallenge(w http.ResponseWriter, r *http.Request) bool
}

// AdminKeyVerifier checks a presented raw admin key against the
// configured hashed-key set (spec.md §4.5.1(b)); satisfied by
// internal/auth.VerifyAdminKey bound to the live config.
type AdminKeyVerifier func(presented string) bool

// Dispatcher wires together every component a routed request needs.
type Dispatcher struct {
	Config        *domain.Config
	Node          *nodeclient.Client
	Cache         *rescache.Cache
	Proxy         *reverseproxy.Proxy
	Limiter       *ratelimit.Limiter
	Sessions      *auth.Sessions
	InternalKey   *auth.RotatingKey
	VerifyAdminKey AdminKeyVerifier
	Challenges    ChallengeStore
	Production    bool
}

// ServeHTTP implements the classification order of spec.md §4.5: ACME
// challenge, admin/node API proxy, content proxy (/ipfs, /ipns, /webui),
// mapped-domain gateway, else auth-required.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	host := hostresolver.EffectiveHost(r, d.Production)
	path := r.URL.Path

	switch {
	case strings.HasPrefix(path, "/.well-known/acme-challenge/"):
		d.serveAcmeChallenge(w, r)
	case strings.HasPrefix(path, "/api/v0/"):
		d.serveAdmin(w, r, ip, host)
	case strings.HasPrefix(path, "/ipfs/"):
		d.serveRawIpfs(w, r, ip, host)
	case strings.HasPrefix(path, "/ipns/"):
		d.serveRawIpns(w, r, ip, host)
	case strings.HasPrefix(path, "/webui"):
		d.serveWebui(w, r, ip)
	default:
		d.serveDomainGateway(w, r, ip, host)
	}
}

// serveAcmeChallenge answers an HTTP-01 validation request in cleartext;
// it never redirects to HTTPS (spec.md §4.5 step 1).
func (d *Dispatcher) serveAcmeChallenge(w http.ResponseWriter, r *http.Request) {
	if d.Challenges == nil || !d.Challenges.HandleHTTPChallenge(w, r) {
		http.NotFound(w, r)
	}
}

// serveNonMappedHost implements classification step 6: any path on a host
// with no domain mapping requires an authenticated session.
func (d *Dispatcher) serveNonMappedHost(w http.ResponseWriter, r *http.Request) {
	if _, ok := d.Sessions.CurrentUser(w, r); ok {
		http.NotFound(w, r)
		return
	}
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		http.Redirect(w, r, "/login?returnUrl="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
		return
	}
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// candidateAdminKey extracts the presented key in the precedence order of
// spec.md §4.5.1: X-API-Key header, ?api_key=, ?key=, then Bearer token.
func candidateAdminKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	if k := r.URL.Query().Get("api_key"); k != "" {
		return k
	}
	if k := r.URL.Query().Get("key"); k != "" {
		return k
	}
	return bearerToken(r)
}

// serveAdmin applies the admin rate-limit/ban policy (spec.md §4.6) ahead
// of checking the presented credential: the internal rotating key, any
// stored hashed admin key, or an authenticated session (spec.md §4.5.1).
// The node API surface is hidden on a mapped-domain host.
func (d *Dispatcher) serveAdmin(w http.ResponseWriter, r *http.Request, ip, host string) {
	if _, _, ok := hostresolver.FindBestDomainFolderForHost(host, d.Config.Domains); ok {
		http.NotFound(w, r)
		return
	}

	presented := candidateAdminKey(r)
	keyValid := d.InternalKey != nil && d.InternalKey.Valid(presented)
	if !keyValid && d.VerifyAdminKey != nil {
		keyValid = d.VerifyAdminKey(presented)
	}
	sessionValid := false
	if !keyValid {
		if _, ok := d.Sessions.CurrentUser(w, r); ok {
			keyValid = true
			sessionValid = true
		}
	}

	decision := d.Limiter.CheckAdmin(ip, keyValid || sessionValid)
	if !decision.Allowed {
		writeDecision(w, decision)
		return
	}
	if !keyValid {
		w.Header().Set("WWW-Authenticate", `ApiKey realm="/api"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	targetURL := d.Node.GatewayURL(strings.TrimPrefix(r.URL.Path, "/api/v0"))
	if _, err := d.Proxy.Forward(w, r, targetURL, reverseproxy.Options{}); err != nil {
		log.Debugw("admin proxy forward failed", "err", err)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// firstPathSegment returns the first non-empty segment after prefix.
func firstPathSegment(path, prefix string) string {
	rest := strings.TrimPrefix(strings.TrimPrefix(path, prefix), "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}

// refererCid extracts a CID from a Referer header of the form
// ".../ipfs/<cid>/..." (spec.md §4.5.3's Referer-prefix rule).
func refererCid(r *http.Request) (string, bool) {
	ref := r.Header.Get("Referer")
	const marker = "/ipfs/"
	i := strings.Index(ref, marker)
	if i < 0 {
		return "", false
	}
	rest := ref[i+len(marker):]
	if j := strings.IndexAny(rest, "/?#"); j >= 0 {
		rest = rest[:j]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}

// serveRawIpfs proxies /ipfs/<cid>/... to the node gateway (spec.md
// §4.5.3): unauthenticated callers on a non-mapped host may only reach
// the single CID mapped to that host; authenticated callers may reach
// any CID, and a path missing its CID segment is prefixed from Referer.
func (d *Dispatcher) serveRawIpfs(w http.ResponseWriter, r *http.Request, ip, host string) {
	decision := d.Limiter.CheckPublic(ip)
	if !decision.Allowed {
		writeDecision(w, decision)
		return
	}

	path := r.URL.Path
	_, authenticated := d.Sessions.CurrentUser(w, r)
	requested := firstPathSegment(path, "/ipfs/")

	if requested == "" {
		if refCid, ok := refererCid(r); ok && authenticated {
			path = "/ipfs/" + refCid + strings.TrimPrefix(path, "/ipfs")
		}
	}

	if !authenticated {
		mappedCid, ok := d.hostMappedCid(r.Context(), host)
		if !ok || requested != mappedCid {
			if strings.Contains(r.Header.Get("Accept"), "text/html") {
				http.NotFound(w, r)
			} else {
				http.Error(w, "Forbidden", http.StatusForbidden)
			}
			return
		}
	}

	if _, err := d.Proxy.Forward(w, r, d.Node.GatewayURL(path), reverseproxy.Options{}); err != nil {
		log.Debugw("raw ipfs proxy forward failed", "err", err)
	}
}

// serveRawIpns validates /ipns/<name>/... analogously, resolving the name
// once through the node client and comparing against the host-mapped CID.
func (d *Dispatcher) serveRawIpns(w http.ResponseWriter, r *http.Request, ip, host string) {
	decision := d.Limiter.CheckPublic(ip)
	if !decision.Allowed {
		writeDecision(w, decision)
		return
	}

	_, authenticated := d.Sessions.CurrentUser(w, r)
	if !authenticated {
		name := firstPathSegment(r.URL.Path, "/ipns/")
		resolved, err := d.Node.NameResolve(r.Context(), name)
		mappedCid, ok := d.hostMappedCid(r.Context(), host)
		resolvedCid := strings.TrimPrefix(resolved, "/ipfs/")
		if err != nil || !ok || resolvedCid != mappedCid {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	if _, err := d.Proxy.Forward(w, r, d.Node.GatewayURL(r.URL.Path), reverseproxy.Options{}); err != nil {
		log.Debugw("raw ipns proxy forward failed", "err", err)
	}
}

// hostMappedCid resolves the single CID a non-mapped-host caller is
// allowed to reach under /ipfs or /ipns (spec.md §4.5.3).
func (d *Dispatcher) hostMappedCid(ctx context.Context, host string) (string, bool) {
	_, mfsPath, ok := hostresolver.FindBestDomainFolderForHost(host, d.Config.Domains)
	if !ok {
		return "", false
	}
	id, found, err := d.Cache.ResolveMfsFolderToCidCached(ctx, mfsPath)
	if err != nil || !found {
		return "", false
	}
	return id.String(), true
}

// serveWebui redirects an authenticated user to /ipfs/<currentWebUiCid>,
// discovered via a HEAD against the node's webui and reading
// X-Ipfs-Roots, X-Ipfs-Path, then ETag, in that order (spec.md §4.5.3).
// Falls back to proxying the page directly if no CID is discoverable.
func (d *Dispatcher) serveWebui(w http.ResponseWriter, r *http.Request, ip string) {
	if _, ok := d.Sessions.CurrentUser(w, r); !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	decision := d.Limiter.CheckPublic(ip)
	if !decision.Allowed {
		writeDecision(w, decision)
		return
	}

	if resp, err := d.Node.HeadGateway(r.Context(), "/webui"); err == nil {
		defer resp.Body.Close()
		if id := discoverWebUiCid(resp.Header); id != "" {
			http.Redirect(w, r, "/ipfs/"+id, http.StatusFound)
			return
		}
	}

	if _, err := d.Proxy.Forward(w, r, d.Node.GatewayURL(r.URL.Path), reverseproxy.Options{}); err != nil {
		log.Debugw("webui proxy forward failed", "err", err)
	}
}

func discoverWebUiCid(h http.Header) string {
	if roots := h.Get("X-Ipfs-Roots"); roots != "" {
		return strings.TrimSpace(strings.Split(roots, ",")[0])
	}
	if p := h.Get("X-Ipfs-Path"); p != "" {
		return firstPathSegment(p, "/ipfs")
	}
	if etag := h.Get("ETag"); etag != "" {
		return strings.Trim(etag, `"`)
	}
	return ""
}

// serveDomainGateway implements the mapped-domain content surface of
// spec.md §4.5.2: resolve host to an MFS folder (or an IPNS wildcard
// subdomain), resolve that to a CID, serve path within it with the SPA
// fallback and stale-cache-retry rules, under the gateway rate limit.
func (d *Dispatcher) serveDomainGateway(w http.ResponseWriter, r *http.Request, ip, host string) {
	exempt := false
	if _, ok := d.Sessions.CurrentUser(w, r); ok {
		exempt = true
	} else if d.InternalKey != nil && d.InternalKey.Valid(bearerToken(r)) {
		exempt = true
	}
	decision := d.Limiter.CheckGateway(ip, exempt)
	if !decision.Allowed {
		writeDecision(w, decision)
		return
	}

	dom, mfsPath, ok := hostresolver.FindBestDomainFolderForHost(host, d.Config.Domains)
	if !ok {
		if wc, ok2 := hostresolver.ResolveIPNSWildcard(host, d.Config.IPNSWildcardBase, d.Config.Domains); ok2 {
			d.serveIPNSWildcard(w, r, wc)
			return
		}
		d.serveNonMappedHost(w, r)
		return
	}

	id, found, err := d.Cache.ResolveMfsFolderToCidCached(r.Context(), mfsPath)
	if err != nil || !found {
		apierr.WriteHTTP(w, apierr.NotFoundLocal())
		return
	}
	d.serveCidGateway(w, r, dom, id, true)
}

func (d *Dispatcher) serveIPNSWildcard(w http.ResponseWriter, r *http.Request, dom domain.EdgeDomain) {
	target := "/ipns/" + dom.IPNSKeyName
	if dom.IPNSPeerID != "" {
		target = "/ipns/" + dom.IPNSPeerID
	}
	if _, err := d.Proxy.Forward(w, r, d.Node.GatewayURL(target+r.URL.Path), reverseproxy.Options{}); err != nil {
		log.Debugw("ipns wildcard proxy forward failed", "err", err)
	}
}

// isNavigational implements spec.md §4.5.2 step 4's definition: GET,
// Accept negotiates HTML, and the path has no file extension.
func isNavigational(r *http.Request, rest string) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if !strings.Contains(r.Header.Get("Accept"), "text/html") {
		return false
	}
	last := rest
	if i := strings.LastIndexByte(rest, '/'); i >= 0 {
		last = rest[i+1:]
	}
	return !strings.Contains(last, ".")
}

// resolveServePath implements the SPA index/existence/fallback decision
// tree of spec.md §4.5.2 steps 4-6, returning the canonical path to serve
// and whether that path is index-like (for the root-absolute URL rewrite).
func (d *Dispatcher) resolveServePath(ctx context.Context, id cid.Cid, rest string, navigational bool) (servePath string, isIndexLike bool, found bool) {
	if navigational && rest != "" {
		probe := rest + "/index.html"
		if exists, canonical, err := d.Cache.PathExistsInIPFS(ctx, id, probe); err == nil && exists {
			return canonical, true, true
		}
	}

	if exists, canonical, err := d.Cache.PathExistsInIPFS(ctx, id, rest); err == nil && exists {
		isIndexLike := rest == "" || strings.HasSuffix(rest, "/") || strings.HasSuffix(strings.ToLower(rest), "index.html")
		return canonical, isIndexLike, true
	}

	if navigational {
		for _, candidate := range []string{"index.html", "200.html"} {
			if exists, canonical, err := d.Cache.PathExistsInIPFS(ctx, id, candidate); err == nil && exists {
				return canonical, true, true
			}
		}
	}
	return "", false, false
}

// serveCidGateway implements the path-exists / stale-retry / SPA-fallback
// decision tree of spec.md §4.5.2 for a resolved site CID.
func (d *Dispatcher) serveCidGateway(w http.ResponseWriter, r *http.Request, dom domain.EdgeDomain, id cid.Cid, allowStaleRetry bool) {
	ctx, span := tracer.Start(r.Context(), "dispatcher.serveCidGateway")
	defer span.End()
	r = r.WithContext(ctx)

	rest := strings.TrimPrefix(r.URL.Path, "/")

	local, err := d.Cache.IsCidLocalCached(r.Context(), id)
	if err != nil || !local {
		apierr.WriteHTTP(w, apierr.NotFoundLocal())
		return
	}

	navigational := isNavigational(r, rest)
	servePath, isIndexLike, found := d.resolveServePath(r.Context(), id, rest, navigational)
	if !found {
		apierr.WriteHTTP(w, apierr.NotFoundContent())
		return
	}

	target := d.Node.GatewayURL("/ipfs/" + id.String() + "/" + servePath)
	opts := reverseproxy.Options{
		RewriteIndexForCid: true,
		IsIndexLike:        isIndexLike,
		BasePrefix:         "/ipfs/" + id.String(),
	}
	fr, err := d.Proxy.Fetch(r, target, opts)
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindUpstreamTransient, "Upstream fetch failed.", err))
		return
	}

	if !fr.Ok && allowStaleRetry {
		// At most one retry with conditional headers stripped, per
		// spec.md §4.3.2 / §4.5.2's single stale-cache-retry invariant.
		d.Cache.InvalidateCid(id)
		retryOpts := opts
		retryOpts.FreshFetch = true
		if retried, err := d.Proxy.Fetch(r, target, retryOpts); err == nil {
			fr = retried
		}
	}

	if err := reverseproxy.WriteBuffered(w, fr); err != nil {
		log.Debugw("domain gateway write failed", "err", err)
	}
}

func writeDecision(w http.ResponseWriter, decision ratelimit.Decision) {
	if decision.RetryAfter > 0 {
		w.Header().Set("Retry-After", decision.RetryAfter.Round(time.Second).String())
	}
	status := decision.StatusCode
	if status == 0 {
		status = http.StatusForbidden
	}
	http.Error(w, http.StatusText(status), status)
}
