// Package hostresolver implements the host → mapped MFS folder resolution
// of spec.md §4.4, C4: dev-host override, IDN normalization, longest-apex
// domain matching, and IPNS wildcard-subdomain resolution.
package hostresolver

import (
	"net/http"
	"strings"

	"golang.org/x/net/idna"

	"github.com/truthgate/gateway/internal/domain"
)

// DevHostHeader/DevHostQueryParam name the development override inputs
// (spec.md §4.4); only honored when !production.
const (
	DevHostHeader     = "X-Truthgate-Dev-Host"
	DevHostQueryParam = "dev_host"
)

// EffectiveHost returns, in precedence order: a development override
// (non-production only), then the first Host header label, IDNA-
// normalized to ASCII and lowercased.
func EffectiveHost(r *http.Request, production bool) string {
	if !production {
		if h := r.Header.Get(DevHostHeader); h != "" {
			return normalizeHost(h)
		}
		if h := r.URL.Query().Get(DevHostQueryParam); h != "" {
			return normalizeHost(h)
		}
	}
	host := r.Host
	if h, _, ok := splitHostPort(host); ok {
		host = h
	}
	return normalizeHost(host)
}

func splitHostPort(hostport string) (string, string, bool) {
	i := strings.LastIndexByte(hostport, ':')
	if i < 0 {
		return hostport, "", false
	}
	// avoid splitting bracketed IPv6 literals on an internal colon
	if strings.HasPrefix(hostport, "[") && strings.Contains(hostport[i:], "]") {
		return hostport, "", false
	}
	return hostport[:i], hostport[i+1:], true
}

func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if ascii, err := idna.ToASCII(h); err == nil {
		return ascii
	}
	return h
}

// FindBestDomainFolderForHost walks the configured domain list for an
// exact apex match and returns its MFS path; on multiple matches the
// longest domain entry wins (spec.md §4.4).
func FindBestDomainFolderForHost(host string, domains []domain.EdgeDomain) (domain.EdgeDomain, string, bool) {
	var best domain.EdgeDomain
	found := false
	for _, d := range domains {
		if strings.ToLower(d.Domain) != host {
			continue
		}
		if !found || len(d.Domain) > len(best.Domain) {
			best = d
			found = true
		}
	}
	if !found {
		return domain.EdgeDomain{}, "", false
	}
	return best, best.SiteMfsPath(), true
}

// ResolveIPNSWildcard matches a <label>.<wildcardBase> host against every
// edge domain's IPNSPeerID (first) then IPNSKeyName (spec.md §4.4). The
// matched domain's content is addressed via IPNS, not a fixed MFS folder.
func ResolveIPNSWildcard(host, wildcardBase string, domains []domain.EdgeDomain) (domain.EdgeDomain, bool) {
	if wildcardBase == "" {
		return domain.EdgeDomain{}, false
	}
	suffix := "." + strings.ToLower(wildcardBase)
	if !strings.HasSuffix(host, suffix) {
		return domain.EdgeDomain{}, false
	}
	label := strings.TrimSuffix(host, suffix)
	if label == "" {
		return domain.EdgeDomain{}, false
	}
	for _, d := range domains {
		if d.IPNSPeerID != "" && strings.EqualFold(d.IPNSPeerID, label) {
			return d, true
		}
	}
	for _, d := range domains {
		if d.IPNSKeyName != "" && strings.EqualFold(d.IPNSKeyName, label) {
			return d, true
		}
	}
	return domain.EdgeDomain{}, false
}
