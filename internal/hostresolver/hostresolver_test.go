package hostresolver

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/truthgate/gateway/internal/domain"
)

func TestEffectiveHostStripsPortAndLowercases(t *testing.T) {
	r := &http.Request{Host: "Example.COM:8080", URL: &url.URL{}}
	assert.Equal(t, "example.com", EffectiveHost(r, true))
}

func TestEffectiveHostIDNANormalizes(t *testing.T) {
	r := &http.Request{Host: "münchen.example", URL: &url.URL{}}
	got := EffectiveHost(r, true)
	assert.Equal(t, "xn--mnchen-3ya.example", got)
}

func TestEffectiveHostDevOverrideHeaderOnlyWhenNotProduction(t *testing.T) {
	r := &http.Request{Host: "real.example", URL: &url.URL{}, Header: http.Header{}}
	r.Header.Set(DevHostHeader, "dev.example")

	assert.Equal(t, "dev.example", EffectiveHost(r, false))
	assert.Equal(t, "real.example", EffectiveHost(r, true), "dev override must be ignored in production")
}

func TestEffectiveHostDevOverrideQueryParam(t *testing.T) {
	u, _ := url.Parse("https://real.example/page?dev_host=dev2.example")
	r := &http.Request{Host: "real.example", URL: u, Header: http.Header{}}
	assert.Equal(t, "dev2.example", EffectiveHost(r, false))
}

func TestFindBestDomainFolderForHostExactApexMatch(t *testing.T) {
	domains := []domain.EdgeDomain{
		{Domain: "example.com", SiteFolderLeaf: "example-com"},
	}
	d, path, ok := FindBestDomainFolderForHost("example.com", domains)
	assert.True(t, ok)
	assert.Equal(t, "example-com", d.SiteFolderLeaf)
	assert.Equal(t, "/production/sites/example-com", path)

	_, _, ok = FindBestDomainFolderForHost("unknown.example", domains)
	assert.False(t, ok)
}

func TestResolveIPNSWildcardMatchesPeerIDThenKeyName(t *testing.T) {
	domains := []domain.EdgeDomain{
		{Domain: "a.example", IPNSPeerID: "12D3KooWAbC", IPNSKeyName: "a-key"},
		{Domain: "b.example", IPNSKeyName: "b-key"},
	}

	d, ok := ResolveIPNSWildcard("12D3KooWAbC.ipns.example.net", "ipns.example.net", domains)
	assert.True(t, ok)
	assert.Equal(t, "a.example", d.Domain)

	d, ok = ResolveIPNSWildcard("b-key.ipns.example.net", "ipns.example.net", domains)
	assert.True(t, ok)
	assert.Equal(t, "b.example", d.Domain)

	_, ok = ResolveIPNSWildcard("nope.ipns.example.net", "ipns.example.net", domains)
	assert.False(t, ok)
}

func TestResolveIPNSWildcardRequiresSuffixAndLabel(t *testing.T) {
	domains := []domain.EdgeDomain{{Domain: "a.example", IPNSKeyName: "a-key"}}

	_, ok := ResolveIPNSWildcard("a.example", "ipns.example.net", domains)
	assert.False(t, ok, "host without the wildcard suffix must not match")

	_, ok = ResolveIPNSWildcard("ipns.example.net", "ipns.example.net", domains)
	assert.False(t, ok, "empty label must not match")

	_, ok = ResolveIPNSWildcard("a-key.ipns.example.net", "", domains)
	assert.False(t, ok, "empty wildcard base disables resolution")
}
