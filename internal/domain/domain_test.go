package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveSiteFolderLeaf(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Example.COM", "example-com"},
		{"  foo.bar.baz  ", "foo-bar-baz"},
		{"***", "site"},
		{"a_b--c", "a-b-c"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, DeriveSiteFolderLeaf(c.in))
	}
}

func TestDeriveTgpFolderLeaf(t *testing.T) {
	assert.Equal(t, "example-com-tgp", DeriveTgpFolderLeaf("example-com"))
}

func TestEdgeDomainMfsPaths(t *testing.T) {
	d := EdgeDomain{SiteFolderLeaf: "example-com", TgpFolderLeaf: "example-com-tgp"}
	assert.Equal(t, "/production/sites/example-com", d.SiteMfsPath())
	assert.Equal(t, "/production/pinned/example-com-tgp", d.TgpMfsPath())
}

func TestConfigFindDomain(t *testing.T) {
	cfg := &Config{Domains: []EdgeDomain{
		{Domain: "example.com", SiteFolderLeaf: "example-com"},
		{Domain: "other.com", SiteFolderLeaf: "other-com"},
	}}

	d, ok := cfg.FindDomain("Example.com")
	require.True(t, ok)
	assert.Equal(t, "example-com", d.SiteFolderLeaf)

	_, ok = cfg.FindDomain("missing.com")
	assert.False(t, ok)
}

func TestDefaultRateLimitOptionsDisablesEscalationByDefault(t *testing.T) {
	opts := DefaultRateLimitOptions()
	assert.Zero(t, opts.AdminEscalation4xMultiplier)
	assert.Zero(t, opts.AdminEscalation10xMultiplier)
	assert.Zero(t, opts.AdminTrueBanMultiplier)
}
