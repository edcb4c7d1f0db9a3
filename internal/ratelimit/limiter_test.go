package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truthgate/gateway/internal/domain"
)

func testOptions() domain.RateLimitOptions {
	opts := domain.DefaultRateLimitOptions()
	opts.PublicBaseLimitPerMinute = 3
	opts.PublicTiers = nil
	opts.AdminBadKeyThreshold24h = 3
	opts.AdminSoftBanDuration = time.Minute
	opts.GatewayFreePerMinute = 2
	opts.GatewayHourlyOverage = 1
	return opts
}

func TestCheckPublicAllowsThenBans(t *testing.T) {
	l := New(testOptions(), nil)
	ip := "203.0.113.5"

	for i := 0; i < 3; i++ {
		d := l.CheckPublic(ip)
		assert.True(t, d.Allowed, "call %d should be allowed", i+1)
	}

	d := l.CheckPublic(ip)
	assert.False(t, d.Allowed)
	assert.Equal(t, 429, d.StatusCode)

	// once banned, even a call that would otherwise be under budget is
	// rejected with 403 until Unban.
	d = l.CheckPublic(ip)
	assert.False(t, d.Allowed)
	assert.Equal(t, 403, d.StatusCode)
}

func TestUnbanClearsBanAndCounter(t *testing.T) {
	l := New(testOptions(), nil)
	ip := "203.0.113.6"
	for i := 0; i < 5; i++ {
		l.CheckPublic(ip)
	}
	_, banned := l.activeBan(ip, ScopePublic)
	require.True(t, banned)

	l.Unban(ip)
	_, banned = l.activeBan(ip, ScopePublic)
	assert.False(t, banned)

	d := l.CheckPublic(ip)
	assert.True(t, d.Allowed)
}

func TestWhitelistBypassesLimitAndBan(t *testing.T) {
	l := New(testOptions(), nil)
	ip := "203.0.113.7"
	l.AddWhitelistIP(ip, "manual test entry")

	for i := 0; i < 20; i++ {
		d := l.CheckPublic(ip)
		assert.True(t, d.Allowed)
	}
}

func TestCheckAdminBadKeyEscalatesToBan(t *testing.T) {
	l := New(testOptions(), nil)
	ip := "203.0.113.8"

	for i := 0; i < 2; i++ {
		d := l.CheckAdmin(ip, false)
		assert.False(t, d.Allowed)
		assert.Equal(t, 401, d.StatusCode)
	}
	// third bad call crosses AdminBadKeyThreshold24h=3, which bans on the
	// NEXT check (spec.md's "4th call -> 401, 5th -> 403" cadence).
	d := l.CheckAdmin(ip, false)
	assert.False(t, d.Allowed)
	assert.Equal(t, 401, d.StatusCode)

	d = l.CheckAdmin(ip, false)
	assert.False(t, d.Allowed)
	assert.Equal(t, 403, d.StatusCode)
}

func TestCheckAdminValidKeyNeverBans(t *testing.T) {
	l := New(testOptions(), nil)
	ip := "203.0.113.9"
	for i := 0; i < 50; i++ {
		d := l.CheckAdmin(ip, true)
		assert.True(t, d.Allowed)
	}
}

func TestCheckGatewayFreeThenOverageThenBan(t *testing.T) {
	l := New(testOptions(), nil)
	ip := "203.0.113.10"

	for i := 0; i < 2; i++ {
		d := l.CheckGateway(ip, false)
		assert.True(t, d.Allowed, "free call %d", i+1)
	}
	// overage budget is 1
	d := l.CheckGateway(ip, false)
	assert.True(t, d.Allowed, "first overage call")

	d = l.CheckGateway(ip, false)
	assert.False(t, d.Allowed)
	assert.Equal(t, 403, d.StatusCode)
}

func TestCheckGatewayExemptAutoWhitelists(t *testing.T) {
	l := New(testOptions(), nil)
	ip := "203.0.113.11"

	d := l.CheckGateway(ip, true)
	assert.True(t, d.Allowed)
	assert.True(t, l.IsWhitelisted(ip))
}

func TestIPv6Prefix64Whitelist(t *testing.T) {
	l := New(testOptions(), nil)
	base := "2001:db8::1"
	l.AddWhitelistIP(base, "ipv6 exact")
	assert.True(t, l.IsWhitelisted(base))
	// a different host on the same /64 is NOT covered by an exact-IP
	// whitelist entry (spec.md §9: IPv6 defaults to exact-IP matching).
	assert.False(t, l.IsWhitelisted("2001:db8::2"))
}
