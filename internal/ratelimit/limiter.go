// Package ratelimit implements the adaptive rate limiter (spec.md §4.6,
// C6): per-IP and global minute buckets, tiered public scaling, gateway
// overage accounting, TLS-churn detection, soft/true bans, manual/auto
// whitelists, and write-behind persistence. Whitelist precedence > ban
// check > limit check is enforced by the call order inside CheckAdmin,
// CheckPublic and CheckGateway (spec.md §4.6,
// §5's ordering guarantee).
package ratelimit

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/truthgate/gateway/internal/domain"
	"github.com/truthgate/gateway/internal/store"
)

var log = logging.Logger("truthgate/ratelimit")

// Scope names the surface a ban or whitelist entry applies to.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopePublic  Scope = "public"
	ScopeAdmin   Scope = "admin"
	ScopeGateway Scope = "gateway"
)

// BanType distinguishes an auto-expiring soft ban from an administrative
// true ban (spec.md §3, Glossary).
type BanType string

const (
	BanSoft BanType = "soft"
	BanTrue BanType = "true"
)

// Ban is the persisted shape of one ban record (spec.md §3).
type Ban struct {
	ID           string    `json:"id"`
	IP           string    `json:"ip,omitempty"`
	IPv6Prefix64 string    `json:"ipv6Prefix64,omitempty"`
	Scope        Scope     `json:"scope"`
	Type         BanType   `json:"type"`
	ReasonCode   string    `json:"reasonCode"`
	CreatedUtc   time.Time `json:"createdUtc"`
	ExpiresUtc   time.Time `json:"expiresUtc"` // zero for true bans
}

func (b Ban) expired(now time.Time) bool {
	return b.Type == BanSoft && !b.ExpiresUtc.IsZero() && now.After(b.ExpiresUtc)
}

// Whitelist is the persisted shape of one whitelist entry (spec.md §3).
type Whitelist struct {
	ID           string     `json:"id"`
	IP           string     `json:"ip,omitempty"`
	IPv6Prefix64 string     `json:"ipv6Prefix64,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	CreatedUtc   time.Time  `json:"createdUtc"`
	ExpiresUtc   *time.Time `json:"expiresUtc,omitempty"`
	Auto         bool       `json:"auto"`
}

func (w Whitelist) expired(now time.Time) bool {
	return w.ExpiresUtc != nil && now.After(*w.ExpiresUtc)
}

// GracePair would key a temporary (ip, keyHash) exemption pair granted
// after a key rotation so the old key doesn't immediately start racking
// up bad-key bans. Reserved for schema completeness (spec.md §3) — no
// call site constructs one yet, since key rotation itself isn't wired
// into any admin endpoint.
type GracePair struct {
	IP         string    `json:"ip"`
	KeyHash    string    `json:"keyHash"`
	ExpiresUtc time.Time `json:"expiresUtc"`
}

// AuditEntry is an append-only record of limiter decisions worth keeping
// for operator review (spec.md §3).
type AuditEntry struct {
	ID      string    `json:"id"`
	Ts      time.Time `json:"ts"`
	Actor   string    `json:"actor"`
	Action  string    `json:"action"`
	Target  string    `json:"target"`
	Details string    `json:"detailsJson,omitempty"`
}

// ipAccum is the per-(ip,minute-bucket) accumulator (spec.md §3). All
// fields are mutated with atomic ops so the request path never takes a
// lock.
type ipAccum struct {
	publicCalls       int64
	adminBadKeyCalls  int64
	adminGoodKeyCalls int64
	gatewayCalls      int64
}

// hourAccum is the per-(ip,hour-bucket) overage accumulator. The gateway
// free tier is per-minute, but its overage allowance is a rolling hourly
// budget (spec.md §4.6) — keeping it on the minute-keyed ipAccum would
// reset the "hourly" overage every minute, so it gets its own
// longer-lived bucket.
type hourAccum struct {
	gatewayOverageUsed int64
}

type tlsChurnWindow struct {
	windowStart     int64 // unix seconds, truncated to window boundary
	newConnections  int64
	requests        int64
}

// Surface names which policy Check applies.
type Surface int

const (
	SurfaceAdmin Surface = iota
	SurfacePublic
	SurfaceGateway
)

// Decision is the outcome of a Check call.
type Decision struct {
	Allowed    bool
	StatusCode int // 429 or 403 when !Allowed
	RetryAfter time.Duration
}

// Limiter is the full C6 implementation.
type Limiter struct {
	opts  domain.RateLimitOptions
	store *store.Store

	mu          sync.RWMutex // guards maps below, not the atomic accumulators within
	ipBuckets   map[string]*ipAccum    // key: ip|minute-bucket
	hourBuckets map[string]*hourAccum  // key: ip|hour-bucket
	global      map[string]*int64     // key: bucket
	bans      []Ban
	whitelist []Whitelist
	churn     map[string]*tlsChurnWindow // key: ip

	badKeyHistory map[string][]time.Time // ip -> bad-key timestamps within 24h, for escalation

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Limiter. If s is non-nil, counters/bans/whitelist are
// loaded from and written behind to durable storage.
func New(opts domain.RateLimitOptions, s *store.Store) *Limiter {
	l := &Limiter{
		opts:          opts,
		store:         s,
		ipBuckets:     make(map[string]*ipAccum),
		hourBuckets:   make(map[string]*hourAccum),
		global:        make(map[string]*int64),
		churn:         make(map[string]*tlsChurnWindow),
		badKeyHistory: make(map[string][]time.Time),
		stopCh:        make(chan struct{}),
	}
	if s != nil {
		l.loadDurable()
	}
	return l
}

func minuteBucket(t time.Time) string {
	return t.UTC().Format("200601021504")
}

func hourBucket(t time.Time) string {
	return t.UTC().Format("2006010215")
}

func (l *Limiter) bucketKey(ip, bucket string) string { return ip + "|" + bucket }

func (l *Limiter) accumFor(ip string, now time.Time) *ipAccum {
	key := l.bucketKey(ip, minuteBucket(now))
	l.mu.RLock()
	a, ok := l.ipBuckets[key]
	l.mu.RUnlock()
	if ok {
		return a
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok = l.ipBuckets[key]
	if !ok {
		a = &ipAccum{}
		l.ipBuckets[key] = a
	}
	return a
}

func (l *Limiter) hourAccumFor(ip string, now time.Time) *hourAccum {
	key := l.bucketKey(ip, hourBucket(now))
	l.mu.RLock()
	a, ok := l.hourBuckets[key]
	l.mu.RUnlock()
	if ok {
		return a
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok = l.hourBuckets[key]
	if !ok {
		a = &hourAccum{}
		l.hourBuckets[key] = a
	}
	return a
}

func (l *Limiter) globalFor(now time.Time) *int64 {
	bucket := minuteBucket(now)
	l.mu.RLock()
	c, ok := l.global[bucket]
	l.mu.RUnlock()
	if ok {
		return c
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok = l.global[bucket]
	if !ok {
		var zero int64
		c = &zero
		l.global[bucket] = c
	}
	return c
}

func ipv6Prefix64(ip net.IP) string {
	if ip == nil || ip.To4() != nil {
		return ""
	}
	v6 := ip.To16()
	if v6 == nil {
		return ""
	}
	return net.IP(v6[:8]).String() + "::/64"
}

// IsWhitelisted reports whether ip currently matches a non-expired
// whitelist entry, by exact IP or IPv6 /64 prefix.
func (l *Limiter) IsWhitelisted(ip string) bool {
	now := time.Now()
	parsed := net.ParseIP(ip)
	prefix := ipv6Prefix64(parsed)

	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, w := range l.whitelist {
		if w.expired(now) {
			continue
		}
		if w.IP != "" && w.IP == ip {
			return true
		}
		if prefix != "" && w.IPv6Prefix64 != "" && w.IPv6Prefix64 == prefix {
			return true
		}
	}
	return false
}

// activeBan returns the first non-expired ban matching ip in scope
// (global bans apply to every scope).
func (l *Limiter) activeBan(ip string, scope Scope) (Ban, bool) {
	now := time.Now()
	parsed := net.ParseIP(ip)
	prefix := ipv6Prefix64(parsed)

	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, b := range l.bans {
		if b.expired(now) {
			continue
		}
		if b.Scope != ScopeGlobal && b.Scope != scope {
			continue
		}
		if b.IP != "" && b.IP == ip {
			return b, true
		}
		if prefix != "" && b.IPv6Prefix64 != "" && b.IPv6Prefix64 == prefix {
			return b, true
		}
	}
	return Ban{}, false
}

func (l *Limiter) addBan(ip string, scope Scope, typ BanType, reason string, duration time.Duration) Ban {
	b := Ban{
		ID:         uuid.NewString(),
		IP:         ip,
		Scope:      scope,
		Type:       typ,
		ReasonCode: reason,
		CreatedUtc: time.Now().UTC(),
	}
	if typ == BanSoft {
		b.ExpiresUtc = b.CreatedUtc.Add(duration)
	}
	l.mu.Lock()
	l.bans = append(l.bans, b)
	l.mu.Unlock()
	if l.store != nil {
		_ = l.store.PutJSON(banKey(b.ID), b, 0)
	}
	log.Infow("ban added", "ip", ip, "scope", scope, "type", typ, "reason", reason)
	l.writeAudit("ban.add", ip, fmt.Sprintf(`{"scope":%q,"type":%q,"reason":%q}`, scope, typ, reason))
	return b
}

// AddWhitelistIP adds a manual, non-expiring whitelist entry for ip
// (invariant 5, spec.md §8).
func (l *Limiter) AddWhitelistIP(ip, reason string) Whitelist {
	return l.addWhitelist(ip, reason, nil, false)
}

func (l *Limiter) addWhitelist(ip, reason string, ttl *time.Duration, auto bool) Whitelist {
	w := Whitelist{
		ID:         uuid.NewString(),
		IP:         ip,
		Reason:     reason,
		CreatedUtc: time.Now().UTC(),
		Auto:       auto,
	}
	if ttl != nil {
		exp := w.CreatedUtc.Add(*ttl)
		w.ExpiresUtc = &exp
	}
	l.mu.Lock()
	l.whitelist = append(l.whitelist, w)
	l.mu.Unlock()
	if l.store != nil {
		_ = l.store.PutJSON(whitelistKey(w.ID), w, 0)
	}
	l.writeAudit("whitelist.add", ip, fmt.Sprintf(`{"reason":%q,"auto":%v}`, reason, auto))
	return w
}

// RemoveWhitelistIP removes every whitelist entry for ip (invariant 5).
func (l *Limiter) RemoveWhitelistIP(ip string) {
	l.mu.Lock()
	kept := l.whitelist[:0]
	var removed []Whitelist
	for _, w := range l.whitelist {
		if w.IP == ip {
			removed = append(removed, w)
			continue
		}
		kept = append(kept, w)
	}
	l.whitelist = kept
	l.mu.Unlock()
	if l.store != nil {
		for _, w := range removed {
			_ = l.store.Delete(whitelistKey(w.ID))
		}
	}
	if len(removed) > 0 {
		l.writeAudit("whitelist.remove", ip, "")
	}
}

// Unban clears every ban matching ip across all scopes and resets the
// current-window counter for ip (spec.md §4.6's "Unban clears... and
// resets the current window counter").
func (l *Limiter) Unban(ip string) {
	l.mu.Lock()
	kept := l.bans[:0]
	var removed []Ban
	for _, b := range l.bans {
		if b.IP == ip {
			removed = append(removed, b)
			continue
		}
		kept = append(kept, b)
	}
	l.bans = kept
	key := l.bucketKey(ip, minuteBucket(time.Now()))
	delete(l.ipBuckets, key)
	l.mu.Unlock()
	if l.store != nil {
		for _, b := range removed {
			_ = l.store.Delete(banKey(b.ID))
		}
	}
	if len(removed) > 0 {
		l.writeAudit("ban.unban", ip, "")
	}
}

func banKey(id string) string          { return "ratelimit/ban/" + id }
func whitelistKey(id string) string    { return "ratelimit/whitelist/" + id }
func counterKey(key string) string     { return "ratelimit/counter/" + key }
func hourCounterKey(key string) string { return "ratelimit/hourcounter/" + key }
func auditKey(id string) string        { return "ratelimit/audit/" + id }

// writeAudit persists an AuditEntry for a limiter decision an operator
// would want to review later — ban/whitelist mutations, not every
// request (spec.md §3's audit log is for operator-facing actions, not a
// full request trace).
func (l *Limiter) writeAudit(action, target, details string) {
	if l.store == nil {
		return
	}
	e := AuditEntry{
		ID:      uuid.NewString(),
		Ts:      time.Now().UTC(),
		Actor:   "ratelimit",
		Action:  action,
		Target:  target,
		Details: details,
	}
	if err := l.store.PutJSON(auditKey(e.ID), e, 30*24*time.Hour); err != nil {
		log.Warnw("audit write failed", "action", action, "target", target, "err", err)
	}
}

func (l *Limiter) loadDurable() {
	keys, err := l.store.ListPrefix("ratelimit/ban/")
	if err == nil {
		for _, k := range keys {
			var b Ban
			if ok, _ := l.store.GetJSON(k, &b); ok {
				l.bans = append(l.bans, b)
			}
		}
	}
	keys, err = l.store.ListPrefix("ratelimit/whitelist/")
	if err == nil {
		for _, k := range keys {
			var w Whitelist
			if ok, _ := l.store.GetJSON(k, &w); ok {
				l.whitelist = append(l.whitelist, w)
			}
		}
	}
}

// recordPublic increments the public accumulator for ip, implementing "counter
// increments only AFTER the request is admitted" (spec.md §5).
func (l *Limiter) recordPublic(ip string, now time.Time) int64 {
	a := l.accumFor(ip, now)
	n := atomic.AddInt64(&a.publicCalls, 1)
	atomic.AddInt64(l.globalFor(now), 1)
	return n
}

func (l *Limiter) recordGateway(ip string, now time.Time) (calls int64, overage int64) {
	a := l.accumFor(ip, now)
	calls = atomic.AddInt64(&a.gatewayCalls, 1)
	if calls > l.opts.GatewayFreePerMinute {
		h := l.hourAccumFor(ip, now)
		overage = atomic.AddInt64(&h.gatewayOverageUsed, 1)
	}
	return calls, overage
}

func (l *Limiter) recordAdminGood(ip string, now time.Time) {
	atomic.AddInt64(&l.accumFor(ip, now).adminGoodKeyCalls, 1)
}

func (l *Limiter) recordAdminBad(ip string, now time.Time) int64 {
	return atomic.AddInt64(&l.accumFor(ip, now).adminBadKeyCalls, 1)
}

// publicTierLimit returns the per-IP budget for the current global total,
// per spec.md §4.6's sorted-ascending tier table.
func (l *Limiter) publicTierLimit(globalTotal int64) int64 {
	limit := l.opts.PublicBaseLimitPerMinute
	for _, tier := range l.opts.PublicTiers {
		if globalTotal >= tier.Threshold {
			limit = tier.NewPerMinute
		}
	}
	return limit
}

// CheckAdmin implements the admin-protected surface policy of spec.md
// §4.6: on a valid key, proceed; on missing/invalid key, increment
// adminBadKeyCalls and escalate to a soft (then optionally true) ban once
// the 24h threshold is crossed.
func (l *Limiter) CheckAdmin(ip string, keyValid bool) Decision {
	now := time.Now()

	if l.IsWhitelisted(ip) {
		return Decision{Allowed: true}
	}
	if _, banned := l.activeBan(ip, ScopeAdmin); banned {
		return Decision{Allowed: false, StatusCode: 403}
	}

	if keyValid {
		l.recordAdminGood(ip, now)
		return Decision{Allowed: true}
	}

	l.recordAdminBad(ip, now)
	l.trackBadKeyHistory(ip, now)
	l.mu.RLock()
	bad := int64(len(l.badKeyHistory[ip]))
	l.mu.RUnlock()

	if bad >= l.opts.AdminBadKeyThreshold24h {
		duration := l.opts.AdminSoftBanDuration
		mult := l.escalationMultiplier(ip, now)
		if mult > 1 {
			duration = time.Duration(float64(duration) * mult)
		}
		banType := BanSoft
		if l.opts.AdminTrueBanMultiplier > 0 && mult >= l.opts.AdminTrueBanMultiplier {
			banType = BanTrue
		}
		l.addBan(ip, ScopeAdmin, banType, "admin_bad_key_threshold", duration)
	}

	// Unauthorized, not yet banned (or ban takes effect on the NEXT
	// request, per spec.md S4: "4th call -> 401, 5th -> 403").
	return Decision{Allowed: false, StatusCode: 401}
}

func (l *Limiter) trackBadKeyHistory(ip string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-24 * time.Hour)
	hist := l.badKeyHistory[ip]
	kept := hist[:0]
	for _, t := range hist {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	l.badKeyHistory[ip] = kept
}

// escalationMultiplier applies the spec.md §9 Open Question's 4x/10x
// sibling escalation when the corresponding option multipliers are
// non-zero; both default to 0 (disabled).
func (l *Limiter) escalationMultiplier(ip string, now time.Time) float64 {
	if l.opts.AdminEscalation4xMultiplier == 0 && l.opts.AdminEscalation10xMultiplier == 0 {
		return 1
	}
	l.mu.RLock()
	count := int64(len(l.badKeyHistory[ip]))
	l.mu.RUnlock()
	threshold := l.opts.AdminBadKeyThreshold24h
	switch {
	case l.opts.AdminEscalation10xMultiplier > 0 && count >= threshold*10:
		return l.opts.AdminEscalation10xMultiplier
	case l.opts.AdminEscalation4xMultiplier > 0 && count >= threshold*4:
		return l.opts.AdminEscalation4xMultiplier
	default:
		return 1
	}
}

// CheckPublic implements the public-limited surface policy (spec.md §4.6).
func (l *Limiter) CheckPublic(ip string) Decision {
	now := time.Now()

	if l.IsWhitelisted(ip) {
		return Decision{Allowed: true}
	}
	if _, banned := l.activeBan(ip, ScopePublic); banned {
		return Decision{Allowed: false, StatusCode: 403}
	}

	globalTotal := atomic.LoadInt64(l.globalFor(now))
	limit := l.publicTierLimit(globalTotal)

	a := l.accumFor(ip, now)
	current := atomic.LoadInt64(&a.publicCalls)
	if current+1 > limit {
		l.addBan(ip, ScopePublic, BanSoft, "public_limit_exceeded", l.opts.PublicSoftBanDuration)
		return Decision{Allowed: false, StatusCode: 429, RetryAfter: time.Minute}
	}

	l.recordPublic(ip, now)
	return Decision{Allowed: true}
}

// CheckGateway implements the content-proxy surface policy (spec.md
// §4.6): free-per-minute budget plus hourly sliding overage. exempt
// indicates the caller presented a valid key or authenticated session.
func (l *Limiter) CheckGateway(ip string, exempt bool) Decision {
	now := time.Now()

	if l.IsWhitelisted(ip) {
		return Decision{Allowed: true}
	}
	if _, banned := l.activeBan(ip, ScopeGateway); banned {
		return Decision{Allowed: false, StatusCode: 403}
	}

	if exempt {
		if l.opts.GatewayAutoWhitelistOnAuth {
			ttl := l.opts.GatewayAutoWhitelistTTL
			l.addWhitelist(ip, "gateway_auth_exempt", &ttl, true)
		}
		return Decision{Allowed: true}
	}

	calls, overage := l.recordGateway(ip, now)
	if calls <= l.opts.GatewayFreePerMinute {
		return Decision{Allowed: true}
	}
	if overage <= l.opts.GatewayHourlyOverage {
		return Decision{Allowed: true}
	}

	l.addBan(ip, ScopeGateway, BanSoft, "gateway_overage_exhausted", l.opts.GatewaySoftBanDuration)
	return Decision{Allowed: false, StatusCode: 403}
}

// RecordConnection feeds the TLS-churn detector a new-connection event
// (spec.md §4.6). Call once per accepted TLS connection.
func (l *Limiter) RecordConnection(ip string) {
	atomic.AddInt64(&l.churnWindow(ip, time.Now()).newConnections, 1)
	// not request-path hot; a coarse lock is acceptable for connection
	// events, which are far less frequent than requests.
}

// RecordRequestOnConnection feeds one request on an existing connection.
func (l *Limiter) RecordRequestOnConnection(ip string) {
	w := l.churnWindow(ip, time.Now())
	atomic.AddInt64(&w.requests, 1)
	l.evaluateChurn(ip, w)
}

func (l *Limiter) churnWindow(ip string, now time.Time) *tlsChurnWindow {
	windowStart := now.Truncate(l.opts.TLSChurnWindow).Unix()
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.churn[ip]
	if !ok || w.windowStart != windowStart {
		w = &tlsChurnWindow{windowStart: windowStart}
		l.churn[ip] = w
	}
	return w
}

func (l *Limiter) evaluateChurn(ip string, w *tlsChurnWindow) {
	conns := atomic.LoadInt64(&w.newConnections)
	if conns == 0 {
		return
	}
	seconds := l.opts.TLSChurnWindow.Seconds()
	if seconds <= 0 {
		return
	}
	newConnPerSec := float64(conns) / seconds
	avgReqPerConn := float64(atomic.LoadInt64(&w.requests)) / float64(conns)
	if newConnPerSec > l.opts.TLSChurnNewConnPerSecond && avgReqPerConn < l.opts.TLSChurnMinReqPerConn {
		l.addBan(ip, ScopeGateway, BanSoft, "tls_churn", l.opts.GatewaySoftBanDuration)
	}
}

// Start launches the write-behind flusher and the purge worker as
// single-owner background goroutines (spec.md §5: "a single-writer
// background worker for persistence").
func (l *Limiter) Start() {
	l.wg.Add(2)
	go l.flushLoop()
	go l.purgeLoop()
}

// Stop signals both background workers to exit and waits for them.
func (l *Limiter) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

func (l *Limiter) flushLoop() {
	defer l.wg.Done()
	interval := l.opts.FlushInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.Flush()
		case <-l.stopCh:
			l.Flush()
			return
		}
	}
}

// Flush writes every in-memory counter to durable storage. Idempotent:
// flushing twice with no intervening requests writes identical state
// (invariant 6, spec.md §8) because it is a pure re-serialization of the
// current accumulator values, not a delta apply.
func (l *Limiter) Flush() {
	if l.store == nil {
		return
	}
	l.mu.RLock()
	snapshot := make(map[string]ipAccum, len(l.ipBuckets))
	for k, v := range l.ipBuckets {
		snapshot[k] = ipAccum{
			publicCalls:       atomic.LoadInt64(&v.publicCalls),
			adminBadKeyCalls:  atomic.LoadInt64(&v.adminBadKeyCalls),
			adminGoodKeyCalls: atomic.LoadInt64(&v.adminGoodKeyCalls),
			gatewayCalls:      atomic.LoadInt64(&v.gatewayCalls),
		}
	}
	hourSnapshot := make(map[string]hourAccum, len(l.hourBuckets))
	for k, v := range l.hourBuckets {
		hourSnapshot[k] = hourAccum{gatewayOverageUsed: atomic.LoadInt64(&v.gatewayOverageUsed)}
	}
	l.mu.RUnlock()

	for k, v := range snapshot {
		if err := l.store.PutJSON(counterKey(k), v, l.opts.CounterRetention); err != nil {
			// fail open for counters: serve requests from memory, log and
			// retry on the next tick (spec.md §4.6 persistence policy).
			log.Warnw("counter flush failed, failing open", "key", k, "err", err)
		}
	}
	for k, v := range hourSnapshot {
		if err := l.store.PutJSON(hourCounterKey(k), v, l.opts.CounterRetention); err != nil {
			log.Warnw("hourly overage counter flush failed, failing open", "key", k, "err", err)
		}
	}
}

func (l *Limiter) purgeLoop() {
	defer l.wg.Done()
	interval := l.opts.PurgeInterval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.purge()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) purge() {
	now := time.Now()
	l.mu.Lock()
	kept := l.bans[:0]
	var removed []Ban
	for _, b := range l.bans {
		if b.expired(now) {
			removed = append(removed, b)
			continue
		}
		kept = append(kept, b)
	}
	l.bans = kept

	keptW := l.whitelist[:0]
	var removedW []Whitelist
	for _, w := range l.whitelist {
		if w.expired(now) {
			removedW = append(removedW, w)
			continue
		}
		keptW = append(keptW, w)
	}
	l.whitelist = keptW

	cutoff := now.Add(-l.opts.CounterRetention)
	for k := range l.ipBuckets {
		bucket := k[strings.LastIndexByte(k, '|')+1:]
		if bucketTime(bucket).Before(cutoff) {
			delete(l.ipBuckets, k)
		}
	}
	for k := range l.hourBuckets {
		bucket := k[strings.LastIndexByte(k, '|')+1:]
		if hourBucketTime(bucket).Before(cutoff) {
			delete(l.hourBuckets, k)
		}
	}
	l.mu.Unlock()

	if l.store != nil {
		for _, b := range removed {
			_ = l.store.Delete(banKey(b.ID))
		}
		for _, w := range removedW {
			_ = l.store.Delete(whitelistKey(w.ID))
		}
	}
}

func bucketTime(bucket string) time.Time {
	t, err := time.Parse("200601021504", bucket)
	if err != nil {
		return time.Time{}
	}
	return t
}

func hourBucketTime(bucket string) time.Time {
	t, err := time.Parse("2006010215", bucket)
	if err != nil {
		return time.Time{}
	}
	return t
}
