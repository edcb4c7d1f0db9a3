// Package domain holds the edge-gateway data model: the shapes that a
// configuration loader (out of scope for this module) populates and that
// every other component reads.
package domain

import (
	"regexp"
	"strings"
	"time"
)

// SealedIPNSKey is the passphrase-sealed export of an edge domain's IPNS
// signing key, as written to a backup file (see EdgeDomain.SealedIPNSKey
// and the backup/import operations of the publish pipeline).
type SealedIPNSKey struct {
	Version   int    `json:"version"`
	SaltB64   string `json:"saltB64"`
	CipherB64 string `json:"cipherB64"`
}

// EdgeDomain is one configured host: its mapped MFS folders and the IPNS
// identity that publishes its production content.
type EdgeDomain struct {
	Domain           string         `json:"domain"`
	UseTLS           bool           `json:"useTls"`
	SiteFolderLeaf   string         `json:"siteFolderLeaf"`
	TgpFolderLeaf    string         `json:"tgpFolderLeaf"`
	IPNSKeyName      string         `json:"ipnsKeyName,omitempty"`
	IPNSPeerID       string         `json:"ipnsPeerId,omitempty"`
	LastPublishedCid string         `json:"lastPublishedCid,omitempty"`
	SealedIPNSKey    *SealedIPNSKey `json:"sealedIpnsKey,omitempty"`
}

// SiteMfsPath is the MFS folder that the domain gateway resolves this
// domain's CID from.
func (d EdgeDomain) SiteMfsPath() string {
	return "/production/sites/" + d.SiteFolderLeaf
}

// TgpMfsPath is the MFS folder holding this domain's TruthGate pointer file.
func (d EdgeDomain) TgpMfsPath() string {
	return "/production/pinned/" + d.TgpFolderLeaf
}

var leafUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// DeriveSiteFolderLeaf computes the deterministic, path-safe label for a
// domain name, per spec.md §3's invariant that siteFolderLeaf derives
// deterministically from domain.
func DeriveSiteFolderLeaf(domainName string) string {
	lower := strings.ToLower(strings.TrimSpace(domainName))
	leaf := leafUnsafe.ReplaceAllString(lower, "-")
	leaf = strings.Trim(leaf, "-")
	if leaf == "" {
		leaf = "site"
	}
	return leaf
}

// DeriveTgpFolderLeaf computes the pointer-folder label from a site leaf.
func DeriveTgpFolderLeaf(siteFolderLeaf string) string {
	return siteFolderLeaf + "-tgp"
}

// LocalUser is a password-authenticated operator account (§6 Configuration).
type LocalUser struct {
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"` // bcrypt
}

// HashedAdminKey is a stored admin API key, kept only as a hash (§4.5.1).
type HashedAdminKey struct {
	ID   string `json:"id"`
	Hash string `json:"hash"` // bcrypt of the raw key
}

// RateLimitTier is one entry of the public-surface scaling table: once the
// global per-minute total crosses Threshold, NewPerMinute becomes the
// per-IP budget (§4.6).
type RateLimitTier struct {
	Threshold    int64 `json:"threshold"`
	NewPerMinute int64 `json:"newPerMinute"`
}

// RateLimitOptions carries every tunable named in spec.md §4.6 and §9,
// including the escalation knobs the spec says default to disabled.
type RateLimitOptions struct {
	PublicBaseLimitPerMinute int64           `json:"publicBaseLimitPerMinute"`
	PublicTiers              []RateLimitTier `json:"publicTiers"` // sorted ascending by Threshold
	PublicSoftBanDuration    time.Duration   `json:"publicSoftBanDuration"`

	GatewayFreePerMinute  int64         `json:"gatewayFreePerMinute"`
	GatewayHourlyOverage  int64         `json:"gatewayHourlyOverage"`
	GatewaySoftBanDuration time.Duration `json:"gatewaySoftBanDuration"`
	GatewayAutoWhitelistOnAuth bool      `json:"gatewayAutoWhitelistOnAuth"`
	GatewayAutoWhitelistTTL    time.Duration `json:"gatewayAutoWhitelistTTL"`

	AdminBadKeyThreshold24h int64         `json:"adminBadKeyThreshold24h"`
	AdminSoftBanDuration    time.Duration `json:"adminSoftBanDuration"`
	// AdminEscalation4x/10x multiply AdminSoftBanDuration when the same IP's
	// bad-key count over the past 24h reaches 4x/10x AdminBadKeyThreshold24h.
	// Zero disables escalation, which is the shipped default (spec.md §9
	// Open Question: escalation schedule is unspecified).
	AdminEscalation4xMultiplier  float64 `json:"adminEscalation4xMultiplier"`
	AdminEscalation10xMultiplier float64 `json:"adminEscalation10xMultiplier"`
	AdminTrueBanMultiplier       float64 `json:"adminTrueBanMultiplier"` // 0 disables promotion to true-ban

	TLSChurnWindow             time.Duration `json:"tlsChurnWindow"`
	TLSChurnNewConnPerSecond   float64       `json:"tlsChurnNewConnPerSecond"`
	TLSChurnMinReqPerConn      float64       `json:"tlsChurnMinReqPerConn"`

	FlushInterval   time.Duration `json:"flushInterval"`
	PurgeInterval   time.Duration `json:"purgeInterval"`
	CounterRetention time.Duration `json:"counterRetention"`
}

// DefaultRateLimitOptions mirrors the "defaults that disable escalation"
// framing of spec.md §9.
func DefaultRateLimitOptions() RateLimitOptions {
	return RateLimitOptions{
		PublicBaseLimitPerMinute: 120,
		PublicTiers: []RateLimitTier{
			{Threshold: 5000, NewPerMinute: 60},
			{Threshold: 20000, NewPerMinute: 20},
		},
		PublicSoftBanDuration: 10 * time.Minute,

		GatewayFreePerMinute:       300,
		GatewayHourlyOverage:       2000,
		GatewaySoftBanDuration:     15 * time.Minute,
		GatewayAutoWhitelistOnAuth: true,
		GatewayAutoWhitelistTTL:    7 * 24 * time.Hour,

		AdminBadKeyThreshold24h:      10,
		AdminSoftBanDuration:         30 * time.Minute,
		AdminEscalation4xMultiplier:  0,
		AdminEscalation10xMultiplier: 0,
		AdminTrueBanMultiplier:       0,

		TLSChurnWindow:           time.Minute,
		TLSChurnNewConnPerSecond: 20,
		TLSChurnMinReqPerConn:    1.5,

		FlushInterval:    10 * time.Second,
		PurgeInterval:    time.Minute,
		CounterRetention: 48 * time.Hour,
	}
}

// AcmePaths locates the account key material used by the cert lifecycle.
type AcmePaths struct {
	AccountKeyPEM string `json:"accountKeyPem"`
	CertDir       string `json:"certDir"`
	Staging       bool   `json:"staging"`
}

// Config is the process-wide, hot-reloaded configuration surface named in
// spec.md §6. Loading and hot-reload are an external collaborator
// (spec.md §1 Out of scope); this type is what that loader would produce.
type Config struct {
	Domains          []EdgeDomain     `json:"domains"`
	AdminKeys        []HashedAdminKey `json:"adminKeys"`
	Users            []LocalUser      `json:"users"`
	IPNSWildcardBase string           `json:"ipnsWildcardBase,omitempty"`
	HTTPPort         int              `json:"httpPort"`
	HTTPSPort        int              `json:"httpsPort"`
	NodeAPIPort      int              `json:"nodeApiPort"`
	NodeGatewayPort  int              `json:"nodeGatewayPort"`
	RateLimit        RateLimitOptions `json:"rateLimit"`
	Acme             AcmePaths        `json:"acme"`
}

// FindDomain returns the configured EdgeDomain with an exact apex match,
// and ok=false if none is configured for host.
func (c *Config) FindDomain(host string) (EdgeDomain, bool) {
	host = strings.ToLower(host)
	var best EdgeDomain
	found := false
	for _, d := range c.Domains {
		if strings.ToLower(d.Domain) != host {
			continue
		}
		if !found || len(d.Domain) > len(best.Domain) {
			best = d
			found = true
		}
	}
	return best, found
}
