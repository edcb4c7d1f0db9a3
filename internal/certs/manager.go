// Package certs implements the ACME certificate lifecycle of spec.md
// §4.10, C10: an SNI `GetCertificate` selector choosing between a
// self-signed fallback and an on-disk certificate, bounded on-demand
// issuance via certmagic/acmez, HTTP-01 challenge serving, and a renewal
// scheduler.
package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/caddyserver/certmagic"
	logging "github.com/ipfs/go-log/v2"

	"github.com/truthgate/gateway/internal/domain"
)

var log = logging.Logger("truthgate/certs")

// renewalWindow is how far ahead of expiry the scheduler re-issues
// (spec.md §4.10: "within 30 days").
const renewalWindow = 30 * 24 * time.Hour

// Manager wraps a certmagic.Config with the gateway's on-demand policy:
// self-signed when SNI is absent/unconfigured, real-if-present with a
// bounded, deduplicated background issuance otherwise.
type Manager struct {
	cfg    *certmagic.Config
	domain *domain.Config
	acmeCA string

	selfSigned *tls.Certificate

	mu      sync.Mutex
	issuing map[string]struct{}
}

// Options configures a Manager.
type Options struct {
	Storage       certmagic.Storage
	Staging       bool
	Email         string
	SelfSignedIPOverride string
}

// NewManager constructs a Manager. cfg names the live domain list so the
// SNI selector can check configured-ness.
func NewManager(opts Options, cfg *domain.Config) (*Manager, error) {
	storage := opts.Storage
	ca := certmagic.LetsEncryptProductionCA
	if opts.Staging {
		ca = certmagic.LetsEncryptStagingCA
	}

	m := &Manager{
		domain:  cfg,
		acmeCA:  ca,
		issuing: make(map[string]struct{}),
	}

	magic := certmagic.New(certmagic.NewCache(certmagic.CacheOptions{
		GetConfigForCert: func(certmagic.Certificate) (*certmagic.Config, error) {
			return m.cfg, nil
		},
	}), certmagic.Config{
		Storage: storage,
	})
	magic.Issuers = []certmagic.Issuer{
		certmagic.NewACMEIssuer(magic, certmagic.ACMEIssuer{
			CA:     ca,
			Email:  opts.Email,
			Agreed: true,
			DisableHTTPChallenge: false,
			DisableTLSALPNChallenge: true,
		}),
	}
	m.cfg = magic

	selfSigned, err := generateSelfSigned(opts.SelfSignedIPOverride)
	if err != nil {
		return nil, err
	}
	m.selfSigned = selfSigned

	return m, nil
}

// generateSelfSigned creates a process-lifetime, in-memory self-signed
// certificate used for every host not eligible for a real one (spec.md
// §4.10's fallback).
func generateSelfSigned(ipOverride string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "truthgate-self-signed"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
		BasicConstraintsValid: true,
	}
	if ipOverride != "" {
		if ip := net.ParseIP(ipOverride); ip != nil {
			tmpl.IPAddresses = []net.IP{ip}
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// hostConfigured reports whether host matches a configured edge domain.
func (m *Manager) hostConfigured(host string) bool {
	_, ok := m.domain.FindDomain(host)
	return ok
}

// hasUsableCert reports whether certmagic already holds a non-expired
// certificate for host.
func (m *Manager) hasUsableCert(host string) (certmagic.Certificate, bool) {
	cert, err := m.cfg.CacheManagedCertificate(context.Background(), host)
	if err != nil {
		return certmagic.Certificate{}, false
	}
	if cert.Leaf != nil && time.Now().After(cert.Leaf.NotAfter) {
		return certmagic.Certificate{}, false
	}
	return cert, true
}

// GetCertificate implements tls.Config.GetCertificate: spec.md §4.10's
// self-signed/real-if-present/queue-issuance decision tree.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := strings.ToLower(hello.ServerName)
	if host == "" || net.ParseIP(host) != nil || !m.hostConfigured(host) {
		return m.selfSigned, nil
	}

	if cert, ok := m.hasUsableCert(host); ok {
		tlsCert := cert.Certificate
		return &tlsCert, nil
	}

	m.queueIssuance(host)
	return m.selfSigned, nil
}

// queueIssuance starts at most one in-flight issuance per host (spec.md
// §4.10's "bounded: at-most-one in flight per host").
func (m *Manager) queueIssuance(host string) {
	m.mu.Lock()
	if _, inFlight := m.issuing[host]; inFlight {
		m.mu.Unlock()
		return
	}
	m.issuing[host] = struct{}{}
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.issuing, host)
			m.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := m.cfg.ObtainCertAsync(ctx, host); err != nil {
			log.Warnw("certificate issuance failed", "host", host, "err", err)
			return
		}
		log.Infow("certificate issued", "host", host)
	}()
}

// RunRenewalScheduler ticks every interval and re-issues any configured
// host whose certificate is within renewalWindow of expiry (spec.md
// §4.10), until ctx is cancelled.
func (m *Manager) RunRenewalScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.renewDueCerts()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) renewDueCerts() {
	for _, dom := range m.domain.Domains {
		if !dom.UseTLS {
			continue
		}
		cert, ok := m.hasUsableCert(dom.Domain)
		if ok && cert.Leaf != nil && time.Until(cert.Leaf.NotAfter) > renewalWindow {
			continue
		}
		m.queueIssuance(dom.Domain)
	}
}

// HandleHTTPChallenge answers an HTTP-01 validation request using
// certmagic's own challenge storage, returning false if token is
// unrecognized (spec.md §4.10: "the dispatcher serves ... from that
// store in cleartext").
func (m *Manager) HandleHTTPChallenge(w http.ResponseWriter, r *http.Request) bool {
	return m.cfg.HandleHTTPChallenge(w, r)
}

// Status reports the issuance state for the admin /_acme/status/<host>
// endpoint (spec.md §6).
type Status struct {
	Host     string     `json:"host"`
	Exists   bool       `json:"exists"`
	NotAfter *time.Time `json:"notAfter,omitempty"`
}

// StatusFor builds a Status for host.
func (m *Manager) StatusFor(host string) Status {
	cert, ok := m.hasUsableCert(host)
	st := Status{Host: host, Exists: ok}
	if ok && cert.Leaf != nil {
		st.NotAfter = &cert.Leaf.NotAfter
	}
	return st
}

// RequestIssuance services the admin /_acme/issue/<host> endpoint,
// queueing issuance the same way GetCertificate's fallback path does.
func (m *Manager) RequestIssuance(host string) {
	m.queueIssuance(strings.ToLower(host))
}
