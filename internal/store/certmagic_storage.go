package store

import (
	"context"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/caddyserver/certmagic"
)

// CertMagicStorage adapts Store to certmagic.Storage, so the ACME cert
// lifecycle (internal/certs, spec.md §4.10) persists issued certificates,
// account data, and HTTP-01 challenge tokens through the same durable
// store as everything else, rather than the local filesystem certmagic
// defaults to.
type CertMagicStorage struct {
	store  *Store
	prefix string

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// NewCertMagicStorage namespaces all keys under prefix (e.g. "acme/").
func NewCertMagicStorage(s *Store, prefix string) *CertMagicStorage {
	return &CertMagicStorage{store: s, prefix: prefix, locks: make(map[string]chan struct{})}
}

func (c *CertMagicStorage) key(k string) string {
	return c.prefix + strings.TrimPrefix(k, "/")
}

func (c *CertMagicStorage) Store(_ context.Context, key string, value []byte) error {
	return c.store.PutRaw(c.key(key), value)
}

func (c *CertMagicStorage) Load(_ context.Context, key string) ([]byte, error) {
	b, ok, err := c.store.Raw(c.key(key))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNotExist(key)
	}
	return b, nil
}

func (c *CertMagicStorage) Delete(_ context.Context, key string) error {
	return c.store.Delete(c.key(key))
}

func (c *CertMagicStorage) Exists(_ context.Context, key string) bool {
	_, ok, err := c.store.Raw(c.key(key))
	return err == nil && ok
}

func (c *CertMagicStorage) List(_ context.Context, path string, recursive bool) ([]string, error) {
	prefix := c.key(path)
	keys, err := c.store.ListPrefix(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{})
	for _, k := range keys {
		rel := strings.TrimPrefix(k, c.prefix)
		if !recursive {
			rest := strings.TrimPrefix(rel, strings.TrimPrefix(path, "/"))
			rest = strings.TrimPrefix(rest, "/")
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				rel = strings.TrimSuffix(rel, rest[i:])
			}
		}
		if _, ok := seen[rel]; ok {
			continue
		}
		seen[rel] = struct{}{}
		out = append(out, rel)
	}
	return out, nil
}

func (c *CertMagicStorage) Stat(_ context.Context, key string) (certmagic.KeyInfo, error) {
	b, ok, err := c.store.Raw(c.key(key))
	if err != nil {
		return certmagic.KeyInfo{}, err
	}
	if !ok {
		return certmagic.KeyInfo{}, errNotExist(key)
	}
	return certmagic.KeyInfo{
		Key:        key,
		Size:       int64(len(b)),
		IsTerminal: true,
	}, nil
}

// Lock/Unlock implement certmagic's distributed-lock contract with a
// process-local channel; TruthGate runs a single gateway instance per
// node, so cross-process coordination is unnecessary (spec.md's
// Non-goals exclude multi-node coordination).
func (c *CertMagicStorage) Lock(ctx context.Context, key string) error {
	c.locksMu.Lock()
	ch, ok := c.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		c.locks[key] = ch
	}
	c.locksMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Minute):
		return fmt.Errorf("timed out acquiring lock %q", key)
	}
}

func (c *CertMagicStorage) Unlock(_ context.Context, key string) error {
	c.locksMu.Lock()
	ch, ok := c.locks[key]
	c.locksMu.Unlock()
	if !ok {
		return nil
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return nil
}

func errNotExist(key string) error {
	return fmt.Errorf("key %q: %w", key, fs.ErrNotExist)
}
