// Package rescache implements the resolve/exists/list cache (spec.md
// §4.2, C2): a tag-indexed TTL cache over the node client, with
// single-flight coalescing of concurrent misses for the same key
// (spec.md §5's ordering guarantee), fronting every path query the
// dispatcher and reverse proxy make.
package rescache

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	cid "github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/singleflight"
)

var log = logging.Logger("truthgate/rescache")

// DefaultTTL is the spec.md §4.2 default entry lifetime.
const DefaultTTL = 2 * time.Hour

// NodeAPI is the subset of internal/nodeclient.Client the cache needs.
// Declared locally so rescache has no import-time dependency on the
// concrete node client (kept swappable for tests).
type NodeAPI interface {
	ResolveMfsFolderToCid(ctx context.Context, mfsPath string) (cid.Cid, error)
	ListDir(ctx context.Context, cidOrPath string) (map[string]string, error)
	IsCidLocal(ctx context.Context, id cid.Cid) (bool, error)
	HeadGateway(ctx context.Context, path string) (*http.Response, error)
}

type entry struct {
	value    interface{}
	expireAt time.Time
	tags     []string
}

// Cache is the tag-indexed, TTL, single-flight-coalesced cache described
// by spec.md §4.2 and §3.
type Cache struct {
	api NodeAPI
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
	byTag   map[string]map[string]struct{}

	sf singleflight.Group
}

// New constructs a Cache fronting api with the given default TTL (pass 0
// for DefaultTTL).
func New(api NodeAPI, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		api:     api,
		ttl:     ttl,
		entries: make(map[string]*entry),
		byTag:   make(map[string]map[string]struct{}),
	}
}

func cidTag(id cid.Cid) string   { return "cid:" + id.String() }
func mfsTag(path string) string  { return "mfs:" + path }

func (c *Cache) set(key string, value interface{}, tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{value: value, expireAt: time.Now().Add(c.ttl), tags: tags}
	for _, t := range tags {
		m, ok := c.byTag[t]
		if !ok {
			m = make(map[string]struct{})
			c.byTag[t] = m
		}
		m[key] = struct{}{}
	}
}

func (c *Cache) get(key string) (interface{}, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expireAt) {
		return nil, false
	}
	return e.value, true
}

// InvalidateCid eagerly expires every entry tagged {cid:X} (spec.md §4.2).
func (c *Cache) InvalidateCid(id cid.Cid) {
	c.invalidateTag(cidTag(id))
}

// InvalidateMfs eagerly expires every entry tagged {mfs:P}.
func (c *Cache) InvalidateMfs(path string) {
	c.invalidateTag(mfsTag(path))
}

func (c *Cache) invalidateTag(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.byTag[tag]
	for k := range keys {
		delete(c.entries, k)
	}
	delete(c.byTag, tag)
	log.Debugw("cache tag invalidated", "tag", tag, "entries", len(keys))
}

// ResolveMfsFolderToCidCached resolves mfs to a CID, caching the result
// under the {mfs:P} tag.
func (c *Cache) ResolveMfsFolderToCidCached(ctx context.Context, mfs string) (cid.Cid, bool, error) {
	key := "cid:(mfs-path):" + mfs
	if v, ok := c.get(key); ok {
		cached := v.(cid.Cid)
		return cached, cached != cid.Undef, nil
	}
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		id, err := c.api.ResolveMfsFolderToCid(ctx, mfs)
		if err != nil {
			return cid.Undef, err
		}
		c.set(key, id, mfsTag(mfs))
		return id, nil
	})
	if err != nil {
		return cid.Undef, false, err
	}
	id := v.(cid.Cid)
	return id, id != cid.Undef, nil
}

// IsCidLocalCached checks pin/block locality, caching under {cid:X}.
func (c *Cache) IsCidLocalCached(ctx context.Context, id cid.Cid) (bool, error) {
	key := "local:" + id.String()
	if v, ok := c.get(key); ok {
		return v.(bool), nil
	}
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		local, err := c.api.IsCidLocal(ctx, id)
		if err != nil {
			return false, err
		}
		c.set(key, local, cidTag(id))
		return local, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (c *Cache) lsDirCached(ctx context.Context, id cid.Cid, dirLower, dirActual string) (map[string]string, error) {
	key := fmt.Sprintf("ls:(%s,%s)", id.String(), dirLower)
	if v, ok := c.get(key); ok {
		return v.(map[string]string), nil
	}
	lsArg := id.String()
	if dirActual != "" {
		lsArg = id.String() + "/" + dirActual
	}
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		names, err := c.api.ListDir(ctx, lsArg)
		if err != nil {
			return map[string]string{}, err
		}
		c.set(key, names, cidTag(id))
		return names, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}

// PathExistsInIPFS implements spec.md §4.2's three-step policy: cached
// resolve/exists, then a direct HEAD, then case-insensitive segment walk.
// It returns (exists, canonicalPath). A negative result is cached with an
// empty canonical path.
func (c *Cache) PathExistsInIPFS(ctx context.Context, id cid.Cid, inputPath string) (bool, string, error) {
	lowerInput := strings.ToLower(inputPath)
	resolveKey := fmt.Sprintf("resolve:(%s,%s)", id.String(), lowerInput)

	if v, ok := c.get(resolveKey); ok {
		canonical := v.(string)
		if canonical == "" {
			return false, "", nil
		}
		exists, err := c.existsCached(ctx, id, canonical)
		return exists, canonical, err
	}

	v, err, _ := c.sf.Do(resolveKey, func() (interface{}, error) {
		canonical, err := c.resolvePath(ctx, id, inputPath)
		if err != nil {
			return "", err
		}
		c.set(resolveKey, canonical, cidTag(id))
		return canonical, nil
	})
	if err != nil {
		return false, "", err
	}
	canonical := v.(string)
	if canonical == "" {
		return false, "", nil
	}
	exists, err := c.existsCached(ctx, id, canonical)
	return exists, canonical, err
}

func (c *Cache) existsCached(ctx context.Context, id cid.Cid, canonical string) (bool, error) {
	key := fmt.Sprintf("exists:(%s,%s)", id.String(), canonical)
	if v, ok := c.get(key); ok {
		return v.(bool), nil
	}
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		exists, err := c.headExists(ctx, id, canonical)
		if err != nil {
			return false, err
		}
		c.set(key, exists, cidTag(id))
		return exists, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (c *Cache) headExists(ctx context.Context, id cid.Cid, p string) (bool, error) {
	resp, err := c.api.HeadGateway(ctx, joinIpfsPath(id, p))
	if err != nil {
		return false, nil // HEAD failures are treated as "not found", not a hard error
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// resolvePath performs the (ii)/(iii) steps of §4.2's policy: a direct
// HEAD for the input path as-is, then a case-insensitive segment walk via
// cached ls maps, re-HEADing the resolved canonical path.
func (c *Cache) resolvePath(ctx context.Context, id cid.Cid, inputPath string) (string, error) {
	trimmed := strings.Trim(inputPath, "/")

	if ok, err := c.headExists(ctx, id, trimmed); err == nil && ok {
		return trimmed, nil
	}

	if trimmed == "" {
		return "", nil
	}

	segments := strings.Split(trimmed, "/")
	canonicalSegs := make([]string, 0, len(segments))
	dir := ""
	for _, seg := range segments {
		names, err := c.lsDirCached(ctx, id, dir, strings.Join(canonicalSegs, "/"))
		if err != nil {
			return "", nil
		}
		actual, ok := names[strings.ToLower(seg)]
		if !ok {
			return "", nil
		}
		canonicalSegs = append(canonicalSegs, actual)
		if dir == "" {
			dir = strings.ToLower(actual)
		} else {
			dir = dir + "/" + strings.ToLower(actual)
		}
	}
	canonical := strings.Join(canonicalSegs, "/")
	if ok, err := c.headExists(ctx, id, canonical); err == nil && ok {
		return canonical, nil
	}
	return "", nil
}

func joinIpfsPath(id cid.Cid, p string) string {
	if p == "" {
		return "/ipfs/" + id.String()
	}
	return "/ipfs/" + id.String() + "/" + p
}
