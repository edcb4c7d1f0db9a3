// Package ipnsupdater implements the bounded IPNS publish worker pool of
// spec.md §4.9, C9: a fixed number of workers, singleflight-deduped
// in-flight publishes keyed by IPNS key name, a per-key cooldown, and
// exponential retry on failure capped at the cooldown interval.
package ipnsupdater

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	cid "github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/singleflight"

	"github.com/truthgate/gateway/internal/nodeclient"
)

var log = logging.Logger("truthgate/ipnsupdater")

// DefaultWorkers is the bounded pool size named in spec.md §4.9.
const DefaultWorkers = 4

// DefaultCooldown is the minimum interval between two publishes of the
// same IPNS key name.
const DefaultCooldown = 10 * time.Minute

// publishTTL is the fixed IPNS record TTL passed as --ttl on every
// publish (spec.md §4.9); the record lifetime sent with it is 24h (see
// nodeclient.NamePublish). Independent of the cooldown: resolvers may
// re-check a cached record after a minute, but workers won't re-publish
// the same key for the full cooldown, so the record they find is the
// last one published until the next publish lands.
const publishTTL = time.Minute

type request struct {
	keyName string
	id      cid.Cid
}

// Updater is the bounded worker pool. Requests queue on an internal
// buffered channel (256 entries) and are drained by a fixed set of
// goroutines, so a slow node/publish can never exceed the worker count's
// amount of concurrent in-flight publishes.
type Updater struct {
	node     *nodeclient.Client
	workers  int
	cooldown time.Duration

	queue chan request
	sf    singleflight.Group

	mu       sync.Mutex
	lastRun  map[string]time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs an Updater. workers<=0 defaults to DefaultWorkers;
// cooldown<=0 defaults to DefaultCooldown.
func New(node *nodeclient.Client, workers int, cooldown time.Duration) *Updater {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Updater{
		node:     node,
		workers:  workers,
		cooldown: cooldown,
		queue:    make(chan request, 256),
		lastRun:  make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the worker pool.
func (u *Updater) Start() {
	for i := 0; i < u.workers; i++ {
		u.wg.Add(1)
		go u.worker()
	}
}

// Stop signals every worker to drain and exit, waiting for completion.
func (u *Updater) Stop() {
	u.stopOnce.Do(func() { close(u.stopCh) })
	u.wg.Wait()
}

// Submit enqueues a publish of id under keyName. It returns at once while
// the channel buffer has room (the buffer absorbs normal publish bursts
// from the publish pipeline, C8); when the buffer is full it blocks until
// a worker takes a request or Stop is called. Once Stop has been called,
// the request may be dropped.
func (u *Updater) Submit(keyName string, id cid.Cid) {
	select {
	case u.queue <- request{keyName: keyName, id: id}:
	case <-u.stopCh:
	}
}

func (u *Updater) worker() {
	defer u.wg.Done()
	for {
		select {
		case req := <-u.queue:
			u.handle(req)
		case <-u.stopCh:
			for {
				select {
				case req := <-u.queue:
					u.handle(req)
				default:
					return
				}
			}
		}
	}
}

// handle deduplicates concurrent requests for the same key name via
// singleflight, enforces the per-key cooldown, and retries failures with
// exponential backoff capped at the cooldown interval (spec.md §4.9).
func (u *Updater) handle(req request) {
	u.mu.Lock()
	last, ok := u.lastRun[req.keyName]
	u.mu.Unlock()
	if ok {
		if wait := u.cooldown - time.Since(last); wait > 0 {
			time.Sleep(wait)
		}
	}

	_, _, _ = u.sf.Do(req.keyName, func() (interface{}, error) {
		err := u.publishWithRetry(req)
		u.mu.Lock()
		u.lastRun[req.keyName] = time.Now()
		u.mu.Unlock()
		return nil, err
	})
}

func (u *Updater) publishWithRetry(req request) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = u.cooldown
	bo := backoff.WithMaxRetries(b, 10)

	ctx, cancel := context.WithTimeout(context.Background(), u.cooldown)
	defer cancel()

	op := func() error {
		return u.node.NamePublish(ctx, req.keyName, req.id, publishTTL)
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		log.Warnw("ipns publish failed after retries", "key", req.keyName, "cid", req.id.String(), "err", err)
		return err
	}
	log.Infow("ipns publish succeeded", "key", req.keyName, "cid", req.id.String())
	return nil
}
