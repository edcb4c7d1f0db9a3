package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	cid "github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/truthgate/gateway/internal/domain"
	"github.com/truthgate/gateway/internal/nodeclient"
	"github.com/truthgate/gateway/internal/rescache"
	"github.com/truthgate/gateway/internal/store"
)

var log = logging.Logger("truthgate/publish")

// Job is a publish job, owned by the Queue from creation until terminal
// success or failure (spec.md §3).
type Job struct {
	ID          string    `json:"id"`
	Domain      string    `json:"domain"`
	SiteLeaf    string    `json:"siteLeaf"`
	TgpLeaf     string    `json:"tgpLeaf"`
	StagingRoot string    `json:"stagingRoot"`
	Note        string    `json:"note,omitempty"`
	Status      string    `json:"status"` // "queued", "running", "done", "failed"
	Error       string    `json:"error,omitempty"`
	CreatedUtc  time.Time `json:"createdUtc"`
}

func jobKey(id string) string { return "publish/job/" + id }

// IpnsSubmitter hands a resolved CID off to the bounded IPNS updater
// worker pool (C9), decoupling the publish queue from its scheduling.
type IpnsSubmitter interface {
	Submit(keyName string, id cid.Cid)
}

// Queue is the publish job queue of spec.md §4.8: one worker goroutine
// per job, serialized per site folder so two publishes to the same domain
// cannot race the atomic swap step. The number of jobs running at once
// for different sites is not bounded.
type Queue struct {
	node   *nodeclient.Client
	cache  *rescache.Cache
	store  *store.Store
	ipns   IpnsSubmitter
	config *domain.Config

	mu          sync.Mutex
	siteLocks   map[string]*sync.Mutex
	onDomainSave func(domain.EdgeDomain)
}

// NewQueue constructs a Queue. onDomainSave, if non-nil, is called after
// each successful publish with the updated EdgeDomain record so the
// caller can persist it into the live configuration.
func NewQueue(node *nodeclient.Client, cache *rescache.Cache, s *store.Store, ipns IpnsSubmitter, cfg *domain.Config, onDomainSave func(domain.EdgeDomain)) *Queue {
	return &Queue{
		node:         node,
		cache:        cache,
		store:        s,
		ipns:         ipns,
		config:       cfg,
		siteLocks:    make(map[string]*sync.Mutex),
		onDomainSave: onDomainSave,
	}
}

func (q *Queue) lockFor(siteLeaf string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.siteLocks[siteLeaf]
	if !ok {
		l = &sync.Mutex{}
		q.siteLocks[siteLeaf] = l
	}
	return l
}

// Enqueue creates a Job record with a freshly generated id and launches
// its worker goroutine, per spec.md §4.8's "reply 202 with the job id"
// contract.
func (q *Queue) Enqueue(ctx context.Context, dom domain.EdgeDomain, stagingRoot, note string) Job {
	return q.enqueueWithID(ctx, dom, uuid.NewString(), stagingRoot, note)
}

// enqueueWithID is Enqueue with a caller-supplied job id, used by Ingest
// which must know the id before staging writes begin so both share the
// same staging path.
func (q *Queue) enqueueWithID(ctx context.Context, dom domain.EdgeDomain, jobID, stagingRoot, note string) Job {
	job := Job{
		ID:          jobID,
		Domain:      dom.Domain,
		SiteLeaf:    dom.SiteFolderLeaf,
		TgpLeaf:     dom.TgpFolderLeaf,
		StagingRoot: stagingRoot,
		Note:        note,
		Status:      "queued",
		CreatedUtc:  time.Now().UTC(),
	}
	if q.store != nil {
		_ = q.store.PutJSON(jobKey(job.ID), job, 0)
	}
	go q.run(context.Background(), dom, job)
	return job
}

func (q *Queue) saveJob(job Job) {
	if q.store != nil {
		_ = q.store.PutJSON(jobKey(job.ID), job, 24*time.Hour)
	}
}

// run executes the queue worker's steps 1-5 of spec.md §4.8, serialized
// per site folder so concurrent publishes to the same domain cannot
// interleave their swap steps.
func (q *Queue) run(ctx context.Context, dom domain.EdgeDomain, job Job) {
	lock := q.lockFor(job.SiteLeaf)
	lock.Lock()
	defer lock.Unlock()

	job.Status = "running"
	q.saveJob(job)

	newCid, err := q.node.ResolveMfsFolderToCid(ctx, job.StagingRoot)
	if err != nil {
		job.Status = "failed"
		job.Error = fmt.Sprintf("staging resolve failed: %v", err)
		q.saveJob(job)
		log.Warnw("publish job failed at staging resolve", "job", job.ID, "err", err)
		return
	}

	oldCid, err := q.swap(ctx, dom, job.StagingRoot, newCid)
	if err != nil {
		job.Status = "failed"
		job.Error = fmt.Sprintf("swap failed: %v", err)
		q.saveJob(job)
		log.Warnw("publish job failed at swap", "job", job.ID, "err", err)
		return
	}

	if err := q.updateTgpPointer(ctx, dom, newCid, oldCid); err != nil {
		log.Warnw("tgp pointer update failed", "job", job.ID, "err", err)
	}

	q.cache.InvalidateCid(newCid)
	if oldCid != cid.Undef {
		q.cache.InvalidateCid(oldCid)
	}
	q.cache.InvalidateMfs(dom.SiteMfsPath())

	keyName := dom.IPNSKeyName
	if keyName == "" {
		keyName = dom.SiteFolderLeaf
	}
	if _, err := q.node.KeyGen(ctx, keyName); err != nil {
		log.Debugw("ipns key already exists or gen failed, continuing", "key", keyName, "err", err)
	}
	if q.ipns != nil {
		q.ipns.Submit(keyName, newCid)
	}

	dom.LastPublishedCid = newCid.String()
	dom.IPNSKeyName = keyName
	if q.onDomainSave != nil {
		q.onDomainSave(dom)
	}

	job.Status = "done"
	q.saveJob(job)
	log.Infow("publish job completed", "job", job.ID, "domain", dom.Domain, "cid", newCid.String())
}

// swap implements spec.md §4.8 step 2: move the current production site
// aside to "<site>.old-<ts>", move staging into place, pin the new root;
// on any failure, restore the aside copy. Returns the prior CID, or
// cid.Undef if there was no prior production site.
func (q *Queue) swap(ctx context.Context, dom domain.EdgeDomain, stagingRoot string, newCid cid.Cid) (cid.Cid, error) {
	const parent = "/production/sites"
	if err := q.node.FilesMkdir(ctx, parent, true); err != nil {
		return cid.Undef, err
	}

	sitePath := dom.SiteMfsPath()
	oldCid, _ := q.node.ResolveMfsFolderToCid(ctx, sitePath)
	hadPrior := oldCid != cid.Undef

	asidePath := fmt.Sprintf("%s.old-%d", sitePath, time.Now().UTC().Unix())
	if hadPrior {
		if err := q.node.FilesMv(ctx, sitePath, asidePath); err != nil {
			return cid.Undef, fmt.Errorf("moving prior site aside: %w", err)
		}
	}

	if err := q.node.FilesMv(ctx, stagingRoot, sitePath); err != nil {
		if hadPrior {
			if rbErr := q.node.FilesMv(ctx, asidePath, sitePath); rbErr != nil {
				log.Warnw("swap rollback failed", "domain", dom.Domain, "err", rbErr)
			}
		}
		return cid.Undef, fmt.Errorf("moving staging into place: %w", err)
	}

	if err := q.node.PinAdd(ctx, newCid, true); err != nil {
		if hadPrior {
			_ = q.node.FilesMv(ctx, sitePath, stagingRoot)
			if rbErr := q.node.FilesMv(ctx, asidePath, sitePath); rbErr != nil {
				log.Warnw("swap rollback failed after pin error", "domain", dom.Domain, "err", rbErr)
			}
		}
		return cid.Undef, fmt.Errorf("pinning new root: %w", err)
	}

	return oldCid, nil
}

// tgpPointer is the JSON shape at MFS /production/pinned/<tgpLeaf>/tgp.json
// (spec.md §6).
type tgpPointer struct {
	Current  string  `json:"current"`
	Previous *string `json:"previous"`
	Ts       string  `json:"ts"`
}

func (q *Queue) updateTgpPointer(ctx context.Context, dom domain.EdgeDomain, newCid, oldCid cid.Cid) error {
	dir := dom.TgpMfsPath()
	if err := q.node.FilesMkdir(ctx, dir, true); err != nil {
		return err
	}
	ptr := tgpPointer{
		Current: "/ipfs/" + newCid.String(),
		Ts:      time.Now().UTC().Format(time.RFC3339),
	}
	if oldCid != cid.Undef {
		previous := "/ipfs/" + oldCid.String()
		ptr.Previous = &previous
	}
	body, err := json.Marshal(ptr)
	if err != nil {
		return err
	}
	return q.node.FilesWrite(ctx, dir+"/tgp.json", bytes.NewReader(body), "application/json")
}
