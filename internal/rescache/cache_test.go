package rescache

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cid "github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCidStr = "QmPChd2hVbrJ6bfo3WBcTW4iZnpHm8TEzWkLHmLpXhF68A"

func testCid(t *testing.T) cid.Cid {
	t.Helper()
	id, err := cid.Decode(testCidStr)
	require.NoError(t, err)
	return id
}

// fakeNode is a NodeAPI test double that counts calls so tests can assert
// coalescing/caching actually avoided redundant upstream work.
type fakeNode struct {
	mu sync.Mutex

	resolveCalls int32
	resolveFn    func(ctx context.Context, mfsPath string) (cid.Cid, error)

	listCalls int32
	listFn    func(ctx context.Context, cidOrPath string) (map[string]string, error)

	localCalls int32
	localFn    func(ctx context.Context, id cid.Cid) (bool, error)

	headCalls int32
	headFn    func(ctx context.Context, path string) (*http.Response, error)
}

func (f *fakeNode) ResolveMfsFolderToCid(ctx context.Context, mfsPath string) (cid.Cid, error) {
	atomic.AddInt32(&f.resolveCalls, 1)
	return f.resolveFn(ctx, mfsPath)
}

func (f *fakeNode) ListDir(ctx context.Context, cidOrPath string) (map[string]string, error) {
	atomic.AddInt32(&f.listCalls, 1)
	return f.listFn(ctx, cidOrPath)
}

func (f *fakeNode) IsCidLocal(ctx context.Context, id cid.Cid) (bool, error) {
	atomic.AddInt32(&f.localCalls, 1)
	return f.localFn(ctx, id)
}

func (f *fakeNode) HeadGateway(ctx context.Context, path string) (*http.Response, error) {
	atomic.AddInt32(&f.headCalls, 1)
	return f.headFn(ctx, path)
}

func okResponse() *http.Response {
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(""))}
}

func notFoundResponse() *http.Response {
	return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader(""))}
}

func TestResolveMfsFolderToCidCachedAvoidsRepeatedCalls(t *testing.T) {
	id := testCid(t)
	node := &fakeNode{
		resolveFn: func(ctx context.Context, mfsPath string) (cid.Cid, error) { return id, nil },
	}
	c := New(node, time.Hour)

	got, ok, err := c.ResolveMfsFolderToCidCached(context.Background(), "/production/sites/example-com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, got)

	_, _, err = c.ResolveMfsFolderToCidCached(context.Background(), "/production/sites/example-com")
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&node.resolveCalls), "second call should be served from cache")
}

func TestInvalidateMfsForcesRefetch(t *testing.T) {
	id := testCid(t)
	node := &fakeNode{
		resolveFn: func(ctx context.Context, mfsPath string) (cid.Cid, error) { return id, nil },
	}
	c := New(node, time.Hour)
	mfs := "/production/sites/example-com"

	_, _, err := c.ResolveMfsFolderToCidCached(context.Background(), mfs)
	require.NoError(t, err)
	c.InvalidateMfs(mfs)

	_, _, err = c.ResolveMfsFolderToCidCached(context.Background(), mfs)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&node.resolveCalls))
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	id := testCid(t)
	node := &fakeNode{
		resolveFn: func(ctx context.Context, mfsPath string) (cid.Cid, error) { return id, nil },
	}
	c := New(node, time.Millisecond)

	_, _, err := c.ResolveMfsFolderToCidCached(context.Background(), "/x")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, _, err = c.ResolveMfsFolderToCidCached(context.Background(), "/x")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&node.resolveCalls))
}

func TestIsCidLocalCachedCoalescesConcurrentMisses(t *testing.T) {
	id := testCid(t)
	release := make(chan struct{})
	node := &fakeNode{
		localFn: func(ctx context.Context, id cid.Cid) (bool, error) {
			<-release
			return true, nil
		},
	}
	c := New(node, time.Hour)

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			local, err := c.IsCidLocalCached(context.Background(), id)
			assert.NoError(t, err)
			results[i] = local
		}(i)
	}
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.True(t, r)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&node.localCalls), "concurrent misses for the same key should coalesce into one upstream call")
}

func TestPathExistsInIPFSDirectHeadHit(t *testing.T) {
	id := testCid(t)
	node := &fakeNode{
		headFn: func(ctx context.Context, path string) (*http.Response, error) {
			return okResponse(), nil
		},
	}
	c := New(node, time.Hour)

	exists, canonical, err := c.PathExistsInIPFS(context.Background(), id, "/Index.html")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, "Index.html", canonical)
}

func TestPathExistsInIPFSCaseInsensitiveSegmentWalk(t *testing.T) {
	id := testCid(t)
	node := &fakeNode{
		headFn: func(ctx context.Context, path string) (*http.Response, error) {
			if path == "/ipfs/"+testCidStr+"/Assets/Logo.PNG" {
				return okResponse(), nil
			}
			return notFoundResponse(), nil
		},
		listFn: func(ctx context.Context, cidOrPath string) (map[string]string, error) {
			if cidOrPath == testCidStr {
				return map[string]string{"assets": "Assets"}, nil
			}
			return map[string]string{"logo.png": "Logo.PNG"}, nil
		},
	}
	c := New(node, time.Hour)

	exists, canonical, err := c.PathExistsInIPFS(context.Background(), id, "assets/logo.png")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, "Assets/Logo.PNG", canonical)
}

func TestPathExistsInIPFSNegativeResultIsCached(t *testing.T) {
	id := testCid(t)
	node := &fakeNode{
		headFn: func(ctx context.Context, path string) (*http.Response, error) {
			return notFoundResponse(), nil
		},
		listFn: func(ctx context.Context, cidOrPath string) (map[string]string, error) {
			return map[string]string{}, nil
		},
	}
	c := New(node, time.Hour)

	exists, canonical, err := c.PathExistsInIPFS(context.Background(), id, "missing.txt")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, canonical)

	headCallsAfterFirst := atomic.LoadInt32(&node.headCalls)
	_, _, err = c.PathExistsInIPFS(context.Background(), id, "missing.txt")
	require.NoError(t, err)
	assert.Equal(t, headCallsAfterFirst, atomic.LoadInt32(&node.headCalls), "negative result should be served from cache")
}
