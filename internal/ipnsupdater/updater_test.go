package ipnsupdater

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	cid "github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truthgate/gateway/internal/nodeclient"
)

const testCidStr = "QmPChd2hVbrJ6bfo3WBcTW4iZnpHm8TEzWkLHmLpXhF68A"

func newTestNode(t *testing.T, publishCalls *int32) *nodeclient.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v0/name/publish" {
			atomic.AddInt32(publishCalls, 1)
			w.Write([]byte(`{"Name":"k","Value":"/ipfs/` + testCidStr + `"}`))
			return
		}
		http.Error(w, "unexpected path", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return nodeclient.New(port, port, func() string { return "" })
}

func TestUpdaterPublishesSubmittedRequest(t *testing.T) {
	var calls int32
	node := newTestNode(t, &calls)
	u := New(node, 2, time.Millisecond)
	u.Start()
	defer u.Stop()

	id, err := cid.Decode(testCidStr)
	require.NoError(t, err)
	u.Submit("site-key", id)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestUpdaterStopDrainsWorkersCleanly(t *testing.T) {
	var calls int32
	node := newTestNode(t, &calls)
	u := New(node, 1, time.Millisecond)
	u.Start()

	id, err := cid.Decode(testCidStr)
	require.NoError(t, err)
	u.Submit("another-key", id)

	done := make(chan struct{})
	go func() {
		u.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return; worker pool failed to drain")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestNewAppliesDefaults(t *testing.T) {
	u := New(nil, 0, 0)
	assert.Equal(t, DefaultWorkers, u.workers)
	assert.Equal(t, DefaultCooldown, u.cooldown)
}
