package nodeclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	cid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCidStr = "QmPChd2hVbrJ6bfo3WBcTW4iZnpHm8TEzWkLHmLpXhF68A"

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return New(port, port, func() string { return "test-internal-key" })
}

func TestResolveMfsFolderToCidDecodesHash(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v0/files/stat", r.URL.Path)
		assert.Equal(t, "Bearer test-internal-key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(filesStatResponse{Hash: testCidStr, Size: 10, Type: "directory"})
	}))

	got, err := c.ResolveMfsFolderToCid(context.Background(), "/production/sites/example-com")
	require.NoError(t, err)
	assert.Equal(t, testCidStr, got.String())
}

func TestResolveMfsFolderToCidNotFoundClassified(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such file or directory", http.StatusNotFound)
	}))

	_, err := c.ResolveMfsFolderToCid(context.Background(), "/production/sites/missing")
	require.Error(t, err)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.NotFound)
}

func TestIsCidLocalTrueOnPinned(t *testing.T) {
	var blockStatCalled bool
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v0/pin/ls":
			w.Write([]byte(`{}`))
		case "/api/v0/block/stat":
			blockStatCalled = true
			w.Write([]byte(`{}`))
		}
	}))

	id, err := cid.Decode(testCidStr)
	require.NoError(t, err)
	local, err := c.IsCidLocal(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, local)
	assert.False(t, blockStatCalled, "pin/ls success should short-circuit block/stat")
}

func TestIsCidLocalFallsBackToBlockStat(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v0/pin/ls":
			http.Error(w, "not pinned", http.StatusInternalServerError)
		case "/api/v0/block/stat":
			w.Write([]byte(`{}`))
		}
	}))

	id, err := cid.Decode(testCidStr)
	require.NoError(t, err)
	local, err := c.IsCidLocal(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, local)
}

func TestIsCidLocalFalseWhenNeitherSucceeds(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))

	id, err := cid.Decode(testCidStr)
	require.NoError(t, err)
	local, err := c.IsCidLocal(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, local)
}

func TestFormatCidConvertsDagPbBetweenVersions(t *testing.T) {
	id, err := cid.Decode(testCidStr)
	require.NoError(t, err)

	v0, err := FormatCid(id, 0, multibase.Base58BTC)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v0.Version())

	v1, err := FormatCid(id, 1, multibase.Base32)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1.Version())

	encoded, err := EncodeWithBase(v1, multibase.Base32)
	require.NoError(t, err)
	assert.Equal(t, byte('b'), encoded[0], "base32 multibase strings are prefixed with 'b'")
}

func TestEncodeWithBaseV0IsBareBase58(t *testing.T) {
	id, err := cid.Decode(testCidStr)
	require.NoError(t, err)
	encoded, err := EncodeWithBase(id, multibase.Base58BTC)
	require.NoError(t, err)
	assert.Equal(t, testCidStr, encoded)
}
