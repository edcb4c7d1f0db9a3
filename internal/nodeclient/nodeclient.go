// Package nodeclient is the typed client for the content-addressed node's
// local HTTP API (spec.md §4.1). Every call is a POST to 127.0.0.1,
// authenticated with the internal rotating key, and every failure is
// returned as a tagged *CallError rather than a raw HTTP exception —
// the same "classify, don't throw" discipline the teacher's gateway
// handler applies to its own errors (see internal/apierr).
package nodeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	cid "github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-multibase"
	mc "github.com/multiformats/go-multicodec"
)

var log = logging.Logger("truthgate/nodeclient")

// CallError classifies a failed node call. Upper layers switch on these
// flags instead of inspecting HTTP status codes themselves.
type CallError struct {
	NotFound  bool
	Transient bool
	Protocol  bool
	Status    int
	Err       error
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("node call failed (status=%d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("node call failed (status=%d)", e.Status)
}

func (e *CallError) Unwrap() error { return e.Err }

func classify(status int, err error) *CallError {
	ce := &CallError{Status: status, Err: err}
	switch {
	case err != nil && status == 0:
		ce.Transient = true
	case status == http.StatusNotFound:
		ce.NotFound = true
	case status >= 500:
		ce.Transient = true
	case status >= 400:
		ce.Protocol = true
	}
	return ce
}

// KeySource returns the current credential used to authenticate in-process
// calls to the node (the internal rotating key, see internal/auth).
type KeySource func() string

// Client is a thin, connection-pooled wrapper over the node's RPC API.
type Client struct {
	apiBase     string
	gatewayBase string
	key         KeySource
	hc          *http.Client
}

// New builds a Client targeting 127.0.0.1 on the given ports.
func New(apiPort, gatewayPort int, key KeySource) *Client {
	return &Client{
		apiBase:     fmt.Sprintf("http://127.0.0.1:%d/api/v0", apiPort),
		gatewayBase: fmt.Sprintf("http://127.0.0.1:%d", gatewayPort),
		key:         key,
		hc: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 64,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (c *Client) call(ctx context.Context, path string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	u := c.apiBase + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, classify(0, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.key != nil {
		if k := c.key(); k != "" {
			req.Header.Set("Authorization", "Bearer "+k)
		}
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		log.Debugw("node call transport error", "path", path, "err", err)
		return nil, classify(0, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Debugw("node call failed", "path", path, "status", resp.StatusCode)
		return nil, classify(resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(b))))
	}
	return resp, nil
}

func decodeJSON(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

// filesStatResponse mirrors the node's files/stat JSON shape.
type filesStatResponse struct {
	Hash string
	Size uint64
	Type string
}

// ResolveMfsFolderToCid returns the Hash field of a files/stat response for
// mfsPath, or a NotFound-classified *CallError (spec.md §4.1).
func (c *Client) ResolveMfsFolderToCid(ctx context.Context, mfsPath string) (cid.Cid, error) {
	q := url.Values{"arg": {mfsPath}}
	resp, err := c.call(ctx, "/files/stat", q, nil, "")
	if err != nil {
		return cid.Undef, err
	}
	var out filesStatResponse
	if err := decodeJSON(resp, &out); err != nil {
		return cid.Undef, classify(0, err)
	}
	parsed, err := cid.Decode(out.Hash)
	if err != nil {
		return cid.Undef, classify(0, err)
	}
	return parsed, nil
}

// dirEntry mirrors one entry of an `ls`/`files/ls -l` response.
type dirEntry struct {
	Name string
	Hash string
	Size uint64
	Type int
}

type lsResponse struct {
	Objects []struct {
		Links []dirEntry
	}
}

// ListDir returns a mapping lower(name) -> actual-name for the directory
// addressed by cidOrPath (spec.md §4.1). The result is a plain Go map: the
// node's listing order is not kept, and iteration order is not defined.
func (c *Client) ListDir(ctx context.Context, cidOrPath string) (map[string]string, error) {
	q := url.Values{"arg": {cidOrPath}}
	resp, err := c.call(ctx, "/ls", q, nil, "")
	if err != nil {
		return nil, err
	}
	var out lsResponse
	if err := decodeJSON(resp, &out); err != nil {
		return nil, classify(0, err)
	}
	names := make(map[string]string)
	for _, obj := range out.Objects {
		for _, l := range obj.Links {
			names[strings.ToLower(l.Name)] = l.Name
		}
	}
	return names, nil
}

// IsCidLocal returns true iff `pin/ls` succeeds OR `block/stat` succeeds,
// checking pinned status first (order matters per spec.md §4.1).
func (c *Client) IsCidLocal(ctx context.Context, id cid.Cid) (bool, error) {
	q := url.Values{"arg": {id.String()}}
	if _, err := c.call(ctx, "/pin/ls", q, nil, ""); err == nil {
		return true, nil
	}
	if _, err := c.call(ctx, "/block/stat", q, nil, ""); err == nil {
		return true, nil
	}
	return false, nil
}

// FormatCid normalizes cid between v0/base58btc and v1/base32 (spec.md
// §4.1, invariant 9). version must be 0 or 1.
func FormatCid(id cid.Cid, version int, base multibase.Encoding) (cid.Cid, error) {
	switch version {
	case 0:
		if id.Type() != uint64(mc.DagPb) {
			return cid.Undef, fmt.Errorf("cid with codec %d has no v0 representation", id.Type())
		}
		return cid.NewCidV0(id.Hash()), nil
	case 1:
		v1 := cid.NewCidV1(id.Type(), id.Hash())
		// the base is carried by the string encoding, not the Cid value
		// itself; callers needing an explicit base call EncodeWithBase.
		_ = base
		return v1, nil
	default:
		return cid.Undef, fmt.Errorf("unsupported cid version %d", version)
	}
}

// EncodeWithBase renders id using the requested multibase encoding
// (meaningful for CIDv1; CIDv0 is always base58btc without a multibase
// prefix).
func EncodeWithBase(id cid.Cid, base multibase.Encoding) (string, error) {
	if id.Version() == 0 {
		return id.String(), nil
	}
	return multibase.Encode(base, id.Bytes())
}

// PinAdd pins id, recursively when recursive is true (spec.md §4.1).
func (c *Client) PinAdd(ctx context.Context, id cid.Cid, recursive bool) error {
	q := url.Values{"arg": {id.String()}, "recursive": {strconv.FormatBool(recursive)}}
	_, err := c.call(ctx, "/pin/add", q, nil, "")
	return err
}

// FilesCpFromIpfs copies /ipfs/<cid> into the MFS path dst.
func (c *Client) FilesCpFromIpfs(ctx context.Context, id cid.Cid, dst string) error {
	q := url.Values{"arg": {"/ipfs/" + id.String(), dst}}
	_, err := c.call(ctx, "/files/cp", q, nil, "")
	return err
}

// FilesMkdir creates path, with parents by default (spec.md §4.1).
func (c *Client) FilesMkdir(ctx context.Context, path string, parents bool) error {
	q := url.Values{"arg": {path}, "parents": {strconv.FormatBool(parents)}}
	_, err := c.call(ctx, "/files/mkdir", q, nil, "")
	return err
}

// FilesWrite streams r into path with create+truncate+parents set.
func (c *Client) FilesWrite(ctx context.Context, path string, r io.Reader, mimeType string) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", "data")
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	q := url.Values{
		"arg":      {path},
		"create":   {"true"},
		"truncate": {"true"},
		"parents":  {"true"},
	}
	_, err := c.call(ctx, "/files/write", q, pr, mw.FormDataContentType())
	_ = mimeType // the node infers content from UnixFS, not an HTTP header
	return err
}

// FilesMv moves src to dst within MFS.
func (c *Client) FilesMv(ctx context.Context, src, dst string) error {
	q := url.Values{"arg": {src, dst}}
	_, err := c.call(ctx, "/files/mv", q, nil, "")
	return err
}

// FilesRm removes path, optionally recursively.
func (c *Client) FilesRm(ctx context.Context, path string, recursive bool) error {
	q := url.Values{"arg": {path}, "recursive": {strconv.FormatBool(recursive)}}
	_, err := c.call(ctx, "/files/rm", q, nil, "")
	return err
}

type namePublishResponse struct {
	Name  string
	Value string
}

// NamePublish publishes cid under the given key name with the given ttl.
func (c *Client) NamePublish(ctx context.Context, keyName string, id cid.Cid, ttl time.Duration) error {
	q := url.Values{
		"arg":      {"/ipfs/" + id.String()},
		"key":      {keyName},
		"lifetime": {"24h"},
		"ttl":      {ttl.String()},
	}
	resp, err := c.call(ctx, "/name/publish", q, nil, "")
	if err != nil {
		return err
	}
	var out namePublishResponse
	return decodeJSON(resp, &out)
}

type nameResolveResponse struct {
	Path string
}

// NameResolve resolves an IPNS name to its currently published path.
func (c *Client) NameResolve(ctx context.Context, name string) (string, error) {
	q := url.Values{"arg": {name}}
	resp, err := c.call(ctx, "/name/resolve", q, nil, "")
	if err != nil {
		return "", err
	}
	var out nameResolveResponse
	if err := decodeJSON(resp, &out); err != nil {
		return "", classify(0, err)
	}
	return out.Path, nil
}

// KeyInfo mirrors one entry of a key/list response.
type KeyInfo struct {
	Name string
	Id   string
}

type keyListResponse struct {
	Keys []KeyInfo
}

// KeyList lists IPNS keys known to the node.
func (c *Client) KeyList(ctx context.Context) ([]KeyInfo, error) {
	resp, err := c.call(ctx, "/key/list", nil, nil, "")
	if err != nil {
		return nil, err
	}
	var out keyListResponse
	if err := decodeJSON(resp, &out); err != nil {
		return nil, classify(0, err)
	}
	return out.Keys, nil
}

// KeyGen creates a new IPNS key under name.
func (c *Client) KeyGen(ctx context.Context, name string) (KeyInfo, error) {
	q := url.Values{"arg": {name}}
	resp, err := c.call(ctx, "/key/gen", q, nil, "")
	if err != nil {
		return KeyInfo{}, err
	}
	var out KeyInfo
	if err := decodeJSON(resp, &out); err != nil {
		return KeyInfo{}, classify(0, err)
	}
	return out, nil
}

// KeyExport returns the armored, passphrase-protected export of name.
func (c *Client) KeyExport(ctx context.Context, name, passphrase string) (string, error) {
	q := url.Values{"arg": {name}, "password": {passphrase}}
	resp, err := c.call(ctx, "/key/export", q, nil, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classify(0, err)
	}
	return string(b), nil
}

// KeyImport imports an armored export under name.
func (c *Client) KeyImport(ctx context.Context, name, passphrase, armored string) (KeyInfo, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", name+".key")
		if err == nil {
			_, err = part.Write([]byte(armored))
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()
	q := url.Values{"arg": {name}, "password": {passphrase}}
	resp, err := c.call(ctx, "/key/import", q, pr, mw.FormDataContentType())
	if err != nil {
		return KeyInfo{}, err
	}
	var out KeyInfo
	if err := decodeJSON(resp, &out); err != nil {
		return KeyInfo{}, classify(0, err)
	}
	return out, nil
}

// HeadGateway issues a HEAD request against the node's own read-only
// gateway for path, returning the node's response, whose body the caller
// closes (used by internal/rescache to probe existence without a full GET
// body).
func (c *Client) HeadGateway(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.gatewayBase+path, nil)
	if err != nil {
		return nil, classify(0, err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, classify(0, err)
	}
	return resp, nil
}

// GatewayURL renders the absolute node-gateway URL for a /ipfs or /ipns
// logical path, for internal/reverseproxy to forward to.
func (c *Client) GatewayURL(path string) string {
	return c.gatewayBase + path
}
