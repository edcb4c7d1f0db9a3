// Package reverseproxy is the single streaming forward (spec.md §4.3, C3)
// used by every proxied surface: admin/API, /ipfs, /ipns, and the mapped
// domain gateway. It never lets an error escape past the dispatcher —
// every failure is returned as a classified, non-panicking result, the
// same discipline the teacher's gateway handler applies via webError.
package reverseproxy

import (
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("truthgate/reverseproxy")

// hopByHop headers are never copied in either direction (spec.md §4.3.2).
var hopByHop = map[string]bool{
	"Connection":          true,
	"Proxy-Connection":     true,
	"Keep-Alive":           true,
	"Transfer-Encoding":    true,
	"Te":                   true,
	"Trailer":              true,
	"Upgrade":              true,
}

var conditionalHeaders = []string{"If-None-Match", "If-Modified-Since"}

// Options tunes one forward call.
type Options struct {
	// FreshFetch strips conditional headers from the outbound request
	// (used by the stale-cache retry, spec.md §4.3.2).
	FreshFetch bool
	// RewriteIndexForCid, when true, enables the SPA root rewrite
	// (spec.md §4.3 step 4): root-absolute URLs in an HTML response are
	// rewritten to be prefixed with BasePrefix.
	RewriteIndexForCid bool
	BasePrefix         string
	// IsIndexLike marks the logical request as index-like (empty rest,
	// trailing slash, or index.html) — required for the rewrite to apply.
	IsIndexLike bool
}

// Result is the classified outcome of a forward (spec.md §4.3 failure
// classification): Ok is false iff the upstream status is not 2xx, or is
// exactly 404 or 410 — the signal the dispatcher uses to decide on a
// stale-cache retry (spec.md §4.5.2).
type Result struct {
	Ok     bool
	Status int
}

// Proxy performs streaming HTTP forwards with header scrubbing and
// optional SPA-root HTML rewriting.
type Proxy struct {
	hc *http.Client
}

// New constructs a Proxy with a bounded-timeout client. The gateway's own
// listener enforces the outer request deadline; this timeout is a
// fallback against a wedged upstream.
func New() *Proxy {
	return &Proxy{hc: &http.Client{
		Timeout: 2 * time.Minute,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

// FetchResult is a fully-buffered upstream response, used by callers that
// may need to retry before committing anything to the client (spec.md
// §4.5.2's single stale-cache-retry).
type FetchResult struct {
	Result
	Header http.Header
	Body   []byte
}

// Fetch performs the same outbound request as Forward, except that it
// never sends a request body, and buffers the response instead of
// streaming it to a client, so the caller can inspect
// Result.Ok and decide whether to retry before writing anything.
func (p *Proxy) Fetch(r *http.Request, targetURL string, opts Options) (FetchResult, error) {
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, nil)
	if err != nil {
		return FetchResult{}, err
	}
	copyHeaders(outReq.Header, r.Header, opts.FreshFetch)

	resp, err := p.hc.Do(outReq)
	if err != nil {
		log.Debugw("proxy fetch transport error", "target", targetURL, "err", err)
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return FetchResult{}, err
	}
	if opts.RewriteIndexForCid && opts.IsIndexLike && isHTML(resp.Header.Get("Content-Type")) {
		body = rewriteRootAbsoluteURLs(body, opts.BasePrefix)
	}

	result := Result{Status: resp.StatusCode}
	result.Ok = resp.StatusCode/100 == 2 && resp.StatusCode != 404 && resp.StatusCode != 410
	return FetchResult{Result: result, Header: resp.Header.Clone(), Body: body}, nil
}

// WriteBuffered writes a previously-Fetch'd response to w, scrubbing
// headers and fixing up Content-Length for any rewritten body.
func WriteBuffered(w http.ResponseWriter, fr FetchResult) error {
	outHeader := w.Header()
	for k, vals := range fr.Header {
		if hopByHop[k] || k == "Transfer-Encoding" || k == "Content-Length" {
			continue
		}
		for _, v := range vals {
			outHeader.Add(k, v)
		}
	}
	outHeader.Set("Access-Control-Allow-Origin", "*")
	outHeader.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	outHeader.Set("Access-Control-Allow-Headers", "*")
	outHeader.Set("Content-Length", strconv.Itoa(len(fr.Body)))
	w.WriteHeader(fr.Status)
	_, err := w.Write(fr.Body)
	return err
}

// Forward builds an outbound request to targetURL reusing the inbound
// method/body, scrubs headers per spec.md §4.3, streams the response back
// to w, and returns the failure-classification Result.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, targetURL string, opts Options) (Result, error) {
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, nil)
	if err != nil {
		return Result{}, err
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		outReq.Body = r.Body
		outReq.ContentLength = r.ContentLength
	}

	copyHeaders(outReq.Header, r.Header, opts.FreshFetch)

	resp, err := p.hc.Do(outReq)
	if err != nil {
		log.Debugw("proxy forward transport error", "target", targetURL, "err", err)
		return Result{}, err
	}
	defer resp.Body.Close()

	result := Result{Status: resp.StatusCode}
	result.Ok = resp.StatusCode/100 == 2 && resp.StatusCode != 404 && resp.StatusCode != 410

	outHeader := w.Header()
	for k, vals := range resp.Header {
		if hopByHop[k] || k == "Transfer-Encoding" {
			continue
		}
		for _, v := range vals {
			outHeader.Add(k, v)
		}
	}
	outHeader.Set("Access-Control-Allow-Origin", "*")
	outHeader.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	outHeader.Set("Access-Control-Allow-Headers", "*")

	if opts.RewriteIndexForCid && opts.IsIndexLike && isHTML(resp.Header.Get("Content-Type")) {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return Result{}, err
		}
		rewritten := rewriteRootAbsoluteURLs(body, opts.BasePrefix)
		outHeader.Del("Content-Length")
		outHeader.Set("Content-Length", strconv.Itoa(len(rewritten)))
		w.WriteHeader(resp.StatusCode)
		_, err = w.Write(rewritten)
		return result, err
	}

	w.WriteHeader(resp.StatusCode)
	buf := make([]byte, 32*1024)
	_, err = io.CopyBuffer(w, resp.Body, buf)
	return result, err
}

func copyHeaders(dst, src http.Header, freshFetch bool) {
	for k, vals := range src {
		if k == "Host" || hopByHop[k] {
			continue
		}
		if freshFetch && isConditional(k) {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func isConditional(header string) bool {
	for _, h := range conditionalHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

func isHTML(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "text/html")
}

var rootAbsoluteAttr = regexp.MustCompile(`(href|src|action)="/([^"]*)"`)

// rewriteRootAbsoluteURLs prefixes href/src/action="/..." with basePrefix,
// so a SPA's absolute references resolve under /ipfs/<cid>/ (spec.md §4.3
// step 4).
func rewriteRootAbsoluteURLs(body []byte, basePrefix string) []byte {
	prefix := strings.TrimSuffix(basePrefix, "/")
	return rootAbsoluteAttr.ReplaceAll(body, []byte(`$1="`+prefix+`/$2"`))
}
