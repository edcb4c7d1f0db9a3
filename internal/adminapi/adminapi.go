// Package adminapi implements the explicit truthgate admin/API routes of
// spec.md §6: publish/backup/import, domain CID/IPNS lookups, session
// login/logout, and the on-demand ACME issuance endpoints. Every handler
// here is mounted ahead of internal/dispatcher's catch-all in
// cmd/truthgated, so it runs under gorilla/mux's own routing rather than
// the dispatcher's six-step classification.
package adminapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-multibase"

	"github.com/truthgate/gateway/internal/apierr"
	"github.com/truthgate/gateway/internal/auth"
	"github.com/truthgate/gateway/internal/certs"
	"github.com/truthgate/gateway/internal/domain"
	"github.com/truthgate/gateway/internal/nodeclient"
	"github.com/truthgate/gateway/internal/publish"
	"github.com/truthgate/gateway/internal/ratelimit"
)

var log = logging.Logger("truthgate/adminapi")

// API wires the admin HTTP surface to its collaborators.
type API struct {
	Config   *domain.Config
	Node     *nodeclient.Client
	Ingest   *publish.Ingest
	Sessions *auth.Sessions
	Limiter  *ratelimit.Limiter
	Certs    *certs.Manager

	// VerifyAdminKey and VerifyInternalKey mirror the dispatcher's
	// credential checks so this surface honors the same precedence
	// (spec.md §4.5.1) without importing internal/dispatcher.
	VerifyAdminKey  func(presented string) bool
	VerifyInternalKey func(presented string) bool

	// SaveDomain persists an updated EdgeDomain record into the live
	// configuration; config loading/persistence is out of scope for this
	// module (spec.md §1), so the caller supplies this hook.
	SaveDomain func(domain.EdgeDomain)
}

// Register mounts every admin route on r under the truthgate API prefix.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/api/truthgate/v1/admin/{domain}/publish", a.requireAdmin(a.handlePublish)).Methods(http.MethodPost)
	r.HandleFunc("/api/truthgate/v1/admin/{domain}/backup", a.requireAdmin(a.handleBackup)).Methods(http.MethodGet)
	r.HandleFunc("/api/truthgate/v1/admin/import", a.requireAdmin(a.handleImport)).Methods(http.MethodPost)
	r.HandleFunc("/api/truthgate/v1/GetDomainCid", a.handleGetDomainCid).Methods(http.MethodGet)
	r.HandleFunc("/api/truthgate/v1/GetDomainIpns", a.handleGetDomainIpns).Methods(http.MethodGet)
	r.HandleFunc("/auth/login", a.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", a.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/_acme/issue/{host}", a.requireAdmin(a.handleAcmeIssue)).Methods(http.MethodPost)
	r.HandleFunc("/_acme/status/{host}", a.requireAdmin(a.handleAcmeStatus)).Methods(http.MethodGet)
}

// requireAdmin applies the same credential precedence as the dispatcher's
// admin surface (spec.md §4.5.1): internal rotating key, hashed admin
// key, or an authenticated session, gated by the admin rate limiter.
func (a *API) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		presented := candidateAdminKey(r)

		keyValid := a.VerifyInternalKey != nil && a.VerifyInternalKey(presented)
		if !keyValid && a.VerifyAdminKey != nil {
			keyValid = a.VerifyAdminKey(presented)
		}
		sessionValid := false
		if !keyValid {
			if _, ok := a.Sessions.CurrentUser(w, r); ok {
				keyValid = true
				sessionValid = true
			}
		}

		decision := a.Limiter.CheckAdmin(ip, keyValid || sessionValid)
		if !decision.Allowed {
			writeDecision(w, decision)
			return
		}
		if !keyValid {
			w.Header().Set("WWW-Authenticate", `ApiKey realm="/api"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func candidateAdminKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	if k := r.URL.Query().Get("api_key"); k != "" {
		return k
	}
	if k := r.URL.Query().Get("key"); k != "" {
		return k
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}

func writeDecision(w http.ResponseWriter, decision ratelimit.Decision) {
	if decision.RetryAfter > 0 {
		w.Header().Set("Retry-After", decision.RetryAfter.Round(time.Second).String())
	}
	status := decision.StatusCode
	if status == 0 {
		status = http.StatusForbidden
	}
	http.Error(w, http.StatusText(status), status)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugw("json encode failed", "err", err)
	}
}

func (a *API) findDomain(r *http.Request) (domain.EdgeDomain, bool) {
	name := mux.Vars(r)["domain"]
	return a.Config.FindDomain(name)
}

// handlePublish implements POST /api/truthgate/v1/admin/{domain}/publish
// (spec.md §6/§4.8): multipart ingest, normalization, staging, and
// enqueue, replying 202 with the job id.
func (a *API) handlePublish(w http.ResponseWriter, r *http.Request) {
	dom, ok := a.findDomain(r)
	if !ok {
		apierr.WriteHTTP(w, apierr.New(apierr.KindNotFoundLocal, "Unknown domain.", nil))
		return
	}
	job, err := a.Ingest.Accept(r.Context(), r, dom, r.URL.Query().Get("note"))
	if err != nil {
		if _, ok := err.(*publish.BadInputError); ok {
			apierr.WriteHTTP(w, apierr.New(apierr.KindBadRequest, err.Error(), err))
			return
		}
		apierr.WriteHTTP(w, apierr.New(apierr.KindUpstreamTransient, "Publish ingest failed.", err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, job)
}

// handleBackup implements GET /api/truthgate/v1/admin/{domain}/backup
// (spec.md §4.8/§6): seals the domain's IPNS key export and metadata
// under the caller-supplied passphrase.
func (a *API) handleBackup(w http.ResponseWriter, r *http.Request) {
	dom, ok := a.findDomain(r)
	if !ok {
		apierr.WriteHTTP(w, apierr.New(apierr.KindNotFoundLocal, "Unknown domain.", nil))
		return
	}
	passphrase := r.URL.Query().Get("passphrase")
	if passphrase == "" {
		apierr.WriteHTTP(w, apierr.New(apierr.KindBadRequest, "missing passphrase", nil))
		return
	}
	blob, err := publish.Backup(r.Context(), a.Node, dom, passphrase)
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindUpstreamTransient, "Backup failed.", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+dom.SiteFolderLeaf+`.truthgate-backup.json"`)
	_, _ = w.Write(blob)
}

// handleImport implements POST /api/truthgate/v1/admin/import (spec.md
// §4.8/§6): unseals a backup blob and restores the domain record, its
// IPNS key, and optionally its last-published content.
func (a *API) handleImport(w http.ResponseWriter, r *http.Request) {
	passphrase := r.URL.Query().Get("passphrase")
	if passphrase == "" {
		apierr.WriteHTTP(w, apierr.New(apierr.KindBadRequest, "missing passphrase", nil))
		return
	}
	defer r.Body.Close()
	var buf strings.Builder
	if _, err := buf.ReadFrom(r.Body); err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindBadRequest, "failed to read body", err))
		return
	}
	restoreContent := r.URL.Query().Get("restoreContent") == "true"

	dom, err := publish.Import(r.Context(), a.Node, []byte(buf.String()), passphrase, restoreContent)
	if err != nil {
		if _, ok := err.(*publish.ConflictError); ok {
			apierr.WriteHTTP(w, apierr.New(apierr.KindConflict, err.Error(), err))
			return
		}
		if _, ok := err.(*publish.BadInputError); ok {
			apierr.WriteHTTP(w, apierr.New(apierr.KindBadRequest, err.Error(), err))
			return
		}
		apierr.WriteHTTP(w, apierr.New(apierr.KindUpstreamTransient, "Import failed.", err))
		return
	}
	if a.SaveDomain != nil {
		a.SaveDomain(dom)
	}
	writeJSON(w, dom)
}

type domainCidResponse struct {
	Domain string `json:"domain"`
	CidV0  string `json:"cidv0,omitempty"`
	CidV1  string `json:"cidv1"`
}

// handleGetDomainCid implements GET /api/truthgate/v1/GetDomainCid?domain=
// (spec.md §6), resolving the domain's production MFS folder to its
// current CID and rendering both v0 and v1 forms (spec.md §4.1 invariant
// 9) when a v0 representation exists.
func (a *API) handleGetDomainCid(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("domain")
	dom, ok := a.Config.FindDomain(name)
	if !ok {
		apierr.WriteHTTP(w, apierr.New(apierr.KindNotFoundLocal, "Unknown domain.", nil))
		return
	}
	id, err := a.Node.ResolveMfsFolderToCid(r.Context(), dom.SiteMfsPath())
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindUpstreamTransient, "CID resolution failed.", err))
		return
	}
	resp := domainCidResponse{Domain: dom.Domain}
	if v0, err := nodeclient.FormatCid(id, 0, multibase.Base58BTC); err == nil {
		resp.CidV0 = v0.String()
	}
	if v1, err := nodeclient.FormatCid(id, 1, multibase.Base32); err == nil {
		if encoded, err := nodeclient.EncodeWithBase(v1, multibase.Base32); err == nil {
			resp.CidV1 = encoded
		}
	}
	writeJSON(w, resp)
}

type domainIpnsResponse struct {
	Domain           string `json:"domain"`
	IpnsKeyName      string `json:"ipnsKeyName"`
	IpnsPeerId       string `json:"ipnsPeerId"`
	LastPublishedCid string `json:"lastPublishedCid"`
}

// handleGetDomainIpns implements GET
// /api/truthgate/v1/GetDomainIpns?domain= (spec.md §6).
func (a *API) handleGetDomainIpns(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("domain")
	dom, ok := a.Config.FindDomain(name)
	if !ok {
		apierr.WriteHTTP(w, apierr.New(apierr.KindNotFoundLocal, "Unknown domain.", nil))
		return
	}
	writeJSON(w, domainIpnsResponse{
		Domain:           dom.Domain,
		IpnsKeyName:      dom.IPNSKeyName,
		IpnsPeerId:       dom.IPNSPeerID,
		LastPublishedCid: dom.LastPublishedCid,
	})
}

// handleLogin implements POST /auth/login (spec.md §4.7/§6): form-encoded
// username/password, constant-time bcrypt verification regardless of
// account existence, session cookie on success.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindBadRequest, "malformed form body", err))
		return
	}
	username := r.PostForm.Get("username")
	password := r.PostForm.Get("password")
	if !auth.VerifyPassword(a.Config.Users, username, password) {
		apierr.WriteHTTP(w, apierr.New(apierr.KindUnauthorized, "Invalid username or password.", nil))
		return
	}
	if err := a.Sessions.Login(w, r, username); err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindUpstreamTransient, "Failed to establish session.", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLogout implements POST /auth/logout (spec.md §4.7/§6).
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.Sessions.Logout(w, r); err != nil {
		log.Debugw("session logout failed", "err", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAcmeIssue implements POST /_acme/issue/{host} (spec.md §4.10/§6):
// queues on-demand issuance the same way the TLS SNI path does.
func (a *API) handleAcmeIssue(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)["host"]
	a.Certs.RequestIssuance(host)
	w.WriteHeader(http.StatusAccepted)
}

// handleAcmeStatus implements GET /_acme/status/{host} (spec.md
// §4.10/§6).
func (a *API) handleAcmeStatus(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)["host"]
	writeJSON(w, a.Certs.StatusFor(host))
}
