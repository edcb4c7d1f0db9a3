// Command truthgated is the gateway process: it loads the live
// configuration, wires every internal component together, and serves the
// admin/content surfaces over HTTP and HTTPS (spec.md §1, §6).
//
// Configuration loading and hot-reload are an external collaborator
// (spec.md §1 Out of scope); this entrypoint reads a single static JSON
// document at startup and treats it as internal/domain.Config.
package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/json"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/truthgate/gateway/internal/adminapi"
	"github.com/truthgate/gateway/internal/auth"
	"github.com/truthgate/gateway/internal/certs"
	"github.com/truthgate/gateway/internal/dispatcher"
	"github.com/truthgate/gateway/internal/domain"
	"github.com/truthgate/gateway/internal/ipnsupdater"
	"github.com/truthgate/gateway/internal/nodeclient"
	"github.com/truthgate/gateway/internal/publish"
	"github.com/truthgate/gateway/internal/ratelimit"
	"github.com/truthgate/gateway/internal/rescache"
	"github.com/truthgate/gateway/internal/reverseproxy"
	"github.com/truthgate/gateway/internal/store"
	"github.com/truthgate/gateway/internal/telemetry"
)

var log = logging.Logger("truthgate/main")

func main() {
	configPath := flag.String("config", "/etc/truthgate/config.json", "path to the domain configuration document")
	dataDir := flag.String("data-dir", "/var/lib/truthgate", "badger data directory")
	production := flag.Bool("production", true, "trust the Host header directly instead of a dev override")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalw("loading configuration", "path", *configPath, "err", err)
	}

	db, err := store.Open(*dataDir)
	if err != nil {
		log.Fatalw("opening store", "dir", *dataDir, "err", err)
	}
	defer db.Close()

	internalKey, err := auth.NewRotatingKey(30 * 24 * time.Hour)
	if err != nil {
		log.Fatalw("generating internal key", "err", err)
	}

	node := nodeclient.New(cfg.NodeAPIPort, cfg.NodeGatewayPort, internalKey.Current)
	cache := rescache.New(node, rescache.DefaultTTL)
	proxy := reverseproxy.New()

	limiter := ratelimit.New(cfg.RateLimit, db)
	limiter.Start()
	defer limiter.Stop()

	hashKey, blockKey := sessionKeys()
	sessions := auth.NewSessions(hashKey, blockKey)

	updater := ipnsupdater.New(node, ipnsupdater.DefaultWorkers, ipnsupdater.DefaultCooldown)
	updater.Start()
	defer updater.Stop()

	queue := publish.NewQueue(node, cache, db, updater, cfg, func(updated domain.EdgeDomain) {
		saveDomain(cfg, updated)
	})
	ingest := publish.NewIngest(node, queue)

	certStorage := store.NewCertMagicStorage(db, "acme/")
	certMgr, err := certs.NewManager(certs.Options{
		Storage: certStorage,
		Staging: cfg.Acme.Staging,
		Email:   "",
	}, cfg)
	if err != nil {
		log.Fatalw("initializing certificate manager", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go certMgr.RunRenewalScheduler(ctx, time.Hour)
	go func() {
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := internalKey.MaybeRotate(); err != nil {
					log.Warnw("rotating internal key", "err", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	ringBuf := telemetry.NewRingBuffer(telemetry.DefaultWindow)
	promMetrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	if sampler, err := telemetry.NewSampler(ringBuf, telemetry.DefaultInterval, 0, promMetrics); err != nil {
		log.Warnw("telemetry sampler unavailable", "err", err)
	} else {
		go sampler.Run(ctx)
	}

	disp := &dispatcher.Dispatcher{
		Config:      cfg,
		Node:        node,
		Cache:       cache,
		Proxy:       proxy,
		Limiter:     limiter,
		Sessions:    sessions,
		InternalKey: internalKey,
		VerifyAdminKey: func(presented string) bool {
			return auth.VerifyAdminKey(cfg.AdminKeys, presented)
		},
		Challenges: certMgr,
		Production: *production,
	}

	api := &adminapi.API{
		Config:   cfg,
		Node:     node,
		Ingest:   ingest,
		Sessions: sessions,
		Limiter:  limiter,
		Certs:    certMgr,
		VerifyInternalKey: internalKey.Valid,
		VerifyAdminKey: func(presented string) bool {
			return auth.VerifyAdminKey(cfg.AdminKeys, presented)
		},
		SaveDomain: func(updated domain.EdgeDomain) { saveDomain(cfg, updated) },
	}

	router := mux.NewRouter()
	api.Register(router)
	router.Handle("/metrics", promhttp.Handler())
	router.PathPrefix("/").Handler(disp)

	httpSrv := &http.Server{
		Addr:    portAddr(cfg.HTTPPort, 80),
		Handler: router,
	}
	httpsSrv := &http.Server{
		Addr:    portAddr(cfg.HTTPSPort, 443),
		Handler: router,
		TLSConfig: &tls.Config{
			GetCertificate: certMgr.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		},
		// feeds the TLS-churn detector (spec.md §4.6): StateNew fires once
		// per accepted connection, StateActive once per request handled on
		// it (including keep-alive reuse).
		ConnState: func(conn net.Conn, state http.ConnState) {
			host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
			if err != nil {
				return
			}
			switch state {
			case http.StateNew:
				limiter.RecordConnection(host)
			case http.StateActive:
				limiter.RecordRequestOnConnection(host)
			}
		},
	}

	go func() {
		log.Infow("http listener starting", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("http listener stopped", "err", err)
		}
	}()
	go func() {
		log.Infow("https listener starting", "addr", httpsSrv.Addr)
		if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			log.Errorw("https listener stopped", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = httpsSrv.Shutdown(shutdownCtx)
}

func loadConfig(path string) (*domain.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var cfg domain.Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.RateLimit.PublicBaseLimitPerMinute == 0 {
		cfg.RateLimit = domain.DefaultRateLimitOptions()
	}
	return &cfg, nil
}

// saveDomain replaces the in-memory EdgeDomain record matching updated's
// domain name. Persisting it back to the configuration document is the
// same external loader's responsibility as loadConfig (spec.md §1 Out of
// scope); this only keeps the running process's view current.
func saveDomain(cfg *domain.Config, updated domain.EdgeDomain) {
	for i := range cfg.Domains {
		if cfg.Domains[i].Domain == updated.Domain {
			cfg.Domains[i] = updated
			return
		}
	}
	cfg.Domains = append(cfg.Domains, updated)
}

func portAddr(port, fallback int) string {
	if port == 0 {
		port = fallback
	}
	return ":" + strconv.Itoa(port)
}

// sessionKeys generates fresh cookie-store keys for this process
// lifetime. Operator-supplied, rotated-out-of-band keys are an external
// secrets-management concern (spec.md §1 Out of scope); generating them
// here keeps sessions valid only within one process's uptime, which is
// acceptable since CurrentUser's sliding window is far shorter than a
// typical deployment's restart cadence.
func sessionKeys() (hashKey, blockKey []byte) {
	hashKey = make([]byte, 64)
	blockKey = make([]byte, 32)
	if _, err := rand.Read(hashKey); err != nil {
		log.Fatalw("generating session hash key", "err", err)
	}
	if _, err := rand.Read(blockKey); err != nil {
		log.Fatalw("generating session block key", "err", err)
	}
	return hashKey, blockKey
}
