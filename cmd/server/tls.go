package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	certmux "github.com/blueberrycongee/certmux"
	"github.com/blueberrycongee/certmux/internal/config"
	"github.com/blueberrycongee/certmux/internal/metrics"
	"github.com/blueberrycongee/certmux/internal/objcache"
	"github.com/blueberrycongee/certmux/internal/observability"
	"github.com/blueberrycongee/certmux/internal/secret"
)

// terminator owns the TLS listener and the two cache lifetimes: a
// configuration-time loader per generation and a connection-time cache
// on the handshake path. The caches are single-owner, so all access is
// funneled through one mutex.
type terminator struct {
	logger  *observability.Logger
	secrets *secret.Manager

	mu        sync.Mutex
	loader    *certmux.Loader
	handshake *certmux.Cache
	gen       *config.Generation

	// fallback materials, prewarmed at (re)load time
	serverCert atomic.Pointer[tls.Certificate]
	clientCAs  atomic.Pointer[x509.CertPool]
	revoked    atomic.Pointer[map[string]struct{}]
}

func newTerminator(ctx context.Context, gen *config.Generation,
	secrets *secret.Manager, logger *observability.Logger) (*terminator, error) {

	t := &terminator{
		logger:  logger,
		secrets: secrets,
	}

	if err := t.Reload(ctx, gen); err != nil {
		return nil, err
	}

	return t, nil
}

// Reload builds the next generation's loader, inheriting unchanged
// materials from the current one, warms the listener materials and swaps
// everything in. On failure the previous generation keeps serving.
func (t *terminator) Reload(ctx context.Context, gen *config.Generation) error {
	cfg := gen.Config

	t.mu.Lock()
	defer t.mu.Unlock()

	opts := []certmux.Option{
		certmux.WithPrefix(cfg.Prefix),
		certmux.WithInherit(cfg.InheritEnabled()),
		certmux.WithLogger(t.logger.Slog()),
	}
	if t.loader != nil {
		opts = append(opts, certmux.WithPrevious(t.loader))
	}

	loader := certmux.NewLoader(opts...)

	if err := t.warm(ctx, loader, cfg); err != nil {
		_ = loader.Close()
		return err
	}

	handshake := certmux.NewCache(
		cfg.ConnectionCache.Max,
		cfg.ConnectionCache.Valid,
		cfg.ConnectionCache.Inactive,
		certmux.WithPrefix(cfg.Prefix),
		certmux.WithLogger(t.logger.Slog()),
	)

	// The old generation is destroyed only after the new one has
	// completed all fetches.
	if t.loader != nil {
		_ = t.loader.Close()
	}
	if t.handshake != nil {
		_ = t.handshake.Close()
	}

	t.loader = loader
	t.handshake = handshake
	t.gen = gen

	t.logger.Info("generation active",
		"generation", gen.ID,
		"materials", loader.Len(),
		"inherited", loader.Snapshot().Inherits)

	return nil
}

// warm loads every configured material through the generation loader and
// prepares the fallback listener state.
func (t *terminator) warm(ctx context.Context, loader *certmux.Loader,
	cfg *config.Config) error {

	passphrases, err := t.secrets.ResolveList(ctx, cfg.Server.Passphrases)
	if err != nil {
		return fmt.Errorf("resolve passphrases: %w", err)
	}

	cert, err := buildCertificate(
		func(kind certmux.Kind, spec string, p certmux.Passphrases) (certmux.Material, error) {
			return loader.Fetch(kind, spec, p)
		},
		cfg.Server.Certificate, cfg.Server.CertificateKey, passphrases)
	if err != nil {
		return err
	}
	t.serverCert.Store(cert)

	if cfg.Server.TrustedCertificate != "" {
		m, err := loader.Fetch(certmux.CA, cfg.Server.TrustedCertificate, nil)
		if err != nil {
			return err
		}
		bundle := m.(*certmux.Chain)

		pool := x509.NewCertPool()
		for _, c := range bundle.Certs {
			pool.AddCert(c)
		}
		bundle.Release()
		t.clientCAs.Store(pool)
	}

	if cfg.Server.CRL != "" {
		m, err := loader.Fetch(certmux.CRL, cfg.Server.CRL, nil)
		if err != nil {
			return err
		}
		lists := m.(*certmux.CRLList)

		revoked := make(map[string]struct{})
		for _, crl := range lists.Lists {
			for _, rc := range crl.RevokedCertificateEntries {
				revoked[rc.SerialNumber.String()] = struct{}{}
			}
		}
		lists.Release()
		t.revoked.Store(&revoked)
	}

	return nil
}

// fetcher is the shape shared by Loader.Fetch and Cache.Fetch.
type fetcher func(kind certmux.Kind, spec string, p certmux.Passphrases) (certmux.Material, error)

// buildCertificate assembles a tls.Certificate from cached materials.
// The handles are released once the DER references are copied out.
func buildCertificate(fetch fetcher, certSpec, keySpec string,
	passphrases certmux.Passphrases) (*tls.Certificate, error) {

	cm, err := fetch(certmux.Cert, certSpec, nil)
	if err != nil {
		return nil, err
	}
	chain := cm.(*certmux.Chain)
	defer chain.Release()

	km, err := fetch(certmux.PKey, keySpec, passphrases)
	if err != nil {
		return nil, err
	}
	key := km.(*certmux.PrivateKey)
	defer key.Release()

	cert := &tls.Certificate{
		PrivateKey: key.Signer,
		Leaf:       chain.Leaf(),
	}
	for _, c := range chain.Certs {
		cert.Certificate = append(cert.Certificate, c.Raw)
	}

	return cert, nil
}

// getCertificate serves each handshake through the connection cache,
// falling back to the prewarmed generation materials on cache failure.
func (t *terminator) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	t.mu.Lock()
	cache := t.handshake
	cfg := t.gen.Config

	passphrases, err := t.secrets.ResolveList(hello.Context(), cfg.Server.Passphrases)
	if err == nil {
		var cert *tls.Certificate
		cert, err = buildCertificate(
			func(kind certmux.Kind, spec string, p certmux.Passphrases) (certmux.Material, error) {
				return cache.Fetch(kind, spec, p)
			},
			cfg.Server.Certificate, cfg.Server.CertificateKey, passphrases)
		if err == nil {
			t.mu.Unlock()
			return cert, nil
		}
	}
	t.mu.Unlock()

	t.logger.Warn("handshake cache fetch failed, using generation materials",
		"error", err)

	if cert := t.serverCert.Load(); cert != nil {
		return cert, nil
	}
	return nil, err
}

// verifyPeer rejects client certificates revoked by the configured CRL.
func (t *terminator) verifyPeer(_ [][]byte, chains [][]*x509.Certificate) error {
	revoked := t.revoked.Load()
	if revoked == nil {
		return nil
	}

	for _, chain := range chains {
		for _, cert := range chain {
			if _, bad := (*revoked)[cert.SerialNumber.String()]; bad {
				return fmt.Errorf("certificate serial %s is revoked",
					cert.SerialNumber)
			}
		}
	}
	return nil
}

// Serve runs the TLS listener until the context is cancelled.
func (t *terminator) Serve(ctx context.Context) error {
	t.mu.Lock()
	cfg := t.gen.Config
	t.mu.Unlock()

	tlsConfig := &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: t.getCertificate,
	}

	if pool := t.clientCAs.Load(); pool != nil {
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
		tlsConfig.VerifyPeerCertificate = t.verifyPeer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "certmux %s\n", certmux.Version)
	})

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           mux,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	t.logger.Info("tls listening", "addr", cfg.Server.Listen)
	return srv.ListenAndServeTLS("", "")
}

// Snapshot implements metrics.StatsSource for the connection cache.
func (t *terminator) Snapshot() objcache.StatsSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handshake.Snapshot()
}

type loaderSource struct{ t *terminator }

func (s loaderSource) Snapshot() objcache.StatsSnapshot {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.t.loader.Snapshot()
}

// loaderStats exposes the current generation's cache counters; the
// collector always reads whichever generation is live.
func (t *terminator) loaderStats() metrics.StatsSource {
	return loaderSource{t: t}
}

// handleCachez reports both cache snapshots and the live generation.
func (t *terminator) handleCachez(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	body := struct {
		Generation string                 `json:"generation"`
		Config     objcache.StatsSnapshot `json:"config_cache"`
		Connection objcache.StatsSnapshot `json:"connection_cache"`
	}{
		Generation: t.gen.ID,
		Config:     t.loader.Snapshot(),
		Connection: t.handshake.Snapshot(),
	}
	t.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Close releases both caches.
func (t *terminator) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handshake != nil {
		_ = t.handshake.Close()
	}
	if t.loader != nil {
		_ = t.loader.Close()
	}
}
