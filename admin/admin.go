// Package admin runs the management HTTP surface (health, metrics, manual
// cache/rule refresh) alongside the DNS listeners, separate from the query
// path.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/dohfwd/cache"
	"github.com/semihalev/dohfwd/ruleloader"
)

// Admin serves /health, /metrics and /api/cache/refresh.
type Admin struct {
	addr   string
	srv    *http.Server
	cache  *cache.Cache
	loader *ruleloader.Loader
}

// New builds an Admin server. If addr is empty, Run is a no-op, matching
// the optional-admin-listener convention api.go uses for its own addr.
func New(addr string, c *cache.Cache, l *ruleloader.Loader) *Admin {
	a := &Admin{addr: addr, cache: c, loader: l}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.health)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/cache/refresh", a.refreshCache)
	mux.HandleFunc("/api/rules/refresh", a.refreshRules)

	a.srv = &http.Server{Addr: addr, Handler: mux}
	return a
}

func (a *Admin) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (a *Admin) refreshCache(w http.ResponseWriter, r *http.Request) {
	a.cache.FlushAll()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

func (a *Admin) refreshRules(w http.ResponseWriter, r *http.Request) {
	a.loader.RefreshNow(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// Run starts the admin listener and blocks until ctx is canceled.
func (a *Admin) Run(ctx context.Context) error {
	if a.addr == "" {
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info("starting admin listener", "addr", a.addr)
		errCh <- a.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
