// Command dohfwd runs the DNS-over-HTTPS forwarder: it terminates wire-format
// DNS on UDP/TCP (and optionally DoH) and satisfies queries by routing them
// to locally blocked answers or to upstream DoH groups per configured rules.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/dohfwd/accesslist"
	"github.com/semihalev/dohfwd/admin"
	"github.com/semihalev/dohfwd/cache"
	"github.com/semihalev/dohfwd/config"
	"github.com/semihalev/dohfwd/confwatch"
	"github.com/semihalev/dohfwd/metrics"
	"github.com/semihalev/dohfwd/processor"
	"github.com/semihalev/dohfwd/router"
	"github.com/semihalev/dohfwd/ruleloader"
	"github.com/semihalev/dohfwd/server"
	"github.com/semihalev/dohfwd/upstream"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "dohfwd.toml", "config file path")
	showVersion := flag.Bool("v", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	runtime.GOMAXPROCS(runtime.NumCPU())

	cfg, err := config.Load(*configPath, version)
	if err != nil {
		zlog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	zlog.SetLevel(parseLevel(cfg.Log.Level))

	if err := run(*configPath, cfg); err != nil {
		zlog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.DefaultRegisterer
	m := metrics.New(reg)

	maxSize := cfg.Cache.MaxSize
	if !cfg.Cache.Enabled {
		maxSize = 0
	}
	c := cache.New(
		maxSize,
		time.Duration(cfg.Cache.MinTTLS)*time.Second,
		time.Duration(cfg.Cache.MaxTTLS)*time.Second,
		time.Duration(cfg.Cache.NegativeTTLS)*time.Second,
	)
	go reportCacheGauges(ctx, c, m)

	r := router.New()

	loader, err := ruleloader.New(newRuleHTTPClient(cfg), cfg.StaticRules, cfg.RemoteRules, r, func(feed string) {
		m.RemoteFeedParseWarnings.WithLabelValues(feed).Inc()
	})
	if err != nil {
		return fmt.Errorf("dohfwd: building rule loader: %w", err)
	}
	for i := range cfg.RemoteRules {
		go loader.RunFeed(ctx, i)
	}

	watcher, err := confwatch.New(configPath, cfg.ServerVersion(), loader)
	if err != nil {
		zlog.Warn("config file watcher disabled", "path", configPath, "error", err)
	} else {
		defer watcher.Stop()
	}

	um, err := upstream.NewManager(cfg.Groups, cfg.HTTPClient)
	if err != nil {
		return fmt.Errorf("dohfwd: building upstream manager: %w", err)
	}

	acl, err := accesslist.New(cfg.Server.AccessList)
	if err != nil {
		return fmt.Errorf("dohfwd: building access list: %w", err)
	}

	// One counter observes unsupported JSON record types on both sides:
	// answers served to inbound JSON clients and answers decoded from
	// JSON-dialect upstreams.
	onJSONUnsupported := func(rtype uint16) {
		m.JSONUnsupportedRType.WithLabelValues(dns.TypeToString[rtype]).Inc()
	}

	proc := processor.New(c, r, um, m, cfg.NullrouteV4(), cfg.NullrouteV6(), onJSONUnsupported)

	srv := server.New(cfg.Server.ListenUDP, cfg.Server.ListenTCP, cfg.Server.ListenHTTP,
		time.Duration(cfg.Server.TCPTimeoutS)*time.Second,
		time.Duration(cfg.HTTPClient.RequestTimeoutS)*time.Second,
		proc, acl, onJSONUnsupported, 50, 100)

	adminSrv := admin.New(cfg.Admin.Listen, c, loader)

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Run(ctx) }()
	go func() { errCh <- adminSrv.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		zlog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	case err := <-errCh:
		cancel()
		return err
	}

	return nil
}

// reportCacheGauges periodically publishes the cache's size/capacity as
// Prometheus gauges, since the cache package itself stays metrics-free.
func reportCacheGauges(ctx context.Context, c *cache.Cache, m *metrics.Metrics) {
	m.CacheCapacity.Set(float64(c.Cap()))

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CacheSize.Set(float64(c.Len()))
		}
	}
}

// newRuleHTTPClient builds the client used exclusively for fetching remote
// rule-list feeds, separate from the per-upstream-group clients so a slow
// feed fetch never competes with query-path connection pooling.
func newRuleHTTPClient(cfg *config.Config) *http.Client {
	return &http.Client{
		Timeout: time.Duration(cfg.HTTPClient.RequestTimeoutS) * time.Second,
	}
}

func parseLevel(level string) zlog.Level {
	switch level {
	case "debug":
		return zlog.LevelDebug
	case "warn":
		return zlog.LevelWarn
	case "error":
		return zlog.LevelError
	default:
		return zlog.LevelInfo
	}
}
