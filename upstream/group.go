package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"

	"github.com/semihalev/zlog/v2"
)

// maxRetryDelay caps the exponential backoff between attempts.
const maxRetryDelay = 30 * time.Second

// Group is a named collection of upstream DoH servers reachable through a
// shared retry policy and (optionally) a shared SOCKS5 proxy.
type Group struct {
	Name     string
	balancer Balancer
	servers  []*Server
	client   *http.Client

	retryAttempts int
	retryDelay    time.Duration
}

// GroupConfig carries the subset of config.UpstreamGroup a Group needs,
// decoupled from the config package to keep upstream free of a config
// import cycle.
type GroupConfig struct {
	Name            string
	Strategy        string
	Servers         []*Server
	RetryAttempts   int
	RetryInitialDur time.Duration
	ProxyURL        string
}

// NewGroup builds a Group. Groups without a proxy share the connection pool
// of sharedClient; a configured SOCKS5 proxy gets the group its own
// transport, since the proxied connections cannot be pooled with direct ones.
func NewGroup(cfg GroupConfig, sharedClient *http.Client, baseTransport *http.Transport) (*Group, error) {
	client := sharedClient

	if cfg.ProxyURL != "" {
		dialer, err := proxy.SOCKS5("tcp", cfg.ProxyURL, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("upstream: group %q: socks5 dialer: %w", cfg.Name, err)
		}
		transport := baseTransport.Clone()
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
		client = &http.Client{Transport: transport, Timeout: sharedClient.Timeout}
	}

	g := &Group{
		Name:          cfg.Name,
		servers:       cfg.Servers,
		balancer:      NewBalancer(cfg.Strategy, cfg.Servers),
		retryAttempts: cfg.RetryAttempts,
		retryDelay:    cfg.RetryInitialDur,
		client:        client,
	}
	return g, nil
}

// HTTPClient returns the group's configured client for use by the DoH client.
func (g *Group) HTTPClient() *http.Client { return g.client }

// Pick returns the next server to try per the group's load-balancing strategy.
func (g *Group) Pick() *Server { return g.balancer.Next() }

// Do runs exchange against successive servers in the group (retrying per
// the group's retry policy), returning the first success or the last error.
func (g *Group) Do(ctx context.Context, exchange func(ctx context.Context, s *Server) error) error {
	attempts := g.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := g.retryDelay

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}

		s := g.Pick()
		if s == nil {
			return fmt.Errorf("upstream: group %q has no servers", g.Name)
		}

		err := exchange(ctx, s)
		if err == nil {
			return nil
		}
		lastErr = err
		zlog.Debug("upstream exchange failed", "group", g.Name, "server", s.URL, "attempt", attempt+1, "error", err)

		if re, ok := err.(retryabler); ok && !re.Retryable() {
			return fmt.Errorf("upstream: group %q: %w", g.Name, err)
		}
	}

	return fmt.Errorf("upstream: group %q exhausted retries: %w", g.Name, lastErr)
}

// retryabler is implemented by errors that know whether a fresh attempt is
// worth making, e.g. StatusError for HTTP 4xx responses other than 429.
type retryabler interface {
	Retryable() bool
}
