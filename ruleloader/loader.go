package ruleloader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/sync/singleflight"

	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/dohfwd/config"
	"github.com/semihalev/dohfwd/router"
)

// maxFetchBackoff caps the exponential backoff between fetch attempts.
const maxFetchBackoff = 2 * time.Minute

// Feed is a remote rule source the Loader keeps refreshed.
type Feed struct {
	cfg    config.RemoteRule
	client *http.Client // the loader's shared client, or a per-feed proxied one

	mu        sync.Mutex
	lastGood  []router.Rule
	lastFetch time.Time
}

// Loader owns the static rule list plus every configured remote feed, and
// rebuilds the Router's snapshot whenever any input changes.
type Loader struct {
	staticMu sync.RWMutex
	static   []router.Rule

	feeds  []*Feed
	router *router.Router

	group singleflight.Group

	onParseWarning func(feedURL string)
}

// New builds a Loader for the given static rules and remote feed
// configuration, targeting r for snapshot rebuilds.
func New(client *http.Client, staticRules []config.StaticRule, remoteFeeds []config.RemoteRule, r *router.Router, onParseWarning func(string)) (*Loader, error) {
	l := &Loader{
		router:         r,
		onParseWarning: onParseWarning,
	}

	static, err := buildStaticRules(staticRules)
	if err != nil {
		return nil, err
	}
	l.staticMu.Lock()
	l.static = static
	l.staticMu.Unlock()

	for _, f := range remoteFeeds {
		fc, err := feedClient(client, f)
		if err != nil {
			return nil, err
		}
		l.feeds = append(l.feeds, &Feed{cfg: f, client: fc})
	}

	l.rebuild()
	return l, nil
}

func buildStaticRules(staticRules []config.StaticRule) ([]router.Rule, error) {
	var out []router.Rule
	for _, sr := range staticRules {
		r := router.Rule{Source: "static"}
		if sr.Action == config.ActionBlock {
			r.Action = router.ActionBlock
		} else {
			r.Action = router.ActionForward
			r.Target = sr.Target
		}

		switch sr.Match {
		case config.MatchExact:
			r.Tier = router.TierExact
			r.Pattern = canonical(sr.Pattern)
		case config.MatchWildcard:
			if sr.Pattern == "*" {
				r.Tier = router.TierGlobalWildcard
				r.Pattern = "*"
			} else {
				r.Tier = router.TierWildcard
				r.Pattern = "*." + canonical(strings.TrimPrefix(sr.Pattern, "*."))
			}
		case config.MatchRegex:
			re, err := regexp.Compile(sr.Pattern)
			if err != nil {
				return nil, fmt.Errorf("ruleloader: static rule %q: %w", sr.Pattern, err)
			}
			r.Tier = router.TierRegex
			r.Pattern = sr.Pattern
			r.Regex = re
		default:
			return nil, fmt.Errorf("ruleloader: static rule %q has unknown match kind", sr.Pattern)
		}
		out = append(out, r)
	}
	return out, nil
}

// ReloadStatic replaces the static rule list and rebuilds the router
// snapshot, used by the config file watcher to pick up edits to
// static_rules without restarting the process. Remote feed content is left
// untouched.
func (l *Loader) ReloadStatic(staticRules []config.StaticRule) error {
	static, err := buildStaticRules(staticRules)
	if err != nil {
		return err
	}
	l.staticMu.Lock()
	l.static = static
	l.staticMu.Unlock()
	l.rebuild()
	return nil
}

// RunFeed starts the periodic refresh loop for one feed index. It blocks
// until ctx is canceled.
func (l *Loader) RunFeed(ctx context.Context, idx int) {
	f := l.feeds[idx]

	timer := time.NewTimer(time.Second)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			l.refreshFeed(ctx, f)
			timer.Reset(f.cfg.RefreshInterval.Duration)
		}
	}
}

// RefreshNow triggers an immediate out-of-band refresh of every feed, used
// by the admin /api/rules/refresh trigger. Concurrent calls for the
// same feed coalesce via singleflight.
func (l *Loader) RefreshNow(ctx context.Context) {
	for _, f := range l.feeds {
		l.refreshFeed(ctx, f)
	}
}

func (l *Loader) refreshFeed(ctx context.Context, f *Feed) {
	_, _, _ = l.group.Do(f.cfg.URL, func() (interface{}, error) {
		rules, err := l.fetchWithRetry(ctx, f)
		if err != nil {
			zlog.Warn("remote rule feed refresh failed, keeping last known good", "url", f.cfg.URL, "error", err)
			return nil, err
		}

		f.mu.Lock()
		f.lastGood = rules
		f.lastFetch = time.Now()
		f.mu.Unlock()

		l.rebuild()
		return nil, nil
	})
}

func (l *Loader) fetchWithRetry(ctx context.Context, f *Feed) ([]router.Rule, error) {
	attempts := f.cfg.Retry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(f.cfg.Retry.InitialDelay) * time.Second

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxFetchBackoff {
				delay = maxFetchBackoff
			}
		}

		rules, err := l.fetchOnce(ctx, f)
		if err == nil {
			return rules, nil
		}
		lastErr = err
		zlog.Debug("remote rule feed fetch attempt failed", "url", f.cfg.URL, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (l *Loader) fetchOnce(ctx context.Context, f *Feed) ([]router.Rule, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("ruleloader: build request: %w", err)
	}
	if f.cfg.Auth != nil {
		applyAuth(req, f.cfg.Auth)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ruleloader: fetch %s: %w", f.cfg.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ruleloader: fetch %s: status %d", f.cfg.URL, resp.StatusCode)
	}

	limit := f.cfg.MaxSizeBytes
	body := io.LimitReader(resp.Body, limit+1)
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("ruleloader: read %s: %w", f.cfg.URL, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("ruleloader: feed %s exceeds max_size_bytes=%d", f.cfg.URL, limit)
	}

	parsed, err := ParseV2Ray(bytes.NewReader(data), func(lineNo int, line string) {
		zlog.Debug("remote rule feed: skipping unrecognized line", "url", f.cfg.URL, "line", lineNo)
		if l.onParseWarning != nil {
			l.onParseWarning(f.cfg.URL)
		}
	})
	if err != nil {
		return nil, err
	}

	rules := make([]router.Rule, 0, len(parsed))
	for _, p := range parsed {
		r := router.Rule{
			Tier:    p.Tier,
			Pattern: p.Pattern,
			Regex:   p.Regex,
			Source:  f.cfg.URL,
		}
		if f.cfg.Action == config.ActionBlock {
			r.Action = router.ActionBlock
		} else {
			r.Action = router.ActionForward
			r.Target = f.cfg.Target
		}
		rules = append(rules, r)
	}

	return rules, nil
}

// feedClient returns base unchanged unless the feed configures a SOCKS5
// proxy, in which case a dedicated client routed through it is built.
func feedClient(base *http.Client, f config.RemoteRule) (*http.Client, error) {
	if f.Proxy == "" {
		return base, nil
	}

	dialer, err := proxy.SOCKS5("tcp", f.Proxy, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("ruleloader: feed %s: socks5 dialer: %w", f.URL, err)
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		},
	}

	return &http.Client{Transport: transport, Timeout: base.Timeout}, nil
}

func applyAuth(req *http.Request, a *config.Auth) {
	if a.Basic != nil {
		req.SetBasicAuth(a.Basic.User, a.Basic.Pass)
	} else if a.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+a.Bearer)
	}
}

// rebuild recomputes the full rule set (static + last-known-good of every
// feed) and swaps it into the Router atomically.
func (l *Loader) rebuild() {
	l.staticMu.RLock()
	static := l.static
	l.staticMu.RUnlock()

	all := make([]router.Rule, 0, len(static))
	all = append(all, static...)

	for _, f := range l.feeds {
		f.mu.Lock()
		all = append(all, f.lastGood...)
		f.mu.Unlock()
	}

	l.router.Swap(router.NewSnapshot(all))
}
