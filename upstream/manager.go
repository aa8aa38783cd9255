package upstream

import (
	"encoding/base64"
	"net"
	"net/http"
	"time"

	"github.com/semihalev/dohfwd/config"
)

// Manager owns every configured upstream Group, keyed by name.
type Manager struct {
	groups map[string]*Group
}

// NewManager builds a Manager from configuration. All groups share one
// *http.Client and its connection pool; only a group with a proxy gets its
// own transport.
func NewManager(groups []config.UpstreamGroup, httpCfg config.HTTPClientConfig) (*Manager, error) {
	dialer := &net.Dialer{
		Timeout:   time.Duration(httpCfg.ConnectTimeoutS) * time.Second,
		KeepAlive: time.Duration(httpCfg.KeepaliveS) * time.Second,
	}
	base := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     time.Duration(httpCfg.IdleTimeoutS) * time.Second,
	}

	sharedClient := &http.Client{
		Transport: base,
		Timeout:   time.Duration(httpCfg.RequestTimeoutS) * time.Second,
	}

	m := &Manager{groups: make(map[string]*Group, len(groups))}

	for _, gc := range groups {
		servers := make([]*Server, 0, len(gc.Servers))
		for _, sc := range gc.Servers {
			servers = append(servers, &Server{
				URL:         sc.URL,
				Method:      string(sc.Method),
				ContentType: string(sc.ContentType),
				Weight:      sc.Weight,
				AuthHeader:  authHeader(sc.Auth),
				Agent:       httpCfg.Agent,
			})
		}

		g, err := NewGroup(GroupConfig{
			Name:            gc.Name,
			Strategy:        string(gc.Strategy),
			Servers:         servers,
			RetryAttempts:   gc.Retry.Attempts,
			RetryInitialDur: time.Duration(gc.Retry.InitialDelay) * time.Second,
			ProxyURL:        gc.Proxy,
		}, sharedClient, base)
		if err != nil {
			return nil, err
		}

		m.groups[gc.Name] = g
	}

	return m, nil
}

// Group returns the named group, or nil if it does not exist.
func (m *Manager) Group(name string) *Group {
	return m.groups[name]
}

// authHeader precomputes the full "Authorization" header value for a
// server's configured credentials, so the hot path never touches base64
// encoding or string formatting.
func authHeader(a *config.Auth) string {
	if a == nil {
		return ""
	}
	if a.Basic != nil {
		token := base64.StdEncoding.EncodeToString([]byte(a.Basic.User + ":" + a.Basic.Pass))
		return "Basic " + token
	}
	if a.Bearer != "" {
		return "Bearer " + a.Bearer
	}
	return ""
}
