// Package config loads and validates the forwarder's TOML configuration.
package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const configver = "1.0.0"

// Duration wraps time.Duration so it can be expressed as a human readable
// string ("30s", "5m") in the TOML file.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// ContentType is the DoH request body dialect for an upstream server.
type ContentType string

const (
	ContentTypeMessage ContentType = "message"
	ContentTypeJSON    ContentType = "json"
)

// Method is the HTTP method used to reach an upstream DoH server.
type Method string

const (
	MethodGET  Method = "GET"
	MethodPOST Method = "POST"
)

// Strategy is the load-balancing strategy for an upstream group.
type Strategy string

const (
	StrategyRR       Strategy = "rr"
	StrategyWeighted Strategy = "weighted"
	StrategyRandom   Strategy = "random"
)

// RuleAction is the action a static or remote rule produces.
type RuleAction string

const (
	ActionBlock   RuleAction = "block"
	ActionForward RuleAction = "forward"
)

// RuleMatch is the pattern kind for a static rule.
type RuleMatch string

const (
	MatchExact    RuleMatch = "exact"
	MatchWildcard RuleMatch = "wildcard"
	MatchRegex    RuleMatch = "regex"
)

// RemoteFormat is the textual format of a remote rule feed.
type RemoteFormat string

const (
	FormatV2Ray RemoteFormat = "v2ray"
)

// Auth describes credentials applied to an upstream server or remote feed.
type Auth struct {
	Basic  *BasicAuth `toml:"basic"`
	Bearer string     `toml:"bearer"`
}

// BasicAuth is HTTP basic authentication.
type BasicAuth struct {
	User string `toml:"user"`
	Pass string `toml:"pass"`
}

// UpstreamServer is one DoH endpoint inside a group.
type UpstreamServer struct {
	URL         string      `toml:"url"`
	Method      Method      `toml:"method"`
	ContentType ContentType `toml:"content_type"`
	Weight      int         `toml:"weight"`
	Auth        *Auth       `toml:"auth"`
}

// Retry is the per-group retry policy.
type Retry struct {
	Attempts     int `toml:"attempts"`
	InitialDelay int `toml:"initial_delay_s"`
}

// UpstreamGroup is a named collection of upstream DoH servers.
type UpstreamGroup struct {
	Name     string           `toml:"name"`
	Strategy Strategy         `toml:"strategy"`
	Servers  []UpstreamServer `toml:"servers"`
	Retry    Retry            `toml:"retry"`
	Proxy    string           `toml:"proxy"`
}

// StaticRule is one entry of the static rule list.
type StaticRule struct {
	Match   RuleMatch  `toml:"match"`
	Pattern string     `toml:"pattern"`
	Action  RuleAction `toml:"action"`
	Target  string     `toml:"target"`
}

// RemoteRule is one configured remote rule feed.
type RemoteRule struct {
	URL             string       `toml:"url"`
	Format          RemoteFormat `toml:"format"`
	Action          RuleAction   `toml:"action"`
	Target          string       `toml:"target"`
	Proxy           string       `toml:"proxy"`
	Auth            *Auth        `toml:"auth"`
	Retry           Retry        `toml:"retry"`
	MaxSizeBytes    int64        `toml:"max_size_bytes"`
	RefreshInterval Duration     `toml:"refresh_interval"`
}

// ServerConfig is the listener configuration. AccessList holds client CIDR
// ranges allowed to query; empty means no restriction.
type ServerConfig struct {
	ListenUDP    string   `toml:"listen_udp"`
	ListenTCP    string   `toml:"listen_tcp"`
	ListenHTTP   string   `toml:"listen_http"`
	TCPTimeoutS  int      `toml:"tcp_timeout_s"`
	HTTPTimeoutS int      `toml:"http_timeout_s"`
	AccessList   []string `toml:"access_list"`
}

// AdminConfig is the management-endpoint listener, external to the core.
type AdminConfig struct {
	Listen string `toml:"listen"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled      bool `toml:"enabled"`
	MaxSize      int  `toml:"max_size"`
	MinTTLS      int  `toml:"min_ttl_s"`
	MaxTTLS      int  `toml:"max_ttl_s"`
	NegativeTTLS int  `toml:"negative_ttl_s"`
}

// BlockConfig configures how a matched block-action rule is answered.
// Empty Nullroute/Nullroutev6 means "answer NXDOMAIN"; setting them
// returns the given sink address for A/AAAA queries instead.
type BlockConfig struct {
	Nullroute   string `toml:"nullroute"`
	Nullroutev6 string `toml:"nullroutev6"`
}

// HTTPClientConfig configures the shared outbound HTTP client used for DoH calls.
type HTTPClientConfig struct {
	ConnectTimeoutS int    `toml:"connect_timeout_s"`
	RequestTimeoutS int    `toml:"request_timeout_s"`
	IdleTimeoutS    int    `toml:"idle_timeout_s"`
	KeepaliveS      int    `toml:"keepalive_s"`
	Agent           string `toml:"agent"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level string `toml:"level"`
}

// Config is the full, validated configuration surface the core consumes.
type Config struct {
	Version      string            `toml:"version"`
	Server       ServerConfig      `toml:"server"`
	Admin        AdminConfig       `toml:"admin"`
	Cache        CacheConfig       `toml:"cache"`
	Block        BlockConfig       `toml:"block"`
	HTTPClient   HTTPClientConfig  `toml:"http_client"`
	Log          LogConfig         `toml:"log"`
	Groups       []UpstreamGroup   `toml:"upstream_groups"`
	StaticRules  []StaticRule      `toml:"static_rules"`
	RemoteRules  []RemoteRule      `toml:"remote_rules"`

	sVersion string
}

// ServerVersion returns the running binary's version, distinct from the
// config schema version.
func (c *Config) ServerVersion() string { return c.sVersion }

// Load reads the TOML file at path, generating a commented default file if
// it does not exist, and returns the decoded configuration.
func Load(path, version string) (*Config, error) {
	cfg := new(Config)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := generateDefault(path); err != nil {
			return nil, err
		}
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}

	if cfg.Version != configver {
		// Non-fatal: config and build versions are allowed to diverge.
	}

	cfg.sVersion = version

	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.TCPTimeoutS == 0 {
		cfg.Server.TCPTimeoutS = 5
	}
	if cfg.Server.HTTPTimeoutS == 0 {
		cfg.Server.HTTPTimeoutS = 10
	}
	if cfg.Cache.MaxSize == 0 {
		cfg.Cache.MaxSize = 10000
	}
	if cfg.Cache.MinTTLS == 0 {
		cfg.Cache.MinTTLS = 60
	}
	if cfg.Cache.MaxTTLS == 0 {
		cfg.Cache.MaxTTLS = 3600
	}
	if cfg.Cache.NegativeTTLS == 0 {
		cfg.Cache.NegativeTTLS = 300
	}
	if cfg.HTTPClient.ConnectTimeoutS == 0 {
		cfg.HTTPClient.ConnectTimeoutS = 5
	}
	if cfg.HTTPClient.RequestTimeoutS == 0 {
		cfg.HTTPClient.RequestTimeoutS = 10
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	for i := range cfg.RemoteRules {
		if cfg.RemoteRules[i].MaxSizeBytes == 0 {
			cfg.RemoteRules[i].MaxSizeBytes = defaultMaxFeedBytes
		}
		if cfg.RemoteRules[i].RefreshInterval.Duration == 0 {
			cfg.RemoteRules[i].RefreshInterval.Duration = defaultRefreshInterval
		}
		if cfg.RemoteRules[i].Retry.Attempts == 0 {
			cfg.RemoteRules[i].Retry.Attempts = 3
		}
		if cfg.RemoteRules[i].Retry.InitialDelay == 0 {
			cfg.RemoteRules[i].Retry.InitialDelay = 1
		}
	}
	for i := range cfg.Groups {
		if cfg.Groups[i].Retry.Attempts == 0 {
			cfg.Groups[i].Retry.Attempts = 1
		}
		if cfg.Groups[i].Retry.InitialDelay == 0 {
			cfg.Groups[i].Retry.InitialDelay = 1
		}
		if cfg.Groups[i].Strategy == "" {
			cfg.Groups[i].Strategy = StrategyRR
		}
		for j := range cfg.Groups[i].Servers {
			if cfg.Groups[i].Servers[j].Method == "" {
				cfg.Groups[i].Servers[j].Method = MethodPOST
			}
			if cfg.Groups[i].Servers[j].ContentType == "" {
				cfg.Groups[i].Servers[j].ContentType = ContentTypeMessage
			}
			if cfg.Groups[i].Servers[j].Weight == 0 {
				cfg.Groups[i].Servers[j].Weight = 1
			}
		}
	}
}

const (
	defaultMaxFeedBytes   int64 = 2 << 20
	defaultRefreshInterval      = 30 * time.Minute
)

var wildcardPattern = regexp.MustCompile(`^\*(\.[a-zA-Z0-9_.-]+)?$`)

// Validate enforces the configuration invariants: unique group names,
// known forward targets, well-formed patterns and in-range numeric fields.
// A configuration failing validation must not be served.
func Validate(cfg *Config) error {
	groupNames := make(map[string]bool, len(cfg.Groups))

	for _, g := range cfg.Groups {
		if g.Name == "" {
			return fmt.Errorf("upstream group with empty name")
		}
		if groupNames[g.Name] {
			return fmt.Errorf("duplicate upstream group name %q", g.Name)
		}
		groupNames[g.Name] = true

		if len(g.Servers) == 0 {
			return fmt.Errorf("upstream group %q has no servers", g.Name)
		}

		switch g.Strategy {
		case StrategyRR, StrategyWeighted, StrategyRandom:
		default:
			return fmt.Errorf("upstream group %q has unknown strategy %q", g.Name, g.Strategy)
		}

		if g.Retry.Attempts < 1 {
			return fmt.Errorf("upstream group %q retry.attempts must be >= 1", g.Name)
		}
		if g.Retry.InitialDelay < 1 {
			return fmt.Errorf("upstream group %q retry.initial_delay_s must be >= 1", g.Name)
		}

		for _, s := range g.Servers {
			if s.ContentType == ContentTypeJSON && s.Method == MethodPOST {
				return fmt.Errorf("upstream group %q: content_type=json requires method=GET", g.Name)
			}
			if s.Weight <= 0 {
				return fmt.Errorf("upstream group %q: server %q has non-positive weight", g.Name, s.URL)
			}
			if s.Method != MethodGET && s.Method != MethodPOST {
				return fmt.Errorf("upstream group %q: server %q has unknown method %q", g.Name, s.URL, s.Method)
			}
			if s.ContentType != ContentTypeMessage && s.ContentType != ContentTypeJSON {
				return fmt.Errorf("upstream group %q: server %q has unknown content_type %q", g.Name, s.URL, s.ContentType)
			}
		}
	}

	for _, r := range cfg.StaticRules {
		if r.Action == ActionForward {
			if r.Target == "" {
				return fmt.Errorf("static rule %q forwards without a target group", r.Pattern)
			}
			if !groupNames[r.Target] {
				return fmt.Errorf("static rule %q targets unknown upstream group %q", r.Pattern, r.Target)
			}
		}

		switch r.Match {
		case MatchExact:
		case MatchWildcard:
			if !wildcardPattern.MatchString(r.Pattern) {
				return fmt.Errorf("static rule %q: wildcard pattern must be '*' or '*.domain'", r.Pattern)
			}
		case MatchRegex:
			if _, err := regexp.Compile(r.Pattern); err != nil {
				return fmt.Errorf("static rule %q: invalid regex: %w", r.Pattern, err)
			}
		default:
			return fmt.Errorf("static rule %q has unknown match kind %q", r.Pattern, r.Match)
		}
	}

	for _, f := range cfg.RemoteRules {
		if f.URL == "" {
			return fmt.Errorf("remote rule feed with empty url")
		}
		if f.Format != FormatV2Ray {
			return fmt.Errorf("remote rule feed %q has unknown format %q", f.URL, f.Format)
		}
		if f.Action == ActionForward && !groupNames[f.Target] {
			return fmt.Errorf("remote rule feed %q targets unknown upstream group %q", f.URL, f.Target)
		}
	}

	if cfg.Cache.MinTTLS > cfg.Cache.MaxTTLS {
		return fmt.Errorf("cache.min_ttl_s (%d) must be <= cache.max_ttl_s (%d)", cfg.Cache.MinTTLS, cfg.Cache.MaxTTLS)
	}
	if cfg.Cache.MaxSize < 10 || cfg.Cache.MaxSize > 1_000_000 {
		return fmt.Errorf("cache.max_size must be within [10, 1000000]")
	}
	for _, v := range []struct {
		name string
		val  int
	}{
		{"cache.min_ttl_s", cfg.Cache.MinTTLS},
		{"cache.max_ttl_s", cfg.Cache.MaxTTLS},
		{"cache.negative_ttl_s", cfg.Cache.NegativeTTLS},
	} {
		if v.val < 1 || v.val > 86400 {
			return fmt.Errorf("%s must be within [1, 86400]", v.name)
		}
	}

	if cfg.HTTPClient.ConnectTimeoutS < 1 || cfg.HTTPClient.ConnectTimeoutS > 120 {
		return fmt.Errorf("http_client.connect_timeout_s must be within [1, 120]")
	}
	if cfg.HTTPClient.RequestTimeoutS < 1 || cfg.HTTPClient.RequestTimeoutS > 1200 {
		return fmt.Errorf("http_client.request_timeout_s must be within [1, 1200]")
	}

	for _, cidr := range cfg.Server.AccessList {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("server.access_list entry %q is not a valid CIDR: %w", cidr, err)
		}
	}

	if cfg.Block.Nullroute != "" {
		if ip := net.ParseIP(cfg.Block.Nullroute); ip == nil || ip.To4() == nil {
			return fmt.Errorf("block.nullroute %q is not a valid IPv4 address", cfg.Block.Nullroute)
		}
	}
	if cfg.Block.Nullroutev6 != "" {
		if ip := net.ParseIP(cfg.Block.Nullroutev6); ip == nil || ip.To4() != nil {
			return fmt.Errorf("block.nullroutev6 %q is not a valid IPv6 address", cfg.Block.Nullroutev6)
		}
	}

	return nil
}

// NullrouteV4 returns the configured IPv4 null-route address, or nil if
// block responses should use NXDOMAIN instead.
func (c *Config) NullrouteV4() net.IP {
	if c.Block.Nullroute == "" {
		return nil
	}
	return net.ParseIP(c.Block.Nullroute)
}

// NullrouteV6 returns the configured IPv6 null-route address, or nil if
// block responses should use NXDOMAIN instead.
func (c *Config) NullrouteV6() net.IP {
	if c.Block.Nullroutev6 == "" {
		return nil
	}
	return net.ParseIP(c.Block.Nullroutev6)
}

var defaultConfigTemplate = `
# Config version, config and build versions can be different.
version = "%s"

[server]
listen_udp = ":53"
listen_tcp = ":53"
# listen_http = ":8053"
tcp_timeout_s = 5
http_timeout_s = 10
# Client CIDR ranges allowed to query; empty allows everyone.
# access_list = ["0.0.0.0/0", "::0/0"]

[admin]
listen = "127.0.0.1:8080"

[cache]
enabled = true
max_size = 10000
min_ttl_s = 60
max_ttl_s = 3600
negative_ttl_s = 300

[http_client]
connect_timeout_s = 5
request_timeout_s = 10
idle_timeout_s = 90
keepalive_s = 30
agent = "dohfwd"

[log]
level = "info"
`

func generateDefault(path string) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("could not create config directory: %w", err)
		}
	}

	output, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not generate config: %w", err)
	}
	defer output.Close()

	r := strings.NewReader(fmt.Sprintf(defaultConfigTemplate, configver))
	if _, err := io.Copy(output, r); err != nil {
		return fmt.Errorf("could not copy default config: %w", err)
	}

	return nil
}
