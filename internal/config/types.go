package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds every option the agent needs at boot: the HTTP boundary, the
// upstream origin, both durable stores, classification rules, and the precache
// manifest source.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Cache    CacheConfig    `koanf:"cache"`
	Queue    QueueConfig    `koanf:"queue"`
	Classify ClassifyConfig `koanf:"classify"`
	Precache PrecacheConfig `koanf:"precache"`
	Offline  OfflineConfig  `koanf:"offline"`
	Notify   NotifyConfig   `koanf:"notify"`
}

// ServerConfig collects the bootstrap knobs for the interception listener.
type ServerConfig struct {
	Listen               ListenConfig  `koanf:"listen"`
	Logging              LoggingConfig `koanf:"logging"`
	ShutdownGraceSeconds int           `koanf:"shutdownGraceSeconds"`
}

// ShutdownGrace converts the drain window granted to in-flight requests when
// the listener stops.
func (s ServerConfig) ShutdownGrace() time.Duration {
	if s.ShutdownGraceSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ShutdownGraceSeconds) * time.Second
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// UpstreamConfig names the origin the agent fronts. Relative request URLs are
// resolved against Origin; absolute URLs to other hosts are only intercepted
// when the host appears in AllowHosts.
type UpstreamConfig struct {
	Origin         string   `koanf:"origin"`
	TimeoutSeconds int      `koanf:"timeoutSeconds"`
	AllowHosts     []string `koanf:"allowHosts"`
}

// Timeout converts the configured per-attempt network timeout.
func (u UpstreamConfig) Timeout() time.Duration {
	if u.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// CacheConfig selects the cache store backend and the namespace version for
// this build. Version must be bumped whenever the precache manifest changes.
type CacheConfig struct {
	Backend string      `koanf:"backend"`
	Version uint        `koanf:"version"`
	Redis   RedisConfig `koanf:"redis"`
}

// QueueConfig selects the mutation queue backend.
type QueueConfig struct {
	Backend string      `koanf:"backend"`
	Redis   RedisConfig `koanf:"redis"`
}

// RedisConfig carries valkey connection options shared by both durable stores.
type RedisConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// ClassifyConfig drives the strategy classifier. Override rules are evaluated
// first and in order; prefixes and extensions follow, with
// stale-while-revalidate as the catch-all for read requests.
type ClassifyConfig struct {
	APIPrefixes     []string       `koanf:"apiPrefixes"`
	AssetPrefixes   []string       `koanf:"assetPrefixes"`
	AssetExtensions []string       `koanf:"assetExtensions"`
	Rules           []ClassifyRule `koanf:"rules"`
}

// ClassifyRule is an operator-supplied CEL override: when Expr evaluates true
// against the request, Strategy wins before the built-in prefix rules run.
type ClassifyRule struct {
	Expr     string `koanf:"expr"`
	Strategy string `koanf:"strategy"`
}

// PrecacheConfig names the application-shell manifest. URLs may be listed
// inline or sourced from a yaml/json manifest file; with Watch enabled the
// agent re-installs whenever the manifest file changes.
type PrecacheConfig struct {
	URLs         []string `koanf:"urls"`
	ManifestFile string   `koanf:"manifestFile"`
	Watch        bool     `koanf:"watch"`
}

// OfflineConfig optionally points at a template file used to render the body
// of synthesized offline responses.
type OfflineConfig struct {
	Template string `koanf:"template"`
}

// NotifyConfig carries defaults applied to inbound notification payloads.
type NotifyConfig struct {
	DefaultTitle string `koanf:"defaultTitle"`
}

// DefaultConfig returns the baseline the loader layers files and env on top of.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:               ListenConfig{Address: "", Port: 8089},
			Logging:              LoggingConfig{Level: "info", Format: "json"},
			ShutdownGraceSeconds: 5,
		},
		Upstream: UpstreamConfig{
			Origin:         "http://127.0.0.1:8080",
			TimeoutSeconds: 5,
		},
		Cache: CacheConfig{Backend: "memory", Version: 1},
		Queue: QueueConfig{Backend: "memory"},
		Classify: ClassifyConfig{
			APIPrefixes:     []string{"/api/"},
			AssetPrefixes:   []string{"/static/", "/assets/"},
			AssetExtensions: []string{".css", ".js", ".png", ".svg", ".ico", ".woff2"},
		},
		Notify: NotifyConfig{DefaultTitle: "offsync"},
	}
}

// Validate rejects configurations the agent cannot serve with.
func (c Config) Validate() error {
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.Server.Listen.Port)
	}
	if c.Server.ShutdownGraceSeconds < 0 {
		return fmt.Errorf("config: shutdown grace %d must not be negative", c.Server.ShutdownGraceSeconds)
	}
	origin := strings.TrimSpace(c.Upstream.Origin)
	if origin == "" {
		return errors.New("config: upstream origin required")
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("config: upstream origin: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("config: upstream origin scheme %q unsupported", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("config: upstream origin host required")
	}
	if c.Cache.Version == 0 {
		return errors.New("config: cache version must be at least 1")
	}
	switch strings.ToLower(strings.TrimSpace(c.Cache.Backend)) {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("config: unsupported cache backend %q", c.Cache.Backend)
	}
	switch strings.ToLower(strings.TrimSpace(c.Queue.Backend)) {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("config: unsupported queue backend %q", c.Queue.Backend)
	}
	for i, rule := range c.Classify.Rules {
		if strings.TrimSpace(rule.Expr) == "" {
			return fmt.Errorf("config: classify rule %d missing expr", i)
		}
		if strings.TrimSpace(rule.Strategy) == "" {
			return fmt.Errorf("config: classify rule %d missing strategy", i)
		}
	}
	return nil
}
