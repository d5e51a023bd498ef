package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the agent configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.shutdowngraceseconds": "server.shutdownGraceSeconds",
			"upstream.timeoutseconds":     "upstream.timeoutSeconds",
			"upstream.allowhosts":         "upstream.allowHosts",
			"cache.redis.tls.cafile":      "cache.redis.tls.caFile",
			"queue.redis.tls.cafile":      "queue.redis.tls.caFile",
			"classify.apiprefixes":        "classify.apiPrefixes",
			"classify.assetprefixes":      "classify.assetPrefixes",
			"classify.assetextensions":    "classify.assetExtensions",
			"precache.manifestfile":       "precache.manifestFile",
			"notify.defaulttitle":         "notify.defaultTitle",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (CACHE__REDIS__ADDRESS -> cache.redis.address).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parserFor picks the koanf parser from the file extension so operators can
// keep the config in whichever of the three formats their build emits.
func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", "":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported config format %s", filepath.Ext(path))
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"shutdownGraceSeconds": cfg.Server.ShutdownGraceSeconds,
		},
		"upstream": map[string]any{
			"origin":         cfg.Upstream.Origin,
			"timeoutSeconds": cfg.Upstream.TimeoutSeconds,
			"allowHosts":     cfg.Upstream.AllowHosts,
		},
		"cache": map[string]any{
			"backend": cfg.Cache.Backend,
			"version": cfg.Cache.Version,
			"redis":   redisToMap(cfg.Cache.Redis),
		},
		"queue": map[string]any{
			"backend": cfg.Queue.Backend,
			"redis":   redisToMap(cfg.Queue.Redis),
		},
		"classify": map[string]any{
			"apiPrefixes":     cfg.Classify.APIPrefixes,
			"assetPrefixes":   cfg.Classify.AssetPrefixes,
			"assetExtensions": cfg.Classify.AssetExtensions,
		},
		"precache": map[string]any{
			"urls":         cfg.Precache.URLs,
			"manifestFile": cfg.Precache.ManifestFile,
			"watch":        cfg.Precache.Watch,
		},
		"offline": map[string]any{
			"template": cfg.Offline.Template,
		},
		"notify": map[string]any{
			"defaultTitle": cfg.Notify.DefaultTitle,
		},
	}
}

func redisToMap(cfg RedisConfig) map[string]any {
	return map[string]any{
		"address":  cfg.Address,
		"username": cfg.Username,
		"password": cfg.Password,
		"db":       cfg.DB,
		"tls": map[string]any{
			"enabled": cfg.TLS.Enabled,
			"caFile":  cfg.TLS.CAFile,
		},
	}
}
