package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Manifest is the list of critical resources precached at install time. The
// build layer owns its contents; the agent only consumes it.
type Manifest struct {
	URLs []string `koanf:"urls"`
}

// LoadManifest resolves the effective precache manifest: inline URLs from the
// config combined with the manifest file when one is configured. Duplicate
// URLs are collapsed, order preserved.
func LoadManifest(cfg PrecacheConfig) (Manifest, error) {
	urls := append([]string(nil), cfg.URLs...)

	if path := strings.TrimSpace(cfg.ManifestFile); path != "" {
		var parser koanf.Parser
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return Manifest{}, fmt.Errorf("config: unsupported manifest format %s", filepath.Ext(path))
		}
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Manifest{}, fmt.Errorf("config: load manifest %s: %w", path, err)
		}
		var fromFile Manifest
		if err := k.Unmarshal("", &fromFile); err != nil {
			return Manifest{}, fmt.Errorf("config: unmarshal manifest %s: %w", path, err)
		}
		urls = append(urls, fromFile.URLs...)
	}

	seen := make(map[string]struct{}, len(urls))
	deduped := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		deduped = append(deduped, u)
	}
	return Manifest{URLs: deduped}, nil
}
