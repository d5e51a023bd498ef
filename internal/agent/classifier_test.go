package agent

import (
	"io"
	"log/slog"
	"testing"

	"github.com/l0p7/offsync/internal/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func defaultClassifyConfig() config.ClassifyConfig {
	return config.ClassifyConfig{
		APIPrefixes:     []string{"/api/"},
		AssetPrefixes:   []string{"/static/", "/assets/"},
		AssetExtensions: []string{".css", ".js", ".png", ".svg", ".ico", ".woff2"},
	}
}

func TestClassifyBuiltInRules(t *testing.T) {
	c, err := NewClassifier(defaultClassifyConfig(), newTestLogger())
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}

	tests := []struct {
		name   string
		method string
		url    string
		want   Strategy
	}{
		{"api path", "GET", "http://origin/api/status", StrategyNetworkFirst},
		{"api path with query", "GET", "http://origin/api/items?page=2", StrategyNetworkFirst},
		{"asset prefix", "GET", "http://origin/static/app.js", StrategyCacheFirst},
		{"asset extension outside prefix", "GET", "http://origin/theme/dark.css", StrategyCacheFirst},
		{"extension case-insensitive", "GET", "http://origin/logo.PNG", StrategyCacheFirst},
		{"navigation", "GET", "http://origin/dashboard", StrategyStaleWhileRevalidate},
		{"root", "GET", "http://origin/", StrategyStaleWhileRevalidate},
		{"head request", "HEAD", "http://origin/api/status", StrategyNetworkFirst},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := c.Classify(Descriptor{Method: tc.method, URL: tc.url})
			if !ok {
				t.Fatalf("read request not classified")
			}
			if got != tc.want {
				t.Fatalf("Classify(%s %s) = %s, want %s", tc.method, tc.url, got, tc.want)
			}
		})
	}
}

func TestClassifyExcludesMutations(t *testing.T) {
	c, err := NewClassifier(defaultClassifyConfig(), newTestLogger())
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	for _, method := range []string{"POST", "PUT", "PATCH", "DELETE"} {
		if _, ok := c.Classify(Descriptor{Method: method, URL: "http://origin/api/items"}); ok {
			t.Fatalf("%s must not receive a caching strategy", method)
		}
	}
}

func TestClassifyAPIPrefixBeatsExtension(t *testing.T) {
	c, err := NewClassifier(defaultClassifyConfig(), newTestLogger())
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	// An asset-looking path under the API prefix is still API traffic.
	got, ok := c.Classify(Descriptor{Method: "GET", URL: "http://origin/api/export.css"})
	if !ok || got != StrategyNetworkFirst {
		t.Fatalf("expected networkFirst, got %s (ok=%v)", got, ok)
	}
}

func TestClassifyOverrideRules(t *testing.T) {
	cfg := defaultClassifyConfig()
	cfg.Rules = []config.ClassifyRule{
		{Expr: `path.startsWith("/api/reports/")`, Strategy: "cacheFirst"},
		{Expr: `host == "cdn.example.com"`, Strategy: "cacheFirst"},
		{Expr: `query.contains("nocache=1")`, Strategy: "networkFirst"},
	}
	c, err := NewClassifier(cfg, newTestLogger())
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}

	got, ok := c.Classify(Descriptor{Method: "GET", URL: "http://origin/api/reports/2026"})
	if !ok || got != StrategyCacheFirst {
		t.Fatalf("override should beat the api prefix, got %s", got)
	}

	got, _ = c.Classify(Descriptor{Method: "GET", URL: "http://cdn.example.com/anything"})
	if got != StrategyCacheFirst {
		t.Fatalf("host override not applied, got %s", got)
	}

	got, _ = c.Classify(Descriptor{Method: "GET", URL: "http://origin/page?nocache=1"})
	if got != StrategyNetworkFirst {
		t.Fatalf("query override not applied, got %s", got)
	}

	// Rules run in order: the first matching rule wins.
	got, _ = c.Classify(Descriptor{Method: "GET", URL: "http://cdn.example.com/api/reports/x?nocache=1"})
	if got != StrategyCacheFirst {
		t.Fatalf("expected the first matching rule to win, got %s", got)
	}

	// Non-matching requests fall through to the built-ins.
	got, _ = c.Classify(Descriptor{Method: "GET", URL: "http://origin/api/items"})
	if got != StrategyNetworkFirst {
		t.Fatalf("fallthrough broken, got %s", got)
	}
}

func TestClassifyRejectsBadRules(t *testing.T) {
	cfg := defaultClassifyConfig()
	cfg.Rules = []config.ClassifyRule{{Expr: `path +`, Strategy: "cacheFirst"}}
	if _, err := NewClassifier(cfg, newTestLogger()); err == nil {
		t.Fatalf("expected compile error for malformed expression")
	}

	cfg.Rules = []config.ClassifyRule{{Expr: `path`, Strategy: "cacheFirst"}}
	if _, err := NewClassifier(cfg, newTestLogger()); err == nil {
		t.Fatalf("expected error for non-bool expression")
	}

	cfg.Rules = []config.ClassifyRule{{Expr: `true`, Strategy: "unknown"}}
	if _, err := NewClassifier(cfg, newTestLogger()); err == nil {
		t.Fatalf("expected error for unknown strategy name")
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	c, err := NewClassifier(defaultClassifyConfig(), newTestLogger())
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	d := Descriptor{Method: "GET", URL: "http://origin/api/items?sort=asc"}
	first, _ := c.Classify(d)
	for i := 0; i < 50; i++ {
		got, _ := c.Classify(d)
		if got != first {
			t.Fatalf("classification changed between calls: %s then %s", first, got)
		}
	}
}
