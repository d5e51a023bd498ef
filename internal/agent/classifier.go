package agent

import (
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/l0p7/offsync/internal/config"
)

// overrideRule is one compiled operator rule: when the expression matches the
// request, its strategy wins before the built-in prefix rules run.
type overrideRule struct {
	source   string
	program  cel.Program
	strategy Strategy
}

// Classifier maps a request descriptor onto a caching strategy. Classification
// is pure and deterministic: no side effects, and the same descriptor always
// yields the same strategy, which keeps replays and tests reproducible.
type Classifier struct {
	apiPrefixes     []string
	assetPrefixes   []string
	assetExtensions []string
	overrides       []overrideRule
	logger          *slog.Logger
}

// NewClassifier compiles the configured rules. CEL expressions see the request
// as {method, url, path, query, host} string variables and must yield a bool.
func NewClassifier(cfg config.ClassifyConfig, logger *slog.Logger) (*Classifier, error) {
	c := &Classifier{
		apiPrefixes:     append([]string(nil), cfg.APIPrefixes...),
		assetPrefixes:   append([]string(nil), cfg.AssetPrefixes...),
		assetExtensions: normalizeExtensions(cfg.AssetExtensions),
		logger:          logger.With(slog.String("agent", "classifier")),
	}

	if len(cfg.Rules) == 0 {
		return c, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("method", cel.StringType),
		cel.Variable("url", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("query", cel.StringType),
		cel.Variable("host", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("agent: classifier environment: %w", err)
	}

	for i, rule := range cfg.Rules {
		strategy, err := ParseStrategy(rule.Strategy)
		if err != nil {
			return nil, fmt.Errorf("agent: classify rule %d: %w", i, err)
		}
		ast, issues := env.Compile(rule.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("agent: classify rule %d compile %q: %w", i, rule.Expr, issues.Err())
		}
		if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
			return nil, fmt.Errorf("agent: classify rule %d: expression %q must yield a bool, got %s", i, rule.Expr, cel.FormatCELType(t))
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("agent: classify rule %d program: %w", i, err)
		}
		c.overrides = append(c.overrides, overrideRule{source: rule.Expr, program: program, strategy: strategy})
	}
	return c, nil
}

// Classify selects the strategy for a read request. The second return is
// false for mutations, which are never cached directly.
func (c *Classifier) Classify(d Descriptor) (Strategy, bool) {
	if !d.IsRead() {
		return 0, false
	}

	requestPath, query, host := splitURL(d.URL)

	if len(c.overrides) > 0 {
		activation := map[string]any{
			"method": strings.ToUpper(d.Method),
			"url":    d.URL,
			"path":   requestPath,
			"query":  query,
			"host":   host,
		}
		for _, rule := range c.overrides {
			val, _, err := rule.program.Eval(activation)
			if err != nil {
				c.logger.Warn("classify rule evaluation failed", slog.String("expr", rule.source), slog.Any("error", err))
				continue
			}
			if matched, ok := val.(types.Bool); ok && bool(matched) {
				return rule.strategy, true
			}
		}
	}

	for _, prefix := range c.apiPrefixes {
		if strings.HasPrefix(requestPath, prefix) {
			return StrategyNetworkFirst, true
		}
	}
	for _, prefix := range c.assetPrefixes {
		if strings.HasPrefix(requestPath, prefix) {
			return StrategyCacheFirst, true
		}
	}
	if ext := strings.ToLower(path.Ext(requestPath)); ext != "" {
		for _, allowed := range c.assetExtensions {
			if ext == allowed {
				return StrategyCacheFirst, true
			}
		}
	}
	return StrategyStaleWhileRevalidate, true
}

func splitURL(raw string) (requestPath, query, host string) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw, "", ""
	}
	requestPath = parsed.Path
	if requestPath == "" {
		requestPath = "/"
	}
	return requestPath, parsed.RawQuery, strings.ToLower(parsed.Host)
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}
