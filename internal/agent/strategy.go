package agent

import "fmt"

// Strategy is the closed set of read-path caching protocols. Keeping it a
// compile-time enumeration means every executor switch is exhaustive.
type Strategy int

const (
	// StrategyCacheFirst serves from cache and refreshes in the background.
	StrategyCacheFirst Strategy = iota
	// StrategyNetworkFirst prefers fresh data and falls back to cache.
	StrategyNetworkFirst
	// StrategyStaleWhileRevalidate serves stale immediately and revalidates.
	StrategyStaleWhileRevalidate
)

// String returns the configuration name of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyCacheFirst:
		return "cacheFirst"
	case StrategyNetworkFirst:
		return "networkFirst"
	case StrategyStaleWhileRevalidate:
		return "staleWhileRevalidate"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy maps a configuration name onto its Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "cacheFirst":
		return StrategyCacheFirst, nil
	case "networkFirst":
		return StrategyNetworkFirst, nil
	case "staleWhileRevalidate":
		return StrategyStaleWhileRevalidate, nil
	default:
		return 0, fmt.Errorf("agent: unknown strategy %q", name)
	}
}
