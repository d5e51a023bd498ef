package agent

import "github.com/l0p7/offsync/internal/agent/store"

// Family names for the three logical cache buckets. Activation garbage-collects
// any namespace with one of these names and a version other than the current one.
const (
	FamilyShell  = "app-shell"
	FamilyAssets = "static-assets"
	FamilyAPI    = "api-responses"
)

// Namespaces binds the three logical buckets to one build version.
type Namespaces struct {
	Shell  store.Namespace
	Assets store.Namespace
	API    store.Namespace
}

// NewNamespaces pins every family at the configured version.
func NewNamespaces(version uint) Namespaces {
	return Namespaces{
		Shell:  store.Namespace{Name: FamilyShell, Version: version},
		Assets: store.Namespace{Name: FamilyAssets, Version: version},
		API:    store.Namespace{Name: FamilyAPI, Version: version},
	}
}

// For picks the namespace a strategy reads and writes. Navigations (the
// stale-while-revalidate catch-all) share the shell bucket so precached
// documents satisfy them; assets and API responses each keep their own.
func (n Namespaces) For(s Strategy) store.Namespace {
	switch s {
	case StrategyNetworkFirst:
		return n.API
	case StrategyCacheFirst:
		return n.Assets
	default:
		return n.Shell
	}
}

// Families lists the logical names owned by this agent.
func (n Namespaces) Families() []string {
	return []string{FamilyShell, FamilyAssets, FamilyAPI}
}
