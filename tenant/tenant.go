// Package tenant provides the read-only tenant registry.
//
// Tenants are loaded from a JSON file containing an array of TenantConfig
// records. The registry is immutable after load; Reload swaps in a fresh
// snapshot atomically.
package tenant

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
)

// TenantConfig describes one tenant: where its users authenticate, which
// vault connection holds their downstream credential, and where forwarded
// requests go.
type TenantConfig struct {
	// ID is the tenant identifier used in request paths
	ID string `json:"id"`

	// Name is the human-readable tenant name, used in resource metadata
	Name string `json:"name"`

	// BackendURL is the base URL requests are forwarded to
	BackendURL string `json:"backend_url"`

	// Issuer is the tenant's upstream authorization server URL. Inbound
	// bearer tokens must carry exactly this issuer.
	Issuer string `json:"issuer"`

	// JWKSURL is where the tenant's RS256 verification keys are published
	JWKSURL string `json:"jwks_url"`

	// VaultConnection names the federated connection at the token vault.
	// Empty means requests are forwarded with the agent token as-is.
	VaultConnection string `json:"vault_connection"`

	// ExternalScopes are the downstream scopes requested during token
	// exchange and account linking, in order.
	ExternalScopes []string `json:"external_scopes"`
}

// Validate checks that the record is usable.
func (tc *TenantConfig) Validate() error {
	if tc.ID == "" {
		return fmt.Errorf("tenant is missing an id")
	}
	if tc.Issuer == "" {
		return fmt.Errorf("tenant %q is missing an issuer", tc.ID)
	}
	for field, value := range map[string]string{
		"backend_url": tc.BackendURL,
		"issuer":      tc.Issuer,
		"jwks_url":    tc.JWKSURL,
	} {
		if value == "" {
			continue
		}
		u, err := url.Parse(value)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("tenant %q: %s %q is not an absolute URL", tc.ID, field, value)
		}
	}
	return nil
}

// ExternalScope joins the tenant's external scopes into a single
// space-separated scope parameter value.
func (tc *TenantConfig) ExternalScope() string {
	return strings.Join(tc.ExternalScopes, " ")
}

// Registry is a read-only mapping from tenant id to TenantConfig.
type Registry struct {
	path string

	mu      sync.RWMutex
	tenants map[string]*TenantConfig
}

// Load reads the tenant file at path and builds a registry from it.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewFromConfigs builds a registry directly from records, bypassing the
// file. Used in tests and by embedders with their own configuration source.
func NewFromConfigs(configs []TenantConfig) (*Registry, error) {
	tenants, err := index(configs)
	if err != nil {
		return nil, err
	}
	return &Registry{tenants: tenants}, nil
}

// Reload re-reads the tenant file and atomically replaces the mapping.
// On error the previous mapping stays in effect.
func (r *Registry) Reload() error {
	if r.path == "" {
		return fmt.Errorf("registry has no backing file")
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("reading tenant file: %w", err)
	}

	var configs []TenantConfig
	if err := json.Unmarshal(data, &configs); err != nil {
		return fmt.Errorf("parsing tenant file %s: %w", r.path, err)
	}

	tenants, err := index(configs)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.tenants = tenants
	r.mu.Unlock()
	return nil
}

// Lookup returns the tenant with the given id, or nil when unknown.
func (r *Registry) Lookup(id string) *TenantConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tenants[id]
}

// IDs returns all registered tenant ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	return ids
}

func index(configs []TenantConfig) (map[string]*TenantConfig, error) {
	tenants := make(map[string]*TenantConfig, len(configs))
	for i := range configs {
		tc := configs[i]
		if err := tc.Validate(); err != nil {
			return nil, err
		}
		if _, exists := tenants[tc.ID]; exists {
			return nil, fmt.Errorf("duplicate tenant id %q", tc.ID)
		}
		tenants[tc.ID] = &tc
	}
	return tenants, nil
}
