// Package registry loads the set of configured upstream providers from
// a YAML catalog file once at startup and exposes it as an immutable,
// in-memory lookup table.
package registry

import (
	"fmt"
	"maps"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mcphub/gateway/internal/gatewayerr"
)

var validate = validator.New()

// AuthType names the header-construction strategy for a provider.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "api_key"

	defaultAPIKeyHeader = "x-api-key"
)

// ProviderConfig is the immutable description of one upstream MCP
// server, loaded once from the registry file.
type ProviderConfig struct {
	Name                   string            `yaml:"name" validate:"required"`
	Protocol               string            `yaml:"protocol" validate:"required"`
	RPCEndpoint            string            `yaml:"rpc_endpoint" validate:"required,url"`
	AuthType               AuthType          `yaml:"auth_type" validate:"omitempty,oneof=none bearer api_key"`
	APIKeyHeaderName       string            `yaml:"api_key_header_name"`
	ExtraHeaders           map[string]string `yaml:"extra_headers"`
	PersistResponseHeaders []string          `yaml:"persist_response_headers"`
}

// file is the on-disk shape of the registry YAML document.
type file struct {
	Servers map[string]ProviderConfig `yaml:"servers"`
}

// Registry is the read-only provider catalog.
type Registry struct {
	providers map[string]ProviderConfig
}

// Load reads path once and validates every provider entry. Any I/O or
// structural problem is reported as a ConfigError — the gateway is
// expected to abort startup on this.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindConfigError, "reading registry file "+path, err)
	}

	var doc file
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindConfigError, "parsing registry file "+path, err)
	}

	providers := make(map[string]ProviderConfig, len(doc.Servers))
	for name, cfg := range doc.Servers {
		cfg.Name = name
		if cfg.APIKeyHeaderName == "" {
			cfg.APIKeyHeaderName = defaultAPIKeyHeader
		}
		if err := validateEntry(name, cfg); err != nil {
			return nil, err
		}
		providers[name] = cfg
	}

	return &Registry{providers: providers}, nil
}

func validateEntry(name string, cfg ProviderConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return gatewayerr.Wrap(gatewayerr.KindConfigError, fmt.Sprintf("provider %q is invalid", name), err)
	}
	return nil
}

// Get returns the named provider's configuration. Unknown names fail
// with UnknownProvider.
func (r *Registry) Get(name string) (ProviderConfig, error) {
	cfg, ok := r.providers[name]
	if !ok {
		return ProviderConfig{}, gatewayerr.New(gatewayerr.KindUnknownProvider, "unknown provider "+name)
	}
	return cfg, nil
}

// List returns a snapshot copy of every configured provider, keyed by
// name. Mutating the result does not affect the Registry.
func (r *Registry) List() map[string]ProviderConfig {
	return maps.Clone(r.providers)
}
