// Package auth builds outbound HTTP headers for an upstream provider
// from its configured auth strategy and a session's credential bag.
//
// Build has no side effects and touches no shared state; it is called
// once per session per provider whenever a session's runtime state is
// materialized: at session creation, and again when the runtime is
// rebuilt from the persisted record.
package auth

import (
	"net/http"

	"github.com/mcphub/gateway/internal/gatewayerr"
	"github.com/mcphub/gateway/internal/registry"
)

// Build returns the headers to attach to every request sent to
// provider, given the raw credential bag supplied at session
// creation. credentials values are expected to be strings; a present
// but non-string value is treated as empty.
func Build(provider registry.ProviderConfig, credentials map[string]any) (http.Header, error) {
	headers := make(http.Header, len(provider.ExtraHeaders)+1)
	for k, v := range provider.ExtraHeaders {
		headers.Set(k, v)
	}

	switch provider.AuthType {
	case "", registry.AuthNone:
		return headers, nil

	case registry.AuthBearer:
		token := stringField(credentials, "token")
		if token == "" {
			return nil, gatewayerr.New(gatewayerr.KindCredentialError,
				"provider "+provider.Name+" requires credentials.token for bearer auth")
		}
		headers.Set("Authorization", "Bearer "+token)
		return headers, nil

	case registry.AuthAPIKey:
		key := firstNonEmpty(credentials, "api_key", "key", "token")
		if key == "" {
			return nil, gatewayerr.New(gatewayerr.KindCredentialError,
				"provider "+provider.Name+" requires credentials.api_key (or key/token) for api_key auth")
		}
		headerName := provider.APIKeyHeaderName
		if headerName == "" {
			headerName = "x-api-key"
		}
		headers.Set(headerName, key)
		return headers, nil

	default:
		return nil, gatewayerr.New(gatewayerr.KindUnsupportedAuth,
			"provider "+provider.Name+" has unsupported auth_type "+string(provider.AuthType))
	}
}

func stringField(credentials map[string]any, key string) string {
	v, ok := credentials[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func firstNonEmpty(credentials map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := stringField(credentials, k); v != "" {
			return v
		}
	}
	return ""
}
