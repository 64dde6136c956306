package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcphub/gateway/internal/gatewayerr"
	"github.com/mcphub/gateway/internal/registry"
)

func TestBuildNoAuth(t *testing.T) {
	p := registry.ProviderConfig{Name: "p", ExtraHeaders: map[string]string{"x-static": "v"}}
	h, err := Build(p, nil)
	require.NoError(t, err)
	assert.Equal(t, "v", h.Get("x-static"))
	assert.Empty(t, h.Get("Authorization"))
}

func TestBuildBearer(t *testing.T) {
	p := registry.ProviderConfig{Name: "p", AuthType: registry.AuthBearer}

	_, err := Build(p, map[string]any{})
	require.Error(t, err)
	ge, ok := gatewayerr.AsError(err)
	require.True(t, ok)
	assert.Equal(t, gatewayerr.KindCredentialError, ge.Kind)

	h, err := Build(p, map[string]any{"token": "secret"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", h.Get("Authorization"))
}

func TestBuildAPIKeyFallbackOrder(t *testing.T) {
	p := registry.ProviderConfig{Name: "p", AuthType: registry.AuthAPIKey, APIKeyHeaderName: "x-api-key"}

	h, err := Build(p, map[string]any{"key": "k1"})
	require.NoError(t, err)
	assert.Equal(t, "k1", h.Get("x-api-key"))

	h, err = Build(p, map[string]any{"api_key": "k2", "key": "k1"})
	require.NoError(t, err)
	assert.Equal(t, "k2", h.Get("x-api-key"))

	_, err = Build(p, nil)
	require.Error(t, err)
}

func TestBuildUnsupportedAuth(t *testing.T) {
	p := registry.ProviderConfig{Name: "p", AuthType: "oauth2"}
	_, err := Build(p, nil)
	require.Error(t, err)
	ge, ok := gatewayerr.AsError(err)
	require.True(t, ok)
	assert.Equal(t, gatewayerr.KindUnsupportedAuth, ge.Kind)
}
