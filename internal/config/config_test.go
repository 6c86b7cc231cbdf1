package config

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesFlagOverrides(t *testing.T) {
	cfg, err := Load("", map[string]string{
		"region":        "eu-west",
		"httplistenaddr": ":9090",
	})
	require.NoError(t, err)
	require.Equal(t, "eu-west", cfg.Region)
	require.Equal(t, ":9090", cfg.HTTPListenAddr)
	require.Equal(t, DiscoveryStatic, cfg.DiscoveryMode)
}

func TestValidateRegistryRequiresURL(t *testing.T) {
	cfg := Defaults()
	cfg.DiscoveryMode = DiscoveryRegistry
	require.Error(t, Validate(cfg))
	cfg.RegistryURL = "redis://localhost:6379"
	require.NoError(t, Validate(cfg))
}

func TestPrintConfigRedactsSecretsByOmission(t *testing.T) {
	cfg := Defaults()
	cfg.AdminToken = "super-secret"
	var buf bytes.Buffer
	require.NoError(t, PrintConfig(&buf, cfg))
	require.NotContains(t, buf.String(), "super-secret")
	require.Contains(t, buf.String(), "region")
}
