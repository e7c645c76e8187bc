package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080", cfg.BackendURL)
	require.Equal(t, 9099, cfg.Port)
	require.Equal(t, "relay", cfg.PipelineID)
	require.Equal(t, "openai", cfg.Provider)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"backend_url: http://file:1234\nport: 7000\npipeline_id: from-file\n",
	), 0o644))

	t.Setenv("RELAY_BACKEND_URL", "http://env:9999")
	t.Setenv("RELAY_PORT", "7001")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "http://env:9999", cfg.BackendURL)
	require.Equal(t, 7001, cfg.Port)
	require.Equal(t, "from-file", cfg.PipelineID)
}

func TestJSON5File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// comments are allowed here
		backend_url: "http://json5:8080",
		provider: "anthropic",
	}`), 0o644))

	t.Setenv("ANTHROPIC_API_KEY", "k")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "http://json5:8080", cfg.BackendURL)
	require.Equal(t, "anthropic", cfg.Provider)
}

func TestEnvExpansionInFile(t *testing.T) {
	t.Setenv("TEST_RELAY_HOST", "expanded-host")
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"backend_url: http://${TEST_RELAY_HOST}:8080\n",
	), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "http://expanded-host:8080", cfg.BackendURL)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing backend", func(c *Config) { c.BackendURL = "" }},
		{"bad port", func(c *Config) { c.Port = -1 }},
		{"missing pipeline", func(c *Config) { c.PipelineID = "" }},
		{"unknown provider", func(c *Config) { c.Provider = "hal9000" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
