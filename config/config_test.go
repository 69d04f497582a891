package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadJSON(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-from-env")
	t.Setenv("CONNECT_SERVER", "")
	t.Setenv("CONNECT_API_KEY", "")
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "server_addr": ":9000",
  "llm": {"provider": "openai", "model": "gpt-4.1", "api_key_env": "TEST_LLM_KEY"},
  "preview": {"port": 9999}
}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ServerAddr)
	require.Equal(t, "sk-from-env", cfg.LLM.APIKey)
	require.Equal(t, 9999, cfg.Preview.Port)
	require.Equal(t, "shiny-app-bundle", cfg.Workspace.Dir)
	require.True(t, cfg.Workspace.ResetEnabled())
	require.Nil(t, cfg.Connect)
}

func TestLoadTOML(t *testing.T) {
	t.Setenv("CONNECT_SERVER", "https://connect.example.com")
	t.Setenv("CONNECT_API_KEY", "ck")
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
verbose = true

[llm]
provider = "deepseek"
model = "deepseek-chat"
api_key = "inline"
base_url = "https://api.deepseek.com/v1"

[preview]
command = ["shiny", "run", "--port", "{port}"]

[workspace]
dir = "/tmp/app"
reset_on_session = false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.Verbose)
	require.Equal(t, "inline", cfg.LLM.APIKey)
	require.Equal(t, []string{"shiny", "run", "--port", "{port}"}, cfg.Preview.Command)
	require.Equal(t, 8989, cfg.Preview.Port)
	require.False(t, cfg.Workspace.ResetEnabled())
	require.NotNil(t, cfg.Connect)
	require.Equal(t, "https://connect.example.com", cfg.Connect.ServerURL)
	require.Equal(t, "ck", cfg.Connect.APIKey)
}

func TestLoadRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{`), 0o644))
	_, err := Load(bad)
	require.Error(t, err)

	noModel := filepath.Join(dir, "nomodel.json")
	require.NoError(t, os.WriteFile(noModel, []byte(`{"llm":{"provider":"openai"}}`), 0o644))
	_, err = Load(noModel)
	require.Error(t, err)
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Equal(t, 8989, cfg.Preview.Port)
	require.Nil(t, cfg.LLM)
}
