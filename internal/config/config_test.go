package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravelsys/mcp-broker/internal/brokererr"
)

func TestParse_AppliesDefaults(t *testing.T) {
	doc := `{"mcpServers": {"echo": {"command": "python3"}}}`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	sc := cfg.McpServers["echo"]
	assert.Equal(t, "echo", sc.Name)
	assert.Equal(t, "stdio", sc.Type)
	assert.Equal(t, []string{}, sc.Args)
	assert.Equal(t, map[string]string{}, sc.Env)
	assert.Equal(t, []string{}, sc.Tags)
}

func TestParse_RejectsUnwhitelistedCommand(t *testing.T) {
	doc := `{"mcpServers": {"evil": {"command": "rm"}}}`
	_, err := Parse([]byte(doc))
	assert.Error(t, err)
}

func TestParse_RejectsAbsolutePathOutsideWhitelist(t *testing.T) {
	doc := `{"mcpServers": {"evil": {"command": "/opt/evil/run"}}}`
	_, err := Parse([]byte(doc))
	assert.Error(t, err)
}

func TestParse_AllowsWhitelistedAbsolutePath(t *testing.T) {
	doc := `{"mcpServers": {"ok": {"command": "/usr/bin/python3"}}}`
	_, err := Parse([]byte(doc))
	assert.NoError(t, err)
}

func TestParse_RejectsShellMetaInArgs(t *testing.T) {
	doc := `{"mcpServers": {"evil": {"command": "python3", "args": ["script.py; rm -rf /"]}}}`
	_, err := Parse([]byte(doc))
	assert.Error(t, err)
}

func TestParse_RejectsTooManyArgs(t *testing.T) {
	args := make([]string, 51)
	for i := range args {
		args[i] = "x"
	}
	raw, err := json.Marshal(map[string]any{
		"mcpServers": map[string]any{
			"many": map[string]any{"command": "python3", "args": args},
		},
	})
	require.NoError(t, err)
	_, err = Parse(raw)
	assert.Error(t, err)
}

func TestParse_RejectsInvalidEnvName(t *testing.T) {
	doc := `{"mcpServers": {"bad": {"command": "python3", "env": {"lowercase": "x"}}}}`
	_, err := Parse([]byte(doc))
	assert.Error(t, err)
}

func TestParse_AcceptsValidEnvName(t *testing.T) {
	doc := `{"mcpServers": {"ok": {"command": "python3", "env": {"MY_VAR": "x"}}}}`
	_, err := Parse([]byte(doc))
	assert.NoError(t, err)
}

func TestParse_TildeExpandsCommandAndArgs(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	doc := `{"mcpServers": {"ok": {"command": "python3", "args": ["~/scripts/run.py"]}}}`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	expected := filepath.Join(home, "scripts", "run.py")
	assert.Equal(t, expected, cfg.McpServers["ok"].Args[0])
}

func TestParse_MalformedJSONErrors(t *testing.T) {
	_, err := Parse([]byte("not json"))
	assert.Error(t, err)
}

func TestDiscoverPath_RespectsMCPConfigPathEnv(t *testing.T) {
	t.Setenv("MCP_CONFIG_PATH", "/tmp/custom-config.json")
	path, err := DiscoverPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom-config.json", path)
}

func TestDiscoverPath_FallsBackToXDG(t *testing.T) {
	t.Setenv("MCP_CONFIG_PATH", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	path, err := DiscoverPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/xdg/mcp_broker/config.json", path)
}

func TestLoadFile_MissingFileIsConfigFileNotFound(t *testing.T) {
	_, err := LoadFile("/nonexistent/path/config.json")
	assert.Error(t, err)
	assert.True(t, brokererr.Is(err, brokererr.KindConfigFileNotFound))
}
