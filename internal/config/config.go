// Package config loads and validates the broker's downstream-server
// configuration file, following the discovery order and validation rules
// from the broker spec: a command whitelist, shell-metacharacter
// rejection, and per-server argument/environment limits.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ravelsys/mcp-broker/internal/brokererr"
)

// ServerConfig is one downstream MCP server definition, as parsed from the
// config file.
type ServerConfig struct {
	Name    string            `json:"-"`
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
	Type    string            `json:"type"`
	Tags    []string          `json:"tags"`
}

// Config is the top-level config document: `{"mcpServers": {...}}`.
type Config struct {
	McpServers map[string]ServerConfig `json:"mcpServers"`
}

const (
	maxArgs = 50
	maxEnv  = 20
)

var (
	envNameRe = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

	// interpreterWhitelist names bare commands resolved via PATH.
	interpreterWhitelist = map[string]struct{}{
		"uvx":    {},
		"uv":     {},
		"python": {},
		"python3": {},
		"node":   {},
		"npx":    {},
	}

	// absPrefixWhitelist names allowed prefixes for absolute-path commands.
	absPrefixWhitelist = []string{
		"/usr/bin/",
		"/usr/local/bin/",
	}

	shellMetaChars = []string{"&", "|", ";", "`", "$", "(", ")", "<", ">"}
)

// Load discovers the config path per DiscoverPath, reads, and validates
// it.
func Load() (*Config, error) {
	path, err := DiscoverPath()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// DiscoverPath implements the discovery order: $MCP_CONFIG_PATH, else
// $XDG_CONFIG_HOME/mcp_broker/config.json, else ~/.config/mcp_broker/config.json,
// else ./config.json.
func DiscoverPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv("MCP_CONFIG_PATH")); p != "" {
		return expandTilde(p)
	}
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "mcp_broker", "config.json"), nil
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".config", "mcp_broker", "config.json"), nil
	}
	return "./config.json", nil
}

// LoadFile parses and validates the config document at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, brokererr.Wrap(brokererr.KindConfigFileNotFound, "config file not found: "+path, err)
		}
		return nil, brokererr.Wrap(brokererr.KindInvalidConfig, "read config file", err)
	}
	return Parse(data)
}

// Parse decodes and validates a config document already read into memory.
func Parse(data []byte) (*Config, error) {
	var raw struct {
		McpServers map[string]ServerConfig `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, brokererr.Wrap(brokererr.KindInvalidConfig, "parse config json", err)
	}
	cfg := &Config{McpServers: make(map[string]ServerConfig, len(raw.McpServers))}
	for name, sc := range raw.McpServers {
		sc.Name = name
		if sc.Type == "" {
			sc.Type = "stdio"
		}
		if sc.Args == nil {
			sc.Args = []string{}
		}
		if sc.Env == nil {
			sc.Env = map[string]string{}
		}
		if sc.Tags == nil {
			sc.Tags = []string{}
		}
		expanded, err := expandTilde(sc.Command)
		if err != nil {
			return nil, brokererr.Wrap(brokererr.KindInvalidCommand, "expand command path for "+name, err)
		}
		sc.Command = expanded
		for i, a := range sc.Args {
			ea, err := expandTilde(a)
			if err != nil {
				return nil, brokererr.Wrap(brokererr.KindInvalidArgs, "expand arg path for "+name, err)
			}
			sc.Args[i] = ea
		}
		if err := validateServer(sc); err != nil {
			return nil, err
		}
		cfg.McpServers[name] = sc
	}
	return cfg, nil
}

func validateServer(sc ServerConfig) error {
	if sc.Name == "" {
		return brokererr.New(brokererr.KindInvalidConfig, "server name must not be empty")
	}
	if sc.Type != "stdio" {
		return brokererr.New(brokererr.KindInvalidConfig, fmt.Sprintf("server %q: unsupported type %q", sc.Name, sc.Type))
	}
	if err := validateCommand(sc.Command); err != nil {
		return brokererr.Wrap(brokererr.KindInvalidCommand, fmt.Sprintf("server %q", sc.Name), err)
	}
	if len(sc.Args) > maxArgs {
		return brokererr.New(brokererr.KindInvalidArgs, fmt.Sprintf("server %q: too many args (%d > %d)", sc.Name, len(sc.Args), maxArgs))
	}
	for _, a := range sc.Args {
		if err := validateNoShellMeta(a); err != nil {
			return brokererr.Wrap(brokererr.KindInvalidArgs, fmt.Sprintf("server %q", sc.Name), err)
		}
	}
	if len(sc.Env) > maxEnv {
		return brokererr.New(brokererr.KindInvalidEnv, fmt.Sprintf("server %q: too many env entries (%d > %d)", sc.Name, len(sc.Env), maxEnv))
	}
	for k := range sc.Env {
		if !envNameRe.MatchString(k) {
			return brokererr.New(brokererr.KindInvalidEnv, fmt.Sprintf("server %q: invalid env var name %q", sc.Name, k))
		}
	}
	return nil
}

func validateCommand(command string) error {
	if command == "" {
		return fmt.Errorf("command must not be empty")
	}
	if filepath.IsAbs(command) {
		for _, prefix := range absPrefixWhitelist {
			if strings.HasPrefix(command, prefix) {
				return nil
			}
		}
		return fmt.Errorf("absolute command %q is not under a whitelisted prefix", command)
	}
	base := filepath.Base(command)
	if _, ok := interpreterWhitelist[base]; ok {
		return nil
	}
	return fmt.Errorf("command %q is neither a whitelisted interpreter nor an absolute whitelisted path", command)
}

func validateNoShellMeta(s string) error {
	for _, meta := range shellMetaChars {
		if strings.Contains(s, meta) {
			return fmt.Errorf("argument %q contains disallowed shell metacharacter %q", s, meta)
		}
	}
	return nil
}

func expandTilde(p string) (string, error) {
	if p == "" || p[0] != '~' {
		return p, nil
	}
	if p != "~" && !strings.HasPrefix(p, "~/") {
		// "~otheruser/..." is not expanded; leave verbatim.
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if p == "~" {
		return home, nil
	}
	return filepath.Join(home, p[2:]), nil
}
