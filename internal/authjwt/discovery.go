package authjwt

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// DiscoverToken implements the client session's auth-discovery order: the
// MCP_CLIENT_JWT environment variable, then ~/.mcp/client.json's "jwt"
// field. found is false if neither source yields a token, in which case
// the caller should proceed in development mode (and is expected to log a
// warning, per spec).
func DiscoverToken() (token string, found bool) {
	if t := os.Getenv("MCP_CLIENT_JWT"); t != "" {
		return t, true
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(home, ".mcp", "client.json"))
	if err != nil {
		return "", false
	}
	var doc struct {
		JWT string `json:"jwt"`
	}
	if err := json.Unmarshal(data, &doc); err != nil || doc.JWT == "" {
		return "", false
	}
	return doc.JWT, true
}
