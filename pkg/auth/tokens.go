package auth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

const logPrefix = "auth:tokens"

// TokenGrant is one entry in the token-grant file: the subject a
// credential identifies and the capabilities it is granted.
type TokenGrant struct {
	Subject      string   `json:"subject"`
	Capabilities []string `json:"capabilities"`
}

// TokenFile is the root of the token-grant configuration file.
type TokenFile struct {
	Name   string                `json:"name"`
	Tokens map[string]TokenGrant `json:"tokens"`
}

// LoadTokenFile loads token grants from the first readable path. It
// tries paths in order: any passed in, then AGENT_TOKEN_FILE, then
// defaults. When nothing is found it returns an empty grant table, so
// an auth-enabled server with no token file rejects everything.
func LoadTokenFile(paths ...string) (map[string]TokenGrant, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("AGENT_TOKEN_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/tokens.json", "tokens.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var f TokenFile
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse token file %s: %v", logPrefix, p, err))
			continue
		}

		slog.Info(fmt.Sprintf("%s - Loaded %d token grants from %s", logPrefix, len(f.Tokens), p))
		return f.Tokens, nil
	}

	slog.Info(fmt.Sprintf("%s - No token file found, starting with empty grant table", logPrefix))
	return map[string]TokenGrant{}, nil
}
