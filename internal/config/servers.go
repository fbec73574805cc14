package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
)

// Transport kinds accepted in a server spec.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// ServerSpec describes one configured MCP server. Immutable once loaded:
// sessions reference specs, they never own or mutate them.
type ServerSpec struct {
	Name string `json:"-"`

	// Type is "stdio" or "http". The aliases "sse" and "streamable-http"
	// are normalized to "http" at load time.
	Type string `json:"type"`

	// Stdio parameters.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// HTTP parameters.
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// serversFile is the on-disk shape of the MCP server map.
type serversFile struct {
	MCPServers map[string]ServerSpec `json:"mcpServers"`
}

// DefaultServersPath returns the MCP server map location:
// $CONCH_MCP_CONFIG if set, otherwise ~/.config/conch/mcp.json.
func DefaultServersPath() string {
	if p := os.Getenv("CONCH_MCP_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "conch", "mcp.json")
}

// LoadServers reads and validates the MCP server map at path. A missing
// file is not an error — it yields an empty list, and Conch runs without
// tools. A malformed spec is an error: configuration problems are the one
// thing that is fatal at startup.
//
// Specs are returned sorted by name so startup order is deterministic.
func LoadServers(path string) ([]ServerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read MCP config %s: %w", path, err)
	}

	var file serversFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse MCP config %s: %w", path, err)
	}

	specs := make([]ServerSpec, 0, len(file.MCPServers))
	for name, spec := range file.MCPServers {
		spec.Name = name
		if spec.Type == "" {
			spec.Type = TransportStdio
		}
		spec.Type = normalizeTransport(spec.Type)
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("MCP server %q: %w", name, err)
		}
		specs = append(specs, spec)
	}

	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs, nil
}

// normalizeTransport maps the HTTP transport aliases used in the wild
// onto the canonical kind.
func normalizeTransport(t string) string {
	switch t {
	case "sse", "streamable-http":
		return TransportHTTP
	default:
		return t
	}
}

// Validate checks that the spec carries the fields its transport kind
// requires.
func (s ServerSpec) Validate() error {
	switch s.Type {
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("stdio transport requires a command")
		}
	case TransportHTTP:
		if s.URL == "" {
			return fmt.Errorf("http transport requires a url")
		}
		u, err := url.Parse(s.URL)
		if err != nil {
			return fmt.Errorf("invalid url %q: %w", s.URL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid url %q: scheme must be http or https", s.URL)
		}
		if u.Host == "" {
			return fmt.Errorf("invalid url %q: missing host", s.URL)
		}
	default:
		return fmt.Errorf("unknown transport type %q", s.Type)
	}
	return nil
}
