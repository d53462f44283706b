// Package endpoints holds the static mapping of logical API paths to their
// transport requirements: whether a route needs message-level encryption and
// where the JWKS trust material lives.
package endpoints

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

//go:embed endpoints.default.json
var embedded embed.FS

// Route maps one logical path to its transport requirements. Paths may
// contain :param segments which match any single path segment.
type Route struct {
	Path        string `json:"path"`
	RequiresMLE bool   `json:"requiresMLE"`
}

// JWKS describes where the key set is fetched from and how long it is cached.
type JWKS struct {
	URL             string `json:"url"`
	CacheTTLSeconds int    `json:"cacheTtlSeconds"`
}

// Registry is the parsed endpoint registry document.
type Registry struct {
	BaseURLs map[string]string `json:"baseUrls"`
	JWKS     JWKS              `json:"jwks"`
	Routes   []Route           `json:"routes"`
}

// ${VAR:-default} substitution applied to the raw document before parsing.
var envPattern = regexp.MustCompile(`\$\{([^:}]+)(?::-(.*?))?\}`)

func expandEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		groups := envPattern.FindSubmatch(match)
		name := string(groups[1])
		if val, ok := os.LookupEnv(name); ok {
			return []byte(val)
		}
		return groups[2]
	})
}

func parse(raw []byte) (*Registry, error) {
	var reg Registry
	if err := json.Unmarshal(expandEnv(raw), &reg); err != nil {
		return nil, fmt.Errorf("failed to parse endpoint registry: %w", err)
	}
	return &reg, nil
}

// Load reads the registry from a file path.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read endpoint registry %s: %w", path, err)
	}
	return parse(raw)
}

// LoadDefault parses the registry document embedded in the binary.
func LoadDefault() (*Registry, error) {
	raw, err := embedded.ReadFile("endpoints.default.json")
	if err != nil {
		return nil, fmt.Errorf("embedded endpoint registry missing: %w", err)
	}
	return parse(raw)
}

// BaseURL returns the configured base URL for the Visa API surface.
func (r *Registry) BaseURL() string {
	return r.BaseURLs["visa"]
}

// RequiresMLE reports whether the given path must carry an encrypted
// envelope. An exact route always wins over a :param template, whatever
// order the document declares them in.
func (r *Registry) RequiresMLE(path string) bool {
	for _, route := range r.Routes {
		if route.Path == path {
			return route.RequiresMLE
		}
	}
	for _, route := range r.Routes {
		if strings.Contains(route.Path, ":") && matchTemplate(route.Path, path) {
			return route.RequiresMLE
		}
	}
	return false
}

// matchTemplate compares a :param template against an actual path.
// Segment counts must be equal; literal segments must match exactly.
func matchTemplate(template, actual string) bool {
	t := strings.Split(template, "/")
	a := strings.Split(actual, "/")
	if len(t) != len(a) {
		return false
	}
	for i := range t {
		if strings.HasPrefix(t[i], ":") {
			continue
		}
		if t[i] != a[i] {
			return false
		}
	}
	return true
}
