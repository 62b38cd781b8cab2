package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Surface describes the upstream API the hook adapter inspects. It changes
// with the upstream, independently of the adapter logic, so it lives in a file.
type Surface struct {
	// Hosts is the allow-list; other hosts pass through untouched.
	Hosts []string `yaml:"hosts"`
	// BlockedHosts receive a synthetic empty response.
	BlockedHosts []string `yaml:"blocked_hosts"`
	// ProtectedPaths are path prefixes where a 403 means the account is banned.
	ProtectedPaths []string `yaml:"protected_paths"`
	// AuthHeader carries the bearer credential.
	AuthHeader string `yaml:"auth_header"`
	// RequestIDHeaders hold opaque per-request ids that are regenerated.
	RequestIDHeaders []string `yaml:"request_id_headers"`
	// IssuerHosts are token endpoints; requests to them with MarkerUserAgent are ours.
	IssuerHosts     []string `yaml:"issuer_hosts"`
	MarkerUserAgent string   `yaml:"marker_user_agent"`
	// BulkRead responses may be replaced by a captured payload.
	BulkRead Endpoint `yaml:"bulk_read"`
	// CaptureTrigger requests cause the captured payload to be reloaded.
	CaptureTrigger Endpoint `yaml:"capture_trigger"`
}

// Endpoint matches one request class by method, path and query parameters.
type Endpoint struct {
	Method string            `yaml:"method"`
	Path   string            `yaml:"path"`
	Query  map[string]string `yaml:"query"`
}

// DefaultSurface returns the built-in upstream surface.
func DefaultSurface() Surface {
	return Surface{
		Hosts:            []string{"app.warp.dev"},
		BlockedHosts:     []string{"dataplane.rudderstack.com"},
		ProtectedPaths:   []string{"/ai/multi-agent"},
		AuthHeader:       "Authorization",
		RequestIDHeaders: []string{"X-Warp-Experiment-Id"},
		IssuerHosts:      []string{"securetoken.googleapis.com"},
		MarkerUserAgent:  "SessionMux/1.0",
		BulkRead: Endpoint{
			Method: "POST",
			Path:   "/graphql/v2",
			Query:  map[string]string{"op": "GetUpdatedCloudObjects"},
		},
		CaptureTrigger: Endpoint{
			Method: "POST",
			Path:   "/graphql/v2",
			Query:  map[string]string{"op": "CreateGenericStringObject"},
		},
	}
}

// LoadSurface reads the surface file at path, or the first candidate found
// when path is empty. Keys absent from the file keep their defaults. With no
// file at all the defaults are returned.
func LoadSurface(path string) (Surface, string, error) {
	surface := DefaultSurface()
	resolved, err := resolveSurfacePath(path)
	if err != nil {
		return surface, "", err
	}
	if resolved == "" {
		return surface, "", nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return surface, resolved, fmt.Errorf("failed to read surface file %q: %w", resolved, err)
	}
	// yaml leaves fields it does not see untouched, so defaults survive
	if err := yaml.Unmarshal(data, &surface); err != nil {
		return DefaultSurface(), resolved, fmt.Errorf("failed to parse surface file %q: %w", resolved, err)
	}
	surface.normalize()
	if err := surface.Validate(); err != nil {
		return DefaultSurface(), resolved, fmt.Errorf("invalid surface file %q: %w", resolved, err)
	}
	return surface, resolved, nil
}

func resolveSurfacePath(explicit string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	candidates := []string{
		"surface.yaml",
		"./config/surface.yaml",
		"/etc/sessionmux/surface.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "sessionmux", "surface.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

func (s *Surface) normalize() {
	s.Hosts = normalizeHosts(s.Hosts)
	s.BlockedHosts = normalizeHosts(s.BlockedHosts)
	s.IssuerHosts = normalizeHosts(s.IssuerHosts)
	if s.AuthHeader == "" {
		s.AuthHeader = "Authorization"
	}
	s.BulkRead.Method = strings.ToUpper(strings.TrimSpace(s.BulkRead.Method))
	s.CaptureTrigger.Method = strings.ToUpper(strings.TrimSpace(s.CaptureTrigger.Method))
}

// Validate checks that the surface can drive the adapter.
func (s Surface) Validate() error {
	if len(s.Hosts) == 0 {
		return fmt.Errorf("surface needs at least one host")
	}
	for _, p := range s.ProtectedPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("protected path %q must start with /", p)
		}
	}
	return nil
}

// AllowsHost reports whether host is on the allow-list.
func (s Surface) AllowsHost(host string) bool {
	return matchHost(s.Hosts, host)
}

// Blocks reports whether host should get a synthetic response.
func (s Surface) Blocks(host string) bool {
	return matchHost(s.BlockedHosts, host)
}

// IsIssuer reports whether host is a token endpoint.
func (s Surface) IsIssuer(host string) bool {
	return matchHost(s.IssuerHosts, host)
}

// Protected reports whether a 403 on path signals a ban.
func (s Surface) Protected(path string) bool {
	p := stripQuery(path)
	for _, prefix := range s.ProtectedPaths {
		if p == prefix || strings.HasPrefix(p, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

// Matches reports whether a request targets this endpoint. path may carry a
// query string. An endpoint without a path matches nothing.
func (e Endpoint) Matches(method, path string) bool {
	if e.Path == "" {
		return false
	}
	if e.Method != "" && !strings.EqualFold(e.Method, method) {
		return false
	}
	p, rawQuery, _ := strings.Cut(path, "?")
	if p != e.Path {
		return false
	}
	if len(e.Query) == 0 {
		return true
	}
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return false
	}
	for k, v := range e.Query {
		if q.Get(k) != v {
			return false
		}
	}
	return true
}

// matchHost accepts exact matches and subdomains of each entry.
func matchHost(list []string, host string) bool {
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	for _, h := range list {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func normalizeHosts(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h = normalizeHost(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.TrimSuffix(host, ".")
}

func stripQuery(path string) string {
	p, _, _ := strings.Cut(path, "?")
	return p
}
