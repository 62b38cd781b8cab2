package upstream

import (
	"net/http"
	"time"
)

const (
	// DefaultMarkerHeader tags requests issued by this process so the hook
	// adapter leaves them alone.
	DefaultMarkerHeader = "X-Session-Mux-Request"
	// DefaultUserAgent identifies the controller to the issuer.
	DefaultUserAgent = "SessionMux/1.0"
	// DefaultTimeout bounds every network call made by the controller.
	DefaultTimeout = 30 * time.Second
)

// Marker describes how self-issued requests are tagged.
type Marker struct {
	Header    string
	UserAgent string
}

// DefaultMarker returns the built-in marker.
func DefaultMarker() Marker {
	return Marker{Header: DefaultMarkerHeader, UserAgent: DefaultUserAgent}
}

// MarkerTransport stamps the marker header and user agent on every request.
type MarkerTransport struct {
	Base   http.RoundTripper
	Marker Marker
}

func (t *MarkerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	if t.Marker.Header != "" {
		r.Header.Set(t.Marker.Header, "true")
	}
	if t.Marker.UserAgent != "" && r.Header.Get("User-Agent") == "" {
		r.Header.Set("User-Agent", t.Marker.UserAgent)
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(r)
}

// NewHTTPClient returns a client with a hard timeout and the marker transport.
func NewHTTPClient(timeout time.Duration, marker Marker) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &MarkerTransport{Marker: marker},
	}
}
