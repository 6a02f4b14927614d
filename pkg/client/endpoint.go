package client

import (
	"net/url"
	"strings"
)

// Endpoint is an immutable request target: base URL, resource path and query.
// The With* methods return modified copies.
type Endpoint struct {
	base  string
	path  string
	query url.Values
}

// ParseEndpoint validates a base URL. A missing scheme defaults to http.
func ParseEndpoint(raw string) (Endpoint, error) {
	if raw == "" {
		return Endpoint{}, &ConfigError{Field: "base_url", Reason: "is required"}
	}

	// "host:port" would otherwise parse as scheme "host".
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, &ConfigError{Field: "base_url", Reason: "is invalid: " + err.Error()}
	}
	if u.Host == "" {
		return Endpoint{}, &ConfigError{Field: "base_url", Reason: "must include a host"}
	}

	return Endpoint{base: raw}, nil
}

// WithPath returns a copy targeting path below the base URL.
func (e Endpoint) WithPath(path string) Endpoint {
	e.path = path
	return e
}

// WithQuery returns a copy carrying the given query parameters.
func (e Endpoint) WithQuery(query url.Values) Endpoint {
	e.query = make(url.Values, len(query))
	for k, v := range query {
		e.query[k] = append([]string(nil), v...)
	}
	return e
}

// Base returns the base URL.
func (e Endpoint) Base() string {
	return e.base
}

// Path returns the resource path.
func (e Endpoint) Path() string {
	return e.path
}

// Host returns host[:port] of the base URL.
func (e Endpoint) Host() string {
	u, err := url.Parse(e.base)
	if err != nil {
		return ""
	}
	return u.Host
}

// String returns the full URL including the encoded query.
func (e Endpoint) String() string {
	full := e.base
	if e.path != "" {
		full = strings.TrimRight(e.base, "/") + "/" + strings.TrimLeft(e.path, "/")
	}
	if len(e.query) > 0 {
		full += "?" + e.query.Encode()
	}
	return full
}
