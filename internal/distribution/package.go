package distribution

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"
)

// Well-known PackageInfo keys.
const (
	InfoType        = "type"
	InfoPaths       = "paths"
	InfoDeepPaths   = "deep.paths"
	InfoRequestType = "request.type"
	InfoQueue       = "queue"
	InfoOrigin      = "origin"
	InfoSize        = "size"
	InfoCreatedAt   = "created"
	InfoContentType = "content.type"
)

// PackageInfo is metadata attached to a package. It never identifies the
// package; values may arrive decoded from JSON, so accessors accept both
// native and JSON-decoded forms.
type PackageInfo map[string]any

// Type returns the package type tag.
func (i PackageInfo) Type() string { return i.str(InfoType) }

// RequestType returns the action the package carries.
func (i PackageInfo) RequestType() RequestType { return RequestType(i.str(InfoRequestType)) }

// Queue returns the queue the package was taken from, if any.
func (i PackageInfo) Queue() string { return i.str(InfoQueue) }

// Origin returns the URI the package was retrieved from, if any.
func (i PackageInfo) Origin() string { return i.str(InfoOrigin) }

// Paths returns the content paths covered by the package.
func (i PackageInfo) Paths() []string { return i.strings(InfoPaths) }

// DeepPaths returns the paths distributed with their subtrees.
func (i PackageInfo) DeepPaths() []string { return i.strings(InfoDeepPaths) }

// Size returns the recorded payload size in bytes.
func (i PackageInfo) Size() int64 {
	switch v := i[InfoSize].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// CreatedAt returns the creation time, or the zero time when unknown.
func (i PackageInfo) CreatedAt() time.Time {
	switch v := i[InfoCreatedAt].(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			return t
		}
	}
	return time.Time{}
}

// Fill copies keys from other that are missing in i.
func (i PackageInfo) Fill(other PackageInfo) {
	for k, v := range other {
		if _, ok := i[k]; !ok {
			i[k] = v
		}
	}
}

// Clone returns a shallow copy.
func (i PackageInfo) Clone() PackageInfo {
	out := make(PackageInfo, len(i))
	for k, v := range i {
		out[k] = v
	}
	return out
}

func (i PackageInfo) str(key string) string {
	if s, ok := i[key].(string); ok {
		return s
	}
	return ""
}

func (i PackageInfo) strings(key string) []string {
	switch v := i[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Package is one unit of content moving between repositories.
//
// Open returns a fresh reader over the serialized payload on every call.
// Close releases open readers without touching storage; Delete removes
// the backing storage and must be called once the exporting side is done
// with the package.
type Package interface {
	ID() string
	Type() string
	Info() PackageInfo
	Size() int64
	Open() (io.ReadCloser, error)
	Close() error
	Delete() error
}

// Endpoint is a remote distribution URI.
type Endpoint struct {
	u *url.URL
}

// ParseEndpoint parses an absolute http(s) URI.
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q must be an absolute http(s) URL", raw)
	}
	return Endpoint{u: u}, nil
}

// MustParseEndpoint is ParseEndpoint for static configuration; it panics on error.
func MustParseEndpoint(raw string) Endpoint {
	e, err := ParseEndpoint(raw)
	if err != nil {
		panic(err)
	}
	return e
}

// URL returns a copy of the endpoint URL.
func (e Endpoint) URL() *url.URL {
	u := *e.u
	return &u
}

// Host returns host[:port], the unit circuit breakers are keyed on.
func (e Endpoint) Host() string { return e.u.Host }

// Hostname returns the host without port.
func (e Endpoint) Hostname() string { return strings.ToLower(e.u.Hostname()) }

func (e Endpoint) String() string {
	if e.u == nil {
		return ""
	}
	return e.u.String()
}
