// Package distribution defines the values that flow through the
// distribution pipeline: requests, packages and responses.
package distribution

import (
	"distribution/internal/apperrors"
	"fmt"
	"path"
	"slices"
	"strings"
)

// RequestType is the action a distribution request asks for.
type RequestType string

const (
	RequestAdd    RequestType = "ADD"
	RequestDelete RequestType = "DELETE"
	RequestTest   RequestType = "TEST"
	RequestPull   RequestType = "PULL"
)

// RequestTypes lists every known request type.
var RequestTypes = []RequestType{RequestAdd, RequestDelete, RequestTest, RequestPull}

// ParseRequestType parses a request type case-insensitively.
func ParseRequestType(s string) (RequestType, error) {
	t := RequestType(strings.ToUpper(strings.TrimSpace(s)))
	if !slices.Contains(RequestTypes, t) {
		return "", apperrors.Validation("action", fmt.Sprintf("unknown action %q", s))
	}
	return t, nil
}

// HasPaths reports whether requests of this type operate on content paths.
func (t RequestType) HasPaths() bool {
	return t == RequestAdd || t == RequestDelete
}

// Request asks an agent to distribute content. It is not modified after
// construction.
type Request struct {
	Type  RequestType     `json:"action"`
	Paths []string        `json:"paths"`
	Deep  map[string]bool `json:"deep,omitempty"`
}

// NewRequest creates a shallow request for the given paths.
func NewRequest(t RequestType, paths ...string) *Request {
	return &Request{Type: t, Paths: paths}
}

// NewDeepRequest creates a request whose paths all include their subtrees.
func NewDeepRequest(t RequestType, paths ...string) *Request {
	deep := make(map[string]bool, len(paths))
	for _, p := range paths {
		deep[p] = true
	}
	return &Request{Type: t, Paths: paths, Deep: deep}
}

// IsDeep reports whether path should be distributed with its subtree.
func (r *Request) IsDeep(p string) bool {
	return r.Deep[p]
}

// DeepPaths returns the deep paths in request order.
func (r *Request) DeepPaths() []string {
	var out []string
	for _, p := range r.Paths {
		if r.Deep[p] {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the request type and, for ADD and DELETE, that at least
// one path is given and every path is absolute and clean.
func (r *Request) Validate() error {
	if !slices.Contains(RequestTypes, r.Type) {
		return apperrors.Validation("action", fmt.Sprintf("unknown action %q", r.Type))
	}
	if !r.Type.HasPaths() {
		return nil
	}
	if len(r.Paths) == 0 {
		return apperrors.Validation("path", fmt.Sprintf("%s requires at least one path", r.Type))
	}
	for _, p := range r.Paths {
		if err := ValidatePath(p); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePath checks that p is an absolute, clean slash path.
func ValidatePath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return apperrors.Validation("path", fmt.Sprintf("path %q must be absolute", p))
	}
	if path.Clean(p) != p {
		return apperrors.Validation("path", fmt.Sprintf("path %q is not clean", p))
	}
	return nil
}

// IsUnder reports whether p equals root or lies beneath it.
func IsUnder(p, root string) bool {
	if root == "/" {
		return strings.HasPrefix(p, "/")
	}
	root = strings.TrimSuffix(root, "/")
	return p == root || strings.HasPrefix(p, root+"/")
}

func (r *Request) String() string {
	return fmt.Sprintf("%s %s", r.Type, strings.Join(r.Paths, ","))
}
