package manifest

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ResourceID identifies a fetchable resource within a generation:
// "<METHOD> <path>[?<sorted query>]". The method is upper-cased and the path
// is cleaned and rooted, so "get /a/../app.js" and "GET /app.js" are equal.
type ResourceID string

// NewResourceID normalises method and target into a ResourceID. target may be
// an origin-relative path or an absolute URL; scheme and host are discarded.
func NewResourceID(method, target string) (ResourceID, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "GET"
	}
	if strings.ContainsAny(method, " \t/") {
		return "", fmt.Errorf("manifest: invalid method %q", method)
	}
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return "", fmt.Errorf("manifest: parse %q: %w", target, err)
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = path.Clean(p)

	id := method + " " + p
	if u.RawQuery != "" {
		q, err := url.ParseQuery(u.RawQuery)
		if err != nil {
			return "", fmt.Errorf("manifest: query of %q: %w", target, err)
		}
		if enc := q.Encode(); enc != "" {
			id += "?" + enc
		}
	}
	return ResourceID(id), nil
}

// MustResourceID is NewResourceID that panics on error. For literals.
func MustResourceID(method, target string) ResourceID {
	id, err := NewResourceID(method, target)
	if err != nil {
		panic(err)
	}
	return id
}

// Method returns the request method part.
func (r ResourceID) Method() string {
	m, _, _ := strings.Cut(string(r), " ")
	return m
}

// Path returns the path part without the query.
func (r ResourceID) Path() string {
	_, rest, _ := strings.Cut(string(r), " ")
	p, _, _ := strings.Cut(rest, "?")
	return p
}

// Target returns the path with its normalised query, suitable for building
// an origin URL.
func (r ResourceID) Target() string {
	_, rest, _ := strings.Cut(string(r), " ")
	return rest
}

func (r ResourceID) String() string { return string(r) }
