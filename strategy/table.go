// Package strategy decides, for every resource request the client makes,
// whether the gateway serves it from the generation cache, from the network
// with a cache fallback, or not at all.
//
// Classification is a declarative, ordered rule table: the first matching
// rule wins. New resource classes are added by appending rules, not by
// editing control flow.
package strategy

import (
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/hazyhaar/nous/manifest"
)

// Class is a fetch strategy.
type Class int

const (
	// Bypass: never cached, never intercepted.
	Bypass Class = iota
	// NetworkFirst: live fetch, cache fallback on failure.
	NetworkFirst
	// CacheFirst: cache hit returned immediately and refreshed in the
	// background; miss fetched live.
	CacheFirst
)

func (c Class) String() string {
	switch c {
	case NetworkFirst:
		return "network-first"
	case CacheFirst:
		return "cache-first"
	}
	return "bypass"
}

// Request is the part of an outgoing request that classification and
// fetching need.
type Request struct {
	Method string
	// URL carries the path and query. Host is set when the request targets
	// an explicit host.
	URL    *url.URL
	Header http.Header
}

// NewRequest builds a Request from an *http.Request, taking the host from
// r.Host when the URL has none.
func NewRequest(r *http.Request) *Request {
	u := *r.URL
	if u.Host == "" {
		u.Host = r.Host
	}
	return &Request{Method: r.Method, URL: &u, Header: r.Header.Clone()}
}

// ID returns the normalised resource identifier.
func (r *Request) ID() (manifest.ResourceID, error) {
	return manifest.NewResourceID(r.Method, r.URL.RequestURI())
}

func (r *Request) clone() *Request {
	u := *r.URL
	return &Request{Method: r.Method, URL: &u, Header: r.Header.Clone()}
}

// Rule maps matching requests to a Class.
type Rule struct {
	Name  string
	Class Class
	Match func(*Request) bool
}

// Table is an immutable ordered rule list.
type Table struct {
	rules []Rule
}

// NewTable returns a table evaluating rules in order.
func NewTable(rules ...Rule) *Table {
	return &Table{rules: slices.Clone(rules)}
}

// With returns a copy of t with extra rules appended.
func (t *Table) With(rules ...Rule) *Table {
	return &Table{rules: append(slices.Clone(t.rules), rules...)}
}

// Rules returns a copy of the rules.
func (t *Table) Rules() []Rule { return slices.Clone(t.rules) }

// Classify returns the class and rule name of the first matching rule. A
// request no rule matches is bypassed.
func (t *Table) Classify(r *Request) (Class, string) {
	for _, rule := range t.rules {
		if rule.Match(r) {
			return rule.Class, rule.Name
		}
	}
	return Bypass, "unmatched"
}

// TableConfig parameterises DefaultTable.
type TableConfig struct {
	// OriginHost is the host the shell is served from. When set, requests
	// naming any other host are bypassed.
	OriginHost string
	// RemoteHosts are the remote collaborator's hostnames.
	RemoteHosts []string
	// RemotePaths are origin path prefixes proxied to the remote collaborator.
	RemotePaths []string
	// EnvironmentDependent lists paths that must always be fetched live.
	EnvironmentDependent []string
}

// ConfigFromManifest derives a TableConfig from m.
func ConfigFromManifest(originHost string, m *manifest.Manifest) TableConfig {
	return TableConfig{
		OriginHost:           originHost,
		RemoteHosts:          m.RemoteHosts(),
		RemotePaths:          m.RemotePaths(),
		EnvironmentDependent: m.EnvironmentDependent(),
	}
}

// DefaultTable builds the standard five-rule table:
//
//  1. non-idempotent          -> bypass
//  2. remote-collaborator     -> bypass
//  3. environment-dependent   -> bypass
//  4. document                -> network-first
//  5. static                  -> cache-first
func DefaultTable(cfg TableConfig) *Table {
	origin := hostOnly(strings.ToLower(cfg.OriginHost))
	hosts := make(map[string]bool, len(cfg.RemoteHosts))
	for _, h := range cfg.RemoteHosts {
		hosts[strings.ToLower(h)] = true
	}
	env := make(map[string]bool, len(cfg.EnvironmentDependent))
	for _, p := range cfg.EnvironmentDependent {
		env[p] = true
	}
	remotePaths := slices.Clone(cfg.RemotePaths)

	return NewTable(
		Rule{Name: "non-idempotent", Class: Bypass, Match: func(r *Request) bool {
			return r.Method != http.MethodGet && r.Method != http.MethodHead
		}},
		Rule{Name: "remote-collaborator", Class: Bypass, Match: func(r *Request) bool {
			host := strings.ToLower(r.URL.Hostname())
			if hosts[host] {
				return true
			}
			if origin != "" && host != "" && host != origin {
				return true
			}
			for _, p := range remotePaths {
				if strings.HasPrefix(r.URL.Path, p) {
					return true
				}
			}
			return false
		}},
		Rule{Name: "environment-dependent", Class: Bypass, Match: func(r *Request) bool {
			return env[r.URL.Path]
		}},
		Rule{Name: "document", Class: NetworkFirst, Match: IsDocument},
		Rule{Name: "static", Class: CacheFirst, Match: func(*Request) bool { return true }},
	)
}

// IsDocument reports whether r asks for a page: a navigation, a document
// destination, or an Accept header preferring HTML.
func IsDocument(r *Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" || r.Header.Get("Sec-Fetch-Dest") == "document" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func hostOnly(hostport string) string {
	if hostport == "" {
		return ""
	}
	if u, err := url.Parse("//" + hostport); err == nil {
		return u.Hostname()
	}
	return hostport
}
