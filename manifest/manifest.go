// Package manifest describes a deployable generation of the resource shell:
// its unique generation id, the resources that must be pre-fetched before the
// generation may serve traffic, and the classification hints the strategy
// router needs (environment-dependent resources, remote collaborator
// endpoints, navigation fallbacks).
//
// A Manifest is immutable once built. Accessors return copies.
//
// On disk a manifest is YAML:
//
//	generation: 20261018T101500Z_ab12cd
//	shell: [/, /index.html, /app.js, /styles.css]
//	optional: [/icons/icon-512.png]
//	environment_dependent: [/config.js]
//	remote_hosts: [firestore.googleapis.com]
//	remote_paths: [/api/]
//	navigation_fallbacks: [/index.html, /]
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/nous/idgen"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("manifest: invalid")

// document is the YAML form.
type document struct {
	Generation           string   `yaml:"generation"`
	Shell                []string `yaml:"shell"`
	Optional             []string `yaml:"optional,omitempty"`
	EnvironmentDependent []string `yaml:"environment_dependent,omitempty"`
	RemoteHosts          []string `yaml:"remote_hosts,omitempty"`
	RemotePaths          []string `yaml:"remote_paths,omitempty"`
	NavigationFallbacks  []string `yaml:"navigation_fallbacks,omitempty"`
}

// Manifest is one generation of the resource shell.
type Manifest struct {
	generation  string
	shell       []ResourceID
	optional    []ResourceID
	envDep      []string
	remoteHosts []string
	remotePaths []string
	fallbacks   []ResourceID
	fingerprint string
}

// Spec is the input to New.
type Spec struct {
	Generation           string
	Shell                []string
	Optional             []string
	EnvironmentDependent []string
	RemoteHosts          []string
	RemotePaths          []string
	NavigationFallbacks  []string
}

// DefaultNavigationFallbacks is used when a manifest declares none.
var DefaultNavigationFallbacks = []string{"/index.html", "/"}

// New builds and validates a Manifest. Shell and optional entries are paths
// fetched with GET.
func New(s Spec) (*Manifest, error) {
	return build(document{
		Generation:           s.Generation,
		Shell:                s.Shell,
		Optional:             s.Optional,
		EnvironmentDependent: s.EnvironmentDependent,
		RemoteHosts:          s.RemoteHosts,
		RemotePaths:          s.RemotePaths,
		NavigationFallbacks:  s.NavigationFallbacks,
	})
}

// NewGenerationID mints a fresh, unique generation id.
func NewGenerationID() string {
	return idgen.Generation()
}

// Parse decodes and validates a YAML manifest.
func Parse(data []byte) (*Manifest, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalid)
		}
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	return build(doc)
}

// Load reads a YAML manifest from path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	return Parse(data)
}

func build(doc document) (*Manifest, error) {
	doc.Generation = strings.TrimSpace(doc.Generation)
	if !idgen.ValidGeneration(doc.Generation) {
		return nil, fmt.Errorf("%w: generation %q", ErrInvalid, doc.Generation)
	}
	if len(doc.Shell) == 0 {
		return nil, fmt.Errorf("%w: shell must list at least one resource", ErrInvalid)
	}

	m := &Manifest{generation: doc.Generation}
	seen := make(map[ResourceID]bool)
	collect := func(kind string, paths []string) ([]ResourceID, error) {
		out := make([]ResourceID, 0, len(paths))
		for _, p := range paths {
			if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
				return nil, fmt.Errorf("%w: %s entry %q is not origin-relative", ErrInvalid, kind, p)
			}
			id, err := NewResourceID("GET", p)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
			}
			if seen[id] {
				return nil, fmt.Errorf("%w: duplicate resource %s", ErrInvalid, id)
			}
			seen[id] = true
			out = append(out, id)
		}
		return out, nil
	}

	var err error
	if m.shell, err = collect("shell", doc.Shell); err != nil {
		return nil, err
	}
	if m.optional, err = collect("optional", doc.Optional); err != nil {
		return nil, err
	}

	for _, p := range doc.EnvironmentDependent {
		id, err := NewResourceID("GET", p)
		if err != nil || !strings.HasPrefix(p, "/") {
			return nil, fmt.Errorf("%w: environment_dependent entry %q", ErrInvalid, p)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: %s is environment-dependent and cannot be pre-fetched", ErrInvalid, id)
		}
		m.envDep = append(m.envDep, id.Path())
	}
	for _, h := range doc.RemoteHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			return nil, fmt.Errorf("%w: empty remote host", ErrInvalid)
		}
		m.remoteHosts = append(m.remoteHosts, h)
	}
	for _, p := range doc.RemotePaths {
		if !strings.HasPrefix(p, "/") {
			return nil, fmt.Errorf("%w: remote path %q must start with /", ErrInvalid, p)
		}
		m.remotePaths = append(m.remotePaths, p)
	}

	fallbacks := doc.NavigationFallbacks
	if len(fallbacks) == 0 {
		fallbacks = DefaultNavigationFallbacks
	}
	for _, p := range fallbacks {
		id, err := NewResourceID("GET", p)
		if err != nil {
			return nil, fmt.Errorf("%w: navigation fallback %q", ErrInvalid, p)
		}
		m.fallbacks = append(m.fallbacks, id)
	}

	canon, err := yaml.Marshal(m.document())
	if err != nil {
		return nil, fmt.Errorf("manifest: encode: %w", err)
	}
	sum := sha256.Sum256(canon)
	m.fingerprint = hex.EncodeToString(sum[:8])
	return m, nil
}

// Generation returns the generation id.
func (m *Manifest) Generation() string { return m.generation }

// Shell returns the resources that must be installed before activation.
func (m *Manifest) Shell() []ResourceID { return slices.Clone(m.shell) }

// Optional returns resources fetched on a best-effort basis during install.
func (m *Manifest) Optional() []ResourceID { return slices.Clone(m.optional) }

// EnvironmentDependent returns the paths that must always be fetched live.
func (m *Manifest) EnvironmentDependent() []string { return slices.Clone(m.envDep) }

// RemoteHosts returns the lower-cased hostnames of the remote collaborator.
func (m *Manifest) RemoteHosts() []string { return slices.Clone(m.remoteHosts) }

// RemotePaths returns origin path prefixes proxied to the remote collaborator.
func (m *Manifest) RemotePaths() []string { return slices.Clone(m.remotePaths) }

// NavigationFallbacks returns the resources tried, in order, when a
// navigation can be served neither live nor from its exact cache entry.
func (m *Manifest) NavigationFallbacks() []ResourceID { return slices.Clone(m.fallbacks) }

// Fingerprint is a short content hash of the normalised manifest.
func (m *Manifest) Fingerprint() string { return m.fingerprint }

// Encode writes the manifest as YAML.
func (m *Manifest) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m.document()); err != nil {
		return fmt.Errorf("manifest: encode: %w", err)
	}
	return enc.Close()
}

func (m *Manifest) document() document {
	paths := func(ids []ResourceID) []string {
		out := make([]string, len(ids))
		for i, id := range ids {
			out[i] = id.Target()
		}
		return out
	}
	return document{
		Generation:           m.generation,
		Shell:                paths(m.shell),
		Optional:             paths(m.optional),
		EnvironmentDependent: slices.Clone(m.envDep),
		RemoteHosts:          slices.Clone(m.remoteHosts),
		RemotePaths:          slices.Clone(m.remotePaths),
		NavigationFallbacks:  paths(m.fallbacks),
	}
}
