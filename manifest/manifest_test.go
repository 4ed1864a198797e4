package manifest

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `
generation: v23
shell: [/, /index.html, /app.js, /styles.css]
optional: [/icons/icon-512.png]
environment_dependent: [/config.js]
remote_hosts: [Firestore.GoogleAPIs.com]
remote_paths: [/api/]
`

func TestNewResourceID(t *testing.T) {
	tests := []struct {
		method, target string
		want           ResourceID
	}{
		{"get", "/app.js", "GET /app.js"},
		{"", "/app.js", "GET /app.js"},
		{"GET", "app.js", "GET /app.js"},
		{"GET", "/a/../app.js", "GET /app.js"},
		{"GET", "", "GET /"},
		{"HEAD", "https://example.com/x?b=2&a=1", "HEAD /x?a=1&b=2"},
		{"GET", "/search?q=run&q=walk", "GET /search?q=run&q=walk"},
	}
	for _, tt := range tests {
		got, err := NewResourceID(tt.method, tt.target)
		if err != nil {
			t.Fatalf("NewResourceID(%q, %q): %v", tt.method, tt.target, err)
		}
		if got != tt.want {
			t.Errorf("NewResourceID(%q, %q) = %q, want %q", tt.method, tt.target, got, tt.want)
		}
	}

	if _, err := NewResourceID("GE T", "/"); err == nil {
		t.Fatal("expected error for method with a space")
	}
}

func TestResourceIDParts(t *testing.T) {
	id := MustResourceID("get", "/x?b=2&a=1")
	if id.Method() != "GET" {
		t.Fatalf("Method = %q", id.Method())
	}
	if id.Path() != "/x" {
		t.Fatalf("Path = %q", id.Path())
	}
	if id.Target() != "/x?a=1&b=2" {
		t.Fatalf("Target = %q", id.Target())
	}
}

func TestParse(t *testing.T) {
	m, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Generation() != "v23" {
		t.Fatalf("generation = %q", m.Generation())
	}
	shell := m.Shell()
	if len(shell) != 4 || shell[2] != "GET /app.js" {
		t.Fatalf("shell = %v", shell)
	}
	if opt := m.Optional(); len(opt) != 1 || opt[0] != "GET /icons/icon-512.png" {
		t.Fatalf("optional = %v", opt)
	}
	if env := m.EnvironmentDependent(); len(env) != 1 || env[0] != "/config.js" {
		t.Fatalf("environment_dependent = %v", env)
	}
	if hosts := m.RemoteHosts(); len(hosts) != 1 || hosts[0] != "firestore.googleapis.com" {
		t.Fatalf("remote_hosts = %v", hosts)
	}
	fb := m.NavigationFallbacks()
	if len(fb) != 2 || fb[0] != "GET /index.html" || fb[1] != "GET /" {
		t.Fatalf("navigation fallbacks = %v", fb)
	}
	if m.Fingerprint() == "" {
		t.Fatal("empty fingerprint")
	}
}

func TestAccessorsReturnCopies(t *testing.T) {
	m, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	shell := m.Shell()
	shell[0] = "GET /tampered"
	if m.Shell()[0] == "GET /tampered" {
		t.Fatal("Shell exposed internal slice")
	}
}

func TestParseInvalid(t *testing.T) {
	tests := map[string]string{
		"empty":           ``,
		"no generation":   `shell: [/]`,
		"bad generation":  "generation: ../x\nshell: [/]",
		"empty shell":     "generation: v1\nshell: []",
		"relative":        "generation: v1\nshell: [app.js]",
		"protocol rel":    "generation: v1\nshell: [//cdn.example.com/a.js]",
		"duplicate":       "generation: v1\nshell: [/a.js, /b/../a.js]",
		"dup in optional": "generation: v1\nshell: [/a.js]\noptional: [/a.js]",
		"env in shell":    "generation: v1\nshell: [/config.js]\nenvironment_dependent: [/config.js]",
		"remote path":     "generation: v1\nshell: [/]\nremote_paths: [api]",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Parse error = %v, want ErrInvalid", err)
			}
		})
	}

	if _, err := Parse([]byte("generation: v1\nshell: [/]\nunknown: 1")); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestFingerprintStable(t *testing.T) {
	a, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(Spec{
		Generation:           "v23",
		Shell:                []string{"/", "/index.html", "/app.js", "/styles.css"},
		Optional:             []string{"/icons/icon-512.png"},
		EnvironmentDependent: []string{"/config.js"},
		RemoteHosts:          []string{"firestore.googleapis.com"},
		RemotePaths:          []string{"/api/"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprints differ: %s vs %s", a.Fingerprint(), b.Fingerprint())
	}

	c, err := New(Spec{Generation: "v24", Shell: []string{"/"}})
	if err != nil {
		t.Fatal(err)
	}
	if c.Fingerprint() == a.Fingerprint() {
		t.Fatal("different manifests share a fingerprint")
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	m, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := m.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	again, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("re-parse: %v\n%s", err, buf.String())
	}
	if again.Fingerprint() != m.Fingerprint() {
		t.Fatalf("fingerprint changed after encode")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(p, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if m.Generation() != "v23" {
		t.Fatalf("generation = %q", m.Generation())
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestNewGenerationID(t *testing.T) {
	a, b := NewGenerationID(), NewGenerationID()
	if a == b {
		t.Fatal("generation ids collide")
	}
	if _, err := New(Spec{Generation: a, Shell: []string{"/"}}); err != nil {
		t.Fatalf("minted id rejected: %v", err)
	}
}

func TestDiscoverAssets(t *testing.T) {
	page := `<!doctype html>
<html><head>
<link rel="stylesheet" href="/styles.css">
<link rel="manifest" href="manifest.json">
<link rel="icon" href="/icons/icon-192.png">
<link rel="preconnect" href="https://firestore.googleapis.com">
<link rel="stylesheet" href="https://fonts.example.com/f.css">
<script src="/config.js"></script>
<script type="module" src="./app.js?v=3"></script>
</head><body>
<img src="/icons/icon-192.png">
<img src="data:image/png;base64,AAAA">
<script src="//cdn.example.com/lib.js"></script>
</body></html>`

	got, err := DiscoverAssets(strings.NewReader(page))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/styles.css", "/manifest.json", "/icons/icon-192.png", "/config.js", "/app.js?v=3"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
