// Package horosafe holds the input guards applied at the gateway's edges:
// queued mutation target paths, remote base URLs, identifiers supplied by
// manifests, and bounded body reads.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// MaxResponseBody caps a single cached or proxied body (8 MiB).
const MaxResponseBody int64 = 8 << 20

// MaxPayload caps a single queued mutation payload (1 MiB).
const MaxPayload int64 = 1 << 20

// MaxTargetPath bounds the length of a mutation target path.
const MaxTargetPath = 2048

// ErrPathTraversal is returned when a target path contains a ".." segment.
var ErrPathTraversal = errors.New("horosafe: path traversal detected")

// ErrUnsafeScheme is returned when a URL uses a non-HTTP(S) scheme.
var ErrUnsafeScheme = errors.New("horosafe: only http and https schemes are allowed")

// ErrTooLarge is returned by LimitedReadAll when the limit is exceeded.
var ErrTooLarge = errors.New("horosafe: body too large")

// ValidateTargetPath checks a remote document path such as
// "/users/u1/habits/h1". It must be absolute, bounded, free of control
// characters and must not contain "." or ".." segments.
func ValidateTargetPath(p string) error {
	if p == "" {
		return fmt.Errorf("horosafe: target path must not be empty")
	}
	if len(p) > MaxTargetPath {
		return fmt.Errorf("horosafe: target path too long (max %d)", MaxTargetPath)
	}
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("horosafe: target path %q must start with /", p)
	}
	for _, r := range p {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("horosafe: control character in target path")
		}
	}
	for _, seg := range strings.Split(p[1:], "/") {
		if seg == ".." || seg == "." {
			return ErrPathTraversal
		}
	}
	return nil
}

// ValidateBaseURL checks that rawURL is an absolute http(s) URL with a host
// and no query or fragment, suitable as a prefix for remote writes.
func ValidateBaseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("horosafe: invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, ErrUnsafeScheme
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("horosafe: URL has no host")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("horosafe: base URL must not carry a query or fragment")
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u, nil
}

// ValidateIdentifier rejects identifiers that contain characters unsuitable
// for rule names, metric labels or generation labels. Allows alphanumeric,
// underscore, hyphen, and dot.
func ValidateIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("horosafe: identifier must not be empty")
	}
	if len(s) > 256 {
		return fmt.Errorf("horosafe: identifier too long (max 256)")
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("horosafe: invalid character %q in identifier", r)
		}
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r. It returns an error wrapping
// ErrTooLarge if the limit is exceeded.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	lr := io.LimitReader(r, maxBytes+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrTooLarge, maxBytes)
	}
	return data, nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}
