package manifest

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// linkRels are the <link rel> values whose href belongs in the shell.
var linkRels = map[string]bool{
	"stylesheet":       true,
	"icon":             true,
	"shortcut":         true,
	"apple-touch-icon": true,
	"manifest":         true,
	"preload":          true,
	"modulepreload":    true,
}

// DiscoverAssets parses an HTML document and returns the origin-relative
// paths of the scripts, stylesheets, icons, web-app manifests and images it
// references, in document order and without duplicates. References to other
// origins and data: URIs are skipped.
func DiscoverAssets(r io.Reader) ([]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("manifest: parse html: %w", err)
	}

	var out []string
	seen := make(map[string]bool)
	add := func(ref string) {
		p, ok := originRelative(ref)
		if !ok || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Img:
				add(attr(n, "src"))
			case atom.Link:
				for _, rel := range strings.Fields(strings.ToLower(attr(n, "rel"))) {
					if linkRels[rel] {
						add(attr(n, "href"))
						break
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

// originRelative turns a same-origin reference into a rooted path.
func originRelative(ref string) (string, bool) {
	if ref == "" || strings.HasPrefix(ref, "//") || strings.HasPrefix(ref, "#") {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "", false
	}
	p := u.Path
	if p == "" {
		return "", false
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + strings.TrimPrefix(p, "./")
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p, true
}
