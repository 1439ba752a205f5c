package sitemap

import (
	"bytes"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
)

// Kind is the detected sitemap dialect.
type Kind int

// Recognized document kinds.
const (
	KindUnknown Kind = iota
	KindIndex
	KindURLSet
)

// Entry is one <loc> found in a document.
type Entry struct {
	Loc          string
	LastModified *time.Time
}

// Document is the parsed content of one sitemap.
type Document struct {
	Kind    Kind
	Entries []Entry
}

var bareLoc = regexp.MustCompile(`(?is)<loc>\s*(.*?)\s*</loc>`)

// Parse reads a sitemap body. Documents that are neither a sitemapindex nor a
// urlset, including malformed XML, fall back to a scan for bare <loc> values.
func Parse(body []byte) Document {
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err == nil {
		if root := rootElement(doc); root != nil {
			switch strings.ToLower(root.Data) {
			case "sitemapindex":
				return Document{Kind: KindIndex, Entries: entries(root, "sitemap")}
			case "urlset":
				return Document{Kind: KindURLSet, Entries: entries(root, "url")}
			}
		}
	}
	return Document{Kind: KindUnknown, Entries: scanLocs(body)}
}

func rootElement(doc *xmlquery.Node) *xmlquery.Node {
	for n := doc.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode {
			return n
		}
	}
	return nil
}

func entries(root *xmlquery.Node, item string) []Entry {
	var out []Entry
	for _, el := range children(root, item) {
		loc := firstChildText(el, "loc")
		if loc == "" {
			continue
		}
		out = append(out, Entry{Loc: loc, LastModified: parseLastMod(firstChildText(el, "lastmod"))})
	}
	return out
}

func children(n *xmlquery.Node, name string) []*xmlquery.Node {
	var out []*xmlquery.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode && strings.EqualFold(c.Data, name) {
			out = append(out, c)
		}
	}
	return out
}

func firstChildText(n *xmlquery.Node, name string) string {
	for _, c := range children(n, name) {
		return strings.TrimSpace(c.InnerText())
	}
	return ""
}

func scanLocs(body []byte) []Entry {
	var out []Entry
	for _, m := range bareLoc.FindAllSubmatch(body, -1) {
		loc := strings.TrimSpace(html.UnescapeString(string(m[1])))
		if loc != "" {
			out = append(out, Entry{Loc: loc})
		}
	}
	return out
}

var lastModLayouts = []string{time.RFC3339, "2006-01-02T15:04Z07:00", time.DateOnly}

func parseLastMod(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	for _, layout := range lastModLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}

func (k Kind) String() string {
	switch k {
	case KindIndex:
		return "sitemapindex"
	case KindURLSet:
		return "urlset"
	default:
		return "unknown"
	}
}
