// Package content turns fetched HTML into the title, description, plain text,
// and markdown stored on a URL record.
package content

import (
	"bytes"
	"fmt"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

// boilerplate is removed before any text is read.
const boilerplate = "nav, footer, aside, script, style, img"

// Extractor converts HTML documents into crawler.Page values. It is safe for
// concurrent use.
type Extractor struct {
	converter *md.Converter
}

// New builds an Extractor whose markdown keeps link text but drops link
// targets and images.
func New() *Extractor {
	conv := md.NewConverter("", true, nil)
	conv.Remove("img", "picture", "svg")
	conv.AddRules(md.Rule{
		Filter: []string{"a"},
		Replacement: func(content string, _ *goquery.Selection, _ *md.Options) *string {
			return md.String(strings.TrimSpace(content))
		},
	})
	return &Extractor{converter: conv}
}

var defaultExtractor = New()

// Extract parses body with the default Extractor.
func Extract(body []byte) (crawler.Page, error) {
	return defaultExtractor.Extract(body)
}

// Extract parses body and returns its cleaned content. Missing fields are
// empty strings.
func (e *Extractor) Extract(body []byte) (crawler.Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.Page{}, fmt.Errorf("parse html: %w", err)
	}
	doc.Find(boilerplate).Remove()

	page := crawler.Page{
		Title:       strings.TrimSpace(doc.Find("title").First().Text()),
		Description: description(doc),
		Text:        text(doc.Selection),
	}

	cleaned, err := doc.Html()
	if err != nil {
		return crawler.Page{}, fmt.Errorf("render cleaned html: %w", err)
	}
	markdown, err := e.converter.ConvertString(cleaned)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("convert markdown: %w", err)
	}
	page.Markdown = strings.TrimSpace(markdown)
	return page, nil
}

// description returns the first description-like meta tag in document order.
func description(doc *goquery.Document) string {
	var out string
	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		name, _ := s.Attr("name")
		property, _ := s.Attr("property")
		if strings.EqualFold(name, "description") || strings.EqualFold(property, "og:description") {
			content, _ := s.Attr("content")
			out = strings.TrimSpace(content)
			return false
		}
		return true
	})
	return out
}

// text joins every non-blank line of every text node with newlines.
func text(sel *goquery.Selection) string {
	var lines []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			for _, line := range strings.Split(n.Data, "\n") {
				if trimmed := strings.TrimSpace(line); trimmed != "" {
					lines = append(lines, trimmed)
				}
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return strings.Join(lines, "\n")
}
