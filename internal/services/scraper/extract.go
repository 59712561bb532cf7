package scraper

import (
	"bytes"
	"encoding/base64"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

var (
	collapseSpaces   = regexp.MustCompile(`[ \t]+`)
	collapseNewlines = regexp.MustCompile(`\n{3,}`)
)

// parseDocument parses a fetched body into a goquery document.
func parseDocument(body []byte) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(body))
}

// extractText returns the page's visible text with boilerplate removed
// and whitespace collapsed.
func extractText(doc *goquery.Document) string {
	scope := doc.Find("body")
	if scope.Length() == 0 {
		scope = doc.Selection
	}
	// Prefer the main content container when the page declares one.
	if main := scope.Find("main, article, [role=main]").First(); main.Length() > 0 {
		scope = main
	}
	scope.Find("script, style, noscript, nav, header, footer, aside").Remove()

	text := scope.Text()
	text = collapseSpaces.ReplaceAllString(text, " ")
	text = collapseNewlines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// extractLinks returns deduplicated absolute link targets.
func extractLinks(doc *goquery.Document, baseURL string) []string {
	return collectRefs(doc, "a[href]", "href", baseURL)
}

// extractImages returns deduplicated absolute image sources.
func extractImages(doc *goquery.Document, baseURL string) []string {
	return collectRefs(doc, "img[src]", "src", baseURL)
}

// collectRefs resolves an attribute across matching elements against
// the base URL, skipping non-navigable schemes and duplicates.
func collectRefs(doc *goquery.Document, selector, attr, baseURL string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		base = nil
	}

	seen := make(map[string]bool)
	refs := []string{}
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		raw, _ := sel.Attr(attr)
		raw = strings.TrimSpace(raw)
		if raw == "" ||
			strings.HasPrefix(raw, "#") ||
			strings.HasPrefix(raw, "javascript:") ||
			strings.HasPrefix(raw, "mailto:") ||
			strings.HasPrefix(raw, "tel:") ||
			strings.HasPrefix(raw, "data:") {
			return
		}

		ref, err := url.Parse(raw)
		if err != nil {
			return
		}
		if base != nil {
			ref = base.ResolveReference(ref)
		}
		ref.Fragment = ""
		ref.Scheme = strings.ToLower(ref.Scheme)
		ref.Host = strings.ToLower(ref.Host)

		normalized := ref.String()
		if !seen[normalized] {
			seen[normalized] = true
			refs = append(refs, normalized)
		}
	})
	return refs
}

// extractMarkdown converts HTML content to markdown, resolving relative
// links against the page URL.
func extractMarkdown(html, baseURL string) (string, error) {
	converter := md.NewConverter(baseURL, true, nil)
	return converter.ConvertString(html)
}

// encodeScreenshot wraps PNG bytes as base64 for the result record.
func encodeScreenshot(png []byte) string {
	return base64.StdEncoding.EncodeToString(png)
}
