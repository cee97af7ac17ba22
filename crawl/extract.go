package crawl

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Extracted is the readable content of one page.
type Extracted struct {
	Title string
	Text  string // markdown
}

// Extractor turns fetched HTML into markdown. Scripts, styles, forms and
// event handlers are stripped by a sanitizing policy before conversion.
type Extractor struct {
	policy *bluemonday.Policy
	conv   *converter.Converter
}

// NewExtractor builds the sanitizer and the markdown converter.
func NewExtractor() *Extractor {
	p := bluemonday.UGCPolicy()
	p.AllowElements("main", "article", "section", "header", "footer", "nav", "aside")
	return &Extractor{
		policy: p,
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Extract converts body to markdown. Non-HTML content types are returned
// as trimmed text.
func (e *Extractor) Extract(resp *Response) (*Extracted, error) {
	if !resp.IsHTML() {
		return &Extracted{Text: strings.TrimSpace(string(resp.Body))}, nil
	}
	return e.ExtractHTML(resp.Body, resp.FinalURL)
}

// ExtractHTML converts raw HTML served at pageURL.
func (e *Extractor) ExtractHTML(body []byte, pageURL string) (*Extracted, error) {
	title := ""
	if doc, err := html.Parse(bytes.NewReader(body)); err == nil {
		title = findTitle(doc)
	}
	clean := e.policy.SanitizeBytes(body)
	md, err := e.conv.ConvertString(string(clean), converter.WithDomain(pageURL))
	if err != nil {
		return nil, fmt.Errorf("crawl: markdown: %w", err)
	}
	return &Extracted{Title: title, Text: strings.TrimSpace(md)}, nil
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

var spaShells = [][]byte{
	[]byte(`<div id="root"></div>`),
	[]byte(`<div id="app"></div>`),
	[]byte(`<div id="__next"></div>`),
	[]byte(`<noscript>you need to enable javascript`),
	[]byte(`<noscript>enable javascript`),
}

// IsSufficient reports whether static HTML carries enough visible text to
// skip headless rendering. Pages under 10% text or with fewer than 200
// visible characters, and known SPA shells, are insufficient.
func IsSufficient(body []byte) bool {
	if len(body) < 256 {
		return false
	}
	text, markup := textMarkupRatio(body)
	if text+markup == 0 {
		return false
	}
	if float64(text)/float64(text+markup) < 0.10 || text < 200 {
		return false
	}
	lower := bytes.ToLower(body)
	for _, shell := range spaShells {
		if bytes.Contains(lower, shell) {
			return false
		}
	}
	return true
}

// textMarkupRatio counts visible non-space bytes against tag, script and
// style bytes.
func textMarkupRatio(body []byte) (text, markup int) {
	s := string(body)
	lower := strings.ToLower(s)
	inTag := false
	for i := 0; i < len(s); {
		if s[i] == '<' {
			for _, raw := range []string{"script", "style"} {
				if strings.HasPrefix(lower[i+1:], raw) {
					end := strings.Index(lower[i:], "</"+raw)
					if end < 0 {
						return text, markup + len(s) - i
					}
					markup += end
					i += end
					break
				}
			}
			inTag = true
			markup++
			i++
			continue
		}
		switch {
		case s[i] == '>':
			inTag = false
			markup++
		case inTag:
			markup++
		case s[i] != ' ' && s[i] != '\t' && s[i] != '\n' && s[i] != '\r':
			text++
		}
		i++
	}
	return text, markup
}
