package docpipe

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hazyhaar/sourceflow/crawl"
)

// extractText splits plain text into paragraphs on blank lines.
func extractText(data []byte) (string, []Section) {
	text := toUTF8(data)
	var sections []Section
	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		if p := normalizeWhitespace(para); p != "" {
			sections = append(sections, Section{Text: p, Type: "paragraph"})
		}
	}
	return "", sections
}

// extractMarkdown detects ATX headings and joins the lines between them
// into paragraphs. Fenced code blocks are kept verbatim.
func extractMarkdown(data []byte) (string, []Section) {
	var (
		title    string
		sections []Section
		para     []string
		fence    bool
	)
	flush := func() {
		if text := strings.TrimSpace(strings.Join(para, " ")); text != "" {
			sections = append(sections, Section{Text: text, Type: "paragraph"})
		}
		para = para[:0]
	}

	for _, line := range strings.Split(toUTF8(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			fence = !fence
			continue
		}
		if fence {
			para = append(para, trimmed)
			continue
		}
		if level := headingLevel(trimmed); level > 0 {
			flush()
			h := strings.TrimSpace(strings.Trim(trimmed, "#"))
			if h == "" {
				continue
			}
			if title == "" {
				title = h
			}
			sections = append(sections, Section{Title: h, Level: level, Text: h, Type: "heading"})
			continue
		}
		if trimmed == "" {
			flush()
			continue
		}
		para = append(para, trimmed)
	}
	flush()
	return title, sections
}

// headingLevel returns 1-6 for "# " style lines, 0 otherwise.
func headingLevel(line string) int {
	n := 0
	for n < len(line) && line[n] == '#' {
		n++
	}
	if n == 0 || n > 6 || (n < len(line) && line[n] != ' ') {
		return 0
	}
	return n
}

// extractHTML reuses the crawler's sanitizing markdown extractor.
func extractHTML(data []byte) (string, []Section, error) {
	ex, err := crawl.NewExtractor().ExtractHTML(data, "")
	if err != nil {
		return "", nil, err
	}
	_, sections := extractMarkdown([]byte(ex.Text))
	return ex.Title, sections, nil
}

func toUTF8(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "�")
}

func normalizeWhitespace(text string) string {
	return strings.Join(strings.FieldsFunc(text, unicode.IsSpace), " ")
}
