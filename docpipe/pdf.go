package docpipe

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// PDFQuality describes how usable the text layer of a PDF is.
type PDFQuality struct {
	Pages          int     `json:"pages"`
	CharsPerPage   float64 `json:"chars_per_page"`
	PrintableRatio float64 `json:"printable_ratio"`
	HasImages      bool    `json:"has_images"`
}

// NeedsOCR reports a scanned or garbled PDF whose text is not worth chunking.
func (q *PDFQuality) NeedsOCR() bool {
	return (q.CharsPerPage < 50 && q.HasImages) || q.PrintableRatio < 0.85
}

// extractPDF returns one section per page with text.
func extractPDF(data []byte) (string, []Section, *PDFQuality, error) {
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return "", nil, nil, fmt.Errorf("pdfcpu read: %w", err)
	}

	var (
		sections []Section
		all      strings.Builder
		chars    int
	)
	for nr := 1; nr <= ctx.PageCount; nr++ {
		text := extractPageText(ctx, nr)
		if text == "" {
			continue
		}
		chars += utf8.RuneCountInString(text)
		sections = append(sections, Section{Title: "page " + strconv.Itoa(nr), Text: text, Type: "page"})
		all.WriteString(text)
		all.WriteByte('\n')
	}
	if len(sections) == 0 {
		return "", nil, nil, fmt.Errorf("no text content found in PDF")
	}

	q := &PDFQuality{
		Pages:          ctx.PageCount,
		PrintableRatio: printableRatio(all.String()),
		HasImages:      hasImageStreams(ctx),
	}
	if ctx.PageCount > 0 {
		q.CharsPerPage = float64(chars) / float64(ctx.PageCount)
	}
	return firstLine(sections[0].Text), sections, q, nil
}

// extractPageText extracts text from a single PDF page via pdfcpu content stream.
func extractPageText(ctx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
	if err != nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return extractTextFromStream(data)
}

// hasImageStreams reports whether any stream object is an image XObject.
func hasImageStreams(ctx *model.Context) bool {
	for nr := 1; ctx.Optimize != nil && nr <= ctx.PageCount; nr++ {
		if len(pdfcpu.ImageObjNrs(ctx, nr)) > 0 {
			return true
		}
	}
	for _, entry := range ctx.Table {
		if entry == nil || entry.Free || entry.Compressed {
			continue
		}
		sd, ok := entry.Object.(types.StreamDict)
		if !ok {
			continue
		}
		if st, found := sd.Find("Subtype"); found {
			if name, ok := st.(types.Name); ok && name == "Image" {
				return true
			}
		}
	}
	return false
}

// pdfString matches a literal string operand: (text here)
var pdfString = regexp.MustCompile(`\(([^)]*)\)`)

// extractTextFromStream walks content stream lines and keeps the operands
// of the text-showing operators Tj, TJ and '. Positioning operators become
// whitespace.
func extractTextFromStream(data []byte) string {
	var sb strings.Builder
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		switch {
		case len(line) == 0:
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range pdfString.FindAllSubmatch(line, -1) {
				sb.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("'")) && bytes.IndexByte(line, '(') >= 0:
			for _, m := range pdfString.FindAllSubmatch(line, -1) {
				sb.WriteByte('\n')
				sb.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
		case bytes.Equal(line, []byte("T*")):
			sb.WriteByte('\n')
		}
	}
	return cleanPDFText(sb.String())
}

var pdfEscapes = map[byte]byte{'n': '\n', 'r': '\r', 't': '\t', '\\': '\\', '(': '(', ')': ')'}

// decodePDFString resolves backslash escapes, including up to three octal
// digits.
func decodePDFString(raw []byte) string {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != '\\' || i+1 == len(raw) {
			out = append(out, c)
			continue
		}
		i++
		if e, ok := pdfEscapes[raw[i]]; ok {
			out = append(out, e)
			continue
		}
		if raw[i] < '0' || raw[i] > '7' {
			out = append(out, raw[i])
			continue
		}
		val := 0
		for n := 0; n < 3 && i < len(raw) && raw[i] >= '0' && raw[i] <= '7'; n++ {
			val = val*8 + int(raw[i]-'0')
			i++
		}
		i--
		out = append(out, byte(val))
	}
	return string(out)
}

// cleanPDFText collapses whitespace runs and drops unprintable runes.
func cleanPDFText(text string) string {
	var sb strings.Builder
	for _, f := range strings.FieldsFunc(text, unicode.IsSpace) {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		for _, r := range f {
			if unicode.IsPrint(r) {
				sb.WriteRune(r)
			}
		}
	}
	return sb.String()
}

// printableRatio is the share of runes that are neither control characters,
// private-use glyphs nor replacement characters.
func printableRatio(text string) float64 {
	total, ok := 0, 0
	for _, r := range text {
		total++
		garbage := (r >= 0xE000 && r <= 0xF8FF) || r == utf8.RuneError ||
			(r < 0x20 && r != '\n' && r != '\r' && r != '\t')
		if !garbage {
			ok++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(ok) / float64(total)
}
