// Package docpipe extracts plain text from uploaded files so they can be
// chunked like any other source.
//
// Supported formats: pdf (pdfcpu), docx and odt (zip + xml), html
// (sanitized markdown), md and txt. Extraction works on bytes; the
// ingestion service never touches the filesystem for uploads.
package docpipe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/hazyhaar/sourceflow/faults"
)

// Format identifies a document type.
type Format string

const (
	FormatDocx Format = "docx"
	FormatODT  Format = "odt"
	FormatPDF  Format = "pdf"
	FormatMD   Format = "md"
	FormatTXT  Format = "txt"
	FormatHTML Format = "html"
)

// Section is a structural unit of a document.
type Section struct {
	Title string `json:"title,omitempty"`
	Level int    `json:"level"` // heading level 1-6, 0 for body
	Text  string `json:"text"`
	Type  string `json:"type"` // heading, paragraph, list, page
}

// Document is the result of extracting one file.
type Document struct {
	Name     string    `json:"name"`
	Format   Format    `json:"format"`
	Title    string    `json:"title"`
	Sections []Section `json:"sections"`
	Text     string    `json:"text"`
	// PDF is set for PDF input only.
	PDF *PDFQuality `json:"pdf,omitempty"`
}

// Config configures the pipeline.
type Config struct {
	// MaxFileSize rejects larger inputs. Default: 50 MB.
	MaxFileSize int64        `yaml:"max_file_size"`
	Logger      *slog.Logger `yaml:"-"`
}

// Pipeline dispatches extraction by format.
type Pipeline struct {
	maxSize int64
	logger  *slog.Logger
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 50 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{maxSize: cfg.MaxFileSize, logger: cfg.Logger}
}

// Detect picks the format from the file extension, falling back to
// content sniffing when the extension is missing or unknown.
func Detect(name string, data []byte) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".docx":
		return FormatDocx, nil
	case ".odt":
		return FormatODT, nil
	case ".pdf":
		return FormatPDF, nil
	case ".md", ".markdown":
		return FormatMD, nil
	case ".txt", ".text":
		return FormatTXT, nil
	case ".html", ".htm":
		return FormatHTML, nil
	}

	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return FormatPDF, nil
	}
	ct := http.DetectContentType(data)
	switch {
	case strings.HasPrefix(ct, "text/html"):
		return FormatHTML, nil
	case strings.HasPrefix(ct, "text/plain"):
		return FormatTXT, nil
	case ct == "application/zip":
		if bytes.Contains(data, []byte("word/document.xml")) {
			return FormatDocx, nil
		}
		if bytes.Contains(data, []byte("content.xml")) {
			return FormatODT, nil
		}
	}
	return "", faults.Validation("file", "unsupported format for %q (%s)", name, ct)
}

// SupportedFormats lists the accepted extensions.
func SupportedFormats() []string {
	return []string{"docx", "odt", "pdf", "md", "txt", "html"}
}

// Extract parses data. Size, format and parse problems are validation
// errors: a broken upload does not get better on retry.
func (p *Pipeline) Extract(ctx context.Context, name string, data []byte) (*Document, error) {
	if int64(len(data)) > p.maxSize {
		return nil, faults.Validation("file", "too large: %d bytes (max %d)", len(data), p.maxSize)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	format, err := Detect(name, data)
	if err != nil {
		return nil, err
	}

	doc := &Document{Name: name, Format: format}
	switch format {
	case FormatDocx:
		doc.Title, doc.Sections, err = extractDocx(data)
	case FormatODT:
		doc.Title, doc.Sections, err = extractODT(data)
	case FormatPDF:
		doc.Title, doc.Sections, doc.PDF, err = extractPDF(data)
	case FormatMD:
		doc.Title, doc.Sections = extractMarkdown(data)
	case FormatTXT:
		doc.Title, doc.Sections = extractText(data)
	case FormatHTML:
		doc.Title, doc.Sections, err = extractHTML(data)
	}
	if err != nil {
		return nil, faults.Validation("file", "extract %s (%s): %v", name, format, err)
	}

	var sb strings.Builder
	for i, s := range doc.Sections {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(s.Text)
	}
	doc.Text = sb.String()
	if doc.Title == "" {
		doc.Title = firstLine(doc.Text)
	}

	p.logger.Debug("docpipe: extracted", "name", name, "format", format,
		"sections", len(doc.Sections), "chars", len(doc.Text))
	if doc.PDF != nil && doc.PDF.NeedsOCR() {
		p.logger.Warn("docpipe: pdf text layer looks unusable", "name", name,
			"chars_per_page", doc.PDF.CharsPerPage, "printable_ratio", doc.PDF.PrintableRatio)
	}
	return doc, nil
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > 200 {
		text = string(r[:200])
	}
	return text
}
