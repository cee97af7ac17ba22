package docpipe

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	maxXMLDepth = 256
	// maxXMLBytes caps the decompressed size of the document part.
	maxXMLBytes = 64 << 20
)

var errTooDeep = fmt.Errorf("xml nesting depth exceeds %d", maxXMLDepth)

// openPart returns the decompressed bytes of one archive member.
func openPart(data []byte, name string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		defer rc.Close()
		b, err := io.ReadAll(io.LimitReader(rc, maxXMLBytes+1))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if len(b) > maxXMLBytes {
			return nil, fmt.Errorf("%s exceeds %d bytes decompressed", name, maxXMLBytes)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%s not found in archive", name)
}

// walkXML feeds tokens to fn and enforces the nesting limit.
func walkXML(part []byte, fn func(xml.Token)) error {
	dec := xml.NewDecoder(bytes.NewReader(part))
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("xml: %w", err)
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
			if depth > maxXMLDepth {
				return errTooDeep
			}
		case xml.EndElement:
			depth--
		}
		fn(tok)
	}
}

// blockCollector accumulates text of the current paragraph or heading.
type blockCollector struct {
	title    string
	sections []Section
	buf      strings.Builder
}

func (b *blockCollector) flush(level int, kind string) {
	text := strings.TrimSpace(b.buf.String())
	b.buf.Reset()
	if text == "" {
		return
	}
	s := Section{Text: text, Type: kind}
	if level > 0 {
		s.Title, s.Level, s.Type = text, level, "heading"
		if b.title == "" {
			b.title = text
		}
	}
	b.sections = append(b.sections, s)
}

// extractDocx reads word/document.xml. Paragraph styles named like
// Heading1 or Title become headings.
func extractDocx(data []byte) (string, []Section, error) {
	part, err := openPart(data, "word/document.xml")
	if err != nil {
		return "", nil, err
	}
	var (
		c      blockCollector
		inPara bool
		style  string
	)
	err = walkXML(part, func(tok xml.Token) {
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				inPara, style = true, ""
				c.buf.Reset()
			case "pStyle":
				for _, a := range t.Attr {
					if a.Name.Local == "val" {
						style = a.Value
					}
				}
			case "tab":
				c.buf.WriteByte(' ')
			}
		case xml.CharData:
			if inPara {
				c.buf.Write(t)
			}
		case xml.EndElement:
			if t.Name.Local == "p" && inPara {
				inPara = false
				c.flush(docxHeadingLevel(style), "paragraph")
			}
		}
	})
	if err != nil {
		return "", nil, err
	}
	return c.title, c.sections, nil
}

func docxHeadingLevel(style string) int {
	s := strings.ToLower(style)
	switch s {
	case "title":
		return 1
	case "subtitle":
		return 2
	}
	for _, prefix := range []string{"heading", "titre", "überschrift"} {
		if rest, ok := strings.CutPrefix(s, prefix); ok {
			if n, err := strconv.Atoi(rest); err == nil && n >= 1 && n <= 6 {
				return n
			}
		}
	}
	return 0
}

// extractODT reads content.xml; text:h carries its outline level.
func extractODT(data []byte) (string, []Section, error) {
	part, err := openPart(data, "content.xml")
	if err != nil {
		return "", nil, err
	}
	var (
		c         blockCollector
		level     int
		inBlock   bool
		listDepth int
	)
	err = walkXML(part, func(tok xml.Token) {
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "h":
				inBlock, level = true, 1
				c.buf.Reset()
				for _, a := range t.Attr {
					if a.Name.Local == "outline-level" {
						if n, err := strconv.Atoi(a.Value); err == nil {
							level = n
						}
					}
				}
			case "p":
				inBlock, level = true, 0
				c.buf.Reset()
			case "list":
				listDepth++
			case "s", "tab":
				c.buf.WriteByte(' ')
			}
		case xml.CharData:
			if inBlock {
				c.buf.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "h", "p":
				if !inBlock {
					return
				}
				inBlock = false
				kind := "paragraph"
				if listDepth > 0 {
					kind = "list"
				}
				c.flush(level, kind)
			case "list":
				listDepth--
			}
		}
	})
	if err != nil {
		return "", nil, err
	}
	return c.title, c.sections, nil
}
