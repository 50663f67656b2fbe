// Package docconv holds the pure document-format transforms consumed by
// source implementations: DOCX to HTML and RTF to plain text. Both operate
// on in-memory payloads and perform no I/O.
package docconv

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"html"
	"io"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrNotArchive reports a payload that is not a DOCX container. Legal
// databases occasionally serve legacy DOC files under a .docx label with no
// prior indication; callers catch this to fall back to another format.
var ErrNotArchive = errors.New("payload is not a docx archive")

var headingStyle = regexp.MustCompile(`^[Hh]eading([1-6])$`)

// HTML converts a DOCX payload to simple HTML: paragraphs, headings derived
// from paragraph styles, line breaks and tab stops. Going through HTML
// rather than straight to text lets the htmltext layout profiles control
// spacing the same way they do for native HTML documents.
func HTML(payload []byte) (string, error) {
	archive, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "open docx"), ErrNotArchive)
	}
	var doc *zip.File
	for _, f := range archive.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", errors.Mark(errors.New("docx has no word/document.xml"), ErrNotArchive)
	}
	rc, err := doc.Open()
	if err != nil {
		return "", errors.Wrap(err, "open document part")
	}
	defer rc.Close()
	return renderDocumentXML(rc)
}

func renderDocumentXML(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var (
		out       strings.Builder
		paragraph strings.Builder
		style     string
		inPara    bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", errors.Wrap(err, "parse document xml")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				inPara = true
				paragraph.Reset()
				style = ""
			case "pStyle":
				for _, attr := range t.Attr {
					if attr.Name.Local == "val" {
						style = attr.Value
					}
				}
			case "br", "cr":
				if inPara {
					paragraph.WriteString("<br/>")
				}
			case "tab":
				if inPara {
					paragraph.WriteString("\t")
				}
			case "t":
				var text string
				if err := dec.DecodeElement(&text, &t); err != nil {
					return "", errors.Wrap(err, "parse text run")
				}
				if inPara {
					paragraph.WriteString(html.EscapeString(text))
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "p":
				writeParagraph(&out, paragraph.String(), style)
				inPara = false
			case "tc":
				// Table cells separate with a tab within the row's
				// paragraph flow.
				if inPara {
					paragraph.WriteString("\t")
				}
			}
		}
	}
	return out.String(), nil
}

func writeParagraph(out *strings.Builder, content, style string) {
	tag := "p"
	if m := headingStyle.FindStringSubmatch(style); m != nil {
		tag = "h" + m[1]
	}
	out.WriteString("<")
	out.WriteString(tag)
	out.WriteString(">")
	out.WriteString(content)
	out.WriteString("</")
	out.WriteString(tag)
	out.WriteString(">\n")
}
