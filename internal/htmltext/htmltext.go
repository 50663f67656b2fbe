// Package htmltext renders parsed HTML to plain text under a configurable
// layout profile: per-tag line-break and whitespace rules, plus indentation
// taken from inline margin styles. Each source supplies the profile that
// matches its database's markup conventions.
package htmltext

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Display controls whether a tag starts and ends its own line.
type Display int

// Display values.
const (
	Inline Display = iota
	Block
)

// WhiteSpace controls whitespace handling inside a tag.
type WhiteSpace int

// WhiteSpace values.
const (
	Normal WhiteSpace = iota
	Pre
)

// Style is the layout rule for one tag. Margins are measured in blank
// lines; adjacent margins collapse to the larger one.
type Style struct {
	Display      Display
	WhiteSpace   WhiteSpace
	MarginBefore int
	MarginAfter  int
}

// Profile maps tag names to their layout rules. Tags absent from the
// profile render inline.
type Profile map[string]Style

// Strict returns the base profile: paragraphs and headings separated by a
// blank line, structural containers on their own lines, pre-formatted
// blocks preserved.
func Strict() Profile {
	p := Profile{
		"p":          {Display: Block, MarginBefore: 1, MarginAfter: 1},
		"div":        {Display: Block},
		"blockquote": {Display: Block, MarginBefore: 1, MarginAfter: 1},
		"ul":         {Display: Block},
		"ol":         {Display: Block},
		"li":         {Display: Block},
		"table":      {Display: Block},
		"tr":         {Display: Block},
		"title":      {Display: Block},
		"pre":        {Display: Block, WhiteSpace: Pre},
	}
	for _, h := range []string{"h1", "h2", "h3", "h4", "h5", "h6"} {
		p[h] = Style{Display: Block, MarginBefore: 1, MarginAfter: 1}
	}
	return p
}

// Clone returns an independent copy of the profile.
func (p Profile) Clone() Profile {
	out := make(Profile, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// With sets the rule for tag and returns the profile for chaining.
func (p Profile) With(tag string, s Style) Profile {
	p[tag] = s
	return p
}

// Render walks one parsed node and returns its text under the profile.
func Render(n *html.Node, p Profile) string {
	r := &renderer{profile: p}
	r.walk(n)
	return r.result()
}

// Text renders every node of a goquery selection.
func Text(sel *goquery.Selection, p Profile) string {
	parts := make([]string, 0, len(sel.Nodes))
	for _, n := range sel.Nodes {
		parts = append(parts, Render(n, p))
	}
	return strings.Join(parts, "\n")
}

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	marginLeftEm  = regexp.MustCompile(`margin-left:\s*([0-9]+)(?:\.[0-9]+)?em`)
)

var skippedTags = map[string]struct{}{
	"script": {}, "style": {}, "head": {}, "noscript": {}, "template": {},
}

type renderer struct {
	profile Profile
	out     []string
	line    strings.Builder
	pending int
	indent  int
	pre     int
}

func (r *renderer) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		r.writeText(n.Data)
		return
	case html.ElementNode:
		if _, skip := skippedTags[n.Data]; skip {
			return
		}
		if n.Data == "br" {
			r.lineBreak()
			return
		}
		r.walkElement(n)
		return
	case html.DocumentNode:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			r.walk(c)
		}
	}
}

func (r *renderer) walkElement(n *html.Node) {
	style := r.profile[n.Data]
	block := style.Display == Block

	extraIndent := indentFromStyle(n)
	if block {
		r.breakBefore(1 + style.MarginBefore)
	}
	if style.WhiteSpace == Pre {
		r.pre++
	}
	r.indent += extraIndent

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		r.walk(c)
	}

	r.indent -= extraIndent
	if style.WhiteSpace == Pre {
		r.pre--
	}
	if block {
		r.breakBefore(1 + style.MarginAfter)
	}
}

// indentFromStyle reads an em-denominated margin-left out of the inline
// style attribute. Sources inject these to reproduce CSS-class indentation.
func indentFromStyle(n *html.Node) int {
	for _, attr := range n.Attr {
		if attr.Key != "style" {
			continue
		}
		if m := marginLeftEm.FindStringSubmatch(attr.Val); m != nil {
			ems := 0
			for _, ch := range m[1] {
				ems = ems*10 + int(ch-'0')
			}
			return ems
		}
	}
	return 0
}

func (r *renderer) writeText(s string) {
	if r.pre > 0 {
		for i, part := range strings.Split(s, "\n") {
			if i > 0 {
				r.endLine()
			}
			r.flushPending()
			r.startLineIfNeeded()
			r.line.WriteString(part)
		}
		return
	}
	collapsed := whitespaceRun.ReplaceAllString(s, " ")
	if strings.TrimSpace(collapsed) == "" {
		// Whitespace between inline siblings separates words.
		if collapsed != "" && r.pending == 0 && r.lineHasText() {
			r.line.WriteString(" ")
		}
		return
	}
	r.flushPending()
	if !r.lineHasText() {
		r.startLineIfNeeded()
		collapsed = strings.TrimLeft(collapsed, " ")
	}
	r.line.WriteString(collapsed)
}

func (r *renderer) lineHasText() bool {
	return strings.TrimSpace(r.line.String()) != ""
}

func (r *renderer) startLineIfNeeded() {
	if r.line.Len() == 0 && r.indent > 0 {
		r.line.WriteString(strings.Repeat(" ", r.indent))
	}
}

func (r *renderer) breakBefore(n int) {
	if n > r.pending {
		r.pending = n
	}
}

func (r *renderer) lineBreak() {
	r.flushPending()
	r.endLine()
}

func (r *renderer) flushPending() {
	if r.pending == 0 {
		return
	}
	blanks := r.pending - 1
	r.pending = 0
	if r.lineHasText() {
		r.endLine()
	} else if len(r.out) == 0 {
		// No content yet; blocks at the start of the tree owe nothing.
		r.line.Reset()
		return
	}
	for i := 0; i < blanks; i++ {
		r.out = append(r.out, "")
	}
}

func (r *renderer) endLine() {
	r.out = append(r.out, strings.TrimRight(r.line.String(), " "))
	r.line.Reset()
}

func (r *renderer) result() string {
	if r.lineHasText() {
		r.endLine()
	}
	return strings.Join(r.out, "\n")
}
