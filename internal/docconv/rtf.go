package docconv

import (
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/text/encoding/charmap"
)

// ErrNotRTF reports a payload without an RTF header. The High Court
// database labels some legacy DOC files as RTF; callers catch this to fall
// back to DOCX handling.
var ErrNotRTF = errors.New("payload is not an rtf document")

// Destination groups whose content never contributes to the text.
var skippedDestinations = map[string]struct{}{
	"fonttbl": {}, "colortbl": {}, "stylesheet": {}, "info": {},
	"header": {}, "footer": {}, "pict": {}, "themedata": {},
	"generator": {}, "xmlnstbl": {},
}

// Control words that map to literal characters.
var symbolWords = map[string]rune{
	"emdash":    '—',
	"endash":    '–',
	"lquote":    '‘',
	"rquote":    '’',
	"ldblquote": '“',
	"rdblquote": '”',
	"bullet":    '•',
	"emspace":   ' ',
	"enspace":   ' ',
}

// Text extracts plain text from an RTF payload. Hex escapes decode as
// cp1252, the encoding every Australian court RTF observed in the wild
// declares.
func Text(payload []byte) (string, error) {
	if !strings.HasPrefix(string(payload), `{\rtf`) {
		return "", errors.Mark(errors.New("missing rtf header"), ErrNotRTF)
	}
	p := &rtfParser{data: payload, skipWidth: 1}
	return p.parse()
}

type rtfParser struct {
	data      []byte
	pos       int
	out       strings.Builder
	skipDepth int // depth at which a skipped destination began; 0 = none
	depth     int
	skipNext  int // pending characters to skip after a \uN escape
	skipWidth int // current \ucN value
}

func (p *rtfParser) parse() (string, error) {
	for p.pos < len(p.data) {
		ch := p.data[p.pos]
		switch ch {
		case '{':
			p.depth++
			p.pos++
		case '}':
			if p.skipDepth > 0 && p.depth == p.skipDepth {
				p.skipDepth = 0
			}
			p.depth--
			p.pos++
		case '\\':
			p.control()
		case '\r', '\n':
			p.pos++
		default:
			p.pos++
			if p.skipDepth > 0 {
				continue
			}
			if p.skipNext > 0 {
				p.skipNext--
				continue
			}
			if ch < 0x80 {
				p.out.WriteByte(ch)
			} else {
				p.out.WriteRune(charmap.Windows1252.DecodeByte(ch))
			}
		}
	}
	return p.out.String(), nil
}

func (p *rtfParser) control() {
	p.pos++ // consume the backslash
	if p.pos >= len(p.data) {
		return
	}
	ch := p.data[p.pos]

	// Symbol escapes: \\, \{, \}, \~ and hex escapes \'xx.
	if !isLetter(ch) {
		p.pos++
		switch ch {
		case '\\', '{', '}':
			p.write(rune(ch))
		case '~':
			p.write(' ')
		case '*':
			// Starred destinations are application data; skip the group.
			if p.skipDepth == 0 {
				p.skipDepth = p.depth
			}
		case '\'':
			p.hexEscape()
		case '\r', '\n':
			p.write('\n')
		}
		return
	}

	word, param, hasParam := p.controlWord()
	switch word {
	case "par", "line", "row":
		p.write('\n')
	case "tab", "cell":
		p.write('\t')
	case "sect", "page":
		p.write('\n')
	case "uc":
		if hasParam {
			p.skipWidth = param
		}
	case "u":
		if hasParam {
			r := rune(param)
			if param < 0 {
				r = rune(65536 + param)
			}
			p.write(r)
			p.skipNext = p.skipWidth
		}
	default:
		if r, ok := symbolWords[word]; ok {
			p.write(r)
			return
		}
		if _, skip := skippedDestinations[word]; skip && p.skipDepth == 0 {
			p.skipDepth = p.depth
		}
	}
}

func (p *rtfParser) controlWord() (string, int, bool) {
	start := p.pos
	for p.pos < len(p.data) && isLetter(p.data[p.pos]) {
		p.pos++
	}
	word := string(p.data[start:p.pos])

	param, hasParam, neg := 0, false, false
	if p.pos < len(p.data) && p.data[p.pos] == '-' {
		neg = true
		p.pos++
	}
	for p.pos < len(p.data) && p.data[p.pos] >= '0' && p.data[p.pos] <= '9' {
		param = param*10 + int(p.data[p.pos]-'0')
		hasParam = true
		p.pos++
	}
	if neg {
		param = -param
	}
	// A single space terminates the control word and is consumed.
	if p.pos < len(p.data) && p.data[p.pos] == ' ' {
		p.pos++
	}
	return word, param, hasParam
}

func (p *rtfParser) hexEscape() {
	if p.pos+1 >= len(p.data) {
		return
	}
	hi := hexValue(p.data[p.pos])
	lo := hexValue(p.data[p.pos+1])
	p.pos += 2
	if hi < 0 || lo < 0 {
		return
	}
	if p.skipNext > 0 {
		p.skipNext--
		return
	}
	r := charmap.Windows1252.DecodeByte(byte(hi<<4 | lo))
	p.write(r)
}

func (p *rtfParser) write(r rune) {
	if p.skipDepth > 0 {
		return
	}
	p.out.WriteRune(r)
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func hexValue(b byte) int {
	switch {
	case b >= '0' && b <= '9':
		return int(b - '0')
	case b >= 'a' && b <= 'f':
		return int(b-'a') + 10
	case b >= 'A' && b <= 'F':
		return int(b-'A') + 10
	default:
		return -1
	}
}
