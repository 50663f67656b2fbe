// Package textutil provides the text-normalization helpers shared by source
// implementations: charset decoding, whitespace cleanup and Australian date
// parsing.
package textutil

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

var (
	nonStandardControlChars = regexp.MustCompile("[\a\b\f\r\v]")
	trailingLineWhitespace  = regexp.MustCompile(`[ \t]+\n`)
	leadingBlankRegion      = regexp.MustCompile(`^\s*\n`)
	trailingBlankRegion     = regexp.MustCompile(`\n\s*$`)
)

// charmaps maps normalized encoding labels to their decoders. Court
// databases are the reason windows-1250 and cp1252 appear here: judgments
// are routinely served in either with no content-type hint.
var charmaps = map[string]*charmap.Charmap{
	"windows1250": charmap.Windows1250,
	"cp1250":      charmap.Windows1250,
	"windows1252": charmap.Windows1252,
	"cp1252":      charmap.Windows1252,
	"latin1":      charmap.ISO8859_1,
	"iso88591":    charmap.ISO8859_1,
}

func normalizeLabel(label string) string {
	label = strings.ToLower(label)
	label = strings.ReplaceAll(label, "-", "")
	label = strings.ReplaceAll(label, "_", "")
	return label
}

// Decode converts raw bytes to a string using the named encoding. An empty
// or UTF-8 label decodes permissively, replacing invalid sequences. Named
// single-byte encodings decode strictly: a byte with no mapping is an
// error, which is how callers detect a mislabelled document and fall back
// to another format.
func Decode(b []byte, label string) (string, error) {
	switch normalized := normalizeLabel(label); normalized {
	case "", "utf8":
		return strings.ToValidUTF8(string(b), string(utf8.RuneError)), nil
	default:
		cm, ok := charmaps[normalized]
		if !ok {
			return "", errors.Newf("unsupported encoding %q", label)
		}
		return decodeStrict(b, cm.NewDecoder(), label)
	}
}

func decodeStrict(b []byte, dec *encoding.Decoder, label string) (string, error) {
	decoded, err := dec.Bytes(b)
	if err != nil {
		return "", errors.Wrapf(err, "decode as %s", label)
	}
	// The charmap decoders substitute U+FFFD for unmapped bytes instead of
	// failing; surface that as a decode error.
	if strings.ContainsRune(string(decoded), utf8.RuneError) && !strings.ContainsRune(string(b), utf8.RuneError) {
		return "", errors.Newf("undecodable byte for encoding %s", label)
	}
	return string(decoded), nil
}

// Clean normalizes document text: non-breaking spaces become plain spaces,
// non-standard control characters are dropped, whitespace-only line tails
// are trimmed, and blank regions at either edge of the text are removed.
func Clean(text string) string {
	text = strings.ReplaceAll(text, " ", " ")
	text = nonStandardControlChars.ReplaceAllString(text, "")
	text = trailingLineWhitespace.ReplaceAllString(text, "\n")
	text = leadingBlankRegion.ReplaceAllString(text, "")
	text = trailingBlankRegion.ReplaceAllString(text, "")
	return text
}

// auDateLayouts covers the date formats Australian legal databases emit.
var auDateLayouts = []string{"2 January 2006", "2 Jan 2006", "2/1/2006"}

// FormatDate parses an Australian-style date and returns it as ISO
// YYYY-MM-DD.
func FormatDate(date string) (string, error) {
	date = strings.TrimSpace(date)
	for _, layout := range auDateLayouts {
		if t, err := time.Parse(layout, date); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", errors.Newf("unrecognized date %q", date)
}
