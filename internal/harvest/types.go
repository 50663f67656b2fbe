// Package harvest defines the core types and services of the document
// harvesting engine: the request/response model, the retrying fetch client,
// the concurrency gate, and the Scraper contract that every source
// implementation fulfils.
package harvest

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/lexcorpus/harvester/internal/hash/sha256"
	"github.com/lexcorpus/harvester/internal/textutil"
)

// Method selects how a FetchRequest is resolved.
type Method string

// Supported fetch methods. MethodOpen reads a local file and bypasses the
// gate and the transport retry path entirely.
const (
	MethodNetwork Method = "network"
	MethodOpen    Method = "open"
)

// FetchRequest describes one logical fetch. Treat it as immutable once
// constructed; requests are deduplicated by Key.
type FetchRequest struct {
	// Target is a URL for MethodNetwork or a local path for MethodOpen.
	Target string `json:"target"`
	// Method defaults to MethodNetwork when empty.
	Method Method `json:"method,omitempty"`
	// HTTPMethod defaults to GET.
	HTTPMethod string `json:"http_method,omitempty"`
	Header     http.Header `json:"header,omitempty"`
	Query      url.Values  `json:"query,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	// Encoding overrides the charset used to decode the response to text.
	Encoding string `json:"encoding,omitempty"`
}

// NewRequest builds a network GET request for the given URL.
func NewRequest(target string) FetchRequest {
	return FetchRequest{Target: target, Method: MethodNetwork}
}

// OpenRequest builds a request that reads a local file.
func OpenRequest(path string) FetchRequest {
	return FetchRequest{Target: path, Method: MethodOpen}
}

func (r FetchRequest) method() Method {
	if r.Method == "" {
		return MethodNetwork
	}
	return r.Method
}

func (r FetchRequest) httpMethod() string {
	if r.HTTPMethod == "" {
		return http.MethodGet
	}
	return r.HTTPMethod
}

// Key returns a canonical identity string derived from the target, method
// and request parameters. Two requests with equal keys fetch the same thing,
// which is what index caches and dedup sets key on.
func (r FetchRequest) Key() string {
	var b strings.Builder
	b.WriteString(string(r.method()))
	b.WriteByte(' ')
	b.WriteString(r.httpMethod())
	b.WriteByte(' ')
	b.WriteString(r.Target)
	if len(r.Query) > 0 {
		b.WriteByte('?')
		b.WriteString(r.Query.Encode())
	}
	if len(r.Header) > 0 {
		keys := make([]string, 0, len(r.Header))
		for k := range r.Header {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte('\n')
			b.WriteString(k)
			b.WriteByte(':')
			b.WriteString(strings.Join(r.Header[k], ","))
		}
	}
	if len(r.Body) > 0 {
		// Bodies can be large POST payloads; key on their digest so keys
		// stay printable and bounded.
		b.WriteByte('\n')
		b.WriteString(sha256.Digest(r.Body))
	}
	return b.String()
}

// FetchResponse carries the raw payload of a completed fetch. Decoding to
// text and parsing as JSON are lazy and repeatable; the response itself is
// immutable.
type FetchResponse struct {
	Body        []byte
	Encoding    string
	ContentType string
	StatusCode  int
}

// Text decodes the body using the response encoding, falling back to
// permissive UTF-8 when no encoding was declared.
func (r FetchResponse) Text() (string, error) {
	return textutil.Decode(r.Body, r.Encoding)
}

// JSON unmarshals the body into v. A malformed payload yields a
// content-parse error so callers can route it through the content retry
// loop.
func (r FetchResponse) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return MarkContentParse(errors.Wrap(err, "decode response json"))
	}
	return nil
}

// Contains reports whether the raw body contains the given byte sequence.
// Sources use it to probe for overload sentinels without decoding.
func (r FetchResponse) Contains(s string) bool {
	return strings.Contains(string(r.Body), s)
}

// Entry is a lightweight reference to one document version, produced by the
// index stage and sufficient to fetch and extract the full document.
type Entry struct {
	Request      FetchRequest `json:"request"`
	VersionID    string       `json:"version_id"`
	Source       string       `json:"source"`
	DocumentType string       `json:"type,omitempty"`
	Jurisdiction string       `json:"jurisdiction"`
	Date         string       `json:"date,omitempty"`
	Title        string       `json:"title"`
}

// Document is the terminal output of the pipeline. The engine holds no
// reference to it after returning it to the caller.
type Document struct {
	VersionID    string `json:"version_id"`
	DocumentType string `json:"type"`
	Jurisdiction string `json:"jurisdiction"`
	Source       string `json:"source"`
	Mime         string `json:"mime"`
	Date         string `json:"date,omitempty"`
	Citation     string `json:"citation"`
	URL          string `json:"url"`
	Text         string `json:"text"`
}

// NewDocument assembles a Document from an entry and extracted text. The
// text is cleaned before storage and must be non-empty after cleaning; an
// empty body is a structural failure, never a valid document.
func NewDocument(entry Entry, docType, mime, date, docURL, text string) (*Document, error) {
	cleaned := textutil.Clean(text)
	if cleaned == "" {
		return nil, MarkStructural(errors.Newf("document %s from %s has no text", entry.VersionID, docURL))
	}
	if docType == "" {
		docType = entry.DocumentType
	}
	if date == "" {
		date = entry.Date
	}
	return &Document{
		VersionID:    entry.VersionID,
		DocumentType: docType,
		Jurisdiction: entry.Jurisdiction,
		Source:       entry.Source,
		Mime:         mime,
		Date:         date,
		Citation:     entry.Title,
		URL:          docURL,
		Text:         cleaned,
	}, nil
}
