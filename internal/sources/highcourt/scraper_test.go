package highcourt

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"

	"github.com/lexcorpus/harvester/internal/harvest"
	"github.com/lexcorpus/harvester/internal/ocr"
)

// stubTransport serves canned responses keyed by full URL.
type stubTransport struct {
	responses map[string]stubResponse
}

type stubResponse struct {
	status      int
	contentType string
	body        []byte
}

func (t *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, ok := t.responses[req.URL.String()]
	if !ok {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Header:     http.Header{},
			Body:       io.NopCloser(bytes.NewReader(nil)),
			Request:    req,
		}, nil
	}
	status := resp.status
	if status == 0 {
		status = http.StatusOK
	}
	header := http.Header{}
	if resp.contentType != "" {
		header.Set("Content-Type", resp.contentType)
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(resp.body)),
		Request:    req,
	}, nil
}

type stubExtractor struct {
	text  string
	scale int
}

func (s *stubExtractor) Extract(_ context.Context, _ []byte, _, scale int) (string, error) {
	s.scale = scale
	return s.text, nil
}

func newStubScraper(t *testing.T, responses map[string]stubResponse) (*Scraper, *stubExtractor) {
	t.Helper()
	pool := ocr.NewPool(1)
	t.Cleanup(pool.Close)
	ex := &stubExtractor{text: "scanned decision text"}
	session := resty.New().SetTransport(&stubTransport{responses: responses})
	return New(Config{
		Session:      session,
		OCRPool:      pool,
		OCRExtractor: ex,
	}), ex
}

func searchYear() int {
	year := time.Now().Year()
	if loc, err := time.LoadLocation("Australia/Canberra"); err == nil {
		year = time.Now().In(loc).Year()
	}
	return year
}

func lastItemPage(n int) stubResponse {
	return stubResponse{
		contentType: "text/html",
		body:        []byte(fmt.Sprintf(`<span id="lastItem">%d</span>`, n)),
	}
}

func TestIndexRequestsEnumeratesCollections(t *testing.T) {
	t.Parallel()

	year := searchYear()
	modern := fmt.Sprintf("%s/search?col=0&filter_4=0+TO+%d", baseURL, year)
	historical := fmt.Sprintf("%s/search?col=1&filter_4=0+TO+%d", baseURL, year)
	oneHundred := fmt.Sprintf("%s/search?col=2&filter_4=0+TO+%d", baseURL, year)
	unreported := fmt.Sprintf("%s/historical/search?col=0&filter_4=0+TO+%d", baseURL, year)

	s, _ := newStubScraper(t, map[string]stubResponse{
		modern:     lastItemPage(2),
		historical: lastItemPage(1),
		oneHundred: lastItemPage(0),
		unreported: lastItemPage(3),
	})

	reqs, err := s.IndexRequests(context.Background())
	require.NoError(t, err)
	require.Len(t, reqs, 6)
	require.Equal(t, modern+"&page=1", reqs[0].Target)
	require.Equal(t, modern+"&page=2", reqs[1].Target)
	require.Equal(t, unreported+"&page=3", reqs[5].Target)
}

func TestIndexRequestsWithoutPageCount(t *testing.T) {
	t.Parallel()

	year := searchYear()
	s, _ := newStubScraper(t, map[string]stubResponse{
		fmt.Sprintf("%s/search?col=0&filter_4=0+TO+%d", baseURL, year): {
			contentType: "text/html",
			body:        []byte("<html><body>maintenance page</body></html>"),
		},
	})

	_, err := s.IndexRequests(context.Background())
	require.Error(t, err)
}

func caseRow(slug, title, citation string) string {
	return `<a class="case" href="` + slug + `">` +
		`<strong>` + title + `</strong> <em>ignored</em> ` +
		`<span style="white-space: nowrap;">` + citation + `</span></a>`
}

func TestIndexParsesResultsPage(t *testing.T) {
	t.Parallel()

	target := baseURL + "/search?col=0&page=1"
	page := caseRow("/showCase/2020/HCA/1", "Smith v The Queen ", "[2020] HCA 1") +
		caseRow("/showCase/2020/HCA/2", "Jones v Brown ", "[2020] HCA 2")

	s, _ := newStubScraper(t, map[string]stubResponse{
		target: {contentType: "text/html", body: []byte(page)},
	})

	entries, err := s.Index(context.Background(), harvest.NewRequest(target))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	first := entries[0]
	require.Equal(t, baseURL+"/showCase/2020/HCA/1", first.Request.Target)
	require.Equal(t, "/showCase/2020/HCA/1", first.VersionID)
	require.Equal(t, "Smith v The Queen [2020] HCA 1", first.Title)
	require.Equal(t, "decision", first.DocumentType)
	require.Equal(t, "commonwealth", first.Jurisdiction)
	// Dates come from case pages, not results pages.
	require.Empty(t, first.Date)
}

func TestIndexEmptyResultsPage(t *testing.T) {
	t.Parallel()

	target := baseURL + "/search?col=0&page=99"
	s, _ := newStubScraper(t, map[string]stubResponse{
		target: {contentType: "text/html", body: []byte("<html><body>no rows</body></html>")},
	})

	_, err := s.Index(context.Background(), harvest.NewRequest(target))
	require.Error(t, err)
	require.True(t, harvest.IsStructural(err))
}

func caseEntry(slug string) harvest.Entry {
	return harvest.Entry{
		Request:      harvest.NewRequest(baseURL + slug),
		VersionID:    slug,
		Source:       source,
		DocumentType: "decision",
		Jurisdiction: "commonwealth",
		Title:        "Smith v The Queen [2020] HCA 1",
	}
}

func downloadButton(href, label string) string {
	return `<a class="btn btn-primary" href="` + href + `">` + label + `</a>`
}

func TestDocumentRendersHTMLOnlyCase(t *testing.T) {
	t.Parallel()

	entry := caseEntry("/showCase/2019/HCA/12")
	page := `<html><body><h2>3 April 2019</h2>` +
		`<div class="wellCase"><p>The appeal is allowed.</p></div></body></html>`

	s, _ := newStubScraper(t, map[string]stubResponse{
		entry.Request.Target: {contentType: "text/html", body: []byte(page)},
	})

	doc, err := s.Document(context.Background(), entry)
	require.NoError(t, err)
	require.Equal(t, "text/html", doc.Mime)
	require.Equal(t, entry.Request.Target, doc.URL)
	require.Equal(t, "2019-04-03", doc.Date)
	require.Contains(t, doc.Text, "The appeal is allowed.")
}

func TestDocumentHTMLOnlyWithoutCaseText(t *testing.T) {
	t.Parallel()

	entry := caseEntry("/showCase/2019/HCA/12")
	s, _ := newStubScraper(t, map[string]stubResponse{
		entry.Request.Target: {contentType: "text/html", body: []byte("<html><body>splash</body></html>")},
	})

	_, err := s.Document(context.Background(), entry)
	require.Error(t, err)
	require.True(t, harvest.IsStructural(err))
}

func TestDocumentPrefersLastDownloadButton(t *testing.T) {
	t.Parallel()

	entry := caseEntry("/showCase/2020/HCA/1")
	page := `<h2>5 March 2020</h2>` +
		downloadButton("/downloads/2020-HCA-1.pdf", "PDF") +
		downloadButton("/downloads/2020-HCA-1.rtf", "RTF")

	s, _ := newStubScraper(t, map[string]stubResponse{
		entry.Request.Target: {contentType: "text/html", body: []byte(page)},
		baseURL + "/downloads/2020-HCA-1.rtf": {
			contentType: "application/rtf",
			body:        []byte(`{\rtf1\ansi Orders made\par Appeal dismissed}`),
		},
	})

	doc, err := s.Document(context.Background(), entry)
	require.NoError(t, err)
	require.Equal(t, "application/rtf", doc.Mime)
	require.Equal(t, baseURL+"/downloads/2020-HCA-1.rtf", doc.URL)
	require.Equal(t, "2020-03-05", doc.Date)
	require.Equal(t, "Orders made\nAppeal dismissed", doc.Text)
}

func docxPayload(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("word/document.xml")
	require.NoError(t, err)
	_, err = f.Write([]byte(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
		`<w:p><w:r><w:t>` + body + `</w:t></w:r></w:p></w:body></w:document>`))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDocumentRTFButtonServingWord(t *testing.T) {
	t.Parallel()

	entry := caseEntry("/showCase/2020/HCA/1")
	page := downloadButton("/downloads/2020-HCA-1.rtf", "RTF")

	s, _ := newStubScraper(t, map[string]stubResponse{
		entry.Request.Target: {contentType: "text/html", body: []byte(page)},
		baseURL + "/downloads/2020-HCA-1.rtf": {
			contentType: docxMime,
			body:        docxPayload(t, "Orders of the court."),
		},
	})

	doc, err := s.Document(context.Background(), entry)
	require.NoError(t, err)
	require.Equal(t, docxMime, doc.Mime)
	require.Contains(t, doc.Text, "Orders of the court.")
}

func TestDocumentDOCXButton(t *testing.T) {
	t.Parallel()

	entry := caseEntry("/showCase/2020/HCA/1")
	page := downloadButton("/downloads/2020-HCA-1.docx", "DOCX")

	s, _ := newStubScraper(t, map[string]stubResponse{
		entry.Request.Target: {contentType: "text/html", body: []byte(page)},
		baseURL + "/downloads/2020-HCA-1.docx": {
			contentType: docxMime,
			body:        docxPayload(t, "Reasons for judgment."),
		},
	})

	doc, err := s.Document(context.Background(), entry)
	require.NoError(t, err)
	require.Equal(t, docxMime, doc.Mime)
	require.Contains(t, doc.Text, "Reasons for judgment.")
}

func TestDocumentPDFGoesThroughOCRAtReducedScale(t *testing.T) {
	t.Parallel()

	entry := caseEntry("/showCase/1955/HCA/7")
	page := downloadButton("/downloads/1955-HCA-7.pdf", "View")

	s, ex := newStubScraper(t, map[string]stubResponse{
		entry.Request.Target: {contentType: "text/html", body: []byte(page)},
		baseURL + "/downloads/1955-HCA-7.pdf": {
			contentType: "application/pdf",
			body:        []byte("%PDF-1.4"),
		},
	})

	doc, err := s.Document(context.Background(), entry)
	require.NoError(t, err)
	require.Equal(t, "application/pdf", doc.Mime)
	require.Equal(t, "scanned decision text", doc.Text)
	require.Equal(t, ocrScale, ex.scale)
}

func TestDocumentMissingDownloadIsAbsent(t *testing.T) {
	t.Parallel()

	entry := caseEntry("/showCase/2020/HCA/1")
	page := downloadButton("/downloads/2020-HCA-1.pdf", "Download")

	s, _ := newStubScraper(t, map[string]stubResponse{
		entry.Request.Target: {contentType: "text/html", body: []byte(page)},
		baseURL + "/downloads/2020-HCA-1.pdf": {
			contentType: "text/html",
			body:        []byte("<html><body>Document could not be found</body></html>"),
		},
	})

	doc, err := s.Document(context.Background(), entry)
	require.NoError(t, err)
	require.Nil(t, doc)
}
