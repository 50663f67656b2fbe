// Package walegislation harvests the Western Australian Legislation
// database. Documents are retrieved as DOCX renditions, the database's most
// reliably formatted format.
package walegislation

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/lexcorpus/harvester/internal/corpus"
	"github.com/lexcorpus/harvester/internal/docconv"
	"github.com/lexcorpus/harvester/internal/harvest"
	"github.com/lexcorpus/harvester/internal/htmltext"
	"github.com/lexcorpus/harvester/internal/ratelimit"
	"github.com/lexcorpus/harvester/internal/textutil"
)

const (
	source = "western_australian_legislation"

	baseURL = "https://www.legislation.wa.gov.au/legislation/statutes.nsf/"

	docxMime = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

var (
	tableRow = regexp.MustCompile(`(?s)<tr>(.*?)</tr>`)

	entryLink   = regexp.MustCompile(`(?s)<a href='([\w\d_]+)\.html(?:&[^']*)*' class='[\w]+ alive'>(.*?)</a>`)
	versionLink = regexp.MustCompile(`<a href='RedirectURL\?OpenAgent&amp;query=([^']*)\.docx' class='tooltip' target='_blank'>`)

	rowDate         = regexp.MustCompile(`<td>(\d{1,2} [A-Z][a-z]+ \d{4})</td>`)
	publicationDate = regexp.MustCompile(`<th>Publication Information:</th><td><a[^>]+>(\d{1,2} [A-Z][a-z]+ \d{4})`)
	currentRowDate  = regexp.MustCompile(`<td>(\d{1,2} [A-Z][a-z]+ \d{4})</td><td class='current'>`)
)

// Config carries the collaborators a WA legislation scraper needs.
type Config struct {
	Session *resty.Client
	Gate    harvest.Gate
	Limiter *ratelimit.Limiter
	Logger  *zap.Logger
}

// Scraper harvests the Western Australian Legislation database.
type Scraper struct {
	client  *harvest.Client
	profile htmltext.Profile
	logger  *zap.Logger
}

// New constructs the scraper.
func New(cfg Config) *Scraper {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := harvest.NewClient(harvest.Config{
		Gate:    cfg.Gate,
		Session: cfg.Session,
		Limiter: cfg.Limiter,
		Logger:  logger.Named(source),
	})

	profile := htmltext.Strict().Clone().
		With("p", htmltext.Style{Display: htmltext.Block})
	for _, h := range []string{"h1", "h2", "h3", "h4", "h5"} {
		profile.With(h, htmltext.Style{Display: htmltext.Block, MarginBefore: 1})
	}

	return &Scraper{client: client, profile: profile, logger: logger.Named(source)}
}

// Source implements harvest.Scraper.
func (s *Scraper) Source() string { return source }

// Client implements harvest.Scraper.
func (s *Scraper) Client() *harvest.Client { return s.client }

// IndexRequestsRefresh never refreshes: the index pages are a fixed grid of
// document type and first letter, so the request set cannot change.
func (s *Scraper) IndexRequestsRefresh() corpus.RefreshPolicy {
	return corpus.RefreshPolicy{Never: true}
}

// IndexRefresh uses the default refresh interval.
func (s *Scraper) IndexRefresh() corpus.RefreshPolicy {
	return corpus.RefreshPolicy{}
}

// IndexRequests enumerates the database's listing pages: one per combination
// of document type and first letter of the title.
func (s *Scraper) IndexRequests(context.Context) ([]harvest.FetchRequest, error) {
	reqs := make([]harvest.FetchRequest, 0, 2*26)
	for _, docType := range []string{"acts", "subs"} {
		for letter := 'a'; letter <= 'z'; letter++ {
			reqs = append(reqs, harvest.NewRequest(
				fmt.Sprintf("%s%sif_%c.html", baseURL, docType, letter),
			))
		}
	}
	return reqs, nil
}

// Index parses one listing page into entries, one per table row after the
// header. Rows without an in-line date fall back to the document's status
// page.
func (s *Scraper) Index(ctx context.Context, req harvest.FetchRequest) ([]harvest.Entry, error) {
	docType := "secondary_legislation"
	if strings.Contains(req.Target, "acts") {
		docType = "primary_legislation"
	}

	resp, err := s.client.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	text, err := resp.Text()
	if err != nil {
		return nil, harvest.MarkContentParse(err)
	}

	rows := tableRow.FindAllStringSubmatch(text, -1)
	if len(rows) < 2 {
		return nil, harvest.Structuralf("no listing rows found on %s", req.Target)
	}
	entries := make([]harvest.Entry, 0, len(rows)-1)
	for _, row := range rows[1:] {
		entry, err := s.entryFromRow(ctx, row[1], docType)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Scraper) entryFromRow(ctx context.Context, row, docType string) (harvest.Entry, error) {
	link := entryLink.FindStringSubmatch(row)
	if link == nil {
		return harvest.Entry{}, harvest.Structuralf("no document link in listing row")
	}
	docID, title := link[1], link[2]

	version := versionLink.FindStringSubmatch(row)
	if version == nil {
		return harvest.Entry{}, harvest.Structuralf("no docx link in listing row for %s", docID)
	}
	versionID := version[1]

	rawDate, err := s.rowDate(ctx, row, docID)
	if err != nil {
		return harvest.Entry{}, err
	}
	date, err := textutil.FormatDate(rawDate)
	if err != nil {
		return harvest.Entry{}, harvest.MarkStructural(errors.Wrapf(err, "parse date for %s", docID))
	}

	return harvest.Entry{
		Request: harvest.NewRequest(
			fmt.Sprintf("%sRedirectURL?OpenAgent&query=%s.docx", baseURL, versionID),
		),
		// The same docx can back several documents, so the document id is
		// folded into the version id.
		VersionID:    versionID + "/" + docID,
		Source:       source,
		DocumentType: docType,
		Jurisdiction: "western_australia",
		Date:         date,
		Title:        title,
	}, nil
}

// rowDate takes the date from the listing row, falling back to the
// document's status page: first its publication information, then the row
// marked current in its version table.
func (s *Scraper) rowDate(ctx context.Context, row, docID string) (string, error) {
	if m := rowDate.FindStringSubmatch(row); m != nil {
		return m[1], nil
	}
	resp, err := s.client.Fetch(ctx, harvest.NewRequest(baseURL+docID+".html"))
	if err != nil {
		return "", err
	}
	text, err := resp.Text()
	if err != nil {
		return "", harvest.MarkContentParse(err)
	}
	if m := publicationDate.FindStringSubmatch(text); m != nil {
		return m[1], nil
	}
	if m := currentRowDate.FindStringSubmatch(text); m != nil {
		return m[1], nil
	}
	return "", harvest.Structuralf("no date found for %s", docID)
}

// Document retrieves one DOCX rendition and extracts its text.
func (s *Scraper) Document(ctx context.Context, entry harvest.Entry) (*harvest.Document, error) {
	resp, err := s.client.Fetch(ctx, entry.Request)
	if err != nil {
		return nil, err
	}
	html, err := docconv.HTML(resp.Body)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, harvest.MarkContentParse(errors.Wrap(err, "parse converted html"))
	}
	text := htmltext.Text(doc.Selection, s.profile)
	return harvest.NewDocument(entry, entry.DocumentType, docxMime, entry.Date, entry.Request.Target, text)
}
