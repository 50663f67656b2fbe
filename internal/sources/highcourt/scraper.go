// Package highcourt harvests decisions of the High Court of Australia from
// its eresources database, covering the modern, historical, One-100 and
// unreported judgment collections.
package highcourt

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lexcorpus/harvester/internal/docconv"
	"github.com/lexcorpus/harvester/internal/harvest"
	"github.com/lexcorpus/harvester/internal/htmltext"
	"github.com/lexcorpus/harvester/internal/ocr"
	"github.com/lexcorpus/harvester/internal/ratelimit"
	"github.com/lexcorpus/harvester/internal/textutil"
)

const (
	source = "high_court_of_australia"

	baseURL = "https://eresources.hcourt.gov.au"

	// The database rate limits aggressively, so very few concurrent
	// operations are allowed.
	gateCapacity = 4

	// The database's PDFs are extremely slow to OCR, so they are rendered
	// at a lower scale than the default.
	ocrScale = 2

	docxMime = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// buttonTypes maps download button labels to the format behind them.
var buttonTypes = map[string]string{
	"PDF":      "PDF",
	"DOCX":     "DOCX",
	"RTF":      "RTF",
	"View":     "PDF",
	"Download": "PDF",
}

var (
	lastItem = regexp.MustCompile(`<span\s+id="lastItem"\s*>(\d+)</span\s*>`)

	caseLink  = regexp.MustCompile(`(?s)<a\s+class="case"\s+href="([^"]+)"\s*>(.*?)</a\s*>`)
	caseTitle = regexp.MustCompile(`(?s)<strong\s*>(.*?)</strong\s*>(?:.*?)<span\s+style="\s*white-space:\s*nowrap;\s*"\s*>(.*?)</span\s*>`)

	decisionDate = regexp.MustCompile(`<h2>(\d{1,2} [A-Z][a-z]+ \d{4})</h2>`)
	downloadLink = regexp.MustCompile(`<a[^>]+href="([^"]+)"[^>]*>(PDF|View|Download|DOCX|RTF)</a>`)
)

// Config carries the collaborators a high court scraper needs.
type Config struct {
	Session      *resty.Client
	Gate         harvest.Gate
	Limiter      *ratelimit.Limiter
	OCRPool      *ocr.Pool
	OCRExtractor ocr.Extractor
	OCRGate      harvest.Gate
	Logger       *zap.Logger
}

// Scraper harvests the High Court of Australia database.
type Scraper struct {
	client  *harvest.Client
	gate    harvest.Gate
	profile htmltext.Profile
	ocrPool *ocr.Pool
	ocrEx   ocr.Extractor
	logger  *zap.Logger
}

// New constructs the scraper. Retrieving one decision can take two fetches
// (its case page, then a download), so the gate is scoped around whole
// document operations rather than individual fetches. Backoff is raised well
// above the engine defaults to ride out the database's rate limiting.
func New(cfg Config) *Scraper {
	gate := cfg.Gate
	if gate == nil {
		gate = harvest.NewGate(gateCapacity)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	backoff := harvest.NewBackoff()
	backoff.Base += 2
	backoff.MaxWait += 5 * time.Minute
	client := harvest.NewClient(harvest.Config{
		Gate:         harvest.Unbounded(),
		OCRGate:      cfg.OCRGate,
		Session:      cfg.Session,
		Limiter:      cfg.Limiter,
		Backoff:      backoff,
		RetryCeiling: harvest.DefaultRetryCeiling + 30*time.Minute,
		Logger:       logger.Named(source),
	})

	profile := htmltext.Strict().Clone()
	for _, h := range []string{"h1", "h2", "h3", "h4", "h5"} {
		profile.With(h, htmltext.Style{Display: htmltext.Block, MarginBefore: 1})
	}

	return &Scraper{
		client:  client,
		gate:    gate,
		profile: profile,
		ocrPool: cfg.OCRPool,
		ocrEx:   cfg.OCRExtractor,
		logger:  logger.Named(source),
	}
}

// Source implements harvest.Scraper.
func (s *Scraper) Source() string { return source }

// Client implements harvest.Scraper.
func (s *Scraper) Client() *harvest.Client { return s.client }

// IndexRequests enumerates every page of the database's four collections:
// judgments from 2000 onward, judgments 1948-1999, the One-100 project, and
// unreported judgments.
func (s *Scraper) IndexRequests(ctx context.Context) ([]harvest.FetchRequest, error) {
	year := time.Now().Year()
	if loc, err := time.LoadLocation("Australia/Canberra"); err == nil {
		year = time.Now().In(loc).Year()
	}
	baseSerps := []string{
		fmt.Sprintf("%s/search?col=0&filter_4=0+TO+%d", baseURL, year),
		fmt.Sprintf("%s/search?col=1&filter_4=0+TO+%d", baseURL, year),
		fmt.Sprintf("%s/search?col=2&filter_4=0+TO+%d", baseURL, year),
		fmt.Sprintf("%s/historical/search?col=0&filter_4=0+TO+%d", baseURL, year),
	}

	pageReqs := make([][]harvest.FetchRequest, len(baseSerps))
	g, gctx := errgroup.WithContext(ctx)
	for i, serp := range baseSerps {
		i, serp := i, serp
		g.Go(func() error {
			reqs, err := s.collectionPages(gctx, serp)
			if err != nil {
				return err
			}
			pageReqs[i] = reqs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var reqs []harvest.FetchRequest
	for _, rs := range pageReqs {
		reqs = append(reqs, rs...)
	}
	return reqs, nil
}

func (s *Scraper) collectionPages(ctx context.Context, serp string) ([]harvest.FetchRequest, error) {
	resp, err := s.client.Fetch(ctx, harvest.NewRequest(serp))
	if err != nil {
		return nil, err
	}
	text, err := resp.Text()
	if err != nil {
		return nil, harvest.MarkContentParse(err)
	}
	m := lastItem.FindStringSubmatch(text)
	if m == nil {
		return nil, harvest.Structuralf("no page count found on %s", serp)
	}
	var pages int
	if _, err := fmt.Sscanf(m[1], "%d", &pages); err != nil {
		return nil, harvest.MarkStructural(errors.Wrapf(err, "parse page count on %s", serp))
	}
	reqs := make([]harvest.FetchRequest, 0, pages)
	for page := 1; page <= pages; page++ {
		reqs = append(reqs, harvest.NewRequest(fmt.Sprintf("%s&page=%d", serp, page)))
	}
	return reqs, nil
}

// Index parses one results page into entries. Case dates are not available
// on results pages; they are extracted from each decision's case page.
func (s *Scraper) Index(ctx context.Context, req harvest.FetchRequest) ([]harvest.Entry, error) {
	resp, err := s.client.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	text, err := resp.Text()
	if err != nil {
		return nil, harvest.MarkContentParse(err)
	}
	cases := caseLink.FindAllStringSubmatch(text, -1)
	if len(cases) == 0 {
		return nil, harvest.Structuralf("no cases found on %s", req.Target)
	}

	entries := make([]harvest.Entry, 0, len(cases))
	for _, c := range cases {
		slug, titleHTML := c[1], c[2]
		tm := caseTitle.FindStringSubmatch(titleHTML)
		if tm == nil {
			return nil, harvest.Structuralf("no title found for case %s", slug)
		}
		entries = append(entries, harvest.Entry{
			Request:      harvest.NewRequest(baseURL + slug),
			VersionID:    slug,
			Source:       source,
			DocumentType: "decision",
			Jurisdiction: "commonwealth",
			Title:        tm[1] + tm[2],
		})
	}
	return entries, nil
}

// Document retrieves one decision. Decisions are either HTML-only or stored
// behind download buttons as PDF, DOCX, DOC or RTF renditions; the last
// button is preferred since the first is always PDF and other formats
// extract better. A missing download means the decision no longer exists.
func (s *Scraper) Document(ctx context.Context, entry harvest.Entry) (*harvest.Document, error) {
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	resp, err := s.client.Fetch(ctx, entry.Request)
	if err != nil {
		return nil, err
	}
	casePage, err := resp.Text()
	if err != nil {
		return nil, harvest.MarkContentParse(err)
	}

	date := ""
	if m := decisionDate.FindStringSubmatch(casePage); m != nil {
		if formatted, err := textutil.FormatDate(m[1]); err == nil {
			date = formatted
		}
	}

	docURL := entry.Request.Target
	format := "HTML"
	if links := downloadLink.FindAllStringSubmatch(casePage, -1); len(links) > 0 {
		last := links[len(links)-1]
		docURL = baseURL + last[1]
		format = buttonTypes[last[2]]

		if resp, err = s.client.Fetch(ctx, harvest.NewRequest(docURL)); err != nil {
			return nil, err
		}
		if resp.Contains("Document could not be found") || resp.Contains("There were no matching cases.") {
			s.logger.Warn("decision download missing; skipping",
				zap.String("url", entry.Request.Target),
			)
			return nil, nil
		}
	}

	var text, mime string
	switch format {
	case "RTF":
		text, err = docconv.Text(resp.Body)
		mime = "application/rtf"
		if errors.Is(err, docconv.ErrNotRTF) {
			// Some renditions labelled RTF are Word documents.
			text, err = s.wordText(resp.Body)
			mime = docxMime
		}
		if err != nil {
			return nil, err
		}
	case "DOCX":
		if text, err = s.wordText(resp.Body); err != nil {
			return nil, err
		}
		mime = docxMime
	case "PDF":
		if text, err = ocr.PDFText(ctx, resp.Body, s.ocrEx, s.ocrPool, s.client.OCRGate(), ocrScale); err != nil {
			return nil, err
		}
		mime = "application/pdf"
	default:
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(casePage))
		if err != nil {
			return nil, harvest.MarkContentParse(errors.Wrap(err, "parse case page"))
		}
		content := doc.Find("div.wellCase").First()
		if content.Length() == 0 {
			return nil, harvest.Structuralf("no decision text found in %s", entry.Request.Target)
		}
		text = htmltext.Text(content, s.profile)
		mime = "text/html"
	}

	return harvest.NewDocument(entry, entry.DocumentType, mime, date, docURL, text)
}

func (s *Scraper) wordText(payload []byte) (string, error) {
	html, err := docconv.HTML(payload)
	if err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", harvest.MarkContentParse(errors.Wrap(err, "parse converted html"))
	}
	return htmltext.Text(doc.Selection, s.profile), nil
}
