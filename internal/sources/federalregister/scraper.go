// Package federalregister harvests the Federal Register of Legislation
// database: Commonwealth and Norfolk Island primary and secondary
// legislation, indexed through the register's OData search API.
package federalregister

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

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
)

const (
	source      = "federal_register_of_legislation"
	apiBase     = "https://api.prod.legislation.gov.au/v1/titles/search"
	siteBase    = "https://www.legislation.gov.au"
	docsPerPage = 100

	docxMime = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

	// overloadSentinel appears in otherwise-successful responses when the
	// register's servers are overloaded, so it is retried as a parse failure.
	overloadSentinel = "The service is unavailable."
)

// collection maps a database collection name to the document type and
// jurisdiction of its entries. An empty document type means the type cannot
// be known until the document itself is retrieved, which currently only
// happens for Norfolk Island continued laws.
type collection struct {
	docType      string
	jurisdiction string
}

var collections = map[string]collection{
	"Constitution":                    {"primary_legislation", "commonwealth"},
	"Act":                             {"primary_legislation", "commonwealth"},
	"LegislativeInstrument":           {"secondary_legislation", "commonwealth"},
	"NotifiableInstrument":            {"secondary_legislation", "commonwealth"},
	"AdministrativeArrangementsOrder": {"secondary_legislation", "commonwealth"},
	"PrerogativeInstrument":           {"secondary_legislation", "commonwealth"},
	"ContinuedLaw":                    {"", "norfolk_island"},
}

// collectionOrder keeps the criteria string stable so cached index requests
// stay valid between runs.
var collectionOrder = []string{
	"Constitution",
	"Act",
	"LegislativeInstrument",
	"NotifiableInstrument",
	"AdministrativeArrangementsOrder",
	"PrerogativeInstrument",
	"ContinuedLaw",
}

var (
	// Matches Norfolk Island primary legislation titles, the only entries
	// whose type must be determined from the title.
	niActTitle = regexp.MustCompile(`^.*\sAct\s+\d{4}\s+\(NI\)\s*$`)

	epubPartLink   = regexp.MustCompile(`href="([^"]+)" target="epubFrame"`)
	epubIframeLink = regexp.MustCompile(`<iframe[^>]+name="epubFrame"[^>]+src="([^"]+)">`)
)

// Config carries the collaborators a register scraper needs.
type Config struct {
	Session      *resty.Client
	Gate         harvest.Gate
	Limiter      *ratelimit.Limiter
	OCRPool      *ocr.Pool
	OCRExtractor ocr.Extractor
	OCRGate      harvest.Gate
	Logger       *zap.Logger
}

// Scraper harvests the Federal Register of Legislation.
type Scraper struct {
	client  *harvest.Client
	gate    harvest.Gate
	profile htmltext.Profile
	ocrPool *ocr.Pool
	ocrEx   ocr.Extractor
	logger  *zap.Logger
}

// New constructs the scraper. Retrieving one document can take several
// fetches (status page, then every constituent part), so the concurrency
// gate is scoped around whole operations here rather than around individual
// fetches inside the client.
func New(cfg Config) *Scraper {
	gate := cfg.Gate
	if gate == nil {
		gate = harvest.NewGate(harvest.DefaultGateCapacity)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := harvest.NewClient(harvest.Config{
		Gate:    harvest.Unbounded(),
		OCRGate: cfg.OCRGate,
		Session: cfg.Session,
		// 502 and 400 are transient here: the register's servers answer
		// with them when overloaded.
		RetryStatuses: []int{429, 502, 400},
		Limiter:       cfg.Limiter,
		Logger:        logger.Named(source),
	})

	// Tighter layout than the base profile: no blank lines around
	// paragraphs, indentation-bearing spans preserved verbatim, headings
	// spaced before but not after.
	profile := htmltext.Strict().Clone().
		With("p", htmltext.Style{Display: htmltext.Block}).
		With("span", htmltext.Style{WhiteSpace: htmltext.Pre})
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

// fetch retrieves one URL, retrying when the register answers with its
// overload sentinel in place of real content.
func (s *Scraper) fetch(ctx context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	return s.client.FetchChecked(ctx, req, func(resp harvest.FetchResponse) error {
		if resp.Contains(overloadSentinel) {
			return harvest.ContentParsef("register servers are overloaded")
		}
		return nil
	})
}

func criteria() string {
	return fmt.Sprintf("criteria='and(collection(%s),status(InForce))'", strings.Join(collectionOrder, ","))
}

func searchURL(page int) string {
	return fmt.Sprintf(
		"%s(%s)?&$select=collection,id,name,searchContexts"+
			"&$expand=searchContexts($expand=fullTextVersion)"+
			// Without a stable ordering the API sorts by relevance, which
			// is non-deterministic across pages and yields duplicates.
			"&$orderby=searchcontexts/fulltextversion/registeredat%%20asc"+
			"&$top=%d&$skip=%d",
		apiBase, criteria(), docsPerPage, docsPerPage*page,
	)
}

// IndexRequests probes the API for the total number of in-force titles and
// returns one search request per page of results.
func (s *Scraper) IndexRequests(ctx context.Context) ([]harvest.FetchRequest, error) {
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	probe := fmt.Sprintf("%s(%s)?$top=0", apiBase, criteria())
	resp, err := s.fetch(ctx, harvest.NewRequest(probe))
	if err != nil {
		return nil, err
	}
	var counted struct {
		Count int `json:"@odata.count"`
	}
	if err := resp.JSON(&counted); err != nil {
		return nil, err
	}
	if counted.Count == 0 {
		return nil, harvest.Structuralf("register reports zero in-force titles")
	}

	pages := int(math.Ceil(float64(counted.Count) / docsPerPage))
	reqs := make([]harvest.FetchRequest, 0, pages)
	for page := 0; page < pages; page++ {
		reqs = append(reqs, harvest.NewRequest(searchURL(page)))
	}
	return reqs, nil
}

// Index parses one search page into entries.
func (s *Scraper) Index(ctx context.Context, req harvest.FetchRequest) ([]harvest.Entry, error) {
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	resp, err := s.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	var page struct {
		Value []struct {
			Collection     string `json:"collection"`
			ID             string `json:"id"`
			Name           string `json:"name"`
			SearchContexts struct {
				FullTextVersion struct {
					RegisterID string `json:"registerId"`
					Start      string `json:"start"`
				} `json:"fullTextVersion"`
			} `json:"searchContexts"`
		} `json:"value"`
	}
	if err := resp.JSON(&page); err != nil {
		return nil, err
	}
	if len(page.Value) == 0 {
		return nil, harvest.Structuralf("no entries found for %s", req.Target)
	}

	entries := make([]harvest.Entry, 0, len(page.Value))
	for _, item := range page.Value {
		col, ok := collections[item.Collection]
		if !ok {
			return nil, harvest.Structuralf("unknown collection %q for %s", item.Collection, item.ID)
		}
		date := item.SearchContexts.FullTextVersion.Start
		if len(date) > 10 {
			date = date[:10]
		}
		entries = append(entries, harvest.Entry{
			Request:      harvest.NewRequest(fmt.Sprintf("%s/%s", siteBase, item.ID)),
			VersionID:    item.SearchContexts.FullTextVersion.RegisterID,
			Source:       source,
			DocumentType: col.docType,
			Jurisdiction: col.jurisdiction,
			Date:         date,
			Title:        item.Name,
		})
	}
	return entries, nil
}

// Document retrieves one title: its status page, then the HTML full text of
// its constituent parts, falling back to Word and then PDF downloads when no
// HTML rendition exists. A nil document means the register holds no
// retrievable version of the title.
func (s *Scraper) Document(ctx context.Context, entry harvest.Entry) (*harvest.Document, error) {
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	docType := entry.DocumentType
	if docType == "" {
		if niActTitle.MatchString(entry.Title) {
			docType = "primary_legislation"
		} else {
			docType = "secondary_legislation"
		}
	}

	statusPage, err := s.fetch(ctx, entry.Request)
	if err != nil {
		return nil, err
	}
	statusText, err := statusPage.Text()
	if err != nil {
		return nil, harvest.MarkContentParse(err)
	}

	urls := partURLs(statusText)
	if len(urls) > 0 {
		return s.htmlDocument(ctx, entry, docType, urls)
	}
	return s.downloadDocument(ctx, entry, docType)
}

// partURLs extracts the HTML full-text part links from a status page:
// first from the navigation pane, then from the text viewer's iframe.
func partURLs(statusText string) []string {
	matches := epubPartLink.FindAllStringSubmatch(statusText, -1)
	if len(matches) == 0 {
		matches = epubIframeLink.FindAllStringSubmatch(statusText, -1)
	}
	seen := make(map[string]struct{}, len(matches))
	urls := make([]string, 0, len(matches))
	for _, m := range matches {
		// Anchors point into the same part, so they are stripped before
		// dedup.
		u := strings.SplitN(m[1], "#", 2)[0]
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	return urls
}

func (s *Scraper) htmlDocument(ctx context.Context, entry harvest.Entry, docType string, urls []string) (*harvest.Document, error) {
	docURL := entry.Request.Target
	if len(urls) == 1 {
		docURL = urls[0]
	}
	resps, err := s.fetchAll(ctx, urls)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(resps))
	for i, resp := range resps {
		text, err := s.renderHTML(resp)
		if err != nil {
			return nil, err
		}
		texts[i] = text
	}
	return harvest.NewDocument(entry, docType, "text/html", entry.Date, docURL, strings.Join(texts, "\n"))
}

// downloadDocument falls back to the title's downloads page, preferring the
// Word rendition and then PDF.
func (s *Scraper) downloadDocument(ctx context.Context, entry harvest.Entry, docType string) (*harvest.Document, error) {
	downloadsURL := entry.Request.Target + "/latest/downloads"
	page, err := s.fetch(ctx, harvest.NewRequest(downloadsURL))
	if err != nil {
		return nil, err
	}
	doc, err := goqueryDoc(page)
	if err != nil {
		return nil, err
	}
	downloads := doc.Find(".download-list-primary").First()
	if downloads.Length() == 0 {
		s.logger.Warn("no valid version found; skipping",
			zap.String("url", entry.Request.Target),
			zap.Int("status", page.StatusCode),
		)
		return nil, nil
	}

	format, partLinks := downloadLinks(downloads)
	if len(partLinks) == 0 {
		s.logger.Warn("no supported rendition found; skipping",
			zap.String("url", entry.Request.Target),
			zap.Int("status", page.StatusCode),
		)
		return nil, nil
	}
	docURL := downloadsURL
	if len(partLinks) == 1 {
		docURL = partLinks[0]
	}
	parts, err := s.fetchAll(ctx, partLinks)
	if err != nil {
		return nil, err
	}

	if format == "word" {
		texts, convErr := s.wordTexts(parts)
		if convErr == nil {
			return harvest.NewDocument(entry, docType, docxMime, entry.Date, docURL, strings.Join(texts, "\n"))
		}
		if !errors.Is(convErr, docconv.ErrNotArchive) {
			return nil, convErr
		}
		// Some titles are stored as legacy DOC files with no indication
		// beforehand. DOC is unsupported; fall back to a PDF rendition
		// when one exists.
		s.logger.Warn("title stored as legacy doc file; looking for a pdf rendition",
			zap.String("url", entry.Request.Target),
		)
		partLinks = formatLinks(downloads, "pdf")
		if len(partLinks) == 0 {
			s.logger.Warn("no supported rendition found; skipping",
				zap.String("url", entry.Request.Target),
				zap.Int("status", page.StatusCode),
			)
			return nil, nil
		}
		if len(partLinks) == 1 {
			docURL = partLinks[0]
		}
		if parts, err = s.fetchAll(ctx, partLinks); err != nil {
			return nil, err
		}
		format = "pdf"
	}

	texts := make([]string, len(parts))
	for i, part := range parts {
		text, ocrErr := ocr.PDFText(ctx, part.Body, s.ocrEx, s.ocrPool, s.client.OCRGate(), ocr.DefaultScale)
		if ocrErr != nil {
			if ctx.Err() != nil {
				return nil, ocrErr
			}
			s.logger.Warn("part is not a valid pdf; skipping title",
				zap.String("url", entry.Request.Target),
				zap.Error(ocrErr),
			)
			return nil, nil
		}
		texts[i] = text
	}
	return harvest.NewDocument(entry, docType, "application/pdf", entry.Date, docURL, strings.Join(texts, "\n"))
}

func (s *Scraper) wordTexts(parts []harvest.FetchResponse) ([]string, error) {
	texts := make([]string, len(parts))
	for i, part := range parts {
		html, err := docconv.HTML(part.Body)
		if err != nil {
			return nil, err
		}
		text, err := s.renderHTML(harvest.FetchResponse{Body: []byte(html)})
		if err != nil {
			return nil, err
		}
		texts[i] = text
	}
	return texts, nil
}

// downloadLinks returns the first supported rendition's format and part
// links, preferring Word over PDF.
func downloadLinks(downloads *goquery.Selection) (string, []string) {
	for _, format := range []string{"word", "pdf"} {
		if links := formatLinks(downloads, format); len(links) > 0 {
			return format, links
		}
	}
	return "", nil
}

func formatLinks(downloads *goquery.Selection, format string) []string {
	block := downloads.Find(".document-format-" + format).First()
	if block.Length() == 0 {
		return nil
	}
	var links []string
	block.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		if href, ok := a.Attr("href"); ok {
			links = append(links, href)
		}
	})
	return links
}

// fetchAll retrieves every URL concurrently, preserving order.
func (s *Scraper) fetchAll(ctx context.Context, urls []string) ([]harvest.FetchResponse, error) {
	resps := make([]harvest.FetchResponse, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			resp, err := s.fetch(gctx, harvest.NewRequest(u))
			if err != nil {
				return err
			}
			resps[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return resps, nil
}

func (s *Scraper) renderHTML(resp harvest.FetchResponse) (string, error) {
	doc, err := goqueryDoc(resp)
	if err != nil {
		return "", err
	}
	return htmltext.Text(doc.Selection, s.profile), nil
}

func goqueryDoc(resp harvest.FetchResponse) (*goquery.Document, error) {
	text, err := resp.Text()
	if err != nil {
		return nil, harvest.MarkContentParse(err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return nil, harvest.MarkContentParse(errors.Wrap(err, "parse html"))
	}
	return doc, nil
}
