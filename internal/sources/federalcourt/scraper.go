// Package federalcourt harvests decisions of the Federal Court of Australia
// from its judgments search database.
package federalcourt

import (
	"context"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/lexcorpus/harvester/internal/docconv"
	"github.com/lexcorpus/harvester/internal/harvest"
	"github.com/lexcorpus/harvester/internal/htmltext"
	"github.com/lexcorpus/harvester/internal/ocr"
	"github.com/lexcorpus/harvester/internal/ratelimit"
	"github.com/lexcorpus/harvester/internal/textutil"
)

const (
	source = "federal_court_of_australia"

	baseURL = "https://search2.fedcourt.gov.au/s/search.html?collection=judgments&sort=adate&meta_v_phrase_orsand=judgments/Judgments&"

	decisionsPerPage = 20

	// Lower than the engine default to avoid overloading the database.
	gateCapacity = 10

	docxMime = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// classIndentations maps the database's paragraph class names to the number
// of ems they are indented by in its stylesheet, so the rendered text keeps
// the original indentation.
var classIndentations = map[string]int{
	"Quote1":       6,
	"Quote1Bullet": 6,
	"Quote2":       9,
	"Quote2Bullet": 9,
	"Quote3":       12,
	"Quote3Bullet": 12,
	"ListNo":       7,
	"FTOC2":        2,
	"FTOC3":        4,
	"FTOC4":        6,
	"ListNo1":      3,
	"ListNo2":      6,
	"ListNo3":      8,
	"Order2":       1,
	"Order3":       3,
	"FCBullets":    3,
	"Order4":       4,
	"Quote4":       15,
	"Quote4Bullet": 15,
	"ListNo1alt":   3,
	"ListNo2alt":   6,
	"ListNo3alt":   8,
	"FCBullets2":   4,
}

var (
	firstSerpTotal = regexp.MustCompile(`Display results 1</span> - 1 of ([\d,]+)`)
	finalSerpTotal = regexp.MustCompile(`Display results [\d,]+</span> - [\d,]+ of ([\d,]+)`)

	serpDecisionLink = regexp.MustCompile(`<a href="(https://www\.judgments\.fedcourt\.gov\.au/judgments/Judgments/[^"]+)"\s+title="([^"]*)">`)
	serpDecisionDate = regexp.MustCompile(`<p class=meta>([^<]*)<span class="divide">`)

	wordLink = regexp.MustCompile(`<a\s+href="([^"]+)"[^>]*>Original Word Document`)

	// Runs of break elements. Singleton breaks within a run of text are
	// layout noise and are dropped before rendering.
	breakRun = regexp.MustCompile(`<br />(?:\s*<br />)*`)

	// Recent decisions can carry wildly wrong index dates, some as early as
	// 202 AD, so the date is recovered from the decision text instead.
	textDate = regexp.MustCompile(`(?i)(?:(?:date of (?:decision|judgment|judgement|determination)(?: delivery)?)|(?:(?:decision|judgment|judgement|determination) date)|(?:ex tempore)|(?:\ndate)) *:?\s*(\d{1,2}(?:/| )(?:\d{1,2}|[a-z]+)(?:/| )\d{4})`)
)

// Config carries the collaborators a federal court scraper needs.
type Config struct {
	Session      *resty.Client
	Gate         harvest.Gate
	Limiter      *ratelimit.Limiter
	OCRPool      *ocr.Pool
	OCRExtractor ocr.Extractor
	OCRGate      harvest.Gate
	Logger       *zap.Logger
}

// Scraper harvests the Federal Court of Australia database.
type Scraper struct {
	client  *harvest.Client
	profile htmltext.Profile
	ocrPool *ocr.Pool
	ocrEx   ocr.Extractor
	logger  *zap.Logger
}

// New constructs the scraper. Truncated payloads are excluded from the
// transport retry set because the database serves them deterministically for
// certain result pages; Index maps them to an empty page instead.
func New(cfg Config) *Scraper {
	gate := cfg.Gate
	if gate == nil {
		gate = harvest.NewGate(gateCapacity)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := harvest.NewClient(harvest.Config{
		Gate:    gate,
		OCRGate: cfg.OCRGate,
		Session: cfg.Session,
		Limiter: cfg.Limiter,
		RetryIf: func(err error) bool {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return false
			}
			return harvest.DefaultRetryable(err)
		},
		Logger: logger.Named(source),
	})

	profile := htmltext.Strict().Clone().
		With("p", htmltext.Style{Display: htmltext.Block})
	for _, h := range []string{"h1", "h2", "h3", "h4", "h5"} {
		profile.With(h, htmltext.Style{Display: htmltext.Block, MarginBefore: 1})
	}

	return &Scraper{
		client:  client,
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

// IndexRequests discovers the true number of decisions and returns one
// request per search results page. The count reported by early pages is
// wrong (a database bug undercounts until roughly page 11,000), so the real
// total is taken from what the first page claims is the final page.
func (s *Scraper) IndexRequests(ctx context.Context) ([]harvest.FetchRequest, error) {
	first, err := s.serpTotal(ctx, baseURL+"num_ranks=1", firstSerpTotal)
	if err != nil {
		return nil, err
	}
	total, err := s.serpTotal(ctx, fmt.Sprintf("%snum_ranks=1&start_rank=%d", baseURL, first), finalSerpTotal)
	if err != nil {
		return nil, err
	}

	pages := int(math.Ceil(float64(total) / decisionsPerPage))
	reqs := make([]harvest.FetchRequest, 0, pages)
	for i := 0; i < pages; i++ {
		reqs = append(reqs, harvest.NewRequest(
			fmt.Sprintf("%snum_ranks=%d&start_rank=%d", baseURL, decisionsPerPage, i*decisionsPerPage+1),
		))
	}
	return reqs, nil
}

func (s *Scraper) serpTotal(ctx context.Context, url string, re *regexp.Regexp) (int, error) {
	resp, err := s.client.Fetch(ctx, harvest.NewRequest(url))
	if err != nil {
		return 0, err
	}
	text, err := resp.Text()
	if err != nil {
		return 0, harvest.MarkContentParse(err)
	}
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, harvest.Structuralf("no result count found on %s", url)
	}
	total, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return 0, harvest.MarkStructural(errors.Wrapf(err, "parse result count on %s", url))
	}
	return total, nil
}

// Index parses one search results page into entries. A truncated payload is
// a known database bug affecting pages that reference a specific set of
// decisions; those pages legitimately yield an empty result.
func (s *Scraper) Index(ctx context.Context, req harvest.FetchRequest) ([]harvest.Entry, error) {
	resp, err := s.client.Fetch(ctx, req)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			s.logger.Warn("results page payload truncated by a known database bug; returning no entries",
				zap.String("url", req.Target),
			)
			return []harvest.Entry{}, nil
		}
		return nil, err
	}
	text, err := resp.Text()
	if err != nil {
		return nil, harvest.MarkContentParse(err)
	}

	links := serpDecisionLink.FindAllStringSubmatch(text, -1)
	dates := serpDecisionDate.FindAllStringSubmatch(text, -1)
	if len(links) == 0 || len(links) != len(dates) {
		return nil, harvest.Structuralf("found %d decision links and %d dates on %s", len(links), len(dates), req.Target)
	}

	entries := make([]harvest.Entry, 0, len(links))
	seen := make(map[string]struct{}, len(links))
	for i, link := range links {
		url, title := link[1], link[2]
		versionID := versionIDFromURL(url)
		if versionID == "" {
			return nil, harvest.Structuralf("no version id in decision url %s", url)
		}
		// Some result pages duplicate each other's decisions verbatim,
		// another known database bug.
		if _, dup := seen[versionID]; dup {
			continue
		}
		seen[versionID] = struct{}{}

		jurisdiction := "commonwealth"
		if strings.Contains(url, "/Judgments/nfsc/") {
			// Supreme Court of Norfolk Island decisions live in this
			// database despite not being Commonwealth decisions.
			jurisdiction = "norfolk_island"
		}
		date, err := indexDate(dates[i][1])
		if err != nil {
			return nil, err
		}
		entries = append(entries, harvest.Entry{
			// Judgments are encoded in windows-1250, unlike the rest of
			// the site.
			Request:      harvest.FetchRequest{Target: url, Encoding: "windows-1250"},
			VersionID:    versionID,
			Source:       source,
			DocumentType: "decision",
			Jurisdiction: jurisdiction,
			Date:         date,
			Title:        title,
		})
	}
	return entries, nil
}

// versionIDFromURL takes everything between '/Judgments/' and the first '.'
// so file extensions never leak into version ids.
func versionIDFromURL(url string) string {
	_, after, ok := strings.Cut(url, "/Judgments/")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(after, ".")
	return id
}

// indexDate parses a result page date, dropping dates before the court was
// founded in 1976: those are corrupted index dates recovered later from the
// decision text.
func indexDate(longDate string) (string, error) {
	t, err := time.Parse("2 Jan 2006", strings.TrimSpace(longDate))
	if err != nil {
		return "", harvest.MarkStructural(errors.Wrap(err, "parse decision date"))
	}
	if t.Year() < 1976 {
		return "", nil
	}
	return t.Format("2006-01-02"), nil
}

// Document retrieves one decision. HTML decisions are decoded as
// windows-1250 and then cp1252; when neither works the DOCX rendition is
// retrieved instead. PDF decisions go through OCR. A 404 means the decision
// no longer exists upstream.
func (s *Scraper) Document(ctx context.Context, entry harvest.Entry) (*harvest.Document, error) {
	resp, err := s.client.Fetch(ctx, entry.Request)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == 404 {
		s.logger.Warn("decision not found; skipping",
			zap.String("url", entry.Request.Target),
		)
		return nil, nil
	}

	mime := resp.ContentType
	docURL := entry.Request.Target
	var text string
	switch resp.ContentType {
	case "text/html":
		text, mime, docURL, err = s.htmlText(ctx, entry, resp)
		if err != nil {
			return nil, err
		}
	case "application/pdf":
		text, err = ocr.PDFText(ctx, resp.Body, s.ocrEx, s.ocrPool, s.client.OCRGate(), ocr.DefaultScale)
		if err != nil {
			return nil, err
		}
	default:
		return nil, harvest.Structuralf("unsupported content type %q for %s", resp.ContentType, docURL)
	}

	date := entry.Date
	if date == "" {
		if m := textDate.FindStringSubmatch(text); m != nil {
			if formatted, err := textutil.FormatDate(m[1]); err == nil {
				date = formatted
			}
		}
	}
	return harvest.NewDocument(entry, entry.DocumentType, mime, date, docURL, text)
}

func (s *Scraper) htmlText(ctx context.Context, entry harvest.Entry, resp harvest.FetchResponse) (text, mime, docURL string, err error) {
	decoded, decErr := textutil.Decode(resp.Body, "windows-1250")
	if decErr != nil {
		// A minority of decisions are cp1252 instead.
		decoded, decErr = textutil.Decode(resp.Body, "cp1252")
	}
	if decErr != nil {
		return s.docxText(ctx, entry, resp)
	}

	decoded = breakRun.ReplaceAllStringFunc(decoded, func(run string) string {
		if strings.Count(run, "<br />") > 1 {
			return run
		}
		return ""
	})
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(decoded))
	if err != nil {
		return "", "", "", harvest.MarkContentParse(errors.Wrap(err, "parse decision html"))
	}
	content := doc.Find(`div.judgment_content`).First()
	if content.Length() == 0 {
		return "", "", "", harvest.Structuralf("no judgment content found in %s", entry.Request.Target)
	}
	content.Find("[class]").Each(func(_ int, el *goquery.Selection) {
		for _, class := range strings.Fields(el.AttrOr("class", "")) {
			if ems, ok := classIndentations[class]; ok {
				style := el.AttrOr("style", "")
				el.SetAttr("style", fmt.Sprintf("margin-left: %dem; %s", ems, style))
				break
			}
		}
	})
	return htmltext.Text(content, s.profile), "text/html", entry.Request.Target, nil
}

// docxText retrieves and converts the decision's DOCX rendition, used when
// the HTML rendition cannot be decoded.
func (s *Scraper) docxText(ctx context.Context, entry harvest.Entry, resp harvest.FetchResponse) (text, mime, docURL string, err error) {
	m := wordLink.FindSubmatch(resp.Body)
	if m == nil {
		return "", "", "", harvest.Structuralf("undecodable decision with no word rendition at %s", entry.Request.Target)
	}
	docURL, err = textutil.Decode(m[1], "cp1252")
	if err != nil {
		return "", "", "", harvest.MarkContentParse(err)
	}
	wordResp, err := s.client.Fetch(ctx, harvest.NewRequest(docURL))
	if err != nil {
		return "", "", "", err
	}
	html, err := docconv.HTML(wordResp.Body)
	if err != nil {
		return "", "", "", err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", "", "", harvest.MarkContentParse(errors.Wrap(err, "parse converted html"))
	}
	return htmltext.Text(doc.Selection, s.profile), docxMime, docURL, nil
}
