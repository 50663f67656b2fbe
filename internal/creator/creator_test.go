package creator_test

import (
	"bufio"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lexcorpus/harvester/internal/corpus"
	"github.com/lexcorpus/harvester/internal/creator"
	"github.com/lexcorpus/harvester/internal/harvest"
	"github.com/lexcorpus/harvester/internal/progress"
)

// stubScraper is an in-memory source: fixed index requests, fixed pages,
// fixed documents.
type stubScraper struct {
	source string
	client *harvest.Client
	reqs   []harvest.FetchRequest
	pages  map[string][]harvest.Entry
	docs   map[string]*harvest.Document
	docErr map[string]error

	indexRequestsCalls atomic.Int64
	indexCalls         atomic.Int64
	documentCalls      atomic.Int64
}

func newStubScraper(source string) *stubScraper {
	return &stubScraper{
		source: source,
		client: harvest.NewClient(harvest.Config{}),
		pages:  map[string][]harvest.Entry{},
		docs:   map[string]*harvest.Document{},
		docErr: map[string]error{},
	}
}

func (s *stubScraper) Source() string          { return s.source }
func (s *stubScraper) Client() *harvest.Client { return s.client }

func (s *stubScraper) IndexRequests(context.Context) ([]harvest.FetchRequest, error) {
	s.indexRequestsCalls.Add(1)
	return s.reqs, nil
}

func (s *stubScraper) Index(_ context.Context, req harvest.FetchRequest) ([]harvest.Entry, error) {
	s.indexCalls.Add(1)
	entries, ok := s.pages[req.Target]
	if !ok {
		return nil, harvest.Structuralf("no page for %s", req.Target)
	}
	return entries, nil
}

func (s *stubScraper) Document(_ context.Context, entry harvest.Entry) (*harvest.Document, error) {
	s.documentCalls.Add(1)
	if err, ok := s.docErr[entry.VersionID]; ok {
		return nil, err
	}
	return s.docs[entry.VersionID], nil
}

// addPage registers an index page whose entries all resolve to documents.
func (s *stubScraper) addPage(target string, ids ...string) {
	s.reqs = append(s.reqs, harvest.NewRequest(target))
	var entries []harvest.Entry
	for _, id := range ids {
		entries = append(entries, harvest.Entry{
			Request:      harvest.NewRequest(target + "/" + id),
			VersionID:    id,
			Source:       s.source,
			Jurisdiction: "commonwealth",
			Title:        "Title " + id,
		})
		s.docs[id] = &harvest.Document{
			VersionID: id,
			Source:    s.source,
			Mime:      "text/html",
			Citation:  "Title " + id,
			Text:      "text of " + id,
		}
	}
	s.pages[target] = entries
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *captureEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *captureEmitter) count(stage progress.Stage) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, evt := range e.events {
		if evt.Stage == stage {
			n++
		}
	}
	return n
}

func newTestCreator(t *testing.T, emitter progress.Emitter, scrapers ...harvest.Scraper) (*creator.Creator, *corpus.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := corpus.NewStore(filepath.Join(dir, "corpus.jsonl"), nil)
	require.NoError(t, err)
	cache, err := corpus.NewCache(filepath.Join(dir, "data"), nil)
	require.NoError(t, err)

	c, err := creator.New(creator.Config{
		Store:   store,
		Cache:   cache,
		Emitter: emitter,
		Rand:    rand.New(rand.NewSource(1)),
	}, scrapers...)
	require.NoError(t, err)
	return c, store
}

func corpusLineCount(t *testing.T, store *corpus.Store) int {
	t.Helper()
	f, err := os.Open(store.Path())
	require.NoError(t, err)
	defer f.Close()
	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if scanner.Text() != "" {
			n++
		}
	}
	require.NoError(t, scanner.Err())
	return n
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := creator.New(creator.Config{})
	require.ErrorContains(t, err, "corpus store is required")
}

func TestRunHarvestsMissingDocuments(t *testing.T) {
	t.Parallel()

	sc := newStubScraper("src")
	sc.addPage("https://example.test/p1", "v1", "v2")
	sc.addPage("https://example.test/p2", "v3")

	emitter := &captureEmitter{}
	c, store := newTestCreator(t, emitter, sc)

	require.NoError(t, c.Run(context.Background()))

	require.Equal(t, 3, corpusLineCount(t, store))
	require.Equal(t, 1, emitter.count(progress.StageRunStart))
	require.Equal(t, 1, emitter.count(progress.StageRunDone))
	require.Equal(t, 2, emitter.count(progress.StageIndexPage))
	require.Equal(t, 3, emitter.count(progress.StageDocDone))
}

func TestRunSecondPassIsIdle(t *testing.T) {
	t.Parallel()

	sc := newStubScraper("src")
	sc.addPage("https://example.test/p1", "v1")

	emitter := &captureEmitter{}
	c, store := newTestCreator(t, emitter, sc)

	require.NoError(t, c.Run(context.Background()))
	require.NoError(t, c.Run(context.Background()))

	// The second run serves the index from cache and finds nothing missing.
	require.Equal(t, 1, corpusLineCount(t, store))
	require.Equal(t, int64(1), sc.indexRequestsCalls.Load())
	require.Equal(t, int64(1), sc.indexCalls.Load())
	require.Equal(t, int64(1), sc.documentCalls.Load())
}

func TestRunSkipsFailedAndAbsentDocuments(t *testing.T) {
	t.Parallel()

	sc := newStubScraper("src")
	sc.addPage("https://example.test/p1", "v1", "v2", "v3")
	sc.docErr["v2"] = harvest.Structuralf("missing judgment markup")
	delete(sc.docs, "v3")

	emitter := &captureEmitter{}
	c, store := newTestCreator(t, emitter, sc)

	require.NoError(t, c.Run(context.Background()))

	require.Equal(t, 1, corpusLineCount(t, store))
	require.Equal(t, 1, emitter.count(progress.StageDocDone))
	require.Equal(t, 1, emitter.count(progress.StageDocFailed))
	require.Equal(t, 1, emitter.count(progress.StageDocAbsent))
	require.Equal(t, 1, emitter.count(progress.StageRunDone))
}

func TestRunAbortsOnIndexFailure(t *testing.T) {
	t.Parallel()

	sc := newStubScraper("src")
	sc.reqs = append(sc.reqs, harvest.NewRequest("https://example.test/broken"))

	emitter := &captureEmitter{}
	c, store := newTestCreator(t, emitter, sc)

	err := c.Run(context.Background())
	require.Error(t, err)
	require.ErrorContains(t, err, "index src")
	require.Equal(t, 1, emitter.count(progress.StageRunError))
	require.Zero(t, corpusLineCount(t, store))
}

func TestRunRemovesDocumentsGoneUpstream(t *testing.T) {
	t.Parallel()

	sc := newStubScraper("src")
	sc.addPage("https://example.test/p1", "v1")

	emitter := &captureEmitter{}
	c, store := newTestCreator(t, emitter, sc)

	require.NoError(t, store.Append(&harvest.Document{
		VersionID: "withdrawn",
		Source:    "src",
		Citation:  "Withdrawn Act",
		Text:      "old text",
	}))

	require.NoError(t, c.Run(context.Background()))

	// The withdrawn document left the index, so corpus repair drops it.
	require.Equal(t, 1, corpusLineCount(t, store))
}

func TestRunDeduplicatesAcrossSources(t *testing.T) {
	t.Parallel()

	a := newStubScraper("src_a")
	a.addPage("https://a.test/p1", "shared", "only_a")
	b := newStubScraper("src_b")
	b.addPage("https://b.test/p1", "shared", "only_b")

	emitter := &captureEmitter{}
	c, store := newTestCreator(t, emitter, a, b)

	require.NoError(t, c.Run(context.Background()))

	// The shared version id is retrieved once, from the first source that
	// indexed it.
	require.Equal(t, 3, corpusLineCount(t, store))
	require.Equal(t, int64(3), a.documentCalls.Load()+b.documentCalls.Load())
}

// policyScraper overrides cache refresh policies.
type policyScraper struct {
	*stubScraper
	reqPolicy corpus.RefreshPolicy
}

func (s *policyScraper) IndexRequestsRefresh() corpus.RefreshPolicy { return s.reqPolicy }
func (s *policyScraper) IndexRefresh() corpus.RefreshPolicy         { return corpus.RefreshPolicy{} }

func TestRunHonorsCachePolicies(t *testing.T) {
	t.Parallel()

	sc := newStubScraper("src")
	sc.addPage("https://example.test/p1", "v1")
	ps := &policyScraper{stubScraper: sc, reqPolicy: corpus.RefreshPolicy{Always: true}}

	emitter := &captureEmitter{}
	c, _ := newTestCreator(t, emitter, ps)

	require.NoError(t, c.Run(context.Background()))
	require.NoError(t, c.Run(context.Background()))

	// Always-refresh forces the index request listing on every run.
	require.Equal(t, int64(2), sc.indexRequestsCalls.Load())
}
