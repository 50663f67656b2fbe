// Package creator orchestrates a full harvest run: it refreshes each
// source's index through the on-disk caches, repairs the corpus, then fans
// out retrieval of the missing documents and appends them as they arrive.
package creator

import (
	"context"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lexcorpus/harvester/internal/corpus"
	"github.com/lexcorpus/harvester/internal/harvest"
	"github.com/lexcorpus/harvester/internal/progress"
)

const (
	// DefaultIndexConcurrency bounds concurrent index page fetches per run.
	DefaultIndexConcurrency = 30

	// DefaultDocumentConcurrency bounds concurrent document retrievals per
	// run. Each source's own gate still applies underneath.
	DefaultDocumentConcurrency = 30
)

// CachePolicies lets a scraper override how long its cached index data stays
// fresh. Scrapers that do not implement it get the default refresh interval.
type CachePolicies interface {
	IndexRequestsRefresh() corpus.RefreshPolicy
	IndexRefresh() corpus.RefreshPolicy
}

// Config wires the collaborators a Creator needs.
type Config struct {
	Store   *corpus.Store
	Cache   *corpus.Cache
	Emitter progress.Emitter
	Logger  *zap.Logger

	IndexConcurrency    int
	DocumentConcurrency int

	// Rand seeds the shuffling of index requests and entries so load
	// spreads across sources. Nil means a time-seeded source.
	Rand *rand.Rand
}

// Creator drives harvest runs over a set of registered scrapers.
type Creator struct {
	cfg      Config
	scrapers []harvest.Scraper
	logger   *zap.Logger
	rng      *rand.Rand
}

// New validates cfg and returns a Creator over the given scrapers.
func New(cfg Config, scrapers ...harvest.Scraper) (*Creator, error) {
	if cfg.Store == nil {
		return nil, errors.New("creator: corpus store is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("creator: cache is required")
	}
	if len(scrapers) == 0 {
		return nil, errors.New("creator: at least one scraper is required")
	}
	if cfg.IndexConcurrency <= 0 {
		cfg.IndexConcurrency = DefaultIndexConcurrency
	}
	if cfg.DocumentConcurrency <= 0 {
		cfg.DocumentConcurrency = DefaultDocumentConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Creator{cfg: cfg, scrapers: scrapers, logger: logger, rng: rng}, nil
}

// Run executes one harvest: index every source, repair the corpus, then
// retrieve and append every document the corpus is missing. Index failures
// abort the run; individual document failures are logged and skipped so one
// broken document cannot sink hours of progress.
func (c *Creator) Run(ctx context.Context) error {
	runID := progress.UUIDToBytes(uuid.New())
	start := time.Now()
	c.emit(progress.Event{RunID: runID, TS: start.UTC(), Stage: progress.StageRunStart})

	err := c.run(ctx, runID)
	evt := progress.Event{RunID: runID, TS: time.Now().UTC(), Dur: time.Since(start)}
	if err != nil {
		evt.Stage = progress.StageRunError
		evt.Note = err.Error()
	} else {
		evt.Stage = progress.StageRunDone
	}
	c.emit(evt)
	return err
}

func (c *Creator) run(ctx context.Context, runID [16]byte) error {
	for _, sc := range c.scrapers {
		if err := c.index(ctx, runID, sc); err != nil {
			return errors.Wrapf(err, "index %s", sc.Source())
		}
	}

	entries, indexedIDs, err := c.collectEntries()
	if err != nil {
		return err
	}

	harvested := make(map[string]struct{}, len(c.scrapers))
	for _, sc := range c.scrapers {
		harvested[sc.Source()] = struct{}{}
	}

	existing, removed, err := c.cfg.Store.Sync(indexedIDs, harvested)
	if err != nil {
		return errors.Wrap(err, "repair corpus")
	}
	if removed > 0 {
		c.logger.Info("removed stale corpus documents", zap.Int("removed", removed))
	}

	missing := entries[:0]
	for _, e := range entries {
		if _, ok := existing[e.VersionID]; !ok {
			missing = append(missing, e)
		}
	}
	c.logger.Info("harvest plan ready",
		zap.Int("indexed", len(indexedIDs)),
		zap.Int("existing", len(existing)),
		zap.Int("missing", len(missing)),
	)

	return c.retrieve(ctx, runID, missing)
}

// index refreshes one source's cached index pages. Requests already indexed
// and still fresh are skipped; the rest are fetched concurrently in random
// order. Any index error is treated as fatal for the run: an incomplete
// index would make corpus repair delete documents that still exist upstream.
func (c *Creator) index(ctx context.Context, runID [16]byte, sc harvest.Scraper) error {
	source := sc.Source()
	reqPolicy, pagePolicy := c.policies(sc)

	reqs, err := c.cfg.Cache.IndexRequests(ctx, source, reqPolicy, sc.IndexRequests)
	if err != nil {
		return errors.Wrap(err, "collect index requests")
	}

	pending, err := c.cfg.Cache.Unindexed(source, reqs, pagePolicy)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		c.logger.Info("index cache fresh", zap.String("source", source))
		return nil
	}
	c.logger.Info("indexing",
		zap.String("source", source),
		zap.Int("pages", len(pending)),
		zap.Int("cached", len(reqs)-len(pending)),
	)
	c.rng.Shuffle(len(pending), func(i, j int) {
		pending[i], pending[j] = pending[j], pending[i]
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.IndexConcurrency)
	for _, req := range pending {
		req := req
		g.Go(func() error {
			entries, err := sc.Index(gctx, req)
			if err != nil {
				return err
			}
			page := corpus.IndexedPage{Request: req, Entries: entries, IndexedAt: time.Now().UTC()}
			if err := c.cfg.Cache.AppendPage(source, page); err != nil {
				return err
			}
			c.emit(progress.Event{
				RunID:   runID,
				TS:      time.Now().UTC(),
				Stage:   progress.StageIndexPage,
				Source:  source,
				URL:     req.Target,
				Entries: int64(len(entries)),
			})
			return nil
		})
	}
	return g.Wait()
}

// collectEntries loads every source's cached entries and deduplicates them
// by version id, keeping the first occurrence.
func (c *Creator) collectEntries() ([]harvest.Entry, map[string]struct{}, error) {
	var entries []harvest.Entry
	seen := make(map[string]struct{})
	for _, sc := range c.scrapers {
		cached, err := c.cfg.Cache.Entries(sc.Source())
		if err != nil {
			return nil, nil, errors.Wrapf(err, "load cached entries for %s", sc.Source())
		}
		for _, e := range cached {
			if _, dup := seen[e.VersionID]; dup {
				continue
			}
			seen[e.VersionID] = struct{}{}
			entries = append(entries, e)
		}
	}
	return entries, seen, nil
}

// retrieve fans out document retrieval for the missing entries in random
// order. Failures are recorded and skipped; only context cancellation stops
// the group early.
func (c *Creator) retrieve(ctx context.Context, runID [16]byte, missing []harvest.Entry) error {
	if len(missing) == 0 {
		return nil
	}
	byName := make(map[string]harvest.Scraper, len(c.scrapers))
	for _, sc := range c.scrapers {
		byName[sc.Source()] = sc
	}
	c.rng.Shuffle(len(missing), func(i, j int) {
		missing[i], missing[j] = missing[j], missing[i]
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.DocumentConcurrency)
	for _, entry := range missing {
		entry := entry
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sc, ok := byName[entry.Source]
			if !ok {
				c.logger.Warn("entry from unregistered source; skipping",
					zap.String("source", entry.Source),
					zap.String("version_id", entry.VersionID),
				)
				return nil
			}
			c.retrieveOne(gctx, runID, sc, entry)
			return gctx.Err()
		})
	}
	return g.Wait()
}

func (c *Creator) retrieveOne(ctx context.Context, runID [16]byte, sc harvest.Scraper, entry harvest.Entry) {
	start := time.Now()
	doc, err := sc.Client().FetchDocument(ctx, entry, sc.Document)
	evt := progress.Event{
		RunID:  runID,
		TS:     time.Now().UTC(),
		Source: entry.Source,
		URL:    entry.Request.Target,
		Dur:    time.Since(start),
	}
	switch {
	case err != nil:
		c.logger.Error("document retrieval failed; skipping",
			zap.String("source", entry.Source),
			zap.String("version_id", entry.VersionID),
			zap.Error(err),
		)
		evt.Stage = progress.StageDocFailed
		evt.Note = err.Error()
	case doc == nil:
		c.logger.Warn("document no longer exists upstream; skipping",
			zap.String("source", entry.Source),
			zap.String("version_id", entry.VersionID),
		)
		evt.Stage = progress.StageDocAbsent
	default:
		if appendErr := c.cfg.Store.Append(doc); appendErr != nil {
			c.logger.Error("corpus append failed",
				zap.String("version_id", doc.VersionID),
				zap.Error(appendErr),
			)
			evt.Stage = progress.StageDocFailed
			evt.Note = appendErr.Error()
			break
		}
		evt.Stage = progress.StageDocDone
		evt.Bytes = int64(len(doc.Text))
	}
	c.emit(evt)
}

func (c *Creator) policies(sc harvest.Scraper) (reqs, pages corpus.RefreshPolicy) {
	if p, ok := sc.(CachePolicies); ok {
		return p.IndexRequestsRefresh(), p.IndexRefresh()
	}
	return corpus.RefreshPolicy{}, corpus.RefreshPolicy{}
}

func (c *Creator) emit(evt progress.Event) {
	if c.cfg.Emitter != nil {
		c.cfg.Emitter.Emit(evt)
	}
}
