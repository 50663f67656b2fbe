package corpus

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lexcorpus/harvester/internal/clock/system"
	"github.com/lexcorpus/harvester/internal/harvest"
)

// Clock abstracts the current time for staleness checks.
type Clock interface {
	Now() time.Time
}

// DefaultRefreshInterval is how long cached index data stays fresh when a
// source does not override the interval.
const DefaultRefreshInterval = 14 * 24 * time.Hour

// dataVersions tracks the on-disk format of each cache category. Bumping a
// version invalidates that category on the next run.
var dataVersions = map[string]int{
	"indices": 1,
	"index":   1,
}

// RefreshPolicy controls when cached index requests and indexed entries are
// considered stale and re-fetched.
type RefreshPolicy struct {
	// Always forces a refresh every run.
	Always bool

	// Never keeps cached data forever. Useful for point-in-time sources
	// whose indices cannot change.
	Never bool

	// Interval is the maximum cache age before a refresh. Zero means
	// DefaultRefreshInterval. Ignored when Always or Never is set.
	Interval time.Duration
}

// Stale reports whether data of the given age should be refreshed.
func (p RefreshPolicy) Stale(age time.Duration) bool {
	switch {
	case p.Always:
		return true
	case p.Never:
		return false
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return age > interval
}

// IndexedPage is one cached index page: the request that produced it, the
// entries it yielded, and when it was fetched.
type IndexedPage struct {
	Request   harvest.FetchRequest `json:"request"`
	Entries   []harvest.Entry      `json:"entries"`
	IndexedAt time.Time            `json:"indexed_at"`
}

// Cache stores per-source index requests (JSON) and indexed pages (JSONL)
// under a data directory. It survives interrupted runs: pages already
// indexed are not fetched again until their refresh policy says so.
type Cache struct {
	dir    string
	mu     sync.Mutex
	clock  Clock
	logger *zap.Logger
}

// NewCache prepares the cache layout under dir and invalidates any category
// whose on-disk format version no longer matches.
func NewCache(dir string, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for category := range dataVersions {
		if err := os.MkdirAll(filepath.Join(dir, category), 0o750); err != nil {
			return nil, errors.Wrap(err, "create cache directory")
		}
	}
	c := &Cache{dir: dir, clock: system.New(), logger: logger}
	if err := c.checkVersions(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) checkVersions() error {
	manifest := filepath.Join(c.dir, "versions.json")
	saved := map[string]int{}
	if raw, err := os.ReadFile(manifest); err == nil {
		if err := json.Unmarshal(raw, &saved); err != nil {
			c.logger.Warn("cache version manifest unreadable; invalidating all cached data", zap.Error(err))
			saved = map[string]int{}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "read cache version manifest")
	}
	for category, version := range dataVersions {
		if saved[category] == version {
			continue
		}
		path := filepath.Join(c.dir, category)
		c.logger.Info("cache format changed; invalidating category",
			zap.String("category", category),
			zap.Int("from", saved[category]),
			zap.Int("to", version),
		)
		if err := os.RemoveAll(path); err != nil {
			return errors.Wrap(err, "invalidate cache category")
		}
		if err := os.MkdirAll(path, 0o750); err != nil {
			return errors.Wrap(err, "recreate cache category")
		}
	}
	raw, err := json.Marshal(dataVersions)
	if err != nil {
		return errors.Wrap(err, "encode cache version manifest")
	}
	if err := os.WriteFile(manifest, raw, 0o600); err != nil {
		return errors.Wrap(err, "write cache version manifest")
	}
	return nil
}

func (c *Cache) indicesPath(source string) string {
	return filepath.Join(c.dir, "indices", source+".json")
}

func (c *Cache) indexPath(source string) string {
	return filepath.Join(c.dir, "index", source+".jsonl")
}

// IndexRequests returns the cached index requests for source, calling fetch
// and rewriting the cache when the data is missing or stale under policy.
func (c *Cache) IndexRequests(ctx context.Context, source string, policy RefreshPolicy, fetch func(context.Context) ([]harvest.FetchRequest, error)) ([]harvest.FetchRequest, error) {
	path := c.indicesPath(source)
	if info, err := os.Stat(path); err == nil && !policy.Stale(c.clock.Now().Sub(info.ModTime())) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read cached index requests")
		}
		var reqs []harvest.FetchRequest
		uerr := json.Unmarshal(raw, &reqs)
		if uerr == nil {
			return reqs, nil
		}
		c.logger.Warn("cached index requests unreadable; refetching",
			zap.String("source", source),
			zap.Error(uerr),
		)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "stat cached index requests")
	}

	reqs, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(reqs)
	if err != nil {
		return nil, errors.Wrap(err, "encode index requests")
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, errors.Wrap(err, "write cached index requests")
	}
	return reqs, nil
}

// Unindexed prunes the source's cached pages to those still named by reqs
// and fresh under policy, then returns the requests with no surviving page.
// Pruned pages are dropped from disk so their entries are re-indexed.
func (c *Cache) Unindexed(source string, reqs []harvest.FetchRequest, policy RefreshPolicy) ([]harvest.FetchRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wanted := make(map[string]int, len(reqs))
	for i, req := range reqs {
		wanted[req.Key()] = i
	}

	pages, err := c.readPages(source)
	if err != nil {
		return nil, err
	}
	kept := pages[:0]
	indexed := make(map[string]struct{}, len(pages))
	now := c.clock.Now()
	for _, page := range pages {
		key := page.Request.Key()
		if _, ok := wanted[key]; !ok {
			continue
		}
		if policy.Stale(now.Sub(page.IndexedAt)) {
			continue
		}
		if _, dup := indexed[key]; dup {
			continue
		}
		indexed[key] = struct{}{}
		kept = append(kept, page)
	}
	if len(kept) != len(pages) {
		if err := c.writePages(source, kept); err != nil {
			return nil, err
		}
	}

	missing := make([]harvest.FetchRequest, 0, len(reqs))
	for _, req := range reqs {
		if _, ok := indexed[req.Key()]; !ok {
			missing = append(missing, req)
		}
	}
	return missing, nil
}

// AppendPage records one freshly indexed page. Safe for concurrent use.
func (c *Cache) AppendPage(source string, page IndexedPage) error {
	line, err := json.Marshal(page)
	if err != nil {
		return errors.Wrap(err, "encode indexed page")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := os.OpenFile(c.indexPath(source), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrap(err, "open index cache for append")
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, "append indexed page")
	}
	return nil
}

// Entries returns all cached entries for source across its pages.
func (c *Cache) Entries(source string) ([]harvest.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pages, err := c.readPages(source)
	if err != nil {
		return nil, err
	}
	var entries []harvest.Entry
	for _, page := range pages {
		entries = append(entries, page.Entries...)
	}
	return entries, nil
}

func (c *Cache) readPages(source string) ([]IndexedPage, error) {
	f, err := os.Open(c.indexPath(source))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "open index cache")
	}
	defer f.Close()

	var pages []IndexedPage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 512*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var page IndexedPage
		if err := json.Unmarshal(scanner.Bytes(), &page); err != nil {
			c.logger.Warn("cached index page unreadable; dropping",
				zap.String("source", source),
				zap.Int("line", line),
				zap.Error(err),
			)
			continue
		}
		pages = append(pages, page)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan index cache")
	}
	return pages, nil
}

func (c *Cache) writePages(source string, pages []IndexedPage) error {
	path := c.indexPath(source)
	tmpPath := path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrap(err, "create index cache temp file")
	}
	defer tmp.Close()
	w := bufio.NewWriter(tmp)
	for _, page := range pages {
		line, err := json.Marshal(page)
		if err != nil {
			return errors.Wrap(err, "encode indexed page")
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return errors.Wrap(err, "write index cache temp file")
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "flush index cache temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close index cache temp file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrap(err, "replace index cache")
	}
	return nil
}
