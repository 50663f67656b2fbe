// Package corpus persists harvester output: the newline-delimited JSON
// corpus itself and the on-disk caches of index requests and indexed
// entries that let an interrupted run resume where it stopped.
package corpus

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lexcorpus/harvester/internal/harvest"
)

// Store reads and appends the corpus JSONL file. One document per line;
// lines that fail to decode are treated as corrupted and dropped during
// Sync.
type Store struct {
	path   string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewStore opens (creating if necessary) the corpus at path.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, errors.Wrap(err, "create corpus directory")
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "create corpus file")
	}
	if err := f.Close(); err != nil {
		return nil, errors.Wrap(err, "close corpus file")
	}
	return &Store{path: path, logger: logger}, nil
}

// Sync scans the corpus and removes corrupted lines, duplicate version ids,
// and documents from harvested sources that no longer appear in the
// sources' indices. It returns the version ids retained for harvested
// sources, which callers subtract from the index to find missing documents.
// The corpus is rewritten atomically, and only when something was removed.
func (s *Store) Sync(indexed map[string]struct{}, harvestedSources map[string]struct{}) (map[string]struct{}, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, 0, errors.Wrap(err, "open corpus")
	}
	defer f.Close()

	existing := make(map[string]struct{})
	remove := make(map[int]struct{})
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 512*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		i := lineNo
		lineNo++
		var doc harvest.Document
		if err := json.Unmarshal(scanner.Bytes(), &doc); err != nil {
			s.logger.Warn("corpus line failed to decode; treating as corrupted and removing",
				zap.Int("line", i+1),
				zap.Error(err),
			)
			remove[i] = struct{}{}
			continue
		}
		_, harvested := harvestedSources[doc.Source]
		_, dup := existing[doc.VersionID]
		_, stillIndexed := indexed[doc.VersionID]
		switch {
		case dup, harvested && !stillIndexed:
			remove[i] = struct{}{}
		case harvested:
			existing[doc.VersionID] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "scan corpus")
	}
	if len(remove) == 0 {
		return existing, 0, nil
	}
	if err := s.rewriteWithout(remove); err != nil {
		return nil, 0, err
	}
	return existing, len(remove), nil
}

func (s *Store) rewriteWithout(remove map[int]struct{}) error {
	src, err := os.Open(s.path)
	if err != nil {
		return errors.Wrap(err, "open corpus for rewrite")
	}
	defer src.Close()

	tmpPath := s.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrap(err, "create corpus temp file")
	}
	defer tmp.Close()

	w := bufio.NewWriter(tmp)
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 1024*1024), 512*1024*1024)
	for i := 0; scanner.Scan(); i++ {
		if _, drop := remove[i]; drop {
			continue
		}
		if _, err := w.Write(scanner.Bytes()); err != nil {
			return errors.Wrap(err, "write corpus temp file")
		}
		if err := w.WriteByte('\n'); err != nil {
			return errors.Wrap(err, "write corpus temp file")
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "scan corpus for rewrite")
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "flush corpus temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close corpus temp file")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return errors.Wrap(err, "replace corpus")
	}
	return nil
}

// Append writes one document to the corpus. Safe for concurrent use.
func (s *Store) Append(doc *harvest.Document) error {
	line, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "encode document")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrap(err, "open corpus for append")
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, "append document")
	}
	return nil
}

// Path returns the corpus file path.
func (s *Store) Path() string { return s.path }
