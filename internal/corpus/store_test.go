package corpus

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lexcorpus/harvester/internal/harvest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "corpus.jsonl"), nil)
	require.NoError(t, err)
	return s
}

func doc(versionID, source string) *harvest.Document {
	return &harvest.Document{
		VersionID:    versionID,
		DocumentType: "decision",
		Jurisdiction: "commonwealth",
		Source:       source,
		Mime:         "text/html",
		Citation:     "Cite " + versionID,
		URL:          "https://example.test/" + versionID,
		Text:         "text of " + versionID,
	}
}

func corpusLines(t *testing.T, s *Store) []string {
	t.Helper()
	f, err := os.Open(s.Path())
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func set(ids ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func TestSyncEmptyCorpus(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	existing, removed, err := s.Sync(set("v1"), set("src"))
	require.NoError(t, err)
	require.Zero(t, removed)
	require.Empty(t, existing)
}

func TestSyncReportsExistingDocuments(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, s.Append(doc("v1", "src")))
	require.NoError(t, s.Append(doc("v2", "src")))
	require.NoError(t, s.Append(doc("other", "unharvested")))

	existing, removed, err := s.Sync(set("v1", "v2", "v3"), set("src"))
	require.NoError(t, err)
	require.Zero(t, removed)
	require.Equal(t, set("v1", "v2"), existing)
}

func TestSyncDropsStaleAndDuplicateDocuments(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, s.Append(doc("v1", "src")))
	require.NoError(t, s.Append(doc("v1", "src")))
	require.NoError(t, s.Append(doc("gone", "src")))
	require.NoError(t, s.Append(doc("keep", "unharvested")))

	existing, removed, err := s.Sync(set("v1"), set("src"))
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	require.Equal(t, set("v1"), existing)

	// The rewrite keeps one v1 line and the unharvested document.
	require.Len(t, corpusLines(t, s), 2)
}

func TestSyncDropsCorruptedLines(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, s.Append(doc("v1", "src")))
	f, err := os.OpenFile(s.Path(), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{\"version_id\": truncated\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, s.Append(doc("v2", "src")))

	existing, removed, err := s.Sync(set("v1", "v2"), set("src"))
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, set("v1", "v2"), existing)
	require.Len(t, corpusLines(t, s), 2)
}

func TestSyncLeavesUnharvestedSourcesAlone(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, s.Append(doc("w1", "wa")))

	// wa was not harvested this run; its documents are neither removed nor
	// reported as existing.
	existing, removed, err := s.Sync(set(), set("src"))
	require.NoError(t, err)
	require.Zero(t, removed)
	require.Empty(t, existing)
	require.Len(t, corpusLines(t, s), 1)
}
