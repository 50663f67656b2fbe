package htmltext_test

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"

	"github.com/lexcorpus/harvester/internal/htmltext"
)

func render(t *testing.T, fragment string, p htmltext.Profile) string {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	require.NoError(t, err)
	return htmltext.Text(doc.Selection, p)
}

func TestParagraphsSeparatedByBlankLine(t *testing.T) {
	t.Parallel()

	got := render(t, "<p>First</p><p>Second</p>", htmltext.Strict())
	require.Equal(t, "First\n\nSecond", got)
}

func TestAdjacentMarginsCollapse(t *testing.T) {
	t.Parallel()

	got := render(t, "<h1>Title</h1><div>Body</div>", htmltext.Strict())
	require.Equal(t, "Title\n\nBody", got)
}

func TestLineBreaks(t *testing.T) {
	t.Parallel()

	got := render(t, "<div>a<br>b</div>", htmltext.Strict())
	require.Equal(t, "a\nb", got)
}

func TestWhitespaceCollapsesAndScriptsAreSkipped(t *testing.T) {
	t.Parallel()

	got := render(t, "<p>Some   text <script>var x = 1;</script>here</p>", htmltext.Strict())
	require.Equal(t, "Some text here", got)
}

func TestMarginLeftIndentation(t *testing.T) {
	t.Parallel()

	got := render(t, `<p style="margin-left: 2em">Indented</p>`, htmltext.Strict())
	require.Equal(t, "  Indented", got)
}

func TestPreWhitespacePreserved(t *testing.T) {
	t.Parallel()

	p := htmltext.Strict().Clone().
		With("span", htmltext.Style{WhiteSpace: htmltext.Pre})
	got := render(t, "<p><span>line1\nline2</span></p>", p)
	require.Equal(t, "line1\nline2", got)
}

func TestListItemsOnOwnLines(t *testing.T) {
	t.Parallel()

	got := render(t, "<ul><li>first</li><li>second</li></ul>", htmltext.Strict())
	require.Equal(t, "first\nsecond", got)
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()

	base := htmltext.Strict()
	clone := base.Clone().With("p", htmltext.Style{Display: htmltext.Inline})
	require.NotEqual(t, base["p"], clone["p"])
}
