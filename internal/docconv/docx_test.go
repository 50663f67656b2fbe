package docconv_test

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lexcorpus/harvester/internal/docconv"
)

func docxPayload(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("word/document.xml")
	require.NoError(t, err)
	_, err = f.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestHTMLParagraphsAndHeadings(t *testing.T) {
	t.Parallel()

	payload := docxPayload(t, `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`+
		`<w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr><w:r><w:t>Title</w:t></w:r></w:p>`+
		`<w:p><w:r><w:t>Hello</w:t><w:br/><w:t>World &amp; co</w:t></w:r></w:p>`+
		`</w:body></w:document>`)

	got, err := docconv.HTML(payload)
	require.NoError(t, err)
	require.Equal(t, "<h1>Title</h1>\n<p>Hello<br/>World &amp; co</p>\n", got)
}

func TestHTMLTabsAndTableCells(t *testing.T) {
	t.Parallel()

	payload := docxPayload(t, `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`+
		`<w:p><w:r><w:t>a</w:t><w:tab/><w:t>b</w:t></w:r></w:p>`+
		`</w:body></w:document>`)

	got, err := docconv.HTML(payload)
	require.NoError(t, err)
	require.Equal(t, "<p>a\tb</p>\n", got)
}

func TestHTMLRejectsNonArchive(t *testing.T) {
	t.Parallel()

	_, err := docconv.HTML([]byte("This is a legacy DOC file, not a zip."))
	require.ErrorIs(t, err, docconv.ErrNotArchive)
}

func TestHTMLRejectsArchiveWithoutDocument(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("word/styles.xml")
	require.NoError(t, err)
	_, err = f.Write([]byte("<styles/>"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = docconv.HTML(buf.Bytes())
	require.ErrorIs(t, err, docconv.ErrNotArchive)
}
