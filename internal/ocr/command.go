package ocr

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// CommandExtractor extracts PDF text by running an external command over a
// temporary file. The "{pdf}" placeholder in the argv template is replaced
// with the file path; extracted text is read from stdout.
type CommandExtractor struct {
	Argv []string
}

// Extract implements Extractor. Batch size and scale are render knobs for
// in-process extractors; an external command manages its own rendering, so
// they are ignored here.
func (e CommandExtractor) Extract(ctx context.Context, pdf []byte, _ int, _ int) (string, error) {
	if len(e.Argv) == 0 {
		return "", errors.New("ocr command not configured")
	}

	dir, err := os.MkdirTemp("", "harvester-ocr-*")
	if err != nil {
		return "", errors.Wrap(err, "create ocr scratch directory")
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "document.pdf")
	if err := os.WriteFile(path, pdf, 0o600); err != nil {
		return "", errors.Wrap(err, "write pdf for extraction")
	}

	argv := make([]string, len(e.Argv))
	for i, arg := range e.Argv {
		if arg == "{pdf}" {
			arg = path
		}
		argv[i] = arg
	}

	var out, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "run %s: %s", argv[0], stderr.String())
	}
	return out.String(), nil
}
