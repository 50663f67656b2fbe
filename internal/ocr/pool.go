// Package ocr hosts the boundary to the PDF text-extraction collaborator: a
// bounded worker pool for the CPU-bound work and the dispatch helper that
// routes a PDF through the dedicated OCR gate. The extraction algorithm
// itself is pluggable and lives outside this repository.
package ocr

import (
	"context"
	"runtime"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/lexcorpus/harvester/internal/harvest"
)

// DefaultScale is the rendering scale passed to extractors. Sources with
// very slow databases lower it.
const DefaultScale = 3

// Extractor turns one PDF payload into text. BatchSize is the number of
// pages the extractor may process concurrently.
type Extractor interface {
	Extract(ctx context.Context, pdf []byte, batchSize, scale int) (string, error)
}

type task struct {
	fn   func() error
	done chan error
}

// Pool runs CPU-bound jobs on a fixed set of workers. Cooperative fetch
// code hands work to the pool and awaits the result, so slow OCR never
// stalls the I/O side.
type Pool struct {
	tasks     chan task
	workers   int
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPool starts a pool with the given number of workers, defaulting to the
// logical CPU count minus one.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU() - 1
		if workers < 1 {
			workers = 1
		}
	}
	p := &Pool{
		tasks:   make(chan task),
		workers: workers,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for t := range p.tasks {
		t.done <- t.fn()
	}
}

// Workers returns the pool size; it doubles as the page batch size handed
// to extractors.
func (p *Pool) Workers() int { return p.workers }

// Do submits fn to the pool and waits for it to finish. Submission respects
// the context; once running, fn itself is responsible for honoring
// cancellation.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	t := task{fn: fn, done: make(chan error, 1)}
	select {
	case p.tasks <- t:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "submit ocr task")
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "await ocr task")
	}
}

// Close stops the workers after in-flight tasks finish.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}

// PDFText extracts text from a PDF through the OCR gate and worker pool. At
// most one PDF is processed at a time under the default single-permit gate.
func PDFText(
	ctx context.Context,
	pdf []byte,
	ex Extractor,
	pool *Pool,
	gate harvest.Gate,
	scale int,
) (string, error) {
	if ex == nil {
		return "", errors.New("no pdf extractor configured")
	}
	if scale <= 0 {
		scale = DefaultScale
	}
	release, err := gate.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	var text string
	err = pool.Do(ctx, func() error {
		var exErr error
		text, exErr = ex.Extract(ctx, pdf, pool.Workers(), scale)
		return exErr
	})
	if err != nil {
		return "", errors.Wrap(err, "extract pdf text")
	}
	return text, nil
}
