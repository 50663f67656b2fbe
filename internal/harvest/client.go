package harvest

import (
	"context"
	"io"
	"mime"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/lexcorpus/harvester/internal/ratelimit"
)

// Config carries the constructor-time knobs the engine exposes to a source
// implementation. The zero value of every field has a sensible default.
type Config struct {
	// Gate bounds concurrent network fetches. Defaults to NewGate(30).
	// Pass Unbounded() when the source scopes concurrency around composite
	// operations itself.
	Gate Gate
	// OCRGate bounds concurrent OCR jobs. Defaults to NewGate(1).
	OCRGate Gate
	// Session is an externally-owned HTTP client reused across fetches.
	// The engine never closes it; when nil, a short-lived client is
	// created per fetch and its idle connections are closed after use.
	Session *resty.Client
	// RetryStatuses are response statuses treated as retryable transport
	// failures. Defaults to {429}.
	RetryStatuses []int
	// RetryIf decides whether a transport error is retryable. Defaults to
	// DefaultRetryable.
	RetryIf func(error) bool
	// RetryCeiling is the maximum cumulative wait across retries before a
	// retry loop gives up. Defaults to 15 minutes.
	RetryCeiling time.Duration
	// Backoff computes retry waits. The zero value uses NewBackoff().
	Backoff Backoff
	// Limiter applies per-host politeness before the gate is acquired.
	Limiter *ratelimit.Limiter
	// Timeout bounds a single HTTP exchange on engine-created sessions.
	Timeout time.Duration
	// UserAgent is sent on engine-created sessions.
	UserAgent string
	Logger    *zap.Logger
}

// Client performs resilient fetches on behalf of a source implementation.
// It owns the transport retry loop and the content retry wrapper; it owns
// none of the source's three harvesting capabilities.
type Client struct {
	gate          Gate
	ocrGate       Gate
	session       *resty.Client
	retryStatuses map[int]struct{}
	retryIf       func(error) bool
	ceiling       time.Duration
	backoff       Backoff
	limiter       *ratelimit.Limiter
	timeout       time.Duration
	userAgent     string
	logger        *zap.Logger

	// sleep is swapped out in tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient constructs a Client from cfg, filling in defaults.
func NewClient(cfg Config) *Client {
	if cfg.Gate == nil {
		cfg.Gate = NewGate(DefaultGateCapacity)
	}
	if cfg.OCRGate == nil {
		cfg.OCRGate = NewGate(DefaultOCRGateCapacity)
	}
	if cfg.RetryStatuses == nil {
		cfg.RetryStatuses = []int{429}
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = DefaultRetryable
	}
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = DefaultRetryCeiling
	}
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = NewBackoff()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	statuses := make(map[int]struct{}, len(cfg.RetryStatuses))
	for _, s := range cfg.RetryStatuses {
		statuses[s] = struct{}{}
	}
	return &Client{
		gate:          cfg.Gate,
		ocrGate:       cfg.OCRGate,
		session:       cfg.Session,
		retryStatuses: statuses,
		retryIf:       cfg.RetryIf,
		ceiling:       cfg.RetryCeiling,
		backoff:       cfg.Backoff,
		limiter:       cfg.Limiter,
		timeout:       cfg.Timeout,
		userAgent:     cfg.UserAgent,
		logger:        cfg.Logger,
		sleep:         sleepContext,
	}
}

// Gate returns the client's fetch gate so a source can scope composite
// operations with it.
func (c *Client) Gate() Gate { return c.gate }

// OCRGate returns the dedicated OCR permit pool.
func (c *Client) OCRGate() Gate { return c.ocrGate }

// Logger returns the client's logger for source-level diagnostics.
func (c *Client) Logger() *zap.Logger { return c.logger }

// DefaultRetryable reports whether a transport error should be retried:
// timeouts, refused or reset connections, dropped connections and truncated
// payloads. Context cancellation is never retryable.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.IsAny(err, syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE) {
		return true
	}
	if errors.IsAny(err, io.ErrUnexpectedEOF, io.ErrClosedPipe) {
		return true
	}
	// Statuses in the retryable set are surfaced as marked errors.
	return IsTransport(err)
}

// Fetch performs one logical fetch, applying the transport retry loop. A
// MethodOpen request reads the local file directly with no gate and no
// retry. Statuses outside the retryable set are returned to the caller in
// the response; only errors in the configured retryable set are retried,
// and any other error propagates immediately.
func (c *Client) Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error) {
	if req.method() == MethodOpen {
		body, err := os.ReadFile(req.Target)
		if err != nil {
			return FetchResponse{}, errors.Wrapf(err, "open %s", req.Target)
		}
		return FetchResponse{Body: body, Encoding: req.Encoding}, nil
	}

	var resp FetchResponse
	err := c.retry(ctx, c.retryable, totalTransportRetries, func(ctx context.Context) error {
		var err error
		resp, err = c.fetchOnce(ctx, req)
		return err
	})
	return resp, err
}

// FetchChecked fetches and then runs check on the response, retrying the
// whole exchange when check reports a content-parse failure. Sources use it
// to treat overload sentinels in otherwise-successful responses as
// retryable.
func (c *Client) FetchChecked(ctx context.Context, req FetchRequest, check func(FetchResponse) error) (FetchResponse, error) {
	var resp FetchResponse
	err := c.retry(ctx, IsContentParse, totalContentRetries, func(ctx context.Context) error {
		var err error
		resp, err = c.Fetch(ctx, req)
		if err != nil {
			return err
		}
		return check(resp)
	})
	return resp, err
}

// FetchDocument invokes the source-supplied extract capability, retrying on
// content-parse failures with an independent attempt counter and elapsed
// clock. Transport failures are already retried inside the nested fetches;
// any error that is not a content-parse failure propagates immediately. A
// nil document with a nil error means the entry has no retrievable version.
func (c *Client) FetchDocument(
	ctx context.Context,
	entry Entry,
	extract func(context.Context, Entry) (*Document, error),
) (*Document, error) {
	var doc *Document
	err := c.retry(ctx, IsContentParse, totalContentRetries, func(ctx context.Context) error {
		var err error
		doc, err = extract(ctx, entry)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "document %s from %s", entry.VersionID, entry.Source)
	}
	return doc, nil
}

func (c *Client) retryable(err error) bool {
	return c.retryIf(err)
}

// retry runs op, waiting and re-invoking it while match(err) holds, until
// the cumulative wait exceeds the ceiling. The surfaced error carries the
// attempt count and total backoff time.
func (c *Client) retry(
	ctx context.Context,
	match func(error) bool,
	retries interface{ Inc() },
	op func(context.Context) error,
) error {
	attempt := 0
	var elapsed time.Duration
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !match(err) {
			return err
		}
		if elapsed > c.ceiling {
			return errors.Wrapf(err, "giving up after %d attempts and %s of backoff", attempt, elapsed)
		}
		attempt++
		wait := c.backoff.Wait(attempt)
		c.logger.Debug("retrying after failure",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		retries.Inc()
		if serr := c.sleep(ctx, wait); serr != nil {
			return serr
		}
		elapsed += wait
	}
}

func (c *Client) fetchOnce(ctx context.Context, req FetchRequest) (FetchResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, req.Target); err != nil {
			return FetchResponse{}, err
		}
	}

	release, err := c.gate.Acquire(ctx)
	if err != nil {
		return FetchResponse{}, err
	}
	defer release()

	session := c.session
	if session == nil {
		session = resty.New().SetTimeout(c.timeout)
		if c.userAgent != "" {
			session.SetHeader("User-Agent", c.userAgent)
		}
		// The engine owns this session; a caller-supplied one is never
		// touched.
		defer session.GetClient().CloseIdleConnections()
	}

	totalFetches.Inc()
	r := session.R().SetContext(ctx)
	if len(req.Header) > 0 {
		r.SetHeaderMultiValues(req.Header)
	}
	if len(req.Query) > 0 {
		r.SetQueryParamsFromValues(req.Query)
	}
	if len(req.Body) > 0 {
		r.SetBody(req.Body)
	}
	resp, err := r.Execute(req.httpMethod(), req.Target)
	if err != nil {
		if c.retryIf(err) {
			return FetchResponse{}, MarkTransport(errors.Wrapf(err, "fetch %s", req.Target))
		}
		return FetchResponse{}, errors.Wrapf(err, "fetch %s", req.Target)
	}

	status := resp.StatusCode()
	if _, retryable := c.retryStatuses[status]; retryable {
		totalRateLimitHits.Inc()
		return FetchResponse{}, retryableStatus(status, req.Target)
	}

	contentType := resp.Header().Get("Content-Type")
	if mediaType, _, merr := mime.ParseMediaType(contentType); merr == nil {
		contentType = mediaType
	}
	return FetchResponse{
		Body:        resp.Body(),
		Encoding:    req.Encoding,
		ContentType: contentType,
		StatusCode:  status,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "retry wait")
	case <-timer.C:
		return nil
	}
}
