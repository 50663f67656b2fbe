package harvest

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Marker errors for the three failure kinds the engine dispatches on.
// Failures are tagged with errors.Mark so that retry loops can test the
// kind with errors.Is regardless of how deeply the cause is wrapped.
var (
	// ErrTransport marks retryable network-layer failures: timeouts,
	// connection resets, disconnections, malformed payloads and retryable
	// HTTP statuses.
	ErrTransport = errors.New("transport failure")

	// ErrContentParse marks downloaded content that could not be
	// interpreted. This can mean the server is overloaded and answered
	// with garbage, so it is retried on an independent clock.
	ErrContentParse = errors.New("content parse failure")

	// ErrStructural marks contract violations that retrying cannot fix:
	// empty index pages, missing markup, unsupported sub-formats.
	ErrStructural = errors.New("structural failure")
)

// MarkTransport tags err as a retryable transport failure.
func MarkTransport(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTransport)
}

// MarkContentParse tags err as a content-parse failure.
func MarkContentParse(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrContentParse)
}

// MarkStructural tags err as a structural failure.
func MarkStructural(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrStructural)
}

// Transportf builds a new tagged transport failure.
func Transportf(format string, args ...any) error {
	return MarkTransport(errors.Newf(format, args...))
}

// ContentParsef builds a new tagged content-parse failure.
func ContentParsef(format string, args ...any) error {
	return MarkContentParse(errors.Newf(format, args...))
}

// Structuralf builds a new tagged structural failure.
func Structuralf(format string, args ...any) error {
	return MarkStructural(errors.Newf(format, args...))
}

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }

// IsContentParse reports whether err is a content-parse failure.
func IsContentParse(err error) bool { return errors.Is(err, ErrContentParse) }

// IsStructural reports whether err is a structural failure.
func IsStructural(err error) bool { return errors.Is(err, ErrStructural) }

// StatusError is synthesized when a response status is in the configured
// retryable-status set.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("retryable status %d from %s", e.StatusCode, e.URL)
}

// retryableStatus builds the tagged transport failure carrying the status.
func retryableStatus(status int, url string) error {
	return MarkTransport(&StatusError{StatusCode: status, URL: url})
}
