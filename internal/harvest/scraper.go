package harvest

import (
	"context"
)

// Scraper is the three-stage harvesting contract a source implementation
// fulfils. The engine owns none of these capabilities; it supplies the
// fetch client, the gate and the retry wrapper every Document implementation
// is invoked through (Client.FetchDocument).
type Scraper interface {
	// Source returns the stable identifier of the source. Entry version
	// ids are unique within it.
	Source() string

	// Client returns the fetch client the source was constructed with.
	Client() *Client

	// IndexRequests enumerates the requests needed to retrieve every
	// index page of the source, one request per paginated listing.
	IndexRequests(ctx context.Context) ([]FetchRequest, error)

	// Index parses one index page into entries. An empty result for a
	// request expected to be non-empty is an upstream contract violation
	// and must surface as a structural failure, not an empty slice,
	// unless the source documents a known upstream bug that legitimately
	// yields an empty page.
	Index(ctx context.Context, req FetchRequest) ([]Entry, error)

	// Document performs the source-specific fetches and extraction for
	// one entry. It returns (nil, nil) when the source confirms the entry
	// has no retrievable version, and an error when extraction hits an
	// unexpected state. Callers invoke it through Client.FetchDocument so
	// content-parse failures are retried.
	Document(ctx context.Context, entry Entry) (*Document, error)
}
