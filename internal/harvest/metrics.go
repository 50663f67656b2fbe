package harvest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// totalFetches tracks the number of network fetch attempts dispatched.
	totalFetches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_fetch_attempts_total",
		Help: "The total number of network fetch attempts dispatched.",
	})
	// totalTransportRetries tracks waits spent in the transport retry loop.
	totalTransportRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_transport_retries_total",
		Help: "The total number of transport-level retry waits.",
	})
	// totalContentRetries tracks waits spent in the content retry loop.
	totalContentRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_content_retries_total",
		Help: "The total number of content-parse retry waits.",
	})
	// totalRateLimitHits tracks retryable statuses received (usually 429).
	totalRateLimitHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_retryable_status_total",
		Help: "The total number of responses with a retryable status code.",
	})
)
