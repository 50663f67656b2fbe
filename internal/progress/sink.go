package progress

import "context"

// Sink consumes batches of harvest progress events. Implementations must
// honor ctx deadlines and tolerate concurrent and repeated calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies it, so the creator and
// the scrapers stay agnostic about how events are buffered or exported.
type Emitter interface {
	Emit(evt Event)
}
