package health

import "context"

// Pinger checks backend availability (object storage, event bus).
type Pinger interface {
	Ping(ctx context.Context) error
}

// IndexChecker reports whether the search index has a loaded generation.
type IndexChecker interface {
	Ready() bool
}
