package driven

import "context"

// RefreshThrottle limits how often a credential's traffic is re-sampled.
// Allow reports whether a refresh for uuid may run now and, if so, records it.
type RefreshThrottle interface {
	Allow(ctx context.Context, uuid string) (bool, error)
}
