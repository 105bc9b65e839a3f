package driven

import (
	"context"

	"github.com/ericfisherdev/vpnpanel/internal/domain/model"
)

// CounterSource returns a traffic reading for one credential. Sources are
// tried in priority order; an unusable source returns an error wrapping
// ErrCounterSourceUnavailable so that a legitimate zero stays distinguishable.
type CounterSource interface {
	Name() string
	Sample(ctx context.Context, uuid string) (model.TrafficSample, error)
}
