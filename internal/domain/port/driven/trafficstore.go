package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/vpnpanel/internal/domain/model"
)

// TrafficStore defines the driven port for lifetime traffic accounting.
type TrafficStore interface {
	// Get returns (nil, nil) when no entry exists for uuid.
	Get(ctx context.Context, uuid string) (*model.TrafficEntry, error)
	ListAll(ctx context.Context) ([]model.TrafficEntry, error)
	// Apply creates the entry if needed, adds u.Delta to the lifetime total as a
	// single atomic increment, replaces both snapshots and adds the delta to the
	// daily bucket of u.At. It returns the entry as stored after the update.
	Apply(ctx context.Context, u model.TrafficUpdate) (*model.TrafficEntry, error)
	// Reset zeroes the total, clears both snapshots and drops daily buckets.
	// It reports whether an entry existed.
	Reset(ctx context.Context, uuid string) (bool, error)
	// Daily returns the buckets of uuid whose day starts with prefix (e.g. "2026-10").
	Daily(ctx context.Context, uuid, prefix string) ([]model.DailyTraffic, error)
	// PruneDaily removes buckets older than cutoff and returns the number removed.
	PruneDaily(ctx context.Context, cutoff time.Time) (int64, error)
}
