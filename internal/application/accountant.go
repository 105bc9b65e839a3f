package application

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ericfisherdev/vpnpanel/internal/domain/model"
	"github.com/ericfisherdev/vpnpanel/internal/domain/port/driven"
)

// Source names recorded when no counter source produced the reading.
const (
	SourceRawSample = "raw_sample"
	SourceNone      = "none"
)

// TrafficAccountant turns raw counter readings into a monotonically growing
// lifetime byte total per credential. Counter restarts are detected by a
// decreasing reading and the new reading is then taken as the delta.
type TrafficAccountant struct {
	store    driven.TrafficStore
	sources  []driven.CounterSource
	recorder driven.Recorder
	now      func() time.Time

	locks sync.Map // uuid -> *sync.Mutex
}

// NewTrafficAccountant creates a TrafficAccountant. Sources are consulted in
// order; the first that returns a reading wins.
func NewTrafficAccountant(store driven.TrafficStore, sources []driven.CounterSource, recorder driven.Recorder) *TrafficAccountant {
	return &TrafficAccountant{
		store:    store,
		sources:  sources,
		recorder: recorder,
		now:      time.Now,
	}
}

func (a *TrafficAccountant) lock(uuid string) func() {
	m, _ := a.locks.LoadOrStore(uuid, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// UpdateEntry samples the credential's counters and adds the growth since the
// previous sample to its lifetime total. raw is an optional cumulative byte
// count from the caller; it is used when no directional counter is available.
// When nothing produces a reading the entry is touched with a zero delta.
func (a *TrafficAccountant) UpdateEntry(ctx context.Context, uuid, name string, port int, raw *model.RawSample) (*model.TrafficEntry, error) {
	unlock := a.lock(uuid)
	defer unlock()

	entry, err := a.store.Get(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		entry = &model.TrafficEntry{UUID: uuid}
	}

	now := a.now().UTC()
	upd := model.TrafficUpdate{UUID: uuid, KeyName: name, Port: port, Source: SourceNone, At: now}

	sample, ok := a.sample(ctx, uuid, raw != nil)
	switch {
	case ok && sample.Kind == model.SampleDirectional:
		upd.Delta = directionalDelta(entry.LastCounter, sample.Uplink, sample.Downlink)
		upd.LastCounter = &model.CounterSnapshot{Uplink: sample.Uplink, Downlink: sample.Downlink, At: sampleTime(sample.At, now)}
		upd.Source = sample.Source
	case ok:
		upd.Delta = cumulativeDelta(entry.LastRaw, sample.Total)
		upd.LastRaw = &model.RawSnapshot{Bytes: sample.Total, At: sampleTime(sample.At, now)}
		upd.Source = sample.Source
	case raw != nil:
		upd.Delta = cumulativeDelta(entry.LastRaw, raw.TotalBytes)
		upd.LastRaw = &model.RawSnapshot{Bytes: raw.TotalBytes, At: sampleTime(raw.At, now)}
		upd.Source = SourceRawSample
	default:
		slog.Debug("no traffic reading available", "uuid", uuid)
	}

	updated, err := a.store.Apply(ctx, upd)
	if err != nil {
		return nil, err
	}

	a.recorder.TrafficSampled(upd.Source)
	a.recorder.TrafficBytesAccounted(upd.Delta)
	return updated, nil
}

// sample asks each source in turn. A cumulative source is skipped when the
// caller supplied its own raw sample, which then takes precedence.
func (a *TrafficAccountant) sample(ctx context.Context, uuid string, haveRaw bool) (model.TrafficSample, bool) {
	for _, src := range a.sources {
		s, err := src.Sample(ctx, uuid)
		if err != nil {
			slog.Debug("counter source unavailable, falling back", "source", src.Name(), "uuid", uuid, "error", err)
			continue
		}
		if s.Kind != model.SampleDirectional && haveRaw {
			return model.TrafficSample{}, false
		}
		if s.Source == "" {
			s.Source = src.Name()
		}
		return s, true
	}
	return model.TrafficSample{}, false
}

// GetEntry returns the stored entry for uuid, or nil if it has never been sampled.
func (a *TrafficAccountant) GetEntry(ctx context.Context, uuid string) (*model.TrafficEntry, error) {
	return a.store.Get(ctx, uuid)
}

// Reset zeroes the lifetime total and forgets both snapshots, so the next
// reading is counted from zero.
func (a *TrafficAccountant) Reset(ctx context.Context, uuid string) (bool, error) {
	unlock := a.lock(uuid)
	defer unlock()

	existed, err := a.store.Reset(ctx, uuid)
	if err != nil {
		return false, err
	}
	if existed {
		slog.Info("traffic reset", "uuid", uuid)
	}
	return existed, nil
}

// directionalDelta returns the growth of an uplink/downlink pair. A decrease
// in either direction means the engine's counters restarted, so the current
// values are the growth since the restart.
func directionalDelta(prev *model.CounterSnapshot, up, down int64) int64 {
	up, down = max(up, 0), max(down, 0)
	if prev == nil || up < prev.Uplink || down < prev.Downlink {
		return up + down
	}
	return (up - prev.Uplink) + (down - prev.Downlink)
}

// cumulativeDelta is directionalDelta for a single cumulative counter.
func cumulativeDelta(prev *model.RawSnapshot, total int64) int64 {
	total = max(total, 0)
	if prev == nil || total < prev.Bytes {
		return total
	}
	return total - prev.Bytes
}

func sampleTime(at, fallback time.Time) time.Time {
	if at.IsZero() {
		return fallback
	}
	return at.UTC()
}
