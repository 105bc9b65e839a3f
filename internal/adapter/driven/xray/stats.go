package xray

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ericfisherdev/vpnpanel/internal/domain/engineconf"
	"github.com/ericfisherdev/vpnpanel/internal/domain/model"
	"github.com/ericfisherdev/vpnpanel/internal/domain/port/driven"
)

// Counter source names recorded on traffic entries.
const (
	SourceUserStats    = "user_stats"
	SourceInboundStats = "inbound_stats"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.CounterSource = (*UserCounterSource)(nil)
	_ driven.CounterSource = (*InboundCounterSource)(nil)
)

// StatsClient queries the engine's stats service with `xray api statsquery`.
type StatsClient struct {
	bin    string
	server string
	runner Runner
	now    func() time.Time
}

// NewStatsClient creates a StatsClient for the stats service at server.
func NewStatsClient(bin, server string, runner Runner) *StatsClient {
	return &StatsClient{bin: bin, server: server, runner: runner, now: time.Now}
}

// Query returns the counters whose names match pattern, keyed by full name.
func (c *StatsClient) Query(ctx context.Context, pattern string) (map[string]int64, error) {
	out, err := c.runner.Run(ctx, c.bin, "api", "statsquery", "--server="+c.server, "-pattern", pattern)
	if err != nil {
		return nil, fmt.Errorf("query stats %q: %w: %w", pattern, driven.ErrCounterSourceUnavailable, err)
	}
	if !gjson.ValidBytes(out) {
		return nil, fmt.Errorf("query stats %q: %w: malformed response", pattern, driven.ErrCounterSourceUnavailable)
	}

	stats := make(map[string]int64)
	gjson.ParseBytes(out).Get("stat").ForEach(func(_, v gjson.Result) bool {
		if name := v.Get("name").String(); name != "" {
			stats[name] = v.Get("value").Int()
		}
		return true
	})
	return stats, nil
}

// directional reads the uplink/downlink pair stored under prefix. Both
// counters must be present for the reading to count.
func (c *StatsClient) directional(ctx context.Context, prefix string) (up, down int64, err error) {
	stats, err := c.Query(ctx, prefix)
	if err != nil {
		return 0, 0, err
	}
	up, okUp := stats[prefix+">>>traffic>>>uplink"]
	down, okDown := stats[prefix+">>>traffic>>>downlink"]
	if !okUp || !okDown {
		return 0, 0, fmt.Errorf("query stats %q: %w: no counters", prefix, driven.ErrCounterSourceUnavailable)
	}
	return up, down, nil
}

// UserCounterSource reads the engine's per-user uplink/downlink counters.
type UserCounterSource struct {
	client *StatsClient
}

// NewUserCounterSource creates a high-fidelity counter source.
func NewUserCounterSource(client *StatsClient) *UserCounterSource {
	return &UserCounterSource{client: client}
}

// Name returns the source name.
func (s *UserCounterSource) Name() string { return SourceUserStats }

// Sample returns the user's directional counters.
func (s *UserCounterSource) Sample(ctx context.Context, uuid string) (model.TrafficSample, error) {
	up, down, err := s.client.directional(ctx, "user>>>"+uuid)
	if err != nil {
		return model.TrafficSample{}, err
	}
	return model.TrafficSample{
		Kind:     model.SampleDirectional,
		Uplink:   up,
		Downlink: down,
		Source:   SourceUserStats,
		At:       s.client.now(),
	}, nil
}

// InboundCounterSource reads the counters of the credential's own inbound.
// Since every credential has a dedicated inbound, the inbound total is the
// credential's total, but it carries no per-user attribution and is treated
// as a cumulative estimate.
type InboundCounterSource struct {
	client *StatsClient
}

// NewInboundCounterSource creates a fallback counter source.
func NewInboundCounterSource(client *StatsClient) *InboundCounterSource {
	return &InboundCounterSource{client: client}
}

// Name returns the source name.
func (s *InboundCounterSource) Name() string { return SourceInboundStats }

// Sample returns the inbound's cumulative byte count.
func (s *InboundCounterSource) Sample(ctx context.Context, uuid string) (model.TrafficSample, error) {
	up, down, err := s.client.directional(ctx, "inbound>>>"+engineconf.Tag(uuid))
	if err != nil {
		return model.TrafficSample{}, err
	}
	return model.TrafficSample{
		Kind:   model.SampleCumulative,
		Total:  up + down,
		Source: SourceInboundStats,
		At:     s.client.now(),
	}, nil
}
