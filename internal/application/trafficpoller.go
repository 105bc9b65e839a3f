package application

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ericfisherdev/vpnpanel/internal/domain/model"
	"github.com/ericfisherdev/vpnpanel/internal/domain/port/driven"
)

const pollConcurrency = 4

// TrafficPoller periodically samples the traffic of active credentials.
// Credentials with recent traffic are sampled more often than idle ones. It
// also prunes daily history older than the retention window.
type TrafficPoller struct {
	credentials driven.CredentialStore
	accountant  *TrafficAccountant
	store       driven.TrafficStore
	throttle    driven.RefreshThrottle
	tick        time.Duration
	retention   time.Duration
	now         func() time.Time

	mu        sync.Mutex
	schedules map[string]*sampleSchedule
}

// NewTrafficPoller creates a TrafficPoller that wakes every tick. It shares
// throttle with on-demand refreshes so a credential is not sampled twice in
// one throttle interval. A zero retention keeps daily history forever.
func NewTrafficPoller(
	credentials driven.CredentialStore,
	accountant *TrafficAccountant,
	store driven.TrafficStore,
	throttle driven.RefreshThrottle,
	tick time.Duration,
	retention time.Duration,
) *TrafficPoller {
	return &TrafficPoller{
		credentials: credentials,
		accountant:  accountant,
		store:       store,
		throttle:    throttle,
		tick:        tick,
		retention:   retention,
		now:         time.Now,
		schedules:   make(map[string]*sampleSchedule),
	}
}

// Start runs an immediate cycle, then one every tick. It blocks until the
// context is canceled.
func (p *TrafficPoller) Start(ctx context.Context) {
	p.pollDue(ctx)

	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("traffic poller stopped")
			return
		case <-ticker.C:
			p.pollDue(ctx)
		}
	}
}

// pollDue samples every active credential whose schedule is due.
func (p *TrafficPoller) pollDue(ctx context.Context) {
	start := p.now()

	creds, err := p.credentials.ListActive(ctx)
	if err != nil {
		slog.Error("traffic poll: list credentials failed", "error", err)
		return
	}

	due := p.dueCredentials(creds, start)

	var mu sync.Mutex
	var failures, throttled int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pollConcurrency)
	for _, c := range due {
		g.Go(func() error {
			if !allowRefresh(gctx, p.throttle, c.UUID) {
				mu.Lock()
				throttled++
				mu.Unlock()
				return nil
			}
			entry, err := p.accountant.UpdateEntry(gctx, c.UUID, c.Name, c.PortOrZero(), nil)
			if err != nil {
				slog.Error("traffic sample failed", "uuid", c.UUID, "error", err)
				mu.Lock()
				failures++
				mu.Unlock()
				return nil
			}
			p.observe(c.UUID, entry.TotalBytes, p.now())
			return nil
		})
	}
	_ = g.Wait()

	p.forget(creds)
	p.prune(ctx, start)

	slog.Info("traffic poll cycle complete",
		"active", len(creds),
		"sampled", len(due)-throttled,
		"throttled", throttled,
		"errors", failures,
		"duration", p.now().Sub(start).Round(time.Millisecond),
	)
}

func (p *TrafficPoller) dueCredentials(creds []model.Credential, now time.Time) []model.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	var due []model.Credential
	for _, c := range creds {
		if !c.HasPort() {
			continue
		}
		sched, ok := p.schedules[c.UUID]
		if !ok || sched.due(now) {
			due = append(due, c)
		}
	}
	return due
}

func (p *TrafficPoller) observe(uuid string, total int64, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sched, ok := p.schedules[uuid]
	if !ok {
		sched = &sampleSchedule{}
		p.schedules[uuid] = sched
	}
	sched.observe(total, now)
}

// forget drops schedules of credentials that are no longer active.
func (p *TrafficPoller) forget(active []model.Credential) {
	keep := make(map[string]struct{}, len(active))
	for _, c := range active {
		keep[c.UUID] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for uuid := range p.schedules {
		if _, ok := keep[uuid]; !ok {
			delete(p.schedules, uuid)
		}
	}
}

func (p *TrafficPoller) prune(ctx context.Context, now time.Time) {
	if p.retention <= 0 {
		return
	}
	n, err := p.store.PruneDaily(ctx, now.Add(-p.retention))
	if err != nil {
		slog.Error("pruning daily traffic failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("pruned daily traffic", "buckets", n)
	}
}

// Schedule returns the sampling schedule of uuid, if it has been sampled.
func (p *TrafficPoller) Schedule(uuid string) (ScheduleInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sched, ok := p.schedules[uuid]
	if !ok {
		return ScheduleInfo{}, false
	}
	return ScheduleInfo{Tier: sched.tier, LastSampled: sched.lastSampled, NextSampleAt: sched.nextSampleAt}, true
}
