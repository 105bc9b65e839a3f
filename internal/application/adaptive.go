package application

import (
	"time"
)

// ActivityTier classifies how often a credential's traffic is re-sampled,
// based on how recently its total last grew.
type ActivityTier int

const (
	// TierHot indicates traffic within the last hour. Samples every minute.
	TierHot ActivityTier = iota
	// TierActive indicates traffic within the last day. Samples every 5 minutes.
	TierActive
	// TierWarm indicates traffic within the last 7 days. Samples every 15 minutes.
	TierWarm
	// TierIdle indicates no traffic for 7+ days. Samples every 30 minutes.
	TierIdle
)

// Sampling intervals per activity tier.
const (
	intervalHot    = 1 * time.Minute
	intervalActive = 5 * time.Minute
	intervalWarm   = 15 * time.Minute
	intervalIdle   = 30 * time.Minute
)

// String returns a human-readable name for the activity tier.
func (t ActivityTier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierActive:
		return "active"
	case TierWarm:
		return "warm"
	case TierIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// tierInterval returns the sampling interval for the given activity tier.
func tierInterval(tier ActivityTier) time.Duration {
	switch tier {
	case TierHot:
		return intervalHot
	case TierActive:
		return intervalActive
	case TierWarm:
		return intervalWarm
	case TierIdle:
		return intervalIdle
	default:
		return intervalActive
	}
}

// classifyActivity determines the activity tier from the time the
// credential's total last grew. A zero-value time is treated as TierIdle.
func classifyActivity(lastGrowth, now time.Time) ActivityTier {
	if lastGrowth.IsZero() {
		return TierIdle
	}

	elapsed := now.Sub(lastGrowth)

	switch {
	case elapsed < 1*time.Hour:
		return TierHot
	case elapsed < 24*time.Hour:
		return TierActive
	case elapsed < 7*24*time.Hour:
		return TierWarm
	default:
		return TierIdle
	}
}

// sampleSchedule tracks per-credential adaptive sampling state.
type sampleSchedule struct {
	tier         ActivityTier
	lastTotal    int64
	lastGrowth   time.Time
	lastSampled  time.Time
	nextSampleAt time.Time
}

// observe records a sample result and plans the next sample.
func (s *sampleSchedule) observe(total int64, now time.Time) {
	if total > s.lastTotal || (s.lastSampled.IsZero() && total > 0) {
		s.lastGrowth = now
	}
	s.lastTotal = total
	s.lastSampled = now
	s.tier = classifyActivity(s.lastGrowth, now)
	s.nextSampleAt = now.Add(tierInterval(s.tier))
}

// due reports whether the credential should be sampled at now.
func (s *sampleSchedule) due(now time.Time) bool {
	return !now.Before(s.nextSampleAt)
}

// ScheduleInfo is an exported view of a credential's sampling schedule,
// used for observability and testing.
type ScheduleInfo struct {
	Tier         ActivityTier
	LastSampled  time.Time
	NextSampleAt time.Time
}
