package model

import "time"

// RawSnapshot is the last cumulative byte count seen from a fallback source.
type RawSnapshot struct {
	Bytes int64
	At    time.Time
}

// CounterSnapshot is the last uplink/downlink pair seen from the engine's
// per-user counters.
type CounterSnapshot struct {
	Uplink   int64
	Downlink int64
	At       time.Time
}

// TrafficEntry accumulates the lifetime byte total of one credential.
// TotalBytes never decreases except through an explicit reset.
type TrafficEntry struct {
	UUID        string
	KeyName     string
	Port        int
	TotalBytes  int64
	LastRaw     *RawSnapshot
	LastCounter *CounterSnapshot
	LastSource  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RawSample is a cumulative byte count supplied by a caller or a fallback
// estimator. It carries no direction information.
type RawSample struct {
	TotalBytes int64
	At         time.Time
}

// SampleKind distinguishes directional engine counters from cumulative estimates.
type SampleKind string

const (
	SampleDirectional SampleKind = "directional"
	SampleCumulative  SampleKind = "cumulative"
)

// TrafficSample is a point-in-time reading returned by a counter source.
type TrafficSample struct {
	Kind     SampleKind
	Uplink   int64 // Directional only.
	Downlink int64 // Directional only.
	Total    int64 // Cumulative only.
	Source   string
	At       time.Time
}

// TrafficUpdate is the persisted outcome of one accounting step.
type TrafficUpdate struct {
	UUID        string
	KeyName     string
	Port        int
	Delta       int64
	Source      string
	LastRaw     *RawSnapshot
	LastCounter *CounterSnapshot
	At          time.Time
}

// DailyTraffic is the byte total accounted to a credential on one UTC day.
type DailyTraffic struct {
	Day   string // YYYY-MM-DD
	Bytes int64
}

// MonthlyTraffic aggregates daily buckets for one calendar month.
type MonthlyTraffic struct {
	UUID       string
	YearMonth  string // YYYY-MM
	TotalBytes int64
	Days       []DailyTraffic
}
