// Package metrics exports operational events as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ericfisherdev/vpnpanel/internal/domain/port/driven"
)

const (
	ns = "vpnpanel"

	LabelOp     = "op"
	LabelSource = "source"
)

// Compile-time interface satisfaction check.
var _ driven.Recorder = (*Recorder)(nil)

// Recorder implements driven.Recorder on Prometheus collectors.
type Recorder struct {
	PortsAssigned   prometheus.Counter
	PortsReleased   prometheus.Counter
	PortsUsed       prometheus.Gauge
	ProbeFailures   prometheus.Counter
	LiveApplyErrors *prometheus.CounterVec
	Rollbacks       *prometheus.CounterVec
	TrafficSamples  *prometheus.CounterVec
	TrafficBytes    prometheus.Counter
}

// NewRecorder registers the panel's collectors with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	return &Recorder{
		PortsAssigned: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "assigned_total", Namespace: ns, Subsystem: "ports",
			Help: "The number of ports handed out to credentials.",
		}),
		PortsReleased: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "released_total", Namespace: ns, Subsystem: "ports",
			Help: "The number of ports returned to the pool.",
		}),
		PortsUsed: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "in_use", Namespace: ns, Subsystem: "ports",
			Help: "The number of ports currently assigned.",
		}),
		ProbeFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "probe_failures_total", Namespace: ns, Subsystem: "ports",
			Help: "The number of times the host listening-socket check could not run.",
		}),
		LiveApplyErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "live_apply_failures_total", Namespace: ns, Subsystem: "engine",
			Help: "The number of engine control commands that failed, by operation.",
		}, []string{LabelOp}),
		Rollbacks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "document_rollbacks_total", Namespace: ns, Subsystem: "engine",
			Help: "The number of times the config document was restored after a failed change, by operation.",
		}, []string{LabelOp}),
		TrafficSamples: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "samples_total", Namespace: ns, Subsystem: "traffic",
			Help: "The number of traffic readings accounted, by the source that produced them.",
		}, []string{LabelSource}),
		TrafficBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "accounted_bytes_total", Namespace: ns, Subsystem: "traffic",
			Help: "The number of bytes added to lifetime totals.",
		}),
	}
}

func (r *Recorder) PortAssigned()    { r.PortsAssigned.Inc() }
func (r *Recorder) PortReleased()    { r.PortsReleased.Inc() }
func (r *Recorder) PortsInUse(n int) { r.PortsUsed.Set(float64(n)) }
func (r *Recorder) ProbeFailed()     { r.ProbeFailures.Inc() }

func (r *Recorder) LiveApplyFailed(op string) {
	r.LiveApplyErrors.WithLabelValues(op).Inc()
}

func (r *Recorder) DocumentRolledBack(op string) {
	r.Rollbacks.WithLabelValues(op).Inc()
}

func (r *Recorder) TrafficSampled(source string) {
	r.TrafficSamples.WithLabelValues(source).Inc()
}

func (r *Recorder) TrafficBytesAccounted(n int64) {
	if n > 0 {
		r.TrafficBytes.Add(float64(n))
	}
}
