// Package metrics exposes RAS activity as Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rasemu"

// Metrics holds the counters of one machine. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	injectionsRequested *prometheus.CounterVec
	injectionsFired     *prometheus.CounterVec
	statusClears        *prometheus.CounterVec
	syncCalls           *prometheus.CounterVec
	errorsReported      *prometheus.CounterVec
}

// New creates the counters and registers them with reg. Passing a private
// registry per machine keeps several machines in one process apart.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		injectionsRequested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "injections_requested_total",
			Help:      "Error injections requested through the register file or the inject API.",
		}, []string{"device"}),
		injectionsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "injections_fired_total",
			Help:      "Injected errors that became valid and were signalled.",
		}, []string{"device", "severity"}),
		statusClears: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_clears_total",
			Help:      "Writes to the clear-status register.",
		}, []string{"device"}),
		syncCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_calls_total",
			Help:      "Synchronize-errors calls from firmware, by result.",
		}, []string{"result"}),
		errorsReported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_reported_total",
			Help:      "Errors forwarded to the reporting sink.",
		}, []string{"component"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.injectionsRequested,
			m.injectionsFired,
			m.statusClears,
			m.syncCalls,
			m.errorsReported,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) InjectionRequested(device string) {
	if m == nil {
		return
	}
	m.injectionsRequested.WithLabelValues(device).Inc()
}

func (m *Metrics) InjectionFired(device, severity string) {
	if m == nil {
		return
	}
	m.injectionsFired.WithLabelValues(device, severity).Inc()
}

func (m *Metrics) StatusCleared(device string) {
	if m == nil {
		return
	}
	m.statusClears.WithLabelValues(device).Inc()
}

// SyncCall records a synchronize-errors call; result is "delivered", "empty"
// or "failed".
func (m *Metrics) SyncCall(result string) {
	if m == nil {
		return
	}
	m.syncCalls.WithLabelValues(result).Inc()
}

func (m *Metrics) ErrorReported(component string) {
	if m == nil {
		return
	}
	m.errorsReported.WithLabelValues(component).Inc()
}
