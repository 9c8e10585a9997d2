package crmsync

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments.
type Metrics struct {
	EventsTotal         *prometheus.CounterVec
	CRMErrorsTotal      *prometheus.CounterVec
	SegmentRepairsTotal prometheus.Counter
	SweepFailuresTotal  prometheus.Counter
	TimelineEventsTotal prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaycrm_events_total",
				Help: "Webhook envelopes processed, by wire type and result status",
			},
			[]string{"type", "status"},
		),
		CRMErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaycrm_crm_errors_total",
				Help: "CRM API failures by taxonomy kind",
			},
			[]string{"kind"},
		),
		SegmentRepairsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaycrm_segment_repairs_total",
				Help: "Stale segment cache entries replaced after a CRM-side miss",
			},
		),
		SweepFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaycrm_sweep_failures_total",
				Help: "Per-space failures swallowed during the membership sweep",
			},
		),
		TimelineEventsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaycrm_timeline_events_total",
				Help: "Activity events forwarded to the CRM timeline",
			},
		),
	}
}

func (m *Metrics) observeSegmentRepair() {
	if m == nil {
		return
	}
	m.SegmentRepairsTotal.Inc()
}

func (m *Metrics) observeSweepFailure() {
	if m == nil {
		return
	}
	m.SweepFailuresTotal.Inc()
}

func (m *Metrics) observeTimelineEvent() {
	if m == nil {
		return
	}
	m.TimelineEventsTotal.Inc()
}

func (m *Metrics) observeEvent(envType, status string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(envType, status).Inc()
}

func (m *Metrics) observeCRMError(err error) {
	if m == nil || err == nil {
		return
	}
	m.CRMErrorsTotal.WithLabelValues(crmErrorKind(err)).Inc()
}

func crmErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "other"
	}
}
