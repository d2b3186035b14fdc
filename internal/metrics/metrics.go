package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the realtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Labels: authenticated (true|false)
	Connections *prometheus.GaugeVec

	// Labels: event_type
	EventsPublished *prometheus.CounterVec

	// Events dropped by the tenant feature gate. Labels: event_type
	EventsSuppressed *prometheus.CounterVec

	// Labels: result (ok|error)
	Deliveries *prometheus.CounterVec

	// Labels: kind (record|online), action (joined|left|online|offline)
	PresenceChanges *prometheus.CounterVec

	// Labels: status (ok|error)
	WatcherScans *prometheus.CounterVec

	WatcherEmitted prometheus.Counter
}

// New registers the collectors with reg; nil means the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crmrt_connections",
			Help: "Live realtime connections",
		}, []string{"authenticated"}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmrt_events_published_total",
			Help: "Envelopes built for fan-out by event type",
		}, []string{"event_type"}),
		EventsSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmrt_events_suppressed_total",
			Help: "Events dropped by the realtime feature gate",
		}, []string{"event_type"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmrt_deliveries_total",
			Help: "Per-connection envelope deliveries by result",
		}, []string{"result"}),
		PresenceChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmrt_presence_changes_total",
			Help: "Presence transitions broadcast to clients",
		}, []string{"kind", "action"}),
		WatcherScans: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmrt_watcher_scans_total",
			Help: "Change detector scans by status",
		}, []string{"status"}),
		WatcherEmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "crmrt_watcher_events_total",
			Help: "Events emitted by the change detector",
		}),
	}
}

func (m *Metrics) ConnOpened(authenticated bool) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(boolLabel(authenticated)).Inc()
}

func (m *Metrics) ConnClosed(authenticated bool) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(boolLabel(authenticated)).Dec()
}

func (m *Metrics) Published(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) Suppressed(eventType string) {
	if m == nil {
		return
	}
	m.EventsSuppressed.WithLabelValues(eventType).Inc()
}

func (m *Metrics) Delivered(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.Deliveries.WithLabelValues("error").Inc()
		return
	}
	m.Deliveries.WithLabelValues("ok").Inc()
}

func (m *Metrics) Presence(kind, action string) {
	if m == nil {
		return
	}
	m.PresenceChanges.WithLabelValues(kind, action).Inc()
}

func (m *Metrics) Scan(err error, emitted int) {
	if m == nil {
		return
	}
	if err != nil {
		m.WatcherScans.WithLabelValues("error").Inc()
		return
	}
	m.WatcherScans.WithLabelValues("ok").Inc()
	m.WatcherEmitted.Add(float64(emitted))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
