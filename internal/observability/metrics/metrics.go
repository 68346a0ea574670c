package metrics

import "github.com/prometheus/client_golang/prometheus"

// CalendarMetrics exposes counters/histograms for booking, sync and background jobs.
type CalendarMetrics struct {
	bookingAttempts *prometheus.CounterVec
	bookingLatency  *prometheus.HistogramVec
	syncRuns        *prometheus.CounterVec
	syncEvents      *prometheus.CounterVec
	outboxJobs      *prometheus.CounterVec
}

func NewCalendarMetrics(reg prometheus.Registerer) *CalendarMetrics {
	m := &CalendarMetrics{
		bookingAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medspa",
			Subsystem: "calendar",
			Name:      "booking_attempts_total",
			Help:      "Booking attempts by distribution strategy and outcome",
		}, []string{"strategy", "outcome"}),
		bookingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "medspa",
			Subsystem: "calendar",
			Name:      "booking_latency_seconds",
			Help:      "Latency of CreateBooking",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medspa",
			Subsystem: "calendar",
			Name:      "sync_runs_total",
			Help:      "External calendar sync runs by mode and outcome",
		}, []string{"mode", "outcome"}),
		syncEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medspa",
			Subsystem: "calendar",
			Name:      "sync_events_total",
			Help:      "External events applied locally by action",
		}, []string{"action"}),
		outboxJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medspa",
			Subsystem: "calendar",
			Name:      "outbox_jobs_total",
			Help:      "Outbox job deliveries by type and outcome",
		}, []string{"type", "outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingAttempts, m.bookingLatency, m.syncRuns, m.syncEvents, m.outboxJobs)
	return m
}

func (m *CalendarMetrics) ObserveBooking(strategy, outcome string, seconds float64) {
	if m == nil {
		return
	}
	if strategy == "" {
		strategy = "explicit"
	}
	m.bookingAttempts.WithLabelValues(strategy, outcome).Inc()
	m.bookingLatency.WithLabelValues(outcome).Observe(seconds)
}

func (m *CalendarMetrics) ObserveSyncRun(mode, outcome string) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(mode, outcome).Inc()
}

func (m *CalendarMetrics) AddSyncEvents(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.syncEvents.WithLabelValues(action).Add(float64(n))
}

func (m *CalendarMetrics) ObserveJob(jobType, outcome string) {
	if m == nil {
		return
	}
	m.outboxJobs.WithLabelValues(jobType, outcome).Inc()
}
