package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Scheduling exposes counters and histograms for booking and generation
// flows. A nil *Scheduling is valid and records nothing.
type Scheduling struct {
	bookingsTotal    *prometheus.CounterVec
	bookingLatency   prometheus.Histogram
	lockWait         prometheus.Histogram
	slotsGenerated   prometheus.Counter
	datesSkipped     prometheus.Counter
	transitionsTotal *prometheus.CounterVec
	cancellations    *prometheus.CounterVec
	driftRepaired    prometheus.Counter
	driftOrphaned    prometheus.Gauge
}

func NewScheduling(reg prometheus.Registerer) *Scheduling {
	m := &Scheduling{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consultation",
			Subsystem: "booking",
			Name:      "attempts_total",
			Help:      "Booking attempts by outcome (success, not_found, invalid, conflict, transient, internal).",
		}, []string{"outcome"}),
		bookingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "consultation",
			Subsystem: "booking",
			Name:      "duration_seconds",
			Help:      "End to end latency of a booking attempt.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "consultation",
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a slot lock.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3},
		}),
		slotsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "consultation",
			Subsystem: "generation",
			Name:      "slots_created_total",
			Help:      "Slots persisted by the generator.",
		}),
		datesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "consultation",
			Subsystem: "generation",
			Name:      "dates_skipped_total",
			Help:      "Dates skipped because they are non-working or already configured.",
		}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consultation",
			Subsystem: "appointment",
			Name:      "transitions_total",
			Help:      "Appointment status transitions by target status.",
		}, []string{"status"}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consultation",
			Subsystem: "appointment",
			Name:      "cancellations_total",
			Help:      "Cancellations by path (admin, patient, token).",
		}, []string{"path"}),
		driftRepaired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "consultation",
			Subsystem: "reconcile",
			Name:      "slots_repaired_total",
			Help:      "Available slots found with an active appointment and flipped to claimed.",
		}),
		driftOrphaned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "consultation",
			Subsystem: "reconcile",
			Name:      "claimed_without_appointment",
			Help:      "Claimed slots without an active appointment at the last run.",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.bookingsTotal, m.bookingLatency, m.lockWait,
		m.slotsGenerated, m.datesSkipped,
		m.transitionsTotal, m.cancellations,
		m.driftRepaired, m.driftOrphaned,
	)
	return m
}

func (m *Scheduling) ObserveBooking(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
	m.bookingLatency.Observe(d.Seconds())
}

func (m *Scheduling) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *Scheduling) ObserveGeneration(created, skipped int) {
	if m == nil {
		return
	}
	m.slotsGenerated.Add(float64(created))
	m.datesSkipped.Add(float64(skipped))
}

func (m *Scheduling) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(status).Inc()
}

func (m *Scheduling) ObserveCancellation(path string) {
	if m == nil {
		return
	}
	m.cancellations.WithLabelValues(path).Inc()
}

func (m *Scheduling) ObserveReconcile(repaired, orphaned int) {
	if m == nil {
		return
	}
	m.driftRepaired.Add(float64(repaired))
	m.driftOrphaned.Set(float64(orphaned))
}

func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
