package imgcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes recorded by Metrics.Deliveries.
const (
	outcomeDelivered  = "delivered"
	outcomeFailed     = "failed"
	outcomeSuperseded = "superseded"
	outcomeCancelled  = "cancelled"
)

// Metrics holds the Prometheus collectors a Loader updates.
type Metrics struct {
	// Requests counts accepted requests by the tier that served them.
	Requests *prometheus.CounterVec
	// Deliveries counts finished tasks by outcome.
	Deliveries *prometheus.CounterVec
	// InFlight is the number of background tasks not yet finished.
	InFlight prometheus.Gauge
	// Queued is the number of requests held while work is paused.
	Queued prometheus.Gauge
	// LoadSeconds observes fetch and decode time per shared load.
	LoadSeconds prometheus.Histogram
	// MemoryEvictions counts memory tier evictions.
	MemoryEvictions prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imgcache",
			Subsystem: "loader",
			Name:      "requests_total",
			Help:      "Accepted load requests by serving tier.",
		}, []string{"source"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imgcache",
			Subsystem: "loader",
			Name:      "tasks_total",
			Help:      "Finished background loads by outcome.",
		}, []string{"outcome"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "imgcache",
			Subsystem: "loader",
			Name:      "tasks_in_flight",
			Help:      "Background loads not yet finished.",
		}),
		Queued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "imgcache",
			Subsystem: "loader",
			Name:      "paused_queue_length",
			Help:      "Requests held until work resumes.",
		}),
		LoadSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "imgcache",
			Subsystem: "loader",
			Name:      "load_duration_seconds",
			Help:      "Time spent reading, fetching and decoding one image.",
			Buckets:   prometheus.DefBuckets,
		}),
		MemoryEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "imgcache",
			Subsystem: "memory",
			Name:      "evictions_total",
			Help:      "Entries evicted from the memory tier.",
		}),
	}
}

// ObserveEviction counts one memory tier eviction. Pass it to
// cache.WithEvictCallback.
func (m *Metrics) ObserveEviction(string) {
	if m != nil {
		m.MemoryEvictions.Inc()
	}
}

func (m *Metrics) request(s Source) {
	if m != nil {
		m.Requests.WithLabelValues(s.String()).Inc()
	}
}

func (m *Metrics) outcome(o string) {
	if m != nil {
		m.Deliveries.WithLabelValues(o).Inc()
	}
}

func (m *Metrics) taskStarted() {
	if m != nil {
		m.InFlight.Inc()
	}
}

func (m *Metrics) taskDone() {
	if m != nil {
		m.InFlight.Dec()
	}
}

func (m *Metrics) queued(n int) {
	if m != nil {
		m.Queued.Set(float64(n))
	}
}

func (m *Metrics) loadSeconds(s float64) {
	if m != nil {
		m.LoadSeconds.Observe(s)
	}
}
