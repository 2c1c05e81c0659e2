package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "skyevents"

// Collectors groups the service's Prometheus metrics. A nil *Collectors is
// valid and records nothing.
type Collectors struct {
	cacheRequests   *prometheus.CounterVec
	cacheEvictions  prometheus.Counter
	cacheEntries    *prometheus.GaugeVec
	loads           *prometheus.CounterVec
	computeDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Daily result cache lookups by result",
		}, []string{"result"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Date keys evicted from the daily result cache",
		}),
		cacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Date keys currently held by each session's daily result cache",
		}, []string{"session"}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loads_total",
			Help:      "Windowed loads by call shape and outcome",
		}, []string{"shape", "status"}),
		computeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compute_duration_seconds",
			Help:      "Time spent in external computation collaborators",
			Buckets:   prometheus.DefBuckets,
		}, []string{"collaborator"}),
	}
	if reg != nil {
		reg.MustRegister(c.cacheRequests, c.cacheEvictions, c.cacheEntries, c.loads, c.computeDuration)
	}
	return c
}

func (c *Collectors) CacheHit() {
	if c == nil {
		return
	}
	c.cacheRequests.WithLabelValues("hit").Inc()
}

func (c *Collectors) CacheMiss() {
	if c == nil {
		return
	}
	c.cacheRequests.WithLabelValues("miss").Inc()
}

func (c *Collectors) CacheEvicted() {
	if c == nil {
		return
	}
	c.cacheEvictions.Inc()
}

func (c *Collectors) CacheSize(session string, n int) {
	if c == nil {
		return
	}
	c.cacheEntries.WithLabelValues(session).Set(float64(n))
}

// ForgetCache removes the entry gauge of a session that no longer exists.
func (c *Collectors) ForgetCache(session string) {
	if c == nil {
		return
	}
	c.cacheEntries.DeleteLabelValues(session)
}

func (c *Collectors) Load(shape, status string) {
	if c == nil {
		return
	}
	c.loads.WithLabelValues(shape, status).Inc()
}

func (c *Collectors) ObserveCompute(collaborator string, started time.Time) {
	if c == nil {
		return
	}
	c.computeDuration.WithLabelValues(collaborator).Observe(time.Since(started).Seconds())
}
