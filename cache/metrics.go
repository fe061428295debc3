package cache

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by every Cache of a process.
// Series are labelled by namespace.
type Metrics struct {
	hits    *prometheus.CounterVec
	misses  *prometheus.CounterVec
	sets    *prometheus.CounterVec
	deletes *prometheus.CounterVec
	errors  *prometheus.CounterVec
}

// NewMetrics creates the cache collectors and registers them with reg. A nil
// registerer leaves them unregistered, which is handy in tests.
// Collectors already present in reg are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ncache",
			Subsystem: "cache",
			Name:      name,
			Help:      help,
		}, []string{"namespace"})
	}
	m := &Metrics{
		hits:    counter("hits_total", "Total number of cache hits"),
		misses:  counter("misses_total", "Total number of cache misses, expired reads included"),
		sets:    counter("sets_total", "Total number of cache set operations"),
		deletes: counter("deletes_total", "Total number of cache delete operations"),
		errors:  counter("errors_total", "Total number of failed backend operations"),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []**prometheus.CounterVec{&m.hits, &m.misses, &m.sets, &m.deletes, &m.errors} {
		if err := reg.Register(*c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
			existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				return nil, err
			}
			*c = existing
		}
	}
	return m, nil
}

func (m *Metrics) hit(ns string) {
	if m != nil {
		m.hits.WithLabelValues(ns).Inc()
	}
}

func (m *Metrics) miss(ns string) {
	if m != nil {
		m.misses.WithLabelValues(ns).Inc()
	}
}

func (m *Metrics) set(ns string) {
	if m != nil {
		m.sets.WithLabelValues(ns).Inc()
	}
}

func (m *Metrics) delete(ns string) {
	if m != nil {
		m.deletes.WithLabelValues(ns).Inc()
	}
}

func (m *Metrics) failure(ns string) {
	if m != nil {
		m.errors.WithLabelValues(ns).Inc()
	}
}
