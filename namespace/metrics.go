package namespace

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

func newActiveGauge(reg prometheus.Registerer) (prometheus.Gauge, error) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ncache",
		Subsystem: "namespace",
		Name:      "active",
		Help:      "Number of namespaces active in this process",
	})
	if reg == nil {
		return g, nil
	}
	if err := reg.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return g, nil
}
