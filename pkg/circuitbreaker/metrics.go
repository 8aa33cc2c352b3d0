package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var stateValues = map[State]float64{
	StateClosed:   0,
	StateHalfOpen: 1,
	StateOpen:     2,
}

// collector is nil-safe so a Manager without a registerer records nothing.
type collector struct {
	stateGauge *prometheus.GaugeVec
	rejections *prometheus.CounterVec
}

func newCollector(registerer prometheus.Registerer) *collector {
	factory := promauto.With(registerer)

	return &collector{
		stateGauge: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "runbook_circuit_state",
				Help: "Circuit state per key (0 closed, 1 half-open, 2 open)",
			},
			[]string{"key"},
		),
		rejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runbook_circuit_rejections_total",
				Help: "Calls rejected because the circuit was open",
			},
			[]string{"key"},
		),
	}
}

func (c *collector) state(key string, state State) {
	if c == nil {
		return
	}

	c.stateGauge.WithLabelValues(key).Set(stateValues[state])
}

func (c *collector) rejected(key string) {
	if c == nil {
		return
	}

	c.rejections.WithLabelValues(key).Inc()
}
