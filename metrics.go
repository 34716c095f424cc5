package ae

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//////
// Loop instrumentation.
//////

// loopMetrics instruments the autonomous loop. With a nil registerer the
// collectors are created but registered nowhere, keeping instrumentation
// optional.
type loopMetrics struct {
	iterations   prometheus.Counter
	measurements prometheus.Gauge
	retrainings  *prometheus.CounterVec
	recovered    prometheus.Counter
	uncertainty  prometheus.Gauge
}

func newLoopMetrics(reg prometheus.Registerer) *loopMetrics {
	factory := promauto.With(reg)

	return &loopMetrics{
		iterations: factory.NewCounter(prometheus.CounterOpts{
			Name: "ae_loop_iterations_total",
			Help: "Completed autonomous loop iterations.",
		}),
		measurements: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ae_measurements",
			Help: "Measurements accumulated in the dataset.",
		}),
		retrainings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ae_retrainings_total",
			Help: "Hyperparameter retraining runs by method.",
		}, []string{"method"}),
		recovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "ae_recovered_failures_total",
			Help: "Records containing NaN recovered by dataset cleaning.",
		}),
		uncertainty: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ae_uncertainty",
			Help: "Maximum posterior standard deviation at the latest suggested positions.",
		}),
	}
}
