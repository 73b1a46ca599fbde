package metrics

import "github.com/prometheus/client_golang/prometheus"

// Pipeline counts provisioning step and run outcomes as they happen.
type Pipeline struct {
	steps    *prometheus.CounterVec
	runs     *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewPipeline creates the pipeline metrics and registers them with reg.
func NewPipeline(reg prometheus.Registerer) (*Pipeline, error) {
	p := &Pipeline{
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "provisioner_steps_total",
			Help: "Provisioning steps finished, by step and status",
		}, []string{"step", "status"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "provisioner_runs_total",
			Help: "Provisioning runs finished, by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "provisioner_run_duration_seconds",
			Help:    "Wall time of a provisioning run",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
	for _, c := range []prometheus.Collector{p.steps, p.runs, p.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pipeline) StepFinished(step, status string) {
	p.steps.WithLabelValues(step, status).Inc()
}

func (p *Pipeline) RunFinished(outcome string, seconds float64) {
	p.runs.WithLabelValues(outcome).Inc()
	p.duration.Observe(seconds)
}
