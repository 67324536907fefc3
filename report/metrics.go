package report

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"

	"gitlab.com/useghost/settle/gateway"
)

const namespace = "settle"

// Metrics holds the run counters
type Metrics struct {
	runs          *prometheus.CounterVec
	items         *prometheus.CounterVec
	gatewayErrors *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	lastRun       *prometheus.GaugeVec
}

// NewMetrics creates the run metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs per component, by whether they were interrupted",
		}, []string{"component", "result"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Deposits handled per component and outcome",
		}, []string{"component", "outcome"}),
		gatewayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "item_errors_total",
			Help:      "Per item errors by kind",
		}, []string{"component", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall clock duration of runs",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"component"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_finished_timestamp_seconds",
			Help:      "Unix time the last run of a component finished",
		}, []string{"component"}),
	}
	reg.MustRegister(m.runs, m.items, m.gatewayErrors, m.duration, m.lastRun)
	return m
}

func (m *Metrics) observeRun(component Component, interrupted bool, seconds float64, finished float64) {
	result := "completed"
	if interrupted {
		result = "interrupted"
	}
	m.runs.WithLabelValues(string(component), result).Inc()
	m.duration.WithLabelValues(string(component)).Observe(seconds)
	m.lastRun.WithLabelValues(string(component)).Set(finished)
}

// MetricsSink records runs as prometheus metrics, and pushes them to a
// pushgateway when one is configured. Short lived CLI runs are gone before
// anybody could scrape them
type MetricsSink struct {
	metrics  *Metrics
	gatherer prometheus.Gatherer
	pushURL  string
	job      string
}

var _ Sink = &MetricsSink{}

// NewMetricsSink creates a sink around the metrics. pushURL may be empty
func NewMetricsSink(metrics *Metrics, gatherer prometheus.Gatherer, pushURL string) *MetricsSink {
	return &MetricsSink{
		metrics:  metrics,
		gatherer: gatherer,
		pushURL:  pushURL,
		job:      namespace,
	}
}

func (s *MetricsSink) Run(ctx context.Context, r RunReport) error {
	for _, item := range r.Items {
		s.metrics.items.WithLabelValues(string(ComponentReconcile), string(item.Outcome)).Inc()
		if item.ErrorKind != gateway.KindNone {
			s.metrics.gatewayErrors.WithLabelValues(string(ComponentReconcile), string(item.ErrorKind)).Inc()
		}
	}
	s.metrics.observeRun(ComponentReconcile, r.Interrupted,
		r.Duration().Seconds(), float64(r.FinishedAt.Unix()))
	return s.push(ctx, ComponentReconcile)
}

func (s *MetricsSink) Queue(ctx context.Context, q QueueResult) error {
	for _, res := range q.Results {
		outcome := "failed"
		switch {
		case res.Conflict:
			outcome = "conflict"
		case res.Success:
			outcome = "processed"
		}
		s.metrics.items.WithLabelValues(string(ComponentFallback), outcome).Inc()
		if res.ErrorKind != gateway.KindNone {
			s.metrics.gatewayErrors.WithLabelValues(string(ComponentFallback), string(res.ErrorKind)).Inc()
		}
	}
	s.metrics.observeRun(ComponentFallback, q.Interrupted,
		q.Duration().Seconds(), float64(q.FinishedAt.Unix()))
	return s.push(ctx, ComponentFallback)
}

func (s *MetricsSink) push(ctx context.Context, component Component) error {
	if s.pushURL == "" {
		return nil
	}
	err := push.New(s.pushURL, s.job).
		Gatherer(s.gatherer).
		Grouping("component", string(component)).
		PushContext(ctx)
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"url":       s.pushURL,
			"component": component,
		}).Error("Could not push metrics")
		return errors.Wrap(err, "could not push metrics")
	}
	return nil
}
