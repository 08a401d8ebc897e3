package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1200}

// Outcome labels a stage result.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Recorder collects stage metrics for one run in a private registry.
type Recorder struct {
	registry      *prometheus.Registry
	stageDuration *prometheus.HistogramVec
	stageResults  *prometheus.CounterVec
	lastSuccess   prometheus.Gauge
}

// NewRecorder registers the run collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vmdeploy",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each deployment stage",
			Buckets:   histogramBuckets,
		}, []string{"stage"}),
		stageResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmdeploy",
			Name:      "stage_results_total",
			Help:      "Number of stage outcomes",
		}, []string{"stage", "outcome"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vmdeploy",
			Name:      "last_run_success",
			Help:      "1 if the last run completed successfully, 0 otherwise",
		}),
	}
	r.registry.MustRegister(r.stageDuration, r.stageResults, r.lastSuccess)
	return r
}

// ObserveStage records the duration and outcome of a stage.
func (r *Recorder) ObserveStage(stage string, duration time.Duration, err error) {
	if r == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	r.stageDuration.With(prometheus.Labels{"stage": stage}).Observe(duration.Seconds())
	r.stageResults.With(prometheus.Labels{"stage": stage, "outcome": outcome}).Inc()
}

// RunFinished records the overall result.
func (r *Recorder) RunFinished(err error) {
	if r == nil {
		return
	}
	if err != nil {
		r.lastSuccess.Set(0)
		return
	}
	r.lastSuccess.Set(1)
}

// Registry exposes the collectors for inspection.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
