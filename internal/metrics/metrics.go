// Package metrics records installer progress in Prometheus form and writes it
// out as a node_exporter textfile next to the disk image.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cochaviz/archbox/internal/console"
	"github.com/cochaviz/archbox/internal/script"
)

const namespace = "archbox"

// Recorder is a console.Observer backed by its own registry, so every session
// exports only its own series.
type Recorder struct {
	registry *prometheus.Registry

	steps           *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	bytesRead       prometheus.Counter
	sessionResult   *prometheus.GaugeVec
	sessionDuration prometheus.Gauge
	lastStep        prometheus.Gauge
}

var _ console.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder whose series carry sessionID as a label.
func NewRecorder(sessionID string) *Recorder {
	labels := prometheus.Labels{"session_id": sessionID}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "install",
				Name:        "steps_total",
				Help:        "Script steps executed by kind",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   "install",
				Name:        "step_duration_seconds",
				Help:        "Duration of script steps in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~43min
			},
			[]string{"kind"},
		),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "install",
			Name:        "console_read_bytes_total",
			Help:        "Bytes read from the serial console",
			ConstLabels: labels,
		}),
		sessionResult: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "install",
				Name:        "session_result",
				Help:        "Set to 1 for the terminal status of the session",
				ConstLabels: labels,
			},
			[]string{"status"},
		),
		sessionDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "install",
			Name:        "session_duration_seconds",
			Help:        "Wall time of the console session",
			ConstLabels: labels,
		}),
		lastStep: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "install",
			Name:        "last_step_index",
			Help:        "Index of the last step the session executed",
			ConstLabels: labels,
		}),
	}

	r.registry.MustRegister(r.steps, r.stepDuration, r.bytesRead, r.sessionResult, r.sessionDuration, r.lastStep)
	return r
}

// Registry exposes the recorder's series.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) StepStarted(index int, _ script.Step) {
	r.lastStep.Set(float64(index))
}

func (r *Recorder) StepFinished(_ int, step script.Step, elapsed time.Duration) {
	kind := step.Kind.String()
	r.steps.WithLabelValues(kind).Inc()
	r.stepDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (r *Recorder) BytesRead(n int) {
	r.bytesRead.Add(float64(n))
}

func (r *Recorder) SessionFinished(result console.Result) {
	for _, status := range []console.Status{console.Completed, console.TimedOut, console.ProcessExited, console.Cancelled} {
		value := 0.0
		if status == result.Status {
			value = 1
		}
		r.sessionResult.WithLabelValues(status.String()).Set(value)
	}
	r.sessionDuration.Set(result.Elapsed.Seconds())
	r.lastStep.Set(float64(result.StepIndex))
}

// WriteTextfile writes every series to path in the text exposition format.
// The file is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
