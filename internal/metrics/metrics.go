// Package metrics records engine counters in Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/reservation-engine/internal/application"
)

const namespace = "reservations"

// Recorder implements application.Metrics over a Prometheus registry.
type Recorder struct {
	registry    *prometheus.Registry
	created     *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	providers   *prometheus.CounterVec
	batchItems  *prometheus.CounterVec
	batchRuns   *prometheus.CounterVec
}

var _ application.Metrics = (*Recorder)(nil)

// NewRecorder registers the engine collectors, plus the Go and process
// collectors, on a fresh registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		registry: registry,
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "created_total",
			Help:      "Reservations created, by origin and initial status.",
		}, []string{"origin", "status"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_rejections_total",
			Help:      "Slot checks that rejected the requested window, by reason.",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Lifecycle status transitions applied.",
		}, []string{"from", "to"}),
		providers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_failures_total",
			Help:      "Failed calls to external collaborators.",
		}, []string{"provider"}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_total",
			Help:      "Items processed by batch operations, by outcome.",
		}, []string{"batch", "outcome"}),
		batchRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_runs_total",
			Help:      "Completed batch operation runs.",
		}, []string{"batch", "had_failures"}),
	}
	registry.MustRegister(
		r.created, r.rejected, r.transitions, r.providers, r.batchItems, r.batchRuns,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) ReservationCreated(origin application.Origin, status application.ReservationStatus) {
	r.created.WithLabelValues(string(origin), string(status)).Inc()
}

func (r *Recorder) SlotRejected(reason string) {
	r.rejected.WithLabelValues(reason).Inc()
}

func (r *Recorder) TransitionApplied(from, to application.ReservationStatus) {
	r.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (r *Recorder) ProviderFailure(provider string) {
	r.providers.WithLabelValues(provider).Inc()
}

func (r *Recorder) BatchCompleted(batch string, succeeded, failed int) {
	r.batchItems.WithLabelValues(batch, "succeeded").Add(float64(succeeded))
	r.batchItems.WithLabelValues(batch, "failed").Add(float64(failed))
	r.batchRuns.WithLabelValues(batch, strconv.FormatBool(failed > 0)).Inc()
}
