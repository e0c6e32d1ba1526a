// Package metrics exposes stage-duration and token-usage observability
// for the orchestrator through an injected prometheus.Registerer
// (SPEC_FULL.md §10/§11): a nil registerer makes every recording call a
// no-op rather than requiring every caller to nil-check. Metric naming
// and bucket choices follow jeeves-core's
// coreengine/observability package, adapted from its global
// promauto-registered vars to an instance constructed and registered
// once at startup, since the pipeline orchestrator has no single global
// registry of its own to lean on.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder records stage durations and token usage. The zero value is
// not usable directly; construct with New.
type Recorder struct {
	stageDuration *prometheus.HistogramVec
	stageTotal    *prometheus.CounterVec
	tokensTotal   *prometheus.CounterVec
}

// New constructs a Recorder and registers its collectors with reg. reg
// may be nil, in which case the returned Recorder silently discards every
// recording (ambient observability must never be load-bearing for
// correctness).
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Stage execution duration in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 900},
		}, []string{"pipeline", "stage", "status"}),
		stageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_stage_executions_total",
			Help: "Total stage executions by terminal status.",
		}, []string{"pipeline", "stage", "status"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_tokens_total",
			Help: "Total tokens consumed by stage executions.",
		}, []string{"pipeline", "stage", "kind"}),
	}

	if reg == nil {
		return r
	}
	// Registration failures (e.g. a duplicate name on a shared registry)
	// are swallowed: losing metrics is never a reason to fail startup.
	_ = reg.Register(r.stageDuration)
	_ = reg.Register(r.stageTotal)
	_ = reg.Register(r.tokensTotal)
	return r
}

// ObserveStage records a completed stage's duration and terminal status.
func (r *Recorder) ObserveStage(pipeline, stage, status string, seconds float64) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(pipeline, stage, status).Observe(seconds)
	r.stageTotal.WithLabelValues(pipeline, stage, status).Inc()
}

// AddTokens records a token count of the given kind ("input", "output",
// "cache_creation", "cache_read", "thinking") for one stage.
func (r *Recorder) AddTokens(pipeline, stage, kind string, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.tokensTotal.WithLabelValues(pipeline, stage, kind).Add(float64(count))
}
