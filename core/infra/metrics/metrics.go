package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters and histograms for the governance pipeline.
type Metrics interface {
	IncClausesReceived(regulation string)
	IncAssessments(severity string)
	IncProposals(status string)
	IncDecisions(decision string)
	ObservePipelineDuration(stage string, durationSeconds float64)
}

// GatewayMetrics captures request metrics for the API gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncClausesReceived(string)                {}
func (Noop) IncAssessments(string)                    {}
func (Noop) IncProposals(string)                      {}
func (Noop) IncDecisions(string)                      {}
func (Noop) ObservePipelineDuration(string, float64)  {}

// NoopGateway implements GatewayMetrics without emitting anything.
type NoopGateway struct{}

func (NoopGateway) ObserveRequest(string, string, string, float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	clausesReceived *prometheus.CounterVec
	assessments     *prometheus.CounterVec
	proposals       *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	once            sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		clausesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clauses_received_total",
			Help:      "Regulation clauses received by regulation id",
		}, []string{"regulation"}),
		assessments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "impact_assessments_total",
			Help:      "Impact assessments emitted by severity",
		}, []string{"severity"}),
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_total",
			Help:      "Proposals by lifecycle status",
		}, []string{"status"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "review_decisions_total",
			Help:      "Human review decisions by outcome",
		}, []string{"decision"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Pipeline stage latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.clausesReceived, p.assessments, p.proposals, p.decisions, p.stageDuration)
	})
}

func (p *Prom) IncClausesReceived(regulation string) {
	p.clausesReceived.WithLabelValues(regulation).Inc()
}

func (p *Prom) IncAssessments(severity string) {
	p.assessments.WithLabelValues(severity).Inc()
}

func (p *Prom) IncProposals(status string) {
	p.proposals.WithLabelValues(status).Inc()
}

func (p *Prom) IncDecisions(decision string) {
	p.decisions.WithLabelValues(decision).Inc()
}

func (p *Prom) ObservePipelineDuration(stage string, durationSeconds float64) {
	p.stageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters and histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.register()
	return g
}

func (g *gatewayProm) register() {
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
