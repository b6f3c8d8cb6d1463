// Package metrics exposes scheduler and LLM activity as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"medi/internal/audit"
	"medi/internal/batch"
	"medi/internal/llm"
	"medi/internal/mcq"
)

var laneStatuses = []batch.LaneStatus{batch.LaneIdle, batch.LaneBusy, batch.LaneCooldown}

// Collector implements batch.Observer.
type Collector struct {
	lanes      *prometheus.GaugeVec
	jobs       *prometheus.CounterVec
	retries    prometheus.Counter
	rateLimits prometheus.Counter
	llmLatency *prometheus.HistogramVec
	auditItems *prometheus.CounterVec
}

// NewCollector creates the collectors and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		lanes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "medi_lanes",
			Help: "Number of lanes in each status",
		}, []string{"status"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medi_jobs_total",
			Help: "Jobs that reached a terminal status",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medi_job_retries_total",
			Help: "Failed attempts that were scheduled for retry",
		}),
		rateLimits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medi_rate_limits_total",
			Help: "Attempts that failed on the backend rate limit",
		}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medi_llm_request_seconds",
			Help:    "LLM request latency in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"provider", "outcome"}),
		auditItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medi_audit_items_total",
			Help: "Audited items by verdict",
		}, []string{"status"}),
	}
	reg.MustRegister(c.lanes, c.jobs, c.retries, c.rateLimits, c.llmLatency, c.auditItems)
	return c
}

func (c *Collector) LanesChanged(lanes []batch.Lane) {
	counts := make(map[batch.LaneStatus]int, len(laneStatuses))
	for _, l := range lanes {
		counts[l.Status]++
	}
	for _, s := range laneStatuses {
		c.lanes.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (c *Collector) JobRetrying(_ batch.Job, rateLimited bool) {
	c.retries.Inc()
	if rateLimited {
		c.rateLimits.Inc()
	}
}

func (c *Collector) JobFinished(job batch.Job) {
	c.jobs.WithLabelValues(string(job.Status)).Inc()
}

func (c *Collector) BatchFinished(res audit.Result) {
	c.auditItems.WithLabelValues(string(mcq.AuditPass)).Add(float64(res.Passed))
	c.auditItems.WithLabelValues(string(mcq.AuditWarning)).Add(float64(res.Warnings))
	c.auditItems.WithLabelValues(string(mcq.AuditFail)).Add(float64(res.Failed))
}

// Wrap returns p with every Generate call timed into
// medi_llm_request_seconds.
func (c *Collector) Wrap(p llm.Provider) llm.Provider {
	return &timedProvider{Provider: p, hist: c.llmLatency}
}

type timedProvider struct {
	llm.Provider
	hist *prometheus.HistogramVec
}

func (t *timedProvider) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	start := time.Now()
	resp, err := t.Provider.Generate(ctx, req)
	outcome := "ok"
	switch {
	case llm.IsRateLimit(err):
		outcome = "rate_limited"
	case err != nil:
		outcome = "error"
	}
	t.hist.WithLabelValues(t.Name(), outcome).Observe(time.Since(start).Seconds())
	return resp, err
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
