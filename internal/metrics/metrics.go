// Package metrics exposes Prometheus collectors for the orchestration core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ananta"

// Metrics holds every collector. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	claims        *prometheus.CounterVec
	completions   *prometheus.CounterVec
	toolsBlocked  *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	poolWait      *prometheus.HistogramVec
	poolInUse     *prometheus.GaugeVec
	archived      prometheus.Counter
	httpRequests  *prometheus.CounterVec
	workersActive prometheus.Gauge

	gatherer prometheus.Gatherer
}

// MustNew registers the collectors with reg and panics on conflict. A nil
// reg uses a fresh registry.
func MustNew(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim attempts by outcome.",
		}, []string{"outcome"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Task completions by final status.",
		}, []string{"status"}),
		toolsBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_blocked_total",
			Help:      "Tool calls blocked by the capability contract or guardrails.",
		}, []string{"reason"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "goal_cache_lookups_total",
			Help:      "Goal cache lookups by result.",
		}, []string{"result"}),
		poolWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_pool_wait_seconds",
			Help:      "Time spent waiting for a model pool slot.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "model"}),
		poolInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_pool_in_use",
			Help:      "Model pool slots currently held.",
		}, []string{"provider", "model"}),
		archived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archived_tasks_total",
			Help:      "Tasks moved to the archive.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Tasks currently being worked by the local scheduler.",
		}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.claims,
		m.completions,
		m.toolsBlocked,
		m.cacheLookups,
		m.poolWait,
		m.poolInUse,
		m.archived,
		m.httpRequests,
		m.workersActive,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// IncClaim counts a claim attempt. outcome is "granted", "replayed" or a
// refusal reason.
func (m *Metrics) IncClaim(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

// IncCompletion counts a completion by final status.
func (m *Metrics) IncCompletion(status string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(status).Inc()
}

// IncToolBlocked counts one blocked tool call.
func (m *Metrics) IncToolBlocked(reason string) {
	if m == nil {
		return
	}
	m.toolsBlocked.WithLabelValues(reason).Inc()
}

// ObserveGoalCacheLookup implements goalcache.Observer.
func (m *Metrics) ObserveGoalCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveModelPoolWait implements modelpool.Observer.
func (m *Metrics) ObserveModelPoolWait(provider, model string, wait time.Duration) {
	if m == nil {
		return
	}
	m.poolWait.WithLabelValues(provider, model).Observe(wait.Seconds())
}

// SetModelPoolInUse implements modelpool.Observer.
func (m *Metrics) SetModelPoolInUse(provider, model string, inUse int) {
	if m == nil {
		return
	}
	m.poolInUse.WithLabelValues(provider, model).Set(float64(inUse))
}

// AddArchived counts archived tasks.
func (m *Metrics) AddArchived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.archived.Add(float64(n))
}

// IncHTTPRequest counts a served request.
func (m *Metrics) IncHTTPRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// SetWorkersActive records the scheduler's active worker count.
func (m *Metrics) SetWorkersActive(n int) {
	if m == nil {
		return
	}
	m.workersActive.Set(float64(n))
}
