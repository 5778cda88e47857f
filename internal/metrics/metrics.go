// Package metrics 业务与 HTTP 指标，每个 Collector 使用独立 registry，测试里可以随意新建。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "homework"

// 拒绝原因
const (
	ReasonAlreadyVoted    = "already_voted"
	ReasonVoteNotFound    = "vote_not_found"
	ReasonQuestionMissing = "question_not_found"
	ReasonStoreFailure    = "store_failure"
)

type Collector struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	VotesCast           prometheus.Counter
	VotesRetracted      prometheus.Counter
	VoteRejections      *prometheus.CounterVec
	InvariantViolations *prometheus.CounterVec

	ReconcileRuns        prometheus.Counter
	ReconcileCorrections prometheus.Counter

	AnswerCacheHits   prometheus.Counter
	AnswerCacheMisses prometheus.Counter
	AnswerRequests    *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		VotesCast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_cast_total",
			Help:      "Total number of accepted upvotes",
		}),
		VotesRetracted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_retracted_total",
			Help:      "Total number of retracted upvotes",
		}),
		VoteRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vote_rejections_total",
			Help:      "Vote operations that did not change the counter, by reason",
		}, []string{"reason"}),
		InvariantViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Detected data invariant violations",
		}, []string{"invariant"}),
		ReconcileRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Total number of counter reconciliation runs",
		}),
		ReconcileCorrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_corrections_total",
			Help:      "Questions whose upvote counter was corrected from the vote ledger",
		}),
		AnswerCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answer_cache_hits_total",
			Help:      "AI answer cache hits",
		}),
		AnswerCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answer_cache_misses_total",
			Help:      "AI answer cache misses",
		}),
		AnswerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answer_requests_total",
			Help:      "AI answer upstream requests by outcome",
		}, []string{"outcome"}),
	}

	c.registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.VotesCast,
		c.VotesRetracted,
		c.VoteRejections,
		c.InvariantViolations,
		c.ReconcileRuns,
		c.ReconcileCorrections,
		c.AnswerCacheHits,
		c.AnswerCacheMisses,
		c.AnswerRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler 暴露本 Collector 的 registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
