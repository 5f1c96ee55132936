/**
 * @description
 * Prometheus collectors for the review workflow. ReviewMetrics implements
 * review.Observer so every controller reports its transitions here.
 *
 * @dependencies
 * - github.com/prometheus/client_golang: Collectors and registration.
 */

package metrics

import (
	"time"

	"github.com/finforte/deposit-review-service/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "deposit_review"

// ReviewMetrics holds the service collectors.
type ReviewMetrics struct {
	transitionsTotal   *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	staleResultsTotal  *prometheus.CounterVec
	openSessions       prometheus.Gauge
	rateLimitedTotal   prometheus.Counter
	eventsPublished    *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *ReviewMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &ReviewMetrics{
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of completed deposit status transitions",
			},
			[]string{"target", "outcome"},
		),
		transitionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transition_duration_seconds",
				Help:      "Duration of remote deposit status update calls",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
			},
			[]string{"target"},
		),
		staleResultsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_results_total",
				Help:      "Transition results discarded because their review session was closed",
			},
			[]string{"target"},
		),
		openSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_sessions",
				Help:      "Number of open review sessions",
			},
		),
		rateLimitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Transition requests refused by the operator rate limit",
			},
		),
		eventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Review-closed events handed to the event producer",
			},
			[]string{"result"},
		),
	}
}

func (m *ReviewMetrics) TransitionCompleted(target domain.DepositStatus, outcome domain.Outcome, elapsed time.Duration) {
	m.transitionsTotal.WithLabelValues(string(target), string(outcome.Kind)).Inc()
	m.transitionDuration.WithLabelValues(string(target)).Observe(elapsed.Seconds())
}

func (m *ReviewMetrics) StaleResultDiscarded(target domain.DepositStatus) {
	m.staleResultsTotal.WithLabelValues(string(target)).Inc()
}

func (m *ReviewMetrics) SessionOpened() { m.openSessions.Inc() }

func (m *ReviewMetrics) SessionClosed() { m.openSessions.Dec() }

func (m *ReviewMetrics) TransitionRateLimited() { m.rateLimitedTotal.Inc() }

// EventPublished records a publish attempt; err == nil counts as success.
func (m *ReviewMetrics) EventPublished(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.eventsPublished.WithLabelValues(result).Inc()
}
