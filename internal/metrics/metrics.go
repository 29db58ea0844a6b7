// Package metrics exposes conductor counters as Prometheus metrics. Event
// buses feed the counters; queue and concurrency gauges read the manager
// snapshot on scrape.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/internal/automation"
	"conductor/internal/batch"
	"conductor/internal/lifecycle"
)

// Sink owns the Prometheus registry and the collectors fed from the
// conductor event buses.
type Sink struct {
	registry *prometheus.Registry

	operationsQueued    prometheus.Counter
	operationsCompleted *prometheus.CounterVec
	stateTransitions    *prometheus.CounterVec
	rollbacks           prometheus.Counter

	batchExecutions *prometheus.CounterVec
	batchItems      *prometheus.CounterVec

	automationExecutions *prometheus.CounterVec
	automationDropped    prometheus.Counter
}

// NewSink builds a sink with its own registry. Manager gauges (queue
// depth, active operations) are registered against the given manager and
// evaluated on scrape.
func NewSink(manager *lifecycle.Manager) *Sink {
	registry := prometheus.NewRegistry()

	s := &Sink{
		registry: registry,
		operationsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_operations_queued_total",
			Help: "Lifecycle operations accepted into the queue.",
		}),
		operationsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_operations_completed_total",
			Help: "Lifecycle operations finished, by outcome.",
		}, []string{"outcome"}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_state_transitions_total",
			Help: "Instance state transitions, by resulting state.",
		}, []string{"to"}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_rollbacks_total",
			Help: "Compensating rollbacks triggered.",
		}),
		batchExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_batch_executions_total",
			Help: "Batch executions finished, by outcome.",
		}, []string{"outcome"}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_batch_items_total",
			Help: "Batch items finished, by outcome.",
		}, []string{"outcome"}),
		automationExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_automation_executions_total",
			Help: "Automation rule executions finished, by outcome.",
		}, []string{"outcome"}),
		automationDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_automation_dropped_total",
			Help: "Automation triggers dropped by rule limits.",
		}),
	}

	registry.MustRegister(
		s.operationsQueued,
		s.operationsCompleted,
		s.stateTransitions,
		s.rollbacks,
		s.batchExecutions,
		s.batchItems,
		s.automationExecutions,
		s.automationDropped,
	)

	if manager != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "conductor_queue_depth",
			Help: "Lifecycle operations waiting in the queue.",
		}, func() float64 {
			return float64(manager.GetMetrics().QueueSize)
		}))
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "conductor_active_operations",
			Help: "Lifecycle operations currently executing.",
		}, func() float64 {
			return float64(manager.GetMetrics().ActiveOperations)
		}))
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "conductor_operation_duration_average_seconds",
			Help: "Running average duration of completed operations.",
		}, func() float64 {
			return manager.GetMetrics().AverageDuration.Seconds()
		}))
	}

	return s
}

// Handler serves the registry in the Prometheus text format.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (s *Sink) Registry() *prometheus.Registry { return s.registry }

// ConsumeLifecycle drains a lifecycle event subscription into the
// counters. It returns when the channel closes.
func (s *Sink) ConsumeLifecycle(events <-chan lifecycle.Event) {
	for event := range events {
		switch event.Type {
		case lifecycle.EventOperationQueued:
			s.operationsQueued.Inc()
		case lifecycle.EventOperationCompleted:
			outcome := "failure"
			if event.Success {
				outcome = "success"
			}
			s.operationsCompleted.WithLabelValues(outcome).Inc()
		case lifecycle.EventStateTransition:
			s.stateTransitions.WithLabelValues(string(event.ToState)).Inc()
		case lifecycle.EventRollbackTriggered:
			s.rollbacks.Inc()
		}
	}
}

// ConsumeBatch drains a batch event subscription into the counters.
func (s *Sink) ConsumeBatch(events <-chan batch.Event) {
	for event := range events {
		switch event.Type {
		case batch.EventExecutionCompleted:
			outcome := "failure"
			if event.Success {
				outcome = "success"
			}
			s.batchExecutions.WithLabelValues(outcome).Inc()
		case batch.EventItemCompleted:
			outcome := "failure"
			if event.Success {
				outcome = "success"
			}
			s.batchItems.WithLabelValues(outcome).Inc()
		}
	}
}

// ConsumeAutomation drains an automation engine event subscription.
func (s *Sink) ConsumeAutomation(events <-chan automation.EngineEvent) {
	for event := range events {
		switch event.Type {
		case automation.EventExecutionCompleted:
			outcome := "failure"
			if event.Success {
				outcome = "success"
			}
			s.automationExecutions.WithLabelValues(outcome).Inc()
		case automation.EventExecutionDropped:
			s.automationDropped.Inc()
		}
	}
}
