// Package lifecycle implements the operation manager at the center of the
// control plane. Requests enter a FIFO queue, pass admission policy, wait
// for their declared operation dependencies, and execute against the state
// machine and the plugin runtime under a bounded concurrency limit.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"conductor/internal/api"
	"conductor/internal/bus"
	"conductor/internal/dependency"
	"conductor/internal/policy"
	"conductor/internal/runtime"
	"conductor/internal/statemachine"
	"conductor/pkg/logging"
)

// Config tunes the manager.
type Config struct {
	// ConcurrentOperations bounds how many operations execute at once.
	ConcurrentOperations int

	// DefaultTimeout applies to requests without an explicit timeout.
	DefaultTimeout time.Duration

	// HistoryLimit bounds the retained terminal results.
	HistoryLimit int

	// GracePeriod keeps a terminal operation in the active set before it
	// moves to history, so late status queries still see it.
	GracePeriod time.Duration

	// MetricsInterval drives the periodic queue/active-count sampler.
	MetricsInterval time.Duration
}

// DefaultConfig returns the manager defaults.
func DefaultConfig() Config {
	return Config{
		ConcurrentOperations: 10,
		DefaultTimeout:       2 * time.Minute,
		HistoryLimit:         500,
		GracePeriod:          5 * time.Second,
		MetricsInterval:      10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.ConcurrentOperations <= 0 {
		c.ConcurrentOperations = def.ConcurrentOperations
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	if c.GracePeriod < 0 {
		c.GracePeriod = def.GracePeriod
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = def.MetricsInterval
	}
}

// operationContext is the manager's record of one in-flight operation.
type operationContext struct {
	mu      sync.Mutex
	request Request
	result  *Result
	cancel  context.CancelFunc

	// cancelled distinguishes explicit cancellation from a timeout when
	// the execution context is torn down.
	cancelled bool

	// done closes when the operation reaches a terminal status. Dependent
	// operations block on it instead of polling.
	done chan struct{}
}

func (oc *operationContext) snapshot() Result {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return *oc.result
}

// Manager owns the operation queue and worker pool.
type Manager struct {
	config   Config
	machine  *statemachine.Machine
	graph    *dependency.Graph
	policies *policy.Engine
	runtime  runtime.PluginRuntime
	batches  BatchExecutor

	mu     sync.Mutex
	queue  []Request
	active map[string]*operationContext
	// seen holds every id ever queued, to enforce uniqueness cheaply.
	seen map[string]bool
	wake chan struct{}

	historyMu sync.RWMutex
	history   []Result

	sem    *semaphore.Weighted
	events *bus.Bus[Event]

	metricsMu sync.Mutex
	metrics   Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires a manager against its collaborators. Call Start before
// queueing operations.
func NewManager(cfg Config, machine *statemachine.Machine, graph *dependency.Graph, policies *policy.Engine, rt runtime.PluginRuntime) *Manager {
	cfg.applyDefaults()
	return &Manager{
		config:   cfg,
		machine:  machine,
		graph:    graph,
		policies: policies,
		runtime:  rt,
		active:   make(map[string]*operationContext),
		seen:     make(map[string]bool),
		wake:     make(chan struct{}, 1),
		sem:      semaphore.NewWeighted(int64(cfg.ConcurrentOperations)),
		events:   bus.New[Event](),
		metrics:  Metrics{OperationsByKind: make(map[OperationKind]uint64)},
	}
}

// Start launches the queue processor and the metrics sampler.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(2)
	go m.runQueue()
	go m.runMetricsSampler()

	logging.Info("Lifecycle", "Manager started (concurrency limit: %d)", m.config.ConcurrentOperations)
}

// Stop cancels the worker loop and all in-flight operations, then waits
// for the background tasks to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.events.Close()
	logging.Info("Lifecycle", "Manager stopped")
}

// QueueOperation validates id uniqueness, enqueues the request, and
// returns its operation id immediately. Completion is observed via
// GetOperationStatus, WaitForOperation, or the event stream.
func (m *Manager) QueueOperation(request Request) (string, error) {
	if request.OperationID == "" {
		return "", api.NewValidationError("operation", "operationId", "must not be empty")
	}
	if request.RequestedAt.IsZero() {
		request.RequestedAt = time.Now()
	}

	m.mu.Lock()
	if m.seen[request.OperationID] {
		m.mu.Unlock()
		return "", api.NewValidationError("operation", "operationId", "already queued: "+request.OperationID)
	}
	m.seen[request.OperationID] = true
	m.queue = append(m.queue, request)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}

	m.publish(Event{
		Type:        EventOperationQueued,
		OperationID: request.OperationID,
		Operation:   &request.Operation,
		Timestamp:   time.Now(),
	})
	logging.Debug("Lifecycle", "Queued operation %s (%s %s)", request.OperationID, request.Operation.Kind, request.Operation.Target())
	return request.OperationID, nil
}

// GetOperationStatus returns the current result for an operation,
// checking the active set first and then the bounded history. The second
// return is false when the id is unknown or already evicted.
func (m *Manager) GetOperationStatus(operationID string) (Result, bool) {
	m.mu.Lock()
	if oc, ok := m.active[operationID]; ok {
		m.mu.Unlock()
		return oc.snapshot(), true
	}
	// A queued request that has not been picked up yet.
	for _, req := range m.queue {
		if req.OperationID == operationID {
			m.mu.Unlock()
			return Result{OperationID: operationID, Operation: req.Operation, Status: StatusQueued}, true
		}
	}
	known := m.seen[operationID]
	m.mu.Unlock()

	m.historyMu.RLock()
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].OperationID == operationID {
			result := m.history[i]
			m.historyMu.RUnlock()
			return result, true
		}
	}
	m.historyMu.RUnlock()

	// A known id that is neither queued, active, nor in history is mid
	// handoff between the queue and its worker goroutine.
	if known {
		return Result{OperationID: operationID, Status: StatusQueued}, true
	}
	return Result{}, false
}

// WaitForOperation blocks until the operation reaches a terminal status or
// ctx is done. It returns the terminal result.
func (m *Manager) WaitForOperation(ctx context.Context, operationID string) (Result, error) {
	for {
		m.mu.Lock()
		oc, isActive := m.active[operationID]
		queued := false
		if !isActive {
			for _, req := range m.queue {
				if req.OperationID == operationID {
					queued = true
					break
				}
			}
		}
		m.mu.Unlock()

		if isActive {
			select {
			case <-oc.done:
				return oc.snapshot(), nil
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}

		if !queued {
			// Either terminal (in history) or unknown.
			if result, ok := m.GetOperationStatus(operationID); ok {
				if result.Status.Terminal() {
					return result, nil
				}
			} else {
				return Result{}, api.NewNotFoundError("operation", operationID)
			}
		}

		// Queued but not yet active: wait for the processor to pick it
		// up. The queue handoff is quick, so a short sleep suffices.
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

// CancelOperation cancels a queued or in-flight operation. It returns
// false when the operation is unknown or already terminal.
func (m *Manager) CancelOperation(operationID string) bool {
	m.mu.Lock()

	// Remove from the pending queue if it has not started.
	for i, req := range m.queue {
		if req.OperationID == operationID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			m.mu.Unlock()
			now := time.Now()
			result := Result{
				OperationID: operationID,
				Operation:   req.Operation,
				Status:      StatusCancelled,
				CompletedAt: &now,
				Error:       api.NewCancelledError("operation " + operationID).Error(),
			}
			m.appendHistory(result)
			m.recordCompletion(result)
			m.publish(Event{
				Type:        EventOperationCompleted,
				OperationID: operationID,
				Operation:   &req.Operation,
				Success:     false,
				Timestamp:   now,
			})
			return true
		}
	}

	oc, ok := m.active[operationID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	oc.mu.Lock()
	if oc.result.Status.Terminal() {
		oc.mu.Unlock()
		return false
	}
	oc.cancelled = true
	cancel := oc.cancel
	oc.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	logging.Info("Lifecycle", "Cancelled operation %s", operationID)
	return true
}

// SubscribeEvents returns a channel of lifecycle events. Subscribers that
// stop draining are pruned.
func (m *Manager) SubscribeEvents() <-chan Event {
	return m.events.Subscribe()
}

// GetMetrics returns a snapshot of the manager counters.
func (m *Manager) GetMetrics() Metrics {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()

	snapshot := m.metrics
	snapshot.OperationsByKind = make(map[OperationKind]uint64, len(m.metrics.OperationsByKind))
	for k, v := range m.metrics.OperationsByKind {
		snapshot.OperationsByKind[k] = v
	}
	return snapshot
}

// runQueue is the worker loop: acquire a permit, pop the next request in
// FIFO order, and process it in its own goroutine. Up to the configured
// limit of operations run concurrently while pop order stays FIFO.
func (m *Manager) runQueue() {
	defer m.wg.Done()

	for {
		if err := m.sem.Acquire(m.ctx, 1); err != nil {
			return
		}

		request, ok := m.pop()
		if !ok {
			m.sem.Release(1)
			select {
			case <-m.wake:
				continue
			case <-m.ctx.Done():
				return
			}
		}

		m.wg.Add(1)
		go func(req Request) {
			defer m.wg.Done()
			defer m.sem.Release(1)
			m.processOperation(req)
		}(request)
	}
}

func (m *Manager) pop() (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return Request{}, false
	}
	request := m.queue[0]
	m.queue = m.queue[1:]
	return request, true
}

// processOperation runs one request end to end: register the active
// context, gate on policy, wait for operation dependencies, execute, and
// record the terminal result.
func (m *Manager) processOperation(request Request) {
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = m.config.DefaultTimeout
	}
	opCtx, cancelOp := context.WithTimeout(m.ctx, timeout)
	defer cancelOp()

	now := time.Now()
	oc := &operationContext{
		request: request,
		cancel:  cancelOp,
		done:    make(chan struct{}),
		result: &Result{
			OperationID: request.OperationID,
			Operation:   request.Operation,
			Status:      StatusInProgress,
			StartedAt:   &now,
		},
	}

	m.mu.Lock()
	m.active[request.OperationID] = oc
	m.mu.Unlock()

	m.publish(Event{
		Type:        EventOperationStarted,
		OperationID: request.OperationID,
		Operation:   &request.Operation,
		Timestamp:   now,
	})

	// Admission policy: evaluated once, before any side effect.
	decision := m.policies.EvaluateOperation(policy.EvaluationContext{
		OperationID:   request.OperationID,
		OperationKind: string(request.Operation.Kind),
		InstanceID:    request.Operation.InstanceID,
		Requester:     request.Requester,
		Timestamp:     time.Now(),
	})
	m.publish(Event{
		Type:        EventPolicyEvaluated,
		OperationID: request.OperationID,
		Decision:    &decision,
		Timestamp:   time.Now(),
	})
	if !decision.Allowed {
		m.finishOperation(oc, StatusFailed, nil, api.NewPolicyDeniedError(request.OperationID, decision.Reason))
		return
	}

	// Operation dependencies: wait for every referenced operation to
	// complete; fail fast on a failed, cancelled, timed-out, or unknown
	// dependency.
	if err := m.awaitDependencies(opCtx, request); err != nil {
		m.finishOperation(oc, StatusFailed, nil, err)
		return
	}

	outcome, err := m.execute(opCtx, request)
	if err != nil {
		status := StatusFailed
		switch {
		case opCtx.Err() == context.DeadlineExceeded:
			status = StatusTimedOut
			err = api.NewTimeoutError("operation "+request.OperationID, fmt.Sprintf("exceeded %s", timeout))
		case opCtx.Err() == context.Canceled:
			oc.mu.Lock()
			explicit := oc.cancelled
			oc.mu.Unlock()
			if explicit {
				status = StatusCancelled
				err = api.NewCancelledError("operation " + request.OperationID)
			}
		}

		// Compensate when the failure follows partial success.
		if status == StatusFailed && request.Rollback != nil && request.Rollback.AutoRollback && len(outcome.affected) > 0 {
			outcome.rollback = m.performRollback(request, outcome.affected)
		}
		m.finishOperation(oc, status, &outcome, err)
		return
	}

	m.finishOperation(oc, StatusCompleted, &outcome, nil)
}

// awaitDependencies blocks until every operation in DependsOn completes.
// Waiting uses each dependency's completion channel rather than polling.
func (m *Manager) awaitDependencies(ctx context.Context, request Request) error {
	for _, depID := range request.DependsOn {
		for {
			m.mu.Lock()
			oc, isActive := m.active[depID]
			queued := false
			if !isActive {
				for _, queuedReq := range m.queue {
					if queuedReq.OperationID == depID {
						queued = true
						break
					}
				}
			}
			m.mu.Unlock()

			if isActive {
				select {
				case <-oc.done:
				case <-ctx.Done():
					return ctx.Err()
				}
				result := oc.snapshot()
				if result.Status != StatusCompleted {
					return api.NewDependencyError(request.OperationID, depID,
						fmt.Sprintf("dependency operation ended %s", result.Status))
				}
				break
			}

			if !queued {
				result, ok := m.GetOperationStatus(depID)
				if !ok {
					return api.NewDependencyError(request.OperationID, depID, "dependency operation not found")
				}
				if result.Status.Terminal() {
					if result.Status != StatusCompleted {
						return api.NewDependencyError(request.OperationID, depID,
							fmt.Sprintf("dependency operation ended %s", result.Status))
					}
					break
				}
				// Known but mid handoff; fall through and re-check.
			}

			// Queued but not yet picked up; re-check shortly.
			select {
			case <-time.After(5 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// finishOperation records the terminal result, wakes dependents, publishes
// the completion event, and schedules the move to history after the grace
// period.
func (m *Manager) finishOperation(oc *operationContext, status Status, outcome *executionOutcome, err error) {
	now := time.Now()

	oc.mu.Lock()
	oc.result.Status = status
	oc.result.CompletedAt = &now
	if oc.result.StartedAt != nil {
		oc.result.Duration = now.Sub(*oc.result.StartedAt)
	}
	if err != nil {
		oc.result.Error = err.Error()
	}
	if outcome != nil {
		oc.result.Message = outcome.message
		oc.result.Metrics = outcome.metrics
		oc.result.AffectedInstances = outcome.affected
		oc.result.RollbackInfo = outcome.rollback
	}
	result := *oc.result
	oc.mu.Unlock()

	close(oc.done)
	m.recordCompletion(result)

	m.publish(Event{
		Type:        EventOperationCompleted,
		OperationID: result.OperationID,
		Operation:   &result.Operation,
		Success:     status == StatusCompleted,
		Reason:      result.Error,
		Timestamp:   now,
	})

	if status == StatusCompleted {
		logging.Debug("Lifecycle", "Operation %s completed in %s", result.OperationID, result.Duration)
	} else {
		logging.Warn("Lifecycle", "Operation %s ended %s: %s", result.OperationID, status, result.Error)
	}

	// Retain the active entry briefly so late status queries and freshly
	// queued dependents still find it, then purge into history.
	grace := m.config.GracePeriod
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-time.After(grace):
		case <-m.ctx.Done():
		}
		m.mu.Lock()
		delete(m.active, result.OperationID)
		m.mu.Unlock()
		m.appendHistory(result)
	}()
}

func (m *Manager) appendHistory(result Result) {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()
	m.history = append(m.history, result)
	if len(m.history) > m.config.HistoryLimit {
		m.history = m.history[len(m.history)-m.config.HistoryLimit:]
	}
}

func (m *Manager) recordCompletion(result Result) {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()

	m.metrics.TotalOperations++
	m.metrics.OperationsByKind[result.Operation.Kind]++
	switch result.Status {
	case StatusCompleted:
		m.metrics.SuccessfulOperations++
	case StatusCancelled:
		m.metrics.CancelledOperations++
	case StatusTimedOut:
		m.metrics.TimedOutOperations++
	default:
		m.metrics.FailedOperations++
	}

	// Running average over all completed operations.
	n := m.metrics.TotalOperations
	prev := m.metrics.AverageDuration
	m.metrics.AverageDuration = prev + (result.Duration-prev)/time.Duration(n)
	m.metrics.LastUpdated = time.Now()
}

// runMetricsSampler refreshes queue depth and active count on a fixed
// interval, decoupled from the request-processing path.
func (m *Manager) runMetricsSampler() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			queueSize := len(m.queue)
			activeCount := len(m.active)
			m.mu.Unlock()

			m.metricsMu.Lock()
			m.metrics.QueueSize = queueSize
			m.metrics.ActiveOperations = activeCount
			m.metrics.LastUpdated = time.Now()
			m.metricsMu.Unlock()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) publish(event Event) {
	m.events.Publish(event)
}
