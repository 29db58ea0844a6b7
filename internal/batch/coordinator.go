package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/api"
	"conductor/internal/bus"
	"conductor/internal/dependency"
	"conductor/internal/lifecycle"
	"conductor/internal/registry"
	"conductor/pkg/logging"
)

// Coordinator groups lifecycle operations into batches and drives their
// execution per strategy. Batches, templates, and executions each live in
// their own registry so the locking discipline stays uniform.
type Coordinator struct {
	manager   *lifecycle.Manager
	batches   *registry.Registry[Operation]
	templates *registry.Registry[Template]

	mu         sync.RWMutex
	executions map[string]*executionState
	// byBatch maps a batch id to its most recent execution id.
	byBatch map[string]string

	historyMu sync.RWMutex
	history   []Result

	historyLimit int
	// retention keeps a terminal execution in the active map before it is
	// dropped, so late status queries still see the live entry; afterwards
	// the bounded history serves them.
	retention time.Duration
	events    *bus.Bus[Event]

	metricsMu sync.Mutex
	metrics   Metrics
}

// executionState tracks one in-flight (or retained) execution.
type executionState struct {
	mu     sync.Mutex
	result Result

	batch   Operation
	cancel  context.CancelFunc
	started time.Time
	phase   string
	current string

	// index maps item id to its position in result.ItemResults.
	index map[string]int
}

// NewCoordinator wires a coordinator against the lifecycle manager.
func NewCoordinator(manager *lifecycle.Manager) *Coordinator {
	return &Coordinator{
		manager:      manager,
		batches:      registry.New[Operation]("batch"),
		templates:    registry.New[Template]("template"),
		executions:   make(map[string]*executionState),
		byBatch:      make(map[string]string),
		historyLimit: 100,
		retention:    5 * time.Second,
		events:       bus.New[Event](),
	}
}

// CreateBatch validates and stores a batch definition. Validation failures
// leave nothing stored.
func (c *Coordinator) CreateBatch(op Operation) (string, error) {
	if err := validateBatch(op); err != nil {
		return "", err
	}
	if err := c.batches.Register(op.BatchID, op); err != nil {
		return "", err
	}

	c.metricsMu.Lock()
	c.metrics.TotalBatches = c.batches.Len()
	c.metricsMu.Unlock()

	c.publish(Event{Type: EventBatchCreated, BatchID: op.BatchID, Timestamp: time.Now()})
	logging.Debug("Batch", "Created batch %s (%d items, %s)", op.BatchID, len(op.Items), op.Strategy.Kind)
	return op.BatchID, nil
}

// GetBatch returns a stored batch definition.
func (c *Coordinator) GetBatch(batchID string) (Operation, bool) {
	return c.batches.Get(batchID)
}

// validateBatch rejects empty ids, empty item lists, duplicate or unknown
// item references, and cyclic intra-batch dependencies.
func validateBatch(op Operation) error {
	if strings.TrimSpace(op.BatchID) == "" {
		return api.NewValidationError("batch", "batchId", "must not be empty")
	}
	if len(op.Items) == 0 {
		return api.NewValidationError("batch", "items", "must not be empty")
	}

	ids := make(map[string]bool, len(op.Items))
	for _, item := range op.Items {
		if strings.TrimSpace(item.ItemID) == "" {
			return api.NewValidationError("batch", "items", "item id must not be empty")
		}
		if ids[item.ItemID] {
			return api.NewValidationError("batch", "items", "duplicate item id: "+item.ItemID)
		}
		if strings.TrimSpace(item.Target) == "" {
			return api.NewValidationError("batch", "items", "item "+item.ItemID+": target must not be empty")
		}
		ids[item.ItemID] = true
	}
	for _, item := range op.Items {
		for _, dep := range item.Dependencies {
			if !ids[dep] {
				return api.NewValidationError("batch", "items",
					fmt.Sprintf("item %s depends on unknown item %s", item.ItemID, dep))
			}
		}
	}

	// Leveling doubles as the acyclicity check.
	if _, err := dependency.Levels(itemIDs(op.Items), itemDeps(op.Items)); err != nil {
		return api.NewValidationError("batch", "items", err.Error())
	}

	switch op.Strategy.Kind {
	case StrategySequential, StrategyParallel, StrategyDependencyOrdered, StrategyRolling:
	case StrategyCanary:
		if op.Strategy.Canary == nil {
			return api.NewValidationError("batch", "strategy", "canary strategy requires canary config")
		}
		size := op.Strategy.Canary.Size
		if size.Percentage <= 0 && size.Count <= 0 && len(size.Items) == 0 {
			return api.NewValidationError("batch", "strategy", "canary size must be set")
		}
	default:
		return api.NewValidationError("batch", "strategy", "unknown strategy kind: "+string(op.Strategy.Kind))
	}
	return nil
}

func itemIDs(items []Item) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ItemID
	}
	return ids
}

func itemDeps(items []Item) map[string][]string {
	deps := make(map[string][]string, len(items))
	for _, item := range items {
		deps[item.ItemID] = item.Dependencies
	}
	return deps
}

// ExecuteBatchWithContext begins asynchronous execution of a stored batch
// and returns the execution id. With DryRun set, items are validated and a
// completed simulated result is recorded without dispatching anything.
func (c *Coordinator) ExecuteBatchWithContext(ctx context.Context, batchID string, execCtx ExecutionContext) (string, error) {
	op, ok := c.batches.Get(batchID)
	if !ok {
		return "", api.NewNotFoundError("batch", batchID)
	}

	executionID := "exec-" + uuid.NewString()
	now := time.Now()

	es := &executionState{
		batch:   op,
		started: now,
		phase:   "starting",
		index:   make(map[string]int, len(op.Items)),
		result: Result{
			ExecutionID: executionID,
			BatchID:     batchID,
			Status:      StatusRunning,
			DryRun:      execCtx.DryRun,
			StartedAt:   &now,
			ItemResults: make([]ItemResult, len(op.Items)),
		},
	}
	for i, item := range op.Items {
		es.result.ItemResults[i] = ItemResult{ItemID: item.ItemID, Target: item.Target, Status: ItemPending}
		es.index[item.ItemID] = i
	}

	base := context.Background()
	cancelTimeout := func() {}
	if op.Config.Timeout > 0 {
		base, cancelTimeout = context.WithTimeout(base, op.Config.Timeout)
	}
	runCtx, cancelRun := context.WithCancel(base)
	es.cancel = func() {
		cancelRun()
		cancelTimeout()
	}

	c.mu.Lock()
	c.executions[executionID] = es
	c.byBatch[batchID] = executionID
	c.mu.Unlock()

	c.publish(Event{Type: EventExecutionStarted, BatchID: batchID, ExecutionID: executionID, Timestamp: now})
	logging.Info("Batch", "Executing batch %s as %s (%s strategy, %d items, dryRun=%t)",
		batchID, executionID, op.Strategy.Kind, len(op.Items), execCtx.DryRun)

	go c.run(runCtx, es, execCtx)
	return executionID, nil
}

// ExecuteBatch implements lifecycle.BatchExecutor with default execution
// options.
func (c *Coordinator) ExecuteBatch(ctx context.Context, batchID string) (string, error) {
	return c.ExecuteBatchWithContext(ctx, batchID, ExecutionContext{
		Requester: api.RequesterContext{RequesterID: "lifecycle-manager", RequesterType: api.RequesterSystem},
	})
}

// GetExecutionResult returns the result of an execution, running or
// terminal.
func (c *Coordinator) GetExecutionResult(executionID string) (Result, bool) {
	c.mu.RLock()
	es, ok := c.executions[executionID]
	c.mu.RUnlock()
	if ok {
		return es.snapshot(), true
	}

	c.historyMu.RLock()
	defer c.historyMu.RUnlock()
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].ExecutionID == executionID {
			return c.history[i], true
		}
	}
	return Result{}, false
}

// GetBatchStatus implements lifecycle.BatchExecutor: the latest execution
// result for the batch.
func (c *Coordinator) GetBatchStatus(batchID string) (interface{}, bool) {
	c.mu.RLock()
	executionID, ok := c.byBatch[batchID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	result, ok := c.GetExecutionResult(executionID)
	if !ok {
		return nil, false
	}
	return result, true
}

// GetExecutionProgress reports a point-in-time progress view.
func (c *Coordinator) GetExecutionProgress(executionID string) (Progress, bool) {
	c.mu.RLock()
	es, ok := c.executions[executionID]
	c.mu.RUnlock()
	if !ok {
		return Progress{}, false
	}
	return es.progress(), true
}

// CancelExecution cancels a running execution. Items not yet dispatched end
// Cancelled.
func (c *Coordinator) CancelExecution(executionID string) bool {
	c.mu.RLock()
	es, ok := c.executions[executionID]
	c.mu.RUnlock()
	if !ok {
		return false
	}

	es.mu.Lock()
	terminal := es.result.Status.Terminal()
	cancel := es.cancel
	es.mu.Unlock()
	if terminal {
		return false
	}
	if cancel != nil {
		cancel()
	}
	logging.Info("Batch", "Cancelled execution %s", executionID)
	return true
}

// CancelBatch implements lifecycle.BatchExecutor: cancel the batch's latest
// execution.
func (c *Coordinator) CancelBatch(batchID string) bool {
	c.mu.RLock()
	executionID, ok := c.byBatch[batchID]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	return c.CancelExecution(executionID)
}

// SubscribeEvents returns a channel of coordinator events.
func (c *Coordinator) SubscribeEvents() <-chan Event {
	return c.events.Subscribe()
}

// Close cancels every non-terminal execution and closes the event bus.
// The coordinator must not be used afterwards.
func (c *Coordinator) Close() {
	c.mu.RLock()
	ids := make([]string, 0, len(c.executions))
	for id := range c.executions {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	for _, id := range ids {
		c.CancelExecution(id)
	}
	c.events.Close()
}

// GetMetrics returns a snapshot of coordinator counters.
func (c *Coordinator) GetMetrics() Metrics {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	return c.metrics
}

// run drives one execution to its terminal state.
func (c *Coordinator) run(ctx context.Context, es *executionState, execCtx ExecutionContext) {
	defer es.cancel()

	var progressDone chan struct{}
	if interval := es.batch.Config.ProgressInterval; interval > 0 {
		progressDone = make(chan struct{})
		go c.reportProgress(ctx, es, interval, progressDone)
	}

	if execCtx.DryRun {
		c.simulate(es)
	} else {
		switch es.batch.Strategy.Kind {
		case StrategySequential:
			c.runSequential(ctx, es, execCtx)
		case StrategyParallel:
			c.runParallel(ctx, es, execCtx)
		case StrategyDependencyOrdered:
			c.runDependencyOrdered(ctx, es, execCtx)
		case StrategyRolling:
			c.runRolling(ctx, es, execCtx)
		case StrategyCanary:
			c.runCanary(ctx, es, execCtx)
		}
	}

	if progressDone != nil {
		close(progressDone)
	}
	c.finishExecution(es, ctx.Err())
}

// simulate marks every item completed without touching the runtime.
func (c *Coordinator) simulate(es *executionState) {
	now := time.Now()
	es.mu.Lock()
	for i := range es.result.ItemResults {
		es.result.ItemResults[i].Status = ItemCompleted
		es.result.ItemResults[i].Success = true
		es.result.ItemResults[i].StartedAt = &now
		es.result.ItemResults[i].CompletedAt = &now
	}
	es.mu.Unlock()
}

// runItem executes one item through the lifecycle manager and records its
// result, retrying per the item's policy.
func (c *Coordinator) runItem(ctx context.Context, es *executionState, item Item, execCtx ExecutionContext) ItemResult {
	attempts := 1
	if item.Retry != nil && item.Retry.MaxAttempts > 1 {
		attempts = item.Retry.MaxAttempts
	}

	var result ItemResult
	for attempt := 1; attempt <= attempts; attempt++ {
		result = c.runItemOnce(ctx, es, item, execCtx, attempt)
		result.Attempts = attempt
		if result.Success || ctx.Err() != nil {
			break
		}
		if attempt < attempts && item.Retry != nil && item.Retry.Delay > 0 {
			select {
			case <-time.After(item.Retry.Delay):
			case <-ctx.Done():
			}
		}
	}

	c.setItemResult(es, result)
	return result
}

func (c *Coordinator) runItemOnce(ctx context.Context, es *executionState, item Item, execCtx ExecutionContext, attempt int) ItemResult {
	started := time.Now()
	operationID := fmt.Sprintf("%s-%s-%d", es.result.ExecutionID, item.ItemID, attempt)

	es.mu.Lock()
	es.current = item.ItemID
	if i, ok := es.index[item.ItemID]; ok {
		es.result.ItemResults[i].Status = ItemInProgress
		es.result.ItemResults[i].StartedAt = &started
		es.result.ItemResults[i].OperationID = operationID
	}
	es.mu.Unlock()

	c.publish(Event{
		Type:        EventItemStarted,
		BatchID:     es.result.BatchID,
		ExecutionID: es.result.ExecutionID,
		ItemID:      item.ItemID,
		Timestamp:   started,
	})

	itemResult := ItemResult{
		ItemID:      item.ItemID,
		Target:      item.Target,
		OperationID: operationID,
		StartedAt:   &started,
	}

	_, err := c.manager.QueueOperation(lifecycle.Request{
		OperationID: operationID,
		Operation:   item.operation(),
		Priority:    item.Priority,
		Timeout:     item.Timeout,
		Requester:   execCtx.Requester,
		Rollback:    item.Rollback,
		RequestedAt: started,
	})

	var opResult lifecycle.Result
	if err == nil {
		opResult, err = c.manager.WaitForOperation(ctx, operationID)
	}

	completed := time.Now()
	itemResult.CompletedAt = &completed
	itemResult.Duration = completed.Sub(started)

	switch {
	case err != nil:
		itemResult.Status = ItemFailed
		itemResult.Error = err.Error()
		if ctx.Err() != nil {
			itemResult.Status = ItemCancelled
			c.manager.CancelOperation(operationID)
		}
	case opResult.Status == lifecycle.StatusCompleted:
		itemResult.Status = ItemCompleted
		itemResult.Success = true
	case opResult.Status == lifecycle.StatusCancelled:
		itemResult.Status = ItemCancelled
		itemResult.Error = opResult.Error
	default:
		itemResult.Status = ItemFailed
		itemResult.Error = opResult.Error
	}

	c.publish(Event{
		Type:        EventItemCompleted,
		BatchID:     es.result.BatchID,
		ExecutionID: es.result.ExecutionID,
		ItemID:      item.ItemID,
		Success:     itemResult.Success,
		Reason:      itemResult.Error,
		Timestamp:   completed,
	})
	return itemResult
}

func (c *Coordinator) setItemResult(es *executionState, result ItemResult) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if i, ok := es.index[result.ItemID]; ok {
		result.Attempts = max(result.Attempts, es.result.ItemResults[i].Attempts)
		es.result.ItemResults[i] = result
	}
}

// markRemaining sets every still-pending item to the given status.
func (c *Coordinator) markRemaining(es *executionState, status ItemStatus, reason string) {
	now := time.Now()
	es.mu.Lock()
	defer es.mu.Unlock()
	for i := range es.result.ItemResults {
		if es.result.ItemResults[i].Status == ItemPending {
			es.result.ItemResults[i].Status = status
			es.result.ItemResults[i].CompletedAt = &now
			es.result.ItemResults[i].Error = reason
		}
	}
}

// finishExecution computes aggregates, records history, and publishes the
// terminal event.
func (c *Coordinator) finishExecution(es *executionState, ctxErr error) {
	now := time.Now()

	es.mu.Lock()
	// Anything never dispatched ends cancelled on a cancelled run, skipped
	// otherwise.
	leftover := ItemSkipped
	if ctxErr != nil {
		leftover = ItemCancelled
	}
	for i := range es.result.ItemResults {
		if !es.result.ItemResults[i].Status.Terminal() {
			es.result.ItemResults[i].Status = leftover
			es.result.ItemResults[i].CompletedAt = &now
		}
	}

	var success, failure, skipped int
	for _, item := range es.result.ItemResults {
		switch item.Status {
		case ItemCompleted:
			success++
		case ItemFailed:
			failure++
		case ItemSkipped:
			skipped++
		}
	}
	es.result.SuccessCount = success
	es.result.FailureCount = failure
	es.result.SkippedCount = skipped
	total := len(es.result.ItemResults)
	if total > 0 {
		es.result.CompletionPercentage = float64(success) * 100 / float64(total)
	}

	switch {
	case ctxErr == context.Canceled:
		es.result.Status = StatusCancelled
		es.result.Error = "execution cancelled"
	case ctxErr == context.DeadlineExceeded:
		es.result.Status = StatusFailed
		es.result.Error = "execution timed out"
	case failure > 0:
		es.result.Status = StatusFailed
	default:
		es.result.Status = StatusCompleted
		es.result.Success = true
	}
	es.result.CompletedAt = &now
	if es.result.StartedAt != nil {
		es.result.Duration = now.Sub(*es.result.StartedAt)
	}
	result := es.result
	es.mu.Unlock()

	c.appendHistory(result)
	c.recordExecution(result)

	c.publish(Event{
		Type:        EventExecutionCompleted,
		BatchID:     result.BatchID,
		ExecutionID: result.ExecutionID,
		Success:     result.Success,
		Reason:      result.Error,
		Timestamp:   now,
	})

	if result.Success {
		logging.Info("Batch", "Execution %s completed: %d/%d items succeeded",
			result.ExecutionID, result.SuccessCount, len(result.ItemResults))
	} else {
		logging.Warn("Batch", "Execution %s ended %s: %d failed, %d skipped",
			result.ExecutionID, result.Status, result.FailureCount, result.SkippedCount)
	}

	// The result is already in history, so the live entry can go once the
	// retention period passes. byBatch stays: it is bounded by the number
	// of batches and keeps GetBatchStatus resolving through history.
	time.AfterFunc(c.retention, func() {
		c.mu.Lock()
		delete(c.executions, result.ExecutionID)
		c.mu.Unlock()
	})
}

func (c *Coordinator) appendHistory(result Result) {
	c.historyMu.Lock()
	c.history = append(c.history, result)
	if len(c.history) > c.historyLimit {
		c.history = c.history[len(c.history)-c.historyLimit:]
	}
	c.historyMu.Unlock()
}

func (c *Coordinator) recordExecution(result Result) {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()

	c.metrics.TotalExecutions++
	switch result.Status {
	case StatusCompleted:
		c.metrics.SuccessfulExecutions++
	case StatusCancelled:
		c.metrics.CancelledExecutions++
	default:
		c.metrics.FailedExecutions++
	}
	c.metrics.ItemsExecuted += uint64(result.SuccessCount + result.FailureCount)

	n := c.metrics.TotalExecutions
	prev := c.metrics.AverageDuration
	c.metrics.AverageDuration = prev + (result.Duration-prev)/time.Duration(n)
	c.metrics.LastUpdated = time.Now()
}

// reportProgress emits progress events on a fixed cadence while the
// execution runs.
func (c *Coordinator) reportProgress(ctx context.Context, es *executionState, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			progress := es.progress()
			c.publish(Event{
				Type:        EventProgress,
				BatchID:     progress.BatchID,
				ExecutionID: progress.ExecutionID,
				Progress:    &progress,
				Timestamp:   progress.Timestamp,
			})
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (es *executionState) snapshot() Result {
	es.mu.Lock()
	defer es.mu.Unlock()
	result := es.result
	result.ItemResults = append([]ItemResult(nil), es.result.ItemResults...)
	return result
}

// progress derives completion counters from the item results. Completed
// counts only grow, so the percentage is monotonic for a given execution.
func (es *executionState) progress() Progress {
	es.mu.Lock()
	defer es.mu.Unlock()

	completed := 0
	for _, item := range es.result.ItemResults {
		if item.Status.Terminal() {
			completed++
		}
	}
	total := len(es.result.ItemResults)

	progress := Progress{
		ExecutionID:    es.result.ExecutionID,
		BatchID:        es.result.BatchID,
		Phase:          es.phase,
		ItemsCompleted: completed,
		TotalItems:     total,
		CurrentItem:    es.current,
		Timestamp:      time.Now(),
	}
	if total > 0 {
		progress.Percentage = float64(completed) * 100 / float64(total)
	}
	if completed > 0 && completed < total {
		elapsed := time.Since(es.started)
		progress.Remaining = time.Duration(float64(elapsed) / float64(completed) * float64(total-completed))
	}
	return progress
}

func (es *executionState) setPhase(phase string) {
	es.mu.Lock()
	es.phase = phase
	es.mu.Unlock()
}

func (c *Coordinator) publish(event Event) {
	c.events.Publish(event)
}
