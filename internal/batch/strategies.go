package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"conductor/internal/dependency"
	"conductor/internal/lifecycle"
	"conductor/pkg/logging"
)

// runSequential executes items in list order. On a failure, StopOnFailure
// skips the remainder; otherwise FailureHandling decides.
func (c *Coordinator) runSequential(ctx context.Context, es *executionState, execCtx ExecutionContext) {
	es.setPhase("sequential")

	for _, item := range es.batch.Items {
		if ctx.Err() != nil {
			return
		}

		result := c.runItem(ctx, es, item, execCtx)
		if result.Success {
			continue
		}

		if es.batch.Strategy.StopOnFailure || es.batch.Strategy.FailureHandling == FailurePause {
			c.markRemaining(es, ItemSkipped, "skipped after failure of "+item.ItemID)
			return
		}
		// Continue and Retry both proceed; retries already happened inside
		// runItem.
	}
}

// runParallel dispatches every item against a bounded semaphore. At most
// MaxConcurrent items are in progress at once; completion order is
// unconstrained.
func (c *Coordinator) runParallel(ctx context.Context, es *executionState, execCtx ExecutionContext) {
	es.setPhase("parallel")

	limit := es.batch.Strategy.MaxConcurrent
	if limit <= 0 {
		limit = len(es.batch.Items)
	}
	sem := semaphore.NewWeighted(int64(limit))

	var wg sync.WaitGroup
	for _, item := range es.batch.Items {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(item Item) {
			defer wg.Done()
			defer sem.Release(1)
			c.runItem(ctx, es, item, execCtx)
		}(item)
	}
	wg.Wait()
}

// runDependencyOrdered levels the items by their intra-batch dependencies
// and executes level by level. An item whose dependency failed is skipped
// without dispatch.
func (c *Coordinator) runDependencyOrdered(ctx context.Context, es *executionState, execCtx ExecutionContext) {
	levels, err := dependency.Levels(itemIDs(es.batch.Items), itemDeps(es.batch.Items))
	if err != nil {
		// Validation already rejected cycles; this only fires on a batch
		// mutated after creation.
		c.markRemaining(es, ItemSkipped, err.Error())
		return
	}

	limit := es.batch.Strategy.MaxConcurrentPerLevel
	if limit <= 0 {
		limit = len(es.batch.Items)
	}

	byID := make(map[string]Item, len(es.batch.Items))
	for _, item := range es.batch.Items {
		byID[item.ItemID] = item
	}
	failed := make(map[string]bool)
	var failedMu sync.Mutex

	for i, level := range levels {
		if ctx.Err() != nil {
			return
		}
		es.setPhase(fmt.Sprintf("level %d/%d", i+1, len(levels)))

		sem := semaphore.NewWeighted(int64(limit))
		var wg sync.WaitGroup
		for _, itemID := range level {
			item := byID[itemID]

			// Skip items whose dependencies did not complete.
			failedMu.Lock()
			var blocked string
			for _, dep := range item.Dependencies {
				if failed[dep] {
					blocked = dep
					break
				}
			}
			if blocked != "" {
				failed[item.ItemID] = true
				failedMu.Unlock()
				c.setItemResult(es, ItemResult{
					ItemID: item.ItemID,
					Target: item.Target,
					Status: ItemSkipped,
					Error:  "dependency " + blocked + " did not complete",
				})
				continue
			}
			failedMu.Unlock()

			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			wg.Add(1)
			go func(item Item) {
				defer wg.Done()
				defer sem.Release(1)
				result := c.runItem(ctx, es, item, execCtx)
				if !result.Success {
					failedMu.Lock()
					failed[item.ItemID] = true
					failedMu.Unlock()
				}
			}(item)
		}
		wg.Wait()
	}
}

// runRolling partitions items into fixed-size chunks executed in order,
// pausing (and optionally health checking) between chunks. A chunk failure
// optionally rolls back the chunks already applied.
func (c *Coordinator) runRolling(ctx context.Context, es *executionState, execCtx ExecutionContext) {
	strategy := es.batch.Strategy
	size := strategy.BatchSize
	if size <= 0 {
		size = 1
	}

	var applied []Item
	items := es.batch.Items
	for start := 0; start < len(items); start += size {
		if ctx.Err() != nil {
			return
		}
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunk := items[start:end]
		es.setPhase(fmt.Sprintf("chunk %d/%d", start/size+1, (len(items)+size-1)/size))

		chunkFailed := false
		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, item := range chunk {
			wg.Add(1)
			go func(item Item) {
				defer wg.Done()
				result := c.runItem(ctx, es, item, execCtx)
				if !result.Success {
					mu.Lock()
					chunkFailed = true
					mu.Unlock()
				}
			}(item)
		}
		wg.Wait()

		if chunkFailed {
			if strategy.RollbackOnBatchFailure && len(applied) > 0 {
				c.rollbackApplied(ctx, es, applied, execCtx)
			}
			c.markRemaining(es, ItemSkipped, "skipped after chunk failure")
			return
		}
		applied = append(applied, chunk...)

		if end < len(items) {
			if strategy.HealthCheckBetweenBatches && !c.chunkHealthy(ctx, es, chunk, execCtx) {
				if strategy.RollbackOnBatchFailure {
					c.rollbackApplied(ctx, es, applied, execCtx)
				}
				c.markRemaining(es, ItemSkipped, "skipped after failed health check")
				return
			}
			if strategy.PauseDuration > 0 {
				select {
				case <-time.After(strategy.PauseDuration):
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// chunkHealthy queues a health check for each target of the chunk and
// reports whether all passed.
func (c *Coordinator) chunkHealthy(ctx context.Context, es *executionState, chunk []Item, execCtx ExecutionContext) bool {
	for _, item := range chunk {
		operationID := fmt.Sprintf("%s-hc-%s", es.result.ExecutionID, item.ItemID)
		_, err := c.manager.QueueOperation(lifecycle.Request{
			OperationID: operationID,
			Operation:   lifecycle.Operation{Kind: lifecycle.OpHealthCheck, InstanceID: item.Target},
			Requester:   execCtx.Requester,
			RequestedAt: time.Now(),
		})
		if err != nil {
			return false
		}
		result, err := c.manager.WaitForOperation(ctx, operationID)
		if err != nil || result.Status != lifecycle.StatusCompleted {
			logging.Warn("Batch", "Health check failed for %s during rolling execution %s",
				item.Target, es.result.ExecutionID)
			return false
		}
	}
	return true
}

// rollbackApplied compensates already-applied items in reverse order by
// queueing the inverse operation for each.
func (c *Coordinator) rollbackApplied(ctx context.Context, es *executionState, applied []Item, execCtx ExecutionContext) {
	es.mu.Lock()
	es.result.Status = StatusRollingBack
	es.mu.Unlock()

	c.publish(Event{
		Type:        EventRollbackTriggered,
		BatchID:     es.result.BatchID,
		ExecutionID: es.result.ExecutionID,
		Reason:      "chunk failure",
		Timestamp:   time.Now(),
	})
	logging.Warn("Batch", "Rolling back %d applied item(s) of execution %s", len(applied), es.result.ExecutionID)

	for i := len(applied) - 1; i >= 0; i-- {
		item := applied[i]
		inverse, ok := inverseOperation(item)
		if !ok {
			continue
		}
		operationID := fmt.Sprintf("%s-rb-%s", es.result.ExecutionID, item.ItemID)
		if _, err := c.manager.QueueOperation(lifecycle.Request{
			OperationID: operationID,
			Operation:   inverse,
			Requester:   execCtx.Requester,
			RequestedAt: time.Now(),
		}); err != nil {
			continue
		}
		c.manager.WaitForOperation(ctx, operationID)
	}
}

// inverseOperation derives the compensating operation for an applied item.
// Restart-style operations compensate with another restart.
func inverseOperation(item Item) (lifecycle.Operation, bool) {
	switch item.Kind {
	case lifecycle.OpStart:
		return lifecycle.Operation{Kind: lifecycle.OpStop, InstanceID: item.Target}, true
	case lifecycle.OpStop:
		return lifecycle.Operation{Kind: lifecycle.OpStart, InstanceID: item.Target}, true
	case lifecycle.OpRestart, lifecycle.OpUpdateConfig:
		return lifecycle.Operation{Kind: lifecycle.OpRestart, InstanceID: item.Target}, true
	default:
		return lifecycle.Operation{}, false
	}
}

// runCanary executes a subset first, evaluates it against the success
// criteria, and only dispatches the remainder on promotion.
func (c *Coordinator) runCanary(ctx context.Context, es *executionState, execCtx ExecutionContext) {
	cfg := es.batch.Strategy.Canary
	canary, remainder := splitCanary(es.batch.Items, cfg.Size)
	es.setPhase("canary")

	var successes int
	for _, item := range canary {
		if ctx.Err() != nil {
			return
		}
		if result := c.runItem(ctx, es, item, execCtx); result.Success {
			successes++
		}
	}

	// Observe the canary before judging it.
	if window := cfg.SuccessCriteria.EvaluationWindow; window > 0 {
		es.setPhase("canary evaluation")
		select {
		case <-time.After(window):
		case <-ctx.Done():
			return
		}
	}

	rate := float64(successes) * 100 / float64(len(canary))
	promoted := rate >= cfg.SuccessCriteria.SuccessRateThreshold

	c.publish(Event{
		Type:        EventCanaryEvaluated,
		BatchID:     es.result.BatchID,
		ExecutionID: es.result.ExecutionID,
		Success:     promoted,
		Reason:      fmt.Sprintf("success rate %.1f%% against threshold %.1f%%", rate, cfg.SuccessCriteria.SuccessRateThreshold),
		Timestamp:   time.Now(),
	})
	logging.Info("Batch", "Canary of execution %s: %d/%d succeeded (%.1f%%), promoted=%t",
		es.result.ExecutionID, successes, len(canary), rate, promoted)

	if !promoted || !cfg.AutoPromote {
		reason := "canary did not meet success criteria"
		if promoted {
			reason = "canary passed; promotion is manual"
		}
		c.markRemaining(es, ItemSkipped, reason)
		return
	}

	if cfg.PauseDuration > 0 {
		select {
		case <-time.After(cfg.PauseDuration):
		case <-ctx.Done():
			return
		}
	}

	es.setPhase("promotion")
	for _, item := range remainder {
		if ctx.Err() != nil {
			return
		}
		c.runItem(ctx, es, item, execCtx)
	}
}

// splitCanary partitions items into the canary subset and the remainder,
// preserving list order. Percentage sizes round up so the canary is never
// empty.
func splitCanary(items []Item, size CanarySize) (canary, remainder []Item) {
	if len(size.Items) > 0 {
		wanted := make(map[string]bool, len(size.Items))
		for _, id := range size.Items {
			wanted[id] = true
		}
		for _, item := range items {
			if wanted[item.ItemID] {
				canary = append(canary, item)
			} else {
				remainder = append(remainder, item)
			}
		}
		if len(canary) > 0 {
			return canary, remainder
		}
		// Unknown ids: fall back to a single-item canary.
	}

	n := size.Count
	if n <= 0 && size.Percentage > 0 {
		n = (len(items)*size.Percentage + 99) / 100
	}
	if n <= 0 {
		n = 1
	}
	if n > len(items) {
		n = len(items)
	}
	return items[:n], items[n:]
}
