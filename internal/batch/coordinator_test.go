package batch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/api"
	"conductor/internal/dependency"
	"conductor/internal/lifecycle"
	"conductor/internal/policy"
	"conductor/internal/runtime"
	"conductor/internal/statemachine"
)

// countingRuntime tracks the peak number of concurrent starts.
type countingRuntime struct {
	*runtime.LocalRuntime
	mu      sync.Mutex
	current int
	peak    int
}

func (r *countingRuntime) Start(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	r.current++
	if r.current > r.peak {
		r.peak = r.current
	}
	r.mu.Unlock()

	err := r.LocalRuntime.Start(ctx, instanceID)

	r.mu.Lock()
	r.current--
	r.mu.Unlock()
	return err
}

func (r *countingRuntime) Peak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

type fixture struct {
	coordinator *Coordinator
	manager     *lifecycle.Manager
	machine     *statemachine.Machine
	runtime     *countingRuntime
}

func newFixture(t *testing.T, instances ...string) *fixture {
	t.Helper()

	machine := statemachine.New(100)
	for _, id := range instances {
		require.NoError(t, machine.RegisterInstance(id, api.StateCreated))
	}
	rt := &countingRuntime{LocalRuntime: runtime.NewLocalRuntime()}

	manager := lifecycle.NewManager(
		lifecycle.Config{GracePeriod: 20 * time.Millisecond},
		machine, dependency.New(), policy.NewEngine(), rt)

	ctx, cancel := context.WithCancel(context.Background())
	manager.Start(ctx)
	t.Cleanup(func() {
		cancel()
		manager.Stop()
	})

	coordinator := NewCoordinator(manager)
	manager.SetBatchExecutor(coordinator)
	return &fixture{coordinator: coordinator, manager: manager, machine: machine, runtime: rt}
}

func (f *fixture) await(t *testing.T, executionID string) Result {
	t.Helper()
	var result Result
	require.Eventually(t, func() bool {
		r, ok := f.coordinator.GetExecutionResult(executionID)
		if ok && r.Status.Terminal() {
			result = r
			return true
		}
		return false
	}, 10*time.Second, 10*time.Millisecond)
	return result
}

func startItems(ids ...string) []Item {
	items := make([]Item, len(ids))
	for i, id := range ids {
		items[i] = Item{ItemID: "item-" + id, Kind: lifecycle.OpStart, Target: id}
	}
	return items
}

func TestCreateBatchValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		op   Operation
	}{
		{"empty id", Operation{Items: startItems("a"), Strategy: Strategy{Kind: StrategySequential}}},
		{"no items", Operation{BatchID: "b1", Strategy: Strategy{Kind: StrategySequential}}},
		{"unknown dependency", Operation{
			BatchID: "b2",
			Items: []Item{
				{ItemID: "i1", Kind: lifecycle.OpStart, Target: "a", Dependencies: []string{"ghost"}},
			},
			Strategy: Strategy{Kind: StrategyDependencyOrdered},
		}},
		{"dependency cycle", Operation{
			BatchID: "b3",
			Items: []Item{
				{ItemID: "i1", Kind: lifecycle.OpStart, Target: "a", Dependencies: []string{"i2"}},
				{ItemID: "i2", Kind: lifecycle.OpStart, Target: "b", Dependencies: []string{"i1"}},
			},
			Strategy: Strategy{Kind: StrategyDependencyOrdered},
		}},
		{"unknown strategy", Operation{
			BatchID:  "b4",
			Items:    startItems("a"),
			Strategy: Strategy{Kind: "mystery"},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.coordinator.CreateBatch(tc.op)
			require.Error(t, err)
			assert.True(t, api.IsValidation(err))
			if tc.op.BatchID != "" {
				_, ok := f.coordinator.GetBatch(tc.op.BatchID)
				assert.False(t, ok, "invalid batch must not be stored")
			}
		})
	}
}

func TestSequentialStopOnFailureSkipsRemainder(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	f.runtime.FailInstance("b", errors.New("broken"))

	_, err := f.coordinator.CreateBatch(Operation{
		BatchID:  "seq-1",
		Items:    startItems("a", "b", "c"),
		Strategy: Strategy{Kind: StrategySequential, StopOnFailure: true},
	})
	require.NoError(t, err)

	executionID, err := f.coordinator.ExecuteBatch(context.Background(), "seq-1")
	require.NoError(t, err)

	result := f.await(t, executionID)
	require.Len(t, result.ItemResults, 3)
	assert.Equal(t, ItemCompleted, result.ItemResults[0].Status)
	assert.Equal(t, ItemFailed, result.ItemResults[1].Status)
	assert.Equal(t, ItemSkipped, result.ItemResults[2].Status)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, 1, result.FailureCount)
	assert.Equal(t, 1, result.SkippedCount)
	assert.False(t, f.runtime.IsRunning("c"), "skipped item never dispatched")
}

func TestSequentialContinueOnFailure(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	f.runtime.FailInstance("b", errors.New("broken"))

	_, err := f.coordinator.CreateBatch(Operation{
		BatchID:  "seq-2",
		Items:    startItems("a", "b", "c"),
		Strategy: Strategy{Kind: StrategySequential, FailureHandling: FailureContinue},
	})
	require.NoError(t, err)

	executionID, err := f.coordinator.ExecuteBatch(context.Background(), "seq-2")
	require.NoError(t, err)

	result := f.await(t, executionID)
	assert.Equal(t, ItemCompleted, result.ItemResults[0].Status)
	assert.Equal(t, ItemFailed, result.ItemResults[1].Status)
	assert.Equal(t, ItemCompleted, result.ItemResults[2].Status)
	assert.True(t, f.runtime.IsRunning("c"))
}

func TestSequentialRetrySucceedsEventually(t *testing.T) {
	f := newFixture(t, "a")
	f.runtime.FailInstance("a", errors.New("flaky"))

	_, err := f.coordinator.CreateBatch(Operation{
		BatchID: "seq-retry",
		Items: []Item{{
			ItemID: "i1", Kind: lifecycle.OpStart, Target: "a",
			Retry: &RetryPolicy{MaxAttempts: 3, Delay: 10 * time.Millisecond},
		}},
		Strategy: Strategy{Kind: StrategySequential, FailureHandling: FailureRetry},
	})
	require.NoError(t, err)

	// Clear the fault once the first attempt has failed.
	go func() {
		time.Sleep(50 * time.Millisecond)
		f.runtime.FailInstance("a", nil)
	}()

	executionID, err := f.coordinator.ExecuteBatch(context.Background(), "seq-retry")
	require.NoError(t, err)

	result := f.await(t, executionID)
	if result.Success {
		assert.Greater(t, result.ItemResults[0].Attempts, 1)
	}
	// Whether or not the timing let a retry land, the result is terminal
	// and the attempt count is recorded.
	assert.GreaterOrEqual(t, result.ItemResults[0].Attempts, 1)
}

func TestParallelConcurrencyBound(t *testing.T) {
	f := newFixture(t, "a", "b", "c", "d")
	f.runtime.StartDelay = 50 * time.Millisecond

	_, err := f.coordinator.CreateBatch(Operation{
		BatchID:  "par-1",
		Items:    startItems("a", "b", "c", "d"),
		Strategy: Strategy{Kind: StrategyParallel, MaxConcurrent: 2},
	})
	require.NoError(t, err)

	executionID, err := f.coordinator.ExecuteBatch(context.Background(), "par-1")
	require.NoError(t, err)

	result := f.await(t, executionID)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 4, result.SuccessCount)
	assert.LessOrEqual(t, f.runtime.Peak(), 2, "at most 2 items in flight")
}

func TestDependencyOrderedWaitsForDependencies(t *testing.T) {
	f := newFixture(t, "a", "b", "c")

	_, err := f.coordinator.CreateBatch(Operation{
		BatchID: "dep-1",
		Items: []Item{
			{ItemID: "A", Kind: lifecycle.OpStart, Target: "a"},
			{ItemID: "B", Kind: lifecycle.OpStart, Target: "b"},
			{ItemID: "C", Kind: lifecycle.OpStart, Target: "c", Dependencies: []string{"A", "B"}},
		},
		Strategy: Strategy{Kind: StrategyDependencyOrdered},
	})
	require.NoError(t, err)

	executionID, err := f.coordinator.ExecuteBatch(context.Background(), "dep-1")
	require.NoError(t, err)

	result := f.await(t, executionID)
	require.Equal(t, StatusCompleted, result.Status)

	var a, b, c ItemResult
	for _, item := range result.ItemResults {
		switch item.ItemID {
		case "A":
			a = item
		case "B":
			b = item
		case "C":
			c = item
		}
	}
	require.NotNil(t, c.StartedAt)
	assert.False(t, c.StartedAt.Before(*a.CompletedAt), "C starts at or after A completes")
	assert.False(t, c.StartedAt.Before(*b.CompletedAt), "C starts at or after B completes")
}

func TestDependencyOrderedSkipsDependentsOfFailure(t *testing.T) {
	f := newFixture(t, "a", "b")
	f.runtime.FailInstance("a", errors.New("broken"))

	_, err := f.coordinator.CreateBatch(Operation{
		BatchID: "dep-2",
		Items: []Item{
			{ItemID: "A", Kind: lifecycle.OpStart, Target: "a"},
			{ItemID: "B", Kind: lifecycle.OpStart, Target: "b", Dependencies: []string{"A"}},
		},
		Strategy: Strategy{Kind: StrategyDependencyOrdered},
	})
	require.NoError(t, err)

	executionID, err := f.coordinator.ExecuteBatch(context.Background(), "dep-2")
	require.NoError(t, err)

	result := f.await(t, executionID)
	assert.Equal(t, ItemFailed, result.ItemResults[0].Status)
	assert.Equal(t, ItemSkipped, result.ItemResults[1].Status)
	assert.False(t, f.runtime.IsRunning("b"))
}

func TestRollingExecutesInChunks(t *testing.T) {
	f := newFixture(t, "a", "b", "c", "d")

	_, err := f.coordinator.CreateBatch(Operation{
		BatchID: "roll-1",
		Items:   startItems("a", "b", "c", "d"),
		Strategy: Strategy{
			Kind:          StrategyRolling,
			BatchSize:     2,
			PauseDuration: 20 * time.Millisecond,
		},
	})
	require.NoError(t, err)

	executionID, err := f.coordinator.ExecuteBatch(context.Background(), "roll-1")
	require.NoError(t, err)

	result := f.await(t, executionID)
	require.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 4, result.SuccessCount)
	// The pause between the two chunks is part of the wall time.
	assert.GreaterOrEqual(t, result.Duration, 20*time.Millisecond)
}

func TestRollingRollsBackAppliedChunks(t *testing.T) {
	f := newFixture(t, "a", "b", "c", "d")
	f.runtime.FailInstance("c", errors.New("broken"))

	_, err := f.coordinator.CreateBatch(Operation{
		BatchID: "roll-2",
		Items:   startItems("a", "b", "c", "d"),
		Strategy: Strategy{
			Kind:                   StrategyRolling,
			BatchSize:              1,
			RollbackOnBatchFailure: true,
		},
	})
	require.NoError(t, err)

	executionID, err := f.coordinator.ExecuteBatch(context.Background(), "roll-2")
	require.NoError(t, err)

	result := f.await(t, executionID)
	assert.Equal(t, StatusFailed, result.Status)
	// The first chunk had started a and b; the rollback stopped them.
	assert.False(t, f.runtime.IsRunning("a"))
	assert.False(t, f.runtime.IsRunning("b"))
	assert.False(t, f.runtime.IsRunning("d"), "item after failed chunk never dispatched")
}

func TestCanaryFailureBlocksRemainder(t *testing.T) {
	f := newFixture(t, "a", "b", "c", "d")
	f.runtime.FailInstance("a", errors.New("broken"))

	_, err := f.coordinator.CreateBatch(Operation{
		BatchID: "canary-1",
		Items:   startItems("a", "b", "c", "d"),
		Strategy: Strategy{
			Kind: StrategyCanary,
			Canary: &CanaryConfig{
				Size:            CanarySize{Percentage: 25},
				SuccessCriteria: CanarySuccessCriteria{SuccessRateThreshold: 100},
				AutoPromote:     true,
			},
		},
	})
	require.NoError(t, err)

	executionID, err := f.coordinator.ExecuteBatch(context.Background(), "canary-1")
	require.NoError(t, err)

	result := f.await(t, executionID)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 1, result.FailureCount)
	assert.Equal(t, 3, result.SkippedCount)
	for _, id := range []string{"b", "c", "d"} {
		assert.False(t, f.runtime.IsRunning(id), id+" must never be dispatched")
	}
}

func TestCanarySuccessPromotesRemainder(t *testing.T) {
	f := newFixture(t, "a", "b", "c", "d")

	_, err := f.coordinator.CreateBatch(Operation{
		BatchID: "canary-2",
		Items:   startItems("a", "b", "c", "d"),
		Strategy: Strategy{
			Kind: StrategyCanary,
			Canary: &CanaryConfig{
				Size:            CanarySize{Percentage: 25},
				SuccessCriteria: CanarySuccessCriteria{SuccessRateThreshold: 100},
				AutoPromote:     true,
			},
		},
	})
	require.NoError(t, err)

	executionID, err := f.coordinator.ExecuteBatch(context.Background(), "canary-2")
	require.NoError(t, err)

	result := f.await(t, executionID)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 4, result.SuccessCount)
	for _, id := range []string{"a", "b", "c", "d"} {
		assert.True(t, f.runtime.IsRunning(id))
	}
}

func TestCanaryWithoutAutoPromoteSkipsRemainder(t *testing.T) {
	f := newFixture(t, "a", "b")

	_, err := f.coordinator.CreateBatch(Operation{
		BatchID: "canary-3",
		Items:   startItems("a", "b"),
		Strategy: Strategy{
			Kind: StrategyCanary,
			Canary: &CanaryConfig{
				Size:            CanarySize{Count: 1},
				SuccessCriteria: CanarySuccessCriteria{SuccessRateThreshold: 100},
			},
		},
	})
	require.NoError(t, err)

	executionID, err := f.coordinator.ExecuteBatch(context.Background(), "canary-3")
	require.NoError(t, err)

	result := f.await(t, executionID)
	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, 1, result.SkippedCount)
	assert.False(t, f.runtime.IsRunning("b"))
}

func TestCancelExecution(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	f.runtime.StartDelay = 200 * time.Millisecond

	_, err := f.coordinator.CreateBatch(Operation{
		BatchID:  "cancel-1",
		Items:    startItems("a", "b", "c"),
		Strategy: Strategy{Kind: StrategySequential},
	})
	require.NoError(t, err)

	executionID, err := f.coordinator.ExecuteBatch(context.Background(), "cancel-1")
	require.NoError(t, err)

	// Cancel while the first item is in flight.
	require.Eventually(t, func() bool {
		progress, ok := f.coordinator.GetExecutionProgress(executionID)
		return ok && progress.CurrentItem != ""
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, f.coordinator.CancelExecution(executionID))

	result := f.await(t, executionID)
	assert.Equal(t, StatusCancelled, result.Status)
	for _, item := range result.ItemResults[1:] {
		assert.Equal(t, ItemCancelled, item.Status)
	}
}

func TestDryRunDispatchesNothing(t *testing.T) {
	f := newFixture(t, "a", "b")

	_, err := f.coordinator.CreateBatch(Operation{
		BatchID:  "dry-1",
		Items:    startItems("a", "b"),
		Strategy: Strategy{Kind: StrategyParallel},
	})
	require.NoError(t, err)

	executionID, err := f.coordinator.ExecuteBatchWithContext(context.Background(), "dry-1", ExecutionContext{DryRun: true})
	require.NoError(t, err)

	result := f.await(t, executionID)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.True(t, result.DryRun)
	assert.Equal(t, 2, result.SuccessCount)
	assert.False(t, f.runtime.IsRunning("a"))
	assert.False(t, f.runtime.IsRunning("b"))
}

func TestProgressIsMonotonic(t *testing.T) {
	f := newFixture(t, "a", "b", "c", "d")
	f.runtime.StartDelay = 30 * time.Millisecond

	_, err := f.coordinator.CreateBatch(Operation{
		BatchID:  "prog-1",
		Items:    startItems("a", "b", "c", "d"),
		Strategy: Strategy{Kind: StrategySequential},
	})
	require.NoError(t, err)

	executionID, err := f.coordinator.ExecuteBatch(context.Background(), "prog-1")
	require.NoError(t, err)

	var last float64
	var violated atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			progress, ok := f.coordinator.GetExecutionProgress(executionID)
			if ok {
				if progress.Percentage < last {
					violated.Store(true)
				}
				last = progress.Percentage
				if progress.ItemsCompleted == progress.TotalItems {
					return
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	result := f.await(t, executionID)
	<-done
	assert.Equal(t, StatusCompleted, result.Status)
	assert.False(t, violated.Load(), "progress percentage must never decrease")
}

func TestTemplateLifecycle(t *testing.T) {
	f := newFixture(t, "web-1", "web-2")

	_, err := f.coordinator.CreateTemplate(Template{})
	assert.True(t, api.IsValidation(err))

	templateID, err := f.coordinator.CreateTemplate(Template{
		TemplateID:  "restart-pair",
		Name:        "Restart a pair of instances",
		Description: "Starts {{ first }} then {{ second }}",
		Items: []Item{
			{ItemID: "i1", Kind: lifecycle.OpStart, Target: "{{ first }}"},
			{ItemID: "i2", Kind: lifecycle.OpStart, Target: "{{ second }}", Dependencies: []string{"i1"}},
		},
		Strategy: Strategy{Kind: StrategyDependencyOrdered},
		Parameters: []TemplateParameter{
			{Name: "first", Required: true},
			{Name: "second", Required: true},
		},
	})
	require.NoError(t, err)

	stored, ok := f.coordinator.GetTemplate(templateID)
	require.True(t, ok)
	assert.Equal(t, "Restart a pair of instances", stored.Name)
	assert.Len(t, f.coordinator.ListTemplates(), 1)

	// Missing required parameter.
	_, err = f.coordinator.ExecuteFromTemplate(context.Background(), templateID,
		map[string]interface{}{"first": "web-1"}, ExecutionContext{})
	require.Error(t, err)
	assert.True(t, api.IsValidation(err))

	executionID, err := f.coordinator.ExecuteFromTemplate(context.Background(), templateID,
		map[string]interface{}{"first": "web-1", "second": "web-2"}, ExecutionContext{})
	require.NoError(t, err)

	result := f.await(t, executionID)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.True(t, f.runtime.IsRunning("web-1"))
	assert.True(t, f.runtime.IsRunning("web-2"))
}

func TestExecuteUnknownBatch(t *testing.T) {
	f := newFixture(t)
	_, err := f.coordinator.ExecuteBatch(context.Background(), "ghost")
	assert.True(t, api.IsNotFound(err))
}

func TestResultRoundTrip(t *testing.T) {
	started := time.Now().UTC().Truncate(time.Millisecond)
	completed := started.Add(3 * time.Second)
	original := Result{
		ExecutionID: "exec-1",
		BatchID:     "batch-1",
		Status:      StatusFailed,
		StartedAt:   &started,
		CompletedAt: &completed,
		Duration:    3 * time.Second,
		ItemResults: []ItemResult{
			{ItemID: "i1", Target: "a", OperationID: "op-1", Status: ItemCompleted, Success: true, StartedAt: &started, CompletedAt: &completed, Duration: time.Second, Attempts: 1},
			{ItemID: "i2", Target: "b", Status: ItemFailed, Error: "boom", Attempts: 2},
			{ItemID: "i3", Target: "c", Status: ItemSkipped, Error: "skipped after failure of i2"},
		},
		SuccessCount:         1,
		FailureCount:         1,
		SkippedCount:         1,
		CompletionPercentage: 33.333333333333336,
		Error:                "one item failed",
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)
	var decoded Result
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original, decoded)
}

func TestTerminalExecutionEvictedToHistory(t *testing.T) {
	f := newFixture(t, "a")
	f.coordinator.retention = 20 * time.Millisecond

	_, err := f.coordinator.CreateBatch(Operation{
		BatchID:  "evicted",
		Items:    startItems("a"),
		Strategy: Strategy{Kind: StrategySequential},
	})
	require.NoError(t, err)

	executionID, err := f.coordinator.ExecuteBatch(context.Background(), "evicted")
	require.NoError(t, err)
	f.await(t, executionID)

	require.Eventually(t, func() bool {
		f.coordinator.mu.RLock()
		_, live := f.coordinator.executions[executionID]
		f.coordinator.mu.RUnlock()
		return !live
	}, 2*time.Second, 10*time.Millisecond, "terminal execution stays in the active map")

	// History still answers both lookups after eviction.
	result, ok := f.coordinator.GetExecutionResult(executionID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, result.Status)

	status, ok := f.coordinator.GetBatchStatus("evicted")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, status.(Result).Status)
}

func TestSummarize(t *testing.T) {
	at := func(d time.Duration) *time.Time {
		ts := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC).Add(d)
		return &ts
	}
	result := Result{
		ItemResults: []ItemResult{
			{ItemID: "a", StartedAt: at(0), CompletedAt: at(time.Second), Duration: time.Second},
			{ItemID: "b", StartedAt: at(0), CompletedAt: at(3 * time.Second), Duration: 3 * time.Second},
			{ItemID: "c", Status: ItemSkipped},
		},
	}

	summary := result.Summarize()
	assert.Equal(t, "a", summary.FastestItem)
	assert.Equal(t, "b", summary.SlowestItem)
	assert.Equal(t, 2*time.Second, summary.AverageDuration)

	assert.Equal(t, Summary{}, Result{}.Summarize())
}
