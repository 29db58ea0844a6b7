package batch

import (
	"time"

	"conductor/internal/api"
	"conductor/internal/lifecycle"
)

// StrategyKind selects how a batch's items are dispatched.
type StrategyKind string

const (
	StrategySequential        StrategyKind = "sequential"
	StrategyParallel          StrategyKind = "parallel"
	StrategyDependencyOrdered StrategyKind = "dependency-ordered"
	StrategyRolling           StrategyKind = "rolling"
	StrategyCanary            StrategyKind = "canary"
)

// FailureHandling controls how a sequential batch reacts to an item
// failure when StopOnFailure is unset.
type FailureHandling string

const (
	// FailureContinue moves on to the next item.
	FailureContinue FailureHandling = "continue"
	// FailureRetry re-runs the failed item per its retry config before
	// giving up on it.
	FailureRetry FailureHandling = "retry"
	// FailurePause stops dispatching and leaves the remainder skipped for
	// manual intervention.
	FailurePause FailureHandling = "pause"
)

// CanarySize picks the canary subset: a percentage of items, an absolute
// count, or explicit item ids. Exactly one field is set.
type CanarySize struct {
	Percentage int      `json:"percentage,omitempty" yaml:"percentage,omitempty"`
	Count      int      `json:"count,omitempty" yaml:"count,omitempty"`
	Items      []string `json:"items,omitempty" yaml:"items,omitempty"`
}

// CanarySuccessCriteria gates promotion of the remaining items.
type CanarySuccessCriteria struct {
	// SuccessRateThreshold is a percentage in [0, 100].
	SuccessRateThreshold float64 `json:"successRateThreshold" yaml:"successRateThreshold"`
	// EvaluationWindow is how long to observe the canary before judging.
	EvaluationWindow time.Duration `json:"evaluationWindow" yaml:"evaluationWindow"`
}

// CanaryConfig configures the canary strategy.
type CanaryConfig struct {
	Size            CanarySize            `json:"size" yaml:"size"`
	PauseDuration   time.Duration         `json:"pauseDuration,omitempty" yaml:"pauseDuration,omitempty"`
	SuccessCriteria CanarySuccessCriteria `json:"successCriteria" yaml:"successCriteria"`
	AutoPromote     bool                  `json:"autoPromote" yaml:"autoPromote"`
}

// Strategy is the tagged union of execution strategies. Kind decides which
// of the remaining fields apply.
type Strategy struct {
	Kind StrategyKind `json:"kind" yaml:"kind"`

	// Sequential.
	StopOnFailure   bool            `json:"stopOnFailure,omitempty" yaml:"stopOnFailure,omitempty"`
	FailureHandling FailureHandling `json:"failureHandling,omitempty" yaml:"failureHandling,omitempty"`

	// Parallel.
	MaxConcurrent int `json:"maxConcurrent,omitempty" yaml:"maxConcurrent,omitempty"`

	// DependencyOrdered.
	MaxConcurrentPerLevel int `json:"maxConcurrentPerLevel,omitempty" yaml:"maxConcurrentPerLevel,omitempty"`

	// Rolling.
	BatchSize                 int           `json:"batchSize,omitempty" yaml:"batchSize,omitempty"`
	PauseDuration             time.Duration `json:"pauseDuration,omitempty" yaml:"pauseDuration,omitempty"`
	HealthCheckBetweenBatches bool          `json:"healthCheckBetweenBatches,omitempty" yaml:"healthCheckBetweenBatches,omitempty"`
	RollbackOnBatchFailure    bool          `json:"rollbackOnBatchFailure,omitempty" yaml:"rollbackOnBatchFailure,omitempty"`

	// Canary.
	Canary *CanaryConfig `json:"canary,omitempty" yaml:"canary,omitempty"`
}

// RetryPolicy bounds per-item retries.
type RetryPolicy struct {
	MaxAttempts int           `json:"maxAttempts" yaml:"maxAttempts"`
	Delay       time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`
}

// Item is one operation inside a batch.
type Item struct {
	// ItemID must be unique within the batch.
	ItemID string `json:"itemId" yaml:"itemId"`

	// Kind is the lifecycle operation to perform against Target.
	Kind lifecycle.OperationKind `json:"kind" yaml:"kind"`

	// Target is the instance id, or the plugin id for scale operations.
	Target string `json:"target" yaml:"target"`

	// TargetInstances applies to scale operations only.
	TargetInstances int `json:"targetInstances,omitempty" yaml:"targetInstances,omitempty"`

	Priority api.OperationPriority `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Dependencies lists item ids within the same batch that must complete
	// before this item runs.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	Timeout  time.Duration             `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry    *RetryPolicy              `json:"retry,omitempty" yaml:"retry,omitempty"`
	Rollback *lifecycle.RollbackConfig `json:"rollback,omitempty" yaml:"rollback,omitempty"`
	Config   map[string]interface{}    `json:"config,omitempty" yaml:"config,omitempty"`
}

// operation maps the item onto a lifecycle operation.
func (i Item) operation() lifecycle.Operation {
	op := lifecycle.Operation{Kind: i.Kind, InstanceID: i.Target, Config: i.Config}
	if i.Kind == lifecycle.OpScale {
		op.InstanceID = ""
		op.PluginID = i.Target
		op.TargetInstances = i.TargetInstances
	}
	return op
}

// Config tunes batch execution behavior.
type Config struct {
	// Timeout bounds the whole execution; zero means no batch-level bound
	// beyond the per-item timeouts.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// ProgressInterval is the cadence of progress events during execution.
	ProgressInterval time.Duration `json:"progressInterval,omitempty" yaml:"progressInterval,omitempty"`
}

// Operation is a named batch: ordered items plus one execution strategy.
type Operation struct {
	BatchID     string   `json:"batchId" yaml:"batchId"`
	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Items       []Item   `json:"items" yaml:"items"`
	Strategy    Strategy `json:"strategy" yaml:"strategy"`
	Config      Config   `json:"config,omitempty" yaml:"config,omitempty"`
}

// ItemStatus is the per-item terminal (or in-flight) status.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemInProgress ItemStatus = "in-progress"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
	ItemSkipped    ItemStatus = "skipped"
	ItemCancelled  ItemStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemCompleted, ItemFailed, ItemSkipped, ItemCancelled:
		return true
	}
	return false
}

// ItemResult is the outcome of a single item.
type ItemResult struct {
	ItemID      string        `json:"itemId"`
	Target      string        `json:"target"`
	OperationID string        `json:"operationId,omitempty"`
	Status      ItemStatus    `json:"status"`
	Success     bool          `json:"success"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Attempts    int           `json:"attempts,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Status is the execution-level status.
type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusRollingBack Status = "rolling-back"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Result aggregates the outcome of one batch execution. It is fully
// serializable so external persistence can snapshot it.
type Result struct {
	ExecutionID          string        `json:"executionId"`
	BatchID              string        `json:"batchId"`
	Status               Status        `json:"status"`
	Success              bool          `json:"success"`
	DryRun               bool          `json:"dryRun,omitempty"`
	StartedAt            *time.Time    `json:"startedAt,omitempty"`
	CompletedAt          *time.Time    `json:"completedAt,omitempty"`
	Duration             time.Duration `json:"duration,omitempty"`
	ItemResults          []ItemResult  `json:"itemResults"`
	SuccessCount         int           `json:"successCount"`
	FailureCount         int           `json:"failureCount"`
	SkippedCount         int           `json:"skippedCount"`
	CompletionPercentage float64       `json:"completionPercentage"`
	Error                string        `json:"error,omitempty"`
}

// Summary condenses item timings for reporting.
type Summary struct {
	FastestItem     string        `json:"fastestItem,omitempty"`
	SlowestItem     string        `json:"slowestItem,omitempty"`
	AverageDuration time.Duration `json:"averageDuration,omitempty"`
}

// Summarize computes timing aggregates over the items that ran. Items that
// never dispatched (skipped, cancelled before start) do not count.
func (r Result) Summarize() Summary {
	var summary Summary
	var total time.Duration
	ran := 0
	for _, item := range r.ItemResults {
		if item.StartedAt == nil || item.CompletedAt == nil {
			continue
		}
		ran++
		total += item.Duration
		if summary.FastestItem == "" || item.Duration < r.itemDuration(summary.FastestItem) {
			summary.FastestItem = item.ItemID
		}
		if summary.SlowestItem == "" || item.Duration > r.itemDuration(summary.SlowestItem) {
			summary.SlowestItem = item.ItemID
		}
	}
	if ran > 0 {
		summary.AverageDuration = total / time.Duration(ran)
	}
	return summary
}

func (r Result) itemDuration(itemID string) time.Duration {
	for _, item := range r.ItemResults {
		if item.ItemID == itemID {
			return item.Duration
		}
	}
	return 0
}

// Progress is a point-in-time view of a running execution.
type Progress struct {
	ExecutionID    string        `json:"executionId"`
	BatchID        string        `json:"batchId"`
	Phase          string        `json:"phase"`
	ItemsCompleted int           `json:"itemsCompleted"`
	TotalItems     int           `json:"totalItems"`
	Percentage     float64       `json:"percentage"`
	CurrentItem    string        `json:"currentItem,omitempty"`
	Remaining      time.Duration `json:"remaining,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

// ExecutionContext carries per-execution options.
type ExecutionContext struct {
	// DryRun validates and simulates without dispatching any operation.
	DryRun    bool                 `json:"dryRun,omitempty" yaml:"dryRun,omitempty"`
	Requester api.RequesterContext `json:"requester" yaml:"requester"`
}

// TemplateParameter declares one substitutable parameter of a template.
type TemplateParameter struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool        `json:"required" yaml:"required"`
	Default     interface{} `json:"default,omitempty" yaml:"default,omitempty"`
}

// Template is a parameterized batch skeleton. Item targets and config
// values may reference parameters as {{ name }}.
type Template struct {
	TemplateID  string              `json:"templateId" yaml:"templateId"`
	Name        string              `json:"name" yaml:"name"`
	Description string              `json:"description,omitempty" yaml:"description,omitempty"`
	Items       []Item              `json:"items" yaml:"items"`
	Strategy    Strategy            `json:"strategy" yaml:"strategy"`
	Parameters  []TemplateParameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// EventType enumerates coordinator events.
type EventType string

const (
	EventBatchCreated       EventType = "batch-created"
	EventExecutionStarted   EventType = "execution-started"
	EventItemStarted        EventType = "item-started"
	EventItemCompleted      EventType = "item-completed"
	EventProgress           EventType = "progress"
	EventExecutionCompleted EventType = "execution-completed"
	EventCanaryEvaluated    EventType = "canary-evaluated"
	EventRollbackTriggered  EventType = "rollback-triggered"
)

// Event is published on the coordinator's event bus.
type Event struct {
	Type        EventType `json:"type"`
	BatchID     string    `json:"batchId,omitempty"`
	ExecutionID string    `json:"executionId,omitempty"`
	ItemID      string    `json:"itemId,omitempty"`
	Success     bool      `json:"success,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Progress    *Progress `json:"progress,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Metrics aggregates coordinator counters.
type Metrics struct {
	TotalBatches         int           `json:"totalBatches"`
	TotalExecutions      uint64        `json:"totalExecutions"`
	SuccessfulExecutions uint64        `json:"successfulExecutions"`
	FailedExecutions     uint64        `json:"failedExecutions"`
	CancelledExecutions  uint64        `json:"cancelledExecutions"`
	ItemsExecuted        uint64        `json:"itemsExecuted"`
	AverageDuration      time.Duration `json:"averageDuration"`
	LastUpdated          time.Time     `json:"lastUpdated"`
}
