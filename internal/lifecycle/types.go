package lifecycle

import (
	"time"

	"conductor/internal/api"
	"conductor/internal/policy"
)

// OperationKind names a lifecycle operation variant.
type OperationKind string

const (
	OpStart        OperationKind = "start"
	OpStop         OperationKind = "stop"
	OpRestart      OperationKind = "restart"
	OpScale        OperationKind = "scale"
	OpUpdateConfig OperationKind = "update-config"
	OpHealthCheck  OperationKind = "health-check"
	OpMaintenance  OperationKind = "maintenance"
	OpRollback     OperationKind = "rollback"
)

// MaintenanceKind selects what a maintenance operation does.
type MaintenanceKind string

const (
	MaintenanceHealth          MaintenanceKind = "health"
	MaintenancePerformance     MaintenanceKind = "performance"
	MaintenanceSecurity        MaintenanceKind = "security"
	MaintenanceDependency      MaintenanceKind = "dependency"
	MaintenanceConfiguration   MaintenanceKind = "configuration"
	MaintenanceResourceCleanup MaintenanceKind = "resource-cleanup"
)

// Operation is one requested lifecycle action. Kind decides which of the
// remaining fields are meaningful: instance-scoped operations use
// InstanceID, scale and rolling update target a plugin via PluginID.
type Operation struct {
	Kind       OperationKind `json:"kind" yaml:"kind"`
	InstanceID string        `json:"instanceId,omitempty" yaml:"instanceId,omitempty"`
	PluginID   string        `json:"pluginId,omitempty" yaml:"pluginId,omitempty"`

	// TargetInstances is the desired instance count for scale.
	TargetInstances int `json:"targetInstances,omitempty" yaml:"targetInstances,omitempty"`

	// Config carries new configuration values for update-config.
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`

	// Maintenance selects the maintenance flavor for maintenance.
	Maintenance MaintenanceKind `json:"maintenance,omitempty" yaml:"maintenance,omitempty"`

	// TargetVersion is the version to roll back to for rollback.
	TargetVersion string `json:"targetVersion,omitempty" yaml:"targetVersion,omitempty"`

	// DrainPeriod delays the runtime stop for graceful shutdown.
	DrainPeriod time.Duration `json:"drainPeriod,omitempty" yaml:"drainPeriod,omitempty"`
}

// Target returns the instance or plugin id the operation acts on.
func (o Operation) Target() string {
	if o.InstanceID != "" {
		return o.InstanceID
	}
	return o.PluginID
}

// RollbackStrategyKind selects how a compensating rollback is applied.
type RollbackStrategyKind string

const (
	RollbackImmediate   RollbackStrategyKind = "immediate"
	RollbackGraceful    RollbackStrategyKind = "graceful"
	RollbackProgressive RollbackStrategyKind = "progressive"
	RollbackManual      RollbackStrategyKind = "manual"
)

// RollbackStrategy configures the compensation applied after a partial
// failure. Only Immediate and Graceful are executed in-process; Progressive
// and Manual are routed to a pluggable RollbackExecutor.
type RollbackStrategy struct {
	Kind         RollbackStrategyKind `json:"kind" yaml:"kind"`
	DrainPeriod  time.Duration        `json:"drainPeriod,omitempty" yaml:"drainPeriod,omitempty"`
	Steps        int                  `json:"steps,omitempty" yaml:"steps,omitempty"`
	StepDuration time.Duration        `json:"stepDuration,omitempty" yaml:"stepDuration,omitempty"`
}

// RollbackConfig enables automatic compensation when an operation fails
// after partial success.
type RollbackConfig struct {
	AutoRollback bool             `json:"autoRollback" yaml:"autoRollback"`
	Strategy     RollbackStrategy `json:"strategy" yaml:"strategy"`
	Timeout      time.Duration    `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Request asks the manager to perform one operation.
type Request struct {
	// OperationID must be unique across active operations and history.
	OperationID string `json:"operationId" yaml:"operationId"`

	Operation Operation             `json:"operation" yaml:"operation"`
	Priority  api.OperationPriority `json:"priority" yaml:"priority"`

	// Timeout bounds execution; zero uses the manager default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	Requester api.RequesterContext `json:"requester" yaml:"requester"`

	// DependsOn lists operation ids that must reach Completed before this
	// request executes.
	DependsOn []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`

	Rollback *RollbackConfig `json:"rollback,omitempty" yaml:"rollback,omitempty"`

	RequestedAt time.Time `json:"requestedAt" yaml:"requestedAt"`
}

// Status is the lifecycle of a request itself.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTimedOut   Status = "timed-out"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// OperationMetrics carries measurements sampled around an operation.
type OperationMetrics struct {
	CPUPercent  float64                `json:"cpuPercent,omitempty"`
	MemoryBytes uint64                 `json:"memoryBytes,omitempty"`
	Custom      map[string]interface{} `json:"custom,omitempty"`
}

// RollbackInfo records the outcome of a compensating rollback, nested in
// the original operation's result.
type RollbackInfo struct {
	Performed   bool          `json:"performed"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Result is the queryable record of an operation.
type Result struct {
	OperationID       string           `json:"operationId"`
	Operation         Operation        `json:"operation"`
	Status            Status           `json:"status"`
	StartedAt         *time.Time       `json:"startedAt,omitempty"`
	CompletedAt       *time.Time       `json:"completedAt,omitempty"`
	Duration          time.Duration    `json:"duration,omitempty"`
	Message           string           `json:"message,omitempty"`
	Error             string           `json:"error,omitempty"`
	Metrics           OperationMetrics `json:"metrics"`
	AffectedInstances []string         `json:"affectedInstances,omitempty"`
	RollbackInfo      *RollbackInfo    `json:"rollbackInfo,omitempty"`
}

// EventType classifies lifecycle events.
type EventType string

const (
	EventOperationQueued    EventType = "operation-queued"
	EventOperationStarted   EventType = "operation-started"
	EventOperationCompleted EventType = "operation-completed"
	EventStateTransition    EventType = "state-transition"
	EventPolicyEvaluated    EventType = "policy-evaluated"
	EventRollbackTriggered  EventType = "rollback-triggered"
)

// Event is published on the manager's event bus for every notable step.
type Event struct {
	Type        EventType         `json:"type"`
	OperationID string            `json:"operationId,omitempty"`
	Operation   *Operation        `json:"operation,omitempty"`
	InstanceID  string            `json:"instanceId,omitempty"`
	FromState   api.InstanceState `json:"fromState,omitempty"`
	ToState     api.InstanceState `json:"toState,omitempty"`
	Success     bool              `json:"success,omitempty"`
	Decision    *policy.Decision  `json:"decision,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Metrics is a snapshot of manager counters, refreshed by the periodic
// sampler and by operation completion.
type Metrics struct {
	TotalOperations      uint64                   `json:"totalOperations"`
	SuccessfulOperations uint64                   `json:"successfulOperations"`
	FailedOperations     uint64                   `json:"failedOperations"`
	CancelledOperations  uint64                   `json:"cancelledOperations"`
	TimedOutOperations   uint64                   `json:"timedOutOperations"`
	AverageDuration      time.Duration            `json:"averageDuration"`
	OperationsByKind     map[OperationKind]uint64 `json:"operationsByKind"`
	QueueSize            int                      `json:"queueSize"`
	ActiveOperations     int                      `json:"activeOperations"`
	LastUpdated          time.Time                `json:"lastUpdated"`
}
