package automation

import (
	"strings"
	"time"

	"conductor/internal/api"
	"conductor/internal/lifecycle"
)

// TriggerKind classifies what causes a rule to be considered.
type TriggerKind string

const (
	TriggerHealth      TriggerKind = "health"
	TriggerState       TriggerKind = "state"
	TriggerPerformance TriggerKind = "performance"
	TriggerEvent       TriggerKind = "event"
	TriggerTime        TriggerKind = "time"
	TriggerManual      TriggerKind = "manual"
)

// Trigger matches incoming events against a rule. Filter entries must all
// equal the corresponding event data fields for the trigger to match.
type Trigger struct {
	ID       string            `json:"id" yaml:"id"`
	Kind     TriggerKind       `json:"kind" yaml:"kind"`
	Filter   map[string]string `json:"filter,omitempty" yaml:"filter,omitempty"`
	Enabled  bool              `json:"enabled" yaml:"enabled"`
	Cooldown time.Duration     `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
}

// ConditionKind selects how a condition is evaluated.
type ConditionKind string

const (
	// ConditionExpression compares an event data field to a value.
	ConditionExpression ConditionKind = "expression"
	// ConditionTimeWindow passes only within a daily time window.
	ConditionTimeWindow ConditionKind = "time-window"
	// ConditionThreshold compares a numeric event data field against a
	// bound.
	ConditionThreshold ConditionKind = "threshold"
)

// ThresholdOperator compares a numeric field to a value.
type ThresholdOperator string

const (
	OpGreaterThan ThresholdOperator = ">"
	OpLessThan    ThresholdOperator = "<"
	OpEqual       ThresholdOperator = "=="
)

// TimeWindow is a daily window in minutes since midnight. Windows that
// wrap midnight (Start > End) are supported.
type TimeWindow struct {
	StartMinute int `json:"startMinute" yaml:"startMinute"`
	EndMinute   int `json:"endMinute" yaml:"endMinute"`
}

// Condition gates rule execution after a trigger matched. Negate inverts
// the outcome.
type Condition struct {
	ID   string        `json:"id" yaml:"id"`
	Kind ConditionKind `json:"kind" yaml:"kind"`

	// Expression: "field == value" style equality against event data.
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
	Value string `json:"value,omitempty" yaml:"value,omitempty"`

	// Threshold.
	Operator  ThresholdOperator `json:"operator,omitempty" yaml:"operator,omitempty"`
	Threshold float64           `json:"threshold,omitempty" yaml:"threshold,omitempty"`

	// TimeWindow.
	Window *TimeWindow `json:"window,omitempty" yaml:"window,omitempty"`

	Negate bool `json:"negate,omitempty" yaml:"negate,omitempty"`
}

// ActionKind selects what a rule action does.
type ActionKind string

const (
	ActionStartInstance    ActionKind = "start-instance"
	ActionStopInstance     ActionKind = "stop-instance"
	ActionRestartInstance  ActionKind = "restart-instance"
	ActionScalePlugin      ActionKind = "scale-plugin"
	ActionHealthCheck      ActionKind = "health-check"
	ActionSendNotification ActionKind = "send-notification"
)

// Action is one step of a rule's response. Instance-mutating kinds
// delegate to the lifecycle manager; notifications go to the external
// sender. Target may reference event data fields as {{ field }}.
type Action struct {
	ID   string     `json:"id" yaml:"id"`
	Kind ActionKind `json:"kind" yaml:"kind"`

	// Target is the instance id (or plugin id for scale actions).
	Target string `json:"target,omitempty" yaml:"target,omitempty"`

	// TargetInstances applies to scale actions.
	TargetInstances int `json:"targetInstances,omitempty" yaml:"targetInstances,omitempty"`

	// Channel and Message apply to notification actions. Message is
	// rendered with the event data in scope.
	Channel string `json:"channel,omitempty" yaml:"channel,omitempty"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Order sequences actions; equal-order parallel actions run
	// concurrently.
	Order    int  `json:"order" yaml:"order"`
	Parallel bool `json:"parallel,omitempty" yaml:"parallel,omitempty"`
}

// RateLimit bounds executions to MaxRequests per Period.
type RateLimit struct {
	MaxRequests int           `json:"maxRequests" yaml:"maxRequests"`
	Period      time.Duration `json:"period" yaml:"period"`
}

// Limits throttles a rule. When a limit is reached, further triggers are
// dropped, not queued.
type Limits struct {
	MaxExecutionsPerWindow int           `json:"maxExecutionsPerWindow,omitempty" yaml:"maxExecutionsPerWindow,omitempty"`
	ExecutionWindow        time.Duration `json:"executionWindow,omitempty" yaml:"executionWindow,omitempty"`
	MaxConcurrent          int           `json:"maxConcurrent,omitempty" yaml:"maxConcurrent,omitempty"`
	RateLimit              *RateLimit    `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
}

// ScopeKind restricts which events a rule sees.
type ScopeKind string

const (
	ScopeGlobal   ScopeKind = "global"
	ScopePlugin   ScopeKind = "plugin"
	ScopeInstance ScopeKind = "instance"
)

// Scope restricts a rule to a plugin or instance; global rules see
// everything.
type Scope struct {
	Kind   ScopeKind `json:"kind" yaml:"kind"`
	Target string    `json:"target,omitempty" yaml:"target,omitempty"`
}

// Rule is a fully serializable automation rule.
type Rule struct {
	ID          string                `json:"id" yaml:"id"`
	Name        string                `json:"name" yaml:"name"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool                  `json:"enabled" yaml:"enabled"`
	Priority    api.OperationPriority `json:"priority,omitempty" yaml:"priority,omitempty"`
	Triggers    []Trigger             `json:"triggers" yaml:"triggers"`
	Conditions  []Condition           `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Actions     []Action              `json:"actions" yaml:"actions"`
	Scope       Scope                 `json:"scope,omitempty" yaml:"scope,omitempty"`
	Limits      *Limits               `json:"limits,omitempty" yaml:"limits,omitempty"`
}

// Validate rejects rules with an empty id or name, zero triggers, or zero
// actions.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return api.NewValidationError("rule", "id", "must not be empty")
	}
	if strings.TrimSpace(r.Name) == "" {
		return api.NewValidationError("rule", "name", "must not be empty")
	}
	if len(r.Triggers) == 0 {
		return api.NewValidationError("rule", "triggers", "must not be empty")
	}
	if len(r.Actions) == 0 {
		return api.NewValidationError("rule", "actions", "must not be empty")
	}
	for _, action := range r.Actions {
		switch action.Kind {
		case ActionStartInstance, ActionStopInstance, ActionRestartInstance,
			ActionScalePlugin, ActionHealthCheck:
			if strings.TrimSpace(action.Target) == "" {
				return api.NewValidationError("rule", "actions",
					"action "+action.ID+": target must not be empty")
			}
		case ActionSendNotification:
			if strings.TrimSpace(action.Channel) == "" {
				return api.NewValidationError("rule", "actions",
					"action "+action.ID+": channel must not be empty")
			}
		default:
			return api.NewValidationError("rule", "actions",
				"action "+action.ID+": unknown kind: "+string(action.Kind))
		}
	}
	return nil
}

// operationKind maps an action to the lifecycle operation it queues.
func (a Action) operationKind() (lifecycle.OperationKind, bool) {
	switch a.Kind {
	case ActionStartInstance:
		return lifecycle.OpStart, true
	case ActionStopInstance:
		return lifecycle.OpStop, true
	case ActionRestartInstance:
		return lifecycle.OpRestart, true
	case ActionScalePlugin:
		return lifecycle.OpScale, true
	case ActionHealthCheck:
		return lifecycle.OpHealthCheck, true
	default:
		return "", false
	}
}

// Severity classifies automation events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a domain event fed into the engine. Kind steers trigger
// matching; Data is available to condition evaluation and action
// templating.
type Event struct {
	EventID    string                 `json:"eventId"`
	Kind       TriggerKind            `json:"kind"`
	Source     string                 `json:"source,omitempty"`
	InstanceID string                 `json:"instanceId,omitempty"`
	PluginID   string                 `json:"pluginId,omitempty"`
	Severity   Severity               `json:"severity,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// ActionResult records one executed action.
type ActionResult struct {
	ActionID    string        `json:"actionId"`
	Kind        ActionKind    `json:"kind"`
	Success     bool          `json:"success"`
	OperationID string        `json:"operationId,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Execution records one rule firing.
type Execution struct {
	ExecutionID string         `json:"executionId"`
	RuleID      string         `json:"ruleId"`
	TriggerID   string         `json:"triggerId,omitempty"`
	Manual      bool           `json:"manual,omitempty"`
	Success     bool           `json:"success"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Duration    time.Duration  `json:"duration,omitempty"`
	Actions     []ActionResult `json:"actions,omitempty"`
	Message     string         `json:"message,omitempty"`
}

// EngineEventType enumerates engine observability events.
type EngineEventType string

const (
	EventRuleAdded          EngineEventType = "rule-added"
	EventRuleRemoved        EngineEventType = "rule-removed"
	EventExecutionStarted   EngineEventType = "execution-started"
	EventExecutionCompleted EngineEventType = "execution-completed"
	EventExecutionDropped   EngineEventType = "execution-dropped"
)

// EngineEvent is published on the engine's event bus.
type EngineEvent struct {
	Type        EngineEventType `json:"type"`
	RuleID      string          `json:"ruleId,omitempty"`
	ExecutionID string          `json:"executionId,omitempty"`
	Success     bool            `json:"success,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Metrics aggregates engine counters.
type Metrics struct {
	TotalRules           int       `json:"totalRules"`
	EventsProcessed      uint64    `json:"eventsProcessed"`
	ExecutionsStarted    uint64    `json:"executionsStarted"`
	SuccessfulExecutions uint64    `json:"successfulExecutions"`
	FailedExecutions     uint64    `json:"failedExecutions"`
	DroppedByLimits      uint64    `json:"droppedByLimits"`
	LastUpdated          time.Time `json:"lastUpdated"`
}
