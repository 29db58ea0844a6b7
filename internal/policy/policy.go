// Package policy implements admission control for lifecycle operations.
// Every operation is evaluated exactly once, after it leaves the queue and
// before any side effect occurs. A denial terminates the operation without
// touching instance state.
package policy

import (
	"sync"
	"time"

	"conductor/internal/api"
	"conductor/pkg/logging"
)

// Decision is the verdict for one operation.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`

	// Rule names the rule that produced a denial, empty when allowed.
	Rule string `json:"rule,omitempty"`
}

// EvaluationContext carries everything a rule may inspect.
type EvaluationContext struct {
	OperationID   string
	OperationKind string
	InstanceID    string
	Requester     api.RequesterContext
	Timestamp     time.Time
}

// Rule is one pluggable admission check. Rules must be side-effect free.
type Rule interface {
	// Name identifies the rule in decisions and logs.
	Name() string

	// Evaluate returns (true, "") to allow or (false, reason) to deny.
	Evaluate(ctx EvaluationContext) (bool, string)
}

// Engine evaluates all registered rules in order. The first denial wins.
type Engine struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewEngine creates an engine with the given rules. An engine with no
// rules allows everything.
func NewEngine(rules ...Rule) *Engine {
	return &Engine{rules: rules}
}

// AddRule appends a rule to the evaluation chain.
func (e *Engine) AddRule(rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule)
}

// EvaluateOperation runs the rule chain for one operation.
func (e *Engine) EvaluateOperation(ctx EvaluationContext) Decision {
	e.mu.RLock()
	rules := make([]Rule, len(e.rules))
	copy(rules, e.rules)
	e.mu.RUnlock()

	for _, rule := range rules {
		allowed, reason := rule.Evaluate(ctx)
		if !allowed {
			logging.Debug("Policy", "Operation %s denied by rule %s: %s", ctx.OperationID, rule.Name(), reason)
			return Decision{Allowed: false, Reason: reason, Rule: rule.Name()}
		}
	}
	return Decision{Allowed: true}
}
