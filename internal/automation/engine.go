package automation

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/api"
	"conductor/internal/bus"
	"conductor/internal/lifecycle"
	"conductor/internal/registry"
	"conductor/internal/runtime"
	"conductor/internal/template"
	"conductor/pkg/logging"
)

// Engine matches incoming events against automation rules and executes the
// matching rules' actions. Instance-mutating actions delegate to the
// lifecycle manager; notifications go to the configured sender.
type Engine struct {
	rules    *registry.Registry[Rule]
	manager  *lifecycle.Manager
	notifier runtime.NotificationSender
	events   *bus.Bus[EngineEvent]

	// Now is injectable for time-window condition tests.
	Now func() time.Time

	mu sync.Mutex
	// lastFired tracks cooldowns, keyed rule id + "/" + trigger id.
	lastFired map[string]time.Time
	// windowFirings and rateFirings hold recent execution timestamps per
	// rule for the rolling-window and rate limits.
	windowFirings map[string][]time.Time
	rateFirings   map[string][]time.Time
	concurrent    map[string]int

	historyMu sync.RWMutex
	history   []Execution

	historyLimit int

	metricsMu sync.Mutex
	metrics   Metrics

	wg sync.WaitGroup
}

// NewEngine wires an engine against its collaborators.
func NewEngine(manager *lifecycle.Manager, notifier runtime.NotificationSender) *Engine {
	return &Engine{
		rules:         registry.New[Rule]("rule"),
		manager:       manager,
		notifier:      notifier,
		events:        bus.New[EngineEvent](),
		Now:           time.Now,
		lastFired:     make(map[string]time.Time),
		windowFirings: make(map[string][]time.Time),
		rateFirings:   make(map[string][]time.Time),
		concurrent:    make(map[string]int),
		historyLimit:  200,
	}
}

// AddRule validates and stores a rule. Nothing is stored on validation
// failure.
func (e *Engine) AddRule(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if err := e.rules.Register(rule.ID, rule); err != nil {
		return err
	}
	e.publish(EngineEvent{Type: EventRuleAdded, RuleID: rule.ID, Timestamp: e.Now()})
	logging.Info("Automation", "Added rule %s (%d triggers, %d actions)", rule.ID, len(rule.Triggers), len(rule.Actions))
	return nil
}

// GetRule returns a stored rule.
func (e *Engine) GetRule(ruleID string) (Rule, bool) {
	return e.rules.Get(ruleID)
}

// UpdateRule replaces an existing rule after validation.
func (e *Engine) UpdateRule(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	return e.rules.Update(rule.ID, func(Rule) Rule { return rule })
}

// RemoveRule deletes a rule.
func (e *Engine) RemoveRule(ruleID string) error {
	if err := e.rules.Remove(ruleID); err != nil {
		return err
	}
	e.publish(EngineEvent{Type: EventRuleRemoved, RuleID: ruleID, Timestamp: e.Now()})
	return nil
}

// ListRules returns all stored rules.
func (e *Engine) ListRules() []Rule {
	return e.rules.List()
}

// ProcessEvent runs the event past every enabled rule and launches an
// execution for each rule whose trigger, cooldown, limits, and conditions
// all pass. It returns the launched execution ids.
func (e *Engine) ProcessEvent(ctx context.Context, event Event) []string {
	e.metricsMu.Lock()
	e.metrics.EventsProcessed++
	e.metricsMu.Unlock()

	rules := e.rules.List()
	sort.Slice(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	var launched []string
	for _, rule := range rules {
		if !rule.Enabled || !e.inScope(rule, event) {
			continue
		}
		trigger, ok := e.matchTrigger(rule, event)
		if !ok {
			continue
		}
		admittedAt := e.Now()
		if !e.admit(rule, admittedAt) {
			e.drop(rule.ID, "execution limits reached")
			continue
		}
		if !e.conditionsPass(rule, event) {
			e.unreserve(rule, admittedAt)
			continue
		}

		executionID := e.launch(ctx, rule, trigger.ID, event, false)
		launched = append(launched, executionID)
	}
	return launched
}

// TriggerRule manually fires a rule, bypassing trigger matching but not
// conditions or limits.
func (e *Engine) TriggerRule(ctx context.Context, ruleID string, data map[string]interface{}) (string, error) {
	rule, ok := e.rules.Get(ruleID)
	if !ok {
		return "", api.NewNotFoundError("rule", ruleID)
	}

	event := Event{
		EventID:   "manual-" + uuid.NewString(),
		Kind:      TriggerManual,
		Source:    "manual",
		Data:      data,
		Timestamp: e.Now(),
	}

	admittedAt := e.Now()
	if !e.admit(rule, admittedAt) {
		e.drop(rule.ID, "execution limits reached")
		return "", api.NewExecutionError("rule "+ruleID, fmt.Errorf("execution limits reached"))
	}
	if !e.conditionsPass(rule, event) {
		e.unreserve(rule, admittedAt)
		return "", api.NewExecutionError("rule "+ruleID, fmt.Errorf("conditions not met"))
	}

	return e.launch(ctx, rule, "", event, true), nil
}

// SubscribeEvents returns a channel of engine events.
func (e *Engine) SubscribeEvents() <-chan EngineEvent {
	return e.events.Subscribe()
}

// GetExecutionHistory returns recent executions, newest first, optionally
// filtered by rule id. limit <= 0 returns everything retained.
func (e *Engine) GetExecutionHistory(ruleID string, limit int) []Execution {
	e.historyMu.RLock()
	defer e.historyMu.RUnlock()

	var out []Execution
	for i := len(e.history) - 1; i >= 0; i-- {
		if ruleID != "" && e.history[i].RuleID != ruleID {
			continue
		}
		out = append(out, e.history[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// GetMetrics returns a snapshot of engine counters.
func (e *Engine) GetMetrics() Metrics {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	snapshot := e.metrics
	snapshot.TotalRules = e.rules.Len()
	return snapshot
}

// Wait blocks until all in-flight executions finish. Intended for
// shutdown and tests.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close waits for in-flight executions and closes the event bus. The
// engine must not process further events afterwards.
func (e *Engine) Close() {
	e.wg.Wait()
	e.events.Close()
}

// inScope reports whether the event falls inside the rule's scope.
func (e *Engine) inScope(rule Rule, event Event) bool {
	switch rule.Scope.Kind {
	case ScopePlugin:
		return event.PluginID == rule.Scope.Target
	case ScopeInstance:
		return event.InstanceID == rule.Scope.Target
	default:
		return true
	}
}

// matchTrigger finds the first enabled trigger whose kind and filter match
// the event and whose cooldown has elapsed. The firing time is recorded by
// launch, not here, so a match that never executes does not start the
// cooldown.
func (e *Engine) matchTrigger(rule Rule, event Event) (Trigger, bool) {
	now := e.Now()

	for _, trigger := range rule.Triggers {
		if !trigger.Enabled || trigger.Kind != event.Kind {
			continue
		}
		if !filterMatches(trigger.Filter, event) {
			continue
		}

		if trigger.Cooldown > 0 {
			key := rule.ID + "/" + trigger.ID
			e.mu.Lock()
			last, fired := e.lastFired[key]
			e.mu.Unlock()
			if fired && now.Sub(last) < trigger.Cooldown {
				continue
			}
		}
		return trigger, true
	}
	return Trigger{}, false
}

func filterMatches(filter map[string]string, event Event) bool {
	for field, want := range filter {
		var got string
		switch field {
		case "instanceId":
			got = event.InstanceID
		case "pluginId":
			got = event.PluginID
		case "source":
			got = event.Source
		case "severity":
			got = string(event.Severity)
		default:
			got = stringField(event.Data, field)
		}
		if got != want {
			return false
		}
	}
	return true
}

// admit checks the rule's limits and, when allowed, reserves a concurrency
// slot plus provisional window and rate timestamps at the given instant.
// Callers that do not end up executing must unreserve; the slot reserved
// for an execution is released when it finishes.
func (e *Engine) admit(rule Rule, now time.Time) bool {
	if rule.Limits == nil {
		e.mu.Lock()
		e.concurrent[rule.ID]++
		e.mu.Unlock()
		return true
	}

	limits := rule.Limits

	e.mu.Lock()
	defer e.mu.Unlock()

	if limits.MaxConcurrent > 0 && e.concurrent[rule.ID] >= limits.MaxConcurrent {
		return false
	}

	if limits.MaxExecutionsPerWindow > 0 && limits.ExecutionWindow > 0 {
		recent := pruneBefore(e.windowFirings[rule.ID], now.Add(-limits.ExecutionWindow))
		if len(recent) >= limits.MaxExecutionsPerWindow {
			e.windowFirings[rule.ID] = recent
			return false
		}
		e.windowFirings[rule.ID] = append(recent, now)
	}

	if rl := limits.RateLimit; rl != nil && rl.MaxRequests > 0 && rl.Period > 0 {
		recent := pruneBefore(e.rateFirings[rule.ID], now.Add(-rl.Period))
		if len(recent) >= rl.MaxRequests {
			e.rateFirings[rule.ID] = recent
			return false
		}
		e.rateFirings[rule.ID] = append(recent, now)
	}

	e.concurrent[rule.ID]++
	return true
}

func (e *Engine) release(ruleID string) {
	e.mu.Lock()
	if e.concurrent[ruleID] > 0 {
		e.concurrent[ruleID]--
	}
	e.mu.Unlock()
}

// unreserve undoes an admit whose trigger did not execute: the concurrency
// slot comes back and the provisional timestamps are removed, so a trigger
// failing its conditions does not consume the execution budget.
func (e *Engine) unreserve(rule Rule, admittedAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.concurrent[rule.ID] > 0 {
		e.concurrent[rule.ID]--
	}
	e.windowFirings[rule.ID] = dropTimestamp(e.windowFirings[rule.ID], admittedAt)
	e.rateFirings[rule.ID] = dropTimestamp(e.rateFirings[rule.ID], admittedAt)
}

func dropTimestamp(times []time.Time, t time.Time) []time.Time {
	for i := len(times) - 1; i >= 0; i-- {
		if times[i].Equal(t) {
			return append(times[:i], times[i+1:]...)
		}
	}
	return times
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	var out []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func (e *Engine) drop(ruleID, reason string) {
	e.metricsMu.Lock()
	e.metrics.DroppedByLimits++
	e.metrics.LastUpdated = e.Now()
	e.metricsMu.Unlock()

	e.publish(EngineEvent{Type: EventExecutionDropped, RuleID: ruleID, Reason: reason, Timestamp: e.Now()})
	logging.Debug("Automation", "Dropped trigger for rule %s: %s", ruleID, reason)
}

// conditionsPass evaluates every condition; all must pass.
func (e *Engine) conditionsPass(rule Rule, event Event) bool {
	for _, condition := range rule.Conditions {
		passed := e.evaluateCondition(condition, event)
		if condition.Negate {
			passed = !passed
		}
		if !passed {
			return false
		}
	}
	return true
}

func (e *Engine) evaluateCondition(condition Condition, event Event) bool {
	switch condition.Kind {
	case ConditionExpression:
		return stringField(event.Data, condition.Field) == condition.Value
	case ConditionThreshold:
		value, ok := numericField(event.Data, condition.Field)
		if !ok {
			return false
		}
		switch condition.Operator {
		case OpGreaterThan:
			return value > condition.Threshold
		case OpLessThan:
			return value < condition.Threshold
		case OpEqual:
			return value == condition.Threshold
		}
		return false
	case ConditionTimeWindow:
		if condition.Window == nil {
			return false
		}
		now := e.Now()
		minute := now.Hour()*60 + now.Minute()
		w := condition.Window
		if w.StartMinute <= w.EndMinute {
			return minute >= w.StartMinute && minute < w.EndMinute
		}
		// Wraps midnight.
		return minute >= w.StartMinute || minute < w.EndMinute
	default:
		return false
	}
}

func stringField(data map[string]interface{}, field string) string {
	if data == nil {
		return ""
	}
	value, ok := data[field]
	if !ok {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func numericField(data map[string]interface{}, field string) (float64, bool) {
	if data == nil {
		return 0, false
	}
	switch v := data[field].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// launch starts an asynchronous execution for an admitted rule, marking
// the trigger's cooldown. The concurrency slot reserved by admit is
// released when the execution finishes.
func (e *Engine) launch(ctx context.Context, rule Rule, triggerID string, event Event, manual bool) string {
	executionID := "auto-" + uuid.NewString()

	if triggerID != "" {
		e.mu.Lock()
		e.lastFired[rule.ID+"/"+triggerID] = e.Now()
		e.mu.Unlock()
	}

	e.metricsMu.Lock()
	e.metrics.ExecutionsStarted++
	e.metricsMu.Unlock()

	e.publish(EngineEvent{
		Type:        EventExecutionStarted,
		RuleID:      rule.ID,
		ExecutionID: executionID,
		Timestamp:   e.Now(),
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(rule.ID)
		e.executeRule(ctx, rule, triggerID, event, executionID, manual)
	}()
	return executionID
}

// executeRule runs the rule's actions: sorted by order, with consecutive
// parallel actions running concurrently.
func (e *Engine) executeRule(ctx context.Context, rule Rule, triggerID string, event Event, executionID string, manual bool) {
	started := e.Now()
	execution := Execution{
		ExecutionID: executionID,
		RuleID:      rule.ID,
		TriggerID:   triggerID,
		Manual:      manual,
		StartedAt:   started,
	}

	actions := append([]Action(nil), rule.Actions...)
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Order < actions[j].Order })

	var results []ActionResult
	success := true
	for i := 0; i < len(actions); {
		if ctx.Err() != nil {
			success = false
			execution.Message = "execution cancelled"
			break
		}

		if !actions[i].Parallel {
			result := e.executeAction(ctx, actions[i], event)
			results = append(results, result)
			if !result.Success {
				success = false
			}
			i++
			continue
		}

		// Consecutive parallel actions run as one concurrent group.
		j := i
		for j < len(actions) && actions[j].Parallel {
			j++
		}
		group := actions[i:j]
		groupResults := make([]ActionResult, len(group))
		var wg sync.WaitGroup
		for k, action := range group {
			wg.Add(1)
			go func(k int, action Action) {
				defer wg.Done()
				groupResults[k] = e.executeAction(ctx, action, event)
			}(k, action)
		}
		wg.Wait()
		for _, result := range groupResults {
			results = append(results, result)
			if !result.Success {
				success = false
			}
		}
		i = j
	}

	completed := e.Now()
	execution.CompletedAt = &completed
	execution.Duration = completed.Sub(started)
	execution.Actions = results
	execution.Success = success

	e.recordExecution(execution)

	e.publish(EngineEvent{
		Type:        EventExecutionCompleted,
		RuleID:      rule.ID,
		ExecutionID: executionID,
		Success:     success,
		Reason:      execution.Message,
		Timestamp:   completed,
	})

	if success {
		logging.Debug("Automation", "Rule %s executed (%d actions) in %s", rule.ID, len(results), execution.Duration)
	} else {
		logging.Warn("Automation", "Rule %s execution %s failed", rule.ID, executionID)
	}
}

// executeAction performs one action, templating the target and message
// from the event data.
func (e *Engine) executeAction(ctx context.Context, action Action, event Event) ActionResult {
	started := e.Now()
	result := ActionResult{ActionID: action.ID, Kind: action.Kind}

	if action.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, action.Timeout)
		defer cancel()
	}

	err := e.performAction(ctx, action, event, &result)
	result.Duration = e.Now().Sub(started)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

func (e *Engine) performAction(ctx context.Context, action Action, event Event, result *ActionResult) error {
	if action.Kind == ActionSendNotification {
		if e.notifier == nil {
			return fmt.Errorf("no notification sender configured")
		}
		message, err := template.RenderMessage(action.Message, eventData(event))
		if err != nil {
			return err
		}
		priority := runtime.NotifyNormal
		if event.Severity == SeverityCritical {
			priority = runtime.NotifyCritical
		}
		return e.notifier.Send(ctx, action.Channel, message, priority)
	}

	kind, ok := action.operationKind()
	if !ok {
		return fmt.Errorf("unknown action kind %s", action.Kind)
	}

	target, err := e.resolveTarget(action, event)
	if err != nil {
		return err
	}

	op := lifecycle.Operation{Kind: kind, InstanceID: target}
	if kind == lifecycle.OpScale {
		op.InstanceID = ""
		op.PluginID = target
		op.TargetInstances = action.TargetInstances
	}

	operationID := fmt.Sprintf("auto-%s-%s", action.ID, uuid.NewString())
	result.OperationID = operationID

	if _, err := e.manager.QueueOperation(lifecycle.Request{
		OperationID: operationID,
		Operation:   op,
		Timeout:     action.Timeout,
		Requester:   api.RequesterContext{RequesterID: "automation", RequesterType: api.RequesterAutomated, Source: action.ID},
		RequestedAt: e.Now(),
	}); err != nil {
		return err
	}

	opResult, err := e.manager.WaitForOperation(ctx, operationID)
	if err != nil {
		return err
	}
	if opResult.Status != lifecycle.StatusCompleted {
		return fmt.Errorf("operation %s ended %s: %s", operationID, opResult.Status, opResult.Error)
	}
	return nil
}

// resolveTarget substitutes event fields referenced by the action target.
// An empty target falls back to the event's instance id.
func (e *Engine) resolveTarget(action Action, event Event) (string, error) {
	target := action.Target
	if target == "" {
		target = event.InstanceID
	}
	if target == "" {
		return "", fmt.Errorf("action %s: no target resolvable", action.ID)
	}
	resolved, err := template.New().Substitute(target, eventData(event))
	if err != nil {
		return "", err
	}
	return resolved.(string), nil
}

// eventData flattens the event into a template data map.
func eventData(event Event) map[string]interface{} {
	data := make(map[string]interface{}, len(event.Data)+4)
	for key, value := range event.Data {
		data[key] = value
	}
	data["instanceId"] = event.InstanceID
	data["pluginId"] = event.PluginID
	data["source"] = event.Source
	data["severity"] = string(event.Severity)
	return data
}

func (e *Engine) recordExecution(execution Execution) {
	e.historyMu.Lock()
	e.history = append(e.history, execution)
	if len(e.history) > e.historyLimit {
		e.history = e.history[len(e.history)-e.historyLimit:]
	}
	e.historyMu.Unlock()

	e.metricsMu.Lock()
	if execution.Success {
		e.metrics.SuccessfulExecutions++
	} else {
		e.metrics.FailedExecutions++
	}
	e.metrics.LastUpdated = e.Now()
	e.metricsMu.Unlock()
}

func (e *Engine) publish(event EngineEvent) {
	e.events.Publish(event)
}
