package automation

import (
	"context"
	"fmt"
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

type fixture struct {
	engine   *Engine
	manager  *lifecycle.Manager
	machine  *statemachine.Machine
	runtime  *runtime.LocalRuntime
	notifier *runtime.LogNotifier
}

func newFixture(t *testing.T, instances ...string) *fixture {
	t.Helper()

	machine := statemachine.New(100)
	graph := dependency.New()
	rt := runtime.NewLocalRuntime()
	for _, id := range instances {
		require.NoError(t, machine.RegisterInstance(id, api.StateCreated))
	}

	manager := lifecycle.NewManager(lifecycle.Config{GracePeriod: 20 * time.Millisecond},
		machine, graph, policy.NewEngine(), rt)

	ctx, cancel := context.WithCancel(context.Background())
	manager.Start(ctx)
	t.Cleanup(func() {
		cancel()
		manager.Stop()
	})

	notifier := runtime.NewLogNotifier()
	engine := NewEngine(manager, notifier)
	t.Cleanup(engine.Wait)

	return &fixture{engine: engine, manager: manager, machine: machine, runtime: rt, notifier: notifier}
}

// start brings instances to Running so restart actions have something to
// stop.
func (f *fixture) start(t *testing.T, instances ...string) {
	t.Helper()
	for _, id := range instances {
		opID, err := f.manager.QueueOperation(lifecycle.Request{
			OperationID: "seed-" + id,
			Operation:   lifecycle.Operation{Kind: lifecycle.OpStart, InstanceID: id},
			Requester:   api.RequesterContext{RequesterID: "tester", RequesterType: api.RequesterUser},
		})
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		result, err := f.manager.WaitForOperation(ctx, opID)
		cancel()
		require.NoError(t, err)
		require.Equal(t, lifecycle.StatusCompleted, result.Status)
	}
}

func restartRule(id string) Rule {
	return Rule{
		ID:      id,
		Name:    "restart unhealthy instance",
		Enabled: true,
		Triggers: []Trigger{
			{ID: "on-unhealthy", Kind: TriggerHealth, Enabled: true},
		},
		Actions: []Action{
			{ID: "restart", Kind: ActionRestartInstance, Target: "{{ instanceId }}"},
		},
	}
}

// notifyRule carries no instance side effects, which keeps gating tests
// independent of lifecycle state.
func notifyRule(id string) Rule {
	return Rule{
		ID:      id,
		Name:    "notify on health events",
		Enabled: true,
		Triggers: []Trigger{
			{ID: "on-unhealthy", Kind: TriggerHealth, Enabled: true},
		},
		Actions: []Action{
			{ID: "page", Kind: ActionSendNotification, Channel: "ops",
				Message: "instance {{ .instanceId }} needs attention"},
		},
	}
}

func healthEvent(instanceID string) Event {
	return Event{
		EventID:    fmt.Sprintf("evt-%s-%d", instanceID, time.Now().UnixNano()),
		Kind:       TriggerHealth,
		Source:     "health-monitor",
		InstanceID: instanceID,
		Severity:   SeverityWarning,
		Timestamp:  time.Now(),
	}
}

func TestAddRuleValidation(t *testing.T) {
	f := newFixture(t)

	invalid := restartRule("")
	assert.True(t, api.IsValidation(f.engine.AddRule(invalid)))
	assert.Zero(t, len(f.engine.ListRules()))

	noActions := restartRule("r-1")
	noActions.Actions = nil
	assert.True(t, api.IsValidation(f.engine.AddRule(noActions)))
	assert.Zero(t, len(f.engine.ListRules()))

	require.NoError(t, f.engine.AddRule(restartRule("r-1")))
	assert.Equal(t, 1, len(f.engine.ListRules()))

	// Duplicate ids are rejected.
	assert.Error(t, f.engine.AddRule(restartRule("r-1")))
	assert.Equal(t, 1, len(f.engine.ListRules()))
}

func TestProcessEventExecutesMatchingRule(t *testing.T) {
	f := newFixture(t, "web-0")
	f.start(t, "web-0")
	require.NoError(t, f.engine.AddRule(restartRule("restart-web")))

	launched := f.engine.ProcessEvent(context.Background(), healthEvent("web-0"))
	require.Len(t, launched, 1)
	f.engine.Wait()

	assert.True(t, f.runtime.IsRunning("web-0"))

	history := f.engine.GetExecutionHistory("restart-web", 0)
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
	require.Len(t, history[0].Actions, 1)
	assert.NotEmpty(t, history[0].Actions[0].OperationID)
}

func TestProcessEventIgnoresDisabledRules(t *testing.T) {
	f := newFixture(t, "web-0")

	disabled := restartRule("disabled-rule")
	disabled.Enabled = false
	require.NoError(t, f.engine.AddRule(disabled))

	assert.Empty(t, f.engine.ProcessEvent(context.Background(), healthEvent("web-0")))
	assert.False(t, f.runtime.IsRunning("web-0"))
}

func TestTriggerFilterMatching(t *testing.T) {
	f := newFixture(t)

	rule := notifyRule("web-only")
	rule.Triggers[0].Filter = map[string]string{"instanceId": "web-0"}
	require.NoError(t, f.engine.AddRule(rule))

	assert.Empty(t, f.engine.ProcessEvent(context.Background(), healthEvent("db-0")))
	assert.Len(t, f.engine.ProcessEvent(context.Background(), healthEvent("web-0")), 1)
	f.engine.Wait()
	assert.Len(t, f.notifier.Sent(), 1)
}

func TestScopeRestrictsRule(t *testing.T) {
	f := newFixture(t)

	rule := notifyRule("db-scope")
	rule.Scope = Scope{Kind: ScopeInstance, Target: "db-0"}
	require.NoError(t, f.engine.AddRule(rule))

	assert.Empty(t, f.engine.ProcessEvent(context.Background(), healthEvent("web-0")))
	assert.Len(t, f.engine.ProcessEvent(context.Background(), healthEvent("db-0")), 1)
	f.engine.Wait()
}

func TestTriggerCooldown(t *testing.T) {
	f := newFixture(t)

	rule := notifyRule("cooled")
	rule.Triggers[0].Cooldown = time.Hour
	require.NoError(t, f.engine.AddRule(rule))

	assert.Len(t, f.engine.ProcessEvent(context.Background(), healthEvent("web-0")), 1)
	assert.Empty(t, f.engine.ProcessEvent(context.Background(), healthEvent("web-0")))
	f.engine.Wait()
	assert.Len(t, f.notifier.Sent(), 1)
}

func TestExecutionWindowLimitDropsExcessTriggers(t *testing.T) {
	f := newFixture(t)

	rule := notifyRule("limited")
	rule.Limits = &Limits{MaxExecutionsPerWindow: 2, ExecutionWindow: time.Second}
	require.NoError(t, f.engine.AddRule(rule))

	var launched int
	for i := 0; i < 5; i++ {
		launched += len(f.engine.ProcessEvent(context.Background(), healthEvent("web-0")))
		time.Sleep(40 * time.Millisecond)
	}
	f.engine.Wait()

	assert.Equal(t, 2, launched, "excess triggers are dropped, not queued")
	assert.Len(t, f.notifier.Sent(), 2)

	metrics := f.engine.GetMetrics()
	assert.Equal(t, uint64(2), metrics.ExecutionsStarted)
	assert.Equal(t, uint64(3), metrics.DroppedByLimits)
}

func TestRateLimitDropsExcessTriggers(t *testing.T) {
	f := newFixture(t)

	rule := notifyRule("rated")
	rule.Limits = &Limits{RateLimit: &RateLimit{MaxRequests: 1, Period: time.Hour}}
	require.NoError(t, f.engine.AddRule(rule))

	assert.Len(t, f.engine.ProcessEvent(context.Background(), healthEvent("web-0")), 1)
	assert.Empty(t, f.engine.ProcessEvent(context.Background(), healthEvent("web-0")))
	f.engine.Wait()
	assert.Len(t, f.notifier.Sent(), 1)
}

func TestFailedConditionKeepsBudgets(t *testing.T) {
	f := newFixture(t)

	rule := notifyRule("budgeted")
	rule.Triggers[0].Cooldown = time.Hour
	rule.Limits = &Limits{
		MaxExecutionsPerWindow: 1,
		ExecutionWindow:        time.Minute,
		RateLimit:              &RateLimit{MaxRequests: 1, Period: time.Hour},
	}
	rule.Conditions = []Condition{
		{ID: "env", Kind: ConditionExpression, Field: "environment", Value: "production"},
	}
	require.NoError(t, f.engine.AddRule(rule))

	// A trigger whose condition fails must leave the window, rate, and
	// cooldown budgets untouched.
	staging := healthEvent("web-0")
	staging.Data = map[string]interface{}{"environment": "staging"}
	assert.Empty(t, f.engine.ProcessEvent(context.Background(), staging))

	production := healthEvent("web-0")
	production.Data = map[string]interface{}{"environment": "production"}
	assert.Len(t, f.engine.ProcessEvent(context.Background(), production), 1)
	f.engine.Wait()
	assert.Len(t, f.notifier.Sent(), 1)

	metrics := f.engine.GetMetrics()
	assert.Equal(t, uint64(1), metrics.ExecutionsStarted)
	assert.Zero(t, metrics.DroppedByLimits)
}

func TestConditionGatesExecution(t *testing.T) {
	f := newFixture(t)

	rule := notifyRule("conditional")
	rule.Conditions = []Condition{
		{ID: "env", Kind: ConditionExpression, Field: "environment", Value: "production"},
	}
	require.NoError(t, f.engine.AddRule(rule))

	staging := healthEvent("web-0")
	staging.Data = map[string]interface{}{"environment": "staging"}
	assert.Empty(t, f.engine.ProcessEvent(context.Background(), staging))

	production := healthEvent("web-0")
	production.Data = map[string]interface{}{"environment": "production"}
	assert.Len(t, f.engine.ProcessEvent(context.Background(), production), 1)
	f.engine.Wait()
}

func TestConditionNegation(t *testing.T) {
	f := newFixture(t)

	rule := notifyRule("negated")
	rule.Conditions = []Condition{
		{ID: "not-maintenance", Kind: ConditionExpression, Field: "mode", Value: "maintenance", Negate: true},
	}
	require.NoError(t, f.engine.AddRule(rule))

	maintenance := healthEvent("web-0")
	maintenance.Data = map[string]interface{}{"mode": "maintenance"}
	assert.Empty(t, f.engine.ProcessEvent(context.Background(), maintenance))

	normal := healthEvent("web-0")
	normal.Data = map[string]interface{}{"mode": "normal"}
	assert.Len(t, f.engine.ProcessEvent(context.Background(), normal), 1)
	f.engine.Wait()
}

func TestThresholdCondition(t *testing.T) {
	f := newFixture(t)

	rule := notifyRule("cpu-high")
	rule.Conditions = []Condition{
		{ID: "cpu", Kind: ConditionThreshold, Field: "cpuPercent", Operator: OpGreaterThan, Threshold: 80},
	}
	require.NoError(t, f.engine.AddRule(rule))

	low := healthEvent("web-0")
	low.Data = map[string]interface{}{"cpuPercent": 40.0}
	assert.Empty(t, f.engine.ProcessEvent(context.Background(), low))

	high := healthEvent("web-0")
	high.Data = map[string]interface{}{"cpuPercent": 93.5}
	assert.Len(t, f.engine.ProcessEvent(context.Background(), high), 1)
	f.engine.Wait()
}

func TestTimeWindowCondition(t *testing.T) {
	f := newFixture(t)
	f.engine.Now = func() time.Time {
		return time.Date(2026, 3, 1, 3, 30, 0, 0, time.UTC)
	}

	rule := notifyRule("night-only")
	rule.Conditions = []Condition{
		// 02:00-04:00.
		{ID: "window", Kind: ConditionTimeWindow, Window: &TimeWindow{StartMinute: 120, EndMinute: 240}},
	}
	require.NoError(t, f.engine.AddRule(rule))
	assert.Len(t, f.engine.ProcessEvent(context.Background(), healthEvent("web-0")), 1)
	f.engine.Wait()

	f.engine.Now = func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}
	assert.Empty(t, f.engine.ProcessEvent(context.Background(), healthEvent("web-0")))
}

func TestTriggerRuleUnknownIsNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.TriggerRule(context.Background(), "missing-rule", nil)
	assert.True(t, api.IsNotFound(err))
}

func TestTriggerRuleBypassesTriggerMatching(t *testing.T) {
	f := newFixture(t, "web-0")
	f.start(t, "web-0")

	rule := restartRule("manual-target")
	rule.Triggers[0].Filter = map[string]string{"instanceId": "never-matches"}
	rule.Actions[0].Target = "web-0"
	require.NoError(t, f.engine.AddRule(rule))

	executionID, err := f.engine.TriggerRule(context.Background(), "manual-target", nil)
	require.NoError(t, err)
	f.engine.Wait()

	assert.True(t, f.runtime.IsRunning("web-0"))
	history := f.engine.GetExecutionHistory("manual-target", 1)
	require.Len(t, history, 1)
	assert.Equal(t, executionID, history[0].ExecutionID)
	assert.True(t, history[0].Manual)
}

func TestTriggerRuleRejectedConditionsKeepBudgets(t *testing.T) {
	f := newFixture(t)

	rule := notifyRule("manual-budgeted")
	rule.Limits = &Limits{MaxExecutionsPerWindow: 1, ExecutionWindow: time.Minute}
	rule.Conditions = []Condition{
		{ID: "env", Kind: ConditionExpression, Field: "environment", Value: "production"},
	}
	require.NoError(t, f.engine.AddRule(rule))

	_, err := f.engine.TriggerRule(context.Background(), "manual-budgeted",
		map[string]interface{}{"environment": "staging"})
	require.True(t, api.IsExecution(err))

	// The rejected trigger must not have consumed the window slot.
	_, err = f.engine.TriggerRule(context.Background(), "manual-budgeted",
		map[string]interface{}{"environment": "production"})
	require.NoError(t, err)
	f.engine.Wait()
	assert.Len(t, f.notifier.Sent(), 1)
}

func TestNotificationActionRendersMessage(t *testing.T) {
	f := newFixture(t)

	rule := notifyRule("notify")
	rule.Actions[0].Message = "instance {{ .instanceId | upper }} is unhealthy"
	require.NoError(t, f.engine.AddRule(rule))

	event := healthEvent("web-0")
	event.Severity = SeverityCritical
	require.Len(t, f.engine.ProcessEvent(context.Background(), event), 1)
	f.engine.Wait()

	sent := f.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ops", sent[0].Channel)
	assert.Equal(t, "instance WEB-0 is unhealthy", sent[0].Message)
	assert.Equal(t, runtime.NotifyCritical, sent[0].Priority)
}

func TestActionsRunInOrder(t *testing.T) {
	f := newFixture(t, "web-0")

	rule := Rule{
		ID:      "ordered",
		Name:    "start then notify",
		Enabled: true,
		Triggers: []Trigger{
			{ID: "on-event", Kind: TriggerEvent, Enabled: true},
		},
		Actions: []Action{
			{ID: "announce", Kind: ActionSendNotification, Channel: "ops", Message: "started {{ .instanceId }}", Order: 2},
			{ID: "start", Kind: ActionStartInstance, Target: "{{ instanceId }}", Order: 1},
		},
	}
	require.NoError(t, f.engine.AddRule(rule))

	event := healthEvent("web-0")
	event.Kind = TriggerEvent
	require.Len(t, f.engine.ProcessEvent(context.Background(), event), 1)
	f.engine.Wait()

	history := f.engine.GetExecutionHistory("ordered", 1)
	require.Len(t, history, 1)
	require.Len(t, history[0].Actions, 2)
	assert.Equal(t, "start", history[0].Actions[0].ActionID)
	assert.Equal(t, "announce", history[0].Actions[1].ActionID)
	assert.True(t, history[0].Success)
	assert.True(t, f.runtime.IsRunning("web-0"))
}

func TestParallelActionsAllRun(t *testing.T) {
	f := newFixture(t, "web-0", "db-0")

	rule := Rule{
		ID:      "fan-out",
		Name:    "start both",
		Enabled: true,
		Triggers: []Trigger{
			{ID: "on-event", Kind: TriggerEvent, Enabled: true},
		},
		Actions: []Action{
			{ID: "start-web", Kind: ActionStartInstance, Target: "web-0", Parallel: true},
			{ID: "start-db", Kind: ActionStartInstance, Target: "db-0", Parallel: true},
		},
	}
	require.NoError(t, f.engine.AddRule(rule))

	event := healthEvent("")
	event.Kind = TriggerEvent
	require.Len(t, f.engine.ProcessEvent(context.Background(), event), 1)
	f.engine.Wait()

	assert.True(t, f.runtime.IsRunning("web-0"))
	assert.True(t, f.runtime.IsRunning("db-0"))
}

func TestFailedActionMarksExecutionFailed(t *testing.T) {
	f := newFixture(t, "web-0")
	f.runtime.FailInstance("web-0", assert.AnError)

	rule := restartRule("doomed")
	rule.Actions[0].Kind = ActionStartInstance
	require.NoError(t, f.engine.AddRule(rule))
	require.Len(t, f.engine.ProcessEvent(context.Background(), healthEvent("web-0")), 1)
	f.engine.Wait()

	history := f.engine.GetExecutionHistory("doomed", 1)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	require.Len(t, history[0].Actions, 1)
	assert.NotEmpty(t, history[0].Actions[0].Error)

	metrics := f.engine.GetMetrics()
	assert.Equal(t, uint64(1), metrics.FailedExecutions)
}

func TestUpdateAndRemoveRule(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.AddRule(restartRule("r-1")))

	updated := restartRule("r-1")
	updated.Name = "renamed"
	require.NoError(t, f.engine.UpdateRule(updated))
	got, ok := f.engine.GetRule("r-1")
	require.True(t, ok)
	assert.Equal(t, "renamed", got.Name)

	missing := restartRule("r-2")
	assert.True(t, api.IsNotFound(f.engine.UpdateRule(missing)))

	require.NoError(t, f.engine.RemoveRule("r-1"))
	assert.True(t, api.IsNotFound(f.engine.RemoveRule("r-1")))
}
