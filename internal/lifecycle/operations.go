package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"conductor/internal/api"
)

// BatchExecutor is how the manager exposes batch operations without owning
// the coordinator. The batch coordinator implements it and is injected at
// wiring time.
type BatchExecutor interface {
	ExecuteBatch(ctx context.Context, batchID string) (string, error)
	GetBatchStatus(batchID string) (interface{}, bool)
	CancelBatch(batchID string) bool
}

// SetBatchExecutor injects the batch coordinator. Call before Start.
func (m *Manager) SetBatchExecutor(executor BatchExecutor) {
	m.batches = executor
}

// ExecuteBatch delegates to the injected batch coordinator. It returns the
// execution id.
func (m *Manager) ExecuteBatch(ctx context.Context, batchID string) (string, error) {
	if m.batches == nil {
		return "", api.NewValidationError("batch", "executor", "no batch executor configured")
	}
	return m.batches.ExecuteBatch(ctx, batchID)
}

// GetBatchStatus delegates to the injected batch coordinator.
func (m *Manager) GetBatchStatus(batchID string) (interface{}, bool) {
	if m.batches == nil {
		return nil, false
	}
	return m.batches.GetBatchStatus(batchID)
}

// CancelBatch delegates to the injected batch coordinator.
func (m *Manager) CancelBatch(batchID string) bool {
	if m.batches == nil {
		return false
	}
	return m.batches.CancelBatch(batchID)
}

// StartInstanceWithDependencies queues a start with High priority. The
// executor brings the dependency closure up in order as part of the single
// operation.
func (m *Manager) StartInstanceWithDependencies(instanceID string, requester api.RequesterContext) (string, error) {
	return m.QueueOperation(Request{
		OperationID: newOperationID("start"),
		Operation:   Operation{Kind: OpStart, InstanceID: instanceID},
		Priority:    api.PriorityHigh,
		Requester:   requester,
		RequestedAt: time.Now(),
	})
}

// StopInstanceGracefully queues a stop that drains for the given period
// before the runtime stop.
func (m *Manager) StopInstanceGracefully(instanceID string, drain time.Duration, requester api.RequesterContext) (string, error) {
	return m.QueueOperation(Request{
		OperationID: newOperationID("stop"),
		Operation:   Operation{Kind: OpStop, InstanceID: instanceID, DrainPeriod: drain},
		Priority:    api.PriorityNormal,
		Requester:   requester,
		RequestedAt: time.Now(),
	})
}

// RestartInstanceZeroDowntime queues a restart with automatic immediate
// rollback if the new process fails to come up.
func (m *Manager) RestartInstanceZeroDowntime(instanceID string, requester api.RequesterContext) (string, error) {
	return m.QueueOperation(Request{
		OperationID: newOperationID("restart"),
		Operation:   Operation{Kind: OpRestart, InstanceID: instanceID},
		Priority:    api.PriorityHigh,
		Requester:   requester,
		Rollback: &RollbackConfig{
			AutoRollback: true,
			Strategy:     RollbackStrategy{Kind: RollbackImmediate},
		},
		RequestedAt: time.Now(),
	})
}

// ScalePlugin queues a scale operation reconciling the plugin to the
// target instance count.
func (m *Manager) ScalePlugin(pluginID string, target int, requester api.RequesterContext) (string, error) {
	return m.QueueOperation(Request{
		OperationID: newOperationID("scale"),
		Operation:   Operation{Kind: OpScale, PluginID: pluginID, TargetInstances: target},
		Priority:    api.PriorityNormal,
		Requester:   requester,
		RequestedAt: time.Now(),
	})
}

// ScheduleMaintenance queues a maintenance pass for an instance.
func (m *Manager) ScheduleMaintenance(instanceID string, kind MaintenanceKind, requester api.RequesterContext) (string, error) {
	return m.QueueOperation(Request{
		OperationID: newOperationID("maintenance"),
		Operation:   Operation{Kind: OpMaintenance, InstanceID: instanceID, Maintenance: kind},
		Priority:    api.PriorityLow,
		Requester:   requester,
		RequestedAt: time.Now(),
	})
}

// RollingUpdate queues one restart per instance, each depending on the
// previous one, so instances refresh one at a time. batchSize > 1 chunks
// the chain: instances inside a chunk restart concurrently and each chunk
// waits for the one before it. Returns the operation ids in queue order.
func (m *Manager) RollingUpdate(instanceIDs []string, batchSize int, requester api.RequesterContext) ([]string, error) {
	if len(instanceIDs) == 0 {
		return nil, api.NewValidationError("rollingUpdate", "instances", "must not be empty")
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	var ids []string
	var prevChunk []string
	for start := 0; start < len(instanceIDs); start += batchSize {
		end := start + batchSize
		if end > len(instanceIDs) {
			end = len(instanceIDs)
		}

		var chunk []string
		for _, instanceID := range instanceIDs[start:end] {
			id, err := m.QueueOperation(Request{
				OperationID: newOperationID("rolling"),
				Operation:   Operation{Kind: OpRestart, InstanceID: instanceID},
				Priority:    api.PriorityNormal,
				Requester:   requester,
				DependsOn:   append([]string(nil), prevChunk...),
				Rollback: &RollbackConfig{
					AutoRollback: true,
					Strategy:     RollbackStrategy{Kind: RollbackImmediate},
				},
				RequestedAt: time.Now(),
			})
			if err != nil {
				return ids, err
			}
			ids = append(ids, id)
			chunk = append(chunk, id)
		}
		prevChunk = chunk
	}
	return ids, nil
}

func newOperationID(kind string) string {
	return fmt.Sprintf("%s-%s", kind, uuid.NewString())
}
