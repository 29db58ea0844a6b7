package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"conductor/internal/automation"
	"conductor/internal/batch"
	"conductor/internal/lifecycle"
)

func TestLifecycleEventsFeedCounters(t *testing.T) {
	sink := NewSink(nil)

	events := make(chan lifecycle.Event, 8)
	events <- lifecycle.Event{Type: lifecycle.EventOperationQueued}
	events <- lifecycle.Event{Type: lifecycle.EventOperationCompleted, Success: true}
	events <- lifecycle.Event{Type: lifecycle.EventOperationCompleted, Success: false}
	events <- lifecycle.Event{Type: lifecycle.EventStateTransition, ToState: "running"}
	events <- lifecycle.Event{Type: lifecycle.EventRollbackTriggered}
	close(events)
	sink.ConsumeLifecycle(events)

	assert.Equal(t, 1.0, testutil.ToFloat64(sink.operationsQueued))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.operationsCompleted.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.operationsCompleted.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.stateTransitions.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.rollbacks))
}

func TestBatchAndAutomationEventsFeedCounters(t *testing.T) {
	sink := NewSink(nil)

	batchEvents := make(chan batch.Event, 4)
	batchEvents <- batch.Event{Type: batch.EventItemCompleted, Success: true}
	batchEvents <- batch.Event{Type: batch.EventExecutionCompleted, Success: false}
	close(batchEvents)
	sink.ConsumeBatch(batchEvents)

	autoEvents := make(chan automation.EngineEvent, 4)
	autoEvents <- automation.EngineEvent{Type: automation.EventExecutionCompleted, Success: true, Timestamp: time.Now()}
	autoEvents <- automation.EngineEvent{Type: automation.EventExecutionDropped, Timestamp: time.Now()}
	close(autoEvents)
	sink.ConsumeAutomation(autoEvents)

	assert.Equal(t, 1.0, testutil.ToFloat64(sink.batchItems.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.batchExecutions.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.automationExecutions.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.automationDropped))
}

func TestHandlerServesRegistry(t *testing.T) {
	sink := NewSink(nil)
	assert.NotNil(t, sink.Handler())

	count, err := testutil.GatherAndCount(sink.Registry())
	assert.NoError(t, err)
	// Counters with no observations yet still gather vector-less metrics.
	assert.GreaterOrEqual(t, count, 0)
}
