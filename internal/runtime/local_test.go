package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/api"
)

func TestLocalRuntimeStartStop(t *testing.T) {
	r := NewLocalRuntime()
	ctx := context.Background()

	require.NoError(t, r.Start(ctx, "inst-1"))
	assert.True(t, r.IsRunning("inst-1"))

	health, err := r.Health(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, api.HealthHealthy, health)

	usage, err := r.ResourceUsage(ctx, "inst-1")
	require.NoError(t, err)
	assert.Greater(t, usage.MemoryBytes, uint64(0))

	require.NoError(t, r.Stop(ctx, "inst-1"))
	assert.False(t, r.IsRunning("inst-1"))

	_, err = r.ResourceUsage(ctx, "inst-1")
	assert.True(t, api.IsNotFound(err))
}

func TestLocalRuntimeFaultInjection(t *testing.T) {
	r := NewLocalRuntime()
	boom := errors.New("spawn failed")
	r.FailInstance("bad", boom)

	err := r.Start(context.Background(), "bad")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.False(t, r.IsRunning("bad"))

	r.FailInstance("bad", nil)
	assert.NoError(t, r.Start(context.Background(), "bad"))
}

func TestLocalRuntimeRespectsContext(t *testing.T) {
	r := NewLocalRuntime()
	r.StartDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.Start(ctx, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLogNotifierCaptures(t *testing.T) {
	n := NewLogNotifier()
	require.NoError(t, n.Send(context.Background(), "ops", "instance web-0 restarted", NotifyHigh))

	sent := n.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ops", sent[0].Channel)
	assert.Equal(t, NotifyHigh, sent[0].Priority)
}
