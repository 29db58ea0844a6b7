package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"conductor/internal/api"
	"conductor/pkg/logging"
)

// LocalRuntime is an in-process PluginRuntime. It tracks which instances it
// considers running and simulates start/stop latency. Tests use the fault
// hooks to force failures for specific instances.
type LocalRuntime struct {
	mu       sync.RWMutex
	running  map[string]bool
	health   map[string]api.HealthStatus
	failures map[string]error

	// StartDelay and StopDelay simulate process spawn/exit latency.
	StartDelay time.Duration
	StopDelay  time.Duration
}

// NewLocalRuntime creates an empty local runtime.
func NewLocalRuntime() *LocalRuntime {
	return &LocalRuntime{
		running:  make(map[string]bool),
		health:   make(map[string]api.HealthStatus),
		failures: make(map[string]error),
	}
}

// FailInstance makes every subsequent Start/Stop of instanceID return err.
// Passing nil clears the fault.
func (r *LocalRuntime) FailInstance(instanceID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, instanceID)
		return
	}
	r.failures[instanceID] = err
}

// SetHealth overrides the reported health for an instance.
func (r *LocalRuntime) SetHealth(instanceID string, health api.HealthStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health[instanceID] = health
}

// IsRunning reports whether the runtime considers the instance running.
func (r *LocalRuntime) IsRunning(instanceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running[instanceID]
}

// Start implements PluginRuntime.
func (r *LocalRuntime) Start(ctx context.Context, instanceID string) error {
	if err := r.sleep(ctx, r.StartDelay); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err, faulted := r.failures[instanceID]; faulted {
		return fmt.Errorf("start %s: %w", instanceID, err)
	}
	r.running[instanceID] = true
	if _, ok := r.health[instanceID]; !ok {
		r.health[instanceID] = api.HealthHealthy
	}
	logging.Debug("LocalRuntime", "Started instance %s", instanceID)
	return nil
}

// Stop implements PluginRuntime.
func (r *LocalRuntime) Stop(ctx context.Context, instanceID string) error {
	if err := r.sleep(ctx, r.StopDelay); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err, faulted := r.failures[instanceID]; faulted {
		return fmt.Errorf("stop %s: %w", instanceID, err)
	}
	delete(r.running, instanceID)
	logging.Debug("LocalRuntime", "Stopped instance %s", instanceID)
	return nil
}

// Health implements PluginRuntime.
func (r *LocalRuntime) Health(ctx context.Context, instanceID string) (api.HealthStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if health, ok := r.health[instanceID]; ok {
		return health, nil
	}
	return api.HealthUnknown, nil
}

// ResourceUsage implements PluginRuntime. The local runtime reports a flat
// synthetic sample; real usage comes from an OS-level runtime.
func (r *LocalRuntime) ResourceUsage(ctx context.Context, instanceID string) (ResourceUsage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.running[instanceID] {
		return ResourceUsage{}, api.NewNotFoundError("instance", instanceID)
	}
	return ResourceUsage{
		CPUPercent:  1.0,
		MemoryBytes: 16 << 20,
		SampledAt:   time.Now(),
	}, nil
}

func (r *LocalRuntime) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
