// Package runtime defines the collaborator interfaces the control plane
// drives: the plugin runtime that actually spawns and kills processes, and
// the notification sender used by automation actions. The package also ships
// an in-process LocalRuntime used by tests and standalone serve mode.
package runtime

import (
	"context"
	"time"

	"conductor/internal/api"
)

// ResourceUsage is a point-in-time resource sample for an instance.
type ResourceUsage struct {
	CPUPercent     float64   `json:"cpuPercent"`
	MemoryBytes    uint64    `json:"memoryBytes"`
	NetworkRxBytes uint64    `json:"networkRxBytes"`
	NetworkTxBytes uint64    `json:"networkTxBytes"`
	SampledAt      time.Time `json:"sampledAt"`
}

// PluginRuntime performs the actual process-level work for plugin
// instances. Its reports are authoritative: the state machine mirrors the
// outcome of Start/Stop rather than assuming success.
type PluginRuntime interface {
	// Start launches the instance. It returns once the instance is
	// running or the context is done.
	Start(ctx context.Context, instanceID string) error

	// Stop terminates the instance. It returns once the instance has
	// exited or the context is done.
	Stop(ctx context.Context, instanceID string) error

	// Health reports the current health of the instance.
	Health(ctx context.Context, instanceID string) (api.HealthStatus, error)

	// ResourceUsage samples current resource consumption.
	ResourceUsage(ctx context.Context, instanceID string) (ResourceUsage, error)
}

// NotificationPriority orders notification delivery urgency.
type NotificationPriority string

const (
	NotifyLow      NotificationPriority = "low"
	NotifyNormal   NotificationPriority = "normal"
	NotifyHigh     NotificationPriority = "high"
	NotifyCritical NotificationPriority = "critical"
)

// NotificationSender delivers rendered messages to an external channel
// (email, chat, webhook). Delivery is best effort; failures are logged by
// callers, not retried here.
type NotificationSender interface {
	Send(ctx context.Context, channel, message string, priority NotificationPriority) error
}
