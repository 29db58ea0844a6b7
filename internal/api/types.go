package api

// InstanceState represents the lifecycle state of a plugin instance.
type InstanceState string

const (
	StateCreated  InstanceState = "created"
	StateStarting InstanceState = "starting"
	StateRunning  InstanceState = "running"
	StateStopping InstanceState = "stopping"
	StateStopped  InstanceState = "stopped"
	StateError    InstanceState = "error"
)

// HealthStatus represents the reported health of a plugin instance.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthChecking  HealthStatus = "checking"
)

// OperationPriority orders queued lifecycle operations. Higher values win.
type OperationPriority int

const (
	PriorityLow      OperationPriority = 1
	PriorityNormal   OperationPriority = 2
	PriorityHigh     OperationPriority = 3
	PriorityCritical OperationPriority = 4
)

// String makes OperationPriority satisfy fmt.Stringer.
func (p OperationPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RequesterType categorizes who asked for an operation.
type RequesterType string

const (
	RequesterSystem          RequesterType = "system"
	RequesterUser            RequesterType = "user"
	RequesterAutomated       RequesterType = "automated"
	RequesterExternalService RequesterType = "external-service"
	RequesterHealthMonitor   RequesterType = "health-monitor"
)

// RequesterContext identifies the originator of a lifecycle operation.
// It travels with the request through policy evaluation and into the
// operation result for auditing.
type RequesterContext struct {
	RequesterID   string            `json:"requesterId" yaml:"requesterId"`
	RequesterType RequesterType     `json:"requesterType" yaml:"requesterType"`
	Source        string            `json:"source" yaml:"source"`
	Metadata      map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}
