// Package statemachine tracks the lifecycle state of every plugin instance
// and validates transitions against a fixed matrix. The runtime's report is
// authoritative for whether an instance actually changed state; the machine
// mirrors those outcomes and rejects anything the matrix does not allow.
package statemachine

import (
	"sync"
	"time"

	"conductor/internal/api"
	"conductor/pkg/logging"
)

// Transition names a requested state change.
type Transition string

const (
	// TransitionStart moves Created or Stopped instances to Starting.
	TransitionStart Transition = "start"
	// TransitionCompleteStart moves Starting instances to Running.
	TransitionCompleteStart Transition = "complete-start"
	// TransitionStop moves Running instances to Stopping.
	TransitionStop Transition = "stop"
	// TransitionCompleteStop moves Stopping instances to Stopped.
	TransitionCompleteStop Transition = "complete-stop"
	// TransitionFail moves any state to Error on a reported fault.
	TransitionFail Transition = "fail"
	// TransitionReset recovers an Error instance back to Created.
	TransitionReset Transition = "reset"
)

// transitionMatrix maps a transition to its allowed source states and the
// resulting state. TransitionFail is handled separately since it is legal
// from every state.
var transitionMatrix = map[Transition]struct {
	from []api.InstanceState
	to   api.InstanceState
}{
	TransitionStart:         {from: []api.InstanceState{api.StateCreated, api.StateStopped}, to: api.StateStarting},
	TransitionCompleteStart: {from: []api.InstanceState{api.StateStarting}, to: api.StateRunning},
	TransitionStop:          {from: []api.InstanceState{api.StateRunning}, to: api.StateStopping},
	TransitionCompleteStop:  {from: []api.InstanceState{api.StateStopping}, to: api.StateStopped},
	TransitionReset:         {from: []api.InstanceState{api.StateError}, to: api.StateCreated},
}

// Record describes one applied transition.
type Record struct {
	InstanceID string            `json:"instanceId"`
	Transition Transition        `json:"transition"`
	From       api.InstanceState `json:"from"`
	To         api.InstanceState `json:"to"`
	At         time.Time         `json:"at"`
}

type instanceEntry struct {
	// mu serializes transitions for this instance: one in flight at a time.
	mu      sync.Mutex
	state   api.InstanceState
	health  api.HealthStatus
	history []Record
}

// Machine holds per-instance state and applies validated transitions.
type Machine struct {
	mu           sync.RWMutex
	instances    map[string]*instanceEntry
	historyLimit int
}

// New creates an empty machine. historyLimit bounds the per-instance
// transition history; zero keeps no history.
func New(historyLimit int) *Machine {
	return &Machine{
		instances:    make(map[string]*instanceEntry),
		historyLimit: historyLimit,
	}
}

// RegisterInstance seeds an instance with an initial state. Registering an
// existing instance id is a validation error.
func (m *Machine) RegisterInstance(instanceID string, initial api.InstanceState) error {
	if instanceID == "" {
		return api.NewValidationError("instance", "id", "must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.instances[instanceID]; exists {
		return api.NewValidationError("instance", "id", "already registered: "+instanceID)
	}
	m.instances[instanceID] = &instanceEntry{state: initial, health: api.HealthUnknown}
	return nil
}

// GetState returns the current state of the instance.
func (m *Machine) GetState(instanceID string) (api.InstanceState, error) {
	entry, err := m.entry(instanceID)
	if err != nil {
		return "", err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state, nil
}

// GetHealth returns the last recorded health of the instance.
func (m *Machine) GetHealth(instanceID string) (api.HealthStatus, error) {
	entry, err := m.entry(instanceID)
	if err != nil {
		return "", err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.health, nil
}

// SetHealth records the health reported by the runtime.
func (m *Machine) SetHealth(instanceID string, health api.HealthStatus) error {
	entry, err := m.entry(instanceID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.health = health
	return nil
}

// TransitionState applies transition to the instance. An illegal transition
// fails with a TransitionError and leaves the state untouched. Transitions
// for a given instance are serialized.
func (m *Machine) TransitionState(instanceID string, transition Transition) (Record, error) {
	entry, err := m.entry(instanceID)
	if err != nil {
		return Record{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	from := entry.state
	to, ok := m.resolveTarget(from, transition)
	if !ok {
		return Record{}, api.NewTransitionError(instanceID, from, string(transition))
	}

	entry.state = to
	record := Record{
		InstanceID: instanceID,
		Transition: transition,
		From:       from,
		To:         to,
		At:         time.Now(),
	}
	if m.historyLimit > 0 {
		entry.history = append(entry.history, record)
		if len(entry.history) > m.historyLimit {
			entry.history = entry.history[len(entry.history)-m.historyLimit:]
		}
	}

	logging.Debug("StateMachine", "Instance %s: %s -> %s (%s)", instanceID, from, to, transition)
	return record, nil
}

func (m *Machine) resolveTarget(from api.InstanceState, transition Transition) (api.InstanceState, bool) {
	if transition == TransitionFail {
		return api.StateError, true
	}
	rule, ok := transitionMatrix[transition]
	if !ok {
		return "", false
	}
	for _, allowed := range rule.from {
		if from == allowed {
			return rule.to, true
		}
	}
	return "", false
}

// History returns up to limit most recent transition records for the
// instance, oldest first. limit <= 0 returns everything retained.
func (m *Machine) History(instanceID string, limit int) ([]Record, error) {
	entry, err := m.entry(instanceID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	history := entry.history
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]Record, len(history))
	copy(out, history)
	return out, nil
}

// AllStates returns a snapshot of every instance's current state.
func (m *Machine) AllStates() map[string]api.InstanceState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]api.InstanceState, len(m.instances))
	for id, entry := range m.instances {
		entry.mu.Lock()
		states[id] = entry.state
		entry.mu.Unlock()
	}
	return states
}

// InstancesByState returns the ids of all instances currently in state.
func (m *Machine) InstancesByState(state api.InstanceState) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, entry := range m.instances {
		entry.mu.Lock()
		if entry.state == state {
			ids = append(ids, id)
		}
		entry.mu.Unlock()
	}
	return ids
}

func (m *Machine) entry(instanceID string) (*instanceEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.instances[instanceID]
	if !ok {
		return nil, api.NewNotFoundError("instance", instanceID)
	}
	return entry, nil
}
