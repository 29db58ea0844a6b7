package app

import (
	"fmt"
	"io"
	"os"

	"conductor/internal/api"
	"conductor/internal/automation"
	"conductor/internal/batch"
	"conductor/internal/config"
	"conductor/internal/dependency"
	"conductor/internal/lifecycle"
	"conductor/internal/metrics"
	"conductor/internal/policy"
	"conductor/internal/runtime"
	"conductor/internal/statemachine"
	"conductor/pkg/logging"
)

const stateHistoryLimit = 200

// Application holds the wired control plane.
type Application struct {
	options Options
	cfg     config.Config

	machine     *statemachine.Machine
	graph       *dependency.Graph
	runtime     *runtime.LocalRuntime
	notifier    *runtime.LogNotifier
	policies    *policy.Engine
	manager     *lifecycle.Manager
	coordinator *batch.Coordinator
	engine      *automation.Engine
	sink        *metrics.Sink

	// rulePaths maps rule file paths to rule ids for hot reload.
	rulePaths map[string]string
}

// NewApplication loads configuration and builds the control plane. Nothing
// runs until Run is called.
func NewApplication(options Options) (*Application, error) {
	initLogging(options)

	configPath := options.ConfigPath
	if configPath == "" {
		configPath = config.GetDefaultConfigPathOrPanic()
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
	}
	options.ConfigPath = configPath

	app := &Application{
		options:   options,
		cfg:       cfg,
		machine:   statemachine.New(stateHistoryLimit),
		graph:     dependency.New(),
		runtime:   runtime.NewLocalRuntime(),
		rulePaths: make(map[string]string),
	}

	if err := app.registerPlugins(); err != nil {
		return nil, err
	}

	app.policies = policy.NewEngine(buildPolicyRules(cfg.Policies)...)
	app.manager = lifecycle.NewManager(lifecycle.Config{
		ConcurrentOperations: cfg.Lifecycle.ConcurrentOperations,
		DefaultTimeout:       cfg.Lifecycle.DefaultTimeout.Std(),
		HistoryLimit:         cfg.Lifecycle.HistoryLimit,
		GracePeriod:          cfg.Lifecycle.GracePeriod.Std(),
		MetricsInterval:      cfg.Lifecycle.MetricsInterval.Std(),
	}, app.machine, app.graph, app.policies, app.runtime)

	app.coordinator = batch.NewCoordinator(app.manager)
	app.manager.SetBatchExecutor(app.coordinator)

	app.notifier = runtime.NewLogNotifier()
	app.engine = automation.NewEngine(app.manager, app.notifier)
	if err := app.loadRules(); err != nil {
		return nil, err
	}

	if !options.DisableMetrics {
		app.sink = metrics.NewSink(app.manager)
	}

	logging.Info("Bootstrap", "Initialized: %d plugin(s), %d automation rule(s)",
		len(cfg.Plugins), len(app.engine.ListRules()))
	return app, nil
}

func initLogging(options Options) {
	level := logging.LevelInfo
	if options.Debug {
		level = logging.LevelDebug
	}
	var output io.Writer = os.Stdout
	if options.Silent {
		output = io.Discard
	}
	logging.Init(level, "text", output)
}

// registerPlugins seeds the state machine and dependency graph from the
// plugin manifests. An instance of plugin A depends on every instance of
// each plugin A depends on.
func (a *Application) registerPlugins() error {
	instancesByPlugin := make(map[string][]string, len(a.cfg.Plugins))
	for _, plugin := range a.cfg.Plugins {
		instancesByPlugin[plugin.ID] = plugin.InstanceIDs()
	}

	for _, plugin := range a.cfg.Plugins {
		var deps []string
		for _, dep := range plugin.DependsOn {
			deps = append(deps, instancesByPlugin[dep]...)
		}
		for _, instanceID := range plugin.InstanceIDs() {
			if err := a.machine.RegisterInstance(instanceID, api.StateCreated); err != nil {
				return fmt.Errorf("failed to register instance %s: %w", instanceID, err)
			}
			if err := a.graph.AddNode(dependency.Node{ID: instanceID, DependsOn: deps}); err != nil {
				return fmt.Errorf("failed to add %s to the dependency graph: %w", instanceID, err)
			}
		}
	}
	return nil
}

func buildPolicyRules(cfg config.PolicyConfig) []policy.Rule {
	var rules []policy.Rule
	for _, window := range cfg.MaintenanceWindows {
		start, end, err := window.Minutes()
		if err != nil {
			continue // rejected by validation before this point
		}
		rules = append(rules, &policy.MaintenanceWindow{Start: start, End: end})
	}
	if quota := cfg.Quota; quota != nil {
		rules = append(rules, policy.NewRequesterQuota(quota.MaxOperations, quota.Window.Std()))
	}
	if len(cfg.Authorization) > 0 {
		allowed := make(map[string][]api.RequesterType, len(cfg.Authorization))
		for kind, requesters := range cfg.Authorization {
			types := make([]api.RequesterType, 0, len(requesters))
			for _, requester := range requesters {
				types = append(types, api.RequesterType(requester))
			}
			allowed[kind] = types
		}
		rules = append(rules, &policy.RequesterAuthorization{Allowed: allowed})
	}
	return rules
}

func (a *Application) loadRules() error {
	rules, err := config.LoadRules(a.options.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load automation rules: %w", err)
	}
	for _, rule := range rules {
		if err := a.engine.AddRule(rule); err != nil {
			return fmt.Errorf("failed to add rule %s: %w", rule.ID, err)
		}
	}
	return nil
}

// Manager returns the lifecycle manager.
func (a *Application) Manager() *lifecycle.Manager { return a.manager }

// Coordinator returns the batch coordinator.
func (a *Application) Coordinator() *batch.Coordinator { return a.coordinator }

// Engine returns the automation engine.
func (a *Application) Engine() *automation.Engine { return a.engine }

// Runtime returns the local plugin runtime.
func (a *Application) Runtime() *runtime.LocalRuntime { return a.runtime }

// Notifier returns the notification sink.
func (a *Application) Notifier() *runtime.LogNotifier { return a.notifier }

// Machine returns the instance state machine.
func (a *Application) Machine() *statemachine.Machine { return a.machine }

// Config returns the loaded configuration.
func (a *Application) Config() config.Config { return a.cfg }

// severityForState classifies a state transition for automation events.
func severityForState(to api.InstanceState) automation.Severity {
	if to == api.StateError {
		return automation.SeverityCritical
	}
	return automation.SeverityInfo
}

// stateEvent converts a lifecycle state transition into an automation
// event.
func stateEvent(ev lifecycle.Event) automation.Event {
	return automation.Event{
		EventID:    fmt.Sprintf("state-%s-%d", ev.InstanceID, ev.Timestamp.UnixNano()),
		Kind:       automation.TriggerState,
		Source:     "lifecycle",
		InstanceID: ev.InstanceID,
		Severity:   severityForState(ev.ToState),
		Data: map[string]interface{}{
			"fromState": string(ev.FromState),
			"toState":   string(ev.ToState),
		},
		Timestamp: ev.Timestamp,
	}
}

// failureEvent converts a failed operation completion into an automation
// event.
func failureEvent(ev lifecycle.Event) automation.Event {
	data := map[string]interface{}{
		"operationId": ev.OperationID,
		"reason":      ev.Reason,
	}
	var instanceID string
	if ev.Operation != nil {
		instanceID = ev.Operation.InstanceID
		data["operationKind"] = string(ev.Operation.Kind)
	}
	return automation.Event{
		EventID:    fmt.Sprintf("failure-%s-%d", ev.OperationID, ev.Timestamp.UnixNano()),
		Kind:       automation.TriggerEvent,
		Source:     "lifecycle",
		InstanceID: instanceID,
		Severity:   automation.SeverityWarning,
		Data:       data,
		Timestamp:  ev.Timestamp,
	}
}
