package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"conductor/internal/config"
	"conductor/internal/lifecycle"
	"conductor/pkg/logging"
)

// Run starts the control plane and blocks until ctx is cancelled. It
// returns once everything has shut down.
func (a *Application) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.manager.Start(runCtx)

	var wg sync.WaitGroup

	// shutdown stops the producers before waiting for the consumer
	// goroutines: closing the event buses is what ends their loops.
	shutdown := func() {
		cancel()
		a.engine.Close()
		a.coordinator.Close()
		a.manager.Stop()
		wg.Wait()
	}

	// Forward lifecycle events into the automation engine so rules can
	// react to state transitions and failed operations.
	feedback := a.manager.SubscribeEvents()
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.runFeedbackLoop(runCtx, feedback)
	}()

	if a.sink != nil {
		lifecycleEvents := a.manager.SubscribeEvents()
		batchEvents := a.coordinator.SubscribeEvents()
		automationEvents := a.engine.SubscribeEvents()
		wg.Add(3)
		go func() { defer wg.Done(); a.sink.ConsumeLifecycle(lifecycleEvents) }()
		go func() { defer wg.Done(); a.sink.ConsumeBatch(batchEvents) }()
		go func() { defer wg.Done(); a.sink.ConsumeAutomation(automationEvents) }()

		server, err := a.startMetricsServer()
		if err != nil {
			shutdown()
			return err
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	if !a.options.DisableWatcher {
		if err := a.startRuleWatcher(runCtx, &wg); err != nil {
			// Missing rules directory is routine on fresh installs.
			logging.Info("Bootstrap", "Rule hot reload disabled: %v", err)
		}
	}

	logging.Info("Bootstrap", "Conductor is running")
	<-runCtx.Done()
	logging.Info("Bootstrap", "Shutting down")

	shutdown()
	return nil
}

// startMetricsServer serves /metrics in its own goroutine. The goroutine
// ends when the returned server is shut down, so it is not wg-tracked.
func (a *Application) startMetricsServer() (*http.Server, error) {
	addr := fmt.Sprintf("%s:%d", a.cfg.Server.MetricsHost, a.cfg.Server.MetricsPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind metrics endpoint %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.sink.Handler())
	server := &http.Server{Handler: mux}

	go func() {
		logging.Info("Metrics", "Serving Prometheus metrics on http://%s/metrics", listener.Addr())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Metrics", err, "Metrics server stopped")
		}
	}()
	return server, nil
}

// runFeedbackLoop converts lifecycle events into automation events:
// state transitions and failed operation completions.
func (a *Application) runFeedbackLoop(ctx context.Context, events <-chan lifecycle.Event) {
	for event := range events {
		switch event.Type {
		case lifecycle.EventStateTransition:
			a.engine.ProcessEvent(ctx, stateEvent(event))
		case lifecycle.EventOperationCompleted:
			if !event.Success {
				a.engine.ProcessEvent(ctx, failureEvent(event))
			}
		}
	}
}

func (a *Application) startRuleWatcher(ctx context.Context, wg *sync.WaitGroup) error {
	watcher, err := config.WatchRules(a.options.ConfigPath)
	if err != nil {
		return err
	}

	// Seed the path-to-id map so removals of already-loaded files resolve.
	a.seedRulePaths()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-watcher.Changes():
				if !ok {
					return
				}
				a.applyRuleChange(change)
			}
		}
	}()
	return nil
}

func (a *Application) seedRulePaths() {
	dir := config.RulesDir(a.options.ConfigPath)
	for _, rule := range a.engine.ListRules() {
		// Best effort: the loader stores one rule per file named after
		// loading order, so match by convention where possible.
		a.rulePaths[fmt.Sprintf("%s/%s.yaml", dir, rule.ID)] = rule.ID
	}
}

func (a *Application) applyRuleChange(change config.RuleChange) {
	if change.Removed {
		ruleID, known := a.rulePaths[change.Path]
		if !known {
			return
		}
		delete(a.rulePaths, change.Path)
		if err := a.engine.RemoveRule(ruleID); err != nil {
			logging.Warn("Bootstrap", "Failed to remove rule %s: %v", ruleID, err)
			return
		}
		logging.Info("Bootstrap", "Removed rule %s (%s deleted)", ruleID, change.Path)
		return
	}

	rule, err := config.LoadRuleFile(change.Path)
	if err != nil {
		logging.Warn("Bootstrap", "Ignoring rule change %s: %v", change.Path, err)
		return
	}

	var applyErr error
	if _, exists := a.engine.GetRule(rule.ID); exists {
		applyErr = a.engine.UpdateRule(rule)
	} else {
		applyErr = a.engine.AddRule(rule)
	}
	if applyErr != nil {
		logging.Warn("Bootstrap", "Failed to apply rule %s: %v", rule.ID, applyErr)
		return
	}
	a.rulePaths[change.Path] = rule.ID
	logging.Info("Bootstrap", "Reloaded rule %s from %s", rule.ID, change.Path)
}
