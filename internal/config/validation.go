package config

import (
	"fmt"
	"strings"

	"conductor/internal/api"
	"conductor/internal/dependency"
)

var logLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "error": true}

// Validate checks a loaded configuration for structural problems: bad
// numeric bounds, unknown log levels, duplicate or dangling plugin
// references, dependency cycles, and malformed policy windows.
func Validate(cfg Config) error {
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return api.NewValidationError("config", "server.metricsPort",
			fmt.Sprintf("out of range: %d", cfg.Server.MetricsPort))
	}
	if !logLevels[strings.ToLower(cfg.Server.LogLevel)] {
		return api.NewValidationError("config", "server.logLevel",
			"unknown level: "+cfg.Server.LogLevel)
	}

	if cfg.Lifecycle.ConcurrentOperations < 0 {
		return api.NewValidationError("config", "lifecycle.concurrentOperations", "must not be negative")
	}
	if cfg.Lifecycle.HistoryLimit < 0 {
		return api.NewValidationError("config", "lifecycle.historyLimit", "must not be negative")
	}

	if err := validatePlugins(cfg.Plugins); err != nil {
		return err
	}
	return validatePolicies(cfg.Policies)
}

func validatePlugins(plugins []PluginManifest) error {
	known := make(map[string]bool, len(plugins))
	for _, plugin := range plugins {
		if strings.TrimSpace(plugin.ID) == "" {
			return api.NewValidationError("config", "plugins", "plugin id must not be empty")
		}
		if known[plugin.ID] {
			return api.NewValidationError("config", "plugins", "duplicate plugin id: "+plugin.ID)
		}
		known[plugin.ID] = true
		if plugin.Instances < 0 {
			return api.NewValidationError("config", "plugins",
				plugin.ID+": instances must not be negative")
		}
	}

	ids := make([]string, 0, len(plugins))
	deps := make(map[string][]string, len(plugins))
	for _, plugin := range plugins {
		ids = append(ids, plugin.ID)
		for _, dep := range plugin.DependsOn {
			if !known[dep] {
				return api.NewValidationError("config", "plugins",
					fmt.Sprintf("%s depends on unknown plugin %s", plugin.ID, dep))
			}
			deps[plugin.ID] = append(deps[plugin.ID], dep)
		}
	}

	// Leveling doubles as the acyclicity check.
	if _, err := dependency.Levels(ids, deps); err != nil {
		return api.NewValidationError("config", "plugins", err.Error())
	}
	return nil
}

func validatePolicies(policies PolicyConfig) error {
	for _, window := range policies.MaintenanceWindows {
		if _, _, err := window.Minutes(); err != nil {
			return api.NewValidationError("config", "policies.maintenanceWindows", err.Error())
		}
	}
	if quota := policies.Quota; quota != nil {
		if quota.MaxOperations <= 0 {
			return api.NewValidationError("config", "policies.quota", "maxOperations must be positive")
		}
		if quota.Window.Std() <= 0 {
			return api.NewValidationError("config", "policies.quota", "window must be positive")
		}
	}
	for kind, requesters := range policies.Authorization {
		if len(requesters) == 0 {
			return api.NewValidationError("config", "policies.authorization",
				kind+": requester list must not be empty")
		}
	}
	return nil
}
