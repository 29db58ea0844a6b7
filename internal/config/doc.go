// Package config loads and validates the conductor configuration.
//
// Configuration is loaded from a single directory. The default directory is
// ~/.config/conductor, overridable with the --config-path flag. The
// directory contains:
//   - config.yaml: server, lifecycle manager, plugin manifests, policies
//   - rules/: one automation rule per YAML file
//
// Missing files fall back to defaults; malformed files are errors. The
// Watcher provides hot reload of rule files via fsnotify.
package config
