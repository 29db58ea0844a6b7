// Package app bootstraps and runs the conductor control plane.
//
// The Application follows a two-phase pattern:
//  1. Bootstrap: load configuration, initialize logging, build the state
//     machine, dependency graph, policy engine, runtime, lifecycle manager,
//     batch coordinator, and automation engine, then wire them together.
//  2. Execution: Run starts the manager workers, the metrics endpoint, the
//     rule file watcher, and the lifecycle-to-automation event feedback
//     loop, and blocks until the context is cancelled.
package app
