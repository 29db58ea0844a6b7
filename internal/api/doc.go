// Package api holds the shared vocabulary of the control plane: instance
// states, health statuses, requester context, and the typed error taxonomy
// used across components.
//
// Components accept and return these types instead of defining their own
// copies, so the lifecycle manager, batch coordinator, and automation engine
// agree on what an instance state or a not-found condition looks like.
// Errors come with errors.As-based Is* helpers so callers can branch on
// error kind without string matching.
package api
