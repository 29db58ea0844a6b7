// Package logging provides subsystem-tagged structured logging on top of
// log/slog. Components log through the package-level helpers
// (Debug/Info/Warn/Error) with their subsystem name as the first argument,
// which keeps call sites terse and log output uniformly filterable.
package logging
