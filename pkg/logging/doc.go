// Package logging provides structured logging for trellis with unified log
// handling and level filtering.
//
// The package is a thin layer over Go's standard slog package. Every entry
// carries a subsystem identifier for categorization, a formatted message, and
// an optional error value:
//
//	logging.Init(logging.LevelInfo, os.Stdout)
//
//	logging.Info("Orchestrator", "starting %d components", n)
//	logging.Debug("Context", "resource %q added", name)
//	logging.Error("Context", err, "error calling teardown callback")
//
// Subsystems used by this module:
//
//   - **Context**: resource context operations and teardown
//   - **Orchestrator**: component instantiation and startup
//   - **Supervisor**: supervised background task lifecycle
//
// Logging is safe for concurrent use. Packages that log before Init is
// called fall back to an INFO-level stderr logger.
package logging
