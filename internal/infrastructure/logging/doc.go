// Package logging provides structured logging for Purifier Core.
//
// This package wraps the standard library's log/slog with:
//   - Configuration-driven level, format, and output selection
//   - Default fields (service, version) on every record
//   - A Default() logger for early startup before config is loaded
//
// # Usage
//
//	log := logging.New(cfg.Logging, version)
//	log.Info("dispatcher started", "ack_timeout", cfg.Dispatch.AckTimeout)
//
//	dispatchLog := log.With("component", "dispatch")
//	dispatchLog.Warn("ack timeout", "command_id", id, "attempt", n)
//
// All methods are safe for concurrent use.
package logging
