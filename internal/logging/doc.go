// Package logging provides structured logging for the autoloop supervisor and
// promotion pipeline.
//
// This package wraps Go's log/slog to provide JSON-formatted, leveled,
// timestamped logs with persistent context attributes. Every supervisor state
// transition, breaker transition and workflow phase is logged through it so
// failure diagnosis never depends on the task executor's own output.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger(".autoloop", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.Info("iteration finished", "outcome", "ok", "duration_ms", 150)
//
// # Context Propagation
//
//	sessionLogger := logger.WithSession("01J9...")
//	phaseLogger := sessionLogger.WithPhase("merge-target")
//	phaseLogger.Info("merged", "source", "agent/task-12")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"merged","session_id":"01J9...","phase":"merge-target","source":"agent/task-12"}
//
// # Log Rotation
//
// The supervisor runs indefinitely, so the log file is written through a
// [RotatingWriter] that rotates on size:
//
//	logger, err := logging.NewLoggerWithRotation(dir, "INFO", logging.RotationConfig{
//	    MaxSizeMB:  10,
//	    MaxBackups: 3,
//	    Compress:   true,
//	}, os.Stderr)
//
// Rotated files are named autoloop.log.1, autoloop.log.2, ... where .1 is the
// most recent backup.
//
// # Testing
//
// Use [NopLogger] to discard all log output.
package logging
