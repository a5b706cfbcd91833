// Package logging provides structured logging for testflow runs.
//
// The [Logger] wraps log/slog with a JSON handler. Child loggers carry
// persistent attributes for the plan, run, task and device they describe, so
// a single log file from a station can be filtered per task after the fact.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/var/log/testflow", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	runLog := logger.WithPlan("eol-board").WithRun(runID)
//	runLog.WithTask("flash").Warn("task failed", "attempts", 3)
//
// Output:
//
//	{"time":"...","level":"WARN","msg":"task failed","plan":"eol-board","run_id":"...","task_id":"flash","attempts":3}
//
// # Log Rotation
//
// Stations run for weeks without restarts; [NewLoggerWithRotation] bounds the
// file with a size-based [RotatingWriter]. Backups are named testflow.log.1
// (newest) through testflow.log.N, optionally gzip compressed.
//
// # Testing
//
// Use [NopLogger] to discard output.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package logging
