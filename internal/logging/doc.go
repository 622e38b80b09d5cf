// Package logging provides structured logging with OpenTelemetry integration.
//
// The package wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - stdout output, optionally teed into the OpenTelemetry log bridge
//   - context field injection (trace_id, branch, session, cycle, command)
//   - field-name and value-pattern redaction
//   - level-aware sampling (errors are never sampled)
//
// Typical use:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithBranch(ctx, "feature/storage")
//	logger.Info(ctx, "command dispatched", zap.String("command.id", id))
//
// Tests use NewTestLogger, which records entries with zaptest/observer.
package logging
