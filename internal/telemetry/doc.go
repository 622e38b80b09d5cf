// Package telemetry provides OpenTelemetry tracing and metrics for tmuxagent.
//
// The orchestrator loop emits one span per cycle ("orchestrator.cycle") and
// one child span per branch ("orchestrator.branch"). Exporters speak OTLP
// over gRPC or HTTP/protobuf.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// When disabled, Tracer and Meter return the global no-op implementations,
// so callers never branch on whether telemetry is on.
package telemetry
