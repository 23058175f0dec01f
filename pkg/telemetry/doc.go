// Package telemetry provides the observability instrumentation of a sync run.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus).
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.TextfilePath = "/var/lib/node_exporter/sync-team.prom"
//
//	tel, err := telemetry.New(ctx, cfg, os.Stderr, os.Stdout)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
// Library packages take a zerolog.Logger at construction. Child loggers add
// the component, service and run fields:
//
//	logger := tel.Logger.NewComponentLogger("orchestrator").WithRunID(runID)
//
// # Tracing
//
// The engine receives Tracer.Tracer(). The none exporter (the default)
// produces no spans; stdout pretty-prints them; otlp sends them over gRPC.
//
// # Metrics
//
// Metrics implements engine.Recorder. A sync run is a batch job with no
// scrape target, so Flush writes a node-exporter textfile and pushes to a
// Pushgateway, whichever are configured:
//
//	sync_team_operations_total{service,kind,type,outcome}
//	sync_team_operation_duration_seconds{service,kind}
//	sync_team_operation_retries_total{service,kind}
//	sync_team_errors_total{service,class}
//	sync_team_service_status{service,status}
//	sync_team_planned_operations{service,type}
//	sync_team_last_run_timestamp_seconds
package telemetry
