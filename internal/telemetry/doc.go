// Package telemetry bootstraps OpenTelemetry export for the pattern
// store. It is disabled by default; when enabled it installs global
// tracer and meter providers backed by OTLP exporters (gRPC or HTTP), so
// the spans opened across the store, index, learning, and migration
// packages reach a collector.
//
// Telemetry failures never crash the host process. A provider that cannot
// be built marks the instance degraded and the store keeps running with
// whatever export did come up.
//
//	tel, err := telemetry.New(ctx, telemetry.Config{
//	    Enabled:  true,
//	    Endpoint: "localhost:4317",
//	    Insecure: true,
//	}, logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
package telemetry
