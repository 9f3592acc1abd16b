// Package logging builds the zap loggers used across the pattern store.
//
// # Overview
//
// The package wraps zap with:
//   - A trace level below Debug for byte-level store and codec detail
//   - Context-aware log methods that pick up run and agent identifiers
//   - Redaction of sensitive fields before anything reaches an encoder
//   - Optional export to an OpenTelemetry collector via the otelzap bridge
//   - Level-aware sampling where errors always pass through
//
// # Usage
//
// Build a logger from config:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
// Enrich the context once, then every log call on that context carries the
// correlation fields:
//
//	ctx = logging.ContextWith(ctx, runID, "qe-fuzzer-01")
//	logger.Info(ctx, "episode recorded", zap.String("id", id))
//
// Output:
//
//	{
//	  "ts": "2026-08-21T10:15:30Z",
//	  "level": "info",
//	  "msg": "episode recorded",
//	  "trace_id": "4bf92f3577b34da6a3ce929d0e0e4736",
//	  "run_id": "run-20260821-0934",
//	  "agent_id": "qe-fuzzer-01",
//	  "id": "ep-1a2b3c"
//	}
//
// Components that only need a plain *zap.Logger receive Underlying().
package logging
