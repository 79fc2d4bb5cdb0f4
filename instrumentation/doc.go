// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server and session gateway.
//
// The package wraps provider setup so the rest of the codebase only deals
// with pre-built instruments. When disabled, no-op providers keep the
// recording call sites free of conditionals at zero overhead.
//
//	inst, err := instrumentation.New(instrumentation.Config{
//	    ServiceName:    "mcp-gate",
//	    ServiceVersion: "1.0.0",
//	    Enabled:        true,
//	})
//	if err != nil {
//	    return err
//	}
//	defer inst.Shutdown(ctx)
//
//	inst.Metrics().RecordCodeExchange(ctx, clientID, "S256")
//
// Observable gauges (active sessions, storage sizes) are fed by callbacks
// registered via RegisterSessionCountCallback and
// RegisterStorageSizeCallbacks, so components report sizes lazily at
// collection time instead of on every mutation.
//
// No exporters are wired yet; both enabled and disabled modes currently use
// no-op providers. Adding OTLP or Prometheus exporters later does not change
// any call sites.
package instrumentation
