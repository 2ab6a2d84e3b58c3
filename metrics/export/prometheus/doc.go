// Package prometheus provides Prometheus exposition for authkit metrics.
//
// [NewPrometheusExporter] accepts an [authkit.Engine] and exposes an
// [net/http.Handler] that renders all authkit counters and histograms in
// Prometheus text exposition format. Counter names are prefixed
// authkit_*_total; the single histogram is authkit_refresh_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry; callers mount the Handler.
//   - Mutate engine state.
package prometheus
