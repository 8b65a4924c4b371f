/*
Package metrics exposes Prometheus instrumentation and health endpoints for
the coordinator.

Counters and histograms are package-level vars updated inline at their call
sites. Gauges that reflect point-in-time network state (nodes online, tasks
in flight) are sampled by the Collector from a SnapshotSource. Handler serves
the standard Prometheus scrape endpoint; HealthHandler, ReadyHandler and
LivenessHandler back the health surface.
*/
package metrics
