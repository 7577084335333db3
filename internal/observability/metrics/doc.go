// Package metrics exposes orchestrator counters and gauges through a
// dedicated Prometheus registry.
package metrics
