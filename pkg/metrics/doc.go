// Package metrics exposes the node daemon's Prometheus metrics and a
// small process health tracker, following the same
// register-in-init/expose-via-promhttp shape the rest of this module's
// lineage uses for cluster-wide metrics — trimmed here to what a single
// run lifecycle engine reports: run counts by stage, tick latency,
// and collaborator failure counters.
package metrics
