/*
Package metrics exposes Prometheus metrics for brokerd.

Gauges track resource counts by state and cache level plus pool totals
(refreshed by the Collector every 15 seconds); counters track operations
dispatched, claim races won and lost, job runs, and the maintenance
sweeps' forced actions; a histogram records per-job execution time.

The Timer helper times a code path into any histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.JobDuration.WithLabelValues(name))

Handler() returns the promhttp handler mounted at /metrics by cmd/brokerd.
*/
package metrics
