// Package maintenance holds the periodic sweeps that keep the resource
// fleet healthy: releasing hung operations, hard-deleting hopelessly stuck
// resources, reclaiming idle assignments, draining removable resources in
// bounded batches, purging old rows, and converging pool levels.
//
// Each sweep is a scheduler job, so across broker nodes every sweep runs on
// exactly one node per cycle. All windows and cadences come from the
// config.Thresholds policy object.
package maintenance
