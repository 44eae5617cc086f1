// Package metrics exposes the monitor's Prometheus metrics.
//
// Metrics live on a private registry so tests can create independent
// instances. Counters the components already keep (queue drops, heartbeat
// batches, device summaries) are read at scrape time through function
// collectors instead of being pushed.
package metrics
