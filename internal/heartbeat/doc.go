// Package heartbeat batches device liveness into controller rows.
//
// The Writer keeps the latest record per device and flushes the batch every
// flush interval, or as soon as the batch size is reached. Each flush is one
// transaction that stamps controllers.last_heartbeat and appends a row to
// device_heartbeats. A failed batch is logged and dropped; the next
// heartbeat from the same device replaces it.
package heartbeat
